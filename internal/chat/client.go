package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kindoo/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// ParticipantChecker guards room joins: a connection may only join rooms of
// conversations its user participates in.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Client is the middleman between one websocket connection and the hub.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	guard ParticipantChecker
	log   *zap.Logger

	// Buffered channel of outbound frames.
	Send chan []byte

	UserID   string
	Username string
}

// readPump consumes join/leave frames from the peer. Clients never send
// messages over the socket; sends go through the HTTP mutation.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.ConversationID == "" {
			continue
		}
		switch f.Type {
		case realtime.FrameJoin:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			ok, err := c.guard.IsParticipant(ctx, f.ConversationID, c.UserID)
			cancel()
			if err != nil || !ok {
				c.log.Warn("rejected room join",
					zap.String("conversation_id", f.ConversationID),
					zap.String("user_id", c.UserID))
				continue
			}
			c.hub.joinRoom(roomRequest{client: c, conversationID: f.ConversationID})
		case realtime.FrameLeave:
			c.hub.leaveRoom(roomRequest{client: c, conversationID: f.ConversationID})
		}
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
