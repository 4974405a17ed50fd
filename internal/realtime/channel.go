package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kindoo/internal/kindoo"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024
	sendBuffer   = 256
)

// Channel is one authenticated websocket connection to the backend. Room
// handlers receive new_message events for conversations they joined; feed
// handlers receive every event delivered to this principal, which drives
// unseen-activity tracking.
//
// A dropped connection is not data loss: push delivery simply stops until the
// caller dials again, and a subsequent history load recovers the
// authoritative state.
type Channel struct {
	conn *websocket.Conn
	log  *zap.Logger
	send chan []byte
	done chan struct{}

	mu     sync.RWMutex
	rooms  map[string]func(kindoo.Message)
	feeds  []func(kindoo.Message)
	closed bool
}

// Dial connects to the backend's websocket endpoint, authenticating with the
// credential as a query parameter, and starts the read/write pumps.
func Dial(ctx context.Context, baseURL, credential string, log *zap.Logger) (*Channel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, &kindoo.Error{Kind: kindoo.ErrorChannel, Op: "dial", Err: err}
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, &kindoo.Error{Kind: kindoo.ErrorChannel, Op: "dial", Err: err}
	}

	c := &Channel{
		conn:  conn,
		log:   log,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		rooms: make(map[string]func(kindoo.Message)),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Join emits joinConversation and registers the handler for that
// conversation's new_message events. One handler per conversation; joining
// again replaces it.
func (c *Channel) Join(conversationID string, fn func(kindoo.Message)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &kindoo.Error{Kind: kindoo.ErrorChannel, Op: "join", Err: errClosed}
	}
	c.rooms[conversationID] = fn
	c.mu.Unlock()
	c.enqueue(Frame{Type: FrameJoin, ConversationID: conversationID})
	return nil
}

// Leave emits leaveConversation and drops the handler. Safe to call for a
// conversation that was never joined.
func (c *Channel) Leave(conversationID string) {
	c.mu.Lock()
	_, joined := c.rooms[conversationID]
	delete(c.rooms, conversationID)
	closed := c.closed
	c.mu.Unlock()
	if joined && !closed {
		c.enqueue(Frame{Type: FrameLeave, ConversationID: conversationID})
	}
}

// Feed registers a handler for the principal-scoped feed: every new_message
// event delivered to this connection, joined room or not.
func (c *Channel) Feed(fn func(kindoo.Message)) {
	c.mu.Lock()
	c.feeds = append(c.feeds, fn)
	c.mu.Unlock()
}

// Done is closed when the connection is gone, whatever side dropped it.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	_ = c.conn.Close()
}

func (c *Channel) enqueue(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// The write pump is wedged; the connection is as good as gone.
		c.log.Warn("realtime send buffer full, dropping frame", zap.String("type", f.Type))
	}
}

// readPump decodes frames and dispatches new_message events to the joined
// room handler and every feed handler. Malformed or unvalidated payloads are
// dropped at this boundary.
func (c *Channel) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("realtime connection dropped", zap.Error(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		if f.Type != FrameNewMessage || f.Message == nil {
			continue
		}
		msg := *f.Message
		if err := msg.Validate(); err != nil {
			c.log.Debug("dropping invalid message payload", zap.Error(err))
			continue
		}
		msg.Provenance = kindoo.Pushed

		c.mu.RLock()
		room := c.rooms[msg.ConversationID]
		feeds := make([]func(kindoo.Message), len(c.feeds))
		copy(feeds, c.feeds)
		c.mu.RUnlock()

		if room != nil {
			room(msg)
		}
		for _, fn := range feeds {
			fn(msg)
		}
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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

var errClosed = errors.New("channel closed")
