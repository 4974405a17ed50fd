// Package chat is the backend's conversation engine: persistence for
// conversations and messages, and the websocket hub that routes new_message
// events to conversation rooms and to every participant's principal feed.
package chat

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kindoo/internal/kindoo"
	"kindoo/internal/realtime"
)

const redisChannel = "kindoo.messages"

// delivery is the fan-out envelope: the message plus the participant ids it
// must reach, resolved at publish time so the hub loop never touches the
// database.
type delivery struct {
	Message      kindoo.Message `json:"message"`
	Participants []string       `json:"participants"`
}

type roomRequest struct {
	client         *Client
	conversationID string
}

// Hub routes deliveries to connected clients. All maps are owned by the Run
// loop; channels are the only way in.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	join    chan roomRequest
	leave   chan roomRequest
	deliver chan delivery
	done    chan struct{}

	clients map[*Client]bool
	byUser  map[string]map[*Client]bool
	rooms   map[string]map[*Client]bool

	redis *redis.Client
	log   *zap.Logger
}

// NewHub builds a hub. redisClient may be nil for single-instance use (and
// tests); Publish then delivers in-process.
func NewHub(redisClient *redis.Client, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		join:       make(chan roomRequest),
		leave:      make(chan roomRequest),
		deliver:    make(chan delivery, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		redis:      redisClient,
		log:        log,
	}
}

// Run owns all hub state. It is the only goroutine to touch the maps, which
// makes them safe without locks. When it returns, done is closed so pump
// goroutines blocked on the inbound channels unblock instead of leaking.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.Send)
			}
			return

		case client := <-h.Register:
			h.clients[client] = true
			if h.byUser[client.UserID] == nil {
				h.byUser[client.UserID] = make(map[*Client]bool)
			}
			h.byUser[client.UserID][client] = true

		case client := <-h.Unregister:
			h.drop(client)

		case req := <-h.join:
			if !h.clients[req.client] {
				continue
			}
			if h.rooms[req.conversationID] == nil {
				h.rooms[req.conversationID] = make(map[*Client]bool)
			}
			h.rooms[req.conversationID][req.client] = true

		case req := <-h.leave:
			if m := h.rooms[req.conversationID]; m != nil {
				delete(m, req.client)
				if len(m) == 0 {
					delete(h.rooms, req.conversationID)
				}
			}

		case d := <-h.deliver:
			h.fanOut(d)
		}
	}
}

// register hands a new connection to the loop; a no-op once Run has exited.
func (h *Hub) register(c *Client) {
	select {
	case h.Register <- c:
	case <-h.done:
	}
}

// unregister is the pump-side counterpart; it must never block a pump after
// shutdown.
func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) joinRoom(req roomRequest) {
	select {
	case h.join <- req:
	case <-h.done:
	}
}

func (h *Hub) leaveRoom(req roomRequest) {
	select {
	case h.leave <- req:
	case <-h.done:
	}
}

// Publish fans a saved message out to its conversation room and to the
// participants' principal feeds, across instances when redis is configured.
func (h *Hub) Publish(ctx context.Context, msg kindoo.Message, participants []string) {
	d := delivery{Message: msg, Participants: participants}
	if h.redis == nil {
		h.deliverLocal(d)
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := h.redis.Publish(ctx, redisChannel, data).Err(); err != nil {
		h.log.Error("redis publish failed, delivering locally", zap.Error(err))
		h.deliverLocal(d)
	}
}

func (h *Hub) deliverLocal(d delivery) {
	select {
	case h.deliver <- d:
	case <-h.done:
	}
}

// SubscribeToRedis feeds cross-instance deliveries into the hub loop. Run it
// in its own goroutine when redis is configured.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var d delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				h.log.Warn("dropping undecodable redis payload", zap.Error(err))
				continue
			}
			h.deliverLocal(d)
		}
	}
}

// fanOut sends the new_message frame to the union of the room's clients and
// every participant's connections, once per connection.
func (h *Hub) fanOut(d delivery) {
	frame := realtime.Frame{Type: realtime.FrameNewMessage, Message: &d.Message}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	targets := make(map[*Client]bool)
	for client := range h.rooms[d.Message.ConversationID] {
		targets[client] = true
	}
	for _, userID := range d.Participants {
		for client := range h.byUser[userID] {
			targets[client] = true
		}
	}

	for client := range targets {
		select {
		case client.Send <- data:
		default:
			// Slow consumer; evict rather than block the loop.
			h.drop(client)
		}
	}
}

func (h *Hub) drop(client *Client) {
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	if m := h.byUser[client.UserID]; m != nil {
		delete(m, client)
		if len(m) == 0 {
			delete(h.byUser, client.UserID)
		}
	}
	for id, m := range h.rooms {
		delete(m, client)
		if len(m) == 0 {
			delete(h.rooms, id)
		}
	}
	close(client.Send)
}
