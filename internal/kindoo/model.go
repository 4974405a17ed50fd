// Package kindoo holds the entity model shared by the sync engine: principals,
// conversations, messages and the ephemeral typing state. Remote payloads are
// narrowed into these shapes at the API/channel boundary via Validate, so the
// engine never operates on unchecked external data.
package kindoo

import (
	"strings"
	"time"
)

// Principal is an authenticated user. ID is stable and is the ownership key
// for "is this message mine".
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"username"`
}

func (p Principal) Validate() error {
	if p.ID == "" {
		return &Error{Kind: ErrorFetch, Op: "principal", Err: errMissingID}
	}
	return nil
}

// Conversation is read-mostly from the client's perspective. The unseen flag
// is client-local UI state and lives in the directory, not here.
type Conversation struct {
	ID           string      `json:"id"`
	Participants []Principal `json:"participants"`
	CreatedAt    time.Time   `json:"created_at"`
}

func (c Conversation) Validate() error {
	if c.ID == "" {
		return &Error{Kind: ErrorFetch, Op: "conversation", Err: errMissingID}
	}
	if len(c.Participants) < 2 {
		return &Error{Kind: ErrorFetch, Op: "conversation", Err: errTooFewParticipants}
	}
	for _, p := range c.Participants {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Counterpart returns the participant that is not self. Falls back to the
// first participant when self is not in the set.
func (c Conversation) Counterpart(selfID string) Principal {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p
		}
	}
	if len(c.Participants) > 0 {
		return c.Participants[0]
	}
	return Principal{}
}

// HasParticipants reports whether the conversation's participant set is
// exactly the given pair, in either order.
func (c Conversation) HasParticipants(a, b string) bool {
	if len(c.Participants) != 2 {
		return false
	}
	x, y := c.Participants[0].ID, c.Participants[1].ID
	return (x == a && y == b) || (x == b && y == a)
}

// Provenance records which of the three producers a message entry came from.
type Provenance int

const (
	Fetched Provenance = iota
	Pushed
	Optimistic
)

// Message is a single chat message. Optimistic entries carry a temporary
// client-generated id (never equal to any server id) until their
// authoritative echo arrives.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`

	Provenance Provenance `json:"-"`
}

func (m Message) Validate() error {
	if m.ID == "" || m.ConversationID == "" || m.AuthorID == "" {
		return &Error{Kind: ErrorFetch, Op: "message", Err: errMissingID}
	}
	if m.CreatedAt.IsZero() {
		return &Error{Kind: ErrorFetch, Op: "message", Err: errMissingTimestamp}
	}
	return nil
}

// SameLogical reports whether two entries represent the same logical message:
// same author, content and conversation, created within the given window.
// Used to reconcile an optimistic entry with its authoritative echo.
func (m Message) SameLogical(other Message, window time.Duration) bool {
	if m.AuthorID != other.AuthorID || m.ConversationID != other.ConversationID {
		return false
	}
	if strings.TrimSpace(m.Content) != strings.TrimSpace(other.Content) {
		return false
	}
	d := m.CreatedAt.Sub(other.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// TypingState is conversation-scoped and never persisted.
type TypingState struct {
	Active    bool
	ExpiresAt time.Time
}
