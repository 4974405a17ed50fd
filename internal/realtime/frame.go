// Package realtime is the push-transport boundary. It defines the wire event
// contract shared by client and server, and a client Channel that multiplexes
// per-conversation subscriptions (join/leave) plus the principal-scoped feed
// over one websocket connection.
package realtime

import "kindoo/internal/kindoo"

// Frame is the single wire envelope. Clients emit join/leave, the server
// emits new_message. There is no acknowledgement protocol; delivery is
// at-most-once from the client's perspective.
type Frame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Message        *kindoo.Message `json:"message,omitempty"`
}

const (
	FrameJoin       = "join"
	FrameLeave      = "leave"
	FrameNewMessage = "new_message"
)
