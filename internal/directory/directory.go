// Package directory maintains the list of conversations a principal
// participates in. The list is refreshed by bounded polling (conversation
// metadata changes are low-frequency), while the unseen-activity flags are
// driven by the principal-scoped realtime feed.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kindoo/internal/kindoo"
)

// API is the remote conversation directory.
type API interface {
	ListConversations(ctx context.Context, participantID string) ([]kindoo.Conversation, error)
	CreateConversation(ctx context.Context, peerID string) (kindoo.Conversation, error)
}

// Feed is the principal-scoped realtime feed the directory subscribes to for
// unseen-activity tracking.
type Feed interface {
	Feed(fn func(kindoo.Message))
}

type Directory struct {
	api  API
	self kindoo.Principal
	log  *zap.Logger

	mu            sync.RWMutex
	conversations []kindoo.Conversation
	unseen        map[string]bool
	activeID      string
}

func New(api API, self kindoo.Principal, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{
		api:    api,
		self:   self,
		log:    log,
		unseen: make(map[string]bool),
	}
}

// Subscribe registers the unseen-activity handler on the feed. A message
// authored by someone else for a conversation that is not currently open sets
// the flag; nothing else ever sets it, and only MarkSeen clears it.
func (d *Directory) Subscribe(feed Feed) {
	feed.Feed(func(msg kindoo.Message) {
		if msg.AuthorID == d.self.ID {
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if msg.ConversationID == d.activeID {
			return
		}
		d.unseen[msg.ConversationID] = true
	})
}

// Refresh pulls the conversation list once. Retryable; a failure leaves the
// previous list in place.
func (d *Directory) Refresh(ctx context.Context) error {
	convs, err := d.api.ListConversations(ctx, d.self.ID)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}
	d.mu.Lock()
	d.conversations = convs
	d.mu.Unlock()
	return nil
}

// Run polls Refresh on the interval until ctx is cancelled. Run it in its own
// goroutine.
func (d *Directory) Run(ctx context.Context, interval time.Duration) {
	if err := d.Refresh(ctx); err != nil {
		d.log.Warn("initial conversation refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				d.log.Warn("conversation refresh failed", zap.Error(err))
			}
		}
	}
}

// Conversations returns a copy of the current list.
func (d *Directory) Conversations() []kindoo.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]kindoo.Conversation, len(d.conversations))
	copy(out, d.conversations)
	return out
}

// Filter returns the conversations whose counterpart display name contains
// query, case-insensitively. Pure and synchronous.
func (d *Directory) Filter(query string) []kindoo.Conversation {
	query = strings.ToLower(strings.TrimSpace(query))
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []kindoo.Conversation
	for _, c := range d.conversations {
		name := strings.ToLower(c.Counterpart(d.self.ID).DisplayName)
		if query == "" || strings.Contains(name, query) {
			out = append(out, c)
		}
	}
	return out
}

// HasUnseen reports the unseen-activity flag for a conversation.
func (d *Directory) HasUnseen(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.unseen[id]
}

// MarkSeen clears the unseen-activity flag; called when the user opens the
// conversation.
func (d *Directory) MarkSeen(id string) {
	d.mu.Lock()
	delete(d.unseen, id)
	d.mu.Unlock()
}

// SetActive records which conversation is open so the feed handler can skip
// it, and clears its flag. An empty id means nothing is open.
func (d *Directory) SetActive(id string) {
	d.mu.Lock()
	d.activeID = id
	delete(d.unseen, id)
	d.mu.Unlock()
}

// Start opens a conversation with peer. If a conversation with exactly that
// participant pair already exists it is returned; duplicate creation is never
// issued.
func (d *Directory) Start(ctx context.Context, peerID string) (kindoo.Conversation, error) {
	d.mu.RLock()
	for _, c := range d.conversations {
		if c.HasParticipants(d.self.ID, peerID) {
			d.mu.RUnlock()
			return c, nil
		}
	}
	d.mu.RUnlock()

	conv, err := d.api.CreateConversation(ctx, peerID)
	if err != nil {
		return kindoo.Conversation{}, fmt.Errorf("start conversation: %w", err)
	}
	d.mu.Lock()
	// The poller may not have seen it yet; splice it in so the UI shows it
	// immediately.
	found := false
	for _, c := range d.conversations {
		if c.ID == conv.ID {
			found = true
			break
		}
	}
	if !found {
		d.conversations = append(d.conversations, conv)
		sort.SliceStable(d.conversations, func(i, j int) bool {
			return d.conversations[i].CreatedAt.After(d.conversations[j].CreatedAt)
		})
	}
	d.mu.Unlock()
	return conv, nil
}
