// Package timeline merges the three message producers of one open
// conversation - the historical fetch, the realtime push channel and locally
// issued optimistic sends - into a single ordered, deduplicated sequence, and
// owns the typing-indicator state machine.
//
// A Reconciler is scoped to one conversation id: it is created on selection,
// attached to the realtime channel, and disposed on deselection. Stale events
// arriving after Dispose never mutate retained state.
package timeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kindoo/internal/kindoo"
)

// API is the remote message surface for one conversation.
type API interface {
	History(ctx context.Context, conversationID string) ([]kindoo.Message, error)
	SendMessage(ctx context.Context, conversationID, content string) (kindoo.Message, error)
}

// Channel is the per-conversation subscription boundary of the realtime
// transport.
type Channel interface {
	Join(conversationID string, fn func(kindoo.Message)) error
	Leave(conversationID string)
}

type State int

const (
	StateInitial State = iota
	StateLoading
	StateReady
	StateFailed
)

// DefaultHoldBack is how long an incoming peer message is withheld while the
// typing indicator shows.
const DefaultHoldBack = 1200 * time.Millisecond

// dedupWindow bounds how far apart in time an optimistic entry and its echo
// may be and still count as the same logical message.
const dedupWindow = 30 * time.Second

type Reconciler struct {
	conv  kindoo.Conversation
	self  kindoo.Principal
	api   API
	ch    Channel
	log   *zap.Logger
	sched Scheduler

	holdBack time.Duration

	mu          sync.Mutex
	state       State
	loadErr     error
	entries     []kindoo.Message
	withheld    []kindoo.Message
	typing      bool
	typingTimer Timer
	attached    bool
	disposed    bool
}

func New(conv kindoo.Conversation, self kindoo.Principal, api API, ch Channel, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		conv:     conv,
		self:     self,
		api:      api,
		ch:       ch,
		log:      log.With(zap.String("conversation_id", conv.ID)),
		sched:    SystemScheduler(),
		holdBack: DefaultHoldBack,
	}
}

// SetScheduler replaces the wall-clock scheduler; call before Attach.
func (r *Reconciler) SetScheduler(s Scheduler) { r.sched = s }

// SetHoldBack adjusts the typing hold-back delay; call before Attach.
func (r *Reconciler) SetHoldBack(d time.Duration) { r.holdBack = d }

// Load issues the historical fetch. On success the result becomes the
// authoritative base sequence; entries the fetch cannot know about, optimistic
// sends and push echoes that landed while it was in flight included, are
// re-applied on top. On failure the timeline is left empty and the error is
// retained.
func (r *Reconciler) Load(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateLoading
	r.mu.Unlock()

	history, err := r.api.History(ctx, r.conv.ID)
	if err != nil {
		r.mu.Lock()
		if !r.disposed {
			r.state = StateFailed
			r.loadErr = err
			r.entries = nil
		}
		r.mu.Unlock()
		return fmt.Errorf("load history: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil
	}
	// Snapshot the locally produced entries at the merge point, not before
	// the fetch: a Send or push echo racing the in-flight fetch must survive
	// the rebuild.
	var live []kindoo.Message
	for _, e := range r.entries {
		if e.Provenance != kindoo.Fetched {
			live = append(live, e)
		}
	}
	r.entries = nil
	for _, m := range history {
		if m.ConversationID != r.conv.ID {
			continue
		}
		m.Provenance = kindoo.Fetched
		r.insertOrdered(m)
	}
	for _, e := range live {
		if e.Provenance == kindoo.Optimistic {
			// Re-apply unless the fetch already carries the confirmed
			// version.
			if !r.confirmed(e) {
				r.insertOrdered(e)
			}
			continue
		}
		if !r.hasID(e.ID) {
			r.insertOrdered(e)
		}
	}
	r.state = StateReady
	r.loadErr = nil
	return nil
}

// Attach joins the realtime room for this conversation. Events for other
// conversation ids, and events arriving after Dispose, are ignored.
func (r *Reconciler) Attach() error {
	r.mu.Lock()
	if r.disposed || r.attached {
		r.mu.Unlock()
		return nil
	}
	r.attached = true
	r.mu.Unlock()

	if err := r.ch.Join(r.conv.ID, r.onPush); err != nil {
		r.mu.Lock()
		r.attached = false
		r.mu.Unlock()
		return fmt.Errorf("attach: %w", err)
	}
	return nil
}

// Dispose leaves the realtime room and freezes the reconciler. Idempotent;
// push events and timer fires after Dispose do not mutate retained state.
func (r *Reconciler) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	wasAttached := r.attached
	r.attached = false
	if r.typingTimer != nil {
		r.typingTimer.Stop()
		r.typingTimer = nil
	}
	r.typing = false
	r.mu.Unlock()

	if wasAttached {
		r.ch.Leave(r.conv.ID)
	}
}

// Send appends an optimistic entry immediately and issues the remote send.
// Empty or whitespace-only content is a no-op, not an error. On mutation
// failure the optimistic entry is retained and the failure surfaced; the
// confirmed version normally arrives via the push echo either way.
func (r *Reconciler) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	optimistic := kindoo.Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: r.conv.ID,
		AuthorID:       r.self.ID,
		Content:        content,
		CreatedAt:      r.sched.Now(),
		Provenance:     kindoo.Optimistic,
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.insertOrdered(optimistic)
	r.mu.Unlock()

	confirmed, err := r.api.SendMessage(ctx, r.conv.ID, content)
	if err != nil {
		r.log.Warn("send failed, optimistic entry retained", zap.Error(err))
		return fmt.Errorf("send: %w", err)
	}
	// The push echo may already have confirmed it; confirm is idempotent
	// with respect to that race.
	r.mu.Lock()
	if !r.disposed {
		confirmed.Provenance = kindoo.Pushed
		r.confirm(confirmed)
	}
	r.mu.Unlock()
	return nil
}

// onPush handles a newMessage event from the realtime channel.
func (r *Reconciler) onPush(msg kindoo.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed || msg.ConversationID != r.conv.ID {
		return
	}
	msg.Provenance = kindoo.Pushed

	if msg.AuthorID == r.self.ID {
		// Echo of our own send: reconcile against the optimistic entry.
		r.confirm(msg)
		return
	}

	// A redelivery of a message the timeline already shows must not flash
	// the indicator again.
	if r.hasID(msg.ID) {
		return
	}

	// Peer message: withhold it while the typing indicator shows. Messages
	// arriving inside the window queue behind the same deadline and are
	// revealed together.
	r.withheld = append(r.withheld, msg)
	r.typing = true
	if r.typingTimer == nil {
		r.typingTimer = r.sched.AfterFunc(r.holdBack, r.revealWithheld)
	}
}

// revealWithheld flushes the typing hold-back queue into the visible
// timeline.
func (r *Reconciler) revealWithheld() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typingTimer = nil
	if r.disposed {
		return
	}
	for _, m := range r.withheld {
		if !r.hasID(m.ID) {
			r.insertOrdered(m)
		}
	}
	r.withheld = nil
	r.typing = false
}

// confirm reconciles an authoritative message (push echo or mutation
// response) into the timeline: exactly one entry per logical message,
// whichever arrival order the race produced. Caller holds the lock.
func (r *Reconciler) confirm(auth kindoo.Message) {
	if r.hasID(auth.ID) {
		return
	}
	for i, e := range r.entries {
		if e.Provenance == kindoo.Optimistic && e.SameLogical(auth, dedupWindow) {
			// Replace in place rather than append, keeping the position the
			// optimistic entry already renders at.
			r.entries[i] = auth
			return
		}
	}
	r.insertOrdered(auth)
}

// confirmed reports whether an optimistic entry already has an authoritative
// counterpart in the timeline. Caller holds the lock.
func (r *Reconciler) confirmed(opt kindoo.Message) bool {
	for _, e := range r.entries {
		if e.Provenance != kindoo.Optimistic && e.SameLogical(opt, dedupWindow) {
			return true
		}
	}
	return false
}

func (r *Reconciler) hasID(id string) bool {
	for _, e := range r.entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// insertOrdered places m keeping CreatedAt non-decreasing, ties broken by
// arrival order. Caller holds the lock.
func (r *Reconciler) insertOrdered(m kindoo.Message) {
	i := len(r.entries)
	for i > 0 && r.entries[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	r.entries = append(r.entries, kindoo.Message{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = m
}

// Messages returns a copy of the visible timeline.
func (r *Reconciler) Messages() []kindoo.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kindoo.Message, len(r.entries))
	copy(out, r.entries)
	return out
}

// Typing reports whether the peer-typing indicator is showing.
func (r *Reconciler) Typing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the retained load failure, if any.
func (r *Reconciler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadErr
}

// Conversation returns the conversation this reconciler is scoped to.
func (r *Reconciler) Conversation() kindoo.Conversation { return r.conv }
