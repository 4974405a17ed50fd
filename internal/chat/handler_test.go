package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kindoo/internal/kindoo"
	"kindoo/internal/middleware"
)

// memStore is an in-memory Repo for handler tests.
type memStore struct {
	mu       sync.Mutex
	messages map[string][]kindoo.Message
	convs    []kindoo.Conversation
	names    map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		messages: make(map[string][]kindoo.Message),
		names:    make(map[string]string),
	}
}

func (s *memStore) addConversation(id string, participants ...kindoo.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = append(s.convs, kindoo.Conversation{
		ID:           id,
		Participants: participants,
		CreatedAt:    time.Now().UTC(),
	})
	for _, p := range participants {
		s.names[p.ID] = p.DisplayName
	}
}

func (s *memStore) SaveMessage(ctx context.Context, m kindoo.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *memStore) History(ctx context.Context, conversationID string) ([]kindoo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	out := make([]kindoo.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) Participants(ctx context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.ID == conversationID {
			var ids []string
			for _, p := range c.Participants {
				ids = append(ids, p.ID)
			}
			return ids, nil
		}
	}
	return nil, nil
}

func (s *memStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.ID != conversationID {
			continue
		}
		for _, p := range c.Participants {
			if p.ID == userID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *memStore) ListForParticipant(ctx context.Context, userID string) ([]kindoo.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kindoo.Conversation
	for _, c := range s.convs {
		for _, p := range c.Participants {
			if p.ID == userID {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) FindDirect(ctx context.Context, a, b string) (kindoo.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.HasParticipants(a, b) {
			return c, true, nil
		}
	}
	return kindoo.Conversation{}, false, nil
}

func (s *memStore) CreateDirect(ctx context.Context, a, b string) (kindoo.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := kindoo.Conversation{
		ID: uuid.NewString(),
		Participants: []kindoo.Principal{
			{ID: a, DisplayName: s.names[a]},
			{ID: b, DisplayName: s.names[b]},
		},
		CreatedAt: time.Now().UTC(),
	}
	s.convs = append(s.convs, conv)
	return conv, nil
}

func authedRequest(method, target, body, userID, username string) *http.Request {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	ctx := context.WithValue(r.Context(), middleware.UserKey, userID)
	ctx = context.WithValue(ctx, middleware.UsernameKey, username)
	return r.WithContext(ctx)
}

func newChatHandler(t *testing.T) (*Handler, *memStore, *Hub) {
	t.Helper()
	store := newMemStore()
	hub := startHub(t)
	return NewHandler(hub, store, nil), store, hub
}

func TestSendPersistsAndPublishes(t *testing.T) {
	h, store, hub := newChatHandler(t)
	store.addConversation("c1",
		kindoo.Principal{ID: "u1", DisplayName: "alice"},
		kindoo.Principal{ID: "u2", DisplayName: "bob"})

	// Bob has a live connection but is not in the room.
	bob := newHubClient("u2")
	hub.Register <- bob

	w := httptest.NewRecorder()
	h.Send(w, authedRequest(http.MethodPost, "/api/messages",
		`{"conversation_id":"c1","content":"hi"}`, "u1", "alice"))

	require.Equal(t, http.StatusOK, w.Code)
	var msg kindoo.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "u1", msg.AuthorID)
	assert.Equal(t, "hi", msg.Content)

	// Persisted.
	history, err := store.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)

	// Published to the participant feed.
	f := expectFrame(t, bob)
	require.NotNil(t, f.Message)
	assert.Equal(t, msg.ID, f.Message.ID)
}

func TestSendValidation(t *testing.T) {
	h, store, _ := newChatHandler(t)
	store.addConversation("c1",
		kindoo.Principal{ID: "u1", DisplayName: "alice"},
		kindoo.Principal{ID: "u2", DisplayName: "bob"})

	t.Run("blank content", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Send(w, authedRequest(http.MethodPost, "/api/messages",
			`{"conversation_id":"c1","content":"   "}`, "u1", "alice"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("non-participant", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Send(w, authedRequest(http.MethodPost, "/api/messages",
			`{"conversation_id":"c1","content":"hi"}`, "u9", "mallory"))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("missing principal", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Send(w, httptest.NewRequest(http.MethodPost, "/api/messages",
			strings.NewReader(`{"conversation_id":"c1","content":"hi"}`)))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHistoryRequiresParticipation(t *testing.T) {
	h, store, _ := newChatHandler(t)
	store.addConversation("c1",
		kindoo.Principal{ID: "u1", DisplayName: "alice"},
		kindoo.Principal{ID: "u2", DisplayName: "bob"})

	w := httptest.NewRecorder()
	h.History(w, authedRequest(http.MethodGet, "/api/messages?conversation_id=c1", "", "u9", "mallory"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	h.History(w, authedRequest(http.MethodGet, "/api/messages?conversation_id=c1", "", "u1", "alice"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String(), "empty history is a JSON array, not null")
}

func TestListOnlyServesTheCaller(t *testing.T) {
	h, store, _ := newChatHandler(t)
	store.addConversation("c1",
		kindoo.Principal{ID: "u1", DisplayName: "alice"},
		kindoo.Principal{ID: "u2", DisplayName: "bob"})

	w := httptest.NewRecorder()
	h.List(w, authedRequest(http.MethodGet, "/api/conversations?participant_id=u2", "", "u1", "alice"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	h.List(w, authedRequest(http.MethodGet, "/api/conversations?participant_id=u1", "", "u1", "alice"))
	require.Equal(t, http.StatusOK, w.Code)
	var convs []kindoo.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
}

func TestStartFindsOrCreates(t *testing.T) {
	h, store, _ := newChatHandler(t)
	store.mu.Lock()
	store.names["u1"] = "alice"
	store.names["u2"] = "bob"
	store.mu.Unlock()

	t.Run("creates once", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Start(w, authedRequest(http.MethodPost, "/api/conversations",
			`{"peer_id":"u2"}`, "u1", "alice"))
		require.Equal(t, http.StatusCreated, w.Code)
		var created kindoo.Conversation
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		assert.True(t, created.HasParticipants("u1", "u2"))

		// From either side, the same conversation comes back.
		w = httptest.NewRecorder()
		h.Start(w, authedRequest(http.MethodPost, "/api/conversations",
			`{"peer_id":"u1"}`, "u2", "bob"))
		require.Equal(t, http.StatusOK, w.Code)
		var found kindoo.Conversation
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &found))
		assert.Equal(t, created.ID, found.ID)
	})

	t.Run("rejects self", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Start(w, authedRequest(http.MethodPost, "/api/conversations",
			`{"peer_id":"u1"}`, "u1", "alice"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects empty peer", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Start(w, authedRequest(http.MethodPost, "/api/conversations",
			`{}`, "u1", "alice"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
