package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kindoo/internal/kindoo"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	return New(ts.URL, nil), ts
}

func TestLogin(t *testing.T) {
	t.Run("returns the access token", func(t *testing.T) {
		c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/login", r.URL.Path)
			w.Write([]byte(`{"access_token":"tok-1","id":"u1","username":"alice"}`))
		})
		defer ts.Close()

		tok, err := c.Login(context.Background(), "alice", "pw")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok)
	})

	t.Run("401 maps to an auth failure", func(t *testing.T) {
		c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
		})
		defer ts.Close()

		_, err := c.Login(context.Background(), "alice", "wrong")
		require.Error(t, err)
		assert.True(t, kindoo.IsKind(err, kindoo.ErrorAuth))
	})

	t.Run("empty token in a 200 is an auth failure", func(t *testing.T) {
		c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":"u1","username":"alice"}`))
		})
		defer ts.Close()

		_, err := c.Login(context.Background(), "alice", "pw")
		require.Error(t, err)
		assert.True(t, kindoo.IsKind(err, kindoo.ErrorAuth))
	})
}

func TestAuthenticatedCallsCarryBearerToken(t *testing.T) {
	var gotAuth string
	c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"id":"u2","username":"bob"}`))
	})
	defer ts.Close()

	c.SetCredential("tok-2")
	_, err := c.FindUser(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-2", gotAuth)
}

func TestFindUserRejectsPayloadWithoutID(t *testing.T) {
	c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"username":"bob"}`))
	})
	defer ts.Close()

	_, err := c.FindUser(context.Background(), "u2")
	require.Error(t, err)
	assert.True(t, kindoo.IsKind(err, kindoo.ErrorAuth))
}

func TestHistoryNarrowsAndMarksProvenance(t *testing.T) {
	c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c1", r.URL.Query().Get("conversation_id"))
		w.Write([]byte(`[
			{"id":"m1","conversation_id":"c1","author_id":"u1","content":"hi","created_at":"2025-06-02T12:00:00Z"},
			{"conversation_id":"c1","author_id":"u1","content":"no id","created_at":"2025-06-02T12:01:00Z"},
			{"id":"m2","conversation_id":"c1","author_id":"u2","content":"hey","created_at":"2025-06-02T12:02:00Z"}
		]`))
	})
	defer ts.Close()

	msgs, err := c.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2, "the malformed entry is dropped")
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	for _, m := range msgs {
		assert.Equal(t, kindoo.Fetched, m.Provenance)
	}
}

func TestHistoryFailureKind(t *testing.T) {
	c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	defer ts.Close()

	_, err := c.History(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, kindoo.IsKind(err, kindoo.ErrorFetch))
}

func TestSendMessage(t *testing.T) {
	t.Run("returns the confirmed record", func(t *testing.T) {
		c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/messages", r.URL.Path)
			w.Write([]byte(`{"id":"m1","conversation_id":"c1","author_id":"u1","content":"hi","created_at":"2025-06-02T12:00:00Z"}`))
		})
		defer ts.Close()

		msg, err := c.SendMessage(context.Background(), "c1", "hi")
		require.NoError(t, err)
		assert.Equal(t, "m1", msg.ID)
	})

	t.Run("server failure is a send error", func(t *testing.T) {
		c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
		defer ts.Close()

		_, err := c.SendMessage(context.Background(), "c1", "hi")
		require.Error(t, err)
		assert.True(t, kindoo.IsKind(err, kindoo.ErrorSend))
	})

	t.Run("expired credential is an auth error even on send", func(t *testing.T) {
		c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "token expired", http.StatusUnauthorized)
		})
		defer ts.Close()

		_, err := c.SendMessage(context.Background(), "c1", "hi")
		require.Error(t, err)
		assert.True(t, kindoo.IsKind(err, kindoo.ErrorAuth))
	})
}

func TestListConversationsDropsMalformedEntries(t *testing.T) {
	c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u1", r.URL.Query().Get("participant_id"))
		w.Write([]byte(`[
			{"id":"c1","participants":[{"id":"u1","username":"alice"},{"id":"u2","username":"bob"}],"created_at":"2025-06-01T09:00:00Z"},
			{"id":"c2","participants":[{"id":"u1","username":"alice"}],"created_at":"2025-06-01T09:00:00Z"}
		]`))
	})
	defer ts.Close()

	convs, err := c.ListConversations(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, convs, 1, "single-participant entry is dropped")
	assert.Equal(t, "c1", convs[0].ID)
}

func TestSearchUsersDropsEntriesWithoutID(t *testing.T) {
	c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bo", r.URL.Query().Get("q"))
		w.Write([]byte(`[{"id":"u2","username":"bob"},{"username":"anon"}]`))
	})
	defer ts.Close()

	users, err := c.SearchUsers(context.Background(), "bo")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u2", users[0].ID)
}
