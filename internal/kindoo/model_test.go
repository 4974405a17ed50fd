package kindoo

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounterpart(t *testing.T) {
	conv := Conversation{
		ID: "c1",
		Participants: []Principal{
			{ID: "u1", DisplayName: "alice"},
			{ID: "u2", DisplayName: "bob"},
		},
	}

	assert.Equal(t, "bob", conv.Counterpart("u1").DisplayName)
	assert.Equal(t, "alice", conv.Counterpart("u2").DisplayName)
	// Viewer not in the set: fall back to the first participant.
	assert.Equal(t, "alice", conv.Counterpart("u9").DisplayName)
	assert.Equal(t, Principal{}, Conversation{}.Counterpart("u1"))
}

func TestHasParticipants(t *testing.T) {
	conv := Conversation{Participants: []Principal{{ID: "u1"}, {ID: "u2"}}}

	assert.True(t, conv.HasParticipants("u1", "u2"))
	assert.True(t, conv.HasParticipants("u2", "u1"))
	assert.False(t, conv.HasParticipants("u1", "u3"))

	three := Conversation{Participants: []Principal{{ID: "u1"}, {ID: "u2"}, {ID: "u3"}}}
	assert.False(t, three.HasParticipants("u1", "u2"))
}

func TestMessageValidate(t *testing.T) {
	valid := Message{
		ID:             "m1",
		ConversationID: "c1",
		AuthorID:       "u1",
		CreatedAt:      time.Now(),
	}
	assert.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Message){
		"missing id":              func(m *Message) { m.ID = "" },
		"missing conversation id": func(m *Message) { m.ConversationID = "" },
		"missing author id":       func(m *Message) { m.AuthorID = "" },
		"zero timestamp":          func(m *Message) { m.CreatedAt = time.Time{} },
	} {
		t.Run(name, func(t *testing.T) {
			m := valid
			mutate(&m)
			assert.Error(t, m.Validate())
		})
	}
}

func TestConversationValidate(t *testing.T) {
	valid := Conversation{
		ID:           "c1",
		Participants: []Principal{{ID: "u1"}, {ID: "u2"}},
	}
	assert.NoError(t, valid.Validate())

	assert.Error(t, Conversation{Participants: valid.Participants}.Validate())
	assert.Error(t, Conversation{ID: "c1", Participants: []Principal{{ID: "u1"}}}.Validate())
	assert.Error(t, Conversation{ID: "c1", Participants: []Principal{{ID: "u1"}, {}}}.Validate())
}

func TestSameLogical(t *testing.T) {
	at := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	base := Message{ConversationID: "c1", AuthorID: "u1", Content: "hi", CreatedAt: at}

	t.Run("trimmed content within window matches", func(t *testing.T) {
		echo := base
		echo.Content = " hi \n"
		echo.CreatedAt = at.Add(5 * time.Second)
		assert.True(t, base.SameLogical(echo, 30*time.Second))
		assert.True(t, echo.SameLogical(base, 30*time.Second), "symmetric")
	})

	t.Run("outside the window does not", func(t *testing.T) {
		echo := base
		echo.CreatedAt = at.Add(31 * time.Second)
		assert.False(t, base.SameLogical(echo, 30*time.Second))
	})

	t.Run("different author, content or conversation do not", func(t *testing.T) {
		other := base
		other.AuthorID = "u2"
		assert.False(t, base.SameLogical(other, 30*time.Second))

		other = base
		other.Content = "hello"
		assert.False(t, base.SameLogical(other, 30*time.Second))

		other = base
		other.ConversationID = "c2"
		assert.False(t, base.SameLogical(other, 30*time.Second))
	})
}

func TestErrorKindMatching(t *testing.T) {
	inner := errors.New("boom")
	err := &Error{Kind: ErrorSend, Op: "send message", Err: inner}

	assert.True(t, IsKind(err, ErrorSend))
	assert.False(t, IsKind(err, ErrorAuth))
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "send message")

	// Wrapping preserves the kind.
	wrapped := &Error{Kind: ErrorSend, Op: "outer", Err: err}
	assert.True(t, IsKind(wrapped, ErrorSend))
	assert.False(t, IsKind(nil, ErrorSend))
	assert.False(t, IsKind(inner, ErrorSend))
}
