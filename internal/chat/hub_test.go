package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kindoo/internal/kindoo"
	"kindoo/internal/realtime"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func newHubClient(userID string) *Client {
	return &Client{Send: make(chan []byte, 8), UserID: userID}
}

func expectFrame(t *testing.T, c *Client) realtime.Frame {
	t.Helper()
	select {
	case data := <-c.Send:
		var f realtime.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("expected a frame, got none")
		return realtime.Frame{}
	}
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("expected no frame, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func testMessage(convID, authorID string) kindoo.Message {
	return kindoo.Message{
		ID:             "m-1",
		ConversationID: convID,
		AuthorID:       authorID,
		Content:        "hi",
		CreatedAt:      time.Now().UTC(),
	}
}

func TestPublishReachesRoomMembers(t *testing.T) {
	h := startHub(t)
	alice := newHubClient("u1")
	bob := newHubClient("u2")
	h.Register <- alice
	h.Register <- bob
	h.join <- roomRequest{client: alice, conversationID: "c1"}
	h.join <- roomRequest{client: bob, conversationID: "c1"}

	h.Publish(context.Background(), testMessage("c1", "u1"), nil)

	for _, c := range []*Client{alice, bob} {
		f := expectFrame(t, c)
		assert.Equal(t, realtime.FrameNewMessage, f.Type)
		require.NotNil(t, f.Message)
		assert.Equal(t, "m-1", f.Message.ID)
		assert.Equal(t, "c1", f.Message.ConversationID)
	}
}

func TestPublishReachesParticipantsOutsideTheRoom(t *testing.T) {
	// Bob has a connection but never joined the room; the participant feed
	// still reaches him so his sidebar can flag unseen activity.
	h := startHub(t)
	alice := newHubClient("u1")
	bob := newHubClient("u2")
	stranger := newHubClient("u9")
	h.Register <- alice
	h.Register <- bob
	h.Register <- stranger
	h.join <- roomRequest{client: alice, conversationID: "c1"}

	h.Publish(context.Background(), testMessage("c1", "u1"), []string{"u1", "u2"})

	expectFrame(t, alice)
	expectFrame(t, bob)
	expectNoFrame(t, stranger)
}

func TestDeliveryIsOncePerConnection(t *testing.T) {
	// Alice is in the room and a participant; the union must not double-send.
	h := startHub(t)
	alice := newHubClient("u1")
	h.Register <- alice
	h.join <- roomRequest{client: alice, conversationID: "c1"}

	h.Publish(context.Background(), testMessage("c1", "u2"), []string{"u1", "u2"})

	expectFrame(t, alice)
	expectNoFrame(t, alice)
}

func TestLeaveStopsRoomDelivery(t *testing.T) {
	h := startHub(t)
	alice := newHubClient("u1")
	h.Register <- alice
	h.join <- roomRequest{client: alice, conversationID: "c1"}
	h.leave <- roomRequest{client: alice, conversationID: "c1"}

	h.Publish(context.Background(), testMessage("c1", "u2"), nil)

	expectNoFrame(t, alice)
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	h := startHub(t)
	alice := newHubClient("u1")
	h.Register <- alice
	h.Unregister <- alice

	select {
	case _, ok := <-alice.Send:
		assert.False(t, ok, "send channel must be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("send channel was not closed")
	}

	// A late publish must not panic or deliver.
	h.Publish(context.Background(), testMessage("c1", "u2"), []string{"u1"})
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	h := startHub(t)
	slow := &Client{Send: make(chan []byte), UserID: "u1"} // no buffer, never read
	h.Register <- slow
	h.join <- roomRequest{client: slow, conversationID: "c1"}

	h.Publish(context.Background(), testMessage("c1", "u2"), nil)

	select {
	case _, ok := <-slow.Send:
		assert.False(t, ok, "eviction closes the send channel")
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not evicted")
	}
}

func TestShutdownUnblocksPumpSends(t *testing.T) {
	h := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	alice := newHubClient("u1")
	h.Register <- alice

	cancel()
	select {
	case _, ok := <-alice.Send:
		require.False(t, ok, "shutdown closes the send channel")
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not shut down")
	}

	// Every pump-side handoff must return instead of leaking a goroutine
	// against the stopped loop.
	finished := make(chan struct{})
	go func() {
		h.unregister(alice)
		h.joinRoom(roomRequest{client: alice, conversationID: "c1"})
		h.leaveRoom(roomRequest{client: alice, conversationID: "c1"})
		h.register(alice)
		h.Publish(context.Background(), testMessage("c1", "u2"), nil)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("a handoff blocked after shutdown")
	}
}

func TestJoinFromUnregisteredClientIsIgnored(t *testing.T) {
	h := startHub(t)
	ghost := newHubClient("u1")
	h.join <- roomRequest{client: ghost, conversationID: "c1"}

	h.Publish(context.Background(), testMessage("c1", "u2"), nil)

	expectNoFrame(t, ghost)
}
