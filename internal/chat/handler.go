package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kindoo/internal/kindoo"
	"kindoo/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // tighten per deployment origin
	},
}

// Repo is what the handlers need from persistence; an interface so handler
// tests run against an in-memory store.
type Repo interface {
	SaveMessage(ctx context.Context, m kindoo.Message) error
	History(ctx context.Context, conversationID string) ([]kindoo.Message, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListForParticipant(ctx context.Context, userID string) ([]kindoo.Conversation, error)
	FindDirect(ctx context.Context, a, b string) (kindoo.Conversation, bool, error)
	CreateDirect(ctx context.Context, a, b string) (kindoo.Conversation, error)
}

type Handler struct {
	hub  *Hub
	repo Repo
	log  *zap.Logger
}

func NewHandler(hub *Hub, repo Repo, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{hub: hub, repo: repo, log: log}
}

func principalFromContext(r *http.Request) (string, string, bool) {
	userID, ok := r.Context().Value(middleware.UserKey).(string)
	username, ok2 := r.Context().Value(middleware.UsernameKey).(string)
	return userID, username, ok && ok2
}

// ServeWs upgrades the connection and hooks it into the hub. One connection
// carries both the principal feed and any joined conversation rooms.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := principalFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:      h.hub,
		conn:     conn,
		guard:    h.repo,
		log:      h.log,
		Send:     make(chan []byte, 256),
		UserID:   userID,
		Username: username,
	}
	h.hub.register(client)

	go client.writePump()
	go client.readPump()
}

// History serves the authoritative message sequence for a conversation.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := principalFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id required", http.StatusBadRequest)
		return
	}
	if !h.requireParticipant(w, r, conversationID, userID) {
		return
	}

	msgs, err := h.repo.History(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []kindoo.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// Send persists a message and publishes it to the hub. The HTTP response
// carries the confirmed record, but clients normally render the push echo.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := principalFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" || req.ConversationID == "" {
		http.Error(w, "conversation_id and content required", http.StatusBadRequest)
		return
	}
	if !h.requireParticipant(w, r, req.ConversationID, userID) {
		return
	}

	msg := kindoo.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		AuthorID:       userID,
		Content:        req.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.repo.SaveMessage(r.Context(), msg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	participants, err := h.repo.Participants(r.Context(), req.ConversationID)
	if err != nil {
		h.log.Error("resolving participants failed", zap.Error(err))
		participants = nil
	}
	h.hub.Publish(r.Context(), msg, participants)

	writeJSON(w, http.StatusOK, msg)
}

// List serves the conversations of the authenticated participant.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := principalFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	// The participant_id parameter exists for API symmetry; it may only name
	// the caller.
	if p := r.URL.Query().Get("participant_id"); p != "" && p != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	convs, err := h.repo.ListForParticipant(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []kindoo.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type startRequest struct {
	PeerID string `json:"peer_id"`
}

// Start finds or creates the direct conversation with the peer. A duplicate
// participant set is never created twice.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := principalFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PeerID == "" || req.PeerID == userID {
		http.Error(w, "peer_id must name another user", http.StatusBadRequest)
		return
	}

	if conv, found, err := h.repo.FindDirect(r.Context(), userID, req.PeerID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if found {
		writeJSON(w, http.StatusOK, conv)
		return
	}

	conv, err := h.repo.CreateDirect(r.Context(), userID, req.PeerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) requireParticipant(w http.ResponseWriter, r *http.Request, conversationID, userID string) bool {
	ok, err := h.repo.IsParticipant(r.Context(), conversationID, userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
