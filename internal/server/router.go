// Package server wires the backend's HTTP surface. Kept separate from the
// cmd so tests can mount the exact production routes on httptest.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"kindoo/internal/chat"
	"kindoo/internal/middleware"
	"kindoo/internal/user"
)

// NewRouter mounts the public auth routes and the JWT-protected API.
func NewRouter(userHandler *user.Handler, chatHandler *chat.Handler, auth *middleware.AuthMiddleware) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	// Public
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)

		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/users/{id}", userHandler.FindByID)

		r.Get("/api/conversations", chatHandler.List)
		r.Post("/api/conversations", chatHandler.Start)
		r.Get("/api/messages", chatHandler.History)
		r.Post("/api/messages", chatHandler.Send)

		r.Get("/ws", chatHandler.ServeWs)
	})

	return r
}
