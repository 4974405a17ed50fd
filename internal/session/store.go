// Package session owns the credential and the current principal. The
// credential is decoded locally for instant (provisional) identity and then
// revalidated against the remote identity lookup; any verification failure
// forces a logout. State machine: Anonymous -> Provisional -> Verified ->
// Anonymous.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"kindoo/internal/kindoo"
	"kindoo/internal/storage"
)

// API is what the store needs from the remote side: the authenticator and the
// identity lookup.
type API interface {
	Login(ctx context.Context, username, secret string) (string, error)
	Register(ctx context.Context, username, secret string) (kindoo.Principal, error)
	FindUser(ctx context.Context, id string) (kindoo.Principal, error)
}

// Vault is the durable storage surface for the session.
type Vault interface {
	Load() (*storage.Session, error)
	Save(*storage.Session) error
	Clear() error
}

type State int

const (
	Anonymous State = iota
	Provisional
	Verified
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrBadCredential      = errors.New("credential does not decode")
)

// claims mirrors the token minted by the backend: subject id plus the
// display name.
type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Store struct {
	api   API
	vault Vault
	log   *zap.Logger

	mu         sync.Mutex
	credential string
	principal  *kindoo.Principal
	state      State
}

func New(api API, vault Vault, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{api: api, vault: vault, log: log}
}

// Restore loads a persisted credential and decodes it into a provisional
// principal without touching the network. The caller is expected to Verify
// right after (RunVerifyLoop does so on its first tick).
func (s *Store) Restore() {
	sess, err := s.vault.Load()
	if err != nil || sess == nil {
		return
	}
	principal, err := decodeCredential(sess.Credential)
	if err != nil {
		s.log.Warn("stored credential no longer decodes, discarding", zap.Error(err))
		_ = s.vault.Clear()
		return
	}
	s.mu.Lock()
	s.credential = sess.Credential
	s.principal = &principal
	s.state = Provisional
	s.mu.Unlock()
	s.log.Info("session restored", zap.String("user_id", principal.ID))
}

// Login authenticates against the remote authenticator, stores the returned
// credential and derives the provisional principal by local decode.
func (s *Store) Login(ctx context.Context, username, secret string) error {
	credential, err := s.api.Login(ctx, username, secret)
	if err != nil {
		if kindoo.IsKind(err, kindoo.ErrorAuth) {
			return fmt.Errorf("login: %w", ErrInvalidCredentials)
		}
		return fmt.Errorf("login: %w", err)
	}
	principal, err := decodeCredential(credential)
	if err != nil {
		return fmt.Errorf("login: %w", ErrBadCredential)
	}
	s.mu.Lock()
	s.credential = credential
	s.principal = &principal
	s.state = Provisional
	s.mu.Unlock()

	if err := s.vault.Save(&storage.Session{Credential: credential, Principal: principal}); err != nil {
		s.log.Warn("persisting session failed", zap.Error(err))
	}
	s.log.Info("logged in", zap.String("user_id", principal.ID))
	return nil
}

// Register creates the account and performs the implicit login.
func (s *Store) Register(ctx context.Context, username, secret string) error {
	if _, err := s.api.Register(ctx, username, secret); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return s.Login(ctx, username, secret)
}

// Verify reconciles the held credential against the remote identity lookup.
// Success refreshes the principal from the remote record (authoritative
// display name) and returns true. Any failure, decode or remote, forces a
// logout and returns false. Safe to call repeatedly.
func (s *Store) Verify(ctx context.Context) bool {
	s.mu.Lock()
	credential := s.credential
	s.mu.Unlock()
	if credential == "" {
		return false
	}

	decoded, err := decodeCredential(credential)
	if err != nil {
		s.log.Info("credential no longer decodes, logging out", zap.Error(err))
		s.Logout()
		return false
	}

	remote, err := s.api.FindUser(ctx, decoded.ID)
	if err != nil {
		s.log.Info("remote verification failed, logging out",
			zap.String("user_id", decoded.ID), zap.Error(err))
		s.Logout()
		return false
	}

	s.mu.Lock()
	// Logout may have raced us; do not resurrect a cleared session.
	if s.credential != credential {
		s.mu.Unlock()
		return false
	}
	s.principal = &remote
	s.state = Verified
	s.mu.Unlock()

	_ = s.vault.Save(&storage.Session{Credential: credential, Principal: remote})
	return true
}

// Logout clears credential, principal and durable storage. Idempotent.
func (s *Store) Logout() {
	s.mu.Lock()
	wasAuthed := s.credential != ""
	s.credential = ""
	s.principal = nil
	s.state = Anonymous
	s.mu.Unlock()

	if err := s.vault.Clear(); err != nil {
		s.log.Warn("clearing persisted session failed", zap.Error(err))
	}
	if wasAuthed {
		s.log.Info("logged out")
	}
}

// Principal returns the current provisional or verified principal.
func (s *Store) Principal() (kindoo.Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return kindoo.Principal{}, false
	}
	return *s.principal, true
}

func (s *Store) Credential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunVerifyLoop re-verifies immediately and then on every interval until ctx
// is cancelled. Run it in its own goroutine.
func (s *Store) RunVerifyLoop(ctx context.Context, interval time.Duration) {
	if !s.Verify(ctx) {
		// Anonymous already; keep ticking in case a later login needs
		// recurring verification.
		s.log.Debug("initial verification did not yield a session")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Credential() != "" {
				s.Verify(ctx)
			}
		}
	}
}

// decodeCredential extracts the principal from the token without checking the
// signature; the backend is the only party that can mint one, and Verify
// confirms the subject against it anyway. An expired token does not decode.
func decodeCredential(credential string) (kindoo.Principal, error) {
	var c claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(credential, &c); err != nil {
		return kindoo.Principal{}, err
	}
	if c.Subject == "" {
		return kindoo.Principal{}, errors.New("token has no subject")
	}
	if c.ExpiresAt != nil && c.ExpiresAt.Before(time.Now()) {
		return kindoo.Principal{}, errors.New("token expired")
	}
	return kindoo.Principal{ID: c.Subject, DisplayName: c.Username}, nil
}
