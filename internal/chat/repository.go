package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"kindoo/internal/kindoo"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveMessage(ctx context.Context, m kindoo.Message) error {
	query := `INSERT INTO messages (id, conversation_id, author_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.ConversationID, m.AuthorID, m.Content, m.CreatedAt)
	return err
}

// History returns the full message sequence for a conversation, oldest first.
func (r *Repository) History(ctx context.Context, conversationID string) ([]kindoo.Message, error) {
	query := `SELECT id, conversation_id, author_id, content, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []kindoo.Message
	for rows.Next() {
		var m kindoo.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *Repository) Participants(ctx context.Context, conversationID string) ([]string, error) {
	query := `SELECT user_id FROM participants WHERE conversation_id = $1`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var one int
	query := `SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2`
	err := r.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListForParticipant returns the conversations a user is in, newest first,
// with their participant principals resolved.
func (r *Repository) ListForParticipant(ctx context.Context, userID string) ([]kindoo.Conversation, error) {
	query := `SELECT c.id, c.created_at FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1 ORDER BY c.created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []kindoo.Conversation
	for rows.Next() {
		var c kindoo.Conversation
		if err := rows.Scan(&c.ID, &c.CreatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		participants, err := r.participantPrincipals(ctx, convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].Participants = participants
	}
	return convs, nil
}

// FindDirect looks up the conversation whose participant set is exactly the
// given pair. Returns ok=false when none exists.
func (r *Repository) FindDirect(ctx context.Context, a, b string) (kindoo.Conversation, bool, error) {
	var id string
	query := `SELECT c.id FROM conversations c
		JOIN participants p1 ON p1.conversation_id = c.id AND p1.user_id = $1
		JOIN participants p2 ON p2.conversation_id = c.id AND p2.user_id = $2
		WHERE (SELECT COUNT(*) FROM participants px WHERE px.conversation_id = c.id) = 2
		LIMIT 1`
	err := r.db.QueryRowContext(ctx, query, a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return kindoo.Conversation{}, false, nil
	}
	if err != nil {
		return kindoo.Conversation{}, false, err
	}
	conv, err := r.getConversation(ctx, id)
	if err != nil {
		return kindoo.Conversation{}, false, err
	}
	return conv, true, nil
}

// CreateDirect creates the two-party conversation. Callers check FindDirect
// first.
func (r *Repository) CreateDirect(ctx context.Context, a, b string) (kindoo.Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return kindoo.Conversation{}, err
	}
	defer tx.Rollback()

	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at) VALUES ($1, $2)`, id, now); err != nil {
		return kindoo.Conversation{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2), ($1, $3)`,
		id, a, b); err != nil {
		return kindoo.Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return kindoo.Conversation{}, err
	}
	return r.getConversation(ctx, id)
}

func (r *Repository) getConversation(ctx context.Context, id string) (kindoo.Conversation, error) {
	var c kindoo.Conversation
	query := `SELECT id, created_at FROM conversations WHERE id = $1`
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.CreatedAt); err != nil {
		return kindoo.Conversation{}, err
	}
	participants, err := r.participantPrincipals(ctx, id)
	if err != nil {
		return kindoo.Conversation{}, err
	}
	c.Participants = participants
	return c, nil
}

func (r *Repository) participantPrincipals(ctx context.Context, conversationID string) ([]kindoo.Principal, error) {
	query := `SELECT u.id, u.username FROM participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = $1 ORDER BY p.joined_at ASC, u.id ASC`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kindoo.Principal
	for rows.Next() {
		var p kindoo.Principal
		if err := rows.Scan(&p.ID, &p.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
