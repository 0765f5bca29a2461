package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/parley-hq/parley/internal/convo"
)

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

func (s *PGMessageStore) Append(ctx context.Context, m *convo.Message) error {
	var confidence *float64
	if m.Confidence != nil {
		score := convo.ClampScore(*m.Confidence)
		confidence = &score
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender, body, confidence, escalation_triggered, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.Sender, m.Body, confidence, m.EscalationTriggered, m.Created)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PGMessageStore) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]*convo.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	// Fetch the newest N in creation order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender, body, confidence, escalation_triggered, created_at
		 FROM (
		   SELECT * FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*convo.Message
	for rows.Next() {
		var m convo.Message
		var confidence sql.NullFloat64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Body, &confidence,
			&m.EscalationTriggered, &m.Created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if confidence.Valid {
			score := confidence.Float64
			m.Confidence = &score
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
