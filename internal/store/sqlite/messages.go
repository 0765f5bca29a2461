package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/parley-hq/parley/internal/convo"
)

// MessageStore implements store.MessageStore backed by SQLite.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Append(ctx context.Context, m *convo.Message) error {
	var confidence *float64
	if m.Confidence != nil {
		score := convo.ClampScore(*m.Confidence)
		confidence = &score
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender, body, confidence, escalation_triggered, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ConversationID.String(), m.Sender, m.Body, confidence, m.EscalationTriggered, m.Created)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]*convo.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender, body, confidence, escalation_triggered, created_at
		 FROM (
		   SELECT * FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?
		 ) ORDER BY created_at ASC`,
		conversationID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*convo.Message
	for rows.Next() {
		var m convo.Message
		var id, convID string
		var confidence sql.NullFloat64
		if err := rows.Scan(&id, &convID, &m.Sender, &m.Body, &confidence,
			&m.EscalationTriggered, &m.Created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse message id: %w", err)
		}
		if m.ConversationID, err = uuid.Parse(convID); err != nil {
			return nil, fmt.Errorf("parse conversation id: %w", err)
		}
		if confidence.Valid {
			score := confidence.Float64
			m.Confidence = &score
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
