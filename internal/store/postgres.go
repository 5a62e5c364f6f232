package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations and transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			patient_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL,
			pending BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv_created
			ON conversation_messages (conversation_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, callID, patientID string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, call_id, patient_id) VALUES ($1, $2, $3)`,
		id, callID, patientID,
	)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) InsertPlaceholder(ctx context.Context, conversationID string, role Role, messageType string, at time.Time) (string, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_messages (id, conversation_id, role, message_type, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, conversationID, role, messageType, at,
	)
	if err != nil {
		return "", fmt.Errorf("insert placeholder: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) FinalizeMessage(ctx context.Context, messageID, content string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation_messages SET content=$2, pending=FALSE WHERE id=$1`,
		messageID, content,
	)
	if err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) DiscardMessage(ctx context.Context, messageID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_messages WHERE id=$1 AND pending`,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("discard message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, message_type, pending, created_at
		 FROM conversation_messages WHERE conversation_id=$1 ORDER BY created_at, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.MessageType, &m.Pending, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FinalizeConversation(ctx context.Context, conversationID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status='ended', ended_at=now() WHERE id=$1`,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("finalize conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
