package store

import (
	"context"
	"errors"
	"time"
)

var ErrMessageNotFound = errors.New("message not found")

// Role identifies the speaker of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted transcript entry. A placeholder is inserted
// the moment an utterance starts and later finalized in place, so the
// ID and CreatedAt always reflect real speaking order.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	Pending        bool      `json:"pending"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists conversations and their ordered transcript messages.
type Store interface {
	CreateConversation(ctx context.Context, callID, patientID string) (string, error)

	// InsertPlaceholder records an in-flight utterance with the given
	// start time; content arrives later via FinalizeMessage.
	InsertPlaceholder(ctx context.Context, conversationID string, role Role, messageType string, at time.Time) (string, error)

	// FinalizeMessage writes the content into the existing record,
	// preserving its identifier and creation timestamp.
	FinalizeMessage(ctx context.Context, messageID, content string) error

	// DiscardMessage removes a placeholder whose utterance produced no
	// content. Finalized messages are never deleted.
	DiscardMessage(ctx context.Context, messageID string) error

	Messages(ctx context.Context, conversationID string) ([]Message, error)

	// FinalizeConversation marks the conversation ended; downstream
	// summarization keys off this.
	FinalizeConversation(ctx context.Context, conversationID string) error

	Close() error
}
