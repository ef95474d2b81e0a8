package store

import (
	"time"

	"convoai/pkg/domain"
)

// Store defines persistence operations for users, conversations, and
// messages.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)
	HasUserEmail(email string) (bool, error)
	HasUsername(username string) (bool, error)

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	SaveConversation(domain.Conversation) error
	ListConversationsByUser(userID string, limit, offset int) ([]domain.Conversation, error)
	CountConversationsByUser(userID string, status domain.ConversationStatus) (int, error)
	SearchConversationsByTitle(userID, query string, limit int) ([]domain.Conversation, error)
	// DeleteConversation removes a conversation and all of its messages.
	DeleteConversation(id string) error

	// messages
	CreateMessage(domain.Message) error
	SaveMessage(domain.Message) error
	GetMessage(id string) (domain.Message, bool, error)
	// ListRecentMessages returns the limit most recently timestamped
	// messages of a conversation in chronological order (oldest first).
	ListRecentMessages(conversationID string, limit int) ([]domain.Message, error)
	// ListMessagesPage returns messages newest-first with offset pagination.
	ListMessagesPage(conversationID string, limit, offset int) ([]domain.Message, error)
	CountMessages(conversationID string) (int, error)
	// ListStaleProcessing returns messages still in processing status whose
	// timestamp is older than the cutoff.
	ListStaleProcessing(cutoff time.Time) ([]domain.Message, error)
}

// SessionStore issues and validates session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
