package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"convoai/pkg/domain"
)

// MemoryStore keeps all entities in-process. It backs tests and local
// development without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	byEmail       map[string]string // email -> user ID
	byUsername    map[string]string // username -> user ID
	conversations map[string]domain.Conversation
	messages      map[string]domain.Message
	msgSeq        map[string]int // message ID -> insertion order
	nextSeq       int
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		byEmail:       make(map[string]string),
		byUsername:    make(map[string]string),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string]domain.Message),
		msgSeq:        make(map[string]int),
	}
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.byEmail[strings.ToLower(u.Email)] = u.ID
	m.byUsername[strings.ToLower(u.Username)] = u.ID
	return nil
}

// GetUserByID retrieves a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByEmail retrieves a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByUsername retrieves a user by username.
func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUsername[strings.ToLower(username)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// HasUserEmail checks if an email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byEmail[strings.ToLower(email)]
	return ok, nil
}

// HasUsername checks if a username exists.
func (m *MemoryStore) HasUsername(username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byUsername[strings.ToLower(username)]
	return ok, nil
}

// CreateConversation stores a new conversation.
func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// SaveConversation replaces a conversation record by ID.
func (m *MemoryStore) SaveConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

// ListConversationsByUser returns a user's conversations, most recently
// updated first.
func (m *MemoryStore) ListConversationsByUser(userID string, limit, offset int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	m.mu.RLock()
	items := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			items = append(items, c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	if offset >= len(items) {
		return []domain.Conversation{}, nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// CountConversationsByUser counts a user's conversations, optionally
// filtered by status.
func (m *MemoryStore) CountConversationsByUser(userID string, status domain.ConversationStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.conversations {
		if c.UserID != userID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		count++
	}
	return count, nil
}

// SearchConversationsByTitle matches titles case-insensitively.
func (m *MemoryStore) SearchConversationsByTitle(userID, query string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)
	m.mu.RLock()
	items := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID && strings.Contains(strings.ToLower(c.Title), needle) {
			items = append(items, c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MemoryStore) DeleteConversation(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	for msgID, msg := range m.messages {
		if msg.ConversationID == id {
			delete(m.messages, msgID)
			delete(m.msgSeq, msgID)
		}
	}
	return nil
}

// CreateMessage stores a new message.
func (m *MemoryStore) CreateMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	m.nextSeq++
	m.msgSeq[msg.ID] = m.nextSeq
	return nil
}

// SaveMessage replaces a message record by ID.
func (m *MemoryStore) SaveMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MemoryStore) GetMessage(id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok, nil
}

// ListRecentMessages returns the limit newest messages in chronological
// order. Ties on timestamp fall back to insertion order.
func (m *MemoryStore) ListRecentMessages(conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	msgs := m.conversationMessages(conversationID)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// ListMessagesPage returns messages newest-first with offset pagination.
func (m *MemoryStore) ListMessagesPage(conversationID string, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	msgs := m.conversationMessages(conversationID)
	// Reverse to newest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if offset >= len(msgs) {
		return []domain.Message{}, nil
	}
	msgs = msgs[offset:]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// CountMessages counts stored messages for a conversation.
func (m *MemoryStore) CountMessages(conversationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			count++
		}
	}
	return count, nil
}

// ListStaleProcessing returns processing messages older than the cutoff.
func (m *MemoryStore) ListStaleProcessing(cutoff time.Time) ([]domain.Message, error) {
	m.mu.RLock()
	msgs := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if msg.Status == domain.StatusProcessing && msg.Timestamp.Before(cutoff) {
			msgs = append(msgs, msg)
		}
	}
	m.mu.RUnlock()
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// conversationMessages returns all messages of a conversation in
// chronological order.
func (m *MemoryStore) conversationMessages(conversationID string) []domain.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return m.msgSeq[msgs[i].ID] < m.msgSeq[msgs[j].ID]
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs
}
