package domain

import "time"

type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationPaused    ConversationStatus = "paused"
	ConversationCompleted ConversationStatus = "completed"
	ConversationArchived  ConversationStatus = "archived"
)

type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
)

type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// ModelConfig holds per-conversation generation overrides. Zero values mean
// "use the system default".
type ModelConfig struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Merge applies the non-zero fields of other on top of c.
func (c ModelConfig) Merge(other ModelConfig) ModelConfig {
	if other.MaxTokens > 0 {
		c.MaxTokens = other.MaxTokens
	}
	if other.Temperature > 0 {
		c.Temperature = other.Temperature
	}
	return c
}

type Conversation struct {
	ID              string             `json:"id"`
	UserID          string             `json:"userId"`
	Title           string             `json:"title"`
	Status          ConversationStatus `json:"status"`
	ModelConfig     ModelConfig        `json:"modelConfig"`
	ContextWindow   int                `json:"contextWindow"`
	MessageCount    int                `json:"messageCount"`
	TotalTokensUsed int64              `json:"totalTokensUsed"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// Touch bumps the updated_at timestamp.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now().UTC()
}

type Message struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversationId"`
	Content         string         `json:"content"`
	Type            MessageType    `json:"type"`
	Status          MessageStatus  `json:"status"`
	Timestamp       time.Time      `json:"timestamp"`
	ModelUsed       string         `json:"modelUsed,omitempty"`
	ConfidenceScore float64        `json:"confidenceScore,omitempty"`
	ProcessingTime  float64        `json:"processingTime,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether the message reached a final status.
func (m Message) Terminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusFailed
}

type User struct {
	ID                   string         `json:"id"`
	Email                string         `json:"email"`
	Username             string         `json:"username"`
	FullName             string         `json:"fullName,omitempty"`
	PasswordHash         string         `json:"-"`
	IsActive             bool           `json:"isActive"`
	IsVerified           bool           `json:"isVerified"`
	PreferredLanguage    string         `json:"preferredLanguage"`
	ConversationSettings map[string]any `json:"conversationSettings,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// Turn is a single role-tagged entry of model context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
