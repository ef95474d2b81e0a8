package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID                   string         `gorm:"primaryKey"`
	Email                string         `gorm:"uniqueIndex;not null"`
	Username             string         `gorm:"uniqueIndex;not null"`
	FullName             string
	PasswordHash         string         `gorm:"not null"`
	IsActive             bool           `gorm:"not null;default:true"`
	IsVerified           bool
	PreferredLanguage    string
	ConversationSettings datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt            time.Time      `gorm:"not null;index"`
	UpdatedAt            time.Time
}

type ConversationModel struct {
	ID              string         `gorm:"primaryKey"`
	UserID          string         `gorm:"not null;index"`
	Title           string
	Status          string         `gorm:"not null;index"`
	ModelConfig     datatypes.JSON `gorm:"type:jsonb"`
	ContextWindow   int            `gorm:"not null"`
	MessageCount    int            `gorm:"not null"`
	TotalTokensUsed int64          `gorm:"not null"`
	Metadata        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"not null;index"`
	UpdatedAt       time.Time      `gorm:"not null;index"`
}

type MessageModel struct {
	ID              string         `gorm:"primaryKey"`
	ConversationID  string         `gorm:"not null;index"`
	Content         string         `gorm:"type:text;not null"`
	Type            string         `gorm:"not null;index"`
	Status          string         `gorm:"not null;index"`
	Timestamp       time.Time      `gorm:"not null;index"`
	ModelUsed       string
	ConfidenceScore *float64
	ProcessingTime  *float64
	Metadata        datatypes.JSON `gorm:"type:jsonb"`
}
