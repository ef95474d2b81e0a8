package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"convoai/pkg/domain"
)

const migrateLockID int64 = 58215821

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ConversationModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure conversation foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser inserts or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Save(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByUsername looks up a user by username.
func (s *GormStore) GetUserByUsername(username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("username = ?", username).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// HasUserEmail checks if the email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// HasUsername checks if the username exists.
func (s *GormStore) HasUsername(username string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateConversation inserts a new conversation record.
func (s *GormStore) CreateConversation(c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// SaveConversation updates a conversation in place by ID.
func (s *GormStore) SaveConversation(c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.Save(&model).Error
}

// ListConversationsByUser returns a user's conversations, most recently
// updated first.
func (s *GormStore) ListConversationsByUser(userID string, limit, offset int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var models []ConversationModel
	if err := s.db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// CountConversationsByUser counts a user's conversations, optionally
// filtered by status.
func (s *GormStore) CountConversationsByUser(userID string, status domain.ConversationStatus) (int, error) {
	tx := s.db.Model(&ConversationModel{}).Where("user_id = ?", userID)
	if status != "" {
		tx = tx.Where("status = ?", string(status))
	}
	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SearchConversationsByTitle finds a user's conversations whose title
// matches the query, case-insensitively.
func (s *GormStore) SearchConversationsByTitle(userID, query string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"
	var models []ConversationModel
	if err := s.db.Where("user_id = ? AND title ILIKE ?", userID, pattern).
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *GormStore) DeleteConversation(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ConversationModel{}, "id = ?", id).Error
	})
}

// CreateMessage inserts a message record.
func (s *GormStore) CreateMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// SaveMessage updates a message in place by ID.
func (s *GormStore) SaveMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Save(&model).Error
}

// GetMessage returns one message by ID.
func (s *GormStore) GetMessage(id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// ListRecentMessages returns the limit newest messages of a conversation
// (newest first at the store, reversed to chronological order here).
func (s *GormStore) ListRecentMessages(conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// ListMessagesPage returns messages newest-first with offset pagination.
func (s *GormStore) ListMessagesPage(conversationID string, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("timestamp DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

// CountMessages counts stored messages for a conversation.
func (s *GormStore) CountMessages(conversationID string) (int, error) {
	var count int64
	if err := s.db.Model(&MessageModel{}).
		Where("conversation_id = ?", conversationID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListStaleProcessing returns processing messages older than the cutoff.
func (s *GormStore) ListStaleProcessing(cutoff time.Time) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("status = ? AND timestamp < ?", string(domain.StatusProcessing), cutoff.UTC()).
		Order("timestamp ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func userToModel(u domain.User) UserModel {
	settings, _ := json.Marshal(u.ConversationSettings)
	return UserModel{
		ID:                   u.ID,
		Email:                u.Email,
		Username:             u.Username,
		FullName:             u.FullName,
		PasswordHash:         u.PasswordHash,
		IsActive:             u.IsActive,
		IsVerified:           u.IsVerified,
		PreferredLanguage:    u.PreferredLanguage,
		ConversationSettings: settings,
		CreatedAt:            u.CreatedAt,
		UpdatedAt:            u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	var settings map[string]any
	if len(m.ConversationSettings) > 0 {
		_ = json.Unmarshal(m.ConversationSettings, &settings)
	}
	return domain.User{
		ID:                   m.ID,
		Email:                m.Email,
		Username:             m.Username,
		FullName:             m.FullName,
		PasswordHash:         m.PasswordHash,
		IsActive:             m.IsActive,
		IsVerified:           m.IsVerified,
		PreferredLanguage:    m.PreferredLanguage,
		ConversationSettings: settings,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	modelConfig, _ := json.Marshal(c.ModelConfig)
	meta, _ := json.Marshal(c.Metadata)
	return ConversationModel{
		ID:              c.ID,
		UserID:          c.UserID,
		Title:           c.Title,
		Status:          string(c.Status),
		ModelConfig:     modelConfig,
		ContextWindow:   c.ContextWindow,
		MessageCount:    c.MessageCount,
		TotalTokensUsed: c.TotalTokensUsed,
		Metadata:        meta,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	var modelConfig domain.ModelConfig
	if len(m.ModelConfig) > 0 {
		_ = json.Unmarshal(m.ModelConfig, &modelConfig)
	}
	var meta map[string]any
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Conversation{
		ID:              m.ID,
		UserID:          m.UserID,
		Title:           m.Title,
		Status:          domain.ConversationStatus(m.Status),
		ModelConfig:     modelConfig,
		ContextWindow:   m.ContextWindow,
		MessageCount:    m.MessageCount,
		TotalTokensUsed: m.TotalTokensUsed,
		Metadata:        meta,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	meta, _ := json.Marshal(msg.Metadata)
	model := MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Type:           string(msg.Type),
		Status:         string(msg.Status),
		Timestamp:      msg.Timestamp,
		ModelUsed:      msg.ModelUsed,
		Metadata:       meta,
	}
	if msg.ConfidenceScore > 0 {
		score := msg.ConfidenceScore
		model.ConfidenceScore = &score
	}
	if msg.ProcessingTime > 0 {
		elapsed := msg.ProcessingTime
		model.ProcessingTime = &elapsed
	}
	return model
}

func messageFromModel(m MessageModel) domain.Message {
	var meta map[string]any
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	msg := domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Type:           domain.MessageType(m.Type),
		Status:         domain.MessageStatus(m.Status),
		Timestamp:      m.Timestamp,
		ModelUsed:      m.ModelUsed,
		Metadata:       meta,
	}
	if m.ConfidenceScore != nil {
		msg.ConfidenceScore = *m.ConfidenceScore
	}
	if m.ProcessingTime != nil {
		msg.ProcessingTime = *m.ProcessingTime
	}
	return msg
}
