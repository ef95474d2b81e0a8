package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"convoai/internal/util"
	"convoai/pkg/ai"
	"convoai/pkg/domain"
	"convoai/pkg/events"
	"convoai/pkg/store"
)

const (
	titleMaxRunes   = 50
	previewMaxRunes = 100
	summaryMessages = 5
)

// Options tunes manager behavior. Zero values fall back to system defaults.
type Options struct {
	Defaults          domain.ModelConfig
	ContextWindow     int
	GenerationTimeout time.Duration
	Publisher         events.Publisher
}

// Manager orchestrates the conversation/message lifecycle: it owns the
// message status transitions, the conversation counters, and the assembly
// of bounded model context from persisted history.
type Manager struct {
	store      store.Store
	model      ai.LanguageModel
	defaults   domain.ModelConfig
	window     int
	genTimeout time.Duration
	publisher  events.Publisher
}

// NewManager wires a manager over the given store and model.
func NewManager(st store.Store, model ai.LanguageModel, opts Options) *Manager {
	defaults := opts.Defaults
	if defaults.MaxTokens <= 0 {
		defaults.MaxTokens = 512
	}
	if defaults.Temperature <= 0 {
		defaults.Temperature = 0.7
	}
	window := opts.ContextWindow
	if window <= 0 {
		window = 10
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Manager{
		store:      st,
		model:      model,
		defaults:   defaults,
		window:     window,
		genTimeout: opts.GenerationTimeout,
		publisher:  publisher,
	}
}

// TurnResult is the outcome of a successful chat turn.
type TurnResult struct {
	ConversationID     string         `json:"conversationId"`
	UserMessageID      string         `json:"userMessageId"`
	AssistantMessageID string         `json:"aiMessageId"`
	Response           string         `json:"response"`
	Metadata           map[string]any `json:"metadata"`
}

// ProcessUserMessage runs one chat turn: it resolves or creates the
// conversation, appends the user message, appends a processing assistant
// placeholder, builds model context, generates, and reconciles the result.
// A supplied conversationID must belong to userID or the call fails with
// ErrConversationNotFound before anything is written.
func (m *Manager) ProcessUserMessage(ctx context.Context, userID, conversationID, content string) (TurnResult, error) {
	if strings.TrimSpace(content) == "" {
		return TurnResult{}, ErrEmptyMessage
	}

	conv, created, err := m.resolveOrCreate(userID, conversationID, content)
	if err != nil {
		return TurnResult{}, err
	}

	now := time.Now().UTC()
	userMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conv.ID,
		Content:        content,
		Type:           domain.MessageUser,
		Status:         domain.StatusCompleted,
		Timestamp:      now,
	}
	if err := m.store.CreateMessage(userMsg); err != nil {
		return TurnResult{}, fmt.Errorf("append user message: %w", err)
	}
	conv.MessageCount++

	assistantMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conv.ID,
		Type:           domain.MessageAssistant,
		Status:         domain.StatusProcessing,
		Timestamp:      now.Add(time.Millisecond),
	}
	if err := m.store.CreateMessage(assistantMsg); err != nil {
		// The user message already landed; keep the counter in step with it.
		conv.Touch()
		if saveErr := m.store.SaveConversation(conv); saveErr != nil {
			slog.Error("failed to reconcile message count",
				"conversation_id", conv.ID, "error", saveErr)
		}
		return TurnResult{}, fmt.Errorf("append assistant placeholder: %w", err)
	}
	conv.MessageCount++
	conv.Touch()
	if err := m.store.SaveConversation(conv); err != nil {
		return TurnResult{}, fmt.Errorf("save conversation counters: %w", err)
	}

	turns, err := m.buildContext(conv)
	if err != nil {
		return TurnResult{}, m.failTurn(ctx, conv, assistantMsg, fmt.Errorf("build context: %w", err))
	}

	merged := m.defaults.Merge(conv.ModelConfig)
	params := ai.Params{
		MaxTokens:   merged.MaxTokens,
		Temperature: merged.Temperature,
	}
	genCtx := ctx
	if m.genTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, m.genTimeout)
		defer cancel()
	}
	start := time.Now()
	result, err := m.model.Generate(genCtx, turns, params)
	if err != nil {
		return TurnResult{}, m.failTurn(ctx, conv, assistantMsg, err)
	}
	if result.Metadata.ProcessingTime <= 0 {
		result.Metadata.ProcessingTime = time.Since(start).Seconds()
	}

	assistantMsg.Content = result.Text
	assistantMsg.Status = domain.StatusCompleted
	assistantMsg.ModelUsed = result.Metadata.ModelUsed
	assistantMsg.ConfidenceScore = result.Metadata.ConfidenceScore
	assistantMsg.ProcessingTime = result.Metadata.ProcessingTime
	assistantMsg.Metadata = result.Metadata.Map()
	if err := m.store.SaveMessage(assistantMsg); err != nil {
		return TurnResult{}, fmt.Errorf("save assistant message: %w", err)
	}

	conv.TotalTokensUsed += int64(result.Metadata.TokensUsed)
	conv.Touch()
	if err := m.store.SaveConversation(conv); err != nil {
		return TurnResult{}, fmt.Errorf("save token accounting: %w", err)
	}

	m.publish(ctx, events.ChatEvent{
		Kind:           events.KindMessageCompleted,
		UserID:         userID,
		ConversationID: conv.ID,
		MessageID:      assistantMsg.ID,
		OccurredAt:     time.Now().UTC(),
	})
	if created {
		m.publish(ctx, events.ChatEvent{
			Kind:           events.KindConversationNew,
			UserID:         userID,
			ConversationID: conv.ID,
			OccurredAt:     time.Now().UTC(),
		})
	}

	return TurnResult{
		ConversationID:     conv.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantMsg.ID,
		Response:           result.Text,
		Metadata:           result.Metadata.Map(),
	}, nil
}

func (m *Manager) resolveOrCreate(userID, conversationID, firstMessage string) (domain.Conversation, bool, error) {
	if conversationID != "" {
		conv, ok, err := m.store.GetConversation(conversationID)
		if err != nil {
			return domain.Conversation{}, false, fmt.Errorf("get conversation: %w", err)
		}
		if !ok || conv.UserID != userID {
			return domain.Conversation{}, false, ErrConversationNotFound
		}
		return conv, false, nil
	}

	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:            util.NewID(),
		UserID:        userID,
		Title:         titleFromContent(firstMessage),
		Status:        domain.ConversationActive,
		ModelConfig:   m.defaults,
		ContextWindow: m.window,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateConversation(conv); err != nil {
		return domain.Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	return conv, true, nil
}

// buildContext turns persisted history into the bounded, role-tagged turn
// sequence the model consumes: the W most recent messages in chronological
// order, completed ones only, system messages dropped.
func (m *Manager) buildContext(conv domain.Conversation) ([]domain.Turn, error) {
	window := conv.ContextWindow
	if window <= 0 {
		return nil, nil
	}
	messages, err := m.store.ListRecentMessages(conv.ID, window)
	if err != nil {
		return nil, err
	}
	turns := make([]domain.Turn, 0, len(messages))
	for _, msg := range messages {
		if msg.Status != domain.StatusCompleted {
			continue
		}
		var role string
		switch msg.Type {
		case domain.MessageUser:
			role = "user"
		case domain.MessageAssistant:
			role = "assistant"
		default:
			// system messages are intentionally kept out of model context
			continue
		}
		turns = append(turns, domain.Turn{Role: role, Content: msg.Content})
	}
	return turns, nil
}

// failTurn marks the assistant placeholder FAILED with the error recorded in
// its metadata, then re-raises. The reconciliation write is best effort so
// the original failure is never masked.
func (m *Manager) failTurn(ctx context.Context, conv domain.Conversation, assistantMsg domain.Message, genErr error) error {
	assistantMsg.Status = domain.StatusFailed
	assistantMsg.Metadata = map[string]any{"error": genErr.Error()}
	if err := m.store.SaveMessage(assistantMsg); err != nil {
		slog.Error("failed to persist failed assistant message",
			"message_id", assistantMsg.ID, "error", err)
	}
	m.publish(ctx, events.ChatEvent{
		Kind:           events.KindMessageFailed,
		UserID:         conv.UserID,
		ConversationID: conv.ID,
		MessageID:      assistantMsg.ID,
		Error:          genErr.Error(),
		OccurredAt:     time.Now().UTC(),
	})
	return genErr
}

func (m *Manager) publish(ctx context.Context, ev events.ChatEvent) {
	if err := m.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("publish chat event", "kind", ev.Kind, "error", err)
	}
}

// CreateConversation explicitly starts an empty conversation for a user.
func (m *Manager) CreateConversation(userID, title string, cfg domain.ModelConfig, contextWindow int) (domain.Conversation, error) {
	now := time.Now().UTC()
	if strings.TrimSpace(title) == "" {
		title = "New Conversation"
	}
	if contextWindow <= 0 {
		contextWindow = m.window
	}
	conv := domain.Conversation{
		ID:            util.NewID(),
		UserID:        userID,
		Title:         title,
		Status:        domain.ConversationActive,
		ModelConfig:   m.defaults.Merge(cfg),
		ContextWindow: contextWindow,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateConversation(conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns a conversation owned by userID.
func (m *Manager) GetConversation(userID, conversationID string) (domain.Conversation, error) {
	conv, ok, err := m.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if !ok || conv.UserID != userID {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// ListConversations returns a user's conversations, most recently updated
// first.
func (m *Manager) ListConversations(userID string, limit, offset int) ([]domain.Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return m.store.ListConversationsByUser(userID, limit, offset)
}

// SearchConversations finds a user's conversations by title substring.
func (m *Manager) SearchConversations(userID, query string, limit int) ([]domain.Conversation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return m.store.SearchConversationsByTitle(userID, query, limit)
}

// MessagePreview is a truncated view of one recent message.
type MessagePreview struct {
	Type      domain.MessageType `json:"type"`
	Preview   string             `json:"preview"`
	Timestamp time.Time          `json:"timestamp"`
}

// Summary is a compact overview of a conversation.
type Summary struct {
	ConversationID  string                    `json:"conversationId"`
	Title           string                    `json:"title"`
	Status          domain.ConversationStatus `json:"status"`
	MessageCount    int                       `json:"messageCount"`
	TotalTokensUsed int64                     `json:"totalTokensUsed"`
	CreatedAt       time.Time                 `json:"createdAt"`
	UpdatedAt       time.Time                 `json:"updatedAt"`
	RecentMessages  []MessagePreview          `json:"recentMessages"`
}

// GetConversationSummary returns the conversation overview with previews of
// its most recent messages.
func (m *Manager) GetConversationSummary(userID, conversationID string) (Summary, error) {
	conv, err := m.GetConversation(userID, conversationID)
	if err != nil {
		return Summary{}, err
	}
	recent, err := m.store.ListRecentMessages(conv.ID, summaryMessages)
	if err != nil {
		return Summary{}, fmt.Errorf("list recent messages: %w", err)
	}
	previews := make([]MessagePreview, 0, len(recent))
	for _, msg := range recent {
		previews = append(previews, MessagePreview{
			Type:      msg.Type,
			Preview:   truncateRunes(msg.Content, previewMaxRunes),
			Timestamp: msg.Timestamp,
		})
	}
	return Summary{
		ConversationID:  conv.ID,
		Title:           conv.Title,
		Status:          conv.Status,
		MessageCount:    conv.MessageCount,
		TotalTokensUsed: conv.TotalTokensUsed,
		CreatedAt:       conv.CreatedAt,
		UpdatedAt:       conv.UpdatedAt,
		RecentMessages:  previews,
	}, nil
}

// UpdateConversationTitle sets the title and bumps updated_at.
func (m *Manager) UpdateConversationTitle(userID, conversationID, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Conversation{}, fmt.Errorf("%w: title must not be empty", ErrInvalidUpdate)
	}
	conv, err := m.GetConversation(userID, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv.Title = title
	conv.Touch()
	if err := m.store.SaveConversation(conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("save conversation: %w", err)
	}
	return conv, nil
}

// ConversationUpdate enumerates the fields a caller may change. Unset
// pointers leave the field untouched; ModelConfig is merge-applied.
type ConversationUpdate struct {
	Title         *string
	Status        *domain.ConversationStatus
	ModelConfig   *domain.ModelConfig
	ContextWindow *int
}

// UpdateConversation applies a typed partial update.
func (m *Manager) UpdateConversation(userID, conversationID string, update ConversationUpdate) (domain.Conversation, error) {
	conv, err := m.GetConversation(userID, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return domain.Conversation{}, fmt.Errorf("%w: title must not be empty", ErrInvalidUpdate)
		}
		conv.Title = title
	}
	if update.Status != nil {
		switch *update.Status {
		case domain.ConversationActive, domain.ConversationPaused,
			domain.ConversationCompleted, domain.ConversationArchived:
			conv.Status = *update.Status
		default:
			return domain.Conversation{}, fmt.Errorf("%w: %q", ErrInvalidStatus, *update.Status)
		}
	}
	if update.ModelConfig != nil {
		conv.ModelConfig = conv.ModelConfig.Merge(*update.ModelConfig)
	}
	if update.ContextWindow != nil && *update.ContextWindow >= 0 {
		conv.ContextWindow = *update.ContextWindow
	}
	conv.Touch()
	if err := m.store.SaveConversation(conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("save conversation: %w", err)
	}
	return conv, nil
}

// ArchiveConversation moves a conversation to archived status.
func (m *Manager) ArchiveConversation(userID, conversationID string) (domain.Conversation, error) {
	return m.setStatus(userID, conversationID, domain.ConversationArchived)
}

// RestoreConversation moves an archived conversation back to active.
func (m *Manager) RestoreConversation(userID, conversationID string) (domain.Conversation, error) {
	return m.setStatus(userID, conversationID, domain.ConversationActive)
}

func (m *Manager) setStatus(userID, conversationID string, status domain.ConversationStatus) (domain.Conversation, error) {
	conv, err := m.GetConversation(userID, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv.Status = status
	conv.Touch()
	if err := m.store.SaveConversation(conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("save conversation: %w", err)
	}
	return conv, nil
}

// DeleteConversation removes a conversation and all of its messages.
func (m *Manager) DeleteConversation(userID, conversationID string) error {
	if _, err := m.GetConversation(userID, conversationID); err != nil {
		return err
	}
	if err := m.store.DeleteConversation(conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Stats aggregates a user's conversation counts by status.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Archived  int `json:"archived"`
}

// ConversationStats returns per-status conversation counts for a user.
func (m *Manager) ConversationStats(userID string) (Stats, error) {
	var stats Stats
	var err error
	if stats.Total, err = m.store.CountConversationsByUser(userID, ""); err != nil {
		return Stats{}, fmt.Errorf("count conversations: %w", err)
	}
	if stats.Active, err = m.store.CountConversationsByUser(userID, domain.ConversationActive); err != nil {
		return Stats{}, fmt.Errorf("count conversations: %w", err)
	}
	if stats.Paused, err = m.store.CountConversationsByUser(userID, domain.ConversationPaused); err != nil {
		return Stats{}, fmt.Errorf("count conversations: %w", err)
	}
	if stats.Completed, err = m.store.CountConversationsByUser(userID, domain.ConversationCompleted); err != nil {
		return Stats{}, fmt.Errorf("count conversations: %w", err)
	}
	if stats.Archived, err = m.store.CountConversationsByUser(userID, domain.ConversationArchived); err != nil {
		return Stats{}, fmt.Errorf("count conversations: %w", err)
	}
	return stats, nil
}

// ListMessages returns one page of a conversation's messages (newest first)
// together with the total message count.
func (m *Manager) ListMessages(userID, conversationID string, limit, offset int) ([]domain.Message, int, error) {
	if _, err := m.GetConversation(userID, conversationID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	messages, err := m.store.ListMessagesPage(conversationID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	total, err := m.store.CountMessages(conversationID)
	if err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	return messages, total, nil
}

// SweepStaleProcessing marks assistant messages stuck in processing longer
// than maxAge as failed. Returns the number of messages reconciled.
func (m *Manager) SweepStaleProcessing(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	stale, err := m.store.ListStaleProcessing(cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale messages: %w", err)
	}
	swept := 0
	for _, msg := range stale {
		msg.Status = domain.StatusFailed
		msg.Metadata = map[string]any{"error": "generation timed out"}
		if err := m.store.SaveMessage(msg); err != nil {
			slog.Error("sweep: failed to reconcile stale message",
				"message_id", msg.ID, "error", err)
			continue
		}
		swept++
		// Events must carry the owning user so the notification stream can
		// route them; an event without an owner is never delivered.
		ownerID := ""
		if conv, ok, err := m.store.GetConversation(msg.ConversationID); err == nil && ok {
			ownerID = conv.UserID
		}
		m.publish(ctx, events.ChatEvent{
			Kind:           events.KindMessageFailed,
			UserID:         ownerID,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Error:          "generation timed out",
			OccurredAt:     time.Now().UTC(),
		})
	}
	if swept > 0 {
		slog.Info("reconciled stale processing messages", "count", swept)
	}
	return swept, nil
}

func titleFromContent(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	title = truncateRunes(title, titleMaxRunes)
	if title == "" {
		title = "New Conversation"
	}
	return title
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
