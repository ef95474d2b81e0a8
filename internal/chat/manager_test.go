package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"convoai/internal/util"
	"convoai/pkg/ai"
	"convoai/pkg/domain"
	"convoai/pkg/events"
	"convoai/pkg/store"
)

type stubModel struct {
	generate  func(ctx context.Context, turns []domain.Turn, params ai.Params) (ai.Result, error)
	lastTurns []domain.Turn
	lastParam ai.Params
}

func (s *stubModel) Generate(ctx context.Context, turns []domain.Turn, params ai.Params) (ai.Result, error) {
	s.lastTurns = turns
	s.lastParam = params
	if s.generate != nil {
		return s.generate(ctx, turns, params)
	}
	return ai.Result{
		Text: "stub response",
		Metadata: ai.Metadata{
			ModelUsed:       "stub",
			ConfidenceScore: 0.8,
			TokensUsed:      12,
			MaxTokens:       params.MaxTokens,
			Temperature:     params.Temperature,
		},
	}, nil
}

func (s *stubModel) Name() string { return "stub" }

func newTestManager(t *testing.T) (*Manager, store.Store, *stubModel) {
	t.Helper()
	st := store.NewMemoryStore()
	model := &stubModel{}
	mgr := NewManager(st, model, Options{})
	return mgr, st, model
}

func seedConversation(t *testing.T, st store.Store, userID string, window int) domain.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:            util.NewID(),
		UserID:        userID,
		Title:         "seeded",
		Status:        domain.ConversationActive,
		ContextWindow: window,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := st.CreateConversation(conv); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conv
}

func seedMessage(t *testing.T, st store.Store, conv domain.Conversation, content string, msgType domain.MessageType, status domain.MessageStatus, ts time.Time) domain.Message {
	t.Helper()
	msg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conv.ID,
		Content:        content,
		Type:           msgType,
		Status:         status,
		Timestamp:      ts,
	}
	if err := st.CreateMessage(msg); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return msg
}

func TestProcessUserMessageNewConversation(t *testing.T) {
	mgr, st, _ := newTestManager(t)

	res, err := mgr.ProcessUserMessage(context.Background(), "user-1", "", "Hello")
	if err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}
	if res.ConversationID == "" || res.UserMessageID == "" || res.AssistantMessageID == "" {
		t.Fatalf("result missing ids: %+v", res)
	}
	if res.Response == "" {
		t.Fatalf("response text should be non-empty")
	}

	conv, ok, err := st.GetConversation(res.ConversationID)
	if err != nil || !ok {
		t.Fatalf("get conversation: ok=%v err=%v", ok, err)
	}
	if conv.Status != domain.ConversationActive {
		t.Fatalf("status = %q, want active", conv.Status)
	}
	if conv.MessageCount != 2 {
		t.Fatalf("messageCount = %d, want 2", conv.MessageCount)
	}
	if conv.ModelConfig.MaxTokens != 512 || conv.ModelConfig.Temperature != 0.7 {
		t.Fatalf("modelConfig = %+v, want defaults", conv.ModelConfig)
	}
	if conv.TotalTokensUsed != 12 {
		t.Fatalf("totalTokensUsed = %d, want 12", conv.TotalTokensUsed)
	}

	userMsg, ok, err := st.GetMessage(res.UserMessageID)
	if err != nil || !ok {
		t.Fatalf("get user message: ok=%v err=%v", ok, err)
	}
	if userMsg.Content != "Hello" || userMsg.Status != domain.StatusCompleted || userMsg.Type != domain.MessageUser {
		t.Fatalf("user message = %+v", userMsg)
	}

	aiMsg, ok, err := st.GetMessage(res.AssistantMessageID)
	if err != nil || !ok {
		t.Fatalf("get assistant message: ok=%v err=%v", ok, err)
	}
	if aiMsg.Status != domain.StatusCompleted || aiMsg.Content == "" || aiMsg.ModelUsed != "stub" {
		t.Fatalf("assistant message = %+v", aiMsg)
	}
}

func TestMessageCountMatchesStoredMessages(t *testing.T) {
	mgr, st, _ := newTestManager(t)

	res, err := mgr.ProcessUserMessage(context.Background(), "user-1", "", "first")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if _, err := mgr.ProcessUserMessage(context.Background(), "user-1", res.ConversationID, "second"); err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	conv, _, _ := st.GetConversation(res.ConversationID)
	stored, err := st.CountMessages(res.ConversationID)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if conv.MessageCount != stored {
		t.Fatalf("messageCount = %d, stored = %d", conv.MessageCount, stored)
	}
	if stored != 4 {
		t.Fatalf("stored = %d, want 4", stored)
	}
}

func TestContextAssemblyWindowAndOrder(t *testing.T) {
	mgr, st, model := newTestManager(t)
	conv := seedConversation(t, st, "user-1", 2)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		msgType := domain.MessageUser
		if i%2 == 1 {
			msgType = domain.MessageAssistant
		}
		seedMessage(t, st, conv, fmt.Sprintf("msg-%d", i), msgType, domain.StatusCompleted, base.Add(time.Duration(i)*time.Minute))
	}

	if _, err := mgr.ProcessUserMessage(context.Background(), "user-1", conv.ID, "sixth"); err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}

	if len(model.lastTurns) != 2 {
		t.Fatalf("context length = %d, want 2 (window)", len(model.lastTurns))
	}
	// oldest first: the latest seeded message, then the just-appended one
	if model.lastTurns[0].Content != "msg-4" {
		t.Fatalf("first turn = %q, want msg-4", model.lastTurns[0].Content)
	}
	if model.lastTurns[1].Content != "sixth" || model.lastTurns[1].Role != "user" {
		t.Fatalf("last turn = %+v, want just-appended user message", model.lastTurns[1])
	}
}

func TestContextAssemblyFiltersNonCompletedAndSystem(t *testing.T) {
	mgr, st, model := newTestManager(t)
	conv := seedConversation(t, st, "user-1", 10)

	base := time.Now().UTC().Add(-time.Hour)
	seedMessage(t, st, conv, "keep-user", domain.MessageUser, domain.StatusCompleted, base)
	seedMessage(t, st, conv, "failed-turn", domain.MessageAssistant, domain.StatusFailed, base.Add(time.Minute))
	seedMessage(t, st, conv, "in-flight", domain.MessageAssistant, domain.StatusProcessing, base.Add(2*time.Minute))
	seedMessage(t, st, conv, "system-note", domain.MessageSystem, domain.StatusCompleted, base.Add(3*time.Minute))
	seedMessage(t, st, conv, "keep-assistant", domain.MessageAssistant, domain.StatusCompleted, base.Add(4*time.Minute))

	if _, err := mgr.ProcessUserMessage(context.Background(), "user-1", conv.ID, "next"); err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}

	want := []domain.Turn{
		{Role: "user", Content: "keep-user"},
		{Role: "assistant", Content: "keep-assistant"},
		{Role: "user", Content: "next"},
	}
	if len(model.lastTurns) != len(want) {
		t.Fatalf("context = %+v, want %+v", model.lastTurns, want)
	}
	for i := range want {
		if model.lastTurns[i] != want[i] {
			t.Fatalf("turn %d = %+v, want %+v", i, model.lastTurns[i], want[i])
		}
	}
}

func TestContextAssemblyZeroWindow(t *testing.T) {
	mgr, st, model := newTestManager(t)
	conv := seedConversation(t, st, "user-1", 0)
	seedMessage(t, st, conv, "earlier", domain.MessageUser, domain.StatusCompleted, time.Now().UTC().Add(-time.Minute))

	if _, err := mgr.ProcessUserMessage(context.Background(), "user-1", conv.ID, "hi"); err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}
	if len(model.lastTurns) != 0 {
		t.Fatalf("context = %+v, want empty for zero window", model.lastTurns)
	}
}

func TestModelConfigOverridesApplied(t *testing.T) {
	mgr, st, model := newTestManager(t)
	conv := seedConversation(t, st, "user-1", 10)
	conv.ModelConfig = domain.ModelConfig{MaxTokens: 256}
	if err := st.SaveConversation(conv); err != nil {
		t.Fatalf("save conversation: %v", err)
	}

	if _, err := mgr.ProcessUserMessage(context.Background(), "user-1", conv.ID, "hi"); err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}
	if model.lastParam.MaxTokens != 256 {
		t.Fatalf("maxTokens = %d, want override 256", model.lastParam.MaxTokens)
	}
	if model.lastParam.Temperature != 0.7 {
		t.Fatalf("temperature = %f, want default 0.7", model.lastParam.Temperature)
	}
}

func TestGenerationFailureMarksAssistantFailed(t *testing.T) {
	mgr, st, model := newTestManager(t)
	model.generate = func(context.Context, []domain.Turn, ai.Params) (ai.Result, error) {
		return ai.Result{}, &ai.GenerationError{Err: errors.New("backend down")}
	}

	_, err := mgr.ProcessUserMessage(context.Background(), "user-1", "", "Hello")
	var genErr *ai.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("error = %v, want *ai.GenerationError", err)
	}

	convs, err := st.ListConversationsByUser("user-1", 10, 0)
	if err != nil || len(convs) != 1 {
		t.Fatalf("list conversations: %v (%d)", err, len(convs))
	}
	conv := convs[0]
	if conv.MessageCount != 2 {
		t.Fatalf("messageCount = %d, want 2 (both placeholders persisted)", conv.MessageCount)
	}

	messages, err := st.ListRecentMessages(conv.ID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	var failed *domain.Message
	for i := range messages {
		if messages[i].Type == domain.MessageAssistant {
			failed = &messages[i]
		}
	}
	if failed == nil {
		t.Fatalf("assistant placeholder not found")
	}
	if failed.Status != domain.StatusFailed {
		t.Fatalf("assistant status = %q, want failed", failed.Status)
	}
	if failed.Metadata["error"] == "" || failed.Metadata["error"] == nil {
		t.Fatalf("assistant metadata = %+v, want error recorded", failed.Metadata)
	}
}

func TestForeignConversationRejected(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	conv := seedConversation(t, st, "owner", 10)

	_, err := mgr.ProcessUserMessage(context.Background(), "intruder", conv.ID, "Hello")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("error = %v, want ErrConversationNotFound", err)
	}

	count, err := st.CountMessages(conv.ID)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("messages written = %d, want 0", count)
	}
}

func TestAbsentConversationRejected(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.ProcessUserMessage(context.Background(), "user-1", "no-such-id", "Hello")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("error = %v, want ErrConversationNotFound", err)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.ProcessUserMessage(context.Background(), "user-1", "", "   ")
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("error = %v, want ErrEmptyMessage", err)
	}
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	conv := seedConversation(t, st, "user-1", 10)

	archived, err := mgr.ArchiveConversation("user-1", conv.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Status != domain.ConversationArchived {
		t.Fatalf("status = %q, want archived", archived.Status)
	}

	restored, err := mgr.RestoreConversation("user-1", conv.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Status != domain.ConversationActive {
		t.Fatalf("status = %q, want active", restored.Status)
	}
	if restored.Title != conv.Title || restored.ContextWindow != conv.ContextWindow || restored.MessageCount != conv.MessageCount {
		t.Fatalf("restore changed unrelated fields: %+v", restored)
	}
}

func TestUpdateConversationTyped(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	conv := seedConversation(t, st, "user-1", 10)
	conv.ModelConfig = domain.ModelConfig{MaxTokens: 512, Temperature: 0.7}
	if err := st.SaveConversation(conv); err != nil {
		t.Fatalf("save conversation: %v", err)
	}

	title := "Renamed"
	status := domain.ConversationPaused
	cfg := domain.ModelConfig{Temperature: 0.2}
	updated, err := mgr.UpdateConversation("user-1", conv.ID, ConversationUpdate{
		Title:       &title,
		Status:      &status,
		ModelConfig: &cfg,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Renamed" || updated.Status != domain.ConversationPaused {
		t.Fatalf("updated = %+v", updated)
	}
	if updated.ModelConfig.MaxTokens != 512 || updated.ModelConfig.Temperature != 0.2 {
		t.Fatalf("modelConfig = %+v, want merge-applied", updated.ModelConfig)
	}

	bad := domain.ConversationStatus("bogus")
	if _, err := mgr.UpdateConversation("user-1", conv.ID, ConversationUpdate{Status: &bad}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("error = %v, want ErrInvalidStatus", err)
	}
}

func TestGetConversationSummaryPreviews(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	conv := seedConversation(t, st, "user-1", 10)

	long := ""
	for i := 0; i < 30; i++ {
		long += "0123456789"
	}
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		seedMessage(t, st, conv, long, domain.MessageUser, domain.StatusCompleted, base.Add(time.Duration(i)*time.Minute))
	}

	summary, err := mgr.GetConversationSummary("user-1", conv.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(summary.RecentMessages) != 5 {
		t.Fatalf("previews = %d, want 5", len(summary.RecentMessages))
	}
	for _, p := range summary.RecentMessages {
		if len([]rune(p.Preview)) != 103 {
			t.Fatalf("preview length = %d runes, want 100 + ellipsis", len([]rune(p.Preview)))
		}
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	conv := seedConversation(t, st, "user-1", 10)
	seedMessage(t, st, conv, "hi", domain.MessageUser, domain.StatusCompleted, time.Now().UTC())

	if err := mgr.DeleteConversation("user-1", conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.GetConversation(conv.ID); ok {
		t.Fatalf("conversation should be gone")
	}
	count, _ := st.CountMessages(conv.ID)
	if count != 0 {
		t.Fatalf("messages remaining = %d, want 0", count)
	}

	if err := mgr.DeleteConversation("user-1", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("second delete error = %v, want ErrConversationNotFound", err)
	}
}

func TestConversationStats(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	for i := 0; i < 3; i++ {
		seedConversation(t, st, "user-1", 10)
	}
	conv := seedConversation(t, st, "user-1", 10)
	if _, err := mgr.ArchiveConversation("user-1", conv.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	seedConversation(t, st, "someone-else", 10)

	stats, err := mgr.ConversationStats("user-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Active != 3 || stats.Archived != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSweepStaleProcessing(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	conv := seedConversation(t, st, "user-1", 10)

	stale := seedMessage(t, st, conv, "", domain.MessageAssistant, domain.StatusProcessing, time.Now().UTC().Add(-time.Hour))
	fresh := seedMessage(t, st, conv, "", domain.MessageAssistant, domain.StatusProcessing, time.Now().UTC())

	swept, err := mgr.SweepStaleProcessing(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	got, _, _ := st.GetMessage(stale.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("stale status = %q, want failed", got.Status)
	}
	if got.Metadata["error"] != "generation timed out" {
		t.Fatalf("stale metadata = %+v", got.Metadata)
	}
	got, _, _ = st.GetMessage(fresh.ID)
	if got.Status != domain.StatusProcessing {
		t.Fatalf("fresh status = %q, want untouched", got.Status)
	}
}

func TestSweepEventsCarryConversationOwner(t *testing.T) {
	st := store.NewMemoryStore()
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()
	mgr := NewManager(st, &stubModel{}, Options{Publisher: bus})

	conv := seedConversation(t, st, "user-1", 10)
	stale := seedMessage(t, st, conv, "", domain.MessageAssistant, domain.StatusProcessing, time.Now().UTC().Add(-time.Hour))

	if _, err := mgr.SweepStaleProcessing(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.KindMessageFailed {
			t.Fatalf("kind = %q, want %q", ev.Kind, events.KindMessageFailed)
		}
		if ev.UserID != "user-1" {
			t.Fatalf("userID = %q, want conversation owner", ev.UserID)
		}
		if ev.ConversationID != conv.ID || ev.MessageID != stale.ID {
			t.Fatalf("event = %+v, want conv %s message %s", ev, conv.ID, stale.ID)
		}
	default:
		t.Fatalf("no event published for swept message")
	}
}

// failingMessageStore rejects message inserts after a fixed number of
// successful ones.
type failingMessageStore struct {
	store.Store
	allowed int
}

func (s *failingMessageStore) CreateMessage(msg domain.Message) error {
	if s.allowed <= 0 {
		return errors.New("insert rejected")
	}
	s.allowed--
	return s.Store.CreateMessage(msg)
}

func TestPlaceholderInsertFailureKeepsCountInStep(t *testing.T) {
	mem := store.NewMemoryStore()
	mgr := NewManager(&failingMessageStore{Store: mem, allowed: 1}, &stubModel{}, Options{})
	conv := seedConversation(t, mem, "user-1", 10)

	if _, err := mgr.ProcessUserMessage(context.Background(), "user-1", conv.ID, "Hello"); err == nil {
		t.Fatalf("expected placeholder insert failure")
	}

	got, ok, err := mem.GetConversation(conv.ID)
	if err != nil || !ok {
		t.Fatalf("get conversation: ok=%v err=%v", ok, err)
	}
	stored, err := mem.CountMessages(conv.ID)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if got.MessageCount != 1 || stored != 1 {
		t.Fatalf("messageCount = %d, stored = %d, want both 1", got.MessageCount, stored)
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	st := store.NewMemoryStore()
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()
	mgr := NewManager(st, &stubModel{}, Options{Publisher: bus})

	if _, err := mgr.ProcessUserMessage(context.Background(), "user-1", "", "Hello"); err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}

	kinds := map[string]bool{}
	for len(ch) > 0 {
		ev := <-ch
		kinds[ev.Kind] = true
	}
	if !kinds[events.KindMessageCompleted] || !kinds[events.KindConversationNew] {
		t.Fatalf("published kinds = %v, want completion and creation", kinds)
	}
}

func TestModelUnavailablePropagates(t *testing.T) {
	st := store.NewMemoryStore()
	mgr := NewManager(st, ai.Unavailable{}, Options{})

	_, err := mgr.ProcessUserMessage(context.Background(), "user-1", "", "Hello")
	if !errors.Is(err, ai.ErrModelUnavailable) {
		t.Fatalf("error = %v, want ErrModelUnavailable", err)
	}
}
