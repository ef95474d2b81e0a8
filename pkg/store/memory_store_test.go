package store

import (
	"fmt"
	"testing"
	"time"

	"convoai/pkg/domain"
)

func seedStoreMessages(t *testing.T, st *MemoryStore, conversationID string, n int) []domain.Message {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	msgs := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		msg := domain.Message{
			ID:             fmt.Sprintf("msg-%d", i),
			ConversationID: conversationID,
			Content:        fmt.Sprintf("content-%d", i),
			Type:           domain.MessageUser,
			Status:         domain.StatusCompleted,
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.CreateMessage(msg); err != nil {
			t.Fatalf("create message: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestListRecentMessagesOrderAndLimit(t *testing.T) {
	st := NewMemoryStore()
	seedStoreMessages(t, st, "conv-1", 5)

	got, err := st.ListRecentMessages("conv-1", 3)
	if err != nil {
		t.Fatalf("ListRecentMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// chronological, truncated to the newest 3
	for i, want := range []string{"msg-2", "msg-3", "msg-4"} {
		if got[i].ID != want {
			t.Fatalf("got[%d] = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestListRecentMessagesTieBreaksOnInsertionOrder(t *testing.T) {
	st := NewMemoryStore()
	ts := time.Now().UTC()
	for i := 0; i < 3; i++ {
		msg := domain.Message{
			ID:             fmt.Sprintf("tied-%d", i),
			ConversationID: "conv-1",
			Type:           domain.MessageUser,
			Status:         domain.StatusCompleted,
			Timestamp:      ts,
		}
		if err := st.CreateMessage(msg); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	got, err := st.ListRecentMessages("conv-1", 10)
	if err != nil {
		t.Fatalf("ListRecentMessages: %v", err)
	}
	for i := range got {
		if got[i].ID != fmt.Sprintf("tied-%d", i) {
			t.Fatalf("order = %v, want insertion order", got)
		}
	}
}

func TestListMessagesPageNewestFirst(t *testing.T) {
	st := NewMemoryStore()
	seedStoreMessages(t, st, "conv-1", 5)

	page, err := st.ListMessagesPage("conv-1", 2, 0)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	if len(page) != 2 || page[0].ID != "msg-4" || page[1].ID != "msg-3" {
		t.Fatalf("page = %v, want newest-first", page)
	}

	page, err = st.ListMessagesPage("conv-1", 2, 4)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	if len(page) != 1 || page[0].ID != "msg-0" {
		t.Fatalf("last page = %v", page)
	}

	page, err = st.ListMessagesPage("conv-1", 2, 99)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("out-of-range page = %v, want empty", page)
	}
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	st := NewMemoryStore()
	conv := domain.Conversation{ID: "conv-1", UserID: "user-1", Status: domain.ConversationActive}
	if err := st.CreateConversation(conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	seedStoreMessages(t, st, "conv-1", 3)
	seedStoreMessages(t, st, "conv-2", 2)

	if err := st.DeleteConversation("conv-1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, ok, _ := st.GetConversation("conv-1"); ok {
		t.Fatalf("conversation should be gone")
	}
	if count, _ := st.CountMessages("conv-1"); count != 0 {
		t.Fatalf("conv-1 messages = %d, want 0", count)
	}
	if count, _ := st.CountMessages("conv-2"); count != 2 {
		t.Fatalf("conv-2 messages = %d, want 2 (untouched)", count)
	}
}

func TestListConversationsByUserOrderAndPaging(t *testing.T) {
	st := NewMemoryStore()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		conv := domain.Conversation{
			ID:        fmt.Sprintf("conv-%d", i),
			UserID:    "user-1",
			Status:    domain.ConversationActive,
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.CreateConversation(conv); err != nil {
			t.Fatalf("create conversation: %v", err)
		}
	}

	got, err := st.ListConversationsByUser("user-1", 2, 1)
	if err != nil {
		t.Fatalf("ListConversationsByUser: %v", err)
	}
	if len(got) != 2 || got[0].ID != "conv-2" || got[1].ID != "conv-1" {
		t.Fatalf("page = %v, want most recently updated first with offset", got)
	}
}

func TestSearchConversationsByTitle(t *testing.T) {
	st := NewMemoryStore()
	titles := map[string]string{
		"conv-1": "Go generics question",
		"conv-2": "Trip planning",
		"conv-3": "More go talk",
	}
	for id, title := range titles {
		if err := st.CreateConversation(domain.Conversation{ID: id, UserID: "user-1", Title: title}); err != nil {
			t.Fatalf("create conversation: %v", err)
		}
	}
	if err := st.CreateConversation(domain.Conversation{ID: "conv-4", UserID: "user-2", Title: "go elsewhere"}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	got, err := st.SearchConversationsByTitle("user-1", "GO", 10)
	if err != nil {
		t.Fatalf("SearchConversationsByTitle: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("matches = %d, want 2 (case-insensitive, owner only)", len(got))
	}
}

func TestListStaleProcessing(t *testing.T) {
	st := NewMemoryStore()
	now := time.Now().UTC()
	old := domain.Message{
		ID: "old", ConversationID: "conv-1",
		Type: domain.MessageAssistant, Status: domain.StatusProcessing,
		Timestamp: now.Add(-time.Hour),
	}
	fresh := domain.Message{
		ID: "fresh", ConversationID: "conv-1",
		Type: domain.MessageAssistant, Status: domain.StatusProcessing,
		Timestamp: now,
	}
	done := domain.Message{
		ID: "done", ConversationID: "conv-1",
		Type: domain.MessageAssistant, Status: domain.StatusCompleted,
		Timestamp: now.Add(-2 * time.Hour),
	}
	for _, msg := range []domain.Message{old, fresh, done} {
		if err := st.CreateMessage(msg); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	stale, err := st.ListStaleProcessing(now.Add(-10 * time.Minute))
	if err != nil {
		t.Fatalf("ListStaleProcessing: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("stale = %v, want only the old processing message", stale)
	}
}

func TestUserLookups(t *testing.T) {
	st := NewMemoryStore()
	user := domain.User{ID: "user-1", Email: "Alice@Example.com", Username: "Alice"}
	if err := st.SaveUser(user); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	if _, ok, _ := st.GetUserByEmail("alice@example.com"); !ok {
		t.Fatalf("email lookup should be case-insensitive")
	}
	if _, ok, _ := st.GetUserByUsername("ALICE"); !ok {
		t.Fatalf("username lookup should be case-insensitive")
	}
	if has, _ := st.HasUserEmail("alice@example.com"); !has {
		t.Fatalf("HasUserEmail should report true")
	}
	if has, _ := st.HasUsername("nobody"); has {
		t.Fatalf("HasUsername should report false for unknown")
	}
}
