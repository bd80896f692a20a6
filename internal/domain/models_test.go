package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:domain_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ChatSession{}, &ChatMessage{}, &Feedback{}, &TicketSummary{},
		&SupportTicket{}, &PromptConfig{}, &ProcessDetail{}, &Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		ChatSession{}.TableName():   "chat_sessions",
		ChatMessage{}.TableName():   "chat_messages",
		Feedback{}.TableName():      "message_feedback",
		TicketSummary{}.TableName(): "ticket_summaries",
		SupportTicket{}.TableName(): "support_tickets",
		PromptConfig{}.TableName():  "agent_prompt_configs",
		ProcessDetail{}.TableName(): "customer_process_details",
		Idempotency{}.TableName():   "idempotency",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestMigrations_IndexesExist(t *testing.T) {
	db := newDomainDB(t)
	m := db.Migrator()
	if !m.HasIndex(&ChatSession{}, "ux_session_issue") {
		t.Fatalf("expected unique issue index on chat_sessions")
	}
	if !m.HasIndex(&Idempotency{}, "ux_user_chat_key") {
		t.Fatalf("expected ux_user_chat_key on idempotency")
	}
}

func TestChatMessage_CompositeKeyRejectsDuplicates(t *testing.T) {
	db := newDomainDB(t)
	now := time.Now().UTC()
	m := ChatMessage{ChatID: "c1", MessageID: 1, UserMessage: "hi", MessageTime: now}
	if err := db.Create(&m).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := ChatMessage{ChatID: "c1", MessageID: 1, UserMessage: "again", MessageTime: now}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected primary key violation for duplicate (chat_id, message_id)")
	}
	other := ChatMessage{ChatID: "c2", MessageID: 1, UserMessage: "x", MessageTime: now}
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("same message id in another chat should be allowed: %v", err)
	}
}

func TestChatSession_IssueIDUniqueWhenPresent(t *testing.T) {
	db := newDomainDB(t)
	issue := "AEI-1"
	a := ChatSession{ChatID: "a", IssueID: &issue}
	b := ChatSession{ChatID: "b", IssueID: &issue}
	if err := db.Create(&a).Error; err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := db.Create(&b).Error; err == nil {
		t.Fatalf("expected unique violation on issue_id")
	}
	// Sessions without an issue do not collide.
	if err := db.Create(&ChatSession{ChatID: "c"}).Error; err != nil {
		t.Fatalf("create c: %v", err)
	}
	if err := db.Create(&ChatSession{ChatID: "d"}).Error; err != nil {
		t.Fatalf("create d: %v", err)
	}
}

func TestTicketSummary_JSONRoundTrip(t *testing.T) {
	db := newDomainDB(t)
	body := SummaryBody{
		ChatSummary:       "login fails on SAP",
		TicketDescription: "Unable to login",
		AllComments:       []TicketComment{{CommentID: 1, Author: "ops", Text: "looking"}},
	}
	in := TicketSummary{ChatID: "c1", IssueID: "AEI-1", Summary: datatypes.NewJSONType(body), LastAccessedTime: time.Now().UTC()}
	if err := db.Create(&in).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var out TicketSummary
	if err := db.First(&out, "chat_id = ?", "c1").Error; err != nil {
		t.Fatalf("first: %v", err)
	}
	got := out.Summary.Data()
	if got.ChatSummary != body.ChatSummary || len(got.AllComments) != 1 || got.AllComments[0].Author != "ops" {
		t.Fatalf("summary round trip mismatch: %+v", got)
	}
}

func TestChatMessage_Completed(t *testing.T) {
	m := ChatMessage{}
	if m.Completed() {
		t.Fatalf("fresh message must not be completed")
	}
	now := time.Now()
	m.ResponseTime = &now
	if !m.Completed() {
		t.Fatalf("message with response time must be completed")
	}
}

func TestIdempotency_Expired(t *testing.T) {
	now := time.Now()
	rec := Idempotency{ExpiresAt: now.Add(time.Minute)}
	if rec.Expired(now) {
		t.Fatalf("record should be valid before ExpiresAt")
	}
	if !rec.Expired(now.Add(time.Minute)) {
		t.Fatalf("record should expire at ExpiresAt")
	}
}
