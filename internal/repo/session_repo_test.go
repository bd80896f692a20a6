package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-rag-assistant/internal/domain"
)

func TestSessions_CreateGetByIssueAndTouch(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	now := time.Now().UTC()

	issue := "AEI-7"
	s := &domain.ChatSession{ChatID: "c1", SessionID: "s1", IssueID: &issue, StartTime: now, EndTime: now}
	if err := CreateSession(ctx, db, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	blank := "  "
	if err := CreateSession(ctx, db, &domain.ChatSession{ChatID: "c2", IssueID: &blank, StartTime: now, EndTime: now}); err != nil {
		t.Fatalf("CreateSession blank issue: %v", err)
	}

	got, err := GetSessionByIssue(ctx, db, " AEI-7 ")
	if err != nil || got.ChatID != "c1" {
		t.Fatalf("GetSessionByIssue = %+v, %v", got, err)
	}
	if _, err := GetSessionByIssue(ctx, db, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty issue, got %v", err)
	}
	c2, err := GetSession(ctx, db, "c2")
	if err != nil || c2.IssueID != nil {
		t.Fatalf("blank issue should be stored as NULL: %+v, %v", c2, err)
	}

	later := now.Add(time.Minute)
	meta := domain.SessionMeta{ModelName: "m", Topic: "SAP Support Agent", QueryLevel: "Advanced"}
	if err := TouchSession(ctx, db, "c1", later, meta); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	got, _ = GetSession(ctx, db, "c1")
	if got.MetaData.Data().Topic != "SAP Support Agent" || got.EndTime.Sub(later).Abs() > time.Millisecond {
		t.Fatalf("touch not applied: %+v", got)
	}
	if err := TouchSession(ctx, db, "missing", later, meta); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessages_MaxCreateCompleteList(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	now := time.Now().UTC()

	max, err := MaxMessageID(ctx, db, "c1")
	if err != nil || max != 0 {
		t.Fatalf("MaxMessageID empty = %d, %v", max, err)
	}
	for i := 1; i <= 3; i++ {
		if err := CreateMessage(ctx, db, &domain.ChatMessage{ChatID: "c1", MessageID: i, UserMessage: "q", MessageTime: now}); err != nil {
			t.Fatalf("CreateMessage %d: %v", i, err)
		}
	}
	if max, _ = MaxMessageID(ctx, db, "c1"); max != 3 {
		t.Fatalf("MaxMessageID = %d; want 3", max)
	}

	if err := CompleteMessage(ctx, db, "c1", 2, "answer", "", now.Add(time.Second)); err != nil {
		t.Fatalf("CompleteMessage: %v", err)
	}
	if err := CompleteMessage(ctx, db, "c1", 2, "other", "", now); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("second completion should fail with ErrAlreadyCompleted, got %v", err)
	}
	if err := CompleteMessage(ctx, db, "c1", 9, "x", "", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing message should be ErrNotFound, got %v", err)
	}

	m, err := GetMessage(ctx, db, "c1", 2)
	if err != nil || m.Response != "answer" || !m.Completed() {
		t.Fatalf("GetMessage = %+v, %v", m, err)
	}

	all, err := ListMessages(ctx, db, "c1")
	if err != nil || len(all) != 3 || all[0].MessageID != 1 || all[2].MessageID != 3 {
		t.Fatalf("ListMessages = %+v, %v", all, err)
	}
	after, _ := ListMessagesAfter(ctx, db, "c1", 2)
	if len(after) != 1 || after[0].MessageID != 3 {
		t.Fatalf("ListMessagesAfter = %+v", after)
	}

	count, last, err := MessagesStats(ctx, db, "c1")
	if err != nil || count != 3 || last == nil || last.Sub(now).Abs() > time.Millisecond {
		t.Fatalf("MessagesStats = %d, %v, %v", count, last, err)
	}
	if count, last, _ := MessagesStats(ctx, db, "none"); count != 0 || last != nil {
		t.Fatalf("empty stats = %d, %v", count, last)
	}
}
