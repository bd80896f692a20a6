package services

import (
	"context"
	"errors"
	"testing"

	"gorm.io/datatypes"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/events"
	"github.com/tbourn/go-rag-assistant/internal/pipeline"
	"github.com/tbourn/go-rag-assistant/internal/repo"
	"github.com/tbourn/go-rag-assistant/internal/summary"
)

func newTickets(t *testing.T, flow *fakeTicketFlow) (*TicketService, *recordingPublisher, *fakeRefresher) {
	t.Helper()
	db := newTestDB(t)
	pub := &recordingPublisher{}
	ref := &fakeRefresher{}
	svc := NewTicketService(db, flow, pub, chatstore.New(db, nil), ref)

	ctx := context.Background()
	if err := svc.Upsert(ctx, &domain.SupportTicket{
		IssueID: "ISSUE-9", CustomerName: "Acme", ProductName: "Bots",
		Description: "PO approval stuck", ProcessName: "Stored Process",
		AllComments: datatypes.NewJSONType([]domain.TicketComment{}),
	}); err != nil {
		t.Fatalf("upsert ticket: %v", err)
	}
	for _, pd := range []domain.ProcessDetail{
		{CustomerName: "Acme", ProcessName: "PO Approval", ProductName: "Bots", ProcessArea: "Procurement", Flow: "submit -> approve"},
		{CustomerName: "Acme", ProcessName: "Stored Process", ProductName: "Bots", ProcessArea: "Procurement", Flow: "stored flow"},
		{CustomerName: "Other", ProcessName: "PO Approval", ProductName: "Bots", ProcessArea: "Procurement"},
	} {
		pd := pd
		if err := repo.InsertProcessDetail(ctx, db, &pd); err != nil {
			t.Fatalf("insert process: %v", err)
		}
	}
	return svc, pub, ref
}

func TestTicket_AnalyzeUsesBestMatch(t *testing.T) {
	flow := &fakeTicketFlow{
		cls: pipeline.ProcessClassification{MatchType: pipeline.MatchBest, BestMatch: &pipeline.ProcessMatch{ProcessName: "PO Approval"}},
		res: pipeline.Result{Text: "## Resolution\nApprove manually.", Iterations: 2},
	}
	svc, pub, _ := newTickets(t, flow)
	ctx := context.Background()

	a, err := svc.Analyze(ctx, "ISSUE-9", "acme", "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Process != "PO Approval" || a.Resolution != "## Resolution\nApprove manually." || a.Iterations != 2 {
		t.Fatalf("unexpected analysis: %+v", a)
	}
	if len(flow.rows) != 2 {
		t.Fatalf("candidates = %d, want the customer's 2 processes", len(flow.rows))
	}
	if in := flow.resolved[0]; in.ProcessFlow != "submit -> approve" || in.Product != "Bots" {
		t.Fatalf("unexpected resolve input: %+v", in)
	}

	tk, _ := repo.GetTicket(ctx, svc.DB, "ISSUE-9", "Acme")
	if tk.AIComments != a.Resolution {
		t.Fatalf("ai_comments = %q", tk.AIComments)
	}
	if got := pub.types(); len(got) != 1 || got[0] != events.TicketAnalyzed {
		t.Fatalf("events = %v", got)
	}
}

func TestTicket_AnalyzeFallsBackToStoredProcess(t *testing.T) {
	flow := &fakeTicketFlow{
		cls: pipeline.ProcessClassification{MatchType: pipeline.MatchNone, TopMatches: []pipeline.ProcessMatch{}},
		res: pipeline.Result{Text: "done"},
	}
	svc, _, _ := newTickets(t, flow)

	a, err := svc.Analyze(context.Background(), "ISSUE-9", "Acme", "Bots")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Process != "Stored Process" || flow.resolved[0].ProcessFlow != "stored flow" {
		t.Fatalf("expected stored process, got %+v / %+v", a, flow.resolved[0])
	}
}

func TestTicket_FallbackKeepsEarlierAnalysis(t *testing.T) {
	flow := &fakeTicketFlow{res: pipeline.Result{Text: pipeline.TicketFallback, Fallback: true, Err: errors.New("model down")}}
	svc, _, _ := newTickets(t, flow)
	ctx := context.Background()
	if err := repo.SetTicketAIComments(ctx, svc.DB, "ISSUE-9", "Acme", "earlier"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	a, err := svc.Analyze(ctx, "ISSUE-9", "Acme", "Bots")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Resolution != pipeline.TicketFallback || a.ErrorMsg == "" {
		t.Fatalf("unexpected analysis: %+v", a)
	}
	tk, _ := repo.GetTicket(ctx, svc.DB, "ISSUE-9", "Acme")
	if tk.AIComments != "earlier" {
		t.Fatalf("ai_comments overwritten: %q", tk.AIComments)
	}
}

func TestTicket_AnalyzeErrors(t *testing.T) {
	svc, _, _ := newTickets(t, &fakeTicketFlow{})
	ctx := context.Background()
	if _, err := svc.Analyze(ctx, "", "Acme", ""); !errors.Is(err, ErrMissingTicket) {
		t.Fatalf("expected ErrMissingTicket, got %v", err)
	}
	if _, err := svc.Analyze(ctx, "ISSUE-404", "Acme", ""); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
	if err := svc.Upsert(ctx, &domain.SupportTicket{IssueID: "x"}); !errors.Is(err, ErrMissingTicket) {
		t.Fatalf("expected ErrMissingTicket on upsert, got %v", err)
	}
}

func TestTicket_HandleTicketUpdate(t *testing.T) {
	flow := &fakeTicketFlow{res: pipeline.Result{Text: "r"}}
	svc, _, ref := newTickets(t, flow)
	ctx := context.Background()

	sess := svc.Chats.NewSession("chat-9", "s", "u", "ISSUE-9", domain.SessionMeta{})
	if _, err := svc.Chats.AppendMessage(ctx, &sess, "q", 1); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Chat resolved from the issue, no analysis requested.
	if err := svc.HandleTicketUpdate(ctx, events.TicketUpdate{IssueID: "ISSUE-9", CustomerName: "Acme"}); err != nil {
		t.Fatalf("HandleTicketUpdate: %v", err)
	}
	if len(ref.chats) != 1 || ref.chats[0] != "chat-9" || len(flow.resolved) != 0 {
		t.Fatalf("refreshed %v, resolved %d", ref.chats, len(flow.resolved))
	}

	// A chat without summary is not an error; analysis runs when asked.
	ref.err = summary.ErrNoSummary
	if err := svc.HandleTicketUpdate(ctx, events.TicketUpdate{IssueID: "ISSUE-9", CustomerName: "Acme", ChatID: "chat-9", Analyze: true}); err != nil {
		t.Fatalf("HandleTicketUpdate: %v", err)
	}
	if len(flow.resolved) != 1 {
		t.Fatalf("expected analysis to run")
	}

	if err := svc.HandleTicketUpdate(ctx, events.TicketUpdate{IssueID: "ISSUE-404", CustomerName: "Acme", Analyze: true}); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}
