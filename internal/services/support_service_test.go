package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/pipeline"
	"github.com/tbourn/go-rag-assistant/internal/repo"
)

func seedTicket(t *testing.T, svc *SupportService) {
	t.Helper()
	ctx := context.Background()
	if err := repo.UpsertTicket(ctx, svc.DB, &domain.SupportTicket{
		IssueID:      "ISSUE-7",
		CustomerName: "Acme",
		ProductName:  "Bots",
		Description:  "Invoice import fails",
		TicketStatus: "Open",
		AllComments:  datatypes.NewJSONType([]domain.TicketComment{{CommentID: 1, Text: "seen twice"}}),
		ProcessName:  "Invoice Import",
	}); err != nil {
		t.Fatalf("seed ticket: %v", err)
	}
	if err := repo.SetTicketAIComments(ctx, svc.DB, "ISSUE-7", "Acme", "rerun the import job"); err != nil {
		t.Fatalf("seed ai comments: %v", err)
	}
	if err := repo.InsertProcessDetail(ctx, svc.DB, &domain.ProcessDetail{
		CustomerName: "Acme", ProcessName: "Invoice Import", ProductName: "Bots",
		ProcessArea: "Finance", Flow: "upload -> validate -> post",
	}); err != nil {
		t.Fatalf("seed process: %v", err)
	}
}

func newSupport(t *testing.T, res pipeline.Result) (*SupportService, *fakeSupport, *fakeStarter) {
	t.Helper()
	msgs, db, _ := newMessages(t)
	flow := &fakeSupport{res: res}
	starter := &fakeStarter{}
	return NewSupportService(db, msgs, flow, starter, "gemini-2.0-flash-001"), flow, starter
}

func TestSupport_FirstMessageSeedsSummary(t *testing.T) {
	svc, flow, starter := newSupport(t, pipeline.Result{Text: "Re-run the job.", Assumptions: []string{"job exists"}})
	seedTicket(t, svc)
	ctx := context.Background()

	resp, err := svc.Chat(ctx, SupportInput{
		ChatID: "c1", SessionID: "s1", UserName: "ana", IssueID: " ISSUE-7 ",
		Customer: "Acme", Product: "Bots", Question: "Why does the import fail?",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["resolution"] != "Re-run the job." || resp.MessageID != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if len(starter.seeds) != 1 {
		t.Fatalf("expected one summary seed, got %d", len(starter.seeds))
	}
	seed := starter.seeds[0]
	if seed.ChatID != "c1" || seed.IssueID != "ISSUE-7" || len(seed.Ticket.Comments()) != 1 {
		t.Fatalf("unexpected seed: %+v", seed)
	}

	in := flow.calls[0]
	if in.Process != "Invoice Import" || in.ProcessFlow != "upload -> validate -> post" {
		t.Fatalf("process not passed: %+v", in)
	}
	if in.TicketDesc != "Invoice import fails" || in.InitialAnalysis != "rerun the import job" {
		t.Fatalf("ticket not passed: %+v", in)
	}

	sess, err := repo.GetSessionByIssue(ctx, svc.DB, "ISSUE-7")
	if err != nil || sess.ChatID != "c1" {
		t.Fatalf("session by issue: %+v, %v", sess, err)
	}
	if meta := sess.MetaData.Data(); meta.Topic != "Bots Support Agent" || meta.QueryLevel != "Advanced" {
		t.Fatalf("unexpected meta: %+v", meta)
	}

	// The second message does not seed again and sees the chat summary.
	if err := repo.UpsertTicketSummary(ctx, svc.DB, &domain.TicketSummary{
		ChatID: "c1", IssueID: "ISSUE-7", CustomerName: "Acme",
		Summary:          datatypes.NewJSONType(domain.SummaryBody{ChatSummary: "import keeps failing"}),
		LastAccessedTime: time.Now().UTC().Add(-10 * time.Hour),
	}); err != nil {
		t.Fatalf("seed summary: %v", err)
	}
	if _, err := svc.Chat(ctx, SupportInput{ChatID: "c1", IssueID: "ISSUE-7", Customer: "acme", Product: "Bots", Question: "and now?"}); err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	if len(starter.seeds) != 1 {
		t.Fatalf("summary seeded twice")
	}
	if got := flow.calls[1]; got.ChatSummary != "import keeps failing" || len(got.History) != 1 {
		t.Fatalf("unexpected second input: %+v", got)
	}
	row, _ := repo.GetTicketSummary(ctx, svc.DB, "c1", "")
	if time.Since(row.LastAccessedTime) > time.Minute {
		t.Fatalf("summary not touched: %v", row.LastAccessedTime)
	}
}

func TestSupport_MissingTicketStillAnswers(t *testing.T) {
	svc, flow, _ := newSupport(t, pipeline.Result{Text: "generic answer"})

	resp, err := svc.Chat(context.Background(), SupportInput{ChatID: "c1", IssueID: "NOPE", Customer: "Acme", Question: "q"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.MessageID != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if in := flow.calls[0]; in.Process != "" || in.ProcessFlow != "" || in.TicketDesc != "" {
		t.Fatalf("expected blank ticket context, got %+v", in)
	}
}

func TestSupport_MissingChatID(t *testing.T) {
	svc, flow, _ := newSupport(t, pipeline.Result{})
	resp, err := svc.Chat(context.Background(), SupportInput{IssueID: "I", Customer: "Acme", Question: "q"})
	if err != nil || resp.Data != MissingChatAnswer {
		t.Fatalf("unexpected: %+v, %v", resp, err)
	}
	if len(flow.calls) != 0 {
		t.Fatalf("pipeline should not run")
	}
}

func TestSupport_FailureStoresErrorMessage(t *testing.T) {
	svc, _, _ := newSupport(t, pipeline.Result{Text: pipeline.SupportFallback, Fallback: true, Err: errors.New("decode failed")})

	resp, err := svc.Chat(context.Background(), SupportInput{ChatID: "c1", Customer: "Acme", Question: "q"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Data.(map[string]any)["resolution"] != pipeline.SupportFallback {
		t.Fatalf("unexpected data: %+v", resp.Data)
	}
	m, _ := repo.GetMessage(context.Background(), svc.DB, "c1", 1)
	if m.ErrorMsg != "Error occurred while starting bot. Error details: decode failed" {
		t.Fatalf("error_msg = %q", m.ErrorMsg)
	}
}

func TestSupport_IdempotencyKeyReplays(t *testing.T) {
	svc, flow, _ := newSupport(t, pipeline.Result{Text: "answer one"})
	ctx := context.Background()
	in := SupportInput{ChatID: "c1", Customer: "Acme", Question: "q", UserID: "u1", IdempotencyKey: "k-1"}

	first, err := svc.Chat(ctx, in)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	flow.res = pipeline.Result{Text: "answer two"}
	second, err := svc.Chat(ctx, in)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Replayed || second.MessageID != first.MessageID {
		t.Fatalf("expected replay of message %d, got %+v", first.MessageID, second)
	}
	if second.Data.(map[string]any)["resolution"] != "answer one" || len(flow.calls) != 1 {
		t.Fatalf("pipeline ran again or wrong data: %+v", second)
	}

	// Another key runs the pipeline.
	in.IdempotencyKey = "k-2"
	third, err := svc.Chat(ctx, in)
	if err != nil || third.Replayed || third.MessageID != 2 {
		t.Fatalf("unexpected third: %+v, %v", third, err)
	}
}

func TestSupport_CompleteFailureStillAnswersWithoutReplayRecord(t *testing.T) {
	svc, flow, _ := newSupport(t, pipeline.Result{Text: "answer one"})
	failWrites(t, svc.DB, false, true)
	ctx := context.Background()
	in := SupportInput{ChatID: "c1", Customer: "Acme", Question: "q", UserID: "u1", IdempotencyKey: "k-1"}

	resp, err := svc.Chat(ctx, in)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.MessageID != 1 || resp.Data.(map[string]any)["resolution"] != "answer one" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// The pending message must not be replayed as an empty answer.
	if _, err := svc.Chat(ctx, in); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(flow.calls) != 2 {
		t.Fatalf("retry should run the pipeline again, calls=%d", len(flow.calls))
	}
}
