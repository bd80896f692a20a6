// Package summary keeps the rolling TicketSummary of support chats up to
// date. A summary row is seeded on the first message of a support chat and
// refreshed periodically for chats that were used recently: only the turns
// and ticket comments past the row's high-water marks are sent to the model,
// together with the previous summary.
package summary

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/events"
	"github.com/tbourn/go-rag-assistant/internal/pipeline"
	"github.com/tbourn/go-rag-assistant/internal/repo"
)

// DefaultWindow is how far back last_accessed_time may lie for a summary
// to be refreshed.
const DefaultWindow = 3 * time.Hour

// ErrNoSummary is returned by RefreshChat for chats without a summary row.
var ErrNoSummary = errors.New("summary: no summary for chat")

var refreshes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "summary_refresh_total",
		Help: "Ticket summary refreshes by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(refreshes)
}

// Summarizer produces the updated summary text.
type Summarizer interface {
	Summarize(ctx context.Context, in pipeline.SummaryInput) (string, error)
}

// Report is the outcome of one refresh run.
type Report struct {
	Selected  int `json:"selected"`
	Refreshed int `json:"refreshed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Refresher seeds and refreshes ticket summaries.
type Refresher struct {
	db         *gorm.DB
	summarizer Summarizer
	events     events.Publisher
	window     time.Duration
	now        func() time.Time

	// running serializes RunOnce between the ticker and on-demand runs.
	running sync.Mutex
	wg      sync.WaitGroup
}

// New builds a Refresher. window <= 0 uses DefaultWindow; a nil publisher
// publishes nothing.
func New(db *gorm.DB, s Summarizer, pub events.Publisher, window time.Duration) *Refresher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Refresher{
		db:         db,
		summarizer: s,
		events:     pub,
		window:     window,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Refresher) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("summary/Refresher").Start(ctx, name, trace.WithAttributes(attrs...))
}

// Seed is what the initial summary of a support chat is built from.
type Seed struct {
	ChatID   string
	IssueID  string
	Customer string
	Product  string
	Ticket   domain.SupportTicket
}

// Start seeds the summary of a new support chat in the background. The
// caller's cancellation does not abort it.
func (r *Refresher) Start(ctx context.Context, seed Seed) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Initialize(ctx, seed); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("chat_id", seed.ChatID).Msg("initial summary failed")
		}
	}()
}

// Wait blocks until background seeding started by Start has finished.
func (r *Refresher) Wait() { r.wg.Wait() }

// Initialize writes the first summary of a chat from the ticket alone. No
// turn is folded in yet. When the model fails the row is still written
// with an empty summary and no comment marked processed, so the next
// refresh covers them.
func (r *Refresher) Initialize(ctx context.Context, seed Seed) error {
	ctx, span := r.span(ctx, "Initialize", attribute.String("chat.id", seed.ChatID))
	defer span.End()

	comments := seed.Ticket.Comments()
	text, err := r.summarizer.Summarize(ctx, pipeline.SummaryInput{
		Customer:          seed.Customer,
		Product:           seed.Product,
		TicketDescription: seed.Ticket.Description,
		NewComments:       comments,
		AIComments:        seed.Ticket.AIComments,
	})
	processed := len(comments)
	if err != nil {
		span.RecordError(err)
		log.Ctx(ctx).Warn().Err(err).Str("chat_id", seed.ChatID).Msg("initial summary not generated")
		text, processed = "", 0
	}

	row := &domain.TicketSummary{
		ChatID:             seed.ChatID,
		IssueID:            seed.IssueID,
		ProcessedMessageID: 0,
		ProcessedCommentID: processed,
		TicketStatus:       seed.Ticket.TicketStatus,
		Summary: datatypes.NewJSONType(domain.SummaryBody{
			ChatSummary:       text,
			TicketDescription: seed.Ticket.Description,
			AllComments:       nonNilComments(comments),
			AIComments:        seed.Ticket.AIComments,
		}),
		CustomerName:     seed.Customer,
		ProductName:      seed.Product,
		LastAccessedTime: r.now(),
	}
	if err := repo.UpsertTicketSummary(ctx, r.db, row); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// RunOnce refreshes every summary accessed within the window. Failures of
// single rows are logged and counted; they never abort the run.
func (r *Refresher) RunOnce(ctx context.Context) (Report, error) {
	r.running.Lock()
	defer r.running.Unlock()

	ctx, span := r.span(ctx, "RunOnce")
	defer span.End()

	var rep Report
	rows, err := repo.ListSummariesAccessedSince(ctx, r.db, r.now().Add(-r.window))
	if err != nil {
		span.RecordError(err)
		return rep, err
	}
	rep.Selected = len(rows)

	for i := range rows {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		ok, err := r.refresh(ctx, &rows[i])
		switch {
		case err != nil:
			rep.Failed++
			refreshes.WithLabelValues("error").Inc()
			log.Ctx(ctx).Error().Err(err).Str("chat_id", rows[i].ChatID).Msg("summary refresh failed")
		case ok:
			rep.Refreshed++
			refreshes.WithLabelValues("ok").Inc()
		default:
			rep.Skipped++
			refreshes.WithLabelValues("skipped").Inc()
		}
	}
	span.SetAttributes(
		attribute.Int("summaries.selected", rep.Selected),
		attribute.Int("summaries.refreshed", rep.Refreshed),
		attribute.Int("summaries.failed", rep.Failed),
	)
	log.Ctx(ctx).Info().
		Int("selected", rep.Selected).Int("refreshed", rep.Refreshed).
		Int("skipped", rep.Skipped).Int("failed", rep.Failed).
		Msg("summary refresh finished")
	return rep, nil
}

// RefreshChat refreshes one chat's summary now, whatever its access time.
// It reports whether anything new was folded in.
func (r *Refresher) RefreshChat(ctx context.Context, chatID, customer string) (bool, error) {
	row, err := repo.GetTicketSummary(ctx, r.db, chatID, customer)
	if errors.Is(err, repo.ErrNotFound) {
		return false, ErrNoSummary
	}
	if err != nil {
		return false, err
	}
	return r.refresh(ctx, row)
}

// refresh folds the turns after processed_message_id and the comments after
// processed_comment_id into the summary. It returns false without writing
// when there are no new turns.
func (r *Refresher) refresh(ctx context.Context, row *domain.TicketSummary) (bool, error) {
	ctx, span := r.span(ctx, "refresh", attribute.String("chat.id", row.ChatID))
	defer span.End()

	msgs, err := repo.ListMessagesAfter(ctx, r.db, row.ChatID, row.ProcessedMessageID)
	if err != nil {
		return false, err
	}
	turns, lastID := completedTurns(msgs)
	if len(turns) == 0 {
		return false, nil
	}

	body := row.Summary.Data()
	// The ticket snapshot is authoritative for comments; the copy on the
	// summary row is only used when the ticket is gone.
	if t, err := repo.GetTicket(ctx, r.db, row.IssueID, row.CustomerName); err == nil {
		body.TicketDescription = t.Description
		body.AllComments = t.Comments()
		body.AIComments = t.AIComments
	} else if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	newComments := commentsAfter(body.AllComments, row.ProcessedCommentID)

	text, err := r.summarizer.Summarize(ctx, pipeline.SummaryInput{
		Customer:          row.CustomerName,
		Product:           row.ProductName,
		TicketDescription: body.TicketDescription,
		NewComments:       newComments,
		PreviousSummary:   body.ChatSummary,
		AIComments:        body.AIComments,
		NewTurns:          turns,
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	body.ChatSummary = text
	body.AllComments = nonNilComments(body.AllComments)
	pcid := row.ProcessedCommentID + len(newComments)
	if err := repo.UpdateSummaryProgress(ctx, r.db, row.ChatID, body, lastID, pcid, r.now()); err != nil {
		span.RecordError(err)
		return false, err
	}

	events.Emit(ctx, r.events, events.Event{
		Type:      events.SummaryRefreshed,
		ChatID:    row.ChatID,
		MessageID: lastID,
		IssueID:   row.IssueID,
		Customer:  row.CustomerName,
		Data: map[string]any{
			"processed_message_id": lastID,
			"processed_comment_id": pcid,
		},
	})
	return true, nil
}

// Run refreshes summaries every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	log.Info().Dur("interval", interval).Dur("window", r.window).Msg("summary refresher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("summary refresher stopped")
			return
		case <-t.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("summary refresh run failed")
			}
		}
	}
}

// completedTurns returns the answered messages in id order up to the first
// pending one, and the id of the last turn returned. A pending message is
// left for a later run so the high-water mark never skips it.
func completedTurns(msgs []domain.ChatMessage) ([]chatstore.Turn, int) {
	turns := make([]chatstore.Turn, 0, len(msgs))
	last := 0
	for _, m := range msgs {
		if !m.Completed() {
			break
		}
		turns = append(turns, chatstore.Turn{Query: m.UserMessage, Response: m.Response})
		last = m.MessageID
	}
	return turns, last
}

func commentsAfter(all []domain.TicketComment, processed int) []domain.TicketComment {
	if processed < 0 {
		processed = 0
	}
	if processed >= len(all) {
		return []domain.TicketComment{}
	}
	return all[processed:]
}

func nonNilComments(c []domain.TicketComment) []domain.TicketComment {
	if c == nil {
		return []domain.TicketComment{}
	}
	return c
}
