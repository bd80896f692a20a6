package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/events"
	"github.com/tbourn/go-rag-assistant/internal/pipeline"
	"github.com/tbourn/go-rag-assistant/internal/repo"
	"github.com/tbourn/go-rag-assistant/internal/summary"
)

// ---------- test helpers ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newMessages(t *testing.T) (*MessageService, *gorm.DB, *recordingPublisher) {
	t.Helper()
	db := newTestDB(t)
	pub := &recordingPublisher{}
	return NewMessageService(db, chatstore.New(db, nil), pub), db, pub
}

// fakeSales answers with a canned Result per level and records the history
// it was handed.
type fakeSales struct {
	advanced, basic pipeline.Result
	panics          bool
	history         []chatstore.Turn
	neighbours      int
}

func (f *fakeSales) Advanced(_ context.Context, _, _ string, k int, h []chatstore.Turn) pipeline.Result {
	if f.panics {
		panic("boom")
	}
	f.history, f.neighbours = h, k
	return f.advanced
}

func (f *fakeSales) Basic(_ context.Context, _, _ string, k int, h []chatstore.Turn) pipeline.Result {
	f.history, f.neighbours = h, k
	return f.basic
}

type fakeSupport struct {
	res   pipeline.Result
	calls []pipeline.ChatInput
}

func (f *fakeSupport) Answer(_ context.Context, in pipeline.ChatInput) pipeline.Result {
	f.calls = append(f.calls, in)
	return f.res
}

type fakeStarter struct {
	seeds []summary.Seed
}

func (f *fakeStarter) Start(_ context.Context, seed summary.Seed) { f.seeds = append(f.seeds, seed) }

type fakeTicketFlow struct {
	cls      pipeline.ProcessClassification
	res      pipeline.Result
	rows     []domain.ProcessDetail
	resolved []pipeline.TicketInput
}

func (f *fakeTicketFlow) MatchProcess(_ context.Context, _ pipeline.TicketInput, rows []domain.ProcessDetail) pipeline.ProcessClassification {
	f.rows = rows
	return f.cls
}

func (f *fakeTicketFlow) Resolve(_ context.Context, in pipeline.TicketInput) pipeline.Result {
	f.resolved = append(f.resolved, in)
	return f.res
}

type fakeRefresher struct {
	chats []string
	err   error
}

func (f *fakeRefresher) RefreshChat(_ context.Context, chatID, _ string) (bool, error) {
	f.chats = append(f.chats, chatID)
	return f.err == nil, f.err
}

type fakeInvalidator struct {
	keys []string
}

func (f *fakeInvalidator) Invalidate(customer, level, product string) {
	f.keys = append(f.keys, customer+"|"+level+"|"+product)
}
