package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/http/middleware"
	"github.com/tbourn/go-rag-assistant/internal/repo"
	"github.com/tbourn/go-rag-assistant/internal/services"
	"github.com/tbourn/go-rag-assistant/internal/summary"
)

// ---------- test DB ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// ---------- fakes ----------

type fakeSales struct {
	in   services.SalesInput
	resp services.ChatResponse
	err  error
}

func (f *fakeSales) Chat(_ context.Context, in services.SalesInput) (services.ChatResponse, error) {
	f.in = in
	return f.resp, f.err
}

type fakeSupport struct {
	in   services.SupportInput
	resp services.ChatResponse
	err  error
}

func (f *fakeSupport) Chat(_ context.Context, in services.SupportInput) (services.ChatResponse, error) {
	f.in = in
	return f.resp, f.err
}

type fakeTickets struct {
	upserted *domain.SupportTicket
	analysed []string
	analysis *services.Analysis
	err      error
}

func (f *fakeTickets) Upsert(_ context.Context, t *domain.SupportTicket) error {
	f.upserted = t
	return f.err
}

func (f *fakeTickets) Analyze(_ context.Context, issueID, customer, product string) (*services.Analysis, error) {
	f.analysed = []string{issueID, customer, product}
	return f.analysis, f.err
}

type fakeConfig struct {
	op      string
	prompt  *domain.PromptConfig
	process *domain.ProcessDetail
	err     error
}

func (f *fakeConfig) ApplyPrompt(_ context.Context, op string, pc *domain.PromptConfig) error {
	f.op, f.prompt = op, pc
	return f.err
}

func (f *fakeConfig) ApplyProcess(_ context.Context, op string, pd *domain.ProcessDetail) error {
	f.op, f.process = op, pd
	return f.err
}

type fakeSummaries struct{ report summary.Report }

func (f *fakeSummaries) RunOnce(context.Context) (summary.Report, error) { return f.report, nil }

// ---------- router + request helpers ----------

// testServices wires real chat and feedback services on sqlite and fakes for
// everything that would call a model.
func testServices(t *testing.T) (Services, *chatstore.Store) {
	t.Helper()
	store := chatstore.New(newTestDB(t), nil)
	return Services{
		Chats:    services.NewChatService(store),
		Sales:    &fakeSales{},
		Support:  &fakeSupport{},
		Tickets:  &fakeTickets{},
		Feedback: services.NewFeedbackService(store, nil),
		Config:   &fakeConfig{},
	}, store
}

func newRouter(svc Services) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	h := New(svc)
	r.GET("/chats/new", h.NewChat)
	r.GET("/chats/by-issue/:issue_id", h.ChatByIssue)
	r.GET("/chats/:chat_id/max-message-id", h.MaxMessageID)
	r.GET("/chats/:chat_id/messages", h.ListMessages)
	r.GET("/chats/:chat_id/messages/:message_id", h.GetMessage)
	r.POST("/chats/:chat_id/messages/:message_id/feedback", h.LeaveFeedback)
	r.POST("/sales/chat", h.SalesChat)
	r.POST("/support/chat", h.SupportChat)
	r.PUT("/support/tickets/:issue_id", h.UpsertTicket)
	r.POST("/support/tickets/:issue_id/analyze", h.AnalyzeTicket)
	r.POST("/config/prompts", h.ApplyPromptConfig)
	r.POST("/config/processes", h.ApplyProcessDetail)
	r.POST("/admin/summaries/refresh", h.RefreshSummaries)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

// seedChat writes n completed turns into chatID.
func seedChat(t *testing.T, store *chatstore.Store, chatID, issueID string, n int) {
	t.Helper()
	ctx := context.Background()
	sess := store.NewSession(chatID, "s", "u", issueID, domain.SessionMeta{Topic: "Bots Support Agent"})
	for i := 0; i < n; i++ {
		id, err := store.AppendMessage(ctx, &sess, fmt.Sprintf("q%d", i+1), 30)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := store.CompleteMessage(ctx, &sess, id, fmt.Sprintf("a%d", i+1), ""); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
}
