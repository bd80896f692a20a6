package handlers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/tbourn/go-rag-assistant/internal/services"
)

func TestSalesChat(t *testing.T) {
	svc, _ := testServices(t)
	sales := &fakeSales{resp: services.ChatResponse{DataType: "text", Data: "answer", ChatID: "c1", MessageID: 4}}
	svc.Sales = sales
	r := newRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/sales/chat", map[string]any{
		"question": "  What is Bots?\r\n\r\n\r\n\r\nAnd pricing?  ", "chat_id": " c1 ", "query_level": "advanced",
		"product_name": "Bots", "nearest_neighbours": 12,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if sales.in.Question != "What is Bots?\n\nAnd pricing?" || sales.in.ChatID != "c1" || sales.in.Neighbours != 12 {
		t.Fatalf("unexpected input: %+v", sales.in)
	}
	got := decode[map[string]any](t, w)
	if got["data"] != "answer" || got["message_id"] != float64(4) || got["data_type"] != "text" {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestSalesChat_BadRequests(t *testing.T) {
	svc, _ := testServices(t)
	svc.Sales = &fakeSales{err: services.ErrEmptyQuestion}
	r := newRouter(svc)

	for name, body := range map[string]any{
		"not json":        "{",
		"missing":         map[string]any{"chat_id": "c1"},
		"blank":           map[string]any{"question": " \n "},
		"service rejects": map[string]any{"question": "q"},
	} {
		if w := doJSON(t, r, http.MethodPost, "/sales/chat", body, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", name, w.Code)
		}
	}
}

func TestSalesChat_ServiceFailure(t *testing.T) {
	svc, _ := testServices(t)
	svc.Sales = &fakeSales{err: errors.New("db down")}
	w := doJSON(t, newRouter(svc), http.MethodPost, "/sales/chat", map[string]any{"question": "q"}, nil)
	if w.Code != http.StatusInternalServerError || decode[ErrorResponse](t, w).Code != ErrCodeAnswerFailed {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestSupportChat_PassesIdentityAndKey(t *testing.T) {
	svc, _ := testServices(t)
	support := &fakeSupport{resp: services.ChatResponse{DataType: "text", Data: map[string]any{"resolution": "r"}, ChatID: "c1", MessageID: 2, Replayed: true}}
	svc.Support = support
	r := newRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/support/chat", map[string]any{
		"user_message": "Why?", "chat_id": "c1", "issue_id": "ISSUE-1", "customer_name": " Acme ", "product_name": "Bots",
	}, map[string]string{"X-User-ID": "ana", "Idempotency-Key": "key-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	in := support.in
	if in.UserID != "ana" || in.IdempotencyKey != "key-1" || in.Customer != "Acme" || in.IssueID != "ISSUE-1" {
		t.Fatalf("unexpected input: %+v", in)
	}
	if w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay header missing")
	}
	got := decode[map[string]any](t, w)
	if data, _ := got["data"].(map[string]any); data["resolution"] != "r" {
		t.Fatalf("unexpected body: %v", got)
	}
	if _, leaked := got["Replayed"]; leaked {
		t.Fatalf("internal flag serialized: %v", got)
	}
}

func TestSupportChat_MissingMessage(t *testing.T) {
	svc, _ := testServices(t)
	w := doJSON(t, newRouter(svc), http.MethodPost, "/support/chat", map[string]any{"chat_id": "c1"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}
