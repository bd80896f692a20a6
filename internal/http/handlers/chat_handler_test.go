package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/tbourn/go-rag-assistant/internal/domain"
)

func TestNewChat_ReturnsUUID(t *testing.T) {
	svc, _ := testServices(t)
	w := doJSON(t, newRouter(svc), http.MethodGet, "/chats/new", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if _, err := uuid.Parse(decode[ChatIDResponse](t, w).ChatID); err != nil {
		t.Fatalf("not a uuid: %s", w.Body.String())
	}
}

func TestChatByIssue(t *testing.T) {
	svc, store := testServices(t)
	seedChat(t, store, "chat-1", "ISSUE-1", 1)
	r := newRouter(svc)

	cases := map[string]string{"ISSUE-1": "chat-1", "ISSUE-2": "0"}
	for issue, want := range cases {
		w := doJSON(t, r, http.MethodGet, "/chats/by-issue/"+issue, nil, nil)
		if got := decode[ChatIDResponse](t, w).ChatID; w.Code != http.StatusOK || got != want {
			t.Fatalf("%s: status=%d chat=%q want %q", issue, w.Code, got, want)
		}
	}
}

func TestMaxMessageID(t *testing.T) {
	svc, store := testServices(t)
	seedChat(t, store, "chat-1", "", 3)
	r := newRouter(svc)

	if got := decode[MaxMessageIDResponse](t, doJSON(t, r, http.MethodGet, "/chats/chat-1/max-message-id", nil, nil)); got.MaxMessageID != 3 {
		t.Fatalf("max = %d", got.MaxMessageID)
	}
	if got := decode[MaxMessageIDResponse](t, doJSON(t, r, http.MethodGet, "/chats/other/max-message-id", nil, nil)); got.MaxMessageID != 0 {
		t.Fatalf("unknown chat max = %d", got.MaxMessageID)
	}
}

func TestListMessages_HistoryAndETag(t *testing.T) {
	svc, store := testServices(t)
	seedChat(t, store, "chat-1", "", 2)
	r := newRouter(svc)

	w := doJSON(t, r, http.MethodGet, "/chats/chat-1/messages", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	h := decode[HistoryResponse](t, w)
	if h.Count != 2 || len(h.Messages) != 2 || h.Messages[0].UserMessage != "q1" || h.Meta == nil || h.Meta.Topic != "Bots Support Agent" {
		t.Fatalf("unexpected history: %+v", h)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}

	w = doJSON(t, r, http.MethodGet, "/chats/chat-1/messages", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}

	// A new turn changes the tag.
	seedChat(t, store, "chat-1", "", 1)
	w = doJSON(t, r, http.MethodGet, "/chats/chat-1/messages", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusOK || w.Header().Get("ETag") == etag {
		t.Fatalf("stale ETag served: %d %s", w.Code, w.Header().Get("ETag"))
	}
}

func TestListMessages_UnknownChatIsEmpty(t *testing.T) {
	svc, _ := testServices(t)
	w := doJSON(t, newRouter(svc), http.MethodGet, "/chats/nobody/messages", nil, nil)
	h := decode[HistoryResponse](t, w)
	if w.Code != http.StatusOK || h.Count != 0 || h.Messages == nil || h.Meta != nil {
		t.Fatalf("unexpected: %d %s", w.Code, w.Body.String())
	}
}

func TestGetMessage(t *testing.T) {
	svc, store := testServices(t)
	seedChat(t, store, "chat-1", "", 1)
	// A second turn that is still running.
	sess := store.NewSession("chat-1", "s", "u", "", domain.SessionMeta{Topic: "Bots Support Agent"})
	if _, err := store.AppendMessage(context.Background(), &sess, "pending", 30); err != nil {
		t.Fatalf("append: %v", err)
	}
	r := newRouter(svc)

	cases := []struct {
		path   string
		status int
		resp   string
	}{
		{"/chats/chat-1/messages/1", http.StatusOK, "a1"},
		{"/chats/chat-1/messages/2", http.StatusOK, ""},
		{"/chats/chat-1/messages/9", http.StatusNotFound, ""},
		{"/chats/chat-1/messages/zero", http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		w := doJSON(t, r, http.MethodGet, tc.path, nil, nil)
		if w.Code != tc.status {
			t.Fatalf("%s: status=%d body=%s", tc.path, w.Code, w.Body.String())
		}
		if tc.status == http.StatusOK {
			if got := decode[MessageResponse](t, w); got.Response != tc.resp {
				t.Fatalf("%s: response=%q", tc.path, got.Response)
			}
		}
	}
}
