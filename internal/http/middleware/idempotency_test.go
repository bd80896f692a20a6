package middleware

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestIdempotencyValidator(t *testing.T) {
	var gotUser, gotChat string
	lookup := func(_ context.Context, userID, chatID, key string, _ time.Time) (bool, error) {
		gotUser, gotChat = userID, chatID
		return key == "seen", nil
	}
	r := newEngine(t, IdempotencyValidator(IdempotencyOptions{MaxLen: 10}, lookup))
	r.POST("/chats/:chat_id/x", func(c *gin.Context) {
		key, _ := GetIdempotencyKey(c)
		c.JSON(http.StatusOK, gin.H{"key": key, "replay": IsReplay(c), "bypass": IsRateBypass(c)})
	})

	cases := []struct {
		name   string
		key    string
		status int
		body   string
	}{
		{"no header", "", http.StatusOK, `"replay":false`},
		{"fresh key", "k-1", http.StatusOK, `"key":"k-1"`},
		{"stored key", "seen", http.StatusOK, `"bypass":true`},
		{"too long", "abcdefghijk", http.StatusBadRequest, "bad_idempotency_key"},
		{"bad chars", "a b", http.StatusBadRequest, "bad_idempotency_key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hdr := map[string]string{"X-User-ID": "u1"}
			if tc.key != "" {
				hdr[HeaderIdempotencyKey] = tc.key
			}
			w := do(r, http.MethodPost, "/chats/c9/x", hdr)
			if w.Code != tc.status || !strings.Contains(w.Body.String(), tc.body) {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
		})
	}
	if gotUser != "u1" || gotChat != "c9" {
		t.Fatalf("lookup saw user=%q chat=%q", gotUser, gotChat)
	}
}

func TestIdempotencyValidator_ChatIDResolver(t *testing.T) {
	called := false
	lookup := func(context.Context, string, string, string, time.Time) (bool, error) {
		called = true
		return true, nil
	}
	opts := IdempotencyOptions{ChatID: func(c *gin.Context) string { return c.GetHeader("X-Chat") }}
	r := newEngine(t, IdempotencyValidator(opts, lookup))
	r.POST("/support/chat", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// No chat resolved: lookup is skipped.
	do(r, http.MethodPost, "/support/chat", map[string]string{HeaderIdempotencyKey: "k"})
	if called {
		t.Fatalf("lookup ran without a chat id")
	}
	do(r, http.MethodPost, "/support/chat", map[string]string{HeaderIdempotencyKey: "k", "X-Chat": "c1"})
	if !called {
		t.Fatalf("lookup not called")
	}
}

func TestUserIDFromCtx(t *testing.T) {
	r := newEngine(t)
	var got []string
	r.GET("/", func(c *gin.Context) { got = append(got, userIDFromCtx(c)) })
	r.GET("/auth", func(c *gin.Context) {
		c.Set(UserIDKey, "sub-1")
		got = append(got, userIDFromCtx(c))
	})

	do(r, http.MethodGet, "/", nil)
	do(r, http.MethodGet, "/", map[string]string{"X-User-ID": "hdr"})
	do(r, http.MethodGet, "/auth", map[string]string{"X-User-ID": "hdr"})
	if strings.Join(got, ",") != "demo-user,hdr,sub-1" {
		t.Fatalf("got %v", got)
	}
}
