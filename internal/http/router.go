// Package httpapi wires the Gin engine: middleware in a fixed order, the
// health and metrics probes, optional Swagger UI, and the versioned API
// under cfg.APIBasePath.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-rag-assistant/docs"
	"github.com/tbourn/go-rag-assistant/internal/config"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/http/handlers"
	"github.com/tbourn/go-rag-assistant/internal/http/middleware"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// Replayer finds the message stored for an Idempotency-Key.
type Replayer interface {
	Replay(ctx context.Context, userID, chatID, key string) (*domain.ChatMessage, bool)
}

// Deps are the application services behind the routes. Replays may be nil,
// in which case replays are still served by the support service but do not
// bypass rate limiting.
type Deps struct {
	Services handlers.Services
	Replays  Replayer
}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger (request-scoped logger for everything below)
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. CORS and security headers
//  8. Bearer auth (sets the user id used below)
//  9. Idempotency validator, before the limiter so replays bypass it
//  10. Rate limiter
//  11. gzip
func RegisterRoutes(r *gin.Engine, cfg config.Config, deps Deps) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key", middleware.HeaderIdempotencyKey},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(middleware.Metrics())

	r.Use(corsMiddleware(cfg.CORS))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	probes := []string{"/health", "/metrics", "/swagger/*any"}
	r.Use(middleware.BearerAuth(cfg.JWTSecret, probes...))
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200, ChatID: idempotencyChatID},
		replayLookup(deps.Replays),
	))
	r.Use(middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).Exempt(probes...).Handler())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(deps.Services)
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Chats
		api.GET("/chats/new", h.NewChat)
		api.GET("/chats/by-issue/:issue_id", h.ChatByIssue)
		api.GET("/chats/:chat_id/max-message-id", h.MaxMessageID)
		api.GET("/chats/:chat_id/messages", h.ListMessages)
		api.GET("/chats/:chat_id/messages/:message_id", h.GetMessage)
		api.POST("/chats/:chat_id/messages/:message_id/feedback", h.LeaveFeedback)

		// Answers
		api.POST("/sales/chat", h.SalesChat)
		api.POST("/support/chat", h.SupportChat)

		// Tickets
		api.PUT("/support/tickets/:issue_id", h.UpsertTicket)
		api.POST("/support/tickets/:issue_id/analyze", h.AnalyzeTicket)

		// Admin
		api.POST("/config/prompts", h.ApplyPromptConfig)
		api.POST("/config/processes", h.ApplyProcessDetail)
		api.POST("/admin/summaries/refresh", h.RefreshSummaries)
	}
}

// corsMiddleware allows every origin when none is configured, else only the
// allowlist. Credentials are never allowed.
func corsMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey},
		ExposeHeaders: []string{"X-Request-ID", "ETag", "Idempotency-Replayed"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = cfg.AllowedOrigins
	}
	return cors.New(cc)
}

// idempotencyChatID finds the chat of a keyed request: the :chat_id path
// segment, or the chat_id field of a /support/chat body. The body is cached
// by gin so the handler can bind it again.
func idempotencyChatID(c *gin.Context) string {
	if id := c.Param("chat_id"); id != "" {
		return id
	}
	if c.Request.Method != http.MethodPost || !strings.HasSuffix(c.FullPath(), "/support/chat") {
		return ""
	}
	var body struct {
		ChatID string `json:"chat_id"`
	}
	if err := c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
		return ""
	}
	return strings.TrimSpace(body.ChatID)
}

func replayLookup(rp Replayer) middleware.IdempotencyLookup {
	if rp == nil {
		return nil
	}
	return func(ctx context.Context, userID, chatID, key string, _ time.Time) (bool, error) {
		_, found := rp.Replay(ctx, userID, chatID, key)
		return found, nil
	}
}

// limitBody caps request bodies at maxBytes; larger bodies fail on read.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
