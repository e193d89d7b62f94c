// Package api exposes the triage service over a JSON REST interface.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/triage"
	"go.uber.org/zap"
)

// Triage is the set of operations served by the API
type Triage interface {
	ListEmails(ctx context.Context, opts triage.ListOptions) ([]triage.Summary, error)
	GetEmail(ctx context.Context, id string) (*triage.Detail, error)
	MarkRead(ctx context.Context, id string) (*core.MailboxState, error)
	Archive(ctx context.Context, id string) (*core.MailboxState, error)
	Trash(ctx context.Context, id string) (*core.MailboxState, error)
	Restore(ctx context.Context, id string) (*core.MailboxState, error)
	Draft(ctx context.Context, id string) (*core.DraftReply, error)
	RegenerateDraft(ctx context.Context, id string) (*core.DraftReply, error)
	SendReply(ctx context.Context, id, text string) (*core.OutboundMessage, error)
	GetPreferences() core.Preferences
	UpdatePreferences(ctx context.Context, patch map[string]json.RawMessage) (core.Preferences, error)
}

// NewRouter builds the gin engine serving the triage routes
func NewRouter(service Triage, corsOrigins []string, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	if len(corsOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     corsOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	h := &handler{service: service, logger: logger}

	router.GET("/health", h.health)

	api := router.Group("/api")
	{
		api.GET("/emails", h.listEmails)

		email := api.Group("/email/:id")
		{
			email.GET("", h.getEmail)
			email.POST("/mark_read", h.transition(service.MarkRead))
			email.POST("/archive", h.transition(service.Archive))
			email.POST("/trash", h.transition(service.Trash))
			email.POST("/restore", h.transition(service.Restore))
			email.GET("/draft_reply", h.draftReply)
			email.POST("/draft_reply", h.regenerateDraft)
			email.POST("/send_reply", h.sendReply)
		}

		api.GET("/preferences", h.getPreferences)
		api.POST("/preferences", h.updatePreferences)
	}

	return router
}

// requestLogger logs every request through zap
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= 500 {
			logger.Warn("Request failed", fields...)
			return
		}
		logger.Debug("Request served", fields...)
	}
}
