package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/triage"
	"go.uber.org/zap"
)

type handler struct {
	service Triage
	logger  *zap.Logger
}

// SendReplyRequest is the body of a send_reply call
type SendReplyRequest struct {
	Reply string `json:"reply"`
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listEmails handles GET /api/emails?filter=&query=&max_results=
func (h *handler) listEmails(c *gin.Context) {
	filter, err := triage.ParseFilter(c.Query("filter"))
	if err != nil {
		h.fail(c, err)
		return
	}

	maxResults := 0
	if raw := c.Query("max_results"); raw != "" {
		maxResults, err = strconv.Atoi(raw)
		if err != nil {
			h.fail(c, &core.ValidationError{Field: "max_results", Reason: "must be an integer"})
			return
		}
	}

	summaries, err := h.service.ListEmails(c.Request.Context(), triage.ListOptions{
		Filter:     filter,
		Query:      c.Query("query"),
		MaxResults: maxResults,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *handler) getEmail(c *gin.Context) {
	detail, err := h.service.GetEmail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// transition adapts a mailbox action to a handler returning the new state
func (h *handler) transition(action func(ctx context.Context, id string) (*core.MailboxState, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := action(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

func (h *handler) draftReply(c *gin.Context) {
	draft, err := h.service.Draft(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (h *handler) regenerateDraft(c *gin.Context) {
	draft, err := h.service.RegenerateDraft(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (h *handler) sendReply(c *gin.Context) {
	var req SendReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, &core.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	msg, err := h.service.SendReply(c.Request.Context(), c.Param("id"), req.Reply)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

func (h *handler) getPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetPreferences())
}

func (h *handler) updatePreferences(c *gin.Context) {
	var patch map[string]json.RawMessage
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.fail(c, &core.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	prefs, err := h.service.UpdatePreferences(c.Request.Context(), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

// fail maps err onto the HTTP status of its kind
func (h *handler) fail(c *gin.Context, err error) {
	var validation *core.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": validation.Field})
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
	case errors.Is(err, core.ErrGenerationFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	default:
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("id", c.Param("id")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
