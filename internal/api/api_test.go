package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikey/mail-triage/internal/adapters/store"
	"github.com/mikey/mail-triage/internal/classifier"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/drafts"
	"github.com/mikey/mail-triage/internal/mailbox"
	"github.com/mikey/mail-triage/internal/preferences"
	"github.com/mikey/mail-triage/internal/rules"
	"github.com/mikey/mail-triage/internal/testutil"
	"github.com/mikey/mail-triage/internal/triage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, llm core.LLMClient) (*gin.Engine, *triage.Service) {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	st := store.NewMemoryStore()
	prefStore, err := preferences.NewStore(ctx, st, core.Preferences{
		ImportantSenders:       []string{"boss@co.com"},
		AutoArchivePatterns:    []string{"newsletter"},
		MinimumImportanceScore: 0.6,
	}, logger)
	require.NoError(t, err)

	orchestrator := classifier.NewOrchestrator(rules.NewEngine(rules.DefaultWeights(), nil), nil, testutil.NewMockClassificationCache(), 2, logger)
	generator, err := drafts.NewGenerator(st, st, llm, drafts.Options{Timeout: time.Second}, logger)
	require.NoError(t, err)
	svc := triage.NewService(st, prefStore, orchestrator, mailbox.NewMachine(st, logger), generator, nil, triage.Options{}, logger)

	for _, e := range []*core.Email{
		{ID: "m1", Sender: "boss@co.com", Subject: "plans", Body: "Can we talk?", Date: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		{ID: "m2", Sender: "x@example.com", Subject: "hello", Body: "hi", Date: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)},
		{ID: "m3", Sender: "digest@example.com", Subject: "Weekly newsletter", Body: "news", Date: time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)},
	} {
		_, err := svc.Ingest(ctx, e)
		require.NoError(t, err)
	}

	return NewRouter(svc, []string{"http://localhost:3000"}, logger), svc
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	w := do(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListEmails(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantIDs  []string
	}{
		{name: "default is important", path: "/api/emails", wantCode: http.StatusOK, wantIDs: []string{"m1"}},
		{name: "all", path: "/api/emails?filter=all", wantCode: http.StatusOK, wantIDs: []string{"m1", "m2", "m3"}},
		{name: "important", path: "/api/emails?filter=important", wantCode: http.StatusOK, wantIDs: []string{"m1"}},
		{name: "unread excludes archived", path: "/api/emails?filter=unread", wantCode: http.StatusOK, wantIDs: []string{"m1", "m2"}},
		{name: "query and cap", path: "/api/emails?filter=all&query=e&max_results=1", wantCode: http.StatusOK, wantIDs: []string{"m1"}},
		{name: "unknown filter", path: "/api/emails?filter=starred", wantCode: http.StatusBadRequest},
		{name: "bad max results", path: "/api/emails?max_results=lots", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodGet, tt.path, "")
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			var body []triage.Summary
			decode(t, w, &body)
			var ids []string
			for _, s := range body {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestListEmailsShape(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := do(router, http.MethodGet, "/api/emails?filter=all", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rows []map[string]interface{}
	decode(t, w, &rows)
	require.Len(t, rows, 3)

	tests := []struct {
		row          int
		wantID       string
		wantLabel    string
		wantResponse bool
	}{
		{row: 0, wantID: "m1", wantLabel: "important", wantResponse: true},
		{row: 1, wantID: "m2", wantLabel: "normal", wantResponse: false},
		{row: 2, wantID: "m3", wantLabel: "auto_archive", wantResponse: false},
	}
	for _, tt := range tests {
		t.Run(tt.wantID, func(t *testing.T) {
			row := rows[tt.row]
			assert.Equal(t, tt.wantID, row["id"])
			for _, key := range []string{"sender", "subject", "snippet", "date"} {
				assert.Contains(t, row, key)
			}
			classification, ok := row["classification"].(map[string]interface{})
			require.True(t, ok, "classification is a nested object")
			assert.Equal(t, tt.wantID, classification["email_id"])
			assert.Equal(t, tt.wantLabel, classification["label"])
			assert.Equal(t, tt.wantResponse, classification["requires_response"])
			assert.Contains(t, classification, "importance_score")
		})
	}

	w = do(router, http.MethodGet, "/api/emails?query=nothing-matches", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestGetEmail(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := do(router, http.MethodGet, "/api/email/m1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var detail map[string]interface{}
	decode(t, w, &detail)
	assert.Equal(t, "m1", detail["id"])
	assert.Equal(t, "plans", detail["subject"])
	assert.Equal(t, "boss@co.com", detail["sender"])
	assert.Equal(t, "Can we talk?", detail["body"])
	assert.NotContains(t, detail, "email")

	classification, ok := detail["classification"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "important", classification["label"])
	assert.Equal(t, true, classification["requires_response"])

	state, ok := detail["state"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(core.StatusUnread), state["status"])

	w = do(router, http.MethodGet, "/api/email/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMailboxActions(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	steps := []struct {
		path       string
		wantStatus core.MailboxStatus
	}{
		{path: "/api/email/m2/mark_read", wantStatus: core.StatusRead},
		{path: "/api/email/m2/mark_read", wantStatus: core.StatusRead},
		{path: "/api/email/m2/trash", wantStatus: core.StatusTrashed},
		{path: "/api/email/m2/restore", wantStatus: core.StatusRead},
		{path: "/api/email/m2/archive", wantStatus: core.StatusArchived},
	}
	for _, step := range steps {
		w := do(router, http.MethodPost, step.path, "")
		require.Equal(t, http.StatusOK, w.Code, step.path)
		var state core.MailboxState
		decode(t, w, &state)
		assert.Equal(t, step.wantStatus, state.Status, step.path)
		assert.Equal(t, core.ReasonUser, state.LastTransitionReason, step.path)
	}

	w := do(router, http.MethodPost, "/api/email/missing/archive", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDraftAndSendReply(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := do(router, http.MethodGet, "/api/email/m1/draft_reply", "")
	require.Equal(t, http.StatusOK, w.Code)
	var draft map[string]interface{}
	decode(t, w, &draft)
	assert.Equal(t, "m1", draft["email_id"])
	assert.Equal(t, drafts.TemplateModel, draft["model"])
	text, ok := draft["draft"].(string)
	require.True(t, ok, "draft body is exposed as draft")
	assert.True(t, strings.HasPrefix(text, "Hi "))
	assert.NotContains(t, draft, "text")

	w = do(router, http.MethodPost, "/api/email/m1/draft_reply", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/api/email/m1/send_reply", `{"reply":"Sure, 3pm works."}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var msg core.OutboundMessage
	decode(t, w, &msg)
	assert.Equal(t, "boss@co.com", msg.To)
	assert.Equal(t, "Re: plans", msg.Subject)
	assert.Equal(t, core.OutboundQueued, msg.Status)

	w = do(router, http.MethodPost, "/api/email/m1/send_reply", `{"reply":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/email/m1/send_reply", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/email/missing/send_reply", `{"reply":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDraftGenerationFailureIsRetryable(t *testing.T) {
	llm := &testutil.MockLLMClient{
		DraftFunc: func(ctx context.Context, req *core.ReplyRequest) (string, error) {
			return "", errors.New("provider down")
		},
	}
	router, _ := newTestRouter(t, llm)

	w := do(router, http.MethodGet, "/api/email/m1/draft_reply", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, true, body["retryable"])
}

func TestPreferences(t *testing.T) {
	router, svc := newTestRouter(t, nil)

	w := do(router, http.MethodGet, "/api/preferences", "")
	require.Equal(t, http.StatusOK, w.Code)
	var prefs core.Preferences
	decode(t, w, &prefs)
	assert.Equal(t, []string{"boss@co.com"}, prefs.ImportantSenders)

	w = do(router, http.MethodPost, "/api/preferences", `{"important_senders":["x@example.com"],"minimum_importance_score":2}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &prefs)
	assert.Equal(t, []string{"x@example.com"}, prefs.ImportantSenders)
	assert.Equal(t, 1.0, prefs.MinimumImportanceScore)
	assert.Equal(t, []string{"newsletter"}, prefs.AutoArchivePatterns)
	assert.Equal(t, uint64(1), prefs.Version)

	w = do(router, http.MethodPost, "/api/preferences", `{"auto_archive_patterns":["("]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "auto_archive_patterns", body["field"])
	assert.Equal(t, uint64(1), svc.GetPreferences().Version)
}

func TestCORS(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/emails", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
