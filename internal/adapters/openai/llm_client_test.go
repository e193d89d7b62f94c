package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/prompt"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, answer string, status int) (*OpenAIClient, *[]openai.ChatCompletionRequest) {
	t.Helper()
	var seen []openai.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID: "cmpl-1",
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer}},
			},
		})
	}))
	t.Cleanup(server.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = server.URL + "/v1"
	client := NewOpenAIClient(
		openai.NewClientWithConfig(cfg),
		"gpt-test",
		prompt.Sampling{MaxTokens: 100, Temperature: 0.1, TopP: 0.9},
		prompt.Sampling{MaxTokens: 300, Temperature: 0.7, TopP: 0.9},
		prompt.NewBuilder(nil, 500),
		zap.NewNop(),
	)
	return client, &seen
}

func testEmail() *core.Email {
	return &core.Email{
		ID:      "e1",
		Sender:  "alice@example.com",
		Subject: "Quarterly numbers",
		Snippet: "Can you review the attached numbers",
		Body:    "Can you review the attached numbers before Friday?",
		Date:    time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestRefineClassification(t *testing.T) {
	client, seen := newTestClient(t, `Sure! {"importance_score": 0.8, "requires_response": true, "promotional": false, "rationale": "direct question"}`, http.StatusOK)

	refinement, err := client.RefineClassification(context.Background(), &core.RefinementRequest{
		Email:     testEmail(),
		RuleScore: 0.55,
		RuleLabel: core.LabelNormal,
		Threshold: 0.6,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, refinement.ImportanceScore, 1e-9)
	assert.True(t, refinement.RequiresResponse)
	assert.Equal(t, "direct question", refinement.Rationale)
	assert.Equal(t, "gpt-test", refinement.ModelUsed)

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, "gpt-test", req.Model)
	assert.Equal(t, 100, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, prompt.ClassificationSystem, req.Messages[0].Content)
	assert.Contains(t, req.Messages[1].Content, "Quarterly numbers")
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
}

func TestRefineClassificationMalformed(t *testing.T) {
	client, _ := newTestClient(t, "I think it is important.", http.StatusOK)

	_, err := client.RefineClassification(context.Background(), &core.RefinementRequest{Email: testEmail()})
	assert.ErrorIs(t, err, prompt.ErrMalformedResponse)
}

func TestDraftReply(t *testing.T) {
	client, seen := newTestClient(t, "  Hi Alice,\n\nI will review them by Thursday.\n", http.StatusOK)

	text, err := client.DraftReply(context.Background(), &core.ReplyRequest{
		Email:        testEmail(),
		StyleSamples: []string{"Thanks, will do.", "Sounds good!", "ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice,\n\nI will review them by Thursday.", text)

	req := (*seen)[0]
	assert.Equal(t, 300, req.MaxTokens)
	assert.Nil(t, req.ResponseFormat)
	assert.Contains(t, req.Messages[1].Content, "Example 2:\nSounds good!")
	assert.NotContains(t, req.Messages[1].Content, "ignored")
}

func TestProviderError(t *testing.T) {
	client, _ := newTestClient(t, "", http.StatusInternalServerError)

	_, err := client.DraftReply(context.Background(), &core.ReplyRequest{Email: testEmail()})
	assert.Error(t, err)
}
