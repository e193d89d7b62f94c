package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/prompt"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIClient is an implementation of the LLMClient interface using OpenAI
type OpenAIClient struct {
	client    *openai.Client
	modelName string
	classify  prompt.Sampling
	reply     prompt.Sampling
	prompts   *prompt.Builder
	logger    *zap.Logger
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(
	client *openai.Client,
	modelName string,
	classify prompt.Sampling,
	reply prompt.Sampling,
	prompts *prompt.Builder,
	logger *zap.Logger,
) *OpenAIClient {
	return &OpenAIClient{
		client:    client,
		modelName: modelName,
		classify:  classify,
		reply:     reply,
		prompts:   prompts,
		logger:    logger,
	}
}

// Name returns the model used for completions
func (c *OpenAIClient) Name() string {
	return c.modelName
}

// RefineClassification asks the model to re-score a borderline email
func (c *OpenAIClient) RefineClassification(ctx context.Context, req *core.RefinementRequest) (*core.Refinement, error) {
	chatReq := c.request(prompt.ClassificationSystem, c.prompts.Refinement(req), c.classify)
	chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}

	responseText, err := c.complete(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	refinement, err := prompt.ParseRefinement(responseText)
	if err != nil {
		c.logger.Debug("Unparseable OpenAI answer",
			zap.String("email_id", req.Email.ID),
			zap.String("response", responseText))
		return nil, err
	}
	refinement.ModelUsed = c.modelName
	return refinement, nil
}

// DraftReply asks the model to write a reply body
func (c *OpenAIClient) DraftReply(ctx context.Context, req *core.ReplyRequest) (string, error) {
	responseText, err := c.complete(ctx, c.request(prompt.ReplySystem, c.prompts.Reply(req), c.reply))
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(responseText)
	if text == "" {
		return "", fmt.Errorf("empty reply from OpenAI")
	}
	return text, nil
}

func (c *OpenAIClient) request(system, userPrompt string, sampling prompt.Sampling) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: c.modelName,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: system,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userPrompt,
			},
		},
		MaxTokens:   sampling.MaxTokens,
		Temperature: sampling.Temperature,
		TopP:        sampling.TopP,
	}
}

func (c *OpenAIClient) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion with OpenAI: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from OpenAI")
	}

	c.logger.Debug("OpenAI completion",
		zap.String("model", c.modelName),
		zap.String("id", resp.ID),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return resp.Choices[0].Message.Content, nil
}
