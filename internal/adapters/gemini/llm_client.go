package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/prompt"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GeminiClient is an implementation of the LLMClient interface using Google Gemini
type GeminiClient struct {
	client     *genai.Client
	classifier *genai.GenerativeModel
	replier    *genai.GenerativeModel
	modelName  string
	prompts    *prompt.Builder
	logger     *zap.Logger
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(
	ctx context.Context,
	apiKey string,
	modelName string,
	classify prompt.Sampling,
	reply prompt.Sampling,
	prompts *prompt.Builder,
	logger *zap.Logger,
	opts ...option.ClientOption,
) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	classifier := newModel(client, modelName, prompt.ClassificationSystem, classify)
	classifier.ResponseMIMEType = "application/json"

	return &GeminiClient{
		client:     client,
		classifier: classifier,
		replier:    newModel(client, modelName, prompt.ReplySystem, reply),
		modelName:  modelName,
		prompts:    prompts,
		logger:     logger,
	}, nil
}

func newModel(client *genai.Client, modelName, system string, sampling prompt.Sampling) *genai.GenerativeModel {
	model := client.GenerativeModel(modelName)
	model.SetTemperature(sampling.Temperature)
	model.SetTopP(sampling.TopP)
	model.SetMaxOutputTokens(int32(sampling.MaxTokens))
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	return model
}

// Close closes the Gemini client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Name returns the model used for generation
func (c *GeminiClient) Name() string {
	return c.modelName
}

// RefineClassification asks the model to re-score a borderline email
func (c *GeminiClient) RefineClassification(ctx context.Context, req *core.RefinementRequest) (*core.Refinement, error) {
	responseText, err := c.generate(ctx, c.classifier, c.prompts.Refinement(req))
	if err != nil {
		return nil, err
	}

	refinement, err := prompt.ParseRefinement(responseText)
	if err != nil {
		c.logger.Debug("Unparseable Gemini answer",
			zap.String("email_id", req.Email.ID),
			zap.String("response", responseText))
		return nil, err
	}
	refinement.ModelUsed = c.modelName
	return refinement, nil
}

// DraftReply asks the model to write a reply body
func (c *GeminiClient) DraftReply(ctx context.Context, req *core.ReplyRequest) (string, error) {
	responseText, err := c.generate(ctx, c.replier, c.prompts.Reply(req))
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(responseText)
	if text == "" {
		return "", fmt.Errorf("empty reply from Gemini")
	}
	return text, nil
}

func (c *GeminiClient) generate(ctx context.Context, model *genai.GenerativeModel, text string) (string, error) {
	resp, err := model.GenerateContent(ctx, genai.Text(text))
	if err != nil {
		return "", fmt.Errorf("failed to generate content with Gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("empty response from Gemini")
	}
	return responseText(resp.Candidates[0].Content), nil
}

// responseText concatenates the text parts of a candidate
func responseText(content *genai.Content) string {
	var b strings.Builder
	for _, part := range content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
