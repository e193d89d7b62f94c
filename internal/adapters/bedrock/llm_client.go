package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/prompt"
	"go.uber.org/zap"
)

const anthropicVersion = "bedrock-2023-05-31"

// ModelInvoker is the part of the Bedrock runtime API used by BedrockClient
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient is an implementation of the LLMClient interface using Amazon Bedrock
type BedrockClient struct {
	client   ModelInvoker
	modelID  string
	classify prompt.Sampling
	reply    prompt.Sampling
	prompts  *prompt.Builder
	logger   *zap.Logger
}

// NewBedrockClient creates a new Bedrock client
func NewBedrockClient(
	client ModelInvoker,
	modelID string,
	classify prompt.Sampling,
	reply prompt.Sampling,
	prompts *prompt.Builder,
	logger *zap.Logger,
) *BedrockClient {
	return &BedrockClient{
		client:   client,
		modelID:  modelID,
		classify: classify,
		reply:    reply,
		prompts:  prompts,
		logger:   logger,
	}
}

// Name returns the Bedrock model id
func (c *BedrockClient) Name() string {
	return c.modelID
}

// RefineClassification asks the model to re-score a borderline email
func (c *BedrockClient) RefineClassification(ctx context.Context, req *core.RefinementRequest) (*core.Refinement, error) {
	responseText, err := c.invoke(ctx, prompt.ClassificationSystem, c.prompts.Refinement(req), c.classify)
	if err != nil {
		return nil, err
	}

	refinement, err := prompt.ParseRefinement(responseText)
	if err != nil {
		c.logger.Debug("Unparseable Bedrock answer",
			zap.String("email_id", req.Email.ID),
			zap.String("response", responseText))
		return nil, err
	}
	refinement.ModelUsed = c.modelID
	return refinement, nil
}

// DraftReply asks the model to write a reply body
func (c *BedrockClient) DraftReply(ctx context.Context, req *core.ReplyRequest) (string, error) {
	responseText, err := c.invoke(ctx, prompt.ReplySystem, c.prompts.Reply(req), c.reply)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(responseText)
	if text == "" {
		return "", fmt.Errorf("empty reply from Bedrock model %s", c.modelID)
	}
	return text, nil
}

func (c *BedrockClient) invoke(ctx context.Context, system, userPrompt string, sampling prompt.Sampling) (string, error) {
	payload, err := c.payload(system, userPrompt, sampling)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	resp, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.modelID),
		Body:        payload,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to invoke Bedrock model: %w", err)
	}

	return c.responseText(resp.Body)
}

// payload builds the model-family specific request body
func (c *BedrockClient) payload(system, userPrompt string, sampling prompt.Sampling) ([]byte, error) {
	switch {
	case c.isAnthropicModel():
		return json.Marshal(map[string]interface{}{
			"anthropic_version": anthropicVersion,
			"max_tokens":        sampling.MaxTokens,
			"temperature":       sampling.Temperature,
			"top_p":             sampling.TopP,
			"system":            system,
			"messages": []map[string]interface{}{
				{
					"role": "user",
					"content": []map[string]string{
						{"type": "text", "text": userPrompt},
					},
				},
			},
		})
	case c.isAmazonTitanModel():
		return json.Marshal(map[string]interface{}{
			"inputText": system + "\n\n" + userPrompt,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": sampling.MaxTokens,
				"temperature":   sampling.Temperature,
				"topP":          sampling.TopP,
			},
		})
	default:
		return json.Marshal(map[string]interface{}{
			"prompt":      system + "\n\n" + userPrompt,
			"max_tokens":  sampling.MaxTokens,
			"temperature": sampling.Temperature,
			"top_p":       sampling.TopP,
		})
	}
}

// responseText extracts the generated text from a model-family specific response body
func (c *BedrockClient) responseText(body []byte) (string, error) {
	switch {
	case c.isAnthropicModel():
		var claudeResp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &claudeResp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Claude response: %w", err)
		}
		var b strings.Builder
		for _, block := range claudeResp.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String(), nil
	case c.isAmazonTitanModel():
		var titanResp struct {
			Results []struct {
				OutputText string `json:"outputText"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &titanResp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Titan response: %w", err)
		}
		if len(titanResp.Results) == 0 {
			return "", fmt.Errorf("empty response from Titan model")
		}
		return titanResp.Results[0].OutputText, nil
	default:
		var genericResp struct {
			Output     string `json:"output"`
			Text       string `json:"text"`
			Generation string `json:"generation"`
		}
		if err := json.Unmarshal(body, &genericResp); err != nil {
			return "", fmt.Errorf("failed to unmarshal generic response: %w", err)
		}
		switch {
		case genericResp.Output != "":
			return genericResp.Output, nil
		case genericResp.Text != "":
			return genericResp.Text, nil
		case genericResp.Generation != "":
			return genericResp.Generation, nil
		default:
			return string(body), nil
		}
	}
}

// isAnthropicModel checks if the model is an Anthropic Claude model
func (c *BedrockClient) isAnthropicModel() bool {
	return strings.Contains(c.modelID, "anthropic.claude")
}

// isAmazonTitanModel checks if the model is an Amazon Titan model
func (c *BedrockClient) isAmazonTitanModel() bool {
	return strings.HasPrefix(c.modelID, "amazon.titan")
}
