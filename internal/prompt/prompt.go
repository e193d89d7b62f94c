// Package prompt builds the bounded provider prompts and parses provider answers.
// It is shared by every LLM adapter so that the request/response contract does
// not depend on the transport.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
)

// ClassificationSystem is the system message sent with refinement prompts
const ClassificationSystem = "You are an email triage assistant. Respond only with JSON."

// ReplySystem is the system message sent with reply prompts
const ReplySystem = "You are a helpful assistant drafting concise, polite email replies."

// replyBodyLimit bounds the email body quoted in reply prompts
const replyBodyLimit = 1500

const refinementFormat = `Analyze the following email and rate how important it is for the recipient.
A rule engine already scored it %.2f against an importance threshold of %.2f.
Rules that matched:
%s

Respond with a JSON object containing:
- importance_score: number between 0 and 1 (higher means more important)
- requires_response: boolean (true if the sender expects a reply)
- promotional: boolean (true if the email is marketing or a newsletter)
- rationale: string (one short sentence explaining the score)

Email:
From: %s
Subject: %s
Snippet: %s
Body:
%s

Respond only with the JSON object and nothing else.`

const replyFormat = `Write a reply to the following email.
%s
Original email:
From: %s
Subject: %s
Body:
%s

Write only the body of the reply, without a subject line.`

// Sampling holds the generation parameters of one kind of provider call
type Sampling struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// Builder renders prompts with bodies bounded to a maximum size
type Builder struct {
	text        *utils.TextProcessor
	maxBodySize int
}

// NewBuilder creates a new prompt builder
func NewBuilder(text *utils.TextProcessor, maxBodySize int) *Builder {
	if text == nil {
		text = utils.NewTextProcessor(nil)
	}
	return &Builder{text: text, maxBodySize: maxBodySize}
}

// Refinement renders the classification prompt for a borderline email
func (b *Builder) Refinement(req *core.RefinementRequest) string {
	explanation := "(none)"
	if len(req.Explanation) > 0 {
		explanation = "- " + strings.Join(req.Explanation, "\n- ")
	}
	email := req.Email
	return fmt.Sprintf(refinementFormat,
		req.RuleScore,
		req.Threshold,
		explanation,
		email.Sender,
		email.Subject,
		email.Snippet,
		b.text.ProcessText(email.Body, b.maxBodySize),
	)
}

// Reply renders the reply drafting prompt, quoting up to two prior replies as style samples
func (b *Builder) Reply(req *core.ReplyRequest) string {
	var style strings.Builder
	samples := req.StyleSamples
	if len(samples) > 2 {
		samples = samples[:2]
	}
	if len(samples) > 0 {
		style.WriteString("Match the tone of these earlier replies by the same user:\n")
		for i, sample := range samples {
			fmt.Fprintf(&style, "Example %d:\n%s\n\n", i+1, b.text.ProcessText(sample, replyBodyLimit))
		}
	}
	email := req.Email
	return fmt.Sprintf(replyFormat,
		style.String(),
		email.Sender,
		email.Subject,
		b.text.ProcessText(email.Body, replyBodyLimit),
	)
}

// refinementResponse is the JSON contract expected from providers
type refinementResponse struct {
	ImportanceScore  *float64 `json:"importance_score"`
	RequiresResponse bool     `json:"requires_response"`
	Promotional      bool     `json:"promotional"`
	Rationale        string   `json:"rationale"`
}

// ErrMalformedResponse is returned when a provider answer does not honour the JSON contract
var ErrMalformedResponse = errors.New("malformed model response")

// ParseRefinement parses a provider answer, extracting the JSON object from
// surrounding prose when needed
func ParseRefinement(text string) (*core.Refinement, error) {
	var resp refinementResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		candidate := utils.ExtractJSONObject(text)
		if candidate == "" {
			return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
		}
		resp = refinementResponse{}
		if err := json.Unmarshal([]byte(candidate), &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	if resp.ImportanceScore == nil {
		return nil, fmt.Errorf("%w: missing importance_score", ErrMalformedResponse)
	}
	score := *resp.ImportanceScore
	if score < 0 || score > 1 {
		return nil, fmt.Errorf("%w: importance_score %.3f out of range", ErrMalformedResponse, score)
	}
	return &core.Refinement{
		ImportanceScore:  score,
		RequiresResponse: resp.RequiresResponse,
		Promotional:      resp.Promotional,
		Rationale:        strings.TrimSpace(resp.Rationale),
	}, nil
}
