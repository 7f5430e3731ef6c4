// Package assist proposes humanized template variants for plain draft
// messages using Claude on AWS Bedrock. Suggestions are advisory; the
// returned template is parse-validated before it reaches the caller.
package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ignite/whatsapp-engine/internal/humanizer"
)

const (
	defaultModelID   = "anthropic.claude-3-sonnet-20240229-v1:0"
	anthropicVersion = "bedrock-2023-05-31"
	maxTokens        = 1000
)

const systemPrompt = `You rewrite WhatsApp campaign messages into humanized templates.
A humanized template marks interchangeable words with a|b|c variation blocks, for example:
"Hi|Hello|Hey {{name}}, your order|package is ready|waiting".
Rules:
- Keep every {{variable}} placeholder from the draft exactly as written.
- Add 2-4 options per variation block, all natural and equivalent in meaning.
- Vary greetings, verbs and connectors; never change facts, numbers or links.
- Reply with the template on a single line and nothing else.`

// invoker is the slice of the Bedrock runtime client the suggester uses.
type invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Suggestion is a proposed humanized template with its parse outcome.
type Suggestion struct {
	Template     string   `json:"template"`
	Valid        bool     `json:"valid"`
	Combinations int      `json:"combinations"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Suggester proposes template variants through Bedrock.
type Suggester struct {
	client  invoker
	modelID string
}

// claudeRequest is the Anthropic messages payload Bedrock expects.
type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
	Temperature      float64         `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// New creates a suggester using the default AWS credential chain.
func New(ctx context.Context, region, modelID string) (*Suggester, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewWithClient(bedrockruntime.NewFromConfig(cfg), modelID), nil
}

// NewWithClient wires an existing client, used by tests.
func NewWithClient(client invoker, modelID string) *Suggester {
	if modelID == "" {
		modelID = defaultModelID
	}
	return &Suggester{client: client, modelID: modelID}
}

// Suggest asks the model for a humanized variant of the draft and parses
// the answer. An invalid suggestion is returned with Valid=false rather
// than an error, so callers can show it alongside the parse issues.
func (s *Suggester) Suggest(ctx context.Context, draft string) (*Suggestion, error) {
	draft = strings.TrimSpace(draft)
	if draft == "" {
		return nil, fmt.Errorf("empty draft")
	}

	body, err := json.Marshal(claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		System:           systemPrompt,
		Temperature:      0.7,
		Messages: []claudeMessage{{
			Role:    "user",
			Content: []claudeContent{{Type: "text", Text: draft}},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	output, err := s.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(s.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoking model: %w", err)
	}

	var response claudeResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return nil, fmt.Errorf("parsing model response: %w", err)
	}
	var text string
	for _, content := range response.Content {
		if content.Type == "text" {
			text += content.Text
		}
	}
	template := strings.TrimSpace(text)
	if template == "" {
		return nil, fmt.Errorf("model returned no suggestion")
	}

	parsed := humanizer.Parse(template)
	suggestion := &Suggestion{
		Template:     template,
		Valid:        parsed.IsValid,
		Combinations: int(parsed.TotalCombinations),
	}
	for _, w := range parsed.Warnings {
		suggestion.Warnings = append(suggestion.Warnings, w.Message)
	}
	for _, e := range parsed.Errors {
		suggestion.Warnings = append(suggestion.Warnings, e.Message)
	}
	if !parsed.IsValid {
		log.Printf("[Assist] Model suggestion failed validation: %d issue(s)", len(parsed.Errors))
	}
	return suggestion, nil
}
