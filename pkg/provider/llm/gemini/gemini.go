// Package gemini provides an LLM provider backed by the Google Gen AI SDK
// (google.golang.org/genai), talking to either the Gemini Developer API or
// Vertex AI.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/dialtone/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*genai.ClientConfig)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(c *genai.ClientConfig) {
		c.HTTPOptions.BaseURL = url
	}
}

// WithVertexAI switches the backend to Vertex AI for the given project and
// location. Credentials come from the environment (ADC).
func WithVertexAI(project, location string) Option {
	return func(c *genai.ClientConfig) {
		c.Backend = genai.BackendVertexAI
		c.Project = project
		c.Location = location
	}
}

// Provider implements llm.Provider using the Gen AI SDK.
type Provider struct {
	client *genai.Client
	model  string
}

// New constructs a Gemini provider. apiKey may be empty only when
// [WithVertexAI] is used.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.Backend == genai.BackendGeminiAPI && cfg.APIKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	contents, system := convertMessages(req.Messages)

	cfg := &genai.GenerateContentConfig{}
	if prompt := strings.TrimSpace(strings.Join(append([]string{req.SystemPrompt}, system...), "\n\n")); prompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(prompt, genai.RoleUser)
	}
	if req.Temperature != 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	out := &llm.CompletionResponse{Content: strings.TrimSpace(resp.Text())}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// convertMessages maps the conversation onto Gemini contents. Gemini has no
// system role inside the conversation, so system messages are returned
// separately and folded into the system instruction.
func convertMessages(msgs []llm.Message) (contents []*genai.Content, system []string) {
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, system
}
