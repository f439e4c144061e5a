// Package openai implements llm.Provider against the OpenAI Chat Completions
// API, or any server that speaks the same protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/dialtone/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// finishLength is the finish reason reported when MaxTokens cut the reply.
const finishLength = "length"

// Provider is an OpenAI-backed llm.Provider.
type Provider struct {
	client oai.Client
	model  string

	baseURL string
	org     string
	timeout time.Duration
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL points the client at a different endpoint, e.g. a local
// OpenAI-compatible server.
func WithBaseURL(url string) Option { return func(p *Provider) { p.baseURL = url } }

// WithOrganization sends the given organization ID with every request.
func WithOrganization(org string) Option { return func(p *Provider) { p.org = org } }

// WithTimeout bounds each HTTP round trip.
func WithTimeout(d time.Duration) Option { return func(p *Provider) { p.timeout = d } }

// New returns a Provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: apiKey must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}

	p := &Provider{model: model}
	for _, o := range opts {
		o(p)
	}

	ro := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		ro = append(ro, option.WithBaseURL(p.baseURL))
	}
	if p.org != "" {
		ro = append(ro, option.WithOrganization(p.org))
	}
	if p.timeout > 0 {
		ro = append(ro, option.WithHTTPClient(&http.Client{Timeout: p.timeout}))
	}
	p.client = oai.NewClient(ro...)
	return p, nil
}

// Complete implements llm.Provider. A reply truncated by MaxTokens is cut
// back to its last full sentence before it is returned.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if string(choice.FinishReason) == finishLength {
		content = llm.TrimToSentence(content)
	}
	return &llm.CompletionResponse{
		Content: content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		u, err := toParam(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: message %d: %w", i, err)
		}
		msgs = append(msgs, u)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func toParam(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		u := oai.ChatCompletionUserMessageParam{}
		u.Content.OfString = oai.String(m.Content)
		if m.Name != "" {
			u.Name = oai.String(m.Name)
		}
		return oai.ChatCompletionMessageParamUnion{OfUser: &u}, nil
	case llm.RoleAssistant:
		a := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			a.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			a.Name = oai.String(m.Name)
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &a}, nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown role %q", m.Role)
}
