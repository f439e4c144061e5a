// Package mock provides a test double for the llm.Provider interface.
//
// Provider returns a scripted reply and records every request, which lets
// tests assert on the exact history and system prompt the pipeline sent.
//
// Example:
//
//	p := &mock.Provider{Content: "Hi there!"}
//	resp, _ := p.Complete(ctx, llm.CompletionRequest{Messages: msgs})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/dialtone/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Content is returned as the completion text.
	Content string

	// Err, if non-nil, is returned instead of a response.
	Err error

	// Delay is waited before responding. Cancelling ctx interrupts the wait.
	Delay time.Duration

	// OnComplete, if set, is called synchronously with each request before the
	// response is returned. Tests use it to interleave events with a turn.
	OnComplete func(req llm.CompletionRequest)

	// --- Call records ---

	// Calls records every request passed to Complete in order.
	Calls []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	p.Calls = append(p.Calls, req)
	content, err, delay, hook := p.Content, p.Err, p.Delay, p.OnComplete
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hook != nil {
		hook(req)
	}
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: content}, nil
}

// CallCount returns the number of Complete calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastRequest returns the most recent request, or the zero value when
// Complete has not been called.
func (p *Provider) LastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return llm.CompletionRequest{}
	}
	return p.Calls[len(p.Calls)-1]
}
