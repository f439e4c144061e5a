// Package mock provides a test double for the stt.Provider interface.
//
// Provider returns a scripted transcript and records every request so tests can
// assert what audio reached the backend. Set Delay to simulate a slow backend;
// the delay honours context cancellation the same way a real HTTP client would.
//
// Example:
//
//	p := &mock.Provider{Text: "hello"}
//	tr, _ := p.Transcribe(ctx, stt.Request{Audio: pcm, SampleRate: 16000})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/dialtone/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Text is returned as the transcript text.
	Text string

	// Responses, when non-empty, are returned in order, one per call. Once
	// exhausted the provider falls back to Text.
	Responses []string

	// Err, if non-nil, is returned instead of a transcript.
	Err error

	// Delay is waited before responding. Cancelling ctx interrupts the wait.
	Delay time.Duration

	// --- Call records ---

	// Calls records every request passed to Transcribe in order.
	Calls []stt.Request
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, stt.Request{
		Audio:      append([]byte(nil), req.Audio...),
		SampleRate: req.SampleRate,
		Language:   req.Language,
	})
	text := p.Text
	if len(p.Responses) > 0 {
		text = p.Responses[0]
		p.Responses = p.Responses[1:]
	}
	err, delay := p.Err, p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &stt.Transcript{Text: text, Language: req.Language}, nil
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
