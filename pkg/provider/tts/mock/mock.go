// Package mock provides a test double for the tts.Provider interface.
//
// Provider returns a configurable block of PCM audio and records every text it
// was asked to speak. By default it generates SampleRate/10 samples of a quiet
// tone per call, which encodes to a handful of telephony frames.
//
// Example:
//
//	p := &mock.Provider{Duration: 200 * time.Millisecond}
//	a, _ := p.Synthesize(ctx, "Hi there!", tts.Voice{ID: "v1"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/dialtone/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// PCM, if non-nil, is returned verbatim.
	PCM []byte

	// SampleRate of the returned audio. Defaults to 16000.
	SampleRate int

	// Duration of generated audio when PCM is nil. Defaults to 100ms.
	Duration time.Duration

	// Err, if non-nil, is returned instead of audio.
	Err error

	// Delay is waited before responding. Cancelling ctx interrupts the wait.
	Delay time.Duration

	// OnSynthesize, if set, runs inside every call before audio is returned.
	OnSynthesize func(text string)

	// --- Call records ---

	// Calls records every call to Synthesize in order.
	Calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Audio, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	pcm, rate, dur, err, delay, hook := p.PCM, p.SampleRate, p.Duration, p.Err, p.Delay, p.OnSynthesize
	p.mu.Unlock()

	if hook != nil {
		hook(text)
	}

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
	if rate == 0 {
		rate = 16000
	}
	if pcm == nil {
		if dur == 0 {
			dur = 100 * time.Millisecond
		}
		samples := int(int64(dur) * int64(rate) / int64(time.Second))
		pcm = make([]byte, samples*2)
		for i := range samples {
			// Square wave at a low level; the content is irrelevant to tests.
			v := int16(1000)
			if (i/20)%2 == 1 {
				v = -1000
			}
			pcm[i*2] = byte(v)
			pcm[i*2+1] = byte(v >> 8)
		}
	}
	return &tts.Audio{PCM: pcm, SampleRate: rate}, nil
}

// CallCount returns the number of Synthesize calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Texts returns the texts passed to Synthesize in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}
