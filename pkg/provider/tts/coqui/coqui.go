// Package coqui provides a TTS provider for a self-hosted Coqui TTS server
// (the "tts-server" demo app or a compatible deployment).
//
// The server exposes GET /api/tts?text=...&speaker_id=...&language_id=...
// and responds with a WAV file.
package coqui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/dialtone/pkg/audio"
	"github.com/MrWong99/dialtone/pkg/provider/tts"
)

const defaultTimeout = 30 * time.Second

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the default language_id sent with each request.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the HTTP timeout for synthesis requests.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider against a Coqui TTS HTTP server.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
}

// New creates a Coqui Provider. serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Audio, error) {
	q := url.Values{}
	q.Set("text", text)
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	lang := voice.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		q.Set("language_id", lang)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/api/tts?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: server returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read response: %w", err)
	}

	info, err := audio.DecodeWAV(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	if info.Channels != 1 {
		return nil, fmt.Errorf("coqui: expected mono audio, got %d channels", info.Channels)
	}
	return &tts.Audio{PCM: info.PCM, SampleRate: info.SampleRate}, nil
}
