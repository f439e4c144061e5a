// Package elevenlabs synthesizes speech over the ElevenLabs stream-input
// WebSocket.
//
// The provider defaults to the "ulaw_8000" output format, which is what the
// phone leg carries anyway, so no wideband audio is generated only to be
// discarded on the line. The μ-law bytes are expanded to 8 kHz PCM here. Raw
// "pcm_<rate>" formats are accepted too.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/dialtone/pkg/audio"
	"github.com/MrWong99/dialtone/pkg/provider/tts"
)

const (
	defaultBaseURL = "wss://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"
	defaultFormat  = "ulaw_8000"

	readLimit = 4 << 20
)

var _ tts.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the model ID (e.g. "eleven_turbo_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat selects "ulaw_8000" or a raw "pcm_<rate>" format.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.format = format }
}

// WithBaseURL overrides the WebSocket scheme and host.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithVoiceSettings overrides the default stability (0.5) and similarity
// boost (0.75).
func WithVoiceSettings(stability, similarity float64) Option {
	return func(p *Provider) {
		p.settings.Stability = stability
		p.settings.SimilarityBoost = similarity
	}
}

// Provider implements [tts.Provider].
type Provider struct {
	apiKey   string
	model    string
	format   string
	baseURL  string
	settings voiceSettings

	ulaw bool
	rate int
}

// New returns a Provider. The output format is validated here so a bad
// config fails at startup rather than on the first call.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: API key must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		format:   defaultFormat,
		baseURL:  defaultBaseURL,
		settings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	}
	for _, o := range opts {
		o(p)
	}
	var err error
	if p.ulaw, p.rate, err = parseFormat(p.format); err != nil {
		return nil, err
	}
	return p, nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// inputMessage is one client frame. The first carries the voice settings;
// an empty Text flushes and ends the input.
type inputMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

type outputMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Synthesize sends text in a single generation and collects audio until the
// server marks the stream final.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Audio, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice ID must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice), &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": []string{p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	settings := p.settings
	if voice.SpeedFactor > 0 {
		settings.Speed = voice.SpeedFactor
	}
	// The first message must carry non-empty text.
	for _, m := range []inputMessage{
		{Text: " ", VoiceSettings: &settings},
		{Text: text + " ", TryTriggerGeneration: true},
		{Text: ""},
	} {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: encode message: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return nil, fmt.Errorf("elevenlabs: write: %w", err)
		}
	}

	raw, err := p.collect(ctx, conn)
	if err != nil {
		return nil, err
	}
	if p.ulaw {
		raw = audio.MuLawToPCM(raw)
	}
	return &tts.Audio{PCM: raw, SampleRate: p.rate}, nil
}

// collect reads audio messages until isFinal. A normal close after some
// audio also ends the stream.
func (p *Provider) collect(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var buf bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var out outputMessage
		if json.Unmarshal(msg, &out) != nil {
			continue
		}
		if out.Error != "" {
			return nil, fmt.Errorf("elevenlabs: %s: %s", out.Error, out.Message)
		}
		if out.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(out.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			buf.Write(chunk)
		}
		if out.IsFinal {
			return buf.Bytes(), nil
		}
	}
}

// streamURL is the stream-input endpoint for voice. A language tag is passed
// as its primary subtag ("de-AT" → "de"), which multilingual models accept.
func (p *Provider) streamURL(voice tts.Voice) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.format)
	if lang, _, _ := strings.Cut(voice.Language, "-"); lang != "" {
		q.Set("language_code", strings.ToLower(lang))
	}
	return p.baseURL + "/v1/text-to-speech/" + url.PathEscape(voice.ID) + "/stream-input?" + q.Encode()
}

// parseFormat accepts "ulaw_8000" and "pcm_<rate>".
func parseFormat(format string) (ulaw bool, rate int, err error) {
	codec, r, ok := strings.Cut(format, "_")
	if ok {
		rate, err = strconv.Atoi(r)
	}
	switch {
	case !ok || err != nil || rate <= 0:
		return false, 0, fmt.Errorf("elevenlabs: invalid output format %q", format)
	case codec == "ulaw" && rate == audio.TelephonyRate:
		return true, rate, nil
	case codec == "pcm":
		return false, rate, nil
	}
	return false, 0, fmt.Errorf("elevenlabs: unsupported output format %q (want ulaw_8000 or pcm_<rate>)", format)
}
