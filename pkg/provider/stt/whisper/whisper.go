// Package whisper transcribes utterances with a whisper.cpp server.
//
// whisper-server exposes POST /inference and takes a WAV upload per request,
// which fits the pipeline's one-utterance-per-call contract. Responses are
// requested as verbose JSON so that segments whisper itself flags as probable
// non-speech can be discarded; on phone-line noise whisper tends to
// hallucinate short filler ("Thank you.") that would otherwise start a turn.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	tr, err := p.Transcribe(ctx, stt.Request{Audio: pcm, SampleRate: 16000})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/dialtone/pkg/audio"
	"github.com/MrWong99/dialtone/pkg/provider/stt"
)

const (
	defaultSampleRate = 16000
	defaultTimeout    = 30 * time.Second

	// DefaultNoSpeechThreshold drops segments whisper rates as more likely
	// silence than speech.
	DefaultNoSpeechThreshold = 0.6

	// autoLanguage asks whisper.cpp to detect the language itself.
	autoLanguage = "auto"
)

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel names the model the server should use (e.g. "base.en"). The
// server's startup model is used when empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language used when a request carries none. Without
// it whisper detects the language per utterance.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithNoSpeechThreshold overrides [DefaultNoSpeechThreshold]. Values >= 1
// keep every segment.
func WithNoSpeechThreshold(v float64) Option {
	return func(p *Provider) { p.noSpeech = v }
}

// WithHTTPClient replaces the client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements [stt.Provider] against whisper-server.
type Provider struct {
	endpoint string
	model    string
	language string
	noSpeech float64
	client   *http.Client
}

// New returns a Provider for the whisper-server rooted at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	serverURL = strings.TrimRight(serverURL, "/")
	if serverURL == "" {
		return nil, errors.New("whisper: server URL must not be empty")
	}
	p := &Provider{
		endpoint: serverURL + "/inference",
		noSpeech: DefaultNoSpeechThreshold,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// verboseResponse is the subset of whisper.cpp's verbose_json we read.
type verboseResponse struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []segment `json:"segments"`
}

type segment struct {
	Text         string  `json:"text"`
	AvgLogprob   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// Transcribe implements [stt.Provider]. Empty audio returns an empty
// transcript without contacting the server.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	if len(req.Audio) == 0 {
		return &stt.Transcript{}, nil
	}
	rate := req.SampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	body, contentType, err := p.form(audio.EncodeWAV(req.Audio, rate, 1), lang)
	if err != nil {
		return nil, err
	}
	resp, err := p.post(ctx, body, contentType)
	if err != nil {
		return nil, err
	}

	tr := p.transcript(resp)
	tr.Duration = audio.PCMDuration(len(req.Audio), rate)
	if tr.Language == "" {
		tr.Language = lang
	}
	return tr, nil
}

// form builds the multipart upload.
func (p *Provider) form(wav []byte, lang string) (*bytes.Buffer, string, error) {
	if lang == "" {
		lang = autoLanguage
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err == nil {
		_, err = fw.Write(wav)
	}
	fields := [][2]string{
		{"language", lang},
		{"response_format", "verbose_json"},
		{"temperature", "0"},
	}
	if p.model != "" {
		fields = append(fields, [2]string{"model", p.model})
	}
	for _, f := range fields {
		if err != nil {
			break
		}
		err = mw.WriteField(f[0], f[1])
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return nil, "", fmt.Errorf("whisper: build request: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func (p *Provider) post(ctx context.Context, body io.Reader, contentType string) (*verboseResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("whisper: decode response: %w", err)
	}
	return &out, nil
}

// transcript keeps the segments that are probably speech. Confidence is the
// mean per-token probability of the kept segments. Servers that return no
// segments are taken at their word.
func (p *Provider) transcript(r *verboseResponse) *stt.Transcript {
	tr := &stt.Transcript{Language: r.Language}
	if len(r.Segments) == 0 {
		tr.Text = strings.TrimSpace(r.Text)
		return tr
	}

	var (
		parts []string
		prob  float64
	)
	for _, s := range r.Segments {
		if s.NoSpeechProb > p.noSpeech {
			continue
		}
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
			prob += math.Exp(s.AvgLogprob)
		}
	}
	if len(parts) == 0 {
		return tr
	}
	tr.Text = strings.Join(parts, " ")
	tr.Confidence = min(1, prob/float64(len(parts)))
	return tr
}
