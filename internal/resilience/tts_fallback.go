package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/dialtone/pkg/provider/tts"
)

// ErrNoAudio is reported for a backend that returned no samples for
// non-blank text. It counts against that backend's breaker.
var ErrNoAudio = errors.New("tts: provider returned no audio")

// TTSFallback is a [tts.Provider] that fails over between voices. Backends
// may answer at different sample rates; the pipeline resamples whatever
// comes back.
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a TTSFallback preferring primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Synthesize implements tts.Provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Audio, error) {
	blank := strings.TrimSpace(text) == ""
	return ExecuteWithResult(ctx, f.FallbackGroup, func(ctx context.Context, p tts.Provider) (*tts.Audio, error) {
		a, err := p.Synthesize(ctx, text, voice)
		if err == nil && !blank && (a == nil || len(a.PCM) == 0) {
			return nil, ErrNoAudio
		}
		return a, err
	})
}
