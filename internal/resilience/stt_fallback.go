package resilience

import (
	"context"

	"github.com/MrWong99/dialtone/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that fails over between recognisers. An
// empty transcript counts as success: the caller may simply have coughed.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an STTFallback preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Transcribe implements stt.Provider.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(ctx context.Context, p stt.Provider) (*stt.Transcript, error) {
		return p.Transcribe(ctx, req)
	})
}
