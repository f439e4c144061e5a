package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result, either because each one failed or because its breaker was open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig tunes a [FallbackGroup].
type FallbackConfig struct {
	// Kind prefixes breaker names, e.g. "llm" gives "llm/openai".
	Kind string

	// AttemptTimeout bounds each entry's attempt so a hung backend still
	// leaves time for the next one. Zero means only the caller's context
	// applies.
	AttemptTimeout time.Duration

	// CircuitBreaker is the template for every entry's breaker. Its Name is
	// overwritten per entry.
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own [CircuitBreaker]. The first entry is the primary.
//
// Entries must all be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	entries []fallbackEntry[T]
}

// NewFallbackGroup returns a group whose primary is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all existing ones.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	if fg.cfg.Kind != "" {
		bc.Name = fg.cfg.Kind + "/" + name
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Names returns the entry names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, 0, len(fg.entries))
	for _, e := range fg.entries {
		out = append(out, e.name)
	}
	return out
}

// States maps each entry name to its breaker state.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Healthy reports whether any entry would accept a call right now.
func (fg *FallbackGroup[T]) Healthy() bool {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute is [ExecuteWithResult] for calls without a result value.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult calls fn on each entry in order and returns the first
// success. Entries with an open breaker are skipped. fn receives a context
// bounded by AttemptTimeout and must use it for the backend call.
//
// Once ctx is done nothing further is tried and ctx's error is returned. If
// every entry fails the result wraps both [ErrAllFailed] and the last error.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		e := &fg.entries[i]

		var res R
		err := e.breaker.Execute(func() error {
			actx, cancel := fg.attemptContext(ctx)
			defer cancel()
			var err error
			res, err = fn(actx, e.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				slog.Debug("served by fallback", "kind", fg.cfg.Kind, "provider", e.name)
			}
			return res, nil
		case ctx.Err() != nil:
			return zero, ctx.Err()
		case errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("provider skipped, circuit open", "kind", fg.cfg.Kind, "provider", e.name)
		default:
			slog.Warn("provider failed, trying next", "kind", fg.cfg.Kind, "provider", e.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (fg *FallbackGroup[T]) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if fg.cfg.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, fg.cfg.AttemptTimeout)
	}
	return ctx, func() {}
}
