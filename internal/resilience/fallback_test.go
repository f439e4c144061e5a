package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func newGroup(cfg FallbackConfig, names ...string) *FallbackGroup[string] {
	fg := NewFallbackGroup(names[0], names[0], cfg)
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		failing   []string
		wantCalls []string
		wantErr   error
	}{
		{name: "primary ok", wantCalls: []string{"primary"}},
		{name: "primary fails", failing: []string{"primary"}, wantCalls: []string{"primary", "secondary"}},
		{name: "all fail", failing: []string{"primary", "secondary"}, wantCalls: []string{"primary", "secondary"}, wantErr: ErrAllFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fg := newGroup(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}}, "primary", "secondary")
			var calls []string
			err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
				calls = append(calls, v)
				if slices.Contains(tc.failing, v) {
					return errTest
				}
				return nil
			})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil && !errors.Is(err, errTest) {
				t.Errorf("err = %v, want the last provider error wrapped", err)
			}
			if !slices.Equal(calls, tc.wantCalls) {
				t.Errorf("calls = %v, want %v", calls, tc.wantCalls)
			}
		})
	}
}

func TestFallbackGroup_OpenBreakerIsSkipped(t *testing.T) {
	t.Parallel()

	fg := newGroup(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}}, "primary", "secondary")
	flaky := func(_ context.Context, v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	}
	_ = fg.Execute(context.Background(), flaky)
	_ = fg.Execute(context.Background(), flaky)

	var called []string
	if err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(called, []string{"secondary"}) {
		t.Errorf("called = %v, want only secondary", called)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v * 2, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 40 {
		t.Errorf("result = %d, want 40 from the fallback", got)
	}
}

func TestFallbackGroup_AttemptTimeout(t *testing.T) {
	t.Parallel()

	fg := newGroup(FallbackConfig{AttemptTimeout: 20 * time.Millisecond}, "hung", "fast")
	var served string
	err := fg.Execute(context.Background(), func(ctx context.Context, v string) error {
		if v == "hung" {
			<-ctx.Done()
			return ctx.Err()
		}
		served = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "fast" {
		t.Errorf("served by %q, want fast", served)
	}
}

func TestFallbackGroup_Cancellation(t *testing.T) {
	t.Parallel()

	t.Run("during attempt", func(t *testing.T) {
		t.Parallel()

		fg := newGroup(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}}, "primary", "secondary")
		var calls []string
		err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
			calls = append(calls, v)
			return context.Canceled
		})
		if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want bare context.Canceled", err)
		}
		if len(calls) != 1 {
			t.Errorf("calls = %v, want only the primary", calls)
		}
		if st := fg.States()["primary"]; st != StateClosed {
			t.Errorf("primary state = %v, want closed", st)
		}
	})

	t.Run("before start", func(t *testing.T) {
		t.Parallel()

		fg := newGroup(FallbackConfig{}, "primary")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		err := fg.Execute(ctx, func(context.Context, string) error {
			called = true
			return nil
		})
		if !errors.Is(err, context.Canceled) || called {
			t.Fatalf("err = %v called = %v", err, called)
		}
	})
}

func TestFallbackGroup_HealthAndNames(t *testing.T) {
	t.Parallel()

	var opened []string
	fg := newGroup(FallbackConfig{
		Kind: "tts",
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Hour,
			OnTransition: func(name string, _, to State) {
				if to == StateOpen {
					opened = append(opened, name)
				}
			},
		},
	}, "elevenlabs", "coqui")

	if got := fg.Names(); !slices.Equal(got, []string{"elevenlabs", "coqui"}) {
		t.Fatalf("Names() = %v", got)
	}
	if !fg.Healthy() {
		t.Fatal("fresh group should be healthy")
	}

	_ = fg.Execute(context.Background(), func(context.Context, string) error { return errTest })
	if fg.Healthy() {
		t.Errorf("group with every breaker open reported healthy: %v", fg.States())
	}
	if want := []string{"tts/elevenlabs", "tts/coqui"}; !slices.Equal(opened, want) {
		t.Errorf("opened breakers = %v, want %v", opened, want)
	}
}
