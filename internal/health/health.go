// Package health serves the liveness and readiness probes of the call server.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz tells a
// load balancer whether to route new calls here: it answers 503 while the
// server drains, when it already carries its maximum number of calls, or when
// a required dependency check fails. A failing optional check (conversation
// history, say) only marks the server "degraded"; calls still work without it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Readiness states reported in the "status" field.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
	StatusFull     = "full"
	StatusDraining = "draining"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 5 * time.Second

// Checker probes one dependency.
type Checker struct {
	// Name keys the result in the "checks" map.
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional checks degrade readiness instead of failing it.
	Optional bool
}

type report struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks,omitempty"`
	ActiveCalls *int              `json:"active_calls,omitempty"`
	MaxCalls    int               `json:"max_calls,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	calls    func() int
	maxCalls int
	draining atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithActiveCalls reports fn's value as "active_calls" on /readyz.
func WithActiveCalls(fn func() int) Option {
	return func(h *Handler) { h.calls = fn }
}

// WithCapacity makes /readyz answer "full" once WithActiveCalls reports max
// or more calls. Zero disables the limit.
func WithCapacity(max int) Option {
	return func(h *Handler) { h.maxCalls = max }
}

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New returns a Handler running checkers concurrently on every /readyz.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...), timeout: DefaultCheckTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining flips readiness to "draining". Calls already connected are
// unaffected.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, failed, degraded := h.runChecks(r.Context())

	rep := report{Status: StatusOK, Checks: checks, MaxCalls: h.maxCalls}
	active := -1
	if h.calls != nil {
		active = h.calls()
		rep.ActiveCalls = &active
	}

	code := http.StatusServiceUnavailable
	switch {
	case h.draining.Load():
		rep.Status = StatusDraining
	case failed:
		rep.Status = StatusFail
	case h.maxCalls > 0 && active >= h.maxCalls:
		rep.Status = StatusFull
	case degraded:
		rep.Status = StatusDegraded
		code = http.StatusOK
	default:
		code = http.StatusOK
	}
	writeJSON(w, code, rep)
}

// runChecks reports each checker's outcome and whether any required or
// optional check failed.
func (h *Handler) runChecks(ctx context.Context) (results map[string]string, failed, degraded bool) {
	var mu sync.Mutex
	results = make(map[string]string, len(h.checkers))

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				results[c.Name] = StatusOK
			case c.Optional:
				results[c.Name] = StatusDegraded + ": " + err.Error()
				degraded = true
			default:
				results[c.Name] = StatusFail + ": " + err.Error()
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, failed, degraded
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
