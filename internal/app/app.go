// Package app wires all dialtone subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// drains calls and tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/dialtone/internal/call"
	"github.com/MrWong99/dialtone/internal/config"
	"github.com/MrWong99/dialtone/internal/health"
	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/internal/transport/twilio"
	"github.com/MrWong99/dialtone/pkg/history"
	"github.com/MrWong99/dialtone/pkg/history/memstore"
	"github.com/MrWong99/dialtone/pkg/history/postgres"
	"github.com/MrWong99/dialtone/pkg/provider/llm"
	"github.com/MrWong99/dialtone/pkg/provider/stt"
	"github.com/MrWong99/dialtone/pkg/provider/tts"
	"github.com/MrWong99/dialtone/pkg/provider/vad"
)

// Providers holds one interface value per pipeline stage. Populated by
// main.go via the config registry, usually wrapped in resilience fallbacks.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// healthReporter is implemented by provider wrappers that track the health
// of their backends, such as the resilience fallback groups.
type healthReporter interface {
	Healthy() bool
}

// pinger is implemented by history stores backed by a remote database.
type pinger interface {
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes and serves the call pipeline.
type App struct {
	cfg            atomic.Pointer[config.Config]
	providers      *Providers
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	// Subsystems: initialised in New, torn down in Shutdown.
	history  history.Store
	registry *call.Registry
	pipeline *call.Pipeline
	handler  *call.Handler
	media    *twilio.Server
	health   *health.Handler
	httpSrv  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from
// config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.ApplyConfig] change the log level at runtime.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Every provider slot
// must be set.
//
// New performs all initialisation synchronously: history store connection
// and migration, pipeline and call handler construction, media stream
// server and HTTP routes.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := checkProviders(providers); err != nil {
		return nil, err
	}
	a := &App{providers: providers}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Turn pipeline ─────────────────────────────────────────────────
	a.pipeline = call.NewPipeline(providers.STT, providers.LLM, providers.TTS,
		call.WithHistory(a.history),
		call.WithPipelineConfig(pipelineConfig(cfg.Pipeline)),
		call.WithMetrics(a.metrics),
		call.WithProviderNames(cfg.Providers.STT.Name, cfg.Providers.LLM.Name, cfg.Providers.TTS.Name),
	)

	// ── 3. Call handler ──────────────────────────────────────────────────
	a.registry = call.NewRegistry()
	a.handler = call.NewHandler(a.registry, a.pipeline, providers.VAD,
		call.WithHandlerConfig(handlerConfig(cfg.Pipeline)),
		call.WithConversations(a.history),
		call.WithHandlerMetrics(a.metrics),
	)

	// ── 4. Media stream server ───────────────────────────────────────────
	a.media = twilio.NewServer(a.handler, a.lookupAgent,
		twilio.WithMaxCalls(int64(cfg.Server.MaxCalls)),
		twilio.WithStartTimeout(cfg.Server.StartTimeout),
	)

	// ── 5. Health ────────────────────────────────────────────────────────
	a.health = health.New(a.checkers(),
		health.WithActiveCalls(a.registry.Len),
		health.WithCapacity(cfg.Server.MaxCalls),
	)

	// ── 6. HTTP server ───────────────────────────────────────────────────
	a.httpSrv = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: a.Handler(),
	}

	return a, nil
}

func checkProviders(p *Providers) error {
	if p == nil {
		return errors.New("app: providers are required")
	}
	var errs []error
	if p.STT == nil {
		errs = append(errs, errors.New("app: stt provider is required"))
	}
	if p.LLM == nil {
		errs = append(errs, errors.New("app: llm provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("app: tts provider is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("app: vad engine is required"))
	}
	return errors.Join(errs...)
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory connects to PostgreSQL when a DSN is configured and falls back
// to an in-memory store otherwise.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}

	dsn := a.cfg.Load().History.PostgresDSN
	if dsn == "" {
		slog.Warn("no history.postgres_dsn configured, conversation history is kept in memory")
		a.history = memstore.New()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.history = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// checkers returns the readiness checks for the history store and every
// provider that reports its own health.
func (a *App) checkers() []health.Checker {
	var checks []health.Checker
	if p, ok := a.history.(pinger); ok {
		checks = append(checks, health.Checker{Name: "history", Check: p.Ping, Optional: true})
	}
	stages := []struct {
		name string
		p    any
	}{
		{"stt", a.providers.STT},
		{"llm", a.providers.LLM},
		{"tts", a.providers.TTS},
	}
	for _, s := range stages {
		hr, ok := s.p.(healthReporter)
		if !ok {
			continue
		}
		checks = append(checks, health.Checker{
			Name: s.name,
			Check: func(context.Context) error {
				if !hr.Healthy() {
					return fmt.Errorf("all %s providers unavailable", s.name)
				}
				return nil
			},
		})
	}
	return checks
}

// lookupAgent resolves the agent for a dialled number against the current
// config, so agent edits apply to the next call without a restart.
func (a *App) lookupAgent(to string) (call.Agent, bool) {
	ac, ok := a.cfg.Load().AgentFor(to)
	if !ok {
		return call.Agent{}, false
	}
	return callAgent(ac), true
}

func callAgent(ac config.AgentConfig) call.Agent {
	return call.Agent{
		ID:           ac.ID,
		SystemPrompt: ac.SystemPrompt,
		Greeting:     ac.Greeting,
		Language:     ac.Language,
		Voice: tts.Voice{
			ID:          ac.Voice.VoiceID,
			Language:    ac.Language,
			SpeedFactor: ac.Voice.SpeedFactor,
		},
	}
}

func pipelineConfig(pc config.PipelineConfig) call.PipelineConfig {
	return call.PipelineConfig{
		STTTimeout:     pc.STTTimeout,
		LLMTimeout:     pc.LLMTimeout,
		TTSTimeout:     pc.TTSTimeout,
		HistoryLimit:   pc.HistoryLimit,
		FallbackPhrase: pc.FallbackPhrase,
		Temperature:    pc.Temperature,
		MaxTokens:      pc.MaxTokens,
	}
}

func handlerConfig(pc config.PipelineConfig) call.HandlerConfig {
	cfg := call.DefaultHandlerConfig()
	cfg.Segmenter = call.SegmenterConfig{
		Threshold:       pc.VADThreshold,
		SilenceDuration: pc.SilenceDuration,
		MaxUtterance:    pc.MaxUtterance,
		MinUtterance:    pc.MinUtterance,
	}
	if pc.ConfirmWindow > 0 {
		cfg.ConfirmWindow = pc.ConfirmWindow
	}
	cfg.ClearOnBargeIn = pc.ClearOnBargeInOrDefault()
	return cfg
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the media stream endpoint,
// /metrics, /healthz and /readyz, wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Load().Server.MediaPath, a.media)
	mh := a.metricsHandler
	if mh == nil {
		mh = observe.MetricsHandler()
	}
	mux.Handle("GET /metrics", mh)
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// Registry returns the live call registry.
func (a *App) Registry() *call.Registry { return a.registry }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the listen address and serves HTTP until ctx is cancelled or the
// server fails. It returns ctx.Err() on cancellation; the server keeps
// serving until [App.Shutdown] is called so in-flight calls can drain.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.httpSrv.Serve(ln)
	}()

	slog.Info("app running",
		"addr", ln.Addr().String(),
		"media_path", cfg.Server.MediaPath,
		"agents", len(cfg.Agents),
		"tls", cfg.Server.TLS != nil,
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of newCfg: agents, pipeline
// tuning and log level. Calls in progress keep their settings; the next call
// picks up the change. Sections that need a restart are logged and ignored.
// Its signature matches the [config.Watcher] callback.
func (a *App) ApplyConfig(old, newCfg *config.Config) {
	d := config.Diff(old, newCfg)
	for _, section := range d.RestartRequired {
		slog.Warn("config change requires restart, ignoring", "section", section)
	}

	// Keep the running server and provider settings; only swap the rest.
	next := *a.cfg.Load()
	next.Agents = newCfg.Agents
	next.Pipeline = newCfg.Pipeline
	next.Server.LogLevel = newCfg.Server.LogLevel

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		a.pipeline.UpdateConfig(pipelineConfig(newCfg.Pipeline))
		a.handler.UpdateConfig(handlerConfig(newCfg.Pipeline))
		slog.Info("pipeline config reloaded")
	}
	for _, ch := range d.AgentChanges {
		slog.Info("agent config reloaded",
			"agent", ch.ID,
			"added", ch.Added,
			"removed", ch.Removed,
			"prompt", ch.PromptChanged,
			"greeting", ch.GreetingChange,
			"voice", ch.VoiceChanged,
			"numbers", ch.NumbersChanged,
		)
	}
	a.cfg.Store(&next)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown gracefully tears down all subsystems. It marks the server as
// draining, waits for active calls until ctx expires, stops the HTTP server
// and closes the history store. Safe to call more than once; later calls
// return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.registry.Len())
		a.health.SetDraining(true)

		var errs []error
		if err := a.media.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: drain calls: %w", err))
		}
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		a.registry.Close()

		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return a.stopErr
}
