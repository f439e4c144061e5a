// Command dialtone is the main entry point for the dialtone phone agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/dialtone/internal/app"
	"github.com/MrWong99/dialtone/internal/config"
	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/internal/resilience"
	"github.com/MrWong99/dialtone/pkg/provider/llm"
	"github.com/MrWong99/dialtone/pkg/provider/llm/anyllm"
	"github.com/MrWong99/dialtone/pkg/provider/llm/gemini"
	oallm "github.com/MrWong99/dialtone/pkg/provider/llm/openai"
	"github.com/MrWong99/dialtone/pkg/provider/stt"
	"github.com/MrWong99/dialtone/pkg/provider/stt/deepgram"
	oastt "github.com/MrWong99/dialtone/pkg/provider/stt/openai"
	"github.com/MrWong99/dialtone/pkg/provider/stt/whisper"
	"github.com/MrWong99/dialtone/pkg/provider/tts"
	"github.com/MrWong99/dialtone/pkg/provider/tts/coqui"
	"github.com/MrWong99/dialtone/pkg/provider/tts/elevenlabs"
	oatts "github.com/MrWong99/dialtone/pkg/provider/tts/openai"
	"github.com/MrWong99/dialtone/pkg/provider/vad"
	"github.com/MrWong99/dialtone/pkg/provider/vad/energy"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds how long active calls may drain on shutdown.
const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload agents and pipeline settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dialtone: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dialtone: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(level))

	slog.Info("dialtone starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)
	if err := reg.Check(cfg); err != nil {
		slog.Error("unknown providers in config", "err", err)
		return 1
	}

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(level),
		app.WithMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, draining calls…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup forces a config reload whenever the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := w.Reload(ctx); err != nil {
				slog.Warn("config reload on SIGHUP failed", "err", err)
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range anyllm.Backends() {
		// openai is served by the native client below.
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// openai talks to the Chat Completions API directly so the timeout and
	// organization can be set per entry.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("gemini-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if project := optString(entry.Options, "vertex_project"); project != "" {
			opts = append(opts, gemini.WithVertexAI(project, optString(entry.Options, "vertex_location")))
		}
		return gemini.New(ctx, entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if v, ok := optFloat(entry.Options, "no_speech_threshold"); ok {
			opts = append(opts, whisper.WithNoSpeechThreshold(v))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oastt.WithTimeout(d))
		}
		return oastt.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		stability, okS := optFloat(entry.Options, "stability")
		similarity, okB := optFloat(entry.Options, "similarity_boost")
		if okS || okB {
			if !okS {
				stability = 0.5
			}
			if !okB {
				similarity = 0.75
			}
			opts = append(opts, elevenlabs.WithVoiceSettings(stability, similarity))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.Model != "" {
			opts = append(opts, oatts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oatts.WithTimeout(d))
		}
		return oatts.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		floor, ceiling := energy.DefaultFloorDBFS, energy.DefaultCeilingDBFS
		if v, ok := optFloat(entry.Options, "floor_dbfs"); ok {
			floor = v
		}
		if v, ok := optFloat(entry.Options, "ceiling_dbfs"); ok {
			ceiling = v
		}
		return energy.New(energy.WithRange(floor, ceiling))
	})

	// Debug log of all registered providers.
	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// namedProvider pairs a constructed provider with its breaker name.
type namedProvider[P any] struct {
	name string
	p    P
}

// createStage instantiates the primary and every fallback of a stage. Entry
// names are suffixed with the model when a provider appears more than once,
// so each circuit breaker gets a distinct label.
func createStage[P any](kind string, stage config.StageConfig, create func(config.ProviderEntry) (P, error)) ([]namedProvider[P], error) {
	entries := stage.Entries()
	if len(entries) == 0 {
		return nil, fmt.Errorf("providers.%s.name is not set", kind)
	}
	seen := make(map[string]int, len(entries))
	out := make([]namedProvider[P], 0, len(entries))
	for _, e := range entries {
		p, err := create(e)
		if err != nil {
			return nil, fmt.Errorf("create %s provider %q: %w", kind, e.Name, err)
		}
		name := e.Name
		if seen[e.Name] > 0 {
			name = fmt.Sprintf("%s#%d", e.Name, seen[e.Name]+1)
			if e.Model != "" {
				name = e.Name + "/" + e.Model
			}
		}
		seen[e.Name]++
		out = append(out, namedProvider[P]{name: name, p: p})
		slog.Info("provider created", "kind", kind, "name", name, "model", e.Model)
	}
	return out, nil
}

// buildProviders instantiates all providers named in cfg using the registry
// and wraps every stage in a circuit-breaking fallback group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	llms, err := createStage("llm", cfg.Providers.LLM, reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	lf := resilience.NewLLMFallback(llms[0].p, llms[0].name, fallbackConfig("llm", cfg.Providers.LLM))
	for _, n := range llms[1:] {
		lf.AddFallback(n.name, n.p)
	}

	stts, err := createStage("stt", cfg.Providers.STT, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	sf := resilience.NewSTTFallback(stts[0].p, stts[0].name, fallbackConfig("stt", cfg.Providers.STT))
	for _, n := range stts[1:] {
		sf.AddFallback(n.name, n.p)
	}

	ttss, err := createStage("tts", cfg.Providers.TTS, reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	tf := resilience.NewTTSFallback(ttss[0].p, ttss[0].name, fallbackConfig("tts", cfg.Providers.TTS))
	for _, n := range ttss[1:] {
		tf.AddFallback(n.name, n.p)
	}

	v, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", cfg.Providers.VAD.Name, err)
	}

	return &app.Providers{STT: sf, LLM: lf, TTS: tf, VAD: v}, nil
}

// fallbackConfig maps a stage's breaker settings and reports every breaker
// transition as a metric.
func fallbackConfig(kind string, st config.StageConfig) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		Kind:           kind,
		AttemptTimeout: st.AttemptTimeout,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  st.Breaker.MaxFailures,
			ResetTimeout: st.Breaker.ResetTimeout,
			HalfOpenMax:  st.Breaker.HalfOpenMax,
			OnTransition: func(name string, _, to resilience.State) {
				observe.DefaultMetrics().RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        dialtone: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM)
	printProvider("STT", cfg.Providers.STT)
	printProvider("TTS", cfg.Providers.TTS)
	printProvider("VAD", config.StageConfig{ProviderEntry: cfg.Providers.VAD})
	history := "(in memory)"
	if cfg.History.PostgresDSN != "" {
		history = "postgres"
	}
	fmt.Printf("║  History         : %-19s ║\n", history)
	fmt.Printf("║  Agents          : %-19d ║\n", len(cfg.Agents))
	fmt.Printf("║  Max calls       : %-19d ║\n", cfg.Server.MaxCalls)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  Media path      : %-19s ║\n", cfg.Server.MediaPath)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, stage config.StageConfig) {
	value := stage.Name
	switch {
	case value == "":
		value = "(not configured)"
	case stage.Model != "":
		value = stage.Name + " / " + stage.Model
	}
	if n := len(stage.Fallbacks); n > 0 {
		value = fmt.Sprintf("%s +%d", value, n)
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration option such as "20s". Invalid or missing
// values return 0.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}

// optFloat extracts a numeric option. YAML decodes integers as int and
// decimals as float64; both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
