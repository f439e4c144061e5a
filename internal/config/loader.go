package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "gemini-native", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper", "openai"},
	"tts": {"elevenlabs", "coqui", "openai"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("server.max_calls %d must not be negative", cfg.Server.MaxCalls))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	for kind, stage := range map[string]StageConfig{
		"llm": cfg.Providers.LLM,
		"stt": cfg.Providers.STT,
		"tts": cfg.Providers.TTS,
	} {
		if stage.Name == "" {
			if len(cfg.Agents) > 0 {
				errs = append(errs, fmt.Errorf("providers.%s.name is required when agents are configured", kind))
			}
			if len(stage.Fallbacks) > 0 {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks set without a primary provider", kind))
			}
		}
		for i, e := range stage.Entries() {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i-1))
				continue
			}
			validateProviderName(kind, e.Name)
		}
		b := stage.Breaker
		if stage.AttemptTimeout < 0 || b.MaxFailures < 0 || b.ResetTimeout < 0 || b.HalfOpenMax < 0 {
			errs = append(errs, fmt.Errorf("providers.%s: attempt_timeout and breaker settings must not be negative", kind))
		}
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Pipeline
	p := cfg.Pipeline
	if p.VADThreshold < 0 || p.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.vad_threshold %.2f is out of range [0, 1]", p.VADThreshold))
	}
	for name, d := range map[string]int64{
		"silence_duration": int64(p.SilenceDuration),
		"max_utterance":    int64(p.MaxUtterance),
		"confirm_window":   int64(p.ConfirmWindow),
		"stt_timeout":      int64(p.STTTimeout),
		"llm_timeout":      int64(p.LLMTimeout),
		"tts_timeout":      int64(p.TTSTimeout),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must not be negative", name))
		}
	}
	if p.MaxUtterance > 0 && p.SilenceDuration >= p.MaxUtterance {
		errs = append(errs, fmt.Errorf("pipeline.silence_duration %v must be shorter than max_utterance %v", p.SilenceDuration, p.MaxUtterance))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", p.Temperature))
	}

	// History availability
	if cfg.History.PostgresDSN == "" && len(cfg.Agents) > 0 {
		slog.Warn("history.postgres_dsn is empty; conversation history is kept in memory only")
	}

	// Agents
	idsSeen := make(map[string]int, len(cfg.Agents))
	numbersSeen := make(map[string]string)
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[a.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, a.ID, prev))
			}
			idsSeen[a.ID] = i
		}
		if len(a.PhoneNumbers) == 0 {
			errs = append(errs, fmt.Errorf("%s.phone_numbers must list at least one number", prefix))
		}
		for _, n := range a.PhoneNumbers {
			if owner, ok := numbersSeen[n]; ok {
				errs = append(errs, fmt.Errorf("%s: phone number %q is already routed to agent %q", prefix, n, owner))
				continue
			}
			numbersSeen[n] = a.ID
		}
		if a.SystemPrompt == "" {
			errs = append(errs, fmt.Errorf("%s.system_prompt is required", prefix))
		}
		if a.Voice.SpeedFactor != 0 {
			if a.Voice.SpeedFactor < 0.5 || a.Voice.SpeedFactor > 2.0 {
				errs = append(errs, fmt.Errorf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", prefix, a.Voice.SpeedFactor))
			}
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
