package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/dialtone/internal/config"
	"github.com/MrWong99/dialtone/internal/resilience"
	"github.com/MrWong99/dialtone/pkg/provider/llm"
	llmmock "github.com/MrWong99/dialtone/pkg/provider/llm/mock"
	"github.com/MrWong99/dialtone/pkg/provider/stt"
	sttmock "github.com/MrWong99/dialtone/pkg/provider/stt/mock"
	"github.com/MrWong99/dialtone/pkg/provider/tts"
	ttsmock "github.com/MrWong99/dialtone/pkg/provider/tts/mock"
	"github.com/MrWong99/dialtone/pkg/provider/vad"
	vadmock "github.com/MrWong99/dialtone/pkg/provider/vad/mock"
)

func fakeRegistry() *config.Registry {
	reg := config.NewRegistry()
	for _, name := range []string{"primary", "backup"} {
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			return &llmmock.Provider{Content: e.Name + ":" + e.Model}, nil
		})
		reg.RegisterSTT(name, func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
		reg.RegisterTTS(name, func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	}
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) { return &vadmock.Engine{}, nil })
	return reg
}

func stage(name string, fallbacks ...config.ProviderEntry) config.StageConfig {
	return config.StageConfig{ProviderEntry: config.ProviderEntry{Name: name}, Fallbacks: fallbacks}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			LLM: stage("primary", config.ProviderEntry{Name: "backup"}),
			STT: stage("primary"),
			TTS: stage("primary", config.ProviderEntry{Name: "backup"}),
			VAD: config.ProviderEntry{Name: "energy"},
		},
	}
	ps, err := buildProviders(cfg, fakeRegistry())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}

	lf, ok := ps.LLM.(*resilience.LLMFallback)
	if !ok {
		t.Fatalf("LLM is %T, want *resilience.LLMFallback", ps.LLM)
	}
	if got := strings.Join(lf.Names(), ","); got != "primary,backup" {
		t.Errorf("llm names = %q", got)
	}
	if _, ok := ps.STT.(*resilience.STTFallback); !ok {
		t.Errorf("STT is %T, want *resilience.STTFallback", ps.STT)
	}
	if _, ok := ps.TTS.(*resilience.TTSFallback); !ok {
		t.Errorf("TTS is %T, want *resilience.TTSFallback", ps.TTS)
	}
	if ps.VAD == nil {
		t.Error("VAD not built")
	}

	resp, err := ps.LLM.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "primary:" {
		t.Errorf("Complete served by %q, want the primary", resp.Content)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     config.ProvidersConfig
		wantErr string
	}{
		{
			name:    "missing llm",
			cfg:     config.ProvidersConfig{STT: stage("primary"), TTS: stage("primary"), VAD: config.ProviderEntry{Name: "energy"}},
			wantErr: "providers.llm.name",
		},
		{
			name:    "unregistered fallback",
			cfg:     config.ProvidersConfig{LLM: stage("primary"), STT: stage("primary", config.ProviderEntry{Name: "nope"}), TTS: stage("primary"), VAD: config.ProviderEntry{Name: "energy"}},
			wantErr: `create stt provider "nope"`,
		},
		{
			name:    "unregistered vad",
			cfg:     config.ProvidersConfig{LLM: stage("primary"), STT: stage("primary"), TTS: stage("primary"), VAD: config.ProviderEntry{Name: "silero"}},
			wantErr: "vad",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := buildProviders(&config.Config{Providers: tc.cfg}, fakeRegistry())
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestCreateStage_DistinctNames(t *testing.T) {
	t.Parallel()

	st := stage("primary",
		config.ProviderEntry{Name: "primary", Model: "small"},
		config.ProviderEntry{Name: "primary"},
	)
	got, err := createStage("llm", st, fakeRegistry().CreateLLM)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, n := range got {
		names = append(names, n.name)
	}
	if want := "primary,primary/small,primary#3"; strings.Join(names, ",") != want {
		t.Errorf("names = %v, want %s", names, want)
	}
}

func TestCreateStage_FactoryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("bad key")
	create := func(config.ProviderEntry) (llm.Provider, error) { return nil, boom }
	if _, err := createStage("llm", stage("x"), create); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(context.Background(), reg)
	names := reg.Names()

	for kind, valid := range config.ValidProviderNames {
		for _, name := range valid {
			found := false
			for _, n := range names[kind] {
				if n == name {
					found = true
				}
			}
			if !found {
				t.Errorf("%s provider %q is accepted by config but not registered", kind, name)
			}
		}
	}

	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "energy", Options: map[string]any{"floor_dbfs": -60, "ceiling_dbfs": -20.5}}); err != nil {
		t.Errorf("CreateVAD(energy): %v", err)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "energy", Options: map[string]any{"floor_dbfs": 0, "ceiling_dbfs": -10}}); err == nil {
		t.Error("CreateVAD(energy) accepted floor above ceiling")
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()

	opts := map[string]any{
		"language": "de",
		"timeout":  "20s",
		"bad":      "soon",
		"int":      3,
		"float":    1.5,
	}
	if got := optString(opts, "language"); got != "de" {
		t.Errorf("optString = %q", got)
	}
	if got := optString(opts, "int"); got != "" {
		t.Errorf("optString(non-string) = %q", got)
	}
	if got := optString(nil, "x"); got != "" {
		t.Errorf("optString(nil) = %q", got)
	}
	if got := optDuration(opts, "timeout"); got != 20*time.Second {
		t.Errorf("optDuration = %v", got)
	}
	if got := optDuration(opts, "bad"); got != 0 {
		t.Errorf("optDuration(invalid) = %v", got)
	}
	if v, ok := optFloat(opts, "int"); !ok || v != 3 {
		t.Errorf("optFloat(int) = %v, %v", v, ok)
	}
	if v, ok := optFloat(opts, "float"); !ok || v != 1.5 {
		t.Errorf("optFloat(float) = %v, %v", v, ok)
	}
	if _, ok := optFloat(opts, "language"); ok {
		t.Error("optFloat(string) ok = true")
	}
}

func TestFallbackConfig(t *testing.T) {
	t.Parallel()
	st := stage("primary")
	st.AttemptTimeout = 4 * time.Second
	st.Breaker = config.BreakerConfig{MaxFailures: 3, ResetTimeout: 20 * time.Second, HalfOpenMax: 2}

	fc := fallbackConfig("stt", st)
	if fc.Kind != "stt" || fc.AttemptTimeout != 4*time.Second {
		t.Errorf("kind=%q attempt timeout=%v", fc.Kind, fc.AttemptTimeout)
	}
	cb := fc.CircuitBreaker
	if cb.MaxFailures != 3 || cb.ResetTimeout != 20*time.Second || cb.HalfOpenMax != 2 {
		t.Errorf("breaker = %+v", cb)
	}
	if cb.OnTransition == nil {
		t.Fatal("OnTransition not set")
	}
	cb.OnTransition("stt/primary", resilience.StateClosed, resilience.StateOpen)
}
