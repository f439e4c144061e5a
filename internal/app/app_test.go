package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/dialtone/internal/app"
	"github.com/MrWong99/dialtone/internal/config"
	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/internal/resilience"
	historymock "github.com/MrWong99/dialtone/pkg/history/mock"
	llmmock "github.com/MrWong99/dialtone/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/dialtone/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/dialtone/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/dialtone/pkg/provider/vad/mock"
)

const bakeryNumber = "+15550001000"

// testConfig returns a minimal config with one agent that greets callers.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Providers: config.ProvidersConfig{
			LLM: config.StageConfig{ProviderEntry: config.ProviderEntry{Name: "openai"}},
			STT: config.StageConfig{ProviderEntry: config.ProviderEntry{Name: "deepgram"}},
			TTS: config.StageConfig{ProviderEntry: config.ProviderEntry{Name: "elevenlabs"}},
		},
		Agents: []config.AgentConfig{
			{
				ID:           "bakery",
				PhoneNumbers: []string{bakeryNumber},
				SystemPrompt: "You take bread orders.",
				Greeting:     "Thanks for calling the bakery.",
				Language:     "en-US",
				Voice:        config.VoiceConfig{VoiceID: "rachel"},
			},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns mock providers. The LLM is wrapped in a fallback
// group so readiness reports on it.
func testProviders() *app.Providers {
	return &app.Providers{
		STT: &sttmock.Provider{Text: "two baguettes please"},
		LLM: resilience.NewLLMFallback(&llmmock.Provider{Content: "Coming right up."}, "openai", resilience.FallbackConfig{}),
		TTS: &ttsmock.Provider{Duration: 60 * time.Millisecond},
		VAD: &vadmock.Engine{},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithHistoryStore(&historymock.Store{ConversationID: "conv-1"}),
		app.WithMetrics(testMetrics(t)),
	}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_MissingProviders(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(p *app.Providers)
		wantErr string
	}{
		{"stt", func(p *app.Providers) { p.STT = nil }, "stt provider"},
		{"llm", func(p *app.Providers) { p.LLM = nil }, "llm provider"},
		{"tts", func(p *app.Providers) { p.TTS = nil }, "tts provider"},
		{"vad", func(p *app.Providers) { p.VAD = nil }, "vad engine"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := testProviders()
			tc.mutate(p)
			_, err := app.New(context.Background(), testConfig(), p)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("New() err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}

	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Error("New(nil providers) returned nil error")
	}
}

func TestNew_InMemoryHistoryWithoutDSN(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestHandler_HealthEndpoints(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status      string            `json:"status"`
		Checks      map[string]string `json:"checks"`
		ActiveCalls *int              `json:"active_calls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["llm"] != "ok" {
		t.Errorf("checks = %v, want llm ok", body.Checks)
	}
	if _, ok := body.Checks["stt"]; ok {
		t.Error("stt has no health reporter and should not be checked")
	}
	if body.ActiveCalls == nil || *body.ActiveCalls != 0 {
		t.Errorf("active_calls = %v, want 0", body.ActiveCalls)
	}
}

// twilioEvent is the subset of a Media Streams message the tests inspect.
type twilioEvent struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     *struct {
		Payload string `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
}

func dialMedia(t *testing.T, srv *httptest.Server, to string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + config.DefaultMediaPath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	msgs := []map[string]any{
		{"event": "connected", "protocol": "Call", "version": "1.0.0"},
		{
			"event":     "start",
			"streamSid": "MZ1",
			"start": map[string]any{
				"streamSid":        "MZ1",
				"callSid":          "CA1",
				"tracks":           []string{"inbound"},
				"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
				"customParameters": map[string]string{"To": to, "From": "+15559990000"},
			},
		},
	}
	for _, m := range msgs {
		if err := ws.WriteJSON(m); err != nil {
			t.Fatalf("write %v: %v", m["event"], err)
		}
	}
	return ws
}

func TestCall_GreetingEndToEnd(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ws := dialMedia(t, srv, bakeryNumber)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var media int
	for {
		var ev twilioEvent
		if err := ws.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v (after %d media frames)", err, media)
		}
		if ev.StreamSID != "MZ1" {
			t.Errorf("streamSid = %q, want MZ1", ev.StreamSID)
		}
		if ev.Event == "media" {
			media++
			continue
		}
		if ev.Event == "mark" {
			if ev.Mark == nil || ev.Mark.Name != "turn-1" {
				t.Errorf("mark = %+v, want turn-1", ev.Mark)
			}
			break
		}
	}
	if media == 0 {
		t.Fatal("greeting produced no media frames")
	}
	if got := a.Registry().Len(); got != 1 {
		t.Errorf("Registry().Len() = %d during call, want 1", got)
	}

	if err := ws.WriteJSON(map[string]any{"event": "stop", "streamSid": "MZ1"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("call still registered after stop")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCall_UnknownNumberRejected(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ws := dialMedia(t, srv, "+15550009999")
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected the stream to be closed for an unrouted number")
	}
	if got := a.Registry().Len(); got != 0 {
		t.Errorf("Registry().Len() = %d, want 0", got)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	lv := new(slog.LevelVar)
	old := testConfig()
	a := newTestApp(t, old, app.WithLogLevel(lv))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Server.ListenAddr = ":9999"
	next.Agents[0].PhoneNumbers = []string{"+15550001111"}
	next.Pipeline.FallbackPhrase = "Sorry?"

	a.ApplyConfig(old, next)

	cur := a.Config()
	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	if cur.Server.ListenAddr != old.Server.ListenAddr {
		t.Errorf("listen addr changed to %q without a restart", cur.Server.ListenAddr)
	}
	if _, ok := cur.AgentFor("+15550001111"); !ok {
		t.Error("new agent number not routed after reload")
	}
	if _, ok := cur.AgentFor(bakeryNumber); ok {
		t.Error("old agent number still routed after reload")
	}
	if cur.Pipeline.FallbackPhrase != "Sorry?" {
		t.Errorf("pipeline not reloaded: %+v", cur.Pipeline)
	}
}

func TestShutdown_DrainsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	h := a.Handler()

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz after shutdown = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "draining") {
		t.Errorf("/readyz body = %s, want draining", rec.Body.String())
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("cancel", func(t *testing.T) {
		t.Parallel()
		a := newTestApp(t, testConfig())
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- a.Run(ctx) }()
		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run() = %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})

	t.Run("listen error", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Server.ListenAddr = "127.0.0.1:-1"
		a := newTestApp(t, cfg)
		if err := a.Run(context.Background()); err == nil {
			t.Fatal("Run() returned nil for an invalid address")
		}
	})
}
