package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/dialtone/internal/config"
)

const providersYAML = `
providers:
  llm:
    name: openai
  stt:
    name: deepgram
  tts:
    name: elevenlabs
`

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		yaml    string
		wantErr []string // substrings; empty means valid
	}{
		{
			name: "valid agent",
			yaml: providersYAML + `
agents:
  - id: bakery
    phone_numbers: ["+15550001000"]
    system_prompt: You take orders.
`,
		},
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\n",
			wantErr: []string{"log_level"},
		},
		{
			name:    "negative max calls",
			yaml:    "server:\n  max_calls: -1\n",
			wantErr: []string{"max_calls"},
		},
		{
			name:    "tls without key",
			yaml:    "server:\n  tls:\n    cert_file: /etc/cert.pem\n",
			wantErr: []string{"key_file"},
		},
		{
			name: "agents need providers",
			yaml: `
agents:
  - id: bakery
    phone_numbers: ["+15550001000"]
    system_prompt: You take orders.
`,
			wantErr: []string{"providers.llm.name", "providers.stt.name", "providers.tts.name"},
		},
		{
			name: "fallbacks without primary",
			yaml: `
providers:
  tts:
    fallbacks:
      - name: coqui
`,
			wantErr: []string{"providers.tts.fallbacks"},
		},
		{
			name: "negative breaker settings",
			yaml: `
providers:
  llm:
    name: openai
    attempt_timeout: -1s
    breaker:
      max_failures: -2
`,
			wantErr: []string{"providers.llm: attempt_timeout and breaker"},
		},
		{
			name: "breaker settings",
			yaml: `
providers:
  llm:
    name: openai
    attempt_timeout: 4s
    breaker:
      max_failures: 3
      reset_timeout: 20s
      half_open_max: 1
`,
		},
		{
			name: "unnamed fallback",
			yaml: `
providers:
  stt:
    name: deepgram
    fallbacks:
      - model: whisper-1
`,
			wantErr: []string{"providers.stt.fallbacks[0].name"},
		},
		{
			name: "duplicate agent ids",
			yaml: providersYAML + `
agents:
  - id: bakery
    phone_numbers: ["+15550001000"]
    system_prompt: a
  - id: bakery
    phone_numbers: ["+15550001001"]
    system_prompt: b
`,
			wantErr: []string{"duplicate"},
		},
		{
			name: "number routed twice",
			yaml: providersYAML + `
agents:
  - id: bakery
    phone_numbers: ["+15550001000"]
    system_prompt: a
  - id: florist
    phone_numbers: ["+15550001000"]
    system_prompt: b
`,
			wantErr: []string{"already routed"},
		},
		{
			name: "agent missing fields",
			yaml: providersYAML + `
agents:
  - voice:
      speed_factor: 3
`,
			wantErr: []string{"agents[0].id", "phone_numbers", "system_prompt", "speed_factor"},
		},
		{
			name:    "threshold out of range",
			yaml:    "pipeline:\n  vad_threshold: 1.5\n",
			wantErr: []string{"vad_threshold"},
		},
		{
			name:    "negative timeout",
			yaml:    "pipeline:\n  llm_timeout: -1s\n",
			wantErr: []string{"llm_timeout"},
		},
		{
			name:    "silence longer than cap",
			yaml:    "pipeline:\n  silence_duration: 2s\n  max_utterance: 1s\n",
			wantErr: []string{"silence_duration"},
		},
		{
			name:    "temperature out of range",
			yaml:    "pipeline:\n  temperature: 2.5\n",
			wantErr: []string{"temperature"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if len(tc.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %v, got nil", tc.wantErr)
			}
			for _, want := range tc.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_UnknownProviderNameIsWarningOnly(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: my-inhouse-llm
  stt:
    name: deepgram
  tts:
    name: elevenlabs
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names should only warn, got: %v", err)
	}
}
