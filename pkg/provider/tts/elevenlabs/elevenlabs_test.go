package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/dialtone/pkg/audio"
	"github.com/MrWong99/dialtone/pkg/provider/tts"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()
	cases := []struct {
		format   string
		wantULaw bool
		wantRate int
		wantErr  bool
	}{
		{format: "ulaw_8000", wantULaw: true, wantRate: 8000},
		{format: "pcm_16000", wantRate: 16000},
		{format: "pcm_24000", wantRate: 24000},
		{format: "ulaw_16000", wantErr: true},
		{format: "mp3_44100_128", wantErr: true},
		{format: "pcm_abc", wantErr: true},
		{format: "pcm", wantErr: true},
	}
	for _, tc := range cases {
		ulaw, rate, err := parseFormat(tc.format)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseFormat(%q) err = %v, wantErr %v", tc.format, err, tc.wantErr)
			continue
		}
		if ulaw != tc.wantULaw || rate != tc.wantRate {
			t.Errorf("parseFormat(%q) = %v, %d; want %v, %d", tc.format, ulaw, rate, tc.wantULaw, tc.wantRate)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for mp3 output format")
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()
	p, _ := New("key")

	cases := []struct {
		name  string
		voice tts.Voice
		want  url.Values
	}{
		{
			name:  "defaults",
			voice: tts.Voice{ID: "voice123"},
			want:  url.Values{"model_id": {defaultModel}, "output_format": {"ulaw_8000"}},
		},
		{
			name:  "regional language",
			voice: tts.Voice{ID: "voice123", Language: "DE-at"},
			want:  url.Values{"model_id": {defaultModel}, "output_format": {"ulaw_8000"}, "language_code": {"de"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := url.Parse(p.streamURL(tc.voice))
			if err != nil {
				t.Fatal(err)
			}
			if u.Host != "api.elevenlabs.io" || u.Path != "/v1/text-to-speech/voice123/stream-input" {
				t.Errorf("url = %s", u)
			}
			if got := u.Query(); got.Encode() != tc.want.Encode() {
				t.Errorf("query = %s, want %s", got.Encode(), tc.want.Encode())
			}
		})
	}
}

func TestSynthesize_EmptyVoiceID(t *testing.T) {
	t.Parallel()
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}

// session is what the fake server saw from the client.
type session struct {
	apiKey string
	texts  []string
	first  inputMessage
}

// newFakeServer accepts one WebSocket, records the client's input and
// answers with the reply messages.
func newFakeServer(t *testing.T, replies []outputMessage, seen chan<- session) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		s := session{apiKey: r.Header.Get("xi-api-key")}
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m inputMessage
			_ = json.Unmarshal(msg, &m)
			if len(s.texts) == 0 {
				s.first = m
			}
			s.texts = append(s.texts, m.Text)
			if m.Text == "" {
				break
			}
		}
		seen <- s

		for _, reply := range replies {
			b, _ := json.Marshal(reply)
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chunk(b []byte) outputMessage {
	return outputMessage{Audio: base64.StdEncoding.EncodeToString(b)}
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestSynthesize(t *testing.T) {
	t.Parallel()

	ulaw := audio.PCMToMuLaw(audio.PCM([]int16{0, 1000, -1000, 8000}))

	cases := []struct {
		name     string
		opts     []Option
		replies  []outputMessage
		wantPCM  []byte
		wantRate int
		wantErr  string
	}{
		{
			name:     "ulaw expanded",
			replies:  []outputMessage{chunk(ulaw[:2]), chunk(ulaw[2:]), {IsFinal: true}},
			wantPCM:  audio.MuLawToPCM(ulaw),
			wantRate: 8000,
		},
		{
			name:     "raw pcm",
			opts:     []Option{WithOutputFormat("pcm_16000")},
			replies:  []outputMessage{chunk([]byte{1, 2, 3, 4}), chunk([]byte{5, 6}), {IsFinal: true}},
			wantPCM:  []byte{1, 2, 3, 4, 5, 6},
			wantRate: 16000,
		},
		{
			name:     "close after audio",
			opts:     []Option{WithOutputFormat("pcm_16000")},
			replies:  []outputMessage{chunk([]byte{9, 9})},
			wantPCM:  []byte{9, 9},
			wantRate: 16000,
		},
		{
			name:    "server error",
			replies: []outputMessage{{Error: "quota_exceeded", Message: "out of characters"}},
			wantErr: "quota_exceeded: out of characters",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			seen := make(chan session, 1)
			srv := newFakeServer(t, tc.replies, seen)

			opts := append([]Option{WithBaseURL(wsURL(srv)), WithVoiceSettings(0.3, 0.9)}, tc.opts...)
			p, err := New("secret", opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			a, err := p.Synthesize(ctx, "We open at nine.", tts.Voice{ID: "voice123", SpeedFactor: 1.1})
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if string(a.PCM) != string(tc.wantPCM) || a.SampleRate != tc.wantRate {
				t.Errorf("audio = %v @ %d Hz, want %v @ %d Hz", a.PCM, a.SampleRate, tc.wantPCM, tc.wantRate)
			}

			s := <-seen
			if s.apiKey != "secret" {
				t.Errorf("xi-api-key header = %q", s.apiKey)
			}
			if len(s.texts) != 3 || s.texts[0] != " " || strings.TrimSpace(s.texts[1]) != "We open at nine." || s.texts[2] != "" {
				t.Errorf("client messages = %q, want settings, text, flush", s.texts)
			}
			vs := s.first.VoiceSettings
			if vs == nil || vs.Stability != 0.3 || vs.SimilarityBoost != 0.9 || vs.Speed != 1.1 {
				t.Errorf("voice settings = %+v", vs)
			}
		})
	}
}
