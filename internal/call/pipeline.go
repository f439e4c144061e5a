package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/pkg/audio"
	"github.com/MrWong99/dialtone/pkg/history"
	"github.com/MrWong99/dialtone/pkg/provider/llm"
	"github.com/MrWong99/dialtone/pkg/provider/stt"
	"github.com/MrWong99/dialtone/pkg/provider/tts"
)

// Pipeline defaults.
const (
	DefaultSTTTimeout     = 10 * time.Second
	DefaultLLMTimeout     = 15 * time.Second
	DefaultTTSTimeout     = 15 * time.Second
	DefaultHistoryTimeout = 2 * time.Second
	DefaultHistoryLimit   = 20
)

// Agent is the persona answering a call.
type Agent struct {
	// ID identifies the agent in conversation history.
	ID string

	// SystemPrompt is sent with every completion request.
	SystemPrompt string

	// Greeting, when set, is spoken as soon as the call connects.
	Greeting string

	// Voice used for synthesis.
	Voice tts.Voice

	// Language hint for transcription, e.g. "en".
	Language string
}

// PipelineConfig bounds each pipeline stage. Zero durations take the package
// defaults.
type PipelineConfig struct {
	STTTimeout     time.Duration
	LLMTimeout     time.Duration
	TTSTimeout     time.Duration
	HistoryTimeout time.Duration

	// HistoryLimit is the maximum number of prior turns sent to the LLM.
	HistoryLimit int

	// FallbackPhrase is spoken when a provider fails. Empty disables it.
	FallbackPhrase string

	// Temperature and MaxTokens are passed through to the LLM.
	Temperature float64
	MaxTokens   int
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.STTTimeout <= 0 {
		c.STTTimeout = DefaultSTTTimeout
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = DefaultLLMTimeout
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = DefaultTTSTimeout
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = DefaultHistoryTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}

// Pipeline turns a caller utterance into streamed agent audio. A single
// Pipeline is shared by all calls; per-call state lives in [Session] and
// [Turn].
type Pipeline struct {
	stt     stt.Provider
	llm     llm.Provider
	tts     tts.Provider
	history history.Store // nil disables history

	codec    audio.Codec
	framer   audio.Framer
	streamer *Streamer
	cfg      atomic.Pointer[PipelineConfig]
	initCfg  PipelineConfig
	metrics  *observe.Metrics

	sttName, llmName, ttsName string
}

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithHistory persists turns to s and feeds prior turns to the LLM.
func WithHistory(s history.Store) PipelineOption {
	return func(p *Pipeline) { p.history = s }
}

// WithCodec overrides the outbound codec. Default: μ-law telephony at 16 kHz.
func WithCodec(c audio.Codec) PipelineOption {
	return func(p *Pipeline) { p.codec = c }
}

// WithFramer overrides the outbound framer. Default: [audio.TelephonyFramer].
func WithFramer(f audio.Framer) PipelineOption {
	return func(p *Pipeline) { p.framer = f }
}

// WithStreamer overrides the output streamer.
func WithStreamer(s *Streamer) PipelineOption {
	return func(p *Pipeline) { p.streamer = s }
}

// WithPipelineConfig sets stage timeouts and tuning.
func WithPipelineConfig(cfg PipelineConfig) PipelineOption {
	return func(p *Pipeline) { p.initCfg = cfg }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithProviderNames sets the provider labels used in metrics.
func WithProviderNames(sttName, llmName, ttsName string) PipelineOption {
	return func(p *Pipeline) {
		p.sttName, p.llmName, p.ttsName = sttName, llmName, ttsName
	}
}

// NewPipeline returns a pipeline using the given providers.
func NewPipeline(s stt.Provider, l llm.Provider, t tts.Provider, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		stt:     s,
		llm:     l,
		tts:     t,
		codec:   audio.NewTelephonyCodec(16000),
		framer:  audio.TelephonyFramer(),
		sttName: "stt",
		llmName: "llm",
		ttsName: "tts",
	}
	for _, o := range opts {
		o(p)
	}
	p.UpdateConfig(p.initCfg)
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.streamer == nil {
		p.streamer = NewStreamer(p.metrics, true)
	}
	return p
}

// UpdateConfig replaces the stage timeouts and tuning. Turns already running
// keep the values they started with.
func (p *Pipeline) UpdateConfig(cfg PipelineConfig) {
	cfg = cfg.withDefaults()
	p.cfg.Store(&cfg)
}

// Config returns the active pipeline configuration.
func (p *Pipeline) Config() PipelineConfig { return *p.cfg.Load() }

// Run executes turn to completion: transcribe, generate, synthesize and
// stream. The turn sequence number is checked before and after every
// provider call; a superseded turn returns [ErrStaleTurn] and produces no
// further output. Provider failures end the turn, never the call. The turn
// is always ended on the session before Run returns.
func (p *Pipeline) Run(ctx context.Context, sess *Session, turn *Turn, agent Agent, w FrameWriter) error {
	ctx, span := observe.StartSpan(ctx, "call.turn", trace.WithAttributes(
		attribute.String("call_id", sess.CallID),
		attribute.Int64("seq", int64(turn.Seq)),
	))
	defer span.End()

	outcome, err := p.run(ctx, p.Config(), sess, turn, agent, w)
	span.SetAttributes(attribute.String("outcome", outcome))
	p.metrics.RecordTurn(ctx, outcome)
	sess.EndTurn(turn.Seq)
	return err
}

func (p *Pipeline) run(ctx context.Context, cfg PipelineConfig, sess *Session, turn *Turn, agent Agent, w FrameWriter) (string, error) {
	log := observe.Logger(ctx).With("seq", turn.Seq)
	seq := turn.Seq
	utt := turn.Utterance
	if utt == nil {
		return observe.TurnFailed, errors.New("call: run: turn has no utterance")
	}

	// ── 1. Transcribe ────────────────────────────────────────────────────
	if !sess.IsCurrent(seq) {
		return observe.TurnStale, ErrStaleTurn
	}
	text, err := p.transcribe(ctx, cfg, utt, agent.Language)
	if err != nil {
		return p.fail(ctx, cfg, sess, seq, agent, w, log, err)
	}
	if !sess.IsCurrent(seq) {
		return observe.TurnStale, ErrStaleTurn
	}
	if text == "" {
		log.Debug("empty transcript, turn dropped", "utterance", utt.Duration)
		return observe.TurnEmpty, nil
	}
	turn.Transcript = text
	log.Info("caller said", "text", text, "forced", utt.Forced)

	// ── 2. Generate ──────────────────────────────────────────────────────
	convID := sess.ConversationID()
	prior := p.loadHistory(ctx, cfg, convID, log)
	if !sess.IsCurrent(seq) {
		return observe.TurnStale, ErrStaleTurn
	}
	reply, err := p.generate(ctx, cfg, agent, prior, text)
	if err != nil {
		return p.fail(ctx, cfg, sess, seq, agent, w, log, err)
	}
	if !sess.IsCurrent(seq) {
		return observe.TurnStale, ErrStaleTurn
	}
	if reply == "" {
		log.Debug("empty completion, turn dropped")
		return observe.TurnEmpty, nil
	}
	turn.Response = reply

	// ── 3. Synthesize ────────────────────────────────────────────────────
	frames, err := p.synthesize(ctx, cfg, reply, agent.Voice)
	if err != nil {
		return p.fail(ctx, cfg, sess, seq, agent, w, log, err)
	}
	if !sess.IsCurrent(seq) {
		return observe.TurnStale, ErrStaleTurn
	}
	turn.Frames = frames

	// ── 4. Stream ────────────────────────────────────────────────────────
	if !utt.EndedAt.IsZero() {
		p.metrics.ResponseLatency.Record(ctx, time.Since(utt.EndedAt).Seconds())
	}
	n, err := p.streamer.Stream(ctx, sess, seq, frames, w)

	// ── 5. Persist ───────────────────────────────────────────────────────
	p.appendHistory(ctx, cfg, convID, sess.CallID, log,
		history.Turn{Role: history.RoleCaller, Text: text},
		history.Turn{Role: history.RoleAgent, Text: reply},
	)

	switch {
	case errors.Is(err, ErrStaleTurn):
		log.Info("turn interrupted", "frames_written", n, "frames", len(frames))
		return observe.TurnInterrupted, err
	case err != nil:
		return observe.TurnFailed, err
	}
	log.Debug("turn completed", "frames", n, "latency", time.Since(turn.StartedAt))
	return observe.TurnCompleted, nil
}

// Speak synthesizes and streams text as an agent-initiated turn, such as the
// call greeting. The turn is ended on the session before Speak returns.
func (p *Pipeline) Speak(ctx context.Context, sess *Session, turn *Turn, agent Agent, text string, w FrameWriter) error {
	cfg := p.Config()
	outcome := observe.TurnCompleted
	_, err := p.speak(ctx, cfg, sess, turn.Seq, agent, text, w)
	switch {
	case errors.Is(err, ErrStaleTurn):
		outcome = observe.TurnInterrupted
	case err != nil:
		outcome = observe.TurnFailed
	default:
		turn.Response = text
		p.appendHistory(ctx, cfg, sess.ConversationID(), sess.CallID, slog.Default(),
			history.Turn{Role: history.RoleAgent, Text: text})
	}
	p.metrics.RecordTurn(ctx, outcome)
	sess.EndTurn(turn.Seq)
	return err
}

func (p *Pipeline) speak(ctx context.Context, cfg PipelineConfig, sess *Session, seq uint64, agent Agent, text string, w FrameWriter) (int, error) {
	frames, err := p.synthesize(ctx, cfg, text, agent.Voice)
	if err != nil {
		return 0, err
	}
	if !sess.IsCurrent(seq) {
		return 0, ErrStaleTurn
	}
	return p.streamer.Stream(ctx, sess, seq, frames, w)
}

// fail logs a provider failure and, when configured, plays the fallback
// phrase for the still-current turn.
func (p *Pipeline) fail(ctx context.Context, cfg PipelineConfig, sess *Session, seq uint64, agent Agent, w FrameWriter, log *slog.Logger, err error) (string, error) {
	log.Warn("turn failed", "err", err)
	if cfg.FallbackPhrase == "" || ctx.Err() != nil || !sess.IsCurrent(seq) {
		return observe.TurnFailed, err
	}
	if _, ferr := p.speak(ctx, cfg, sess, seq, agent, cfg.FallbackPhrase, w); ferr != nil && !errors.Is(ferr, ErrStaleTurn) {
		log.Warn("fallback phrase failed", "err", ferr)
	}
	return observe.TurnFailed, err
}

func (p *Pipeline) transcribe(ctx context.Context, cfg PipelineConfig, utt *Utterance, language string) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, cfg.STTTimeout)
	defer cancel()

	start := time.Now()
	tr, err := p.stt.Transcribe(tctx, stt.Request{
		Audio:      utt.PCM,
		SampleRate: utt.SampleRate,
		Language:   language,
	})
	p.metrics.RecordStage(ctx, observe.StageSTT, time.Since(start))
	if err != nil {
		p.providerResult(ctx, p.sttName, "stt", err)
		return "", fmt.Errorf("call: transcribe: %w", err)
	}
	p.providerResult(ctx, p.sttName, "stt", nil)
	if tr == nil {
		return "", nil
	}
	return strings.TrimSpace(tr.Text), nil
}

func (p *Pipeline) generate(ctx context.Context, cfg PipelineConfig, agent Agent, prior []history.Turn, text string) (string, error) {
	msgs := make([]llm.Message, 0, len(prior)+1)
	for _, t := range prior {
		role := llm.RoleUser
		if t.Role == history.RoleAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})

	gctx, cancel := context.WithTimeout(ctx, cfg.LLMTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.llm.Complete(gctx, llm.CompletionRequest{
		SystemPrompt: agent.SystemPrompt,
		Messages:     msgs,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	})
	p.metrics.RecordStage(ctx, observe.StageLLM, time.Since(start))
	if err != nil {
		p.providerResult(ctx, p.llmName, "llm", err)
		return "", fmt.Errorf("call: generate: %w", err)
	}
	p.providerResult(ctx, p.llmName, "llm", nil)
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Content), nil
}

// synthesize produces telephony frames for text.
func (p *Pipeline) synthesize(ctx context.Context, cfg PipelineConfig, text string, voice tts.Voice) ([]audio.AudioFrame, error) {
	sctx, cancel := context.WithTimeout(ctx, cfg.TTSTimeout)
	defer cancel()

	start := time.Now()
	a, err := p.tts.Synthesize(sctx, text, voice)
	p.metrics.RecordStage(ctx, observe.StageTTS, time.Since(start))
	if err != nil {
		p.providerResult(ctx, p.ttsName, "tts", err)
		return nil, fmt.Errorf("call: synthesize: %w", err)
	}
	p.providerResult(ctx, p.ttsName, "tts", nil)
	if a == nil || len(a.PCM) < 2 {
		return nil, errors.New("call: synthesize: empty audio")
	}

	pcm := a.PCM[:len(a.PCM)&^1]
	if a.SampleRate > 0 {
		pcm = audio.ResampleMono16(pcm, a.SampleRate, p.codec.PCMRate())
	}
	encoded, err := p.codec.Encode(pcm)
	if err != nil {
		return nil, fmt.Errorf("call: synthesize: encode: %w", err)
	}
	return p.framer.Split(encoded, 0), nil
}

// loadHistory returns prior turns for the conversation. Failures yield an
// empty history.
func (p *Pipeline) loadHistory(ctx context.Context, cfg PipelineConfig, convID string, log *slog.Logger) []history.Turn {
	if p.history == nil || convID == "" {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, cfg.HistoryTimeout)
	defer cancel()
	turns, err := p.history.LoadHistory(hctx, convID, cfg.HistoryLimit)
	if err != nil {
		log.Warn("load history failed, continuing without", "conversation_id", convID, "err", err)
		return nil
	}
	return turns
}

// appendHistory persists turns in order. It survives call hangup so a reply
// cut short by the caller is still recorded.
func (p *Pipeline) appendHistory(ctx context.Context, cfg PipelineConfig, convID, callID string, log *slog.Logger, turns ...history.Turn) {
	if p.history == nil || convID == "" {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HistoryTimeout)
	defer cancel()
	now := time.Now()
	for _, t := range turns {
		t.CallID = callID
		t.CreatedAt = now
		if err := p.history.AppendTurn(hctx, convID, t); err != nil {
			log.Warn("append history failed", "conversation_id", convID, "role", t.Role, "err", err)
			return
		}
	}
}

func (p *Pipeline) providerResult(ctx context.Context, name, kind string, err error) {
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, name, kind, "error")
		p.metrics.RecordProviderError(ctx, name, kind)
		return
	}
	p.metrics.RecordProviderRequest(ctx, name, kind, "ok")
}
