package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/pkg/audio"
	"github.com/MrWong99/dialtone/pkg/history"
	"github.com/MrWong99/dialtone/pkg/provider/vad"
)

// Transport is one live telephony media stream.
type Transport interface {
	FrameWriter

	// Frames delivers encoded inbound audio payloads in arrival order. It is
	// closed when the stream ends.
	Frames() <-chan []byte

	// Clear asks the far end to drop audio it has buffered but not played.
	Clear(ctx context.Context) error

	// Done is closed when the transport shuts down.
	Done() <-chan struct{}
}

// CallInfo describes a call at connect time.
type CallInfo struct {
	CallID string
	From   string
	To     string

	// Agent answers the call.
	Agent Agent
}

// HandlerConfig tunes per-call behaviour. It is read once at the start of
// each call.
type HandlerConfig struct {
	Segmenter SegmenterConfig

	// ConfirmWindow of sustained caller speech interrupts the agent.
	ConfirmWindow time.Duration

	// ClearOnBargeIn sends a clear to the transport on interruption so audio
	// already buffered at the far end is dropped.
	ClearOnBargeIn bool
}

// DefaultHandlerConfig returns the defaults used when no config is set.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Segmenter:      SegmenterConfig{}.withDefaults(),
		ConfirmWindow:  DefaultConfirmWindow,
		ClearOnBargeIn: true,
	}
}

// Handler runs calls: it owns the inbound loop of every call and dispatches
// turns to the shared [Pipeline].
type Handler struct {
	registry *Registry
	pipeline *Pipeline
	vad      vad.Engine
	codec    audio.Codec
	history  history.Store
	metrics  *observe.Metrics

	cfg atomic.Pointer[HandlerConfig]
}

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithHandlerConfig sets the initial per-call configuration.
func WithHandlerConfig(cfg HandlerConfig) HandlerOption {
	return func(h *Handler) { h.cfg.Store(&cfg) }
}

// WithConversations resolves each call's conversation id from s.
func WithConversations(s history.Store) HandlerOption {
	return func(h *Handler) { h.history = s }
}

// WithInboundCodec overrides the inbound codec. Default: μ-law telephony at
// 16 kHz.
func WithInboundCodec(c audio.Codec) HandlerOption {
	return func(h *Handler) { h.codec = c }
}

// WithHandlerMetrics records into m instead of [observe.DefaultMetrics].
func WithHandlerMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler returns a handler registering calls in reg and running turns on
// p. Each call gets its own VAD session from v.
func NewHandler(reg *Registry, p *Pipeline, v vad.Engine, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry: reg,
		pipeline: p,
		vad:      v,
		codec:    audio.NewTelephonyCodec(16000),
	}
	for _, o := range opts {
		o(h)
	}
	if h.cfg.Load() == nil {
		cfg := DefaultHandlerConfig()
		h.cfg.Store(&cfg)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// UpdateConfig replaces the per-call configuration. Calls already in
// progress keep the configuration they started with.
func (h *Handler) UpdateConfig(cfg HandlerConfig) {
	h.cfg.Store(&cfg)
}

// Config returns the configuration new calls will use.
func (h *Handler) Config() HandlerConfig {
	return *h.cfg.Load()
}

// Registry returns the registry calls are tracked in.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// HandleCall runs the call on t until the transport closes or ctx is
// cancelled. Malformed frames and failed turns are logged and skipped; the
// call keeps running. The session is removed and all turn goroutines have
// exited when HandleCall returns.
func (h *Handler) HandleCall(ctx context.Context, t Transport, info CallInfo) error {
	sess, err := h.registry.Create(info.CallID)
	if err != nil {
		return err
	}
	ctx, span := observe.StartCall(ctx, info.CallID, info.Agent.ID)
	defer span.End()
	log := observe.Logger(ctx)
	cfg := h.Config()
	h.metrics.ActiveCalls.Add(ctx, 1)

	ctx, cancel := context.WithCancel(ctx)
	var (
		wg sync.WaitGroup
		vs vad.SessionHandle
	)
	defer func() {
		cancel()
		wg.Wait()
		_ = h.registry.Remove(info.CallID)
		if vs != nil {
			_ = vs.Close()
		}
		h.metrics.ActiveCalls.Add(context.Background(), -1)
		log.Info("call ended")
	}()

	vs, err = h.vad.NewSession(vad.Config{
		SampleRate:  h.codec.PCMRate(),
		FrameSizeMs: int(audio.DefaultFrameDuration / time.Millisecond),
	})
	if err != nil {
		return fmt.Errorf("call: handle %q: vad session: %w", info.CallID, err)
	}

	segCfg := cfg.Segmenter
	segCfg.SampleRate = h.codec.PCMRate()
	convID := h.resolveConversation(ctx, info, log)
	if err := sess.Activate(convID, NewSegmenter(segCfg, vs)); err != nil {
		return err
	}
	log.Info("call started",
		"from", info.From,
		"to", info.To,
		"agent", info.Agent.ID,
		"conversation_id", convID,
	)

	if greeting := info.Agent.Greeting; greeting != "" {
		if turn, err := sess.BeginTurn(nil); err == nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := h.pipeline.Speak(ctx, sess, turn, info.Agent, greeting, t); err != nil && !errors.Is(err, ErrStaleTurn) {
					log.Warn("greeting failed", "err", err)
				}
			}()
		}
	}

	in := inbound{
		h:     h,
		sess:  sess,
		t:     t,
		agent: info.Agent,
		cfg:   cfg,
		barge: NewBargeIn(cfg.ConfirmWindow),
		log:   log,
		wg:    &wg,
	}
	frames := t.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Done():
			return nil
		case payload, ok := <-frames:
			if !ok {
				return nil
			}
			in.frame(ctx, payload)
		}
	}
}

func (h *Handler) resolveConversation(ctx context.Context, info CallInfo, log *slog.Logger) string {
	if h.history == nil {
		return ""
	}
	rctx, cancel := context.WithTimeout(ctx, DefaultHistoryTimeout)
	defer cancel()
	id, err := h.history.ResolveConversation(rctx, info.Agent.ID, info.From)
	if err != nil {
		log.Warn("resolve conversation failed, history disabled for call", "err", err)
		return ""
	}
	return id
}

// inbound is the state of one call's receive loop.
type inbound struct {
	h     *Handler
	sess  *Session
	t     Transport
	agent Agent
	cfg   HandlerConfig
	barge *BargeIn
	log   *slog.Logger
	wg    *sync.WaitGroup
}

func (in *inbound) frame(ctx context.Context, payload []byte) {
	pcm, err := in.h.codec.Decode(payload)
	if err != nil {
		in.h.metrics.RecordFrameDropped(ctx, "malformed")
		in.log.Debug("dropping inbound frame", "err", err)
		return
	}
	res, err := in.sess.Process(pcm)
	if err != nil {
		in.h.metrics.RecordFrameDropped(ctx, "vad")
		in.log.Warn("dropping inbound frame", "err", err)
		return
	}

	if seq, ok := in.barge.Observe(in.sess, res.Voiced, res.Duration); ok {
		in.h.metrics.BargeIns.Add(ctx, 1)
		in.log.Info("caller barged in", "seq", seq)
		if in.cfg.ClearOnBargeIn {
			if err := in.t.Clear(ctx); err != nil {
				in.log.Warn("clear after barge-in failed", "err", err)
			}
		}
	}

	utt := res.Utterance
	if utt == nil {
		return
	}
	in.h.metrics.RecordUtterance(ctx, utt.Forced)
	turn, err := in.sess.BeginTurn(utt)
	if err != nil {
		in.log.Debug("utterance dropped", "reason", err, "duration", utt.Duration)
		return
	}
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		if err := in.h.pipeline.Run(ctx, in.sess, turn, in.agent, in.t); err != nil && !errors.Is(err, ErrStaleTurn) {
			in.log.Debug("turn ended with error", "seq", turn.Seq, "err", err)
		}
	}()
}
