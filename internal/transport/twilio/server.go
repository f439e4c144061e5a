// Package twilio serves Twilio Media Streams websockets and runs each stream
// as a call.
//
// Point a TwiML <Connect><Stream> at the server's URL and pass the dialled
// number as a custom parameter so the right agent answers:
//
//	<Connect>
//	  <Stream url="wss://example.com/twilio/media">
//	    <Parameter name="To" value="{{To}}"/>
//	    <Parameter name="From" value="{{From}}"/>
//	  </Stream>
//	</Connect>
package twilio

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/dialtone/internal/call"
)

// DefaultStartTimeout bounds the wait for the start event after upgrade.
const DefaultStartTimeout = 10 * time.Second

// CallHandler runs a call over a transport.
type CallHandler interface {
	HandleCall(ctx context.Context, t call.Transport, info call.CallInfo) error
}

// AgentLookup resolves the agent answering the dialled number. The boolean
// is false when no agent serves the number.
type AgentLookup func(to string) (call.Agent, bool)

// Server is an [http.Handler] accepting Media Streams connections.
type Server struct {
	handler      CallHandler
	agents       AgentLookup
	sem          *semaphore.Weighted
	upgrader     websocket.Upgrader
	startTimeout time.Duration

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option configures a [Server].
type Option func(*Server)

// WithMaxCalls caps concurrent calls; further connections get 503.
// Default: 64.
func WithMaxCalls(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithStartTimeout overrides [DefaultStartTimeout].
func WithStartTimeout(d time.Duration) Option {
	return func(s *Server) { s.startTimeout = d }
}

// WithCheckOrigin sets the websocket origin check. Twilio does not send an
// Origin header, so the default accepts all.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// NewServer returns a server running calls on h with agents from lookup.
func NewServer(h CallHandler, lookup AgentLookup, opts ...Option) *Server {
	s := &Server{
		handler:      h,
		agents:       lookup,
		sem:          semaphore.NewWeighted(64),
		startTimeout: DefaultStartTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs the call until the stream ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.sem.TryAcquire(1) {
		slog.Warn("twilio: rejecting stream, call capacity reached", "remote", r.RemoteAddr)
		http.Error(w, "call capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("twilio: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn := newConn(ws)
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)
	defer conn.Close()

	ctx := r.Context()
	log := slog.With("remote", r.RemoteAddr)
	go conn.readLoop(log)

	start, err := conn.awaitStart(ctx, s.startTimeout)
	if err != nil {
		log.Warn("twilio: stream did not start", "err", err)
		return
	}

	info := call.CallInfo{
		CallID: start.CallSID,
		From:   start.param("From", "from"),
		To:     start.param("To", "to"),
	}
	if info.CallID == "" {
		info.CallID = conn.StreamSID()
	}
	log = log.With("call_id", info.CallID, "stream_sid", conn.StreamSID())

	agent, ok := s.agents(info.To)
	if !ok {
		log.Warn("twilio: no agent for dialled number", "to", info.To)
		return
	}
	info.Agent = agent

	if err := s.handler.HandleCall(ctx, conn, info); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("twilio: call ended with error", "err", err)
	}
	if n := conn.Dropped(); n > 0 {
		log.Warn("twilio: inbound frames dropped", "count", n)
	}
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Active returns the number of open media streams.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting streams, closes the open ones and waits for their
// calls to finish or ctx to expire. Hijacked websocket connections are not
// covered by [http.Server.Shutdown], so this must be called alongside it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
