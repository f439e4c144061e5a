package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/dialtone/internal/call"
	"github.com/MrWong99/dialtone/pkg/audio"
)

// ErrClosed is returned by writes on a closed media stream.
var ErrClosed = errors.New("twilio: stream closed")

const (
	// inboundBuffer holds five seconds of 20 ms frames.
	inboundBuffer = 250
	writeTimeout  = 5 * time.Second
)

// Conn is one Twilio Media Streams websocket. It implements [call.Transport].
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	frames  chan []byte
	started chan *startMessage
	done    chan struct{}
	once    sync.Once

	streamSID atomic.Pointer[string]
	lastMark  atomic.Pointer[string]
	dropped   atomic.Int64
}

var _ call.Transport = (*Conn)(nil)

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:      ws,
		frames:  make(chan []byte, inboundBuffer),
		started: make(chan *startMessage, 1),
		done:    make(chan struct{}),
	}
}

// StreamSID returns the Twilio stream id, or "" before the start event.
func (c *Conn) StreamSID() string {
	if p := c.streamSID.Load(); p != nil {
		return *p
	}
	return ""
}

// LastMark returns the name of the most recent mark Twilio acknowledged.
func (c *Conn) LastMark() string {
	if p := c.lastMark.Load(); p != nil {
		return *p
	}
	return ""
}

// Dropped returns the number of inbound frames discarded because the
// consumer fell behind.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// Frames implements [call.Transport].
func (c *Conn) Frames() <-chan []byte { return c.frames }

// Done implements [call.Transport].
func (c *Conn) Done() <-chan struct{} { return c.done }

// WriteFrame implements [call.Transport].
func (c *Conn) WriteFrame(ctx context.Context, f audio.AudioFrame) error {
	return c.send(ctx, message{
		Event:     eventMedia,
		StreamSID: c.StreamSID(),
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(f.Data)},
	})
}

// Mark implements [call.Transport].
func (c *Conn) Mark(ctx context.Context, name string) error {
	return c.send(ctx, message{
		Event:     eventMark,
		StreamSID: c.StreamSID(),
		Mark:      &markMessage{Name: name},
	})
}

// Clear implements [call.Transport]. Twilio drops all audio it has buffered
// for playback.
func (c *Conn) Clear(ctx context.Context) error {
	return c.send(ctx, message{Event: eventClear, StreamSID: c.StreamSID()})
}

func (c *Conn) send(ctx context.Context, msg message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("twilio: write %s: %w", msg.Event, err)
	}
	return nil
}

// Close closes the websocket. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// awaitStart blocks until the start event arrives.
func (c *Conn) awaitStart(ctx context.Context, timeout time.Duration) (*startMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s := <-c.started:
		return s, nil
	case <-c.done:
		return nil, errors.New("twilio: stream closed before start")
	case <-timer.C:
		return nil, fmt.Errorf("twilio: no start event within %v", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop consumes inbound events until the stream stops or the socket
// fails. It is the only writer to c.frames.
func (c *Conn) readLoop(log *slog.Logger) {
	defer func() {
		close(c.frames)
		_ = c.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					log.Debug("twilio: read failed", "err", err)
				}
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("twilio: ignoring malformed message", "err", err)
			continue
		}

		switch msg.Event {
		case eventConnected:
			log.Debug("twilio: connected")

		case eventStart:
			if msg.Start == nil {
				continue
			}
			sid := msg.Start.StreamSID
			if sid == "" {
				sid = msg.StreamSID
			}
			c.streamSID.Store(&sid)
			select {
			case c.started <- msg.Start:
			default:
			}

		case eventMedia:
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				log.Debug("twilio: bad media payload", "err", err)
				continue
			}
			select {
			case c.frames <- payload:
			default:
				c.dropped.Add(1)
			}

		case eventMark:
			if msg.Mark != nil {
				name := msg.Mark.Name
				c.lastMark.Store(&name)
				log.Debug("twilio: mark played", "mark", name)
			}

		case eventDTMF:
			if msg.DTMF != nil {
				log.Info("twilio: dtmf", "digit", msg.DTMF.Digit)
			}

		case eventStop:
			log.Debug("twilio: stream stopped")
			return
		}
	}
}
