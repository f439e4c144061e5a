package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/pkg/audio"
)

const testRate = 16000

// frameDur is the PCM frame length used throughout the tests.
const frameDur = 20 * time.Millisecond

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// pcmFrame returns one 20 ms frame of 16 kHz PCM filled with a square wave of
// the given amplitude (0 for silence).
func pcmFrame(amp int16) []byte {
	n := audio.PCMBytes(frameDur, testRate) / 2
	samples := make([]int16, n)
	for i := range samples {
		if amp == 0 {
			continue
		}
		if (i/8)%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	return audio.PCM(samples)
}

// ulawFrame returns one 20 ms μ-law telephony payload of a loud tone or
// silence.
func ulawFrame(voiced bool) []byte {
	codec := audio.NewTelephonyCodec(testRate)
	var amp int16
	if voiced {
		amp = 12000
	}
	enc, err := codec.Encode(pcmFrame(amp))
	if err != nil {
		panic(err)
	}
	return enc
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeTransport is an in-memory call.Transport recording everything written.
type fakeTransport struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	written    []audio.AudioFrame
	writeTimes []time.Time
	marks      []string
	clears     int
	writeErr   error
	onWrite    func(n int)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 1024),
		done:   make(chan struct{}),
	}
}

func (f *fakeTransport) Frames() <-chan []byte { return f.frames }

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) WriteFrame(ctx context.Context, fr audio.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return err
	}
	f.written = append(f.written, fr)
	f.writeTimes = append(f.writeTimes, time.Now())
	n, hook := len(f.written), f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeTransport) Mark(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func (f *fakeTransport) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

// push queues inbound payloads.
func (f *fakeTransport) push(payloads ...[]byte) {
	for _, p := range payloads {
		f.frames <- p
	}
}

// hangup closes the transport.
func (f *fakeTransport) hangup() {
	f.once.Do(func() { close(f.done) })
}

func (f *fakeTransport) Written() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeTransport) WrittenFrames() []audio.AudioFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.AudioFrame(nil), f.written...)
}

func (f *fakeTransport) Times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.writeTimes...)
}

func (f *fakeTransport) Marks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marks...)
}

func (f *fakeTransport) Clears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

var errWrite = errors.New("write failed")
