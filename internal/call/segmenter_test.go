package call_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/dialtone/internal/call"
	vadmock "github.com/MrWong99/dialtone/pkg/provider/vad/mock"
)

// feed pushes n frames through seg and returns every emitted utterance.
func feed(t *testing.T, seg *call.Segmenter, n int) []*call.Utterance {
	t.Helper()
	var utts []*call.Utterance
	for range n {
		res, err := seg.Process(pcmFrame(1000))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if res.Utterance != nil {
			utts = append(utts, res.Utterance)
		}
	}
	return utts
}

func TestSegmenter_VoiceThenSilence(t *testing.T) {
	t.Parallel()

	// 2 s of speech followed by 1 s of silence.
	vs := &vadmock.Session{Scores: vadmock.Runs(vadmock.Run{N: 100, P: 0.9}, vadmock.Run{N: 50, P: 0.1})}
	seg := call.NewSegmenter(call.SegmenterConfig{SampleRate: testRate}, vs)

	utts := feed(t, seg, 150)
	if len(utts) != 1 {
		t.Fatalf("got %d utterances, want 1", len(utts))
	}
	u := utts[0]
	if u.Duration != 2*time.Second {
		t.Errorf("utterance duration = %v, want 2s", u.Duration)
	}
	if u.Forced {
		t.Error("utterance marked forced")
	}
	if u.SampleRate != testRate {
		t.Errorf("SampleRate = %d, want %d", u.SampleRate, testRate)
	}
	if seg.State() != call.SegmentSilence {
		t.Errorf("state = %v, want silence", seg.State())
	}
}

func TestSegmenter_EmitsOnSilenceDuration(t *testing.T) {
	t.Parallel()

	// Emission happens on the frame that completes 700 ms of silence.
	vs := &vadmock.Session{Scores: vadmock.Runs(vadmock.Run{N: 50, P: 0.9}, vadmock.Run{N: 40, P: 0.0})}
	seg := call.NewSegmenter(call.SegmenterConfig{SampleRate: testRate}, vs)

	for i := range 90 {
		res, err := seg.Process(pcmFrame(1000))
		if err != nil {
			t.Fatal(err)
		}
		silent := i - 49
		switch {
		case silent < 35 && res.Utterance != nil:
			t.Fatalf("emitted after %d silent frames", silent)
		case silent == 35 && res.Utterance == nil:
			t.Fatal("no utterance after 700 ms of silence")
		case silent > 35 && res.Utterance != nil:
			t.Fatal("emitted twice")
		}
	}
}

func TestSegmenter_SilenceOnly(t *testing.T) {
	t.Parallel()

	vs := &vadmock.Session{Default: 0.1}
	seg := call.NewSegmenter(call.SegmenterConfig{SampleRate: testRate}, vs)

	if utts := feed(t, seg, 500); len(utts) != 0 {
		t.Errorf("got %d utterances from silence, want 0", len(utts))
	}
	if seg.Buffered() != 0 {
		t.Errorf("buffered = %v, want 0", seg.Buffered())
	}
}

func TestSegmenter_ThresholdInclusive(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		score  float64
		voiced bool
	}{
		{"below", 0.49, false},
		{"equal", 0.5, true},
		{"above", 0.51, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			seg := call.NewSegmenter(call.SegmenterConfig{SampleRate: testRate, Threshold: 0.5},
				&vadmock.Session{Default: tc.score})
			res, err := seg.Process(pcmFrame(1000))
			if err != nil {
				t.Fatal(err)
			}
			if res.Voiced != tc.voiced {
				t.Errorf("Voiced = %v, want %v", res.Voiced, tc.voiced)
			}
			if res.Probability != tc.score {
				t.Errorf("Probability = %v, want %v", res.Probability, tc.score)
			}
		})
	}
}

func TestSegmenter_MaxUtteranceForcesEmit(t *testing.T) {
	t.Parallel()

	cfg := call.SegmenterConfig{SampleRate: testRate, MaxUtterance: time.Second}
	// 2.3 s of continuous speech then silence.
	vs := &vadmock.Session{Scores: vadmock.Runs(vadmock.Run{N: 115, P: 0.9}, vadmock.Run{N: 50, P: 0.0})}
	seg := call.NewSegmenter(cfg, vs)

	utts := feed(t, seg, 165)
	if len(utts) != 3 {
		t.Fatalf("got %d utterances, want 3", len(utts))
	}
	for i, u := range utts[:2] {
		if !u.Forced {
			t.Errorf("utterance %d not forced", i)
		}
		if u.Duration != time.Second {
			t.Errorf("utterance %d duration = %v, want 1s", i, u.Duration)
		}
	}
	if utts[2].Forced {
		t.Error("final utterance should end on silence")
	}
	if utts[2].Duration != 300*time.Millisecond {
		t.Errorf("final utterance duration = %v, want 300ms", utts[2].Duration)
	}
}

func TestSegmenter_FlushingState(t *testing.T) {
	t.Parallel()

	cfg := call.SegmenterConfig{SampleRate: testRate, MaxUtterance: 200 * time.Millisecond}
	seg := call.NewSegmenter(cfg, &vadmock.Session{Default: 0.9})

	utts := feed(t, seg, 10)
	if len(utts) != 1 || !utts[0].Forced {
		t.Fatalf("expected one forced utterance, got %d", len(utts))
	}
	if seg.State() != call.SegmentFlushing {
		t.Errorf("state = %v, want flushing", seg.State())
	}
	feed(t, seg, 1)
	if seg.State() != call.SegmentVoiced {
		t.Errorf("state after more speech = %v, want voiced", seg.State())
	}
}

func TestSegmenter_MinUtteranceDiscardsNoise(t *testing.T) {
	t.Parallel()

	// 100 ms blip, well under the 200 ms default minimum.
	vs := &vadmock.Session{Scores: vadmock.Runs(vadmock.Run{N: 5, P: 0.9}, vadmock.Run{N: 40, P: 0.0})}
	seg := call.NewSegmenter(call.SegmenterConfig{SampleRate: testRate}, vs)

	if utts := feed(t, seg, 45); len(utts) != 0 {
		t.Errorf("got %d utterances from a blip, want 0", len(utts))
	}
	if seg.State() != call.SegmentSilence {
		t.Errorf("state = %v, want silence", seg.State())
	}
}

func TestSegmenter_ShortPauseKeepsUtterance(t *testing.T) {
	t.Parallel()

	// speech 500 ms, pause 300 ms, speech 500 ms, silence 1 s.
	s := vadmock.Runs(
		vadmock.Run{N: 25, P: 0.9},
		vadmock.Run{N: 15, P: 0.1},
		vadmock.Run{N: 25, P: 0.9},
		vadmock.Run{N: 50, P: 0.1},
	)
	seg := call.NewSegmenter(call.SegmenterConfig{SampleRate: testRate}, &vadmock.Session{Scores: s})

	utts := feed(t, seg, len(s))
	if len(utts) != 1 {
		t.Fatalf("got %d utterances, want 1", len(utts))
	}
	if want := 1300 * time.Millisecond; utts[0].Duration != want {
		t.Errorf("duration = %v, want %v", utts[0].Duration, want)
	}
}

func TestSegmenter_ResetDropsPending(t *testing.T) {
	t.Parallel()

	vs := &vadmock.Session{Default: 0.9}
	seg := call.NewSegmenter(call.SegmenterConfig{SampleRate: testRate}, vs)
	feed(t, seg, 10)
	if seg.Buffered() == 0 {
		t.Fatal("nothing buffered")
	}

	seg.Reset()
	if seg.Buffered() != 0 || seg.State() != call.SegmentSilence {
		t.Errorf("after Reset: buffered=%v state=%v", seg.Buffered(), seg.State())
	}
	if _, resets, _ := vs.Counts(); resets != 1 {
		t.Errorf("VAD resets = %d, want 1", resets)
	}
}

func TestSegmenter_VADError(t *testing.T) {
	t.Parallel()

	errVAD := errors.New("vad exploded")
	seg := call.NewSegmenter(call.SegmenterConfig{}, &vadmock.Session{Err: errVAD})
	if _, err := seg.Process(pcmFrame(1000)); !errors.Is(err, errVAD) {
		t.Errorf("err = %v, want %v", err, errVAD)
	}
}

func TestSegmentState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[call.SegmentState]string{
		call.SegmentSilence:   "silence",
		call.SegmentVoiced:    "voiced",
		call.SegmentFlushing:  "flushing",
		call.SegmentState(42): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
