package segmenter

import (
	"testing"

	"github.com/echocast/echocast/pkg/media"
)

func loudFrame() media.AudioFrame {
	samples := make([]int16, 128)
	for i := range samples {
		samples[i] = 8000
	}
	return media.NewAudioFrame(samples)
}

func quietFrame() media.AudioFrame {
	samples := make([]int16, 128)
	for i := range samples {
		samples[i] = 300 // ~0.009 normalised
	}
	return media.NewAudioFrame(samples)
}

func TestSilenceBoundaryEmitsOnce(t *testing.T) {
	s := New(Config{}, 0)

	var emitted []*media.Utterance
	now := int64(0)
	push := func(f media.AudioFrame) {
		now += 40
		if u := s.Push(f, now); u != nil {
			emitted = append(emitted, u)
		}
	}

	for i := 0; i < 12; i++ {
		push(loudFrame())
	}
	for i := 0; i < 6; i++ {
		push(quietFrame())
	}

	if len(emitted) != 1 {
		t.Fatalf("emitted %d utterances, want 1", len(emitted))
	}
	u := emitted[0]
	// Cut fires on the 5th consecutive silent frame, i.e. the 17th push.
	if got, want := u.Window.EndMs, int64(17*40); got != want {
		t.Errorf("utterance end = %d, want %d", got, want)
	}
	if u.Window.StartMs != 0 {
		t.Errorf("utterance start = %d, want 0", u.Window.StartMs)
	}
	if got, want := len(u.PCM), 17*128; got != want {
		t.Errorf("utterance samples = %d, want %d", got, want)
	}
	// The trailing 18th silent frame starts the next accumulation.
	if got := s.Pending(); got != 1 {
		t.Errorf("pending after cut = %d, want 1", got)
	}
}

func TestLeadingSilenceNeverCuts(t *testing.T) {
	s := New(Config{}, 0)

	now := int64(0)
	for i := 0; i < DefaultMinFrames-1; i++ {
		now += 40
		if u := s.Push(quietFrame(), now); u != nil {
			t.Fatalf("cut during leading silence at frame %d", i+1)
		}
	}
	// Silence below MinFrames does not even arm the counter, so five more
	// quiet frames after the minimum are needed before a cut.
	for i := 0; i < DefaultSilenceRun; i++ {
		now += 40
		if u := s.Push(quietFrame(), now); u != nil {
			t.Fatalf("premature cut at silent frame %d past minimum", i+1)
		}
	}
	now += 40
	if u := s.Push(quietFrame(), now); u == nil {
		t.Fatal("expected cut after silence run past minimum accumulation")
	}
}

func TestContinuousSpeechCutsAtMaxFrames(t *testing.T) {
	s := New(Config{}, 0)

	now := int64(0)
	for i := 0; i < DefaultMaxFrames-1; i++ {
		now += 40
		if u := s.Push(loudFrame(), now); u != nil {
			t.Fatalf("cut before frame cap at frame %d", i+1)
		}
	}
	now += 40
	u := s.Push(loudFrame(), now)
	if u == nil {
		t.Fatal("expected forced cut at frame cap")
	}
	if got, want := len(u.PCM), DefaultMaxFrames*128; got != want {
		t.Errorf("utterance samples = %d, want %d", got, want)
	}
}

func TestSpeechResetsSilenceRun(t *testing.T) {
	s := New(Config{}, 0)

	now := int64(0)
	push := func(f media.AudioFrame) *media.Utterance {
		now += 40
		return s.Push(f, now)
	}

	for i := 0; i < 12; i++ {
		if push(loudFrame()) != nil {
			t.Fatal("unexpected cut during speech")
		}
	}
	for i := 0; i < DefaultSilenceRun-1; i++ {
		if push(quietFrame()) != nil {
			t.Fatal("cut before silence run completed")
		}
	}
	if push(loudFrame()) != nil {
		t.Fatal("speech frame must not complete a silence run")
	}
	for i := 0; i < DefaultSilenceRun-1; i++ {
		if push(quietFrame()) != nil {
			t.Fatal("cut before restarted silence run completed")
		}
	}
	if push(quietFrame()) == nil {
		t.Fatal("expected cut after full silence run")
	}
}

func TestFlushEmitsPartialAccumulation(t *testing.T) {
	s := New(Config{}, 0)

	now := int64(0)
	for i := 0; i < DefaultMinFrames+2; i++ {
		now += 40
		if u := s.Push(loudFrame(), now); u != nil {
			t.Fatal("unexpected cut")
		}
	}
	u := s.Flush(now)
	if u == nil {
		t.Fatal("flush dropped an accumulation past the minimum")
	}
	if got, want := len(u.PCM), (DefaultMinFrames+2)*128; got != want {
		t.Errorf("flushed samples = %d, want %d", got, want)
	}
	if s.Pending() != 0 {
		t.Errorf("pending after flush = %d, want 0", s.Pending())
	}
}

func TestFlushDiscardsShortAccumulation(t *testing.T) {
	s := New(Config{}, 0)

	now := int64(0)
	for i := 0; i < DefaultMinFrames-1; i++ {
		now += 40
		s.Push(loudFrame(), now)
	}
	if u := s.Flush(now); u != nil {
		t.Fatal("flush emitted an accumulation below the minimum")
	}
	if s.Pending() != 0 {
		t.Errorf("pending after flush = %d, want 0", s.Pending())
	}
}

func TestSetThreshold(t *testing.T) {
	s := New(Config{}, 0)

	now := int64(0)
	for i := 0; i < 12; i++ {
		now += 40
		s.Push(loudFrame(), now)
	}
	// Raise the threshold above the loud frames' volume so speech now counts
	// as silence.
	s.SetThreshold(0.5)
	var u *media.Utterance
	for i := 0; i < DefaultSilenceRun; i++ {
		now += 40
		u = s.Push(loudFrame(), now)
	}
	if u == nil {
		t.Fatal("expected cut after threshold raise")
	}
}

func TestWindowsAreContiguous(t *testing.T) {
	s := New(Config{}, 0)

	now := int64(0)
	var windows []media.Window
	for round := 0; round < 3; round++ {
		for i := 0; i < 12; i++ {
			now += 40
			s.Push(loudFrame(), now)
		}
		for i := 0; i < DefaultSilenceRun+1; i++ {
			now += 40
			if u := s.Push(quietFrame(), now); u != nil {
				windows = append(windows, u.Window)
			}
		}
	}
	if len(windows) != 3 {
		t.Fatalf("got %d utterances, want 3", len(windows))
	}
	for i := 1; i < len(windows); i++ {
		if windows[i].StartMs != windows[i-1].EndMs {
			t.Errorf("window %d starts at %d, previous ended at %d",
				i, windows[i].StartMs, windows[i-1].EndMs)
		}
	}
}
