package media

import "testing"

func TestNewAudioFrameVolume(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{"silence", []int16{0, 0, 0, 0}, 0},
		{"full scale", []int16{-32768, -32768}, 1},
		{"mixed", []int16{16384, -16384}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewAudioFrame(tt.samples)
			if f.Volume != tt.want {
				t.Errorf("Volume = %v, want %v", f.Volume, tt.want)
			}
		})
	}
}

func TestWindowWidenContains(t *testing.T) {
	w := Window{StartMs: 1000, EndMs: 3000}
	if w.Mid() != 2000 {
		t.Errorf("Mid = %d, want 2000", w.Mid())
	}
	wide := w.Widen(500)
	if wide.StartMs != 500 || wide.EndMs != 3500 {
		t.Errorf("Widen = %+v", wide)
	}
	if !wide.Contains(500) || !wide.Contains(3500) || wide.Contains(4000) {
		t.Error("Contains wrong at widened bounds")
	}
}

func TestChunkOverlaps(t *testing.T) {
	c := &VideoChunk{CapturedAt: 2000, DurationMs: 2500}
	if c.End() != 4500 {
		t.Fatalf("End = %d, want 4500", c.End())
	}
	if !c.Overlaps(4000, 6000) {
		t.Error("trailing overlap missed")
	}
	if !c.Overlaps(0, 2000) {
		t.Error("boundary overlap missed")
	}
	if c.Overlaps(4501, 9000) {
		t.Error("disjoint interval matched")
	}
}

func TestEstimateDuration(t *testing.T) {
	if got := EstimateDuration(1); got != 2000 {
		t.Errorf("one word = %d, want floor 2000", got)
	}
	if got := EstimateDuration(10); got != 5000 {
		t.Errorf("ten words = %d, want 5000", got)
	}
	if got := EstimateDuration(0); got != 2000 {
		t.Errorf("zero words = %d, want floor 2000", got)
	}
}

func TestClipWindowAndDuration(t *testing.T) {
	clip := &Clip{Chunks: []*VideoChunk{
		{CapturedAt: 0, DurationMs: 2500},
		{CapturedAt: 2000, DurationMs: 2500},
		{CapturedAt: 4000, DurationMs: 2500},
	}}
	w := clip.Window()
	if w.StartMs != 0 || w.EndMs != 6500 {
		t.Errorf("Window = %+v, want [0,6500]", w)
	}
	if clip.DurationMs() != 6500 {
		t.Errorf("DurationMs = %d, want 6500", clip.DurationMs())
	}
}
