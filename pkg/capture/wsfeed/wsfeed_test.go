package wsfeed

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/echocast/echocast/pkg/capture"
	"github.com/echocast/echocast/pkg/media"
)

func videoFrame(atMs int64, payload []byte) []byte {
	data := make([]byte, headerLen+len(payload))
	data[0] = kindVideo
	binary.BigEndian.PutUint64(data[1:headerLen], uint64(atMs))
	copy(data[headerLen:], payload)
	return data
}

func TestHandleBinaryVideo(t *testing.T) {
	c, err := New("wss://relay.example/feed", "tok")
	if err != nil {
		t.Fatal(err)
	}

	var got *media.VideoChunk
	sink := capture.Sink{OnVideo: func(chunk *media.VideoChunk) { got = chunk }}

	c.handleBinary(videoFrame(4000, []byte{0xde, 0xad}), nil, sink)

	if got == nil {
		t.Fatal("video chunk not delivered")
	}
	if got.CapturedAt != 4000 {
		t.Errorf("CapturedAt = %d, want 4000", got.CapturedAt)
	}
	if got.DurationMs != 2500 {
		t.Errorf("DurationMs = %d, want default 2500", got.DurationMs)
	}
	if len(got.Payload) != 2 {
		t.Errorf("payload length = %d, want 2", len(got.Payload))
	}
}

func TestHandleBinaryShortFrame(t *testing.T) {
	c, _ := New("wss://relay.example/feed", "tok")

	delivered := false
	sink := capture.Sink{OnVideo: func(*media.VideoChunk) { delivered = true }}
	c.handleBinary([]byte{kindVideo, 0, 0}, nil, sink)
	if delivered {
		t.Fatal("short frame was delivered")
	}
}

func TestHandleBinaryUnknownKind(t *testing.T) {
	c, _ := New("wss://relay.example/feed", "tok")

	delivered := false
	sink := capture.Sink{
		OnVideo: func(*media.VideoChunk) { delivered = true },
	}
	frame := videoFrame(0, []byte{1})
	frame[0] = 0x7f
	c.handleBinary(frame, nil, sink)
	if delivered {
		t.Fatal("unknown kind was delivered")
	}
}

func TestChunkDurationOption(t *testing.T) {
	c, err := New("wss://relay.example/feed", "tok", WithChunkDuration(4000))
	if err != nil {
		t.Fatal(err)
	}

	var got *media.VideoChunk
	c.handleBinary(videoFrame(0, []byte{1}), nil, capture.Sink{
		OnVideo: func(chunk *media.VideoChunk) { got = chunk },
	})
	if got.DurationMs != 4000 {
		t.Errorf("DurationMs = %d, want 4000", got.DurationMs)
	}
}

func TestCollectorsReceiveVideo(t *testing.T) {
	c, _ := New("wss://relay.example/feed", "tok")

	collector := make(chan *media.VideoChunk, 4)
	c.mu.Lock()
	c.collectors = append(c.collectors, collector)
	c.mu.Unlock()

	c.handleBinary(videoFrame(2000, []byte{1}), nil, capture.Sink{})

	select {
	case chunk := <-collector:
		if chunk.CapturedAt != 2000 {
			t.Errorf("CapturedAt = %d, want 2000", chunk.CapturedAt)
		}
	case <-time.After(time.Second):
		t.Fatal("collector did not receive the chunk")
	}

	c.removeCollector(collector)
	c.mu.Lock()
	n := len(c.collectors)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("collectors remaining = %d, want 0", n)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", "tok"); err == nil {
		t.Error("empty url accepted")
	}
	if _, err := New("wss://relay.example/feed", ""); err == nil {
		t.Error("empty token accepted")
	}
}

func TestRecordChunksRequiresStart(t *testing.T) {
	c, _ := New("wss://relay.example/feed", "tok")
	if _, err := c.RecordChunks(t.Context(), time.Second); err == nil {
		t.Fatal("record on stopped feed succeeded")
	}
}
