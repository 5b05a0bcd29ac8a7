// Package wsfeed implements capture.Source over a WebSocket relay feed.
//
// The relay pushes binary frames with a 9-byte header: one kind byte (audio
// or video) followed by a big-endian millisecond timestamp relative to the
// recording epoch. Audio payloads are Opus packets and are decoded to PCM
// before delivery; video payloads are passed through opaque. Text frames
// carry JSON control messages.
package wsfeed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"layeh.com/gopus"

	"github.com/echocast/echocast/pkg/capture"
	"github.com/echocast/echocast/pkg/media"
)

// Feed audio is 48 kHz mono Opus at 20 ms frame size.
const (
	opusSampleRate = 48000
	opusChannels   = 1
	// opusFrameSize is the number of samples per 20 ms frame.
	opusFrameSize = opusSampleRate * 20 / 1000 // 960
)

const (
	kindAudio byte = 0x01
	kindVideo byte = 0x02

	headerLen = 9
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithChunkDuration sets the nominal duration tagged onto incoming video
// chunks. Default 2500 ms, deliberately longer than the relay's 2000 ms
// capture interval so consecutive chunks overlap.
func WithChunkDuration(ms int64) Option {
	return func(c *Client) {
		c.chunkDurationMs = ms
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// controlMessage is the JSON structure of relay text frames.
type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Client is a WebSocket capture feed. It implements capture.Source and
// capture.Recorder.
type Client struct {
	url             string
	token           string
	chunkDurationMs int64
	log             *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	collectors []chan *media.VideoChunk
	started    bool
}

var (
	_ capture.Source   = (*Client)(nil)
	_ capture.Recorder = (*Client)(nil)
)

// New creates a Client for the relay at url. token must be non-empty.
func New(url, token string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("wsfeed: url must not be empty")
	}
	if token == "" {
		return nil, errors.New("wsfeed: token must not be empty")
	}
	c := &Client{
		url:             url,
		token:           token,
		chunkDurationMs: 2500,
		log:             slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Start dials the relay and begins frame delivery to sink.
func (c *Client) Start(ctx context.Context, sink capture.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("wsfeed: already started")
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.token)

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("wsfeed: dial: %w", err)
	}
	// Video payloads can be large.
	conn.SetReadLimit(8 << 20)

	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "decoder init failed")
		return fmt.Errorf("wsfeed: create opus decoder: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	c.conn = conn
	c.cancel = cancel
	c.started = true

	go c.readLoop(readCtx, conn, dec, sink)
	return nil
}

// Stop closes the feed. Idempotent.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "capture stopped")
	c.conn = nil
	if err != nil {
		return fmt.Errorf("wsfeed: close: %w", err)
	}
	return nil
}

// RecordChunks collects live video chunks for approximately d. It reads from
// the running feed, so Start must have been called.
func (c *Client) RecordChunks(ctx context.Context, d time.Duration) ([]*media.VideoChunk, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, errors.New("wsfeed: record requested on a stopped feed")
	}
	collector := make(chan *media.VideoChunk, 16)
	c.collectors = append(c.collectors, collector)
	c.mu.Unlock()

	defer c.removeCollector(collector)

	timer := time.NewTimer(d)
	defer timer.Stop()

	var chunks []*media.VideoChunk
	for {
		select {
		case chunk := <-collector:
			chunks = append(chunks, chunk)
		case <-timer.C:
			return chunks, nil
		case <-ctx.Done():
			return chunks, ctx.Err()
		}
	}
}

func (c *Client) removeCollector(collector chan *media.VideoChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, col := range c.collectors {
		if col == collector {
			c.collectors = append(c.collectors[:i], c.collectors[i+1:]...)
			break
		}
	}
}

// readLoop receives relay frames and dispatches them until the connection
// drops or the context is cancelled.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, dec *gopus.Decoder, sink capture.Sink) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("feed read failed", "error", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.handleBinary(data, dec, sink)
		case websocket.MessageText:
			c.handleControl(data)
		}
	}
}

func (c *Client) handleBinary(data []byte, dec *gopus.Decoder, sink capture.Sink) {
	if len(data) < headerLen {
		c.log.Warn("short feed frame", "len", len(data))
		return
	}
	kind := data[0]
	atMs := int64(binary.BigEndian.Uint64(data[1:headerLen]))
	payload := data[headerLen:]

	switch kind {
	case kindAudio:
		pcm, err := dec.Decode(payload, opusFrameSize, false)
		if err != nil {
			c.log.Warn("opus decode failed", "error", err)
			return
		}
		if sink.OnAudio != nil {
			sink.OnAudio(media.NewAudioFrame(pcm), atMs)
		}
	case kindVideo:
		chunk := &media.VideoChunk{
			Payload:    payload,
			CapturedAt: atMs,
			DurationMs: c.chunkDurationMs,
		}
		if sink.OnVideo != nil {
			sink.OnVideo(chunk)
		}
		c.offerCollectors(chunk)
	default:
		c.log.Warn("unknown feed frame kind", "kind", kind)
	}
}

func (c *Client) offerCollectors(chunk *media.VideoChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, col := range c.collectors {
		select {
		case col <- chunk:
		default:
		}
	}
}

func (c *Client) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("malformed control message", "error", err)
		return
	}
	switch msg.Type {
	case "error":
		c.log.Error("relay error", "message", msg.Message)
	default:
		c.log.Debug("relay control", "type", msg.Type)
	}
}
