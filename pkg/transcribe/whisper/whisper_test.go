package whisper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/echocast/echocast/pkg/transcribe"
)

// newMockServer returns an /inference endpoint that records the received form
// fields and responds with responseText.
func newMockServer(t *testing.T, responseText string, fields *map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if fields != nil {
			got := map[string]string{}
			for k, v := range r.MultipartForm.Value {
				if len(v) > 0 {
					got[k] = v[0]
				}
			}
			if f, _, err := r.FormFile("file"); err != nil {
				t.Errorf("missing file field: %v", err)
			} else {
				f.Close()
				got["file"] = "present"
			}
			*fields = got
		}
		json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
}

func pcmTone(n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16((i % 64) * 100)
	}
	return pcm
}

func TestNewEmptyServerURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("empty server URL accepted")
	}
}

func TestTranscribeSendsHints(t *testing.T) {
	var fields map[string]string
	srv := newMockServer(t, "hello world", &fields)
	defer srv.Close()

	p, err := New(srv.URL, WithModel("base.en"))
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Transcribe(context.Background(), transcribe.Request{
		PCM:        pcmTone(1600),
		SampleRate: 16000,
		Language:   "de",
		Prompt:     "Speaker names: Ada, Linus",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello world" {
		t.Errorf("text = %q, want %q", res.Text, "hello world")
	}
	if fields["file"] != "present" {
		t.Error("wav file not uploaded")
	}
	if fields["language"] != "de" {
		t.Errorf("language = %q, want de", fields["language"])
	}
	if fields["prompt"] != "Speaker names: Ada, Linus" {
		t.Errorf("prompt = %q", fields["prompt"])
	}
	if fields["model"] != "base.en" {
		t.Errorf("model = %q, want base.en", fields["model"])
	}
}

func TestTranscribeDefaultLanguage(t *testing.T) {
	var fields map[string]string
	srv := newMockServer(t, "x", &fields)
	defer srv.Close()

	p, _ := New(srv.URL, WithLanguage("fr"))
	if _, err := p.Transcribe(context.Background(), transcribe.Request{PCM: pcmTone(160)}); err != nil {
		t.Fatal(err)
	}
	if fields["language"] != "fr" {
		t.Errorf("language = %q, want provider default fr", fields["language"])
	}
}

func TestTranscribeEmptyUtterance(t *testing.T) {
	p, _ := New("http://localhost:9")
	if _, err := p.Transcribe(context.Background(), transcribe.Request{}); err == nil {
		t.Fatal("empty utterance accepted")
	}
}

func TestTranscribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	_, err := p.Transcribe(context.Background(), transcribe.Request{PCM: pcmTone(160)})
	if err == nil {
		t.Fatal("HTTP 503 did not surface as an error")
	}
}

func TestTranscribeCancelledContext(t *testing.T) {
	srv := newMockServer(t, "x", nil)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, _ := New(srv.URL)
	_, err := p.Transcribe(ctx, transcribe.Request{PCM: pcmTone(160)})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
