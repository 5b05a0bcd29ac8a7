package archive_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echocast/echocast/internal/archive"
	"github.com/echocast/echocast/pkg/media"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if ECHOCAST_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ECHOCAST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ECHOCAST_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [archive.Store] with a clean schema.
func newTestStore(t *testing.T) *archive.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS transcript_segments`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := archive.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func seg(id int64, text string, startMs, endMs int64) *media.TranscriptSegment {
	return &media.TranscriptSegment{
		ID:                  id,
		Text:                text,
		Window:              media.Window{StartMs: startMs, EndMs: endMs},
		EstimatedDurationMs: media.EstimateDuration(2),
		ReceivedAt:          time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestSaveAndSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Save out of timeline order; Session must return timeline order.
	if err := store.Save(ctx, "s1", seg(2, "second utterance", 5000, 8000)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, "s1", seg(1, "first utterance", 0, 3000)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, "s2", seg(1, "other session", 0, 3000)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := store.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Text != "first utterance" || entries[1].Text != "second utterance" {
		t.Errorf("entries out of timeline order: %q, %q", entries[0].Text, entries[1].Text)
	}
	if entries[0].SegmentID != 1 {
		t.Errorf("SegmentID = %d, want 1", entries[0].SegmentID)
	}
	if entries[0].StartMs != 0 || entries[0].EndMs != 3000 {
		t.Errorf("window = [%d,%d], want [0,3000]", entries[0].StartMs, entries[0].EndMs)
	}
}

func TestTranscript(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, s := range []*media.TranscriptSegment{
		seg(1, "hello there", 0, 2000),
		seg(2, "how are you", 3000, 5000),
	} {
		if err := store.Save(ctx, "s1", s); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	text, err := store.Transcript(ctx, "s1")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	want := "hello there\nhow are you"
	if text != want {
		t.Errorf("Transcript = %q, want %q", text, want)
	}
}

func TestSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, s := range []*media.TranscriptSegment{
		seg(1, "the dragon attacks the village", 0, 2000),
		seg(2, "everyone runs for cover", 3000, 5000),
	} {
		if err := store.Save(ctx, "s1", s); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	hits, err := store.Search(ctx, "dragon", archive.SearchOpts{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("len(hits) = %d, want 1", len(hits))
	}
	if hits[0].SegmentID != 1 {
		t.Errorf("SegmentID = %d, want 1", hits[0].SegmentID)
	}

	// Session filter excludes other sessions.
	hits, err = store.Search(ctx, "dragon", archive.SearchOpts{SessionID: "s2"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("len(hits) = %d, want 0", len(hits))
	}
}

func TestSearchLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if err := store.Save(ctx, "s1", seg(i, "repeated phrase", i*1000, i*1000+500)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	hits, err := store.Search(ctx, "repeated", archive.SearchOpts{Limit: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Errorf("len(hits) = %d, want 3", len(hits))
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
