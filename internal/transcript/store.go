// Package transcript maintains the in-memory store of transcribed segments
// for one session.
//
// Segments arrive asynchronously and out of order, because transcription
// latency varies per utterance. The store keeps two views over the same
// segments: the arrival log, preserving the order results came back in, and a
// start-sorted interval index used for timeline lookups. Near-duplicate
// results for overlapping windows (a retried or doubly-dispatched utterance)
// are collapsed on insert using Jaro-Winkler similarity.
package transcript

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/echocast/echocast/pkg/media"
)

const (
	// lookupSlackMs widens each segment window during lookup so playback
	// positions that fall in the small gaps between windows still resolve.
	lookupSlackMs = 750

	// proximityMaxMs bounds the nearest-neighbour fallback when no widened
	// window contains the lookup position.
	proximityMaxMs = 5000

	// dedupSimilarity is the Jaro-Winkler score at or above which a new
	// segment overlapping an existing one is treated as a duplicate.
	dedupSimilarity = 0.92
)

// Store holds the transcript segments of a session. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	// log is the arrival-ordered append-only record.
	log []*media.TranscriptSegment

	// byStart indexes the same segments sorted by window start.
	byStart []*media.TranscriptSegment

	nextID  int64
	deduped int64
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the arrival timestamp source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add inserts a segment. It assigns the segment ID, arrival timestamp and
// estimated duration, and returns the stored segment. When the segment is a
// near-duplicate of an already stored one covering an overlapping window, the
// existing segment is returned and added is false.
func (s *Store) Add(text string, w media.Window) (seg *media.TranscriptSegment, added bool) {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	if dup := s.findDuplicateLocked(text, w); dup != nil {
		s.deduped++
		return dup, false
	}

	s.nextID++
	seg = &media.TranscriptSegment{
		ID:                  s.nextID,
		Text:                text,
		Window:              w,
		EstimatedDurationMs: media.EstimateDuration(len(strings.Fields(text))),
		ReceivedAt:          s.now(),
	}

	s.log = append(s.log, seg)
	i := sort.Search(len(s.byStart), func(i int) bool {
		return s.byStart[i].Window.StartMs > w.StartMs
	})
	s.byStart = append(s.byStart, nil)
	copy(s.byStart[i+1:], s.byStart[i:])
	s.byStart[i] = seg

	return seg, true
}

// findDuplicateLocked scans overlapping stored segments for a near-identical
// text. The scan walks the sorted index outward from the insertion point, so
// only neighbours of the new window are compared.
func (s *Store) findDuplicateLocked(text string, w media.Window) *media.TranscriptSegment {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	for _, other := range s.byStart {
		if other.Window.StartMs > w.EndMs {
			break
		}
		if other.Window.EndMs < w.StartMs {
			continue
		}
		if matchr.JaroWinkler(lower, strings.ToLower(other.Text), false) >= dedupSimilarity {
			return other
		}
	}
	return nil
}

// Lookup resolves the segment covering position atMs on the recording
// timeline. Windows are widened by a small slack before containment testing;
// when several widened windows contain the position, the one whose midpoint
// is nearest wins. When none contains it, the nearest segment within the
// proximity bound is returned. Beyond that, ok is false: showing nothing
// beats showing a caption from the wrong part of the recording.
func (s *Store) Lookup(atMs int64) (seg *media.TranscriptSegment, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *media.TranscriptSegment
	bestDist := int64(-1)

	for _, cand := range s.byStart {
		if cand.Window.StartMs-lookupSlackMs > atMs {
			break
		}
		if !cand.Window.Widen(lookupSlackMs).Contains(atMs) {
			continue
		}
		d := absMs(cand.Window.Mid() - atMs)
		if bestDist < 0 || d < bestDist {
			best, bestDist = cand, d
		}
	}
	if best != nil {
		return best, true
	}

	// Proximity fallback: nearest window edge within the bound.
	for _, cand := range s.byStart {
		d := edgeDistance(cand.Window, atMs)
		if d > proximityMaxMs {
			continue
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = cand, d
		}
	}
	if best != nil {
		return best, true
	}
	return nil, false
}

// NextAfter returns the first segment in timeline order strictly after the
// position (startMs, id). Passing startMs -1 yields the earliest segment.
// Segments sharing a window start are ordered by ID, matching insertion order.
func (s *Store) NextAfter(startMs, id int64) (seg *media.TranscriptSegment, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.byStart), func(i int) bool {
		c := s.byStart[i]
		return c.Window.StartMs > startMs || (c.Window.StartMs == startMs && c.ID > id)
	})
	if i == len(s.byStart) {
		return nil, false
	}
	return s.byStart[i], true
}

// Segments returns a snapshot of all segments in window-start order.
func (s *Store) Segments() []*media.TranscriptSegment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*media.TranscriptSegment, len(s.byStart))
	copy(out, s.byStart)
	return out
}

// Arrivals returns a snapshot of all segments in arrival order.
func (s *Store) Arrivals() []*media.TranscriptSegment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*media.TranscriptSegment, len(s.log))
	copy(out, s.log)
	return out
}

// Transcript renders the full transcript in timeline order, one segment per
// line, for export.
func (s *Store) Transcript() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b strings.Builder
	for _, seg := range s.byStart {
		if seg.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

// Len returns the number of stored segments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byStart)
}

// Deduped returns the number of segments dropped as near-duplicates.
func (s *Store) Deduped() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deduped
}

func absMs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// edgeDistance returns 0 when atMs lies inside w, otherwise the distance to
// the nearest edge.
func edgeDistance(w media.Window, atMs int64) int64 {
	switch {
	case atMs < w.StartMs:
		return w.StartMs - atMs
	case atMs > w.EndMs:
		return atMs - w.EndMs
	default:
		return 0
	}
}
