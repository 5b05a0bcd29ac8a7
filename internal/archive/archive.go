// Package archive provides an optional PostgreSQL-backed transcript archive.
//
// Each finalised transcript segment is stored as one row so that past
// sessions can be searched and exported after the live buffers are gone. The
// archive is strictly write-behind: the live pipeline never blocks on it, and
// a session runs fine with archiving disabled.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echocast/echocast/pkg/media"
)

const ddlSegments = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    segment_id   BIGINT       NOT NULL,
    text         TEXT         NOT NULL,
    start_ms     BIGINT       NOT NULL,
    end_ms       BIGINT       NOT NULL,
    estimated_ms BIGINT       NOT NULL DEFAULT 0,
    received_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_session_id
    ON transcript_segments (session_id);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_session_start
    ON transcript_segments (session_id, start_ms);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_fts
    ON transcript_segments USING GIN (to_tsvector('english', text));
`

// SearchOpts filters archive searches. Zero values mean "no filter".
type SearchOpts struct {
	SessionID string
	After     time.Time
	Before    time.Time
	Limit     int
}

// Entry is one archived transcript segment.
type Entry struct {
	SessionID   string
	SegmentID   int64
	Text        string
	StartMs     int64
	EndMs       int64
	EstimatedMs int64
	ReceivedAt  time.Time
}

// Store is the PostgreSQL-backed transcript archive. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, and runs [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates or ensures the archive tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSegments); err != nil {
		return fmt.Errorf("archive migrate: %w", err)
	}
	return nil
}

// Save appends seg to the archive under sessionID.
func (s *Store) Save(ctx context.Context, sessionID string, seg *media.TranscriptSegment) error {
	const q = `
		INSERT INTO transcript_segments
		    (session_id, segment_id, text, start_ms, end_ms, estimated_ms, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		seg.ID,
		seg.Text,
		seg.Window.StartMs,
		seg.Window.EndMs,
		seg.EstimatedDurationMs,
		seg.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: save segment: %w", err)
	}
	return nil
}

// Session returns all entries for sessionID in timeline order (earliest
// window start first).
func (s *Store) Session(ctx context.Context, sessionID string) ([]Entry, error) {
	const q = `
		SELECT session_id, segment_id, text, start_ms, end_ms, estimated_ms, received_at
		FROM   transcript_segments
		WHERE  session_id = $1
		ORDER  BY start_ms`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: session: %w", err)
	}
	return collectEntries(rows)
}

// Transcript assembles the archived session as plain text, one segment per
// line in timeline order.
func (s *Store) Transcript(ctx context.Context, sessionID string) (string, error) {
	entries, err := s.Session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Text != "" {
			lines = append(lines, e.Text)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Search performs a PostgreSQL full-text search over archived segment text
// and applies optional filters from opts.
//
// The query is passed to plainto_tsquery so no special operator syntax is
// required.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "received_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "received_at < "+next(opts.Before))
	}

	q := "SELECT session_id, segment_id, text, start_ms, end_ms, estimated_ms, received_at\n" +
		"FROM   transcript_segments\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY start_ms"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return collectEntries(rows)
}

// Ping reports whether the archive database is reachable. Used as a
// readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectEntries scans pgx rows into a slice of Entry values.
func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		if err := row.Scan(
			&e.SessionID,
			&e.SegmentID,
			&e.Text,
			&e.StartMs,
			&e.EndMs,
			&e.EstimatedMs,
			&e.ReceivedAt,
		); err != nil {
			return Entry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
