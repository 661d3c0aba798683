package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    session_id     TEXT              PRIMARY KEY,
    started_at     TIMESTAMPTZ       NOT NULL,
    ended_at       TIMESTAMPTZ       NOT NULL,
    final_text     TEXT              NOT NULL,
    normalized     TEXT              NOT NULL DEFAULT '',
    translated     TEXT              NOT NULL DEFAULT '',
    timed_out      BOOLEAN           NOT NULL DEFAULT FALSE,
    audio_seconds  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    passes         BIGINT            NOT NULL DEFAULT 0,
    revisions      BIGINT            NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_transcripts_ended_at
    ON transcripts (ended_at DESC);
`

// Postgres is a Store backed by a transcripts table. All methods are safe
// for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn and ensures the transcripts
// table exists. The migration is idempotent and runs on every start.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Save implements [Store]. Re-saving a session ID overwrites the previous
// record, which happens when a client resumes and ends a session twice.
func (p *Postgres) Save(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO transcripts
		    (session_id, started_at, ended_at, final_text, normalized, translated,
		     timed_out, audio_seconds, passes, revisions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
		    ended_at      = EXCLUDED.ended_at,
		    final_text    = EXCLUDED.final_text,
		    normalized    = EXCLUDED.normalized,
		    translated    = EXCLUDED.translated,
		    timed_out     = EXCLUDED.timed_out,
		    audio_seconds = EXCLUDED.audio_seconds,
		    passes        = EXCLUDED.passes,
		    revisions     = EXCLUDED.revisions`

	_, err := p.pool.Exec(ctx, q,
		rec.SessionID,
		rec.StartedAt,
		rec.EndedAt,
		rec.FinalText,
		rec.Normalized,
		rec.Translated,
		rec.TimedOut,
		rec.AudioSeconds,
		rec.Passes,
		rec.Revisions,
	)
	if err != nil {
		return fmt.Errorf("archive: save %s: %w", rec.SessionID, err)
	}
	return nil
}

// Recent implements [Store].
func (p *Postgres) Recent(ctx context.Context, limit int) ([]Record, error) {
	const q = `
		SELECT session_id, started_at, ended_at, final_text, normalized,
		       translated, timed_out, audio_seconds, passes, revisions
		FROM   transcripts
		ORDER  BY ended_at DESC
		LIMIT  $1`

	rows, err := p.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(
			&r.SessionID,
			&r.StartedAt,
			&r.EndedAt,
			&r.FinalText,
			&r.Normalized,
			&r.Translated,
			&r.TimedOut,
			&r.AudioSeconds,
			&r.Passes,
			&r.Revisions,
		)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
