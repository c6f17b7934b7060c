// Package usage persists one record per finished chat request.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Record describes the outcome of one accepted chat request.
type Record struct {
	RequestID    string
	UserID       string
	QuotaTier    string
	KeyID        string
	Model        string
	Provider     string
	Outcome      string
	Attempts     int
	Chunks       int
	FirstChunkMs int64
	DurationMs   int64
	Error        string
	CreatedAt    time.Time
}

// Recorder stores usage records. Record must not block the caller on I/O.
type Recorder interface {
	Record(rec Record)
}

// NopRecorder discards records.
type NopRecorder struct{}

func (NopRecorder) Record(Record) {}

// Execer is the subset of pgxpool.Pool the recorder needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertSQL = `
	INSERT INTO chat_requests (
		request_id, user_id, quota_tier, key_id, model, provider, outcome,
		attempts, chunks, first_chunk_ms, duration_ms, error, created_at
	) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13)
`

// PGRecorder writes records to PostgreSQL in the background.
type PGRecorder struct {
	db      Execer
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewPGRecorder(db Execer, timeout time.Duration) *PGRecorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PGRecorder{db: db, timeout: timeout}
}

// Record writes rec asynchronously (fire-and-forget); failures are logged.
func (r *PGRecorder) Record(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.write(ctx, rec); err != nil {
			slog.Warn("usage record write failed", "request_id", rec.RequestID, "error", err)
		}
	}()
}

func (r *PGRecorder) write(ctx context.Context, rec Record) error {
	_, err := r.db.Exec(ctx, insertSQL,
		rec.RequestID, rec.UserID, rec.QuotaTier, rec.KeyID, rec.Model, rec.Provider, rec.Outcome,
		rec.Attempts, rec.Chunks, rec.FirstChunkMs, rec.DurationMs, rec.Error, rec.CreatedAt,
	)
	return err
}

// Wait blocks until in-flight writes finish. Called on shutdown.
func (r *PGRecorder) Wait() {
	r.wg.Wait()
}
