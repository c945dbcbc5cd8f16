// Package fetchlog implements a durable work queue over Postgres providing
// at-least-once delivery, skip-locked claiming, visibility timeouts, and
// error quarantine. Each row tracks one file's ingest lifecycle.
package fetchlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"aqingest/internal/logging"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClaimedFile is one row returned by Claim: enough information to drive a
// fetch/parse/accumulate/dump cycle.
type ClaimedFile struct {
	FetchlogsID  int64
	Key          string
	LastModified time.Time
}

// Queue is the fetchlog work queue, backed by a Postgres connection pool.
type Queue struct {
	pool             *pgxpool.Pool
	logger           *slog.Logger
	visibilityWindow time.Duration
	now              func() time.Time
}

// New returns a Queue. visibilityWindow is the interval after claim during
// which a row cannot be re-claimed (30 minutes by default per settings).
func New(pool *pgxpool.Pool, logger *slog.Logger, visibilityWindow time.Duration) *Queue {
	if visibilityWindow <= 0 {
		visibilityWindow = 30 * time.Minute
	}
	return &Queue{
		pool:             pool,
		logger:           logging.Default(logger),
		visibilityWindow: visibilityWindow,
		now:              time.Now,
	}
}

// Claim atomically selects up to limit eligible rows whose key matches
// pattern (a doublestar glob, applied here only as the coarse SQL LIKE
// pattern built by likePrefix, since the finer glob match happens in the
// caller against the returned keys), ordered by last_modified in the
// requested direction. It runs a conditional UPDATE over a SKIP LOCKED
// subselect, returning the claimed rows in one round trip, so the row sets
// handed to concurrent claimants are always disjoint.
func (q *Queue) Claim(ctx context.Context, pattern string, limit int, ascending bool) ([]ClaimedFile, error) {
	if limit <= 0 {
		return nil, nil
	}

	direction := "DESC NULLS LAST"
	if ascending {
		direction = "ASC NULLS LAST"
	}
	batchUUID := uuid.New()

	sql := fmt.Sprintf(`
		UPDATE fetchlogs
		SET loaded_datetime = now(), jobs = jobs + 1, batch_uuid = $1
		WHERE fetchlogs_id IN (
			SELECT fetchlogs_id FROM fetchlogs
			WHERE init_datetime IS NOT NULL
			  AND completed_datetime IS NULL
			  AND has_error = false
			  AND key LIKE $2
			  AND (loaded_datetime IS NULL OR loaded_datetime < now() - $3::interval)
			ORDER BY last_modified %s
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING fetchlogs_id, key, last_modified`, direction)

	visibilitySeconds := fmt.Sprintf("%d seconds", int64(q.visibilityWindow.Seconds()))
	rows, err := q.pool.Query(ctx, sql, batchUUID, likePrefix(pattern), visibilitySeconds, limit)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	defer rows.Close()

	var claimed []ClaimedFile
	for rows.Next() {
		var c ClaimedFile
		var lastModified *time.Time
		if err := rows.Scan(&c.FetchlogsID, &c.Key, &lastModified); err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		if lastModified != nil {
			c.LastModified = *lastModified
		}
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}
	return claimed, nil
}

// likePrefix converts a doublestar-style glob prefix into a crude SQL LIKE
// pattern used only to narrow the candidate set before Go-side glob
// matching; '**' and '*' both become '%' since the precise match happens
// in the orchestrator via bmatcuk/doublestar. A '**/' becomes a bare '%'
// because it may also match zero directories.
func likePrefix(pattern string) string {
	if pattern == "" {
		return "%"
	}
	out := make([]byte, 0, len(pattern))
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?':
			if i+2 < len(pattern) && pattern[i+1] == '*' && pattern[i+2] == '/' {
				i += 2
			}
			if len(out) == 0 || out[len(out)-1] != '%' {
				out = append(out, '%')
			}
		default:
			out = append(out, pattern[i])
		}
	}
	return string(out)
}

// MarkSuccess marks the given fetchlog rows completed successfully.
func (q *Queue) MarkSuccess(ctx context.Context, ids []int64, message string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.pool.Exec(ctx, `
		UPDATE fetchlogs
		SET completed_datetime = now(), has_error = false, last_message = $2
		WHERE fetchlogs_id = ANY($1)`, ids, message)
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	return nil
}

// MarkFailure quarantines a single fetchlog row with a diagnostic message.
// No Claim call returns the row again until Resubmit.
func (q *Queue) MarkFailure(ctx context.Context, id int64, cause error) error {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	_, err := q.pool.Exec(ctx, `
		UPDATE fetchlogs
		SET completed_datetime = now(), has_error = true, last_message = $2
		WHERE fetchlogs_id = $1`, id, message)
	if err != nil {
		return fmt.Errorf("mark failure: %w", err)
	}
	return nil
}

// Resubmit clears a row's terminal state so it becomes eligible for Claim
// again. Reprocessing quarantined rows is always an explicit user action.
func (q *Queue) Resubmit(ctx context.Context, key string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE fetchlogs
		SET completed_datetime = NULL, has_error = false, last_message = NULL, loaded_datetime = NULL
		WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("resubmit %q: %w", key, err)
	}
	return nil
}

// Insert upserts a new fetchlog row for key. On conflict by key it
// refreshes last_modified and clears completed_datetime, enabling
// reprocessing when an object is re-uploaded.
func (q *Queue) Insert(ctx context.Context, key string, fileSize *int64, lastModified time.Time) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO fetchlogs (key, file_size, last_modified, init_datetime)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET last_modified = EXCLUDED.last_modified,
		    completed_datetime = NULL`, key, fileSize, lastModified)
	if err != nil {
		return fmt.Errorf("insert %q: %w", key, err)
	}
	return nil
}
