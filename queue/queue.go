// Package queue is the durable reply job queue backed by Postgres. Jobs move
// pending -> processing -> completed | failed, with requeue back to pending
// on transient errors. Claiming uses FOR UPDATE SKIP LOCKED so multiple
// claimers never take the same job.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onnwee/replyflow/telemetry"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrNoJob is returned by ClaimNext when the queue is empty.
var ErrNoJob = errors.New("no pending job")

// ReplyJob is one queued reply to a platform comment.
type ReplyJob struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id"`
	ChannelID     string     `json:"channel_id"`
	CommentID     string     `json:"comment_id"`
	ReplyText     string     `json:"reply_text"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// EnqueueItem is a single reply in a bulk enqueue request.
type EnqueueItem struct {
	CommentID string `json:"comment_id"`
	ReplyText string `json:"reply_text"`
}

// Progress summarizes an account's queue state. IsDone means no job is
// pending or in flight.
type Progress struct {
	Pending    int  `json:"pending"`
	Processing int  `json:"processing"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	Total      int  `json:"total"`
	IsDone     bool `json:"is_done"`
}

// Store persists reply jobs.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// Enqueue inserts one pending job per item and marks the targeted comments
// Replied so they drop out of the drafting view immediately. Items whose
// comment already has a live job are skipped, not errors; the count of jobs
// actually inserted is returned. The whole batch commits or rolls back as one.
func (s *Store) Enqueue(ctx context.Context, accountID, channelID string, items []EnqueueItem) (int, error) {
	if accountID == "" || channelID == "" {
		return 0, fmt.Errorf("account and channel are required")
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("at least one reply is required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, item := range items {
		if item.CommentID == "" || strings.TrimSpace(item.ReplyText) == "" {
			return 0, fmt.Errorf("comment id and reply text are required")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO reply_jobs (id, account_id, channel_id, comment_id, reply_text, status)
			 VALUES ($1,$2,$3,$4,$5,'pending')`,
			uuid.NewString(), accountID, channelID, item.CommentID, item.ReplyText)
		if err != nil {
			if isUniqueViolation(err) {
				slog.Info("skipping comment with live job",
					slog.String("comment_id", item.CommentID),
					slog.String("component", "reply_queue"))
				continue
			}
			return 0, fmt.Errorf("insert job for comment %s: %w", item.CommentID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE comments SET status='Replied' WHERE comment_id=$1`, item.CommentID); err != nil {
			return 0, fmt.Errorf("mark comment %s replied: %w", item.CommentID, err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}
	slog.Info("replies enqueued",
		slog.String("account_id", accountID),
		slog.String("channel_id", channelID),
		slog.Int("count", inserted),
		slog.String("component", "reply_queue"))
	return inserted, nil
}

// ClaimNext atomically claims the oldest pending job, moving it to
// processing and stamping last_attempt_at. Returns ErrNoJob when the queue
// is empty. SKIP LOCKED keeps concurrent claimers from blocking each other.
func (s *Store) ClaimNext(ctx context.Context) (*ReplyJob, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE reply_jobs SET status='processing', attempts=attempts+1, last_attempt_at=NOW()
		WHERE id = (
			SELECT id FROM reply_jobs WHERE status='pending'
			ORDER BY created_at ASC LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, account_id, channel_id, comment_id, reply_text, status, attempts, COALESCE(last_error,''), created_at, last_attempt_at`)
	var j ReplyJob
	err := row.Scan(&j.ID, &j.AccountID, &j.ChannelID, &j.CommentID, &j.ReplyText,
		&j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.LastAttemptAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return &j, nil
}

// MarkCompleted finalizes a processing job as completed.
func (s *Store) MarkCompleted(ctx context.Context, jobID string) error {
	if err := s.setStatus(ctx, jobID, StatusProcessing, StatusCompleted, ""); err != nil {
		return err
	}
	if telemetry.RepliesPosted != nil {
		telemetry.RepliesPosted.Inc()
	}
	return nil
}

// MarkFailed finalizes a processing job as failed with a terminal error.
func (s *Store) MarkFailed(ctx context.Context, jobID, reason string) error {
	if err := s.setStatus(ctx, jobID, StatusProcessing, StatusFailed, reason); err != nil {
		return err
	}
	if telemetry.RepliesFailed != nil {
		telemetry.RepliesFailed.Inc()
	}
	return nil
}

// Requeue returns a processing job to pending so a later cycle retries it.
// The attempt counter keeps its incremented value.
func (s *Store) Requeue(ctx context.Context, jobID, reason string) error {
	if err := s.setStatus(ctx, jobID, StatusProcessing, StatusPending, reason); err != nil {
		return err
	}
	if telemetry.RepliesRequeued != nil {
		telemetry.RepliesRequeued.Inc()
	}
	return nil
}

func (s *Store) setStatus(ctx context.Context, jobID, from, to, reason string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE reply_jobs SET status=$3, last_error=NULLIF($4,'') WHERE id=$1 AND status=$2`,
		jobID, from, to, reason)
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", jobID, to, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", jobID, to, err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s is not in %s state", jobID, from)
	}
	return nil
}

// ProgressFor reports an account's queue counters.
func (s *Store) ProgressFor(ctx context.Context, accountID string) (Progress, error) {
	var p Progress
	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM reply_jobs WHERE account_id=$1 GROUP BY status`, accountID)
	if err != nil {
		return p, fmt.Errorf("query progress for %s: %w", accountID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return p, fmt.Errorf("scan progress row: %w", err)
		}
		switch status {
		case StatusPending:
			p.Pending = n
		case StatusProcessing:
			p.Processing = n
		case StatusCompleted:
			p.Completed = n
		case StatusFailed:
			p.Failed = n
		}
		p.Total += n
	}
	p.IsDone = p.Pending == 0 && p.Processing == 0
	return p, rows.Err()
}

// PendingCount returns the global pending depth, for the queue gauge.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reply_jobs WHERE status='pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// RecoverStale requeues processing jobs whose last attempt is older than
// cutoff. Run at startup to reclaim jobs orphaned by a crash mid-post.
func (s *Store) RecoverStale(ctx context.Context, cutoff time.Duration) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE reply_jobs SET status='pending', last_error='recovered after interrupted attempt'
		 WHERE status='processing' AND last_attempt_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(cutoff.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		slog.Warn("recovered interrupted reply jobs",
			slog.Int64("count", n),
			slog.String("component", "reply_queue"))
	}
	return int(n), nil
}

// isUniqueViolation reports a Postgres unique constraint error (23505), which
// the partial index on live jobs raises for duplicate comment targets.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key value")
}
