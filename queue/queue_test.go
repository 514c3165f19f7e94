package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/replyflow/telemetry"
	"github.com/onnwee/replyflow/testutil"
)

func seedQueue(t *testing.T) (*Store, context.Context) {
	t.Helper()
	telemetry.Init()
	database := testutil.SetupTestDB(t)
	testutil.SeedAccount(t, database, "acct1", "Basic", 0, 1000)
	testutil.SeedChannel(t, database, "chan1", "acct1")
	return NewStore(database), context.Background()
}

func TestEnqueueAndClaim(t *testing.T) {
	s, ctx := seedQueue(t)
	testutil.SeedComment(t, s.DB, "c1", "chan1", "acct1")
	testutil.SeedComment(t, s.DB, "c2", "chan1", "acct1")

	n, err := s.Enqueue(ctx, "acct1", "chan1", []EnqueueItem{
		{CommentID: "c1", ReplyText: "thanks!"},
		{CommentID: "c2", ReplyText: "appreciated"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n != 2 {
		t.Fatalf("enqueued %d, want 2", n)
	}

	// Comments flip to Replied as soon as jobs exist.
	var status string
	if err := s.DB.QueryRowContext(ctx, `SELECT status FROM comments WHERE comment_id='c1'`).Scan(&status); err != nil {
		t.Fatalf("read comment: %v", err)
	}
	if status != "Replied" {
		t.Fatalf("comment status = %q, want Replied", status)
	}

	// FIFO: first claim is the older insert.
	job, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.CommentID != "c1" {
		t.Fatalf("claimed comment %s, want c1", job.CommentID)
	}
	if job.Status != StatusProcessing || job.Attempts != 1 {
		t.Fatalf("claimed job = %+v, want processing attempts=1", job)
	}
	if job.LastAttemptAt == nil {
		t.Fatal("last_attempt_at not stamped on claim")
	}
}

func TestClaimNextEmptyQueue(t *testing.T) {
	s, ctx := seedQueue(t)
	if _, err := s.ClaimNext(ctx); !errors.Is(err, ErrNoJob) {
		t.Fatalf("expected ErrNoJob, got %v", err)
	}
}

func TestEnqueueSkipsDuplicateLiveJob(t *testing.T) {
	s, ctx := seedQueue(t)
	testutil.SeedComment(t, s.DB, "c1", "chan1", "acct1")

	if _, err := s.Enqueue(ctx, "acct1", "chan1", []EnqueueItem{{CommentID: "c1", ReplyText: "one"}}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	n, err := s.Enqueue(ctx, "acct1", "chan1", []EnqueueItem{{CommentID: "c1", ReplyText: "two"}})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if n != 0 {
		t.Fatalf("duplicate enqueue inserted %d jobs, want 0", n)
	}
}

func TestEnqueueAllowsNewJobAfterCompletion(t *testing.T) {
	s, ctx := seedQueue(t)
	testutil.SeedComment(t, s.DB, "c1", "chan1", "acct1")

	if _, err := s.Enqueue(ctx, "acct1", "chan1", []EnqueueItem{{CommentID: "c1", ReplyText: "one"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkCompleted(ctx, job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// The partial index only guards live jobs; a finished comment can be
	// targeted again.
	n, err := s.Enqueue(ctx, "acct1", "chan1", []EnqueueItem{{CommentID: "c1", ReplyText: "again"}})
	if err != nil || n != 1 {
		t.Fatalf("re-enqueue after completion: n=%d err=%v", n, err)
	}
}

func TestTransitionsRequireProcessing(t *testing.T) {
	s, ctx := seedQueue(t)
	testutil.SeedComment(t, s.DB, "c1", "chan1", "acct1")
	if _, err := s.Enqueue(ctx, "acct1", "chan1", []EnqueueItem{{CommentID: "c1", ReplyText: "hi"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var jobID string
	if err := s.DB.QueryRowContext(ctx, `SELECT id FROM reply_jobs LIMIT 1`).Scan(&jobID); err != nil {
		t.Fatalf("read job id: %v", err)
	}

	// Pending jobs cannot jump straight to completed or failed.
	if err := s.MarkCompleted(ctx, jobID); err == nil {
		t.Fatal("completed a pending job")
	}
	if err := s.MarkFailed(ctx, jobID, "boom"); err == nil {
		t.Fatal("failed a pending job")
	}

	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Requeue(ctx, jobID, "rate limited"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	var status, lastErr string
	if err := s.DB.QueryRowContext(ctx,
		`SELECT status, COALESCE(last_error,'') FROM reply_jobs WHERE id=$1`, jobID).Scan(&status, &lastErr); err != nil {
		t.Fatalf("read job: %v", err)
	}
	if status != StatusPending || lastErr != "rate limited" {
		t.Fatalf("after requeue status=%q last_error=%q", status, lastErr)
	}
}

func TestProgressFor(t *testing.T) {
	s, ctx := seedQueue(t)
	for _, c := range []string{"c1", "c2", "c3"} {
		testutil.SeedComment(t, s.DB, c, "chan1", "acct1")
	}
	if _, err := s.Enqueue(ctx, "acct1", "chan1", []EnqueueItem{
		{CommentID: "c1", ReplyText: "a"},
		{CommentID: "c2", ReplyText: "b"},
		{CommentID: "c3", ReplyText: "c"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkCompleted(ctx, job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	p, err := s.ProgressFor(ctx, "acct1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Pending != 2 || p.Completed != 1 || p.Total != 3 {
		t.Fatalf("progress = %+v, want pending=2 completed=1 total=3", p)
	}
}

func TestRecoverStale(t *testing.T) {
	s, ctx := seedQueue(t)
	testutil.SeedComment(t, s.DB, "c1", "chan1", "acct1")
	if _, err := s.Enqueue(ctx, "acct1", "chan1", []EnqueueItem{{CommentID: "c1", ReplyText: "hi"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Backdate the attempt to simulate a crash mid-post.
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE reply_jobs SET last_attempt_at = NOW() - INTERVAL '1 minute' WHERE id=$1`, job.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := s.RecoverStale(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d jobs, want 1", n)
	}
	var status string
	if err := s.DB.QueryRowContext(ctx, `SELECT status FROM reply_jobs WHERE id=$1`, job.ID).Scan(&status); err != nil {
		t.Fatalf("read job: %v", err)
	}
	if status != StatusPending {
		t.Fatalf("status = %q, want pending", status)
	}
}

func TestRecoverStaleLeavesFreshJobs(t *testing.T) {
	s, ctx := seedQueue(t)
	testutil.SeedComment(t, s.DB, "c1", "chan1", "acct1")
	if _, err := s.Enqueue(ctx, "acct1", "chan1", []EnqueueItem{{CommentID: "c1", ReplyText: "hi"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	n, err := s.RecoverStale(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("recovered %d fresh jobs, want 0", n)
	}
}
