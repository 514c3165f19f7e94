// Package worker runs the single paced drip loop that drains the reply
// queue. One claim per cycle, a randomized gap between posts, and a global
// cooldown persisted in the kv table when the platform rate-limits us, so a
// restart cannot shorten the pause.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/replyflow/db"
	"github.com/onnwee/replyflow/queue"
	"github.com/onnwee/replyflow/telemetry"
	"github.com/onnwee/replyflow/youtubeapi"
)

// PausedUntilKey is the kv key holding the global cooldown deadline. The
// interactive reply path writes it too so a rate limit hit anywhere pauses
// the drip.
const PausedUntilKey = "worker_paused_until"

// JobStore is the queue surface the worker drives.
type JobStore interface {
	ClaimNext(ctx context.Context) (*queue.ReplyJob, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	Requeue(ctx context.Context, jobID, reason string) error
	PendingCount(ctx context.Context) (int, error)
}

// Gateway posts replies to the platform.
type Gateway interface {
	PostReply(ctx context.Context, channelID, parentCommentID, text string) (string, error)
}

// ChannelDisconnector flags channels whose credential was revoked.
type ChannelDisconnector interface {
	MarkChannelDisconnected(ctx context.Context, channelID string) error
}

// StateStore persists operational state across restarts.
type StateStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// DBState is the kv-table backed StateStore.
type DBState struct {
	DB *sql.DB
}

func (s *DBState) Get(ctx context.Context, key string) (string, error) {
	return db.KVGet(ctx, s.DB, key)
}

func (s *DBState) Set(ctx context.Context, key, value string) error {
	return db.KVSet(ctx, s.DB, key, value)
}

// Options tune the drip cadence.
type Options struct {
	PollInterval  time.Duration // idle wait when the queue is empty
	PaceMinDelay  time.Duration // lower bound of the randomized post gap
	PaceMaxDelay  time.Duration // upper bound of the randomized post gap
	Cooldown      time.Duration // global pause after a rate-limit response
	RecoveryDelay time.Duration // wait after a panicked cycle before resuming
	MaxAttempts   int           // transient failures before a job goes failed
}

// DripWorker drains the reply queue one job at a time.
type DripWorker struct {
	Jobs     JobStore
	Gateway  Gateway
	Channels ChannelDisconnector
	State    StateStore
	Opts     Options

	// Injectable for tests. sleep returns false when ctx was cancelled.
	sleep    func(ctx context.Context, d time.Duration) bool
	randIntn func(n int) int
	now      func() time.Time
}

func New(jobs JobStore, gw Gateway, channels ChannelDisconnector, state StateStore, opts Options) *DripWorker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = 10 * time.Second
	}
	return &DripWorker{
		Jobs:     jobs,
		Gateway:  gw,
		Channels: channels,
		State:    state,
		Opts:     opts,
		sleep:    sleepCtx,
		randIntn: rand.Intn,
		now:      time.Now,
	}
}

// Start launches the drip loop in a goroutine, stopping when ctx is done.
func (w *DripWorker) Start(ctx context.Context) {
	go func() {
		slog.Info("reply drip worker starting",
			slog.Duration("poll", w.Opts.PollInterval),
			slog.Duration("pace_min", w.Opts.PaceMinDelay),
			slog.Duration("pace_max", w.Opts.PaceMaxDelay),
			slog.String("component", "drip_worker"))
		w.Run(ctx)
		slog.Info("reply drip worker stopped", slog.String("component", "drip_worker"))
	}()
}

// Run is the blocking drip loop. Exactly one post is in flight at a time.
func (w *DripWorker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		w.runCycle(ctx)
	}
}

// runCycle executes one claim/post/sleep cycle with panic containment, so a
// bug in one job cannot kill the loop.
func (w *DripWorker) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("drip cycle panicked",
				slog.Any("panic", r),
				slog.String("component", "drip_worker"))
			w.sleep(ctx, w.Opts.RecoveryDelay)
		}
	}()

	if telemetry.WorkerCycles != nil {
		telemetry.WorkerCycles.Inc()
	}

	if remaining := w.pauseRemaining(ctx); remaining > 0 {
		telemetry.UpdatePausedGauge(true)
		w.sleep(ctx, minDuration(remaining, w.Opts.PollInterval))
		return
	}
	telemetry.UpdatePausedGauge(false)

	job, err := w.Jobs.ClaimNext(ctx)
	if err == queue.ErrNoJob {
		w.sleep(ctx, w.Opts.PollInterval)
		return
	}
	if err != nil {
		slog.Error("claim failed", slog.Any("error", err), slog.String("component", "drip_worker"))
		w.sleep(ctx, w.Opts.PollInterval)
		return
	}

	w.observeDepth(ctx)
	if w.process(ctx, job) {
		// The randomized gap between successful posts is what keeps the
		// account looking human to the platform.
		w.sleep(ctx, w.paceDelay())
	} else {
		// Failed attempts wait a poll interval so a run of bad jobs cannot
		// hammer the database or the gateway.
		w.sleep(ctx, w.Opts.PollInterval)
	}
}

// process posts one job and dispatches on the error class. Returns true when
// a reply was actually published.
func (w *DripWorker) process(ctx context.Context, job *queue.ReplyJob) bool {
	log := slog.With(
		slog.String("job_id", job.ID),
		slog.String("channel_id", job.ChannelID),
		slog.String("comment_id", job.CommentID),
		slog.Int("attempt", job.Attempts),
		slog.String("component", "drip_worker"))

	start := w.now()
	replyID, err := w.Gateway.PostReply(ctx, job.ChannelID, job.CommentID, job.ReplyText)
	if telemetry.PostDuration != nil {
		telemetry.PostDuration.Observe(w.now().Sub(start).Seconds())
	}

	switch class := youtubeapi.Classify(err); class {
	case youtubeapi.ClassNone:
		if err := w.Jobs.MarkCompleted(ctx, job.ID); err != nil {
			log.Error("mark completed failed", slog.Any("error", err))
		}
		log.Info("reply posted", slog.String("reply_id", replyID))
		return true

	case youtubeapi.ClassRateLimited:
		// The limit is per credentialed app, not per job: requeue and stand
		// down globally.
		if err := w.Jobs.Requeue(ctx, job.ID, "rate limited"); err != nil {
			log.Error("requeue failed", slog.Any("error", err))
		}
		w.pauseFor(ctx, w.Opts.Cooldown)
		log.Warn("rate limited, pausing", slog.Duration("cooldown", w.Opts.Cooldown))
		return false

	case youtubeapi.ClassAuthInvalid:
		if err := w.Jobs.MarkFailed(ctx, job.ID, "credential revoked"); err != nil {
			log.Error("mark failed failed", slog.Any("error", err))
		}
		if err := w.Channels.MarkChannelDisconnected(ctx, job.ChannelID); err != nil {
			log.Error("disconnect channel failed", slog.Any("error", err))
		}
		log.Warn("credential revoked, channel disconnected")
		return false

	case youtubeapi.ClassTransientNetwork:
		if job.Attempts >= w.Opts.MaxAttempts {
			if err := w.Jobs.MarkFailed(ctx, job.ID, fmt.Sprintf("gave up after %d attempts: %v", job.Attempts, err)); err != nil {
				log.Error("mark failed failed", slog.Any("error", err))
			}
			log.Warn("transient failures exhausted", slog.Any("error", err))
		} else {
			if err := w.Jobs.Requeue(ctx, job.ID, fmt.Sprintf("transient: %v", err)); err != nil {
				log.Error("requeue failed", slog.Any("error", err))
			}
			log.Info("transient failure, requeued", slog.Any("error", err))
		}
		return false

	default: // ClassFatal
		if err := w.Jobs.MarkFailed(ctx, job.ID, fmt.Sprintf("fatal: %v", err)); err != nil {
			log.Error("mark failed failed", slog.Any("error", err))
		}
		log.Warn("fatal post error", slog.Any("error", err))
		return false
	}
}

// paceDelay picks a random gap in [PaceMinDelay, PaceMaxDelay].
func (w *DripWorker) paceDelay() time.Duration {
	spread := w.Opts.PaceMaxDelay - w.Opts.PaceMinDelay
	d := w.Opts.PaceMinDelay
	if spread > 0 {
		d += time.Duration(w.randIntn(int(spread) + 1))
	}
	if telemetry.PaceDelay != nil {
		telemetry.PaceDelay.Observe(d.Seconds())
	}
	return d
}

// pauseFor persists the cooldown deadline so a restart honors it.
func (w *DripWorker) pauseFor(ctx context.Context, d time.Duration) {
	until := w.now().Add(d)
	if err := w.State.Set(ctx, PausedUntilKey, until.Format(time.RFC3339)); err != nil {
		slog.Error("persist cooldown failed", slog.Any("error", err), slog.String("component", "drip_worker"))
	}
	telemetry.UpdatePausedGauge(true)
}

// pauseRemaining returns how long the persisted cooldown still has to run.
func (w *DripWorker) pauseRemaining(ctx context.Context) time.Duration {
	v, err := w.State.Get(ctx, PausedUntilKey)
	if err != nil {
		slog.Error("read cooldown failed", slog.Any("error", err), slog.String("component", "drip_worker"))
		return 0
	}
	if v == "" {
		return 0
	}
	until, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0
	}
	return until.Sub(w.now())
}

func (w *DripWorker) observeDepth(ctx context.Context) {
	if n, err := w.Jobs.PendingCount(ctx); err == nil {
		telemetry.SetQueueDepth(n)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
