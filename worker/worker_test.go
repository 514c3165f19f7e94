package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/onnwee/replyflow/queue"
	"github.com/onnwee/replyflow/telemetry"
)

// fakeStore is an in-memory JobStore.
type fakeStore struct {
	pending   []*queue.ReplyJob
	completed []string
	failed    map[string]string
	requeued  map[string]string
}

func newFakeStore(jobs ...*queue.ReplyJob) *fakeStore {
	return &fakeStore{pending: jobs, failed: map[string]string{}, requeued: map[string]string{}}
}

func (f *fakeStore) ClaimNext(ctx context.Context) (*queue.ReplyJob, error) {
	if len(f.pending) == 0 {
		return nil, queue.ErrNoJob
	}
	j := f.pending[0]
	f.pending = f.pending[1:]
	j.Attempts++
	j.Status = queue.StatusProcessing
	return j, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, jobID string) error {
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, jobID, reason string) error {
	f.failed[jobID] = reason
	return nil
}

func (f *fakeStore) Requeue(ctx context.Context, jobID, reason string) error {
	f.requeued[jobID] = reason
	return nil
}

func (f *fakeStore) PendingCount(ctx context.Context) (int, error) { return len(f.pending), nil }

// fakeGateway returns scripted results per call.
type fakeGateway struct {
	errs  []error
	calls int
	panic bool
}

func (f *fakeGateway) PostReply(ctx context.Context, channelID, commentID, text string) (string, error) {
	if f.panic {
		panic("gateway exploded")
	}
	var err error
	if f.calls < len(f.errs) {
		err = f.errs[f.calls]
	}
	f.calls++
	if err != nil {
		return "", err
	}
	return "reply_" + commentID, nil
}

type fakeDisconnector struct {
	disconnected []string
}

func (f *fakeDisconnector) MarkChannelDisconnected(ctx context.Context, channelID string) error {
	f.disconnected = append(f.disconnected, channelID)
	return nil
}

type memState struct {
	m map[string]string
}

func newMemState() *memState { return &memState{m: map[string]string{}} }

func (s *memState) Get(ctx context.Context, key string) (string, error) { return s.m[key], nil }
func (s *memState) Set(ctx context.Context, key, value string) error {
	s.m[key] = value
	return nil
}

func job(id string) *queue.ReplyJob {
	return &queue.ReplyJob{ID: id, AccountID: "acct1", ChannelID: "chan1", CommentID: "c_" + id, ReplyText: "thanks"}
}

func testOpts() Options {
	return Options{
		PollInterval: 5 * time.Second,
		PaceMinDelay: 8 * time.Second,
		PaceMaxDelay: 12 * time.Second,
		Cooldown:     time.Hour,
		MaxAttempts:  5,
	}
}

// harness wires a worker with fake clock and recorded sleeps.
type harness struct {
	w      *DripWorker
	store  *fakeStore
	gw     *fakeGateway
	disc   *fakeDisconnector
	state  *memState
	sleeps []time.Duration
	clock  time.Time
}

func newHarness(t *testing.T, store *fakeStore, gw *fakeGateway) *harness {
	t.Helper()
	telemetry.Init()
	h := &harness{
		store: store,
		gw:    gw,
		disc:  &fakeDisconnector{},
		state: newMemState(),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.w = New(store, gw, h.disc, h.state, testOpts())
	h.w.sleep = func(ctx context.Context, d time.Duration) bool {
		h.sleeps = append(h.sleeps, d)
		h.clock = h.clock.Add(d)
		return true
	}
	h.w.now = func() time.Time { return h.clock }
	h.w.randIntn = func(n int) int { return n / 2 }
	return h
}

func TestSuccessPacesBetweenPosts(t *testing.T) {
	h := newHarness(t, newFakeStore(job("j1"), job("j2")), &fakeGateway{})
	ctx := context.Background()

	h.w.runCycle(ctx)
	h.w.runCycle(ctx)

	if len(h.store.completed) != 2 {
		t.Fatalf("completed = %v, want both jobs", h.store.completed)
	}
	for _, d := range h.sleeps {
		if d < 8*time.Second || d > 12*time.Second {
			t.Errorf("pacing gap %v outside [8s,12s]", d)
		}
	}
	if len(h.sleeps) != 2 {
		t.Fatalf("sleeps = %v, want one gap per post", h.sleeps)
	}
}

func TestIdlePollWhenQueueEmpty(t *testing.T) {
	h := newHarness(t, newFakeStore(), &fakeGateway{})
	h.w.runCycle(context.Background())
	if len(h.sleeps) != 1 || h.sleeps[0] != 5*time.Second {
		t.Fatalf("sleeps = %v, want one 5s idle poll", h.sleeps)
	}
	if h.gw.calls != 0 {
		t.Fatal("gateway called with empty queue")
	}
}

func TestRateLimitPausesGlobally(t *testing.T) {
	rateErr := &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}
	h := newHarness(t, newFakeStore(job("j1"), job("j2")), &fakeGateway{errs: []error{rateErr}})
	ctx := context.Background()

	h.w.runCycle(ctx)

	if _, ok := h.store.requeued["j1"]; !ok {
		t.Fatal("rate-limited job was not requeued")
	}
	if h.state.m["worker_paused_until"] == "" {
		t.Fatal("cooldown not persisted")
	}

	// While paused, cycles must not touch the gateway.
	for i := 0; i < 3; i++ {
		h.w.runCycle(ctx)
	}
	if h.gw.calls != 1 {
		t.Fatalf("gateway called %d times during cooldown, want 1", h.gw.calls)
	}

	// Jump past the cooldown; posting resumes.
	h.clock = h.clock.Add(2 * time.Hour)
	h.w.runCycle(ctx)
	if h.gw.calls != 2 {
		t.Fatalf("gateway calls after cooldown = %d, want 2", h.gw.calls)
	}
	if len(h.store.completed) != 1 {
		t.Fatalf("completed = %v, want j2 posted after cooldown", h.store.completed)
	}
}

func TestCooldownSurvivesRestart(t *testing.T) {
	h := newHarness(t, newFakeStore(job("j1")), &fakeGateway{})
	// A prior process recorded a cooldown deadline in the future.
	h.state.m["worker_paused_until"] = h.clock.Add(30 * time.Minute).Format(time.RFC3339)

	h.w.runCycle(context.Background())
	if h.gw.calls != 0 {
		t.Fatal("worker posted during persisted cooldown")
	}
	// Idle waits are capped at the poll interval so shutdown stays prompt.
	if len(h.sleeps) != 1 || h.sleeps[0] > 5*time.Second {
		t.Fatalf("sleeps = %v, want capped cooldown wait", h.sleeps)
	}
}

func TestAuthInvalidDisconnectsChannel(t *testing.T) {
	authErr := &googleapi.Error{Code: 401}
	h := newHarness(t, newFakeStore(job("j1")), &fakeGateway{errs: []error{authErr}})

	h.w.runCycle(context.Background())

	if h.store.failed["j1"] != "credential revoked" {
		t.Fatalf("failed = %v, want j1 marked credential revoked", h.store.failed)
	}
	if len(h.disc.disconnected) != 1 || h.disc.disconnected[0] != "chan1" {
		t.Fatalf("disconnected = %v, want chan1", h.disc.disconnected)
	}
	// Failed posts back off a poll interval, not a pacing gap.
	if len(h.sleeps) != 1 || h.sleeps[0] != 5*time.Second {
		t.Fatalf("sleeps = %v, want one 5s backoff", h.sleeps)
	}
}

func TestTransientRequeuesUntilAttemptsExhausted(t *testing.T) {
	netErr := errors.New("dial tcp: connection refused")
	h := newHarness(t, newFakeStore(), &fakeGateway{errs: []error{netErr}})
	ctx := context.Background()

	j := job("j1")
	j.Attempts = 2
	h.store.pending = []*queue.ReplyJob{j}
	h.w.runCycle(ctx)
	if _, ok := h.store.requeued["j1"]; !ok {
		t.Fatal("transient failure below max attempts was not requeued")
	}

	// At the attempt ceiling the job fails for good.
	h.gw.errs = []error{netErr}
	h.gw.calls = 0
	j2 := job("j2")
	j2.Attempts = 4 // claim bumps to 5 == MaxAttempts
	h.store.pending = []*queue.ReplyJob{j2}
	h.w.runCycle(ctx)
	if _, ok := h.store.failed["j2"]; !ok {
		t.Fatalf("failed = %v, want j2 terminal after max attempts", h.store.failed)
	}
}

func TestFatalFailsJob(t *testing.T) {
	fatal := &googleapi.Error{Code: 404}
	h := newHarness(t, newFakeStore(job("j1")), &fakeGateway{errs: []error{fatal}})

	h.w.runCycle(context.Background())
	if _, ok := h.store.failed["j1"]; !ok {
		t.Fatalf("failed = %v, want j1 terminal", h.store.failed)
	}
	if len(h.store.requeued) != 0 {
		t.Fatal("fatal job was requeued")
	}
}

func TestCyclePanicIsContained(t *testing.T) {
	h := newHarness(t, newFakeStore(job("j1")), &fakeGateway{panic: true})
	// Must not propagate.
	h.w.runCycle(context.Background())
	if len(h.sleeps) != 1 {
		t.Fatalf("sleeps = %v, want backoff sleep after panic", h.sleeps)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, newFakeStore(), &fakeGateway{})
	ctx, cancel := context.WithCancel(context.Background())
	h.w.sleep = func(ctx context.Context, d time.Duration) bool {
		cancel()
		return false
	}
	done := make(chan struct{})
	go func() {
		h.w.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
