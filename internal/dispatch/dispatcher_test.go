package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgov/warden/internal/models"
	"github.com/meshgov/warden/internal/store"
)

// scriptedChannel replays a fixed sequence of outcomes, then delivers.
type scriptedChannel struct {
	kind models.ChannelKind

	mu       sync.Mutex
	outcomes []Outcome
	sent     []string

	gate    chan struct{} // when non-nil, Send blocks until the gate closes
	started chan string   // when non-nil, receives the address as Send begins
}

func (c *scriptedChannel) Kind() models.ChannelKind { return c.kind }

func (c *scriptedChannel) RateLimit() (int, float64) { return 100, 1000 }

func (c *scriptedChannel) Send(ctx context.Context, message, address string) Outcome {
	if c.started != nil {
		c.started <- address
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return Outcome{Kind: Transient, Err: ctx.Err()}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, message)
	if len(c.outcomes) > 0 {
		out := c.outcomes[0]
		c.outcomes = c.outcomes[1:]
		return out
	}
	return Outcome{Kind: Delivered}
}

func (c *scriptedChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type testHarness struct {
	st      *store.Memory
	ch      *scriptedChannel
	d       *Dispatcher
	results chan Result
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	st := store.NewMemory()
	ch := &scriptedChannel{kind: models.ChannelWebhook}
	registry := NewRegistry()
	registry.Register(ch)

	results := make(chan Result, 32)
	d := New(cfg, clockwork.NewRealClock(), st, registry, NewRenderer(), func(r Result) {
		results <- r
	})
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return &testHarness{st: st, ch: ch, d: d, results: results}
}

func testJob(id, alertID string) *models.NotificationJob {
	return &models.NotificationJob{
		Meta:      models.Meta{ID: id, SchemaVersion: models.SchemaVersion},
		AlertID:   alertID,
		ContactID: "contact-1",
		Channel:   models.ChannelWebhook,
		Address:   "https://hooks.example.test/warden",
		Variables: map[string]string{
			"severity":  "critical",
			"rule_name": "disk-pressure",
			"source":    "node-7",
			"message":   "disk above threshold",
		},
		Status:    models.JobPending,
		CreatedAt: time.Now(),
	}
}

func (h *testHarness) putJob(t *testing.T, job *models.NotificationJob) {
	t.Helper()
	require.NoError(t, h.st.PutNew(context.Background(), job.Clone()))
}

func (h *testHarness) waitResult(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch result")
		return Result{}
	}
}

func (h *testHarness) jobStatus(t *testing.T, id string) models.JobStatus {
	t.Helper()
	var job models.NotificationJob
	require.NoError(t, h.st.Get(context.Background(), models.KindJob, id, &job))
	return job.Status
}

func TestDispatcherDeliversJob(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	job := testJob("job-1", "alert-1")
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))

	r := h.waitResult(t)
	assert.Equal(t, "job-1", r.JobID)
	assert.Equal(t, "alert-1", r.AlertID)
	assert.Equal(t, models.JobDelivered, r.Status)
	assert.Equal(t, models.JobDelivered, h.jobStatus(t, "job-1"))

	var stored models.NotificationJob
	require.NoError(t, h.st.Get(context.Background(), models.KindJob, "job-1", &stored))
	require.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, 1, stored.Attempts)
}

func TestDispatcherPermanentFailure(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	h.ch.outcomes = []Outcome{{Kind: Permanent, Err: errors.New("410 gone")}}
	job := testJob("job-1", "alert-1")
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))

	r := h.waitResult(t)
	assert.Equal(t, models.JobFailed, r.Status)
	assert.Contains(t, r.Err, "410 gone")
	assert.Equal(t, models.JobFailed, h.jobStatus(t, "job-1"))
	assert.Equal(t, 1, h.ch.sentCount(), "permanent failures are not retried")
}

func TestDispatcherTransientRetrySucceeds(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	h.ch.outcomes = []Outcome{{Kind: Transient, Err: errors.New("connection reset")}}
	job := testJob("job-1", "alert-1")
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))

	r := h.waitResult(t)
	assert.Equal(t, models.JobDelivered, r.Status)

	var stored models.NotificationJob
	require.NoError(t, h.st.Get(context.Background(), models.KindJob, "job-1", &stored))
	assert.Equal(t, 2, stored.Attempts)
}

func TestDispatcherExhaustsAttempts(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	h.ch.outcomes = []Outcome{{Kind: Transient, Err: errors.New("relay busy")}}
	job := testJob("job-1", "alert-1")
	job.MaxAttempts = 1
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))

	r := h.waitResult(t)
	assert.Equal(t, models.JobFailed, r.Status)
	assert.Contains(t, r.Err, "exhausted 1 attempts")
	assert.Equal(t, models.JobFailed, h.jobStatus(t, "job-1"))
}

func TestDispatcherDeadlineCutsRetries(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	h.ch.outcomes = []Outcome{{Kind: Transient, Err: errors.New("relay busy")}}
	job := testJob("job-1", "alert-1")
	// Deadline is already closer than the smallest backoff, so the first
	// transient failure is terminal.
	job.Deadline = time.Now().Add(100 * time.Millisecond)
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))

	r := h.waitResult(t)
	assert.Equal(t, models.JobFailed, r.Status)
	assert.Contains(t, r.Err, "deadline exceeded")
}

func TestDispatcherMissingAddressIsPermanent(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	job := testJob("job-1", "alert-1")
	job.Address = ""
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))

	r := h.waitResult(t)
	assert.Equal(t, models.JobFailed, r.Status)
	assert.Contains(t, r.Err, "no address")
	assert.Zero(t, h.ch.sentCount())
}

func TestDispatcherUnknownChannelIsPermanent(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	job := testJob("job-1", "alert-1")
	job.Channel = models.ChannelEmail
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))

	r := h.waitResult(t)
	assert.Equal(t, models.JobFailed, r.Status)
	assert.Contains(t, r.Err, "no channel adapter")
}

func TestEnqueueIdempotentOnJobID(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	job := testJob("job-1", "alert-1")
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))
	require.NoError(t, h.d.Enqueue(job))

	h.waitResult(t)
	require.NoError(t, h.d.Enqueue(job), "re-enqueue after terminal is a no-op")

	// Give a duplicate delivery a chance to show up before asserting.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, h.ch.sentCount())
	select {
	case r := <-h.results:
		t.Fatalf("unexpected duplicate result: %+v", r)
	default:
	}
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	job := testJob("job-1", "alert-1")
	job.NotBefore = time.Now().Add(time.Hour)
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))
	h.d.Cancel("job-1")

	r := h.waitResult(t)
	assert.Equal(t, models.JobCancelled, r.Status)
	assert.Equal(t, models.JobCancelled, h.jobStatus(t, "job-1"))
	assert.Zero(t, h.ch.sentCount())
}

func TestCancelAlertCancelsAllQueuedJobs(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	for i := 0; i < 3; i++ {
		job := testJob(fmt.Sprintf("job-%d", i), "alert-1")
		job.NotBefore = time.Now().Add(time.Hour)
		h.putJob(t, job)
		require.NoError(t, h.d.Enqueue(job))
	}
	other := testJob("job-other", "alert-2")
	other.NotBefore = time.Now().Add(time.Hour)
	h.putJob(t, other)
	require.NoError(t, h.d.Enqueue(other))

	h.d.CancelAlert("alert-1")

	for i := 0; i < 3; i++ {
		r := h.waitResult(t)
		assert.Equal(t, models.JobCancelled, r.Status)
		assert.Equal(t, "alert-1", r.AlertID)
	}
	assert.Equal(t, models.JobPending, h.jobStatus(t, "job-other"))
}

func TestCancelInflightJobIsNoOp(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	h.ch.gate = make(chan struct{})
	h.ch.started = make(chan string, 1)
	job := testJob("job-1", "alert-1")
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))
	<-h.ch.started

	h.d.Cancel("job-1")
	close(h.ch.gate)

	r := h.waitResult(t)
	assert.Equal(t, models.JobDelivered, r.Status, "in-flight attempt runs to completion")
}

func TestSameTupleAttemptsAreSerialized(t *testing.T) {
	h := newHarness(t, Config{Workers: 4})
	h.ch.gate = make(chan struct{})
	h.ch.started = make(chan string, 4)

	first := testJob("job-1", "alert-1")
	second := testJob("job-2", "alert-1") // same alert, channel, contact
	h.putJob(t, first)
	h.putJob(t, second)

	require.NoError(t, h.d.Enqueue(first))
	<-h.ch.started
	require.NoError(t, h.d.Enqueue(second))

	select {
	case addr := <-h.ch.started:
		t.Fatalf("second attempt for %s started while first is in flight", addr)
	case <-time.After(300 * time.Millisecond):
	}

	close(h.ch.gate)
	<-h.ch.started

	r1 := h.waitResult(t)
	r2 := h.waitResult(t)
	assert.Equal(t, models.JobDelivered, r1.Status)
	assert.Equal(t, models.JobDelivered, r2.Status)
}

func TestDifferentContactsRunConcurrently(t *testing.T) {
	h := newHarness(t, Config{Workers: 4})
	h.ch.gate = make(chan struct{})
	h.ch.started = make(chan string, 4)

	first := testJob("job-1", "alert-1")
	second := testJob("job-2", "alert-1")
	second.ContactID = "contact-2"
	h.putJob(t, first)
	h.putJob(t, second)

	require.NoError(t, h.d.Enqueue(first))
	require.NoError(t, h.d.Enqueue(second))

	// Both attempts start without either finishing.
	<-h.ch.started
	select {
	case <-h.ch.started:
	case <-time.After(2 * time.Second):
		t.Fatal("second contact's attempt never started")
	}

	close(h.ch.gate)
	h.waitResult(t)
	h.waitResult(t)
}

func TestConstitutionalJobDeliveredWithoutReservedWorkers(t *testing.T) {
	h := newHarness(t, Config{Workers: 2, ConstitutionalFraction: 0})
	job := testJob("job-1", "alert-1")
	job.Constitutional = true
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))

	r := h.waitResult(t)
	assert.Equal(t, models.JobDelivered, r.Status)
	assert.Equal(t, models.JobDelivered, h.jobStatus(t, "job-1"))
}

func TestSharedWorkersServeConstitutionalFirst(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, ConstitutionalFraction: 0})
	h.ch.gate = make(chan struct{})
	h.ch.started = make(chan string, 4)

	// Occupy the single worker, then queue a normal and a constitutional
	// job behind it; the constitutional one must go next.
	busy := testJob("job-busy", "alert-0")
	h.putJob(t, busy)
	require.NoError(t, h.d.Enqueue(busy))
	<-h.ch.started

	norm := testJob("job-norm", "alert-1")
	norm.Priority = 50
	h.putJob(t, norm)
	require.NoError(t, h.d.Enqueue(norm))

	constJob := testJob("job-const", "alert-2")
	constJob.Constitutional = true
	h.putJob(t, constJob)
	require.NoError(t, h.d.Enqueue(constJob))

	close(h.ch.gate)
	h.waitResult(t) // job-busy

	next := h.waitResult(t)
	assert.Equal(t, "job-const", next.JobID)
	h.waitResult(t)
}

func TestTerminalTransitionWrittenOnce(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	job := testJob("job-1", "alert-1")
	h.putJob(t, job)

	require.NoError(t, h.d.Enqueue(job))
	h.waitResult(t)

	// A straggling cancel after delivery must not produce a second terminal
	// write or result.
	h.d.Cancel("job-1")
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, models.JobDelivered, h.jobStatus(t, "job-1"))
	select {
	case r := <-h.results:
		t.Fatalf("unexpected second result: %+v", r)
	default:
	}
}

func TestDelayedJobWaitsForNotBefore(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	job := testJob("job-1", "alert-1")
	job.NotBefore = time.Now().Add(400 * time.Millisecond)
	h.putJob(t, job)

	start := time.Now()
	require.NoError(t, h.d.Enqueue(job))
	r := h.waitResult(t)

	assert.Equal(t, models.JobDelivered, r.Status)
	assert.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
}

func TestDeliveryHistoryBounded(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	for i := 0; i < deliveryHistorySize+20; i++ {
		job := testJob(fmt.Sprintf("job-%d", i), fmt.Sprintf("alert-%d", i))
		h.putJob(t, job)
		require.NoError(t, h.d.Enqueue(job))
		h.waitResult(t)
	}
	assert.Len(t, h.d.RecentDeliveries(), deliveryHistorySize)
}

func TestReadyHeapOrdering(t *testing.T) {
	now := time.Now()
	mk := func(id string, priority int, notBefore time.Time, seq uint64) *jobEntry {
		return &jobEntry{
			job: &models.NotificationJob{
				Meta:      models.Meta{ID: id},
				Priority:  priority,
				NotBefore: notBefore,
			},
			seq:   seq,
			index: -1,
		}
	}

	var h readyHeap
	heap.Push(&h, mk("low", 10, now, 1))
	heap.Push(&h, mk("high", 45, now, 2))
	heap.Push(&h, mk("mid-late", 20, now.Add(time.Minute), 3))
	heap.Push(&h, mk("mid-early", 20, now, 4))
	heap.Push(&h, mk("high-second", 45, now, 5))

	var got []string
	for h.Len() > 0 {
		got = append(got, heap.Pop(&h).(*jobEntry).job.ID)
	}
	assert.Equal(t, []string{"high", "high-second", "mid-early", "mid-late", "low"}, got)
}

func TestDelayedHeapOrdersByNotBefore(t *testing.T) {
	now := time.Now()
	var h delayedHeap
	heap.Push(&h, &jobEntry{job: &models.NotificationJob{Meta: models.Meta{ID: "b"}, NotBefore: now.Add(2 * time.Minute)}, seq: 1})
	heap.Push(&h, &jobEntry{job: &models.NotificationJob{Meta: models.Meta{ID: "a"}, NotBefore: now.Add(time.Minute)}, seq: 2})
	heap.Push(&h, &jobEntry{job: &models.NotificationJob{Meta: models.Meta{ID: "c"}, NotBefore: now.Add(3 * time.Minute)}, seq: 3})

	assert.Equal(t, "a", heap.Pop(&h).(*jobEntry).job.ID)
	assert.Equal(t, "b", heap.Pop(&h).(*jobEntry).job.ID)
	assert.Equal(t, "c", heap.Pop(&h).(*jobEntry).job.ID)
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
		{-1, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestWithJitterBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := withJitter(8 * time.Second)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)
	}
}
