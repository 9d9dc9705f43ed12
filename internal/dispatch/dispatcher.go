package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/meshgov/warden/internal/clock"
	"github.com/meshgov/warden/internal/metrics"
	"github.com/meshgov/warden/internal/models"
	"github.com/meshgov/warden/internal/store"
)

// Result reports a job reaching a terminal state back to the engine.
type Result struct {
	JobID     string
	AlertID   string
	ContactID string
	Channel   models.ChannelKind
	Status    models.JobStatus
	Err       string
}

// ResultSink receives terminal job results. It must not block for long; the
// engine's ingress path is bounded.
type ResultSink func(Result)

// DeliveryRecord is one delivery attempt kept for debugging.
type DeliveryRecord struct {
	JobID     string             `json:"jobId"`
	AlertID   string             `json:"alertId"`
	Channel   models.ChannelKind `json:"channel"`
	Attempt   int                `json:"attempt"`
	Outcome   string             `json:"outcome"`
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

const deliveryHistorySize = 100

// errAlreadyTerminal aborts a terminal-transition mutator when another path
// already finished the job.
var errAlreadyTerminal = errors.New("job already terminal")

// Config holds dispatcher tuning.
type Config struct {
	Workers                int
	ConstitutionalFraction float64       // share of workers reserved for constitutional jobs
	DefaultMaxAttempts     int           // when a job does not specify one
	AttemptTimeout         time.Duration // deadline handed to channel adapters
}

// Dispatcher consumes notification jobs and drives channel adapters. It is
// the only writer of terminal job transitions in the store.
type Dispatcher struct {
	cfg      Config
	clk      clock.Clock
	st       store.Store
	registry *Registry
	renderer *Renderer
	sink     ResultSink

	mu         sync.Mutex
	cond       *sync.Cond
	readyNorm  readyHeap
	readyConst readyHeap
	delayed    delayedHeap
	entries    map[string]*jobEntry   // queued jobs by ID
	blocked    map[string][]*jobEntry // tuple key -> jobs waiting on in-flight attempt
	inflight   map[string]bool        // tuple key -> attempt outstanding
	terminal   map[string]time.Time   // job ID -> when it reached terminal state
	seq        uint64
	stopped    bool

	limitersMu sync.Mutex
	limiters   map[models.ChannelKind]*rate.Limiter

	historyMu sync.Mutex
	history   []DeliveryRecord

	ctx      context.Context
	cancel   context.CancelFunc
	pumpKick chan struct{}
	wg       sync.WaitGroup
}

// New creates a dispatcher. Call Start to launch workers.
func New(cfg Config, clk clock.Clock, st store.Store, registry *Registry, renderer *Renderer, sink ResultSink) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 5
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	d := &Dispatcher{
		cfg:      cfg,
		clk:      clk,
		st:       st,
		registry: registry,
		renderer: renderer,
		sink:     sink,
		entries:  make(map[string]*jobEntry),
		blocked:  make(map[string][]*jobEntry),
		inflight: make(map[string]bool),
		terminal: make(map[string]time.Time),
		limiters: make(map[models.ChannelKind]*rate.Limiter),
		history:  make([]DeliveryRecord, 0, deliveryHistorySize),
		pumpKick: make(chan struct{}, 1),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker pool and the delayed-job pump.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)

	constWorkers := int(math.Ceil(d.cfg.ConstitutionalFraction * float64(d.cfg.Workers)))
	if constWorkers >= d.cfg.Workers {
		constWorkers = d.cfg.Workers - 1
	}
	if constWorkers < 0 {
		constWorkers = 0
	}

	for i := 0; i < d.cfg.Workers; i++ {
		constitutional := i < constWorkers
		d.wg.Add(1)
		go d.worker(constitutional)
	}
	d.wg.Add(1)
	go d.pump()

	log.Info().
		Int("workers", d.cfg.Workers).
		Int("constitutionalWorkers", constWorkers).
		Msg("Notification dispatcher started")
}

// Stop drains workers and halts the pump. Queued jobs stay queued in memory
// until process exit; their store records remain pending for replay.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cond.Broadcast()
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	log.Info().Msg("Notification dispatcher stopped")
}

// Enqueue accepts a job for delivery. Idempotent on job ID: re-enqueueing a
// known or already-terminal job is a no-op.
func (d *Dispatcher) Enqueue(job *models.NotificationJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("dispatch: job must have an ID")
	}
	job = job.Clone()
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = d.cfg.DefaultMaxAttempts
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return fmt.Errorf("dispatch: dispatcher stopped")
	}
	if _, known := d.entries[job.ID]; known {
		return nil
	}
	if _, done := d.terminal[job.ID]; done {
		return nil
	}

	d.seq++
	entry := &jobEntry{job: job, seq: d.seq, index: -1}
	d.entries[job.ID] = entry
	d.push(entry)
	d.updateQueueDepth()
	d.cond.Broadcast()
	d.kickPump()
	return nil
}

// Cancel transitions a not-yet-started job to cancelled. It has no effect on
// an in-flight attempt, which will complete and be discarded by the engine.
func (d *Dispatcher) Cancel(jobID string) {
	d.mu.Lock()
	entry, ok := d.entries[jobID]
	if !ok || d.isInflightJob(entry) {
		d.mu.Unlock()
		return
	}
	d.removeEntry(entry)
	d.updateQueueDepth()
	d.mu.Unlock()

	d.finishJob(entry.job, models.JobCancelled, "cancelled before delivery")
}

// CancelAlert cancels every queued job belonging to an alert.
func (d *Dispatcher) CancelAlert(alertID string) {
	d.mu.Lock()
	var victims []*jobEntry
	for _, entry := range d.entries {
		if entry.job.AlertID == alertID && !d.isInflightJob(entry) {
			victims = append(victims, entry)
		}
	}
	for _, entry := range victims {
		d.removeEntry(entry)
	}
	d.updateQueueDepth()
	d.mu.Unlock()

	for _, entry := range victims {
		d.finishJob(entry.job, models.JobCancelled, "alert closed")
	}
}

// RecentDeliveries returns a copy of the bounded delivery-attempt history.
func (d *Dispatcher) RecentDeliveries() []DeliveryRecord {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	out := make([]DeliveryRecord, len(d.history))
	copy(out, d.history)
	return out
}

// push routes an entry to the delayed queue or the proper ready queue.
// Caller holds d.mu.
func (d *Dispatcher) push(entry *jobEntry) {
	if entry.job.NotBefore.After(d.clk.Now()) {
		heap.Push(&d.delayed, entry)
		return
	}
	if entry.job.Constitutional {
		heap.Push(&d.readyConst, entry)
	} else {
		heap.Push(&d.readyNorm, entry)
	}
}

// removeEntry detaches an entry from whichever queue holds it. Caller holds
// d.mu.
func (d *Dispatcher) removeEntry(entry *jobEntry) {
	delete(d.entries, entry.job.ID)
	removeFromReady(&d.readyNorm, entry)
	removeFromReady(&d.readyConst, entry)
	removeFromDelayed(&d.delayed, entry)
	tuple := tupleKey(entry.job)
	waiting := d.blocked[tuple]
	for i, e := range waiting {
		if e == entry {
			d.blocked[tuple] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(d.blocked[tuple]) == 0 {
		delete(d.blocked, tuple)
	}
}

func (d *Dispatcher) isInflightJob(entry *jobEntry) bool {
	return d.inflight[tupleKey(entry.job)] && entry.index == -1 && !d.isBlocked(entry)
}

func (d *Dispatcher) isBlocked(entry *jobEntry) bool {
	for _, e := range d.blocked[tupleKey(entry.job)] {
		if e == entry {
			return true
		}
	}
	return false
}

// pump moves due delayed jobs into the ready queues as the clock advances.
func (d *Dispatcher) pump() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		now := d.clk.Now()
		moved := 0
		for d.delayed.Len() > 0 && !d.delayed[0].job.NotBefore.After(now) {
			entry := heap.Pop(&d.delayed).(*jobEntry)
			if entry.job.Constitutional {
				heap.Push(&d.readyConst, entry)
			} else {
				heap.Push(&d.readyNorm, entry)
			}
			moved++
		}
		var wait time.Duration = -1
		if d.delayed.Len() > 0 {
			wait = d.delayed[0].job.NotBefore.Sub(now)
		}
		d.updateQueueDepth()
		d.mu.Unlock()

		if moved > 0 {
			d.cond.Broadcast()
		}

		if wait < 0 {
			select {
			case <-d.pumpKick:
			case <-d.ctx.Done():
				return
			}
			continue
		}
		timer := d.clk.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-d.pumpKick:
			timer.Stop()
		case <-d.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (d *Dispatcher) kickPump() {
	select {
	case d.pumpKick <- struct{}{}:
	default:
	}
}

// worker pulls jobs from the ready queues. Reserved workers only serve
// constitutional jobs so normal bursts cannot starve them; shared workers
// serve both, constitutional first.
func (d *Dispatcher) worker(constitutional bool) {
	defer d.wg.Done()

	for {
		entry := d.nextEntry(constitutional)
		if entry == nil {
			return
		}
		d.attempt(entry)
	}
}

// nextEntry blocks until a runnable job is available for the partition, or
// returns nil on shutdown. Jobs whose (alert, channel, contact) tuple has an
// outstanding attempt are parked until that attempt completes.
func (d *Dispatcher) nextEntry(constitutional bool) *jobEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if d.stopped {
			return nil
		}
		// Shared workers drain the constitutional queue first, then the
		// normal one, so constitutional jobs make progress even with no
		// reserved workers.
		heaps := []*readyHeap{&d.readyConst}
		if !constitutional {
			heaps = append(heaps, &d.readyNorm)
		}
		var picked *jobEntry
		for _, h := range heaps {
			for picked == nil && h.Len() > 0 {
				entry := heap.Pop(h).(*jobEntry)
				tuple := tupleKey(entry.job)
				if d.inflight[tuple] {
					d.blocked[tuple] = append(d.blocked[tuple], entry)
					continue
				}
				picked = entry
			}
			if picked != nil {
				break
			}
		}
		if picked != nil {
			d.inflight[tupleKey(picked.job)] = true
			d.updateQueueDepth()
			return picked
		}
		d.cond.Wait()
	}
}

// attempt performs one delivery attempt for the entry's job and handles the
// outcome: terminal transition, or transient requeue with backoff.
func (d *Dispatcher) attempt(entry *jobEntry) {
	job := entry.job
	tuple := tupleKey(job)
	defer d.releaseTuple(tuple)

	job.Attempts++
	outcome := d.deliver(job)

	metrics.NotificationAttemptsTotal.WithLabelValues(string(job.Channel), outcome.Kind.String()).Inc()
	d.recordDelivery(job, outcome)

	switch outcome.Kind {
	case Delivered:
		d.dequeue(job.ID)
		d.finishJob(job, models.JobDelivered, "")
	case Permanent:
		d.dequeue(job.ID)
		d.finishJob(job, models.JobFailed, outcome.Err.Error())
	case Transient:
		d.retryOrFail(entry, outcome)
	}
}

// deliver renders and sends one attempt.
func (d *Dispatcher) deliver(job *models.NotificationJob) Outcome {
	message, err := d.renderer.Render(job)
	if err != nil {
		return Outcome{Kind: Permanent, Err: err}
	}
	if job.Address == "" {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("job %s has no address for channel %s", job.ID, job.Channel)}
	}

	ch, err := d.registry.Get(job.Channel)
	if err != nil {
		return Outcome{Kind: Permanent, Err: err}
	}

	if err := d.limiterFor(ch).Wait(d.ctx); err != nil {
		return Outcome{Kind: Transient, Err: fmt.Errorf("rate limiter wait: %w", err)}
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.AttemptTimeout)
	defer cancel()
	return ch.Send(ctx, message, job.Address)
}

// retryOrFail requeues a transiently failed job with exponential backoff and
// jitter, or fails it when attempts or the per-job deadline are exhausted.
func (d *Dispatcher) retryOrFail(entry *jobEntry, outcome Outcome) {
	job := entry.job
	now := d.clk.Now()

	if job.Attempts >= job.MaxAttempts {
		d.dequeue(job.ID)
		d.finishJob(job, models.JobFailed, fmt.Sprintf("exhausted %d attempts: %v", job.Attempts, outcome.Err))
		return
	}

	delay := withJitter(calculateBackoff(job.Attempts - 1))
	nextAt := now.Add(delay)
	if !job.Deadline.IsZero() && nextAt.After(job.Deadline) {
		d.dequeue(job.ID)
		d.finishJob(job, models.JobFailed, fmt.Sprintf("deadline exceeded after %d attempts: %v", job.Attempts, outcome.Err))
		return
	}

	job.NotBefore = nextAt
	job.LastError = outcome.Err.Error()

	log.Debug().
		Str("jobID", job.ID).
		Int("attempt", job.Attempts).
		Dur("backoff", delay).
		Msg("Retrying notification after backoff")

	d.mu.Lock()
	if !d.stopped {
		heap.Push(&d.delayed, entry)
		d.updateQueueDepth()
	}
	d.mu.Unlock()
	d.kickPump()
}

func (d *Dispatcher) dequeue(jobID string) {
	d.mu.Lock()
	delete(d.entries, jobID)
	d.updateQueueDepth()
	d.mu.Unlock()
}

func (d *Dispatcher) releaseTuple(tuple string) {
	d.mu.Lock()
	delete(d.inflight, tuple)
	waiting := d.blocked[tuple]
	delete(d.blocked, tuple)
	for _, e := range waiting {
		if e.job.Constitutional {
			heap.Push(&d.readyConst, e)
		} else {
			heap.Push(&d.readyNorm, e)
		}
	}
	d.mu.Unlock()
	d.cond.Broadcast()
}

// finishJob writes the terminal transition to the store exactly once and
// emits the result to the engine.
func (d *Dispatcher) finishJob(job *models.NotificationJob, status models.JobStatus, errMsg string) {
	d.mu.Lock()
	if _, done := d.terminal[job.ID]; done {
		d.mu.Unlock()
		return
	}
	d.terminal[job.ID] = d.clk.Now()
	d.mu.Unlock()

	now := d.clk.Now()
	var current models.NotificationJob
	err := d.st.Get(context.Background(), models.KindJob, job.ID, &current)
	if err == nil {
		err = d.st.Update(context.Background(), models.KindJob, job.ID, current.Version, &current, func(doc models.Document) error {
			j := doc.(*models.NotificationJob)
			if j.Status.Terminal() {
				return errAlreadyTerminal
			}
			j.Status = status
			j.Attempts = job.Attempts
			j.LastError = errMsg
			if status == models.JobDelivered {
				t := now
				j.DeliveredAt = &t
			}
			return nil
		})
	}
	if err != nil && !errors.Is(err, errAlreadyTerminal) {
		log.Error().Err(err).Str("jobID", job.ID).Str("status", string(status)).
			Msg("Failed to persist terminal job transition")
	}

	metrics.NotificationsTerminalTotal.WithLabelValues(string(status)).Inc()
	log.Info().
		Str("jobID", job.ID).
		Str("alertID", job.AlertID).
		Str("channel", string(job.Channel)).
		Str("status", string(status)).
		Int("attempts", job.Attempts).
		Msg("Notification job finished")

	if d.sink != nil {
		d.sink(Result{
			JobID:     job.ID,
			AlertID:   job.AlertID,
			ContactID: job.ContactID,
			Channel:   job.Channel,
			Status:    status,
			Err:       errMsg,
		})
	}
}

func (d *Dispatcher) recordDelivery(job *models.NotificationJob, outcome Outcome) {
	rec := DeliveryRecord{
		JobID:     job.ID,
		AlertID:   job.AlertID,
		Channel:   job.Channel,
		Attempt:   job.Attempts,
		Outcome:   outcome.Kind.String(),
		Timestamp: d.clk.Now(),
	}
	if outcome.Err != nil {
		rec.Error = outcome.Err.Error()
	}
	d.historyMu.Lock()
	if len(d.history) >= deliveryHistorySize {
		d.history = d.history[1:]
	}
	d.history = append(d.history, rec)
	d.historyMu.Unlock()
}

// limiterFor returns the token bucket for a channel, building it from the
// adapter's declared capacity and refill rate on first use.
func (d *Dispatcher) limiterFor(ch Channel) *rate.Limiter {
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	limiter, ok := d.limiters[ch.Kind()]
	if !ok {
		capacity, refill := ch.RateLimit()
		if capacity <= 0 {
			capacity = 1
		}
		if refill <= 0 {
			refill = 1
		}
		limiter = rate.NewLimiter(rate.Limit(refill), capacity)
		d.limiters[ch.Kind()] = limiter
	}
	return limiter
}

// updateQueueDepth refreshes queue gauges. Caller holds d.mu.
func (d *Dispatcher) updateQueueDepth() {
	metrics.DispatchQueueDepth.WithLabelValues("ready").Set(float64(d.readyNorm.Len() + d.readyConst.Len()))
	metrics.DispatchQueueDepth.WithLabelValues("delayed").Set(float64(d.delayed.Len()))
}

// calculateBackoff returns the exponential backoff for a retry attempt,
// capped at 60 seconds.
func calculateBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := time.Second << uint(attempt)
	if backoff > 60*time.Second || backoff <= 0 {
		backoff = 60 * time.Second
	}
	return backoff
}

// withJitter adds up to 25% random jitter so synchronized retries spread out.
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func tupleKey(job *models.NotificationJob) string {
	return job.AlertID + "\x00" + string(job.Channel) + "\x00" + job.ContactID
}
