package clock

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Token tags a scheduled timer with the alert and cursor version it was
// armed for. Handlers compare CursorVersion against the alert's current
// cursor version and drop stale fires.
type Token struct {
	AlertID       string
	CursorVersion int64
}

// Sink receives fired timers. It may block; the service delivers fires one
// at a time in fire-at order.
type Sink func(fireAt time.Time, tok Token)

type timerEntry struct {
	fireAt    time.Time
	tok       Token
	seq       uint64
	cancelled bool
	index     int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	entry := x.(*timerEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	if n == 0 {
		return nil
	}
	entry := old[n-1]
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// Handle cancels a scheduled timer. Cancellation after fire is a no-op.
type Handle struct {
	svc   *TimerService
	entry *timerEntry
}

// Cancel marks the timer as cancelled. The entry is discarded when it
// reaches the top of the heap.
func (h *Handle) Cancel() {
	if h == nil || h.svc == nil {
		return
	}
	h.svc.mu.Lock()
	h.entry.cancelled = true
	h.svc.mu.Unlock()
	h.svc.kick()
}

// TimerService is a single delay queue keyed by fire-at. One goroutine waits
// for the earliest entry and delivers fired tokens to the sink.
type TimerService struct {
	clk  Clock
	sink Sink

	mu   sync.Mutex
	heap timerHeap
	seq  uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

// NewTimerService creates a timer service delivering to sink. Call Start to
// begin delivery and Stop to shut down.
func NewTimerService(clk Clock, sink Sink) *TimerService {
	return &TimerService{
		clk:  clk,
		sink: sink,
		heap: make(timerHeap, 0),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (s *TimerService) Start() {
	go s.run()
}

// Stop halts delivery. Pending timers are discarded.
func (s *TimerService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

// Schedule arms a timer to fire at the given instant.
func (s *TimerService) Schedule(fireAt time.Time, tok Token) *Handle {
	s.mu.Lock()
	s.seq++
	entry := &timerEntry{fireAt: fireAt, tok: tok, seq: s.seq}
	heap.Push(&s.heap, entry)
	s.mu.Unlock()

	s.kick()
	return &Handle{svc: s, entry: entry}
}

// ScheduleAfter arms a timer relative to the clock's current time.
func (s *TimerService) ScheduleAfter(after time.Duration, tok Token) *Handle {
	return s.Schedule(s.clk.Now().Add(after), tok)
}

// Pending returns the number of scheduled, not-yet-fired timers, including
// cancelled entries awaiting discard.
func (s *TimerService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

func (s *TimerService) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *TimerService) run() {
	defer close(s.done)

	for {
		fired, next := s.collectDue()
		for _, entry := range fired {
			s.sink(entry.fireAt, entry.tok)
		}

		if next == nil {
			select {
			case <-s.wake:
			case <-s.stop:
				return
			}
			continue
		}

		wait := next.Sub(s.clk.Now())
		if wait < 0 {
			wait = 0
		}
		timer := s.clk.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-s.wake:
			timer.Stop()
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// collectDue pops every entry due at the clock's current time and returns
// them in fire order, along with the fire-at of the next pending entry.
func (s *TimerService) collectDue() ([]*timerEntry, *time.Time) {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []*timerEntry
	for s.heap.Len() > 0 {
		top := s.heap[0]
		if top.cancelled {
			heap.Pop(&s.heap)
			continue
		}
		if top.fireAt.After(now) {
			break
		}
		heap.Pop(&s.heap)
		fired = append(fired, top)
	}

	if len(fired) > 0 {
		log.Debug().Int("fired", len(fired)).Int("pending", s.heap.Len()).Msg("Timers fired")
	}

	if s.heap.Len() == 0 {
		return fired, nil
	}
	next := s.heap[0].fireAt
	return fired, &next
}
