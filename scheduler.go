// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// SchedulerConfig tunes a Scheduler. RTU and ASCII are half-duplex
// busses, so MaxConcurrentRequests is clamped to 1: only one request may
// be in flight at a time, regardless of configuration.
type SchedulerConfig struct {
	MaxConcurrentRequests int
	DefaultTimeout        time.Duration
	DefaultRetry          RetryPolicy
	QueueSizeLimit        int
	RequestIntervalMs     int
}

// DefaultSchedulerConfig returns sane defaults: a 3s response timeout, no
// automatic retries, a 100-entry queue cap and a 10ms minimum gap between
// dispatches.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentRequests: 1,
		DefaultTimeout:        3 * time.Second,
		DefaultRetry:          RetryPolicy{MaxRetries: 0, BaseDelay: 50 * time.Millisecond},
		QueueSizeLimit:        100,
		RequestIntervalMs:     10,
	}
}

// SchedulerStats is a point-in-time snapshot of scheduler activity.
type SchedulerStats struct {
	Total             int64
	Succeeded         int64
	Failed            int64
	QueueDepth        int
	Active            int
	AverageResponseMs float64
	Uptime            time.Duration
}

// QueuedRequest is one pending unit of work: a closure that performs the
// actual transaction (built by Client against a specific Execute*
// function), its priority, insertion order for FIFO tie-breaking, and the
// channel its Result is delivered on.
type QueuedRequest struct {
	id       uint64
	priority Priority
	seq      uint64
	enqueued time.Time
	run      func(ctx context.Context) (ResponseEnvelope, error)
	waiter   chan Result[ResponseEnvelope]
	cancel   context.CancelFunc
}

type requestHeap []*QueuedRequest

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)   { *h = append(*h, x.(*QueuedRequest)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler serializes requests onto a single transport, honoring
// Priority ordering with FIFO tie-breaking, a minimum inter-request gap,
// and a bounded queue. Exactly one request is ever dispatched at a time.
type Scheduler struct {
	cfg       SchedulerConfig
	transport Transport

	mu        sync.Mutex
	running   bool
	queue     requestHeap
	active    map[uint64]*QueuedRequest
	nextID    uint64
	nextSeq   uint64
	startedAt time.Time

	stats SchedulerStats

	wake   chan struct{}
	stopCh chan struct{}
	doneWg sync.WaitGroup
}

// NewScheduler creates a Scheduler bound to transport, not yet running.
func NewScheduler(transport Transport, cfg SchedulerConfig) *Scheduler {
	cfg.MaxConcurrentRequests = 1
	if cfg.QueueSizeLimit <= 0 {
		cfg.QueueSizeLimit = 100
	}
	if cfg.RequestIntervalMs < 0 {
		cfg.RequestIntervalMs = 0
	}
	return &Scheduler{
		cfg:       cfg,
		transport: transport,
		active:    make(map[uint64]*QueuedRequest),
		wake:      make(chan struct{}, 1),
	}
}

// Start begins the dispatch loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.startedAt = time.Now()
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.doneWg.Add(1)
	go s.dispatchLoop(stop)
}

// Stop halts the dispatch loop and rejects every queued and in-flight
// request with ErrSchedulerStopped, cancelling the in-flight request's
// context so a correlator blocked on a reply unblocks immediately rather
// than running to its own deadline. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)

	pending := make([]*QueuedRequest, 0, len(s.queue)+len(s.active))
	for _, r := range s.queue {
		pending = append(pending, r)
	}
	for _, r := range s.active {
		if r.cancel != nil {
			r.cancel()
		}
		pending = append(pending, r)
	}
	s.queue = nil
	s.active = make(map[uint64]*QueuedRequest)
	s.mu.Unlock()

	for _, r := range pending {
		s.deliver(r, Fail[ResponseEnvelope](newError(ErrSchedulerStopped, ErrorContext{Phase: PhaseValidate}, nil, "scheduler stopped")))
	}

	s.doneWg.Wait()
}

// Schedule enqueues run at the given priority and returns a channel that
// receives exactly one Result once the request completes, is rejected,
// or the scheduler stops.
func (s *Scheduler) Schedule(priority Priority, run func(ctx context.Context) (ResponseEnvelope, error)) <-chan Result[ResponseEnvelope] {
	waiter := make(chan Result[ResponseEnvelope], 1)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		waiter <- Fail[ResponseEnvelope](newError(ErrSchedulerNotRunning, ErrorContext{Phase: PhaseValidate}, nil, "scheduler is not running"))
		return waiter
	}
	if !s.transport.Connected() {
		s.mu.Unlock()
		waiter <- Fail[ResponseEnvelope](newError(ErrNotConnected, ErrorContext{Phase: PhaseValidate}, nil, "transport not connected"))
		return waiter
	}
	if len(s.queue)+len(s.active) >= s.cfg.QueueSizeLimit {
		s.mu.Unlock()
		waiter <- Fail[ResponseEnvelope](newError(ErrQueueFull, ErrorContext{Phase: PhaseValidate}, nil, "scheduler queue is full"))
		return waiter
	}

	s.nextID++
	s.nextSeq++
	req := &QueuedRequest{
		id:       s.nextID,
		priority: priority,
		seq:      s.nextSeq,
		enqueued: time.Now(),
		run:      run,
		waiter:   waiter,
	}
	heap.Push(&s.queue, req)
	s.stats.Total++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return waiter
}

// Stats returns a snapshot of the scheduler's running totals.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.stats
	snapshot.QueueDepth = len(s.queue)
	snapshot.Active = len(s.active)
	if s.running {
		snapshot.Uptime = time.Since(s.startedAt)
	}
	return snapshot
}

func (s *Scheduler) dispatchLoop(stop <-chan struct{}) {
	defer s.doneWg.Done()
	minGap := time.Duration(s.cfg.RequestIntervalMs) * time.Millisecond
	var lastDispatch time.Time

	for {
		select {
		case <-stop:
			return
		default:
		}

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-stop:
				return
			}
		}
		if gap := minGap - time.Since(lastDispatch); gap > 0 {
			s.mu.Unlock()
			select {
			case <-time.After(gap):
				continue
			case <-stop:
				return
			}
		}
		req := heap.Pop(&s.queue).(*QueuedRequest)
		ctx, cancel := context.WithTimeout(context.Background(), s.effectiveTimeout())
		req.cancel = cancel
		s.active[req.id] = req
		s.mu.Unlock()

		lastDispatch = time.Now()
		started := lastDispatch
		resp, err := withRetry(ctx, s.cfg.DefaultRetry, func(ctx context.Context) (ResponseEnvelope, error) {
			return req.run(ctx)
		})
		cancel()
		elapsed := time.Since(started)

		s.mu.Lock()
		if _, ok := s.active[req.id]; !ok {
			// Stop removed the request and already resolved its waiter
			// with ErrSchedulerStopped; this run's outcome is discarded.
			s.mu.Unlock()
			continue
		}
		delete(s.active, req.id)
		s.recordStat(err == nil, elapsed)
		s.mu.Unlock()

		if err != nil {
			s.deliver(req, Fail[ResponseEnvelope](err))
		} else {
			s.deliver(req, Ok(resp))
		}
	}
}

func (s *Scheduler) effectiveTimeout() time.Duration {
	if s.cfg.DefaultTimeout <= 0 {
		return 3 * time.Second
	}
	return s.cfg.DefaultTimeout
}

func (s *Scheduler) recordStat(ok bool, elapsed time.Duration) {
	if ok {
		s.stats.Succeeded++
	} else {
		s.stats.Failed++
	}
	n := float64(s.stats.Succeeded + s.stats.Failed)
	ms := float64(elapsed.Milliseconds())
	s.stats.AverageResponseMs = (s.stats.AverageResponseMs*(n-1) + ms) / n
}

func (s *Scheduler) deliver(req *QueuedRequest, result Result[ResponseEnvelope]) {
	select {
	case req.waiter <- result:
	default:
	}
}
