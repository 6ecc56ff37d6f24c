// Package requestqueue implements a per-network rate-limited request queue
// over an rpctransport.Transport. Despite the name inherited from the
// original implementation, the queue carries no priority key: ordering is
// strict FIFO by submission, and "priority" survives only as a historical
// label.
package requestqueue

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chainwire/indexcore/pkg/metrics"
	"github.com/chainwire/indexcore/pkg/rpctransport"
	"go.uber.org/zap"
)

type task struct {
	req        rpctransport.Request
	enqueuedAt time.Time
	resultCh   chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Queue is a FIFO request queue rate-limited to a fixed number of requests
// per second against one chain.
type Queue struct {
	logger    *zap.Logger
	transport rpctransport.Transport
	metrics   metrics.Collector

	chainID uint64
	network string

	interval  time.Duration
	batchSize int

	mu               sync.Mutex
	queue            *list.List // of *task
	inFlight         int
	paused           bool
	timing           bool
	lastDispatchTime time.Time
	timer            *time.Timer
}

// New builds a Queue for one chain, deriving interval and batchSize from
// maxRequestsPerSecond exactly per the rate-limit algorithm:
//
//	interval  = max(1000/R, 50) ms
//	batchSize = (interval == 1000/R) ? 1 : floor(R / 20)
func New(logger *zap.Logger, transport rpctransport.Transport, collector metrics.Collector, chainID uint64, network string, maxRequestsPerSecond int) *Queue {
	if maxRequestsPerSecond <= 0 {
		maxRequestsPerSecond = 1
	}
	if collector == nil {
		collector = metrics.Noop{}
	}
	rawInterval := 1000.0 / float64(maxRequestsPerSecond)
	intervalMs := rawInterval
	if intervalMs < 50 {
		intervalMs = 50
	}
	batchSize := 1
	if intervalMs != rawInterval {
		batchSize = maxRequestsPerSecond / 20
		if batchSize < 1 {
			batchSize = 1
		}
	}

	return &Queue{
		logger:    logger,
		transport: transport,
		metrics:   collector,
		chainID:   chainID,
		network:   network,
		interval:  time.Duration(intervalMs) * time.Millisecond,
		batchSize: batchSize,
		queue:     list.New(),
		paused:    false,
	}
}

// Request enqueues one JSON-RPC call and blocks until it is dispatched and
// settled, or ctx is cancelled. Ordering across concurrent callers is strict
// FIFO by the time Request is called, matching spec's "request(params) ->
// eventual result // FIFO by submission" contract.
func (q *Queue) Request(ctx context.Context, req rpctransport.Request) (json.RawMessage, error) {
	t := &task{req: req, enqueuedAt: time.Now(), resultCh: make(chan callResult, 1)}

	q.mu.Lock()
	q.queue.PushBack(t)
	q.armLocked()
	q.mu.Unlock()

	select {
	case res := <-t.resultCh:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size returns the number of tasks enqueued but not yet dispatched.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

// Pending returns the number of tasks dispatched but not yet settled.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Start resumes dispatching after Pause, re-arming the scheduler if there is
// pending work.
func (q *Queue) Start() {
	q.mu.Lock()
	q.paused = false
	q.armLocked()
	q.mu.Unlock()
}

// Pause prevents new dispatches; tasks already dispatched still settle.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Clear drops all un-dispatched tasks and resets lastDispatchTime, per spec's
// cancellation contract. In-flight tasks are left alone; they still resolve
// or reject on their own.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.queue.Front(); e != nil; e = e.Next() {
		t := e.Value.(*task)
		t.resultCh <- callResult{err: fmt.Errorf("requestqueue: cleared before dispatch")}
	}
	q.queue.Init()
	q.lastDispatchTime = time.Time{}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.timing = false
}

// armLocked implements the scheduler tick. Called with q.mu held. If the
// queue is non-empty, not paused, and the interval has elapsed since the
// last dispatch, it dispatches up to batchSize tasks immediately and stamps
// lastDispatchTime. Otherwise it arms a single-shot timer for the remaining
// wait, guarded by the "timing" flag so at most one timer is ever pending.
func (q *Queue) armLocked() {
	if q.paused || q.queue.Len() == 0 {
		return
	}
	now := time.Now()
	elapsed := now.Sub(q.lastDispatchTime)
	if elapsed >= q.interval {
		q.dispatchLocked(now)
		return
	}
	if q.timing {
		return
	}
	q.timing = true
	wait := q.interval - elapsed
	q.timer = time.AfterFunc(wait, func() {
		q.mu.Lock()
		q.timing = false
		q.armLocked()
		q.mu.Unlock()
	})
}

func (q *Queue) dispatchLocked(now time.Time) {
	q.lastDispatchTime = now
	n := q.batchSize
	for i := 0; i < n && q.queue.Len() > 0; i++ {
		e := q.queue.Front()
		q.queue.Remove(e)
		t := e.Value.(*task)
		q.inFlight++
		go q.run(t)
	}
	if q.queue.Len() > 0 {
		q.armLocked()
	}
}

func (q *Queue) run(t *task) {
	lag := time.Since(t.enqueuedAt).Seconds()
	q.metrics.ObserveRPCLag(t.req.Method, q.network, lag)

	start := time.Now()
	result, err := q.transport.Call(context.Background(), q.chainID, t.req)
	duration := time.Since(start).Seconds()
	q.metrics.ObserveRPCDuration(t.req.Method, q.network, duration)

	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()

	t.resultCh <- callResult{result: result, err: err}
}
