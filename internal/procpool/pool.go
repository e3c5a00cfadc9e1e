// Package procpool implements the asynchronous processor pool from
// spec.md §4.1: a fixed worker fan-out with FIFO-per-worker delivery,
// idempotent start/stop, and a wait_for_empty drain primitive.
// Grounded on the teacher-lineage STX5-dht dht.go's main select loop
// style for ticking/shutdown, using golang.org/x/sync/errgroup for
// worker lifecycle instead of a hand-rolled WaitGroup + error channel.
package procpool

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// State is the processor's run state.
type State int

const (
	Stopped State = iota
	Running
)

// Task is one unit of work handed to a worker.
type Task func()

// Pool is a fixed-size worker fan-out. Events enqueued while Stopped
// are dropped silently; while Running they're delivered FIFO within a
// worker but with no ordering guarantee across workers, per spec.md
// §4.1.
type Pool struct {
	mu      sync.Mutex
	state   State
	queues  []chan Task
	next    int
	cancel  context.CancelFunc
	eg      *errgroup.Group
	inFlt   int64
	inFltMu sync.Mutex
	empty   chan struct{}
}

// New constructs a pool. n=0 means max(2, hardware_concurrency).
func New(n int) *Pool {
	if n == 0 {
		n = runtime.NumCPU()
		if n < 2 {
			n = 2
		}
	}
	p := &Pool{
		queues: make([]chan Task, n),
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, 256)
	}
	return p
}

// Start transitions the pool to Running. Idempotent.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	eg, ctx := errgroup.WithContext(ctx)
	p.eg = eg
	p.state = Running
	for i := range p.queues {
		q := p.queues[i]
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					// Drain without executing on shutdown: pending
					// queued events are discarded per spec.md §4.1.
					return nil
				case t, ok := <-q:
					if !ok {
						return nil
					}
					p.runTask(t)
				}
			}
		})
	}
}

func (p *Pool) runTask(t Task) {
	p.inFltMu.Lock()
	p.inFlt++
	p.inFltMu.Unlock()
	defer func() {
		p.inFltMu.Lock()
		p.inFlt--
		empty := p.inFlt == 0
		ch := p.empty
		p.empty = nil
		p.inFltMu.Unlock()
		if empty && ch != nil {
			close(ch)
		}
	}()
	t()
}

// Stop transitions the pool to Stopped, delivering a shutdown signal
// to workers and joining within the given timeout. Idempotent.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if p.state == Stopped {
		p.mu.Unlock()
		return
	}
	p.state = Stopped
	cancel := p.cancel
	eg := p.eg
	p.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// Submit enqueues a task onto the next worker in round-robin order.
// Dropped silently if the pool is Stopped.
func (p *Pool) Submit(t Task) {
	p.mu.Lock()
	if p.state != Running {
		p.mu.Unlock()
		return
	}
	q := p.queues[p.next%len(p.queues)]
	p.next++
	p.mu.Unlock()

	select {
	case q <- t:
	default:
		// Queue full: drop rather than block the publisher, matching
		// the "shed load" policy of spec.md §7's resource-exhaustion
		// handling.
	}
}

// WaitForEmpty blocks until every queue is drained and no task is
// in-flight, or timeout elapses.
func (p *Pool) WaitForEmpty(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		p.inFltMu.Lock()
		if p.inFlt == 0 && p.allQueuesEmpty() {
			p.inFltMu.Unlock()
			return true
		}
		if p.empty == nil {
			p.empty = make(chan struct{})
		}
		ch := p.empty
		p.inFltMu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false
		}
	}
}

func (p *Pool) allQueuesEmpty() bool {
	for _, q := range p.queues {
		if len(q) != 0 {
			return false
		}
	}
	return true
}

// Status returns the pool's current run state.
func (p *Pool) Status() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
