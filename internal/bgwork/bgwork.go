// Package bgwork provides a small bounded worker pool for fire-and-forget
// background work, adapted from the teacher's asyncqueue.WorkerPool static
// mode (fixed goroutines draining a buffered channel) with the DB-backed
// polling, leasing, retry, and adaptive-concurrency machinery stripped out
// — the orchestrator's background persistence has no queue to poll and
// nothing to retry (§4.13: failures are logged and swallowed), it only
// needs bounded fan-out so a burst of messages can't spawn an unbounded
// number of goroutines.
package bgwork

import (
	"sync"

	"github.com/kestrelrun/sentinel/internal/logging"
)

const defaultQueueDepth = 256

// Pool runs submitted tasks on a fixed set of worker goroutines.
type Pool struct {
	tasks  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New constructs a Pool with the given number of workers. workers is
// clamped to at least 1.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		tasks:  make(chan func(), defaultQueueDepth),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case task := <-p.tasks:
			p.run(task)
		}
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("background task panicked", "panic", r)
		}
	}()
	task()
}

// Submit enqueues task to run on a worker goroutine. If the queue is full,
// Submit drops the task and logs a warning rather than blocking the
// caller — background persistence must never slow down the response path.
func (p *Pool) Submit(task func()) {
	select {
	case p.tasks <- task:
	default:
		logging.Op().Warn("background work queue full, dropping task")
	}
}

// Stop signals the workers to exit and waits for them. A task already
// running finishes first; a worker that sees both the stop signal and a
// queued task may still run that task, so queued tasks are not guaranteed
// to run or to be dropped. Submit after Stop still enqueues while the
// queue has room, but no worker runs the task.
func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}
