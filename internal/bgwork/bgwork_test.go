package bgwork

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := New(2)
	defer p.Stop()

	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&n, 1)
		})
	}
	wg.Wait()

	if got := atomic.LoadInt64(&n); got != 10 {
		t.Fatalf("expected 10 tasks to run, got %d", got)
	}
}

func TestPoolRecoversPanickingTask(t *testing.T) {
	p := New(1)
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	p.Submit(func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()

	var ran bool
	var wg2 sync.WaitGroup
	wg2.Add(1)
	p.Submit(func() {
		defer wg2.Done()
		ran = true
	})
	wg2.Wait()

	if !ran {
		t.Fatalf("expected pool to keep running tasks after a panic")
	}
}

func TestPoolStopWaitsForInFlightTask(t *testing.T) {
	p := New(1)
	started := make(chan struct{})
	finished := make(chan struct{})
	p.Submit(func() {
		close(started)
		time.Sleep(10 * time.Millisecond)
		close(finished)
	})
	<-started
	p.Stop()
	select {
	case <-finished:
	default:
		t.Fatalf("expected Stop to wait for in-flight task")
	}
}
