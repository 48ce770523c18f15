package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunsSubmittedTasks(t *testing.T) {
	p := New(4)
	defer p.Stop()

	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		ok := p.Submit(func() {
			atomic.AddInt64(&n, 1)
			wg.Done()
		})
		if !ok {
			t.Fatal("submit rejected while running")
		}
	}
	wg.Wait()
	if n != 100 {
		t.Fatalf("ran %d tasks, want 100", n)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	p := New(2)
	defer p.Stop()

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			cur := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
		})
	}
	wg.Wait()
	if peak > 2 {
		t.Fatalf("observed %d concurrent tasks, want <= 2", peak)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New(1)
	defer p.Stop()

	p.Submit(func() { panic("boom") })

	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker dead after panic")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(1)
	p.Stop()
	if p.Submit(func() {}) {
		t.Fatal("submit accepted after stop")
	}
	p.Stop() // idempotent
}
