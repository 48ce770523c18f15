// Package pool is the bounded worker pool predict requests and dynamic
// batches execute on. Capacity equals the server's max_concurrency; Submit
// blocks once every worker is busy, which is the concurrency backstop behind
// the connection cap.
package pool

import (
	"sync"

	"github.com/NetEase-Media/grps/internal/logger"
)

// Pool runs submitted funcs on a fixed set of workers.
type Pool struct {
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// New starts a pool with size workers.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{tasks: make(chan func()), done: make(chan struct{})}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		case <-p.done:
			return
		}
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Server().Errorf("worker pool task panic: %v", r)
		}
	}()
	task()
}

// Submit blocks until a worker accepts the task. Returns false after Stop.
func (p *Pool) Submit(task func()) bool {
	select {
	case <-p.done:
		return false
	case p.tasks <- task:
		return true
	}
}

// Stop rejects further submissions and waits for running tasks to finish.
// The task handoff channel is unbuffered, so nothing queued is dropped.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}
