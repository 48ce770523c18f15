package serving

import "sync"

// Future is the one-shot completion handle the dynamic batcher installs on a
// context. Notify is idempotent; late or duplicate notifications are ignored.
type Future struct {
	once sync.Once
	done chan struct{}
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Notify resolves the future, waking every waiter.
func (f *Future) Notify() {
	f.once.Do(func() { close(f.done) })
}

// Wait blocks until the future resolves.
func (f *Future) Wait() {
	<-f.done
}

// Done exposes the completion channel for select loops.
func (f *Future) Done() <-chan struct{} {
	return f.done
}
