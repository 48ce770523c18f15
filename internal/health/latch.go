// Package health holds the process readiness latch. Both transports share one
// latch: online/offline flip it, readiness probes read it. A fresh process is
// not ready until something calls Online.
package health

import "sync/atomic"

// Latch is the process-wide readiness flag.
type Latch struct {
	ready atomic.Bool
}

// NewLatch returns a latch in the not-ready state.
func NewLatch() *Latch { return &Latch{} }

// Online marks the process ready.
func (l *Latch) Online() { l.ready.Store(true) }

// Offline marks the process not ready.
func (l *Latch) Offline() { l.ready.Store(false) }

// Ready reports the current state.
func (l *Latch) Ready() bool { return l.ready.Load() }
