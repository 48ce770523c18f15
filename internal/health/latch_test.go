package health

import "testing"

func TestLatchStartsNotReady(t *testing.T) {
	l := NewLatch()
	if l.Ready() {
		t.Fatal("fresh latch reports ready")
	}
}

func TestLatchFlips(t *testing.T) {
	l := NewLatch()
	l.Online()
	if !l.Ready() {
		t.Fatal("not ready after Online")
	}
	l.Offline()
	if l.Ready() {
		t.Fatal("ready after Offline")
	}
	l.Online()
	if !l.Ready() {
		t.Fatal("not ready after second Online")
	}
}
