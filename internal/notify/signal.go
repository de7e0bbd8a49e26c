// Package notify provides the change signal handed to hot-reload consumers.
package notify

import (
	"context"
	"sync"
)

// Signal broadcasts "something changed" to any number of waiters.
// Notify closes the current channel and installs a fresh one, so a waiter
// must call C again after every wakeup.
type Signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	seq uint64
}

// NewSignal returns a ready Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes every current waiter.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.seq++
	s.mu.Unlock()
}

// C returns a channel closed by the next Notify.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Seq counts Notify calls so far.
func (s *Signal) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Wait blocks until the next Notify or until ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
