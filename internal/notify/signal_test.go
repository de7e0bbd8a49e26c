package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSignalWakesAllWaiters(t *testing.T) {
	s := NewSignal()

	const waiters = 4
	ready := make(chan struct{}, waiters)
	var wg sync.WaitGroup
	for range waiters {
		wg.Go(func() {
			ch := s.C()
			ready <- struct{}{}
			<-ch
		})
	}
	for range waiters {
		<-ready
	}
	s.Notify()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters were not woken")
	}
	if got := s.Seq(); got != 1 {
		t.Errorf("Seq: got %d, want 1", got)
	}
}

func TestSignalFreshChannelAfterNotify(t *testing.T) {
	s := NewSignal()
	before := s.C()
	s.Notify()

	select {
	case <-before:
	default:
		t.Fatal("old channel should be closed")
	}
	select {
	case <-s.C():
		t.Fatal("new channel should still be open")
	default:
	}
}

func TestSignalWaitContext(t *testing.T) {
	s := NewSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				s.Notify()
			}
		}
	}()
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
