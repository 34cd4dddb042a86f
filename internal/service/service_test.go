package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"arbiter-escrow/internal/feed"
)

type fakeLocker struct {
	acquired bool
	released bool
	err      error
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.released = true }, true, nil
}

func TestRunFlushesOnShutdown(t *testing.T) {
	queue := feed.NewQueue()
	rec := &feed.Recorder{}
	locker := &fakeLocker{acquired: true}
	svc := New(Options{
		Dispatcher: feed.NewDispatcher(queue, time.Hour, zerolog.Nop(), rec),
		Locker:     locker,
		LockKey:    42,
	}, zerolog.Nop())

	queue.Publish(feed.New(feed.KindPolicy, "owner", "set", nil, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Facts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	if len(rec.Facts()) != 1 {
		t.Fatalf("expected 1 delivered fact, got %d", len(rec.Facts()))
	}
	if !locker.released {
		t.Fatal("advisory lock not released")
	}
}

func TestRunRefusesWhenLockHeld(t *testing.T) {
	svc := New(Options{
		Dispatcher: feed.NewDispatcher(feed.NewQueue(), time.Second, zerolog.Nop()),
		Locker:     &fakeLocker{},
		LockKey:    42,
	}, zerolog.Nop())
	if err := svc.Run(context.Background()); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
}

func TestRunRequiresDispatcher(t *testing.T) {
	if err := New(Options{}, zerolog.Nop()).Run(context.Background()); err == nil {
		t.Fatal("expected error without dispatcher")
	}
}
