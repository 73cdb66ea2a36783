package engine

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

// fakeRunner blocks until stopped or cancelled.
type fakeRunner struct {
	stop       chan struct{}
	ignoreStop bool
	err        error
}

func newFakeRunner() *fakeRunner { return &fakeRunner{stop: make(chan struct{})} }

func (r *fakeRunner) Run(ctx context.Context) error {
	if r.err != nil {
		return r.err
	}
	select {
	case <-r.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeRunner) Stop() {
	if !r.ignoreStop {
		close(r.stop)
	}
}

func TestShutdownReturnsRunError(t *testing.T) {
	r := newFakeRunner()
	r.err = errors.New("failed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := waitForShutdown(ctx, cancel, r, make(chan os.Signal), time.Second)
	if !errors.Is(err, r.err) {
		t.Fatalf("expected run error, got %v", err)
	}
}

func TestShutdownOnSignal(t *testing.T) {
	r := newFakeRunner()
	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGTERM

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := waitForShutdown(ctx, cancel, r, sigCh, time.Second); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestShutdownTimeoutCancels(t *testing.T) {
	r := newFakeRunner()
	r.ignoreStop = true
	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGINT

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := waitForShutdown(ctx, cancel, r, sigCh, 20*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled after timeout, got %v", err)
	}
}
