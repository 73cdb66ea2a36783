package engine

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const defaultShutdownTimeout = 30 * time.Second

// Runner is the part of Engine that RunWithGracefulShutdown drives.
type Runner interface {
	Run(ctx context.Context) error
	Stop()
}

// RunWithGracefulShutdown starts the engine and handles SIGTERM/SIGINT for graceful shutdown.
// On a signal the engine is stopped and given timeout to drain; after that
// the parent context is cancelled as well. It returns the engine's error.
func RunWithGracefulShutdown(ctx context.Context, engine Runner, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Listen for OS signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	return waitForShutdown(ctx, cancel, engine, sigCh, timeout)
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, engine Runner, sigCh <-chan os.Signal, timeout time.Duration) error {
	logger := loggerOf(engine)

	// Run the engine in a separate goroutine.
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(ctx)
	}()

	// Wait for signal or engine completion.
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		engine.Stop()

		// Wait for graceful drain with timeout.
		select {
		case err := <-errCh:
			return err
		case <-time.After(timeout):
			logger.Warn("shutdown timeout expired, forcing exit", "timeout", timeout)
			cancel()
			return <-errCh
		}

	case err := <-errCh:
		return err
	}
}

func loggerOf(r Runner) *slog.Logger {
	if e, ok := r.(*Engine); ok {
		return e.logger
	}
	return slog.Default()
}
