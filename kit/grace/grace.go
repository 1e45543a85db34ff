package grace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/stackkit-dev/stackkit/kit/colorlog"
)

func defaultSignals() []os.Signal {
	if runtime.GOOS == "windows" {
		return []os.Signal{os.Interrupt}
	}
	return []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
}

type OrchestrateOptions struct {
	ShutdownTimeout time.Duration // Default: 10 seconds
	Signals         []os.Signal   // Default: SIGHUP, SIGINT, SIGTERM, SIGQUIT
	Logger          *slog.Logger

	// Run is the blocking body of the process. Its context is canceled when
	// a shutdown signal arrives. Returning ends the process lifecycle.
	Run func(ctx context.Context) error

	// Shutdown runs after Run returns, with a ShutdownTimeout deadline.
	Shutdown func(ctx context.Context) error
}

// Orchestrate runs opts.Run until it returns or a signal is received, then
// runs opts.Shutdown. Errors from both are joined. A Run that stops because
// its context was canceled is not an error.
func Orchestrate(parent context.Context, opts OrchestrateOptions) error {
	log := colorlog.Or(opts.Logger, "grace")
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if len(opts.Signals) == 0 {
		opts.Signals = defaultSignals()
	}

	ctx, stop := signal.NotifyContext(parent, opts.Signals...)
	defer stop()

	var runErr error
	if opts.Run != nil {
		runErr = opts.Run(ctx)
		if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
			runErr = nil
		}
	}
	if ctx.Err() != nil {
		log.Info("shutdown signal received")
	} else if runErr != nil {
		log.Error("stopped with error", "error", runErr)
	}

	if opts.Shutdown == nil {
		return runErr
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), opts.ShutdownTimeout)
	defer cancel()
	shutdownErr := opts.Shutdown(shutdownCtx)
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		log.Warn("graceful shutdown timed out", "timeout", opts.ShutdownTimeout)
	}
	return errors.Join(runErr, shutdownErr)
}

// TerminateProcess asks a process to exit, killing it after timeToWait.
// The caller must not also Wait on the process.
func TerminateProcess(process *os.Process, timeToWait time.Duration, logger *slog.Logger) error {
	log := colorlog.Or(logger, "grace")

	var err error
	if runtime.GOOS == "windows" {
		err = process.Kill()
	} else {
		err = process.Signal(syscall.SIGTERM)
	}
	if err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to send termination signal: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := process.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("process exited with error: %w", err)
		}
		return nil
	case <-time.After(timeToWait):
		if err := process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill process after timeout: %w", err)
		}
		log.Warn("process killed after timeout", "pid", process.Pid, "timeout", timeToWait)
		return nil
	}
}
