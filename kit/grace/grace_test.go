package grace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrchestrateRunsShutdownAfterRun(t *testing.T) {
	var order []string
	err := Orchestrate(context.Background(), OrchestrateOptions{
		Run: func(context.Context) error {
			order = append(order, "run")
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			order = append(order, "shutdown")
			return nil
		},
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"run", "shutdown"}, order)
}

func TestOrchestrateCanceledRunIsNotAnError(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	shutdownCalled := false
	err := Orchestrate(parent, OrchestrateOptions{
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Shutdown: func(ctx context.Context) error {
			shutdownCalled = true
			assert.NoError(t, ctx.Err(), "shutdown context outlives the parent")
			return nil
		},
	})
	assert.NoError(t, err)
	assert.True(t, shutdownCalled)
}

func TestOrchestrateJoinsErrors(t *testing.T) {
	runErr := errors.New("run failed")
	shutdownErr := errors.New("shutdown failed")
	err := Orchestrate(context.Background(), OrchestrateOptions{
		Run:      func(context.Context) error { return runErr },
		Shutdown: func(context.Context) error { return shutdownErr },
	})
	assert.ErrorIs(t, err, runErr)
	assert.ErrorIs(t, err, shutdownErr)
}
