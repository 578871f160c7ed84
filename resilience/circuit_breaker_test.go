package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repr0bated/agentmesh/meshcore"
)

func TestCircuitBreakerTripsOnErrorRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VolumeThreshold = 2
	cfg.ErrorThreshold = 0.5
	cfg.SleepWindow = time.Hour
	cb := New("test", cfg, meshcore.NoOpLogger{})

	boom := errors.New("boom")
	_ = cb.Execute(context.Background(), func(context.Context) error { return boom })
	_ = cb.Execute(context.Background(), func(context.Context) error { return boom })

	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Fatal("fn must not run while circuit is open")
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
}

func TestCircuitBreakerIgnoresClassifiedErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VolumeThreshold = 1
	cb := New("test", cfg, meshcore.NoOpLogger{})

	err := cb.Execute(context.Background(), func(context.Context) error {
		return meshcore.NewMeshError("op", "kind", meshcore.ErrInvalidArgument)
	})
	require.Error(t, err)
	require.Equal(t, StateClosed, cb.State(), "caller errors must not count toward the breaker")
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VolumeThreshold = 1
	cfg.SleepWindow = 10 * time.Millisecond
	cb := New("test", cfg, meshcore.NoOpLogger{})

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, cb.State())
}
