package agentexec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repr0bated/agentmesh/meshcore"
	"github.com/repr0bated/agentmesh/resilience"
)

type staticResolver map[string]string

func (r staticResolver) AgentAddress(_ context.Context, agentID string) (string, error) {
	addr, ok := r[agentID]
	if !ok {
		return "", meshcore.ErrNotFound
	}
	return addr, nil
}

func TestHTTPExecutorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	exec := New(staticResolver{"A": srv.URL}, 2*time.Second, resilience.DefaultConfig(), meshcore.NoOpLogger{})

	result, err := exec.Execute(context.Background(), "A", []byte("ping"), nil, 0)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, "pong", string(result.Output))
}

func TestHTTPExecutorFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := resilience.DefaultConfig()
	cfg.VolumeThreshold = 100 // stay closed so the failure surfaces as a normal error
	exec := New(staticResolver{"A": srv.URL}, 2*time.Second, cfg, meshcore.NoOpLogger{})

	result, err := exec.Execute(context.Background(), "A", []byte("ping"), nil, 0)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Contains(t, result.Err, "500")
}

func TestHTTPExecutorUnknownAgent(t *testing.T) {
	exec := New(staticResolver{}, time.Second, resilience.DefaultConfig(), meshcore.NoOpLogger{})

	_, err := exec.Execute(context.Background(), "ghost", []byte("x"), nil, 0)
	require.Error(t, err)
	require.True(t, meshcore.IsNotFound(err))
}

func TestBreakerForIsSafeForConcurrentNewAgentIDs(t *testing.T) {
	exec := New(staticResolver{}, time.Second, resilience.DefaultConfig(), meshcore.NoOpLogger{})

	var wg sync.WaitGroup
	results := make([]*resilience.CircuitBreaker, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = exec.breakerFor("A")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		require.Same(t, results[0], results[i], "every caller must observe the same breaker for a given agent id")
	}
}

func TestHTTPExecutorTripsBreakerAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := resilience.DefaultConfig()
	cfg.VolumeThreshold = 2
	cfg.ErrorThreshold = 0.5
	cfg.SleepWindow = time.Hour
	exec := New(staticResolver{"A": srv.URL}, 2*time.Second, cfg, meshcore.NoOpLogger{})

	_, _ = exec.Execute(context.Background(), "A", []byte("x"), nil, 0)
	_, _ = exec.Execute(context.Background(), "A", []byte("x"), nil, 0)

	result, err := exec.Execute(context.Background(), "A", []byte("x"), nil, 0)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Contains(t, result.Err, "circuit breaker")
}
