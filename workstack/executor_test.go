package workstack

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repr0bated/agentmesh/meshcore"
	"github.com/repr0bated/agentmesh/stepcache"
)

// stubExecutor doubles its input unless configured to fail for a given
// agent id.
type stubExecutor struct {
	failAgent   string
	calls       int
	seenTimeout map[string]uint32
}

func (s *stubExecutor) Execute(_ context.Context, agentID string, input []byte, _ map[string]string, timeoutMs uint32) (meshcore.AgentExecResult, error) {
	s.calls++
	if s.seenTimeout == nil {
		s.seenTimeout = map[string]uint32{}
	}
	s.seenTimeout[agentID] = timeoutMs
	if agentID == s.failAgent {
		return meshcore.AgentExecResult{OK: false, Err: "boom"}, nil
	}
	return meshcore.AgentExecResult{Output: append(bytes.Clone(input), input...), OK: true, LatencyMs: 1}, nil
}

func newTestExecutor(t *testing.T, exec *stubExecutor) (*Executor, *stepcache.Cache) {
	t.Helper()
	cache, err := stepcache.Open(t.TempDir(), true, 600*time.Second, meshcore.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return New(exec, cache, time.Hour, meshcore.NoOpLogger{}), cache
}

func TestRunChainsOutputs(t *testing.T) {
	exec := &stubExecutor{}
	e, _ := newTestExecutor(t, exec)

	output, steps, err := e.Run(context.Background(), "ws-1", []string{"A", "B"}, []byte("x"), true, 0)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, []byte("xxxx"), output) // doubled twice
}

func TestRunThreadsTimeoutToEveryStep(t *testing.T) {
	exec := &stubExecutor{}
	e, _ := newTestExecutor(t, exec)

	_, _, err := e.Run(context.Background(), "ws-timeout", []string{"A", "B"}, []byte("x"), true, 5000)
	require.NoError(t, err)
	require.Equal(t, uint32(5000), exec.seenTimeout["A"])
	require.Equal(t, uint32(5000), exec.seenTimeout["B"])
}

func TestRunSecondCallHitsCache(t *testing.T) {
	exec := &stubExecutor{}
	e, _ := newTestExecutor(t, exec)
	ctx := context.Background()

	_, _, err := e.Run(ctx, "ws-cache", []string{"A", "B"}, []byte("x"), true, 0)
	require.NoError(t, err)
	require.Equal(t, 2, exec.calls)

	output, steps, err := e.Run(ctx, "ws-cache", []string{"A", "B"}, []byte("x"), true, 0)
	require.NoError(t, err)
	require.Equal(t, 2, exec.calls, "second run must be fully served from cache")
	require.True(t, steps[0].Cached)
	require.True(t, steps[1].Cached)
	require.Equal(t, []byte("xxxx"), output)
}

func TestRunStopsOnAgentFailure(t *testing.T) {
	exec := &stubExecutor{failAgent: "B"}
	e, _ := newTestExecutor(t, exec)

	output, steps, err := e.Run(context.Background(), "ws-fail", []string{"A", "B", "C"}, []byte("x"), true, 0)
	require.Error(t, err)
	require.Len(t, steps, 2, "C must never be invoked")
	require.True(t, steps[0].OK)
	require.False(t, steps[1].OK)
	require.Equal(t, []byte("xx"), output, "output should be the last successful step's result")

	var agentErr *meshcore.AgentFailedError
	require.ErrorAs(t, err, &agentErr)
	require.Equal(t, "B", agentErr.AgentID)
}

func TestRunStreamEmitsErrorAndStops(t *testing.T) {
	exec := &stubExecutor{failAgent: "B"}
	e, _ := newTestExecutor(t, exec)

	var emitted []meshcore.StepResult
	err := e.RunStream(context.Background(), "ws-stream", []string{"A", "B", "C"}, []byte("x"), true, 0, func(s meshcore.StepResult) {
		emitted = append(emitted, s)
	})
	require.Error(t, err)
	require.Len(t, emitted, 2)
	require.False(t, emitted[1].OK)
}

func TestRunSingleFastPath(t *testing.T) {
	exec := &stubExecutor{}
	e, _ := newTestExecutor(t, exec)

	output, step, err := e.RunSingle(context.Background(), "A", []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hellohello"), output)
	require.False(t, step.Cached)
}

func TestRunSingleThreadsTimeout(t *testing.T) {
	exec := &stubExecutor{}
	e, _ := newTestExecutor(t, exec)

	_, _, err := e.RunSingle(context.Background(), "A", []byte("hello"), 1500)
	require.NoError(t, err)
	require.Equal(t, uint32(1500), exec.seenTimeout["A"])
}
