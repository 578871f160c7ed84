// Package workstack implements the Workstack Executor: it chains agents
// into a pipeline with per-step content-addressed caching.
package workstack

import (
	"context"
	"time"

	"github.com/repr0bated/agentmesh/fingerprint"
	"github.com/repr0bated/agentmesh/meshcore"
	"github.com/repr0bated/agentmesh/stepcache"
)

// Executor chains meshcore.AgentExecutor calls, memoizing each step's
// output in a stepcache.Cache keyed by (workstack, step index, input
// hash).
type Executor struct {
	agents meshcore.AgentExecutor
	cache  *stepcache.Cache
	logger meshcore.Logger
	ttl    time.Duration
}

// New builds an Executor. cache may be nil only if every call disables
// caching.
func New(agents meshcore.AgentExecutor, cache *stepcache.Cache, ttl time.Duration, logger meshcore.Logger) *Executor {
	if logger == nil {
		logger = meshcore.NoOpLogger{}
	}
	return &Executor{agents: agents, cache: cache, logger: logger, ttl: ttl}
}

// Run executes agentIDs in order over initialInput, returning the final
// output and every StepResult produced. On a mid-pipeline agent failure,
// it returns the steps produced so far (the failing step included, with
// OK=false) alongside a *meshcore.MeshError wrapping a
// *meshcore.AgentFailedError.
func (e *Executor) Run(ctx context.Context, workstackID string, agentIDs []string, initialInput []byte, cachingEnabled bool, timeoutMs uint32) ([]byte, []meshcore.StepResult, error) {
	steps := make([]meshcore.StepResult, 0, len(agentIDs))
	current := initialInput

	for i, agentID := range agentIDs {
		select {
		case <-ctx.Done():
			return current, steps, meshcore.NewMeshError("workstack.Run", "executor", meshcore.ErrCancelled)
		default:
		}

		step, err := e.runStep(ctx, workstackID, uint32(i), agentID, current, cachingEnabled, timeoutMs)
		steps = append(steps, step)
		if err != nil {
			return current, steps, err
		}
		current = step.Output
	}
	return current, steps, nil
}

// RunStream is the streaming variant of Run: each StepResult is pushed
// to emit as it completes. On error, the erroring StepResult is emitted
// and the sequence ends; emit is not called again afterward.
func (e *Executor) RunStream(ctx context.Context, workstackID string, agentIDs []string, initialInput []byte, cachingEnabled bool, timeoutMs uint32, emit func(meshcore.StepResult)) error {
	current := initialInput
	for i, agentID := range agentIDs {
		select {
		case <-ctx.Done():
			return meshcore.NewMeshError("workstack.RunStream", "executor", meshcore.ErrCancelled)
		default:
		}

		step, err := e.runStep(ctx, workstackID, uint32(i), agentID, current, cachingEnabled, timeoutMs)
		emit(step)
		if err != nil {
			return err
		}
		current = step.Output
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, workstackID string, stepIndex uint32, agentID string, input []byte, cachingEnabled bool, timeoutMs uint32) (meshcore.StepResult, error) {
	inputHash := fingerprint.HashBytes(input)
	start := time.Now()

	if cachingEnabled && e.cache != nil {
		if cached, ok := e.cache.Get(ctx, workstackID, stepIndex, inputHash); ok {
			return meshcore.StepResult{
				StepIndex:  stepIndex,
				AgentID:    agentID,
				Output:     cached,
				OutputSize: uint64(len(cached)),
				LatencyMs:  uint64(time.Since(start).Milliseconds()),
				Cached:     true,
				OK:         true,
			}, nil
		}
	}

	result, err := e.agents.Execute(ctx, agentID, input, nil, timeoutMs)
	latencyMs := result.LatencyMs
	if latencyMs == 0 {
		latencyMs = uint64(time.Since(start).Milliseconds())
	}

	if err != nil || !result.OK {
		reason := result.Err
		if reason == "" && err != nil {
			reason = err.Error()
		}
		return meshcore.StepResult{
				StepIndex: stepIndex,
				AgentID:   agentID,
				LatencyMs: latencyMs,
				Cached:    false,
				OK:        false,
				Err:       reason,
			}, meshcore.NewMeshError("workstack.runStep", "executor", &meshcore.AgentFailedError{AgentID: agentID, Reason: reason})
	}

	if cachingEnabled && e.cache != nil {
		if err := e.cache.Put(ctx, workstackID, stepIndex, inputHash, result.Output, e.ttl); err != nil {
			e.logger.Warn("workstack failed to cache step output", map[string]interface{}{
				"workstack_id": workstackID,
				"step_index":   stepIndex,
				"error":        err.Error(),
			})
		}
	}

	return meshcore.StepResult{
		StepIndex:  stepIndex,
		AgentID:    agentID,
		Output:     result.Output,
		OutputSize: uint64(len(result.Output)),
		LatencyMs:  latencyMs,
		Cached:     false,
		OK:         true,
	}, nil
}

// RunSingle is the single-agent fast path: it bypasses the chaining loop
// entirely and invokes the external executor directly, synthesizing one
// uncached StepResult.
func (e *Executor) RunSingle(ctx context.Context, agentID string, input []byte, timeoutMs uint32) ([]byte, meshcore.StepResult, error) {
	start := time.Now()
	result, err := e.agents.Execute(ctx, agentID, input, nil, timeoutMs)
	latencyMs := result.LatencyMs
	if latencyMs == 0 {
		latencyMs = uint64(time.Since(start).Milliseconds())
	}

	if err != nil || !result.OK {
		reason := result.Err
		if reason == "" && err != nil {
			reason = err.Error()
		}
		step := meshcore.StepResult{StepIndex: 0, AgentID: agentID, LatencyMs: latencyMs, OK: false, Err: reason}
		return nil, step, meshcore.NewMeshError("workstack.RunSingle", "executor", &meshcore.AgentFailedError{AgentID: agentID, Reason: reason})
	}

	step := meshcore.StepResult{
		StepIndex:  0,
		AgentID:    agentID,
		Output:     result.Output,
		OutputSize: uint64(len(result.Output)),
		LatencyMs:  latencyMs,
		Cached:     false,
		OK:         true,
	}
	return result.Output, step, nil
}
