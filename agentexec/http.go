// Package agentexec provides an HTTP-based reference implementation of
// meshcore.AgentExecutor: it POSTs the step's input to an agent's
// /invoke endpoint and wraps the round trip with a circuit breaker so a
// wedged agent can't be hammered by every workstack step that targets
// it.
package agentexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/repr0bated/agentmesh/meshcore"
	"github.com/repr0bated/agentmesh/resilience"
)

// Resolver maps an agent id to its invocation base URL. In a real
// deployment this is backed by the same registry the Capability
// Resolver consumes.
type Resolver interface {
	AgentAddress(ctx context.Context, agentID string) (string, error)
}

// HTTPExecutor implements meshcore.AgentExecutor over plain HTTP POST,
// instrumented with otelhttp so outbound agent calls show up in the
// same trace as the request that triggered them.
type HTTPExecutor struct {
	client   *http.Client
	resolver Resolver
	cbMutex  sync.RWMutex
	breakers map[string]*resilience.CircuitBreaker
	cbConfig resilience.Config
	logger   meshcore.Logger
}

// New builds an HTTPExecutor. cbConfig is used to construct one
// CircuitBreaker per agent id, lazily, the first time that agent is
// called.
func New(resolver Resolver, timeout time.Duration, cbConfig resilience.Config, logger meshcore.Logger) *HTTPExecutor {
	if logger == nil {
		logger = meshcore.NoOpLogger{}
	}
	return &HTTPExecutor{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		resolver: resolver,
		breakers: make(map[string]*resilience.CircuitBreaker),
		cbConfig: cbConfig,
		logger:   logger,
	}
}

func (e *HTTPExecutor) breakerFor(agentID string) *resilience.CircuitBreaker {
	e.cbMutex.RLock()
	if cb, ok := e.breakers[agentID]; ok {
		e.cbMutex.RUnlock()
		return cb
	}
	e.cbMutex.RUnlock()

	e.cbMutex.Lock()
	defer e.cbMutex.Unlock()

	// Double-check after acquiring the write lock: another goroutine may
	// have created this agent's breaker while we waited for the lock.
	if cb, ok := e.breakers[agentID]; ok {
		return cb
	}
	cb := resilience.New(agentID, e.cbConfig, e.logger)
	e.breakers[agentID] = cb
	return cb
}

// Execute POSTs input to the agent's /invoke endpoint.
func (e *HTTPExecutor) Execute(ctx context.Context, agentID string, input []byte, execCtx map[string]string, timeoutMs uint32) (meshcore.AgentExecResult, error) {
	addr, err := e.resolver.AgentAddress(ctx, agentID)
	if err != nil {
		return meshcore.AgentExecResult{}, meshcore.NewMeshError("agentexec.Execute", "executor", err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	var result meshcore.AgentExecResult
	start := time.Now()

	cb := e.breakerFor(agentID)
	execErr := cb.Execute(callCtx, func(ctx context.Context) error {
		url := fmt.Sprintf("%s/invoke", addr)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(input))
		if err != nil {
			return err
		}
		for k, v := range execCtx {
			req.Header.Set(k, v)
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 400 {
			result = meshcore.AgentExecResult{OK: false, Err: fmt.Sprintf("agent returned status %d", resp.StatusCode)}
			return meshcore.ErrAgentExecutionFailed
		}

		result = meshcore.AgentExecResult{Output: body, OK: true}
		return nil
	})

	result.LatencyMs = uint64(time.Since(start).Milliseconds())

	if execErr != nil && result.Err == "" {
		result.OK = false
		result.Err = execErr.Error()
	}
	return result, nil
}
