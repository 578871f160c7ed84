package meshcore

import "context"

// AgentRegistry is the read-only lookup the core consumes to resolve
// capabilities to agents. Implementations live outside the core (e.g. a
// Redis-backed registry or a static in-memory one); the core never
// dictates how an Agent is discovered, only this contract.
type AgentRegistry interface {
	// FindByCapability returns the agents advertising cap. When matchAll
	// is true, only agents that advertise every capability the caller
	// cares about should be returned; the default (false) returns any
	// agent advertising cap at all.
	FindByCapability(ctx context.Context, cap CapabilityId, matchAll bool) ([]Agent, error)
	ListAgents(ctx context.Context, enabledOnly bool) ([]Agent, error)
	ListCapabilities(ctx context.Context) ([]CapabilityId, error)
}

// AgentExecResult is returned by AgentExecutor.Execute.
type AgentExecResult struct {
	Output    []byte
	LatencyMs uint64
	OK        bool
	Err       string
}

// AgentExecutor invokes one agent by id. Implementations own transport
// (HTTP, gRPC, in-process); the core only ever calls Execute.
type AgentExecutor interface {
	Execute(ctx context.Context, agentID string, input []byte, execCtx map[string]string, timeoutMs uint32) (AgentExecResult, error)
}
