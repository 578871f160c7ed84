package registry

import (
	"context"
	"sync"

	"github.com/repr0bated/agentmesh/meshcore"
)

// MockRegistry is an in-memory meshcore.AgentRegistry for tests and the
// cmd/ demo, mirroring core.MockDiscovery's shape: a map of agents plus
// a capability index kept in sync on register/unregister.
type MockRegistry struct {
	mu           sync.RWMutex
	agents       map[string]meshcore.Agent
	enabled      map[string]bool
	capabilities map[meshcore.CapabilityId][]string
}

// NewMockRegistry builds an empty MockRegistry.
func NewMockRegistry() *MockRegistry {
	return &MockRegistry{
		agents:       make(map[string]meshcore.Agent),
		enabled:      make(map[string]bool),
		capabilities: make(map[meshcore.CapabilityId][]string),
	}
}

// Register adds or replaces agent in the registry.
func (m *MockRegistry) Register(agent meshcore.Agent, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.agents[agent.ID] = agent
	m.enabled[agent.ID] = enabled
	for _, cap := range agent.Capabilities {
		if !containsString(m.capabilities[cap], agent.ID) {
			m.capabilities[cap] = append(m.capabilities[cap], agent.ID)
		}
	}
}

// Unregister removes agentID from the registry and every capability
// index it belonged to.
func (m *MockRegistry) Unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return
	}
	for _, cap := range agent.Capabilities {
		m.capabilities[cap] = removeString(m.capabilities[cap], agentID)
	}
	delete(m.agents, agentID)
	delete(m.enabled, agentID)
}

func (m *MockRegistry) FindByCapability(_ context.Context, cap meshcore.CapabilityId, _ bool) ([]meshcore.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.capabilities[cap]
	out := make([]meshcore.Agent, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.agents[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MockRegistry) ListAgents(_ context.Context, enabledOnly bool) ([]meshcore.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]meshcore.Agent, 0, len(m.agents))
	for id, a := range m.agents {
		if enabledOnly && !m.enabled[id] {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *MockRegistry) ListCapabilities(_ context.Context) ([]meshcore.CapabilityId, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]meshcore.CapabilityId, 0, len(m.capabilities))
	for cap := range m.capabilities {
		out = append(out, cap)
	}
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	var out []string
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
