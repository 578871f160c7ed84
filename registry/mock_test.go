package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repr0bated/agentmesh/meshcore"
)

func TestMockRegistryFindByCapability(t *testing.T) {
	reg := NewMockRegistry()
	reg.Register(meshcore.Agent{ID: "A", Capabilities: []meshcore.CapabilityId{1, 2}}, true)
	reg.Register(meshcore.Agent{ID: "B", Capabilities: []meshcore.CapabilityId{2}}, false)

	agents, err := reg.FindByCapability(context.Background(), 2, false)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	enabled, err := reg.ListAgents(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.Equal(t, "A", enabled[0].ID)
}

func TestMockRegistryUnregisterCleansIndexes(t *testing.T) {
	reg := NewMockRegistry()
	reg.Register(meshcore.Agent{ID: "A", Capabilities: []meshcore.CapabilityId{1}}, true)
	reg.Unregister("A")

	agents, err := reg.FindByCapability(context.Background(), 1, false)
	require.NoError(t, err)
	require.Empty(t, agents)

	all, err := reg.ListAgents(context.Background(), false)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestMockRegistryListCapabilities(t *testing.T) {
	reg := NewMockRegistry()
	reg.Register(meshcore.Agent{ID: "A", Capabilities: []meshcore.CapabilityId{1, 3}}, true)

	caps, err := reg.ListCapabilities(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []meshcore.CapabilityId{1, 3}, caps)
}
