// Package resolver implements the Capability Resolver: a deterministic,
// single-pass mapping from a required-capability set (plus preferred and
// excluded agent hints) to an ordered agent list.
package resolver

import (
	"context"
	"sort"

	"github.com/repr0bated/agentmesh/meshcore"
)

// Resolver maps capability requests to agents via an AgentRegistry.
type Resolver struct {
	registry meshcore.AgentRegistry
}

// New builds a Resolver over registry.
func New(registry meshcore.AgentRegistry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve implements the single-pass algorithm: for each required
// capability in request order (duplicates skipped), pick the best
// remaining candidate — preferred agents first, then lowest estimated
// latency, ties broken lexicographically by id — and credit it with
// every capability it offers. The final selection is stable-sorted by
// agent priority.
func (r *Resolver) Resolve(ctx context.Context, required []meshcore.CapabilityId, preferred, excluded map[string]struct{}) (meshcore.ResolutionResult, error) {
	selected := make([]meshcore.Agent, 0, len(required))
	selectedIDs := make(map[string]struct{}, len(required))
	fulfilled := make(map[meshcore.CapabilityId]struct{}, len(required))

	seenRequired := make(map[meshcore.CapabilityId]struct{}, len(required))
	orderedRequired := make([]meshcore.CapabilityId, 0, len(required))
	for _, cap := range required {
		if _, dup := seenRequired[cap]; dup {
			continue
		}
		seenRequired[cap] = struct{}{}
		orderedRequired = append(orderedRequired, cap)
	}

	for _, cap := range orderedRequired {
		if _, ok := fulfilled[cap]; ok {
			continue
		}

		candidates, err := r.registry.FindByCapability(ctx, cap, false)
		if err != nil {
			return meshcore.ResolutionResult{}, meshcore.NewMeshError("resolver.Resolve", "resolver", err)
		}

		filtered := candidates[:0:0]
		for _, a := range candidates {
			if _, excl := excluded[a.ID]; excl {
				continue
			}
			if _, already := selectedIDs[a.ID]; already {
				continue
			}
			filtered = append(filtered, a)
		}

		sort.SliceStable(filtered, func(i, j int) bool {
			_, iPref := preferred[filtered[i].ID]
			_, jPref := preferred[filtered[j].ID]
			if iPref != jPref {
				return iPref // preferred sorts first
			}
			if filtered[i].EstimatedLatencyMs != filtered[j].EstimatedLatencyMs {
				return filtered[i].EstimatedLatencyMs < filtered[j].EstimatedLatencyMs
			}
			return filtered[i].ID < filtered[j].ID
		})

		if len(filtered) == 0 {
			continue
		}
		picked := filtered[0]
		selected = append(selected, picked)
		selectedIDs[picked.ID] = struct{}{}
		for _, c := range picked.Capabilities {
			fulfilled[c] = struct{}{}
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Priority < selected[j].Priority
	})

	missing := make([]meshcore.CapabilityId, 0)
	for _, cap := range orderedRequired {
		if _, ok := fulfilled[cap]; !ok {
			missing = append(missing, cap)
		}
	}

	return meshcore.ResolutionResult{
		Agents:    selected,
		Fulfilled: fulfilled,
		Missing:   missing,
	}, nil
}
