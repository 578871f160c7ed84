// Package orchestrator implements the Orchestrator Facade: the thin
// coordinator that mints request ids, calls the resolver, picks the
// fast path or the workstack pipeline, and reports the executed
// sequence to the pattern tracker.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/repr0bated/agentmesh/fingerprint"
	"github.com/repr0bated/agentmesh/meshcore"
	"github.com/repr0bated/agentmesh/pattern"
	"github.com/repr0bated/agentmesh/resolver"
	"github.com/repr0bated/agentmesh/stepcache"
	"github.com/repr0bated/agentmesh/workstack"
)

// Orchestrator composes the resolver, executor, cache, and tracker into
// the facade the transport layer calls into. It owns no global state:
// each instance is constructed once per process and passed by reference
// to handlers.
type Orchestrator struct {
	resolver *resolver.Resolver
	executor *workstack.Executor
	cache    *stepcache.Cache
	tracker  *pattern.Tracker
	registry meshcore.AgentRegistry
	logger   meshcore.Logger

	workstackThreshold int
	enableCaching      bool
	autoPromote        bool
	defaultTTL         time.Duration
}

// Deps bundles the components Orchestrator wires together.
type Deps struct {
	Registry meshcore.AgentRegistry
	Agents   meshcore.AgentExecutor
	Cache    *stepcache.Cache
	Tracker  *pattern.Tracker
	Config   *meshcore.Config
}

// New builds an Orchestrator from its dependencies and configuration.
func New(deps Deps) *Orchestrator {
	logger := deps.Config.Logger()
	return &Orchestrator{
		resolver:           resolver.New(deps.Registry),
		executor:           workstack.New(deps.Agents, deps.Cache, deps.Config.DefaultTTL, logger),
		cache:              deps.Cache,
		tracker:            deps.Tracker,
		registry:           deps.Registry,
		logger:             logger,
		workstackThreshold: deps.Config.WorkstackThreshold,
		enableCaching:      deps.Config.EnableCaching,
		autoPromote:        deps.Config.AutoPromote,
		defaultTTL:         deps.Config.DefaultTTL,
	}
}

// Execute resolves req's capabilities, runs the resulting agents, and
// reports the sequence to the tracker.
func (o *Orchestrator) Execute(ctx context.Context, req meshcore.Request) (meshcore.Response, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = meshcore.WithRequestID(ctx, requestID)
	start := time.Now()

	resolution, err := o.resolver.Resolve(ctx, req.RequiredCapabilities, req.PreferredAgents, req.ExcludedAgents)
	if err != nil {
		return meshcore.Response{}, err
	}

	resp := meshcore.Response{
		RequestID: requestID,
		Fulfilled: mapKeys(resolution.Fulfilled),
		Missing:   resolution.Missing,
	}
	for _, a := range resolution.Agents {
		resp.ResolvedAgents = append(resp.ResolvedAgents, a.ID)
	}

	if len(resolution.Agents) == 0 {
		// ResolutionEmpty: reportable, not a failure.
		resp.TotalLatencyMs = uint64(time.Since(start).Milliseconds())
		return resp, nil
	}

	agentIDs := make([]string, len(resolution.Agents))
	for i, a := range resolution.Agents {
		agentIDs[i] = a.ID
	}

	if err := o.runAgents(ctx, &resp, agentIDs, req.Input, start, req.TimeoutMs); err != nil {
		return resp, err
	}
	return resp, nil
}

// ExecuteAgents skips resolution entirely and runs the given agent ids
// in order. timeoutMs, if > 0, is passed to the external executor for
// each step, per the per-agent timeout contract.
func (o *Orchestrator) ExecuteAgents(ctx context.Context, requestID string, agentIDs []string, input []byte, timeoutMs uint32) (meshcore.Response, error) {
	if len(agentIDs) == 0 {
		return meshcore.Response{}, meshcore.NewMeshError("orchestrator.ExecuteAgents", "orchestrator", meshcore.ErrInvalidArgument)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = meshcore.WithRequestID(ctx, requestID)
	start := time.Now()

	resp := meshcore.Response{RequestID: requestID, ResolvedAgents: agentIDs}
	if err := o.runAgents(ctx, &resp, agentIDs, input, start, timeoutMs); err != nil {
		return resp, err
	}
	return resp, nil
}

func (o *Orchestrator) runAgents(ctx context.Context, resp *meshcore.Response, agentIDs []string, input []byte, start time.Time, timeoutMs uint32) error {
	cachingEnabled := o.enableCaching

	if len(agentIDs) < o.workstackThreshold {
		output, step, err := o.executor.RunSingle(ctx, agentIDs[0], input, timeoutMs)
		resp.Steps = []meshcore.StepResult{step}
		resp.UsedWorkstack = false
		resp.Output = output
		resp.TotalLatencyMs = uint64(time.Since(start).Milliseconds())
		if err != nil {
			return err
		}
		resp.CacheHits, resp.CacheMisses = countCacheOutcomes(resp.Steps)
		return nil
	}

	workstackID := "ws-" + fingerprint.HashBytes(input)[:12]
	output, steps, err := o.executor.Run(ctx, workstackID, agentIDs, input, cachingEnabled, timeoutMs)
	resp.Steps = steps
	resp.UsedWorkstack = true
	resp.Output = output
	resp.TotalLatencyMs = uint64(time.Since(start).Milliseconds())
	resp.CacheHits, resp.CacheMisses = countCacheOutcomes(steps)

	if err != nil {
		return err
	}

	if o.tracker != nil {
		var totalLatency uint64
		for _, s := range steps {
			totalLatency += s.LatencyMs
		}
		suggestion, terr := o.tracker.RecordSequence(ctx, agentIDs, totalLatency, o.autoPromote)
		if terr != nil {
			o.logger.WarnWithContext(ctx, "pattern tracker failed to record sequence", map[string]interface{}{"error": terr.Error()})
		} else if suggestion != nil {
			o.logger.InfoWithContext(ctx, "promotion suggestion available", map[string]interface{}{
				"pattern_id":      suggestion.PatternID,
				"suggested_name":  suggestion.SuggestedName,
				"confidence":      suggestion.Confidence,
				"call_count":      suggestion.CallCount,
			})
		}
	}
	return nil
}

func countCacheOutcomes(steps []meshcore.StepResult) (hits, misses int) {
	for _, s := range steps {
		if s.Cached {
			hits++
		} else {
			misses++
		}
	}
	return
}

func mapKeys(m map[meshcore.CapabilityId]struct{}) []meshcore.CapabilityId {
	out := make([]meshcore.CapabilityId, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Resolve exposes the resolver directly, without executing anything.
func (o *Orchestrator) Resolve(ctx context.Context, required []meshcore.CapabilityId, preferred, excluded map[string]struct{}) (meshcore.ResolveResult, error) {
	resolution, err := o.resolver.Resolve(ctx, required, preferred, excluded)
	if err != nil {
		return meshcore.ResolveResult{}, err
	}
	var estimatedLatency uint64
	path := make([]string, len(resolution.Agents))
	for i, a := range resolution.Agents {
		estimatedLatency += a.EstimatedLatencyMs
		path[i] = a.ID
	}
	return meshcore.ResolveResult{
		Agents:             resolution.Agents,
		Fulfilled:          mapKeys(resolution.Fulfilled),
		Missing:            resolution.Missing,
		EstimatedLatencyMs: estimatedLatency,
		ResolutionPath:     path,
	}, nil
}

// GetPatterns returns the tracker's current promotion candidates.
func (o *Orchestrator) GetPatterns(ctx context.Context) ([]pattern.PromotionSuggestion, error) {
	return o.tracker.GetPromotionCandidates(ctx)
}

// PromotePattern promotes patternID and returns its workflow id.
func (o *Orchestrator) PromotePattern(ctx context.Context, patternID string) (string, error) {
	return o.tracker.PromotePattern(ctx, patternID)
}

// Stats is the response shape for GetStats.
type Stats struct {
	RegisteredAgents      int
	EnabledAgents         int
	AvailableCapabilities int
	TrackedPatterns       uint64
	PromotedPatterns      uint64
	CacheEntries          uint64
	CacheHitRate          float64
	NumaNodes             int
	TopWorkstacks         []WorkstackStat
}

// WorkstackStat is one row of the SUPPLEMENTED top-workstacks breakdown.
type WorkstackStat struct {
	WorkstackID    string
	TotalSizeBytes uint64
	HitCount       uint64
	MissCount      uint64
}

// GetStats aggregates counters across the registry, cache, and tracker.
func (o *Orchestrator) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	s.NumaNodes = 1

	if o.registry != nil {
		agents, err := o.registry.ListAgents(ctx, false)
		if err != nil {
			return Stats{}, meshcore.NewMeshError("orchestrator.GetStats", "orchestrator", err)
		}
		s.RegisteredAgents = len(agents)
		enabled, err := o.registry.ListAgents(ctx, true)
		if err != nil {
			return Stats{}, meshcore.NewMeshError("orchestrator.GetStats", "orchestrator", err)
		}
		s.EnabledAgents = len(enabled)
		caps, err := o.registry.ListCapabilities(ctx)
		if err != nil {
			return Stats{}, meshcore.NewMeshError("orchestrator.GetStats", "orchestrator", err)
		}
		s.AvailableCapabilities = len(caps)
	}

	if o.tracker != nil {
		ts, err := o.tracker.Stats(ctx)
		if err != nil {
			return Stats{}, meshcore.NewMeshError("orchestrator.GetStats", "orchestrator", err)
		}
		s.TrackedPatterns = ts.TrackedPatterns
		s.PromotedPatterns = ts.PromotedPatterns
	}

	if o.cache != nil {
		cs, err := o.cache.Stats(ctx)
		if err != nil {
			return Stats{}, meshcore.NewMeshError("orchestrator.GetStats", "orchestrator", err)
		}
		s.CacheEntries = cs.TotalEntries
		s.CacheHitRate = cs.HitRate

		top, err := o.cache.TopWorkstacks(ctx, 10)
		if err != nil {
			return Stats{}, meshcore.NewMeshError("orchestrator.GetStats", "orchestrator", err)
		}
		for _, w := range top {
			s.TopWorkstacks = append(s.TopWorkstacks, WorkstackStat{
				WorkstackID:    w.WorkstackID,
				TotalSizeBytes: w.TotalSizeBytes,
				HitCount:       w.HitCount,
				MissCount:      w.MissCount,
			})
		}
	}

	return s, nil
}
