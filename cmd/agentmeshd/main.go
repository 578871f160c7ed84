// Command agentmeshd wires the orchestration core's reference
// implementations together and exposes them over a small HTTP API,
// following the teacher's cmd/example convention of a short, explicit
// main with no CLI framework.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/repr0bated/agentmesh/agentexec"
	"github.com/repr0bated/agentmesh/meshcore"
	"github.com/repr0bated/agentmesh/orchestrator"
	"github.com/repr0bated/agentmesh/pattern"
	"github.com/repr0bated/agentmesh/registry"
	"github.com/repr0bated/agentmesh/resilience"
	"github.com/repr0bated/agentmesh/stepcache"
)

func main() {
	cfg, err := meshcore.NewConfig()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	logger := cfg.Logger()

	cache, err := stepcache.Open(cfg.CacheDir, cfg.Compress, cfg.HotThreshold, logger)
	if err != nil {
		log.Fatalf("opening step cache: %v", err)
	}
	defer cache.Close()

	tracker, err := pattern.Open(cfg.CacheDir, cfg.MinSequenceLength, cfg.MaxSequenceLength, cfg.PromotionThreshold, cfg.DetectionWindow, logger)
	if err != nil {
		log.Fatalf("opening pattern tracker: %v", err)
	}
	defer tracker.Close()

	reg := buildRegistry(logger)
	agents := agentexec.New(addressBook{}, 10*time.Second, resilience.DefaultConfig(), logger)

	orch := orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Agents:   agents,
		Cache:    cache,
		Tracker:  tracker,
		Config:   cfg,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/execute", handleExecute(orch))
	mux.HandleFunc("/v1/resolve", handleResolve(orch))
	mux.HandleFunc("/v1/stats", handleStats(orch))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	srv := &http.Server{Addr: ":8090", Handler: mux}

	go func() {
		log.Println("agentmeshd listening on :8090")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
}

// buildRegistry picks RedisRegistry when AGENTMESH_REDIS_URL is set,
// falling back to an empty in-memory MockRegistry for local runs.
func buildRegistry(logger meshcore.Logger) meshcore.AgentRegistry {
	if url := os.Getenv("AGENTMESH_REDIS_URL"); url != "" {
		reg, err := registry.NewRedisRegistry(url, "agentmesh", 30*time.Second)
		if err != nil {
			logger.Error("redis registry unavailable, falling back to in-memory", map[string]interface{}{"error": err.Error()})
			return registry.NewMockRegistry()
		}
		return reg
	}
	return registry.NewMockRegistry()
}

// addressBook resolves agent ids to URLs via AGENTMESH_AGENT_<ID>
// environment variables, the same env-driven wiring convention as the
// rest of the ambient config.
type addressBook struct{}

func (addressBook) AgentAddress(_ context.Context, agentID string) (string, error) {
	if addr := os.Getenv("AGENTMESH_AGENT_" + agentID); addr != "" {
		return addr, nil
	}
	return "", meshcore.ErrNotFound
}

func handleExecute(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req meshcore.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := orch.Execute(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleResolve(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Required []meshcore.CapabilityId `json:"required_capabilities"`
			Preferred []string               `json:"preferred_agents"`
			Excluded  []string               `json:"excluded_agents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		preferred := toSet(body.Preferred)
		excluded := toSet(body.Excluded)
		result, err := orch.Resolve(r.Context(), body.Required, preferred, excluded)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func handleStats(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := orch.GetStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
