// Package registry provides reference implementations of
// meshcore.AgentRegistry: a Redis-backed registry for production
// deployments, and an in-memory one for tests and local demos.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/repr0bated/agentmesh/meshcore"
)

// RedisRegistry indexes agents by capability in Redis, the same shape
// RedisDiscovery uses for service capability indexing: one SET per
// capability, one hash per agent, all namespaced and TTL'd so a crashed
// agent ages out of every index automatically.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisRegistry connects to redisURL and namespaces all keys under
// namespace.
func NewRedisRegistry(redisURL, namespace string, ttl time.Duration) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, meshcore.NewMeshError("registry.NewRedisRegistry", "registry", fmt.Errorf("invalid redis url: %w", err))
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, meshcore.NewMeshError("registry.NewRedisRegistry", "registry", fmt.Errorf("connecting to redis: %w", err))
	}

	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisRegistry{client: client, namespace: namespace, ttl: ttl}, nil
}

func (r *RedisRegistry) agentKey(id string) string {
	return fmt.Sprintf("%s:agents:%s", r.namespace, id)
}

func (r *RedisRegistry) capabilityKey(cap meshcore.CapabilityId) string {
	return fmt.Sprintf("%s:capabilities:%d", r.namespace, cap)
}

func (r *RedisRegistry) enabledKey() string {
	return fmt.Sprintf("%s:agents:enabled", r.namespace)
}

// Register publishes agent into every index it belongs to, using one
// pipelined round trip for atomicity across the multi-key write.
func (r *RedisRegistry) Register(ctx context.Context, agent meshcore.Agent, enabled bool) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return meshcore.NewMeshError("registry.Register", "registry", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.agentKey(agent.ID), data, r.ttl)
	for _, cap := range agent.Capabilities {
		capKey := r.capabilityKey(cap)
		pipe.SAdd(ctx, capKey, agent.ID)
		pipe.Expire(ctx, capKey, r.ttl*2)
	}
	if enabled {
		pipe.SAdd(ctx, r.enabledKey(), agent.ID)
		pipe.Expire(ctx, r.enabledKey(), r.ttl*2)
	} else {
		pipe.SRem(ctx, r.enabledKey(), agent.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return meshcore.NewMeshError("registry.Register", "registry", err)
	}
	return nil
}

// Unregister removes agentID from every capability index it was part
// of and deletes its record.
func (r *RedisRegistry) Unregister(ctx context.Context, agentID string) error {
	data, err := r.client.Get(ctx, r.agentKey(agentID)).Result()
	if err == nil {
		var agent meshcore.Agent
		if json.Unmarshal([]byte(data), &agent) == nil {
			for _, cap := range agent.Capabilities {
				r.client.SRem(ctx, r.capabilityKey(cap), agentID)
			}
		}
	}
	r.client.SRem(ctx, r.enabledKey(), agentID)
	return r.client.Del(ctx, r.agentKey(agentID)).Err()
}

func (r *RedisRegistry) loadAgent(ctx context.Context, id string) (meshcore.Agent, bool, error) {
	data, err := r.client.Get(ctx, r.agentKey(id)).Result()
	if err == redis.Nil {
		return meshcore.Agent{}, false, nil
	}
	if err != nil {
		return meshcore.Agent{}, false, err
	}
	var agent meshcore.Agent
	if err := json.Unmarshal([]byte(data), &agent); err != nil {
		return meshcore.Agent{}, false, err
	}
	return agent, true, nil
}

// FindByCapability returns every agent registered under cap. matchAll
// has no effect here: a single capability index membership already
// means the agent advertises that capability.
func (r *RedisRegistry) FindByCapability(ctx context.Context, cap meshcore.CapabilityId, matchAll bool) ([]meshcore.Agent, error) {
	ids, err := r.client.SMembers(ctx, r.capabilityKey(cap)).Result()
	if err != nil {
		return nil, meshcore.NewMeshError("registry.FindByCapability", "registry", err)
	}
	agents := make([]meshcore.Agent, 0, len(ids))
	for _, id := range ids {
		agent, ok, err := r.loadAgent(ctx, id)
		if err != nil {
			return nil, meshcore.NewMeshError("registry.FindByCapability", "registry", err)
		}
		if ok {
			agents = append(agents, agent)
		}
	}
	return agents, nil
}

// ListAgents returns every agent, or only enabled ones.
func (r *RedisRegistry) ListAgents(ctx context.Context, enabledOnly bool) ([]meshcore.Agent, error) {
	var ids []string
	var err error
	if enabledOnly {
		ids, err = r.client.SMembers(ctx, r.enabledKey()).Result()
	} else {
		var keys []string
		keys, err = r.client.Keys(ctx, r.namespace+":agents:*").Result()
		if err == nil {
			for _, k := range keys {
				if k == r.enabledKey() {
					continue
				}
				ids = append(ids, k[len(r.namespace+":agents:"):])
			}
		}
	}
	if err != nil {
		return nil, meshcore.NewMeshError("registry.ListAgents", "registry", err)
	}

	agents := make([]meshcore.Agent, 0, len(ids))
	for _, id := range ids {
		agent, ok, err := r.loadAgent(ctx, id)
		if err != nil {
			return nil, meshcore.NewMeshError("registry.ListAgents", "registry", err)
		}
		if ok {
			agents = append(agents, agent)
		}
	}
	return agents, nil
}

// ListCapabilities returns every capability with at least one
// registered agent.
func (r *RedisRegistry) ListCapabilities(ctx context.Context) ([]meshcore.CapabilityId, error) {
	keys, err := r.client.Keys(ctx, r.namespace+":capabilities:*").Result()
	if err != nil {
		return nil, meshcore.NewMeshError("registry.ListCapabilities", "registry", err)
	}
	prefix := r.namespace + ":capabilities:"
	caps := make([]meshcore.CapabilityId, 0, len(keys))
	for _, k := range keys {
		n, err := strconv.Atoi(k[len(prefix):])
		if err != nil {
			continue
		}
		caps = append(caps, meshcore.CapabilityId(n))
	}
	return caps, nil
}
