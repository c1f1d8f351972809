// Package loadbalance picks which discovered signaling server a client
// dials.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers of different capacity
//   - ConsistentHash:  keep one user on the same server across reconnects
package loadbalance

import (
	"fmt"

	"signal-rpc/registry"
)

// Balancer selects one instance from the currently discovered list.
// Implementations must be goroutine-safe.
type Balancer interface {
	// Pick chooses an instance. key is an affinity hint such as a user
	// name; strategies that do not use affinity ignore it.
	Pick(instances []registry.Instance, key string) (registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. The empty name selects
// round robin.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
