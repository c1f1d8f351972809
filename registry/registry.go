// Package registry publishes signaling servers and lets clients find them.
package registry

import (
	"context"
	"errors"
	"sort"
)

var ErrNoInstances = errors.New("registry: no instances available")

// Instance is one reachable signaling server.
type Instance struct {
	Addr    string            `json:"addr"`
	Weight  int               `json:"weight"` // for weighted load balancing
	Version string            `json:"version"`
	Meta    map[string]string `json:"meta,omitempty"`
}

type Registry interface {
	// Register publishes inst under service for ttl seconds, renewing the
	// lease until Deregister or Close.
	Register(ctx context.Context, service string, inst Instance, ttl int64) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Instance
	Close() error
}

func sortByAddr(in []Instance) {
	sort.Slice(in, func(i, j int) bool { return in[i].Addr < in[j].Addr })
}
