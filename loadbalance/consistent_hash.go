package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"signal-rpc/registry"
)

// ConsistentHashBalancer maps affinity keys to instances using a hash ring,
// so a user reconnecting after a drop lands on the same server as long as
// the server set is unchanged.
//
// Each real instance is placed on the ring as many virtual nodes; without
// them a few instances can cluster together and take uneven shares.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string            // addresses the ring was built from
	ring      []uint32          // sorted hash values
	nodes     map[uint32]string // hash → instance address
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per
// instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// rebuild places every instance on a fresh ring. Each virtual node is
// hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) rebuild(instances []registry.Instance, signature string) {
	b.ring = make([]uint32, 0, len(instances)*b.replicas)
	b.nodes = make(map[uint32]string, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst.Addr
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
	b.signature = signature
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping
// around past the largest hash.
func (b *ConsistentHashBalancer) Pick(instances []registry.Instance, key string) (registry.Instance, error) {
	if len(instances) == 0 {
		return registry.Instance{}, registry.ErrNoInstances
	}

	byAddr := make(map[string]registry.Instance, len(instances))
	addrs := make([]string, 0, len(instances))
	for _, inst := range instances {
		byAddr[inst.Addr] = inst
		addrs = append(addrs, inst.Addr)
	}
	sort.Strings(addrs)
	signature := strings.Join(addrs, ",")

	b.mu.Lock()
	if signature != b.signature {
		b.rebuild(instances, signature)
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	addr := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	return byAddr[addr], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
