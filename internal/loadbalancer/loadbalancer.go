// Package loadbalancer implements the Load Balancer (L8): pluggable
// member selection for RANDOM-routed invocations, subscribed to cluster
// membership so its cache never needs a separate refresh path.
package loadbalancer

import (
	"math/rand"
	"sync"

	"github.com/meshkv/go-client/internal/cluster"
)

// LoadBalancer selects the next member to route a non-key-based operation
// to; Next returns false if no member is currently available.
type LoadBalancer interface {
	Next() (cluster.MemberInfo, bool)
}

// MembershipSource is the subset of cluster.Service a load balancer needs
// to subscribe to membership changes, kept narrow for testability.
type MembershipSource interface {
	AddListener(l cluster.MembershipListener, fireForExisting bool) int64
}

type cache struct {
	mu      sync.Mutex
	members []cluster.MemberInfo
	index   map[string]int
}

func newCache(src MembershipSource) *cache {
	c := &cache{index: make(map[string]int)}
	src.AddListener(cluster.MembershipListener{
		OnAdded:   c.add,
		OnRemoved: c.remove,
	}, true)
	return c
}

func (c *cache) add(m cluster.MemberInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[m.UUID]; ok {
		return
	}
	c.index[m.UUID] = len(c.members)
	c.members = append(c.members, m)
}

func (c *cache) remove(m cluster.MemberInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[m.UUID]
	if !ok {
		return
	}
	last := len(c.members) - 1
	c.members[i] = c.members[last]
	c.index[c.members[i].UUID] = i
	c.members = c.members[:last]
	delete(c.index, m.UUID)
}

func (c *cache) snapshot() []cluster.MemberInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cluster.MemberInfo, len(c.members))
	copy(out, c.members)
	return out
}

// RoundRobin cycles through the cached member list. The shared index is
// mutex-guarded; when the member list changes between calls the cycle
// position is taken modulo the new length.
type RoundRobin struct {
	cache *cache
	idx   uint64
	idxMu sync.Mutex
}

// NewRoundRobin constructs a RoundRobin balancer subscribed to src.
func NewRoundRobin(src MembershipSource) *RoundRobin {
	return &RoundRobin{cache: newCache(src)}
}

// Next returns the next member in round-robin order.
func (b *RoundRobin) Next() (cluster.MemberInfo, bool) {
	members := b.cache.snapshot()
	if len(members) == 0 {
		return cluster.MemberInfo{}, false
	}
	b.idxMu.Lock()
	i := b.idx % uint64(len(members))
	b.idx++
	b.idxMu.Unlock()
	return members[i], true
}

// Random picks a uniformly random member from the cached list.
type Random struct {
	cache *cache
}

// NewRandom constructs a Random balancer subscribed to src.
func NewRandom(src MembershipSource) *Random {
	return &Random{cache: newCache(src)}
}

// Next returns a uniformly random member.
func (b *Random) Next() (cluster.MemberInfo, bool) {
	members := b.cache.snapshot()
	if len(members) == 0 {
		return cluster.MemberInfo{}, false
	}
	return members[rand.Intn(len(members))], true
}
