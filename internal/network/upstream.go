//go:generate go run golang.org/x/tools/cmd/stringer -type=LoadBalancingPolicy

package network

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LoadBalancingPolicy formalizes the policy that picks which upstream resolver receives each
// attempt of a forwarded query.
type LoadBalancingPolicy int

const (
	// RoundRobin statefully iterates through each upstream on every attempt, so retries land on
	// the next upstream in turn.
	RoundRobin LoadBalancingPolicy = iota
	// Random selects an upstream at random for every attempt.
	Random
	// Failover sends first attempts to the primary upstream and moves each retry to the next
	// upstream in configured order.
	Failover
)

// Upstreams is a set of upstream resolver addresses governed by a load balancing policy.
type Upstreams struct {
	addrs  []*net.UDPAddr
	policy LoadBalancingPolicy

	// Current round robin index
	rrIdx uint32

	rand      *rand.Rand
	randMutex sync.Mutex
}

// NewUpstreams creates an upstream set from already resolved addresses. At least one address is
// required.
func NewUpstreams(addrs []*net.UDPAddr, policy LoadBalancingPolicy) (*Upstreams, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("upstream: no upstream servers specified")
	}

	return &Upstreams{
		addrs:  addrs,
		policy: policy,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// ResolveUpstreams resolves each host:port address and creates an upstream set from them.
func ResolveUpstreams(addrs []string, policy LoadBalancingPolicy) (*Upstreams, error) {
	resolved := make([]*net.UDPAddr, 0, len(addrs))

	for _, addr := range addrs {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("upstream: error resolving upstream address: addr=%s err=%v", addr, err)
		}

		resolved = append(resolved, udpAddr)
	}

	return NewUpstreams(resolved, policy)
}

// Select returns the upstream that should receive the specified attempt of a query, where attempt
// 0 is the first send and each retry increments it.
func (u *Upstreams) Select(attempt int) *net.UDPAddr {
	if len(u.addrs) == 1 {
		return u.addrs[0]
	}

	switch u.policy {
	case Random:
		u.randMutex.Lock()
		defer u.randMutex.Unlock()

		return u.addrs[u.rand.Intn(len(u.addrs))]
	case Failover:
		return u.addrs[attempt%len(u.addrs)]
	default:
		idx := atomic.AddUint32(&u.rrIdx, 1) - 1
		return u.addrs[int(idx%uint32(len(u.addrs)))]
	}
}

// Contains reports whether addr is one of the upstream addresses.
func (u *Upstreams) Contains(addr *net.UDPAddr) bool {
	if addr == nil {
		return false
	}

	for _, candidate := range u.addrs {
		if candidate.Port == addr.Port && candidate.IP.Equal(addr.IP) {
			return true
		}
	}

	return false
}

// Addrs returns the upstream addresses in configured order.
func (u *Upstreams) Addrs() []*net.UDPAddr {
	return u.addrs
}

// Policy returns the load balancing policy.
func (u *Upstreams) Policy() LoadBalancingPolicy {
	return u.policy
}

// String returns a string representation of the upstream set.
func (u *Upstreams) String() string {
	addrs := make([]string, len(u.addrs))
	for i, addr := range u.addrs {
		addrs[i] = addr.String()
	}

	return fmt.Sprintf("Upstreams{policy: %s, addrs: [%s]}", u.policy, strings.Join(addrs, ", "))
}

// ParseLoadBalancingPolicy parses a LoadBalancingPolicy constant from its stringified
// representation in a case-insensitive manner.
func ParseLoadBalancingPolicy(lbPolicy string) (LoadBalancingPolicy, bool) {
	knownLbPolicies := []LoadBalancingPolicy{
		RoundRobin,
		Random,
		Failover,
	}

	for _, knownLbPolicy := range knownLbPolicies {
		if strings.EqualFold(lbPolicy, knownLbPolicy.String()) {
			return knownLbPolicy, true
		}
	}

	return RoundRobin, false
}
