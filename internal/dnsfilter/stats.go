package dnsfilter

import (
	"sort"
	"sync"

	"github.com/tkingovr/aegis/api"
)

// stats keeps the running allowed/blocked/total counters and a bounded
// per-domain block count. When the block table is full, the smallest
// counter is evicted so memory stays bounded under a domain-spray attack.
type stats struct {
	mu      sync.Mutex
	allowed uint64
	blocked uint64
	failed  uint64
	perDom  map[string]uint64
	maxDoms int
	topN    int
}

func newStats(maxDoms, topN int) *stats {
	return &stats{
		perDom:  make(map[string]uint64, maxDoms),
		maxDoms: maxDoms,
		topN:    topN,
	}
}

func (s *stats) recordAllowed() {
	s.mu.Lock()
	s.allowed++
	s.mu.Unlock()
}

// recordFailed counts a policy-allowed query whose upstreams all failed.
// It is neither allowed nor blocked, but it still happened.
func (s *stats) recordFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *stats) recordBlocked(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocked++
	if _, ok := s.perDom[domain]; !ok && len(s.perDom) >= s.maxDoms {
		s.evictSmallest()
	}
	s.perDom[domain]++
}

func (s *stats) evictSmallest() {
	var victim string
	var min uint64
	first := true
	for d, n := range s.perDom {
		if first || n < min {
			victim, min = d, n
			first = false
		}
	}
	if victim != "" {
		delete(s.perDom, victim)
	}
}

// snapshot returns the counters and the top-blocked list, largest first.
func (s *stats) snapshot() api.DNSStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := api.DNSStats{
		Allowed: s.allowed,
		Blocked: s.blocked,
		Failed:  s.failed,
		Total:   s.allowed + s.blocked + s.failed,
	}
	for d, n := range s.perDom {
		out.TopBlocked = append(out.TopBlocked, api.BlockedDomain{Domain: d, Count: n})
	}
	sort.Slice(out.TopBlocked, func(i, j int) bool {
		if out.TopBlocked[i].Count != out.TopBlocked[j].Count {
			return out.TopBlocked[i].Count > out.TopBlocked[j].Count
		}
		return out.TopBlocked[i].Domain < out.TopBlocked[j].Domain
	})
	if len(out.TopBlocked) > s.topN {
		out.TopBlocked = out.TopBlocked[:s.topN]
	}
	return out
}
