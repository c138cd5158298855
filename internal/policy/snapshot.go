package policy

import "strings"

// Reasons attached to block decisions. These are the machine-readable
// reason strings carried by 403 responses and audit payloads.
const (
	ReasonDomainNotAllowed = "domain_not_allowed"
	ReasonEntryDisabled    = "entry_disabled"
	ReasonMethodNotAllowed = "method_not_allowed"
)

// Result is the outcome of checking a host (and optionally a method)
// against one snapshot.
type Result struct {
	Allowed  bool
	Reason   string
	Category string
}

// Snapshot is an immutable, pre-indexed view of the allowlist. It is built
// once per mutation/reload and shared by any number of concurrent readers.
type Snapshot struct {
	file  *File
	exact map[string]*Entry
	// suffix entries keep file order; the list is small by design
	suffixes []suffixEntry
}

type suffixEntry struct {
	suffix string // without leading dot
	entry  *Entry
}

func newSnapshot(f *File) *Snapshot {
	s := &Snapshot{
		file:  f,
		exact: make(map[string]*Entry, len(f.Entries)),
	}
	for i := range f.Entries {
		e := &f.Entries[i]
		d := normalizeDomain(e.Domain)
		switch {
		case strings.HasPrefix(d, "*."):
			s.suffixes = append(s.suffixes, suffixEntry{suffix: d[2:], entry: e})
		case e.Suffix:
			s.suffixes = append(s.suffixes, suffixEntry{suffix: d, entry: e})
			s.exact[d] = e
		default:
			s.exact[d] = e
		}
	}
	return s
}

// RateLimit returns the rate limit frozen into this snapshot (nil when
// unlimited). Handlers that captured the snapshot read the limit from it,
// not from the store, so a reload mid-request cannot change their budget.
func (s *Snapshot) RateLimit() *RateLimit {
	return s.file.RateLimit
}

// CheckHost evaluates a host against the allowlist only, ignoring methods.
// This is the DNS filter's view of the policy.
func (s *Snapshot) CheckHost(host string) Result {
	e := s.match(normalizeDomain(host))
	if e == nil {
		return Result{Reason: ReasonDomainNotAllowed}
	}
	if !e.Enabled {
		return Result{Reason: ReasonEntryDisabled, Category: e.Category}
	}
	return Result{Allowed: true, Category: e.Category}
}

// Check evaluates host and method. A matching entry with a method
// restriction rejects disallowed methods even though the domain itself is
// permitted.
func (s *Snapshot) Check(host, method string) Result {
	r := s.CheckHost(host)
	if !r.Allowed {
		return r
	}
	e := s.match(normalizeDomain(host))
	if len(e.Methods) == 0 {
		return r
	}
	for _, m := range e.Methods {
		if strings.EqualFold(m, method) {
			return r
		}
	}
	return Result{Reason: ReasonMethodNotAllowed, Category: e.Category}
}

// match returns the entry for a normalized domain: exact wins, then the
// longest matching suffix.
func (s *Snapshot) match(domain string) *Entry {
	if e, ok := s.exact[domain]; ok {
		return e
	}
	var best *Entry
	bestLen := -1
	for _, se := range s.suffixes {
		if len(se.suffix) > bestLen && matchesSuffix(domain, se.suffix) {
			best = se.entry
			bestLen = len(se.suffix)
		}
	}
	return best
}

func matchesSuffix(domain, suffix string) bool {
	if domain == suffix {
		return true
	}
	return strings.HasSuffix(domain, "."+suffix)
}

// normalizeDomain lower-cases and strips the trailing dot DNS names carry.
func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}
