package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testEntries() []Entry {
	return []Entry{
		{Domain: "api.openai.com", Category: "llm", Enabled: true},
		{Domain: "*.github.com", Category: "code", Enabled: true},
		{Domain: "research.example.org", Category: "research", Methods: []string{"GET", "HEAD"}, Enabled: true},
		{Domain: "legacy.example.org", Enabled: false},
	}
}

func TestSnapshot_CheckHost(t *testing.T) {
	s := New(testEntries(), nil).Snapshot()

	cases := []struct {
		host    string
		allowed bool
		reason  string
	}{
		{"api.openai.com", true, ""},
		{"API.OPENAI.COM", true, ""},
		{"api.openai.com.", true, ""},
		{"evil.example.com", false, ReasonDomainNotAllowed},
		{"github.com", true, ""},
		{"raw.github.com", true, ""},
		{"deep.sub.github.com", true, ""},
		{"notgithub.com", false, ReasonDomainNotAllowed},
		{"legacy.example.org", false, ReasonEntryDisabled},
	}
	for _, tc := range cases {
		r := s.CheckHost(tc.host)
		if r.Allowed != tc.allowed {
			t.Errorf("CheckHost(%q) allowed = %v, want %v", tc.host, r.Allowed, tc.allowed)
		}
		if !tc.allowed && r.Reason != tc.reason {
			t.Errorf("CheckHost(%q) reason = %q, want %q", tc.host, r.Reason, tc.reason)
		}
	}
}

func TestSnapshot_MethodRestriction(t *testing.T) {
	s := New(testEntries(), nil).Snapshot()

	if r := s.Check("research.example.org", "GET"); !r.Allowed {
		t.Errorf("GET on method-restricted domain should be allowed, got reason %q", r.Reason)
	}
	if r := s.Check("research.example.org", "get"); !r.Allowed {
		t.Error("method match must be case-insensitive")
	}
	r := s.Check("research.example.org", "POST")
	if r.Allowed {
		t.Fatal("POST on GET-only domain must be rejected")
	}
	if r.Reason != ReasonMethodNotAllowed {
		t.Errorf("reason = %q, want %q", r.Reason, ReasonMethodNotAllowed)
	}
}

func TestStore_AddRemove(t *testing.T) {
	s := New(testEntries(), nil)

	if err := s.Add(Entry{Domain: "new.example.com", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if !s.Snapshot().CheckHost("new.example.com").Allowed {
		t.Error("added domain not visible in new snapshot")
	}
	if err := s.Add(Entry{Domain: "NEW.example.com", Enabled: true}); !errors.Is(err, ErrEntryExists) {
		t.Errorf("duplicate add: got %v, want ErrEntryExists", err)
	}

	if err := s.Remove("new.example.com"); err != nil {
		t.Fatal(err)
	}
	if s.Snapshot().CheckHost("new.example.com").Allowed {
		t.Error("removed domain still allowed")
	}
	if err := s.Remove("new.example.com"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("remove missing: got %v, want ErrEntryNotFound", err)
	}
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := New(testEntries(), nil)
	captured := s.Snapshot()

	if err := s.Add(Entry{Domain: "later.example.com", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	// The snapshot captured before the mutation must not see it.
	if captured.CheckHost("later.example.com").Allowed {
		t.Error("mutation leaked into previously captured snapshot")
	}
	if !s.Snapshot().CheckHost("later.example.com").Allowed {
		t.Error("mutation missing from fresh snapshot")
	}
}

func TestStore_ReloadKeepsCapturedSnapshotLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	write := func(max int) {
		t.Helper()
		body := `version: 1
allowlist:
  - domain: api.openai.com
    enabled: true
rate_limit:
  max: ` + fmt.Sprint(max) + `
  window: 1m
`
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(2)

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	captured := s.Snapshot()

	write(100)
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}

	// An evaluation that began before the reload keeps its limit.
	if rl := captured.RateLimit(); rl == nil || rl.Max != 2 {
		t.Errorf("captured snapshot limit = %+v, want max 2", captured.RateLimit())
	}
	if rl := s.Snapshot().RateLimit(); rl == nil || rl.Max != 100 {
		t.Errorf("fresh snapshot limit = %+v, want max 100", s.Snapshot().RateLimit())
	}
}

func TestStore_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	seed := `version: 1
allowlist:
  - domain: api.openai.com
    enabled: true
rate_limit:
  max: 10
  window: 1m
`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if rl := s.RateLimit(); rl == nil || rl.Max != 10 || rl.Window != time.Minute {
		t.Fatalf("rate limit = %+v, want max 10 per 1m", s.RateLimit())
	}

	if err := s.Add(Entry{Domain: "docs.example.com", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	// A second store loading the same file sees the saved entry.
	s2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !s2.Snapshot().CheckHost("docs.example.com").Allowed {
		t.Error("saved entry missing after reload from disk")
	}

	// Hot reload picks up external edits.
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	if s.Snapshot().CheckHost("docs.example.com").Allowed {
		t.Error("reload did not drop externally removed entry")
	}
}
