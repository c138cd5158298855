package adminapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tkingovr/aegis/api"
	"github.com/tkingovr/aegis/internal/approval"
	"github.com/tkingovr/aegis/internal/audit"
	"github.com/tkingovr/aegis/internal/policy"
)

func testServer(t *testing.T) (*Server, *approval.Queue, *policy.Store) {
	t.Helper()
	dir := t.TempDir()

	ledger, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	astore, err := approval.OpenStore(filepath.Join(dir, "approvals.db"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := approval.NewQueue(astore, ledger, logger)

	store := policy.New([]policy.Entry{
		{Domain: "api.github.com", Category: "vcs", Enabled: true},
	}, nil)

	return NewServer("127.0.0.1:0", ledger, queue, store, nil, logger), queue, store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func post(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func TestListenAndServeStopsCleanly(t *testing.T) {
	s, _, _ := testServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	// A clean shutdown must not surface http.ErrServerClosed to callers.
	if err := <-errCh; err != nil {
		t.Fatalf("shutdown returned %v, want nil", err)
	}
}

func TestHealthz(t *testing.T) {
	s, _, _ := testServer(t)
	w := get(t, s, "/healthz")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := testServer(t)
	w := get(t, s, "/metrics")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected prometheus output")
	}
}

func TestApprovalFlow(t *testing.T) {
	s, queue, _ := testServer(t)
	ctx := context.Background()

	r, err := queue.Submit(ctx, "deploy to prod", nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	w := get(t, s, "/api/v1/approvals")
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), r.ID) {
		t.Error("pending list missing submitted request")
	}

	w = post(t, s, "/api/v1/approvals/"+r.ID+"/approve?resolver=alice")
	if w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resolved approval.Request
	if err := json.Unmarshal(w.Body.Bytes(), &resolved); err != nil {
		t.Fatal(err)
	}
	if resolved.Status != api.ApprovalApproved || resolved.Resolver != "alice" {
		t.Errorf("resolved = %+v", resolved)
	}

	// Second resolution conflicts.
	w = post(t, s, "/api/v1/approvals/"+r.ID+"/deny")
	if w.Code != http.StatusConflict {
		t.Errorf("double resolve: expected 409, got %d", w.Code)
	}

	w = post(t, s, "/api/v1/approvals/no-such-id/approve")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", w.Code)
	}
}

func TestAuditEndpoints(t *testing.T) {
	s, queue, _ := testServer(t)

	if _, err := queue.Submit(context.Background(), "audited", nil, time.Minute); err != nil {
		t.Fatal(err)
	}

	// The ledger writer is async; poll until the record lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if w := get(t, s, "/api/v1/audit?event=approval_submitted"); strings.Contains(w.Body.String(), "audited") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("audit record never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	w := get(t, s, "/api/v1/audit/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", w.Code)
	}
	var stats map[api.EventType]int
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats[api.EventApprovalSubmitted] != 1 {
		t.Errorf("stats = %v", stats)
	}

	if w := get(t, s, "/api/v1/audit?limit=bogus"); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

func TestDNSStatsUnavailable(t *testing.T) {
	s, _, _ := testServer(t)
	if w := get(t, s, "/api/v1/dns/stats"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without dns filter, got %d", w.Code)
	}
}

func TestPolicyEndpoints(t *testing.T) {
	s, _, _ := testServer(t)

	w := get(t, s, "/api/v1/policy")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "api.github.com") {
		t.Error("policy listing missing entry")
	}

	// Reload fails without a backing file.
	if w := post(t, s, "/api/v1/policy/reload"); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("reload without file: expected 422, got %d", w.Code)
	}
}

func TestPolicyReloadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writePolicy("version: 1\nallowlist:\n  - domain: api.github.com\n    enabled: true\n")

	store, err := policy.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	ledger, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })
	astore, err := approval.OpenStore(filepath.Join(dir, "approvals.db"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer("127.0.0.1:0", ledger, approval.NewQueue(astore, ledger, logger), store, nil, logger)

	writePolicy("version: 1\nallowlist:\n  - domain: api.github.com\n    enabled: true\n  - domain: pypi.org\n    enabled: true\n")
	w := post(t, s, "/api/v1/policy/reload")
	if w.Code != http.StatusOK {
		t.Fatalf("reload: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !store.Snapshot().CheckHost("pypi.org").Allowed {
		t.Error("reload did not pick up new entry")
	}
}
