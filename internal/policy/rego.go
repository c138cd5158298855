package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/open-policy-agent/opa/topdown"
)

// RegoResult is the verdict of the optional Rego rule layer.
type RegoResult struct {
	Allow   bool
	Rule    string
	Message string
}

// RegoEngine evaluates site-specific egress rules written in Rego. It is
// consulted only for hosts the allowlist already permits, so it can tighten
// policy but never widen it.
//
// The policy must live in package aegis and may define:
//
//	verdict: "allow" | "deny"
//	rule_name: string (optional)
//	message: string (optional)
//
// Input available to the policy:
//
//	input.host: string (normalized)
//	input.port: number
//	input.method: string ("" for CONNECT tunnels and DNS)
type RegoEngine struct {
	mu    sync.RWMutex
	path  string
	query rego.PreparedEvalQuery
}

// NewRegoEngine compiles the .rego policy at path.
func NewRegoEngine(path string) (*RegoEngine, error) {
	e := &RegoEngine{path: path}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewRegoEngineFromSource compiles raw Rego source.
func NewRegoEngineFromSource(source string) (*RegoEngine, error) {
	e := &RegoEngine{}
	if err := e.loadSource(source); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate runs the rules for one egress attempt. Evaluation errors fail
// closed: the attempt is denied, never silently allowed.
func (e *RegoEngine) Evaluate(ctx context.Context, host string, port int, method string) (*RegoResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := map[string]any{
		"host":   normalizeDomain(host),
		"port":   port,
		"method": method,
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		if topdown.IsError(err) {
			return &RegoResult{Rule: "_rego_error", Message: "rego evaluation error: " + err.Error()}, nil
		}
		return nil, fmt.Errorf("rego evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return &RegoResult{Rule: "_rego_default", Message: "rego policy returned no result"}, nil
	}
	m, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return &RegoResult{Rule: "_rego_parse_error", Message: "unexpected rego result type"}, nil
	}

	out := &RegoResult{}
	if v, ok := m["verdict"].(string); ok && v == "allow" {
		out.Allow = true
	}
	if r, ok := m["rule_name"].(string); ok {
		out.Rule = r
	}
	if msg, ok := m["message"].(string); ok {
		out.Message = msg
	}
	return out, nil
}

// Reload re-reads and recompiles the policy file.
func (e *RegoEngine) Reload(_ context.Context) error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("reading rego policy file: %w", err)
	}
	return e.loadSource(string(data))
}

func (e *RegoEngine) loadSource(source string) error {
	if _, err := ast.ParseModuleWithOpts("egress.rego", source, ast.ParserOptions{RegoVersion: ast.RegoV1}); err != nil {
		return fmt.Errorf("parsing rego policy: %w", err)
	}

	r := rego.New(
		rego.Query("data.aegis"),
		rego.Module("egress.rego", source),
		rego.Store(inmem.New()),
	)
	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("preparing rego query: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.query = query
	return nil
}
