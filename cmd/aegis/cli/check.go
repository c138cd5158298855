package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/aegis/internal/policy"
)

var (
	checkHost   string
	checkMethod string
	checkPort   int
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run a policy check without a running proxy",
	Long: `Check what decision an egress request would receive without running
the proxy. Useful for testing and debugging allowlist entries and Rego
rules.`,
	Example: `  aegis check -c aegis.yaml --host api.github.com --method GET
  aegis check -c aegis.yaml --host evil.example --port 80`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkHost, "host", "", "destination host")
	checkCmd.Flags().StringVar(&checkMethod, "method", "", "HTTP method (empty for CONNECT)")
	checkCmd.Flags().IntVar(&checkPort, "port", 443, "destination port")
	_ = checkCmd.MarkFlagRequired("host")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.PolicyPath == "" {
		return fmt.Errorf("a policy file is required (set policy: in the config or AEGIS_POLICY)")
	}
	store, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	snap := store.Snapshot()
	var result policy.Result
	if checkMethod == "" {
		result = snap.CheckHost(checkHost)
	} else {
		result = snap.Check(checkHost, checkMethod)
	}

	output := struct {
		Allowed  bool   `json:"allowed"`
		Reason   string `json:"reason,omitempty"`
		Category string `json:"category,omitempty"`
		Rule     string `json:"rule,omitempty"`
	}{
		Allowed:  result.Allowed,
		Reason:   result.Reason,
		Category: result.Category,
	}

	// The Rego layer can only tighten an allowlist pass.
	if output.Allowed && cfg.RegoPath != "" {
		engine, err := policy.NewRegoEngine(cfg.RegoPath)
		if err != nil {
			return fmt.Errorf("loading rego policy: %w", err)
		}
		rr, err := engine.Evaluate(cmd.Context(), checkHost, checkPort, checkMethod)
		if err != nil {
			return fmt.Errorf("evaluation error: %w", err)
		}
		if !rr.Allow {
			output.Allowed = false
			output.Reason = "rego:" + rr.Rule
			output.Rule = rr.Rule
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
