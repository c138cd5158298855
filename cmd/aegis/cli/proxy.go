package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tkingovr/aegis/internal/audit"
	"github.com/tkingovr/aegis/internal/policy"
	"github.com/tkingovr/aegis/internal/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run only the egress HTTP(S) proxy",
	Long: `Run the egress proxy without the DNS filter or admin API. Useful
when another Aegis process already owns those, or for local testing.`,
	Example: `  aegis proxy -c aegis.yaml`,
	RunE:    runProxy,
}

func init() {
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
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
	var rules *policy.RegoEngine
	if cfg.RegoPath != "" {
		rules, err = policy.NewRegoEngine(cfg.RegoPath)
		if err != nil {
			return fmt.Errorf("loading rego policy: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	ledger, err := audit.Open(cfg.AuditPath())
	if err != nil {
		return fmt.Errorf("opening audit ledger: %w", err)
	}
	defer ledger.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	srv := proxy.New(proxy.Config{
		Addr:            cfg.ProxyAddr,
		UpstreamTimeout: cfg.UpstreamTimeout,
	}, store, rules, ledger, proxy.DefaultPatternSet(), logger)

	logger.Info("starting egress proxy", "addr", cfg.ProxyAddr, "policy", cfg.PolicyPath)
	return srv.ListenAndServe(ctx)
}
