package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tkingovr/aegis/internal/audit"
	"github.com/tkingovr/aegis/internal/dnsfilter"
	"github.com/tkingovr/aegis/internal/policy"
)

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "Run only the DNS filter",
	Long: `Run the DNS filter without the proxy or admin API. Allowed names
are resolved through the configured upstreams; everything else answers
NXDOMAIN.`,
	Example: `  aegis dns -c aegis.yaml`,
	RunE:    runDNS,
}

func init() {
	rootCmd.AddCommand(dnsCmd)
}

func runDNS(cmd *cobra.Command, args []string) error {
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

	srv := dnsfilter.New(dnsfilter.Config{
		Addr:      cfg.DNSAddr,
		Upstreams: cfg.DNSUpstreams,
	}, store, ledger, logger)

	logger.Info("starting dns filter", "addr", cfg.DNSAddr, "upstreams", cfg.DNSUpstreams)
	return srv.ListenAndServe(ctx)
}
