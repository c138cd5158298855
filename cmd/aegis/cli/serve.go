package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tkingovr/aegis/internal/adminapi"
	"github.com/tkingovr/aegis/internal/approval"
	"github.com/tkingovr/aegis/internal/audit"
	"github.com/tkingovr/aegis/internal/dnsfilter"
	"github.com/tkingovr/aegis/internal/policy"
	"github.com/tkingovr/aegis/internal/proxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full governance stack",
	Long: `Run the egress proxy, DNS filter, approval queue, and admin API
in one process. This is the recommended way to run Aegis alongside an
externally managed sandbox.`,
	Example: `  aegis serve -c aegis.yaml`,
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	astore, err := approval.OpenStore(cfg.ApprovalDBPath())
	if err != nil {
		return fmt.Errorf("opening approval store: %w", err)
	}
	queue := approval.NewQueue(astore, ledger, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	egress := proxy.New(proxy.Config{
		Addr:            cfg.ProxyAddr,
		UpstreamTimeout: cfg.UpstreamTimeout,
	}, store, rules, ledger, proxy.DefaultPatternSet(), logger)

	dnsSrv := dnsfilter.New(dnsfilter.Config{
		Addr:      cfg.DNSAddr,
		Upstreams: cfg.DNSUpstreams,
	}, store, ledger, logger)

	admin := adminapi.NewServer(cfg.AdminAddr, ledger, queue, store, dnsSrv, logger)

	logger.Info("starting aegis",
		"proxy", cfg.ProxyAddr,
		"dns", cfg.DNSAddr,
		"admin", cfg.AdminAddr,
		"policy", cfg.PolicyPath,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return egress.ListenAndServe(ctx) })
	g.Go(func() error { return dnsSrv.ListenAndServe(ctx) })
	g.Go(func() error { return admin.ListenAndServe(ctx) })
	g.Go(func() error {
		queue.RunSweeper(ctx)
		return nil
	})
	return g.Wait()
}
