package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkingovr/aegis/internal/approval"
	"github.com/tkingovr/aegis/internal/audit"
	"github.com/tkingovr/aegis/internal/dnsfilter"
	"github.com/tkingovr/aegis/internal/policy"
	"github.com/tkingovr/aegis/internal/proxy"
	"github.com/tkingovr/aegis/internal/sandbox"
)

var sandboxSession string

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage sandboxed agent environments",
}

var sandboxUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Start a sandbox with the full governance stack",
	Long: `Create the container networks, start the governance services, and
launch the workload container with its egress pinned to the proxy and
DNS filter. Runs until interrupted, then tears everything down in
reverse order.`,
	Example: `  aegis sandbox up -c aegis.yaml`,
	RunE:    runSandboxUp,
}

var sandboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the workload container status for a session",
	RunE:  runSandboxStatus,
}

var sandboxDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Force-remove a session's workload and networks",
	Long: `Clean up after a session whose owning process is gone. Removes the
workload container and the topology networks; missing resources are
not an error.`,
	RunE: runSandboxDown,
}

func init() {
	sandboxStatusCmd.Flags().StringVar(&sandboxSession, "session", "", "session id")
	sandboxDownCmd.Flags().StringVar(&sandboxSession, "session", "", "session id")
	_ = sandboxStatusCmd.MarkFlagRequired("session")
	_ = sandboxDownCmd.MarkFlagRequired("session")
	sandboxCmd.AddCommand(sandboxUpCmd, sandboxStatusCmd, sandboxDownCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func runSandboxUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.PolicyPath == "" || cfg.TopologyPath == "" {
		return fmt.Errorf("policy and topology files are required for sandbox up")
	}

	topo, err := sandbox.LoadTopology(cfg.TopologyPath)
	if err != nil {
		return err
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

	astore, err := approval.OpenStore(cfg.ApprovalDBPath())
	if err != nil {
		return fmt.Errorf("opening approval store: %w", err)
	}
	queue := approval.NewQueue(astore, ledger, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	egress := proxy.New(proxy.Config{
		Addr:            cfg.ProxyAddr,
		UpstreamTimeout: cfg.UpstreamTimeout,
	}, store, nil, ledger, proxy.DefaultPatternSet(), logger)

	dnsSrv := dnsfilter.New(dnsfilter.Config{
		Addr:      cfg.DNSAddr,
		Upstreams: cfg.DNSUpstreams,
	}, store, ledger, logger)

	services := []sandbox.Service{
		serverService(ctx, "egress-proxy",
			egress.ListenAndServe,
			func() bool { return egress.Addr() != "" }),
		serverService(ctx, "dns-filter",
			dnsSrv.ListenAndServe,
			func() bool { return dnsSrv.Addr() != "" }),
		sweeperService(ctx, queue),
	}

	session, err := sandbox.NewSession(topo, sandbox.NewDockerRuntime(logger), services, ledger, logger)
	if err != nil {
		return err
	}
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("starting sandbox: %w", err)
	}
	logger.Info("sandbox running", "session", session.ID, "workload", string(session.Workload()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("tearing down sandbox", "session", session.ID)

	// Teardown gets its own deadline; each service's Stop owns its cancel.
	downCtx, downCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer downCancel()
	return session.Stop(downCtx)
}

// serverService adapts a ListenAndServe-style server to the orchestrator
// lifecycle. Each service gets its own cancel so teardown can stop them
// one at a time, in order.
func serverService(parent context.Context, name string, run func(context.Context) error, up func() bool) sandbox.Service {
	ctx, cancel := context.WithCancel(parent)
	errCh := make(chan error, 1)
	return sandbox.Service{
		Name: name,
		Start: func(context.Context) error {
			go func() { errCh <- run(ctx) }()
			return nil
		},
		Ready: func(context.Context) error {
			select {
			case err := <-errCh:
				return fmt.Errorf("%s exited: %w", name, err)
			default:
			}
			if !up() {
				return fmt.Errorf("%s not listening yet", name)
			}
			return nil
		},
		Stop: func(context.Context) error {
			cancel()
			return nil
		},
	}
}

func sweeperService(parent context.Context, queue *approval.Queue) sandbox.Service {
	ctx, cancel := context.WithCancel(parent)
	return sandbox.Service{
		Name: "approval-sweeper",
		Start: func(context.Context) error {
			go queue.RunSweeper(ctx)
			return nil
		},
		Stop: func(context.Context) error {
			cancel()
			return nil
		},
	}
}

func runSandboxStatus(cmd *cobra.Command, args []string) error {
	rt := sandbox.NewDockerRuntime(logger)
	status, err := rt.ContainerStatus(cmd.Context(), sandbox.Handle("aegis-workload-"+sandboxSession))
	if err != nil {
		return err
	}
	fmt.Printf("session %s: workload %s\n", sandboxSession, status)
	return nil
}

func runSandboxDown(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.TopologyPath == "" {
		return fmt.Errorf("a topology file is required for sandbox down")
	}
	topo, err := sandbox.LoadTopology(cfg.TopologyPath)
	if err != nil {
		return err
	}

	rt := sandbox.NewDockerRuntime(logger)
	ctx := cmd.Context()
	if err := rt.StopContainer(ctx, sandbox.Handle("aegis-workload-"+sandboxSession)); err != nil {
		logger.Warn("removing workload", "error", err)
	}
	for _, name := range []string{topo.EgressNetwork.Name, topo.InternalNetwork.Name} {
		if err := rt.RemoveNetwork(ctx, name); err != nil {
			logger.Warn("removing network", "network", name, "error", err)
		}
	}
	fmt.Printf("session %s cleaned up\n", sandboxSession)
	return nil
}
