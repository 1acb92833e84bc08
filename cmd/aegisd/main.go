// Command aegisd is the Sandbox Orchestrator daemon: it boots the
// Egress Proxy, Approval Queue, DNS Filter, and worker container in
// the fixed order described in internal/orchestrator, then blocks
// until asked to reload or shut down. Structure follows
// cmd/pulse-sensor-proxy/main.go: a cobra root command runs the daemon
// by default, a version subcommand prints build metadata, and the
// daemon itself loads config, drops privileges, starts components,
// and waits on a signal channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aegisrun/aegis-core/internal/egressconfig"
	"github.com/aegisrun/aegis-core/internal/orchestrator"
	"github.com/aegisrun/aegis-core/internal/runtime"
)

// Version information (set at build time with -ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	defaultConfigPath        = "/etc/aegis/egress.yaml"
	defaultApprovalQueuePath = "/var/lib/aegis/approvals.json"
	defaultAPISocketPath     = "/run/aegis/aegisd.sock"
	defaultProxyAddr         = "0.0.0.0:8888"
	defaultDNSAddr           = "0.0.0.0:5300"
	defaultRunAsUser         = "aegis"
)

var (
	configPath  string
	proxyAddr   string
	dnsAddr     string
	apiSocket   string
	metricsAddr string
	runAsUser   string
	workerImage string
)

var rootCmd = &cobra.Command{
	Use:     "aegisd",
	Short:   "Aegis sandbox orchestrator daemon",
	Long:    "Boots the egress proxy, approval queue, DNS filter, and sandboxed worker container, then serves reload and shutdown signals.",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("aegisd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

// validateConfigCmd is the SPEC_FULL.md §12 "config validation CLI"
// supplement: a dry run that exercises egressconfig.Load/Validate
// without booting any component, for pre-deploy checks.
var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the egress config file without booting",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = defaultConfigPath
		}
		cfg, err := egressconfig.Load(path)
		if err != nil {
			return &orchestrator.BootError{Stage: orchestrator.StageConfig, ExitCode: orchestrator.ExitConfigInvalid, Err: fmt.Errorf("config invalid: %w", err)}
		}
		fmt.Printf("config OK: %d whitelist entries, proxy_port=%d, dns_port=%d\n", len(cfg.Whitelist), cfg.ProxyPort, cfg.DNSPort)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to egress config file (default: "+defaultConfigPath+")")
	rootCmd.Flags().StringVar(&proxyAddr, "proxy-addr", defaultProxyAddr, "Egress proxy listen address")
	rootCmd.Flags().StringVar(&dnsAddr, "dns-addr", defaultDNSAddr, "DNS filter listen address")
	rootCmd.Flags().StringVar(&apiSocket, "api-socket", defaultAPISocketPath, "Approval queue API unix socket path")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "default", `Metrics listen address ("disabled" to turn off)`)
	rootCmd.Flags().StringVar(&runAsUser, "user", defaultRunAsUser, "Unprivileged user to drop to before booting components")
	rootCmd.Flags().StringVar(&workerImage, "worker-image", "aegis/worker:latest", "Container image launched as the sandboxed worker")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var bootErr *orchestrator.BootError
		if errors.As(err, &bootErr) {
			os.Exit(bootErr.ExitCode)
		}
		os.Exit(1)
	}
}

func runDaemon() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = os.Getenv("AEGIS_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = defaultConfigPath
	}

	if spec, err := dropPrivileges(runAsUser); err != nil {
		log.Fatal().Err(err).Str("user", runAsUser).Msg("failed to drop privileges")
	} else if spec != nil {
		log.Info().Str("user", spec.name).Int("uid", spec.uid).Int("gid", spec.gid).Msg("running as unprivileged user")
	}

	approvalPath := os.Getenv("AEGIS_APPROVAL_QUEUE_PATH")
	if approvalPath == "" {
		approvalPath = defaultApprovalQueuePath
	}

	opts := orchestrator.Options{
		ConfigPath:        cfgPath,
		ProxyAddr:         proxyAddr,
		DNSAddr:           dnsAddr,
		ApprovalQueuePath: approvalPath,
		APISocketPath:     apiSocket,
		MetricsAddr:       metricsAddr,
		Version:           Version,
		RuntimePreference: runtime.KindAuto,
		Worker: orchestrator.WorkerConfig{
			Name:        "aegis-worker",
			Image:       workerImage,
			NetworkName: "aegis-internal",
		},
	}

	o := orchestrator.New(opts)

	bootCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := o.Boot(bootCtx); err != nil {
		var bootErr *orchestrator.BootError
		if errors.As(err, &bootErr) {
			log.Error().Err(bootErr.Err).Str("stage", string(bootErr.Stage)).Msg("boot failed")
		}
		return err
	}
	log.Info().Str("runtime", string(o.RuntimeKind())).Str("worker_container", o.WorkerContainerID()).Msg("aegisd booted")

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("received SIGHUP, reloading egress config")
			if err := o.Reload(); err != nil {
				log.Error().Err(err).Msg("reload failed")
			}
		case <-sigChan:
			log.Info().Msg("shutting down")
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			o.Stop(stopCtx)
			stopCancel()
			return nil
		}
	}
}
