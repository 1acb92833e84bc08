// Command aegisctl is the host-side operator CLI for a running aegisd:
// it lists and resolves pending Approval Queue requests over aegisd's
// Unix socket, and can independently verify an audit log's hash chain.
// Structure follows cmd/pulse-control-plane/main.go's small
// cobra-CLI-against-a-running-service shape.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegisrun/aegis-core/internal/approvalapi"
	"github.com/aegisrun/aegis-core/internal/audit"
)

// Version information (set at build time with -ldflags).
var Version = "dev"

const defaultAPISocketPath = "/run/aegis/aegisd.sock"

var socketPath string

var rootCmd = &cobra.Command{
	Use:     "aegisctl",
	Short:   "Operator CLI for the aegis sandbox orchestrator",
	Version: Version,
}

var listPendingCmd = &cobra.Command{
	Use:   "list-pending",
	Short: "List approval requests awaiting a decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := approvalapi.NewClient(socketPath)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pending, err := client.ListPending(ctx)
		if err != nil {
			return fmt.Errorf("list-pending: %w", err)
		}
		if len(pending) == 0 {
			fmt.Println("no pending requests")
			return nil
		}
		for _, r := range pending {
			fmt.Printf("%s\t%s\tsubmitted=%s\tttl=%s\n", r.ID, r.Prompt, r.SubmittedAt.Format(time.RFC3339), r.TTL)
		}
		return nil
	},
}

var (
	approveFlag bool
	denyFlag    bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Approve or deny a pending approval request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if approveFlag == denyFlag {
			return fmt.Errorf("resolve: exactly one of --approve or --deny is required")
		}

		client := approvalapi.NewClient(socketPath)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		state, err := client.Resolve(ctx, args[0], approveFlag)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		fmt.Printf("%s -> %s\n", args[0], state)
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Trigger an atomic egress config reload",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := approvalapi.NewClient(socketPath)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Reload(ctx); err != nil {
			return fmt.Errorf("reload: %w", err)
		}
		fmt.Println("reload triggered")
		return nil
	},
}

// verifyAuditCmd is the SPEC_FULL.md §12 "audit log verification CLI"
// supplement: replays a log file's hash chain offline, without
// requiring a live daemon.
var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit <path>",
	Short: "Verify an audit log's hash chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		secret, err := audit.LoadOrCreateSecret(filepath.Dir(path))
		if err != nil {
			return fmt.Errorf("verify-audit: load signing key: %w", err)
		}
		logger, err := audit.NewLogger(audit.Config{Path: path, Secret: secret})
		if err != nil {
			return fmt.Errorf("verify-audit: open log: %w", err)
		}
		defer logger.Close()

		entries, err := logger.ReadAll()
		if err != nil {
			return fmt.Errorf("verify-audit: read log: %w", err)
		}
		if err := logger.Verify(entries); err != nil {
			return fmt.Errorf("verify-audit: %w", err)
		}
		fmt.Printf("ok: %d entries verified\n", len(entries))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultAPISocketPath, "aegisd approval API unix socket path")

	resolveCmd.Flags().BoolVar(&approveFlag, "approve", false, "approve the request")
	resolveCmd.Flags().BoolVar(&denyFlag, "deny", false, "deny the request")

	rootCmd.AddCommand(listPendingCmd, resolveCmd, reloadCmd, verifyAuditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
