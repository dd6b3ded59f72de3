// Command arcctl runs one-off operator tasks against the invoice ledger and
// the configured chain: fee quotes, reconciliation, sweeps and ruling
// execution. It reads the same environment as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbd888/arcinvoice/internal/config"
	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/server"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "arcctl",
		Short:         "arcctl - operator tooling for stablecoin invoice escrows",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output as JSON")

	rootCmd.AddCommand(feesCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(executeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withServer wires the engine from the environment, runs fn and tears the
// engine down. Nothing listens on a port.
func withServer(cmd *cobra.Command, fn func(ctx context.Context, s *server.Server) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	s, err := server.New(cfg, server.WithLogger(logger), server.WithDrainDelay(0))
	if err != nil {
		return err
	}
	defer func() { _ = s.Shutdown() }()

	if s.Simulator() != nil {
		logger.Warn("RPC_URL is not set; running against an empty simulated chain")
	}
	return fn(cmd.Context(), s)
}

// emit prints v as indented JSON when --json is set, otherwise calls text.
func emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}
