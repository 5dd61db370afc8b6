// Command nanopix runs a storefront or buys from one from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vitwit/nanopix"
	"github.com/vitwit/nanopix/logger"
	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/utils"
)

var rootCmd = &cobra.Command{
	Use:   "nanopix",
	Short: "Sell and buy digital files for crypto payments",
	Long: `nanopix serves a catalog of files that unlock after an on-chain payment
in the native currency of an EVM, Solana or Tron network, and includes a
headless buyer that pays, verifies and downloads.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storefront HTTP API",
	RunE:  runServe,
}

var (
	configPath string
	logLevel   string
	listenAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "nanopix.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(buyCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(priceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if reason := types.ReasonOf(err); reason != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", reason, reason.Remediation())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*types.VendingConfig, error) {
	cfg, err := utils.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func openStorefront() (*nanopix.Storefront, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return nanopix.New(cfg, nanopix.WithLogger(logger.NewZapLogger(cfg.LogLevel)))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	sf, err := nanopix.New(cfg, nanopix.WithLogger(logger.NewZapLogger(cfg.LogLevel)))
	if err != nil {
		return fmt.Errorf("failed to start storefront: %w", err)
	}
	defer sf.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return sf.Serve(ctx)
}
