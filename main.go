// alertrelay watches mailboxes and metric queries for new records and relays
// them as alerts to registered Telegram chats.
//
// Usage:
//
//	alertrelay serve
//	alertrelay run --tenant acme --kind mailbox --id 1
//	alertrelay codes create --tenant acme
//	alertrelay retry --tenant acme
//	alertrelay prune
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ObiAU/alertrelay/internal/config"
)

var version = "dev"

func main() {
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:   "alertrelay",
		Short: "Relay mailbox and metric alerts to Telegram",
		Long: `alertrelay polls IMAP mailboxes and dataset queries per tenant,
classifies each new record, formats it and sends it to the Telegram chats
registered for that tenant.

Configuration comes from environment variables, optionally seeded with a
YAML file of tenants, bots, sources, rules and destinations.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML seed file (env ALERTRELAY_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd(cfg))
	rootCmd.AddCommand(botCmd(cfg))
	rootCmd.AddCommand(runCmd(cfg))
	rootCmd.AddCommand(triggerCmd(cfg))
	rootCmd.AddCommand(testSourceCmd(cfg))
	rootCmd.AddCommand(codesCmd(cfg))
	rootCmd.AddCommand(retryCmd(cfg))
	rootCmd.AddCommand(pruneCmd(cfg))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
