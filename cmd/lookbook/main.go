package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/lookbook-bot/internal/config"
	"github.com/fpang/lookbook-bot/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cfg is loaded once before any subcommand runs.
var cfg *config.Config

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "lookbook",
	Short: "Credit-gated image variation service",
	Long: `lookbook turns photos into generated clothing variations, billing one credit
per delivered image.

Configuration comes from the environment (and a .env file when present).

Examples:
  lookbook serve
  lookbook balance 123456
  lookbook grant 123456 50
  lookbook check-payment 2d0a7c3e-000f-5000-9000-1b2c3d4e5f60
  lookbook generate --image-url https://example.com/look.jpg --prompt "same dress in red"`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init()
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, balanceCmd, grantCmd, historyCmd, checkPaymentCmd, generateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
