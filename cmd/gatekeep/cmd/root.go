package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeep/internal/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gatekeep",
	Short: "Gatekeep is a request-signing and single-use token gateway",
	Long: `Gatekeep issues session credentials, verifies HMAC-signed requests with
replay protection, and mints single-use action tokens bound to a user,
a resource and an action.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to the YAML config file (default $"+config.EnvConfigPath+")")
}
