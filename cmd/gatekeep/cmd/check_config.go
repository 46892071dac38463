package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeep/internal/config"
	"github.com/jmcleod/gatekeep/internal/directory"
	"github.com/jmcleod/gatekeep/internal/util"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file without starting the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		secrets, err := cfg.DeriveSecrets()
		if err != nil {
			return err
		}
		util.WipeBytes(secrets.Session)
		util.WipeBytes(secrets.ActionToken)
		dir, err := directory.New(cfg.Users)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config OK: store=%s listen=%s users=%d\n",
			cfg.Store.Backend, cfg.Listen, dir.Len())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}
