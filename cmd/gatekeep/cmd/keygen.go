package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeep/internal/config"
	"github.com/jmcleod/gatekeep/internal/util"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a random master secret for secrets.master_secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := util.RandomHex(config.MinMasterSecretSize)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
