package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manthysbr/npsat-dispatch/internal/config"
)

// encryptSecretCmd does not need a config file, only NPSAT_SECRET_KEY
func encryptSecretCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-secret <value>",
		Short: "Seal a value (usually store.dsn) for npsat.yaml using " + config.SecretKeyEnv,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.NewSecretKey()
			if err != nil {
				return err
			}
			sealed, err := key.Encrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
