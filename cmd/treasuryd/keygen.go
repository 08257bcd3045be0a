package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	"Treasury-Relay/internal/operator"
)

func keygenCommand() *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the creator keypair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				out = cfg.Operator.KeypairPath
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists, pass --force to overwrite", out)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			key, err := solana.NewRandomPrivateKey()
			if err != nil {
				return err
			}
			if err := operator.WriteKey(out, key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.PublicKey().String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "keypair file (defaults to operator.keypair)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing keypair")
	return cmd
}
