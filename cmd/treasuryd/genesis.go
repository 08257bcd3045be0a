package main

import (
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	"Treasury-Relay/internal/chain"
	"Treasury-Relay/internal/operator"
)

const lamportsPerSOL = 1_000_000_000

func genesisCommand() *cobra.Command {
	var (
		out           string
		accounts      []string
		lamports      uint64
		vaultLamports uint64
	)
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Write a genesis file funding the creator and the vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(accounts) == 0 {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				key, err := operator.LoadKey(cfg.Operator.KeypairPath)
				if err != nil {
					return fmt.Errorf("no --account given and creator key unavailable: %w", err)
				}
				accounts = []string{key.PublicKey().String()}
			}
			genesis := chain.Genesis{VaultLamports: vaultLamports}
			for _, raw := range accounts {
				if _, err := solana.PublicKeyFromBase58(raw); err != nil {
					return fmt.Errorf("invalid account %q: %w", raw, err)
				}
				genesis.Accounts = append(genesis.Accounts, chain.GenesisAccount{Address: raw, Lamports: lamports})
			}
			raw, err := genesis.Encode()
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			}
			return os.WriteFile(out, raw, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().StringSliceVar(&accounts, "account", nil, "account to fund (defaults to the creator)")
	cmd.Flags().Uint64Var(&lamports, "lamports", 100*lamportsPerSOL, "lamports per funded account")
	cmd.Flags().Uint64Var(&vaultLamports, "vault-lamports", 10*lamportsPerSOL, "lamports for the treasury vault")
	return cmd
}
