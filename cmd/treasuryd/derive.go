package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"Treasury-Relay/internal/authority"
	"Treasury-Relay/internal/treasury"
)

type derivedAddress struct {
	Seed    string `json:"seed"`
	Address string `json:"address"`
	Bump    uint8  `json:"bump"`
}

func deriveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "derive",
		Short: "Print the program id and the governor, vault and executor addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addrs, err := treasury.DeriveAddresses()
			if err != nil {
				return err
			}
			out := struct {
				ProgramID string           `json:"program_id"`
				Derived   []derivedAddress `json:"derived"`
			}{ProgramID: treasury.ProgramID.String()}
			for _, a := range []authority.Authority{addrs.Governor, addrs.Vault, addrs.Executor} {
				out.Derived = append(out.Derived, derivedAddress{Seed: a.Seed, Address: a.Address.String(), Bump: a.Bump})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
