package chain

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

// Genesis models the YAML file that funds accounts on a fresh ledger.
//
//	accounts:
//	  - address: 9xQe...
//	    lamports: 10000000000
//	vault_lamports: 5000000000
type Genesis struct {
	Accounts      []GenesisAccount `yaml:"accounts"`
	VaultLamports uint64           `yaml:"vault_lamports"`
}

// GenesisAccount is one pre-funded address.
type GenesisAccount struct {
	Address  string `yaml:"address"`
	Lamports uint64 `yaml:"lamports"`
}

// Funder credits lamports outside of transactions.
type Funder interface {
	Airdrop(ctx context.Context, key solana.PublicKey, lamports uint64) error
	Balance(ctx context.Context, key solana.PublicKey) (uint64, error)
}

// LoadGenesis parses the genesis file. An empty path yields an empty genesis.
func LoadGenesis(path string) (Genesis, error) {
	if strings.TrimSpace(path) == "" {
		return Genesis{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, fmt.Errorf("读取创世配置失败: %w", err)
	}
	var g Genesis
	if err := yaml.Unmarshal(content, &g); err != nil {
		return Genesis{}, fmt.Errorf("解析创世配置失败: %w", err)
	}
	for i, acc := range g.Accounts {
		if _, err := solana.PublicKeyFromBase58(acc.Address); err != nil {
			return Genesis{}, fmt.Errorf("创世账户 #%d 地址无效: %w", i, err)
		}
	}
	return g, nil
}

// Encode renders g as YAML.
func (g Genesis) Encode() ([]byte, error) {
	return yaml.Marshal(g)
}

// Apply funds every listed account and the vault. Addresses that already
// hold lamports are left alone, so reopening a ledger does not credit twice.
func (g Genesis) Apply(ctx context.Context, f Funder, vault solana.PublicKey) error {
	fund := func(key solana.PublicKey, lamports uint64) error {
		if lamports == 0 {
			return nil
		}
		balance, err := f.Balance(ctx, key)
		if err != nil {
			return err
		}
		if balance > 0 {
			return nil
		}
		return f.Airdrop(ctx, key, lamports)
	}
	for _, acc := range g.Accounts {
		key, err := solana.PublicKeyFromBase58(acc.Address)
		if err != nil {
			return fmt.Errorf("创世账户地址无效: %w", err)
		}
		if err := fund(key, acc.Lamports); err != nil {
			return err
		}
	}
	return fund(vault, g.VaultLamports)
}
