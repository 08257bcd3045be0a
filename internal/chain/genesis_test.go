package chain

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
)

type fakeFunder struct {
	balances map[solana.PublicKey]uint64
	airdrops int
}

func (f *fakeFunder) Airdrop(_ context.Context, key solana.PublicKey, lamports uint64) error {
	f.balances[key] += lamports
	f.airdrops++
	return nil
}

func (f *fakeFunder) Balance(_ context.Context, key solana.PublicKey) (uint64, error) {
	return f.balances[key], nil
}

func writeGenesis(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write genesis: %v", err)
	}
	return path
}

func TestLoadGenesisEmptyPath(t *testing.T) {
	g, err := LoadGenesis("  ")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(g.Accounts) != 0 || g.VaultLamports != 0 {
		t.Fatalf("expected empty genesis, got %+v", g)
	}
}

func TestLoadGenesisRejectsBadAddress(t *testing.T) {
	path := writeGenesis(t, "accounts:\n  - address: not-a-key\n    lamports: 5\n")
	if _, err := LoadGenesis(path); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestGenesisApplyFundsOnce(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	vault := solana.NewWallet().PublicKey()
	path := writeGenesis(t, "accounts:\n  - address: "+user.String()+"\n    lamports: 700\nvault_lamports: 300\n")

	g, err := LoadGenesis(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	funder := &fakeFunder{balances: map[solana.PublicKey]uint64{}}
	for i := 0; i < 2; i++ {
		if err := g.Apply(context.Background(), funder, vault); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if funder.balances[user] != 700 || funder.balances[vault] != 300 {
		t.Fatalf("unexpected balances: %v", funder.balances)
	}
	if funder.airdrops != 2 {
		t.Fatalf("expected 2 airdrops, got %d", funder.airdrops)
	}
}

func TestGenesisEncodeRoundTrip(t *testing.T) {
	g := Genesis{Accounts: []GenesisAccount{{Address: solana.SystemProgramID.String(), Lamports: 1}}, VaultLamports: 9}
	raw, err := g.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	loaded, err := LoadGenesis(writeGenesis(t, string(raw)))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Accounts) != 1 || loaded.VaultLamports != 9 {
		t.Fatalf("unexpected genesis: %+v", loaded)
	}
}
