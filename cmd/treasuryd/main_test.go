package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"Treasury-Relay/internal/chain"
	"Treasury-Relay/internal/chain/local"
	"Treasury-Relay/internal/config"
	"Treasury-Relay/internal/treasury"
)

func TestDeriveCommandPrintsAddresses(t *testing.T) {
	cmd := deriveCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("derive: %v", err)
	}
	var got struct {
		ProgramID string           `json:"program_id"`
		Derived   []derivedAddress `json:"derived"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	addrs, _ := treasury.DeriveAddresses()
	if got.ProgramID != treasury.ProgramID.String() || len(got.Derived) != 3 {
		t.Fatalf("unexpected output: %+v", got)
	}
	if got.Derived[1].Address != addrs.Vault.Address.String() || got.Derived[1].Bump != addrs.Vault.Bump {
		t.Fatalf("vault mismatch: %+v", got.Derived[1])
	}
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creator.json")
	for i, wantErr := range []bool{false, true} {
		cmd := keygenCommand()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"--out", path})
		err := cmd.Execute()
		if (err != nil) != wantErr {
			t.Fatalf("run %d: err = %v", i, err)
		}
		if !wantErr {
			if _, err := solana.PublicKeyFromBase58(strings.TrimSpace(out.String())); err != nil {
				t.Fatalf("keygen printed %q", out.String())
			}
		}
	}
}

func TestGenesisCommandWritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.yaml")
	account := solana.NewWallet().PublicKey().String()
	cmd := genesisCommand()
	cmd.SetArgs([]string{"--out", path, "--account", account, "--lamports", "5", "--vault-lamports", "9"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	genesis, err := chain.LoadGenesis(path)
	if err != nil {
		t.Fatalf("load genesis: %v", err)
	}
	if len(genesis.Accounts) != 1 || genesis.Accounts[0].Address != account || genesis.Accounts[0].Lamports != 5 || genesis.VaultLamports != 9 {
		t.Fatalf("unexpected genesis: %+v", genesis)
	}
}

func TestLoadOrCreateKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "creator.json")
	first, err := loadOrCreateKey(path, nopLogger())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := loadOrCreateKey(path, nopLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !first.PublicKey().Equals(second.PublicKey()) {
		t.Fatalf("key changed between runs")
	}
	if info, err := os.Stat(path); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode = %v, %v", info, err)
	}
}

func TestOpenQueueRejectsUnknownDriver(t *testing.T) {
	if _, err := openQueue(t.Context(), config.QueueConfig{Driver: "kafka"}); err == nil {
		t.Fatalf("expected error")
	}
	q, err := openQueue(t.Context(), config.QueueConfig{Driver: "memory", Size: 4})
	if err != nil {
		t.Fatalf("memory queue: %v", err)
	}
	_ = q.Close()
}

func TestAuditEventsReleasesSubscription(t *testing.T) {
	client, err := local.Open(t.Context(), local.Config{Logger: nopLogger()})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer client.Close()
	sub, err := client.SubscribeEvents(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- auditEvents(ctx, sub) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("auditEvents returned %v", err)
	}
	select {
	case _, ok := <-sub.Err():
		if ok {
			t.Fatalf("subscription reported an error instead of closing")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription still open after auditEvents returned")
	}
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
