package token_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"Treasury-Relay/internal/ledger"
	"Treasury-Relay/internal/programs/system"
	"Treasury-Relay/internal/programs/token"
)

type fixture struct {
	t     *testing.T
	bank  *ledger.Bank
	payer solana.PrivateKey
	mint  solana.PrivateKey
	auth  solana.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := ledger.OpenAccountsDB("", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	bank, err := ledger.NewBank(db)
	if err != nil {
		t.Fatalf("bank: %v", err)
	}
	if err := bank.Register(system.New(), token.New(), token.NewAssociated()); err != nil {
		t.Fatalf("register: %v", err)
	}
	f := &fixture{t: t, bank: bank, payer: solana.NewWallet().PrivateKey, mint: solana.NewWallet().PrivateKey, auth: solana.NewWallet().PrivateKey}
	if err := bank.Airdrop(context.Background(), f.payer.PublicKey(), 1_000_000_000); err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	f.must(f.submit([]solana.PrivateKey{f.mint},
		system.CreateAccount(f.payer.PublicKey(), f.mint.PublicKey(), solana.TokenProgramID, bank.Rent().MinimumBalance(token.MintSize), token.MintSize),
		token.InitializeMint(f.mint.PublicKey(), f.auth.PublicKey(), 2),
	))
	return f
}

func (f *fixture) must(err error) {
	f.t.Helper()
	if err != nil {
		f.t.Fatalf("unexpected error: %v", err)
	}
}

func (f *fixture) submit(extra []solana.PrivateKey, ixs ...solana.Instruction) error {
	f.t.Helper()
	tx, err := solana.NewTransaction(ixs, f.bank.LatestBlockhash(), solana.TransactionPayer(f.payer.PublicKey()))
	if err != nil {
		f.t.Fatalf("build: %v", err)
	}
	signers := append([]solana.PrivateKey{f.payer}, extra...)
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	}); err != nil {
		f.t.Fatalf("sign: %v", err)
	}
	_, err = f.bank.Submit(context.Background(), tx)
	return err
}

func (f *fixture) wallet(owner solana.PublicKey) solana.PublicKey {
	f.t.Helper()
	f.must(f.submit(nil, token.CreateAssociated(f.payer.PublicKey(), owner, f.mint.PublicKey())))
	addr, err := token.AssociatedAddress(owner, f.mint.PublicKey())
	f.must(err)
	return addr
}

func (f *fixture) amount(addr solana.PublicKey) uint64 {
	f.t.Helper()
	account, err := f.bank.Account(addr)
	f.must(err)
	holding, err := token.DecodeHolding(account.Data)
	f.must(err)
	return holding.Amount
}

func TestMintAndTransfer(t *testing.T) {
	f := newFixture(t)
	alice := solana.NewWallet().PrivateKey
	aliceTokens := f.wallet(alice.PublicKey())
	bobTokens := f.wallet(solana.NewWallet().PublicKey())

	f.must(f.submit([]solana.PrivateKey{f.auth}, token.MintTo(f.mint.PublicKey(), aliceTokens, f.auth.PublicKey(), 500)))
	f.must(f.submit([]solana.PrivateKey{alice}, token.Transfer(aliceTokens, bobTokens, alice.PublicKey(), 200)))

	if got := f.amount(aliceTokens); got != 300 {
		t.Fatalf("alice = %d", got)
	}
	if got := f.amount(bobTokens); got != 200 {
		t.Fatalf("bob = %d", got)
	}
	account, err := f.bank.Account(f.mint.PublicKey())
	f.must(err)
	mint, err := token.DecodeMint(account.Data)
	f.must(err)
	if mint.Supply != 500 || mint.Decimals != 2 {
		t.Fatalf("unexpected mint: %+v", mint)
	}
}

func TestTransferChecksOwnerAndBalance(t *testing.T) {
	f := newFixture(t)
	alice, mallory := solana.NewWallet().PrivateKey, solana.NewWallet().PrivateKey
	aliceTokens := f.wallet(alice.PublicKey())
	malloryTokens := f.wallet(mallory.PublicKey())
	f.must(f.submit([]solana.PrivateKey{f.auth}, token.MintTo(f.mint.PublicKey(), aliceTokens, f.auth.PublicKey(), 10)))

	err := f.submit([]solana.PrivateKey{mallory}, token.Transfer(aliceTokens, malloryTokens, mallory.PublicKey(), 5))
	if !errors.Is(err, token.ErrOwnerMismatch) {
		t.Fatalf("expected owner mismatch, got %v", err)
	}
	err = f.submit([]solana.PrivateKey{alice}, token.Transfer(aliceTokens, malloryTokens, alice.PublicKey(), 11))
	if !errors.Is(err, token.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	err = f.submit([]solana.PrivateKey{mallory}, token.MintTo(f.mint.PublicKey(), malloryTokens, mallory.PublicKey(), 1))
	if !errors.Is(err, token.ErrOwnerMismatch) {
		t.Fatalf("expected mint authority mismatch, got %v", err)
	}
}

func TestAssociatedAccountCreatedOnce(t *testing.T) {
	f := newFixture(t)
	owner := solana.NewWallet().PublicKey()
	f.wallet(owner)
	err := f.submit(nil, token.CreateAssociated(f.payer.PublicKey(), owner, f.mint.PublicKey()))
	if !errors.Is(err, ledger.ErrAccountInUse) {
		t.Fatalf("expected account in use, got %v", err)
	}
}
