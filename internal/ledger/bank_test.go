package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/ledger"
	"Treasury-Relay/internal/programs/system"
)

type stubProgram struct {
	id solana.PublicKey
	fn func(ic *ledger.InvokeContext, data []byte) error
}

func (p *stubProgram) ID() solana.PublicKey { return p.id }

func (p *stubProgram) Process(ic *ledger.InvokeContext, data []byte) error { return p.fn(ic, data) }

func newBank(t *testing.T, dir string, programs ...ledger.Program) *ledger.Bank {
	t.Helper()
	db, err := ledger.OpenAccountsDB(dir, nil)
	if err != nil {
		t.Fatalf("open accounts db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	bank, err := ledger.NewBank(db)
	if err != nil {
		t.Fatalf("new bank: %v", err)
	}
	if err := bank.Register(append([]ledger.Program{system.New()}, programs...)...); err != nil {
		t.Fatalf("register programs: %v", err)
	}
	return bank
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func buildTx(t *testing.T, bank *ledger.Bank, payer solana.PrivateKey, signers []solana.PrivateKey, ixs ...solana.Instruction) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(ixs, bank.LatestBlockhash(), solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	all := append([]solana.PrivateKey{payer}, signers...)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range all {
			if all[i].PublicKey().Equals(key) {
				return &all[i]
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("sign transaction: %v", err)
	}
	return tx
}

func airdrop(t *testing.T, bank *ledger.Bank, key solana.PublicKey, lamports uint64) {
	t.Helper()
	if err := bank.Airdrop(context.Background(), key, lamports); err != nil {
		t.Fatalf("airdrop: %v", err)
	}
}

func balance(t *testing.T, bank *ledger.Bank, key solana.PublicKey) uint64 {
	t.Helper()
	lamports, err := bank.Balance(key)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return lamports
}

func TestTransferCommitsAndAdvancesSlot(t *testing.T) {
	bank := newBank(t, "")
	alice, bob := newKey(t), newKey(t)
	airdrop(t, bank, alice.PublicKey(), 10_000)

	tx := buildTx(t, bank, alice, nil, system.Transfer(alice.PublicKey(), bob.PublicKey(), 4_000))
	receipt, err := bank.Submit(context.Background(), tx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Slot != 1 || bank.Slot() != 1 {
		t.Fatalf("expected slot 1, got receipt %d bank %d", receipt.Slot, bank.Slot())
	}
	if got := balance(t, bank, alice.PublicKey()); got != 6_000 {
		t.Fatalf("alice balance = %d", got)
	}
	if got := balance(t, bank, bob.PublicKey()); got != 4_000 {
		t.Fatalf("bob balance = %d", got)
	}
	if len(receipt.Logs) == 0 {
		t.Fatalf("expected program logs")
	}
}

func TestFailedTransactionLeavesStateUntouched(t *testing.T) {
	bank := newBank(t, "")
	alice, bob := newKey(t), newKey(t)
	airdrop(t, bank, alice.PublicKey(), 1_000)

	tx := buildTx(t, bank, alice, nil,
		system.Transfer(alice.PublicKey(), bob.PublicKey(), 600),
		system.Transfer(alice.PublicKey(), bob.PublicKey(), 600),
	)
	_, err := bank.Submit(context.Background(), tx)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	var txErr *ledger.TransactionError
	if !errors.As(err, &txErr) || txErr.Index != 1 {
		t.Fatalf("expected failure at instruction 1, got %v", err)
	}
	if got := balance(t, bank, alice.PublicKey()); got != 1_000 {
		t.Fatalf("alice balance changed to %d", got)
	}
	if got := balance(t, bank, bob.PublicKey()); got != 0 {
		t.Fatalf("bob balance changed to %d", got)
	}
	if bank.Slot() != 0 {
		t.Fatalf("failed transaction advanced slot to %d", bank.Slot())
	}
}

func TestDuplicateSignatureRejected(t *testing.T) {
	bank := newBank(t, "")
	alice, bob := newKey(t), newKey(t)
	airdrop(t, bank, alice.PublicKey(), 1_000)

	tx := buildTx(t, bank, alice, nil, system.Transfer(alice.PublicKey(), bob.PublicKey(), 100))
	if _, err := bank.Submit(context.Background(), tx); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := bank.Submit(context.Background(), tx)
	if xerrors.CodeOf(err) != ledger.CodeAlreadyProcessed {
		t.Fatalf("expected already processed, got %v", err)
	}
	if got := balance(t, bank, bob.PublicKey()); got != 100 {
		t.Fatalf("bob balance = %d", got)
	}
}

func TestTamperedSignatureRejected(t *testing.T) {
	bank := newBank(t, "")
	alice, bob := newKey(t), newKey(t)
	airdrop(t, bank, alice.PublicKey(), 1_000)

	tx := buildTx(t, bank, alice, nil, system.Transfer(alice.PublicKey(), bob.PublicKey(), 100))
	tx.Signatures[0][0] ^= 0xff
	if _, err := bank.Submit(context.Background(), tx); !errors.Is(err, ledger.ErrSignatureFailure) {
		t.Fatalf("expected signature failure, got %v", err)
	}
}

func TestProgramCannotDebitForeignAccount(t *testing.T) {
	thief := &stubProgram{id: newKey(t).PublicKey()}
	thief.fn = func(ic *ledger.InvokeContext, _ []byte) error {
		_, victim, err := ic.AccountAt(0)
		if err != nil {
			return err
		}
		_, sink, err := ic.AccountAt(1)
		if err != nil {
			return err
		}
		victim.Lamports -= 10
		sink.Lamports += 10
		return nil
	}
	bank := newBank(t, "", thief)
	alice, bob := newKey(t), newKey(t)
	airdrop(t, bank, alice.PublicKey(), 1_000)

	ix := solana.NewInstruction(thief.id, solana.AccountMetaSlice{
		solana.NewAccountMeta(alice.PublicKey(), true, true),
		solana.NewAccountMeta(bob.PublicKey(), true, false),
	}, nil)
	_, err := bank.Submit(context.Background(), buildTx(t, bank, alice, nil, ix))
	if !errors.Is(err, ledger.ErrExternalModified) {
		t.Fatalf("expected external modification error, got %v", err)
	}
	if got := balance(t, bank, alice.PublicKey()); got != 1_000 {
		t.Fatalf("alice balance = %d", got)
	}
}

func TestInvokeRejectsSignerEscalation(t *testing.T) {
	relay := &stubProgram{id: newKey(t).PublicKey()}
	relay.fn = func(ic *ledger.InvokeContext, _ []byte) error {
		from, _, _ := ic.AccountAt(0)
		to, _, _ := ic.AccountAt(1)
		return ic.Invoke(system.Transfer(from.PublicKey, to.PublicKey, 1))
	}
	bank := newBank(t, "", relay)
	payer, victim, sink := newKey(t), newKey(t), newKey(t)
	airdrop(t, bank, victim.PublicKey(), 1_000)

	ix := solana.NewInstruction(relay.id, solana.AccountMetaSlice{
		solana.NewAccountMeta(victim.PublicKey(), true, false),
		solana.NewAccountMeta(sink.PublicKey(), true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, nil)
	_, err := bank.Submit(context.Background(), buildTx(t, bank, payer, nil, ix))
	if !errors.Is(err, ledger.ErrPrivilegeEscalation) {
		t.Fatalf("expected privilege escalation, got %v", err)
	}
}

func TestInvokeSignsForDerivedAddress(t *testing.T) {
	relay := &stubProgram{id: newKey(t).PublicKey()}
	seed := []byte("vault")
	vault, bump, err := solana.FindProgramAddress([][]byte{seed}, relay.id)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	relay.fn = func(ic *ledger.InvokeContext, _ []byte) error {
		to, _, _ := ic.AccountAt(1)
		return ic.Invoke(system.Transfer(vault, to.PublicKey, 250), [][]byte{seed, {bump}})
	}
	bank := newBank(t, "", relay)
	payer, sink := newKey(t), newKey(t)
	airdrop(t, bank, vault, 1_000)

	ix := solana.NewInstruction(relay.id, solana.AccountMetaSlice{
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(sink.PublicKey(), true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, nil)
	if _, err := bank.Submit(context.Background(), buildTx(t, bank, payer, nil, ix)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := balance(t, bank, vault); got != 750 {
		t.Fatalf("vault balance = %d", got)
	}
	if got := balance(t, bank, sink.PublicKey()); got != 250 {
		t.Fatalf("sink balance = %d", got)
	}
}

func TestInvokeWithForeignSeedsRejected(t *testing.T) {
	relay := &stubProgram{id: newKey(t).PublicKey()}
	other := newKey(t).PublicKey()
	seed := []byte("vault")
	vault, bump, err := solana.FindProgramAddress([][]byte{seed}, other)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	relay.fn = func(ic *ledger.InvokeContext, _ []byte) error {
		to, _, _ := ic.AccountAt(1)
		return ic.Invoke(system.Transfer(vault, to.PublicKey, 250), [][]byte{seed, {bump}})
	}
	bank := newBank(t, "", relay)
	payer, sink := newKey(t), newKey(t)
	airdrop(t, bank, vault, 1_000)

	ix := solana.NewInstruction(relay.id, solana.AccountMetaSlice{
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(sink.PublicKey(), true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, nil)
	_, err = bank.Submit(context.Background(), buildTx(t, bank, payer, nil, ix))
	if !errors.Is(err, ledger.ErrPrivilegeEscalation) {
		t.Fatalf("expected privilege escalation, got %v", err)
	}
	if got := balance(t, bank, vault); got != 1_000 {
		t.Fatalf("vault balance = %d", got)
	}
}

func TestReentrancyRejected(t *testing.T) {
	loop := &stubProgram{id: newKey(t).PublicKey()}
	loop.fn = func(ic *ledger.InvokeContext, _ []byte) error {
		return ic.Invoke(solana.NewInstruction(loop.id, solana.AccountMetaSlice{
			solana.NewAccountMeta(loop.id, false, false),
		}, nil))
	}
	bank := newBank(t, "", loop)
	payer := newKey(t)

	ix := solana.NewInstruction(loop.id, solana.AccountMetaSlice{
		solana.NewAccountMeta(loop.id, false, false),
	}, nil)
	_, err := bank.Submit(context.Background(), buildTx(t, bank, payer, nil, ix))
	if !errors.Is(err, ledger.ErrReentrancy) {
		t.Fatalf("expected reentrancy error, got %v", err)
	}
}

func TestReadonlyAccountModified(t *testing.T) {
	writer := &stubProgram{id: newKey(t).PublicKey()}
	writer.fn = func(ic *ledger.InvokeContext, _ []byte) error {
		_, account, err := ic.AccountAt(0)
		if err != nil {
			return err
		}
		account.Data[0] = 1
		return nil
	}
	bank := newBank(t, "", writer)
	payer, record := newKey(t), newKey(t)
	airdrop(t, bank, payer.PublicKey(), 10_000_000)

	create := system.CreateAccount(payer.PublicKey(), record.PublicKey(), writer.id, bank.Rent().MinimumBalance(8), 8)
	if _, err := bank.Submit(context.Background(), buildTx(t, bank, payer, []solana.PrivateKey{record}, create)); err != nil {
		t.Fatalf("create account: %v", err)
	}

	ix := solana.NewInstruction(writer.id, solana.AccountMetaSlice{
		solana.NewAccountMeta(record.PublicKey(), false, false),
	}, nil)
	_, err := bank.Submit(context.Background(), buildTx(t, bank, payer, nil, ix))
	if !errors.Is(err, ledger.ErrReadonlyModified) {
		t.Fatalf("expected read-only violation, got %v", err)
	}
}

func TestRentExemptionEnforced(t *testing.T) {
	bank := newBank(t, "")
	payer, record := newKey(t), newKey(t)
	airdrop(t, bank, payer.PublicKey(), 10_000_000)

	create := system.CreateAccount(payer.PublicKey(), record.PublicKey(), solana.SystemProgramID, 1, 100)
	_, err := bank.Submit(context.Background(), buildTx(t, bank, payer, []solana.PrivateKey{record}, create))
	if !errors.Is(err, ledger.ErrRentNotExempt) {
		t.Fatalf("expected rent error, got %v", err)
	}
}

func TestTransactionEventsPublished(t *testing.T) {
	bank := newBank(t, "")
	alice, bob := newKey(t), newKey(t)
	airdrop(t, bank, alice.PublicKey(), 1_000)

	events := make(chan ledger.TransactionEvent, 4)
	sub := bank.SubscribeTransactions(events)
	defer sub.Unsubscribe()

	tx := buildTx(t, bank, alice, nil, system.Transfer(alice.PublicKey(), bob.PublicKey(), 10))
	if _, err := bank.Submit(context.Background(), tx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Err != nil || ev.Signature != tx.Signatures[0] || ev.Slot != 1 {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if len(ev.Accounts) != 2 {
			t.Fatalf("expected 2 touched accounts, got %d", len(ev.Accounts))
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	alice, bob := newKey(t), newKey(t)

	db, err := ledger.OpenAccountsDB(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	bank, err := ledger.NewBank(db)
	if err != nil {
		t.Fatalf("new bank: %v", err)
	}
	if err := bank.Register(system.New()); err != nil {
		t.Fatalf("register: %v", err)
	}
	airdrop(t, bank, alice.PublicKey(), 500)
	if _, err := bank.Submit(context.Background(), buildTx(t, bank, alice, nil, system.Transfer(alice.PublicKey(), bob.PublicKey(), 200))); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := newBank(t, dir)
	if reopened.Slot() != 1 {
		t.Fatalf("slot = %d after reopen", reopened.Slot())
	}
	if got := balance(t, reopened, bob.PublicKey()); got != 200 {
		t.Fatalf("bob balance = %d after reopen", got)
	}
}
