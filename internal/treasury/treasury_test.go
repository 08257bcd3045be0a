package treasury_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"Treasury-Relay/internal/authority"
	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/ledger"
	"Treasury-Relay/internal/programs/system"
	"Treasury-Relay/internal/programs/token"
	"Treasury-Relay/internal/treasury"
)

const lamportsPerSOL = 1_000_000_000

type harness struct {
	t       *testing.T
	bank    *ledger.Bank
	creator solana.PrivateKey
	addrs   treasury.Addresses
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := ledger.OpenAccountsDB("", nil)
	if err != nil {
		t.Fatalf("open accounts db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	bank, err := ledger.NewBank(db)
	if err != nil {
		t.Fatalf("new bank: %v", err)
	}
	if err := bank.Register(system.New(), token.New(), token.NewAssociated(), treasury.New()); err != nil {
		t.Fatalf("register: %v", err)
	}
	addrs, err := treasury.DeriveAddresses()
	if err != nil {
		t.Fatalf("derive addresses: %v", err)
	}
	h := &harness{t: t, bank: bank, creator: newKey(t), addrs: addrs}
	h.airdrop(h.creator.PublicKey(), 10*lamportsPerSOL)
	return h
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func (h *harness) airdrop(key solana.PublicKey, lamports uint64) {
	h.t.Helper()
	if err := h.bank.Airdrop(context.Background(), key, lamports); err != nil {
		h.t.Fatalf("airdrop: %v", err)
	}
}

// submitAs signs with payer plus extra signers and submits.
func (h *harness) submitAs(payer solana.PrivateKey, extra []solana.PrivateKey, ixs ...solana.Instruction) error {
	h.t.Helper()
	tx, err := solana.NewTransaction(ixs, h.bank.LatestBlockhash(), solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		h.t.Fatalf("build transaction: %v", err)
	}
	signers := append([]solana.PrivateKey{payer}, extra...)
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	}); err != nil {
		h.t.Fatalf("sign transaction: %v", err)
	}
	_, err = h.bank.Submit(context.Background(), tx)
	return err
}

func (h *harness) submit(extra []solana.PrivateKey, ixs ...solana.Instruction) error {
	h.t.Helper()
	return h.submitAs(h.creator, extra, ixs...)
}

func (h *harness) must(err error) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
}

func (h *harness) createGovernor() {
	h.t.Helper()
	ix, err := treasury.CreateGovernor(h.creator.PublicKey(), h.addrs.Governor)
	h.must(err)
	h.must(h.submit(nil, ix))
}

func (h *harness) proposeAs(creator solana.PrivateKey, target solana.Instruction, space uint64) (solana.PublicKey, error) {
	h.t.Helper()
	proposal := newKey(h.t)
	allocate := system.CreateAccount(creator.PublicKey(), proposal.PublicKey(), treasury.ProgramID,
		h.bank.Rent().MinimumBalance(int(space)), space)
	create, err := treasury.CreateTransaction(creator.PublicKey(), proposal.PublicKey(), h.addrs.Governor.Address, target)
	h.must(err)
	return proposal.PublicKey(), h.submitAs(creator, []solana.PrivateKey{proposal}, allocate, create)
}

func (h *harness) propose(target solana.Instruction) solana.PublicKey {
	h.t.Helper()
	key, err := h.proposeAs(h.creator, target, treasury.ProposalSpace)
	h.must(err)
	return key
}

func (h *harness) proposal(key solana.PublicKey) *treasury.Proposal {
	h.t.Helper()
	account, err := h.bank.Account(key)
	h.must(err)
	if account == nil {
		h.t.Fatalf("proposal %s not found", key)
	}
	p, err := treasury.DecodeProposal(account.Data)
	h.must(err)
	return p
}

func (h *harness) executeWith(key solana.PublicKey, p *treasury.Proposal, vault authority.Authority) error {
	h.t.Helper()
	ix, err := treasury.ExecuteTransaction(key, p, vault)
	h.must(err)
	return h.submit(nil, ix)
}

func (h *harness) execute(key solana.PublicKey) error {
	h.t.Helper()
	return h.executeWith(key, h.proposal(key), h.addrs.Vault)
}

func (h *harness) balance(key solana.PublicKey) uint64 {
	h.t.Helper()
	lamports, err := h.bank.Balance(key)
	h.must(err)
	return lamports
}

func (h *harness) tokenBalance(key solana.PublicKey) uint64 {
	h.t.Helper()
	account, err := h.bank.Account(key)
	h.must(err)
	if account == nil {
		h.t.Fatalf("token account %s not found", key)
	}
	holding, err := token.DecodeHolding(account.Data)
	h.must(err)
	return holding.Amount
}

func expectCode(t *testing.T, err error, code xerrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got success", code)
	}
	if got := xerrors.CodeOf(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

func TestInitialize(t *testing.T) {
	h := newHarness(t)
	h.must(h.submit(nil, treasury.Initialize()))
}

func TestCreateGovernorIsSingleton(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()

	account, err := h.bank.Account(h.addrs.Governor.Address)
	h.must(err)
	governor, err := treasury.DecodeGovernor(account.Data)
	h.must(err)
	if !governor.Creator.Equals(h.creator.PublicKey()) || governor.Bump != h.addrs.Governor.Bump {
		t.Fatalf("unexpected governor record: %+v", governor)
	}
	if !account.Owner.Equals(treasury.ProgramID) {
		t.Fatalf("governor owned by %s", account.Owner)
	}

	ix, err := treasury.CreateGovernor(h.creator.PublicKey(), h.addrs.Governor)
	h.must(err)
	expectCode(t, h.submit(nil, ix), treasury.CodeAlreadyInitialized)

	other := newKey(t)
	h.airdrop(other.PublicKey(), lamportsPerSOL)
	ix, err = treasury.CreateGovernor(other.PublicKey(), h.addrs.Governor)
	h.must(err)
	expectCode(t, h.submitAs(other, nil, ix), treasury.CodeAlreadyInitialized)

	again, err := h.bank.Account(h.addrs.Governor.Address)
	h.must(err)
	if !again.Equal(account) {
		t.Fatalf("governor record changed")
	}
}

func TestCreateGovernorRejectsWrongBump(t *testing.T) {
	h := newHarness(t)
	forged := h.addrs.Governor
	forged.Bump--
	ix, err := treasury.CreateGovernor(h.creator.PublicKey(), forged)
	h.must(err)
	err = h.submit(nil, ix)
	expectCode(t, err, authority.CodeBumpMismatch)
	if !errors.Is(err, treasury.ErrBumpMismatch) {
		t.Fatalf("errors.Is should match bump mismatch: %v", err)
	}
}

func TestCreateGovernorAfterPrefund(t *testing.T) {
	h := newHarness(t)
	griefer := newKey(t)
	h.airdrop(griefer.PublicKey(), lamportsPerSOL)
	h.must(h.submitAs(griefer, nil, system.Transfer(griefer.PublicKey(), h.addrs.Governor.Address, 1)))

	h.createGovernor()

	account, err := h.bank.Account(h.addrs.Governor.Address)
	h.must(err)
	if !account.Owner.Equals(treasury.ProgramID) {
		t.Fatalf("governor owned by %s", account.Owner)
	}
	if want := h.bank.Rent().MinimumBalance(treasury.GovernorSpace); account.Lamports != want {
		t.Fatalf("governor lamports = %d, want %d", account.Lamports, want)
	}
	governor, err := treasury.DecodeGovernor(account.Data)
	h.must(err)
	if !governor.Creator.Equals(h.creator.PublicKey()) || governor.Bump != h.addrs.Governor.Bump {
		t.Fatalf("unexpected governor record: %+v", governor)
	}

	// a prefund above the rent minimum is kept as is
	rich := newHarness(t)
	rich.airdrop(rich.addrs.Governor.Address, lamportsPerSOL)
	rich.createGovernor()
	if got := rich.balance(rich.addrs.Governor.Address); got != lamportsPerSOL {
		t.Fatalf("governor lamports = %d", got)
	}
	if got := rich.balance(rich.creator.PublicKey()); got != 10*lamportsPerSOL {
		t.Fatalf("creator paid %d for a funded governor", 10*lamportsPerSOL-got)
	}
}

func TestCreateTransactionRequiresCreator(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()

	intruder := newKey(t)
	h.airdrop(intruder.PublicKey(), lamportsPerSOL)
	target := system.Transfer(h.addrs.Vault.Address, intruder.PublicKey(), 1)
	_, err := h.proposeAs(intruder, target, treasury.ProposalSpace)
	if !errors.Is(err, treasury.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCreateTransactionRequiresGovernor(t *testing.T) {
	h := newHarness(t)
	target := system.Transfer(h.addrs.Vault.Address, h.creator.PublicKey(), 1)
	_, err := h.proposeAs(h.creator, target, treasury.ProposalSpace)
	expectCode(t, err, treasury.CodeAccountMismatch)
}

func TestProposalIsImmutable(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()
	recipient := newKey(t).PublicKey()
	key := h.propose(system.Transfer(h.addrs.Vault.Address, recipient, 5000))
	before := h.proposal(key)

	other := system.Transfer(h.addrs.Vault.Address, h.creator.PublicKey(), 4*lamportsPerSOL)
	overwrite, err := treasury.CreateTransaction(h.creator.PublicKey(), key, h.addrs.Governor.Address, other)
	h.must(err)
	expectCode(t, h.submit(nil, overwrite), treasury.CodeAlreadyInitialized)

	after := h.proposal(key)
	if !after.ProgramID.Equals(before.ProgramID) || string(after.Data) != string(before.Data) || len(after.Accounts) != len(before.Accounts) {
		t.Fatalf("proposal changed: %+v -> %+v", before, after)
	}
	if after.Executed {
		t.Fatalf("proposal unexpectedly executed")
	}
}

func TestCreateTransactionStorageExhausted(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()
	target := system.Transfer(h.addrs.Vault.Address, h.creator.PublicKey(), 1)
	_, err := h.proposeAs(h.creator, target, 64)
	expectCode(t, err, treasury.CodeStorageExhausted)
}

func TestExecuteLamportTransfer(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()
	vault := h.addrs.Vault.Address
	h.airdrop(vault, 5*lamportsPerSOL)
	recipient := newKey(t).PublicKey()

	key := h.propose(system.Transfer(vault, recipient, 5000))
	if p := h.proposal(key); p.Executed || !p.ProgramID.Equals(solana.SystemProgramID) {
		t.Fatalf("unexpected stored proposal: %+v", p)
	}
	h.must(h.execute(key))

	if got := h.balance(vault); got != 5*lamportsPerSOL-5000 {
		t.Fatalf("vault balance = %d", got)
	}
	if got := h.balance(recipient); got != 5000 {
		t.Fatalf("recipient balance = %d", got)
	}
	if !h.proposal(key).Executed {
		t.Fatalf("proposal not marked executed")
	}

	err := h.execute(key)
	if !errors.Is(err, treasury.ErrAlreadyExecuted) {
		t.Fatalf("expected already executed, got %v", err)
	}
	if got := h.balance(recipient); got != 5000 {
		t.Fatalf("second execution moved funds: %d", got)
	}
}

func TestVaultSignatureDoesNotLeak(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()
	vault := h.addrs.Vault.Address
	h.airdrop(vault, lamportsPerSOL)
	recipient := newKey(t).PublicKey()
	h.must(h.execute(h.propose(system.Transfer(vault, recipient, 5000))))

	tx, err := solana.NewTransaction([]solana.Instruction{system.Transfer(vault, recipient, 1)},
		h.bank.LatestBlockhash(), solana.TransactionPayer(h.creator.PublicKey()))
	h.must(err)
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(h.creator.PublicKey()) {
			return &h.creator
		}
		return nil
	}); err == nil {
		t.Fatalf("signing for the vault should be impossible")
	}

	data, err := system.Transfer(vault, recipient, 1).Data()
	h.must(err)
	unsigned := solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(recipient, true, false),
	}, data)
	err = h.submit(nil, unsigned)
	if !errors.Is(err, ledger.ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}
	if got := h.balance(recipient); got != 5000 {
		t.Fatalf("recipient balance = %d", got)
	}
}

func TestExecuteRejectsTamperedAccounts(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()
	vault := h.addrs.Vault.Address
	h.airdrop(vault, lamportsPerSOL)
	recipient, attacker := newKey(t).PublicKey(), newKey(t).PublicKey()
	key := h.propose(system.Transfer(vault, recipient, 5000))
	stored := h.proposal(key)

	clone := func() *treasury.Proposal {
		p := *stored
		p.Accounts = append([]treasury.TransactionAccount(nil), stored.Accounts...)
		return &p
	}

	substituted := clone()
	substituted.Accounts[1].Pubkey = attacker
	expectCode(t, h.executeWith(key, substituted, h.addrs.Vault), treasury.CodeAccountMismatch)

	reordered := clone()
	reordered.Accounts[0], reordered.Accounts[1] = reordered.Accounts[1], reordered.Accounts[0]
	expectCode(t, h.executeWith(key, reordered, h.addrs.Vault), treasury.CodeAccountMismatch)

	truncated := clone()
	truncated.Accounts = truncated.Accounts[:1]
	expectCode(t, h.executeWith(key, truncated, h.addrs.Vault), treasury.CodeAccountMismatch)

	retargeted := clone()
	retargeted.ProgramID = solana.TokenProgramID
	expectCode(t, h.executeWith(key, retargeted, h.addrs.Vault), treasury.CodeTargetMismatch)

	wrongBump := h.addrs.Vault
	wrongBump.Bump--
	expectCode(t, h.executeWith(key, stored, wrongBump), authority.CodeBumpMismatch)

	if got := h.balance(vault); got != lamportsPerSOL {
		t.Fatalf("vault balance changed to %d", got)
	}
	if got := h.balance(attacker); got != 0 {
		t.Fatalf("attacker received %d", got)
	}
	if h.proposal(key).Executed {
		t.Fatalf("failed executions marked the proposal executed")
	}
	h.must(h.execute(key))
	if got := h.balance(recipient); got != 5000 {
		t.Fatalf("recipient balance = %d", got)
	}
}

func TestExecuteFailedTargetRollsBack(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()
	vault := h.addrs.Vault.Address
	h.airdrop(vault, 1000)
	key := h.propose(system.Transfer(vault, newKey(t).PublicKey(), 5000))

	err := h.execute(key)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if h.proposal(key).Executed {
		t.Fatalf("failed execution must not mark the proposal executed")
	}
}

func TestExecuteTokenTransfer(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()
	vault := h.addrs.Vault.Address
	h.airdrop(vault, 5*lamportsPerSOL)

	mint, mintAuthority := newKey(t), newKey(t)
	payer := h.creator.PublicKey()
	vaultTokens, err := token.AssociatedAddress(vault, mint.PublicKey())
	h.must(err)
	userTokens, err := token.AssociatedAddress(payer, mint.PublicKey())
	h.must(err)

	h.must(h.submit([]solana.PrivateKey{mint},
		system.CreateAccount(payer, mint.PublicKey(), solana.TokenProgramID, h.bank.Rent().MinimumBalance(token.MintSize), token.MintSize),
		token.InitializeMint(mint.PublicKey(), mintAuthority.PublicKey(), 0),
		token.CreateAssociated(payer, vault, mint.PublicKey()),
		token.CreateAssociated(payer, payer, mint.PublicKey()),
	))
	h.must(h.submit([]solana.PrivateKey{mintAuthority},
		token.MintTo(mint.PublicKey(), vaultTokens, mintAuthority.PublicKey(), 100)))
	if got := h.tokenBalance(vaultTokens); got != 100 {
		t.Fatalf("vault tokens = %d", got)
	}

	key := h.propose(token.Transfer(vaultTokens, userTokens, vault, 50))
	h.must(h.execute(key))

	if got := h.tokenBalance(vaultTokens); got != 50 {
		t.Fatalf("vault tokens = %d", got)
	}
	if got := h.tokenBalance(userTokens); got != 50 {
		t.Fatalf("user tokens = %d", got)
	}
	expectCode(t, h.execute(key), treasury.CodeAlreadyExecuted)
}

func TestExecuteInstructionRelays(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()
	executor := h.addrs.Executor
	h.airdrop(executor.Address, 1_000_000)
	recipient := newKey(t).PublicKey()

	ix, err := treasury.ExecuteInstruction(h.creator.PublicKey(), h.addrs.Governor.Address, executor,
		system.Transfer(executor.Address, recipient, 700))
	h.must(err)
	h.must(h.submit(nil, ix))
	if got := h.balance(recipient); got != 700 {
		t.Fatalf("recipient balance = %d", got)
	}

	intruder := newKey(t)
	h.airdrop(intruder.PublicKey(), lamportsPerSOL)
	ix, err = treasury.ExecuteInstruction(intruder.PublicKey(), h.addrs.Governor.Address, executor,
		system.Transfer(executor.Address, intruder.PublicKey(), 700))
	h.must(err)
	expectCode(t, h.submitAs(intruder, nil, ix), xerrors.CodeUnauthorized)
	if got := h.balance(intruder.PublicKey()); got != lamportsPerSOL {
		t.Fatalf("intruder balance = %d", got)
	}
}

func TestExecuteInstructionRejectsTampering(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()
	executor := h.addrs.Executor
	h.airdrop(executor.Address, 1_000_000)
	recipient, attacker := newKey(t).PublicKey(), newKey(t).PublicKey()
	target := system.Transfer(executor.Address, recipient, 700)

	wrongBump := executor
	wrongBump.Bump--
	ix, err := treasury.ExecuteInstruction(h.creator.PublicKey(), h.addrs.Governor.Address, wrongBump, target)
	h.must(err)
	expectCode(t, h.submit(nil, ix), authority.CodeBumpMismatch)

	ix, err = treasury.ExecuteInstruction(h.creator.PublicKey(), h.addrs.Governor.Address, executor, target)
	h.must(err)
	tamper := func(index int, key solana.PublicKey) solana.Instruction {
		data, err := ix.Data()
		h.must(err)
		metas := make(solana.AccountMetaSlice, 0, len(ix.Accounts()))
		for _, meta := range ix.Accounts() {
			copied := *meta
			metas = append(metas, &copied)
		}
		metas[index].PublicKey = key
		return solana.NewInstruction(ix.ProgramID(), metas, data)
	}
	// 0 creator, 1 governor, 2 executor, then from, to and the target program.
	expectCode(t, h.submit(nil, tamper(4, attacker)), treasury.CodeAccountMismatch)
	expectCode(t, h.submit(nil, tamper(5, solana.TokenProgramID)), treasury.CodeTargetMismatch)

	if got := h.balance(executor.Address); got != 1_000_000 {
		t.Fatalf("executor balance changed to %d", got)
	}
	if got := h.balance(recipient) + h.balance(attacker); got != 0 {
		t.Fatalf("rejected relays moved %d lamports", got)
	}
	h.must(h.submit(nil, ix))
	if got := h.balance(recipient); got != 700 {
		t.Fatalf("recipient balance = %d", got)
	}
}

func TestVaultCannotSignExecutorSlot(t *testing.T) {
	h := newHarness(t)
	h.createGovernor()
	h.airdrop(h.addrs.Executor.Address, 1_000_000)
	recipient := newKey(t).PublicKey()

	// A proposal can only be signed by the vault, never by the executor authority.
	key := h.propose(system.Transfer(h.addrs.Executor.Address, recipient, 10))
	stored := h.proposal(key)
	unsigned := *stored
	unsigned.Accounts = append([]treasury.TransactionAccount(nil), stored.Accounts...)
	unsigned.Accounts[0].IsSigner = false
	err := h.executeWith(key, &unsigned, h.addrs.Vault)
	if !errors.Is(err, ledger.ErrPrivilegeEscalation) {
		t.Fatalf("expected privilege escalation, got %v", err)
	}
}
