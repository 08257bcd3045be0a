package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/gagliardetto/solana-go"

	xerrors "Treasury-Relay/internal/errors"
)

// MaxCallDepth bounds the program invocation stack, top-level included.
const MaxCallDepth = 4

// Receipt describes a committed transaction.
type Receipt struct {
	Signature solana.Signature
	Slot      uint64
	Logs      []string
}

// TransactionEvent is published for every processed transaction, committed
// or not. Err is nil for committed transactions.
type TransactionEvent struct {
	Signature solana.Signature
	Slot      uint64
	Accounts  []solana.PublicKey
	Logs      []string
	Err       error
}

// Observer receives per-transaction outcomes, typically a metrics sink.
type Observer interface {
	ObserveTransaction(outcome string, duration time.Duration)
}

// Option customises a Bank.
type Option func(*Bank)

// WithLogger sets the bank logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bank) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithRent overrides the rent parameters.
func WithRent(rent Rent) Option {
	return func(b *Bank) {
		b.rent = rent
	}
}

// WithObserver attaches an outcome observer.
func WithObserver(o Observer) Option {
	return func(b *Bank) {
		b.observer = o
	}
}

// Bank executes transactions one at a time against an AccountsDB. A
// transaction either commits every account change or none.
type Bank struct {
	mu       sync.Mutex
	db       *AccountsDB
	programs map[solana.PublicKey]Program
	rent     Rent
	slot     uint64
	feed     event.Feed
	logger   *slog.Logger
	observer Observer
}

// NewBank resumes from the slot recorded in db.
func NewBank(db *AccountsDB, opts ...Option) (*Bank, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "accounts db is required")
	}
	b := &Bank{
		db:       db,
		programs: make(map[solana.PublicKey]Program),
		rent:     DefaultRent,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	slot, err := db.Slot()
	if err != nil {
		return nil, err
	}
	b.slot = slot
	return b, nil
}

// Register installs built-in programs and creates their executable accounts.
func (b *Bank) Register(programs ...Program) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := make(map[solana.PublicKey]*Account)
	for _, p := range programs {
		id := p.ID()
		b.programs[id] = p
		existing, err := b.db.Get(id)
		if err != nil {
			return err
		}
		if existing != nil && existing.Executable {
			continue
		}
		pending[id] = &Account{Lamports: 1, Owner: NativeLoaderID, Executable: true}
	}
	if len(pending) == 0 {
		return nil
	}
	return b.db.commit(pending, nil, b.slot)
}

// Rent returns the rent parameters in force.
func (b *Bank) Rent() Rent {
	return b.rent
}

// Slot returns the slot of the last committed transaction.
func (b *Bank) Slot() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slot
}

// LatestBlockhash derives a recent blockhash from the current slot.
func (b *Bank) LatestBlockhash() solana.Hash {
	return blockhash(b.Slot())
}

func blockhash(slot uint64) solana.Hash {
	buf := binary.LittleEndian.AppendUint64([]byte("blockhash"), slot)
	return solana.Hash(sha256.Sum256(buf))
}

// Account returns a copy of the stored account, or nil when absent.
func (b *Bank) Account(key solana.PublicKey) (*Account, error) {
	return b.db.Get(key)
}

// Balance returns the lamports held by key; absent accounts hold zero.
func (b *Bank) Balance(key solana.PublicKey) (uint64, error) {
	account, err := b.db.Get(key)
	if err != nil || account == nil {
		return 0, err
	}
	return account.Lamports, nil
}

// SubscribeTransactions delivers a TransactionEvent for every processed
// transaction. Subscribers must keep ch drained: delivery blocks Submit.
func (b *Bank) SubscribeTransactions(ch chan<- TransactionEvent) event.Subscription {
	return b.feed.Subscribe(ch)
}

// Airdrop credits lamports to key outside of any transaction.
func (b *Bank) Airdrop(ctx context.Context, key solana.PublicKey, lamports uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	account, err := b.db.Get(key)
	if err != nil {
		return err
	}
	if account == nil {
		account = NewSystemAccount()
	}
	account.Lamports += lamports
	if err := b.db.commit(map[solana.PublicKey]*Account{key: account}, nil, b.slot); err != nil {
		return err
	}
	b.logger.Debug("airdrop", slog.String("account", key.String()), slog.Uint64("lamports", lamports))
	return nil
}

// Submit verifies and executes tx. On failure no account changes are kept and
// the returned error is a *TransactionError naming the failing instruction.
func (b *Bank) Submit(ctx context.Context, tx *solana.Transaction) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx == nil || len(tx.Signatures) == 0 {
		return nil, ErrMissingSignature
	}
	if len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
		return nil, xerrors.New(CodeMissingSignature, fmt.Sprintf("have %d signatures, need %d", len(tx.Signatures), tx.Message.Header.NumRequiredSignatures))
	}
	if err := tx.VerifySignatures(); err != nil {
		return nil, xerrors.Wrap(CodeSignatureFailure, err, "")
	}
	sig := tx.Signatures[0]

	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	seen, err := b.db.SeenSignature(sig)
	if err != nil {
		return nil, err
	}
	if seen {
		b.observe("duplicate", start)
		return nil, xerrors.New(CodeAlreadyProcessed, "", xerrors.WithMetadata("signature", sig.String()))
	}

	state := newTxState(b.db)
	logs := make([]string, 0, 8)
	msg := &tx.Message
	for i, ci := range msg.Instructions {
		programID, err := msg.ResolveProgramIDIndex(ci.ProgramIDIndex)
		if err != nil {
			return nil, b.reject(sig, i, fmt.Errorf("%w: %v", ErrInvalidData, err), logs, start)
		}
		metas, err := ci.ResolveInstructionAccounts(msg)
		if err != nil {
			return nil, b.reject(sig, i, fmt.Errorf("%w: %v", ErrNotEnoughKeys, err), logs, start)
		}
		if err := b.run(ctx, state, nil, programID, metas, []byte(ci.Data), &logs); err != nil {
			return nil, b.reject(sig, i, err, logs, start)
		}
		if err := b.checkRent(state); err != nil {
			return nil, b.reject(sig, i, err, logs, start)
		}
	}

	changed := state.changed()
	slot := b.slot + 1
	if err := b.db.commit(changed, &sig, slot); err != nil {
		return nil, err
	}
	b.slot = slot

	touched := make([]solana.PublicKey, 0, len(changed))
	for key := range changed {
		touched = append(touched, key)
	}
	b.feed.Send(TransactionEvent{Signature: sig, Slot: slot, Accounts: touched, Logs: logs})
	b.observe("committed", start)
	b.logger.Debug("transaction committed",
		slog.String("signature", sig.String()),
		slog.Uint64("slot", slot),
		slog.Int("instructions", len(msg.Instructions)),
	)
	return &Receipt{Signature: sig, Slot: slot, Logs: logs}, nil
}

func (b *Bank) reject(sig solana.Signature, index int, err error, logs []string, start time.Time) error {
	txErr := &TransactionError{Index: index, Err: err}
	b.feed.Send(TransactionEvent{Signature: sig, Slot: b.slot, Logs: logs, Err: txErr})
	b.observe("failed", start)
	b.logger.Debug("transaction failed",
		slog.String("signature", sig.String()),
		slog.Int("instruction", index),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	)
	return txErr
}

func (b *Bank) observe(outcome string, start time.Time) {
	if b.observer != nil {
		b.observer.ObserveTransaction(outcome, time.Since(start))
	}
}

// run executes one instruction frame and validates its account changes.
func (b *Bank) run(ctx context.Context, state *txState, stack []solana.PublicKey, programID solana.PublicKey, metas []*solana.AccountMeta, data []byte, logs *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(stack) >= MaxCallDepth {
		return xerrors.New(CodeCallDepth, fmt.Sprintf("depth %d exceeds %d", len(stack)+1, MaxCallDepth))
	}
	for _, caller := range stack {
		if caller.Equals(programID) {
			return xerrors.New(CodeReentrancy, fmt.Sprintf("program %s already on the stack", programID))
		}
	}
	program, ok := b.programs[programID]
	if !ok {
		return accountErr(CodeUnknownProgram, programID, "program %s is not registered", programID)
	}

	frame := make([]solana.PublicKey, len(stack), len(stack)+1)
	copy(frame, stack)
	ic := &InvokeContext{
		ctx:     ctx,
		bank:    b,
		state:   state,
		program: programID,
		metas:   metas,
		stack:   append(frame, programID),
		logs:    logs,
	}
	if err := ic.snapshot(); err != nil {
		return err
	}

	*logs = append(*logs, fmt.Sprintf("Program %s invoke [%d]", programID, len(ic.stack)))
	if err := program.Process(ic, data); err != nil {
		*logs = append(*logs, fmt.Sprintf("Program %s failed: %v", programID, err))
		return err
	}
	if err := ic.verify(); err != nil {
		*logs = append(*logs, fmt.Sprintf("Program %s failed: %v", programID, err))
		return err
	}
	*logs = append(*logs, fmt.Sprintf("Program %s success", programID))
	return nil
}

// checkRent rejects changed data accounts left below the exempt minimum.
// Accounts drained to zero are removed at commit.
func (b *Bank) checkRent(state *txState) error {
	for key, account := range state.changed() {
		if len(account.Data) == 0 || account.Lamports == 0 {
			continue
		}
		if !b.rent.IsExempt(account.Lamports, len(account.Data)) {
			return accountErr(CodeRentNotExempt, key, "account %s holds %d lamports, needs %d", key, account.Lamports, b.rent.MinimumBalance(len(account.Data)))
		}
	}
	return nil
}
