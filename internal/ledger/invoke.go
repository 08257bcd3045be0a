package ledger

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Program is a built-in program the bank can dispatch instructions to.
type Program interface {
	ID() solana.PublicKey
	Process(ic *InvokeContext, data []byte) error
}

// txState holds working copies of every account a transaction touched.
type txState struct {
	db       *AccountsDB
	accounts map[solana.PublicKey]*Account
	original map[solana.PublicKey]*Account
}

func newTxState(db *AccountsDB) *txState {
	return &txState{
		db:       db,
		accounts: make(map[solana.PublicKey]*Account),
		original: make(map[solana.PublicKey]*Account),
	}
}

func (s *txState) load(key solana.PublicKey) (*Account, error) {
	if account, ok := s.accounts[key]; ok {
		return account, nil
	}
	account, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = NewSystemAccount()
	}
	s.original[key] = account.Clone()
	s.accounts[key] = account
	return account, nil
}

func (s *txState) changed() map[solana.PublicKey]*Account {
	out := make(map[solana.PublicKey]*Account)
	for key, account := range s.accounts {
		if !account.Equal(s.original[key]) {
			out[key] = account
		}
	}
	return out
}

// InvokeContext is the view a program gets of one instruction: the accounts
// passed to it with their signer and writable privileges, and the ability to
// call other programs.
type InvokeContext struct {
	ctx     context.Context
	bank    *Bank
	state   *txState
	program solana.PublicKey
	metas   []*solana.AccountMeta
	stack   []solana.PublicKey
	pre     map[solana.PublicKey]*Account
	logs    *[]string
}

// Context returns the submitting caller's context.
func (ic *InvokeContext) Context() context.Context {
	return ic.ctx
}

// ProgramID is the program currently executing.
func (ic *InvokeContext) ProgramID() solana.PublicKey {
	return ic.program
}

// Rent returns the bank's rent parameters.
func (ic *InvokeContext) Rent() Rent {
	return ic.bank.rent
}

// Accounts returns copies of the account metas in instruction order.
func (ic *InvokeContext) Accounts() []*solana.AccountMeta {
	out := make([]*solana.AccountMeta, len(ic.metas))
	for i, m := range ic.metas {
		dup := *m
		out[i] = &dup
	}
	return out
}

// AccountAt returns the meta and mutable state of the i-th account.
func (ic *InvokeContext) AccountAt(i int) (*solana.AccountMeta, *Account, error) {
	if i < 0 || i >= len(ic.metas) {
		return nil, nil, notEnoughKeys(i, len(ic.metas))
	}
	meta := *ic.metas[i]
	account, err := ic.state.load(meta.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return &meta, account, nil
}

// Account returns the mutable state of key, which must be passed to the
// instruction. Changes are validated when the program returns.
func (ic *InvokeContext) Account(key solana.PublicKey) (*Account, error) {
	if ic.meta(key) == nil {
		return nil, accountErr(CodeMissingAccount, key, "account %s not passed to program %s", key, ic.program)
	}
	return ic.state.load(key)
}

// IsSigner reports whether key signed for this instruction, either as a
// transaction signer or through a derived-address signature from the caller.
func (ic *InvokeContext) IsSigner(key solana.PublicKey) bool {
	m := ic.meta(key)
	return m != nil && m.IsSigner
}

// IsWritable reports whether key may be modified by this instruction.
func (ic *InvokeContext) IsWritable(key solana.PublicKey) bool {
	m := ic.meta(key)
	return m != nil && m.IsWritable
}

// Logf appends a program log line to the transaction logs.
func (ic *InvokeContext) Logf(format string, args ...any) {
	*ic.logs = append(*ic.logs, "Program log: "+fmt.Sprintf(format, args...))
}

// Invoke calls another program. Privileges can only be passed down, never
// raised: every account must be available to the caller, writable only if the
// caller has it writable, and signer only if the caller has the signature or
// one of signerSeeds derives the account under the calling program. Signatures
// produced from signerSeeds exist for this call only.
func (ic *InvokeContext) Invoke(ix solana.Instruction, signerSeeds ...[][]byte) error {
	target := ix.ProgramID()
	if ic.meta(target) == nil {
		return accountErr(CodeMissingAccount, target, "program %s not passed to caller %s", target, ic.program)
	}
	data, err := ix.Data()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	derived := make(map[solana.PublicKey]struct{}, len(signerSeeds))
	for _, seeds := range signerSeeds {
		addr, err := solana.CreateProgramAddress(seeds, ic.program)
		if err != nil {
			return fmt.Errorf("%w: signer seeds: %v", ErrPrivilegeEscalation, err)
		}
		derived[addr] = struct{}{}
	}

	metas := make([]*solana.AccountMeta, 0, len(ix.Accounts()))
	for _, m := range ix.Accounts() {
		caller := ic.meta(m.PublicKey)
		if caller == nil {
			return accountErr(CodeMissingAccount, m.PublicKey, "account %s not passed to caller %s", m.PublicKey, ic.program)
		}
		if m.IsWritable && !caller.IsWritable {
			return accountErr(CodePrivilegeEscalation, m.PublicKey, "writable privilege escalated for %s", m.PublicKey)
		}
		if m.IsSigner && !caller.IsSigner {
			if _, ok := derived[m.PublicKey]; !ok {
				return accountErr(CodePrivilegeEscalation, m.PublicKey, "signer privilege escalated for %s", m.PublicKey)
			}
		}
		metas = append(metas, &solana.AccountMeta{
			PublicKey:  m.PublicKey,
			IsWritable: m.IsWritable,
			IsSigner:   m.IsSigner,
		})
	}

	if err := ic.verify(); err != nil {
		return err
	}
	ic.refresh()
	if err := ic.bank.run(ic.ctx, ic.state, ic.stack, target, metas, data, ic.logs); err != nil {
		return err
	}
	ic.refresh()
	return nil
}

// meta merges the privileges of every occurrence of key.
func (ic *InvokeContext) meta(key solana.PublicKey) *solana.AccountMeta {
	var merged *solana.AccountMeta
	for _, m := range ic.metas {
		if !m.PublicKey.Equals(key) {
			continue
		}
		if merged == nil {
			merged = &solana.AccountMeta{PublicKey: key}
		}
		merged.IsSigner = merged.IsSigner || m.IsSigner
		merged.IsWritable = merged.IsWritable || m.IsWritable
	}
	return merged
}

func (ic *InvokeContext) snapshot() error {
	ic.pre = make(map[solana.PublicKey]*Account, len(ic.metas))
	for _, m := range ic.metas {
		account, err := ic.state.load(m.PublicKey)
		if err != nil {
			return err
		}
		ic.pre[m.PublicKey] = account.Clone()
	}
	return nil
}

func (ic *InvokeContext) refresh() {
	for key := range ic.pre {
		ic.pre[key] = ic.state.accounts[key].Clone()
	}
}

// verify checks the changes this program made since the last snapshot.
func (ic *InvokeContext) verify() error {
	var before, after uint64
	for key, pre := range ic.pre {
		post := ic.state.accounts[key]
		before += pre.Lamports
		after += post.Lamports
		if pre.Equal(post) {
			continue
		}
		if pre.Executable {
			return accountErr(CodeReadonlyModified, key, "executable account %s modified", key)
		}
		if !ic.IsWritable(key) {
			return accountErr(CodeReadonlyModified, key, "read-only account %s modified by %s", key, ic.program)
		}
		owned := pre.Owner.Equals(ic.program)
		if !pre.Owner.Equals(post.Owner) && !(owned && isZeroed(post.Data)) {
			return accountErr(CodeExternalModified, key, "owner of %s changed by %s", key, ic.program)
		}
		if !bytes.Equal(pre.Data, post.Data) && !owned {
			return accountErr(CodeExternalModified, key, "data of %s changed by non-owner %s", key, ic.program)
		}
		if post.Lamports < pre.Lamports && !owned {
			return accountErr(CodeExternalModified, key, "lamports of %s debited by non-owner %s", key, ic.program)
		}
	}
	if before != after {
		return fmt.Errorf("%w: program %s: %d before, %d after", ErrUnbalanced, ic.program, before, after)
	}
	return nil
}

func isZeroed(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
