// Package system implements the built-in program that owns every fresh
// address: account creation, allocation, ownership assignment and lamport
// transfers.
package system

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	systemix "github.com/gagliardetto/solana-go/programs/system"

	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/ledger"
)

// MaxDataLength caps the size of a single account allocation.
const MaxDataLength = 10 * 1024 * 1024

// Program is the system program.
type Program struct{}

// New returns the system program.
func New() *Program {
	return &Program{}
}

// ID implements ledger.Program.
func (p *Program) ID() solana.PublicKey {
	return solana.SystemProgramID
}

// Process implements ledger.Program.
func (p *Program) Process(ic *ledger.InvokeContext, data []byte) error {
	inst, err := systemix.DecodeInstruction(ic.Accounts(), data)
	if err != nil {
		return xerrors.Wrap(ledger.CodeInvalidData, err, "decode system instruction")
	}
	switch impl := inst.Impl.(type) {
	case *systemix.CreateAccount:
		if impl.Lamports == nil || impl.Space == nil || impl.Owner == nil {
			return ledger.ErrInvalidData
		}
		return createAccount(ic, *impl.Lamports, *impl.Space, *impl.Owner)
	case *systemix.Transfer:
		if impl.Lamports == nil {
			return ledger.ErrInvalidData
		}
		return transfer(ic, *impl.Lamports)
	case *systemix.Allocate:
		if impl.Space == nil {
			return ledger.ErrInvalidData
		}
		return allocate(ic, *impl.Space)
	case *systemix.Assign:
		if impl.Owner == nil {
			return ledger.ErrInvalidData
		}
		return assign(ic, *impl.Owner)
	default:
		return xerrors.New(ledger.CodeInvalidData, fmt.Sprintf("unsupported system instruction %d", inst.TypeID.Uint32()))
	}
}

func signedAccount(ic *ledger.InvokeContext, index int) (solana.PublicKey, *ledger.Account, error) {
	meta, account, err := ic.AccountAt(index)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	if !meta.IsSigner {
		return solana.PublicKey{}, nil, xerrors.New(ledger.CodeMissingSignature,
			fmt.Sprintf("account %s must sign", meta.PublicKey),
			xerrors.WithMetadata("account", meta.PublicKey.String()))
	}
	return meta.PublicKey, account, nil
}

func debit(key solana.PublicKey, from *ledger.Account, lamports uint64) error {
	if len(from.Data) > 0 || !from.Owner.Equals(solana.SystemProgramID) {
		return xerrors.New(ledger.CodeInvalidAccountData,
			fmt.Sprintf("source %s must be a plain system account", key),
			xerrors.WithMetadata("account", key.String()))
	}
	if from.Lamports < lamports {
		return xerrors.New(ledger.CodeInsufficientFunds,
			fmt.Sprintf("%s holds %d lamports, need %d", key, from.Lamports, lamports),
			xerrors.WithMetadata("account", key.String()))
	}
	from.Lamports -= lamports
	return nil
}

func createAccount(ic *ledger.InvokeContext, lamports, space uint64, owner solana.PublicKey) error {
	fromKey, from, err := signedAccount(ic, 0)
	if err != nil {
		return err
	}
	toKey, to, err := signedAccount(ic, 1)
	if err != nil {
		return err
	}
	if space > MaxDataLength {
		return xerrors.New(ledger.CodeInvalidData, fmt.Sprintf("space %d exceeds %d", space, MaxDataLength))
	}
	if to.Lamports > 0 || len(to.Data) > 0 || !to.Owner.Equals(solana.SystemProgramID) {
		return xerrors.New(ledger.CodeAccountInUse, fmt.Sprintf("account %s already in use", toKey),
			xerrors.WithMetadata("account", toKey.String()))
	}
	if err := debit(fromKey, from, lamports); err != nil {
		return err
	}
	to.Lamports += lamports
	to.Data = make([]byte, space)
	to.Owner = owner
	ic.Logf("create account %s (%d bytes) owned by %s", toKey, space, owner)
	return nil
}

func transfer(ic *ledger.InvokeContext, lamports uint64) error {
	fromKey, from, err := signedAccount(ic, 0)
	if err != nil {
		return err
	}
	_, to, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	if err := debit(fromKey, from, lamports); err != nil {
		return err
	}
	to.Lamports += lamports
	return nil
}

func allocate(ic *ledger.InvokeContext, space uint64) error {
	key, account, err := signedAccount(ic, 0)
	if err != nil {
		return err
	}
	if space > MaxDataLength {
		return xerrors.New(ledger.CodeInvalidData, fmt.Sprintf("space %d exceeds %d", space, MaxDataLength))
	}
	if len(account.Data) > 0 || !account.Owner.Equals(solana.SystemProgramID) {
		return xerrors.New(ledger.CodeAccountInUse, fmt.Sprintf("account %s already in use", key),
			xerrors.WithMetadata("account", key.String()))
	}
	account.Data = make([]byte, space)
	ic.Logf("allocate %d bytes for %s", space, key)
	return nil
}

func assign(ic *ledger.InvokeContext, owner solana.PublicKey) error {
	key, account, err := signedAccount(ic, 0)
	if err != nil {
		return err
	}
	if !account.Owner.Equals(solana.SystemProgramID) {
		return xerrors.New(ledger.CodeInvalidAccountData, fmt.Sprintf("account %s already assigned", key),
			xerrors.WithMetadata("account", key.String()))
	}
	account.Owner = owner
	return nil
}

// CreateAccount builds a create-account instruction.
func CreateAccount(funder, account, owner solana.PublicKey, lamports, space uint64) solana.Instruction {
	return systemix.NewCreateAccountInstruction(lamports, space, owner, funder, account).Build()
}

// Allocate builds an instruction that gives account space bytes of data.
func Allocate(account solana.PublicKey, space uint64) solana.Instruction {
	return systemix.NewAllocateInstruction(space, account).Build()
}

// Assign builds an instruction that hands account over to owner.
func Assign(account, owner solana.PublicKey) solana.Instruction {
	return systemix.NewAssignInstruction(owner, account).Build()
}

// Transfer builds a lamport transfer instruction.
func Transfer(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	return systemix.NewTransferInstruction(lamports, from, to).Build()
}
