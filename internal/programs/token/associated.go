package token

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"

	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/ledger"
	"Treasury-Relay/internal/programs/system"
)

// AssociatedProgram creates the canonical token account of a wallet for a
// mint, at an address derived from both.
type AssociatedProgram struct{}

// NewAssociated returns the associated account program.
func NewAssociated() *AssociatedProgram {
	return &AssociatedProgram{}
}

// ID implements ledger.Program.
func (p *AssociatedProgram) ID() solana.PublicKey {
	return solana.SPLAssociatedTokenAccountProgramID
}

// Process implements ledger.Program. Accounts: payer, associated account,
// wallet, mint, system program, token program, rent sysvar.
func (p *AssociatedProgram) Process(ic *ledger.InvokeContext, data []byte) error {
	if len(data) > 1 || (len(data) == 1 && data[0] > 1) {
		return xerrors.New(ledger.CodeInvalidData, "unsupported associated account instruction")
	}
	accounts := ic.Accounts()
	if len(accounts) < 7 {
		return xerrors.New(ledger.CodeNotEnoughKeys, fmt.Sprintf("need 7 accounts, have %d", len(accounts)))
	}
	payer := accounts[0].PublicKey
	address := accounts[1].PublicKey
	wallet := accounts[2].PublicKey
	mint := accounts[3].PublicKey

	expected, bump, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return xerrors.Wrap(CodeInvalidAddress, err, "derive associated address")
	}
	if !expected.Equals(address) {
		return xerrors.New(CodeInvalidAddress, fmt.Sprintf("expected %s, got %s", expected, address))
	}
	existing, err := ic.Account(address)
	if err != nil {
		return err
	}
	if !existing.IsUninitialized() {
		if len(data) == 1 && data[0] == 1 && existing.Owner.Equals(solana.TokenProgramID) {
			return nil
		}
		return xerrors.New(ledger.CodeAccountInUse, fmt.Sprintf("associated account %s already exists", address))
	}

	seeds := [][]byte{wallet[:], solana.TokenProgramID[:], mint[:], {bump}}
	lamports := ic.Rent().MinimumBalance(AccountSize)
	if err := ic.Invoke(system.CreateAccount(payer, address, solana.TokenProgramID, lamports, AccountSize), seeds); err != nil {
		return err
	}
	return ic.Invoke(InitializeAccount(address, mint, wallet))
}

// AssociatedAddress returns the canonical token account of wallet for mint.
func AssociatedAddress(wallet, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	return addr, err
}

// CreateAssociated builds an instruction creating wallet's token account
// for mint, funded by payer.
func CreateAssociated(payer, wallet, mint solana.PublicKey) solana.Instruction {
	return ata.NewCreateInstruction(payer, wallet, mint).Build()
}
