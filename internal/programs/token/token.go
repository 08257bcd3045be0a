// Package token implements fungible token mints and balances, plus the
// associated account program that places one balance per wallet and mint at
// a derived address.
package token

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	tokenix "github.com/gagliardetto/solana-go/programs/token"

	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/ledger"
)

// Program is the token program.
type Program struct{}

// New returns the token program.
func New() *Program {
	return &Program{}
}

// ID implements ledger.Program.
func (p *Program) ID() solana.PublicKey {
	return solana.TokenProgramID
}

// Process implements ledger.Program.
func (p *Program) Process(ic *ledger.InvokeContext, data []byte) error {
	inst, err := tokenix.DecodeInstruction(ic.Accounts(), data)
	if err != nil {
		return xerrors.Wrap(ledger.CodeInvalidData, err, "decode token instruction")
	}
	switch impl := inst.Impl.(type) {
	case *tokenix.InitializeMint:
		if impl.Decimals == nil || impl.MintAuthority == nil {
			return ledger.ErrInvalidData
		}
		return initializeMint(ic, *impl.Decimals, *impl.MintAuthority)
	case *tokenix.InitializeAccount:
		return initializeAccount(ic)
	case *tokenix.MintTo:
		if impl.Amount == nil {
			return ledger.ErrInvalidData
		}
		return mintTo(ic, *impl.Amount)
	case *tokenix.Transfer:
		if impl.Amount == nil {
			return ledger.ErrInvalidData
		}
		return transfer(ic, *impl.Amount)
	default:
		return xerrors.New(ledger.CodeInvalidData, fmt.Sprintf("unsupported token instruction %d", inst.TypeID.Uint8()))
	}
}

// ownedAccount loads the i-th account and checks the token program owns it.
func ownedAccount(ic *ledger.InvokeContext, index int) (solana.PublicKey, *ledger.Account, error) {
	meta, account, err := ic.AccountAt(index)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	if !account.Owner.Equals(solana.TokenProgramID) {
		return solana.PublicKey{}, nil, xerrors.New(ledger.CodeInvalidAccountData,
			fmt.Sprintf("account %s is not owned by the token program", meta.PublicKey),
			xerrors.WithMetadata("account", meta.PublicKey.String()))
	}
	return meta.PublicKey, account, nil
}

func loadMint(ic *ledger.InvokeContext, index int) (solana.PublicKey, *ledger.Account, *Mint, error) {
	key, account, err := ownedAccount(ic, index)
	if err != nil {
		return key, nil, nil, err
	}
	mint, err := DecodeMint(account.Data)
	if err != nil {
		return key, nil, nil, err
	}
	if !mint.IsInitialized {
		return key, nil, nil, xerrors.New(CodeUninitialized, fmt.Sprintf("mint %s not initialized", key))
	}
	return key, account, mint, nil
}

func loadHolding(ic *ledger.InvokeContext, index int) (solana.PublicKey, *ledger.Account, *Holding, error) {
	key, account, err := ownedAccount(ic, index)
	if err != nil {
		return key, nil, nil, err
	}
	holding, err := DecodeHolding(account.Data)
	if err != nil {
		return key, nil, nil, err
	}
	if !holding.IsInitialized {
		return key, nil, nil, xerrors.New(CodeUninitialized, fmt.Sprintf("token account %s not initialized", key))
	}
	return key, account, holding, nil
}

func requireSigner(ic *ledger.InvokeContext, index int, expected solana.PublicKey) error {
	meta, _, err := ic.AccountAt(index)
	if err != nil {
		return err
	}
	if !meta.PublicKey.Equals(expected) {
		return xerrors.New(CodeOwnerMismatch, fmt.Sprintf("authority %s, expected %s", meta.PublicKey, expected))
	}
	if !meta.IsSigner {
		return xerrors.New(ledger.CodeMissingSignature, fmt.Sprintf("authority %s must sign", meta.PublicKey),
			xerrors.WithMetadata("account", meta.PublicKey.String()))
	}
	return nil
}

func initializeMint(ic *ledger.InvokeContext, decimals uint8, authority solana.PublicKey) error {
	key, account, err := ownedAccount(ic, 0)
	if err != nil {
		return err
	}
	if len(account.Data) < MintSize {
		return xerrors.New(ledger.CodeInvalidAccountData, fmt.Sprintf("mint %s too small", key))
	}
	current, err := DecodeMint(account.Data)
	if err != nil {
		return err
	}
	if current.IsInitialized {
		return xerrors.New(CodeAlreadyInitialized, fmt.Sprintf("mint %s already initialized", key))
	}
	return encodeInto(account.Data, &Mint{MintAuthority: authority, Decimals: decimals, IsInitialized: true})
}

func initializeAccount(ic *ledger.InvokeContext) error {
	key, account, err := ownedAccount(ic, 0)
	if err != nil {
		return err
	}
	if len(account.Data) < AccountSize {
		return xerrors.New(ledger.CodeInvalidAccountData, fmt.Sprintf("token account %s too small", key))
	}
	current, err := DecodeHolding(account.Data)
	if err != nil {
		return err
	}
	if current.IsInitialized {
		return xerrors.New(CodeAlreadyInitialized, fmt.Sprintf("token account %s already initialized", key))
	}
	mintKey, _, _, err := loadMint(ic, 1)
	if err != nil {
		return err
	}
	ownerMeta, _, err := ic.AccountAt(2)
	if err != nil {
		return err
	}
	return encodeInto(account.Data, &Holding{Mint: mintKey, Owner: ownerMeta.PublicKey, IsInitialized: true})
}

func mintTo(ic *ledger.InvokeContext, amount uint64) error {
	mintKey, mintAccount, mint, err := loadMint(ic, 0)
	if err != nil {
		return err
	}
	destKey, destAccount, dest, err := loadHolding(ic, 1)
	if err != nil {
		return err
	}
	if !dest.Mint.Equals(mintKey) {
		return xerrors.New(CodeMintMismatch, fmt.Sprintf("token account %s holds %s, not %s", destKey, dest.Mint, mintKey))
	}
	if err := requireSigner(ic, 2, mint.MintAuthority); err != nil {
		return err
	}
	if mint.Supply+amount < mint.Supply || dest.Amount+amount < dest.Amount {
		return ErrOverflow
	}
	mint.Supply += amount
	dest.Amount += amount
	if err := encodeInto(mintAccount.Data, mint); err != nil {
		return err
	}
	ic.Logf("mint %d of %s to %s", amount, mintKey, destKey)
	return encodeInto(destAccount.Data, dest)
}

func transfer(ic *ledger.InvokeContext, amount uint64) error {
	srcKey, srcAccount, src, err := loadHolding(ic, 0)
	if err != nil {
		return err
	}
	dstKey, dstAccount, dst, err := loadHolding(ic, 1)
	if err != nil {
		return err
	}
	if !src.Mint.Equals(dst.Mint) {
		return xerrors.New(CodeMintMismatch, fmt.Sprintf("%s and %s hold different mints", srcKey, dstKey))
	}
	if err := requireSigner(ic, 2, src.Owner); err != nil {
		return err
	}
	if src.Amount < amount {
		return xerrors.New(CodeInsufficientFunds, fmt.Sprintf("%s holds %d, need %d", srcKey, src.Amount, amount))
	}
	if srcKey.Equals(dstKey) {
		return nil
	}
	if dst.Amount+amount < dst.Amount {
		return ErrOverflow
	}
	src.Amount -= amount
	dst.Amount += amount
	if err := encodeInto(srcAccount.Data, src); err != nil {
		return err
	}
	return encodeInto(dstAccount.Data, dst)
}

// InitializeMint builds an instruction initialising mint with authority.
func InitializeMint(mint, authority solana.PublicKey, decimals uint8) solana.Instruction {
	return tokenix.NewInitializeMintInstruction(decimals, authority, solana.PublicKey{}, mint, solana.SysVarRentPubkey).Build()
}

// InitializeAccount builds an instruction initialising a token account.
func InitializeAccount(account, mint, owner solana.PublicKey) solana.Instruction {
	return tokenix.NewInitializeAccountInstruction(account, mint, owner, solana.SysVarRentPubkey).Build()
}

// MintTo builds an instruction minting amount to dest.
func MintTo(mint, dest, authority solana.PublicKey, amount uint64) solana.Instruction {
	return tokenix.NewMintToInstruction(amount, mint, dest, authority, nil).Build()
}

// Transfer builds an instruction moving amount from src to dst.
func Transfer(src, dst, owner solana.PublicKey, amount uint64) solana.Instruction {
	return tokenix.NewTransferInstruction(amount, src, dst, owner, nil).Build()
}
