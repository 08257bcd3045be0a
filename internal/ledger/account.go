package ledger

import (
	"bytes"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// NativeLoaderID owns the executable accounts of built-in programs.
var NativeLoaderID = solana.MustPublicKeyFromBase58("NativeLoader1111111111111111111111111111111")

// Account is the state stored under one address.
type Account struct {
	Lamports   uint64
	Owner      solana.PublicKey
	Executable bool
	Data       []byte
}

// NewSystemAccount returns an empty account owned by the system program.
func NewSystemAccount() *Account {
	return &Account{Owner: solana.SystemProgramID}
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	dup := *a
	if a.Data != nil {
		dup.Data = append([]byte(nil), a.Data...)
	}
	return &dup
}

// IsEmpty reports whether the account holds nothing and can be reclaimed.
func (a *Account) IsEmpty() bool {
	return a == nil || (a.Lamports == 0 && len(a.Data) == 0 && !a.Executable)
}

// IsUninitialized reports whether the account was never allocated or assigned.
func (a *Account) IsUninitialized() bool {
	return a.IsEmpty() || (len(a.Data) == 0 && a.Owner.Equals(solana.SystemProgramID) && !a.Executable)
}

// Equal compares every field.
func (a *Account) Equal(b *Account) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Lamports == b.Lamports &&
		a.Owner.Equals(b.Owner) &&
		a.Executable == b.Executable &&
		bytes.Equal(a.Data, b.Data)
}

func encodeAccount(a *Account) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeAccount(raw []byte) (*Account, error) {
	var a Account
	if err := bin.NewBorshDecoder(raw).Decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Rent computes the minimum balance that keeps an account with data alive.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionYears      uint64
}

// DefaultRent mirrors the mainnet parameters.
var DefaultRent = Rent{LamportsPerByteYear: 3480, ExemptionYears: 2}

const accountStorageOverhead = 128

// MinimumBalance returns the rent-exempt balance for an account of size bytes.
func (r Rent) MinimumBalance(size int) uint64 {
	return (accountStorageOverhead + uint64(size)) * r.LamportsPerByteYear * r.ExemptionYears
}

// IsExempt reports whether lamports cover an account of size bytes.
func (r Rent) IsExempt(lamports uint64, size int) bool {
	return lamports >= r.MinimumBalance(size)
}
