package token

import (
	"bytes"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/ledger"
)

// Account sizes clients allocate for token state.
const (
	MintSize    = 82
	AccountSize = 165
)

// Mint describes a token mint.
type Mint struct {
	MintAuthority solana.PublicKey
	Supply        uint64
	Decimals      uint8
	IsInitialized bool
}

// Holding is a token account: a balance of one mint controlled by Owner.
type Holding struct {
	Mint          solana.PublicKey
	Owner         solana.PublicKey
	Amount        uint64
	IsInitialized bool
}

func decode(data []byte, v any) error {
	if err := bin.NewBorshDecoder(data).Decode(v); err != nil {
		return xerrors.Wrap(ledger.CodeInvalidAccountData, err, "decode token state")
	}
	return nil
}

// encodeInto writes v at the start of data, which must be large enough.
func encodeInto(data []byte, v any) error {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(v); err != nil {
		return err
	}
	if buf.Len() > len(data) {
		return xerrors.New(ledger.CodeInvalidAccountData, "token state does not fit account")
	}
	copy(data, buf.Bytes())
	return nil
}

// DecodeMint parses mint account data.
func DecodeMint(data []byte) (*Mint, error) {
	var m Mint
	if err := decode(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeHolding parses token account data.
func DecodeHolding(data []byte) (*Holding, error) {
	var h Holding
	if err := decode(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
