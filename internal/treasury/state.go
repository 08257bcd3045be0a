package treasury

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	xerrors "Treasury-Relay/internal/errors"
)

// ProgramID 是治理程序的地址。
var ProgramID = solana.MustPublicKeyFromBase58("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")

const discriminatorLen = 8

const (
	// GovernorSpace 是治理者记录的字节数：标识 + creator + bump。
	GovernorSpace = discriminatorLen + 32 + 1
	// ProposalSpace 是客户端为单个提案预留的默认空间。
	ProposalSpace = 1000
)

var (
	governorDiscriminator = discriminator("account", "Governor")
	proposalDiscriminator = discriminator("account", "Transaction")
)

func discriminator(namespace, name string) [discriminatorLen]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var out [discriminatorLen]byte
	copy(out[:], sum[:discriminatorLen])
	return out
}

// Governor 是全局唯一的治理者记录，创建后不可修改。
type Governor struct {
	Creator solana.PublicKey
	Bump    uint8
}

// TransactionAccount 描述被委托指令的一个账户槽位。
type TransactionAccount struct {
	Pubkey     solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

// Proposal 是待执行的委托指令。目标、账户与数据创建后不变，只有 Executed 会被置位一次。
type Proposal struct {
	Governor  solana.PublicKey
	Creator   solana.PublicKey
	ProgramID solana.PublicKey
	Accounts  []TransactionAccount
	Data      []byte
	Executed  bool
}

// Instruction 按存储的描述重建被委托的指令。
func (p *Proposal) Instruction() solana.Instruction {
	metas := make(solana.AccountMetaSlice, 0, len(p.Accounts))
	for _, acc := range p.Accounts {
		metas = append(metas, solana.NewAccountMeta(acc.Pubkey, acc.IsWritable, acc.IsSigner))
	}
	return solana.NewInstruction(p.ProgramID, metas, append([]byte(nil), p.Data...))
}

// DescribeAccounts 把指令的账户列表转换成可存储的描述。
func DescribeAccounts(metas []*solana.AccountMeta) []TransactionAccount {
	out := make([]TransactionAccount, 0, len(metas))
	for _, m := range metas {
		out = append(out, TransactionAccount{Pubkey: m.PublicKey, IsSigner: m.IsSigner, IsWritable: m.IsWritable})
	}
	return out
}

func encodeRecord(disc [discriminatorLen]byte, v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(disc[:])
	if err := bin.NewBorshEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte, disc [discriminatorLen]byte, v any) error {
	if len(data) < discriminatorLen || !bytes.Equal(data[:discriminatorLen], disc[:]) {
		return xerrors.New(CodeAccountMismatch, "account discriminator mismatch")
	}
	if err := bin.NewBorshDecoder(data[discriminatorLen:]).Decode(v); err != nil {
		return xerrors.Wrap(CodeAccountMismatch, err, "decode account record")
	}
	return nil
}

// writeRecord 把记录写入账户数据的开头，超出预留空间时返回 STORAGE_EXHAUSTED。
func writeRecord(dst []byte, disc [discriminatorLen]byte, v any) error {
	raw, err := encodeRecord(disc, v)
	if err != nil {
		return err
	}
	if len(raw) > len(dst) {
		return xerrors.New(CodeStorageExhausted, fmt.Sprintf("record needs %d bytes, account holds %d", len(raw), len(dst)))
	}
	copy(dst, raw)
	return nil
}

// DecodeGovernor 解析治理者账户数据。
func DecodeGovernor(data []byte) (*Governor, error) {
	var g Governor
	if err := decodeRecord(data, governorDiscriminator, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// DecodeProposal 解析提案账户数据。
func DecodeProposal(data []byte) (*Proposal, error) {
	var p Proposal
	if err := decodeRecord(data, proposalDiscriminator, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodedProposalSize 返回提案序列化后的字节数，客户端据此判断预留空间是否足够。
func EncodedProposalSize(p *Proposal) (int, error) {
	raw, err := encodeRecord(proposalDiscriminator, p)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}
