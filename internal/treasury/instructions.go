package treasury

import (
	"bytes"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"Treasury-Relay/internal/authority"
)

// 指令名称，用于日志与判别符计算。
const (
	InstructionInitialize         = "initialize"
	InstructionCreateGovernor     = "create_governor"
	InstructionCreateTransaction  = "create_transaction"
	InstructionExecuteTransaction = "execute_transaction"
	InstructionExecuteInstruction = "execute_instruction"
)

var (
	initializeTag         = discriminator("global", InstructionInitialize)
	createGovernorTag     = discriminator("global", InstructionCreateGovernor)
	createTransactionTag  = discriminator("global", InstructionCreateTransaction)
	executeTransactionTag = discriminator("global", InstructionExecuteTransaction)
	executeInstructionTag = discriminator("global", InstructionExecuteInstruction)
)

type createGovernorArgs struct {
	Bump uint8
}

type createTransactionArgs struct {
	ProgramID solana.PublicKey
	Accounts  []TransactionAccount
	Data      []byte
}

type executeTransactionArgs struct {
	VaultBump uint8
}

type executeInstructionArgs struct {
	Bump      uint8
	ProgramID solana.PublicKey
	Accounts  []TransactionAccount
	Data      []byte
}

func encodeInstruction(tag [discriminatorLen]byte, args any) ([]byte, error) {
	return encodeRecord(tag, args)
}

// Initialize 构造空操作指令。
func Initialize() solana.Instruction {
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{}, append([]byte(nil), initializeTag[:]...))
}

// CreateGovernor 构造创建全局治理者记录的指令，creator 成为唯一的提案人。
func CreateGovernor(creator solana.PublicKey, governor authority.Authority) (solana.Instruction, error) {
	data, err := encodeInstruction(createGovernorTag, &createGovernorArgs{Bump: governor.Bump})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(creator, true, true),
		solana.NewAccountMeta(governor.Address, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

// CreateTransaction 构造把 target 冻结到预先分配的提案账户中的指令。
func CreateTransaction(creator, proposal, governor solana.PublicKey, target solana.Instruction) (solana.Instruction, error) {
	payload, err := target.Data()
	if err != nil {
		return nil, err
	}
	data, err := encodeInstruction(createTransactionTag, &createTransactionArgs{
		ProgramID: target.ProgramID(),
		Accounts:  DescribeAccounts(target.Accounts()),
		Data:      payload,
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(creator, false, true),
		solana.NewAccountMeta(proposal, true, false),
		solana.NewAccountMeta(governor, false, false),
	}, data), nil
}

// RemainingAccounts 列出执行时必须附带的账户：按存储的描述依次排列，
// 派生地址所在槽位降为非签名者（交易无法携带其签名），末尾追加目标程序。
func RemainingAccounts(accounts []TransactionAccount, target solana.PublicKey, derived ...solana.PublicKey) solana.AccountMetaSlice {
	out := make(solana.AccountMetaSlice, 0, len(accounts)+1)
	for _, acc := range accounts {
		signer := acc.IsSigner
		for _, d := range derived {
			if d.Equals(acc.Pubkey) {
				signer = false
			}
		}
		out = append(out, solana.NewAccountMeta(acc.Pubkey, acc.IsWritable, signer))
	}
	return append(out, solana.NewAccountMeta(target, false, false))
}

// ExecuteTransaction 构造以金库派生地址签名执行已存储提案的指令。
func ExecuteTransaction(proposalKey solana.PublicKey, proposal *Proposal, vault authority.Authority) (solana.Instruction, error) {
	data, err := encodeInstruction(executeTransactionTag, &executeTransactionArgs{VaultBump: vault.Bump})
	if err != nil {
		return nil, err
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(proposalKey, true, false),
		solana.NewAccountMeta(proposal.Governor, false, false),
		solana.NewAccountMeta(vault.Address, true, false),
	}
	metas = append(metas, RemainingAccounts(proposal.Accounts, proposal.ProgramID, vault.Address)...)
	return solana.NewInstruction(ProgramID, metas, data), nil
}

// ExecuteInstruction 构造由 execute 派生地址签名、立即转发 target 的指令，
// 只有治理者的创建者可以发送。
func ExecuteInstruction(creator, governor solana.PublicKey, executor authority.Authority, target solana.Instruction) (solana.Instruction, error) {
	payload, err := target.Data()
	if err != nil {
		return nil, err
	}
	accounts := DescribeAccounts(target.Accounts())
	data, err := encodeInstruction(executeInstructionTag, &executeInstructionArgs{
		Bump:      executor.Bump,
		ProgramID: target.ProgramID(),
		Accounts:  accounts,
		Data:      payload,
	})
	if err != nil {
		return nil, err
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(creator, false, true),
		solana.NewAccountMeta(governor, false, false),
		solana.NewAccountMeta(executor.Address, true, false),
	}
	metas = append(metas, RemainingAccounts(accounts, target.ProgramID(), executor.Address)...)
	return solana.NewInstruction(ProgramID, metas, data), nil
}

func decodeArgs(data []byte, v any) error {
	return bin.NewBorshDecoder(data).Decode(v)
}

func hasTag(data []byte, tag [discriminatorLen]byte) bool {
	return len(data) >= discriminatorLen && bytes.Equal(data[:discriminatorLen], tag[:])
}
