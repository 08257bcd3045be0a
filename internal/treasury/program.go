// Package treasury 实现治理程序：全局唯一的治理者记录指定唯一的提案人，
// 提案在执行前冻结被委托的指令，执行引擎以金库派生地址作为签名者转发该指令。
package treasury

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"Treasury-Relay/internal/authority"
	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/ledger"
	"Treasury-Relay/internal/programs/system"
)

// Program 是治理程序在账本中的实现。
type Program struct{}

// New 返回治理程序实例。
func New() *Program {
	return &Program{}
}

// ID 实现 ledger.Program。
func (p *Program) ID() solana.PublicKey {
	return ProgramID
}

// Process 实现 ledger.Program。
func (p *Program) Process(ic *ledger.InvokeContext, data []byte) error {
	if len(data) < discriminatorLen {
		return xerrors.New(ledger.CodeInvalidData, "instruction data shorter than discriminator")
	}
	args := data[discriminatorLen:]
	switch {
	case hasTag(data, initializeTag):
		ic.Logf("Instruction: Initialize")
		return nil
	case hasTag(data, createGovernorTag):
		ic.Logf("Instruction: CreateGovernor")
		var in createGovernorArgs
		if err := decodeArgs(args, &in); err != nil {
			return xerrors.Wrap(ledger.CodeInvalidData, err, "decode create_governor")
		}
		return createGovernor(ic, in.Bump)
	case hasTag(data, createTransactionTag):
		ic.Logf("Instruction: CreateTransaction")
		var in createTransactionArgs
		if err := decodeArgs(args, &in); err != nil {
			return xerrors.Wrap(ledger.CodeInvalidData, err, "decode create_transaction")
		}
		return createTransaction(ic, &in)
	case hasTag(data, executeTransactionTag):
		ic.Logf("Instruction: ExecuteTransaction")
		var in executeTransactionArgs
		if err := decodeArgs(args, &in); err != nil {
			return xerrors.Wrap(ledger.CodeInvalidData, err, "decode execute_transaction")
		}
		return executeTransaction(ic, in.VaultBump)
	case hasTag(data, executeInstructionTag):
		ic.Logf("Instruction: ExecuteInstruction")
		var in executeInstructionArgs
		if err := decodeArgs(args, &in); err != nil {
			return xerrors.Wrap(ledger.CodeInvalidData, err, "decode execute_instruction")
		}
		return executeInstruction(ic, &in)
	default:
		return xerrors.New(ledger.CodeInvalidData, "unknown instruction discriminator")
	}
}

// createGovernor 通过委托调用系统程序分配治理者账户，并写入创建者与 bump。
func createGovernor(ic *ledger.InvokeContext, bump uint8) error {
	creator, _, err := ic.AccountAt(0)
	if err != nil {
		return err
	}
	if !creator.IsSigner {
		return unauthorized(creator.PublicKey, "creator must sign")
	}
	governorMeta, governor, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	if err := authority.Check(authority.SeedGovernor, ProgramID, bump, governorMeta.PublicKey); err != nil {
		return err
	}
	if governor.Owner.Equals(ProgramID) {
		return xerrors.New(CodeAlreadyInitialized, fmt.Sprintf("governor %s already exists", governorMeta.PublicKey))
	}
	if !governor.IsUninitialized() {
		return mismatch(governorMeta.PublicKey, "governor address %s is held by another program", governorMeta.PublicKey)
	}

	seeds := authority.Seeds(authority.SeedGovernor, bump)
	required := ic.Rent().MinimumBalance(GovernorSpace)
	if governor.Lamports == 0 {
		create := system.CreateAccount(creator.PublicKey, governorMeta.PublicKey, ProgramID, required, GovernorSpace)
		if err := ic.Invoke(create, seeds); err != nil {
			return err
		}
	} else {
		// 地址已被预先转入 lamports：补足租金后分配空间并转移归属。
		if governor.Lamports < required {
			topUp := system.Transfer(creator.PublicKey, governorMeta.PublicKey, required-governor.Lamports)
			if err := ic.Invoke(topUp); err != nil {
				return err
			}
		}
		if err := ic.Invoke(system.Allocate(governorMeta.PublicKey, GovernorSpace), seeds); err != nil {
			return err
		}
		if err := ic.Invoke(system.Assign(governorMeta.PublicKey, ProgramID), seeds); err != nil {
			return err
		}
	}
	return writeRecord(governor.Data, governorDiscriminator, &Governor{Creator: creator.PublicKey, Bump: bump})
}

// loadGovernor 读取并校验治理者账户：归属本程序、可解析、地址与存储的 bump 一致。
func loadGovernor(ic *ledger.InvokeContext, index int) (solana.PublicKey, *Governor, error) {
	meta, account, err := ic.AccountAt(index)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	if !account.Owner.Equals(ProgramID) {
		return solana.PublicKey{}, nil, mismatch(meta.PublicKey, "governor %s is not owned by the program", meta.PublicKey)
	}
	governor, err := DecodeGovernor(account.Data)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	if err := authority.Check(authority.SeedGovernor, ProgramID, governor.Bump, meta.PublicKey); err != nil {
		return solana.PublicKey{}, nil, err
	}
	return meta.PublicKey, governor, nil
}

// createTransaction 把委托指令冻结到客户端预先分配的提案账户中。
func createTransaction(ic *ledger.InvokeContext, in *createTransactionArgs) error {
	creator, _, err := ic.AccountAt(0)
	if err != nil {
		return err
	}
	proposalMeta, proposal, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	governorKey, governor, err := loadGovernor(ic, 2)
	if err != nil {
		return err
	}
	if !creator.PublicKey.Equals(governor.Creator) {
		return unauthorized(creator.PublicKey, "%s is not the governor's creator", creator.PublicKey)
	}
	if !creator.IsSigner {
		return unauthorized(creator.PublicKey, "creator must sign")
	}
	if !proposal.Owner.Equals(ProgramID) {
		return mismatch(proposalMeta.PublicKey, "proposal account %s is not owned by the program", proposalMeta.PublicKey)
	}
	for _, b := range proposal.Data {
		if b != 0 {
			return xerrors.New(CodeAlreadyInitialized, fmt.Sprintf("proposal %s already initialized", proposalMeta.PublicKey))
		}
	}

	record := &Proposal{
		Governor:  governorKey,
		Creator:   creator.PublicKey,
		ProgramID: in.ProgramID,
		Accounts:  in.Accounts,
		Data:      in.Data,
	}
	if err := writeRecord(proposal.Data, proposalDiscriminator, record); err != nil {
		return err
	}
	ic.Logf("proposal %s targets %s with %d accounts", proposalMeta.PublicKey, in.ProgramID, len(in.Accounts))
	return nil
}

// executeTransaction 校验执行时传入的账户与存储的提案完全一致，
// 先标记已执行，再以金库派生地址签名发起委托调用。
func executeTransaction(ic *ledger.InvokeContext, vaultBump uint8) error {
	proposalMeta, account, err := ic.AccountAt(0)
	if err != nil {
		return err
	}
	governorKey, _, err := loadGovernor(ic, 1)
	if err != nil {
		return err
	}
	vault, _, err := ic.AccountAt(2)
	if err != nil {
		return err
	}
	if err := authority.Check(authority.SeedTreasury, ProgramID, vaultBump, vault.PublicKey); err != nil {
		return err
	}
	if !account.Owner.Equals(ProgramID) {
		return mismatch(proposalMeta.PublicKey, "proposal %s is not owned by the program", proposalMeta.PublicKey)
	}
	proposal, err := DecodeProposal(account.Data)
	if err != nil {
		return err
	}
	if !proposal.Governor.Equals(governorKey) {
		return mismatch(governorKey, "proposal belongs to governor %s", proposal.Governor)
	}
	if proposal.Executed {
		return xerrors.New(CodeAlreadyExecuted, fmt.Sprintf("proposal %s already executed", proposalMeta.PublicKey))
	}
	if err := matchRemaining(ic.Accounts()[3:], proposal.ProgramID, proposal.Accounts); err != nil {
		return err
	}

	proposal.Executed = true
	if err := writeRecord(account.Data, proposalDiscriminator, proposal); err != nil {
		return err
	}
	ic.Logf("executing proposal %s via %s", proposalMeta.PublicKey, proposal.ProgramID)
	return ic.Invoke(proposal.Instruction(), authority.Seeds(authority.SeedTreasury, vaultBump))
}

// executeInstruction 不落盘，直接以 execute 派生地址签名转发指令，仅限创建者调用。
func executeInstruction(ic *ledger.InvokeContext, in *executeInstructionArgs) error {
	creator, _, err := ic.AccountAt(0)
	if err != nil {
		return err
	}
	_, governor, err := loadGovernor(ic, 1)
	if err != nil {
		return err
	}
	if !creator.PublicKey.Equals(governor.Creator) || !creator.IsSigner {
		return unauthorized(creator.PublicKey, "%s may not relay instructions", creator.PublicKey)
	}
	executor, _, err := ic.AccountAt(2)
	if err != nil {
		return err
	}
	if err := authority.Check(authority.SeedExecute, ProgramID, in.Bump, executor.PublicKey); err != nil {
		return err
	}
	if err := matchRemaining(ic.Accounts()[3:], in.ProgramID, in.Accounts); err != nil {
		return err
	}
	relayed := &Proposal{ProgramID: in.ProgramID, Accounts: in.Accounts, Data: in.Data}
	return ic.Invoke(relayed.Instruction(), authority.Seeds(authority.SeedExecute, in.Bump))
}

// matchRemaining 要求 remaining 恰好是存储的账户加上末尾的目标程序。
func matchRemaining(remaining []*solana.AccountMeta, target solana.PublicKey, stored []TransactionAccount) error {
	if len(remaining) != len(stored)+1 {
		return xerrors.New(CodeAccountMismatch,
			fmt.Sprintf("expected %d remaining accounts, got %d", len(stored)+1, len(remaining)))
	}
	if last := remaining[len(remaining)-1].PublicKey; !last.Equals(target) {
		return xerrors.New(CodeTargetMismatch, fmt.Sprintf("target %s, stored %s", last, target),
			xerrors.WithMetadata("account", last.String()))
	}
	for i, acc := range stored {
		if !remaining[i].PublicKey.Equals(acc.Pubkey) {
			return xerrors.New(CodeAccountMismatch,
				fmt.Sprintf("account %d is %s, stored %s", i, remaining[i].PublicKey, acc.Pubkey),
				xerrors.WithMetadata("account", remaining[i].PublicKey.String()),
				xerrors.WithMetadata("index", fmt.Sprint(i)))
		}
	}
	return nil
}

func unauthorized(key solana.PublicKey, format string, args ...any) error {
	return xerrors.New(xerrors.CodeUnauthorized, fmt.Sprintf(format, args...), xerrors.WithMetadata("account", key.String()))
}

func mismatch(key solana.PublicKey, format string, args ...any) error {
	return xerrors.New(CodeAccountMismatch, fmt.Sprintf(format, args...), xerrors.WithMetadata("account", key.String()))
}
