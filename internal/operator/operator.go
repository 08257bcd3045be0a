// Package operator 持有治理者创建者的密钥，负责构造、签名并提交治理程序的交易，
// 同时把提案写入提案日志。中继处理器通过它执行已存储的提案。
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gagliardetto/solana-go"

	"Treasury-Relay/internal/authority"
	"Treasury-Relay/internal/chain"
	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/programs/system"
	"Treasury-Relay/internal/storage/sqlstore"
	"Treasury-Relay/internal/treasury"
	"Treasury-Relay/pkg/logger"
)

// Config 描述 Operator 的依赖。
type Config struct {
	Client chain.Client
	Key    solana.PrivateKey
	// Proposals 为空时不记录提案日志。
	Proposals sqlstore.ProposalRepository
	Logger    *slog.Logger
}

// Operator 以创建者身份与治理程序交互。
type Operator struct {
	client    chain.Client
	key       solana.PrivateKey
	addrs     treasury.Addresses
	proposals sqlstore.ProposalRepository
	logger    *slog.Logger
}

// New 校验依赖并派生治理地址。
func New(cfg Config) (*Operator, error) {
	if cfg.Client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain client is required")
	}
	if len(cfg.Key) != 64 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "operator key is required")
	}
	addrs, err := treasury.DeriveAddresses()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("operator")
	}
	return &Operator{
		client:    cfg.Client,
		key:       cfg.Key,
		addrs:     addrs,
		proposals: cfg.Proposals,
		logger:    log,
	}, nil
}

// Creator 返回创建者公钥。
func (o *Operator) Creator() solana.PublicKey {
	return o.key.PublicKey()
}

// Addresses 返回治理者、金库与执行者的派生地址。
func (o *Operator) Addresses() treasury.Addresses {
	return o.addrs
}

// Vault 返回金库权限。
func (o *Operator) Vault() authority.Authority {
	return o.addrs.Vault
}

// Initialize 调用无状态的 initialize 指令，确认程序可用。
func (o *Operator) Initialize(ctx context.Context) (*chain.Receipt, error) {
	return o.send(ctx, nil, treasury.Initialize())
}

// CreateGovernor 创建单例治理者，记录当前密钥为创建者。
func (o *Operator) CreateGovernor(ctx context.Context) (*chain.Receipt, error) {
	ix, err := treasury.CreateGovernor(o.Creator(), o.addrs.Governor)
	if err != nil {
		return nil, err
	}
	receipt, err := o.send(ctx, nil, ix)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("governor created",
		slog.String("governor", o.addrs.Governor.Address.String()),
		slog.String("creator", o.Creator().String()),
		slog.String("signature", receipt.Signature.String()))
	return receipt, nil
}

// Governor 读取治理者记录，尚未创建时返回 NOT_FOUND。
func (o *Operator) Governor(ctx context.Context) (*treasury.Governor, error) {
	info, err := o.client.Account(ctx, o.addrs.Governor.Address)
	if err != nil {
		return nil, err
	}
	if info == nil || !info.Owner.Equals(treasury.ProgramID) {
		return nil, xerrors.New(xerrors.CodeNotFound, "governor has not been created")
	}
	return treasury.DecodeGovernor(info.Data)
}

// Propose 在一笔交易内分配提案账户并写入被委托的指令，返回提案地址。
func (o *Operator) Propose(ctx context.Context, target solana.Instruction) (solana.PublicKey, *chain.Receipt, error) {
	if target == nil {
		return solana.PublicKey{}, nil, xerrors.New(xerrors.CodeInvalidArgument, "target instruction is required")
	}
	proposal, err := solana.NewRandomPrivateKey()
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("生成提案账户失败: %w", err)
	}
	lamports, err := o.client.MinimumBalanceForRentExemption(ctx, treasury.ProposalSpace)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	allocate := system.CreateAccount(o.Creator(), proposal.PublicKey(), treasury.ProgramID, lamports, treasury.ProposalSpace)
	create, err := treasury.CreateTransaction(o.Creator(), proposal.PublicKey(), o.addrs.Governor.Address, target)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	receipt, err := o.send(ctx, []solana.PrivateKey{proposal}, allocate, create)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}

	key := proposal.PublicKey()
	data, _ := target.Data()
	o.record(ctx, sqlstore.ProposalRecord{
		Address:   key.String(),
		Governor:  o.addrs.Governor.Address.String(),
		Creator:   o.Creator().String(),
		ProgramID: target.ProgramID().String(),
		Accounts:  len(target.Accounts()),
		Data:      hexutil.Encode(data),
		Signature: receipt.Signature.String(),
		CreatedAt: time.Now().Unix(),
	})
	logger.Audit().Info("proposal created",
		slog.String("proposal", key.String()),
		slog.String("program_id", target.ProgramID().String()),
		slog.Int("accounts", len(target.Accounts())),
		slog.String("signature", receipt.Signature.String()))
	return key, receipt, nil
}

// Proposal 从链上读取提案。
func (o *Operator) Proposal(ctx context.Context, key solana.PublicKey) (*treasury.Proposal, error) {
	info, err := o.client.Account(ctx, key)
	if err != nil {
		return nil, err
	}
	if info == nil || !info.Owner.Equals(treasury.ProgramID) {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("proposal %s not found", key))
	}
	return treasury.DecodeProposal(info.Data)
}

// ProposalExecuted 判断提案是否已经执行。
func (o *Operator) ProposalExecuted(ctx context.Context, key solana.PublicKey) (bool, error) {
	p, err := o.Proposal(ctx, key)
	if err != nil {
		return false, err
	}
	return p.Executed, nil
}

// Execute 以金库签名执行已存储的提案。
func (o *Operator) Execute(ctx context.Context, key solana.PublicKey) (*chain.Receipt, error) {
	p, err := o.Proposal(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.Executed {
		return nil, xerrors.New(treasury.CodeAlreadyExecuted, "", xerrors.WithMetadata("proposal", key.String()))
	}
	ix, err := treasury.ExecuteTransaction(key, p, o.addrs.Vault)
	if err != nil {
		return nil, err
	}
	receipt, err := o.send(ctx, nil, ix)
	if err != nil {
		return nil, err
	}
	if o.proposals != nil {
		if err := o.proposals.MarkExecuted(ctx, key.String(), receipt.Signature.String()); err != nil {
			o.logger.Warn("更新提案日志失败", slog.String("proposal", key.String()), slog.Any("error", err))
		}
	}
	logger.Audit().Info("proposal executed",
		slog.String("proposal", key.String()),
		slog.String("program_id", p.ProgramID.String()),
		slog.String("signature", receipt.Signature.String()),
		slog.Uint64("slot", receipt.Slot))
	return receipt, nil
}

// Relay 立即以执行者权限转发一条指令，不经过提案存储。
func (o *Operator) Relay(ctx context.Context, target solana.Instruction) (*chain.Receipt, error) {
	if target == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "target instruction is required")
	}
	ix, err := treasury.ExecuteInstruction(o.Creator(), o.addrs.Governor.Address, o.addrs.Executor, target)
	if err != nil {
		return nil, err
	}
	receipt, err := o.send(ctx, nil, ix)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("instruction relayed",
		slog.String("program_id", target.ProgramID().String()),
		slog.String("signature", receipt.Signature.String()))
	return receipt, nil
}

// ListProposals 返回提案日志中最近的记录。
func (o *Operator) ListProposals(ctx context.Context, limit int) ([]sqlstore.ProposalRecord, error) {
	if o.proposals == nil {
		return nil, nil
	}
	return o.proposals.ListLatest(ctx, limit)
}

func (o *Operator) record(ctx context.Context, record sqlstore.ProposalRecord) {
	if o.proposals == nil {
		return
	}
	if err := o.proposals.Save(ctx, record); err != nil {
		o.logger.Warn("写入提案日志失败", slog.String("proposal", record.Address), slog.Any("error", err))
	}
}

// send 以创建者为付费方签名并提交交易，extra 为额外签名者。
func (o *Operator) send(ctx context.Context, extra []solana.PrivateKey, ixs ...solana.Instruction) (*chain.Receipt, error) {
	hash, err := o.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewTransaction(ixs, hash, solana.TransactionPayer(o.Creator()))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造交易失败")
	}
	signers := append([]solana.PrivateKey{o.key}, extra...)
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "交易签名失败")
	}
	receipt, err := o.client.SendTransaction(ctx, tx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "提交交易超时")
		}
		return nil, err
	}
	o.logger.Debug("transaction committed",
		slog.String("signature", receipt.Signature.String()),
		slog.Uint64("slot", receipt.Slot))
	return receipt, nil
}
