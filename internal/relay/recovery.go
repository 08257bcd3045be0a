package relay

import (
	"context"

	"github.com/gagliardetto/solana-go"

	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/treasury"
)

// RecoveryHandler 定义了作业执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 返回非空结果时作业以该结果标记成功；返回 nil 则按失败流程处理。
	Recover(ctx context.Context, job *Job, cause error) (*ExecutionResult, error)
}

// ProposalChecker 查询提案是否已在链上执行。
type ProposalChecker interface {
	ProposalExecuted(ctx context.Context, proposal solana.PublicKey) (bool, error)
}

// ExecutedProposalRecovery 处理 ALREADY_EXECUTED：上一次尝试已经上链但未能回写
// 作业状态时，链上的执行标记即为成功的证据。首次尝试就遇到 ALREADY_EXECUTED
// 说明提案由其他作业执行，本作业保持失败。
type ExecutedProposalRecovery struct {
	Checker ProposalChecker
}

// Recover 实现 RecoveryHandler。
func (r ExecutedProposalRecovery) Recover(ctx context.Context, job *Job, cause error) (*ExecutionResult, error) {
	if r.Checker == nil || xerrors.CodeOf(cause) != treasury.CodeAlreadyExecuted {
		return nil, nil
	}
	if job.Attempts <= 1 {
		return nil, nil
	}
	key, err := solana.PublicKeyFromBase58(job.Proposal)
	if err != nil {
		return nil, xerrors.Wrap(CodeJobValidation, err, "提案地址无效")
	}
	executed, err := r.Checker.ProposalExecuted(ctx, key)
	if err != nil {
		return nil, err
	}
	if !executed {
		return nil, nil
	}
	return &ExecutionResult{Note: "proposal already executed on chain"}, nil
}
