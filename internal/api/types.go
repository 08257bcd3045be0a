package api

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gagliardetto/solana-go"

	"Treasury-Relay/internal/chain"
	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/treasury"
)

// accountMeta 是指令账户槽位的 JSON 表示。
type accountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

// instructionRequest 描述一条待委托的指令，data 使用 0x 前缀十六进制。
type instructionRequest struct {
	ProgramID string        `json:"program_id"`
	Accounts  []accountMeta `json:"accounts"`
	Data      hexutil.Bytes `json:"data"`
}

// toInstruction 校验地址并构造指令。
func (req instructionRequest) toInstruction() (solana.Instruction, error) {
	programID, err := solana.PublicKeyFromBase58(req.ProgramID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "program_id 无效")
	}
	metas := make(solana.AccountMetaSlice, 0, len(req.Accounts))
	for i, acc := range req.Accounts {
		key, err := solana.PublicKeyFromBase58(acc.Pubkey)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("accounts[%d] 地址无效", i))
		}
		metas = append(metas, solana.NewAccountMeta(key, acc.IsWritable, acc.IsSigner))
	}
	return solana.NewInstruction(programID, metas, []byte(req.Data)), nil
}

type receiptResponse struct {
	Signature string   `json:"signature"`
	Slot      uint64   `json:"slot"`
	Logs      []string `json:"logs,omitempty"`
}

func newReceiptResponse(r *chain.Receipt) receiptResponse {
	return receiptResponse{Signature: r.Signature.String(), Slot: r.Slot, Logs: r.Logs}
}

type governorResponse struct {
	Address      string `json:"address"`
	Creator      string `json:"creator"`
	Bump         uint8  `json:"bump"`
	Vault        string `json:"vault"`
	VaultBump    uint8  `json:"vault_bump"`
	VaultBalance uint64 `json:"vault_balance"`
	Executor     string `json:"executor"`
}

type proposalCreatedResponse struct {
	Address string          `json:"address"`
	Receipt receiptResponse `json:"receipt"`
}

type proposalResponse struct {
	Address   string        `json:"address"`
	Governor  string        `json:"governor"`
	Creator   string        `json:"creator"`
	ProgramID string        `json:"program_id"`
	Accounts  []accountMeta `json:"accounts"`
	Data      hexutil.Bytes `json:"data"`
	Executed  bool          `json:"executed"`
}

func newProposalResponse(address solana.PublicKey, p *treasury.Proposal) proposalResponse {
	accounts := make([]accountMeta, 0, len(p.Accounts))
	for _, acc := range p.Accounts {
		accounts = append(accounts, accountMeta{Pubkey: acc.Pubkey.String(), IsSigner: acc.IsSigner, IsWritable: acc.IsWritable})
	}
	return proposalResponse{
		Address:   address.String(),
		Governor:  p.Governor.String(),
		Creator:   p.Creator.String(),
		ProgramID: p.ProgramID.String(),
		Accounts:  accounts,
		Data:      hexutil.Bytes(p.Data),
		Executed:  p.Executed,
	}
}

type executeRequest struct {
	// ID 可选，用于幂等提交。
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

type accountResponse struct {
	Address     string  `json:"address"`
	Exists      bool    `json:"exists"`
	Lamports    uint64  `json:"lamports"`
	Owner       string  `json:"owner,omitempty"`
	Executable  bool    `json:"executable"`
	DataLen     int     `json:"data_len"`
	TokenAmount *uint64 `json:"token_amount,omitempty"`
}

type errorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
