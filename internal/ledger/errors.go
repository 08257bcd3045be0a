package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	xerrors "Treasury-Relay/internal/errors"
)

const (
	CodeSignatureFailure    xerrors.Code = "SIGNATURE_FAILURE"
	CodeMissingSignature    xerrors.Code = "MISSING_REQUIRED_SIGNATURE"
	CodeMissingAccount      xerrors.Code = "MISSING_ACCOUNT"
	CodePrivilegeEscalation xerrors.Code = "PRIVILEGE_ESCALATION"
	CodeReadonlyModified    xerrors.Code = "READONLY_ACCOUNT_MODIFIED"
	CodeExternalModified    xerrors.Code = "EXTERNAL_ACCOUNT_MODIFIED"
	CodeUnbalanced          xerrors.Code = "UNBALANCED_INSTRUCTION"
	CodeInsufficientFunds   xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeRentNotExempt       xerrors.Code = "INSUFFICIENT_FUNDS_FOR_RENT"
	CodeUnknownProgram      xerrors.Code = "UNKNOWN_PROGRAM"
	CodeReentrancy          xerrors.Code = "REENTRANCY_NOT_ALLOWED"
	CodeCallDepth           xerrors.Code = "CALL_DEPTH_EXCEEDED"
	CodeAlreadyProcessed    xerrors.Code = "ALREADY_PROCESSED"
	CodeInvalidData         xerrors.Code = "INVALID_INSTRUCTION_DATA"
	CodeInvalidAccountData  xerrors.Code = "INVALID_ACCOUNT_DATA"
	CodeAccountInUse        xerrors.Code = "ACCOUNT_ALREADY_IN_USE"
	CodeNotEnoughKeys       xerrors.Code = "NOT_ENOUGH_ACCOUNT_KEYS"
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeSignatureFailure:    {Message: "transaction signature verification failed", Severity: xerrors.SeverityWarning, Alert: true},
		CodeMissingSignature:    {Message: "missing required signature", Severity: xerrors.SeverityWarning},
		CodeMissingAccount:      {Message: "account not provided to instruction", Severity: xerrors.SeverityInfo},
		CodePrivilegeEscalation: {Message: "cross-program invocation escalated privileges", Severity: xerrors.SeverityCritical, Alert: true},
		CodeReadonlyModified:    {Message: "instruction modified a read-only account", Severity: xerrors.SeverityCritical, Alert: true},
		CodeExternalModified:    {Message: "instruction modified an account it does not own", Severity: xerrors.SeverityCritical, Alert: true},
		CodeUnbalanced:          {Message: "sum of account balances changed", Severity: xerrors.SeverityCritical, Alert: true},
		CodeInsufficientFunds:   {Message: "insufficient funds", Severity: xerrors.SeverityInfo},
		CodeRentNotExempt:       {Message: "account would not be rent exempt", Severity: xerrors.SeverityInfo},
		CodeUnknownProgram:      {Message: "unknown program", Severity: xerrors.SeverityWarning},
		CodeReentrancy:          {Message: "program reentrancy not allowed", Severity: xerrors.SeverityCritical, Alert: true},
		CodeCallDepth:           {Message: "cross-program invocation depth exceeded", Severity: xerrors.SeverityWarning},
		CodeAlreadyProcessed:    {Message: "transaction already processed", Severity: xerrors.SeverityInfo},
		CodeInvalidData:         {Message: "invalid instruction data", Severity: xerrors.SeverityInfo},
		CodeInvalidAccountData:  {Message: "invalid account data", Severity: xerrors.SeverityInfo},
		CodeAccountInUse:        {Message: "account already in use", Severity: xerrors.SeverityInfo},
		CodeNotEnoughKeys:       {Message: "not enough account keys", Severity: xerrors.SeverityInfo},
	} {
		xerrors.Register(code, attr)
	}
}

// Sentinel values for errors.Is comparisons; matching is by code.
var (
	ErrSignatureFailure    = xerrors.New(CodeSignatureFailure, "")
	ErrMissingSignature    = xerrors.New(CodeMissingSignature, "")
	ErrMissingAccount      = xerrors.New(CodeMissingAccount, "")
	ErrPrivilegeEscalation = xerrors.New(CodePrivilegeEscalation, "")
	ErrReadonlyModified    = xerrors.New(CodeReadonlyModified, "")
	ErrExternalModified    = xerrors.New(CodeExternalModified, "")
	ErrUnbalanced          = xerrors.New(CodeUnbalanced, "")
	ErrInsufficientFunds   = xerrors.New(CodeInsufficientFunds, "")
	ErrRentNotExempt       = xerrors.New(CodeRentNotExempt, "")
	ErrUnknownProgram      = xerrors.New(CodeUnknownProgram, "")
	ErrReentrancy          = xerrors.New(CodeReentrancy, "")
	ErrCallDepth           = xerrors.New(CodeCallDepth, "")
	ErrAlreadyProcessed    = xerrors.New(CodeAlreadyProcessed, "")
	ErrInvalidData         = xerrors.New(CodeInvalidData, "")
	ErrInvalidAccountData  = xerrors.New(CodeInvalidAccountData, "")
	ErrAccountInUse        = xerrors.New(CodeAccountInUse, "")
	ErrNotEnoughKeys       = xerrors.New(CodeNotEnoughKeys, "")
)

func accountErr(code xerrors.Code, key solana.PublicKey, format string, args ...any) error {
	return xerrors.New(code, fmt.Sprintf(format, args...), xerrors.WithMetadata("account", key.String()))
}

// TransactionError reports which top-level instruction aborted a transaction.
// It unwraps to the program's error so errors.Is and xerrors.CodeOf see the
// original code.
type TransactionError struct {
	Index int
	Err   error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("instruction %d: %v", e.Index, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func notEnoughKeys(index, have int) error {
	return xerrors.New(CodeNotEnoughKeys, fmt.Sprintf("account index %d out of range (%d accounts)", index, have))
}
