package treasury

import (
	"Treasury-Relay/internal/authority"
	xerrors "Treasury-Relay/internal/errors"
)

const (
	CodeAlreadyInitialized xerrors.Code = "ALREADY_INITIALIZED"
	CodeAlreadyExecuted    xerrors.Code = "ALREADY_EXECUTED"
	CodeTargetMismatch     xerrors.Code = "TARGET_MISMATCH"
	CodeAccountMismatch    xerrors.Code = "ACCOUNT_MISMATCH"
	CodeStorageExhausted   xerrors.Code = "STORAGE_EXHAUSTED"
)

func init() {
	xerrors.Register(CodeAlreadyInitialized, xerrors.Attributes{
		Message:  "governor or proposal already initialized",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAlreadyExecuted, xerrors.Attributes{
		Message:  "proposal already executed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTargetMismatch, xerrors.Attributes{
		Message:  "target program differs from the stored proposal",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeAccountMismatch, xerrors.Attributes{
		Message:  "accounts differ from the stored proposal",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeStorageExhausted, xerrors.Attributes{
		Message:  "proposal does not fit its account",
		Severity: xerrors.SeverityInfo,
	})
}

// 供 errors.Is 比较使用，按错误码匹配。
var (
	ErrAlreadyInitialized = xerrors.New(CodeAlreadyInitialized, "")
	ErrAlreadyExecuted    = xerrors.New(CodeAlreadyExecuted, "")
	ErrTargetMismatch     = xerrors.New(CodeTargetMismatch, "")
	ErrAccountMismatch    = xerrors.New(CodeAccountMismatch, "")
	ErrStorageExhausted   = xerrors.New(CodeStorageExhausted, "")
	ErrUnauthorized       = xerrors.New(xerrors.CodeUnauthorized, "")
	ErrBumpMismatch       = authority.ErrBumpMismatch
)
