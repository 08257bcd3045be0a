package token

import (
	xerrors "Treasury-Relay/internal/errors"
)

const (
	CodeOwnerMismatch      xerrors.Code = "TOKEN_OWNER_MISMATCH"
	CodeMintMismatch       xerrors.Code = "TOKEN_MINT_MISMATCH"
	CodeInsufficientFunds  xerrors.Code = "TOKEN_INSUFFICIENT_FUNDS"
	CodeUninitialized      xerrors.Code = "TOKEN_UNINITIALIZED"
	CodeAlreadyInitialized xerrors.Code = "TOKEN_ALREADY_INITIALIZED"
	CodeOverflow           xerrors.Code = "TOKEN_OVERFLOW"
	CodeInvalidAddress     xerrors.Code = "TOKEN_INVALID_ADDRESS"
)

func init() {
	xerrors.Register(CodeOwnerMismatch, xerrors.Attributes{Message: "owner does not match", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeMintMismatch, xerrors.Attributes{Message: "account not associated with this mint", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{Message: "insufficient token balance", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeUninitialized, xerrors.Attributes{Message: "token state is not initialized", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAlreadyInitialized, xerrors.Attributes{Message: "token state already initialized", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeOverflow, xerrors.Attributes{Message: "token amount overflow", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeInvalidAddress, xerrors.Attributes{Message: "associated token address mismatch", Severity: xerrors.SeverityInfo})
}

var (
	ErrOwnerMismatch      = xerrors.New(CodeOwnerMismatch, "")
	ErrMintMismatch       = xerrors.New(CodeMintMismatch, "")
	ErrInsufficientFunds  = xerrors.New(CodeInsufficientFunds, "")
	ErrUninitialized      = xerrors.New(CodeUninitialized, "")
	ErrAlreadyInitialized = xerrors.New(CodeAlreadyInitialized, "")
	ErrOverflow           = xerrors.New(CodeOverflow, "")
	ErrInvalidAddress     = xerrors.New(CodeInvalidAddress, "")
)
