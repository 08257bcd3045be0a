package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"

	"Treasury-Relay/internal/authority"
	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/ledger"
	"Treasury-Relay/internal/relay"
	"Treasury-Relay/internal/treasury"
	"Treasury-Relay/pkg/logger"
)

// statusOf 把错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, relay.CodeJobValidation,
		ledger.CodeInvalidData, authority.CodeBumpMismatch:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized, ledger.CodeMissingSignature:
		return http.StatusForbidden
	case xerrors.CodeNotFound, relay.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, relay.CodeJobConflict, relay.CodeJobCompleted,
		treasury.CodeAlreadyInitialized, treasury.CodeAlreadyExecuted,
		ledger.CodeAlreadyProcessed, ledger.CodeAccountInUse:
		return http.StatusConflict
	case treasury.CodeTargetMismatch, treasury.CodeAccountMismatch, treasury.CodeStorageExhausted,
		xerrors.CodeLedgerFailure, ledger.CodeInsufficientFunds, ledger.CodeRentNotExempt,
		ledger.CodePrivilegeEscalation, ledger.CodeReadonlyModified, ledger.CodeExternalModified,
		ledger.CodeUnbalanced, ledger.CodeMissingAccount, ledger.CodeNotEnoughKeys,
		ledger.CodeUnknownProgram, ledger.CodeReentrancy, ledger.CodeCallDepth:
		return http.StatusUnprocessableEntity
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 输出统一的错误体，5xx 额外记录日志。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := errorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Message = e.Message()
		resp.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	writeJSON(w, status, resp)
}
