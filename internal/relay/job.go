package relay

import (
	stdErrors "errors"

	xerrors "Treasury-Relay/internal/errors"
)

// Status 表示执行作业在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult 记录提案执行上链的结果。
type ExecutionResult struct {
	Signature string `json:"signature,omitempty"`
	Slot      uint64 `json:"slot,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Job 描述一次排队执行的提案。
type Job struct {
	ID         string            `json:"id"`
	Proposal   string            `json:"proposal"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	// Terminal 表示作业不会再被领取。
	Terminal  bool             `json:"terminal,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	Result    *ExecutionResult `json:"result,omitempty"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

// Request 是提交作业的参数。ID 可选，相同 ID 的重复提交返回已有作业。
type Request struct {
	ID       string            `json:"id,omitempty"`
	Proposal string            `json:"proposal"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
	CodeJobCompensate xerrors.Code = "JOB_COMPENSATION_FAILED"
)

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示作业在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict")
	// ErrJobCompleted 表示作业已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed")
	// ErrJobExhausted 表示作业已终止或重试次数耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{Message: "job not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{Message: "job conflict", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{Message: "job already completed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{Message: "job retries exhausted", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{Message: "job validation failed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{Message: "failed to publish job", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{Message: "job execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true})
	xerrors.Register(CodeJobCompensate, xerrors.Attributes{Message: "job compensation failed", Severity: xerrors.SeverityCritical, Alert: true})
}

// IsJobError 判断错误是否为指定的作业错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	for _, known := range []*xerrors.Error{ErrJobNotFound, ErrJobConflict, ErrJobCompleted, ErrJobExhausted} {
		if stdErrors.Is(err, known) {
			return known.Code() == target
		}
	}
	return false
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	dup := *job
	dup.Metadata = cloneMetadata(job.Metadata)
	if job.Result != nil {
		result := *job.Result
		dup.Result = &result
	}
	return &dup
}
