package relay

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"Treasury-Relay/internal/chain"
	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/observability/alerting"
	"Treasury-Relay/pkg/logger"
)

// Executor 执行一个已存储的提案，通常由 operator.Operator 实现。
type Executor interface {
	Execute(ctx context.Context, proposal solana.PublicKey) (*chain.Receipt, error)
}

// JobObserver 接收每次作业处理的结果，通常是指标采集器。
type JobObserver interface {
	ObserveJob(outcome string, duration time.Duration)
}

// 作业处理结果。
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRecovered = "recovered"
	OutcomeRetry     = "retry"
	OutcomeTerminal  = "terminal"
	OutcomeSkipped   = "skipped"
)

// Processor 从队列消费作业并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	observer    JobObserver
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = handler }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithJobObserver 配置结果观察者。
func WithJobObserver(observer JobObserver) ProcessorOption {
	return func(p *Processor) { p.observer = observer }
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("relay")
	}
	return p
}

// Start 启动作业处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	start := time.Now()
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			p.observe(OutcomeSkipped, start)
			return nil
		}
		p.logger.Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	proposal, err := solana.PublicKeyFromBase58(job.Proposal)
	if err != nil {
		return p.handleExecutionFailure(ctx, job, xerrors.Wrap(CodeJobValidation, err, "提案地址无效"), start)
	}
	receipt, execErr := p.executor.Execute(ctx, proposal)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, execErr, start)
	}

	result := ExecutionResult{}
	if receipt != nil {
		result.Signature = receipt.Signature.String()
		result.Slot = receipt.Slot
	}
	if err := p.store.MarkSucceeded(ctx, job.ID, result); err != nil {
		// 交易已上链：重投后会得到 ALREADY_EXECUTED，由补偿逻辑收尾。
		p.logger.Error("标记作业成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		if storeErr := p.store.MarkFailed(ctx, job.ID, xerrors.CodeStorageFailure, err.Error(), false); storeErr != nil {
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("作业 %s 在标记成功失败后重投失败", job.ID))
		}
		p.observe(OutcomeRetry, start)
		return nil
	}
	logger.Audit().Info("作业执行成功",
		slog.String("job_id", job.ID),
		slog.String("proposal", job.Proposal),
		slog.String("signature", result.Signature),
		slog.Uint64("slot", result.Slot),
		slog.Int("attempts", job.Attempts),
	)
	p.observe(OutcomeSucceeded, start)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, execErr error, start time.Time) error {
	code := xerrors.CodeOf(execErr)
	retryable := xerrors.RetryableError(execErr)
	if _, ok := xerrors.From(execErr); !ok {
		code = CodeJobProcessing
		retryable = xerrors.AttributesOf(code).Retryable
	}

	if !retryable && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, job, execErr)
		switch {
		case recErr != nil:
			wrapped := xerrors.Wrap(CodeJobCompensate, recErr, "作业补偿失败")
			p.logger.Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("job_id", job.ID))
			p.emitAlert(ctx, job, CodeJobCompensate, wrapped, "compensate")
		case fallback != nil:
			if err := p.store.MarkSucceeded(ctx, job.ID, *fallback); err != nil {
				p.logger.Error("记录补偿结果失败", slog.Any("error", err), slog.String("job_id", job.ID))
				return err
			}
			logger.Audit().Warn("作业补偿完成",
				slog.String("job_id", job.ID),
				slog.String("proposal", job.Proposal),
				slog.String("note", fallback.Note),
			)
			p.observe(OutcomeRecovered, start)
			return nil
		}
	}

	terminal := !retryable || job.Attempts >= job.MaxRetries
	if err := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); err != nil {
		p.logger.Error("标记作业失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", job.ID),
		slog.String("proposal", job.Proposal),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	switch {
	case !retryable:
		stage = "non_retryable"
	case terminal:
		stage = "exhausted"
	}
	if xerrors.ShouldAlert(execErr) || xerrors.AttributesOf(code).Alert || stage == "exhausted" {
		p.emitAlert(ctx, job, code, execErr, stage)
	}

	if terminal {
		p.observe(OutcomeTerminal, start)
		return nil
	}
	if err := p.producer.Publish(ctx, job.ID); err != nil {
		return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("作业 %s 重投失败", job.ID))
	}
	p.logger.Debug("作业已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	p.observe(OutcomeRetry, start)
	return nil
}

func (p *Processor) observe(outcome string, start time.Time) {
	if p.observer != nil {
		p.observer.ObserveJob(outcome, time.Since(start))
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		if e, ok := xerrors.From(cause); ok {
			for k, v := range e.Metadata() {
				metadata[k] = v
			}
		}
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.SeverityOf(cause),
		JobID:      job.ID,
		Proposal:   job.Proposal,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if _, ok := xerrors.From(cause); !ok {
		event.Severity = attrs.Severity
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
