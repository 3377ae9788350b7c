package run

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"BehaviorMesh/internal/agent"
	"BehaviorMesh/internal/behavior"
	xerrors "BehaviorMesh/internal/errors"
	"BehaviorMesh/internal/observability/alerting"
	"BehaviorMesh/internal/observability/metrics"
	"BehaviorMesh/pkg/logger"
)

// Executor 定义处理器驱动构件所需的能力。
type Executor interface {
	Run(ctx context.Context, construct behavior.Task) (*agent.Result, error)
}

// Processor 负责从队列消费运行请求，按行为模板实例化构件并驱动执行。
type Processor struct {
	executor    Executor
	registry    *behavior.Registry
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
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
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, registry *behavior.Registry, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		registry:    registry,
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
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动运行处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.executor == nil || p.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	run, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunCompleted) || stdErrors.Is(err, ErrRunExhausted) {
			p.logDebug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Run{ID: runID}, CodeRunProcessing, err, "claim")
		return err
	}

	result, execErr := p.execute(ctx, run)
	if result != nil {
		metrics.ObserveRunOutcome(run.Behavior, string(result.State), result.Ticks)
	}
	if execErr != nil {
		return p.handleExecutionFailure(ctx, run, execErr)
	}

	record := ExecutionResult{
		FinalState: string(result.State),
		Ticks:      result.Ticks,
		ElapsedMS:  result.Elapsed.Milliseconds(),
	}
	if err := p.store.MarkSucceeded(ctx, run.ID, record); err != nil {
		logger.L().Error("标记运行成功状态失败", slog.Any("error", err), slog.String("run_id", run.ID))
		if storeErr := p.store.MarkFailed(ctx, run.ID, CodeRunProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, run.ID); pubErr != nil {
			return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 在标记成功失败后重投失败", run.ID))
		}
		logger.Trace().Warn("运行标记成功失败后重试",
			slog.String("run_id", run.ID),
			slog.String("behavior", run.Behavior),
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Trace().Info("运行执行成功",
		slog.String("run_id", run.ID),
		slog.String("behavior", run.Behavior),
		slog.String("agent_id", run.AgentID),
		slog.Int("ticks", record.Ticks),
		slog.Int64("elapsed_ms", record.ElapsedMS),
	)
	return nil
}

// execute 根据运行请求实例化行为树并交给执行器驱动。构件以失败终态
// 结束也视为执行失败，走统一的重试与告警链路。error 非空时 result
// 仍可能携带已经消耗的帧数信息。
func (p *Processor) execute(ctx context.Context, run *Run) (*agent.Result, error) {
	template, err := p.registry.Get(run.Behavior)
	if err != nil {
		return nil, err
	}
	tree, err := template.Instantiate(run.Overrides)
	if err != nil {
		return nil, err
	}
	result, err := p.executor.Run(ctx, tree)
	if err != nil {
		return result, err
	}
	if result.State == behavior.StateFailed {
		return result, xerrors.New(xerrors.CodeExecutorFailure,
			fmt.Sprintf("行为 %s 在 %d 帧后进入失败终态", run.Behavior, result.Ticks))
	}
	return result, nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, run *Run, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeRunProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := run.Attempts >= run.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, run, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeRunCompensate, recErr, "运行补偿失败")
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", wrapped),
				slog.String("run_id", run.ID))
			p.emitAlert(ctx, run, CodeRunCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Detail == "" {
				fallback.Detail = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkSucceeded(ctx, run.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("run_id", run.ID))
				if storeErr := p.store.MarkFailed(ctx, run.ID, code, err.Error(), false); storeErr != nil {
					logger.L().Error("降级失败后的回写失败状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
					return storeErr
				}
				if pubErr := p.producer.Publish(ctx, run.ID); pubErr != nil {
					return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 在降级失败后重投失败", run.ID))
				}
				return nil
			}
			logger.Trace().Warn("运行降级完成",
				slog.String("run_id", run.ID),
				slog.String("behavior", run.Behavior),
				slog.String("detail", fallback.Detail),
			)
			p.emitAlert(ctx, run, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, run.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
		return storeErr
	}
	logger.Trace().Warn("运行执行失败",
		slog.String("run_id", run.ID),
		slog.String("behavior", run.Behavior),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", run.Attempts),
		slog.Int("max_retries", run.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, run, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, run.ID); pubErr != nil {
			return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 重投失败", run.ID))
		}
		p.logDebug("运行已重新排队", slog.String("run_id", run.ID), slog.Int("attempts", run.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, run *Run, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || run == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RunID:      run.ID,
		Behavior:   run.Behavior,
		AgentID:    run.AgentID,
		Attempts:   run.Attempts,
		MaxRetries: run.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", run.ID),
			slog.String("stage", stage),
		)
	}
}
