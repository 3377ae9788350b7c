package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"BehaviorMesh/internal/behavior"
	xerrors "BehaviorMesh/internal/errors"
	"BehaviorMesh/pkg/logger"
)

// defaultTickInterval 是未配置时的帧间隔。
const defaultTickInterval = 50 * time.Millisecond

// defaultTickBudget 是单次运行允许的最大帧数，防止永不结束的构件挂死工作协程。
const defaultTickBudget = 10000

// Driver 以固定节拍驱动顶层构件的执行。所有推进都发生在 Run 的调用
// 协程上，构件内部不存在并行执行。
type Driver struct {
	interval time.Duration
	budget   int
	logger   *slog.Logger
}

// Option 定义可选的 Driver 配置。
type Option func(*Driver)

// WithTickInterval 设置帧间隔。
func WithTickInterval(interval time.Duration) Option {
	return func(d *Driver) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithTickBudget 设置单次运行允许的最大帧数，超出即判定失败。
func WithTickBudget(budget int) Option {
	return func(d *Driver) {
		if budget > 0 {
			d.budget = budget
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = l
	}
}

// New 创建一个 Driver。
func New(opts ...Option) *Driver {
	d := &Driver{
		interval: defaultTickInterval,
		budget:   defaultTickBudget,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.logger == nil {
		d.logger = logger.Named("agent")
	}
	return d
}

// Result 汇总一次完整驱动的结果。
type Result struct {
	State   behavior.State `json:"state"`
	Ticks   int            `json:"ticks"`
	Elapsed time.Duration  `json:"elapsed"`
}

// Run 启动构件并逐帧推进直到终态。预期内的失败（前置条件不满足、
// 子任务失败）通过 Result.State 上报且 error 为 nil；使用错误、帧数
// 预算耗尽与上下文取消通过 error 上报。
func (d *Driver) Run(ctx context.Context, construct behavior.Task) (*Result, error) {
	if construct == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "驱动目标不能为空")
	}

	started := time.Now()
	if err := construct.StartExecution(ctx); err != nil {
		if construct.State() == behavior.StateFailed {
			// 前置条件失败：状态机已正常进入失败终态。
			d.logger.Debug("构件启动即失败", slog.Any("error", err))
			return &Result{State: behavior.StateFailed, Elapsed: time.Since(started)}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "启动构件失败")
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	ticks := 0
	for {
		ticks++
		state := construct.Evaluate(ctx)
		if behavior.IsTerminal(state) {
			result := &Result{State: state, Ticks: ticks, Elapsed: time.Since(started)}
			logger.Trace().Info("构件执行结束",
				slog.String("state", string(state)),
				slog.Int("ticks", ticks),
				slog.Duration("elapsed", result.Elapsed),
			)
			return result, nil
		}
		if ticks >= d.budget {
			result := &Result{State: behavior.StateFailed, Ticks: ticks, Elapsed: time.Since(started)}
			return result, xerrors.New(behavior.CodeTickBudgetExceeded,
				fmt.Sprintf("帧数预算耗尽: %d", d.budget))
		}

		select {
		case <-ctx.Done():
			result := &Result{State: behavior.StateFailed, Ticks: ticks, Elapsed: time.Since(started)}
			return result, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "运行被取消")
		case <-ticker.C:
		}
	}
}
