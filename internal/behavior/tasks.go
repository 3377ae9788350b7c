package behavior

import (
	"context"
	"fmt"

	xerrors "BehaviorMesh/internal/errors"
)

// CountdownTask 在固定帧数之后成功，用于演示与验证多帧挂起恢复。
type CountdownTask struct {
	BaseTask
	remaining int
}

// NewCountdownTask 创建一个需要 ticks 帧才能完成的任务，ticks 最小为 1。
func NewCountdownTask(ticks int) *CountdownTask {
	if ticks < 1 {
		ticks = 1
	}
	return &CountdownTask{remaining: ticks}
}

// StartExecution 实现 Task 接口。
func (t *CountdownTask) StartExecution(ctx context.Context) error {
	return t.Begin()
}

// Evaluate 每帧递减一次计数，归零时进入成功终态。
func (t *CountdownTask) Evaluate(ctx context.Context) State {
	if t.State() != StateRunning {
		return t.State()
	}
	t.remaining--
	if t.remaining <= 0 {
		_ = t.StopAsSucceeded()
	}
	return t.State()
}

// Remaining 返回剩余帧数。
func (t *CountdownTask) Remaining() int {
	return t.remaining
}

// CountdownFactory 返回一个任务工厂，从节点配置的 ticks 键读取帧数，
// 未配置时使用 defaultTicks。
func CountdownFactory(defaultTicks int) TaskFactory {
	return func(cfg map[string]any) (Task, error) {
		ticks := defaultTicks
		if raw, ok := cfg["ticks"]; ok {
			parsed, err := toInt(raw)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "ticks 配置非法")
			}
			ticks = parsed
		}
		return NewCountdownTask(ticks), nil
	}
}

// FuncTask 将一个一次性函数包装为任务：函数返回 nil 则成功，
// 否则失败。函数只会被调用一次。
type FuncTask struct {
	BaseTask
	fn func(ctx context.Context) error
}

// NewFuncTask 创建函数任务，fn 不能为空。
func NewFuncTask(fn func(ctx context.Context) error) *FuncTask {
	return &FuncTask{fn: fn}
}

// StartExecution 实现 Task 接口。
func (t *FuncTask) StartExecution(ctx context.Context) error {
	if t.fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "函数任务缺少执行函数")
	}
	return t.Begin()
}

// Evaluate 执行包装函数并立即进入终态。
func (t *FuncTask) Evaluate(ctx context.Context) State {
	if t.State() != StateRunning {
		return t.State()
	}
	if err := t.fn(ctx); err != nil {
		_ = t.StopAsFailed()
	} else {
		_ = t.StopAsSucceeded()
	}
	return t.State()
}

func toInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("期望整数，实际为 %T", raw)
	}
}
