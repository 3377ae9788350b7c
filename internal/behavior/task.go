package behavior

import (
	"context"

	xerrors "BehaviorMesh/internal/errors"
)

// Task 是可调度的最小工作单元：一个由外部驱动器逐帧推进的状态机。
// 实现方不得在 StartExecution 或 Evaluate 中阻塞调用线程，需要长时间
// 运行的工作必须拆分为可在每帧返回的增量步骤。
type Task interface {
	// StartExecution 将任务从 waiting 推进到 running。每个任务实例
	// 在一轮执行中最多调用一次，重复调用属于使用错误。
	StartExecution(ctx context.Context) error
	// Evaluate 推进一帧并返回当前状态。不得在 StartExecution 之前调用。
	Evaluate(ctx context.Context) State
	// State 返回当前状态，永远是四个枚举值之一。
	State() State
	// Dependencies 返回该任务声明依赖的任务列表。
	Dependencies() []Task
	// AddDependency 记录一个前置任务。仅作为元数据供下游消费，
	// 调度顺序不由它决定。
	AddDependency(dep Task)
}

var (
	// ErrIllegalTransition 表示状态机收到了不合法的状态迁移请求。
	ErrIllegalTransition = xerrors.New(CodeIllegalTransition, "illegal task state transition")
	// ErrPreconditionFailed 表示任务包的前置条件未全部通过。
	ErrPreconditionFailed = xerrors.New(CodePreconditionFailed, "bundle precondition failed")
	// ErrMalformedTree 表示行为树模板结构非法。
	ErrMalformedTree = xerrors.New(CodeMalformedTree, "malformed behavior tree")
	// ErrBehaviorNotFound 表示指定名称的行为模板未注册。
	ErrBehaviorNotFound = xerrors.New(CodeBehaviorNotFound, "behavior not registered")
)

const (
	CodeIllegalTransition  xerrors.Code = "ILLEGAL_TRANSITION"
	CodePreconditionFailed xerrors.Code = "PRECONDITION_FAILED"
	CodeMalformedTree      xerrors.Code = "MALFORMED_TREE"
	CodeBehaviorNotFound   xerrors.Code = "BEHAVIOR_NOT_FOUND"
	CodeTickBudgetExceeded xerrors.Code = "TICK_BUDGET_EXCEEDED"
)

func init() {
	xerrors.Register(CodeIllegalTransition, xerrors.Attributes{
		Message:   "illegal task state transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
	})
	xerrors.Register(CodePreconditionFailed, xerrors.Attributes{
		Message:   "bundle precondition failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
	})
	xerrors.Register(CodeMalformedTree, xerrors.Attributes{
		Message:   "malformed behavior tree",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
	})
	xerrors.Register(CodeBehaviorNotFound, xerrors.Attributes{
		Message:   "behavior not registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
	})
	xerrors.Register(CodeTickBudgetExceeded, xerrors.Attributes{
		Message:   "tick budget exceeded",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// BaseTask 提供 Task 生命周期的通用簿记，供具体任务内嵌复用。
// 同一实例只归属一个驱动器，单线程推进，因此不加锁。
type BaseTask struct {
	state State
	deps  []Task
}

// State 返回当前状态。零值实例视为 waiting。
func (b *BaseTask) State() State {
	if b.state == "" {
		return StateWaiting
	}
	return b.state
}

// Dependencies 返回依赖任务列表的副本。
func (b *BaseTask) Dependencies() []Task {
	if len(b.deps) == 0 {
		return nil
	}
	deps := make([]Task, len(b.deps))
	copy(deps, b.deps)
	return deps
}

// AddDependency 记录一个前置任务，忽略 nil。
func (b *BaseTask) AddDependency(dep Task) {
	if dep == nil {
		return
	}
	b.deps = append(b.deps, dep)
}

// Begin 将任务从 waiting 迁移到 running。其余任何出发状态都是使用错误。
func (b *BaseTask) Begin() error {
	if b.State() != StateWaiting {
		return xerrors.Wrap(CodeIllegalTransition, ErrIllegalTransition,
			"task already started", xerrors.WithMetadata("state", string(b.State())))
	}
	b.state = StateRunning
	return nil
}

// StopAsSucceeded 将任务置为成功终态。终态只能设置一次，
// 重复设置返回错误而不是悄悄覆盖。
func (b *BaseTask) StopAsSucceeded() error {
	if IsTerminal(b.State()) {
		return xerrors.Wrap(CodeIllegalTransition, ErrIllegalTransition,
			"task already terminal", xerrors.WithMetadata("state", string(b.State())))
	}
	b.state = StateSucceeded
	return nil
}

// StopAsFailed 将任务置为失败终态。约束与 StopAsSucceeded 相同。
func (b *BaseTask) StopAsFailed() error {
	if IsTerminal(b.State()) {
		return xerrors.Wrap(CodeIllegalTransition, ErrIllegalTransition,
			"task already terminal", xerrors.WithMetadata("state", string(b.State())))
	}
	b.state = StateFailed
	return nil
}
