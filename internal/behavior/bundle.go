package behavior

import (
	"context"
	"log/slog"

	"BehaviorMesh/pkg/logger"
)

// Precondition 是无参布尔谓词，决定任务包能否开始执行。
type Precondition func() bool

// Bundle 是一组按插入顺序严格串行执行的任务，外加一组门控前置条件。
// Bundle 自身实现 Task 接口，因此可以嵌套或直接交给驱动器。
type Bundle struct {
	BaseTask
	tasks         []Task
	preconditions []Precondition
	gatePassed    bool
	logger        *slog.Logger
}

// BundleOption 定义可选的 Bundle 配置。
type BundleOption func(*Bundle)

// WithBundleLogger 指定日志输出。
func WithBundleLogger(l *slog.Logger) BundleOption {
	return func(b *Bundle) {
		b.logger = l
	}
}

// WithBundleTasks 在构造时批量追加任务。
func WithBundleTasks(tasks ...Task) BundleOption {
	return func(b *Bundle) {
		for _, t := range tasks {
			b.AddTask(t)
		}
	}
}

// WithBundlePreconditions 在构造时批量追加前置条件。
func WithBundlePreconditions(preds ...Precondition) BundleOption {
	return func(b *Bundle) {
		for _, p := range preds {
			b.AddPrecondition(p)
		}
	}
}

// NewBundle 构造一个空的任务包。
func NewBundle(opts ...BundleOption) *Bundle {
	b := &Bundle{}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.logger == nil {
		b.logger = logger.Named("bundle")
	}
	return b
}

// AddTask 追加一个任务，忽略 nil。任务顺序即执行顺序。
func (b *Bundle) AddTask(t Task) {
	if t == nil {
		return
	}
	b.tasks = append(b.tasks, t)
}

// AddPrecondition 追加一个前置条件，忽略 nil。
// 在 Bundle 离开 waiting 之后追加的前置条件会被接受但不再生效，
// 因为门控检查只在 StartExecution 时进行一次。
func (b *Bundle) AddPrecondition(p Precondition) {
	if p == nil {
		return
	}
	b.preconditions = append(b.preconditions, p)
}

// Tasks 返回任务列表的副本。
func (b *Bundle) Tasks() []Task {
	if len(b.tasks) == 0 {
		return nil
	}
	tasks := make([]Task, len(b.tasks))
	copy(tasks, b.tasks)
	return tasks
}

// StartExecution 评估全部前置条件并在通过后进入 running。
// 所有谓词都会被求值，不做短路，结果按严格 AND 归并；任何一个为
// false 都会让 Bundle 立即进入失败终态，队列中的任务永远不会启动。
// 通过门控后会做依赖回填：第 i 个任务记录 0..i-1 的全部任务为其
// 前置依赖。该信息仅供下游消费，Bundle 自身仍按队列顺序调度。
func (b *Bundle) StartExecution(ctx context.Context) error {
	if err := b.Begin(); err != nil {
		return err
	}

	passed := true
	for _, pred := range b.preconditions {
		if !pred() {
			passed = false
		}
	}
	if !passed {
		_ = b.StopAsFailed()
		b.logger.Debug("任务包前置条件未通过", slog.Int("preconditions", len(b.preconditions)))
		return ErrPreconditionFailed
	}

	for i := 1; i < len(b.tasks); i++ {
		for j := 0; j < i; j++ {
			b.tasks[i].AddDependency(b.tasks[j])
		}
	}
	b.gatePassed = true
	return nil
}

// Evaluate 推进一帧。空队列直接成功；任意任务失败则整包失败并停止
// 启动后续任务；否则找到第一个未结束的任务作为"当前任务"推进一帧。
func (b *Bundle) Evaluate(ctx context.Context) State {
	if IsTerminal(b.State()) {
		return b.State()
	}
	// 防御：未通过门控检查之前收到的多余 tick 不做任何事。
	if !b.gatePassed {
		return b.State()
	}

	for _, t := range b.tasks {
		if t.State() == StateFailed {
			_ = b.StopAsFailed()
			return b.State()
		}
	}

	var current Task
	for _, t := range b.tasks {
		if !IsTerminal(t.State()) {
			current = t
			break
		}
	}
	if current == nil {
		// 队列里所有任务都已成功（或队列为空）。
		_ = b.StopAsSucceeded()
		return b.State()
	}

	if current.State() == StateWaiting {
		if err := current.StartExecution(ctx); err != nil {
			b.logger.Warn("启动子任务失败", slog.Any("error", err))
			_ = b.StopAsFailed()
			return b.State()
		}
	}
	if state := current.Evaluate(ctx); state == StateFailed {
		_ = b.StopAsFailed()
	}
	return b.State()
}
