package behavior

import (
	"context"
	"log/slog"
)

// Tree 是一棵可执行的行为树实例。它独占自己的全部节点，拓扑在
// 实例化之后不可变；同一模板可以实例化出多棵互不影响的 Tree。
// Tree 实现 Task 接口，驱动器因此能够以统一方式推进 Bundle 或 Tree。
type Tree struct {
	BaseTask
	behavior string
	root     *rootNode
	logger   *slog.Logger
}

// Behavior 返回实例化该树的模板名称。
func (t *Tree) Behavior() string {
	return t.behavior
}

// StartExecution 将树标记为运行中。树的结构校验在实例化阶段已经完成。
func (t *Tree) StartExecution(ctx context.Context) error {
	return t.Begin()
}

// Evaluate 自根节点向下推进一帧。叶子任务的状态沿树上浮，
// 根节点返回终态时整棵树进入对应终态。
func (t *Tree) Evaluate(ctx context.Context) State {
	if IsTerminal(t.State()) {
		return t.State()
	}
	// StartExecution 之前的多余 tick 不推进任何节点。
	if t.State() == StateWaiting {
		return t.State()
	}

	switch state := t.root.evaluate(ctx); state {
	case StateSucceeded:
		_ = t.StopAsSucceeded()
		t.logger.Debug("行为树执行成功", slog.String("behavior", t.behavior))
	case StateFailed:
		_ = t.StopAsFailed()
		t.logger.Debug("行为树执行失败", slog.String("behavior", t.behavior))
	}
	return t.State()
}
