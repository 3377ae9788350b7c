package behavior

import (
	"context"
)

// NodeKind 标识行为树节点的种类。节点种类是封闭集合，
// 构建与求值算法对其做穷举匹配。
type NodeKind string

const (
	// NodeRoot 是树的入口锚点，恰有一个子节点，不做任何语义变换。
	NodeRoot NodeKind = "root"
	// NodeDecorator 恰有一个子节点，对子节点的结果做变换。
	NodeDecorator NodeKind = "decorator"
	// NodeComposite 拥有有序子节点序列和一个聚合策略。
	NodeComposite NodeKind = "composite"
	// NodeLeaf 包装一个可调度任务，没有子节点。
	NodeLeaf NodeKind = "leaf"
)

// CompositePolicy 定义组合节点对子节点结果的聚合方式。
type CompositePolicy string

const (
	// CompositeSequence 从左到右推进，任一失败立即失败，全部成功才成功。
	CompositeSequence CompositePolicy = "sequence"
	// CompositeSelector 从左到右推进，任一成功立即成功，全部失败才失败。
	CompositeSelector CompositePolicy = "selector"
)

// DecoratorPolicy 定义装饰节点对子节点结果的变换方式。
type DecoratorPolicy string

const (
	// DecoratorPass 原样透传子节点结果。
	DecoratorPass DecoratorPolicy = "pass"
	// DecoratorInvert 交换成功与失败，运行中状态透传。
	DecoratorInvert DecoratorPolicy = "invert"
	// DecoratorForceSuccess 将失败改写为成功，其余状态透传。
	DecoratorForceSuccess DecoratorPolicy = "force_success"
)

// node 是运行期节点的统一求值协议：每帧自顶向下调用一次。
type node interface {
	evaluate(ctx context.Context) State
}

// leafNode 包装一个任务：首次求值时启动，之后每帧推进一次，
// 任务进入终态后直接返回终态，不再触碰任务。
type leafNode struct {
	task        Task
	startFailed bool
}

func (n *leafNode) evaluate(ctx context.Context) State {
	if n.startFailed {
		return StateFailed
	}
	if state := n.task.State(); IsTerminal(state) {
		return state
	}
	if n.task.State() == StateWaiting {
		if err := n.task.StartExecution(ctx); err != nil {
			// 启动失败属于使用错误，该叶子永久失败，但不影响兄弟节点。
			n.startFailed = true
			return StateFailed
		}
	}
	return n.task.Evaluate(ctx)
}

// decoratorNode 恰有一个子节点，按策略变换其返回状态。
type decoratorNode struct {
	policy DecoratorPolicy
	child  node
}

func (n *decoratorNode) evaluate(ctx context.Context) State {
	state := n.child.evaluate(ctx)
	switch n.policy {
	case DecoratorInvert:
		switch state {
		case StateSucceeded:
			return StateFailed
		case StateFailed:
			return StateSucceeded
		}
		return state
	case DecoratorForceSuccess:
		if state == StateFailed {
			return StateSucceeded
		}
		return state
	default:
		return state
	}
}

// compositeNode 的子节点顺序在构建阶段按排序键升序固定，
// 求值阶段不再重排。
type compositeNode struct {
	policy   CompositePolicy
	children []node
}

func (n *compositeNode) evaluate(ctx context.Context) State {
	switch n.policy {
	case CompositeSelector:
		return n.evaluateSelector(ctx)
	default:
		return n.evaluateSequence(ctx)
	}
}

// evaluateSequence 每帧从第一个子节点重新走起；已成功的子节点
// 直接返回终态，真正被推进的永远只有第一个未结束的子节点。
// 某个子节点失败时，其后的子节点从未被求值，也就从未启动。
func (n *compositeNode) evaluateSequence(ctx context.Context) State {
	for _, child := range n.children {
		switch state := child.evaluate(ctx); state {
		case StateFailed:
			return StateFailed
		case StateSucceeded:
			continue
		default:
			return StateRunning
		}
	}
	return StateSucceeded
}

func (n *compositeNode) evaluateSelector(ctx context.Context) State {
	for _, child := range n.children {
		switch state := child.evaluate(ctx); state {
		case StateSucceeded:
			return StateSucceeded
		case StateFailed:
			continue
		default:
			return StateRunning
		}
	}
	return StateFailed
}

// rootNode 仅作为类型上独立于首个业务节点的稳定锚点存在。
type rootNode struct {
	child node
}

func (n *rootNode) evaluate(ctx context.Context) State {
	return n.child.evaluate(ctx)
}
