package behavior

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	xerrors "BehaviorMesh/internal/errors"
	"BehaviorMesh/pkg/logger"
)

// TaskFactory 根据节点配置生成一个全新的任务实例。
// 每次实例化模板都会重新调用工厂，保证运行期任务互不共享。
type TaskFactory func(cfg map[string]any) (Task, error)

// Overrides 按节点 ID 为实例化提供配置覆盖。覆盖内容与模板上的
// Config 做浅合并，同名键以覆盖值为准。
type Overrides map[string]map[string]any

// TemplateNode 是行为树的创作期节点。创作层只需要提供：有序的子节点
// 列表、稳定的节点标识，以及叶子节点的任务工厂。
type TemplateNode struct {
	// ID 是节点的稳定标识，为空时在模板构建阶段自动分配 UUID。
	ID string
	// Kind 指明节点种类。
	Kind NodeKind
	// SortKey 是创作层提供的排序键，实例化时子节点按其升序排列。
	SortKey float64
	// Composite 指定组合节点的聚合策略，默认 sequence。
	Composite CompositePolicy
	// Decorator 指定装饰节点的变换策略，默认 pass。
	Decorator DecoratorPolicy
	// Config 是节点的默认配置，可被实例化时的 Overrides 覆盖。
	Config map[string]any
	// Children 是创作顺序下的子节点，实例化时按 SortKey 重新排序。
	Children []*TemplateNode
	// NewTask 是叶子节点的任务工厂，其他种类的节点必须为 nil。
	NewTask TaskFactory
}

// Template 是一份经过结构校验的行为树模板，可以被任意多次实例化。
// 模板本身不持有任何运行期状态。
type Template struct {
	name string
	root *TemplateNode
}

// NewTemplate 校验节点图并生成模板。结构非法（装饰/根节点子节点数
// 不为一、组合节点没有子节点、叶子带子节点或缺少工厂、节点 ID 重复）
// 时立刻报错，而不是等到第一次 tick。
func NewTemplate(name string, root *TemplateNode) (*Template, error) {
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模板名称不能为空")
	}
	if root == nil {
		return nil, xerrors.Wrap(CodeMalformedTree, ErrMalformedTree, "模板缺少根节点")
	}
	if root.Kind != NodeRoot {
		return nil, xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
			fmt.Sprintf("顶层节点必须是 root，实际为 %s", root.Kind))
	}
	seen := make(map[string]struct{})
	if err := validateNode(root, seen); err != nil {
		return nil, err
	}
	return &Template{name: name, root: root}, nil
}

// Name 返回模板名称。
func (t *Template) Name() string {
	return t.name
}

// Instantiate 从模板生成一棵全新的可执行行为树。复制分两个阶段：
// 先为每个创作节点生成带配置（含覆盖）的运行期对应物，再按排序键
// 升序递归挂接子节点——装饰与根节点挂入单子槽位，组合节点挂入有序
// 列表。运行期树与模板完全解耦，多个智能体可以各取一份实例。
func (t *Template) Instantiate(overrides Overrides) (*Tree, error) {
	root, err := buildNode(t.root, overrides)
	if err != nil {
		return nil, err
	}
	return &Tree{
		behavior: t.name,
		root:     root.(*rootNode),
		logger:   logger.Named("tree"),
	}, nil
}

func validateNode(n *TemplateNode, seen map[string]struct{}) error {
	if n == nil {
		return xerrors.Wrap(CodeMalformedTree, ErrMalformedTree, "节点不能为 nil")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if _, ok := seen[n.ID]; ok {
		return xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
			fmt.Sprintf("节点 ID 重复: %s", n.ID))
	}
	seen[n.ID] = struct{}{}

	switch n.Kind {
	case NodeRoot, NodeDecorator:
		if len(n.Children) != 1 {
			return xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
				fmt.Sprintf("%s 节点 %s 必须恰有一个子节点，实际 %d 个", n.Kind, n.ID, len(n.Children)))
		}
		if n.NewTask != nil {
			return xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
				fmt.Sprintf("%s 节点 %s 不应配置任务工厂", n.Kind, n.ID))
		}
	case NodeComposite:
		if len(n.Children) == 0 {
			return xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
				fmt.Sprintf("组合节点 %s 至少需要一个子节点", n.ID))
		}
		if n.NewTask != nil {
			return xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
				fmt.Sprintf("组合节点 %s 不应配置任务工厂", n.ID))
		}
	case NodeLeaf:
		if len(n.Children) != 0 {
			return xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
				fmt.Sprintf("叶子节点 %s 不能有子节点", n.ID))
		}
		if n.NewTask == nil {
			return xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
				fmt.Sprintf("叶子节点 %s 缺少任务工厂", n.ID))
		}
	default:
		return xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
			fmt.Sprintf("未知的节点种类: %s", n.Kind))
	}

	for _, child := range n.Children {
		if child != nil && child.Kind == NodeRoot {
			return xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
				"root 节点只能出现在顶层")
		}
		if err := validateNode(child, seen); err != nil {
			return err
		}
	}
	return nil
}

// buildNode 是实例化的递归主体，模板在 NewTemplate 阶段已通过校验。
func buildNode(tpl *TemplateNode, overrides Overrides) (node, error) {
	cfg := mergeConfig(tpl.Config, overrides[tpl.ID])

	children := sortedChildren(tpl.Children)
	switch tpl.Kind {
	case NodeLeaf:
		task, err := tpl.NewTask(cfg)
		if err != nil {
			return nil, xerrors.Wrap(CodeMalformedTree, err,
				fmt.Sprintf("叶子节点 %s 的任务工厂执行失败", tpl.ID))
		}
		if task == nil {
			return nil, xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
				fmt.Sprintf("叶子节点 %s 的任务工厂返回了 nil", tpl.ID))
		}
		return &leafNode{task: task}, nil
	case NodeDecorator:
		child, err := buildNode(children[0], overrides)
		if err != nil {
			return nil, err
		}
		policy := tpl.Decorator
		if policy == "" {
			policy = DecoratorPass
		}
		return &decoratorNode{policy: policy, child: child}, nil
	case NodeComposite:
		built := make([]node, 0, len(children))
		for _, child := range children {
			childNode, err := buildNode(child, overrides)
			if err != nil {
				return nil, err
			}
			built = append(built, childNode)
		}
		policy := tpl.Composite
		if policy == "" {
			policy = CompositeSequence
		}
		return &compositeNode{policy: policy, children: built}, nil
	case NodeRoot:
		child, err := buildNode(children[0], overrides)
		if err != nil {
			return nil, err
		}
		return &rootNode{child: child}, nil
	default:
		return nil, xerrors.Wrap(CodeMalformedTree, ErrMalformedTree,
			fmt.Sprintf("未知的节点种类: %s", tpl.Kind))
	}
}

// sortedChildren 返回按排序键升序排列的子节点副本，排序只在
// 构建阶段发生一次，求值阶段不再重排。排序是稳定的，键相同时
// 保持创作顺序。
func sortedChildren(children []*TemplateNode) []*TemplateNode {
	if len(children) <= 1 {
		return children
	}
	sorted := make([]*TemplateNode, len(children))
	copy(sorted, children)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SortKey < sorted[j].SortKey
	})
	return sorted
}

func mergeConfig(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
