package behavior

import (
	"context"
	"errors"
	"testing"
)

func probeFactory(name string, ticks int, order *[]string) TaskFactory {
	return func(map[string]any) (Task, error) {
		return newProbeTask(name, ticks, order), nil
	}
}

func failingFactory() TaskFactory {
	return func(map[string]any) (Task, error) {
		return NewFuncTask(func(context.Context) error {
			return errors.New("leaf failed")
		}), nil
	}
}

func runTreeToCompletion(t *testing.T, tree *Tree, maxTicks int) State {
	t.Helper()
	ctx := context.Background()
	if err := tree.StartExecution(ctx); err != nil {
		t.Fatalf("启动行为树失败: %v", err)
	}
	for i := 0; i < maxTicks; i++ {
		if state := tree.Evaluate(ctx); IsTerminal(state) {
			return state
		}
	}
	t.Fatalf("行为树在 %d 帧内未结束", maxTicks)
	return StateFailed
}

func TestNewTemplateRejectsMalformedTrees(t *testing.T) {
	leaf := func(id string) *TemplateNode {
		return &TemplateNode{ID: id, Kind: NodeLeaf, NewTask: CountdownFactory(1)}
	}

	cases := []struct {
		name string
		root *TemplateNode
	}{
		{"缺少根节点", nil},
		{"顶层不是 root", leaf("x")},
		{"root 多个子节点", &TemplateNode{Kind: NodeRoot, Children: []*TemplateNode{leaf("a"), leaf("b")}}},
		{"装饰节点无子节点", &TemplateNode{Kind: NodeRoot, Children: []*TemplateNode{
			{ID: "d", Kind: NodeDecorator},
		}}},
		{"组合节点无子节点", &TemplateNode{Kind: NodeRoot, Children: []*TemplateNode{
			{ID: "c", Kind: NodeComposite},
		}}},
		{"叶子缺少工厂", &TemplateNode{Kind: NodeRoot, Children: []*TemplateNode{
			{ID: "l", Kind: NodeLeaf},
		}}},
		{"叶子带子节点", &TemplateNode{Kind: NodeRoot, Children: []*TemplateNode{
			{ID: "l", Kind: NodeLeaf, NewTask: CountdownFactory(1), Children: []*TemplateNode{leaf("x")}},
		}}},
		{"节点 ID 重复", &TemplateNode{Kind: NodeRoot, Children: []*TemplateNode{
			{ID: "c", Kind: NodeComposite, Children: []*TemplateNode{leaf("dup"), leaf("dup")}},
		}}},
		{"root 出现在内层", &TemplateNode{Kind: NodeRoot, Children: []*TemplateNode{
			{ID: "inner", Kind: NodeRoot, Children: []*TemplateNode{leaf("x")}},
		}}},
		{"未知节点种类", &TemplateNode{Kind: NodeRoot, Children: []*TemplateNode{
			{ID: "u", Kind: NodeKind("mystery")},
		}}},
	}

	for _, tc := range cases {
		if _, err := NewTemplate("bad", tc.root); err == nil {
			t.Errorf("%s: 应返回 MALFORMED_TREE 错误", tc.name)
		} else if !errors.Is(err, ErrMalformedTree) {
			t.Errorf("%s: 错误类型不符: %v", tc.name, err)
		}
	}
}

func TestTemplateSortsChildrenBySortKey(t *testing.T) {
	order := make([]string, 0, 3)
	template, err := NewTemplate("sorted", &TemplateNode{
		Kind: NodeRoot,
		Children: []*TemplateNode{
			{
				ID:        "seq",
				Kind:      NodeComposite,
				Composite: CompositeSequence,
				Children: []*TemplateNode{
					{ID: "k5", Kind: NodeLeaf, SortKey: 5, NewTask: probeFactory("k5", 1, &order)},
					{ID: "k1", Kind: NodeLeaf, SortKey: 1, NewTask: probeFactory("k1", 1, &order)},
					{ID: "k3", Kind: NodeLeaf, SortKey: 3, NewTask: probeFactory("k3", 1, &order)},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("构建模板失败: %v", err)
	}

	tree, err := template.Instantiate(nil)
	if err != nil {
		t.Fatalf("实例化失败: %v", err)
	}
	if got := runTreeToCompletion(t, tree, 10); got != StateSucceeded {
		t.Fatalf("行为树应成功，实际为 %s", got)
	}
	if len(order) != 3 || order[0] != "k1" || order[1] != "k3" || order[2] != "k5" {
		t.Fatalf("子节点执行顺序应按排序键升序，实际为 %v", order)
	}
}

func TestSequenceFailsFastAndSkipsSiblings(t *testing.T) {
	order := make([]string, 0, 2)
	template, err := NewTemplate("failfast", &TemplateNode{
		Kind: NodeRoot,
		Children: []*TemplateNode{
			{
				ID:        "seq",
				Kind:      NodeComposite,
				Composite: CompositeSequence,
				Children: []*TemplateNode{
					{ID: "ok", Kind: NodeLeaf, SortKey: 1, NewTask: probeFactory("ok", 1, &order)},
					{ID: "bad", Kind: NodeLeaf, SortKey: 2, NewTask: failingFactory()},
					{ID: "skipped", Kind: NodeLeaf, SortKey: 3, NewTask: probeFactory("skipped", 1, &order)},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("构建模板失败: %v", err)
	}

	tree, err := template.Instantiate(nil)
	if err != nil {
		t.Fatalf("实例化失败: %v", err)
	}
	if got := runTreeToCompletion(t, tree, 10); got != StateFailed {
		t.Fatalf("序列节点应失败，实际为 %s", got)
	}
	for _, name := range order {
		if name == "skipped" {
			t.Fatal("失败节点之后的兄弟节点不应被启动")
		}
	}
}

func TestSelectorRecoversFromFailedChild(t *testing.T) {
	template, err := NewTemplate("selector", &TemplateNode{
		Kind: NodeRoot,
		Children: []*TemplateNode{
			{
				ID:        "sel",
				Kind:      NodeComposite,
				Composite: CompositeSelector,
				Children: []*TemplateNode{
					{ID: "bad", Kind: NodeLeaf, SortKey: 1, NewTask: failingFactory()},
					{ID: "good", Kind: NodeLeaf, SortKey: 2, NewTask: CountdownFactory(2)},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("构建模板失败: %v", err)
	}

	tree, err := template.Instantiate(nil)
	if err != nil {
		t.Fatalf("实例化失败: %v", err)
	}
	if got := runTreeToCompletion(t, tree, 10); got != StateSucceeded {
		t.Fatalf("选择节点应在备选成功后成功，实际为 %s", got)
	}
}

func TestDecoratorPolicies(t *testing.T) {
	build := func(policy DecoratorPolicy, factory TaskFactory) *Tree {
		template, err := NewTemplate("deco", &TemplateNode{
			Kind: NodeRoot,
			Children: []*TemplateNode{
				{
					ID:        "d",
					Kind:      NodeDecorator,
					Decorator: policy,
					Children: []*TemplateNode{
						{ID: "leaf", Kind: NodeLeaf, NewTask: factory},
					},
				},
			},
		})
		if err != nil {
			t.Fatalf("构建模板失败: %v", err)
		}
		tree, err := template.Instantiate(nil)
		if err != nil {
			t.Fatalf("实例化失败: %v", err)
		}
		return tree
	}

	if got := runTreeToCompletion(t, build(DecoratorInvert, CountdownFactory(1)), 10); got != StateFailed {
		t.Fatalf("invert 应把成功翻转为失败，实际为 %s", got)
	}
	if got := runTreeToCompletion(t, build(DecoratorInvert, failingFactory()), 10); got != StateSucceeded {
		t.Fatalf("invert 应把失败翻转为成功，实际为 %s", got)
	}
	if got := runTreeToCompletion(t, build(DecoratorForceSuccess, failingFactory()), 10); got != StateSucceeded {
		t.Fatalf("force_success 应把失败改写为成功，实际为 %s", got)
	}
	if got := runTreeToCompletion(t, build(DecoratorPass, CountdownFactory(1)), 10); got != StateSucceeded {
		t.Fatalf("pass 应原样透传，实际为 %s", got)
	}
}

func TestInstantiateProducesIndependentTrees(t *testing.T) {
	template, err := NewTemplate("independent", &TemplateNode{
		Kind: NodeRoot,
		Children: []*TemplateNode{
			{ID: "leaf", Kind: NodeLeaf, NewTask: CountdownFactory(2)},
		},
	})
	if err != nil {
		t.Fatalf("构建模板失败: %v", err)
	}

	first, err := template.Instantiate(nil)
	if err != nil {
		t.Fatalf("实例化第一棵树失败: %v", err)
	}
	second, err := template.Instantiate(nil)
	if err != nil {
		t.Fatalf("实例化第二棵树失败: %v", err)
	}

	if got := runTreeToCompletion(t, first, 10); got != StateSucceeded {
		t.Fatalf("第一棵树应成功，实际为 %s", got)
	}
	// 第一棵树跑完后，第二棵树不应有任何状态变化。
	if got := second.State(); got != StateWaiting {
		t.Fatalf("第二棵树不应受影响，实际为 %s", got)
	}
	if got := runTreeToCompletion(t, second, 10); got != StateSucceeded {
		t.Fatalf("第二棵树应独立成功，实际为 %s", got)
	}
}

func TestInstantiateAppliesOverrides(t *testing.T) {
	template, err := NewTemplate("overridable", &TemplateNode{
		Kind: NodeRoot,
		Children: []*TemplateNode{
			{
				ID:      "leaf",
				Kind:    NodeLeaf,
				Config:  map[string]any{"ticks": 1},
				NewTask: CountdownFactory(1),
			},
		},
	})
	if err != nil {
		t.Fatalf("构建模板失败: %v", err)
	}

	tree, err := template.Instantiate(Overrides{"leaf": {"ticks": 3}})
	if err != nil {
		t.Fatalf("带覆盖实例化失败: %v", err)
	}

	ctx := context.Background()
	if err := tree.StartExecution(ctx); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	ticks := 0
	for !IsTerminal(tree.Evaluate(ctx)) {
		ticks++
		if ticks > 10 {
			t.Fatal("行为树未在预期帧数内结束")
		}
	}
	// 覆盖把 ticks 从 1 提升到 3：第 3 帧才进入终态。
	if ticks+1 != 3 {
		t.Fatalf("覆盖未生效，结束用了 %d 帧", ticks+1)
	}
	if got := tree.State(); got != StateSucceeded {
		t.Fatalf("行为树应成功，实际为 %s", got)
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	registry := NewRegistry()
	template, err := NewTemplate("demo", &TemplateNode{
		Kind: NodeRoot,
		Children: []*TemplateNode{
			{ID: "leaf", Kind: NodeLeaf, NewTask: CountdownFactory(1)},
		},
	})
	if err != nil {
		t.Fatalf("构建模板失败: %v", err)
	}

	if err := registry.Register(template); err != nil {
		t.Fatalf("注册模板失败: %v", err)
	}
	if err := registry.Register(template); err == nil {
		t.Fatal("同名重复注册应返回错误")
	}

	got, err := registry.Get("demo")
	if err != nil || got != template {
		t.Fatalf("解析模板失败: %v", err)
	}
	if _, err := registry.Get("missing"); !errors.Is(err, ErrBehaviorNotFound) {
		t.Fatalf("未注册行为应返回 ErrBehaviorNotFound，实际为 %v", err)
	}
	if names := registry.Names(); len(names) != 1 || names[0] != "demo" {
		t.Fatalf("Names 返回不符: %v", names)
	}
}
