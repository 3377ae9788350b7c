package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"BehaviorMesh/internal/agent"
	"BehaviorMesh/internal/behavior"
	xerrors "BehaviorMesh/internal/errors"
)

func newTestRegistry(t *testing.T) *behavior.Registry {
	t.Helper()
	registry := behavior.NewRegistry()

	countdown, err := behavior.NewTemplate("countdown", &behavior.TemplateNode{
		Kind: behavior.NodeRoot,
		Children: []*behavior.TemplateNode{
			{ID: "leaf", Kind: behavior.NodeLeaf, NewTask: behavior.CountdownFactory(3)},
		},
	})
	if err != nil {
		t.Fatalf("构建 countdown 模板失败: %v", err)
	}
	if err := registry.Register(countdown); err != nil {
		t.Fatalf("注册 countdown 模板失败: %v", err)
	}

	broken, err := behavior.NewTemplate("broken", &behavior.TemplateNode{
		Kind: behavior.NodeRoot,
		Children: []*behavior.TemplateNode{
			{
				ID:   "leaf",
				Kind: behavior.NodeLeaf,
				NewTask: func(map[string]any) (behavior.Task, error) {
					return behavior.NewFuncTask(func(context.Context) error {
						return errors.New("执行失败")
					}), nil
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("构建 broken 模板失败: %v", err)
	}
	if err := registry.Register(broken); err != nil {
		t.Fatalf("注册 broken 模板失败: %v", err)
	}
	return registry
}

// waitForRun 直接轮询存储层，避免轮询窗口撞上可重试失败的中间状态。
func waitForRun(t *testing.T, store Store, id string, ok func(*Run) bool) *Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.Get(context.Background(), id)
		if err == nil && ok(run) {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待运行达到预期状态超时")
	return nil
}

func TestProcessorExecutesRunToSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	registry := newTestRegistry(t)
	driver := agent.New(agent.WithTickInterval(time.Millisecond), agent.WithTickBudget(100))
	service := NewService(store, queue, registry, 3)
	processor := NewProcessor(driver, registry, store, queue, queue, WithWorkerCount(2))

	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitRequest{Behavior: "countdown", AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}
	if submitted.Status != StatusPending {
		t.Fatalf("提交后的状态应为 pending，实际为 %s", submitted.Status)
	}

	run, err := service.WaitUntilCompleted(ctx, submitted.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("等待运行结束失败: %v", err)
	}
	if run.Status != StatusSucceeded {
		t.Fatalf("运行应成功结束，实际为 %s (last_error=%s)", run.Status, run.LastError)
	}
	if run.Attempts != 1 {
		t.Fatalf("一次成功的运行应只消耗 1 次尝试，实际为 %d", run.Attempts)
	}
	if run.Result == nil || run.Result.FinalState != string(behavior.StateSucceeded) {
		t.Fatalf("执行结果未落库: %+v", run.Result)
	}
	if run.Result.Ticks != 3 {
		t.Fatalf("倒计时行为应消耗 3 帧，实际为 %d", run.Result.Ticks)
	}
}

func TestProcessorExhaustsRetriesOnFailingBehavior(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	registry := newTestRegistry(t)
	driver := agent.New(agent.WithTickInterval(time.Millisecond), agent.WithTickBudget(100))
	service := NewService(store, queue, registry, 1)
	processor := NewProcessor(driver, registry, store, queue, queue)

	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitRequest{Behavior: "broken"})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}

	run, err := service.WaitUntilCompleted(ctx, submitted.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("等待运行结束失败: %v", err)
	}
	if run.Status != StatusFailed {
		t.Fatalf("运行应以失败结束，实际为 %s", run.Status)
	}
	if run.Attempts != 1 {
		t.Fatalf("max_retries=1 时应只尝试 1 次，实际为 %d", run.Attempts)
	}
	if run.ErrorCode != string(xerrors.CodeExecutorFailure) {
		t.Fatalf("错误码应为 EXECUTOR_FAILURE，实际为 %s", run.ErrorCode)
	}
}

// scriptedExecutor 按调用次序返回预设错误，用完后一律成功。
type scriptedExecutor struct {
	mu   sync.Mutex
	call int
	errs []error
}

func (e *scriptedExecutor) Run(ctx context.Context, construct behavior.Task) (*agent.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.call++
	if e.call <= len(e.errs) && e.errs[e.call-1] != nil {
		return &agent.Result{State: behavior.StateFailed, Ticks: 1}, e.errs[e.call-1]
	}
	return &agent.Result{State: behavior.StateSucceeded, Ticks: 1, Elapsed: time.Millisecond}, nil
}

func (e *scriptedExecutor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.call
}

func TestProcessorRequeuesRetryableFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	registry := newTestRegistry(t)
	executor := &scriptedExecutor{errs: []error{
		xerrors.New(xerrors.CodeExecutorFailure, "瞬时故障"),
	}}
	service := NewService(store, queue, registry, 3)
	processor := NewProcessor(executor, registry, store, queue, queue)

	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitRequest{Behavior: "countdown"})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}

	run := waitForRun(t, store, submitted.ID, func(r *Run) bool {
		return r.Status == StatusSucceeded
	})
	if run.Attempts != 2 {
		t.Fatalf("首次失败重投后应在第 2 次尝试成功，实际尝试 %d 次", run.Attempts)
	}
	if got := executor.calls(); got != 2 {
		t.Fatalf("执行器应被调用 2 次，实际 %d 次", got)
	}
}

type stubRecovery struct {
	result *ExecutionResult
}

func (r *stubRecovery) Recover(ctx context.Context, run *Run, cause error) (*ExecutionResult, error) {
	return r.result, nil
}

func TestProcessorAppliesRecoveryFallback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	registry := newTestRegistry(t)
	executor := &scriptedExecutor{errs: []error{
		xerrors.New(xerrors.CodeInvalidArgument, "构件配置非法"),
		xerrors.New(xerrors.CodeInvalidArgument, "构件配置非法"),
		xerrors.New(xerrors.CodeInvalidArgument, "构件配置非法"),
	}}
	service := NewService(store, queue, registry, 3)
	processor := NewProcessor(executor, registry, store, queue, queue,
		WithRecoveryHandler(&stubRecovery{result: &ExecutionResult{
			FinalState: string(behavior.StateSucceeded),
			Detail:     "使用缓存路径降级",
		}}),
	)

	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitRequest{Behavior: "countdown"})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}

	run, err := service.WaitUntilCompleted(ctx, submitted.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("等待运行结束失败: %v", err)
	}
	if run.Status != StatusSucceeded {
		t.Fatalf("降级成功的运行应记为成功，实际为 %s", run.Status)
	}
	if run.Result == nil || run.Result.Detail != "使用缓存路径降级" {
		t.Fatalf("降级结果未落库: %+v", run.Result)
	}
	// 不可重试错误不会重投队列。
	if got := executor.calls(); got != 1 {
		t.Fatalf("不可重试错误不应触发重试，执行器被调用 %d 次", got)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	registry := newTestRegistry(t)
	service := NewService(store, queue, registry, 3)

	if _, err := service.Submit(ctx, SubmitRequest{}); xerrors.CodeOf(err) != CodeRunValidation {
		t.Fatalf("空行为名应返回校验错误，实际为 %v", err)
	}
	if _, err := service.Submit(ctx, SubmitRequest{Behavior: "missing"}); !errors.Is(err, behavior.ErrBehaviorNotFound) {
		t.Fatalf("未注册行为应返回 ErrBehaviorNotFound，实际为 %v", err)
	}
}

func TestServiceSubmitIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	registry := newTestRegistry(t)
	service := NewService(store, queue, registry, 3)

	first, err := service.Submit(ctx, SubmitRequest{ID: "fixed-id", Behavior: "countdown"})
	if err != nil {
		t.Fatalf("首次提交失败: %v", err)
	}
	second, err := service.Submit(ctx, SubmitRequest{ID: "fixed-id", Behavior: "countdown"})
	if err != nil {
		t.Fatalf("重复提交失败: %v", err)
	}
	if second.ID != first.ID || second.CreatedAt != first.CreatedAt {
		t.Fatalf("携带相同 ID 的提交应返回同一条记录: %+v vs %+v", first, second)
	}

	// 幂等提交只入队一次。
	_ = queue.Close()
	consumed := 0
	consumeCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = queue.Consume(consumeCtx, 1, func(context.Context, string) error {
		consumed++
		return nil
	})
	if consumed != 1 {
		t.Fatalf("队列中应只有 1 条消息，实际 %d 条", consumed)
	}
}
