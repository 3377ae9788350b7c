package agent

import (
	"context"
	"testing"
	"time"

	"BehaviorMesh/internal/behavior"
	xerrors "BehaviorMesh/internal/errors"
)

func TestDriverRunsCountdownToCompletion(t *testing.T) {
	driver := New(WithTickInterval(time.Millisecond), WithTickBudget(100))
	task := behavior.NewCountdownTask(3)

	result, err := driver.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("驱动倒计时任务失败: %v", err)
	}
	if result.State != behavior.StateSucceeded {
		t.Fatalf("最终状态应为 succeeded，实际为 %s", result.State)
	}
	if result.Ticks != 3 {
		t.Fatalf("倒计时 3 帧的任务应恰好消耗 3 帧，实际为 %d", result.Ticks)
	}
}

func TestDriverRejectsNilConstruct(t *testing.T) {
	driver := New(WithTickInterval(time.Millisecond))
	if _, err := driver.Run(context.Background(), nil); err == nil {
		t.Fatal("空构件应返回错误")
	}
}

func TestDriverEnforcesTickBudget(t *testing.T) {
	driver := New(WithTickInterval(time.Millisecond), WithTickBudget(5))
	task := behavior.NewCountdownTask(100)

	result, err := driver.Run(context.Background(), task)
	if err == nil {
		t.Fatal("帧数预算耗尽应返回错误")
	}
	if got := xerrors.CodeOf(err); got != behavior.CodeTickBudgetExceeded {
		t.Fatalf("错误码应为 TICK_BUDGET_EXCEEDED，实际为 %s", got)
	}
	if result == nil || result.State != behavior.StateFailed {
		t.Fatalf("预算耗尽时结果状态应为 failed: %+v", result)
	}
	if result.Ticks != 5 {
		t.Fatalf("应恰好消耗完 5 帧预算，实际为 %d", result.Ticks)
	}
}

func TestDriverReportsPreconditionFailureAsResult(t *testing.T) {
	driver := New(WithTickInterval(time.Millisecond))
	bundle := behavior.NewBundle(
		behavior.WithBundleTasks(behavior.NewCountdownTask(1)),
		behavior.WithBundlePreconditions(func() bool { return false }),
	)

	result, err := driver.Run(context.Background(), bundle)
	if err != nil {
		t.Fatalf("前置条件失败属于预期结果，不应返回错误: %v", err)
	}
	if result.State != behavior.StateFailed {
		t.Fatalf("结果状态应为 failed，实际为 %s", result.State)
	}
}

func TestDriverStopsOnContextCancel(t *testing.T) {
	driver := New(WithTickInterval(50*time.Millisecond), WithTickBudget(1000))
	task := behavior.NewCountdownTask(1000)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := driver.Run(ctx, task)
	if err == nil {
		t.Fatal("上下文取消应返回错误")
	}
	if got := xerrors.CodeOf(err); got != xerrors.CodeTimeout {
		t.Fatalf("错误码应为 TIMEOUT，实际为 %s", got)
	}
	if result == nil || result.State != behavior.StateFailed {
		t.Fatalf("取消时结果状态应为 failed: %+v", result)
	}
}

func TestDriverRunsBundleOfBundles(t *testing.T) {
	driver := New(WithTickInterval(time.Millisecond), WithTickBudget(100))

	inner := behavior.NewBundle(behavior.WithBundleTasks(
		behavior.NewCountdownTask(2),
	))
	outer := behavior.NewBundle(behavior.WithBundleTasks(
		behavior.NewCountdownTask(1),
		inner,
	))

	result, err := driver.Run(context.Background(), outer)
	if err != nil {
		t.Fatalf("驱动嵌套任务包失败: %v", err)
	}
	if result.State != behavior.StateSucceeded {
		t.Fatalf("嵌套任务包应成功，实际为 %s", result.State)
	}
}
