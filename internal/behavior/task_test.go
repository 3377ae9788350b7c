package behavior

import (
	"context"
	"errors"
	"testing"

	xerrors "BehaviorMesh/internal/errors"
)

func TestBaseTaskLifecycle(t *testing.T) {
	var base BaseTask

	if got := base.State(); got != StateWaiting {
		t.Fatalf("零值任务状态应为 waiting，实际为 %s", got)
	}
	if err := base.Begin(); err != nil {
		t.Fatalf("waiting -> running 迁移失败: %v", err)
	}
	if got := base.State(); got != StateRunning {
		t.Fatalf("启动后状态应为 running，实际为 %s", got)
	}
	if err := base.Begin(); err == nil {
		t.Fatal("重复启动应返回错误")
	} else if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("重复启动应报告非法迁移，实际为 %v", err)
	}

	if err := base.StopAsSucceeded(); err != nil {
		t.Fatalf("进入成功终态失败: %v", err)
	}
	if err := base.StopAsFailed(); err == nil {
		t.Fatal("终态只能设置一次，重复设置应返回错误")
	}
	if got := base.State(); got != StateSucceeded {
		t.Fatalf("终态被意外覆盖: %s", got)
	}
	if xerrors.CodeOf(base.StopAsSucceeded()) != CodeIllegalTransition {
		t.Fatal("重复终态设置应携带 ILLEGAL_TRANSITION 错误码")
	}
}

func TestBaseTaskDependencies(t *testing.T) {
	var base BaseTask
	dep := NewCountdownTask(1)

	base.AddDependency(nil)
	base.AddDependency(dep)

	deps := base.Dependencies()
	if len(deps) != 1 || deps[0] != Task(dep) {
		t.Fatalf("依赖列表不符合预期: %v", deps)
	}

	// 返回的是副本，修改副本不应影响任务本身。
	deps[0] = nil
	if got := base.Dependencies(); len(got) != 1 || got[0] == nil {
		t.Fatal("Dependencies 应返回副本")
	}
}

func TestCountdownTaskSuspendsAcrossTicks(t *testing.T) {
	ctx := context.Background()
	task := NewCountdownTask(3)

	if err := task.StartExecution(ctx); err != nil {
		t.Fatalf("启动倒计时任务失败: %v", err)
	}
	for i := 0; i < 2; i++ {
		if got := task.Evaluate(ctx); got != StateRunning {
			t.Fatalf("第 %d 帧应保持 running，实际为 %s", i+1, got)
		}
	}
	if got := task.Evaluate(ctx); got != StateSucceeded {
		t.Fatalf("第 3 帧应进入成功终态，实际为 %s", got)
	}
	// 终态后的多余 tick 不应改变任何状态。
	if got := task.Evaluate(ctx); got != StateSucceeded {
		t.Fatalf("终态后状态被改变: %s", got)
	}
}

func TestFuncTaskFailure(t *testing.T) {
	ctx := context.Background()
	task := NewFuncTask(func(context.Context) error {
		return errors.New("boom")
	})

	if err := task.StartExecution(ctx); err != nil {
		t.Fatalf("启动函数任务失败: %v", err)
	}
	if got := task.Evaluate(ctx); got != StateFailed {
		t.Fatalf("函数返回错误时任务应失败，实际为 %s", got)
	}
}

func TestEvaluateBeforeStartIsNoop(t *testing.T) {
	ctx := context.Background()
	task := NewCountdownTask(2)

	if got := task.Evaluate(ctx); got != StateWaiting {
		t.Fatalf("未启动的任务收到 tick 不应推进，实际为 %s", got)
	}
	if task.Remaining() != 2 {
		t.Fatalf("未启动的任务计数被消耗: %d", task.Remaining())
	}
}
