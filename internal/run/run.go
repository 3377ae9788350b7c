package run

import (
	stdErrors "errors"

	xerrors "BehaviorMesh/internal/errors"
)

// Status 表示运行请求在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult 保存一次行为执行的最终结果。
type ExecutionResult struct {
	FinalState string `json:"final_state"`
	Ticks      int    `json:"ticks"`
	ElapsedMS  int64  `json:"elapsed_ms"`
	Detail     string `json:"detail,omitempty"`
}

// Run 描述一次排队等待执行的行为运行请求：某个智能体对某个已注册
// 行为模板的一次完整驱动。
type Run struct {
	ID         string                    `json:"id"`
	Behavior   string                    `json:"behavior"`
	AgentID    string                    `json:"agent_id"`
	Overrides  map[string]map[string]any `json:"overrides,omitempty"`
	Status     Status                    `json:"status"`
	Attempts   int                       `json:"attempts"`
	MaxRetries int                       `json:"max_retries"`
	LastError  string                    `json:"last_error,omitempty"`
	ErrorCode  string                    `json:"error_code,omitempty"`
	Result     *ExecutionResult          `json:"result,omitempty"`
	CreatedAt  int64                     `json:"created_at"`
	UpdatedAt  int64                     `json:"updated_at"`
}

var (
	// ErrRunNotFound 表示指定的运行请求不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行请求在当前状态下无法进行所请求的操作。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunCompleted 表示运行请求已经成功完成。
	ErrRunCompleted = xerrors.New(CodeRunCompleted, "run already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRunExhausted 表示运行请求的重试次数已经耗尽。
	ErrRunExhausted = xerrors.New(CodeRunExhausted, "run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeRunNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict   xerrors.Code = "RUN_CONFLICT"
	CodeRunCompleted  xerrors.Code = "RUN_COMPLETED"
	CodeRunExhausted  xerrors.Code = "RUN_RETRIES_EXHAUSTED"
	CodeRunValidation xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeRunPublish    xerrors.Code = "RUN_PUBLISH_FAILED"
	CodeRunProcessing xerrors.Code = "RUN_PROCESSING_FAILED"
	CodeRunCompensate xerrors.Code = "RUN_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:   "run not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:   "run conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
	})
	xerrors.Register(CodeRunCompleted, xerrors.Attributes{
		Message:   "run already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
	})
	xerrors.Register(CodeRunExhausted, xerrors.Attributes{
		Message:   "run retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:   "run validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeRunProcessing, xerrors.Attributes{
		Message:   "run execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeRunCompensate, xerrors.Attributes{
		Message:   "run compensation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
	})
}

// IsRunError 判断错误是否为指定错误码的统一运行错误。
func IsRunError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrRunNotFound):
		return target == CodeRunNotFound
	case stdErrors.Is(err, ErrRunConflict):
		return target == CodeRunConflict
	case stdErrors.Is(err, ErrRunCompleted):
		return target == CodeRunCompleted
	case stdErrors.Is(err, ErrRunExhausted):
		return target == CodeRunExhausted
	default:
		return false
	}
}

func cloneOverrides(overrides map[string]map[string]any) map[string]map[string]any {
	if overrides == nil {
		return nil
	}
	cloned := make(map[string]map[string]any, len(overrides))
	for node, cfg := range overrides {
		if cfg == nil {
			cloned[node] = nil
			continue
		}
		inner := make(map[string]any, len(cfg))
		for key, value := range cfg {
			inner[key] = value
		}
		cloned[node] = inner
	}
	return cloned
}

// IsValidStatus 检查给定的运行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
