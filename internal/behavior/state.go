package behavior

// State 表示任务在生命周期中的状态。
type State string

const (
	// StateWaiting 表示任务已创建但尚未开始执行。
	StateWaiting State = "waiting"
	// StateRunning 表示任务正在逐帧推进。
	StateRunning State = "running"
	// StateSucceeded 表示任务已成功结束（终态）。
	StateSucceeded State = "succeeded"
	// StateFailed 表示任务已失败结束（终态）。
	StateFailed State = "failed"
)

// IsTerminal 判断状态是否为终态。
func IsTerminal(state State) bool {
	return state == StateSucceeded || state == StateFailed
}

// IsValidState 检查给定的状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StateWaiting, StateRunning, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}
