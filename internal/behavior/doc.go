// Package behavior 实现智能体的行为执行内核：任务状态机、顺序任务包
// （Bundle）与行为树（Tree）。所有构件都通过外部驱动器按帧推进，单次
// Evaluate 调用必须立即返回，挂起即"保持 Running 并等待下一帧"。
package behavior
