// Package agent contains the frame driver that owns an agent's active
// top-level construct (a task bundle or a behavior tree). It starts the
// construct once, then advances it by exactly one evaluation per tick
// interval until a terminal state is observed or the tick budget runs out.
package agent
