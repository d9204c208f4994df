// Package dispatch owns the task lifecycle: creation, priority-ordered
// selection, dispatch to robots over the broker, and finalization from robot
// status reports or timeouts.
//
// Failures are absorbed into task state. A task that cannot be published is
// marked failed with the transport error; a task a robot reports as failed
// keeps the robot's identity in its error string. Only store errors during
// create, query and delete reach the caller.
//
// Status changes go through task.Store.Transition, which updates a row only
// if it is still in the expected status. ProcessTask reads then transitions,
// so overlapping queue checks in one process cannot double dispatch a task.
// Running two dispatchers against one database is not supported; the
// service lock in internal/lock prevents it on a single host.
//
// ERP notifications are fire-and-forget. They run on their own goroutines
// with a context detached from the caller's cancellation, and Wait blocks
// until all in-flight notifications return.
package dispatch
