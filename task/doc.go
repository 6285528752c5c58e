// Package task is the control plane of guest processes and threads.
//
// A ControlPlane issues process identities. Each Process issues thread
// identities and owns its interval timers. Threads carry a signal queue, a
// stack snapshot and a sticky exit status:
//
//	Created -> Running -> Signaled | Terminated
//
// Creating a thread returns a ThreadHandle. The handle is the only thing
// keeping the thread slot allocated; it must be joined or released.
//
// Exit statuses are set once. Every later Terminate is ignored and every
// TryJoin returns the first code.
package task
