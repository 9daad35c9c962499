// Package worker implements the worker agent: the job lifecycle state
// machine that sits on top of the resilient connection.
//
// # Lifecycle
//
//	IDLE ──schedule──► SCHEDULED ──launch──► RUNNING ──exit──► COMPLETED
//	 ▲                     │                    │                 │
//	 └──────────────────discard (any state)─────┴─────────────────┘
//
// Every transition is persisted through the Store before the agent tells
// the coordinator about it, so a crash at any point leaves a state file
// from which Recover can continue: an IDLE or COMPLETED job is reported as
// is, a SCHEDULED or RUNNING job is launched again.
//
// # Messages
//
//	coordinator → worker   hello, discard, schedule
//	worker → coordinator   hello, identity, need_work, status
//
// On every hello the agent answers hello and marks the link healthy. The
// first hello on a connection is also answered with the host facts followed
// by need_work (IDLE) or a status snapshot (any other state), which lets a
// restarted coordinator rebuild its view of the fleet.
//
// # Concurrency
//
// Run owns the JobState. Link events and runner results arrive on channels
// and are handled one at a time, so no locking is needed. A discarded job
// whose process is still alive occupies the single job slot until it exits;
// its result is dropped and need_work is sent only then.
package worker
