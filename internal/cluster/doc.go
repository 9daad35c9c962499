// Package cluster defines the wire protocol spoken between the loadgen
// coordinator and its workers, plus the JSON types and helpers of the
// coordinator's HTTP admin API.
//
// # Overview
//
// Every worker keeps exactly one upgraded connection to the coordinator. Over
// that connection both sides exchange JSON-encoded text frames, each carrying
// a Message whose Type selects the meaning:
//
//	coordinator ──────────────────────────────► worker
//	    hello        start of handshake
//	    schedule     run this Job (only honored when idle)
//	    discard      forget the current JobState, ask for work again
//
//	worker ───────────────────────────────────► coordinator
//	    hello        handshake reply
//	    identity     HostFacts, once per fresh connection
//	    need_work    worker is idle
//	    status       full JobState snapshot
//
// In addition both ends emit the raw text frame "ping" (ProbeText) on a fixed
// interval as a liveness probe. Probes are not JSON and never reach the
// message layer.
//
// # Resynchronization
//
// Messages are delivered in order within one connection but may be lost
// across a reconnect; there is no replay. The protocol therefore
// resynchronizes on every connect: after the hello exchange the worker
// always reports either need_work or its status, so the coordinator never
// depends on having seen any particular historical message.
//
// # Job State
//
// JobState is the single document a worker persists. A JobState with a nil
// Job is the idle state. Running and Completed are never both true; once
// Completed is set the result fields (Code or Signal, Stdout, Stderr, Error)
// describe how the job ended.
//
// # Admin API
//
// The coordinator also serves a small HTTP API for operators (see
// cmd/coordinator). PostJSON and GetJSON are the client side used by jobctl,
// and WorkerInfo and ScheduleRequest are the shared payloads.
package cluster
