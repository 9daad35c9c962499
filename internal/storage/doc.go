// Package storage provides the crash-safe persistence layer used by workers to
// keep their job state across process restarts and machine crashes.
//
// # Overview
//
// A worker owns exactly one small document (its JobState) and must be able to
// recover it after being killed at any instant. The package persists a single
// JSON document per path so that a crash at any point leaves the file either
// in its previous complete state or in its new complete state, never
// truncated or half written.
//
// # Write Protocol
//
// Every write follows the same sequence:
//
//	┌──────────────────────────────────────────┐
//	│ 1. encode value as JSON + newline        │
//	│ 2. write to  <dir>/.<pid>.<base>         │
//	│ 3. fsync(temp file), close               │
//	│ 4. rename(temp, target)    (atomic)      │
//	│ 5. fsync(<dir>)            (durable)     │
//	└──────────────────────────────────────────┘
//
// The temporary file lives in the same directory as the target so the rename
// never crosses a filesystem boundary. A rename only survives a power loss
// once the directory entry itself has been flushed, which is why the
// directory is synced last. A write is reported complete only after step 5.
//
// Failure at steps 1-3 removes the temporary file and leaves the target
// untouched. Failure at step 5 means the new content is visible but may not
// survive a crash; callers must treat it like any other write error.
//
// # Concurrency
//
// A path accepts one Write at a time, across every JSONFile opened on it.
// Starting a second Write while one is still in progress is a programming
// error and panics rather than
// queueing: the caller owns the ordering of its state transitions and a
// silent queue would hide a broken invariant.
//
// Reads are not guarded; a reader observes either the old or the new file.
//
// # Errors
//
// Read returns ErrNotFound when no document has ever been written. Every
// other failure is wrapped with the step and path that failed, so callers can
// log it directly and use errors.Is for the sentinel.
//
// # Example
//
//	state := storage.NewJSONFile("/var/tmp/loadgen/state.json")
//	var js cluster.JobState
//	if err := state.Read(&js); errors.Is(err, storage.ErrNotFound) {
//	    js = cluster.JobState{}
//	} else if err != nil {
//	    return err
//	}
//	js.Completed = true
//	if err := state.Write(&js); err != nil {
//	    logger.Error("persisting job state", "error", err)
//	}
package storage
