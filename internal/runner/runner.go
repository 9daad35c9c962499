// Package runner executes one job at a time as a child process and reports
// how it ended.
package runner

import (
	"bytes"
	"errors"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dreamware/loadgen/internal/cluster"
)

// Result is the outcome of one job. Exactly one of Code, Signal or Err
// describes how it ended.
type Result struct {
	Code   *int
	Signal *string
	Stdout string
	Stderr string
	Err    error
}

// Apply copies the outcome into state and marks it completed.
func (r Result) Apply(state *cluster.JobState) {
	state.Running = false
	state.Completed = true
	state.Code = r.Code
	state.Signal = r.Signal
	state.Stdout = r.Stdout
	state.Stderr = r.Stderr
	state.Error = ""
	if r.Err != nil {
		state.Error = r.Err.Error()
	}
}

// Runner launches jobs. A process has a single job slot, so a Runner holds
// at most one child at a time.
type Runner struct {
	dir    string
	logger *slog.Logger
	active atomic.Bool
}

// New returns a Runner that starts children in dir (the current directory
// when empty).
func New(dir string, logger *slog.Logger) *Runner {
	return &Runner{dir: dir, logger: logger}
}

// Active reports whether a child is running.
func (r *Runner) Active() bool {
	return r.active.Load()
}

// Launch starts job and returns a channel that receives its Result once.
// Launching while another job is active is a programming error and panics.
func (r *Runner) Launch(job cluster.Job) <-chan Result {
	if !r.active.CompareAndSwap(false, true) {
		panic("runner: launch while a job is active")
	}

	done := make(chan Result, 1)
	logger := r.logger.With("command", job.Command, "args", job.Args)

	cmd := exec.Command(job.Command, job.Args...)
	cmd.Dir = r.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		logger.Error("failed to spawn job", "error", err)
		r.active.Store(false)
		done <- Result{Err: err}
		return done
	}
	logger.Info("job started", "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			code := 0
			result.Code = &code
		case errors.As(err, &exitErr):
			status, ok := exitErr.Sys().(syscall.WaitStatus)
			if ok && status.Signaled() {
				name := unix.SignalName(status.Signal())
				if name == "" {
					name = status.Signal().String()
				}
				result.Signal = &name
			} else {
				code := exitErr.ExitCode()
				result.Code = &code
			}
		default:
			result.Err = err
		}

		logger.Info("job finished", result.LogAttrs()...)
		r.active.Store(false)
		done <- result
	}()
	return done
}

// LogAttrs returns the set fields of r as slog key/value pairs.
func (r Result) LogAttrs() []any {
	var attrs []any
	if r.Code != nil {
		attrs = append(attrs, "code", *r.Code)
	}
	if r.Signal != nil {
		attrs = append(attrs, "signal", *r.Signal)
	}
	if r.Err != nil {
		attrs = append(attrs, "error", r.Err)
	}
	return attrs
}
