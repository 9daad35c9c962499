package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dreamware/loadgen/internal/cluster"
	"github.com/dreamware/loadgen/internal/reconnect"
	"github.com/dreamware/loadgen/internal/runner"
	"github.com/dreamware/loadgen/internal/storage"
)

// Link is the agent's view of the resilient connection.
// *reconnect.Conn implements it.
type Link interface {
	Events() <-chan reconnect.Event
	Post(msg cluster.Message)
	OK()
	Reset()
}

// Store persists the JobState. *storage.JSONFile implements it.
type Store interface {
	Read(out any) error
	Write(value any) error
}

// Launcher starts one job. *runner.Runner implements it.
type Launcher interface {
	Launch(job cluster.Job) <-chan runner.Result
}

// Agent is the worker's job lifecycle state machine.
type Agent struct {
	link     Link
	store    Store
	launcher Launcher
	facts    func() cluster.HostFacts
	logger   *slog.Logger

	state cluster.JobState

	// results is non-nil while a launched job has not reported back.
	results <-chan runner.Result
	// orphaned marks the active job as discarded; its result is dropped.
	orphaned bool
	// needWorkPending defers need_work until an orphaned job exits.
	needWorkPending bool
	// announced is set once identity and state were sent on this connection.
	announced bool
}

// New returns an Agent in the IDLE state. Call Recover before Run to pick up
// persisted state.
func New(link Link, store Store, launcher Launcher, facts func() cluster.HostFacts, logger *slog.Logger) *Agent {
	return &Agent{
		link:     link,
		store:    store,
		launcher: launcher,
		facts:    facts,
		logger:   logger,
	}
}

// State returns a copy of the current JobState. It must not be called while
// Run is active.
func (a *Agent) State() cluster.JobState {
	return *a.state.Clone()
}

// Recover loads the persisted JobState. A missing file means IDLE; any other
// read or decode failure is returned and the worker must not start. A job
// that was scheduled but never completed is launched again.
func (a *Agent) Recover() error {
	var state cluster.JobState
	err := a.store.Read(&state)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		a.logger.Info("no saved state; starting idle")
		a.state = cluster.JobState{}
		return nil
	case err != nil:
		return fmt.Errorf("loading job state: %w", err)
	}

	a.state = state
	a.logger.Info("loaded state", "phase", state.Phase())

	if state.Job == nil || state.Completed {
		return nil
	}

	a.logger.Info("relaunching interrupted job", "command", state.Job.Command)
	a.launch()
	if err := a.store.Write(&a.state); err != nil {
		return fmt.Errorf("saving relaunched job state: %w", err)
	}
	return nil
}

// Run handles link events and job results until ctx is done or the link's
// event stream ends.
func (a *Agent) Run(ctx context.Context) error {
	events := a.link.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			a.handleEvent(ev)

		case result := <-a.results:
			a.handleResult(result)
		}
	}
}

func (a *Agent) handleEvent(ev reconnect.Event) {
	switch ev.Kind {
	case reconnect.EventConnected:
		a.announced = false
		a.logger.Info("connected to coordinator")
	case reconnect.EventDisconnected:
		a.logger.Info("disconnected from coordinator")
	case reconnect.EventMessage:
		a.handleMessage(ev.Message)
	}
}

func (a *Agent) handleMessage(msg cluster.Message) {
	switch msg.Type {
	case cluster.TypeHello:
		a.hello()
	case cluster.TypeDiscard:
		a.discard()
	case cluster.TypeSchedule:
		a.schedule(msg)
	default:
		a.logger.Warn("unexpected message from coordinator", "type", msg.Type)
	}
}

func (a *Agent) hello() {
	a.link.Post(cluster.Hello())
	a.link.OK()

	if a.announced {
		return
	}
	a.announced = true

	a.link.Post(cluster.Identify(a.facts()))
	switch {
	case !a.state.Idle():
		a.link.Post(cluster.Status(&a.state))
	case a.results == nil:
		a.needWorkPending = false
		a.link.Post(cluster.NeedWork())
	default:
		// An orphaned job still holds the slot; need_work follows its exit.
		a.needWorkPending = true
	}
}

func (a *Agent) discard() {
	previous := a.state
	a.state = cluster.JobState{}
	if err := a.store.Write(&a.state); err != nil {
		a.state = previous
		a.logger.Error("saving discarded state", "error", err)
		a.link.Reset()
		return
	}
	a.logger.Info("job discarded", "previous_phase", previous.Phase())

	if a.results != nil {
		a.orphaned = true
		a.needWorkPending = true
		return
	}
	a.link.Post(cluster.NeedWork())
}

func (a *Agent) schedule(msg cluster.Message) {
	if !a.state.Idle() || a.results != nil {
		a.logger.Warn("schedule while busy; ignoring", "phase", a.state.Phase(), "runner_active", a.results != nil)
		return
	}
	if msg.State == nil || msg.State.Job == nil || msg.State.Job.Command == "" {
		a.logger.Warn("schedule without a job; ignoring")
		return
	}

	job := *msg.State.Job
	a.state = cluster.JobState{Job: &job}
	if err := a.store.Write(&a.state); err != nil {
		a.state = cluster.JobState{}
		a.logger.Error("saving scheduled state", "error", err)
		a.link.Reset()
		return
	}
	a.logger.Info("job scheduled", "command", job.Command, "args", job.Args)

	a.launch()
	if err := a.store.Write(&a.state); err != nil {
		// The child is already running; the file still says SCHEDULED, which
		// recovers by launching again.
		a.logger.Error("saving running state", "error", err)
		a.link.Reset()
	}
}

func (a *Agent) launch() {
	a.results = a.launcher.Launch(*a.state.Job)
	a.orphaned = false
	a.state.Running = true
	a.state.Completed = false
}

func (a *Agent) handleResult(result runner.Result) {
	a.results = nil

	if a.orphaned {
		a.orphaned = false
		a.logger.Info("discarded job exited", result.LogAttrs()...)
		if a.needWorkPending {
			a.needWorkPending = false
			a.link.Post(cluster.NeedWork())
		}
		return
	}

	result.Apply(&a.state)
	if err := a.store.Write(&a.state); err != nil {
		a.logger.Error("saving completed state", "error", err)
		return
	}
	a.logger.Info("job completed", result.LogAttrs()...)
	a.link.Post(cluster.Status(&a.state))
}
