package coordinator

import (
	"log/slog"

	"github.com/dreamware/loadgen/internal/cluster"
)

// Sender delivers a message to a worker. Registry implements it.
type Sender interface {
	Send(identity string, msg cluster.Message) error
}

// DispatchConfig controls automatic job assignment.
type DispatchConfig struct {
	// Job, when set, is scheduled on every worker that reports need_work.
	Job *cluster.Job

	// AutoDiscard sends discard as soon as a worker reports a completed
	// job, so it asks for work again.
	AutoDiscard bool
}

// Dispatcher reacts to worker messages. Wire it with
// Registry.SetOnRegistered and Registry.SetOnMessage.
type Dispatcher struct {
	sender Sender
	cfg    DispatchConfig
	logger *slog.Logger
}

// NewDispatcher returns a Dispatcher sending through sender.
func NewDispatcher(sender Sender, cfg DispatchConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, cfg: cfg, logger: logger}
}

// Registered is called once the worker completed the handshake.
func (d *Dispatcher) Registered(identity string) {
	d.logger.Info("client registered", "identity", identity)
}

// Message handles one decoded worker message.
func (d *Dispatcher) Message(identity string, msg cluster.Message) {
	logger := d.logger.With("identity", identity)

	switch msg.Type {
	case cluster.TypeIdentity:
		if msg.Identity != nil {
			logger.Info("client identity",
				"hostname", msg.Identity.Hostname,
				"os", msg.Identity.OS,
				"arch", msg.Identity.Arch,
				"cpus", msg.Identity.CPUs,
			)
		}

	case cluster.TypeNeedWork:
		if d.cfg.Job == nil {
			logger.Debug("client needs work; no job template configured")
			return
		}
		if err := d.sender.Send(identity, cluster.Schedule(*d.cfg.Job)); err != nil {
			logger.Warn("scheduling job", "error", err)
			return
		}
		logger.Info("scheduled job", "command", d.cfg.Job.Command, "args", d.cfg.Job.Args)

	case cluster.TypeStatus:
		state := msg.State
		if state == nil || !state.Completed {
			return
		}
		attrs := []any{"stdout_bytes", len(state.Stdout), "stderr_bytes", len(state.Stderr)}
		if state.Code != nil {
			attrs = append(attrs, "code", *state.Code)
		}
		if state.Signal != nil {
			attrs = append(attrs, "signal", *state.Signal)
		}
		if state.Error != "" {
			attrs = append(attrs, "launch_error", state.Error)
		}
		logger.Info("job completed", attrs...)

		if d.cfg.AutoDiscard {
			if err := d.sender.Send(identity, cluster.Discard()); err != nil {
				logger.Warn("discarding job", "error", err)
			}
		}
	}
}
