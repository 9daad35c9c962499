// Package reconnect keeps one logical connection from a worker to the
// coordinator alive across any number of transport failures.
//
// A Conn moves between three states:
//
//	Disconnected ──(backoff delay)──► Connecting ──(upgrade ok)──► Connected
//	      ▲                               │                            │
//	      └────────(dial error)───────────┘                            │
//	      └──(end-of-stream, missed probes, bad frame, Reset)──────────┘
//
// Run drives the machine from a single goroutine and publishes Connected,
// Disconnected and Message events on the Events channel. The application
// answers through Post, OK and Reset, which are safe to call from any
// goroutine.
//
// Backoff only restarts when the application calls OK: a transport that
// comes up but fails the protocol handshake keeps growing the delay.
package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/loadgen/internal/cluster"
	"github.com/dreamware/loadgen/internal/heartbeat"
	"github.com/dreamware/loadgen/internal/transport"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind identifies an Event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to the application. Message is set for EventMessage.
type Event struct {
	Kind    EventKind
	Message cluster.Message
}

// DialFunc establishes one transport to the coordinator.
type DialFunc func(ctx context.Context) (transport.Conn, error)

// Config tunes reconnection and liveness.
type Config struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
	ProbeInterval time.Duration
	MaxMissed     int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		JitterPercent: 50,
		ProbeInterval: heartbeat.DefaultInterval,
		MaxMissed:     heartbeat.DefaultMaxMissed,
	}
}

// Conn is the worker's resilient connection.
type Conn struct {
	dial    DialFunc
	cfg     Config
	logger  *slog.Logger
	backoff *Backoff
	events  chan Event

	mu      sync.Mutex
	state   State
	current transport.Conn
}

// New returns a Conn that is not yet running. Call Run to start connecting.
func New(dial DialFunc, cfg Config, logger *slog.Logger) *Conn {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = heartbeat.DefaultInterval
	}
	return &Conn{
		dial:    dial,
		cfg:     cfg,
		logger:  logger,
		backoff: NewBackoff(cfg.InitialDelay, cfg.MaxDelay, cfg.JitterPercent),
		events:  make(chan Event),
	}
}

// Events returns the event stream. It is closed when Run returns.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Backoff exposes the reconnect policy for inspection.
func (c *Conn) Backoff() *Backoff {
	return c.backoff
}

// Run connects and reconnects until ctx is done. The first attempt is
// immediate; each later one waits for the next backoff delay.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.events)

	first := true
	for {
		if !first {
			delay := c.backoff.Next()
			c.logger.Info("backoff", "attempt", c.backoff.Attempt(), "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		first = false

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("attach request error", "error", err)
			continue
		}

		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Post sends msg on the current transport. While disconnected the message is
// dropped, not queued.
func (c *Conn) Post(msg cluster.Message) {
	text, err := cluster.Encode(msg)
	if err != nil {
		c.logger.Error("encoding outbound message", "type", msg.Type, "error", err)
		return
	}

	c.mu.Lock()
	conn := c.current
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug("not connected; dropping message", "type", msg.Type)
		return
	}
	if err := conn.Send(text); err != nil {
		c.logger.Warn("sending message", "type", msg.Type, "error", err)
	}
}

// Reset forcibly tears down the current transport. The normal disconnect and
// backoff path takes over from there.
func (c *Conn) Reset() {
	c.logger.Info("connection reset by consumer")

	c.mu.Lock()
	conn := c.current
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// OK marks the current connection healthy and clears the backoff state.
func (c *Conn) OK() {
	c.logger.Info("connection marked ok")
	c.backoff.Reset()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) install(conn transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		panic("reconnect: duplicate transport")
	}
	c.current = conn
	c.state = StateConnected
}

func (c *Conn) uninstall() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = nil
	c.state = StateDisconnected
}

// serve runs one transport from installation until it ends, then reports
// the disconnect.
func (c *Conn) serve(ctx context.Context, conn transport.Conn) {
	logger := c.logger.With("connection_id", conn.ID(), "remote", conn.RemoteAddr())

	c.install(conn)
	logger.Info("connected")

	frames := make(chan string)
	ended := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		for {
			text, err := conn.Recv()
			if err != nil {
				ended <- err
				return
			}
			select {
			case frames <- text:
			case <-stop:
				return
			}
		}
	}()

	reason := "context done"
	if c.emit(ctx, Event{Kind: EventConnected}) {
		reason = c.pump(ctx, conn, frames, ended, logger)
	}

	close(stop)
	conn.Close()
	c.uninstall()
	logger.Info("connection ends", "reason", reason)

	c.emit(ctx, Event{Kind: EventDisconnected})
}

// pump handles inbound frames and the liveness probe until the transport has
// to go. It returns why.
func (c *Conn) pump(ctx context.Context, conn transport.Conn, frames <-chan string, ended <-chan error, logger *slog.Logger) string {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	probes := heartbeat.New(c.cfg.MaxMissed)

	for {
		select {
		case <-ctx.Done():
			return "context done"

		case err := <-ended:
			return fmt.Sprintf("end of stream: %v", err)

		case <-ticker.C:
			if probes.Tick() {
				logger.Warn("missed pings; destroying", "missed", probes.Missed())
				return "liveness probe timeout"
			}
			if err := conn.Send(cluster.ProbeText); err != nil {
				logger.Warn("sending ping", "error", err)
			}

		case text := <-frames:
			if text == cluster.ProbeText {
				probes.Seen()
				continue
			}

			msg, err := cluster.Decode(text)
			if err != nil {
				logger.Error("server JSON parse error", "error", err)
				return "protocol violation"
			}
			if !c.emit(ctx, Event{Kind: EventMessage, Message: msg}) {
				return "context done"
			}
		}
	}
}

func (c *Conn) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
