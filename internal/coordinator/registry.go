// Package coordinator implements the coordinator side of the worker fleet.
// See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/loadgen/internal/cluster"
	"github.com/dreamware/loadgen/internal/heartbeat"
	"github.com/dreamware/loadgen/internal/transport"
)

var (
	// ErrUnknownWorker is returned for an identity that never attached.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrWorkerOffline is returned when the worker has no live transport.
	ErrWorkerOffline = errors.New("worker offline")
	// ErrNotRegistered is returned before the worker answered the handshake.
	ErrNotRegistered = errors.New("worker has not completed the handshake")
)

// Record is the coordinator's knowledge about one worker identity. Records
// are created on first attach and never deleted, so an offline worker that
// was seen before stays distinguishable from one that never connected.
//
// All fields are protected by the owning Registry's mutex.
type Record struct {
	// Identity is the registry key taken from /attach/{identity}.
	Identity string

	// FirstSeen is when this identity attached for the first time.
	FirstSeen time.Time

	// LastConnected is when the current (or most recent) transport was
	// installed.
	LastConnected time.Time

	// conn is the live transport, nil while the worker is offline.
	conn transport.Conn

	// helloCount counts hello replies on the current transport; only the
	// first one completes the handshake.
	helloCount int

	// registered is set once the current transport completed the handshake.
	registered bool

	// probes counts probe intervals without an inbound ping on the current
	// transport.
	probes *heartbeat.Monitor

	facts     *cluster.HostFacts
	state     *cluster.JobState
	needsWork bool
}

// Registry maps worker identities to at most one live transport each and runs
// the hello handshake on every newly installed transport.
//
// Takeover model:
//
//	Attach("w1", T2) while w1 → T1
//	  ├─ T1 detached (its later frames and end-of-stream are ignored)
//	  ├─ T1 destroyed
//	  └─ w1 → T2, hello sent on T2
//
// Thread Safety:
// Attach, Send and the query methods are called from HTTP handlers while
// every transport has its own reader goroutine, so all record access goes
// through mu. Callbacks run outside the lock.
type Registry struct {
	mu           sync.Mutex
	records      map[string]*Record
	logger       *slog.Logger
	maxMissed    int
	now          func() time.Time
	onRegistered func(identity string)
	onMessage    func(identity string, msg cluster.Message)
}

// NewRegistry returns an empty registry. maxMissed is the number of silent
// probe intervals after which a transport is destroyed.
func NewRegistry(logger *slog.Logger, maxMissed int) *Registry {
	return &Registry{
		records:   make(map[string]*Record),
		logger:    logger,
		maxMissed: maxMissed,
		now:       time.Now,
	}
}

// SetOnRegistered sets the callback invoked once per transport when the
// worker's first hello reply arrives. It runs after that frame has been fully
// processed and outside the registry lock, on the transport's reader
// goroutine.
func (r *Registry) SetOnRegistered(callback func(identity string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRegistered = callback
}

// SetOnMessage sets the callback invoked for every decoded non-hello message.
// It runs outside the registry lock.
func (r *Registry) SetOnMessage(callback func(identity string, msg cluster.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = callback
}

// Attach admits conn as the transport for identity, superseding any live
// transport already registered under it, and starts the handshake.
func (r *Registry) Attach(identity string, conn transport.Conn) {
	logger := r.logger.With("identity", identity, "remote", conn.RemoteAddr(), "connection_id", conn.ID())
	now := r.now()

	r.mu.Lock()
	rec, ok := r.records[identity]
	switch {
	case !ok:
		logger.Info("registering new client")
		rec = &Record{Identity: identity, FirstSeen: now}
		r.records[identity] = rec
	case rec.conn != nil:
		// Typically a partition: the worker gave up and reconnected while
		// the old socket still looks open from here.
		old := rec.conn
		logger.Info("replacing old client connection", "old_remote", old.RemoteAddr(), "old_connection_id", old.ID())
		rec.conn = nil
		old.Close()
	default:
		logger.Info("client reconnected")
	}

	rec.conn = conn
	rec.LastConnected = now
	rec.helloCount = 0
	rec.registered = false
	rec.needsWork = false
	rec.probes = heartbeat.New(r.maxMissed)
	r.mu.Unlock()

	go r.read(identity, conn, logger)

	if err := sendMessage(conn, cluster.Hello()); err != nil {
		logger.Warn("sending hello", "error", err)
	}
}

// read consumes frames from one transport until it ends.
func (r *Registry) read(identity string, conn transport.Conn, logger *slog.Logger) {
	for {
		text, err := conn.Recv()
		if err != nil {
			r.detach(identity, conn, err, logger)
			return
		}
		r.handleFrame(identity, conn, text, logger)
	}
}

// detach clears the transport of identity if conn is still the installed one.
func (r *Registry) detach(identity string, conn transport.Conn, cause error, logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[identity]
	if rec == nil || rec.conn != conn {
		return
	}
	logger.Info("client closed connection", "reason", cause)
	rec.conn = nil
	rec.registered = false
}

func (r *Registry) handleFrame(identity string, conn transport.Conn, text string, logger *slog.Logger) {
	r.mu.Lock()
	rec := r.records[identity]
	if rec == nil || rec.conn != conn {
		// Superseded transport: its listeners are detached.
		r.mu.Unlock()
		return
	}

	if text == cluster.ProbeText {
		rec.probes.Seen()
		r.mu.Unlock()
		return
	}

	msg, err := cluster.Decode(text)
	if err != nil {
		r.mu.Unlock()
		logger.Error("client JSON parse error", "error", err)
		conn.Close()
		return
	}

	var registered func(identity string)
	switch msg.Type {
	case cluster.TypeHello:
		rec.helloCount++
		if rec.helloCount == 1 {
			logger.Info("received hello")
			rec.registered = true
			registered = r.onRegistered
		}
	case cluster.TypeIdentity:
		rec.facts = msg.Identity
	case cluster.TypeNeedWork:
		rec.needsWork = true
		rec.state = &cluster.JobState{}
	case cluster.TypeStatus:
		rec.state = msg.State.Clone()
		rec.needsWork = false
		if msg.State != nil {
			logger.Info("client status", "phase", msg.State.Phase())
		}
	default:
		logger.Warn("unexpected message from client", "type", msg.Type)
	}
	onMessage := r.onMessage
	r.mu.Unlock()

	if msg.Type != cluster.TypeHello && onMessage != nil {
		onMessage(identity, msg)
	}
	if registered != nil {
		registered(identity)
	}
}

// Send delivers msg to the live, registered transport of identity.
func (r *Registry) Send(identity string, msg cluster.Message) error {
	r.mu.Lock()
	rec := r.records[identity]
	if rec == nil {
		r.mu.Unlock()
		return ErrUnknownWorker
	}
	conn := rec.conn
	registered := rec.registered
	r.mu.Unlock()

	if conn == nil {
		return ErrWorkerOffline
	}
	if !registered {
		return ErrNotRegistered
	}
	return sendMessage(conn, msg)
}

// Probe runs one liveness interval over every live transport: transports
// whose peer stayed silent for too long are destroyed, the rest receive a
// probe. It returns how many transports were probed and destroyed.
func (r *Registry) Probe() (probed, expired int) {
	r.mu.Lock()
	var live, dead []transport.Conn
	for _, rec := range r.records {
		if rec.conn == nil {
			continue
		}
		if rec.probes.Tick() {
			r.logger.Warn("missed pings; destroying", "identity", rec.Identity, "missed", rec.probes.Missed())
			dead = append(dead, rec.conn)
			continue
		}
		live = append(live, rec.conn)
	}
	r.mu.Unlock()

	for _, conn := range dead {
		conn.Close()
	}
	for _, conn := range live {
		if err := conn.Send(cluster.ProbeText); err != nil {
			r.logger.Debug("sending ping", "connection_id", conn.ID(), "error", err)
		}
	}
	return len(live), len(dead)
}

// CloseAll destroys every live transport. Records stay, now offline.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var live []transport.Conn
	for _, rec := range r.records {
		if rec.conn != nil {
			live = append(live, rec.conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range live {
		conn.Close()
	}
}

// Get returns a snapshot of the record for identity.
func (r *Registry) Get(identity string) (cluster.WorkerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[identity]
	if !ok {
		return cluster.WorkerInfo{}, false
	}
	return rec.info(), true
}

// List returns snapshots of all records ordered by identity.
func (r *Registry) List() []cluster.WorkerInfo {
	r.mu.Lock()
	out := make([]cluster.WorkerInfo, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.info())
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b cluster.WorkerInfo) int {
		return strings.Compare(a.Identity, b.Identity)
	})
	return out
}

// Len returns the number of known identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// info must be called with the registry lock held.
func (rec *Record) info() cluster.WorkerInfo {
	out := cluster.WorkerInfo{
		Identity:      rec.Identity,
		Online:        rec.conn != nil,
		Registered:    rec.registered,
		FirstSeen:     rec.FirstSeen,
		LastConnected: rec.LastConnected,
		NeedsWork:     rec.needsWork,
		State:         rec.state.Clone(),
	}
	if rec.conn != nil {
		out.ConnectionID = rec.conn.ID()
		out.Remote = rec.conn.RemoteAddr()
	}
	if rec.facts != nil {
		facts := *rec.facts
		out.Facts = &facts
	}
	return out
}

func sendMessage(conn transport.Conn, msg cluster.Message) error {
	text, err := cluster.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Send(text)
}
