package coordinator

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/loadgen/internal/cluster"
	"github.com/dreamware/loadgen/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// attach installs a fresh pipe for identity and returns the worker's end.
func attach(t *testing.T, r *Registry, identity string) transport.Conn {
	t.Helper()
	workerEnd, coordinatorEnd := transport.Pipe()
	r.Attach(identity, coordinatorEnd)
	return workerEnd
}

func recvMessage(t *testing.T, peer transport.Conn) cluster.Message {
	t.Helper()
	text, err := peer.Recv()
	require.NoError(t, err)
	msg, err := cluster.Decode(text)
	require.NoError(t, err)
	return msg
}

func send(t *testing.T, peer transport.Conn, msg cluster.Message) {
	t.Helper()
	text, err := cluster.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, peer.Send(text))
}

// handshake answers the hello on peer and waits until the registry saw it.
func handshake(t *testing.T, r *Registry, identity string, peer transport.Conn) {
	t.Helper()
	require.Equal(t, cluster.TypeHello, recvMessage(t, peer).Type)
	send(t, peer, cluster.Hello())
	require.Eventually(t, func() bool {
		info, ok := r.Get(identity)
		return ok && info.Registered
	}, time.Second, 5*time.Millisecond)
}

// TestRegistryAttachSendsHello verifies a new identity gets a record and a
// hello on its transport.
func TestRegistryAttachSendsHello(t *testing.T) {
	r := NewRegistry(discardLogger(), 3)
	peer := attach(t, r, "w1")

	msg := recvMessage(t, peer)
	assert.Equal(t, cluster.TypeHello, msg.Type)

	info, ok := r.Get("w1")
	require.True(t, ok)
	assert.True(t, info.Online)
	assert.False(t, info.Registered)
	assert.False(t, info.FirstSeen.IsZero())
	assert.Equal(t, info.FirstSeen, info.LastConnected)
	assert.NotEmpty(t, info.ConnectionID)
	assert.Equal(t, 1, r.Len())
}

// TestRegistryRegistrationOnce verifies only the first hello reply on a
// transport completes the handshake.
func TestRegistryRegistrationOnce(t *testing.T) {
	r := NewRegistry(discardLogger(), 3)

	var mu sync.Mutex
	calls := 0
	r.SetOnRegistered(func(identity string) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "w1", identity)
		calls++
	})

	var messages []cluster.MessageType
	r.SetOnMessage(func(identity string, msg cluster.Message) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, msg.Type)
	})

	peer := attach(t, r, "w1")
	handshake(t, r, "w1", peer)
	send(t, peer, cluster.Hello())
	send(t, peer, cluster.NeedWork())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, []cluster.MessageType{cluster.TypeNeedWork}, messages)
}

// TestRegistryTakeover verifies a second attach under the same identity
// destroys the first transport and routes traffic to the new one only.
func TestRegistryTakeover(t *testing.T) {
	r := NewRegistry(discardLogger(), 3)

	first := attach(t, r, "w1")
	handshake(t, r, "w1", first)
	before, _ := r.Get("w1")

	second := attach(t, r, "w1")

	_, err := first.Recv()
	assert.ErrorIs(t, err, transport.ErrClosed, "superseded transport must be destroyed")

	handshake(t, r, "w1", second)
	require.NoError(t, r.Send("w1", cluster.Discard()))
	assert.Equal(t, cluster.TypeDiscard, recvMessage(t, second).Type)

	after, _ := r.Get("w1")
	assert.Equal(t, before.FirstSeen, after.FirstSeen)
	assert.NotEqual(t, before.ConnectionID, after.ConnectionID)
	assert.Equal(t, 1, r.Len())
}

// TestRegistrySupersededFramesIgnored verifies the old transport's end of
// stream does not knock the new one offline.
func TestRegistrySupersededFramesIgnored(t *testing.T) {
	r := NewRegistry(discardLogger(), 3)

	workerOld, coordinatorOld := transport.Pipe()
	r.Attach("w1", coordinatorOld)
	second := attach(t, r, "w1")
	handshake(t, r, "w1", second)

	// Frames racing in on the old transport after takeover are dropped.
	r.handleFrame("w1", coordinatorOld, `{"type":"need_work"}`, discardLogger())
	r.detach("w1", coordinatorOld, io.EOF, discardLogger())
	workerOld.Close()

	info, _ := r.Get("w1")
	assert.True(t, info.Online)
	assert.True(t, info.Registered)
	assert.False(t, info.NeedsWork)
}

// TestRegistryEndOfStream verifies a closed transport leaves an offline
// record behind.
func TestRegistryEndOfStream(t *testing.T) {
	r := NewRegistry(discardLogger(), 3)

	peer := attach(t, r, "w1")
	handshake(t, r, "w1", peer)
	before, _ := r.Get("w1")

	peer.Close()
	require.Eventually(t, func() bool {
		info, _ := r.Get("w1")
		return !info.Online
	}, time.Second, 5*time.Millisecond)

	info, ok := r.Get("w1")
	require.True(t, ok)
	assert.False(t, info.Registered)
	assert.Empty(t, info.ConnectionID)
	assert.Equal(t, before.FirstSeen, info.FirstSeen)
	assert.Equal(t, before.LastConnected, info.LastConnected)
	assert.ErrorIs(t, r.Send("w1", cluster.Discard()), ErrWorkerOffline)

	// Reconnect reuses the record.
	again := attach(t, r, "w1")
	handshake(t, r, "w1", again)
	info, _ = r.Get("w1")
	assert.Equal(t, before.FirstSeen, info.FirstSeen)
	assert.True(t, info.Online)
}

// TestRegistrySendErrors covers the error paths of Send.
func TestRegistrySendErrors(t *testing.T) {
	r := NewRegistry(discardLogger(), 3)

	assert.ErrorIs(t, r.Send("ghost", cluster.Discard()), ErrUnknownWorker)

	peer := attach(t, r, "w1")
	assert.ErrorIs(t, r.Send("w1", cluster.Discard()), ErrNotRegistered)

	handshake(t, r, "w1", peer)
	assert.NoError(t, r.Send("w1", cluster.Schedule(cluster.Job{Command: "true"})))
	msg := recvMessage(t, peer)
	assert.Equal(t, cluster.TypeSchedule, msg.Type)
	require.NotNil(t, msg.State)
	require.NotNil(t, msg.State.Job)
	assert.Equal(t, "true", msg.State.Job.Command)
}

// TestRegistryRecordsAnnouncements verifies identity, need_work and status
// messages land in the record.
func TestRegistryRecordsAnnouncements(t *testing.T) {
	r := NewRegistry(discardLogger(), 3)
	peer := attach(t, r, "w1")
	handshake(t, r, "w1", peer)

	send(t, peer, cluster.Identify(cluster.HostFacts{Hostname: "box", CPUs: 4}))
	send(t, peer, cluster.NeedWork())
	require.Eventually(t, func() bool {
		info, _ := r.Get("w1")
		return info.NeedsWork && info.Facts != nil
	}, time.Second, 5*time.Millisecond)

	info, _ := r.Get("w1")
	assert.Equal(t, "box", info.Facts.Hostname)
	assert.Equal(t, 4, info.Facts.CPUs)
	require.NotNil(t, info.State)
	assert.True(t, info.State.Idle())

	code := 0
	send(t, peer, cluster.Status(&cluster.JobState{
		Job:       &cluster.Job{Command: "true", Args: []string{}},
		Completed: true,
		Code:      &code,
	}))
	require.Eventually(t, func() bool {
		info, _ := r.Get("w1")
		return !info.NeedsWork
	}, time.Second, 5*time.Millisecond)

	info, _ = r.Get("w1")
	assert.False(t, info.NeedsWork)
	assert.Equal(t, "completed", info.State.Phase())
}

// TestRegistryMalformedFrame verifies unparseable input destroys the
// transport.
func TestRegistryMalformedFrame(t *testing.T) {
	r := NewRegistry(discardLogger(), 3)
	peer := attach(t, r, "w1")
	handshake(t, r, "w1", peer)

	require.NoError(t, peer.Send("{oops"))
	require.Eventually(t, func() bool {
		info, _ := r.Get("w1")
		return !info.Online
	}, time.Second, 5*time.Millisecond)

	_, err := peer.Recv()
	assert.ErrorIs(t, err, transport.ErrClosed)
}

// TestRegistryProbe verifies silent transports are destroyed after maxMissed
// rounds and inbound pings keep them alive.
func TestRegistryProbe(t *testing.T) {
	r := NewRegistry(discardLogger(), 2)
	silent := attach(t, r, "silent")
	chatty := attach(t, r, "chatty")
	handshake(t, r, "silent", silent)
	handshake(t, r, "chatty", chatty)

	ping := func() {
		require.NoError(t, chatty.Send(cluster.ProbeText))
		text, err := chatty.Recv()
		require.NoError(t, err)
		require.Equal(t, cluster.ProbeText, text)
	}

	for round := 0; round < 2; round++ {
		probed, expired := r.Probe()
		assert.Equal(t, 2, probed)
		assert.Equal(t, 0, expired)

		text, err := silent.Recv()
		require.NoError(t, err)
		assert.Equal(t, cluster.ProbeText, text)
		ping()
		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.records["chatty"].probes.Missed() == 0
		}, time.Second, 5*time.Millisecond)
	}

	probed, expired := r.Probe()
	assert.Equal(t, 1, probed)
	assert.Equal(t, 1, expired)

	_, err := silent.Recv()
	assert.ErrorIs(t, err, transport.ErrClosed)
	require.Eventually(t, func() bool {
		info, _ := r.Get("silent")
		return !info.Online
	}, time.Second, 5*time.Millisecond)

	info, _ := r.Get("chatty")
	assert.True(t, info.Online)
}

// TestRegistryListSorted verifies List orders by identity.
func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry(discardLogger(), 3)
	for _, id := range []string{"w3", "w1", "w2"} {
		attach(t, r, id)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "w1", list[0].Identity)
	assert.Equal(t, "w2", list[1].Identity)
	assert.Equal(t, "w3", list[2].Identity)

	_, ok := r.Get("missing")
	assert.False(t, ok)
}

// TestRegistryCloseAll verifies shutdown drops every transport but keeps
// the records.
func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(discardLogger(), 3)
	a := attach(t, r, "a")
	b := attach(t, r, "b")

	r.CloseAll()

	for _, peer := range []transport.Conn{a, b} {
		_, err := peer.Recv()
		assert.ErrorIs(t, err, transport.ErrClosed)
	}
	require.Eventually(t, func() bool {
		for _, info := range r.List() {
			if info.Online {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, r.Len())
}
