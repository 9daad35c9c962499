// Package heartbeat counts liveness probe intervals for one side of a link.
//
// Both ends of a worker connection run the same contract: on every probe
// interval they call Tick, which either declares the peer dead or counts
// one more missed interval (after which the caller sends its own probe).
// Any probe received from the peer calls Seen and resets the count. A link
// therefore stays up only while both sides keep sending probes.
package heartbeat

import "time"

const (
	// DefaultInterval is the probe period.
	DefaultInterval = 8 * time.Second
	// DefaultMaxMissed is the number of silent intervals tolerated.
	DefaultMaxMissed = 3
)

// Monitor tracks consecutive probe intervals without inbound traffic.
// It is not safe for concurrent use; callers own the synchronization.
type Monitor struct {
	missed    int
	maxMissed int
}

// New returns a Monitor that expires after maxMissed silent intervals.
// Non-positive values fall back to DefaultMaxMissed.
func New(maxMissed int) *Monitor {
	if maxMissed <= 0 {
		maxMissed = DefaultMaxMissed
	}
	return &Monitor{maxMissed: maxMissed}
}

// Tick is called once per interval. It returns true when the peer has been
// silent for maxMissed intervals; otherwise it records one more missed
// interval and the caller should send a probe.
func (m *Monitor) Tick() (expired bool) {
	if m.missed >= m.maxMissed {
		return true
	}
	m.missed++
	return false
}

// Seen records an inbound probe from the peer.
func (m *Monitor) Seen() {
	m.missed = 0
}

// Missed returns the current count of silent intervals.
func (m *Monitor) Missed() int {
	return m.missed
}
