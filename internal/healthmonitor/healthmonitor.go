// Package healthmonitor implements C4: the coordinator's per-node
// HEALTHY/FAILED state machine, driven off heartbeat timestamps and a
// ticking clock. It is a pure function of the sequence of heartbeat
// timestamps and the clock (spec.md P4): replaying the same heartbeat
// sequence against the same tick schedule produces the same FAILED/
// HEALTHY decisions.
package healthmonitor

import (
	"sync"
	"time"

	"github.com/jaywantadh/clusterd/internal/eventbus"
	"github.com/sirupsen/logrus"
)

// Status is a node's liveness classification.
type Status int

const (
	Healthy Status = iota
	Failed
)

func (s Status) String() string {
	if s == Healthy {
		return "HEALTHY"
	}
	return "FAILED"
}

type record struct {
	lastSeenAt time.Time
	status     Status
}

// Monitor tracks last-seen timestamps and status for every registered
// node and publishes NodeFailed/NodeRecovered onto an event bus.
type Monitor struct {
	mu             sync.Mutex
	nodes          map[string]*record
	failureTimeout time.Duration
	bus            *eventbus.Bus
	log            *logrus.Entry

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Monitor. failureTimeout is the duration of heartbeat
// silence after which a HEALTHY node is declared FAILED (spec.md
// default: 30s).
func New(failureTimeout time.Duration, bus *eventbus.Bus, log *logrus.Entry) *Monitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		nodes:          make(map[string]*record),
		failureTimeout: failureTimeout,
		bus:            bus,
		log:            log,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// RegisterNode enrolls a node as HEALTHY with last_seen_at = now. Per
// spec.md §4.4, initial state on registration is always HEALTHY.
func (m *Monitor) RegisterNode(nodeID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[nodeID] = &record{lastSeenAt: now, status: Healthy}
}

// Heartbeat records a heartbeat for nodeID at timestamp ts. If the node
// was FAILED and ts is newer than its recorded last-seen time, it
// transitions to HEALTHY and NodeRecovered is published — heartbeat
// wins the race against a concurrent failure tick (spec.md §4.4 tie-break).
func (m *Monitor) Heartbeat(nodeID string, ts time.Time) {
	m.mu.Lock()
	rec, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasFailed := rec.status == Failed
	newer := ts.After(rec.lastSeenAt)
	if newer {
		rec.lastSeenAt = ts
	}
	recovered := wasFailed && newer
	if recovered {
		rec.status = Healthy
	}
	m.mu.Unlock()

	if recovered {
		m.log.WithField("node_id", nodeID).Info("node recovered")
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.NodeRecovered, NodeID: nodeID})
		}
	}
}

// Status returns a node's current classification and whether it is
// known to the monitor at all.
func (m *Monitor) Status(nodeID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[nodeID]
	if !ok {
		return Failed, false
	}
	return rec.status, true
}

// Tick evaluates every registered node against now and transitions any
// HEALTHY node whose silence exceeds failureTimeout to FAILED,
// publishing NodeFailed for each. Tick is meant to be called on a
// fixed interval (spec.md default 1s) but is exposed directly so tests
// can replay an exact timestamp sequence without a real clock (P4).
func (m *Monitor) Tick(now time.Time) {
	var newlyFailed []string

	m.mu.Lock()
	for id, rec := range m.nodes {
		if rec.status == Healthy && now.Sub(rec.lastSeenAt) > m.failureTimeout {
			rec.status = Failed
			newlyFailed = append(newlyFailed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range newlyFailed {
		m.log.WithField("node_id", id).Warn("node failed: heartbeat timeout")
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.NodeFailed, NodeID: id})
		}
	}
}

// Run starts a goroutine that calls Tick every interval until Stop is
// called.
func (m *Monitor) Run(interval time.Duration) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				m.Tick(now)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop signals Run's goroutine to exit and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// HealthyNodes returns the IDs of all currently HEALTHY nodes.
func (m *Monitor) HealthyNodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.nodes))
	for id, rec := range m.nodes {
		if rec.status == Healthy {
			out = append(out, id)
		}
	}
	return out
}

// Count returns (total, healthy) across all known nodes.
func (m *Monitor) Count() (total, healthy int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total = len(m.nodes)
	for _, rec := range m.nodes {
		if rec.status == Healthy {
			healthy++
		}
	}
	return total, healthy
}
