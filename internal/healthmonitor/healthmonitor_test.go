package healthmonitor

import (
	"testing"
	"time"

	"github.com/jaywantadh/clusterd/internal/eventbus"
	"github.com/stretchr/testify/assert"
)

func TestRegisterIsHealthy(t *testing.T) {
	m := New(30*time.Second, nil, nil)
	now := time.Now()
	m.RegisterNode("n1", now)

	status, ok := m.Status("n1")
	assert.True(t, ok)
	assert.Equal(t, Healthy, status)
}

func TestTickDeclaresFailureAfterTimeout(t *testing.T) {
	bus := eventbus.New()
	var published []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { published = append(published, e) })

	m := New(30*time.Second, bus, nil)
	start := time.Now()
	m.RegisterNode("n1", start)

	m.Tick(start.Add(10 * time.Second))
	status, _ := m.Status("n1")
	assert.Equal(t, Healthy, status)

	m.Tick(start.Add(31 * time.Second))
	status, _ = m.Status("n1")
	assert.Equal(t, Failed, status)

	assert.Len(t, published, 1)
	assert.Equal(t, eventbus.NodeFailed, published[0].Type)
	assert.Equal(t, "n1", published[0].NodeID)
}

func TestHeartbeatAfterFailureRecovers(t *testing.T) {
	bus := eventbus.New()
	var published []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { published = append(published, e) })

	m := New(30*time.Second, bus, nil)
	start := time.Now()
	m.RegisterNode("n1", start)
	m.Tick(start.Add(31 * time.Second))

	status, _ := m.Status("n1")
	assert.Equal(t, Failed, status)

	m.Heartbeat("n1", start.Add(32*time.Second))
	status, _ = m.Status("n1")
	assert.Equal(t, Healthy, status)

	assert.Len(t, published, 2)
	assert.Equal(t, eventbus.NodeRecovered, published[1].Type)
}

// Tie-break: a heartbeat arriving during a FAILED->HEALTHY tick wins;
// the node ends up HEALTHY regardless of evaluation order.
func TestHeartbeatWinsTieBreak(t *testing.T) {
	m := New(30*time.Second, nil, nil)
	start := time.Now()
	m.RegisterNode("n1", start)

	// Heartbeat arrives right as a tick would have declared failure.
	m.Heartbeat("n1", start.Add(29*time.Second))
	m.Tick(start.Add(30 * time.Second))

	status, _ := m.Status("n1")
	assert.Equal(t, Healthy, status)
}

// P4: replaying the same heartbeat/tick sequence against the same
// clock values produces the same decisions.
func TestReplayIsDeterministic(t *testing.T) {
	run := func() []Status {
		m := New(10*time.Second, nil, nil)
		start := time.Now()
		m.RegisterNode("n1", start)
		var statuses []Status

		events := []struct {
			isHeartbeat bool
			offset      time.Duration
		}{
			{false, 5 * time.Second},
			{true, 8 * time.Second},
			{false, 12 * time.Second},
			{false, 25 * time.Second},
			{true, 26 * time.Second},
		}
		for _, e := range events {
			if e.isHeartbeat {
				m.Heartbeat("n1", start.Add(e.offset))
			} else {
				m.Tick(start.Add(e.offset))
			}
			s, _ := m.Status("n1")
			statuses = append(statuses, s)
		}
		return statuses
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}

// P5: a node declared FAILED no longer appears in HealthyNodes within
// one tick.
func TestFailedNodeExcludedFromHealthyNodes(t *testing.T) {
	m := New(5*time.Second, nil, nil)
	start := time.Now()
	m.RegisterNode("n1", start)
	m.RegisterNode("n2", start)

	m.Tick(start.Add(6 * time.Second))
	healthy := m.HealthyNodes()
	assert.NotContains(t, healthy, "n1")
	assert.NotContains(t, healthy, "n2")
}

func TestCount(t *testing.T) {
	m := New(30*time.Second, nil, nil)
	start := time.Now()
	m.RegisterNode("n1", start)
	m.RegisterNode("n2", start)
	m.Tick(start.Add(1 * time.Second))

	total, healthy := m.Count()
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, healthy)
}

func TestUnknownNodeHeartbeatIsNoop(t *testing.T) {
	m := New(30*time.Second, nil, nil)
	assert.NotPanics(t, func() {
		m.Heartbeat("ghost", time.Now())
	})
	_, ok := m.Status("ghost")
	assert.False(t, ok)
}
