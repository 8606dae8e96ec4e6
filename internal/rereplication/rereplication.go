// Package rereplication implements C9: the engine that restores every
// chunk's replica count to its file's target replication factor after
// a node failure or on a periodic sweep. Each chunk below its target
// is modelled as a task moving PENDING -> IN_FLIGHT -> DONE; a task
// whose attempts all fail goes straight back to PENDING with an
// exponential backoff before its next attempt (the Failed state is
// defined but never stored on a task).
package rereplication

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jaywantadh/clusterd/internal/compressor"
	"github.com/jaywantadh/clusterd/internal/eventbus"
	"github.com/jaywantadh/clusterd/internal/filetable"
	"github.com/jaywantadh/clusterd/internal/nodeclient"
	"github.com/jaywantadh/clusterd/internal/placement"
	"github.com/jaywantadh/clusterd/internal/registry"
	"github.com/jaywantadh/clusterd/internal/replicaindex"
	"github.com/jaywantadh/clusterd/internal/wire"
	"github.com/sirupsen/logrus"
)

// State is a re-replication task's position in its state machine.
type State int

const (
	Pending State = iota
	InFlight
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case InFlight:
		return "IN_FLIGHT"
	case Done:
		return "DONE"
	default:
		return "FAILED"
	}
}

const (
	maxAttempts         = 3
	maxParallel         = 4
	backoffBase         = 5 * time.Second
	backoffCap          = 5 * time.Minute
)

// Task tracks one chunk's outstanding shortfall of replicas.
type Task struct {
	Key           replicaindex.ChunkKey
	State         State
	Attempts      int
	NextAttemptAt time.Time
}

// HealthySource reports which nodes are currently HEALTHY.
type HealthySource interface {
	HealthyNodes() []string
}

// Engine sweeps the replica index for under-replicated chunks (relative
// to each chunk's owning file's replication factor) and drives their
// repair, bounded to maxParallel concurrent copies.
type Engine struct {
	registry *registry.Registry
	health   HealthySource
	index    *replicaindex.Index
	files    *filetable.Table
	strategy placement.Strategy
	log      *logrus.Entry

	mu    sync.Mutex
	tasks map[replicaindex.ChunkKey]*Task

	sem    chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an Engine. If bus is non-nil, the engine subscribes to
// NodeFailed so a failed node's chunks are swept promptly instead of
// waiting for the next periodic tick.
func New(reg *registry.Registry, health HealthySource, index *replicaindex.Index, files *filetable.Table, strategy placement.Strategy, bus *eventbus.Bus, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if strategy == "" {
		strategy = placement.StrategyDiverse
	}
	e := &Engine{
		registry: reg, health: health, index: index, files: files, strategy: strategy, log: log,
		tasks:  make(map[replicaindex.ChunkKey]*Task),
		sem:    make(chan struct{}, maxParallel),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if bus != nil {
		bus.Subscribe(func(ev eventbus.Event) {
			if ev.Type == eventbus.NodeFailed {
				e.index.RemoveNode(ev.NodeID)
				go e.Sweep(time.Now())
			}
		})
	}
	return e
}

// Run starts the periodic sweep loop until Stop is called.
func (e *Engine) Run(sweepInterval time.Duration) {
	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				e.Sweep(now)
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop ends the sweep loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// Sweep scans every committed file's chunks for under-replication,
// registers a PENDING task for each newly-discovered shortfall, and
// dispatches every eligible task (PENDING, and not within its backoff
// window) up to maxParallel concurrently.
func (e *Engine) Sweep(now time.Time) {
	e.discoverUnderReplicated()

	e.mu.Lock()
	var eligible []*Task
	for _, t := range e.tasks {
		if t.State == Pending && !now.Before(t.NextAttemptAt) {
			eligible = append(eligible, t)
		}
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range eligible {
		t := t
		e.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-e.sem }()
			e.runTask(t)
		}()
	}
	wg.Wait()
}

func (e *Engine) discoverUnderReplicated() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.files.All() {
		for _, chunkMeta := range m.Chunks {
			key := replicaindex.ChunkKey{FileID: m.FileID, Index: chunkMeta.Index}
			current := e.index.ReplicaCount(key)
			if current >= m.Replication {
				continue
			}
			if existing, ok := e.tasks[key]; ok && existing.State != Done {
				continue
			}
			e.tasks[key] = &Task{Key: key, State: Pending}
		}
	}
}

// runTask copies the chunk to one new target after another until it
// reaches its file's replication factor, allowing up to maxAttempts
// failed copies in immediate succession (spec.md §4.9: "each chunk is
// attempted up to 3 times"). If the failures run out first, the task
// goes back to PENDING with an exponential backoff before the next
// sweep will retry it.
func (e *Engine) runTask(t *Task) {
	e.mu.Lock()
	t.State = InFlight
	e.mu.Unlock()

	var err error
	for attempt := 0; attempt < maxAttempts; {
		if err = e.repairOnce(t.Key); err != nil {
			attempt++
			continue
		}
		if r, ok := e.files.ReplicationFactor(t.Key.FileID); !ok || e.index.ReplicaCount(t.Key) >= r {
			break
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		t.State = Done
		delete(e.tasks, t.Key)
		return
	}

	e.log.WithError(err).WithFields(logrus.Fields{
		"file_id": t.Key.FileID, "index": t.Key.Index,
	}).Warn("re-replication task exhausted retries; degraded until next sweep")

	t.State = Pending
	t.Attempts++
	backoff := backoffBase << uint(t.Attempts-1)
	if backoff > backoffCap || backoff <= 0 {
		backoff = backoffCap
	}
	t.NextAttemptAt = time.Now().Add(backoff)
}

// repairOnce picks a surviving replica as source (preferring lowest
// utilisation), a new target via placement excluding current holders,
// copies the chunk, verifies its checksum, and registers the new
// replica.
func (e *Engine) repairOnce(key replicaindex.ChunkKey) error {
	manifest, ok := e.files.Get(key.FileID)
	if !ok {
		return errNotFound{key}
	}
	var expectedChecksum string
	for _, cm := range manifest.Chunks {
		if cm.Index == key.Index {
			expectedChecksum = cm.Checksum
			break
		}
	}

	source, err := e.pickSource(key)
	if err != nil {
		return err
	}

	data, _, err := nodeclient.GetChunk(source.Addr(), wire.GetChunkHeader{FileID: key.FileID, Index: key.Index})
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != expectedChecksum {
		return errChecksumMismatch{key}
	}

	holders := map[string]struct{}{}
	for _, id := range e.index.Locations(key) {
		holders[id] = struct{}{}
	}
	candidates := e.candidates()
	constraints := placement.Constraints{MinFreeBytes: int64(len(data))}
	targets, plErr := placement.Select(e.strategy, candidates, 1, holders, constraints)
	if len(targets) == 0 {
		if plErr != nil {
			return plErr
		}
		return errNoTarget{key}
	}

	target, ok := e.registry.Get(targets[0])
	if !ok {
		return errNoTarget{key}
	}
	compress := !compressor.ShouldSkipCompression(manifest.FileName)
	if err := nodeclient.PutChunk(target.Addr(), wire.PutChunkHeader{
		FileID: key.FileID, Index: key.Index, Size: int64(len(data)), Checksum: expectedChecksum, Compress: compress,
	}, data); err != nil {
		return err
	}

	e.index.Register(key, targets[0])
	return nil
}

func (e *Engine) pickSource(key replicaindex.ChunkKey) (registry.Descriptor, error) {
	healthy := make(map[string]struct{})
	for _, id := range e.health.HealthyNodes() {
		healthy[id] = struct{}{}
	}

	var candidates []placement.Candidate
	descByID := make(map[string]registry.Descriptor)
	for _, nodeID := range e.index.Locations(key) {
		if _, ok := healthy[nodeID]; !ok {
			continue
		}
		desc, ok := e.registry.Get(nodeID)
		if !ok {
			continue
		}
		descByID[nodeID] = desc
		candidates = append(candidates, placement.Candidate{NodeID: nodeID, Utilisation: desc.Utilisation})
	}

	best, ok := placement.LeastUtilised(candidates)
	if !ok {
		return registry.Descriptor{}, errNoSource{key}
	}
	return descByID[best.NodeID], nil
}

func (e *Engine) candidates() []placement.Candidate {
	healthy := make(map[string]struct{})
	for _, id := range e.health.HealthyNodes() {
		healthy[id] = struct{}{}
	}

	var out []placement.Candidate
	for _, d := range e.registry.All() {
		if _, ok := healthy[d.NodeID]; !ok {
			continue
		}
		out = append(out, placement.Candidate{NodeID: d.NodeID, FreeBytes: d.FreeBytes(), Utilisation: d.Utilisation})
	}
	return out
}

// Tasks returns a snapshot of every tracked task, for status reporting
// and tests.
func (e *Engine) Tasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, *t)
	}
	return out
}

type errNotFound struct{ key replicaindex.ChunkKey }

func (e errNotFound) Error() string { return "rereplication: file not found for chunk" }

type errChecksumMismatch struct{ key replicaindex.ChunkKey }

func (e errChecksumMismatch) Error() string { return "rereplication: source replica failed checksum verification" }

type errNoSource struct{ key replicaindex.ChunkKey }

func (e errNoSource) Error() string { return "rereplication: no healthy source replica available" }

type errNoTarget struct{ key replicaindex.ChunkKey }

func (e errNoTarget) Error() string { return "rereplication: no eligible placement target available" }
