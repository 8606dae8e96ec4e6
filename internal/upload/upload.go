// Package upload implements C7: accepting a file from a client, choosing
// chunk size, placing each chunk's replicas, driving the per-target
// PutChunk RPCs, and committing the file manifest once every chunk is
// durable on at least its replication factor of nodes.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/clusterd/internal/compressor"
	"github.com/jaywantadh/clusterd/internal/filetable"
	"github.com/jaywantadh/clusterd/internal/journal"
	"github.com/jaywantadh/clusterd/internal/nodeclient"
	"github.com/jaywantadh/clusterd/internal/placement"
	"github.com/jaywantadh/clusterd/internal/registry"
	"github.com/jaywantadh/clusterd/internal/replicaindex"
	"github.com/jaywantadh/clusterd/internal/wire"
	"github.com/sirupsen/logrus"
)

// ErrInsufficientReplicas is returned when a chunk cannot be placed on
// enough distinct healthy nodes, even after retries and replacement
// target selection. The whole upload is aborted.
var ErrInsufficientReplicas = errors.New("upload: insufficient replicas available")

// ErrUnknownUpload is returned by PutChunk/Commit/Abort when fileID
// does not correspond to an open (begun, not yet committed) upload.
var ErrUnknownUpload = errors.New("upload: unknown or already-finalized upload")

// ErrBadReplication rejects r <= 0 at the boundary (spec.md §7
// Validation category — never logged as a failure).
var ErrBadReplication = errors.New("upload: replication factor must be positive")

const (
	maxPutRetries = 3
	chunk512KiB   = 512 * 1024
	chunk2MiB     = 2 * 1024 * 1024
	chunk10MiB    = 10 * 1024 * 1024
	size10MiB     = 10 * 1024 * 1024
	size100MiB    = 100 * 1024 * 1024
)

// ChooseChunkSize implements spec.md §4.7's size table.
func ChooseChunkSize(totalSize int64) int64 {
	switch {
	case totalSize < size10MiB:
		return chunk512KiB
	case totalSize <= size100MiB:
		return chunk2MiB
	default:
		return chunk10MiB
	}
}

type pendingChunk struct {
	checksum string
	size     int64
	nodes    []string
}

type session struct {
	mu          sync.Mutex
	displayName string
	totalSize   int64
	chunkSize   int64
	replication int
	totalChunks int
	chunks      map[int]pendingChunk
	failed      bool
}

// HealthySource answers which nodes are currently HEALTHY, so upload
// never places a replica on a node the monitor has already declared
// FAILED.
type HealthySource interface {
	HealthyNodes() []string
}

// Coordinator drives C7's upload protocol across the UploadBegin /
// UploadChunk / UploadCommit RPC sequence.
type Coordinator struct {
	registry *registry.Registry
	health   HealthySource
	index    *replicaindex.Index
	files    *filetable.Table
	journal  *journal.Journal // optional; nil disables write-behind persistence
	log      *logrus.Entry
	strategy placement.Strategy

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an upload Coordinator. j may be nil.
func New(reg *registry.Registry, health HealthySource, index *replicaindex.Index, files *filetable.Table, j *journal.Journal, strategy placement.Strategy, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if strategy == "" {
		strategy = placement.StrategyDiverse
	}
	return &Coordinator{
		registry: reg, health: health, index: index, files: files, journal: j,
		strategy: strategy, log: log, sessions: make(map[string]*session),
	}
}

// Begin opens a new upload, assigning a file ID and chunk size per
// spec.md §4.7 step 1-2.
func (c *Coordinator) Begin(displayName string, totalSize int64, replication int) (fileID string, chunkSize int64, err error) {
	if replication <= 0 {
		return "", 0, ErrBadReplication
	}
	chunkSize = ChooseChunkSize(totalSize)
	totalChunks := int((totalSize + chunkSize - 1) / chunkSize)
	if totalChunks == 0 {
		totalChunks = 1 // a zero-byte file is still one (empty) chunk
	}

	fileID = hex.EncodeToString(uuid.New()[:])

	c.mu.Lock()
	c.sessions[fileID] = &session{
		displayName: displayName,
		totalSize:   totalSize,
		chunkSize:   chunkSize,
		replication: replication,
		totalChunks: totalChunks,
		chunks:      make(map[int]pendingChunk),
	}
	c.mu.Unlock()

	return fileID, chunkSize, nil
}

// PutChunk places one chunk's r replicas and, on full success, records
// the result against the open session. Chunks may be placed out of
// index order and with overlapping in-flight RPCs across chunks
// (spec.md §4.7's "pipeline depth is implementation freedom").
func (c *Coordinator) PutChunk(fileID string, index int, data []byte) error {
	sess, err := c.openSession(fileID)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	compress := !compressor.ShouldSkipCompression(sess.displayName)
	nodes, err := c.placeAndPut(fileID, index, data, checksum, compress, sess.replication, nil)
	if err != nil {
		c.abortLocked(fileID)
		return err
	}

	for _, nodeID := range nodes {
		c.index.Register(replicaindex.ChunkKey{FileID: fileID, Index: index}, nodeID)
	}

	sess.mu.Lock()
	sess.chunks[index] = pendingChunk{checksum: checksum, size: int64(len(data)), nodes: nodes}
	sess.mu.Unlock()
	return nil
}

// placeAndPut selects replication targets and drives the parallel
// PutChunk RPCs, retrying a failing target up to maxPutRetries times
// before asking placement for a replacement (excluding all nodes tried
// so far). If no full set of r successes can be assembled, it returns
// ErrInsufficientReplicas.
func (c *Coordinator) placeAndPut(fileID string, index int, data []byte, checksum string, compress bool, r int, alreadyExcluded map[string]struct{}) ([]string, error) {
	excluded := map[string]struct{}{}
	for k := range alreadyExcluded {
		excluded[k] = struct{}{}
	}

	constraints := placement.Constraints{MinFreeBytes: int64(len(data))}

	var successful []string
	for len(successful) < r {
		needed := r - len(successful)
		candidates := c.candidates()
		targets, plErr := placement.Select(c.strategy, candidates, needed, excluded, constraints)
		if len(targets) == 0 {
			if plErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrInsufficientReplicas, plErr)
			}
			return nil, ErrInsufficientReplicas
		}

		results := c.putToTargets(fileID, index, data, checksum, compress, targets)
		for nodeID, ok := range results {
			excluded[nodeID] = struct{}{}
			if ok {
				successful = append(successful, nodeID)
			}
		}
		// Any node that failed (even after its internal retries) is now
		// in excluded and will not be offered again; the next iteration
		// asks placement for replacements for the remaining shortfall.
	}
	return successful, nil
}

// putToTargets issues PutChunk concurrently to every target, retrying
// each individually up to maxPutRetries times, and returns a per-node
// success map.
func (c *Coordinator) putToTargets(fileID string, index int, data []byte, checksum string, compress bool, targets []string) map[string]bool {
	results := make(map[string]bool, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, nodeID := range targets {
		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()
			ok := c.putWithRetry(nodeID, fileID, index, data, checksum, compress)
			mu.Lock()
			results[nodeID] = ok
			mu.Unlock()
		}(nodeID)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) putWithRetry(nodeID, fileID string, index int, data []byte, checksum string, compress bool) bool {
	desc, ok := c.registry.Get(nodeID)
	if !ok {
		return false
	}
	hdr := wire.PutChunkHeader{FileID: fileID, Index: index, Size: int64(len(data)), Checksum: checksum, Compress: compress}

	var lastErr error
	for attempt := 0; attempt < maxPutRetries; attempt++ {
		if err := nodeclient.PutChunk(desc.Addr(), hdr, data); err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
			continue
		}
		return true
	}
	c.log.WithError(lastErr).WithFields(logrus.Fields{
		"node_id": nodeID, "file_id": fileID, "index": index,
	}).Warn("put target exhausted retries")
	return false
}

// candidates builds the placement.Candidate set from every registered
// node currently classified HEALTHY.
func (c *Coordinator) candidates() []placement.Candidate {
	healthy := make(map[string]struct{})
	for _, id := range c.health.HealthyNodes() {
		healthy[id] = struct{}{}
	}

	var out []placement.Candidate
	for _, d := range c.registry.All() {
		if _, ok := healthy[d.NodeID]; !ok {
			continue
		}
		out = append(out, placement.Candidate{
			NodeID:      d.NodeID,
			FreeBytes:   d.FreeBytes(),
			Utilisation: d.Utilisation,
		})
	}
	return out
}

// Commit finalizes an upload: every expected chunk must be present
// with a full replica set. The manifest becomes visible to Download
// only after this call succeeds (spec.md §4.7 step 5, §3 File
// manifest invariant).
func (c *Coordinator) Commit(fileID string) error {
	sess, err := c.openSession(fileID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if len(sess.chunks) != sess.totalChunks {
		sess.mu.Unlock()
		return fmt.Errorf("upload: commit with %d/%d chunks durable: %w", len(sess.chunks), sess.totalChunks, ErrInsufficientReplicas)
	}

	chunks := make([]journal.ChunkManifest, sess.totalChunks)
	for i := 0; i < sess.totalChunks; i++ {
		pc, ok := sess.chunks[i]
		if !ok {
			sess.mu.Unlock()
			return fmt.Errorf("upload: missing chunk %d at commit: %w", i, ErrInsufficientReplicas)
		}
		chunks[i] = journal.ChunkManifest{Index: i, Checksum: pc.checksum, Size: pc.size, Nodes: pc.nodes}
	}
	manifest := journal.FileManifest{
		FileID:      fileID,
		FileName:    sess.displayName,
		TotalSize:   sess.totalSize,
		Chunks:      chunks,
		Replication: sess.replication,
		CreatedAt:   time.Now().Unix(),
	}
	sess.mu.Unlock()

	c.files.Put(manifest)
	if c.journal != nil {
		if err := c.journal.Append(manifest); err != nil {
			c.log.WithError(err).WithField("file_id", fileID).Warn("journal append failed; manifest remains visible in memory")
		}
	}

	c.mu.Lock()
	delete(c.sessions, fileID)
	c.mu.Unlock()
	return nil
}

// Abort discards an in-progress upload. Chunks already written to
// nodes are left in place: they are unreferenced by any committed
// manifest and the wire protocol has no delete RPC (spec.md §6), so
// they are reclaimed only incidentally, e.g. if that node is later
// reformatted — harmless per chunkstore's own "first writer wins,
// loser's bytes are harmless" discipline.
func (c *Coordinator) Abort(fileID string) error {
	c.mu.Lock()
	_, ok := c.sessions[fileID]
	delete(c.sessions, fileID)
	c.mu.Unlock()
	if !ok {
		return ErrUnknownUpload
	}
	return nil
}

func (c *Coordinator) abortLocked(fileID string) {
	c.mu.Lock()
	delete(c.sessions, fileID)
	c.mu.Unlock()
}

func (c *Coordinator) openSession(fileID string) (*session, error) {
	c.mu.Lock()
	sess, ok := c.sessions[fileID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownUpload
	}
	return sess, nil
}
