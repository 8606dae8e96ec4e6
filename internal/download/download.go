// Package download implements C8: resolving a committed file's chunks
// to holding nodes, fetching them in order with per-replica failover,
// and verifying each chunk's bytes against the manifest's checksum
// before writing it to the caller's sink.
package download

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/jaywantadh/clusterd/internal/filetable"
	"github.com/jaywantadh/clusterd/internal/nodeclient"
	"github.com/jaywantadh/clusterd/internal/registry"
	"github.com/jaywantadh/clusterd/internal/replicaindex"
	"github.com/jaywantadh/clusterd/internal/wire"
	"github.com/sirupsen/logrus"
)

// ErrFileNotFound is returned when fileID has no committed manifest.
var ErrFileNotFound = errors.New("download: file not found")

// ErrChunkUnavailable is returned when every known replica of a chunk
// failed to serve valid bytes.
var ErrChunkUnavailable = errors.New("download: chunk unavailable from any replica")

// SuspectReporter is notified when a replica's bytes fail checksum
// verification, so the re-replication engine can re-verify and, if
// warranted, evict and replace it. Optional; a nil Coordinator.OnSuspect
// simply skips this step.
type SuspectReporter func(fileID string, index int, nodeID string)

// Coordinator drives C8's per-chunk resolve/fetch/verify/retry loop.
type Coordinator struct {
	registry  *registry.Registry
	index     *replicaindex.Index
	files     *filetable.Table
	log       *logrus.Entry
	OnSuspect SuspectReporter
}

// New creates a download Coordinator.
func New(reg *registry.Registry, index *replicaindex.Index, files *filetable.Table, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{registry: reg, index: index, files: files, log: log}
}

// Download streams fileID's chunks, in index order, to sink. It fails
// fast with ErrChunkUnavailable if any single chunk exhausts every
// known replica.
func (c *Coordinator) Download(fileID string, sink io.Writer) error {
	manifest, ok := c.files.Get(fileID)
	if !ok {
		return ErrFileNotFound
	}

	for _, chunkMeta := range manifest.Chunks {
		data, err := c.fetchChunk(fileID, chunkMeta.Index, chunkMeta.Checksum)
		if err != nil {
			return fmt.Errorf("download: chunk %d of %s: %w", chunkMeta.Index, fileID, err)
		}
		if _, err := sink.Write(data); err != nil {
			return fmt.Errorf("download: write chunk %d: %w", chunkMeta.Index, err)
		}
	}
	return nil
}

// FetchChunk resolves and fetches a single chunk of fileID, verified
// against its manifest checksum. Exposed alongside Download so the
// coordinator's wire handler can stream chunks to a client frame by
// frame instead of buffering a whole file through an io.Writer.
func (c *Coordinator) FetchChunk(fileID string, index int) ([]byte, string, error) {
	manifest, ok := c.files.Get(fileID)
	if !ok {
		return nil, "", ErrFileNotFound
	}
	for _, chunkMeta := range manifest.Chunks {
		if chunkMeta.Index == index {
			data, err := c.fetchChunk(fileID, index, chunkMeta.Checksum)
			return data, chunkMeta.Checksum, err
		}
	}
	return nil, "", fmt.Errorf("download: chunk %d of %s: %w", index, fileID, ErrChunkUnavailable)
}

// fetchChunk tries every known replica of (fileID, index) in turn,
// preferring the least-utilised node, until one serves bytes whose
// SHA-256 matches expectedChecksum.
func (c *Coordinator) fetchChunk(fileID string, index int, expectedChecksum string) ([]byte, error) {
	key := replicaindex.ChunkKey{FileID: fileID, Index: index}
	locations := c.index.Locations(key)
	if len(locations) == 0 {
		return nil, ErrChunkUnavailable
	}

	ordered := c.orderByUtilisation(locations)

	for _, nodeID := range ordered {
		desc, ok := c.registry.Get(nodeID)
		if !ok {
			continue
		}

		data, _, err := nodeclient.GetChunk(desc.Addr(), wire.GetChunkHeader{FileID: fileID, Index: index})
		if err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"node_id": nodeID, "file_id": fileID, "index": index,
			}).Warn("replica fetch failed, trying next")
			continue
		}

		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != expectedChecksum {
			c.log.WithFields(logrus.Fields{
				"node_id": nodeID, "file_id": fileID, "index": index,
			}).Warn("replica failed checksum verification, marking suspect")
			if c.OnSuspect != nil {
				c.OnSuspect(fileID, index, nodeID)
			}
			continue
		}

		return data, nil
	}
	return nil, ErrChunkUnavailable
}

// orderByUtilisation sorts candidate node IDs by ascending reported
// bandwidth utilisation so the least-busy replica is tried first
// (spec.md §4.8: "pick one (preferring least-loaded)").
func (c *Coordinator) orderByUtilisation(nodeIDs []string) []string {
	type scored struct {
		id    string
		score int64
	}
	scoredList := make([]scored, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		d, ok := c.registry.Get(id)
		util := int64(0)
		if ok {
			util = d.Utilisation
		}
		scoredList = append(scoredList, scored{id: id, score: util})
	}

	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].score < scoredList[j].score })

	out := make([]string, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.id
	}
	return out
}
