package rereplication

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jaywantadh/clusterd/internal/bandwidth"
	"github.com/jaywantadh/clusterd/internal/chunkstore"
	"github.com/jaywantadh/clusterd/internal/filetable"
	"github.com/jaywantadh/clusterd/internal/journal"
	"github.com/jaywantadh/clusterd/internal/nodeserver"
	"github.com/jaywantadh/clusterd/internal/placement"
	"github.com/jaywantadh/clusterd/internal/registry"
	"github.com/jaywantadh/clusterd/internal/replicaindex"
	"github.com/stretchr/testify/require"
)

type staticHealth struct{ ids []string }

func (s staticHealth) HealthyNodes() []string { return s.ids }

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func startNode(t *testing.T, nodeID string) (addr string, store *chunkstore.Store) {
	t.Helper()
	store, err := chunkstore.New(t.TempDir(), 1<<20)
	require.NoError(t, err)
	bw := bandwidth.New(1 << 30)
	s := nodeserver.New(nodeID, store, bw, false, nil)
	addr, err = s.ListenAndServe("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return addr, store
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestSweepRestoresUnderReplicatedChunk(t *testing.T) {
	data := []byte("chunk contents")
	sum := checksumOf(data)

	addr1, store1 := startNode(t, "n1")
	addr2, _ := startNode(t, "n2")
	addr3, _ := startNode(t, "n3")
	require.NoError(t, store1.Put(chunkstore.Key{FileID: "f1", Index: 0}, data, sum, false))

	reg := registry.New()
	for id, addr := range map[string]string{"n1": addr1, "n2": addr2, "n3": addr3} {
		h, p := hostPort(t, addr)
		reg.Register(registry.Descriptor{NodeID: id, Host: h, Port: p, Capacity: 1 << 20})
	}

	idx := replicaindex.New()
	idx.Register(replicaindex.ChunkKey{FileID: "f1", Index: 0}, "n1")

	files := filetable.New()
	files.Put(journal.FileManifest{
		FileID: "f1", FileName: "x", Replication: 3,
		Chunks: []journal.ChunkManifest{{Index: 0, Checksum: sum, Size: int64(len(data))}},
	})

	health := staticHealth{ids: []string{"n1", "n2", "n3"}}
	eng := New(reg, health, idx, files, placement.StrategyLeastLoaded, nil, nil)

	eng.Sweep(time.Now())

	require.Len(t, idx.Locations(replicaindex.ChunkKey{FileID: "f1", Index: 0}), 3)
}

func TestSweepIsNoopWhenFullyReplicated(t *testing.T) {
	idx := replicaindex.New()
	idx.Register(replicaindex.ChunkKey{FileID: "f1", Index: 0}, "n1")
	idx.Register(replicaindex.ChunkKey{FileID: "f1", Index: 0}, "n2")

	files := filetable.New()
	files.Put(journal.FileManifest{
		FileID: "f1", Replication: 2,
		Chunks: []journal.ChunkManifest{{Index: 0, Checksum: "abc", Size: 1}},
	})

	eng := New(registry.New(), staticHealth{}, idx, files, placement.StrategyDiverse, nil, nil)
	eng.Sweep(time.Now())

	require.Empty(t, eng.Tasks())
}

func TestSweepWithNoHealthyTargetLeavesTaskPendingWithBackoff(t *testing.T) {
	data := []byte("chunk contents")
	sum := checksumOf(data)
	addr1, store1 := startNode(t, "n1")
	require.NoError(t, store1.Put(chunkstore.Key{FileID: "f1", Index: 0}, data, sum, false))

	reg := registry.New()
	h, p := hostPort(t, addr1)
	reg.Register(registry.Descriptor{NodeID: "n1", Host: h, Port: p, Capacity: 1 << 20})

	idx := replicaindex.New()
	idx.Register(replicaindex.ChunkKey{FileID: "f1", Index: 0}, "n1")

	files := filetable.New()
	files.Put(journal.FileManifest{
		FileID: "f1", Replication: 3,
		Chunks: []journal.ChunkManifest{{Index: 0, Checksum: sum, Size: int64(len(data))}},
	})

	// Only n1 is healthy/known; no second node exists to serve as a
	// placement target, so the task must fail and reschedule.
	eng := New(reg, staticHealth{ids: []string{"n1"}}, idx, files, placement.StrategyDiverse, nil, nil)
	eng.Sweep(time.Now())

	tasks := eng.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, Pending, tasks[0].State)
	require.True(t, tasks[0].NextAttemptAt.After(time.Now()))
}
