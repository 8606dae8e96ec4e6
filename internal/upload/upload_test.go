package upload

import (
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/jaywantadh/clusterd/internal/bandwidth"
	"github.com/jaywantadh/clusterd/internal/chunkstore"
	"github.com/jaywantadh/clusterd/internal/filetable"
	"github.com/jaywantadh/clusterd/internal/nodeserver"
	"github.com/jaywantadh/clusterd/internal/placement"
	"github.com/jaywantadh/clusterd/internal/registry"
	"github.com/jaywantadh/clusterd/internal/replicaindex"
	"github.com/stretchr/testify/require"
)

type staticHealth struct{ ids []string }

func (s staticHealth) HealthyNodes() []string { return s.ids }

func startNode(t *testing.T, nodeID string, capacity int64) (addr string) {
	t.Helper()
	store, err := chunkstore.New(t.TempDir(), capacity)
	require.NoError(t, err)
	bw := bandwidth.New(1 << 30)
	s := nodeserver.New(nodeID, store, bw, false, nil)

	addr, err = s.ListenAndServe("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return addr
}

func hostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func newTestCoordinator(t *testing.T, nodeCapacities []int64) (*Coordinator, *replicaindex.Index, *filetable.Table) {
	t.Helper()
	reg := registry.New()
	var ids []string
	for i, nodeCap := range nodeCapacities {
		id := "n" + strconv.Itoa(i)
		addr := startNode(t, id, nodeCap)
		host, port := hostPort(addr)
		reg.Register(registry.Descriptor{NodeID: id, Host: host, Port: port, Capacity: nodeCap})
		ids = append(ids, id)
	}

	idx := replicaindex.New()
	files := filetable.New()
	c := New(reg, staticHealth{ids: ids}, idx, files, nil, placement.StrategyLeastLoaded, nil)
	return c, idx, files
}

func TestUploadSingleChunkHappyPath(t *testing.T) {
	c, idx, files := newTestCoordinator(t, []int64{1 << 20, 1 << 20, 1 << 20})

	fileID, chunkSize, err := c.Begin("small.txt", 100, 3)
	require.NoError(t, err)
	require.Equal(t, int64(512*1024), chunkSize)

	data := []byte(strings.Repeat("A", 100))
	require.NoError(t, c.PutChunk(fileID, 0, data))
	require.NoError(t, c.Commit(fileID))

	locs := idx.Locations(replicaindex.ChunkKey{FileID: fileID, Index: 0})
	require.Len(t, locs, 3)

	m, ok := files.Get(fileID)
	require.True(t, ok)
	require.Equal(t, 1, len(m.Chunks))
	require.Equal(t, 3, m.Replication)
}

func TestUploadRejectsNonPositiveReplication(t *testing.T) {
	c, _, _ := newTestCoordinator(t, []int64{1 << 20})
	_, _, err := c.Begin("x", 10, 0)
	require.ErrorIs(t, err, ErrBadReplication)
}

func TestUploadInsufficientReplicasWhenTooFewNodes(t *testing.T) {
	c, _, _ := newTestCoordinator(t, []int64{1 << 20, 1 << 20})
	fileID, _, err := c.Begin("x", 10, 3)
	require.NoError(t, err)

	err = c.PutChunk(fileID, 0, []byte("data"))
	require.ErrorIs(t, err, ErrInsufficientReplicas)
}

func TestCommitFailsWithMissingChunks(t *testing.T) {
	c, _, _ := newTestCoordinator(t, []int64{1 << 20, 1 << 20, 1 << 20})
	fileID, _, err := c.Begin("x", int64(600*1024), 3) // 2 chunks expected
	require.NoError(t, err)

	require.NoError(t, c.PutChunk(fileID, 0, []byte("only first chunk")))
	err = c.Commit(fileID)
	require.ErrorIs(t, err, ErrInsufficientReplicas)
}

func TestPutChunkUnknownUpload(t *testing.T) {
	c, _, _ := newTestCoordinator(t, []int64{1 << 20})
	err := c.PutChunk("ghost", 0, []byte("x"))
	require.ErrorIs(t, err, ErrUnknownUpload)
}
