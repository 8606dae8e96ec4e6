package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestAppendAndGet(t *testing.T) {
	j := openTestJournal(t)
	m := FileManifest{
		FileID:      "f1",
		FileName:    "report.pdf",
		TotalSize:   4096,
		Replication: 3,
		Chunks: []ChunkManifest{
			{Index: 0, Checksum: "abc", Size: 4096, Nodes: []string{"n1", "n2", "n3"}},
		},
	}
	require.NoError(t, j.Append(m))

	got, found, err := j.Get("f1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, m, got)
}

func TestGetMissingIsNotFoundNotError(t *testing.T) {
	j := openTestJournal(t)
	_, found, err := j.Get("ghost")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestReplayAllReturnsEveryManifest(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.Append(FileManifest{FileID: "f1", FileName: "a"}))
	require.NoError(t, j.Append(FileManifest{FileID: "f2", FileName: "b"}))

	all, err := j.ReplayAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteRemovesManifest(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.Append(FileManifest{FileID: "f1"}))
	require.NoError(t, j.Delete("f1"))

	_, found, err := j.Get("f1")
	require.NoError(t, err)
	assert.False(t, found)
}
