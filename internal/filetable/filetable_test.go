package filetable

import (
	"testing"

	"github.com/jaywantadh/clusterd/internal/journal"
	"github.com/stretchr/testify/assert"
)

func TestPutAndGet(t *testing.T) {
	tbl := New()
	m := journal.FileManifest{FileID: "f1", FileName: "a.txt", Replication: 3}
	tbl.Put(m)

	got, ok := tbl.Get("f1")
	assert.True(t, ok)
	assert.Equal(t, m, got)
}

func TestGetMissing(t *testing.T) {
	tbl := New()
	_, ok := tbl.Get("ghost")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	tbl := New()
	tbl.Put(journal.FileManifest{FileID: "f1"})
	tbl.Delete("f1")
	_, ok := tbl.Get("f1")
	assert.False(t, ok)
}

func TestReplicationFactor(t *testing.T) {
	tbl := New()
	tbl.Put(journal.FileManifest{FileID: "f1", Replication: 3})

	r, ok := tbl.ReplicationFactor("f1")
	assert.True(t, ok)
	assert.Equal(t, 3, r)

	_, ok = tbl.ReplicationFactor("ghost")
	assert.False(t, ok)
}

func TestCountAndAll(t *testing.T) {
	tbl := New()
	tbl.Put(journal.FileManifest{FileID: "f1"})
	tbl.Put(journal.FileManifest{FileID: "f2"})
	assert.Equal(t, 2, tbl.Count())
	assert.Len(t, tbl.All(), 2)
}
