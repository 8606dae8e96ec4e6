// Package filetable holds the coordinator's in-memory table of
// committed file manifests — the structure a download or status
// request actually consults. internal/journal durably persists the
// same shape for restart recovery, but correctness never depends on
// the journal: a running coordinator answers purely from this table.
package filetable

import (
	"sync"

	"github.com/jaywantadh/clusterd/internal/journal"
)

// Table is the coordinator's committed-file manifest table.
type Table struct {
	mu    sync.RWMutex
	files map[string]journal.FileManifest
}

// New creates an empty Table.
func New() *Table {
	return &Table{files: make(map[string]journal.FileManifest)}
}

// Put commits a manifest, making the file visible to Get/Download.
func (t *Table) Put(m journal.FileManifest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[m.FileID] = m
}

// Get retrieves a committed manifest by file ID.
func (t *Table) Get(fileID string) (journal.FileManifest, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.files[fileID]
	return m, ok
}

// Delete removes a file's manifest (explicit deletion or rollback of
// a failed upload's partial commit — in practice uploads never commit
// partially, so this is used only for explicit file removal).
func (t *Table) Delete(fileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, fileID)
}

// Count returns the number of committed files.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}

// All returns a snapshot of every committed manifest.
func (t *Table) All() []journal.FileManifest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]journal.FileManifest, 0, len(t.files))
	for _, m := range t.files {
		out = append(out, m)
	}
	return out
}

// ReplicationFactor returns the target replication factor for fileID,
// used by the re-replication engine to know how many replicas a given
// file's chunks should have. Returns 0, false if the file is unknown.
func (t *Table) ReplicationFactor(fileID string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.files[fileID]
	if !ok {
		return 0, false
	}
	return m.Replication, true
}
