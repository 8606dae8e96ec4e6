// Package journal implements the coordinator's write-behind manifest
// journal: a BadgerDB-backed durable log of committed file manifests,
// consulted only on coordinator restart to rebuild in-memory state.
// Correctness of Upload/Download/Status never depends on the journal
// being present or up to date — it exists purely so a restarted
// coordinator doesn't forget every file it ever committed.
package journal

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// ChunkManifest describes one chunk of a committed file.
type ChunkManifest struct {
	Index      int      `json:"index"`
	Checksum   string   `json:"checksum"`
	Size       int64    `json:"size"`
	Compressed bool     `json:"compressed"`
	Nodes      []string `json:"nodes"`
}

// FileManifest is the durable record of a successfully committed
// upload: every chunk's checksum and the nodes it was placed on at
// commit time. Replica locations drift after this point (nodes fail,
// re-replication moves chunks); the journal's copy is a point-in-time
// snapshot for restart recovery, not a live view — replicaindex.Index
// is the live view.
type FileManifest struct {
	FileID      string          `json:"file_id"`
	FileName    string          `json:"file_name"`
	TotalSize   int64           `json:"total_size"`
	Chunks      []ChunkManifest `json:"chunks"`
	Replication int             `json:"replication"`
	CreatedAt   int64           `json:"created_at"`
}

const manifestPrefix = "manifest:"

// Journal wraps a BadgerDB instance dedicated to manifest persistence.
type Journal struct {
	db *badger.DB
}

// Open opens (or creates) the journal database at dbPath.
func Open(dbPath string) (*Journal, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dbPath, err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append durably records a committed file manifest. Failure to append
// is logged by the caller but never blocks or fails the upload itself
// — the journal is a convenience, not a correctness dependency.
func (j *Journal) Append(m FileManifest) error {
	key := []byte(manifestPrefix + m.FileID)
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("journal: marshal manifest %s: %w", m.FileID, err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Get retrieves a single manifest by file ID.
func (j *Journal) Get(fileID string) (FileManifest, bool, error) {
	var m FileManifest
	found := false
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(manifestPrefix + fileID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	return m, found, err
}

// ReplayAll reads every manifest in the journal, in no particular
// order, for use rebuilding the coordinator's in-memory file table and
// replicaindex.Index on startup.
func (j *Journal) ReplayAll() ([]FileManifest, error) {
	var out []FileManifest
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 50
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(manifestPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m FileManifest
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// Delete removes a manifest, used when a file is explicitly removed
// from the cluster.
func (j *Journal) Delete(fileID string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(manifestPrefix + fileID))
	})
}
