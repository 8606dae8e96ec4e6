// Package replicaindex implements C6: the coordinator's mapping from
// chunk identity to the set of nodes believed to hold it, plus the
// reverse view (which chunks live on a given node). Both views are
// maintained atomically under one mutex so they never disagree.
package replicaindex

import "sync"

// ChunkKey identifies one chunk across the whole cluster.
type ChunkKey struct {
	FileID string
	Index  int
}

// UnderReplicated describes one chunk whose current replica count is
// below its target.
type UnderReplicated struct {
	Key      ChunkKey
	CurrentR int
}

// Index is the coordinator's single shared mutable replica-location
// structure (spec.md §5). Reads are brief hash-map lookups and are not
// parallelised further; the index mutex is never held while issuing an
// outgoing RPC — callers drop it, make the RPC, and re-acquire to
// commit the result.
type Index struct {
	mu      sync.Mutex
	byChunk map[ChunkKey]map[string]struct{}
	byNode  map[string]map[ChunkKey]struct{}
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		byChunk: make(map[ChunkKey]map[string]struct{}),
		byNode:  make(map[string]map[ChunkKey]struct{}),
	}
}

// Register records that nodeID holds a successfully-ACKed replica of
// key. Per spec.md I1, callers must only invoke this after an actual
// successful put ack from nodeID.
func (idx *Index) Register(key ChunkKey, nodeID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.byChunk[key] == nil {
		idx.byChunk[key] = make(map[string]struct{})
	}
	idx.byChunk[key][nodeID] = struct{}{}

	if idx.byNode[nodeID] == nil {
		idx.byNode[nodeID] = make(map[ChunkKey]struct{})
	}
	idx.byNode[nodeID][key] = struct{}{}
}

// Unregister removes nodeID from key's holder set.
func (idx *Index) Unregister(key ChunkKey, nodeID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.unregisterLocked(key, nodeID)
}

func (idx *Index) unregisterLocked(key ChunkKey, nodeID string) {
	if holders, ok := idx.byChunk[key]; ok {
		delete(holders, nodeID)
		if len(holders) == 0 {
			delete(idx.byChunk, key)
		}
	}
	if chunks, ok := idx.byNode[nodeID]; ok {
		delete(chunks, key)
		if len(chunks) == 0 {
			delete(idx.byNode, nodeID)
		}
	}
}

// Locations returns the set of node IDs believed to hold key.
func (idx *Index) Locations(key ChunkKey) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	holders := idx.byChunk[key]
	out := make([]string, 0, len(holders))
	for id := range holders {
		out = append(out, id)
	}
	return out
}

// ChunksOn returns every chunk nodeID is believed to hold.
func (idx *Index) ChunksOn(nodeID string) []ChunkKey {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	chunks := idx.byNode[nodeID]
	out := make([]ChunkKey, 0, len(chunks))
	for k := range chunks {
		out = append(out, k)
	}
	return out
}

// RemoveNode unregisters nodeID from every chunk it held, in one
// locked pass. Used when the health monitor declares a node FAILED
// (spec.md P5: a failed node must no longer appear in any replica set
// within one monitor tick).
func (idx *Index) RemoveNode(nodeID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for key := range idx.byNode[nodeID] {
		idx.unregisterLocked(key, nodeID)
	}
}

// UnderReplicated scans every known chunk and returns those whose
// holder count is below targetR.
func (idx *Index) UnderReplicated(targetR int) []UnderReplicated {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []UnderReplicated
	for key, holders := range idx.byChunk {
		if len(holders) < targetR {
			out = append(out, UnderReplicated{Key: key, CurrentR: len(holders)})
		}
	}
	return out
}

// ReplicaCount returns how many nodes currently hold key.
func (idx *Index) ReplicaCount(key ChunkKey) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.byChunk[key])
}
