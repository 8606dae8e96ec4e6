package wire

// RegisterHeader is the node->coord 0x01 Register payload.
type RegisterHeader struct {
	NodeID    string `json:"node_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Capacity  int64  `json:"capacity"`
	Bandwidth int64  `json:"bandwidth"`
}

// ChunkRef identifies one chunk a node's heartbeat reports holding.
type ChunkRef struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
}

// HeartbeatHeader is the node->coord 0x02 Heartbeat payload.
type HeartbeatHeader struct {
	NodeID      string     `json:"node_id"`
	UsedBytes   int64      `json:"used_bytes"`
	Utilisation int64      `json:"utilisation"`
	Timestamp   int64      `json:"timestamp"`
	Chunks      []ChunkRef `json:"chunks"`
}

// PutChunkHeader is the coord->node 0x10 PutChunk payload; raw bytes of
// Size follow the frame. Compress is the caller's per-file compression
// decision (e.g. skipped for already-compressed extensions); the node
// only compresses when both its own policy and this flag agree.
type PutChunkHeader struct {
	FileID   string `json:"file_id"`
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Compress bool   `json:"compress"`
}

// GetChunkHeader is the coord->node 0x11 GetChunk payload.
type GetChunkHeader struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
}

// PingHeader is the empty 0x12 Ping payload.
type PingHeader struct{}

// UploadBeginHeader is the client->coord 0x20 UploadBegin payload.
type UploadBeginHeader struct {
	DisplayName string `json:"display_name"`
	TotalSize   int64  `json:"total_size"`
	Replication int    `json:"replication"`
}

// UploadBeginResult is the 0x84 reply to UploadBegin.
type UploadBeginResult struct {
	FileID    string `json:"file_id"`
	ChunkSize int64  `json:"chunk_size"`
}

// UploadChunkHeader is the client->coord 0x21 UploadChunk payload; raw
// bytes follow the frame. Size is required by the general framing rule
// in spec.md §6 ("bulk payloads follow as raw bytes of the length
// specified in the JSON header") even though the wire table's payload
// column abbreviates it away.
type UploadChunkHeader struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
	Size   int64  `json:"size"`
}

// UploadCommitHeader is the client->coord 0x22 UploadCommit payload.
type UploadCommitHeader struct {
	FileID string `json:"file_id"`
}

// DownloadHeader is the client->coord 0x30 Download payload.
type DownloadHeader struct {
	FileID string `json:"file_id"`
}

// DownloadChunkHeader precedes each chunk's bytes in a Download reply
// stream.
type DownloadChunkHeader struct {
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// StatusHeader is the empty client->coord 0x40 Status payload.
type StatusHeader struct{}

// StatusResult is the 0x84 reply to Status.
type StatusResult struct {
	TotalNodes           int   `json:"total_nodes"`
	HealthyNodes         int   `json:"healthy_nodes"`
	TotalBytes           int64 `json:"total_bytes"`
	UsedBytes            int64 `json:"used_bytes"`
	FileCount            int   `json:"file_count"`
	UnderReplicatedCount int   `json:"under_replicated_count"`
}

// OKResult is the generic 0x81 success reply.
type OKResult struct {
	Message string `json:"message,omitempty"`
}

// ErrResult is the generic 0x82 failure reply.
type ErrResult struct {
	Error string `json:"error"`
}
