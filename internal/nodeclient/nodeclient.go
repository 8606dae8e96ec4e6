// Package nodeclient is the coordinator-side (and re-replication-side)
// RPC client for talking to a storage node's wire protocol server:
// PutChunk, GetChunk, and Ping. It is the mirror image of
// internal/nodeserver, which handles these same frames on the node.
package nodeclient

import (
	"fmt"
	"net"
	"time"

	"github.com/jaywantadh/clusterd/internal/wire"
)

// DialTimeout bounds connection setup to a node.
const DialTimeout = 5 * time.Second

// PutChunk sends data to addr as a PutChunk frame and waits for the
// node's ok/err reply.
func PutChunk(addr string, hdr wire.PutChunkHeader, data []byte) error {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return fmt.Errorf("nodeclient: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindPutChunk, hdr); err != nil {
		return fmt.Errorf("nodeclient: send PutChunk header: %w", err)
	}
	if err := wire.WriteBulk(conn, data); err != nil {
		return fmt.Errorf("nodeclient: send PutChunk body: %w", err)
	}

	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("nodeclient: read PutChunk reply: %w", err)
	}
	if reply.Kind == wire.KindErr {
		var e wire.ErrResult
		_ = reply.Decode(&e)
		return fmt.Errorf("nodeclient: put rejected: %s", e.Error)
	}
	return nil
}

// GetChunk requests (fileID, index) from addr and returns the bytes and
// the checksum the node reported for them.
func GetChunk(addr string, hdr wire.GetChunkHeader) (data []byte, checksum string, err error) {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, "", fmt.Errorf("nodeclient: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindGetChunk, hdr); err != nil {
		return nil, "", fmt.Errorf("nodeclient: send GetChunk header: %w", err)
	}

	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, "", fmt.Errorf("nodeclient: read GetChunk reply: %w", err)
	}
	if reply.Kind == wire.KindErr {
		var e wire.ErrResult
		_ = reply.Decode(&e)
		return nil, "", fmt.Errorf("nodeclient: get rejected: %s", e.Error)
	}

	var dataHdr wire.DownloadChunkHeader
	if err := reply.Decode(&dataHdr); err != nil {
		return nil, "", fmt.Errorf("nodeclient: decode GetChunk data header: %w", err)
	}
	body, err := wire.ReadBulk(conn, dataHdr.Size)
	if err != nil {
		return nil, "", fmt.Errorf("nodeclient: read GetChunk body: %w", err)
	}
	return body, dataHdr.Checksum, nil
}

// Ping checks that addr is reachable and responsive.
func Ping(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return fmt.Errorf("nodeclient: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindPing, wire.PingHeader{}); err != nil {
		return fmt.Errorf("nodeclient: send ping: %w", err)
	}
	if _, err := wire.ReadFrame(conn); err != nil {
		return fmt.Errorf("nodeclient: read ping reply: %w", err)
	}
	return nil
}
