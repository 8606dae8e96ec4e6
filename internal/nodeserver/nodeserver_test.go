package nodeserver

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/jaywantadh/clusterd/internal/bandwidth"
	"github.com/jaywantadh/clusterd/internal/chunkstore"
	"github.com/jaywantadh/clusterd/internal/wire"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	store, err := chunkstore.New(t.TempDir(), 1<<20)
	require.NoError(t, err)
	bw := bandwidth.New(1 << 30)
	s := New("n1", store, bw, false, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleConn(conn)
		}
	}()
	t.Cleanup(func() { _ = s.Close() })
	return s, ln.Addr().String()
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestPutChunkThenGetChunkRoundTrip(t *testing.T) {
	_, addr := startTestServer(t)
	data := []byte("hello cluster")
	sum := checksumOf(data)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, wire.KindPutChunk, wire.PutChunkHeader{
		FileID: "f1", Index: 0, Size: int64(len(data)), Checksum: sum,
	}))
	require.NoError(t, wire.WriteBulk(conn, data))

	reply, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.KindOK, reply.Kind)

	require.NoError(t, wire.WriteFrame(conn, wire.KindGetChunk, wire.GetChunkHeader{FileID: "f1", Index: 0}))
	getReply, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.KindData, getReply.Kind)

	var dataHdr wire.DownloadChunkHeader
	require.NoError(t, getReply.Decode(&dataHdr))
	body, err := wire.ReadBulk(conn, dataHdr.Size)
	require.NoError(t, err)
	require.Equal(t, data, body)
	require.Equal(t, sum, dataHdr.Checksum)
}

func TestPutChunkWrongChecksumRejected(t *testing.T) {
	_, addr := startTestServer(t)
	data := []byte("some bytes")

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, wire.KindPutChunk, wire.PutChunkHeader{
		FileID: "f1", Index: 0, Size: int64(len(data)), Checksum: "deadbeef",
	}))
	require.NoError(t, wire.WriteBulk(conn, data))

	reply, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.KindErr, reply.Kind)
}

func TestGetChunkMissingReturnsErr(t *testing.T) {
	_, addr := startTestServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, wire.KindGetChunk, wire.GetChunkHeader{FileID: "ghost", Index: 0}))
	reply, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.KindErr, reply.Kind)
}

func TestPingReturnsOK(t *testing.T) {
	_, addr := startTestServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, wire.KindPing, wire.PingHeader{}))
	reply, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.KindOK, reply.Kind)
}

func TestSnapshotReflectsZeroUtilisationWhenIdle(t *testing.T) {
	s, _ := startTestServer(t)
	snap := s.Snapshot()
	require.Equal(t, int64(0), snap.Utilisation)
	require.Equal(t, int64(0), snap.UsedBytes)
}
