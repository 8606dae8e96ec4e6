// Package nodeserver implements C3: the storage node's TCP frame
// server (PutChunk/GetChunk/Ping), its periodic heartbeat emission to
// the coordinator, and the simulated-transfer-time discipline that
// lets chunk puts/gets compete for the node's bandwidth budget without
// actually throttling the local disk I/O.
package nodeserver

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/clusterd/internal/bandwidth"
	"github.com/jaywantadh/clusterd/internal/chunkstore"
	"github.com/jaywantadh/clusterd/internal/wire"
	"github.com/jaywantadh/clusterd/pkg/logging"
	"github.com/sirupsen/logrus"
)

// baseLatency is added to every simulated transfer regardless of size,
// modelling RPC/connection-setup overhead.
const baseLatency = 2 * time.Millisecond

// Server is one storage node's RPC-handling side: it owns a chunk
// store and a bandwidth accountant and speaks the wire protocol's
// PutChunk/GetChunk/Ping frames over accepted TCP connections.
type Server struct {
	NodeID    string
	store     *chunkstore.Store
	bw        *bandwidth.Accountant
	log       *logrus.Entry
	compress  bool
	listener  net.Listener
}

// New creates a Server bound to the given store and bandwidth
// accountant. compress controls whether incoming chunks are stored
// LZ4-compressed when doing so shrinks them.
func New(nodeID string, store *chunkstore.Store, bw *bandwidth.Accountant, compress bool, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{NodeID: nodeID, store: store, bw: bw, compress: compress, log: log.WithField("node_id", nodeID)}
}

// Serve accepts connections on addr until the listener is closed by
// Close. Each connection is handled by its own goroutine; one
// connection may carry many sequential frames.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("nodeserver: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.WithField("addr", addr).Info("node server listening")
	return s.acceptLoop(ln)
}

// ListenAndServe binds addr, returns the bound address immediately
// (useful when addr's port is 0, i.e. "pick any free port"), and runs
// the accept loop in the background until Close is called.
func (s *Server) ListenAndServe(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("nodeserver: listen %s: %w", addr, err)
	}
	s.listener = ln
	go s.acceptLoop(ln)
	return ln.Addr().String(), nil
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}

		switch frame.Kind {
		case wire.KindPutChunk:
			s.handlePutChunk(conn, frame)
		case wire.KindGetChunk:
			s.handleGetChunk(conn, frame)
		case wire.KindPing:
			_ = wire.WriteFrame(conn, wire.KindOK, wire.OKResult{})
		default:
			_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "nodeserver: unexpected frame kind"})
			return
		}
	}
}

func (s *Server) handlePutChunk(conn net.Conn, frame wire.Frame) {
	var hdr wire.PutChunkHeader
	if err := frame.Decode(&hdr); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "nodeserver: bad PutChunk header"})
		return
	}

	data, err := wire.ReadBulk(conn, hdr.Size)
	if err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "nodeserver: short chunk body"})
		return
	}

	transferKey := uuid.NewString()
	s.simulateTransfer(transferKey, int64(len(data)))

	key := chunkstore.Key{FileID: hdr.FileID, Index: hdr.Index}
	compress := s.compress && hdr.Compress
	if err := s.store.Put(key, data, hdr.Checksum, compress); err != nil {
		category := logging.CategoryTransport
		switch {
		case errors.Is(err, chunkstore.ErrWrongChecksum):
			category = logging.CategoryIntegrity
		case errors.Is(err, chunkstore.ErrOutOfCapacity):
			category = logging.CategoryCapacity
		}
		logging.Failure(s.log, category, s.NodeID, logging.ChunkKey(hdr.FileID, hdr.Index), err)
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: err.Error()})
		return
	}
	_ = wire.WriteFrame(conn, wire.KindOK, wire.OKResult{})
}

func (s *Server) handleGetChunk(conn net.Conn, frame wire.Frame) {
	var hdr wire.GetChunkHeader
	if err := frame.Decode(&hdr); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "nodeserver: bad GetChunk header"})
		return
	}

	key := chunkstore.Key{FileID: hdr.FileID, Index: hdr.Index}
	data, err := s.store.Get(key)
	if err != nil {
		category := logging.CategoryTransport
		if errors.Is(err, chunkstore.ErrCorruptOnRead) || errors.Is(err, chunkstore.ErrMissing) {
			category = logging.CategoryIntegrity
		}
		logging.Failure(s.log, category, s.NodeID, logging.ChunkKey(hdr.FileID, hdr.Index), err)
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: err.Error()})
		return
	}

	transferKey := uuid.NewString()
	s.simulateTransfer(transferKey, int64(len(data)))

	sum := sha256.Sum256(data)
	if err := wire.WriteFrame(conn, wire.KindData, wire.DownloadChunkHeader{
		Index:    hdr.Index,
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}); err != nil {
		return
	}
	_ = wire.WriteBulk(conn, data)
}

// simulateTransfer reserves bandwidth for size bytes, sleeps the
// modelled transmission time (size_bits/granted + base_latency), and
// releases the reservation. It runs before the store write on the put
// path and after the store read on the get path, so the reservation
// covers only the modelled transmission delay, not the disk I/O or the
// socket write; utilisation reflects the transfers in that delay at
// any moment (spec.md §4.3).
func (s *Server) simulateTransfer(key string, size int64) {
	granted := s.bw.Reserve(key, size*8)
	defer s.bw.Release(key)

	if granted <= 0 {
		time.Sleep(baseLatency)
		return
	}
	seconds := float64(size*8) / float64(granted)
	time.Sleep(baseLatency + time.Duration(seconds*float64(time.Second)))
}

// Heartbeat describes what the node reports to the coordinator on each
// heartbeat tick.
type Heartbeat struct {
	UsedBytes   int64
	Utilisation int64
	Chunks      []wire.ChunkRef
}

// Snapshot reports the node's current accounting for inclusion in a
// heartbeat frame.
func (s *Server) Snapshot() Heartbeat {
	summaries := s.store.List()
	chunks := make([]wire.ChunkRef, len(summaries))
	for i, c := range summaries {
		chunks[i] = wire.ChunkRef{FileID: c.Key.FileID, Index: c.Key.Index}
	}
	return Heartbeat{
		UsedBytes:   s.store.UsedBytes(),
		Utilisation: s.bw.Utilisation(),
		Chunks:      chunks,
	}
}

// RunHeartbeat dials the coordinator every interval and sends a
// Heartbeat frame until stopCh is closed. Missed emissions (dial or
// write failure) are logged and not retried out-of-band — per
// spec.md §4.3 the coordinator infers liveness from timing, not from
// acknowledged delivery.
func (s *Server) RunHeartbeat(coordAddr string, interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sendHeartbeat(coordAddr)
		case <-stopCh:
			return
		}
	}
}

func (s *Server) sendHeartbeat(coordAddr string) {
	conn, err := net.DialTimeout("tcp", coordAddr, 5*time.Second)
	if err != nil {
		s.log.WithError(err).Warn("heartbeat dial failed")
		return
	}
	defer conn.Close()

	snap := s.Snapshot()
	hdr := wire.HeartbeatHeader{
		NodeID:      s.NodeID,
		UsedBytes:   snap.UsedBytes,
		Utilisation: snap.Utilisation,
		Timestamp:   time.Now().Unix(),
		Chunks:      snap.Chunks,
	}
	if err := wire.WriteFrame(conn, wire.KindHeartbeat, hdr); err != nil {
		s.log.WithError(err).Warn("heartbeat send failed")
		return
	}
	if _, err := wire.ReadFrame(conn); err != nil {
		s.log.WithError(err).Warn("heartbeat ack not received")
	}
}

// Register dials the coordinator once and sends a Register frame
// describing this node. Called at node startup after the listener is
// bound and before RunHeartbeat.
func Register(coordAddr, nodeID, host string, port int, capacity, bw int64) error {
	conn, err := net.DialTimeout("tcp", coordAddr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("nodeserver: register dial: %w", err)
	}
	defer conn.Close()

	hdr := wire.RegisterHeader{NodeID: nodeID, Host: host, Port: port, Capacity: capacity, Bandwidth: bw}
	if err := wire.WriteFrame(conn, wire.KindRegister, hdr); err != nil {
		return fmt.Errorf("nodeserver: register send: %w", err)
	}

	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("nodeserver: register read reply: %w", err)
	}
	if reply.Kind == wire.KindErr {
		var e wire.ErrResult
		_ = reply.Decode(&e)
		return fmt.Errorf("nodeserver: register rejected: %s", e.Error)
	}
	return nil
}

// Deregister best-effort notifies the coordinator this node is
// shutting down cleanly. Per spec.md §4.3, if this message is lost the
// coordinator will simply declare the node FAILED after timeout — so
// errors here are logged, not propagated.
func (s *Server) Deregister(coordAddr string) {
	conn, err := net.DialTimeout("tcp", coordAddr, 5*time.Second)
	if err != nil {
		s.log.WithError(err).Warn("deregister dial failed")
		return
	}
	defer conn.Close()
	_ = wire.WriteFrame(conn, wire.KindHeartbeat, wire.HeartbeatHeader{NodeID: s.NodeID, Timestamp: 0})
}
