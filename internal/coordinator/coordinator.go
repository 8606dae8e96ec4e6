// Package coordinator implements C10: the cluster control plane that
// terminates every node and client RPC (Register, Heartbeat, Upload*,
// Download, Status) over the wire protocol and wires together the
// registry, health monitor, replica index, upload/download
// coordinators, and re-replication engine that do the actual work.
package coordinator

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jaywantadh/clusterd/internal/download"
	"github.com/jaywantadh/clusterd/internal/eventbus"
	"github.com/jaywantadh/clusterd/internal/filetable"
	"github.com/jaywantadh/clusterd/internal/healthmonitor"
	"github.com/jaywantadh/clusterd/internal/journal"
	"github.com/jaywantadh/clusterd/internal/placement"
	"github.com/jaywantadh/clusterd/internal/registry"
	"github.com/jaywantadh/clusterd/internal/replicaindex"
	"github.com/jaywantadh/clusterd/internal/rereplication"
	"github.com/jaywantadh/clusterd/internal/upload"
	"github.com/jaywantadh/clusterd/internal/wire"
	"github.com/sirupsen/logrus"
)

// Config bundles every tunable the coordinator needs at construction
// time. Zero values fall back to spec.md's stated defaults.
type Config struct {
	HeartbeatFailureTimeout time.Duration // default 30s
	HealthTickInterval      time.Duration // default 1s
	SweepInterval           time.Duration // default 60s
	DefaultReplication      int           // default 3
	PlacementStrategy       placement.Strategy
	JournalPath             string // optional; empty disables journaling

	// StaleChunkGrace bounds how long a rejoining node's surplus chunk
	// (one the replica index no longer needs at the reporting node's
	// target replication) is held as a GC candidate before it is
	// dropped for good. Default 2m. spec.md §4.4 names the grace period
	// without fixing its length.
	StaleChunkGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatFailureTimeout <= 0 {
		c.HeartbeatFailureTimeout = 30 * time.Second
	}
	if c.HealthTickInterval <= 0 {
		c.HealthTickInterval = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.DefaultReplication <= 0 {
		c.DefaultReplication = 3
	}
	if c.PlacementStrategy == "" {
		c.PlacementStrategy = placement.StrategyDiverse
	}
	if c.StaleChunkGrace <= 0 {
		c.StaleChunkGrace = 2 * time.Minute
	}
}

// Coordinator is the cluster's single control-plane process: one TCP
// listener fanning out Register/Heartbeat/Upload*/Download/Status
// frames to the subsystems that own each concern.
type Coordinator struct {
	cfg Config
	log *logrus.Entry

	registry *registry.Registry
	health   *healthmonitor.Monitor
	index    *replicaindex.Index
	files    *filetable.Table
	bus      *eventbus.Bus
	journal  *journal.Journal

	uploader   *upload.Coordinator
	downloader *download.Coordinator
	rerepl     *rereplication.Engine

	// staleMu guards staleCandidates, the set of (chunk, node) pairs a
	// recovered node has re-reported that the replica index does not
	// currently need (spec.md §4.4's reconciliation-on-recovery). Each
	// is aged out by the reaper goroutine after cfg.StaleChunkGrace.
	staleMu         sync.Mutex
	staleCandidates map[replicaindex.ChunkKey]map[string]time.Time

	listener net.Listener
	gcStop   chan struct{}
	gcDone   chan struct{}
}

// New builds a Coordinator and its full subsystem graph. If
// cfg.JournalPath is non-empty, a BadgerDB journal is opened and every
// committed manifest also lands there for restart recovery; manifests
// already on disk are replayed into the in-memory file table
// immediately.
func New(cfg Config, log *logrus.Entry) (*Coordinator, error) {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	reg := registry.New()
	bus := eventbus.New()
	health := healthmonitor.New(cfg.HeartbeatFailureTimeout, bus, log.WithField("component", "healthmonitor"))
	index := replicaindex.New()
	files := filetable.New()

	var j *journal.Journal
	if cfg.JournalPath != "" {
		var err error
		j, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("coordinator: open journal: %w", err)
		}
		manifests, err := j.ReplayAll()
		if err != nil {
			return nil, fmt.Errorf("coordinator: replay journal: %w", err)
		}
		for _, m := range manifests {
			files.Put(m)
			for _, cm := range m.Chunks {
				for _, nodeID := range cm.Nodes {
					index.Register(replicaindex.ChunkKey{FileID: m.FileID, Index: cm.Index}, nodeID)
				}
			}
		}
	}

	uploader := upload.New(reg, health, index, files, j, cfg.PlacementStrategy, log.WithField("component", "upload"))
	downloader := download.New(reg, index, files, log.WithField("component", "download"))
	rerepl := rereplication.New(reg, health, index, files, cfg.PlacementStrategy, bus, log.WithField("component", "rereplication"))

	downloader.OnSuspect = func(fileID string, chunkIndex int, nodeID string) {
		index.Unregister(replicaindex.ChunkKey{FileID: fileID, Index: chunkIndex}, nodeID)
		go rerepl.Sweep(time.Now())
	}

	return &Coordinator{
		cfg: cfg, log: log,
		registry: reg, health: health, index: index, files: files, bus: bus, journal: j,
		uploader: uploader, downloader: downloader, rerepl: rerepl,
		staleCandidates: make(map[replicaindex.ChunkKey]map[string]time.Time),
		gcStop:          make(chan struct{}),
		gcDone:          make(chan struct{}),
	}, nil
}

// Run starts the health monitor's tick loop, the re-replication
// engine's sweep loop, and the stale-chunk-candidate reaper. Call
// before Serve/ListenAndServe.
func (c *Coordinator) Run() {
	c.health.Run(c.cfg.HealthTickInterval)
	c.rerepl.Run(c.cfg.SweepInterval)
	go c.reapStaleCandidatesLoop()
}

// Stop ends the background loops and closes the journal, if any.
func (c *Coordinator) Stop() {
	c.health.Stop()
	c.rerepl.Stop()
	close(c.gcStop)
	<-c.gcDone
	if c.journal != nil {
		_ = c.journal.Close()
	}
}

// Serve accepts connections on addr until Close is called.
func (c *Coordinator) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("coordinator: listen %s: %w", addr, err)
	}
	c.listener = ln
	c.log.WithField("addr", addr).Info("coordinator listening")
	return c.acceptLoop(ln)
}

// ListenAndServe binds addr, returns the bound address immediately,
// and runs the accept loop in the background.
func (c *Coordinator) ListenAndServe(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("coordinator: listen %s: %w", addr, err)
	}
	c.listener = ln
	go c.acceptLoop(ln)
	return ln.Addr().String(), nil
}

func (c *Coordinator) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go c.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (c *Coordinator) Close() error {
	if c.listener == nil {
		return nil
	}
	return c.listener.Close()
}

func (c *Coordinator) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}

		switch frame.Kind {
		case wire.KindRegister:
			c.handleRegister(conn, frame)
		case wire.KindHeartbeat:
			c.handleHeartbeat(conn, frame)
		case wire.KindUploadBegin:
			c.handleUploadBegin(conn, frame)
		case wire.KindUploadChunk:
			c.handleUploadChunk(conn, frame)
		case wire.KindUploadCommit:
			c.handleUploadCommit(conn, frame)
		case wire.KindDownload:
			c.handleDownload(conn, frame)
			return
		case wire.KindStatus:
			c.handleStatus(conn, frame)
		case wire.KindPing:
			_ = wire.WriteFrame(conn, wire.KindOK, wire.OKResult{})
		default:
			_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "coordinator: unexpected frame kind"})
			return
		}
	}
}

// handleRegister enrolls a node. Per spec.md §4.10, re-registering a
// known node ID under a different endpoint is still accepted (a node
// may legitimately rebind after a restart with a new port); the prior
// endpoint's entry is simply overwritten rather than modelled as a
// distinct DECOMMISSIONED lifecycle state, since nothing in this
// cluster currently depends on distinguishing "replaced" from "never
// existed".
func (c *Coordinator) handleRegister(conn net.Conn, frame wire.Frame) {
	var hdr wire.RegisterHeader
	if err := frame.Decode(&hdr); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "coordinator: bad Register header"})
		return
	}

	replaced := c.registry.Register(registry.Descriptor{
		NodeID: hdr.NodeID, Host: hdr.Host, Port: hdr.Port,
		Capacity: hdr.Capacity, Bandwidth: hdr.Bandwidth,
	})
	if replaced {
		c.log.WithField("node_id", hdr.NodeID).Info("node re-registered at a new endpoint")
	}
	c.health.RegisterNode(hdr.NodeID, time.Now())

	c.log.WithFields(logrus.Fields{"node_id": hdr.NodeID, "host": hdr.Host, "port": hdr.Port}).Info("node registered")
	_ = wire.WriteFrame(conn, wire.KindOK, wire.OKResult{})
}

// handleHeartbeat records usage and liveness. A Timestamp of zero is
// nodeserver.Deregister's best-effort shutdown signal (spec.md §4.3):
// the node is dropped from the registry immediately instead of waiting
// out a full failure-timeout window.
func (c *Coordinator) handleHeartbeat(conn net.Conn, frame wire.Frame) {
	var hdr wire.HeartbeatHeader
	if err := frame.Decode(&hdr); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "coordinator: bad Heartbeat header"})
		return
	}

	if hdr.Timestamp == 0 {
		c.index.RemoveNode(hdr.NodeID)
		c.registry.Remove(hdr.NodeID)
		c.log.WithField("node_id", hdr.NodeID).Info("node deregistered")
		_ = wire.WriteFrame(conn, wire.KindOK, wire.OKResult{})
		return
	}

	c.registry.UpdateHeartbeat(hdr.NodeID, hdr.UsedBytes, hdr.Utilisation)
	c.health.Heartbeat(hdr.NodeID, time.Unix(hdr.Timestamp, 0))

	now := time.Now()
	for _, ref := range hdr.Chunks {
		c.reconcileReportedChunk(replicaindex.ChunkKey{FileID: ref.FileID, Index: ref.Index}, hdr.NodeID, now)
	}

	_ = wire.WriteFrame(conn, wire.KindOK, wire.OKResult{})
}

// reconcileReportedChunk is spec.md §4.4's recovery reconciliation: a
// node's heartbeat re-attests which chunks it still holds, but a
// chunk already re-replicated to target while the node was down must
// not be merged back as a live replica (that would push |locations(c)|
// past the file's replication factor, violating I2/P3). Only a chunk
// the index still needs is registered immediately; a surplus one is
// tracked as a GC candidate and aged out by reapStaleCandidatesLoop
// unless it becomes needed again first.
func (c *Coordinator) reconcileReportedChunk(key replicaindex.ChunkKey, nodeID string, now time.Time) {
	manifest, ok := c.files.Get(key.FileID)
	if !ok {
		// The file itself is unknown to the coordinator (never
		// committed, or lost); nothing to reconcile against.
		c.forgetStaleCandidate(key, nodeID)
		return
	}

	for _, holder := range c.index.Locations(key) {
		if holder == nodeID {
			// Already a recognised holder; reaffirming is a no-op.
			c.forgetStaleCandidate(key, nodeID)
			return
		}
	}

	if c.index.ReplicaCount(key) < manifest.Replication {
		c.index.Register(key, nodeID)
		c.forgetStaleCandidate(key, nodeID)
		return
	}

	c.markStaleCandidate(key, nodeID, now)
}

func (c *Coordinator) markStaleCandidate(key replicaindex.ChunkKey, nodeID string, now time.Time) {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	byNode, ok := c.staleCandidates[key]
	if !ok {
		byNode = make(map[string]time.Time)
		c.staleCandidates[key] = byNode
	}
	if _, already := byNode[nodeID]; !already {
		byNode[nodeID] = now
	}
}

func (c *Coordinator) forgetStaleCandidate(key replicaindex.ChunkKey, nodeID string) {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	if byNode, ok := c.staleCandidates[key]; ok {
		delete(byNode, nodeID)
		if len(byNode) == 0 {
			delete(c.staleCandidates, key)
		}
	}
}

// reapStaleCandidatesLoop periodically finalizes stale-chunk
// candidates once they have aged past cfg.StaleChunkGrace.
func (c *Coordinator) reapStaleCandidatesLoop() {
	defer close(c.gcDone)
	ticker := time.NewTicker(c.cfg.HealthTickInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.reapStaleCandidates(now)
		case <-c.gcStop:
			return
		}
	}
}

// reapStaleCandidates finalizes every candidate older than
// cfg.StaleChunkGrace: if the chunk has since become under-replicated
// again it is rescued back into the index (the grace period gave it a
// second chance rather than silently discarding a now-needed replica);
// otherwise it is garbage-collected — dropped for good, never merged
// into the replica index as a live holder.
func (c *Coordinator) reapStaleCandidates(now time.Time) {
	type expired struct {
		key    replicaindex.ChunkKey
		nodeID string
	}
	var due []expired

	c.staleMu.Lock()
	for key, byNode := range c.staleCandidates {
		for nodeID, firstSeen := range byNode {
			if now.Sub(firstSeen) >= c.cfg.StaleChunkGrace {
				due = append(due, expired{key, nodeID})
			}
		}
	}
	c.staleMu.Unlock()

	for _, e := range due {
		manifest, ok := c.files.Get(e.key.FileID)
		if ok && c.index.ReplicaCount(e.key) < manifest.Replication {
			c.index.Register(e.key, e.nodeID)
			c.log.WithFields(logrus.Fields{
				"node_id": e.nodeID, "file_id": e.key.FileID, "index": e.key.Index,
			}).Info("stale chunk candidate rescued: became under-replicated during grace period")
		} else {
			c.log.WithFields(logrus.Fields{
				"node_id": e.nodeID, "file_id": e.key.FileID, "index": e.key.Index,
			}).Info("garbage collecting stale chunk candidate after grace period")
		}
		c.forgetStaleCandidate(e.key, e.nodeID)
	}
}

func (c *Coordinator) handleUploadBegin(conn net.Conn, frame wire.Frame) {
	var hdr wire.UploadBeginHeader
	if err := frame.Decode(&hdr); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "coordinator: bad UploadBegin header"})
		return
	}

	replication := hdr.Replication
	if replication == 0 {
		replication = c.cfg.DefaultReplication
	}

	fileID, chunkSize, err := c.uploader.Begin(hdr.DisplayName, hdr.TotalSize, replication)
	if err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: err.Error()})
		return
	}
	_ = wire.WriteFrame(conn, wire.KindResult, wire.UploadBeginResult{FileID: fileID, ChunkSize: chunkSize})
}

func (c *Coordinator) handleUploadChunk(conn net.Conn, frame wire.Frame) {
	var hdr wire.UploadChunkHeader
	if err := frame.Decode(&hdr); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "coordinator: bad UploadChunk header"})
		return
	}

	data, err := wire.ReadBulk(conn, hdr.Size)
	if err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "coordinator: short chunk body"})
		return
	}

	if err := c.uploader.PutChunk(hdr.FileID, hdr.Index, data); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: err.Error()})
		return
	}
	_ = wire.WriteFrame(conn, wire.KindOK, wire.OKResult{})
}

func (c *Coordinator) handleUploadCommit(conn net.Conn, frame wire.Frame) {
	var hdr wire.UploadCommitHeader
	if err := frame.Decode(&hdr); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "coordinator: bad UploadCommit header"})
		return
	}

	if err := c.uploader.Commit(hdr.FileID); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: err.Error()})
		return
	}
	_ = wire.WriteFrame(conn, wire.KindOK, wire.OKResult{})
}

// handleDownload streams every chunk of fileID to the client as a
// sequence of Data frames, in manifest order, terminated by a final OK
// frame the client uses to know the stream is complete. It ends the
// connection's frame loop either way, since a download response is the
// last thing a client connection does in this protocol.
func (c *Coordinator) handleDownload(conn net.Conn, frame wire.Frame) {
	var hdr wire.DownloadHeader
	if err := frame.Decode(&hdr); err != nil {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: "coordinator: bad Download header"})
		return
	}

	manifest, ok := c.files.Get(hdr.FileID)
	if !ok {
		_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: download.ErrFileNotFound.Error()})
		return
	}

	for _, chunkMeta := range manifest.Chunks {
		data, checksum, err := c.downloader.FetchChunk(hdr.FileID, chunkMeta.Index)
		if err != nil {
			_ = wire.WriteFrame(conn, wire.KindErr, wire.ErrResult{Error: err.Error()})
			return
		}
		if err := wire.WriteFrame(conn, wire.KindData, wire.DownloadChunkHeader{
			Index: chunkMeta.Index, Size: int64(len(data)), Checksum: checksum,
		}); err != nil {
			return
		}
		if err := wire.WriteBulk(conn, data); err != nil {
			return
		}
	}
	_ = wire.WriteFrame(conn, wire.KindOK, wire.OKResult{})
}

func (c *Coordinator) handleStatus(conn net.Conn, frame wire.Frame) {
	total, healthy := c.health.Count()
	result := wire.StatusResult{
		TotalNodes:           total,
		HealthyNodes:         healthy,
		TotalBytes:           c.registry.TotalBytes(),
		UsedBytes:            c.registry.UsedBytes(),
		FileCount:            c.files.Count(),
		UnderReplicatedCount: c.underReplicatedCount(),
	}
	_ = wire.WriteFrame(conn, wire.KindResult, result)
}

// underReplicatedCount scans every committed file's chunks against
// that file's own replication factor, mirroring
// internal/rereplication's discovery pass rather than
// replicaindex.Index.UnderReplicated (which assumes a single global
// target R, unsuitable once files can carry differing factors).
func (c *Coordinator) underReplicatedCount() int {
	count := 0
	for _, m := range c.files.All() {
		for _, cm := range m.Chunks {
			key := replicaindex.ChunkKey{FileID: m.FileID, Index: cm.Index}
			if c.index.ReplicaCount(key) < m.Replication {
				count++
			}
		}
	}
	return count
}
