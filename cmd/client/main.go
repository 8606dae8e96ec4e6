// Command client is a minimal CLI for driving the cluster's upload and
// download RPCs against a running coordinator: --upload sends a local
// file in as many UploadChunk frames as its chosen chunk size demands,
// --download streams a committed file's chunks back to a local path.
//
// Exit codes:
//   - 0: success
//   - 1: bad usage or local filesystem error
//   - 2: RPC failure (dial, rejected header, mid-transfer error)
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/jaywantadh/clusterd/config"
	"github.com/jaywantadh/clusterd/internal/wire"
	"github.com/jaywantadh/clusterd/pkg/env"
)

const dialTimeout = 5 * time.Second

func main() {
	env.LoadEnv()

	configPath := flag.String("config-path", "./config", "directory containing client.yaml")
	host := flag.String("host", "", "host of the coordinator")
	port := flag.Int("port", 0, "port of the coordinator")
	uploadPath := flag.String("upload", "", "local file path to upload")
	downloadFileID := flag.String("download", "", "file ID to download")
	outPath := flag.String("out", "", "local path to write a downloaded file to")
	replication := flag.Int("replication", 0, "replication factor for an upload (0 = coordinator default)")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		os.Exit(1)
	}
	if *host != "" || *port != 0 {
		cfg.CoordinatorAddr = overrideHostPort(cfg.CoordinatorAddr, *host, *port)
	}
	if *replication != 0 {
		cfg.Replication = *replication
	}

	switch {
	case *uploadPath != "":
		if err := runUpload(cfg.CoordinatorAddr, *uploadPath, cfg.Replication); err != nil {
			fmt.Fprintln(os.Stderr, "upload failed:", err)
			os.Exit(2)
		}
	case *downloadFileID != "":
		if *outPath == "" {
			fmt.Fprintln(os.Stderr, "--out is required with --download")
			os.Exit(1)
		}
		if err := runDownload(cfg.CoordinatorAddr, *downloadFileID, *outPath); err != nil {
			fmt.Fprintln(os.Stderr, "download failed:", err)
			os.Exit(2)
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: client --upload <path> | --download <file-id> --out <path>")
		os.Exit(1)
	}
}

func runUpload(coordAddr, path string, replication int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	conn, err := net.DialTimeout("tcp", coordAddr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", coordAddr, err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindUploadBegin, wire.UploadBeginHeader{
		DisplayName: info.Name(), TotalSize: info.Size(), Replication: replication,
	}); err != nil {
		return err
	}
	beginReply, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	if beginReply.Kind == wire.KindErr {
		return rpcError(beginReply)
	}
	var begin wire.UploadBeginResult
	if err := beginReply.Decode(&begin); err != nil {
		return err
	}

	buf := make([]byte, begin.ChunkSize)
	for index := 0; ; index++ {
		n, readErr := f.Read(buf)
		chunk := buf[:n]

		// A zero-byte file still has exactly one (empty) chunk per
		// upload.ChooseChunkSize/Begin, so index 0 is always sent even
		// when the very first read returns EOF with no bytes.
		if n > 0 || index == 0 {
			if err := wire.WriteFrame(conn, wire.KindUploadChunk, wire.UploadChunkHeader{
				FileID: begin.FileID, Index: index, Size: int64(len(chunk)),
			}); err != nil {
				return err
			}
			if err := wire.WriteBulk(conn, chunk); err != nil {
				return err
			}
			putReply, err := wire.ReadFrame(conn)
			if err != nil {
				return err
			}
			if putReply.Kind == wire.KindErr {
				return rpcError(putReply)
			}
		}

		if readErr != nil {
			break
		}
	}

	if err := wire.WriteFrame(conn, wire.KindUploadCommit, wire.UploadCommitHeader{FileID: begin.FileID}); err != nil {
		return err
	}
	commitReply, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	if commitReply.Kind == wire.KindErr {
		return rpcError(commitReply)
	}

	fmt.Printf("uploaded %s as file %s (%d bytes)\n", path, begin.FileID, info.Size())
	return nil
}

func runDownload(coordAddr, fileID, outPath string) error {
	conn, err := net.DialTimeout("tcp", coordAddr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", coordAddr, err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindDownload, wire.DownloadHeader{FileID: fileID}); err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer out.Close()

	var total int64
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		switch frame.Kind {
		case wire.KindOK:
			fmt.Printf("downloaded file %s to %s (%d bytes)\n", fileID, outPath, total)
			return nil
		case wire.KindErr:
			return rpcError(frame)
		case wire.KindData:
			var chunkHdr wire.DownloadChunkHeader
			if err := frame.Decode(&chunkHdr); err != nil {
				return err
			}
			body, err := wire.ReadBulk(conn, chunkHdr.Size)
			if err != nil {
				return err
			}
			if _, err := out.Write(body); err != nil {
				return err
			}
			total += int64(len(body))
		default:
			return fmt.Errorf("unexpected frame kind %v during download", frame.Kind)
		}
	}
}

func rpcError(frame wire.Frame) error {
	var e wire.ErrResult
	_ = frame.Decode(&e)
	return fmt.Errorf("coordinator rejected request: %s", e.Error)
}

// overrideHostPort rewrites the host and/or port components of addr,
// falling back to addr's own components for whichever flag is unset.
func overrideHostPort(addr, host string, port int) string {
	existingHost, existingPort, err := net.SplitHostPort(addr)
	if err != nil {
		existingHost, existingPort = "", ""
	}
	if host != "" {
		existingHost = host
	}
	if port != 0 {
		existingPort = strconv.Itoa(port)
	}
	return net.JoinHostPort(existingHost, existingPort)
}
