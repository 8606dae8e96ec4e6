// Package wire implements the cluster's framed TCP protocol: a 4-byte
// big-endian length prefix, a 1-byte message kind, a JSON payload, and
// (for kinds that carry bulk data) raw chunk bytes following the JSON
// header.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Kind identifies a frame's message type, per the wire table.
type Kind byte

const (
	KindRegister     Kind = 0x01
	KindHeartbeat    Kind = 0x02
	KindPutChunk     Kind = 0x10
	KindGetChunk     Kind = 0x11
	KindPing         Kind = 0x12
	KindUploadBegin  Kind = 0x20
	KindUploadChunk  Kind = 0x21
	KindUploadCommit Kind = 0x22
	KindDownload     Kind = 0x30
	KindStatus       Kind = 0x40

	KindOK      Kind = 0x81
	KindErr     Kind = 0x82
	KindData    Kind = 0x83
	KindResult  Kind = 0x84
)

// maxFrameLen bounds a single JSON header to guard against a corrupt or
// malicious length prefix driving an unbounded allocation.
const maxFrameLen = 64 << 20

// ErrFrameTooLarge is returned when a peer claims a header larger than
// maxFrameLen.
var ErrFrameTooLarge = errors.New("wire: frame header exceeds maximum size")

// Frame is one decoded protocol message: a kind, a JSON header, and an
// optional trailing byte payload (chunk bytes) read separately by the
// caller once the header has told it how many bytes to expect.
type Frame struct {
	Kind   Kind
	Header json.RawMessage
}

// WriteFrame writes the length-prefixed kind+JSON header to w. It does
// not write any bulk payload; callers that need to follow a PutChunk or
// GetChunk-result header with raw bytes must write those separately,
// immediately after, with the length already encoded into the header.
func WriteFrame(w io.Writer, kind Kind, header any) error {
	body, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("wire: marshal header: %w", err)
	}

	buf := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(body)))
	buf[4] = byte(kind)
	copy(buf[5:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed kind+JSON header from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Frame{}, fmt.Errorf("wire: empty frame")
	}
	if n > maxFrameLen {
		return Frame{}, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame body: %w", err)
	}

	return Frame{Kind: Kind(body[0]), Header: json.RawMessage(body[1:])}, nil
}

// WriteBulk writes raw chunk bytes following a frame whose header
// already declared their length.
func WriteBulk(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	if err != nil {
		return fmt.Errorf("wire: write bulk: %w", err)
	}
	return nil
}

// ReadBulk reads exactly n raw bytes following a frame header.
func ReadBulk(r io.Reader, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read bulk: %w", err)
	}
	return buf, nil
}

// Decode unmarshals a frame's JSON header into out.
func (f Frame) Decode(out any) error {
	return json.Unmarshal(f.Header, out)
}
