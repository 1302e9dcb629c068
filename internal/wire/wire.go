// Package wire provides length-delimited framing for packet envelopes.
//
// Envelopes are prefixed with their size using protobuf's standard varint
// encoding. This allows efficient streaming of variable-length envelopes
// through files and byte buffers.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/telrec/config"
	"github.com/xtxerr/telrec/internal/packet"
)

// Reader reads length-delimited envelopes from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	mu      sync.Mutex
	maxSize int
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: config.DefaultMaxEnvelopeSize}
}

// Read reads and decodes the next envelope.
// Returns io.EOF at a clean end of input and an error if the envelope
// exceeds the maximum envelope size.
func (r *Reader) Read() (packet.Packet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size, err := readVarint(r.r)
	if err != nil {
		return packet.Packet{}, err
	}
	if size > uint64(r.maxSize) {
		return packet.Packet{}, fmt.Errorf("read envelope: size %d exceeds limit %d", size, r.maxSize)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return packet.Packet{}, fmt.Errorf("read envelope: %w", err)
	}

	p, err := packet.DecodePacket(buf)
	if err != nil {
		return packet.Packet{}, fmt.Errorf("read envelope: %w", err)
	}
	return p, nil
}

// ReadAll reads envelopes until EOF.
func (r *Reader) ReadAll() ([]packet.Packet, error) {
	var out []packet.Packet
	for {
		p, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
}

// Writer writes length-delimited envelopes to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes an envelope with length prefix.
func (w *Writer) Write(p packet.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(Append(nil, p)); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Append appends the length-delimited encoding of p to b.
func Append(b []byte, p packet.Packet) []byte {
	body := packet.EncodePacket(p)
	b = protowire.AppendVarint(b, uint64(len(body)))
	return append(b, body...)
}

// readVarint reads a varint prefix. A clean EOF before the first byte is
// returned as io.EOF.
func readVarint(r io.ByteReader) (uint64, error) {
	var buf [binaryMaxVarintLen]byte
	for i := 0; i < len(buf); i++ {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && i == 0 {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("read envelope size: %w", io.ErrUnexpectedEOF)
		}
		buf[i] = c
		if c < 0x80 {
			v, n := protowire.ConsumeVarint(buf[:i+1])
			if n < 0 {
				return 0, fmt.Errorf("read envelope size: %w", protowire.ParseError(n))
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("read envelope size: varint overflow")
}

const binaryMaxVarintLen = 10
