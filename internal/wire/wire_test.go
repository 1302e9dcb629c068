package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/xtxerr/telrec/internal/packet"
)

func TestWriterReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	in := []packet.Packet{
		{Type: "Marker", SessionKey: "s1", Content: []byte{0x08, 0x01}, ID: 1},
		{Type: "CoverageCursorInfo", SessionKey: "s1", ID: 2, Essential: true},
	}
	for _, p := range in {
		if err := w.Write(p); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	r := NewReader(&buf)
	out, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(out))
	}
	if out[0].Type != "Marker" || !bytes.Equal(out[0].Content, in[0].Content) || out[0].ID != 1 {
		t.Errorf("first envelope mismatch: %+v", out[0])
	}
	if !out[1].Essential || out[1].ID != 2 {
		t.Errorf("second envelope mismatch: %+v", out[1])
	}

	if _, err := r.Read(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReader_Truncated(t *testing.T) {
	b := Append(nil, packet.Packet{Type: "Marker", SessionKey: "s1"})
	r := NewReader(bytes.NewReader(b[:len(b)-2]))

	if _, err := r.Read(); err == nil || err == io.EOF {
		t.Errorf("expected truncation error, got %v", err)
	}
}

func TestReader_SizeLimit(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x0f}))
	r.maxSize = 16

	if _, err := r.Read(); err == nil {
		t.Error("expected size limit error")
	}
}
