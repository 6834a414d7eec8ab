package codec

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/streamlab/accessorylink/pkg/protocol"
)

func TestReaderTruncation(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02, 0x03})
	if v := r.Uint16LE(); v != 0x0201 {
		t.Errorf("Uint16LE = %04x", v)
	}
	if v := r.Uint16LE(); v != 0 {
		t.Errorf("truncated read returned %04x", v)
	}
	if !errors.Is(r.Err(), protocol.ErrMalformedFrame) {
		t.Errorf("expected malformed frame error, got %v", r.Err())
	}
	// The reader stays failed.
	if v := r.Uint8(); v != 0 || r.Remaining() != 0 {
		t.Errorf("reader recovered after failure")
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter(16)
	w.Uint8(0xAB).Uint16LE(0x1234).Uint16BE(0x5678).Uint24LE(0x450740).Uint32LE(0xDEADBEEF).Uint32BE(7).Bytes([]byte("hi"))

	r := NewReader(w.Result())
	if r.Uint8() != 0xAB || r.Uint16LE() != 0x1234 || r.Uint16BE() != 0x5678 || r.Uint24LE() != 0x450740 ||
		r.Uint32LE() != 0xDEADBEEF || r.Uint32BE() != 7 || string(r.Rest()) != "hi" {
		t.Errorf("round trip mismatch for %02x", w.Result())
	}
	if r.Err() != nil {
		t.Error(r.Err())
	}
}

func TestCRC8(t *testing.T) {
	tests := []struct {
		data []byte
		crc  byte
	}{
		{[]byte("123456789"), 0xF4},
		{[]byte{0x35}, 0x8B},
		{[]byte{0x00, 0x70}, 0x57},
		{nil, 0x00},
	}
	for _, test := range tests {
		if got := CRC8(test.data); got != test.crc {
			t.Errorf("CRC8(%02x) = %02x, expected %02x", test.data, got, test.crc)
		}
	}
}

func TestDJIChecksums(t *testing.T) {
	frame := []byte{
		0x55, 0x33, 0x04, 0xC2, 0x02, 0x07, 0x92, 0x80, 0x40, 0x07, 0x45, 0x20, 0x32, 0x38, 0x34, 0x61,
		0x65, 0x35, 0x62, 0x38, 0x64, 0x37, 0x36, 0x62, 0x33, 0x33, 0x37, 0x35, 0x61, 0x30, 0x34, 0x61,
		0x36, 0x34, 0x31, 0x37, 0x61, 0x64, 0x37, 0x31, 0x62, 0x65, 0x61, 0x33, 0x04, 0x31, 0x38, 0x33,
		0x32, 0xA3, 0x20,
	}
	if crc := DJICRC8(frame[:3]); crc != 0xC2 {
		t.Errorf("DJICRC8 = %02x", crc)
	}
	if crc := DJICRC16(frame[:len(frame)-2]); crc != 0x20A3 {
		t.Errorf("DJICRC16 = %04x", crc)
	}
}

func TestAssemblerFragments(t *testing.T) {
	a := NewBlockAssembler("test")
	message := bytes.Repeat([]byte{0x42}, 50)
	blocks := SplitBlocks(message, 20)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	for i, block := range blocks {
		frames, err := a.Push(block)
		if err != nil {
			t.Fatal(err)
		}
		if i < len(blocks)-1 && len(frames) != 0 {
			t.Fatalf("frame completed early after block %d", i)
		}
		if i == len(blocks)-1 {
			if len(frames) != 1 || !bytes.Equal(StripPrefix16(frames[0]), message) {
				t.Errorf("unexpected frames %02x", frames)
			}
		}
	}
	if a.Buffered() != 0 {
		t.Errorf("%d bytes left over", a.Buffered())
	}
}

func TestAssemblerSeveralFramesInOneFragment(t *testing.T) {
	a := NewBlockAssembler("test")
	var joined []byte
	joined = append(joined, SplitBlocks([]byte{1, 2}, 0)[0]...)
	joined = append(joined, SplitBlocks([]byte{3}, 0)[0]...)
	joined = append(joined, 0x00) // start of a third frame
	frames, err := a.Push(joined)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || a.Buffered() != 1 {
		t.Errorf("got %d frames with %d bytes buffered", len(frames), a.Buffered())
	}
}

func TestAssemblerRejectsOversizedFrame(t *testing.T) {
	a := NewBlockAssembler("test")
	_, err := a.Push([]byte{0xFF, 0xFF, 0x00})
	if !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Errorf("expected malformed frame, got %v", err)
	}
	if a.Buffered() != 0 {
		t.Error("buffer not discarded")
	}
}

func TestAssemblerDiscardsStalePartialData(t *testing.T) {
	a := NewBlockAssembler("test")
	now := time.Unix(1000, 0)
	a.now = func() time.Time { return now }
	if _, err := a.Push([]byte{0x00, 0x05, 0x01}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * BlockRxTimeout)
	frames, err := a.Push([]byte{0x00, 0x01, 0x09})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || !bytes.Equal(StripPrefix16(frames[0]), []byte{0x09}) {
		t.Errorf("stale data was not discarded: %02x", frames)
	}
}

func TestChunk(t *testing.T) {
	chunks := Chunk(make([]byte, 10), 4)
	if len(chunks) != 3 || len(chunks[2]) != 2 {
		t.Errorf("unexpected chunking %v", chunks)
	}
}

func TestSizePrefixedStream(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSizePrefixed(&buf, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := WriteSizePrefixed(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if got, err := ReadSizePrefixed(&buf); err != nil || string(got) != "first" {
		t.Errorf("first message = %q, %v", got, err)
	}
	if got, err := ReadSizePrefixed(&buf); err != nil || len(got) != 0 {
		t.Errorf("empty message = %q, %v", got, err)
	}
	if _, err := ReadSizePrefixed(&buf); err != io.EOF {
		t.Errorf("expected io.EOF on closed stream, got %v", err)
	}
}

func TestSizePrefixedShortRead(t *testing.T) {
	r := bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x04, 'a', 'b'})
	if _, err := ReadSizePrefixed(r); err != io.ErrUnexpectedEOF {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}
