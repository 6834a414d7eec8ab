package codec

import (
	"encoding/binary"
	"time"
)

// Messages exchanged over block-oriented links carry a 2-byte big-endian length prefix and are
// split into fixed-size blocks on the way out.
const (
	MaxBlockMessageSize = 1024
	BlockRxTimeout      = time.Second
)

// PrefixedLength16 is a LengthFunc for messages with a 2-byte big-endian length prefix.
func PrefixedLength16(buffered []byte) (int, error) {
	if len(buffered) < 2 {
		return 0, nil
	}
	return 2 + int(binary.BigEndian.Uint16(buffered)), nil
}

// NewBlockAssembler reassembles length-prefixed messages. Frames it returns still carry the
// prefix; use StripPrefix16 to get the payload.
func NewBlockAssembler(family string) *Assembler {
	return NewAssembler(family, PrefixedLength16, 2+MaxBlockMessageSize, BlockRxTimeout)
}

func StripPrefix16(frame []byte) []byte {
	if len(frame) < 2 {
		return nil
	}
	return frame[2:]
}

// SplitBlocks prefixes message with its length and splits the result into blocks of at most
// blockLength bytes.
func SplitBlocks(message []byte, blockLength int) [][]byte {
	out := make([]byte, 0, len(message)+2)
	out = binary.BigEndian.AppendUint16(out, uint16(len(message)))
	out = append(out, message...)
	if blockLength <= 0 {
		blockLength = len(out)
	}
	var blocks [][]byte
	for len(out) > 0 {
		n := blockLength
		if n > len(out) {
			n = len(out)
		}
		blocks = append(blocks, out[:n])
		out = out[n:]
	}
	return blocks
}

// Chunk splits data into pieces of at most size bytes without adding any framing.
func Chunk(data []byte, size int) [][]byte {
	if size <= 0 {
		size = len(data)
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
