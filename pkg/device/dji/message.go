package dji

import (
	"time"

	"github.com/streamlab/accessorylink/pkg/codec"
	"github.com/streamlab/accessorylink/pkg/protocol"
)

const family = "dji"

// Frame layout:
//
//	0x55 | len[7:0] | version<<2 | len[9:8] | crc8(bytes 0..2) | target (LE16) | id (LE16) |
//	type (LE24) | payload | crc16 (LE16)
//
// Version and the two high length bits share the third byte. The CRC16 covers every byte before
// it.
const (
	frameStart   = 0x55
	frameVersion = 1
	headerSize   = 11
	trailerSize  = 2
	overhead     = headerSize + trailerSize

	// MaxFrameSize is the largest length the 10-bit length field can express.
	MaxFrameSize = 0x3FF
	// MaxPayloadSize is the largest payload that fits in a frame.
	MaxPayloadSize = MaxFrameSize - overhead

	reassemblyTimeout = time.Second
)

// Message is a decoded DJI frame. ID is the transaction id echoed by the device in its response.
type Message struct {
	Target  uint16
	ID      uint16
	Type    uint32
	Payload []byte
}

// Encode serializes m into a frame.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, protocol.NewFrameError(family, "payload of %d bytes exceeds %d", len(m.Payload), MaxPayloadSize)
	}
	if m.Type > 0xFFFFFF {
		return nil, protocol.NewFrameError(family, "type %#x does not fit in 24 bits", m.Type)
	}
	length := len(m.Payload) + overhead
	w := codec.NewWriter(length)
	w.Uint8(frameStart).
		Uint8(uint8(length)).
		Uint8(frameVersion<<2 | uint8(length>>8)&0x03)
	w.Uint8(codec.DJICRC8(w.Result()))
	w.Uint16LE(m.Target).
		Uint16LE(m.ID).
		Uint24LE(m.Type).
		Bytes(m.Payload)
	w.Uint16LE(codec.DJICRC16(w.Result()))
	return w.Result(), nil
}

// Decode parses one complete frame. Any checksum, version or length mismatch is reported as an
// error matching protocol.ErrMalformedFrame.
func Decode(frame []byte) (*Message, error) {
	length, err := frameLength(frame)
	if err != nil {
		return nil, err
	}
	if length == 0 || length != len(frame) {
		return nil, protocol.NewFrameError(family, "declared length %d but got %d bytes", length, len(frame))
	}
	body := frame[:len(frame)-trailerSize]
	r := codec.NewReader(frame[len(body):])
	if crc := r.Uint16LE(); crc != codec.DJICRC16(body) {
		return nil, protocol.NewFrameError(family, "frame checksum %04x does not match %04x", crc, codec.DJICRC16(body))
	}

	r = codec.NewReader(body[4:])
	msg := &Message{
		Target: r.Uint16LE(),
		ID:     r.Uint16LE(),
		Type:   r.Uint24LE(),
	}
	msg.Payload = r.Rest()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return msg, nil
}

// frameLength implements codec.LengthFunc. The header checksum is validated as soon as the first
// four bytes are available so that garbage is rejected before a bogus length is trusted.
func frameLength(buffered []byte) (int, error) {
	if len(buffered) == 0 {
		return 0, nil
	}
	if buffered[0] != frameStart {
		return 0, protocol.NewFrameError(family, "bad start byte %02x", buffered[0])
	}
	if len(buffered) < 4 {
		return 0, nil
	}
	if version := buffered[2] >> 2; version != frameVersion {
		return 0, protocol.NewFrameError(family, "unsupported version %d", version)
	}
	if crc := codec.DJICRC8(buffered[:3]); crc != buffered[3] {
		return 0, protocol.NewFrameError(family, "header checksum %02x does not match %02x", buffered[3], crc)
	}
	length := int(buffered[1]) | int(buffered[2]&0x03)<<8
	if length < overhead {
		return 0, protocol.NewFrameError(family, "declared length %d is shorter than the header", length)
	}
	return length, nil
}

// NewAssembler returns a reassembler for DJI notification streams.
func NewAssembler() *codec.Assembler {
	return codec.NewAssembler(family, frameLength, MaxFrameSize, reassemblyTimeout)
}
