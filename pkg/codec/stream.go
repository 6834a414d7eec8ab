package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/streamlab/accessorylink/pkg/protocol"
)

// MaxStreamMessageSize bounds messages read by ReadSizePrefixed.
const MaxStreamMessageSize = 1 << 20

// ReadSizePrefixed reads one message framed by a 4-byte big-endian size. It blocks until the whole
// message has arrived. io.EOF means the peer closed the stream between messages;
// io.ErrUnexpectedEOF means it closed mid-message.
func ReadSizePrefixed(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxStreamMessageSize {
		return nil, protocol.NewFrameError("stream", "message size %d exceeds %d", size, MaxStreamMessageSize)
	}
	message := make([]byte, size)
	if _, err := io.ReadFull(r, message); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return message, nil
}

func WriteSizePrefixed(w io.Writer, message []byte) error {
	if len(message) > MaxStreamMessageSize {
		return fmt.Errorf("message size %d exceeds %d", len(message), MaxStreamMessageSize)
	}
	out := make([]byte, 0, 4+len(message))
	out = binary.BigEndian.AppendUint32(out, uint32(len(message)))
	out = append(out, message...)
	_, err := w.Write(out)
	return err
}
