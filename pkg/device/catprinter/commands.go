package catprinter

import (
	"fmt"
	"time"

	"github.com/streamlab/accessorylink/pkg/codec"
	"github.com/streamlab/accessorylink/pkg/protocol"
)

const family = "catprinter"

// Command is the command byte of a printer frame.
type Command byte

const (
	CommandFeedPaper      Command = 0xA1
	CommandDrawRow        Command = 0xA2
	CommandGetDeviceState Command = 0xA3
	CommandSetQuality     Command = 0xA4
	CommandLattice        Command = 0xA6
	CommandWritePacing    Command = 0xAE
	CommandSetEnergy      Command = 0xAF
	CommandSetDrawMode    Command = 0xBE
)

var commandNames = map[Command]string{
	CommandFeedPaper:      "feed-paper",
	CommandDrawRow:        "draw-row",
	CommandGetDeviceState: "get-device-state",
	CommandSetQuality:     "set-quality",
	CommandLattice:        "lattice",
	CommandWritePacing:    "write-pacing",
	CommandSetEnergy:      "set-energy",
	CommandSetDrawMode:    "set-draw-mode",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%#02x)", byte(c))
}

// DrawMode selects how the printer interprets draw-row data.
type DrawMode byte

const (
	DrawModeImage DrawMode = 0
	DrawModeText  DrawMode = 1
)

const (
	magic0  = 0x51
	magic1  = 0x78
	trailer = 0xFF

	headerLength   = 6
	overheadLength = headerLength + 2

	// FeedPixels is how far the paper advances after a job.
	FeedPixels = 50
	// WidthPixels is the print head width.
	WidthPixels = 384

	reassemblyTimeout = time.Second

	defaultQuality = 0x35
	defaultEnergy  = 0x7000
)

var (
	latticeStart = []byte{0xAA, 0x55, 0x17, 0x38, 0x44, 0x5F, 0x5F, 0x5F, 0x44, 0x38, 0x2C}
	latticeEnd   = []byte{0xAA, 0x55, 0x17, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x17}
)

// Encode frames data as `51 78 cmd 00 len(LE16) data crc8(data) FF`.
func Encode(cmd Command, data []byte) ([]byte, error) {
	if len(data) > 0xFFFF {
		return nil, protocol.NewFrameError(family, "command data too big (%d > 65535)", len(data))
	}
	return frame(cmd, data), nil
}

func frame(cmd Command, data []byte) []byte {
	return codec.NewWriter(len(data) + overheadLength).
		Uint8(magic0).
		Uint8(magic1).
		Uint8(byte(cmd)).
		Uint8(0).
		Uint16LE(uint16(len(data))).
		Bytes(data).
		Uint8(codec.CRC8(data)).
		Uint8(trailer).
		Result()
}

// Decode validates a notification frame and returns its command and data. Unknown commands are
// rejected.
func Decode(frame []byte) (Command, []byte, error) {
	r := codec.NewReader(frame)
	first, second := r.Uint8(), r.Uint8()
	if err := r.Err(); err != nil {
		return 0, nil, err
	}
	if first != magic0 || second != magic1 {
		return 0, nil, protocol.NewFrameError(family, "bad magic %02x%02x", first, second)
	}
	cmd := Command(r.Uint8())
	r.Skip(1)
	length := r.Uint16LE()
	data := r.Bytes(int(length))
	crc := r.Uint8()
	end := r.Uint8()
	if err := r.Err(); err != nil {
		return 0, nil, err
	}
	if _, ok := commandNames[cmd]; !ok {
		return 0, nil, protocol.NewFrameError(family, "unsupported command %#02x", byte(cmd))
	}
	if codec.CRC8(data) != crc {
		return 0, nil, protocol.NewFrameError(family, "crc mismatch")
	}
	if end != trailer {
		return 0, nil, protocol.NewFrameError(family, "bad trailer %#02x", end)
	}
	return cmd, data, nil
}

// frameLength implements codec.LengthFunc for notification streams.
func frameLength(buffered []byte) (int, error) {
	if len(buffered) > 0 && buffered[0] != magic0 {
		return 0, protocol.NewFrameError(family, "bad start byte %02x", buffered[0])
	}
	if len(buffered) > 1 && buffered[1] != magic1 {
		return 0, protocol.NewFrameError(family, "bad magic %02x%02x", buffered[0], buffered[1])
	}
	if len(buffered) < headerLength {
		return 0, nil
	}
	length := int(buffered[4]) | int(buffered[5])<<8
	return length + overheadLength, nil
}

// NewAssembler returns a reassembler for printer notifications split across several writes.
func NewAssembler() *codec.Assembler {
	return codec.NewAssembler(family, frameLength, 0xFFFF+overheadLength, reassemblyTimeout)
}

// DeviceState is the printer status reported in response to get-device-state.
type DeviceState struct {
	NoPaper    bool
	CoverOpen  bool
	Overheated bool
	BatteryLow bool
}

func DecodeDeviceState(data []byte) (DeviceState, error) {
	if len(data) < 1 {
		return DeviceState{}, protocol.NewFrameError(family, "empty device state")
	}
	bits := data[0]
	return DeviceState{
		NoPaper:    bits&(1<<0) != 0,
		CoverOpen:  bits&(1<<1) != 0,
		Overheated: bits&(1<<2) != 0,
		BatteryLow: bits&(1<<3) != 0,
	}, nil
}

func (s DeviceState) Encode() []byte {
	var bits byte
	for i, set := range []bool{s.NoPaper, s.CoverOpen, s.Overheated, s.BatteryLow} {
		if set {
			bits |= 1 << i
		}
	}
	return []byte{bits}
}

// Err returns why the printer cannot print, or nil. A low battery does not stop printing.
func (s DeviceState) Err() error {
	switch {
	case s.NoPaper:
		return ErrNoPaper
	case s.CoverOpen:
		return ErrCoverOpen
	case s.Overheated:
		return ErrOverheated
	}
	return nil
}

var (
	ErrNoPaper    = protocol.NewError("printer is out of paper", false, true)
	ErrCoverOpen  = protocol.NewError("printer cover is open", false, true)
	ErrOverheated = protocol.NewError("printer is overheated", false, true)
)

// DecodeWritePacing returns true when the printer is ready for more data.
func DecodeWritePacing(data []byte) (bool, error) {
	if len(data) != 1 {
		return false, protocol.NewFrameError(family, "write pacing carries %d bytes", len(data))
	}
	return data[0] == 0, nil
}

// PackRow packs a row of pixels, 1 meaning black, eight to a byte. Pixel i of a group lands in
// bit i.
func PackRow(row []uint8) []byte {
	packed := make([]byte, (len(row)+7)/8)
	for i, pixel := range row {
		if pixel == 1 {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

// PrintCommands returns the command stream printing bitmap, optionally feeding the paper
// afterwards.
func PrintCommands(bitmap Bitmap, feed bool) ([]byte, error) {
	if width := bitmap.Width(); width > 8*0xFFFF {
		return nil, protocol.NewFrameError(family, "bitmap too wide (%d pixels)", width)
	}
	var energy, pixels [2]byte
	energy[0], energy[1] = byte(defaultEnergy&0xFF), byte(defaultEnergy>>8)
	pixels[0], pixels[1] = byte(FeedPixels&0xFF), byte(FeedPixels>>8)

	var stream []byte
	stream = append(stream, frame(CommandSetQuality, []byte{defaultQuality})...)
	stream = append(stream, frame(CommandLattice, latticeStart)...)
	stream = append(stream, frame(CommandSetEnergy, energy[:])...)
	stream = append(stream, frame(CommandSetDrawMode, []byte{byte(DrawModeImage)})...)
	for _, row := range bitmap {
		stream = append(stream, frame(CommandDrawRow, PackRow(row))...)
	}
	if feed {
		stream = append(stream, frame(CommandFeedPaper, pixels[:])...)
	}
	return append(stream, frame(CommandLattice, latticeEnd)...), nil
}

// GetDeviceState is the status query sent before each job.
func GetDeviceState() []byte {
	return frame(CommandGetDeviceState, []byte{0})
}

// FeedPaper advances the paper by FeedPixels.
func FeedPaper() []byte {
	return frame(CommandFeedPaper, []byte{FeedPixels, 0})
}
