package cooler

import (
	"fmt"
	"time"

	"github.com/streamlab/accessorylink/pkg/codec"
	"github.com/streamlab/accessorylink/pkg/protocol"
)

const (
	family = "cooler"

	frameStart     = 0xA5
	overheadLength = 4
	maxFrameSize   = 0xFF + overheadLength

	reassemblyTimeout = time.Second
)

// Kind is the message-kind byte of a cooler frame.
type Kind byte

const (
	KindQueryMetadata   Kind = 0x10
	KindSetCoolingPower Kind = 0x11
	KindSetFanSpeed     Kind = 0x12
	KindSetLEDColor     Kind = 0x13
	KindTurnOffLED      Kind = 0x14
	KindStatus          Kind = 0x90
)

func (k Kind) String() string {
	switch k {
	case KindQueryMetadata:
		return "query-metadata"
	case KindSetCoolingPower:
		return "set-cooling-power"
	case KindSetFanSpeed:
		return "set-fan-speed"
	case KindSetLEDColor:
		return "set-led-color"
	case KindTurnOffLED:
		return "turn-off-led"
	case KindStatus:
		return "status"
	}
	return fmt.Sprintf("Kind(%#02x)", byte(k))
}

// Frame is one message: `A5 kind len payload crc8(kind len payload)`.
type Frame struct {
	Kind    Kind
	Payload []byte
}

func (f Frame) Encode() []byte {
	w := codec.NewWriter(len(f.Payload) + overheadLength).
		Uint8(frameStart).
		Uint8(byte(f.Kind)).
		Uint8(byte(len(f.Payload))).
		Bytes(f.Payload)
	out := w.Result()
	return append(out, codec.CRC8(out[1:]))
}

// Split decodes every frame in a notification. Decoding stops at the first bad frame; the frames
// before it are returned along with the error.
func Split(data []byte) ([]Frame, error) {
	var frames []Frame
	r := codec.NewReader(data)
	for r.Remaining() > 0 {
		start := r.Offset()
		if r.Uint8() != frameStart {
			return frames, protocol.NewFrameError(family, "bad start byte at offset %d", start)
		}
		kind := Kind(r.Uint8())
		payload := r.Bytes(int(r.Uint8()))
		crc := r.Uint8()
		if err := r.Err(); err != nil {
			return frames, err
		}
		if codec.CRC8(data[start+1:r.Offset()-1]) != crc {
			return frames, protocol.NewFrameError(family, "crc mismatch")
		}
		frames = append(frames, Frame{Kind: kind, Payload: payload})
	}
	return frames, nil
}

// frameLength implements codec.LengthFunc.
func frameLength(buffered []byte) (int, error) {
	if len(buffered) == 0 {
		return 0, nil
	}
	if buffered[0] != frameStart {
		return 0, protocol.NewFrameError(family, "bad start byte %02x", buffered[0])
	}
	if len(buffered) < 3 {
		return 0, nil
	}
	return int(buffered[2]) + overheadLength, nil
}

// NewAssembler returns a reassembler for cooler notifications. A notification may carry several
// frames or part of one.
func NewAssembler() *codec.Assembler {
	return codec.NewAssembler(family, frameLength, maxFrameSize, reassemblyTimeout)
}

// Decode validates a single complete frame.
func Decode(frame []byte) (Frame, error) {
	frames, err := Split(frame)
	if err != nil {
		return Frame{}, err
	}
	if len(frames) != 1 {
		return Frame{}, protocol.NewFrameError(family, "expected one frame, got %d", len(frames))
	}
	return frames[0], nil
}

// Status is the telemetry the cooler reports after a metadata query. Temperatures are in degrees
// Celsius.
type Status struct {
	PhoneTemperature    float64
	HeatsinkTemperature float64
	CoolingPower        int
	FanSpeed            int
}

// Status payload: phone and heatsink temperature in tenths of a degree (int16 LE), then cooling
// power and fan speed in percent.
func DecodeStatus(payload []byte) (Status, error) {
	r := codec.NewReader(payload)
	phone := int16(r.Uint16LE())
	heatsink := int16(r.Uint16LE())
	power := r.Uint8()
	fan := r.Uint8()
	if err := r.Err(); err != nil {
		return Status{}, err
	}
	return Status{
		PhoneTemperature:    float64(phone) / 10,
		HeatsinkTemperature: float64(heatsink) / 10,
		CoolingPower:        int(power),
		FanSpeed:            int(fan),
	}, nil
}

func (s Status) Encode() []byte {
	return codec.NewWriter(6).
		Uint16LE(uint16(int16(s.PhoneTemperature * 10))).
		Uint16LE(uint16(int16(s.HeatsinkTemperature * 10))).
		Uint8(uint8(s.CoolingPower)).
		Uint8(uint8(s.FanSpeed)).
		Result()
}

func percentFrame(kind Kind, percent int) ([]byte, error) {
	if percent < 0 || percent > 100 {
		return nil, fmt.Errorf("percentage %d out of range", percent)
	}
	return Frame{Kind: kind, Payload: []byte{byte(percent)}}.Encode(), nil
}

func QueryMetadata() []byte {
	return Frame{Kind: KindQueryMetadata}.Encode()
}

func SetCoolingPower(percent int) ([]byte, error) {
	return percentFrame(KindSetCoolingPower, percent)
}

func SetFanSpeed(percent int) ([]byte, error) {
	return percentFrame(KindSetFanSpeed, percent)
}

// Color is an RGB LED colour.
type Color struct {
	Red, Green, Blue uint8
}

// SetLEDColor sets the ring light. brightness is in percent.
func SetLEDColor(color Color, brightness int) ([]byte, error) {
	if brightness < 0 || brightness > 100 {
		return nil, fmt.Errorf("brightness %d out of range", brightness)
	}
	payload := []byte{color.Red, color.Green, color.Blue, byte(brightness)}
	return Frame{Kind: KindSetLEDColor, Payload: payload}.Encode(), nil
}

func TurnOffLED() []byte {
	return Frame{Kind: KindTurnOffLED}.Encode()
}
