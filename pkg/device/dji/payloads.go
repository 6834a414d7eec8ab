package dji

import (
	"fmt"

	"github.com/streamlab/accessorylink/pkg/codec"
)

// Request addressing. Each request is answered with a frame carrying the same transaction id.
const (
	pairTarget        uint16 = 0x0702
	pairTransactionID uint16 = 0x8092
	pairType          uint32 = 0x450740

	stopStreamingTarget        uint16 = 0x0802
	stopStreamingTransactionID uint16 = 0xEAC8
	stopStreamingType          uint32 = 0x8E0240

	prepareTarget        uint16 = 0x0802
	prepareTransactionID uint16 = 0x8C12
	prepareType          uint32 = 0xE10240

	setupWifiTarget        uint16 = 0x0702
	setupWifiTransactionID uint16 = 0x8C19
	setupWifiType          uint32 = 0x470740

	startStreamingTarget        uint16 = 0x0802
	startStreamingTransactionID uint16 = 0x8C2C
	startStreamingType          uint32 = 0x780840

	configureTarget        uint16 = 0x0102
	configureTransactionID uint16 = 0x8C2D
	configureType          uint32 = 0x8E0240
)

var pairSecret = []byte{
	0x20, 0x32, 0x38, 0x34, 0x61, 0x65, 0x35, 0x62,
	0x38, 0x64, 0x37, 0x36, 0x62, 0x33, 0x33, 0x37,
	0x35, 0x61, 0x30, 0x34, 0x61, 0x36, 0x34, 0x31,
	0x37, 0x61, 0x64, 0x37, 0x31, 0x62, 0x65, 0x61,
	0x33,
}

// Resolution of the outgoing live stream.
type Resolution int

const (
	Resolution480p Resolution = iota
	Resolution720p
	Resolution1080p
)

func (r Resolution) String() string {
	switch r {
	case Resolution480p:
		return "480p"
	case Resolution720p:
		return "720p"
	case Resolution1080p:
		return "1080p"
	}
	return fmt.Sprintf("Resolution(%d)", int(r))
}

func (r Resolution) wire() byte {
	switch r {
	case Resolution480p:
		return 0x47
	case Resolution720p:
		return 0x04
	}
	return 0x0A
}

// ParseResolution accepts "480p", "720p" and "1080p".
func ParseResolution(name string) (Resolution, error) {
	for _, r := range []Resolution{Resolution480p, Resolution720p, Resolution1080p} {
		if r.String() == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown resolution '%s'", name)
}

type Stabilization int

const (
	StabilizationOff Stabilization = iota
	StabilizationRockSteady
	StabilizationRockSteadyPlus
	StabilizationHorizonBalancing
	StabilizationHorizonSteady
)

var stabilizationNames = map[Stabilization]string{
	StabilizationOff:              "off",
	StabilizationRockSteady:       "rocksteady",
	StabilizationRockSteadyPlus:   "rocksteady+",
	StabilizationHorizonBalancing: "horizon-balancing",
	StabilizationHorizonSteady:    "horizon-steady",
}

func (s Stabilization) String() string {
	if name, ok := stabilizationNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stabilization(%d)", int(s))
}

func (s Stabilization) wire() byte {
	switch s {
	case StabilizationRockSteady:
		return 1
	case StabilizationRockSteadyPlus:
		return 3
	case StabilizationHorizonBalancing:
		return 4
	case StabilizationHorizonSteady:
		return 2
	}
	return 0
}

func ParseStabilization(name string) (Stabilization, error) {
	for s, n := range stabilizationNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown image stabilization '%s'", name)
}

func packString(w *codec.Writer, value string) {
	w.Uint8(uint8(len(value))).Bytes([]byte(value))
}

func packURL(w *codec.Writer, url string) {
	w.Uint16LE(uint16(len(url))).Bytes([]byte(url))
}

func pairMessage(pin string) Message {
	w := codec.NewWriter(len(pairSecret) + 1 + len(pin))
	w.Bytes(pairSecret)
	packString(w, pin)
	return Message{Target: pairTarget, ID: pairTransactionID, Type: pairType, Payload: w.Result()}
}

func stopStreamingMessage() Message {
	return Message{
		Target:  stopStreamingTarget,
		ID:      stopStreamingTransactionID,
		Type:    stopStreamingType,
		Payload: []byte{0x01, 0x01, 0x1A, 0x00, 0x01, 0x02},
	}
}

func prepareMessage() Message {
	return Message{Target: prepareTarget, ID: prepareTransactionID, Type: prepareType, Payload: []byte{0x1A}}
}

func setupWifiMessage(ssid, password string) Message {
	w := codec.NewWriter(2 + len(ssid) + len(password))
	packString(w, ssid)
	packString(w, password)
	return Message{Target: setupWifiTarget, ID: setupWifiTransactionID, Type: setupWifiType, Payload: w.Result()}
}

func startStreamingMessage(model Model, url string, resolution Resolution, fps int, bitrate uint32) Message {
	var fpsByte byte
	switch fps {
	case 25:
		fpsByte = 2
	case 30:
		fpsByte = 3
	}
	variant := byte(0x2E)
	if model == OsmoAction5Pro {
		variant = 0x2A
	}
	w := codec.NewWriter(14 + len(url))
	w.Uint8(0x00).
		Uint8(variant).
		Uint8(0x00).
		Uint8(resolution.wire()).
		Uint16LE(uint16((bitrate / 1000) & 0xFFFF)).
		Bytes([]byte{0x02, 0x00}).
		Uint8(fpsByte).
		Bytes([]byte{0x00, 0x00, 0x00})
	packURL(w, url)
	return Message{Target: startStreamingTarget, ID: startStreamingTransactionID, Type: startStreamingType, Payload: w.Result()}
}

func configureMessage(model Model, stabilization Stabilization) Message {
	variant := byte(0x08)
	if model == OsmoAction5Pro {
		variant = 0x1A
	}
	return Message{
		Target:  configureTarget,
		ID:      configureTransactionID,
		Type:    configureType,
		Payload: []byte{0x01, 0x01, variant, 0x00, 0x01, stabilization.wire()},
	}
}
