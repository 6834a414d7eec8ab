package dji

import (
	"bytes"

	"github.com/streamlab/accessorylink/pkg/scanner"
	"github.com/streamlab/accessorylink/pkg/transport"
)

type Model int

const (
	ModelUnknown Model = iota
	OsmoAction3
	OsmoAction4
	OsmoAction5Pro
	OsmoPocket3
)

var modelNames = map[Model]string{
	ModelUnknown:   "unknown",
	OsmoAction3:    "Osmo Action 3",
	OsmoAction4:    "Osmo Action 4",
	OsmoAction5Pro: "Osmo Action 5 Pro",
	OsmoPocket3:    "Osmo Pocket 3",
}

func (m Model) String() string {
	return modelNames[m]
}

// needsConfiguration reports whether image stabilization is set before streaming starts.
func (m Model) needsConfiguration() bool {
	return m == OsmoAction4 || m == OsmoAction5Pro
}

// Manufacturer data starts with the DJI company prefix followed by a model byte.
var manufacturerPrefix = []byte{0xAA, 0x08}

var modelBytes = map[byte]Model{
	0x12: OsmoAction3,
	0x14: OsmoAction4,
	0x15: OsmoAction5Pro,
	0x20: OsmoPocket3,
}

// ModelFromManufacturerData identifies a camera from its advertisement.
func ModelFromManufacturerData(data []byte) Model {
	if len(data) < 3 || !bytes.HasPrefix(data, manufacturerPrefix) {
		return ModelUnknown
	}
	return modelBytes[data[2]]
}

// IsCamera reports whether ad was sent by a supported DJI camera.
func IsCamera(ad *transport.Advertisement) bool {
	return ModelFromManufacturerData(ad.ManufacturerData) != ModelUnknown
}

// Classifier lets a scanner.Scanner recognize DJI cameras. Cameras do not advertise their
// services, so the classifier disables scan filtering.
func Classifier() scanner.Classifier {
	return scanner.Classifier{
		Family: "dji",
		Match: func(ad *transport.Advertisement) (string, bool) {
			model := ModelFromManufacturerData(ad.ManufacturerData)
			if model == ModelUnknown {
				return "", false
			}
			return model.String(), true
		},
	}
}
