// Package transport describes the wireless capability the device engine drives. The engine never
// talks to a radio stack directly: pkg/transport/goble binds these interfaces to a host BLE stack,
// and pkg/transport/transporttest provides an in-memory implementation for tests.
package transport

import (
	"context"
	"strings"
)

//go:generate mockgen -package mocks -destination ../../mocks/transport.go -mock_names Central=Central,Peripheral=Peripheral github.com/streamlab/accessorylink/pkg/transport Central,Peripheral

// Advertisement is a snapshot of a discovered peripheral.
type Advertisement struct {
	ID               string
	LocalName        string
	Services         []string
	ManufacturerData []byte
	RSSI             int
	Connectable      bool
}

// HasService reports whether the advertisement lists uuid.
func (a *Advertisement) HasService(uuid string) bool {
	for _, s := range a.Services {
		if SameUUID(s, uuid) {
			return true
		}
	}
	return false
}

// ScanFilter restricts a scan to peripherals advertising any of Services. An empty filter matches
// every advertisement.
type ScanFilter struct {
	Services []string
}

func (f ScanFilter) Matches(a *Advertisement) bool {
	if len(f.Services) == 0 {
		return true
	}
	for _, s := range f.Services {
		if a.HasService(s) {
			return true
		}
	}
	return false
}

// Endpoint is a characteristic on a connected peripheral.
type Endpoint struct {
	Service        string
	Characteristic string
	Notify         bool
	Write          bool
	WriteNoAck     bool
}

// Central scans for and connects to peripherals.
type Central interface {
	// Scan delivers advertisements matching filter until ctx is done. It returns nil when the
	// scan ended because ctx was cancelled.
	Scan(ctx context.Context, filter ScanFilter, handler func(Advertisement)) error
	Connect(ctx context.Context, id string) (Peripheral, error)
}

// KnownPeripherals is implemented by a Central that can reach previously bonded or currently
// connected peripherals without scanning.
type KnownPeripherals interface {
	Known(id string) bool
}

// Peripheral is a connected device.
type Peripheral interface {
	ID() string
	DiscoverEndpoints(ctx context.Context, services []string) ([]Endpoint, error)
	Subscribe(endpoint Endpoint, handler func([]byte)) error
	Write(endpoint Endpoint, data []byte, withAck bool) error
	// MTU is the largest payload a single write can carry.
	MTU() int
	// Disconnected is closed when the link drops for any reason.
	Disconnected() <-chan struct{}
	Disconnect() error
}

const baseUUIDSuffix = "00001000800000805f9b34fb"

// NormalizeUUID returns the lowercase 128-bit form of a 16-bit, 32-bit or 128-bit UUID string,
// without dashes.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	switch len(u) {
	case 4:
		return "0000" + u + baseUUIDSuffix
	case 8:
		return u + baseUUIDSuffix
	}
	return u
}

func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// FindEndpoint returns the endpoint for characteristic, if present.
func FindEndpoint(endpoints []Endpoint, characteristic string) (Endpoint, bool) {
	for _, e := range endpoints {
		if SameUUID(e.Characteristic, characteristic) {
			return e, true
		}
	}
	return Endpoint{}, false
}
