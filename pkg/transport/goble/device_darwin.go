package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"

	"github.com/streamlab/accessorylink/internal/log"
)

func newDevice(adapterID string) (ble.Device, error) {
	if adapterID != "" {
		log.Warning("BLE adapter ID is not supported on Darwin")
	}
	return darwin.NewDevice()
}
