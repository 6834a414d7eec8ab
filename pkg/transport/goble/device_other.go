//go:build !linux && !darwin

package goble

import (
	"errors"

	"github.com/go-ble/ble"
)

func newDevice(_ string) (ble.Device, error) {
	return nil, errors.New("BLE is not supported on this platform")
}
