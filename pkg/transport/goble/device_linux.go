package goble

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
)

const bleTimeout = 20 * time.Second

var scanParams = cmd.LESetScanParameters{
	LEScanType:           1,    // Active scanning
	LEScanInterval:       0x10, // 10ms
	LEScanWindow:         0x10, // 10ms
	OwnAddressType:       0,    // Static
	ScanningFilterPolicy: 0,    // Accept all
}

func newDevice(adapterID string) (ble.Device, error) {
	options := []ble.Option{
		ble.OptListenerTimeout(bleTimeout),
		ble.OptDialerTimeout(bleTimeout),
		ble.OptScanParams(scanParams),
	}
	if adapterID != "" {
		index, err := strconv.Atoi(strings.TrimPrefix(adapterID, "hci"))
		if err != nil {
			return nil, fmt.Errorf("invalid adapter ID %q", adapterID)
		}
		options = append(options, ble.OptDeviceID(index))
	}
	return linux.NewDevice(options...)
}
