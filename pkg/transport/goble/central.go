// Package goble binds the transport interfaces to the host Bluetooth stack through
// github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"

	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/transport"
)

var logger = log.Named("ble")

// Central owns the host adapter. Only one Central should exist per adapter; creating several HCI
// devices on Linux fails.
type Central struct {
	device ble.Device

	lock  sync.Mutex
	known map[string]bool
}

// NewCentral opens the adapter identified by adapterID ("hci0", "hci1", ...). An empty ID selects
// the platform default.
func NewCentral(adapterID string) (*Central, error) {
	device, err := newDevice(adapterID)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enable device: %w", err)
	}
	return &Central{device: device, known: make(map[string]bool)}, nil
}

// Close releases the adapter. It does not disconnect peripherals.
func (c *Central) Close() error {
	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("ble: failed to stop device: %w", err)
	}
	return nil
}

func (c *Central) Scan(ctx context.Context, filter transport.ScanFilter, handler func(transport.Advertisement)) error {
	fn := func(a ble.Advertisement) {
		ad := toAdvertisement(a)
		if !filter.Matches(&ad) {
			return
		}
		select {
		case <-ctx.Done():
			// The scan is winding down. Darwin keeps delivering until Scan returns.
		default:
			handler(ad)
		}
	}
	err := c.device.Scan(ctx, true, fn)
	if err != nil && errors.Is(err, context.Canceled) {
		// Scan always returns an error once the context is cancelled.
		return nil
	}
	return err
}

func (c *Central) Connect(ctx context.Context, id string) (transport.Peripheral, error) {
	logger.Debug("Dialing %s...", id)
	client, err := c.device.Dial(ctx, ble.NewAddr(id))
	if err != nil {
		return nil, fmt.Errorf("ble: failed to dial %s: %w", id, err)
	}

	mtu := ble.DefaultMTU
	if txMTU, err := client.ExchangeMTU(ble.MaxMTU); err != nil {
		logger.Warning("Failed to exchange MTU with %s: %s", id, err)
	} else {
		mtu = txMTU
		logger.Debug("MTU size: %d", txMTU)
	}

	c.lock.Lock()
	c.known[id] = true
	c.lock.Unlock()

	return &peripheral{
		id:              id,
		client:          client,
		mtu:             mtu - 3, // ATT header
		characteristics: make(map[string]*ble.Characteristic),
	}, nil
}

// Known reports whether id was connected earlier by this process and can be dialed without a scan.
func (c *Central) Known(id string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.known[id]
}

func toAdvertisement(a ble.Advertisement) transport.Advertisement {
	ad := transport.Advertisement{
		ID:               a.Addr().String(),
		LocalName:        a.LocalName(),
		ManufacturerData: a.ManufacturerData(),
		RSSI:             a.RSSI(),
		Connectable:      a.Connectable(),
	}
	for _, uuid := range a.Services() {
		ad.Services = append(ad.Services, uuid.String())
	}
	return ad
}
