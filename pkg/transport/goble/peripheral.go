package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"

	"github.com/streamlab/accessorylink/pkg/transport"
)

type peripheral struct {
	id     string
	client ble.Client
	mtu    int

	lock            sync.Mutex
	characteristics map[string]*ble.Characteristic
}

func (p *peripheral) ID() string {
	return p.id
}

func (p *peripheral) MTU() int {
	return p.mtu
}

func (p *peripheral) DiscoverEndpoints(_ context.Context, services []string) ([]transport.Endpoint, error) {
	var filter []ble.UUID
	for _, s := range services {
		uuid, err := ble.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("ble: invalid service UUID %s: %w", s, err)
		}
		filter = append(filter, uuid)
	}

	found, err := p.client.DiscoverServices(filter)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enumerate device services: %w", err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("ble: failed to discover service")
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	var endpoints []transport.Endpoint
	for _, service := range found {
		characteristics, err := p.client.DiscoverCharacteristics(nil, service)
		if err != nil {
			return nil, fmt.Errorf("ble: failed to discover service characteristics: %w", err)
		}
		for _, c := range characteristics {
			if _, err := p.client.DiscoverDescriptors(nil, c); err != nil {
				return nil, fmt.Errorf("ble: couldn't fetch descriptors: %w", err)
			}
			endpoint := transport.Endpoint{
				Service:        service.UUID.String(),
				Characteristic: c.UUID.String(),
				Notify:         c.Property&(ble.CharNotify|ble.CharIndicate) != 0,
				Write:          c.Property&ble.CharWrite != 0,
				WriteNoAck:     c.Property&ble.CharWriteNR != 0,
			}
			p.characteristics[transport.NormalizeUUID(endpoint.Characteristic)] = c
			endpoints = append(endpoints, endpoint)
		}
	}
	return endpoints, nil
}

func (p *peripheral) lookup(endpoint transport.Endpoint) (*ble.Characteristic, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	c, ok := p.characteristics[transport.NormalizeUUID(endpoint.Characteristic)]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not discovered", endpoint.Characteristic)
	}
	return c, nil
}

func (p *peripheral) Subscribe(endpoint transport.Endpoint, handler func([]byte)) error {
	c, err := p.lookup(endpoint)
	if err != nil {
		return err
	}
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	return p.client.Subscribe(c, indicate, func(value []byte) {
		buffer := make([]byte, len(value))
		copy(buffer, value)
		handler(buffer)
	})
}

func (p *peripheral) Write(endpoint transport.Endpoint, data []byte, withAck bool) error {
	c, err := p.lookup(endpoint)
	if err != nil {
		return err
	}
	return p.client.WriteCharacteristic(c, data, !withAck)
}

func (p *peripheral) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}

func (p *peripheral) Disconnect() error {
	err1 := p.client.ClearSubscriptions()
	err2 := p.client.CancelConnection()
	return errors.Join(err1, err2)
}
