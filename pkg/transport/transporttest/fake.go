// Package transporttest provides an in-memory Central and Peripheral for exercising device
// controllers without a radio.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/streamlab/accessorylink/pkg/transport"
)

var ErrUnknownPeripheral = errors.New("unknown peripheral")

// Write records a single write issued by the code under test.
type Write struct {
	Characteristic string
	Data           []byte
	WithAck        bool
}

// Central is a fake transport.Central. Advertisements registered with Advertise are delivered to
// every running scan.
type Central struct {
	lock         sync.Mutex
	ads          []transport.Advertisement
	peripherals  map[string]*Peripheral
	connectErrs  map[string][]error
	known        map[string]bool
	scans        map[int]func(transport.Advertisement)
	nextScan     int
	scanCount    int
	connectCount int
}

func NewCentral() *Central {
	return &Central{
		peripherals: make(map[string]*Peripheral),
		connectErrs: make(map[string][]error),
		known:       make(map[string]bool),
		scans:       make(map[int]func(transport.Advertisement)),
	}
}

// AddPeripheral makes p connectable and advertises it with ad (ad.ID is overwritten).
func (c *Central) AddPeripheral(p *Peripheral, ad transport.Advertisement) {
	ad.ID = p.id
	c.lock.Lock()
	c.peripherals[p.id] = p
	c.lock.Unlock()
	c.Advertise(ad)
}

// Advertise delivers ad to running scans and to scans started later.
func (c *Central) Advertise(ad transport.Advertisement) {
	c.lock.Lock()
	c.ads = append(c.ads, ad)
	var handlers []func(transport.Advertisement)
	for _, h := range c.scans {
		handlers = append(handlers, h)
	}
	c.lock.Unlock()
	for _, h := range handlers {
		h(ad)
	}
}

// SetKnown marks id as reachable without scanning.
func (c *Central) SetKnown(id string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.known[id] = true
}

func (c *Central) Known(id string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.known[id]
}

// FailNextConnect queues err to be returned by the next Connect to id.
func (c *Central) FailNextConnect(id string, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.connectErrs[id] = append(c.connectErrs[id], err)
}

func (c *Central) Scan(ctx context.Context, filter transport.ScanFilter, handler func(transport.Advertisement)) error {
	deliver := func(ad transport.Advertisement) {
		if ctx.Err() == nil && filter.Matches(&ad) {
			handler(ad)
		}
	}
	c.lock.Lock()
	id := c.nextScan
	c.nextScan++
	c.scanCount++
	c.scans[id] = deliver
	existing := append([]transport.Advertisement(nil), c.ads...)
	c.lock.Unlock()

	for _, ad := range existing {
		deliver(ad)
	}
	<-ctx.Done()

	c.lock.Lock()
	delete(c.scans, id)
	c.lock.Unlock()
	return nil
}

func (c *Central) Connect(ctx context.Context, id string) (transport.Peripheral, error) {
	c.lock.Lock()
	c.connectCount++
	p, ok := c.peripherals[id]
	var err error
	if errs := c.connectErrs[id]; len(errs) > 0 {
		err = errs[0]
		c.connectErrs[id] = errs[1:]
	}
	c.lock.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownPeripheral
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	p.connect()
	return p, nil
}

// Scanning reports the number of scans currently running.
func (c *Central) Scanning() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.scans)
}

func (c *Central) ScanCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.scanCount
}

func (c *Central) ConnectCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connectCount
}

// Peripheral is a fake transport.Peripheral.
type Peripheral struct {
	id        string
	mtu       int
	endpoints []transport.Endpoint

	lock          sync.Mutex
	connected     bool
	disconnected  chan struct{}
	subscriptions map[string]func([]byte)
	writes        []Write
	onWrite       func(Write)
	writeErr      error
}

func NewPeripheral(id string, mtu int, endpoints ...transport.Endpoint) *Peripheral {
	closed := make(chan struct{})
	close(closed)
	return &Peripheral{
		id:            id,
		mtu:           mtu,
		endpoints:     endpoints,
		disconnected:  closed,
		subscriptions: make(map[string]func([]byte)),
	}
}

func (p *Peripheral) connect() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.connected = true
	p.disconnected = make(chan struct{})
	p.subscriptions = make(map[string]func([]byte))
}

func (p *Peripheral) ID() string {
	return p.id
}

func (p *Peripheral) MTU() int {
	return p.mtu
}

func (p *Peripheral) DiscoverEndpoints(_ context.Context, services []string) ([]transport.Endpoint, error) {
	var out []transport.Endpoint
	for _, e := range p.endpoints {
		if len(services) == 0 {
			out = append(out, e)
			continue
		}
		for _, s := range services {
			if transport.SameUUID(s, e.Service) {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (p *Peripheral) Subscribe(endpoint transport.Endpoint, handler func([]byte)) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.subscriptions[transport.NormalizeUUID(endpoint.Characteristic)] = handler
	return nil
}

func (p *Peripheral) Write(endpoint transport.Endpoint, data []byte, withAck bool) error {
	w := Write{Characteristic: endpoint.Characteristic, Data: append([]byte(nil), data...), WithAck: withAck}
	p.lock.Lock()
	if p.writeErr != nil {
		err := p.writeErr
		p.lock.Unlock()
		return err
	}
	p.writes = append(p.writes, w)
	onWrite := p.onWrite
	p.lock.Unlock()
	if onWrite != nil {
		onWrite(w)
	}
	return nil
}

func (p *Peripheral) Disconnected() <-chan struct{} {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.disconnected
}

func (p *Peripheral) Disconnect() error {
	p.drop()
	return nil
}

func (p *Peripheral) drop() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.connected {
		p.connected = false
		close(p.disconnected)
	}
}

// Drop simulates an unexpected link loss.
func (p *Peripheral) Drop() {
	p.drop()
}

func (p *Peripheral) Connected() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.connected
}

// Notify delivers data on characteristic as if the peripheral had sent a notification. It
// returns false if nothing is subscribed.
func (p *Peripheral) Notify(characteristic string, data []byte) bool {
	p.lock.Lock()
	handler, ok := p.subscriptions[transport.NormalizeUUID(characteristic)]
	p.lock.Unlock()
	if !ok {
		return false
	}
	handler(append([]byte(nil), data...))
	return true
}

// Subscribed reports whether characteristic has a notification handler.
func (p *Peripheral) Subscribed(characteristic string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.subscriptions[transport.NormalizeUUID(characteristic)]
	return ok
}

// OnWrite installs fn to be called synchronously after each successful write. Fakes use it to
// answer requests.
func (p *Peripheral) OnWrite(fn func(Write)) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.onWrite = fn
}

// FailWrites makes subsequent writes return err. A nil err restores normal behaviour.
func (p *Peripheral) FailWrites(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.writeErr = err
}

// Writes returns every write so far.
func (p *Peripheral) Writes() []Write {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]Write(nil), p.writes...)
}

func (p *Peripheral) ClearWrites() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.writes = nil
}
