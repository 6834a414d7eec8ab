// Package lifecycle drives the connection of a single accessory: scanning, connecting, endpoint
// discovery, notification routing and reconnecting after link loss.
//
// Each Machine is an actor. Transport callbacks, timers, notifications and adapter code are all
// serialized onto one goroutine, so adapters never need locks for their own state. Every
// connection attempt gets a new generation number; work scheduled for an older generation is
// discarded when it reaches the front of the queue.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/protocol"
	"github.com/streamlab/accessorylink/pkg/transport"
)

const (
	DefaultMinBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultConnectTimeout = 20 * time.Second

	eventBufferSize = 16
)

// Options tune reconnect behaviour. Zero values select the defaults.
type Options struct {
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.MinBackoff <= 0 {
		o.MinBackoff = DefaultMinBackoff
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = DefaultMaxBackoff
		if o.MaxBackoff < o.MinBackoff {
			o.MaxBackoff = o.MinBackoff
		}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
}

// Handle identifies a device controlled by a Machine.
type Handle struct {
	ID          string
	DisplayName string
	State       State
}

type task struct {
	gen   uint64
	bound bool
	fn    func()
	stale func()
}

// Machine owns the connection to one device.
type Machine struct {
	central transport.Central
	adapter Adapter
	profile Profile
	opts    Options
	log     *log.Logger

	states chan State
	errors chan error

	// Guards the task queue. Tasks are only accepted while the actor loop runs.
	queueLock sync.Mutex
	queue     []task
	accepting bool
	wake      chan struct{}

	// Serializes Start and Stop.
	control  sync.Mutex
	quit     chan struct{}
	loopDone chan struct{}

	// Published copy of the handle, readable from any goroutine.
	handleLock sync.Mutex
	handle     Handle

	// Owned by the actor goroutine.
	state          State
	gen            uint64
	id             string
	started        bool
	firstAttempt   bool
	backoff        time.Duration
	cancelOp       context.CancelFunc
	peripheral     transport.Peripheral
	linkDone       chan struct{}
	attached       bool
	reconnectTimer *timer
}

// New creates a Machine for adapter. Nothing happens until Start is called.
func New(central transport.Central, adapter Adapter, opts Options) *Machine {
	opts.setDefaults()
	profile := adapter.Profile()
	name := profile.Name
	if name == "" {
		name = "device"
	}
	return &Machine{
		central: central,
		adapter: adapter,
		profile: profile,
		opts:    opts,
		log:     log.Named(name),
		states:  make(chan State, eventBufferSize),
		errors:  make(chan error, eventBufferSize),
		wake:    make(chan struct{}, 1),
	}
}

// States publishes every state change. Events are dropped if the channel is not drained.
func (m *Machine) States() <-chan State {
	return m.states
}

// Errors publishes transport failures that occur while first connecting after Start. Failures
// during steady-state operation are logged and recovered by reconnecting.
func (m *Machine) Errors() <-chan error {
	return m.errors
}

func (m *Machine) State() State {
	m.handleLock.Lock()
	defer m.handleLock.Unlock()
	return m.handle.State
}

func (m *Machine) Handle() Handle {
	m.handleLock.Lock()
	defer m.handleLock.Unlock()
	return m.handle
}

// Start begins discovering the device with the given ID and keeps it connected until Stop. An
// empty id accepts the first advertisement matched by the adapter's Profile. Calling Start on a
// running Machine restarts it.
func (m *Machine) Start(id string) {
	m.control.Lock()
	defer m.control.Unlock()
	m.stopLocked()

	m.quit = make(chan struct{})
	m.loopDone = make(chan struct{})
	m.queueLock.Lock()
	m.accepting = true
	m.queueLock.Unlock()
	go m.run(m.quit, m.loopDone)
	m.post(func() { m.start(id) })
}

// Stop disconnects the device and returns once nothing scheduled for it can run any more. It must
// not be called from an Adapter method.
func (m *Machine) Stop() {
	m.control.Lock()
	defer m.control.Unlock()
	m.stopLocked()
}

// Post runs fn on the actor goroutine. It returns false if the Machine is not running.
func (m *Machine) Post(fn func()) bool {
	return m.enqueue(task{fn: fn})
}

func (m *Machine) stopLocked() {
	if m.quit == nil {
		return
	}
	finished := make(chan struct{})
	m.post(func() {
		m.shutdown()
		close(finished)
	})
	<-finished
	close(m.quit)
	<-m.loopDone
	m.quit = nil

	// The loop has exited, so remaining tasks can be discarded from here.
	m.queueLock.Lock()
	m.accepting = false
	leftover := m.queue
	m.queue = nil
	m.queueLock.Unlock()
	for _, t := range leftover {
		if t.stale != nil {
			t.stale()
		}
	}
}

func (m *Machine) post(fn func()) {
	m.enqueue(task{fn: fn})
}

// postGen schedules fn for connection generation gen. If the generation has moved on by the time
// the task runs, stale is called instead (when non-nil).
func (m *Machine) postGen(gen uint64, fn func(), stale func()) {
	m.enqueue(task{gen: gen, bound: true, fn: fn, stale: stale})
}

// enqueue hands t to the actor. Once the Machine is stopped, tasks are refused and their stale
// callback runs immediately on the caller's goroutine.
func (m *Machine) enqueue(t task) bool {
	m.queueLock.Lock()
	if !m.accepting {
		m.queueLock.Unlock()
		if t.stale != nil {
			t.stale()
		}
		return false
	}
	m.queue = append(m.queue, t)
	m.queueLock.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *Machine) pop() (task, bool) {
	m.queueLock.Lock()
	defer m.queueLock.Unlock()
	if len(m.queue) == 0 {
		return task{}, false
	}
	t := m.queue[0]
	m.queue[0] = task{}
	m.queue = m.queue[1:]
	return t, true
}

func (m *Machine) run(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case <-m.wake:
			for {
				select {
				case <-quit:
					return
				default:
				}
				t, ok := m.pop()
				if !ok {
					break
				}
				if t.bound && t.gen != m.gen {
					if t.stale != nil {
						t.stale()
					}
					continue
				}
				t.fn()
			}
		}
	}
}

func (m *Machine) setState(s State) {
	if s == m.state {
		return
	}
	if !CanTransition(m.state, s) {
		m.log.Error("Refusing illegal transition %s -> %s", m.state, s)
		return
	}
	m.log.Info("%s -> %s", m.state, s)
	m.state = s
	m.handleLock.Lock()
	m.handle.State = s
	m.handleLock.Unlock()
	select {
	case m.states <- s:
	default:
		m.log.Warning("Dropping state event %s", s)
	}
}

func (m *Machine) publishError(err error) {
	select {
	case m.errors <- err:
	default:
		m.log.Warning("Dropping error event: %s", err)
	}
}

func (m *Machine) start(id string) {
	m.gen++
	m.id = id
	m.started = true
	m.firstAttempt = true
	m.backoff = 0
	m.handleLock.Lock()
	m.handle = Handle{ID: id, State: m.state}
	m.handleLock.Unlock()
	m.discover()
}

func (m *Machine) matches(ad *transport.Advertisement) bool {
	if m.id != "" {
		return ad.ID == m.id
	}
	return m.profile.Match != nil && m.profile.Match(ad)
}

func (m *Machine) discover() {
	m.setState(Discovering)
	if known, ok := m.central.(transport.KnownPeripherals); ok && m.id != "" && known.Known(m.id) {
		m.log.Debug("%s is known, connecting without a scan", m.id)
		m.connect(m.id)
		return
	}

	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelOp = cancel
	filter := transport.ScanFilter{Services: m.profile.ScanServices}
	go func() {
		err := m.central.Scan(ctx, filter, func(ad transport.Advertisement) {
			m.postGen(gen, func() {
				if m.state != Discovering || !m.matches(&ad) {
					return
				}
				m.log.Debug("Found %s (%s, rssi %d)", ad.ID, ad.LocalName, ad.RSSI)
				cancel()
				m.handleLock.Lock()
				m.handle.ID = ad.ID
				if ad.LocalName != "" {
					m.handle.DisplayName = ad.LocalName
				}
				m.handleLock.Unlock()
				m.connect(ad.ID)
			}, nil)
		})
		if err != nil && ctx.Err() == nil {
			m.postGen(gen, func() { m.fail("scan", err) }, nil)
		}
	}()
}

func (m *Machine) connect(id string) {
	m.setState(Connecting)
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	m.cancelOp = cancel
	go func() {
		defer cancel()
		peripheral, err := m.central.Connect(ctx, id)
		var endpoints []transport.Endpoint
		if err == nil {
			endpoints, err = peripheral.DiscoverEndpoints(ctx, m.profile.Services)
		}
		m.postGen(gen, func() {
			m.connected(peripheral, endpoints, err)
		}, func() {
			if peripheral != nil {
				_ = peripheral.Disconnect()
			}
		})
	}()
}

func (m *Machine) connected(peripheral transport.Peripheral, endpoints []transport.Endpoint, err error) {
	m.cancelOp = nil
	if err != nil {
		if peripheral != nil {
			_ = peripheral.Disconnect()
		}
		m.fail("connect", err)
		return
	}
	m.peripheral = peripheral
	m.linkDone = make(chan struct{})

	l := &link{m: m, gen: m.gen, peripheral: peripheral, endpoints: make(map[string]transport.Endpoint)}
	for _, e := range endpoints {
		l.endpoints[transport.NormalizeUUID(e.Characteristic)] = e
	}
	for _, uuid := range m.profile.Write {
		if _, ok := transport.FindEndpoint(endpoints, uuid); !ok {
			m.fail("discover", protocol.ErrMissingEndpoint)
			return
		}
	}
	subscribe := func(uuid string, required bool) bool {
		endpoint, ok := transport.FindEndpoint(endpoints, uuid)
		if !ok {
			if required {
				m.fail("discover", protocol.ErrMissingEndpoint)
				return false
			}
			return true
		}
		gen := m.gen
		characteristic := endpoint.Characteristic
		if err := peripheral.Subscribe(endpoint, func(data []byte) {
			m.postGen(gen, func() {
				m.log.Debug("RX %s: %02x", characteristic, data)
				m.adapter.Receive(uuid, data)
			}, nil)
		}); err != nil {
			m.fail("subscribe", err)
			return false
		}
		return true
	}
	for _, uuid := range m.profile.Notify {
		if !subscribe(uuid, true) {
			return
		}
	}
	for _, uuid := range m.profile.OptionalNotify {
		if !subscribe(uuid, false) {
			return
		}
	}

	gen := m.gen
	done := m.linkDone
	go func() {
		select {
		case <-peripheral.Disconnected():
			m.postGen(gen, func() { m.lost() }, nil)
		case <-done:
		}
	}()

	m.backoff = 0
	m.firstAttempt = false
	m.setState(Connected)
	m.attached = true
	m.adapter.Attach(l)
}

// teardown invalidates the current connection generation and releases everything tied to it.
func (m *Machine) teardown() {
	m.gen++
	if m.cancelOp != nil {
		m.cancelOp()
		m.cancelOp = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.attached {
		m.attached = false
		m.adapter.Detach()
	}
	if m.linkDone != nil {
		close(m.linkDone)
		m.linkDone = nil
	}
	if m.peripheral != nil {
		if err := m.peripheral.Disconnect(); err != nil {
			m.log.Debug("Disconnect: %s", err)
		}
		m.peripheral = nil
	}
}

func (m *Machine) fail(op string, err error) {
	if !m.started {
		return
	}
	transportErr := &protocol.TransportError{Op: op, Err: err}
	if m.firstAttempt {
		m.log.Warning("%s", transportErr)
		m.publishError(transportErr)
	} else {
		m.log.Info("%s", transportErr)
	}
	m.teardown()
	m.scheduleReconnect()
}

func (m *Machine) lost() {
	if !m.started {
		return
	}
	m.log.Warning("Link to %s lost", m.id)
	m.teardown()
	m.scheduleReconnect()
}

func (m *Machine) scheduleReconnect() {
	if m.backoff == 0 {
		m.backoff = m.opts.MinBackoff
	} else {
		m.backoff *= 2
		if m.backoff > m.opts.MaxBackoff {
			m.backoff = m.opts.MaxBackoff
		}
	}
	m.setState(Discovering)
	m.log.Debug("Reconnecting in %s", m.backoff)
	m.reconnectTimer = m.after(m.gen, m.backoff, m.discover)
}

func (m *Machine) shutdown() {
	if !m.started {
		return
	}
	m.started = false
	m.teardown()
	m.setState(Disconnected)
}
