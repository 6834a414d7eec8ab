package lifecycle

import (
	"sync"
	"time"

	"github.com/streamlab/accessorylink/pkg/protocol"
	"github.com/streamlab/accessorylink/pkg/transport"
)

// Profile tells the Machine how to find and set up a device family.
type Profile struct {
	// Name is used as the log prefix, e.g. "dji-device".
	Name string
	// ScanServices narrows scans to peripherals advertising one of these services. Leave empty for
	// accessories that do not advertise their services.
	ScanServices []string
	// Match accepts advertisements from peripherals whose ID is not known in advance.
	Match func(ad *transport.Advertisement) bool
	// Services are discovered after connecting.
	Services []string
	// Notify characteristics are subscribed to; connecting fails if one is missing.
	Notify []string
	// Write characteristics must be present.
	Write []string
	// OptionalNotify characteristics are subscribed to when present.
	OptionalNotify []string
}

// Adapter implements a device protocol on top of a Link. All methods run on the Machine's actor
// goroutine.
type Adapter interface {
	Profile() Profile
	// Attach is called once the link is Connected.
	Attach(link Link)
	// Receive is called for each notification.
	Receive(characteristic string, data []byte)
	// Detach is called when the link goes away. The adapter must drop pending requests, stop
	// its timers and reset its sub-state.
	Detach()
}

// Timer is a cancellable timer scheduled through a Link.
type Timer interface {
	Stop()
}

// Link is the adapter's view of an established connection. It must only be used from the actor
// goroutine. Timers and posted functions are bound to the connection: once it is torn down they
// never fire.
type Link interface {
	ID() string
	State() State
	Write(characteristic string, data []byte, withAck bool) error
	// MTU is the largest payload a single Write may carry.
	MTU() int
	After(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
	Post(fn func())
}

type link struct {
	m          *Machine
	gen        uint64
	peripheral transport.Peripheral
	endpoints  map[string]transport.Endpoint
}

func (l *link) ID() string {
	return l.peripheral.ID()
}

func (l *link) State() State {
	if l.m.gen != l.gen {
		return Disconnected
	}
	return l.m.state
}

func (l *link) Write(characteristic string, data []byte, withAck bool) error {
	if l.m.gen != l.gen {
		return protocol.ErrNotConnected
	}
	endpoint, ok := l.endpoints[transport.NormalizeUUID(characteristic)]
	if !ok {
		return protocol.ErrMissingEndpoint
	}
	l.m.log.Debug("TX %s: %02x", characteristic, data)
	if err := l.peripheral.Write(endpoint, data, withAck); err != nil {
		return &protocol.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (l *link) MTU() int {
	return l.peripheral.MTU()
}

func (l *link) After(d time.Duration, fn func()) Timer {
	return l.m.after(l.gen, d, fn)
}

func (l *link) Every(d time.Duration, fn func()) Timer {
	return l.m.every(l.gen, d, fn)
}

func (l *link) Post(fn func()) {
	l.m.postGen(l.gen, fn, nil)
}

type timer struct {
	lock    sync.Mutex
	t       *time.Timer
	stopped bool
}

func (t *timer) Stop() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
}

func (t *timer) active() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return !t.stopped
}

func (m *Machine) after(gen uint64, d time.Duration, fn func()) *timer {
	t := &timer{}
	t.t = time.AfterFunc(d, func() {
		m.postGen(gen, func() {
			if t.active() {
				t.Stop()
				fn()
			}
		}, nil)
	})
	return t
}

func (m *Machine) every(gen uint64, d time.Duration, fn func()) *timer {
	t := &timer{}
	var arm func()
	arm = func() {
		t.lock.Lock()
		defer t.lock.Unlock()
		if t.stopped {
			return
		}
		t.t = time.AfterFunc(d, func() {
			m.postGen(gen, func() {
				if t.active() {
					fn()
					arm()
				}
			}, nil)
		})
	}
	arm()
	return t
}
