package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/streamlab/accessorylink/mocks"
	"github.com/streamlab/accessorylink/pkg/protocol"
	"github.com/streamlab/accessorylink/pkg/transport"
	"github.com/streamlab/accessorylink/pkg/transport/transporttest"
)

const (
	testService = "fff0"
	testNotify  = "fff4"
	testWrite   = "fff5"
	deviceID    = "AA:BB:CC:DD:EE:FF"
)

var fastOptions = Options{MinBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, ConnectTimeout: time.Second}

type recorder struct {
	lock     sync.Mutex
	events   []string
	link     Link
	received [][]byte
}

func (r *recorder) Profile() Profile {
	return Profile{
		Name:     "test-device",
		Services: []string{testService},
		Notify:   []string{testNotify},
		Write:    []string{testWrite},
	}
}

func (r *recorder) Attach(link Link) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.link = link
	r.events = append(r.events, "attach")
}

func (r *recorder) Receive(characteristic string, data []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, fmt.Sprintf("rx %s %02x", characteristic, data))
	r.received = append(r.received, data)
}

func (r *recorder) Detach() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.link = nil
	r.events = append(r.events, "detach")
}

func (r *recorder) Events() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.events...)
}

func newPeripheral() *transporttest.Peripheral {
	return transporttest.NewPeripheral(deviceID, 182,
		transport.Endpoint{Service: testService, Characteristic: testNotify, Notify: true},
		transport.Endpoint{Service: testService, Characteristic: testWrite, Write: true, WriteNoAck: true},
	)
}

func expectStates(t *testing.T, ch <-chan State, want ...State) {
	t.Helper()
	for _, w := range want {
		select {
		case s := <-ch:
			if s != w {
				t.Fatalf("got state %s, expected %s", s, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for state %s", w)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Disconnected, Discovering, true},
		{Disconnected, Connected, false},
		{Discovering, Connecting, true},
		{Discovering, Connected, false},
		{Connecting, Connected, true},
		{Connecting, Discovering, true},
		{Connected, Discovering, true},
		{Connected, Connecting, false},
		{Connected, Disconnected, true},
		{Connected, Connected, true},
	}
	for _, test := range tests {
		if got := CanTransition(test.from, test.to); got != test.ok {
			t.Errorf("CanTransition(%s, %s) = %v", test.from, test.to, got)
		}
	}
}

func TestConnectSequence(t *testing.T) {
	g := NewWithT(t)
	central := transporttest.NewCentral()
	peripheral := newPeripheral()
	central.AddPeripheral(peripheral, transport.Advertisement{LocalName: "Osmo"})

	adapter := &recorder{}
	m := New(central, adapter, fastOptions)
	m.Start(deviceID)
	defer m.Stop()

	expectStates(t, m.States(), Discovering, Connecting, Connected)
	g.Expect(adapter.Events()).To(Equal([]string{"attach"}))
	g.Expect(peripheral.Subscribed(testNotify)).To(BeTrue())
	g.Expect(m.Handle()).To(Equal(Handle{ID: deviceID, DisplayName: "Osmo", State: Connected}))

	g.Expect(peripheral.Notify(testNotify, []byte{0x55, 0x01})).To(BeTrue())
	g.Eventually(adapter.Events).Should(ContainElement("rx fff4 5501"))
}

func TestWriteThroughLink(t *testing.T) {
	g := NewWithT(t)
	central := transporttest.NewCentral()
	peripheral := newPeripheral()
	central.AddPeripheral(peripheral, transport.Advertisement{})

	adapter := &recorder{}
	m := New(central, adapter, fastOptions)
	m.Start(deviceID)
	defer m.Stop()
	expectStates(t, m.States(), Discovering, Connecting, Connected)

	result := make(chan error, 1)
	g.Expect(m.Post(func() {
		adapter.lock.Lock()
		link := adapter.link
		adapter.lock.Unlock()
		result <- link.Write(testWrite, []byte{1, 2, 3}, false)
	})).To(BeTrue())
	g.Eventually(result).Should(Receive(BeNil()))
	g.Expect(peripheral.Writes()).To(Equal([]transporttest.Write{{Characteristic: testWrite, Data: []byte{1, 2, 3}}}))
}

func TestReconnectAfterLinkLoss(t *testing.T) {
	g := NewWithT(t)
	central := transporttest.NewCentral()
	peripheral := newPeripheral()
	central.AddPeripheral(peripheral, transport.Advertisement{})

	adapter := &recorder{}
	m := New(central, adapter, fastOptions)
	m.Start(deviceID)
	defer m.Stop()
	expectStates(t, m.States(), Discovering, Connecting, Connected)

	peripheral.Drop()
	expectStates(t, m.States(), Discovering, Connecting, Connected)
	g.Expect(adapter.Events()).To(Equal([]string{"attach", "detach", "attach"}))
	g.Expect(central.ConnectCount()).To(Equal(2))
	g.Consistently(m.Errors(), 50*time.Millisecond).ShouldNot(Receive())
}

func TestStopIsSynchronous(t *testing.T) {
	g := NewWithT(t)
	central := transporttest.NewCentral()
	peripheral := newPeripheral()
	central.AddPeripheral(peripheral, transport.Advertisement{})

	adapter := &recorder{}
	m := New(central, adapter, fastOptions)
	m.Start(deviceID)
	expectStates(t, m.States(), Discovering, Connecting, Connected)

	fired := make(chan struct{}, 1)
	g.Expect(m.Post(func() {
		adapter.link.After(20*time.Millisecond, func() { fired <- struct{}{} })
	})).To(BeTrue())

	m.Stop()
	g.Expect(m.State()).To(Equal(Disconnected))
	g.Expect(adapter.Events()).To(Equal([]string{"attach", "detach"}))
	g.Expect(peripheral.Connected()).To(BeFalse())
	g.Expect(m.Post(func() {})).To(BeFalse())

	// Neither timers nor notifications reach the adapter once stopped.
	peripheral.Notify(testNotify, []byte{0x01})
	g.Consistently(fired, 60*time.Millisecond).ShouldNot(Receive())
	g.Expect(adapter.Events()).To(Equal([]string{"attach", "detach"}))
}

func TestKnownPeripheralSkipsScan(t *testing.T) {
	central := transporttest.NewCentral()
	peripheral := newPeripheral()
	central.AddPeripheral(peripheral, transport.Advertisement{})
	central.SetKnown(deviceID)

	m := New(central, &recorder{}, fastOptions)
	m.Start(deviceID)
	defer m.Stop()

	expectStates(t, m.States(), Discovering, Connecting, Connected)
	if n := central.ScanCount(); n != 0 {
		t.Errorf("expected no scans, got %d", n)
	}
}

func TestMatchByProfile(t *testing.T) {
	central := transporttest.NewCentral()
	peripheral := newPeripheral()
	central.AddPeripheral(transporttest.NewPeripheral("other", 20), transport.Advertisement{LocalName: "Other"})
	central.AddPeripheral(peripheral, transport.Advertisement{LocalName: "Wanted"})

	adapter := &matchingRecorder{}
	m := New(central, adapter, fastOptions)
	m.Start("")
	defer m.Stop()

	expectStates(t, m.States(), Discovering, Connecting, Connected)
	if id := m.Handle().ID; id != deviceID {
		t.Errorf("connected to %s", id)
	}
}

type matchingRecorder struct {
	recorder
}

func (r *matchingRecorder) Profile() Profile {
	p := r.recorder.Profile()
	p.Match = func(ad *transport.Advertisement) bool { return ad.LocalName == "Wanted" }
	return p
}

func TestMissingEndpointFailsFirstAttempt(t *testing.T) {
	g := NewWithT(t)
	central := transporttest.NewCentral()
	peripheral := transporttest.NewPeripheral(deviceID, 20,
		transport.Endpoint{Service: testService, Characteristic: testNotify, Notify: true})
	central.AddPeripheral(peripheral, transport.Advertisement{})

	adapter := &recorder{}
	m := New(central, adapter, fastOptions)
	m.Start(deviceID)
	defer m.Stop()

	expectStates(t, m.States(), Discovering, Connecting, Discovering)
	var err error
	g.Eventually(m.Errors()).Should(Receive(&err))
	g.Expect(errors.Is(err, protocol.ErrMissingEndpoint)).To(BeTrue())
	var transportErr *protocol.TransportError
	g.Expect(errors.As(err, &transportErr)).To(BeTrue())
	g.Expect(adapter.Events()).To(BeEmpty())
}

func TestConnectFailureIsReportedAndRetried(t *testing.T) {
	g := NewWithT(t)
	ctrl := gomock.NewController(t)
	central := mocks.NewCentral(ctrl)

	refused := errors.New("connection refused")
	central.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ transport.ScanFilter, handler func(transport.Advertisement)) error {
			handler(transport.Advertisement{ID: deviceID})
			<-ctx.Done()
			return nil
		}).MinTimes(2)
	central.EXPECT().Connect(gomock.Any(), deviceID).Return(nil, refused).MinTimes(2)

	m := New(central, &recorder{}, fastOptions)
	m.Start(deviceID)

	var err error
	g.Eventually(m.Errors()).Should(Receive(&err))
	g.Expect(errors.Is(err, refused)).To(BeTrue())
	g.Expect(protocol.Temporary(err)).To(BeTrue())

	// Every failed attempt before the first successful connect is caller-visible.
	g.Eventually(m.Errors()).Should(Receive())
	m.Stop()
	g.Expect(m.State()).To(Equal(Disconnected))
}

func TestConnectedPeripheralIsReleasedWhenStoppedMidConnect(t *testing.T) {
	g := NewWithT(t)
	ctrl := gomock.NewController(t)
	central := mocks.NewCentral(ctrl)
	peripheral := mocks.NewPeripheral(ctrl)

	release := make(chan struct{})
	central.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ transport.ScanFilter, handler func(transport.Advertisement)) error {
			handler(transport.Advertisement{ID: deviceID})
			<-ctx.Done()
			return nil
		})
	central.EXPECT().Connect(gomock.Any(), deviceID).DoAndReturn(func(context.Context, string) (transport.Peripheral, error) {
		<-release
		return peripheral, nil
	})
	peripheral.EXPECT().DiscoverEndpoints(gomock.Any(), gomock.Any()).Return(nil, nil)
	disconnected := make(chan struct{})
	peripheral.EXPECT().Disconnect().DoAndReturn(func() error {
		close(disconnected)
		return nil
	})

	m := New(central, &recorder{}, fastOptions)
	m.Start(deviceID)
	expectStates(t, m.States(), Discovering, Connecting)
	m.Stop()
	close(release)

	g.Eventually(disconnected).Should(BeClosed())
}
