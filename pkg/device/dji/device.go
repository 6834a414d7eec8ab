// Package dji controls DJI action cameras over BLE: pairing, pointing the camera at a Wi-Fi
// network and starting or stopping an RTMP live stream.
//
// Setup is a chain of correlated requests. Every request carries a transaction id that the camera
// echoes in its response, and the Device only advances when the response to the request it just
// sent arrives. Anything else is logged and dropped.
package dji

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/streamlab/accessorylink/internal/correlator"
	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/codec"
	"github.com/streamlab/accessorylink/pkg/lifecycle"
	"github.com/streamlab/accessorylink/pkg/protocol"
	"github.com/streamlab/accessorylink/pkg/transport"
)

const (
	notifyCharacteristic = "fff4"
	writeCharacteristic  = "fff5"

	DefaultPIN     = "mbln"
	DefaultBitrate = 6000000
	DefaultFPS     = 30

	DefaultStartTimeout = 60 * time.Second
	DefaultStopTimeout  = 10 * time.Second

	eventBufferSize = 16
)

// State is the streaming sub-state of a connected camera.
type State int

const (
	Idle State = iota
	CheckingIfPaired
	Pairing
	CleaningUp
	PreparingStream
	SettingUpWifi
	Configuring
	StartingStream
	Streaming
	StoppingStream
)

var stateNames = map[State]string{
	Idle:             "idle",
	CheckingIfPaired: "checking-if-paired",
	Pairing:          "pairing",
	CleaningUp:       "cleaning-up",
	PreparingStream:  "preparing-stream",
	SettingUpWifi:    "setting-up-wifi",
	Configuring:      "configuring",
	StartingStream:   "starting-stream",
	Streaming:        "streaming",
	StoppingStream:   "stopping-stream",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Every state may fall back to Idle and every setup step may be interrupted by StopLive.
var transitions = map[State][]State{
	Idle:             {CheckingIfPaired},
	CheckingIfPaired: {Pairing, CleaningUp, StoppingStream},
	Pairing:          {CleaningUp, StoppingStream},
	CleaningUp:       {PreparingStream, StoppingStream},
	PreparingStream:  {SettingUpWifi, StoppingStream},
	SettingUpWifi:    {Configuring, StartingStream, StoppingStream},
	Configuring:      {StartingStream, StoppingStream},
	StartingStream:   {Streaming, StoppingStream},
	Streaming:        {StoppingStream},
}

func canTransition(from, to State) bool {
	if from == to || to == Idle {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config describes the stream the camera should publish.
type Config struct {
	// Model selects model-specific payloads. When zero, the model is taken from the advertisement
	// that matched, which only happens when Start is called without an ID.
	Model         Model
	PIN           string
	WifiSSID      string
	WifiPassword  string
	RTMPURL       string
	Resolution    Resolution
	FPS           int
	Bitrate       uint32
	Stabilization Stabilization
	StartTimeout  time.Duration
	StopTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.PIN == "" {
		c.PIN = DefaultPIN
	}
	if c.FPS == 0 {
		c.FPS = DefaultFPS
	}
	if c.Bitrate == 0 {
		c.Bitrate = DefaultBitrate
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// Event reports a sub-state change or, when Err is set, a failed operation.
type Event struct {
	State State
	Err   error
}

// Device controls one camera.
type Device struct {
	cfg     Config
	machine *lifecycle.Machine
	events  chan Event
	log     *log.Logger

	stateLock sync.Mutex
	published State

	// Owned by the actor goroutine.
	link       lifecycle.Link
	assembler  *codec.Assembler
	pending    *correlator.Table[uint16, Message]
	state      State
	model      Model
	wantStream bool
	startTimer lifecycle.Timer
	stopTimer  lifecycle.Timer
}

func New(central transport.Central, cfg Config, opts lifecycle.Options) *Device {
	cfg.setDefaults()
	d := &Device{
		cfg:       cfg,
		events:    make(chan Event, eventBufferSize),
		log:       log.Named("dji-device"),
		assembler: NewAssembler(),
		pending:   correlator.New[uint16, Message]("dji-device"),
		model:     cfg.Model,
	}
	d.machine = lifecycle.New(central, d, opts)
	return d
}

// Start connects to the camera with the given ID (or the first supported camera when id is
// empty) and starts streaming once connected. The link is kept up until Stop.
func (d *Device) Start(id string) {
	d.machine.Start(id)
	d.machine.Post(func() { d.wantStream = true })
}

// Stop disconnects the camera. Nothing fires after Stop returns.
func (d *Device) Stop() {
	d.machine.Stop()
}

// StartLive restarts the setup sequence on a connected camera after StopLive or a timeout.
func (d *Device) StartLive() error {
	if !d.machine.Post(func() {
		d.wantStream = true
		if d.link != nil && d.state == Idle {
			d.beginSetup()
		}
	}) {
		return protocol.ErrStopped
	}
	return nil
}

// StopLive asks the camera to stop streaming. The link stays up.
func (d *Device) StopLive() error {
	if !d.machine.Post(d.stopLive) {
		return protocol.ErrStopped
	}
	return nil
}

// State returns the connection state.
func (d *Device) State() lifecycle.State {
	return d.machine.State()
}

func (d *Device) Handle() lifecycle.Handle {
	return d.machine.Handle()
}

// SetupState returns the streaming sub-state.
func (d *Device) SetupState() State {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.published
}

func (d *Device) Events() <-chan Event {
	return d.events
}

// Errors reports transport failures while first connecting.
func (d *Device) Errors() <-chan error {
	return d.machine.Errors()
}

// Profile implements lifecycle.Adapter.
func (d *Device) Profile() lifecycle.Profile {
	return lifecycle.Profile{
		Name: "dji-device",
		Match: func(ad *transport.Advertisement) bool {
			model := ModelFromManufacturerData(ad.ManufacturerData)
			if model == ModelUnknown {
				return false
			}
			if d.cfg.Model == ModelUnknown {
				d.model = model
			}
			d.log.Info("Model is %s", model)
			return true
		},
		Notify: []string{notifyCharacteristic},
		Write:  []string{writeCharacteristic},
	}
}

// Attach implements lifecycle.Adapter.
func (d *Device) Attach(link lifecycle.Link) {
	d.log = log.Named("dji-device").With(link.ID())
	d.link = link
	d.assembler.Reset()
	if d.wantStream {
		d.beginSetup()
	}
}

// Receive implements lifecycle.Adapter.
func (d *Device) Receive(_ string, data []byte) {
	frames, err := d.assembler.Push(data)
	if err != nil {
		d.log.Info("Discarding corrupt data %02x: %s", data, err)
	}
	for _, frame := range frames {
		msg, err := Decode(frame)
		if err != nil {
			d.log.Info("Discarding corrupt message %02x: %s", frame, err)
			continue
		}
		_ = d.pending.ResolveErr(msg.ID, *msg)
	}
}

// Detach implements lifecycle.Adapter.
func (d *Device) Detach() {
	d.pending.DropAll()
	d.stopTimers()
	d.assembler.Reset()
	d.link = nil
	d.setState(Idle)
}

func (d *Device) beginSetup() {
	d.startTimer = d.link.After(d.cfg.StartTimeout, func() {
		d.log.Warning("Timed out starting the stream in state %s", d.state)
		d.wantStream = false
		d.reset()
		d.emit(Event{State: Idle, Err: fmt.Errorf("starting stream: %w", protocol.ErrTimeout)})
	})
	d.request(CheckingIfPaired, pairMessage(d.cfg.PIN), d.checkedIfPaired)
}

func (d *Device) checkedIfPaired(response *Message) {
	if bytes.Equal(response.Payload, []byte{0, 1}) {
		d.cleanUp()
		return
	}
	// The camera asks the user to confirm and sends another pair message once accepted.
	d.setState(Pairing)
	d.expect(Pairing, pairTransactionID, func(*Message) { d.cleanUp() })
}

func (d *Device) cleanUp() {
	d.request(CleaningUp, stopStreamingMessage(), func(*Message) {
		d.request(PreparingStream, prepareMessage(), d.prepared)
	})
}

func (d *Device) prepared(*Message) {
	d.request(SettingUpWifi, setupWifiMessage(d.cfg.WifiSSID, d.cfg.WifiPassword), d.wifiReady)
}

func (d *Device) wifiReady(*Message) {
	if d.model.needsConfiguration() {
		d.request(Configuring, configureMessage(d.model, d.cfg.Stabilization), func(*Message) {
			d.startStreaming()
		})
		return
	}
	d.startStreaming()
}

func (d *Device) startStreaming() {
	msg := startStreamingMessage(d.model, d.cfg.RTMPURL, d.cfg.Resolution, d.cfg.FPS, d.cfg.Bitrate)
	d.request(StartingStream, msg, func(*Message) {
		if d.startTimer != nil {
			d.startTimer.Stop()
			d.startTimer = nil
		}
		d.setState(Streaming)
	})
}

func (d *Device) stopLive() {
	d.wantStream = false
	d.pending.DropAll()
	d.stopTimers()
	if d.link == nil || d.state == Idle {
		d.setState(Idle)
		return
	}
	d.stopTimer = d.link.After(d.cfg.StopTimeout, func() {
		d.log.Warning("Timed out stopping the stream")
		d.reset()
		d.emit(Event{State: Idle, Err: fmt.Errorf("stopping stream: %w", protocol.ErrTimeout)})
	})
	d.request(StoppingStream, stopStreamingMessage(), func(*Message) {
		d.reset()
	})
}

// request moves to state, registers a handler for the response to msg and transmits it.
func (d *Device) request(state State, msg Message, onResponse func(*Message)) {
	d.setState(state)
	if !d.expect(state, msg.ID, onResponse) {
		return
	}
	if err := d.send(msg); err != nil {
		d.pending.Cancel(msg.ID)
		d.log.Warning("Sending %s request: %s", state, err)
		d.reset()
		d.emit(Event{State: Idle, Err: err})
	}
}

// expect registers onResponse for the next frame carrying transaction id. The handler only runs
// if the Device is still in state when the frame arrives.
func (d *Device) expect(state State, id uint16, onResponse func(*Message)) bool {
	err := d.pending.Register(id, func(response Message, err error) {
		if err != nil {
			d.log.Info("Request %04x in state %s: %s", id, state, err)
			return
		}
		if d.state != state {
			d.log.Info("%s", &protocol.SequenceError{State: d.state.String(), Key: fmt.Sprintf("%04x", id)})
			return
		}
		onResponse(&response)
	})
	if err != nil {
		d.log.Error("Registering request %04x: %s", id, err)
		return false
	}
	return true
}

func (d *Device) send(msg Message) error {
	if d.link == nil {
		return protocol.ErrNotConnected
	}
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	return d.link.Write(writeCharacteristic, frame, false)
}

func (d *Device) reset() {
	d.pending.DropAll()
	d.stopTimers()
	d.setState(Idle)
}

func (d *Device) stopTimers() {
	if d.startTimer != nil {
		d.startTimer.Stop()
		d.startTimer = nil
	}
	if d.stopTimer != nil {
		d.stopTimer.Stop()
		d.stopTimer = nil
	}
}

func (d *Device) setState(s State) {
	if s == d.state {
		return
	}
	if !canTransition(d.state, s) {
		d.log.Error("Refusing illegal transition %s -> %s", d.state, s)
		return
	}
	d.log.Info("%s -> %s", d.state, s)
	d.state = s
	d.emit(Event{State: s})
	d.publish(s)
}

func (d *Device) publish(s State) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	d.published = s
}

func (d *Device) emit(e Event) {
	select {
	case d.events <- e:
	default:
		d.log.Warning("Dropping event %+v", e)
	}
}
