// Package cooler keeps a clip-on phone cooler matched to how hot the phone runs. Every poll the
// cooler is asked for its telemetry and its cooling power and fan speed are moved a bounded step
// toward targets derived from the host's thermal state.
package cooler

import (
	"fmt"
	"time"

	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/codec"
	"github.com/streamlab/accessorylink/pkg/lifecycle"
	"github.com/streamlab/accessorylink/pkg/protocol"
	"github.com/streamlab/accessorylink/pkg/scanner"
	"github.com/streamlab/accessorylink/pkg/transport"
)

const (
	service             = "ff00"
	readCharacteristic  = "ff01"
	writeCharacteristic = "ff02"

	DefaultPollInterval = 2 * time.Second
	DefaultStep         = 5
	DefaultLEDCooldown  = 80 * time.Millisecond

	eventBufferSize = 16
)

// ThermalState mirrors the operating system's coarse thermal pressure levels.
type ThermalState int

const (
	Nominal ThermalState = iota
	Fair
	Serious
	Critical
)

func (s ThermalState) String() string {
	switch s {
	case Nominal:
		return "nominal"
	case Fair:
		return "fair"
	case Serious:
		return "serious"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("ThermalState(%d)", int(s))
}

// ThermalSource reports the host's current thermal state. It is called on the device goroutine
// and must not block.
type ThermalSource interface {
	ThermalState() ThermalState
}

// ThermalFunc adapts a function to ThermalSource.
type ThermalFunc func() ThermalState

func (f ThermalFunc) ThermalState() ThermalState {
	return f()
}

// Targets returns the cooling power and fan speed, in percent, wanted in state. Unknown states
// run the cooler flat out.
func Targets(state ThermalState) (coolingPower, fanSpeed int) {
	switch state {
	case Nominal:
		return 5, 15
	case Fair:
		return 20, 20
	case Serious:
		return 80, 50
	}
	return 100, 100
}

// Step moves current toward target by at most step.
func Step(current, target, step int) int {
	switch {
	case current > target:
		if current-step < target {
			return target
		}
		return current - step
	case current < target:
		if current+step > target {
			return target
		}
		return current + step
	}
	return target
}

// level is a setting whose value on the cooler is unknown until it has been set once.
type level struct {
	value int
	known bool
}

func (l *level) approach(target, step int) int {
	if !l.known {
		l.value, l.known = target, true
		return target
	}
	l.value = Step(l.value, target, step)
	return l.value
}

type Config struct {
	PollInterval time.Duration
	// Step is the largest change in percent per poll.
	Step        int
	LEDCooldown time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Step <= 0 {
		c.Step = DefaultStep
	}
	if c.LEDCooldown <= 0 {
		c.LEDCooldown = DefaultLEDCooldown
	}
}

// Cooler controls one phone cooler.
type Cooler struct {
	machine *lifecycle.Machine
	source  ThermalSource
	cfg     Config
	events  chan Status
	log     *log.Logger

	assembler    *codec.Assembler
	link         lifecycle.Link
	poller       lifecycle.Timer
	coolingPower level
	fanSpeed     level
	lastLED      time.Time
}

func New(central transport.Central, source ThermalSource, cfg Config, opts lifecycle.Options) *Cooler {
	cfg.setDefaults()
	c := &Cooler{
		source:    source,
		cfg:       cfg,
		events:    make(chan Status, eventBufferSize),
		log:       log.Named("cooler"),
		assembler: NewAssembler(),
	}
	c.machine = lifecycle.New(central, c, opts)
	return c
}

func (c *Cooler) Start(id string) {
	c.machine.Start(id)
}

func (c *Cooler) Stop() {
	c.machine.Stop()
}

func (c *Cooler) State() lifecycle.State {
	return c.machine.State()
}

func (c *Cooler) States() <-chan lifecycle.State {
	return c.machine.States()
}

func (c *Cooler) Errors() <-chan error {
	return c.machine.Errors()
}

// Events delivers the telemetry reported after each poll.
func (c *Cooler) Events() <-chan Status {
	return c.events
}

// SetLEDColor sets the ring light. Changes closer together than the LED cooldown are dropped, as
// are changes while disconnected.
func (c *Cooler) SetLEDColor(color Color, brightness int) error {
	frame, err := SetLEDColor(color, brightness)
	if err != nil {
		return err
	}
	return c.post(func() {
		now := time.Now()
		if c.link == nil || now.Sub(c.lastLED) < c.cfg.LEDCooldown {
			return
		}
		c.lastLED = now
		c.write(frame)
	})
}

func (c *Cooler) TurnOffLED() error {
	return c.post(func() {
		if c.link != nil {
			c.write(TurnOffLED())
		}
	})
}

func (c *Cooler) post(fn func()) error {
	if !c.machine.Post(fn) {
		return protocol.ErrStopped
	}
	return nil
}

func (c *Cooler) Profile() lifecycle.Profile {
	return lifecycle.Profile{
		Name:     "cooler",
		Services: []string{service},
		Notify:   []string{readCharacteristic},
		Write:    []string{writeCharacteristic},
	}
}

func (c *Cooler) Attach(link lifecycle.Link) {
	c.link = link
	c.log = log.Named("cooler").With(link.ID())
	c.assembler.Reset()
	c.poll()
	c.poller = link.Every(c.cfg.PollInterval, c.poll)
}

func (c *Cooler) Receive(_ string, data []byte) {
	encoded, err := c.assembler.Push(data)
	if err != nil {
		c.log.Info("Discarding corrupt data %02x: %s", data, err)
	}
	for _, raw := range encoded {
		frame, err := Decode(raw)
		if err != nil {
			c.log.Info("Discarding corrupt frame %02x: %s", raw, err)
			continue
		}
		switch frame.Kind {
		case KindStatus:
			status, err := DecodeStatus(frame.Payload)
			if err != nil {
				c.log.Info("Bad status %02x: %s", frame.Payload, err)
				continue
			}
			c.log.Debug("Phone %.1f C, heatsink %.1f C", status.PhoneTemperature, status.HeatsinkTemperature)
			select {
			case c.events <- status:
			default:
				c.log.Warning("Dropping status")
			}
		default:
			c.log.Debug("Got unknown message %s %02x", frame.Kind, frame.Payload)
		}
	}
}

// Detach forgets the levels; the cooler may have been power cycled.
func (c *Cooler) Detach() {
	if c.poller != nil {
		c.poller.Stop()
		c.poller = nil
	}
	c.link = nil
	c.assembler.Reset()
	c.coolingPower = level{}
	c.fanSpeed = level{}
}

// poll re-sends both levels every time since the cooler's own settings cannot be read back.
func (c *Cooler) poll() {
	c.write(QueryMetadata())
	state := c.source.ThermalState()
	powerTarget, fanTarget := Targets(state)

	power := c.coolingPower.approach(powerTarget, c.cfg.Step)
	c.log.Debug("Thermal state %s, cooling power %d%%", state, power)
	if frame, err := SetCoolingPower(power); err == nil {
		c.write(frame)
	}
	fan := c.fanSpeed.approach(fanTarget, c.cfg.Step)
	c.log.Debug("Thermal state %s, fan speed %d%%", state, fan)
	if frame, err := SetFanSpeed(fan); err == nil {
		c.write(frame)
	}
}

func (c *Cooler) write(frame []byte) {
	if err := c.link.Write(writeCharacteristic, frame, false); err != nil {
		c.log.Warning("Write failed: %s", err)
	}
}

func Classifier() scanner.Classifier {
	return scanner.Classifier{
		Family:   "cooler",
		Services: []string{service},
		Match: func(ad *transport.Advertisement) (string, bool) {
			return "cooler", ad.HasService(service)
		},
	}
}
