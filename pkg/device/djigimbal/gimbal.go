// Package djigimbal turns button and zoom notifications from a DJI gimbal into events. The
// gimbal speaks the same framing as DJI cameras but only pushes unsolicited frames, so there is no
// request correlation.
package djigimbal

import (
	"fmt"

	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/codec"
	"github.com/streamlab/accessorylink/pkg/device/dji"
	"github.com/streamlab/accessorylink/pkg/lifecycle"
	"github.com/streamlab/accessorylink/pkg/transport"
)

const (
	service              = "fff0"
	notifyCharacteristic = "fff4"
	writeCharacteristic  = "fff5"

	ButtonsType uint32 = 0x570440
	ZoomType    uint32 = 0x690440

	eventBufferSize = 32
)

// TriggerPress is the way the trigger button was pressed.
type TriggerPress int

const (
	NoPress TriggerPress = iota
	SinglePress
	DoublePress
	TriplePress
	LongPress
)

func (p TriggerPress) String() string {
	switch p {
	case NoPress:
		return "none"
	case SinglePress:
		return "single"
	case DoublePress:
		return "double"
	case TriplePress:
		return "triple"
	case LongPress:
		return "long"
	}
	return fmt.Sprintf("TriggerPress(%d)", int(p))
}

type EventKind int

const (
	TriggerPressed EventKind = iota
	SwitchScenePressed
	RecordPressed
	Zoomed
)

func (k EventKind) String() string {
	switch k {
	case TriggerPressed:
		return "trigger"
	case SwitchScenePressed:
		return "switch-scene"
	case RecordPressed:
		return "record"
	case Zoomed:
		return "zoom"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a single button press or zoom change. Press is set for TriggerPressed and Zoom for
// Zoomed.
type Event struct {
	Kind  EventKind
	Press TriggerPress
	Zoom  int16
}

// Buttons payload: flags byte (bit 0 record, bit 1 switch scene) followed by the trigger press.
const (
	recordFlag      = 1 << 0
	switchSceneFlag = 1 << 1
)

// Buttons is the decoded state of a buttons frame.
type Buttons struct {
	Trigger     TriggerPress
	SwitchScene bool
	Record      bool
}

func DecodeButtons(payload []byte) (Buttons, error) {
	r := codec.NewReader(payload)
	flags := r.Uint8()
	trigger := TriggerPress(r.Uint8())
	if err := r.Err(); err != nil {
		return Buttons{}, err
	}
	if trigger > LongPress {
		return Buttons{}, fmt.Errorf("unknown trigger press %d", trigger)
	}
	return Buttons{
		Trigger:     trigger,
		SwitchScene: flags&switchSceneFlag != 0,
		Record:      flags&recordFlag != 0,
	}, nil
}

func (b Buttons) Encode() []byte {
	var flags byte
	if b.Record {
		flags |= recordFlag
	}
	if b.SwitchScene {
		flags |= switchSceneFlag
	}
	return []byte{flags, byte(b.Trigger)}
}

// DecodeZoom returns the signed zoom step carried by a zoom frame.
func DecodeZoom(payload []byte) (int16, error) {
	r := codec.NewReader(payload)
	zoom := int16(r.Uint16LE())
	return zoom, r.Err()
}

// Device listens to one gimbal.
type Device struct {
	machine   *lifecycle.Machine
	events    chan Event
	log       *log.Logger
	assembler *codec.Assembler
}

func New(central transport.Central, opts lifecycle.Options) *Device {
	d := &Device{
		events:    make(chan Event, eventBufferSize),
		log:       log.Named("dji-gimbal"),
		assembler: dji.NewAssembler(),
	}
	d.machine = lifecycle.New(central, d, opts)
	return d
}

// Start connects to the gimbal with the given ID and keeps it connected until Stop.
func (d *Device) Start(id string) {
	d.machine.Start(id)
}

func (d *Device) Stop() {
	d.machine.Stop()
}

func (d *Device) State() lifecycle.State {
	return d.machine.State()
}

func (d *Device) States() <-chan lifecycle.State {
	return d.machine.States()
}

func (d *Device) Events() <-chan Event {
	return d.events
}

func (d *Device) Profile() lifecycle.Profile {
	return lifecycle.Profile{
		Name:     "dji-gimbal",
		Services: []string{service},
		Notify:   []string{notifyCharacteristic},
		Write:    []string{writeCharacteristic},
	}
}

func (d *Device) Attach(link lifecycle.Link) {
	d.log = log.Named("dji-gimbal").With(link.ID())
	d.assembler.Reset()
}

func (d *Device) Receive(_ string, data []byte) {
	frames, err := d.assembler.Push(data)
	if err != nil {
		d.log.Info("Discarding corrupt data %02x: %s", data, err)
	}
	for _, frame := range frames {
		msg, err := dji.Decode(frame)
		if err != nil {
			d.log.Info("Discarding corrupt message %02x: %s", frame, err)
			continue
		}
		d.dispatch(msg)
	}
}

func (d *Device) Detach() {
	d.assembler.Reset()
}

func (d *Device) dispatch(msg *dji.Message) {
	switch msg.Type {
	case ButtonsType:
		buttons, err := DecodeButtons(msg.Payload)
		if err != nil {
			d.log.Info("Bad buttons payload %02x: %s", msg.Payload, err)
			return
		}
		if buttons.Trigger != NoPress {
			d.emit(Event{Kind: TriggerPressed, Press: buttons.Trigger})
		}
		if buttons.SwitchScene {
			d.emit(Event{Kind: SwitchScenePressed})
		}
		if buttons.Record {
			d.emit(Event{Kind: RecordPressed})
		}
	case ZoomType:
		zoom, err := DecodeZoom(msg.Payload)
		if err != nil {
			d.log.Info("Bad zoom payload %02x: %s", msg.Payload, err)
			return
		}
		d.log.Info("Got zoom %d", zoom)
		d.emit(Event{Kind: Zoomed, Zoom: zoom})
	default:
		d.log.Debug("Ignoring message type %06x", msg.Type)
	}
}

func (d *Device) emit(e Event) {
	select {
	case d.events <- e:
	default:
		d.log.Warning("Dropping %s event", e.Kind)
	}
}
