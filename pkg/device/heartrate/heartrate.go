// Package heartrate reads standard Bluetooth heart rate monitors, including the running speed
// and cadence measurements that some chest straps and foot pods add. The device is read only.
package heartrate

import (
	"fmt"
	"time"

	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/codec"
	"github.com/streamlab/accessorylink/pkg/lifecycle"
	"github.com/streamlab/accessorylink/pkg/scanner"
	"github.com/streamlab/accessorylink/pkg/transport"
)

const (
	HeartRateService   = "180d"
	measurementUUID    = "2a37"
	RunningService     = "1814"
	runMeasurementUUID = "2a53"

	heartRateUint16Flag = 1 << 0

	strideLengthFlag  = 1 << 0
	totalDistanceFlag = 1 << 1

	eventBufferSize = 32
)

// DecodeHeartRate returns the beats per minute of a heart rate measurement. Flag bit 0 selects a
// 16-bit value.
func DecodeHeartRate(value []byte) (int, error) {
	r := codec.NewReader(value)
	flags := r.Uint8()
	var bpm int
	if flags&heartRateUint16Flag != 0 {
		bpm = int(r.Uint16LE())
	} else {
		bpm = int(r.Uint8())
	}
	return bpm, r.Err()
}

// RunMeasurement is a running speed and cadence measurement.
type RunMeasurement struct {
	SpeedMetersPerSecond float64
	Cadence              int
	// StrideMeters is zero unless the sensor reports it.
	StrideMeters float64
	// TotalDistanceMeters is nil unless the sensor reports it.
	TotalDistanceMeters *float64
}

func DecodeRunMeasurement(value []byte) (RunMeasurement, error) {
	r := codec.NewReader(value)
	flags := r.Uint8()
	m := RunMeasurement{
		SpeedMetersPerSecond: float64(r.Uint16LE()) / 256,
		Cadence:              int(r.Uint8()),
	}
	if flags&strideLengthFlag != 0 {
		m.StrideMeters = float64(r.Uint16LE()) / 100
	}
	if flags&totalDistanceFlag != 0 {
		distance := float64(r.Uint32LE()) / 10
		m.TotalDistanceMeters = &distance
	}
	return m, r.Err()
}

type SampleKind int

const (
	HeartRateSample SampleKind = iota
	RunSample
)

func (k SampleKind) String() string {
	switch k {
	case HeartRateSample:
		return "heart-rate"
	case RunSample:
		return "run"
	}
	return fmt.Sprintf("SampleKind(%d)", int(k))
}

// RunMetrics is what a run sample reports.
type RunMetrics struct {
	Cadence int
	// PaceSecondsPerMeter is zero while standing still.
	PaceSecondsPerMeter float64
	StrideMeters        float64
	DistanceMeters      float64
	// DeviceDistance is set once the sensor reports its own total distance. Until then the
	// distance is integrated from the speed.
	DeviceDistance bool
}

// Sample is one measurement. Samples are values and never change after delivery.
type Sample struct {
	Kind      SampleKind
	At        time.Time
	HeartRate int
	Run       RunMetrics
}

// odometer integrates speed over time for sensors that do not report a total distance.
type odometer struct {
	meters         float64
	last           time.Time
	deviceDistance bool
}

func (o *odometer) update(m RunMeasurement, at time.Time) (float64, bool) {
	if m.TotalDistanceMeters != nil {
		o.deviceDistance = true
		o.meters = *m.TotalDistanceMeters
		o.last = at
		return o.meters, true
	}
	if o.deviceDistance {
		o.last = at
		return o.meters, true
	}
	if !o.last.IsZero() {
		if elapsed := at.Sub(o.last).Seconds(); elapsed > 0 {
			o.meters += m.SpeedMetersPerSecond * elapsed
		}
	}
	o.last = at
	return o.meters, false
}

// Monitor reads one heart rate monitor.
type Monitor struct {
	machine  *lifecycle.Machine
	events   chan Sample
	log      *log.Logger
	now      func() time.Time
	odometer odometer
}

func New(central transport.Central, opts lifecycle.Options) *Monitor {
	m := &Monitor{
		events: make(chan Sample, eventBufferSize),
		log:    log.Named("heart-rate-device"),
		now:    time.Now,
	}
	m.machine = lifecycle.New(central, m, opts)
	return m
}

// Start connects to the monitor with the given ID. Each Start begins a new run distance.
func (m *Monitor) Start(id string) {
	m.machine.Start(id)
	m.machine.Post(func() { m.odometer = odometer{} })
}

func (m *Monitor) Stop() {
	m.machine.Stop()
}

func (m *Monitor) State() lifecycle.State {
	return m.machine.State()
}

func (m *Monitor) States() <-chan lifecycle.State {
	return m.machine.States()
}

func (m *Monitor) Errors() <-chan error {
	return m.machine.Errors()
}

func (m *Monitor) Events() <-chan Sample {
	return m.events
}

func (m *Monitor) Profile() lifecycle.Profile {
	return lifecycle.Profile{
		Name:           "heart-rate-device",
		ScanServices:   []string{HeartRateService},
		Services:       []string{HeartRateService, RunningService},
		Notify:         []string{measurementUUID},
		OptionalNotify: []string{runMeasurementUUID},
	}
}

func (m *Monitor) Attach(link lifecycle.Link) {
	m.log = log.Named("heart-rate-device").With(link.ID())
}

func (m *Monitor) Receive(characteristic string, data []byte) {
	var err error
	switch characteristic {
	case measurementUUID:
		err = m.heartRate(data)
	case runMeasurementUUID:
		err = m.run(data)
	}
	if err != nil {
		m.log.Info("Characteristic %s, value %02x: %s", characteristic, data, err)
	}
}

// Detach keeps the distance; a reconnect in the middle of a run continues it.
func (m *Monitor) Detach() {}

func (m *Monitor) heartRate(data []byte) error {
	bpm, err := DecodeHeartRate(data)
	if err != nil {
		return err
	}
	m.emit(Sample{Kind: HeartRateSample, At: m.now(), HeartRate: bpm})
	return nil
}

func (m *Monitor) run(data []byte) error {
	measurement, err := DecodeRunMeasurement(data)
	if err != nil {
		return err
	}
	at := m.now()
	metrics := RunMetrics{Cadence: measurement.Cadence, StrideMeters: measurement.StrideMeters}
	if measurement.SpeedMetersPerSecond > 0 {
		metrics.PaceSecondsPerMeter = 1 / measurement.SpeedMetersPerSecond
	}
	metrics.DistanceMeters, metrics.DeviceDistance = m.odometer.update(measurement, at)
	m.emit(Sample{Kind: RunSample, At: at, Run: metrics})
	return nil
}

func (m *Monitor) emit(s Sample) {
	select {
	case m.events <- s:
	default:
		m.log.Warning("Dropping %s sample", s.Kind)
	}
}

// Classifier recognizes heart rate monitors. Monitors that also advertise the running service are
// reported as model "running".
func Classifier() scanner.Classifier {
	return scanner.Classifier{
		Family:   "heart-rate",
		Services: []string{HeartRateService},
		Match: func(ad *transport.Advertisement) (string, bool) {
			if !ad.HasService(HeartRateService) {
				return "", false
			}
			if ad.HasService(RunningService) {
				return "running", true
			}
			return "heart-rate", true
		},
	}
}
