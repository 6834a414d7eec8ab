// Package catprinter drives the small thermal printers sold as "cat printers". Images are
// dithered to black and white, packed into draw-row commands and streamed to the printer in
// MTU-sized chunks. The printer gates each job with a device-state report and throttles the
// stream with write-pacing notifications.
package catprinter

import (
	"fmt"
	"image"
	"time"

	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/codec"
	"github.com/streamlab/accessorylink/pkg/lifecycle"
	"github.com/streamlab/accessorylink/pkg/protocol"
	"github.com/streamlab/accessorylink/pkg/scanner"
	"github.com/streamlab/accessorylink/pkg/transport"
)

const (
	service              = "af30"
	printCharacteristic  = "ae01"
	notifyCharacteristic = "ae02"

	DefaultMaxJobs       = 50
	DefaultChunkInterval = 100 * time.Millisecond
	DefaultJobTimeout    = 60 * time.Second

	defaultChunkSize = 20
	eventBufferSize  = 16
)

// Config tunes a Printer. Zero values select the defaults.
type Config struct {
	Algorithm Algorithm
	// FeedDelay postpones the paper feed until no job has been queued for this long, so that
	// consecutive jobs print back to back. Zero feeds after every job.
	FeedDelay     time.Duration
	MaxJobs       int
	ChunkInterval time.Duration
	// JobTimeout abandons a job the printer stops responding to.
	JobTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxJobs <= 0 {
		c.MaxJobs = DefaultMaxJobs
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = DefaultChunkInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
}

type EventKind int

const (
	StateReported EventKind = iota
	JobCompleted
	JobFailed
)

func (k EventKind) String() string {
	switch k {
	case StateReported:
		return "state-reported"
	case JobCompleted:
		return "job-completed"
	case JobFailed:
		return "job-failed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event reports the printer's device state or the outcome of a job.
type Event struct {
	Kind  EventKind
	State DeviceState
	Err   error
}

type jobState int

const (
	waitingForReady jobState = iota
	writingChunks
)

type job struct {
	data   []byte
	chunks [][]byte
	state  jobState
	done   func(error)
}

// Printer prints jobs one at a time on a single printer.
type Printer struct {
	machine *lifecycle.Machine
	cfg     Config
	events  chan Event
	log     *log.Logger

	assembler  *codec.Assembler
	link       lifecycle.Link
	queue      []*job
	current    *job
	paused     bool
	chunkTimer lifecycle.Timer
	jobTimer   lifecycle.Timer
	feedTimer  lifecycle.Timer
}

func New(central transport.Central, cfg Config, opts lifecycle.Options) *Printer {
	cfg.setDefaults()
	p := &Printer{
		cfg:       cfg,
		events:    make(chan Event, eventBufferSize),
		log:       log.Named("cat-printer"),
		assembler: NewAssembler(),
	}
	p.machine = lifecycle.New(central, p, opts)
	return p
}

// Start connects to the printer with the given ID and keeps it connected until Stop.
func (p *Printer) Start(id string) {
	p.machine.Start(id)
}

// Stop disconnects. Queued jobs are discarded without calling their callbacks; the job being
// printed fails with protocol.ErrNotConnected.
func (p *Printer) Stop() {
	p.machine.Post(func() { p.queue = nil })
	p.machine.Stop()
}

func (p *Printer) State() lifecycle.State {
	return p.machine.State()
}

func (p *Printer) States() <-chan lifecycle.State {
	return p.machine.States()
}

func (p *Printer) Errors() <-chan error {
	return p.machine.Errors()
}

func (p *Printer) Events() <-chan Event {
	return p.events
}

// Print queues img, scaled to the print head width and dithered, and returns once it is queued.
// done, which may be nil, receives the outcome of the job. Jobs queued while the printer is
// disconnected print once it connects.
func (p *Printer) Print(img image.Image, done func(error)) error {
	return p.PrintBitmap(Rasterize(img, p.cfg.Algorithm), done)
}

// PrintBitmap queues a bitmap that is already black and white.
func (p *Printer) PrintBitmap(bitmap Bitmap, done func(error)) error {
	data, err := PrintCommands(bitmap, p.cfg.FeedDelay == 0)
	if err != nil {
		return err
	}
	if done == nil {
		done = func(error) {}
	}
	if !p.machine.Post(func() { p.enqueue(&job{data: data, done: done}) }) {
		return protocol.ErrStopped
	}
	return nil
}

func (p *Printer) Profile() lifecycle.Profile {
	return lifecycle.Profile{
		Name:         "cat-printer",
		ScanServices: []string{service},
		Notify:       []string{notifyCharacteristic},
		Write:        []string{printCharacteristic},
	}
}

func (p *Printer) Attach(link lifecycle.Link) {
	p.link = link
	p.log = log.Named("cat-printer").With(link.ID())
	p.paused = false
	p.assembler.Reset()
	p.tryPrintNext()
}

func (p *Printer) Receive(_ string, data []byte) {
	frames, err := p.assembler.Push(data)
	if err != nil {
		p.log.Info("Discarding corrupt data: %s", err)
	}
	for _, frame := range frames {
		p.handleFrame(frame)
	}
}

func (p *Printer) handleFrame(frame []byte) {
	cmd, payload, err := Decode(frame)
	if err != nil {
		p.log.Info("Discarding corrupt message %02x: %s", frame, err)
		return
	}
	switch cmd {
	case CommandGetDeviceState:
		state, err := DecodeDeviceState(payload)
		if err != nil {
			p.log.Info("Bad device state: %s", err)
			return
		}
		p.log.Debug("Device state %+v", state)
		p.emit(Event{Kind: StateReported, State: state})
		if p.current == nil || p.current.state != waitingForReady {
			return
		}
		if err := state.Err(); err != nil {
			p.finish(err)
			return
		}
		p.current.state = writingChunks
		p.writeNextChunk()
	case CommandWritePacing:
		ready, err := DecodeWritePacing(payload)
		if err != nil {
			p.log.Info("Bad write pacing: %s", err)
			return
		}
		if p.current == nil || p.current.state != writingChunks {
			return
		}
		p.paused = !ready
		if p.paused {
			stopTimer(&p.chunkTimer)
			return
		}
		p.writeNextChunk()
	default:
		p.log.Debug("Ignoring %s", cmd)
	}
}

func (p *Printer) Detach() {
	p.link = nil
	p.assembler.Reset()
	stopTimer(&p.feedTimer)
	if p.current != nil {
		p.finish(protocol.ErrNotConnected)
	}
}

func (p *Printer) enqueue(j *job) {
	if len(p.queue) >= p.cfg.MaxJobs {
		j.done(protocol.ErrBusy)
		return
	}
	p.queue = append(p.queue, j)
	p.tryPrintNext()
}

func (p *Printer) tryPrintNext() {
	for p.link != nil && p.current == nil && len(p.queue) > 0 {
		j := p.queue[0]
		p.queue = p.queue[1:]
		size := p.link.MTU()
		if size <= 0 {
			size = defaultChunkSize
		}
		j.chunks = codec.Chunk(j.data, size)
		j.state = waitingForReady
		p.current = j
		p.paused = false
		stopTimer(&p.feedTimer)
		if err := p.link.Write(printCharacteristic, GetDeviceState(), false); err != nil {
			p.current = nil
			p.log.Info("Job failed: %s", err)
			p.emit(Event{Kind: JobFailed, Err: err})
			j.done(err)
			return
		}
		p.jobTimer = p.link.After(p.cfg.JobTimeout, func() {
			p.log.Info("Job timed out")
			p.finish(protocol.ErrTimeout)
		})
	}
}

func (p *Printer) writeNextChunk() {
	stopTimer(&p.chunkTimer)
	j := p.current
	if j == nil || p.paused {
		return
	}
	if len(j.chunks) == 0 {
		p.finish(nil)
		return
	}
	chunk := j.chunks[0]
	j.chunks = j.chunks[1:]
	if err := p.link.Write(printCharacteristic, chunk, false); err != nil {
		p.finish(err)
		return
	}
	p.chunkTimer = p.link.After(p.cfg.ChunkInterval, p.writeNextChunk)
}

// finish ends the current job and moves on to the next one.
func (p *Printer) finish(err error) {
	stopTimer(&p.chunkTimer)
	stopTimer(&p.jobTimer)
	j := p.current
	p.current = nil
	if err != nil {
		p.log.Info("Job failed: %s", err)
		p.emit(Event{Kind: JobFailed, Err: err})
	} else {
		p.emit(Event{Kind: JobCompleted})
	}
	j.done(err)
	if p.link == nil {
		return
	}
	if err == nil && p.cfg.FeedDelay > 0 && len(p.queue) == 0 {
		p.feedTimer = p.link.After(p.cfg.FeedDelay, p.feedPaper)
	}
	p.tryPrintNext()
}

func (p *Printer) feedPaper() {
	p.feedTimer = nil
	if err := p.link.Write(printCharacteristic, FeedPaper(), false); err != nil {
		p.log.Warning("Failed to feed paper: %s", err)
	}
}

func (p *Printer) emit(e Event) {
	select {
	case p.events <- e:
	default:
		p.log.Warning("Dropping %s event", e.Kind)
	}
}

func stopTimer(t *lifecycle.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// Classifier lets a scanner.Scanner recognize printers. The model is the advertised name, such
// as GB02 or MX10.
func Classifier() scanner.Classifier {
	return scanner.Classifier{
		Family:   "cat-printer",
		Services: []string{service},
		Match: func(ad *transport.Advertisement) (string, bool) {
			if !ad.HasService(service) {
				return "", false
			}
			return ad.LocalName, true
		},
	}
}
