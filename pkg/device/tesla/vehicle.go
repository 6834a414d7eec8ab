// Package tesla establishes authenticated sessions with a Tesla vehicle over BLE and executes
// commands through them.
//
// A vehicle exposes independent domains (vehicle security and infotainment), each with its own
// session. After connecting, the Vehicle asks every domain for its session info, derives a shared
// key with ECDH and then encrypts commands with AES-GCM. Requests and responses are correlated by
// a random routing address chosen per request.
package tesla

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/streamlab/accessorylink/internal/correlator"
	"github.com/streamlab/accessorylink/internal/log"
	"github.com/streamlab/accessorylink/pkg/codec"
	"github.com/streamlab/accessorylink/pkg/lifecycle"
	"github.com/streamlab/accessorylink/pkg/protocol"
	"github.com/streamlab/accessorylink/pkg/scanner"
	"github.com/streamlab/accessorylink/pkg/transport"
)

const (
	service                   = "00000211-b2d1-43f0-9b88-960cebf8b91e"
	toVehicleCharacteristic   = "00000212-b2d1-43f0-9b88-960cebf8b91e"
	fromVehicleCharacteristic = "00000213-b2d1-43f0-9b88-960cebf8b91e"

	DefaultRequestTimeout = 10 * time.Second
	DefaultCommandExpiry  = 15 * time.Second
	DefaultMaxQueuedJobs  = 16

	addressLength   = 16
	eventBufferSize = 16
)

var (
	ErrMissingVIN = errors.New("vehicle VIN is required")
	ErrMissingKey = errors.New("vehicle private key is required")
	// ErrKeyNotPaired indicates the vehicle does not recognize the local public key. Use AddKey
	// and confirm on the vehicle with a key card.
	ErrKeyNotPaired = protocol.NewError("public key has not been paired with the vehicle", false, false)
	// ErrMessageTooLarge indicates an encoded message does not fit the BLE framing.
	ErrMessageTooLarge = protocol.NewError("message too large for BLE framing", false, false)
)

// Domains with sessions, in handshake order.
var Domains = []Domain{DomainVehicleSecurity, DomainInfotainment}

// SessionState is the state of one domain's session.
type SessionState int

const (
	NoSession SessionState = iota
	Handshaking
	Ready
)

func (s SessionState) String() string {
	switch s {
	case NoSession:
		return "no-session"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Event reports a session state change or a session failure.
type Event struct {
	Domain Domain
	State  SessionState
	Err    error
}

// Handler receives the decrypted response payload of a command or the reason it failed. It runs
// on the Vehicle's actor goroutine and must not block.
type Handler func(response []byte, err error)

type Config struct {
	VIN string
	Key *protocol.PrivateKey
	// RequestTimeout bounds each request. Unanswered handshakes are retried at this interval.
	RequestTimeout time.Duration
	// CommandExpiry is how long the vehicle may act on a command after it was signed.
	CommandExpiry time.Duration
	// MaxQueuedJobs caps the commands waiting for a domain's session.
	MaxQueuedJobs int
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CommandExpiry <= 0 {
		c.CommandExpiry = DefaultCommandExpiry
	}
	if c.MaxQueuedJobs <= 0 {
		c.MaxQueuedJobs = DefaultMaxQueuedJobs
	}
}

// LocalName returns the name a vehicle advertises: "S", the first 8 bytes of SHA1(VIN) in hex,
// then "C".
func LocalName(vin string) string {
	digest := sha1.Sum([]byte(vin))
	return "S" + hex.EncodeToString(digest[:8]) + "C"
}

type address [addressLength]byte

type job struct {
	payload []byte
	handler Handler
	retried bool
}

type domainSession struct {
	domain   Domain
	state    SessionState
	session  *session
	jobs     []*job
	// inflight holds jobs that were sent and await a response, keyed by reply address.
	inflight map[address]*job
	retry    lifecycle.Timer
}

// Vehicle controls one vehicle. All fields below machine are owned by the actor goroutine.
type Vehicle struct {
	machine *lifecycle.Machine
	cfg     Config
	vin     []byte
	name    string
	events  chan Event

	log       *log.Logger
	link      lifecycle.Link
	assembler *codec.Assembler
	pending   *correlator.Table[address, *RoutableMessage]
	domains   map[Domain]*domainSession
	sweeper   lifecycle.Timer
	rand      io.Reader
	now       func() time.Time
}

func New(central transport.Central, cfg Config, opts lifecycle.Options) (*Vehicle, error) {
	if cfg.VIN == "" {
		return nil, ErrMissingVIN
	}
	if cfg.Key == nil {
		return nil, ErrMissingKey
	}
	if len(cfg.VIN) > 255 {
		return nil, ErrMetadataFieldTooLong
	}
	cfg.setDefaults()
	v := &Vehicle{
		cfg:       cfg,
		vin:       []byte(cfg.VIN),
		name:      LocalName(cfg.VIN),
		events:    make(chan Event, eventBufferSize),
		log:       log.Named("tesla-vehicle"),
		assembler: codec.NewBlockAssembler(family),
		pending:   correlator.New[address, *RoutableMessage]("tesla-vehicle"),
		domains:   make(map[Domain]*domainSession),
		rand:      rand.Reader,
		now:       time.Now,
	}
	for _, domain := range Domains {
		v.domains[domain] = &domainSession{domain: domain, inflight: make(map[address]*job)}
	}
	v.machine = lifecycle.New(central, v, opts)
	return v, nil
}

// Start connects to the vehicle and keeps it connected until Stop. With an empty id the first
// peripheral advertising the VIN's local name is used.
func (v *Vehicle) Start(id string) {
	v.machine.Start(id)
}

// Stop disconnects. Commands still waiting for a session are discarded without calling their
// handlers.
func (v *Vehicle) Stop() {
	v.machine.Post(func() {
		for _, d := range v.domains {
			d.jobs = nil
		}
	})
	v.machine.Stop()
}

func (v *Vehicle) State() lifecycle.State {
	return v.machine.State()
}

func (v *Vehicle) Handle() lifecycle.Handle {
	return v.machine.Handle()
}

func (v *Vehicle) Events() <-chan Event {
	return v.events
}

// Errors publishes transport failures while first connecting.
func (v *Vehicle) Errors() <-chan error {
	return v.machine.Errors()
}

// Execute encrypts payload for domain and sends it once the domain's session is ready. handler
// is called exactly once unless the Vehicle is stopped first.
func (v *Vehicle) Execute(domain Domain, payload []byte, handler Handler) error {
	payload = clone(payload)
	if !v.machine.Post(func() { v.enqueue(domain, payload, handler) }) {
		return protocol.ErrStopped
	}
	return nil
}

// MoveClosure opens or closes a trunk. done receives the outcome.
func (v *Vehicle) MoveClosure(closure Closure, move ClosureMoveType, done func(error)) error {
	return v.Execute(DomainVehicleSecurity, ClosureMoveRequest(closure, move), func(_ []byte, err error) {
		if done != nil {
			done(err)
		}
	})
}

func (v *Vehicle) OpenTrunk(done func(error)) error {
	return v.MoveClosure(RearTrunk, ClosureMoveOpen, done)
}

func (v *Vehicle) CloseTrunk(done func(error)) error {
	return v.MoveClosure(RearTrunk, ClosureMoveClose, done)
}

// Act runs an infotainment action such as honking.
func (v *Vehicle) Act(action VehicleAction, done func(error)) error {
	return v.Execute(DomainInfotainment, ActionRequest(action), func(response []byte, err error) {
		if err == nil {
			err = DecodeActionResponse(response)
		}
		if err != nil {
			v.log.Info("%s failed: %s", action, err)
		}
		if done != nil {
			done(err)
		}
	})
}

func (v *Vehicle) Honk(done func(error)) error {
	return v.Act(HonkHorn, done)
}

func (v *Vehicle) FlashLights(done func(error)) error {
	return v.Act(FlashLights, done)
}

// AddKey asks the vehicle to whitelist publicKey. It needs a connection but no session. done is
// called once the request was written; the owner then confirms on the vehicle.
func (v *Vehicle) AddKey(publicKey []byte, role KeyRole, done func(error)) error {
	request := AddKeyRequest(publicKey, role)
	if !v.machine.Post(func() {
		var err error
		if v.link == nil {
			err = protocol.ErrNotConnected
		} else {
			err = v.send(request)
		}
		if err == nil {
			v.log.Info("Sent add-key request, tap a key card on the vehicle to confirm")
		}
		if done != nil {
			done(err)
		}
	}) {
		return protocol.ErrStopped
	}
	return nil
}

// SessionStates returns a snapshot of every domain's session state.
func (v *Vehicle) SessionStates() map[Domain]SessionState {
	states := make(map[Domain]SessionState)
	done := make(chan struct{})
	if !v.machine.Post(func() {
		for domain, d := range v.domains {
			states[domain] = d.state
		}
		close(done)
	}) {
		return states
	}
	select {
	case <-done:
	case <-time.After(v.cfg.RequestTimeout):
	}
	return states
}

func (v *Vehicle) Profile() lifecycle.Profile {
	return lifecycle.Profile{
		Name:     "tesla-vehicle",
		Match:    func(ad *transport.Advertisement) bool { return ad.LocalName == v.name },
		Services: []string{service},
		Notify:   []string{fromVehicleCharacteristic},
		Write:    []string{toVehicleCharacteristic},
	}
}

func (v *Vehicle) Attach(link lifecycle.Link) {
	v.link = link
	v.log = log.Named("tesla-vehicle").With(link.ID())
	v.assembler.Reset()
	v.sweeper = link.Every(v.sweepInterval(), func() {
		v.pending.Expire(v.cfg.RequestTimeout)
	})
	for _, domain := range Domains {
		v.handshake(v.domains[domain])
	}
}

func (v *Vehicle) sweepInterval() time.Duration {
	interval := v.cfg.RequestTimeout / 10
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	return interval
}

func (v *Vehicle) Receive(_ string, data []byte) {
	frames, err := v.assembler.Push(data)
	if err != nil {
		v.log.Info("Discarding corrupt data: %s", err)
	}
	for _, frame := range frames {
		message, err := UnmarshalRoutableMessage(codec.StripPrefix16(frame))
		if err != nil {
			v.log.Info("Discarding undecodable message: %s", err)
			continue
		}
		if message.To == nil || len(message.To.RoutingAddress) != addressLength {
			v.log.Debug("Ignoring message without routing address")
			continue
		}
		var key address
		copy(key[:], message.To.RoutingAddress)
		v.pending.ResolveErr(key, message)
	}
}

// Detach fails commands that were already sent with protocol.ErrNotConnected. Queued commands
// survive and are sent once the sessions are re-established.
func (v *Vehicle) Detach() {
	var lost []*job
	for _, d := range v.domains {
		for from, j := range d.inflight {
			lost = append(lost, j)
			delete(d.inflight, from)
		}
	}
	v.pending.DropAll()
	if v.sweeper != nil {
		v.sweeper.Stop()
		v.sweeper = nil
	}
	v.assembler.Reset()
	v.link = nil
	for _, d := range v.domains {
		if d.retry != nil {
			d.retry.Stop()
			d.retry = nil
		}
		d.session = nil
		v.setSessionState(d, NoSession, nil)
	}
	for _, j := range lost {
		j.handler(nil, protocol.ErrNotConnected)
	}
}

func (v *Vehicle) setSessionState(d *domainSession, state SessionState, err error) {
	if d.state == state && err == nil {
		return
	}
	if d.state != state {
		v.log.Info("%s session: %s -> %s", d.domain, d.state, state)
	}
	d.state = state
	v.emit(Event{Domain: d.domain, State: state, Err: err})
}

func (v *Vehicle) emit(e Event) {
	select {
	case v.events <- e:
	default:
		v.log.Warning("Dropping %s session event", e.Domain)
	}
}

func (v *Vehicle) newAddress() (address, error) {
	var a address
	_, err := io.ReadFull(v.rand, a[:])
	return a, err
}

// send frames message with its length and writes it in MTU-sized blocks.
func (v *Vehicle) send(message []byte) error {
	if v.link == nil {
		return protocol.ErrNotConnected
	}
	if len(message) > codec.MaxBlockMessageSize {
		return ErrMessageTooLarge
	}
	blockLength := v.link.MTU()
	if blockLength > codec.MaxBlockMessageSize {
		blockLength = codec.MaxBlockMessageSize
	}
	for _, block := range codec.SplitBlocks(message, blockLength) {
		if err := v.link.Write(toVehicleCharacteristic, block, true); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vehicle) handshake(d *domainSession) {
	if v.link == nil {
		return
	}
	if d.retry != nil {
		d.retry.Stop()
		d.retry = nil
	}
	from, err := v.newAddress()
	if err != nil {
		v.log.Error("Generating routing address: %s", err)
		return
	}
	challenge := uuid.New()
	request := &RoutableMessage{
		To:                 &Destination{Domain: d.domain},
		From:               &Destination{RoutingAddress: from[:]},
		SessionInfoRequest: &SessionInfoRequest{PublicKey: v.cfg.Key.PublicBytes()},
		UUID:               challenge[:],
	}
	if err := v.pending.Register(from, func(response *RoutableMessage, err error) {
		if err != nil {
			v.log.Info("No %s session info: %s", d.domain, err)
			v.handshake(d)
			return
		}
		v.handleSessionInfo(d, challenge[:], response)
	}); err != nil {
		v.log.Error("Registering handshake: %s", err)
		return
	}
	v.setSessionState(d, Handshaking, nil)
	if err := v.send(request.Marshal()); err != nil {
		v.pending.Cancel(from)
		v.log.Warning("Sending %s handshake: %s", d.domain, err)
		v.retryHandshake(d)
	}
}

func (v *Vehicle) retryHandshake(d *domainSession) {
	if v.link == nil {
		return
	}
	d.retry = v.link.After(v.cfg.RequestTimeout, func() {
		d.retry = nil
		v.handshake(d)
	})
}

func (v *Vehicle) handleSessionInfo(d *domainSession, challenge []byte, response *RoutableMessage) {
	if err := v.establish(d, challenge, response); err != nil {
		v.log.Warning("%s handshake failed: %s", d.domain, err)
		v.setSessionState(d, Handshaking, err)
		v.retryHandshake(d)
		return
	}
	v.setSessionState(d, Ready, nil)
	v.flush(d)
}

func (v *Vehicle) establish(d *domainSession, challenge []byte, response *RoutableMessage) error {
	if fault := response.Fault(); fault != FaultNone {
		return newFaultError(fault, "session info request rejected")
	}
	if response.SessionInfo == nil {
		return newFaultError(FaultDecoding, "response carries no session info")
	}
	info, err := UnmarshalSessionInfo(response.SessionInfo)
	if err != nil {
		return err
	}
	if info.Status == SessionInfoStatusKeyNotOnWhitelist {
		return ErrKeyNotPaired
	}
	s, err := newSession(v.cfg.Key, d.domain, v.vin, info, v.now(), v.rand)
	if err != nil {
		return err
	}
	if response.Signature == nil || response.Signature.SessionInfoTag == nil {
		return newFaultError(FaultInvalidSignature, "session info is not authenticated")
	}
	if err := s.verify(challenge, response.SessionInfo, response.Signature.SessionInfoTag); err != nil {
		return err
	}
	d.session = s
	return nil
}

func (v *Vehicle) enqueue(domain Domain, payload []byte, handler Handler) {
	d, ok := v.domains[domain]
	if !ok {
		handler(nil, newFaultError(FaultInvalidDomains, domain.String()))
		return
	}
	if len(d.jobs) >= v.cfg.MaxQueuedJobs {
		handler(nil, protocol.ErrBusy)
		return
	}
	d.jobs = append(d.jobs, &job{payload: payload, handler: handler})
	if d.state == Ready {
		v.flush(d)
	}
}

func (v *Vehicle) flush(d *domainSession) {
	jobs := d.jobs
	d.jobs = nil
	for _, j := range jobs {
		v.startJob(d, j)
	}
}

func (v *Vehicle) startJob(d *domainSession, j *job) {
	if d.session == nil || v.link == nil {
		d.jobs = append(d.jobs, j)
		return
	}
	from, err := v.newAddress()
	if err != nil {
		j.handler(nil, err)
		return
	}
	id := uuid.New()
	request := &RoutableMessage{
		To:    &Destination{Domain: d.domain},
		From:  &Destination{RoutingAddress: from[:]},
		UUID:  id[:],
		Flags: 1 << FlagEncryptResponse,
	}
	requestHash, err := d.session.encrypt(request, j.payload, v.cfg.CommandExpiry, v.now())
	if err != nil {
		j.handler(nil, err)
		return
	}
	var onResponse correlator.Handler[*RoutableMessage]
	onResponse = func(response *RoutableMessage, err error) {
		delete(d.inflight, from)
		if err != nil {
			j.handler(nil, err)
			return
		}
		if response.Status != nil && response.Status.OperationStatus == OperationStatusWait {
			// The vehicle sends the final result to the same address.
			if err := v.pending.Register(from, onResponse); err != nil {
				j.handler(nil, err)
				return
			}
			d.inflight[from] = j
			return
		}
		v.handleJobResponse(d, j, id[:], requestHash, response)
	}
	if err := v.pending.Register(from, onResponse); err != nil {
		j.handler(nil, err)
		return
	}
	d.inflight[from] = j
	if err := v.send(request.Marshal()); err != nil {
		v.pending.Cancel(from)
		delete(d.inflight, from)
		j.handler(nil, err)
	}
}

func (v *Vehicle) handleJobResponse(d *domainSession, j *job, requestUUID, requestHash []byte, response *RoutableMessage) {
	if fault := response.Fault(); fault != FaultNone {
		if fault.requiresResync() && !j.retried && v.resync(d, requestUUID, response) {
			v.log.Info("Resynchronized %s session after %s, retrying", d.domain, fault)
			j.retried = true
			v.startJob(d, j)
			return
		}
		j.handler(nil, newFaultError(fault, ""))
		return
	}
	if d.session == nil {
		j.handler(nil, protocol.ErrNotConnected)
		return
	}
	if response.Signature == nil || response.Signature.Response == nil {
		j.handler(response.Payload, nil)
		return
	}
	plaintext, err := d.session.decrypt(response, requestHash)
	if err != nil {
		j.handler(nil, err)
		return
	}
	j.handler(plaintext, nil)
}

// resync adopts authenticated session info attached to an error response.
func (v *Vehicle) resync(d *domainSession, challenge []byte, response *RoutableMessage) bool {
	if d.session == nil || response.SessionInfo == nil || response.Signature == nil || response.Signature.SessionInfoTag == nil {
		return false
	}
	if err := d.session.verify(challenge, response.SessionInfo, response.Signature.SessionInfoTag); err != nil {
		v.log.Warning("Ignoring session info: %s", err)
		return false
	}
	info, err := UnmarshalSessionInfo(response.SessionInfo)
	if err != nil {
		return false
	}
	if err := d.session.update(info, v.now()); err != nil {
		v.log.Warning("Ignoring session info: %s", err)
		return false
	}
	return true
}

var localNamePattern = regexp.MustCompile(`^S[0-9a-f]{16}[CDRP]$`)

// Classifier recognizes vehicles by the form of their local name. The VIN cannot be recovered
// from the name; use LocalName to check a specific vehicle.
func Classifier() scanner.Classifier {
	return scanner.Classifier{
		Family: "tesla",
		Match: func(ad *transport.Advertisement) (string, bool) {
			return "vehicle", localNamePattern.MatchString(ad.LocalName)
		},
	}
}
