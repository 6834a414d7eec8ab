package tesla

// File implements the subset of the vehicle's protobuf schema used over BLE. Messages are
// encoded field by field with protowire; unknown fields are skipped on decode.

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/streamlab/accessorylink/pkg/protocol"
)

const family = "tesla"

// Domain is a logical subsystem of the vehicle with its own session.
type Domain int32

const (
	DomainBroadcast       Domain = 0
	DomainVehicleSecurity Domain = 2
	DomainInfotainment    Domain = 3
)

func (d Domain) String() string {
	switch d {
	case DomainBroadcast:
		return "broadcast"
	case DomainVehicleSecurity:
		return "vcsec"
	case DomainInfotainment:
		return "infotainment"
	}
	return fmt.Sprintf("Domain(%d)", int32(d))
}

// Flags carried by a RoutableMessage, as bit positions.
const (
	FlagUserCommand     = 0
	FlagEncryptResponse = 1
)

type SignatureType uint8

const (
	SignatureTypeAESGCM             SignatureType = 0
	SignatureTypeAESGCMPersonalized SignatureType = 5
	SignatureTypeHMAC               SignatureType = 6
	SignatureTypeHMACPersonalized   SignatureType = 8
	SignatureTypeAESGCMResponse     SignatureType = 9
)

type OperationStatus int32

const (
	OperationStatusOK    OperationStatus = 0
	OperationStatusWait  OperationStatus = 1
	OperationStatusError OperationStatus = 2
)

type SessionInfoStatus int32

const (
	SessionInfoStatusOK                SessionInfoStatus = 0
	SessionInfoStatusKeyNotOnWhitelist SessionInfoStatus = 1
)

// Destination is either a Domain or a routing address.
type Destination struct {
	Domain         Domain
	RoutingAddress []byte
}

type SessionInfoRequest struct {
	PublicKey []byte
	Challenge []byte
}

type MessageStatus struct {
	OperationStatus OperationStatus
	Fault           MessageFault
}

// GCMRequestData authenticates an encrypted command.
type GCMRequestData struct {
	Epoch     []byte
	Nonce     []byte
	Counter   uint32
	ExpiresAt uint32
	Tag       []byte
}

// GCMResponseData authenticates an encrypted response.
type GCMResponseData struct {
	Nonce   []byte
	Counter uint32
	Tag     []byte
}

type SignatureData struct {
	SignerPublicKey []byte
	Request         *GCMRequestData
	Response        *GCMResponseData
	SessionInfoTag  []byte
}

// RoutableMessage is the envelope exchanged with the vehicle.
type RoutableMessage struct {
	To                 *Destination
	From               *Destination
	Payload            []byte
	Status             *MessageStatus
	Signature          *SignatureData
	SessionInfoRequest *SessionInfoRequest
	SessionInfo        []byte
	RequestUUID        []byte
	UUID               []byte
	Flags              uint32
}

// SessionInfo describes a vehicle domain's session state.
type SessionInfo struct {
	Counter   uint32
	PublicKey []byte
	Epoch     []byte
	ClockTime uint32
	Status    SessionInfoStatus
	Handle    uint32
}

const (
	fieldDestinationDomain  protowire.Number = 1
	fieldDestinationAddress protowire.Number = 2

	fieldSessionInfoRequestPublicKey protowire.Number = 1
	fieldSessionInfoRequestChallenge protowire.Number = 2

	fieldStatusOperation protowire.Number = 1
	fieldStatusFault     protowire.Number = 2

	fieldGCMEpoch     protowire.Number = 1
	fieldGCMNonce     protowire.Number = 2
	fieldGCMCounter   protowire.Number = 3
	fieldGCMExpiresAt protowire.Number = 4
	fieldGCMTag       protowire.Number = 5

	fieldGCMResponseNonce   protowire.Number = 1
	fieldGCMResponseCounter protowire.Number = 2
	fieldGCMResponseTag     protowire.Number = 3

	fieldKeyIdentityPublicKey protowire.Number = 1
	fieldHMACTag              protowire.Number = 1

	fieldSignatureSigner         protowire.Number = 1
	fieldSignatureGCMRequest     protowire.Number = 5
	fieldSignatureSessionInfoTag protowire.Number = 6
	fieldSignatureGCMResponse    protowire.Number = 9

	fieldRoutableTo                 protowire.Number = 6
	fieldRoutableFrom               protowire.Number = 7
	fieldRoutablePayload            protowire.Number = 10
	fieldRoutableStatus             protowire.Number = 12
	fieldRoutableSignature          protowire.Number = 13
	fieldRoutableSessionInfoRequest protowire.Number = 14
	fieldRoutableSessionInfo        protowire.Number = 15
	fieldRoutableRequestUUID        protowire.Number = 50
	fieldRoutableUUID               protowire.Number = 51
	fieldRoutableFlags              protowire.Number = 52

	fieldSessionInfoCounter   protowire.Number = 1
	fieldSessionInfoPublicKey protowire.Number = 2
	fieldSessionInfoEpoch     protowire.Number = 3
	fieldSessionInfoClockTime protowire.Number = 4
	fieldSessionInfoStatus    protowire.Number = 5
	fieldSessionInfoHandle    protowire.Number = 6
)

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessage always emits the field so that empty sub-messages still mark a oneof case.
func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// fieldFunc receives each field. value holds the payload of length-delimited fields and varint
// the value of varint fields.
type fieldFunc func(num protowire.Number, value []byte, varint uint64, isVarint bool) error

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protocol.NewFrameError(family, "%s", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protocol.NewFrameError(family, "field %d: %s", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, nil, v, true); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protocol.NewFrameError(family, "field %d: %s", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, 0, false); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protocol.NewFrameError(family, "field %d: %s", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (d *Destination) marshal() []byte {
	if d.RoutingAddress != nil {
		return appendMessage(nil, fieldDestinationAddress, d.RoutingAddress)
	}
	b := protowire.AppendTag(nil, fieldDestinationDomain, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(d.Domain))
}

func unmarshalDestination(b []byte) (*Destination, error) {
	d := &Destination{}
	err := walk(b, func(num protowire.Number, value []byte, varint uint64, isVarint bool) error {
		switch {
		case num == fieldDestinationDomain && isVarint:
			d.Domain = Domain(varint)
		case num == fieldDestinationAddress && !isVarint:
			d.RoutingAddress = clone(value)
		}
		return nil
	})
	return d, err
}

func (s *SignatureData) marshal() []byte {
	var b []byte
	if s.SignerPublicKey != nil {
		b = appendMessage(b, fieldSignatureSigner, appendBytes(nil, fieldKeyIdentityPublicKey, s.SignerPublicKey))
	}
	if r := s.Request; r != nil {
		var m []byte
		m = appendBytes(m, fieldGCMEpoch, r.Epoch)
		m = appendBytes(m, fieldGCMNonce, r.Nonce)
		m = appendVarint(m, fieldGCMCounter, uint64(r.Counter))
		m = appendVarint(m, fieldGCMExpiresAt, uint64(r.ExpiresAt))
		m = appendBytes(m, fieldGCMTag, r.Tag)
		b = appendMessage(b, fieldSignatureGCMRequest, m)
	}
	if s.SessionInfoTag != nil {
		b = appendMessage(b, fieldSignatureSessionInfoTag, appendBytes(nil, fieldHMACTag, s.SessionInfoTag))
	}
	if r := s.Response; r != nil {
		var m []byte
		m = appendBytes(m, fieldGCMResponseNonce, r.Nonce)
		m = appendVarint(m, fieldGCMResponseCounter, uint64(r.Counter))
		m = appendBytes(m, fieldGCMResponseTag, r.Tag)
		b = appendMessage(b, fieldSignatureGCMResponse, m)
	}
	return b
}

func unmarshalSignatureData(b []byte) (*SignatureData, error) {
	s := &SignatureData{}
	err := walk(b, func(num protowire.Number, value []byte, varint uint64, isVarint bool) error {
		if isVarint {
			return nil
		}
		switch num {
		case fieldSignatureSigner:
			return walk(value, func(num protowire.Number, value []byte, _ uint64, isVarint bool) error {
				if num == fieldKeyIdentityPublicKey && !isVarint {
					s.SignerPublicKey = clone(value)
				}
				return nil
			})
		case fieldSignatureGCMRequest:
			r := &GCMRequestData{}
			s.Request = r
			return walk(value, func(num protowire.Number, value []byte, varint uint64, isVarint bool) error {
				switch num {
				case fieldGCMEpoch:
					r.Epoch = clone(value)
				case fieldGCMNonce:
					r.Nonce = clone(value)
				case fieldGCMCounter:
					r.Counter = uint32(varint)
				case fieldGCMExpiresAt:
					r.ExpiresAt = uint32(varint)
				case fieldGCMTag:
					r.Tag = clone(value)
				}
				return nil
			})
		case fieldSignatureSessionInfoTag:
			return walk(value, func(num protowire.Number, value []byte, _ uint64, isVarint bool) error {
				if num == fieldHMACTag && !isVarint {
					s.SessionInfoTag = clone(value)
				}
				return nil
			})
		case fieldSignatureGCMResponse:
			r := &GCMResponseData{}
			s.Response = r
			return walk(value, func(num protowire.Number, value []byte, varint uint64, isVarint bool) error {
				switch num {
				case fieldGCMResponseNonce:
					r.Nonce = clone(value)
				case fieldGCMResponseCounter:
					r.Counter = uint32(varint)
				case fieldGCMResponseTag:
					r.Tag = clone(value)
				}
				return nil
			})
		}
		return nil
	})
	return s, err
}

// Marshal encodes m.
func (m *RoutableMessage) Marshal() []byte {
	var b []byte
	if m.To != nil {
		b = appendMessage(b, fieldRoutableTo, m.To.marshal())
	}
	if m.From != nil {
		b = appendMessage(b, fieldRoutableFrom, m.From.marshal())
	}
	if m.Payload != nil {
		b = appendMessage(b, fieldRoutablePayload, m.Payload)
	}
	if m.Status != nil {
		var s []byte
		s = appendVarint(s, fieldStatusOperation, uint64(m.Status.OperationStatus))
		s = appendVarint(s, fieldStatusFault, uint64(m.Status.Fault))
		b = appendMessage(b, fieldRoutableStatus, s)
	}
	if m.Signature != nil {
		b = appendMessage(b, fieldRoutableSignature, m.Signature.marshal())
	}
	if r := m.SessionInfoRequest; r != nil {
		var s []byte
		s = appendBytes(s, fieldSessionInfoRequestPublicKey, r.PublicKey)
		s = appendBytes(s, fieldSessionInfoRequestChallenge, r.Challenge)
		b = appendMessage(b, fieldRoutableSessionInfoRequest, s)
	}
	if m.SessionInfo != nil {
		b = appendMessage(b, fieldRoutableSessionInfo, m.SessionInfo)
	}
	b = appendBytes(b, fieldRoutableRequestUUID, m.RequestUUID)
	b = appendBytes(b, fieldRoutableUUID, m.UUID)
	b = appendVarint(b, fieldRoutableFlags, uint64(m.Flags))
	return b
}

// UnmarshalRoutableMessage decodes b. Errors match protocol.ErrMalformedFrame.
func UnmarshalRoutableMessage(b []byte) (*RoutableMessage, error) {
	m := &RoutableMessage{}
	err := walk(b, func(num protowire.Number, value []byte, varint uint64, isVarint bool) error {
		var err error
		if isVarint {
			if num == fieldRoutableFlags {
				m.Flags = uint32(varint)
			}
			return nil
		}
		switch num {
		case fieldRoutableTo:
			m.To, err = unmarshalDestination(value)
		case fieldRoutableFrom:
			m.From, err = unmarshalDestination(value)
		case fieldRoutablePayload:
			m.Payload = clone(value)
			if m.Payload == nil {
				m.Payload = []byte{}
			}
		case fieldRoutableStatus:
			status := &MessageStatus{}
			m.Status = status
			err = walk(value, func(num protowire.Number, _ []byte, varint uint64, isVarint bool) error {
				switch {
				case num == fieldStatusOperation && isVarint:
					status.OperationStatus = OperationStatus(varint)
				case num == fieldStatusFault && isVarint:
					status.Fault = MessageFault(varint)
				}
				return nil
			})
		case fieldRoutableSignature:
			m.Signature, err = unmarshalSignatureData(value)
		case fieldRoutableSessionInfoRequest:
			r := &SessionInfoRequest{}
			m.SessionInfoRequest = r
			err = walk(value, func(num protowire.Number, value []byte, _ uint64, isVarint bool) error {
				switch {
				case num == fieldSessionInfoRequestPublicKey && !isVarint:
					r.PublicKey = clone(value)
				case num == fieldSessionInfoRequestChallenge && !isVarint:
					r.Challenge = clone(value)
				}
				return nil
			})
		case fieldRoutableSessionInfo:
			m.SessionInfo = clone(value)
			if m.SessionInfo == nil {
				m.SessionInfo = []byte{}
			}
		case fieldRoutableRequestUUID:
			m.RequestUUID = clone(value)
		case fieldRoutableUUID:
			m.UUID = clone(value)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Fault returns the message fault reported by the vehicle, if any.
func (m *RoutableMessage) Fault() MessageFault {
	if m.Status == nil {
		return FaultNone
	}
	return m.Status.Fault
}

func (s *SessionInfo) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldSessionInfoCounter, uint64(s.Counter))
	b = appendBytes(b, fieldSessionInfoPublicKey, s.PublicKey)
	b = appendBytes(b, fieldSessionInfoEpoch, s.Epoch)
	b = appendVarint(b, fieldSessionInfoClockTime, uint64(s.ClockTime))
	b = appendVarint(b, fieldSessionInfoStatus, uint64(s.Status))
	b = appendVarint(b, fieldSessionInfoHandle, uint64(s.Handle))
	return b
}

func UnmarshalSessionInfo(b []byte) (*SessionInfo, error) {
	s := &SessionInfo{}
	err := walk(b, func(num protowire.Number, value []byte, varint uint64, isVarint bool) error {
		switch num {
		case fieldSessionInfoCounter:
			s.Counter = uint32(varint)
		case fieldSessionInfoPublicKey:
			s.PublicKey = clone(value)
		case fieldSessionInfoEpoch:
			s.Epoch = clone(value)
		case fieldSessionInfoClockTime:
			s.ClockTime = uint32(varint)
		case fieldSessionInfoStatus:
			s.Status = SessionInfoStatus(varint)
		case fieldSessionInfoHandle:
			s.Handle = uint32(varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
