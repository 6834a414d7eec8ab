package tesla

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"hash"
	"io"
	"time"

	"github.com/streamlab/accessorylink/pkg/protocol"
)

const (
	labelSessionInfo = "session info"
	epochLength      = 16
)

var errNotAuthenticated = errors.New("session info hmac invalid")

// session holds the authenticated state shared with one vehicle domain.
type session struct {
	domain       Domain
	vin          []byte
	localPublic  []byte
	remotePublic []byte
	key          []byte
	gcm          cipher.AEAD
	rand         io.Reader

	epoch    []byte
	counter  uint32
	setTime  uint32
	timeZero time.Time
	handle   uint32
	window   SlidingWindow
}

// newSession performs ECDH with the domain's public key and adopts the counter, epoch and clock
// from info.
func newSession(private *protocol.PrivateKey, domain Domain, vin []byte, info *SessionInfo, now time.Time, rng io.Reader) (*session, error) {
	if len(vin) > 255 {
		return nil, ErrMetadataFieldTooLong
	}
	key, err := private.SharedKey(info.PublicKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	s := &session{
		domain:       domain,
		vin:          vin,
		localPublic:  private.PublicBytes(),
		remotePublic: clone(info.PublicKey),
		key:          key,
		gcm:          gcm,
		rand:         rng,
		epoch:        clone(info.Epoch),
		counter:      info.Counter,
		setTime:      info.ClockTime,
		timeZero:     now.Add(-time.Duration(info.ClockTime) * time.Second),
		handle:       info.Handle,
	}
	return s, nil
}

func (s *session) subkey(label string) []byte {
	kdf := hmac.New(sha256.New, s.key)
	kdf.Write([]byte(label))
	return kdf.Sum(nil)
}

func (s *session) newHMAC(label string) hash.Hash {
	return hmac.New(sha256.New, s.subkey(label))
}

func (s *session) sessionInfoHMAC(challenge, encodedInfo []byte) ([]byte, error) {
	meta := newMetadataHash(s.newHMAC(labelSessionInfo))
	if err := meta.Add(TagSignatureType, []byte{byte(SignatureTypeHMAC)}); err != nil {
		return nil, err
	}
	if err := meta.Add(TagPersonalization, s.vin); err != nil {
		return nil, err
	}
	if err := meta.Add(TagChallenge, challenge); err != nil {
		return nil, err
	}
	return meta.Checksum(encodedInfo), nil
}

// verify checks the tag the vehicle attached to encodedInfo. The challenge is the UUID of the
// session info request.
func (s *session) verify(challenge, encodedInfo, tag []byte) error {
	valid, err := s.sessionInfoHMAC(challenge, encodedInfo)
	if err != nil {
		return err
	}
	if !hmac.Equal(valid, tag) {
		return newFaultError(FaultInvalidSignature, errNotAuthenticated.Error())
	}
	return nil
}

// update resyncs the session with fresh session info, e.g. after the vehicle rebooted.
func (s *session) update(info *SessionInfo, now time.Time) error {
	if !bytes.Equal(info.PublicKey, s.remotePublic) {
		return newFaultError(FaultUnknownKeyID, "public key in session info doesn't match session")
	}
	if !bytes.Equal(s.epoch, info.Epoch) || s.setTime <= info.ClockTime {
		if !bytes.Equal(s.epoch, info.Epoch) || s.counter < info.Counter {
			s.counter = info.Counter
		}
		if !bytes.Equal(s.epoch, info.Epoch) {
			s.window.Reset()
		}
		s.epoch = clone(info.Epoch)
		s.setTime = info.ClockTime
		s.timeZero = now.Add(-time.Duration(info.ClockTime) * time.Second)
	}
	s.handle = info.Handle
	return nil
}

func (s *session) requestMetadata(message *RoutableMessage, data *GCMRequestData) (*metadata, error) {
	meta := newMetadata()
	if err := meta.Add(TagSignatureType, []byte{byte(SignatureTypeAESGCMPersonalized)}); err != nil {
		return nil, err
	}
	if message.To == nil || message.To.RoutingAddress != nil {
		return nil, newFaultError(FaultInvalidDomains, "request must be addressed to a domain")
	}
	if err := meta.Add(TagDomain, []byte{byte(message.To.Domain)}); err != nil {
		return nil, err
	}
	if err := meta.Add(TagPersonalization, s.vin); err != nil {
		return nil, err
	}
	if err := meta.Add(TagEpoch, data.Epoch); err != nil {
		return nil, err
	}
	if err := meta.AddUint32(TagExpiresAt, data.ExpiresAt); err != nil {
		return nil, err
	}
	if err := meta.AddUint32(TagCounter, data.Counter); err != nil {
		return nil, err
	}
	if message.Flags > 0 {
		if err := meta.AddUint32(TagFlags, message.Flags); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

// encrypt sets message's payload to the encrypted plaintext and attaches the signature. It
// returns the request hash the vehicle binds its response to.
func (s *session) encrypt(message *RoutableMessage, plaintext []byte, expiresIn time.Duration, now time.Time) ([]byte, error) {
	if s.counter == 0xFFFFFFFF {
		return nil, newFaultError(FaultInvalidTokenOrCounter, "counter rollover")
	}
	s.counter++
	data := &GCMRequestData{
		Epoch:     clone(s.epoch),
		Counter:   s.counter,
		ExpiresAt: uint32(now.Add(expiresIn).Sub(s.timeZero) / time.Second),
	}
	meta, err := s.requestMetadata(message, data)
	if err != nil {
		return nil, err
	}
	data.Nonce = make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(s.rand, data.Nonce); err != nil {
		return nil, err
	}
	sealed := s.gcm.Seal(nil, data.Nonce, plaintext, meta.Checksum(nil))
	message.Payload = sealed[:len(plaintext)]
	data.Tag = sealed[len(plaintext):]
	message.Signature = &SignatureData{SignerPublicKey: clone(s.localPublic), Request: data}
	return append([]byte{byte(SignatureTypeAESGCMPersonalized)}, data.Tag...), nil
}

func (s *session) responseMetadata(response *RoutableMessage, requestHash []byte, counter uint32) (*metadata, error) {
	meta := newMetadata()
	if err := meta.Add(TagSignatureType, []byte{byte(SignatureTypeAESGCMResponse)}); err != nil {
		return nil, err
	}
	if response.From == nil || response.From.RoutingAddress != nil {
		return nil, newFaultError(FaultInvalidDomains, "response must come from a domain")
	}
	if err := meta.Add(TagDomain, []byte{byte(response.From.Domain)}); err != nil {
		return nil, err
	}
	if err := meta.Add(TagPersonalization, s.vin); err != nil {
		return nil, err
	}
	if err := meta.AddUint32(TagCounter, counter); err != nil {
		return nil, err
	}
	if err := meta.AddUint32(TagFlags, response.Flags); err != nil {
		return nil, err
	}
	if err := meta.Add(TagRequestHash, requestHash); err != nil {
		return nil, err
	}
	if err := meta.AddUint32(TagFault, uint32(response.Fault())); err != nil {
		return nil, err
	}
	return meta, nil
}

// decrypt authenticates and decrypts an encrypted response to the request identified by
// requestHash. Replayed counters are rejected.
func (s *session) decrypt(response *RoutableMessage, requestHash []byte) ([]byte, error) {
	if response.Signature == nil || response.Signature.Response == nil {
		return nil, newFaultError(FaultInvalidSignature, "response is not encrypted")
	}
	data := response.Signature.Response
	meta, err := s.responseMetadata(response, requestHash, data.Counter)
	if err != nil {
		return nil, err
	}
	if len(data.Nonce) != s.gcm.NonceSize() {
		return nil, newFaultError(FaultIVIncorrectLength, "")
	}
	sealed := make([]byte, 0, len(response.Payload)+len(data.Tag))
	sealed = append(sealed, response.Payload...)
	sealed = append(sealed, data.Tag...)
	plaintext, err := s.gcm.Open(nil, data.Nonce, sealed, meta.Checksum(nil))
	if err != nil {
		return nil, newFaultError(FaultInvalidSignature, err.Error())
	}
	if !s.window.Update(data.Counter) {
		return nil, newFaultError(FaultInvalidTokenOrCounter, "replayed response")
	}
	return plaintext, nil
}
