package tesla

// File implements metadata serialization.
// Metadata is authenticated alongside every signed message. It is encoded as a sequence of
// (tag, length, value) triples in increasing tag order so that no two sets of metadata produce the
// same bytes.

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"hash"
)

type Tag uint8

const (
	TagSignatureType   Tag = 0
	TagDomain          Tag = 1
	TagPersonalization Tag = 2
	TagEpoch           Tag = 3
	TagExpiresAt       Tag = 4
	TagCounter         Tag = 5
	TagChallenge       Tag = 6
	TagFlags           Tag = 7
	TagRequestHash     Tag = 8
	TagFault           Tag = 9
	TagEnd             Tag = 255
)

var (
	errOutOfOrderMetadata = errors.New("metadata items need to be added in increasing tag order")

	// ErrMetadataFieldTooLong indicates an authenticated field (such as a VIN) is too long to be
	// compatible with the serialization format.
	ErrMetadataFieldTooLong = errors.New("metadata fields can't be more than 255 bytes long")
)

type metadata struct {
	context hash.Hash
	last    Tag
}

func newMetadata() *metadata {
	return newMetadataHash(sha256.New())
}

func newMetadataHash(context hash.Hash) *metadata {
	return &metadata{context: context}
}

// Add a (tag, value) pair. Nil values are skipped.
func (m *metadata) Add(tag Tag, value []byte) error {
	if tag < m.last {
		return errOutOfOrderMetadata
	}
	if value == nil {
		return nil
	}
	if len(value) > 255 {
		return ErrMetadataFieldTooLong
	}
	m.last = tag
	m.context.Write([]byte{byte(tag), byte(len(value))})
	m.context.Write(value)
	return nil
}

func (m *metadata) AddUint32(tag Tag, value uint32) error {
	var buffer [4]byte
	binary.BigEndian.PutUint32(buffer[:], value)
	return m.Add(tag, buffer[:])
}

// Checksum terminates the metadata and returns the digest of metadata and message.
func (m *metadata) Checksum(message []byte) []byte {
	m.context.Write([]byte{byte(TagEnd)})
	m.context.Write(message)
	return m.context.Sum(nil)
}
