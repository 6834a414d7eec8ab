package protocol

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
)

// SharedKeySizeBytes is the length of the symmetric key derived from an ECDH exchange.
const SharedKeySizeBytes = 16

var (
	ErrInvalidPrivateKey = errors.New("invalid private key")
	// ErrInvalidPublicKey indicates a peer presented a key that is not an uncompressed NIST-P256
	// curve point.
	ErrInvalidPublicKey = NewError("invalid public key", false, false)
)

// PrivateKey is a NIST-P256 key used to authenticate with accessories that run a secure session,
// such as a vehicle's BLE interface.
type PrivateKey struct {
	key *ecdh.PrivateKey
}

// GeneratePrivateKey creates a new key using entropy from rng.
func GeneratePrivateKey(rng io.Reader) (*PrivateKey, error) {
	key, err := ecdh.P256().GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key}, nil
}

// UnmarshalPrivateKey restores a key from its raw 32-byte scalar, as stored in a keyring.
func UnmarshalPrivateKey(scalar []byte) (*PrivateKey, error) {
	key, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrivateKey, err)
	}
	return &PrivateKey{key: key}, nil
}

// ParsePrivateKeyPEM accepts SEC1 ("EC PRIVATE KEY") and unencrypted PKCS8 ("PRIVATE KEY") blocks.
func ParsePrivateKeyPEM(data []byte) (*PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: expected PEM encoding", ErrInvalidPrivateKey)
	}

	var ecdsaKey *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ecdsaKey = key
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *ecdsa.PrivateKey:
			ecdsaKey = k
		case *ecdh.PrivateKey:
			if k.Curve() != ecdh.P256() {
				return nil, fmt.Errorf("%w: only NIST-P256 keys supported", ErrInvalidPrivateKey)
			}
			return &PrivateKey{key: k}, nil
		default:
			return nil, fmt.Errorf("%w: only elliptic curve keys supported", ErrInvalidPrivateKey)
		}
	default:
		return nil, fmt.Errorf("%w: unrecognized PEM block type %s", ErrInvalidPrivateKey, block.Type)
	}

	key, err := ecdsaKey.ECDH()
	if err != nil {
		return nil, err
	}
	if key.Curve() != ecdh.P256() {
		return nil, fmt.Errorf("%w: only NIST-P256 keys supported", ErrInvalidPrivateKey)
	}
	return &PrivateKey{key: key}, nil
}

// LoadPrivateKey loads a P256 EC private key from a PEM file.
func LoadPrivateKey(filename string) (*PrivateKey, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(data)
}

// MarshalPEM encodes the key as an unencrypted PKCS8 PEM block.
func (k *PrivateKey) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func SavePrivateKey(k *PrivateKey, filename string) error {
	encoded, err := k.MarshalPEM()
	if err != nil {
		return err
	}
	return os.WriteFile(filename, encoded, 0600)
}

// Bytes returns the raw private scalar.
func (k *PrivateKey) Bytes() []byte {
	return k.key.Bytes()
}

// PublicBytes returns the uncompressed public curve point (0x04 || X || Y).
func (k *PrivateKey) PublicBytes() []byte {
	return k.key.PublicKey().Bytes()
}

// SharedKey performs ECDH with the peer's uncompressed public point and returns the first 16 bytes
// of SHA1 over the shared X coordinate.
func (k *PrivateKey) SharedKey(remotePublic []byte) ([]byte, error) {
	remote, err := ecdh.P256().NewPublicKey(remotePublic)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	secret, err := k.key.ECDH(remote)
	if err != nil {
		return nil, err
	}
	digest := sha1.Sum(secret)
	return digest[:SharedKeySizeBytes], nil
}
