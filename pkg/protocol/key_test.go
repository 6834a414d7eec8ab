package protocol

import (
	"bytes"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"
)

func TestSharedKeyAgreement(t *testing.T) {
	alice, err := GeneratePrivateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GeneratePrivateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	k1, err := alice.SharedKey(bob.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	k2, err := bob.SharedKey(alice.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(k1) != SharedKeySizeBytes || !bytes.Equal(k1, k2) {
		t.Errorf("shared keys differ: %02x vs %02x", k1, k2)
	}
	if len(alice.PublicBytes()) != 65 || alice.PublicBytes()[0] != 0x04 {
		t.Errorf("public key not in uncompressed form: %02x", alice.PublicBytes())
	}
}

func TestSharedKeyRejectsInvalidPoint(t *testing.T) {
	key, err := GeneratePrivateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	bad := make([]byte, 65)
	bad[0] = 0x04
	if _, err := key.SharedKey(bad); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestSaveAndLoadPrivateKey(t *testing.T) {
	key, err := GeneratePrivateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	filename := filepath.Join(t.TempDir(), "vehicle.pem")
	if err := SavePrivateKey(key, filename); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadPrivateKey(filename)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(loaded.PublicBytes(), key.PublicBytes()) {
		t.Error("loaded key does not match saved key")
	}

	restored, err := UnmarshalPrivateKey(key.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored.PublicBytes(), key.PublicBytes()) {
		t.Error("unmarshalled key does not match original")
	}
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePrivateKeyPEM([]byte("not a pem")); !errors.Is(err, ErrInvalidPrivateKey) {
		t.Errorf("expected ErrInvalidPrivateKey, got %v", err)
	}
}
