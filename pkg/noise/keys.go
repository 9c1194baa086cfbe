package noise

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of X25519 public and private keys
const KeySize = curve25519.ScalarSize

// KeyPair is an X25519 key pair
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a key pair from crypto/rand
func GenerateKeyPair() (KeyPair, error) {
	return generateKeyPair(rand.Reader)
}

// NewKeyPair derives the key pair for an existing private key
func NewKeyPair(private []byte) (KeyPair, error) {
	if len(private) != KeySize {
		return KeyPair{}, fmt.Errorf("invalid private key length: %d", len(private))
	}

	var kp KeyPair
	copy(kp.Private[:], private)

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Zero clears the private key
func (kp *KeyPair) Zero() {
	kp.Private = [KeySize]byte{}
}

func generateKeyPair(rng io.Reader) (KeyPair, error) {
	var priv [KeySize]byte
	if _, err := io.ReadFull(rng, priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("failed to read random key: %w", err)
	}
	kp, err := NewKeyPair(priv[:])
	priv = [KeySize]byte{}
	return kp, err
}

func dh(private, public [KeySize]byte) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, fmt.Errorf("DH failed: %w", err)
	}
	return shared, nil
}
