package noise

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ProtocolName is the full Noise protocol name. At 32 bytes it is used as the
// initial handshake hash without hashing.
const ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

const (
	hashLen = sha256.Size
	tagSize = chacha20poly1305.Overhead
)

var errDecrypt = errors.New("authentication failed")

// seal encrypts with the Noise ChaChaPoly nonce layout: 4 zero bytes then
// the counter little-endian. The AEAD is built per call so the only
// long-lived copy of the key is the caller's array.
func seal(k *[KeySize]byte, n uint64, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], n)
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

func open(k *[KeySize]byte, n uint64, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], n)
	pt, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, errDecrypt
	}
	return pt, nil
}

// hkdf2 is the two-output Noise HKDF with chaining key ck
func hkdf2(ck [hashLen]byte, ikm []byte) (out1, out2 [hashLen]byte, err error) {
	r := hkdf.New(sha256.New, ikm, ck[:], nil)
	if _, err = io.ReadFull(r, out1[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, out2[:])
	return
}

type cipherState struct {
	k      [KeySize]byte
	hasKey bool
	n      uint64
}

func (c *cipherState) initializeKey(k [KeySize]byte) {
	c.k = k
	c.hasKey = true
	c.n = 0
}

func (c *cipherState) encryptWithAd(ad, plaintext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte(nil), plaintext...), nil
	}
	if c.n == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	ct, err := seal(&c.k, c.n, ad, plaintext)
	if err != nil {
		return nil, err
	}
	c.n++
	return ct, nil
}

func (c *cipherState) decryptWithAd(ad, ciphertext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte(nil), ciphertext...), nil
	}
	if c.n == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	pt, err := open(&c.k, c.n, ad, ciphertext)
	if err != nil {
		return nil, err
	}
	c.n++
	return pt, nil
}

type symmetricState struct {
	cs cipherState
	ck [hashLen]byte
	h  [hashLen]byte
}

func newSymmetricState() symmetricState {
	var s symmetricState
	copy(s.h[:], ProtocolName)
	s.ck = s.h
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(s.h[:])
	h.Write(data)
	h.Sum(s.h[:0])
}

func (s *symmetricState) mixKey(ikm []byte) error {
	ck, k, err := hkdf2(s.ck, ikm)
	if err != nil {
		return err
	}
	s.ck = ck
	s.cs.initializeKey(k)
	return nil
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	ct, err := s.cs.encryptWithAd(s.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	pt, err := s.cs.decryptWithAd(s.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return pt, nil
}

// split returns the initiator-to-responder and responder-to-initiator keys
func (s *symmetricState) split() (c1, c2 [KeySize]byte, err error) {
	return hkdf2(s.ck, nil)
}

func (s *symmetricState) zero() {
	*s = symmetricState{}
}
