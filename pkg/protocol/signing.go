package protocol

import (
	"crypto/ed25519"
)

// SigningBytes returns the canonical bytes a packet signature covers: the
// unpadded, uncompressed frame with TTL zeroed and no signature. Relays
// decrement TTL, so it cannot be part of what the originator signs.
func SigningBytes(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, &EncodingError{Err: ErrNilPacket}
	}
	c := *p
	c.TTL = 0
	c.Signature = nil
	return encode(&c, false, false)
}

// Sign signs the packet in place
func Sign(p *Packet, key ed25519.PrivateKey) error {
	msg, err := SigningBytes(p)
	if err != nil {
		return err
	}
	p.Signature = ed25519.Sign(key, msg)
	return nil
}

// Verify checks the packet signature against the sender's public key
func Verify(p *Packet, key ed25519.PublicKey) bool {
	if p == nil || len(p.Signature) != SignatureSize || len(key) != ed25519.PublicKeySize {
		return false
	}
	msg, err := SigningBytes(p)
	if err != nil {
		return false
	}
	return ed25519.Verify(key, msg, p.Signature)
}
