package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrNilPacket        = errors.New("nil packet")
	ErrInvalidVersion   = errors.New("unsupported protocol version")
	ErrInvalidType      = errors.New("unknown message type")
	ErrInvalidFlags     = errors.New("invalid flags")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrRouteTooLong     = errors.New("route too long")
	ErrInvalidSignature = errors.New("invalid signature length")
	ErrTruncated        = errors.New("frame truncated")
	ErrInvalidPadding   = errors.New("invalid padding")
	ErrDecompression    = errors.New("decompression failed")
)

// EncodingError is returned by Encode when a packet cannot be put on the wire
type EncodingError struct {
	Field string
	Err   error
}

func (e *EncodingError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("encode packet: %v", e.Err)
	}
	return fmt.Sprintf("encode packet %s: %v", e.Field, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// Packet is the unit of the mesh wire protocol
type Packet struct {
	Version     uint8       // Wire version (1 or 2)
	Type        MessageType // Payload discriminator
	TTL         uint8       // Hops remaining
	Timestamp   uint64      // Unix timestamp (ms)
	SenderID    []byte      // Originator (8 bytes on the wire)
	RecipientID []byte      // Optional: directed recipient (8 bytes on the wire)
	Payload     []byte      // Type-specific payload
	Signature   []byte      // Optional: Ed25519 signature
	Route       [][]byte    // Optional: source route, version 2 only
}

// NewPacket creates a version 1 packet with the default TTL and current time
func NewPacket(msgType MessageType, sender []byte, payload []byte) *Packet {
	return &Packet{
		Version:   Version1,
		Type:      msgType,
		TTL:       DefaultTTL,
		Timestamp: NowUnixMilli(),
		SenderID:  NormalizeID(sender),
		Payload:   payload,
	}
}

// IsDirected reports whether the packet names a single recipient
func (p *Packet) IsDirected() bool {
	return len(p.RecipientID) > 0 && !IsBroadcast(p.RecipientID)
}

// Clone returns a deep copy of the packet
func (p *Packet) Clone() *Packet {
	c := *p
	c.SenderID = cloneBytes(p.SenderID)
	c.RecipientID = cloneBytes(p.RecipientID)
	c.Payload = cloneBytes(p.Payload)
	c.Signature = cloneBytes(p.Signature)
	if p.Route != nil {
		c.Route = make([][]byte, len(p.Route))
		for i, hop := range p.Route {
			c.Route[i] = cloneBytes(hop)
		}
	}
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
