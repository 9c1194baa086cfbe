package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Protocol constants
const (
	// Supported wire versions
	Version1 uint8 = 1
	Version2 uint8 = 2

	// HeaderSize is version(1) + type(1) + ttl(1) + timestamp(8) + flags(1) + payloadLength(2)
	HeaderSize = 14

	// IDSize is the wire width of sender, recipient and route hop identifiers
	IDSize = 8

	// SignatureSize is the size of an Ed25519 signature
	SignatureSize = 64

	// MaxPayloadSize is the largest payload the 2-byte length field can carry
	MaxPayloadSize = 0xFFFF

	// MaxRouteHops is the largest route the 1-byte hop count can carry
	MaxRouteHops = 0xFF

	// DefaultTTL is the hop budget given to locally originated packets
	DefaultTTL uint8 = 7
)

// MessageType is the packet discriminator. The set is closed: decode rejects
// any value not listed here.
type MessageType uint8

// Message types
const (
	// Presence (0x0x)
	MsgTypeAnnounce MessageType = 0x01
	MsgTypeMessage  MessageType = 0x02
	MsgTypeLeave    MessageType = 0x03

	// Noise (0x1x)
	MsgTypeNoiseHandshake MessageType = 0x10
	MsgTypeNoiseEncrypted MessageType = 0x11

	// Transfer (0x2x)
	MsgTypeFragment     MessageType = 0x20
	MsgTypeRequestSync  MessageType = 0x21
	MsgTypeFileTransfer MessageType = 0x22
)

// IsValid reports whether t is a known message type.
func (t MessageType) IsValid() bool {
	switch t {
	case MsgTypeAnnounce, MsgTypeMessage, MsgTypeLeave,
		MsgTypeNoiseHandshake, MsgTypeNoiseEncrypted,
		MsgTypeFragment, MsgTypeRequestSync, MsgTypeFileTransfer:
		return true
	}
	return false
}

func (t MessageType) String() string {
	switch t {
	case MsgTypeAnnounce:
		return "announce"
	case MsgTypeMessage:
		return "message"
	case MsgTypeLeave:
		return "leave"
	case MsgTypeNoiseHandshake:
		return "noise-handshake"
	case MsgTypeNoiseEncrypted:
		return "noise-encrypted"
	case MsgTypeFragment:
		return "fragment"
	case MsgTypeRequestSync:
		return "request-sync"
	case MsgTypeFileTransfer:
		return "file-transfer"
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// Flags
const (
	FlagHasRecipient uint8 = 0x01 // Recipient ID follows sender ID
	FlagHasSignature uint8 = 0x02 // 64-byte signature trails the payload
	FlagIsCompressed uint8 = 0x04 // Payload is zlib compressed with a 2-byte size prefix
	FlagHasRoute     uint8 = 0x08 // Route follows recipient (version 2 only)
)

// BroadcastID is the all-ones recipient used for mesh-wide delivery
var BroadcastID = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ===== HELPER FUNCTIONS =====

// NormalizeID returns id at the fixed wire width: longer ids keep their first
// IDSize bytes, shorter ids are right-padded with zeros.
func NormalizeID(id []byte) []byte {
	out := make([]byte, IDSize)
	copy(out, id)
	return out
}

// IsBroadcast checks if a recipient addresses the whole mesh
func IsBroadcast(recipient []byte) bool {
	if len(recipient) == 0 {
		return true
	}
	id := NormalizeID(recipient)
	for _, b := range id {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// PeerIDFromUint64 builds an 8-byte identifier from an integer
func PeerIDFromUint64(v uint64) []byte {
	id := make([]byte, IDSize)
	binary.BigEndian.PutUint64(id, v)
	return id
}

// NowUnixMilli returns current time in Unix milliseconds
func NowUnixMilli() uint64 {
	return uint64(time.Now().UnixMilli())
}
