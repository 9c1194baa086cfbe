// Package fragment splits oversized mesh frames into link-sized fragment
// packets and reassembles them on the receiving side.
package fragment

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

const (
	// FragmentIDSize is the size of the random per-frame fragment ID
	FragmentIDSize = 8

	// EnvelopeHeaderSize is fragmentID(8) + index(2) + total(2) + originalType(1)
	EnvelopeHeaderSize = FragmentIDSize + 2 + 2 + 1

	// MaxTotal is the largest fragment count the 2-byte total can carry
	MaxTotal = 0xFFFF
)

var (
	ErrInvalidChunkSize  = errors.New("chunk size must be positive")
	ErrTooManyFragments  = errors.New("too many fragments")
	ErrMalformedEnvelope = errors.New("malformed fragment envelope")
)

// FragmentID identifies all fragments of one original frame
type FragmentID [FragmentIDSize]byte

// NewFragmentID generates a random fragment ID
func NewFragmentID() (FragmentID, error) {
	var id FragmentID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// Envelope is the payload of a fragment packet
type Envelope struct {
	FragmentID   FragmentID
	Index        uint16
	Total        uint16
	OriginalType protocol.MessageType
	Chunk        []byte
}

// Encode encodes the envelope to bytes
func (e *Envelope) Encode() []byte {
	buf := make([]byte, EnvelopeHeaderSize+len(e.Chunk))
	offset := 0

	copy(buf[offset:], e.FragmentID[:])
	offset += FragmentIDSize

	binary.BigEndian.PutUint16(buf[offset:], e.Index)
	offset += 2

	binary.BigEndian.PutUint16(buf[offset:], e.Total)
	offset += 2

	buf[offset] = uint8(e.OriginalType)
	offset++

	copy(buf[offset:], e.Chunk)

	return buf
}

// DecodeEnvelope decodes an envelope. The chunk is copied out of buf.
func DecodeEnvelope(buf []byte) (*Envelope, error) {
	if len(buf) < EnvelopeHeaderSize {
		return nil, ErrMalformedEnvelope
	}

	e := &Envelope{}
	offset := 0

	copy(e.FragmentID[:], buf[offset:offset+FragmentIDSize])
	offset += FragmentIDSize

	e.Index = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	e.Total = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	e.OriginalType = protocol.MessageType(buf[offset])
	offset++

	e.Chunk = make([]byte, len(buf)-offset)
	copy(e.Chunk, buf[offset:])

	return e, nil
}

// Validate checks the envelope's index, total and original type
func (e *Envelope) Validate() error {
	if e.Total == 0 || e.Index >= e.Total {
		return ErrMalformedEnvelope
	}
	// Fragments never nest
	if !e.OriginalType.IsValid() || e.OriginalType == protocol.MsgTypeFragment {
		return ErrMalformedEnvelope
	}
	return nil
}
