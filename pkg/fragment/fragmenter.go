package fragment

import (
	"fmt"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// Fragment encodes p once, unpadded, and splits the frame into fragment
// packets carrying at most maxChunkSize bytes of it each. Every fragment keeps
// p's version, sender, recipient, TTL and timestamp.
func Fragment(p *protocol.Packet, maxChunkSize int) ([]*protocol.Packet, error) {
	if maxChunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if p == nil {
		return nil, protocol.ErrNilPacket
	}
	if p.Type == protocol.MsgTypeFragment {
		return nil, fmt.Errorf("cannot fragment a fragment: %w", ErrMalformedEnvelope)
	}

	frame, err := protocol.Encode(p, false)
	if err != nil {
		return nil, err
	}

	total := (len(frame) + maxChunkSize - 1) / maxChunkSize
	if total > MaxTotal {
		return nil, fmt.Errorf("%w: %d", ErrTooManyFragments, total)
	}

	id, err := NewFragmentID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate fragment ID: %w", err)
	}

	fragments := make([]*protocol.Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxChunkSize
		end := min(start+maxChunkSize, len(frame))

		env := &Envelope{
			FragmentID:   id,
			Index:        uint16(i),
			Total:        uint16(total),
			OriginalType: p.Type,
			Chunk:        frame[start:end],
		}

		fp := &protocol.Packet{
			Version:   p.Version,
			Type:      protocol.MsgTypeFragment,
			TTL:       p.TTL,
			Timestamp: p.Timestamp,
			SenderID:  protocol.NormalizeID(p.SenderID),
			Payload:   env.Encode(),
		}
		if len(p.RecipientID) > 0 {
			fp.RecipientID = protocol.NormalizeID(p.RecipientID)
		}
		fragments = append(fragments, fp)
	}

	return fragments, nil
}

// ChunkSizeForMTU returns the largest chunk whose fragment packet still fits
// in one link transmission of mtu bytes
func ChunkSizeForMTU(mtu int, directed bool) int {
	overhead := protocol.HeaderSize + protocol.IDSize + EnvelopeHeaderSize
	if directed {
		overhead += protocol.IDSize
	}
	return mtu - overhead
}
