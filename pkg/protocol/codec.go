package protocol

import (
	"encoding/binary"
)

const knownFlags = FlagHasRecipient | FlagHasSignature | FlagIsCompressed | FlagHasRoute

// Encode encodes a packet to its wire frame. When padding is set and the
// frame fits in the largest bucket it is padded to a bucket boundary.
func Encode(p *Packet, padding bool) ([]byte, error) {
	return encode(p, padding, true)
}

func encode(p *Packet, padding bool, allowCompression bool) ([]byte, error) {
	if p == nil {
		return nil, &EncodingError{Err: ErrNilPacket}
	}
	if p.Version != Version1 && p.Version != Version2 {
		return nil, &EncodingError{Field: "version", Err: ErrInvalidVersion}
	}
	if !p.Type.IsValid() {
		return nil, &EncodingError{Field: "type", Err: ErrInvalidType}
	}
	if len(p.Signature) != 0 && len(p.Signature) != SignatureSize {
		return nil, &EncodingError{Field: "signature", Err: ErrInvalidSignature}
	}

	var flags uint8
	payload := p.Payload
	if allowCompression {
		if compressed, ok := compressPayload(payload); ok {
			payload = compressed
			flags |= FlagIsCompressed
		}
	}
	if len(payload) > MaxPayloadSize {
		return nil, &EncodingError{Field: "payload", Err: ErrPayloadTooLarge}
	}

	hasRecipient := len(p.RecipientID) > 0
	// Version 1 has no route field; a route set on it is dropped.
	hasRoute := p.Version >= Version2 && len(p.Route) > 0
	if hasRoute && len(p.Route) > MaxRouteHops {
		return nil, &EncodingError{Field: "route", Err: ErrRouteTooLong}
	}

	if hasRecipient {
		flags |= FlagHasRecipient
	}
	if len(p.Signature) > 0 {
		flags |= FlagHasSignature
	}
	if hasRoute {
		flags |= FlagHasRoute
	}

	size := HeaderSize + IDSize + len(payload)
	if hasRecipient {
		size += IDSize
	}
	if hasRoute {
		size += 1 + len(p.Route)*IDSize
	}
	size += len(p.Signature)

	buf := make([]byte, size, max(size, MaxPaddedSize))
	offset := 0

	buf[offset] = p.Version
	offset++

	buf[offset] = uint8(p.Type)
	offset++

	buf[offset] = p.TTL
	offset++

	binary.BigEndian.PutUint64(buf[offset:], p.Timestamp)
	offset += 8

	buf[offset] = flags
	offset++

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(payload)))
	offset += 2

	copy(buf[offset:offset+IDSize], NormalizeID(p.SenderID))
	offset += IDSize

	if hasRecipient {
		copy(buf[offset:offset+IDSize], NormalizeID(p.RecipientID))
		offset += IDSize
	}

	if hasRoute {
		buf[offset] = uint8(len(p.Route))
		offset++
		for _, hop := range p.Route {
			copy(buf[offset:offset+IDSize], NormalizeID(hop))
			offset += IDSize
		}
	}

	copy(buf[offset:], payload)
	offset += len(payload)

	copy(buf[offset:], p.Signature)

	if padding {
		buf = Pad(buf)
	}

	return buf, nil
}

// Decode decodes a wire frame. It returns nil for any frame that is short,
// malformed, of an unsupported version or inconsistently padded.
func Decode(data []byte) *Packet {
	p, err := DecodeErr(data)
	if err != nil {
		return nil
	}
	return p
}

// DecodeErr is Decode with the rejection reason
func DecodeErr(data []byte) (*Packet, error) {
	r := &frameReader{buf: data}

	header, ok := r.next(HeaderSize)
	if !ok {
		return nil, ErrTruncated
	}

	p := &Packet{
		Version: header[0],
		Type:    MessageType(header[1]),
		TTL:     header[2],
	}
	if p.Version != Version1 && p.Version != Version2 {
		return nil, ErrInvalidVersion
	}
	if !p.Type.IsValid() {
		return nil, ErrInvalidType
	}
	p.Timestamp = binary.BigEndian.Uint64(header[3:11])
	flags := header[11]
	payloadLen := int(binary.BigEndian.Uint16(header[12:14]))

	if flags&^knownFlags != 0 {
		return nil, ErrInvalidFlags
	}
	if flags&FlagHasRoute != 0 && p.Version < Version2 {
		return nil, ErrInvalidFlags
	}

	sender, ok := r.next(IDSize)
	if !ok {
		return nil, ErrTruncated
	}
	p.SenderID = cloneBytes(sender)

	if flags&FlagHasRecipient != 0 {
		recipient, ok := r.next(IDSize)
		if !ok {
			return nil, ErrTruncated
		}
		p.RecipientID = cloneBytes(recipient)
	}

	if flags&FlagHasRoute != 0 {
		count, ok := r.byte()
		if !ok {
			return nil, ErrTruncated
		}
		if count > 0 {
			p.Route = make([][]byte, 0, count)
		}
		for i := 0; i < int(count); i++ {
			hop, ok := r.next(IDSize)
			if !ok {
				return nil, ErrTruncated
			}
			p.Route = append(p.Route, cloneBytes(hop))
		}
	}

	payload, ok := r.next(payloadLen)
	if !ok {
		return nil, ErrTruncated
	}
	if flags&FlagIsCompressed != 0 {
		if len(payload) < 2 {
			return nil, ErrTruncated
		}
		originalSize := int(binary.BigEndian.Uint16(payload[0:2]))
		decompressed, err := decompress(payload[2:], originalSize)
		if err != nil {
			return nil, err
		}
		p.Payload = decompressed
	} else {
		p.Payload = cloneBytes(payload)
	}

	if flags&FlagHasSignature != 0 {
		sig, ok := r.next(SignatureSize)
		if !ok {
			return nil, ErrTruncated
		}
		p.Signature = cloneBytes(sig)
	}

	if r.remaining() > 0 {
		if !validPadding(data, r.off) {
			return nil, ErrInvalidPadding
		}
	}

	return p, nil
}

// frameReader hands out bounds-checked slices of a frame
type frameReader struct {
	buf []byte
	off int
}

func (r *frameReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *frameReader) next(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *frameReader) byte() (uint8, bool) {
	b, ok := r.next(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}
