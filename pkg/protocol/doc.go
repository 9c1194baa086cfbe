// Package protocol implements the ZenTalk mesh wire format.
//
// The protocol package defines the packet type set, the binary frame layout,
// and the encode/decode contract shared by every node on the mesh.
//
// # Frame Format
//
// Every frame starts with a 14-byte header:
//   - Version (1 byte): 1 or 2
//   - Type (1 byte): message type
//   - TTL (1 byte): hops remaining
//   - Timestamp (8 bytes): Unix milliseconds
//   - Flags (1 byte): optional fields present, compression
//   - PayloadLength (2 bytes): length of the payload field
//
// The header is followed by:
//   - SenderID (8 bytes)
//   - RecipientID (8 bytes, FlagHasRecipient)
//   - Route (FlagHasRoute, version 2 only): hop count (1 byte) + 8 bytes per hop
//   - Payload (PayloadLength bytes)
//   - Signature (64 bytes, FlagHasSignature)
//
// All integers are big-endian. Identifiers are fixed at 8 bytes: shorter ids
// are right-padded with zeros, longer ones keep their first 8 bytes.
//
// # Compression
//
// Payloads over CompressionThreshold bytes are zlib compressed when that makes
// them smaller. A compressed payload field is [originalSize:2][zlib data].
//
// # Padding
//
// Frames up to 2048 bytes may be padded to 256, 512, 1024 or 2048 bytes to
// resist length analysis. Each pad byte is the low byte of the pad length.
//
// # Decoding
//
// Decode is the attack surface of the mesh: every frame comes from an
// untrusted neighbour. It never panics and never reads past the buffer; any
// inconsistency yields nil.
//
//	frame, err := protocol.Encode(pkt, true)
//	if err != nil {
//	    return err
//	}
//	decoded := protocol.Decode(frame)
//	if decoded == nil {
//	    // drop
//	}
package protocol
