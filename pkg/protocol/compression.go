package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// CompressionThreshold is the payload size above which compression is tried
const CompressionThreshold = 100

// compressPayload returns [originalSize:2][zlib data] when that is smaller
// than the payload itself
func compressPayload(payload []byte) ([]byte, bool) {
	if len(payload) <= CompressionThreshold || len(payload) > MaxPayloadSize {
		return nil, false
	}

	var buf bytes.Buffer
	buf.Write([]byte{0, 0})
	binary.BigEndian.PutUint16(buf.Bytes()[0:2], uint16(len(payload)))

	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}

	if buf.Len() >= len(payload) {
		return nil, false
	}
	return buf.Bytes(), true
}

// decompress inflates data and requires exactly originalSize bytes out
func decompress(data []byte, originalSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	defer r.Close()

	// One byte past the declared size is enough to detect an overrun
	out, err := io.ReadAll(io.LimitReader(r, int64(originalSize)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	if len(out) != originalSize {
		return nil, fmt.Errorf("%w: size %d, declared %d", ErrDecompression, len(out), originalSize)
	}
	return out, nil
}
