package protocol

// Padding buckets. Frames are padded up to the smallest bucket that holds
// them so observers only learn one of four sizes.
const (
	BucketSize256  = 256
	BucketSize512  = 512
	BucketSize1024 = 1024
	BucketSize2048 = 2048

	// MaxPaddedSize is the largest frame that gets padded
	MaxPaddedSize = BucketSize2048
)

// PaddingBuckets lists the bucket sizes in ascending order
var PaddingBuckets = []int{BucketSize256, BucketSize512, BucketSize1024, BucketSize2048}

// OptimalBlockSize returns the bucket a frame of length n pads to, or n when
// the frame is too large to pad
func OptimalBlockSize(n int) int {
	for _, size := range PaddingBuckets {
		if n <= size {
			return size
		}
	}
	return n
}

// Pad pads frame to its bucket. Every pad byte holds the low byte of the pad
// length, PKCS#7 style. The frame's own length fields say where the padding
// starts, so pads longer than 255 bytes stay unambiguous.
func Pad(frame []byte) []byte {
	target := OptimalBlockSize(len(frame))
	padLen := target - len(frame)
	if padLen <= 0 {
		return frame
	}

	padded := append(frame, make([]byte, padLen)...)
	fill := byte(padLen)
	for i := len(frame); i < target; i++ {
		padded[i] = fill
	}
	return padded
}

// validPadding checks that frame[end:] is a well-formed pad block for a frame
// whose content ends at end
func validPadding(frame []byte, end int) bool {
	if end < 0 || end >= len(frame) {
		return false
	}
	if len(frame) > MaxPaddedSize || OptimalBlockSize(end) != len(frame) {
		return false
	}

	padLen := len(frame) - end
	fill := byte(padLen)
	for _, b := range frame[end:] {
		if b != fill {
			return false
		}
	}
	return true
}
