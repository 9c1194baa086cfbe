package noise

// ReplayWindowSize is how far behind the newest nonce a message may arrive
const ReplayWindowSize = 1024

// replayWindow tracks the receive nonces seen within the last
// ReplayWindowSize. next is one past the highest accepted nonce.
type replayWindow struct {
	next   uint64
	bitmap [ReplayWindowSize / 64]uint64
}

func (w *replayWindow) bit(n uint64) (int, uint64) {
	pos := n % ReplayWindowSize
	return int(pos / 64), 1 << (pos % 64)
}

// check reports whether n is new and inside the window. It does not record n.
func (w *replayWindow) check(n uint64) bool {
	if n >= w.next {
		return true
	}
	if w.next-n > ReplayWindowSize {
		return false
	}
	word, mask := w.bit(n)
	return w.bitmap[word]&mask == 0
}

// mark records n, which must have passed check
func (w *replayWindow) mark(n uint64) {
	if n >= w.next {
		if n-w.next >= ReplayWindowSize {
			w.bitmap = [ReplayWindowSize / 64]uint64{}
		} else {
			for i := w.next; i <= n; i++ {
				word, mask := w.bit(i)
				w.bitmap[word] &^= mask
			}
		}
		w.next = n + 1
	}
	word, mask := w.bit(n)
	w.bitmap[word] |= mask
}
