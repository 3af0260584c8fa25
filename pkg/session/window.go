package session

// windowSize is the number of sequence numbers tracked in the sliding
// bitmap used for control-channel dedup. Sequence numbers below the window
// are treated as duplicates: delivery cannot be proven fresh, so they are
// re-acked but never redelivered.
const windowSize = 256

// SeqStatus classifies an observed control sequence number.
type SeqStatus int

const (
	SeqNew SeqStatus = iota
	SeqDuplicate
)

// window is a sliding bitmap over recently seen sequence numbers. Sequence
// numbers start at 1, so max == 0 means nothing has been seen yet.
type window struct {
	max  uint64
	bits [windowSize / 64]uint64
}

// observe records seq and reports whether it is new.
func (w *window) observe(seq uint64) SeqStatus {
	if w.max == 0 {
		w.max = seq
		w.set(seq)
		return SeqNew
	}

	if seq > w.max {
		shift := seq - w.max
		if shift >= windowSize {
			w.bits = [windowSize / 64]uint64{}
		} else {
			for s := uint64(0); s < shift; s++ {
				bit := (seq - s) % windowSize
				w.bits[bit/64] &^= 1 << (bit % 64)
			}
		}
		w.max = seq
		w.set(seq)
		return SeqNew
	}

	if w.max-seq >= windowSize {
		return SeqDuplicate // below the window: cannot prove freshness
	}
	bit := seq % windowSize
	if w.bits[bit/64]&(1<<(bit%64)) != 0 {
		return SeqDuplicate
	}
	w.set(seq)
	return SeqNew
}

func (w *window) set(seq uint64) {
	bit := seq % windowSize
	w.bits[bit/64] |= 1 << (bit % 64)
}
