package serialization

// Assembler reassembles frames from a byte stream that may be split at any
// boundary, including inside the length prefix.
type Assembler struct {
	maxFrameSize int
	buf          []byte
}

// NewAssembler creates an assembler rejecting frames above maxFrameSize.
// A non-positive size selects DefaultMaxFrameSize.
func NewAssembler(maxFrameSize int) *Assembler {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Assembler{maxFrameSize: maxFrameSize}
}

// Feed consumes p and calls emit for every frame it completes, in stream
// order. The frame slice is only valid until emit returns. An error from emit
// or from a bad length prefix stops the feed; the assembler must not be used
// after that.
func (a *Assembler) Feed(p []byte, emit func(frame []byte) error) error {
	for len(p) > 0 {
		// whole frames straight from the read buffer
		if len(a.buf) == 0 && len(p) >= lengthSize {
			total, err := frameLength(p, a.maxFrameSize)
			if err != nil {
				return err
			}
			if len(p) >= total {
				if err := emit(p[:total]); err != nil {
					return err
				}
				p = p[total:]
				continue
			}
		}

		if len(a.buf) < lengthSize {
			n := min(lengthSize-len(a.buf), len(p))
			a.buf = append(a.buf, p[:n]...)
			p = p[n:]
			if len(a.buf) < lengthSize {
				return nil
			}
		}

		total, err := frameLength(a.buf, a.maxFrameSize)
		if err != nil {
			return err
		}
		n := min(total-len(a.buf), len(p))
		a.buf = append(a.buf, p[:n]...)
		p = p[n:]

		if len(a.buf) == total {
			frame := a.buf
			a.buf = a.buf[:0]
			if err := emit(frame); err != nil {
				return err
			}
		}
	}
	return nil
}

// Buffered returns the number of bytes held for an incomplete frame
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// Reset drops any partial frame
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
}
