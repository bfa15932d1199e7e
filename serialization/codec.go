package serialization

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/glimte/postbox-go/contracts"
)

// Frame layout, little-endian:
//
//	u32 totalLength (includes itself)
//	u8  type
//	u8  options
//	[16]byte id                              iff options has UniqueID
//	u32 partCount, (u32 partLength, bytes)*  iff type is not Ack or Heartbeat
const (
	lengthSize = 4
	idSize     = 16

	// HeaderSize is the smallest valid frame: length, type and options
	HeaderSize = lengthSize + 2

	// DefaultMaxFrameSize bounds frames accepted by an Assembler
	DefaultMaxFrameSize = 64 << 20
)

// EncodedSize returns the number of bytes Encode will produce for l
func EncodedSize(l *contracts.Letter) (int, error) {
	size := HeaderSize
	if l.Options.Has(contracts.OptionUniqueID) {
		size += idSize
	}
	if l.CarriesParts() {
		size += lengthSize
		for _, p := range l.Parts {
			if uint64(len(p)) > math.MaxUint32 {
				return 0, contracts.ErrPartTooLarge
			}
			size += lengthSize + len(p)
		}
	}
	if uint64(size) > math.MaxUint32 {
		return 0, contracts.ErrFrameTooLarge
	}
	return size, nil
}

// Encode serializes a letter into a single length-prefixed frame
func Encode(l *contracts.Letter) ([]byte, error) {
	return AppendLetter(nil, l)
}

// AppendLetter appends the frame for l to dst
func AppendLetter(dst []byte, l *contracts.Letter) ([]byte, error) {
	size, err := EncodedSize(l)
	if err != nil {
		return dst, err
	}

	dst = slices.Grow(dst, size)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(size))
	dst = append(dst, byte(l.Type), byte(l.Options))

	if l.Options.Has(contracts.OptionUniqueID) {
		dst = append(dst, l.ID[:]...)
	}

	if l.CarriesParts() {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(l.Parts)))
		for _, p := range l.Parts {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(p)))
			dst = append(dst, p...)
		}
	}

	return dst, nil
}

// Decode reconstructs a letter from one complete frame. Parts are copied, so
// the caller may reuse frame afterwards.
func Decode(frame []byte) (*contracts.Letter, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", contracts.ErrMalformedFrame, len(frame))
	}

	total := binary.LittleEndian.Uint32(frame)
	if uint64(total) != uint64(len(frame)) {
		return nil, fmt.Errorf("%w: length prefix %d does not match frame size %d",
			contracts.ErrMalformedFrame, total, len(frame))
	}

	l := &contracts.Letter{
		Type:    contracts.LetterType(frame[4]),
		Options: contracts.LetterOptions(frame[5]),
	}
	if !l.Type.IsValid() {
		return nil, fmt.Errorf("%w: %d", contracts.ErrUnknownType, frame[4])
	}

	r := reader{buf: frame, off: HeaderSize}

	if l.Options.Has(contracts.OptionUniqueID) {
		id, err := r.next(idSize)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated id", contracts.ErrMalformedFrame)
		}
		copy(l.ID[:], id)
	}

	if l.CarriesParts() {
		count, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("%w: missing part count", contracts.ErrMalformedFrame)
		}
		// every part needs at least its length field
		if uint64(count)*lengthSize > uint64(r.remaining()) {
			return nil, fmt.Errorf("%w: part count %d exceeds frame", contracts.ErrMalformedFrame, count)
		}
		l.Parts = make([][]byte, count)
		for i := range l.Parts {
			n, err := r.uint32()
			if err != nil {
				return nil, fmt.Errorf("%w: part %d length truncated", contracts.ErrMalformedFrame, i)
			}
			p, err := r.next(int(n))
			if err != nil {
				return nil, fmt.Errorf("%w: part %d truncated", contracts.ErrMalformedFrame, i)
			}
			l.Parts[i] = slices.Clone(p)
			if l.Parts[i] == nil {
				l.Parts[i] = []byte{}
			}
		}
	}

	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", contracts.ErrMalformedFrame, r.remaining())
	}

	return l, nil
}

// ReadFrame reads exactly one frame from r
func ReadFrame(r io.Reader, maxFrameSize int) ([]byte, error) {
	var prefix [lengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	total, err := frameLength(prefix[:], maxFrameSize)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, total)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(r, frame[lengthSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteLetter encodes l and writes it to w in a single call
func WriteLetter(w io.Writer, l *contracts.Letter) error {
	frame, err := Encode(l)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func frameLength(prefix []byte, maxFrameSize int) (int, error) {
	total := binary.LittleEndian.Uint32(prefix)
	if total < HeaderSize {
		return 0, fmt.Errorf("%w: length prefix %d", contracts.ErrMalformedFrame, total)
	}
	if maxFrameSize > 0 && uint64(total) > uint64(maxFrameSize) {
		return 0, fmt.Errorf("%w: %d > %d", contracts.ErrFrameTooLarge, total, maxFrameSize)
	}
	return int(total), nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) next(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.next(lengthSize)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}
