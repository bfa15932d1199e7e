package serialization

import (
	"fmt"

	"github.com/glimte/postbox-go/contracts"
)

// BatchHeaderSize is the encoded size of a batch letter without parts
const BatchHeaderSize = HeaderSize + idSize + lengthSize

// BatchedSize returns the bytes a letter of encoded size n adds to a batch
func BatchedSize(n int) int {
	return lengthSize + n
}

// PackBatch builds a batch letter whose parts are the serialized letters.
// The batch asks for an acknowledgment when any of its letters does.
func PackBatch(letters []*contracts.Letter) (*contracts.Letter, error) {
	batch := &contracts.Letter{
		Type:    contracts.TypeBatch,
		Options: contracts.OptionUniqueID,
		Parts:   make([][]byte, 0, len(letters)),
	}

	for i, l := range letters {
		if l.Options.Has(contracts.OptionAck) {
			batch.Options |= contracts.OptionAck
		}
		frame, err := Encode(l)
		if err != nil {
			return nil, fmt.Errorf("failed to encode batched letter %d: %w", i, err)
		}
		batch.Parts = append(batch.Parts, frame)
	}

	batch.Normalize()
	return batch, nil
}

// UnpackBatch decodes every letter contained in a batch, in order
func UnpackBatch(batch *contracts.Letter) ([]*contracts.Letter, error) {
	if batch.Type != contracts.TypeBatch {
		return nil, fmt.Errorf("%w: expected batch, got %s", contracts.ErrMalformedFrame, batch.Type)
	}

	letters := make([]*contracts.Letter, 0, len(batch.Parts))
	for i, part := range batch.Parts {
		l, err := Decode(part)
		if err != nil {
			return nil, fmt.Errorf("batched letter %d: %w", i, err)
		}
		letters = append(letters, l)
	}
	return letters, nil
}
