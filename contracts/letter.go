package contracts

import (
	"strings"

	"github.com/google/uuid"
)

// LetterType identifies the protocol role of a letter on the wire
type LetterType uint8

const (
	TypeAck        LetterType = 1
	TypeInitialize LetterType = 2
	TypeHeartbeat  LetterType = 3
	TypeBatch      LetterType = 4
	TypeShutdown   LetterType = 5
	TypeUser       LetterType = 100
)

func (t LetterType) String() string {
	switch t {
	case TypeAck:
		return "ack"
	case TypeInitialize:
		return "initialize"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeBatch:
		return "batch"
	case TypeShutdown:
		return "shutdown"
	case TypeUser:
		return "user"
	default:
		return "unknown"
	}
}

// IsValid reports whether t is one of the known letter types
func (t LetterType) IsValid() bool {
	switch t {
	case TypeAck, TypeInitialize, TypeHeartbeat, TypeBatch, TypeShutdown, TypeUser:
		return true
	}
	return false
}

// IsControl reports whether letters of this type are generated by the
// protocol itself rather than the application
func (t LetterType) IsControl() bool {
	switch t {
	case TypeAck, TypeInitialize, TypeHeartbeat, TypeShutdown:
		return true
	}
	return false
}

// LetterOptions is a bitmask of independently combinable delivery flags
type LetterOptions uint8

const (
	OptionNone          LetterOptions = 0
	OptionSilentDiscard LetterOptions = 1 << 0
	OptionRequeue       LetterOptions = 1 << 1
	OptionAck           LetterOptions = 1 << 2
	OptionUniqueID      LetterOptions = 1 << 3
	OptionRouted        LetterOptions = 1 << 4
	OptionAnswer        LetterOptions = 1 << 5
	OptionMulticast     LetterOptions = 1 << 6
)

var optionNames = []struct {
	opt  LetterOptions
	name string
}{
	{OptionSilentDiscard, "silent-discard"},
	{OptionRequeue, "requeue"},
	{OptionAck, "ack"},
	{OptionUniqueID, "unique-id"},
	{OptionRouted, "routed"},
	{OptionAnswer, "answer"},
	{OptionMulticast, "multicast"},
}

// Has reports whether every flag in opt is set
func (o LetterOptions) Has(opt LetterOptions) bool {
	return o&opt == opt
}

func (o LetterOptions) String() string {
	if o == OptionNone {
		return "none"
	}
	var names []string
	for _, n := range optionNames {
		if o.Has(n.opt) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Letter is a discrete message exchanged between two socket endpoints
type Letter struct {
	ID      uuid.UUID
	Type    LetterType
	Options LetterOptions
	Parts   [][]byte
}

// NewLetter creates a user letter carrying the given parts
func NewLetter(parts ...[]byte) *Letter {
	return &Letter{
		Type:  TypeUser,
		Parts: parts,
	}
}

// GetID returns the letter ID, assigning a random one on first use
func (l *Letter) GetID() uuid.UUID {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return l.ID
}

// Normalize makes sure a letter asking for an acknowledgment can be
// correlated with it. Fields are only written when they need to change.
func (l *Letter) Normalize() {
	if l.Options.Has(OptionAck) && !l.Options.Has(OptionUniqueID) {
		l.Options |= OptionUniqueID
	}
	if l.Options.Has(OptionUniqueID) && l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
}

// CarriesParts reports whether the letter's parts travel on the wire.
// Ack and heartbeat letters never carry parts.
func (l *Letter) CarriesParts() bool {
	return l.Type != TypeAck && l.Type != TypeHeartbeat
}

// Size returns the total number of payload bytes
func (l *Letter) Size() int {
	n := 0
	for _, p := range l.Parts {
		n += len(p)
	}
	return n
}

// NewAck creates the acknowledgment for a received letter
func NewAck(of *Letter) *Letter {
	return &Letter{
		ID:      of.ID,
		Type:    TypeAck,
		Options: OptionUniqueID,
	}
}

// NewInitialize creates the handshake letter carrying a node identity
func NewInitialize(nodeID uuid.UUID) *Letter {
	id := nodeID
	l := &Letter{
		Type:    TypeInitialize,
		Options: OptionAck | OptionUniqueID,
		Parts:   [][]byte{id[:]},
	}
	l.GetID()
	return l
}

// NewHeartbeat creates a heartbeat letter, which is never acknowledged
func NewHeartbeat() *Letter {
	return &Letter{
		Type:    TypeHeartbeat,
		Options: OptionSilentDiscard,
	}
}

// NewShutdown creates the letter announcing a graceful close
func NewShutdown() *Letter {
	return &Letter{
		Type:    TypeShutdown,
		Options: OptionSilentDiscard,
	}
}

// NodeID extracts the node identity carried by an initialize letter
func (l *Letter) NodeID() (uuid.UUID, error) {
	if l.Type != TypeInitialize || len(l.Parts) == 0 {
		return uuid.Nil, ErrMissingNodeID
	}
	return uuid.FromBytes(l.Parts[0])
}
