// Package protocol defines the replication packets exchanged between peers
// and their binary encoding.
package protocol

import "fmt"

// SyncObjectMe names a replicated object from its owner's point of view.
// It is minted randomly at creation and never reused by the minting peer.
type SyncObjectMe uint64

// SyncObject is the globally unique identity a non-owning peer uses for a
// replica: the creator's peer id plus the creator's SyncObjectMe.
type SyncObject struct {
	Owner uint64
	ID    SyncObjectMe
}

func (o SyncObject) String() string {
	return fmt.Sprintf("%016x/%016x", o.Owner, uint64(o.ID))
}

// Transform is the positional state of a piece. Floats travel as raw bits.
type Transform struct {
	Translation [3]float32
	Rotation    [4]float32 // quaternion x, y, z, w
	Scale       [3]float32
}

// Identity returns a transform at the origin with unit scale and no rotation.
func Identity() Transform {
	return Transform{
		Rotation: [4]float32{0, 0, 0, 1},
		Scale:    [3]float32{1, 1, 1},
	}
}

// Packet tags. The tag is the first byte on the wire.
const (
	TagPos      uint8 = 0x00 // batch of owner transforms
	TagRequest  uint8 = 0x01 // ask the owner for an object's full state
	TagReceived uint8 = 0x02 // acknowledge a New
	TagNew      uint8 = 0x03 // full state of one object
)

// Fixed field sizes.
const (
	TagSize       = 1
	IDSize        = 8
	TransformSize = 10 * 4 // 10 float32 fields
	PosEntrySize  = IDSize + TransformSize
)

// PosEntry pairs an owned object with its current transform.
type PosEntry struct {
	ID        SyncObjectMe
	Transform Transform
}

// Packet is one replication message. Which fields are meaningful depends on Tag:
//
//	TagPos      Pos
//	TagRequest  ID
//	TagReceived ID
//	TagNew      ID, State, Transform
type Packet struct {
	Tag       uint8
	Pos       []PosEntry
	ID        SyncObjectMe
	State     ObjectState
	Transform Transform
}

// PosPacket builds a Pos packet.
func PosPacket(entries []PosEntry) *Packet {
	return &Packet{Tag: TagPos, Pos: entries}
}

// RequestPacket builds a Request packet.
func RequestPacket(id SyncObjectMe) *Packet {
	return &Packet{Tag: TagRequest, ID: id}
}

// ReceivedPacket builds a Received packet.
func ReceivedPacket(id SyncObjectMe) *Packet {
	return &Packet{Tag: TagReceived, ID: id}
}

// NewPacket builds a New packet carrying the full object state.
func NewPacket(id SyncObjectMe, state ObjectState, tr Transform) *Packet {
	return &Packet{Tag: TagNew, ID: id, State: state, Transform: tr}
}

// TagName returns a printable name for a packet tag.
func TagName(tag uint8) string {
	switch tag {
	case TagPos:
		return "Pos"
	case TagRequest:
		return "Request"
	case TagReceived:
		return "Received"
	case TagNew:
		return "New"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", tag)
	}
}
