// Package transport defines the capability contract shared by every network
// backend: addressed and broadcast sends at a chosen reliability, a local peer
// id, and a polling receive.
package transport

import (
	"fmt"
	"iter"
)

// PeerID identifies a participant within one session. It is opaque, unique
// among the peers of that session and stable for a connection's lifetime.
type PeerID uint64

func (id PeerID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Reliability selects the delivery guarantee of a send.
type Reliability uint8

const (
	// Reliable messages arrive intact and in order, or the connection drops.
	Reliable Reliability = iota
	// Unreliable messages may be lost or reordered but are never delayed by
	// earlier losses.
	Unreliable
)

func (r Reliability) String() string {
	switch r {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("Reliability(%d)", r)
	}
}

// Message is one inbound payload and the peer that sent it.
type Message struct {
	Src  PeerID
	Data []byte
}

// Transport is implemented by each backend.
//
// Send and Broadcast to a peer that is unknown or not yet connected are
// silent no-ops; a nil error does not imply delivery. Recv yields everything
// pending at call time and then ends; messages the consumer does not pull
// stay queued for the next call. None of the methods block on the network.
type Transport interface {
	Send(dest PeerID, data []byte, r Reliability) error
	Broadcast(data []byte, r Reliability) error
	MyID() PeerID
	Recv() iter.Seq[Message]
}

// Flusher is implemented by backends that batch reliable sends.
type Flusher interface {
	Flush() error
}
