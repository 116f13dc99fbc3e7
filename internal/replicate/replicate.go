// Package replicate keeps replicas of every peer's pieces in step.
//
// Each tick the owner broadcasts the transforms of everything it owns. A
// peer that sees an unknown object asks the owner for it with Request, the
// owner answers once with New, and the receiver confirms with Received. The
// owner remembers which (peer, object) pairs have a New in flight so repeated
// Requests do not produce duplicate spawns.
package replicate

import (
	"fmt"
	"iter"

	"github.com/1ureka/tablesync/internal/protocol"
	"github.com/1ureka/tablesync/internal/transport"
	"github.com/1ureka/tablesync/internal/util"
)

// Network is the part of a transport the protocol needs.
type Network interface {
	Send(dest transport.PeerID, data []byte, r transport.Reliability) error
	Broadcast(data []byte, r transport.Reliability) error
	Recv() iter.Seq[transport.Message]
	MyID() transport.PeerID
}

// World is the local scene: the pieces this peer owns and the replicas it
// holds for others.
type World interface {
	// Owned lists every piece this peer owns with its current transform.
	Owned() []protocol.PosEntry
	// Snapshot returns the full state of an owned piece.
	Snapshot(id protocol.SyncObjectMe) (protocol.ObjectState, protocol.Transform, bool)
	// UpdateReplica moves a replica and reports whether it exists.
	UpdateReplica(obj protocol.SyncObject, tr protocol.Transform) bool
	// Spawn instantiates a replica.
	Spawn(obj protocol.SyncObject, state protocol.ObjectState, tr protocol.Transform) error
}

// Protocol runs the replication exchange for one peer. It is not safe for
// concurrent use; call it from the tick loop.
type Protocol struct {
	net   Network
	world World

	// sent holds (requester, id) pairs with a New not yet acknowledged.
	sent map[protocol.SyncObject]struct{}
}

// New creates a Protocol over net and world.
func New(net Network, world World) *Protocol {
	return &Protocol{
		net:   net,
		world: world,
		sent:  make(map[protocol.SyncObject]struct{}),
	}
}

// Broadcast sends one Pos with the transform of every owned piece to all
// peers. Nothing is sent when nothing is owned.
func (p *Protocol) Broadcast() error {
	owned := p.world.Owned()
	if len(owned) == 0 {
		return nil
	}
	data, err := protocol.Encode(protocol.PosPacket(owned))
	if err != nil {
		return fmt.Errorf("encode Pos: %w", err)
	}
	return p.net.Broadcast(data, transport.Reliable)
}

// Process handles every packet waiting in the transport. Malformed packets
// are dropped. A failed reply aborts the pass and leaves the rest queued for
// the next one.
func (p *Protocol) Process() error {
	for msg := range p.net.Recv() {
		pkt, err := protocol.Decode(msg.Data)
		if err != nil {
			util.Stats.AddDropped()
			util.LogWarning("replicate: dropping packet from %s: %v", msg.Src, err)
			continue
		}
		if err := p.handle(msg.Src, pkt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Protocol) handle(src transport.PeerID, pkt *protocol.Packet) error {
	switch pkt.Tag {
	case protocol.TagPos:
		for _, e := range pkt.Pos {
			obj := protocol.SyncObject{Owner: uint64(src), ID: e.ID}
			if p.world.UpdateReplica(obj, e.Transform) {
				continue
			}
			util.LogDebug("replicate: unknown object %s, requesting", obj)
			if err := p.send(src, protocol.RequestPacket(e.ID)); err != nil {
				return err
			}
		}

	case protocol.TagRequest:
		key := protocol.SyncObject{Owner: uint64(src), ID: pkt.ID}
		if _, inFlight := p.sent[key]; inFlight {
			return nil
		}
		state, tr, ok := p.world.Snapshot(pkt.ID)
		if !ok {
			util.LogDebug("replicate: %s requested unknown object %016x", src, uint64(pkt.ID))
			return nil
		}
		if err := p.send(src, protocol.NewPacket(pkt.ID, state, tr)); err != nil {
			return err
		}
		p.sent[key] = struct{}{}

	case protocol.TagReceived:
		delete(p.sent, protocol.SyncObject{Owner: uint64(src), ID: pkt.ID})

	case protocol.TagNew:
		obj := protocol.SyncObject{Owner: uint64(src), ID: pkt.ID}
		if !p.world.UpdateReplica(obj, pkt.Transform) {
			if err := p.world.Spawn(obj, pkt.State, pkt.Transform); err != nil {
				// Acknowledge anyway: the owner forgets the pair and answers
				// the next Request with a fresh New.
				util.LogWarning("replicate: spawn %s: %v", obj, err)
			} else {
				util.LogDebug("replicate: spawned %s (%s)", obj, pkt.State.Kind)
			}
		}
		return p.send(src, protocol.ReceivedPacket(pkt.ID))
	}
	return nil
}

func (p *Protocol) send(dest transport.PeerID, pkt *protocol.Packet) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", protocol.TagName(pkt.Tag), err)
	}
	if err := p.net.Send(dest, data, transport.Reliable); err != nil {
		return fmt.Errorf("send %s to %s: %w", protocol.TagName(pkt.Tag), dest, err)
	}
	return nil
}

// Outstanding reports whether a New for id is awaiting peer's Received.
func (p *Protocol) Outstanding(peer transport.PeerID, id protocol.SyncObjectMe) bool {
	_, ok := p.sent[protocol.SyncObject{Owner: uint64(peer), ID: id}]
	return ok
}

// SentLen returns the number of unacknowledged News.
func (p *Protocol) SentLen() int { return len(p.sent) }
