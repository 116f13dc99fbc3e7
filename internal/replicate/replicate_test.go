package replicate

import (
	"errors"
	"testing"

	"github.com/1ureka/tablesync/internal/protocol"
	"github.com/1ureka/tablesync/internal/table"
	"github.com/1ureka/tablesync/internal/transport"
	"github.com/1ureka/tablesync/internal/transport/memory"
	"github.com/1ureka/tablesync/internal/util"
)

type peer struct {
	ep    *memory.Endpoint
	table *table.Table
	proto *Protocol
}

func newPeers(n int) (*memory.Hub, []*peer) {
	hub := memory.NewHub()
	peers := make([]*peer, n)
	for i := range peers {
		ep := hub.Endpoint()
		tb := table.New()
		peers[i] = &peer{ep: ep, table: tb, proto: New(ep, tb)}
	}
	return hub, peers
}

func mustProcess(t *testing.T, p *peer) {
	t.Helper()
	if err := p.proto.Process(); err != nil {
		t.Fatalf("Process on %s: %v", p.ep.MyID(), err)
	}
}

func mustBroadcast(t *testing.T, p *peer) {
	t.Helper()
	if err := p.proto.Broadcast(); err != nil {
		t.Fatalf("Broadcast on %s: %v", p.ep.MyID(), err)
	}
}

func sendPacket(t *testing.T, from *peer, to transport.PeerID, pkt *protocol.Packet) {
	t.Helper()
	data, err := protocol.Encode(pkt)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := from.ep.Send(to, data, transport.Reliable); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// drain consumes and decodes everything queued for ep.
func drain(t *testing.T, ep *memory.Endpoint) []*protocol.Packet {
	t.Helper()
	var out []*protocol.Packet
	for msg := range ep.Recv() {
		pkt, err := protocol.Decode(msg.Data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		out = append(out, pkt)
	}
	return out
}

func at(x, y, z float32) protocol.Transform {
	tr := protocol.Identity()
	tr.Translation = [3]float32{x, y, z}
	return tr
}

func TestFreshObserverReplicates(t *testing.T) {
	_, peers := newPeers(2)
	a, b := peers[0], peers[1]

	state := protocol.ObjectState{Kind: "deck", Name: "library", Cards: []string{"Forest", "Island"}}
	t0 := at(1, 2, 3)
	id := a.table.Create(state, t0)
	obj := protocol.SyncObject{Owner: uint64(a.ep.MyID()), ID: id}

	mustBroadcast(t, a)
	mustProcess(t, b) // Pos -> Request
	if b.ep.Delivered() != 1 {
		t.Fatalf("observer sent %d packets, want 1 Request", b.ep.Delivered())
	}

	mustProcess(t, a) // Request -> New
	if !a.proto.Outstanding(b.ep.MyID(), id) {
		t.Fatal("New not recorded as outstanding")
	}

	mustProcess(t, b) // New -> spawn, Received
	got, ok := b.table.Replica(obj)
	if !ok {
		t.Fatalf("replica %s not spawned", obj)
	}
	if got.State.Kind != "deck" || got.State.Name != "library" || len(got.State.Cards) != 2 {
		t.Errorf("replica state = %+v", got.State)
	}
	if got.Transform != t0 {
		t.Errorf("replica transform = %+v, want %+v", got.Transform, t0)
	}

	mustProcess(t, a) // Received
	if a.proto.Outstanding(b.ep.MyID(), id) || a.proto.SentLen() != 0 {
		t.Fatalf("Sent still holds %d entries", a.proto.SentLen())
	}

	// Steady state: Pos only moves the replica.
	t1 := at(4, 5, 6)
	a.table.Move(id, t1)
	mustBroadcast(t, a)
	before := b.ep.Delivered()
	mustProcess(t, b)
	if b.ep.Delivered() != before {
		t.Error("known object triggered a Request")
	}
	if got, _ := b.table.Replica(obj); got.Transform != t1 {
		t.Errorf("replica transform = %+v, want %+v", got.Transform, t1)
	}
}

func TestRepeatedRequestsYieldOneNew(t *testing.T) {
	_, peers := newPeers(2)
	a, b := peers[0], peers[1]
	id := a.table.Create(protocol.ObjectState{Kind: "token"}, protocol.Identity())

	mustBroadcast(t, a)
	mustBroadcast(t, a)
	mustProcess(t, b)
	if b.ep.Delivered() != 2 {
		t.Fatalf("observer sent %d Requests, want 2", b.ep.Delivered())
	}

	mustProcess(t, a)
	pkts := drain(t, b.ep)
	var news int
	for _, p := range pkts {
		if p.Tag == protocol.TagNew {
			news++
		}
	}
	if news != 1 {
		t.Fatalf("owner sent %d News, want 1", news)
	}
	if a.proto.SentLen() != 1 || !a.proto.Outstanding(b.ep.MyID(), id) {
		t.Fatalf("SentLen = %d, want 1", a.proto.SentLen())
	}
}

func TestRequestAfterReceivedSendsAgain(t *testing.T) {
	_, peers := newPeers(2)
	a, b := peers[0], peers[1]
	id := a.table.Create(protocol.ObjectState{Kind: "token"}, protocol.Identity())

	sendPacket(t, b, a.ep.MyID(), protocol.RequestPacket(id))
	mustProcess(t, a)
	sendPacket(t, b, a.ep.MyID(), protocol.ReceivedPacket(id))
	sendPacket(t, b, a.ep.MyID(), protocol.RequestPacket(id))
	mustProcess(t, a)

	pkts := drain(t, b.ep)
	if len(pkts) != 2 || pkts[0].Tag != protocol.TagNew || pkts[1].Tag != protocol.TagNew {
		t.Fatalf("got %d packets, want two News", len(pkts))
	}
}

func TestSentIsPerPeer(t *testing.T) {
	_, peers := newPeers(3)
	a, b, c := peers[0], peers[1], peers[2]
	id := a.table.Create(protocol.ObjectState{Kind: "token"}, protocol.Identity())

	mustBroadcast(t, a)
	mustProcess(t, b)
	mustProcess(t, c)
	mustProcess(t, a)

	if a.proto.SentLen() != 2 {
		t.Fatalf("SentLen = %d, want 2", a.proto.SentLen())
	}
	for _, p := range []*peer{b, c} {
		if !a.proto.Outstanding(p.ep.MyID(), id) {
			t.Errorf("no outstanding New for %s", p.ep.MyID())
		}
	}
}

func TestRequestForUnknownObject(t *testing.T) {
	_, peers := newPeers(2)
	a, b := peers[0], peers[1]

	sendPacket(t, b, a.ep.MyID(), protocol.RequestPacket(7))
	mustProcess(t, a)
	if a.proto.SentLen() != 0 {
		t.Errorf("SentLen = %d, want 0", a.proto.SentLen())
	}
	if a.ep.Delivered() != 0 {
		t.Errorf("owner replied to a Request for an unknown object")
	}
}

func TestDuplicateNewOverwritesReplica(t *testing.T) {
	_, peers := newPeers(2)
	a, b := peers[0], peers[1]
	state := protocol.ObjectState{Kind: "card", Name: "first"}

	sendPacket(t, a, b.ep.MyID(), protocol.NewPacket(9, state, at(1, 0, 0)))
	state.Name = "second"
	sendPacket(t, a, b.ep.MyID(), protocol.NewPacket(9, state, at(2, 0, 0)))
	mustProcess(t, b)

	obj := protocol.SyncObject{Owner: uint64(a.ep.MyID()), ID: 9}
	if got := b.table.Replicas(); len(got) != 1 {
		t.Fatalf("got %d replicas, want 1", len(got))
	}
	got, _ := b.table.Replica(obj)
	if got.State.Name != "first" {
		t.Errorf("state replaced by duplicate New: %q", got.State.Name)
	}
	if got.Transform != at(2, 0, 0) {
		t.Errorf("transform = %+v, want the latest", got.Transform)
	}

	pkts := drain(t, a.ep)
	if len(pkts) != 2 {
		t.Fatalf("got %d acknowledgements, want 2", len(pkts))
	}
	for _, p := range pkts {
		if p.Tag != protocol.TagReceived || p.ID != 9 {
			t.Errorf("got %s %016x, want Received 9", protocol.TagName(p.Tag), uint64(p.ID))
		}
	}
}

func TestFailedSpawnIsAcknowledged(t *testing.T) {
	_, peers := newPeers(2)
	a, b := peers[0], peers[1]

	sendPacket(t, a, b.ep.MyID(), protocol.NewPacket(3, protocol.ObjectState{}, protocol.Identity()))
	mustProcess(t, b)

	if len(b.table.Replicas()) != 0 {
		t.Error("invalid state was spawned")
	}
	pkts := drain(t, a.ep)
	if len(pkts) != 1 || pkts[0].Tag != protocol.TagReceived {
		t.Fatalf("got %d packets, want one Received", len(pkts))
	}
}

func TestOnlyOwnerBroadcasts(t *testing.T) {
	_, peers := newPeers(2)
	a, b := peers[0], peers[1]

	mustBroadcast(t, b)
	if b.ep.Delivered() != 0 {
		t.Fatal("peer without pieces broadcast a Pos")
	}

	a.table.Create(protocol.ObjectState{Kind: "token"}, protocol.Identity())
	mustBroadcast(t, a)
	mustProcess(t, b)
	mustProcess(t, a)
	mustProcess(t, b)

	// b holds a replica now, which it must never announce.
	if len(b.table.Replicas()) != 1 {
		t.Fatalf("replicas = %d, want 1", len(b.table.Replicas()))
	}
	before := b.ep.Delivered()
	mustBroadcast(t, b)
	if b.ep.Delivered() != before {
		t.Error("replica holder broadcast a Pos")
	}
}

func TestMalformedPacketsAreDropped(t *testing.T) {
	_, peers := newPeers(2)
	a, b := peers[0], peers[1]
	id := a.table.Create(protocol.ObjectState{Kind: "token"}, protocol.Identity())

	dropped := util.Stats.Dropped.Load()
	for _, junk := range [][]byte{{}, {0x09}, {protocol.TagRequest, 1, 2}} {
		if err := b.ep.Send(a.ep.MyID(), junk, transport.Reliable); err != nil {
			t.Fatal(err)
		}
	}
	sendPacket(t, b, a.ep.MyID(), protocol.RequestPacket(id))

	mustProcess(t, a)
	if got := util.Stats.Dropped.Load() - dropped; got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
	if !a.proto.Outstanding(b.ep.MyID(), id) {
		t.Error("valid packet after malformed ones was not handled")
	}
}

type failingNet struct {
	*memory.Endpoint
	err error
}

func (f failingNet) Send(transport.PeerID, []byte, transport.Reliability) error { return f.err }

func TestTargetedSendFailureIsReturned(t *testing.T) {
	hub := memory.NewHub()
	a, b := hub.Endpoint(), hub.Endpoint()
	want := errors.New("link down")
	p := New(failingNet{Endpoint: a, err: want}, table.New())

	data, _ := protocol.Encode(protocol.PosPacket([]protocol.PosEntry{{ID: 1, Transform: protocol.Identity()}}))
	if err := b.Broadcast(data, transport.Reliable); err != nil {
		t.Fatal(err)
	}
	if err := b.Broadcast(data, transport.Reliable); err != nil {
		t.Fatal(err)
	}

	if err := p.Process(); !errors.Is(err, want) {
		t.Fatalf("Process = %v, want %v", err, want)
	}
	if a.Pending() != 1 {
		t.Errorf("pending = %d, want the second Pos left queued", a.Pending())
	}
}
