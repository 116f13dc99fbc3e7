package table

import (
	"testing"

	"github.com/1ureka/tablesync/internal/protocol"
)

func TestCreateMintsDistinctIDs(t *testing.T) {
	tb := New()
	seen := make(map[protocol.SyncObjectMe]bool)
	for range 1000 {
		id := tb.Create(protocol.ObjectState{Kind: "token"}, protocol.Identity())
		if id == 0 || seen[id] {
			t.Fatalf("minted id %016x twice or zero", uint64(id))
		}
		seen[id] = true
	}
	if got := len(tb.Owned()); got != 1000 {
		t.Errorf("Owned = %d, want 1000", got)
	}
}

func TestRemovedIDStaysRetired(t *testing.T) {
	tb := New()
	id := tb.Create(protocol.ObjectState{Kind: "token"}, protocol.Identity())
	tb.Remove(id)
	if _, _, ok := tb.Snapshot(id); ok {
		t.Fatal("removed piece still has a snapshot")
	}
	if _, used := tb.minted[id]; !used {
		t.Error("removed id is eligible for reuse")
	}
}

func TestOwnedPieces(t *testing.T) {
	tb := New()
	a := tb.Create(protocol.ObjectState{Kind: "deck"}, protocol.Identity())
	b := tb.Create(protocol.ObjectState{Kind: "token"}, protocol.Identity())

	moved := protocol.Identity()
	moved.Translation = [3]float32{1, 2, 3}
	if !tb.Move(b, moved) {
		t.Fatal("Move of an owned piece failed")
	}
	if tb.Move(12345, moved) && a != 12345 && b != 12345 {
		t.Error("Move of an unknown piece succeeded")
	}

	owned := tb.Owned()
	if len(owned) != 2 || owned[0].ID > owned[1].ID {
		t.Fatalf("Owned = %+v, want two entries ordered by id", owned)
	}
	state, tr, ok := tb.Snapshot(b)
	if !ok || state.Kind != "token" || tr != moved {
		t.Errorf("Snapshot = %+v %+v %v", state, tr, ok)
	}
}

func TestReplicas(t *testing.T) {
	tb := New()
	var attached []string
	tb.Attach = func(s protocol.ObjectState) any {
		attached = append(attached, s.Kind)
		return "mesh:" + s.Kind
	}
	obj := protocol.SyncObject{Owner: 5, ID: 9}

	if tb.UpdateReplica(obj, protocol.Identity()) {
		t.Fatal("UpdateReplica found a replica before Spawn")
	}
	if err := tb.Spawn(obj, protocol.ObjectState{}, protocol.Identity()); err == nil {
		t.Fatal("Spawn accepted a piece without a kind")
	}
	if err := tb.Spawn(obj, protocol.ObjectState{Kind: "card"}, protocol.Identity()); err != nil {
		t.Fatal(err)
	}

	moved := protocol.Identity()
	moved.Translation[0] = 4
	if err := tb.Spawn(obj, protocol.ObjectState{Kind: "card"}, moved); err != nil {
		t.Fatal(err)
	}
	if len(attached) != 1 {
		t.Errorf("Attach called %d times, want 1", len(attached))
	}

	p, ok := tb.Replica(obj)
	if !ok || p.Transform != moved || p.State.Handle != "mesh:card" {
		t.Errorf("Replica = %+v %v", p, ok)
	}
	if !tb.UpdateReplica(obj, protocol.Identity()) {
		t.Error("UpdateReplica missed a spawned replica")
	}
	if got := tb.Replicas(); len(got) != 1 || got[0] != obj {
		t.Errorf("Replicas = %v", got)
	}
}

func TestRows(t *testing.T) {
	tb := New()
	tb.Create(protocol.ObjectState{Kind: "deck", Name: "library"}, protocol.Identity())
	if err := tb.Spawn(protocol.SyncObject{Owner: 1, ID: 2}, protocol.ObjectState{Kind: "card"}, protocol.Identity()); err != nil {
		t.Fatal(err)
	}

	rows := tb.Rows()
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header plus 2", len(rows))
	}
	if rows[1][0] != "me" || rows[1][2] != "deck" {
		t.Errorf("owned row = %v", rows[1])
	}
	if rows[2][0] != "0000000000000001" || rows[2][4] != "(0.00, 0.00, 0.00)" {
		t.Errorf("replica row = %v", rows[2])
	}
}
