// Package table is the in-memory stand-in for the rendering side: it holds
// the pieces this peer created and the replicas it learned about, mints ids,
// and instantiates replicas on request.
package table

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/1ureka/tablesync/internal/protocol"
)

// Piece is one object on the table.
type Piece struct {
	State     protocol.ObjectState
	Transform protocol.Transform
}

// Table holds owned pieces and replicas. It is safe for concurrent use.
type Table struct {
	// Attach, when set, builds the local resource handle of a newly spawned
	// replica. Handles never travel with the state.
	Attach func(protocol.ObjectState) any

	mu       sync.Mutex
	owned    map[protocol.SyncObjectMe]*Piece
	minted   map[protocol.SyncObjectMe]struct{}
	replicas map[protocol.SyncObject]*Piece
}

// New returns an empty table.
func New() *Table {
	return &Table{
		owned:    make(map[protocol.SyncObjectMe]*Piece),
		minted:   make(map[protocol.SyncObjectMe]struct{}),
		replicas: make(map[protocol.SyncObject]*Piece),
	}
}

// Create places a new locally owned piece and returns its freshly minted id.
// An id is never handed out twice by the same table, even after removal.
func (t *Table) Create(state protocol.ObjectState, tr protocol.Transform) protocol.SyncObjectMe {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id protocol.SyncObjectMe
	for {
		id = protocol.SyncObjectMe(rand.Uint64())
		if _, used := t.minted[id]; !used && id != 0 {
			break
		}
	}
	t.minted[id] = struct{}{}
	t.owned[id] = &Piece{State: state, Transform: tr}
	return id
}

// Move sets the transform of an owned piece.
func (t *Table) Move(id protocol.SyncObjectMe, tr protocol.Transform) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.owned[id]
	if ok {
		p.Transform = tr
	}
	return ok
}

// Remove deletes an owned piece. Its id stays retired.
func (t *Table) Remove(id protocol.SyncObjectMe) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.owned, id)
}

// Owned lists the transforms of every owned piece, ordered by id.
func (t *Table) Owned() []protocol.PosEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.PosEntry, 0, len(t.owned))
	for id, p := range t.owned {
		out = append(out, protocol.PosEntry{ID: id, Transform: p.Transform})
	}
	slices.SortFunc(out, func(a, b protocol.PosEntry) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Snapshot returns the full state of an owned piece.
func (t *Table) Snapshot(id protocol.SyncObjectMe) (protocol.ObjectState, protocol.Transform, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.owned[id]
	if !ok {
		return protocol.ObjectState{}, protocol.Transform{}, false
	}
	return p.State, p.Transform, true
}

// UpdateReplica moves a known replica and reports whether it exists.
func (t *Table) UpdateReplica(obj protocol.SyncObject, tr protocol.Transform) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.replicas[obj]
	if ok {
		p.Transform = tr
	}
	return ok
}

// Spawn instantiates a replica. A replica that already exists only has its
// transform replaced.
func (t *Table) Spawn(obj protocol.SyncObject, state protocol.ObjectState, tr protocol.Transform) error {
	if state.Kind == "" {
		return fmt.Errorf("spawn %s: piece has no kind", obj)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.replicas[obj]; ok {
		p.Transform = tr
		return nil
	}
	if t.Attach != nil {
		state.Handle = t.Attach(state)
	}
	t.replicas[obj] = &Piece{State: state, Transform: tr}
	return nil
}

// Replica returns a copy of a replica.
func (t *Table) Replica(obj protocol.SyncObject) (Piece, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.replicas[obj]
	if !ok {
		return Piece{}, false
	}
	return *p, true
}

// Replicas lists the identities of every replica, ordered by owner then id.
func (t *Table) Replicas() []protocol.SyncObject {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.SyncObject, 0, len(t.replicas))
	for obj := range t.replicas {
		out = append(out, obj)
	}
	slices.SortFunc(out, func(a, b protocol.SyncObject) int {
		return cmp.Or(cmp.Compare(a.Owner, b.Owner), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Rows renders every piece as table rows: owner, id, kind, name, position.
// Owned pieces are listed under owner "me".
func (t *Table) Rows() [][]string {
	rows := [][]string{{"Owner", "ID", "Kind", "Name", "Position"}}
	for _, e := range t.Owned() {
		state, tr, _ := t.Snapshot(e.ID)
		rows = append(rows, row("me", uint64(e.ID), state, tr))
	}
	for _, obj := range t.Replicas() {
		p, _ := t.Replica(obj)
		rows = append(rows, row(fmt.Sprintf("%016x", obj.Owner), uint64(obj.ID), p.State, p.Transform))
	}
	return rows
}

func row(owner string, id uint64, s protocol.ObjectState, tr protocol.Transform) []string {
	pos := tr.Translation
	return []string{
		owner,
		fmt.Sprintf("%016x", id),
		s.Kind,
		s.Name,
		fmt.Sprintf("(%.2f, %.2f, %.2f)", pos[0], pos[1], pos[2]),
	}
}
