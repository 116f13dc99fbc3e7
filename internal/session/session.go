// Package session selects and owns the active network backend. Exactly one
// of the direct and relay backends is live at a time; the Manager forwards
// the transport contract to it and turns every call into a no-op while none
// is selected.
package session

import (
	"context"
	"fmt"
	"iter"

	"github.com/1ureka/tablesync/internal/transport"
	"github.com/1ureka/tablesync/internal/transport/direct"
	"github.com/1ureka/tablesync/internal/transport/relay"
	"github.com/1ureka/tablesync/internal/util"
)

var _ transport.Transport = (*Manager)(nil)

// Kind tags the active backend.
type Kind uint8

const (
	KindNone Kind = iota
	KindDirect
	KindRelay
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDirect:
		return "direct"
	case KindRelay:
		return "relay"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Options holds the construction parameters of both backends.
type Options struct {
	Direct direct.Options
	Relay  relay.Options
}

// Manager is a tagged union over the backends. Only the field matching kind
// is non-nil.
type Manager struct {
	opts Options

	kind   Kind
	direct *direct.Transport
	relay  *relay.Transport

	// directRole is what the active direct backend was built for.
	directRole directRole
}

type directRole struct {
	host bool
	addr string
}

// New returns a Manager with no backend selected.
func New(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Kind reports the active backend.
func (m *Manager) Kind() Kind { return m.kind }

// Relay returns the relay backend, or nil when it is not active.
func (m *Manager) Relay() *relay.Transport { return m.relay }

// Direct returns the direct backend, or nil when it is not active.
func (m *Manager) Direct() *direct.Transport { return m.direct }

// HostDirect listens on addr. A direct backend already hosting on addr is
// kept; any other backend is replaced.
func (m *Manager) HostDirect(ctx context.Context, addr string) error {
	role := directRole{host: true, addr: addr}
	if m.kind == KindDirect && m.directRole == role {
		return nil
	}
	m.drop()
	t, err := direct.Host(ctx, addr, m.opts.Direct)
	if err != nil {
		return fmt.Errorf("host direct session: %w", err)
	}
	m.kind, m.direct, m.directRole = KindDirect, t, role
	return nil
}

// JoinDirect connects to the host at addr. A direct backend already joined
// to addr is kept; any other backend is replaced.
func (m *Manager) JoinDirect(ctx context.Context, addr string) error {
	role := directRole{addr: addr}
	if m.kind == KindDirect && m.directRole == role {
		return nil
	}
	m.drop()
	t, err := direct.Join(ctx, addr, m.opts.Direct)
	if err != nil {
		return fmt.Errorf("join direct session: %w", err)
	}
	m.kind, m.direct, m.directRole = KindDirect, t, role
	return nil
}

// HostRelay opens a lobby on the relay backend, connecting to the lobby
// service first if relay is not active yet.
func (m *Manager) HostRelay(ctx context.Context) error {
	if err := m.ensureRelay(ctx); err != nil {
		return err
	}
	m.relay.Host()
	return nil
}

// JoinRelay enters lobby id on the relay backend, connecting to the lobby
// service first if relay is not active yet.
func (m *Manager) JoinRelay(ctx context.Context, id string) error {
	if err := m.ensureRelay(ctx); err != nil {
		return err
	}
	m.relay.Join(id)
	return nil
}

func (m *Manager) ensureRelay(ctx context.Context) error {
	if m.kind == KindRelay {
		return nil
	}
	m.drop()
	t, err := relay.New(ctx, m.opts.Relay)
	if err != nil {
		return fmt.Errorf("start relay session: %w", err)
	}
	m.kind, m.relay = KindRelay, t
	return nil
}

// drop closes the active backend without any goodbye to its peers.
func (m *Manager) drop() {
	if m.kind != KindNone {
		util.LogInfo("session: leaving %s backend", m.kind)
	}
	if err := m.closeActive(); err != nil {
		util.LogDebug("session: close %s backend: %v", m.kind, err)
	}
	m.kind, m.direct, m.relay, m.directRole = KindNone, nil, nil, directRole{}
}

func (m *Manager) closeActive() error {
	switch m.kind {
	case KindDirect:
		return m.direct.Close()
	case KindRelay:
		return m.relay.Close()
	}
	return nil
}

func (m *Manager) active() transport.Transport {
	switch m.kind {
	case KindDirect:
		return m.direct
	case KindRelay:
		return m.relay
	}
	return nil
}

func (m *Manager) Send(dest transport.PeerID, data []byte, r transport.Reliability) error {
	if t := m.active(); t != nil {
		return t.Send(dest, data, r)
	}
	return nil
}

func (m *Manager) Broadcast(data []byte, r transport.Reliability) error {
	if t := m.active(); t != nil {
		return t.Broadcast(data, r)
	}
	return nil
}

// MyID returns the local peer id, or 0 without a backend.
func (m *Manager) MyID() transport.PeerID {
	if t := m.active(); t != nil {
		return t.MyID()
	}
	return 0
}

func (m *Manager) Recv() iter.Seq[transport.Message] {
	if t := m.active(); t != nil {
		return t.Recv()
	}
	return func(func(transport.Message) bool) {}
}

// Peers lists the connected peers of the active backend.
func (m *Manager) Peers() []transport.PeerID {
	switch m.kind {
	case KindDirect:
		return m.direct.Peers()
	case KindRelay:
		return m.relay.Peers()
	}
	return nil
}

// Update drains the backend's asynchronous queues. Only relay has any.
func (m *Manager) Update() {
	if m.kind == KindRelay {
		m.relay.Update()
	}
}

// Flush transmits batched reliable messages to every connected peer.
func (m *Manager) Flush() error {
	if f, ok := m.active().(transport.Flusher); ok {
		return f.Flush()
	}
	return nil
}

// Close releases the active backend.
func (m *Manager) Close() error {
	err := m.closeActive()
	m.kind, m.direct, m.relay, m.directRole = KindNone, nil, nil, directRole{}
	return err
}
