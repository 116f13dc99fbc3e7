// Package relay implements the lobby-mediated backend. Peers meet in a lobby
// on the lobby service, exchange WebRTC offers, answers and ICE candidates
// through it, and then talk over one PeerConnection per remote peer carrying
// a reliable ordered DataChannel and an unreliable unordered one.
//
// Everything asynchronous (lobby replies, signaling, link state, inbound
// data) lands on bounded channels. Update and Recv drain them on the tick
// thread, which is the only place connection bookkeeping changes.
package relay

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/1ureka/tablesync/internal/lobby"
	"github.com/1ureka/tablesync/internal/transport"
	"github.com/1ureka/tablesync/internal/util"
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Flusher   = (*Transport)(nil)
)

const (
	lobbyQueueSize = 4
	eventQueueSize = 256
	recvQueueSize  = 4096
	requestTimeout = 10 * time.Second
)

// Options configures the relay backend.
type Options struct {
	LobbyURL        string
	STUNServers     []string
	IncludeLoopback bool // offer 127.0.0.1 candidates, for same-host sessions
}

// conn is one remote peer. Reliable payloads wait in outbox until Flush.
type conn struct {
	link      link
	connected bool
	outbox    [][]byte
}

type lobbyResult struct {
	gen  uint64
	info lobby.Info
	err  error
}

type statusKind uint8

const (
	stLink statusKind = iota
	stSignal
	stMemberLeft
	stInvite
	stError
)

// statusEvent feeds step 2 of Update: outbound link state, answers and
// candidates from answering peers, and lobby notifications.
type statusEvent struct {
	kind   statusKind
	peer   transport.PeerID
	link   link
	state  linkState
	signal lobby.Signal
	lobby  string
	owner  transport.PeerID
	err    error
}

type listenKind uint8

const (
	lsConnecting listenKind = iota
	lsCandidate
	lsConnected
	lsDisconnected
)

// listenEvent feeds step 3 of Update: inbound offers and candidates, and the
// state of links this peer answered.
type listenEvent struct {
	kind   listenKind
	peer   transport.PeerID
	link   link
	signal lobby.Signal
}

type inbound struct {
	link link
	msg  transport.Message
}

// Transport is the relay backend.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc
	client *lobby.Client
	dial   dialer
	id     transport.PeerID

	// session state, tick thread only
	gen        uint64
	owner      bool
	listening  bool
	lobbyID    string
	lobbyOwner transport.PeerID
	conns      map[transport.PeerID]*conn
	pending    map[transport.PeerID]link // answered, not yet connected
	lastErr    error

	lobbyCh  chan lobbyResult
	statusCh chan statusEvent
	listenCh chan listenEvent
	recvCh   chan inbound
}

// New connects to the lobby service and learns this peer's id. No lobby is
// entered until Host or Join.
func New(ctx context.Context, opts Options) (*Transport, error) {
	t := newTransport()
	t.dial = newPionDialer(opts)

	client, err := lobby.Dial(ctx, opts.LobbyURL, t.onLobbyMessage)
	if err != nil {
		t.cancel()
		return nil, err
	}
	t.attach(client)

	util.LogInfo("relay peer %s connected to lobby service %s", t.id, opts.LobbyURL)
	return t, nil
}

func newTransport() *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[transport.PeerID]*conn),
		pending:  make(map[transport.PeerID]link),
		lobbyCh:  make(chan lobbyResult, lobbyQueueSize),
		statusCh: make(chan statusEvent, eventQueueSize),
		listenCh: make(chan listenEvent, eventQueueSize),
		recvCh:   make(chan inbound, recvQueueSize),
	}
}

func (t *Transport) attach(client *lobby.Client) {
	t.client = client
	t.id = client.ID()
	go func() {
		select {
		case <-client.Done():
			t.pushStatus(statusEvent{kind: stError, err: lobby.ErrClosed})
		case <-t.ctx.Done():
		}
	}()
}

func (t *Transport) MyID() transport.PeerID { return t.id }

// Lobby returns the id of the current lobby, empty until Host or Join
// completes.
func (t *Transport) Lobby() string { return t.lobbyID }

// Owner reports whether this peer created the current lobby.
func (t *Transport) Owner() bool { return t.owner }

// Err returns the last asynchronous lobby failure.
func (t *Transport) Err() error { return t.lastErr }

// Peers lists the ids of connected peers.
func (t *Transport) Peers() []transport.PeerID {
	var ids []transport.PeerID
	for id, c := range t.conns {
		if c.connected {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Host drops the current session, becomes a lobby owner and starts
// listening. The lobby is created in the background; Update picks it up.
func (t *Transport) Host() {
	t.reset()
	t.owner = true
	t.listening = true

	gen := t.gen
	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, requestTimeout)
		defer cancel()
		info, err := t.client.Create(ctx)
		t.pushLobby(lobbyResult{gen: gen, info: info, err: err})
	}()
}

// Join drops the current session, starts listening and asks to enter lobby
// id in the background. Once Update sees the reply, this peer offers a
// connection to every member already there.
func (t *Transport) Join(id string) {
	t.reset()
	t.listening = true

	gen := t.gen
	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, requestTimeout)
		defer cancel()
		info, err := t.client.Join(ctx, id)
		t.pushLobby(lobbyResult{gen: gen, info: info, err: err})
	}()
}

// Invite asks the lobby service to invite peer into the current lobby. A
// relay peer receiving the invite switches to it on its next Update.
func (t *Transport) Invite(peer transport.PeerID) error {
	if t.lobbyID == "" {
		return fmt.Errorf("invite %s: %w", peer, lobby.ErrNoLobby)
	}
	return t.client.Invite(peer)
}

// Update applies everything that happened since the last tick: first lobby
// results, then outbound link state and lobby notifications, then inbound
// connection attempts when listening.
func (t *Transport) Update() {
	t.drainLobby()
	t.drainStatus()
	if t.listening {
		t.drainListen()
	}
}

// Send queues a reliable payload until Flush, or sends an unreliable one
// immediately. A peer without a connected link is skipped silently.
func (t *Transport) Send(dest transport.PeerID, data []byte, r transport.Reliability) error {
	c, ok := t.conns[dest]
	if !ok || !c.connected {
		util.LogDebug("relay: drop message to unconnected peer %s", dest)
		return nil
	}
	if err := t.sendTo(c, data, r); err != nil {
		return fmt.Errorf("send to %s: %w", dest, err)
	}
	return nil
}

// Broadcast is Send to every connected peer; per-peer failures are logged.
func (t *Transport) Broadcast(data []byte, r transport.Reliability) error {
	for id, c := range t.conns {
		if !c.connected {
			continue
		}
		if err := t.sendTo(c, data, r); err != nil {
			util.LogDebug("relay: broadcast to %s failed: %v", id, err)
		}
	}
	return nil
}

func (t *Transport) sendTo(c *conn, data []byte, r transport.Reliability) error {
	if r == transport.Reliable {
		c.outbox = append(c.outbox, slices.Clone(data))
		return nil
	}
	if err := c.link.send(data, transport.Unreliable); err != nil {
		return err
	}
	util.Stats.AddSent(len(data))
	return nil
}

// Flush sends every queued reliable payload. Payloads for peers that
// disconnected meanwhile are discarded.
func (t *Transport) Flush() error {
	for id, c := range t.conns {
		if !c.connected {
			c.outbox = nil
			continue
		}
		for i, data := range c.outbox {
			if err := c.link.send(data, transport.Reliable); err != nil {
				util.LogDebug("relay: flush to %s failed after %d of %d: %v", id, i, len(c.outbox), err)
				break
			}
			util.Stats.AddSent(len(data))
		}
		c.outbox = c.outbox[:0]
	}
	return nil
}

// Recv yields inbound messages queued so far. Messages from links closed by a
// reset are discarded.
func (t *Transport) Recv() iter.Seq[transport.Message] {
	return func(yield func(transport.Message) bool) {
		for range len(t.recvCh) {
			var in inbound
			select {
			case in = <-t.recvCh:
			default:
				return
			}
			if in.link.isClosed() {
				continue
			}
			util.Stats.AddRecv(len(in.msg.Data))
			if !yield(in.msg) {
				return
			}
		}
	}
}

// Close leaves the lobby service and closes every link.
func (t *Transport) Close() error {
	t.reset()
	t.cancel()
	return t.client.Close()
}

// reset closes every link and forgets the session. Results of requests made
// before the reset are ignored by generation.
func (t *Transport) reset() {
	t.gen++
	for id, c := range t.conns {
		if c.connected {
			util.Stats.RemovePeer()
		}
		_ = c.link.close()
		delete(t.conns, id)
	}
	for id, l := range t.pending {
		_ = l.close()
		delete(t.pending, id)
	}
	t.owner = false
	t.listening = false
	t.lobbyID = ""
	t.lobbyOwner = 0
}

// ---------------------------------------------------------------------------
// Update steps
// ---------------------------------------------------------------------------

func (t *Transport) drainLobby() {
	for range len(t.lobbyCh) {
		var res lobbyResult
		select {
		case res = <-t.lobbyCh:
		default:
			return
		}
		if res.gen != t.gen {
			continue
		}
		if res.err != nil {
			t.fail(res.err)
			continue
		}

		t.lobbyID = res.info.ID
		t.lobbyOwner = res.info.Owner
		if t.owner {
			util.LogSuccess("relay: hosting lobby %s", t.lobbyID)
			continue
		}

		util.LogSuccess("relay: joined lobby %s owned by %s", t.lobbyID, t.lobbyOwner)
		for _, peer := range res.info.Members {
			if peer != t.id {
				t.connect(peer)
			}
		}
	}
}

func (t *Transport) connect(peer transport.PeerID) {
	if _, ok := t.conns[peer]; ok {
		return
	}
	l, err := t.dial.offer(peer, t.outboundHooks(peer))
	if err != nil {
		util.LogWarning("relay: connect to %s failed: %v", peer, err)
		return
	}
	t.conns[peer] = &conn{link: l}
	util.LogInfo("relay: connecting to %s", peer)
}

func (t *Transport) drainStatus() {
	for range len(t.statusCh) {
		var ev statusEvent
		select {
		case ev = <-t.statusCh:
		default:
			return
		}

		switch ev.kind {
		case stLink:
			c, ok := t.conns[ev.peer]
			if !ok || c.link != ev.link {
				continue
			}
			switch {
			case ev.state == linkConnected && !c.connected:
				c.connected = true
				util.Stats.AddPeer()
				util.LogInfo("relay: connected to %s", ev.peer)
			case ev.state == linkDisconnected && c.connected:
				c.connected = false
				util.Stats.RemovePeer()
				util.LogInfo("relay: %s disconnected", ev.peer)
			}

		case stSignal:
			if c, ok := t.conns[ev.peer]; ok {
				if err := c.link.signal(ev.signal); err != nil {
					util.LogDebug("relay: apply %s from %s: %v", ev.signal.Kind, ev.peer, err)
				}
			}

		case stMemberLeft:
			t.lobbyOwner = ev.owner
			if c, ok := t.conns[ev.peer]; ok {
				if c.connected {
					util.Stats.RemovePeer()
				}
				_ = c.link.close()
				delete(t.conns, ev.peer)
			}
			if l, ok := t.pending[ev.peer]; ok {
				_ = l.close()
				delete(t.pending, ev.peer)
			}
			util.LogInfo("relay: %s left the lobby", ev.peer)

		case stInvite:
			util.LogInfo("relay: %s invited us to lobby %s", ev.peer, ev.lobby)
			t.Join(ev.lobby)

		case stError:
			t.fail(ev.err)
		}
	}
}

func (t *Transport) drainListen() {
	for range len(t.listenCh) {
		var ev listenEvent
		select {
		case ev = <-t.listenCh:
		default:
			return
		}

		switch ev.kind {
		case lsConnecting:
			t.drop(ev.peer)
			l, err := t.dial.answer(ev.peer, ev.signal.SDP, t.inboundHooks(ev.peer))
			if err != nil {
				util.LogWarning("relay: answer %s failed: %v", ev.peer, err)
				continue
			}
			t.pending[ev.peer] = l
			util.LogInfo("relay: accepting connection from %s", ev.peer)

		case lsCandidate:
			l, ok := t.pending[ev.peer]
			if !ok {
				if c, found := t.conns[ev.peer]; found {
					l, ok = c.link, true
				}
			}
			if ok {
				if err := l.signal(ev.signal); err != nil {
					util.LogDebug("relay: candidate from %s: %v", ev.peer, err)
				}
			}

		case lsConnected:
			if t.pending[ev.peer] != ev.link {
				continue
			}
			delete(t.pending, ev.peer)
			t.conns[ev.peer] = &conn{link: ev.link, connected: true}
			util.Stats.AddPeer()
			util.LogInfo("relay: %s connected", ev.peer)

		case lsDisconnected:
			if t.pending[ev.peer] == ev.link {
				_ = ev.link.close()
				delete(t.pending, ev.peer)
			}
			if c, ok := t.conns[ev.peer]; ok && c.link == ev.link {
				if c.connected {
					util.Stats.RemovePeer()
				}
				_ = c.link.close()
				delete(t.conns, ev.peer)
				util.LogInfo("relay: %s disconnected", ev.peer)
			}
		}
	}
}

// drop forgets any link to peer, before a fresh offer from it is answered.
func (t *Transport) drop(peer transport.PeerID) {
	if l, ok := t.pending[peer]; ok {
		_ = l.close()
		delete(t.pending, peer)
	}
	if c, ok := t.conns[peer]; ok {
		if c.connected {
			util.Stats.RemovePeer()
		}
		_ = c.link.close()
		delete(t.conns, peer)
	}
}

func (t *Transport) fail(err error) {
	t.lastErr = err
	util.LogError("relay: %v", err)
}

// ---------------------------------------------------------------------------
// Asynchronous producers
// ---------------------------------------------------------------------------

// onLobbyMessage runs on the lobby client's read goroutine. Signals from an
// offering peer belong to the listen queue, everything else to the status
// queue.
func (t *Transport) onLobbyMessage(msg lobby.Message) {
	switch msg.Type {
	case lobby.TypeSignal:
		if msg.Signal == nil {
			return
		}
		sig := *msg.Signal
		if !sig.Initiator {
			t.pushStatus(statusEvent{kind: stSignal, peer: msg.Peer, signal: sig})
			return
		}
		kind := lsCandidate
		if sig.Kind == lobby.SignalOffer {
			kind = lsConnecting
		}
		t.pushListen(listenEvent{kind: kind, peer: msg.Peer, signal: sig})

	case lobby.TypeMemberJoined:
		util.LogDebug("relay: %s joined lobby %s", msg.Peer, msg.Lobby)

	case lobby.TypeMemberLeft:
		t.pushStatus(statusEvent{kind: stMemberLeft, peer: msg.Peer, owner: msg.Owner})

	case lobby.TypeInvite:
		t.pushStatus(statusEvent{kind: stInvite, peer: msg.Peer, lobby: msg.Lobby})

	case lobby.TypeError:
		t.pushStatus(statusEvent{kind: stError, err: fmt.Errorf("lobby: %s", msg.Error)})
	}
}

func (t *Transport) outboundHooks(peer transport.PeerID) hooks {
	return hooks{
		state: func(l link, s linkState) {
			t.pushStatus(statusEvent{kind: stLink, peer: peer, link: l, state: s})
		},
		message: func(l link, data []byte) { t.pushRecv(l, peer, data) },
		signal: func(sig lobby.Signal) {
			sig.Initiator = true
			if err := t.client.Signal(peer, sig); err != nil {
				util.LogDebug("relay: signal %s to %s: %v", sig.Kind, peer, err)
			}
		},
	}
}

func (t *Transport) inboundHooks(peer transport.PeerID) hooks {
	return hooks{
		state: func(l link, s linkState) {
			kind := lsConnected
			if s == linkDisconnected {
				kind = lsDisconnected
			}
			t.pushListen(listenEvent{kind: kind, peer: peer, link: l})
		},
		message: func(l link, data []byte) { t.pushRecv(l, peer, data) },
		signal: func(sig lobby.Signal) {
			sig.Initiator = false
			if err := t.client.Signal(peer, sig); err != nil {
				util.LogDebug("relay: signal %s to %s: %v", sig.Kind, peer, err)
			}
		},
	}
}

func (t *Transport) pushLobby(res lobbyResult) {
	select {
	case t.lobbyCh <- res:
	case <-t.ctx.Done():
	}
}

func (t *Transport) pushStatus(ev statusEvent) {
	select {
	case t.statusCh <- ev:
	case <-t.ctx.Done():
	}
}

func (t *Transport) pushListen(ev listenEvent) {
	select {
	case t.listenCh <- ev:
	case <-t.ctx.Done():
	}
}

func (t *Transport) pushRecv(l link, peer transport.PeerID, data []byte) {
	select {
	case t.recvCh <- inbound{link: l, msg: transport.Message{Src: peer, Data: data}}:
	case <-t.ctx.Done():
	}
}
