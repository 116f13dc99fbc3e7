// Package direct implements the addressable backend: one peer hosts a QUIC
// listener, the others join it by address. The topology is a star; the host
// relays frames between clients. Reliable frames travel length-prefixed on a
// single bidirectional stream per connection, unreliable frames as QUIC
// datagrams.
package direct

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"math/rand/v2"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/1ureka/tablesync/internal/transport"
	"github.com/1ureka/tablesync/internal/util"
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Flusher   = (*Transport)(nil)
)

const (
	eventQueueSize = 4096
	writeBufSize   = 64 * 1024
)

// Options tunes the QUIC connections. Zero values keep quic-go's defaults.
type Options struct {
	IdleTimeout time.Duration
	KeepAlive   time.Duration
}

func (o Options) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  o.IdleTimeout,
		KeepAlivePeriod: o.KeepAlive,
	}
}

// peer is one QUIC connection. connected flips once its hello is seen; dead
// is set by the readers as soon as the connection ends, before Recv applies
// the disconnect.
type peer struct {
	id        transport.PeerID
	conn      *quic.Conn
	stream    *quic.Stream
	w         *bufio.Writer
	connected bool
	dead      atomic.Bool
	dropOnce  sync.Once
}

type eventKind uint8

const (
	evFrame eventKind = iota
	evClosed
)

type event struct {
	kind        eventKind
	peer        *peer
	frame       frame
	reliability transport.Reliability
}

// Transport is the direct backend. Send, Broadcast, Recv and Flush belong to
// the tick thread; background goroutines only read sockets and queue events.
type Transport struct {
	id     transport.PeerID
	isHost bool

	ctx    context.Context
	cancel context.CancelFunc
	ln     *quic.Listener
	local  net.Addr

	events chan event

	// peers holds connected peers by id; touched only by the tick thread.
	peers    map[transport.PeerID]*peer
	upstream *peer // client only: the connection to the host

	mu    sync.Mutex
	conns map[*peer]struct{}
}

// newTransport owns its background context: the ctx given to Host or Join
// only bounds setup.
func newTransport(isHost bool) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		id:     newPeerID(),
		isHost: isHost,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan event, eventQueueSize),
		peers:  make(map[transport.PeerID]*peer),
		conns:  make(map[*peer]struct{}),
	}
}

func newPeerID() transport.PeerID {
	for {
		if id := rand.Uint64(); id != 0 {
			return transport.PeerID(id)
		}
	}
}

// Host binds a QUIC listener on addr and accepts joining peers in the
// background.
func Host(ctx context.Context, addr string, opts Options) (*Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	tlsConf, err := serverTLS()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	ln, err := quic.ListenAddr(addr, tlsConf, opts.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	t := newTransport(true)
	t.ln = ln
	t.local = ln.Addr()

	go t.acceptLoop()

	util.LogInfo("direct host %s listening on %s", t.id, t.local)
	return t, nil
}

// Join dials a host and announces itself. The host counts as connected once
// its hello comes back through Recv.
func Join(ctx context.Context, addr string, opts Options) (*Transport, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLS(), opts.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}

	t := newTransport(false)
	t.local = conn.LocalAddr()

	p := t.track(conn, stream)
	t.upstream = p

	// quic-go only surfaces the stream to the host once data is written on it.
	if err := t.writeReliable(p, frame{kind: frameHello, src: t.id}); err != nil {
		t.Close()
		return nil, fmt.Errorf("send hello to %s: %w", addr, err)
	}
	if err := p.w.Flush(); err != nil {
		t.Close()
		return nil, fmt.Errorf("send hello to %s: %w", addr, err)
	}

	go t.readStream(p)
	go t.readDatagrams(p)

	util.LogInfo("direct peer %s joining %s", t.id, addr)
	return t, nil
}

// Addr reports the local address: the listener for a host, the socket for a
// client.
func (t *Transport) Addr() net.Addr { return t.local }

func (t *Transport) MyID() transport.PeerID { return t.id }

// Peers lists the ids of connected peers.
func (t *Transport) Peers() []transport.PeerID {
	ids := make([]transport.PeerID, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Update has nothing to drain; lifecycle events are applied inside Recv.
func (t *Transport) Update() {}

// Send delivers data to one peer. A client routes every destination through
// the host. Unknown or not-yet-connected peers are skipped silently.
func (t *Transport) Send(dest transport.PeerID, data []byte, r transport.Reliability) error {
	if dest == t.id || dest == 0 {
		return nil
	}
	p := t.route(dest)
	if p == nil {
		util.LogDebug("direct: drop message to unknown peer %s", dest)
		return nil
	}
	return t.write(p, frame{kind: frameData, src: t.id, dst: dest, payload: data}, r)
}

// Broadcast delivers data to every connected peer. Per-peer failures are
// logged and skipped.
func (t *Transport) Broadcast(data []byte, r transport.Reliability) error {
	f := frame{kind: frameData, src: t.id, payload: data}
	for _, p := range t.peers {
		if err := t.write(p, f, r); err != nil {
			util.LogDebug("direct: broadcast to %s failed: %v", p.id, err)
		}
	}
	return nil
}

// Flush pushes buffered reliable frames to every connected peer.
func (t *Transport) Flush() error {
	for _, p := range t.peers {
		if t.gone(p) {
			continue
		}
		if err := p.w.Flush(); err != nil {
			util.LogDebug("direct: flush to %s failed: %v", p.id, err)
		}
	}
	return nil
}

// Recv drains the events queued so far. Connects and disconnects are applied
// on the way and not surfaced; only data addressed to this peer is yielded.
// Frames the host relays between clients are written here too.
func (t *Transport) Recv() iter.Seq[transport.Message] {
	return func(yield func(transport.Message) bool) {
		for range len(t.events) {
			var ev event
			select {
			case ev = <-t.events:
			default:
				return
			}

			msg, ok := t.handle(ev)
			if !ok {
				continue
			}
			util.Stats.AddRecv(len(msg.Data))
			if !yield(msg) {
				return
			}
		}
	}
}

// Close tears down every connection and the listener.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	conns := make([]*peer, 0, len(t.conns))
	for p := range t.conns {
		conns = append(conns, p)
	}
	t.conns = make(map[*peer]struct{})
	t.mu.Unlock()

	var errs []error
	for _, p := range conns {
		errs = append(errs, p.conn.CloseWithError(0, "closed"))
	}
	if t.ln != nil {
		errs = append(errs, t.ln.Close())
	}
	for id := range t.peers {
		delete(t.peers, id)
		util.Stats.RemovePeer()
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Event handling (tick thread)
// ---------------------------------------------------------------------------

func (t *Transport) handle(ev event) (transport.Message, bool) {
	p := ev.peer

	if ev.kind == evClosed {
		if p.connected {
			p.connected = false
			delete(t.peers, p.id)
			util.Stats.RemovePeer()
			util.LogInfo("direct: peer %s disconnected", p.id)
		}
		return transport.Message{}, false
	}

	f := ev.frame
	if f.kind == frameHello {
		if !p.connected {
			p.id = f.src
			p.connected = true
			t.peers[p.id] = p
			util.Stats.AddPeer()
			util.LogInfo("direct: peer %s connected from %s", p.id, p.conn.RemoteAddr())

			if t.isHost {
				err := t.writeReliable(p, frame{kind: frameHello, src: t.id})
				if err == nil {
					err = p.w.Flush()
				}
				if err != nil {
					util.LogWarning("direct: hello to %s failed: %v", p.id, err)
				}
			}
		}
		return transport.Message{}, false
	}

	if !p.connected {
		return transport.Message{}, false
	}

	msg := transport.Message{Src: f.src, Data: f.payload}
	if !t.isHost {
		return msg, true
	}

	switch f.dst {
	case 0:
		for id, other := range t.peers {
			if id == p.id || id == f.src {
				continue
			}
			if err := t.write(other, f, ev.reliability); err != nil {
				util.LogDebug("direct: relay to %s failed: %v", id, err)
			}
		}
		return msg, true
	case t.id:
		return msg, true
	default:
		if other, ok := t.peers[f.dst]; ok {
			if err := t.write(other, f, ev.reliability); err != nil {
				util.LogDebug("direct: relay to %s failed: %v", f.dst, err)
			}
		}
		return transport.Message{}, false
	}
}

func (t *Transport) route(dest transport.PeerID) *peer {
	if !t.isHost {
		if t.upstream != nil && t.upstream.connected {
			return t.upstream
		}
		return nil
	}
	return t.peers[dest]
}

// write sends f to p. A peer whose connection has ended is skipped silently,
// even before Recv has applied its disconnect.
func (t *Transport) write(p *peer, f frame, r transport.Reliability) error {
	if t.gone(p) {
		util.LogDebug("direct: drop message to closed peer %s", p.id)
		return nil
	}
	var err error
	if r == transport.Unreliable {
		buf := f.appendTo(make([]byte, 0, headerSize+len(f.payload)))
		if err = p.conn.SendDatagram(buf); err == nil {
			util.Stats.AddSent(len(buf))
			return nil
		}
		err = fmt.Errorf("datagram to %s: %w", p.id, err)
	} else if err = t.writeReliable(p, f); err == nil {
		return nil
	}
	if t.lost(p, err) {
		util.LogDebug("direct: drop message to closed peer %s: %v", p.id, err)
		return nil
	}
	return err
}

// gone reports whether p's connection has ended.
func (t *Transport) gone(p *peer) bool {
	return p.dead.Load() || p.conn.Context().Err() != nil
}

// lost reports whether err came from p's connection ending. The readers
// notice the same and queue the disconnect.
func (t *Transport) lost(p *peer, err error) bool {
	if !t.gone(p) {
		return false
	}
	p.dead.Store(true)
	return true
}

// writeReliable appends a length-prefixed frame to p's stream buffer; it
// reaches the wire on Flush or when the buffer fills.
func (t *Transport) writeReliable(p *peer, f frame) error {
	buf := make([]byte, 4, 4+headerSize+len(f.payload))
	buf = f.appendTo(buf)
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(buf)-4))
	if _, err := p.w.Write(buf); err != nil {
		return fmt.Errorf("stream to %s: %w", p.id, err)
	}
	util.Stats.AddSent(len(buf))
	return nil
}

// ---------------------------------------------------------------------------
// Background readers
// ---------------------------------------------------------------------------

func (t *Transport) track(conn *quic.Conn, stream *quic.Stream) *peer {
	p := &peer{conn: conn, stream: stream, w: bufio.NewWriterSize(stream, writeBufSize)}
	t.mu.Lock()
	t.conns[p] = struct{}{}
	t.mu.Unlock()
	return p
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				util.LogWarning("direct: accept stopped: %v", err)
			}
			return
		}
		go func() {
			stream, err := conn.AcceptStream(t.ctx)
			if err != nil {
				util.LogDebug("direct: %s opened no stream: %v", conn.RemoteAddr(), err)
				_ = conn.CloseWithError(0, "")
				return
			}
			p := t.track(conn, stream)
			go t.readDatagrams(p)
			t.readStream(p)
		}()
	}
}

func (t *Transport) readStream(p *peer) {
	r := bufio.NewReader(p.stream)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			t.drop(p, err)
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > maxFrameSize {
			t.drop(p, fmt.Errorf("frame of %d bytes exceeds limit", n))
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			t.drop(p, err)
			return
		}
		f, err := parseFrame(buf)
		if err != nil {
			util.Stats.AddDropped()
			util.LogDebug("direct: bad frame on stream: %v", err)
			continue
		}
		if !t.push(event{kind: evFrame, peer: p, frame: f, reliability: transport.Reliable}) {
			return
		}
	}
}

func (t *Transport) readDatagrams(p *peer) {
	for {
		b, err := p.conn.ReceiveDatagram(t.ctx)
		if err != nil {
			t.drop(p, err)
			return
		}
		f, err := parseFrame(b)
		if err != nil {
			util.Stats.AddDropped()
			util.LogDebug("direct: bad datagram: %v", err)
			continue
		}
		if !t.push(event{kind: evFrame, peer: p, frame: f, reliability: transport.Unreliable}) {
			return
		}
	}
}

func (t *Transport) push(ev event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// drop closes p once and queues its disconnect.
func (t *Transport) drop(p *peer, cause error) {
	p.dead.Store(true)
	p.dropOnce.Do(func() {
		if t.ctx.Err() == nil {
			util.LogDebug("direct: connection to %s ended: %v", p.conn.RemoteAddr(), cause)
		}
		_ = p.conn.CloseWithError(0, "")
		t.mu.Lock()
		delete(t.conns, p)
		t.mu.Unlock()
		t.push(event{kind: evClosed, peer: p})
	})
}
