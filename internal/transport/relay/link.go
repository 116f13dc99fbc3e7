package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tablesync/internal/lobby"
	"github.com/1ureka/tablesync/internal/transport"
	"github.com/1ureka/tablesync/internal/util"
)

// Unreliable payloads are dropped while more than this is waiting in the
// unreliable channel's send buffer.
const highWaterMark = 256 * 1024

type linkState uint8

const (
	linkConnected linkState = iota + 1
	linkDisconnected
)

// hooks connect a link to its Transport. They are called from pion's
// goroutines.
type hooks struct {
	state   func(l link, s linkState)
	message func(l link, data []byte)
	signal  func(sig lobby.Signal) // local description or candidate for the remote peer
}

// link is the connection to one remote peer.
type link interface {
	signal(sig lobby.Signal) error // apply a remote answer or candidate
	send(data []byte, r transport.Reliability) error
	close() error
	isClosed() bool
}

// dialer creates links: offer for peers this side connects to, answer for
// peers that connect to this side.
type dialer interface {
	offer(peer transport.PeerID, h hooks) (link, error)
	answer(peer transport.PeerID, sdp string, h hooks) (link, error)
}

type pionDialer struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func newPionDialer(opts Options) *pionDialer {
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	var config webrtc.Configuration
	if len(opts.STUNServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.STUNServers}}
	}
	return &pionDialer{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		config: config,
	}
}

func (d *pionDialer) offer(peer transport.PeerID, h hooks) (link, error) {
	l, err := d.newLink(h)
	if err != nil {
		return nil, err
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.close()
		return nil, fmt.Errorf("CreateOffer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.close()
		return nil, fmt.Errorf("SetLocalDescription: %w", err)
	}
	l.sendDescription(lobby.Signal{Kind: lobby.SignalOffer, SDP: offer.SDP})
	return l, nil
}

func (d *pionDialer) answer(peer transport.PeerID, sdp string, h hooks) (link, error) {
	l, err := d.newLink(h)
	if err != nil {
		return nil, err
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		l.close()
		return nil, fmt.Errorf("SetRemoteDescription: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		l.close()
		return nil, fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		l.close()
		return nil, fmt.Errorf("SetLocalDescription: %w", err)
	}
	l.sendDescription(lobby.Signal{Kind: lobby.SignalAnswer, SDP: answer.SDP})
	return l, nil
}

// pionLink is a PeerConnection with two pre-negotiated DataChannels: ID 0
// reliable and ordered, ID 1 unordered without retransmits. Negotiated mode
// lets both sides create them without OnDataChannel.
type pionLink struct {
	pc         *webrtc.PeerConnection
	reliable   *webrtc.DataChannel
	unreliable *webrtc.DataChannel
	h          hooks

	opened   atomic.Int32
	closed   atomic.Bool
	downOnce sync.Once

	mu         sync.Mutex
	descSent   bool                      // local candidates wait for the description
	localCands []lobby.Signal            // gathered before descSent
	remoteSet  bool                      // remote candidates wait for the answer
	remoteCand []webrtc.ICECandidateInit // received before remoteSet
}

func (d *pionDialer) newLink(h hooks) (*pionLink, error) {
	pc, err := d.api.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("NewPeerConnection: %w", err)
	}
	l := &pionLink{pc: pc, h: h}

	ordered, unordered := true, false
	negotiated := true
	zero := uint16(0)
	relID, unrelID := uint16(0), uint16(1)

	l.reliable, err = pc.CreateDataChannel("reliable", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &relID,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("CreateDataChannel: %w", err)
	}
	l.unreliable, err = pc.CreateDataChannel("unreliable", &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &zero,
		Negotiated:     &negotiated,
		ID:             &unrelID,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("CreateDataChannel: %w", err)
	}

	for _, dc := range []*webrtc.DataChannel{l.reliable, l.unreliable} {
		var openOnce sync.Once
		dc.OnOpen(func() {
			openOnce.Do(func() {
				if l.opened.Add(1) == 2 {
					h.state(l, linkConnected)
				}
			})
		})
		dc.OnClose(l.down)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			h.message(l, msg.Data)
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("relay: PeerConnection state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			l.down()
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		sig := lobby.Signal{Kind: lobby.SignalCandidate, Candidate: string(data)}

		l.mu.Lock()
		if !l.descSent {
			l.localCands = append(l.localCands, sig)
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		h.signal(sig)
	})

	return l, nil
}

// sendDescription signals the offer or answer, then any candidates gathered
// while it was being built, so the remote side never sees a candidate first.
func (l *pionLink) sendDescription(sig lobby.Signal) {
	l.h.signal(sig)

	l.mu.Lock()
	l.descSent = true
	queued := l.localCands
	l.localCands = nil
	if sig.Kind == lobby.SignalAnswer {
		l.remoteSet = true
	}
	l.mu.Unlock()

	for _, c := range queued {
		l.h.signal(c)
	}
}

func (l *pionLink) down() {
	if l.closed.Load() {
		return
	}
	l.downOnce.Do(func() { l.h.state(l, linkDisconnected) })
}

func (l *pionLink) signal(sig lobby.Signal) error {
	switch sig.Kind {
	case lobby.SignalAnswer:
		if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
			return fmt.Errorf("SetRemoteDescription: %w", err)
		}
		l.mu.Lock()
		l.remoteSet = true
		queued := l.remoteCand
		l.remoteCand = nil
		l.mu.Unlock()

		var errs []error
		for _, c := range queued {
			errs = append(errs, l.pc.AddICECandidate(c))
		}
		return errors.Join(errs...)

	case lobby.SignalCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(sig.Candidate), &init); err != nil {
			return fmt.Errorf("parse ICE candidate: %w", err)
		}
		l.mu.Lock()
		if !l.remoteSet {
			l.remoteCand = append(l.remoteCand, init)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		return l.pc.AddICECandidate(init)

	default:
		return fmt.Errorf("unexpected %s signal", sig.Kind)
	}
}

func (l *pionLink) send(data []byte, r transport.Reliability) error {
	if r == transport.Unreliable {
		if l.unreliable.BufferedAmount() > highWaterMark {
			util.Stats.AddDropped()
			return nil
		}
		return l.unreliable.Send(data)
	}
	return l.reliable.Send(data)
}

func (l *pionLink) close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return errors.Join(l.reliable.Close(), l.unreliable.Close(), l.pc.Close())
}

func (l *pionLink) isClosed() bool { return l.closed.Load() }
