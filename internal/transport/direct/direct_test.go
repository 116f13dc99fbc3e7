package direct

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/1ureka/tablesync/internal/transport"
)

// inbox accumulates everything a transport yields across polls.
type inbox struct {
	tr  *Transport
	got []transport.Message
}

func (in *inbox) poll() {
	for m := range in.tr.Recv() {
		in.got = append(in.got, m)
	}
	_ = in.tr.Flush()
}

func (in *inbox) has(src transport.PeerID, data string) bool {
	return slices.ContainsFunc(in.got, func(m transport.Message) bool {
		return m.Src == src && string(m.Data) == data
	})
}

// eventually polls every inbox until cond holds or five seconds pass.
func eventually(t *testing.T, cond func() bool, boxes ...*inbox) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, b := range boxes {
			b.poll()
		}
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func startHost(t *testing.T) *Transport {
	t.Helper()
	h, err := Host(context.Background(), "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Host failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func join(t *testing.T, h *Transport) *Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Join(ctx, h.Addr().String(), Options{})
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFrameRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		f    frame
	}{
		{"hello", frame{kind: frameHello, src: 7}},
		{"broadcast data", frame{kind: frameData, src: 1, payload: []byte("abc")}},
		{"addressed data", frame{kind: frameData, src: 1, dst: 1<<64 - 1, payload: []byte{0}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseFrame(tc.f.appendTo(nil))
			if err != nil {
				t.Fatalf("parseFrame failed: %v", err)
			}
			if got.kind != tc.f.kind || got.src != tc.f.src || got.dst != tc.f.dst || !bytes.Equal(got.payload, tc.f.payload) {
				t.Errorf("got %+v, want %+v", got, tc.f)
			}
		})
	}
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	if _, err := parseFrame(make([]byte, headerSize-1)); !errors.Is(err, errShortFrame) {
		t.Errorf("short frame error = %v", err)
	}
	bad := frame{kind: 0x7f}.appendTo(nil)
	if _, err := parseFrame(bad); !errors.Is(err, errUnknownFrame) {
		t.Errorf("unknown kind error = %v", err)
	}
}

func TestHostFailsOnBadAddress(t *testing.T) {
	if _, err := Host(context.Background(), "256.0.0.1:bad", Options{}); err == nil {
		t.Fatal("expected bind error")
	}
}

// TestJoinHandshake verifies both sides see each other after the hello exchange.
func TestJoinHandshake(t *testing.T) {
	h := startHost(t)
	c := join(t, h)
	hb, cb := &inbox{tr: h}, &inbox{tr: c}

	eventually(t, func() bool {
		return slices.Contains(h.Peers(), c.MyID()) && slices.Contains(c.Peers(), h.MyID())
	}, hb, cb)

	if h.MyID() == 0 || c.MyID() == 0 || h.MyID() == c.MyID() {
		t.Errorf("ids not distinct and non-zero: host %s client %s", h.MyID(), c.MyID())
	}
}

// TestReliableAndUnreliableDelivery sends in both directions at both
// reliability levels.
func TestReliableAndUnreliableDelivery(t *testing.T) {
	h := startHost(t)
	c := join(t, h)
	hb, cb := &inbox{tr: h}, &inbox{tr: c}
	eventually(t, func() bool { return len(c.Peers()) == 1 && len(h.Peers()) == 1 }, hb, cb)

	if err := c.Send(h.MyID(), []byte("up"), transport.Reliable); err != nil {
		t.Fatalf("client Send failed: %v", err)
	}
	if err := h.Send(c.MyID(), []byte("down"), transport.Reliable); err != nil {
		t.Fatalf("host Send failed: %v", err)
	}
	if err := h.Broadcast([]byte("fast"), transport.Unreliable); err != nil {
		t.Fatalf("host Broadcast failed: %v", err)
	}

	eventually(t, func() bool {
		return hb.has(c.MyID(), "up") && cb.has(h.MyID(), "down") && cb.has(h.MyID(), "fast")
	}, hb, cb)
}

// TestHostRelaysBetweenClients verifies the star relay keeps the original
// sender and honours addressing.
func TestHostRelaysBetweenClients(t *testing.T) {
	h := startHost(t)
	c1 := join(t, h)
	c2 := join(t, h)
	hb, b1, b2 := &inbox{tr: h}, &inbox{tr: c1}, &inbox{tr: c2}
	eventually(t, func() bool { return len(h.Peers()) == 2 && len(c1.Peers()) == 1 && len(c2.Peers()) == 1 }, hb, b1, b2)

	_ = c1.Broadcast([]byte("all"), transport.Reliable)
	_ = c1.Send(c2.MyID(), []byte("only-c2"), transport.Reliable)
	_ = c1.Flush()

	eventually(t, func() bool {
		return hb.has(c1.MyID(), "all") && b2.has(c1.MyID(), "all") && b2.has(c1.MyID(), "only-c2")
	}, hb, b1, b2)

	if hb.has(c1.MyID(), "only-c2") {
		t.Error("host delivered a message addressed to another client")
	}
	if b1.has(c1.MyID(), "all") {
		t.Error("sender received its own broadcast")
	}
}

// TestSendAfterDisconnectIsNoop verifies that once a peer leaves, sends to it
// succeed without delivering.
func TestSendAfterDisconnectIsNoop(t *testing.T) {
	h := startHost(t)
	c := join(t, h)
	hb, cb := &inbox{tr: h}, &inbox{tr: c}
	eventually(t, func() bool { return len(h.Peers()) == 1 }, hb, cb)

	gone := c.MyID()
	c.Close()
	eventually(t, func() bool { return len(h.Peers()) == 0 }, hb)

	if err := h.Send(gone, []byte("x"), transport.Reliable); err != nil {
		t.Errorf("Send to departed peer returned %v", err)
	}
	if err := h.Broadcast([]byte("x"), transport.Unreliable); err != nil {
		t.Errorf("Broadcast returned %v", err)
	}
}

// TestSendToUnknownPeerIsNoop verifies the silent-drop rule before any peer joins.
func TestSendToUnknownPeerIsNoop(t *testing.T) {
	h := startHost(t)
	if err := h.Send(12345, []byte("x"), transport.Reliable); err != nil {
		t.Errorf("Send returned %v, want nil", err)
	}
	if n := len(h.Peers()); n != 0 {
		t.Errorf("Peers = %d, want 0", n)
	}
}

// TestRecvEarlyStopKeepsRemainder verifies unconsumed messages stay queued.
func TestRecvEarlyStopKeepsRemainder(t *testing.T) {
	h := startHost(t)
	c := join(t, h)
	hb, cb := &inbox{tr: h}, &inbox{tr: c}
	eventually(t, func() bool { return len(h.Peers()) == 1 && len(c.Peers()) == 1 }, hb, cb)

	for _, s := range []string{"a", "b"} {
		_ = c.Send(h.MyID(), []byte(s), transport.Reliable)
	}
	_ = c.Flush()

	// wait until both frames are queued on the host
	deadline := time.Now().Add(5 * time.Second)
	for len(h.events) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	var first []byte
	for m := range h.Recv() {
		first = m.Data
		break
	}
	if string(first) != "a" {
		t.Fatalf("first message = %q, want a", first)
	}

	eventually(t, func() bool { return hb.has(c.MyID(), "b") }, hb)
}

// TestSendBeforeDisconnectIsApplied covers the window between a connection
// ending and Recv applying it: sends and flushes to the peer stay silent.
func TestSendBeforeDisconnectIsApplied(t *testing.T) {
	h := startHost(t)
	c := join(t, h)
	hb, cb := &inbox{tr: h}, &inbox{tr: c}
	eventually(t, func() bool { return len(h.Peers()) == 1 && len(c.Peers()) == 1 }, hb, cb)

	gone := c.MyID()
	p := h.peers[gone]
	c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !h.gone(p) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !h.gone(p) {
		t.Fatal("host never noticed the closed connection")
	}
	if !slices.Contains(h.Peers(), gone) {
		t.Fatal("disconnect applied before Recv ran")
	}

	for i, r := range []transport.Reliability{transport.Reliable, transport.Reliable, transport.Unreliable} {
		if err := h.Send(gone, bytes.Repeat([]byte("x"), writeBufSize), r); err != nil {
			t.Fatalf("Send #%d to closed peer returned %v", i, err)
		}
		if err := h.Flush(); err != nil {
			t.Fatalf("Flush #%d returned %v", i, err)
		}
	}

	eventually(t, func() bool { return len(h.Peers()) == 0 }, hb)
}

// TestJoinOutlivesSetupContext verifies a cancelled setup context does not
// tear the connection down.
func TestJoinOutlivesSetupContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h, err := Host(ctx, "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Host failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	c, err := Join(ctx, h.Addr().String(), Options{})
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	cancel()

	hb, cb := &inbox{tr: h}, &inbox{tr: c}
	eventually(t, func() bool {
		return slices.Contains(h.Peers(), c.MyID()) && slices.Contains(c.Peers(), h.MyID())
	}, hb, cb)

	_ = c.Send(h.MyID(), []byte("after-cancel"), transport.Reliable)
	eventually(t, func() bool { return hb.has(c.MyID(), "after-cancel") }, hb, cb)
}
