package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/tablesync/internal/transport"
)

// Client is one member's connection to the lobby service. Replies to Create
// and Join are matched to their request; every other inbound message goes to
// the handler passed to Dial, which runs on the read goroutine.
type Client struct {
	conn    *websocket.Conn
	id      transport.PeerID
	handler func(Message)

	wmu sync.Mutex // serializes writes to conn

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan Message

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the lobby service at url and waits for the member id it
// assigns. handler may be nil.
func Dial(ctx context.Context, url string, handler func(Message)) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lobby %s: %w", url, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var welcome Message
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read lobby welcome: %w", err)
	}
	if welcome.Type != TypeWelcome || welcome.Peer == 0 {
		conn.Close()
		return nil, fmt.Errorf("unexpected first lobby message %q", welcome.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if handler == nil {
		handler = func(Message) {}
	}
	c := &Client{
		conn:    conn,
		id:      welcome.Peer,
		handler: handler,
		pending: make(map[uint64]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ID returns the member id the service assigned to this connection.
func (c *Client) ID() transport.PeerID { return c.id }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Create opens a new lobby owned by this member, leaving any current one.
func (c *Client) Create(ctx context.Context) (Info, error) {
	reply, err := c.request(ctx, Message{Type: TypeCreate})
	if err != nil {
		return Info{}, fmt.Errorf("create lobby: %w", err)
	}
	return reply.info(), nil
}

// Join enters lobby id, leaving any current one.
func (c *Client) Join(ctx context.Context, id string) (Info, error) {
	reply, err := c.request(ctx, Message{Type: TypeJoin, Lobby: id})
	if err != nil {
		return Info{}, fmt.Errorf("join lobby %s: %w", id, err)
	}
	return reply.info(), nil
}

// Leave exits the current lobby.
func (c *Client) Leave() error {
	return c.send(Message{Type: TypeLeave})
}

// Signal forwards a handshake step to another member of the same lobby.
func (c *Client) Signal(to transport.PeerID, sig Signal) error {
	return c.send(Message{Type: TypeSignal, Peer: to, Signal: &sig})
}

// Invite asks the service to invite another member into this member's lobby.
func (c *Client) Invite(to transport.PeerID) error {
	return c.send(Message{Type: TypeInvite, Peer: to})
}

// Close ends the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

func (c *Client) send(msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, msg Message) (Message, error) {
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.seq++
	msg.Seq = c.seq
	c.pending[msg.Seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return Message{}, err
	}

	select {
	case reply := <-ch:
		if reply.Type == TypeError {
			if reply.Error == ErrNoLobby.Error() {
				return Message{}, ErrNoLobby
			}
			return Message{}, errors.New(reply.Error)
		}
		return reply, nil
	case <-c.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		if msg.Seq != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.Seq]
			c.mu.Unlock()
			if ok {
				ch <- msg
				continue
			}
		}
		c.handler(msg)
	}
}
