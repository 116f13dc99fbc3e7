package lobby

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/tablesync/internal/transport"
	"github.com/1ureka/tablesync/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type member struct {
	id    transport.PeerID
	conn  *websocket.Conn
	wmu   sync.Mutex
	lobby string
}

func (m *member) write(msg Message) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if err := m.conn.WriteJSON(msg); err != nil {
		util.LogDebug("lobby: write %s to %s failed: %v", msg.Type, m.id, err)
	}
}

type room struct {
	id      string
	owner   transport.PeerID
	members []transport.PeerID // in join order
}

func (r *room) snapshot() Info {
	return Info{ID: r.id, Owner: r.owner, Members: slices.Clone(r.members)}
}

// delivery is a message queued while the server lock is held and written
// after it is released.
type delivery struct {
	to  *member
	msg Message
}

// Server is the lobby service.
type Server struct {
	mu      sync.Mutex
	members map[transport.PeerID]*member
	rooms   map[string]*room
}

// NewServer creates an empty lobby service.
func NewServer() *Server {
	RegisterMetrics()
	return &Server{
		members: make(map[transport.PeerID]*member),
		rooms:   make(map[string]*room),
	}
}

// Router returns the HTTP surface: the member WebSocket on /ws, a JSON lobby
// listing, prometheus metrics and a health probe.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		s.serveMember(conn)
	})
	r.GET("/lobbies", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"lobbies": s.Lobbies()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

// Serve handles connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start lobby server: %w", err)
	}
	util.LogInfo("lobby listening on %s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Lobbies lists the open lobbies ordered by id.
func (s *Server) Lobbies() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---------------------------------------------------------------------------
// Member connections
// ---------------------------------------------------------------------------

func (s *Server) serveMember(conn *websocket.Conn) {
	m := s.register(conn)
	defer s.unregister(m)

	m.write(Message{Type: TypeWelcome, Peer: m.id})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		messagesTotal.WithLabelValues(messageLabel(msg.Type)).Inc()
		s.flush(s.handle(m, msg))
	}
}

func (s *Server) register(conn *websocket.Conn) *member {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := transport.PeerID(util.PeerIDFromConn(conn.NetConn()))
	for id == 0 || s.members[id] != nil {
		id++
	}
	m := &member{id: id, conn: conn}
	s.members[id] = m
	membersGauge.Inc()
	util.LogInfo("lobby: member %s connected from %s", id, conn.RemoteAddr())
	return m
}

func (s *Server) unregister(m *member) {
	s.mu.Lock()
	out := s.leaveLocked(m)
	delete(s.members, m.id)
	membersGauge.Dec()
	s.mu.Unlock()

	s.flush(out)
	m.conn.Close()
	util.LogInfo("lobby: member %s disconnected", m.id)
}

func (s *Server) flush(out []delivery) {
	for _, d := range out {
		d.to.write(d.msg)
	}
}

func (s *Server) handle(m *member, msg Message) []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := func(r Message) []delivery {
		r.Seq = msg.Seq
		return []delivery{{to: m, msg: r}}
	}
	fail := func(err error) []delivery {
		return reply(Message{Type: TypeError, Error: err.Error()})
	}

	switch msg.Type {
	case TypeCreate:
		out := s.leaveLocked(m)
		r := &room{id: uuid.NewString(), owner: m.id, members: []transport.PeerID{m.id}}
		s.rooms[r.id] = r
		m.lobby = r.id
		lobbiesGauge.Inc()
		util.LogInfo("lobby: %s created by %s", r.id, m.id)
		return append(out, reply(lobbyMessage(r))...)

	case TypeJoin:
		r, ok := s.rooms[msg.Lobby]
		if !ok {
			return fail(ErrNoLobby)
		}
		if m.lobby == r.id {
			return reply(lobbyMessage(r))
		}
		out := s.leaveLocked(m)
		for _, id := range r.members {
			out = append(out, delivery{to: s.members[id], msg: Message{Type: TypeMemberJoined, Lobby: r.id, Peer: m.id}})
		}
		r.members = append(r.members, m.id)
		m.lobby = r.id
		util.LogInfo("lobby: %s joined %s", m.id, r.id)
		return append(out, reply(lobbyMessage(r))...)

	case TypeLeave:
		return s.leaveLocked(m)

	case TypeSignal:
		to, ok := s.members[msg.Peer]
		if !ok || msg.Signal == nil || m.lobby == "" || to.lobby != m.lobby {
			util.LogDebug("lobby: drop signal from %s to %s", m.id, msg.Peer)
			return nil
		}
		return []delivery{{to: to, msg: Message{Type: TypeSignal, Peer: m.id, Lobby: m.lobby, Signal: msg.Signal}}}

	case TypeInvite:
		if m.lobby == "" {
			return fail(errors.New("not in a lobby"))
		}
		to, ok := s.members[msg.Peer]
		if !ok {
			return fail(fmt.Errorf("no member %s", msg.Peer))
		}
		return []delivery{{to: to, msg: Message{Type: TypeInvite, Peer: m.id, Lobby: m.lobby}}}

	default:
		return fail(fmt.Errorf("unknown message type %q", msg.Type))
	}
}

// leaveLocked removes m from its lobby, hands ownership to the longest
// present member when the owner leaves, and closes the lobby once empty.
func (s *Server) leaveLocked(m *member) []delivery {
	r, ok := s.rooms[m.lobby]
	m.lobby = ""
	if !ok {
		return nil
	}

	r.members = slices.DeleteFunc(r.members, func(id transport.PeerID) bool { return id == m.id })
	if len(r.members) == 0 {
		delete(s.rooms, r.id)
		lobbiesGauge.Dec()
		util.LogInfo("lobby: %s closed", r.id)
		return nil
	}
	if r.owner == m.id {
		r.owner = r.members[0]
	}

	out := make([]delivery, 0, len(r.members))
	for _, id := range r.members {
		out = append(out, delivery{to: s.members[id], msg: Message{Type: TypeMemberLeft, Lobby: r.id, Peer: m.id, Owner: r.owner}})
	}
	return out
}

func lobbyMessage(r *room) Message {
	info := r.snapshot()
	return Message{Type: TypeLobby, Lobby: info.ID, Owner: info.Owner, Members: info.Members}
}
