// Package lobby implements the discovery and signaling service used by the
// relay backend: peers connect over WebSocket, gather in lobbies, and relay
// WebRTC offers, answers and ICE candidates to each other through it.
package lobby

import (
	"errors"

	"github.com/1ureka/tablesync/internal/transport"
)

var (
	// ErrNoLobby is returned when joining a lobby that does not exist.
	ErrNoLobby = errors.New("lobby not found")
	// ErrClosed is returned by requests on a client whose connection ended.
	ErrClosed = errors.New("lobby connection closed")
)

// Type identifies a lobby message.
type Type string

const (
	TypeWelcome      Type = "welcome"       // server: assigned member id
	TypeCreate       Type = "create"        // client: open a lobby and own it
	TypeJoin         Type = "join"          // client: enter an existing lobby
	TypeLeave        Type = "leave"         // client: leave the current lobby
	TypeLobby        Type = "lobby"         // server: lobby snapshot, reply to create/join
	TypeMemberJoined Type = "member_joined" // server: Peer entered your lobby
	TypeMemberLeft   Type = "member_left"   // server: Peer left your lobby
	TypeSignal       Type = "signal"        // both: WebRTC signaling for Peer
	TypeInvite       Type = "invite"        // both: invitation to Lobby
	TypeError        Type = "error"         // server: request failed
)

// SignalKind identifies the payload of a Signal.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal carries one step of the WebRTC handshake between two members.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	// Initiator is set by the side that sent the offer, so the receiver knows
	// which of its links the message belongs to.
	Initiator bool `json:"initiator,omitempty"`
}

// Message is the JSON structure exchanged over the lobby WebSocket. Peer is
// the target on messages sent by a client and the origin on messages
// forwarded by the server. A non-zero Seq marks a request; the server echoes
// it in the reply.
type Message struct {
	Type    Type               `json:"type"`
	Seq     uint64             `json:"seq,omitempty"`
	Peer    transport.PeerID   `json:"peer,omitempty"`
	Lobby   string             `json:"lobby,omitempty"`
	Owner   transport.PeerID   `json:"owner,omitempty"`
	Members []transport.PeerID `json:"members,omitempty"`
	Signal  *Signal            `json:"signal,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Info describes a lobby.
type Info struct {
	ID      string             `json:"id"`
	Owner   transport.PeerID   `json:"owner"`
	Members []transport.PeerID `json:"members"`
}

func (m Message) info() Info {
	return Info{ID: m.Lobby, Owner: m.Owner, Members: m.Members}
}
