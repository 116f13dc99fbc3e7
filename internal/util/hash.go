// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
	"net"
)

// PeerIDFromConn computes a 64-bit FNV-1a hash from a connection's 4-tuple
// (local IP, local port, remote IP, remote port). The lobby service uses it
// to hand out member ids; it is not reversible and carries no meaning.
func PeerIDFromConn(conn net.Conn) uint64 {
	h := fnv.New64a()
	h.Write([]byte(conn.LocalAddr().String()))
	h.Write([]byte(conn.RemoteAddr().String()))
	return h.Sum64()
}
