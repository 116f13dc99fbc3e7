package direct

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/1ureka/tablesync/internal/transport"
)

// Frame kinds.
const (
	frameHello byte = 0x01 // announces the sender's peer id
	frameData  byte = 0x02 // carries an application payload
)

const (
	headerSize   = 1 + 8 + 8 // kind | src | dst
	maxFrameSize = 1 << 24
)

var (
	errShortFrame   = errors.New("frame too short")
	errUnknownFrame = errors.New("unknown frame kind")
)

// frame is the unit exchanged between direct peers. dst 0 addresses every
// peer. The host relays frames between clients without touching src.
type frame struct {
	kind    byte
	src     transport.PeerID
	dst     transport.PeerID
	payload []byte
}

func (f frame) appendTo(buf []byte) []byte {
	buf = append(buf, f.kind)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(f.src))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(f.dst))
	return append(buf, f.payload...)
}

func parseFrame(b []byte) (frame, error) {
	if len(b) < headerSize {
		return frame{}, fmt.Errorf("%w: %d bytes", errShortFrame, len(b))
	}
	f := frame{
		kind:    b[0],
		src:     transport.PeerID(binary.LittleEndian.Uint64(b[1:9])),
		dst:     transport.PeerID(binary.LittleEndian.Uint64(b[9:17])),
		payload: b[headerSize:],
	}
	if f.kind != frameHello && f.kind != frameData {
		return frame{}, fmt.Errorf("%w: 0x%02x", errUnknownFrame, f.kind)
	}
	return f, nil
}
