package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Decoding errors.
var (
	ErrShortPacket   = errors.New("packet too short")
	ErrUnknownTag    = errors.New("unknown packet tag")
	ErrTrailingBytes = errors.New("trailing bytes after packet")
)

var le = binary.LittleEndian

// Encode serializes a Packet for transmission. Integers are little endian;
// float fields are copied bit for bit, so NaN payloads and denormals survive.
func Encode(pkt *Packet) ([]byte, error) {
	switch pkt.Tag {
	case TagPos:
		buf := make([]byte, 0, TagSize+4+len(pkt.Pos)*PosEntrySize)
		buf = append(buf, TagPos)
		buf = le.AppendUint32(buf, uint32(len(pkt.Pos)))
		for _, e := range pkt.Pos {
			buf = le.AppendUint64(buf, uint64(e.ID))
			buf = appendTransform(buf, e.Transform)
		}
		return buf, nil

	case TagRequest, TagReceived:
		buf := make([]byte, 0, TagSize+IDSize)
		buf = append(buf, pkt.Tag)
		return le.AppendUint64(buf, uint64(pkt.ID)), nil

	case TagNew:
		state, err := MarshalState(pkt.State)
		if err != nil {
			return nil, fmt.Errorf("encode state of %016x: %w", uint64(pkt.ID), err)
		}
		buf := make([]byte, 0, TagSize+IDSize+4+len(state)+TransformSize)
		buf = append(buf, TagNew)
		buf = le.AppendUint64(buf, uint64(pkt.ID))
		buf = le.AppendUint32(buf, uint32(len(state)))
		buf = append(buf, state...)
		return appendTransform(buf, pkt.Transform), nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, pkt.Tag)
	}
}

// Decode deserializes a byte slice produced by Encode.
func Decode(data []byte) (*Packet, error) {
	if len(data) < TagSize {
		return nil, fmt.Errorf("%w: empty", ErrShortPacket)
	}
	r := reader{buf: data[TagSize:]}
	pkt := &Packet{Tag: data[0]}

	switch pkt.Tag {
	case TagPos:
		n, ok := r.uint32()
		if !ok {
			return nil, fmt.Errorf("%w: Pos count", ErrShortPacket)
		}
		// check the declared count against what is actually there before allocating
		if uint64(n)*PosEntrySize > uint64(len(r.buf)) {
			return nil, fmt.Errorf("%w: Pos declares %d entries, %d bytes left", ErrShortPacket, n, len(r.buf))
		}
		pkt.Pos = make([]PosEntry, n)
		for i := range pkt.Pos {
			id, _ := r.uint64()
			pkt.Pos[i].ID = SyncObjectMe(id)
			pkt.Pos[i].Transform, _ = r.transform()
		}

	case TagRequest, TagReceived:
		id, ok := r.uint64()
		if !ok {
			return nil, fmt.Errorf("%w: %s id", ErrShortPacket, TagName(pkt.Tag))
		}
		pkt.ID = SyncObjectMe(id)

	case TagNew:
		id, ok := r.uint64()
		if !ok {
			return nil, fmt.Errorf("%w: New id", ErrShortPacket)
		}
		pkt.ID = SyncObjectMe(id)

		n, ok := r.uint32()
		if !ok || uint64(n) > uint64(len(r.buf)) {
			return nil, fmt.Errorf("%w: New state", ErrShortPacket)
		}
		state, err := UnmarshalState(r.next(int(n)))
		if err != nil {
			return nil, fmt.Errorf("decode state of %016x: %w", id, err)
		}
		pkt.State = state

		if pkt.Transform, ok = r.transform(); !ok {
			return nil, fmt.Errorf("%w: New transform", ErrShortPacket)
		}

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, pkt.Tag)
	}

	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrTrailingBytes, len(r.buf))
	}
	return pkt, nil
}

func appendTransform(buf []byte, t Transform) []byte {
	for _, f := range t.Translation {
		buf = le.AppendUint32(buf, math.Float32bits(f))
	}
	for _, f := range t.Rotation {
		buf = le.AppendUint32(buf, math.Float32bits(f))
	}
	for _, f := range t.Scale {
		buf = le.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

// reader consumes fixed-width fields from the front of buf.
type reader struct {
	buf []byte
}

func (r *reader) next(n int) []byte {
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) uint32() (uint32, bool) {
	if len(r.buf) < 4 {
		return 0, false
	}
	return le.Uint32(r.next(4)), true
}

func (r *reader) uint64() (uint64, bool) {
	if len(r.buf) < 8 {
		return 0, false
	}
	return le.Uint64(r.next(8)), true
}

func (r *reader) transform() (Transform, bool) {
	var t Transform
	if len(r.buf) < TransformSize {
		return t, false
	}
	for i := range t.Translation {
		t.Translation[i] = math.Float32frombits(le.Uint32(r.next(4)))
	}
	for i := range t.Rotation {
		t.Rotation[i] = math.Float32frombits(le.Uint32(r.next(4)))
	}
	for i := range t.Scale {
		t.Scale[i] = math.Float32frombits(le.Uint32(r.next(4)))
	}
	return t, true
}
