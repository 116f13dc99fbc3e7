package protocol

import (
	cbor "github.com/fxamacker/cbor/v2"
)

// ObjectState is the transferable state of a piece. Handle holds a resource
// owned by the rendering side (textures, meshes); it never leaves the process
// and is re-attached by whoever instantiates the replica.
type ObjectState struct {
	Kind     string         `cbor:"kind"`
	Name     string         `cbor:"name,omitempty"`
	Cards    []string       `cbor:"cards,omitempty"`
	FaceUp   bool           `cbor:"face_up,omitempty"`
	Tapped   bool           `cbor:"tapped,omitempty"`
	Counters map[string]int `cbor:"counters,omitempty"`

	Handle any `cbor:"-"`
}

var (
	stateEnc cbor.EncMode
	stateDec cbor.DecMode
)

func init() {
	var err error
	if stateEnc, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if stateDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// MarshalState encodes s as deterministic CBOR.
func MarshalState(s ObjectState) ([]byte, error) {
	return stateEnc.Marshal(s)
}

// UnmarshalState decodes CBOR produced by MarshalState.
func UnmarshalState(data []byte) (ObjectState, error) {
	var s ObjectState
	err := stateDec.Unmarshal(data, &s)
	return s, err
}
