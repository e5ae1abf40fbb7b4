package crdt

import "github.com/fxamacker/cbor/v2"

// encodeVector/decodeVector give VersionVector a concrete byte
// encoding. The wire codec never looks inside these bytes (spec
// §4.1: "version vectors are encoded as raw bytes... the codec treats
// them opaquely"); CBOR via fxamacker/cbor keeps the engine on the
// same serialization dependency the wire codec already uses rather
// than introducing a second format for engine-owned state.
func encodeVector(v VersionVector) ([]byte, error) {
	if v == nil {
		v = VersionVector{}
	}
	return cbor.Marshal(v)
}

func decodeVector(b []byte) (VersionVector, error) {
	if len(b) == 0 {
		return VersionVector{}, nil
	}
	var v VersionVector
	if err := cbor.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	if v == nil {
		v = VersionVector{}
	}
	return v, nil
}
