// Package codec translates in-memory wire.Message variants to and from
// the length-prefixed CBOR frame format described in spec §4.1.
package codec

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"

	"github.com/knirvcorp/syncore/internal/wire"
)

// Version is the only frame version this codec understands. Frames
// carrying any other version byte are rejected with UnsupportedVersion;
// there is no negotiation.
const Version byte = 2

const (
	flagBatch byte = 1 << 0

	headerSize = 6 // version(1) + flags(1) + length(4)
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeFrame encodes a single message as a non-batch frame.
func EncodeFrame(msg wire.Message) ([]byte, error) {
	payload, err := encMode.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return buildFrame(0, payload), nil
}

// EncodeBatchFrame encodes a batch of messages under the BATCH flag.
// Nested batches are flattened before encoding: a wire.Message carrying
// a non-nil Batch field has its inner messages spliced into the outer
// array rather than nested.
func EncodeBatchFrame(msgs []wire.Message) ([]byte, error) {
	flat := flatten(msgs)
	payload, err := encMode.Marshal(flat)
	if err != nil {
		return nil, err
	}
	return buildFrame(flagBatch, payload), nil
}

func flatten(msgs []wire.Message) []wire.Message {
	out := make([]wire.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Type == wire.TypeBatch && m.Batch != nil {
			out = append(out, flatten(m.Batch.Messages)...)
			continue
		}
		out = append(out, m)
	}
	return out
}

func buildFrame(flags byte, payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	frame[0] = Version
	frame[1] = flags
	binary.BigEndian.PutUint32(frame[2:6], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame
}

// DecodeFrame parses a frame and returns its constituent messages.
// Single-message frames return a one-element slice. Decode tolerates
// any []byte-like input that may alias a larger buffer (the host's
// analogue of a Uint8Array subclass) by copying into a plain buffer
// before invoking the CBOR layer, so slicing/aliasing on the caller's
// side never affects decode results.
func DecodeFrame(data []byte) ([]wire.Message, error) {
	buf := make([]byte, len(data))
	copy(buf, data)

	if len(buf) < headerSize {
		return nil, newDecodeError(TruncatedFrame, nil)
	}

	version := buf[0]
	if version != Version {
		return nil, newDecodeError(UnsupportedVersion, nil)
	}
	flags := buf[1]
	length := binary.BigEndian.Uint32(buf[2:6])

	payload := buf[headerSize:]
	if uint32(len(payload)) < length {
		return nil, newDecodeError(TruncatedFrame, nil)
	}
	payload = payload[:length]

	if flags&flagBatch != 0 {
		var msgs []wire.Message
		if err := decMode.Unmarshal(payload, &msgs); err != nil {
			return nil, newDecodeError(InvalidCBOR, err)
		}
		if len(msgs) == 0 {
			return nil, newDecodeError(InvalidCBOR, nil)
		}
		return flatten(msgs), nil
	}

	var msg wire.Message
	if err := decMode.Unmarshal(payload, &msg); err != nil {
		return nil, newDecodeError(InvalidCBOR, err)
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	if msg.Type == wire.TypeBatch && msg.Batch != nil {
		return flatten(msg.Batch.Messages), nil
	}
	return []wire.Message{msg}, nil
}

// validate checks that the discriminator's required field is present
// and well-typed, producing MissingField/InvalidType as appropriate.
func validate(msg wire.Message) error {
	switch msg.Type {
	case wire.TypeEstablishRequest:
		if msg.EstablishRequest == nil {
			return newDecodeError(MissingField, nil)
		}
	case wire.TypeEstablishResponse:
		if msg.EstablishResponse == nil {
			return newDecodeError(MissingField, nil)
		}
	case wire.TypeSyncRequest:
		if msg.SyncRequest == nil {
			return newDecodeError(MissingField, nil)
		}
	case wire.TypeSyncResponse:
		if msg.SyncResponse == nil {
			return newDecodeError(MissingField, nil)
		}
	case wire.TypeUpdate:
		if msg.Update == nil {
			return newDecodeError(MissingField, nil)
		}
	case wire.TypeDirectoryRequest:
		if msg.DirectoryRequest == nil {
			return newDecodeError(MissingField, nil)
		}
	case wire.TypeDirectoryResponse:
		if msg.DirectoryResponse == nil {
			return newDecodeError(MissingField, nil)
		}
	case wire.TypeNewDoc:
		if msg.NewDoc == nil {
			return newDecodeError(MissingField, nil)
		}
	case wire.TypeDeleteRequest:
		if msg.DeleteRequest == nil {
			return newDecodeError(MissingField, nil)
		}
	case wire.TypeDeleteResponse:
		if msg.DeleteResponse == nil {
			return newDecodeError(MissingField, nil)
		}
	case wire.TypeEphemeral:
		if msg.Ephemeral == nil {
			return newDecodeError(MissingField, nil)
		}
	case wire.TypeBatch:
		if msg.Batch == nil {
			return newDecodeError(MissingField, nil)
		}
	default:
		return newDecodeError(InvalidType, nil)
	}
	return nil
}
