package wire

// Type is the numeric wire discriminator (`t` field) for a message.
type Type uint8

// The discriminator space is partitioned by concern; see spec §4.1.
const (
	TypeEstablishRequest  Type = 0x01
	TypeEstablishResponse Type = 0x02

	TypeSyncRequest  Type = 0x10
	TypeSyncResponse Type = 0x11
	TypeUpdate       Type = 0x12

	TypeDirectoryRequest  Type = 0x20
	TypeDirectoryResponse Type = 0x21
	TypeNewDoc            Type = 0x22

	TypeDeleteRequest  Type = 0x30
	TypeDeleteResponse Type = 0x31

	TypeEphemeral Type = 0x40

	TypeBatch Type = 0x50
)

// Identity is carried by the establishment handshake.
type Identity struct {
	PeerID PeerID      `cbor:"p"`
	Name   string      `cbor:"n"`
	Kind   AdapterType `cbor:"k"`
}

// TransmissionKind distinguishes the four sync-response/update bodies.
type TransmissionKind uint8

const (
	TransmissionUpToDate TransmissionKind = iota
	TransmissionSnapshot
	TransmissionUpdate
	TransmissionUnavailable
)

// Transmission is the payload attached to a sync-response or update
// message. Only Snapshot and Update carry Data; Version travels as raw,
// engine-owned bytes (see internal/crdt).
type Transmission struct {
	Kind    TransmissionKind `cbor:"k"`
	Data    []byte           `cbor:"d,omitempty"`
	Version []byte           `cbor:"v,omitempty"`
}

// EstablishRequest is sent by the initiator of a new channel.
type EstablishRequest struct {
	Identity Identity `cbor:"i"`
	// Auth carries an opaque authentication payload (spec §1 Non-goals:
	// the core does not define authentication). When
	// rules.SignedEstablishPredicate gates the handshake, this holds a JSON-encoded SignedIdentity (see
	// internal/rules) instead of being empty.
	Auth []byte `cbor:"a,omitempty"`
}

// EstablishResponse is sent by the acceptor in reply.
type EstablishResponse struct {
	Identity Identity `cbor:"i"`
	Auth     []byte   `cbor:"a,omitempty"`
}

// EphemeralEntry is one peer's ephemeral value within a namespace.
// Empty Data denotes explicit deletion.
type EphemeralEntry struct {
	PeerID    PeerID `cbor:"p"`
	Namespace string `cbor:"n"`
	Data      []byte `cbor:"d"`
}

// SyncRequest asks the receiver to report (and possibly send) its state
// for DocID relative to RequesterVersion.
type SyncRequest struct {
	DocID            DocID            `cbor:"doc"`
	RequesterVersion []byte           `cbor:"rv,omitempty"`
	Bidirectional    bool             `cbor:"bi"`
	Ephemeral        []EphemeralEntry `cbor:"e,omitempty"`
}

// SyncResponse answers a SyncRequest. Unsolicited pushes travel as
// Update messages (TypeUpdate) instead.
type SyncResponse struct {
	DocID        DocID            `cbor:"doc"`
	Transmission Transmission     `cbor:"t"`
	Ephemeral    []EphemeralEntry `cbor:"e,omitempty"`
}

// Update is an unsolicited push of new document bytes.
type Update struct {
	DocID        DocID        `cbor:"doc"`
	Transmission Transmission `cbor:"t"`
}

// DirectoryRequest asks what documents the receiver has. A nil/empty
// DocIDs means "tell me everything you have".
type DirectoryRequest struct {
	DocIDs []DocID `cbor:"docs,omitempty"`
}

// DirectoryResponse answers a DirectoryRequest.
type DirectoryResponse struct {
	DocIDs []DocID `cbor:"docs"`
}

// NewDoc announces newly created documents.
type NewDoc struct {
	DocIDs []DocID `cbor:"docs"`
}

// DeleteRequest asks the receiver to forget a document.
type DeleteRequest struct {
	DocID DocID `cbor:"doc"`
}

// DeleteStatus is the outcome reported by DeleteResponse.
type DeleteStatus string

const (
	DeleteStatusDeleted DeleteStatus = "deleted"
	DeleteStatusIgnored DeleteStatus = "ignored"
)

// DeleteResponse answers a DeleteRequest.
type DeleteResponse struct {
	DocID  DocID        `cbor:"doc"`
	Status DeleteStatus `cbor:"s"`
}

// Ephemeral carries presence state with a bounded relay hop count.
type Ephemeral struct {
	DocID         DocID            `cbor:"doc"`
	HopsRemaining int              `cbor:"h"`
	Stores        []EphemeralEntry `cbor:"s"`
}

// Batch wraps multiple messages for amortized framing. Nested batches
// are forbidden on the wire: the codec splices an inner Batch's
// messages into the outer list (EncodeBatchFrame before encoding,
// DecodeFrame after decoding).
type Batch struct {
	Messages []Message `cbor:"m"`
}

// Message is the sum type of every concrete wire message, tagged by
// Type. Exactly one of the typed fields is populated, matching Type.
type Message struct {
	Type Type `cbor:"t"`

	EstablishRequest  *EstablishRequest  `cbor:"1,omitempty"`
	EstablishResponse *EstablishResponse `cbor:"2,omitempty"`
	SyncRequest       *SyncRequest       `cbor:"10,omitempty"`
	SyncResponse      *SyncResponse      `cbor:"11,omitempty"`
	Update            *Update            `cbor:"12,omitempty"`
	DirectoryRequest  *DirectoryRequest  `cbor:"20,omitempty"`
	DirectoryResponse *DirectoryResponse `cbor:"21,omitempty"`
	NewDoc            *NewDoc            `cbor:"22,omitempty"`
	DeleteRequest     *DeleteRequest     `cbor:"30,omitempty"`
	DeleteResponse    *DeleteResponse    `cbor:"31,omitempty"`
	Ephemeral         *Ephemeral         `cbor:"40,omitempty"`
	Batch             *Batch             `cbor:"50,omitempty"`
}
