// Package wire defines the in-memory message variants exchanged between
// replicas and the identifiers that name the entities they refer to.
// Translation to and from the framed binary encoding lives in
// internal/codec; this package only describes the domain shapes.
package wire

import "fmt"

// DocID names a document. Opaque outside equality and use as a map key.
type DocID string

// PeerID identifies a remote replica. Stable across reconnections.
type PeerID string

// ChannelID is a locally-assigned, process-unique channel handle.
type ChannelID uint64

// AdapterType tags a class of transport shared across instances
// (e.g. "websocket", "bridge"). AdapterID identifies one instance.
type AdapterType string
type AdapterID string

// ChannelKind partitions channels by trust level and sync eligibility.
type ChannelKind int

const (
	ChannelNetwork ChannelKind = iota
	ChannelStorage
	ChannelOther
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelNetwork:
		return "network"
	case ChannelStorage:
		return "storage"
	case ChannelOther:
		return "other"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Awareness is what a peer is known to believe about one of our documents.
type Awareness int

const (
	AwarenessUnknown Awareness = iota
	AwarenessHasDoc
	AwarenessNoDoc
)

// ReadyState is the observable per-peer, per-document synchronization status.
type ReadyState int

const (
	ReadyConnecting ReadyState = iota
	ReadySyncing
	ReadySynced
	ReadyAbsent
	ReadyDisconnected
)

func (s ReadyState) String() string {
	switch s {
	case ReadyConnecting:
		return "connecting"
	case ReadySyncing:
		return "syncing"
	case ReadySynced:
		return "synced"
	case ReadyAbsent:
		return "absent"
	case ReadyDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
