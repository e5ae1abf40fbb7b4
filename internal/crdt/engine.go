// Package crdt defines the contract the synchronizer requires of a CRDT
// engine (spec §6.3) and ships one reference engine implementing it.
// Production deployments substitute any engine satisfying Engine; the
// synchronizer never inspects document bytes itself.
package crdt

import "github.com/knirvcorp/syncore/internal/clock"

// VersionVector is the opaque logical-clock representation the
// synchronizer stores and compares but never interprets. The reference
// engine backs it with the teacher's vector clock implementation
// (internal/clock), reused unmodified.
type VersionVector = clock.VectorClock

// EncodeVersion/DecodeVersion give the synchronizer a byte encoding for
// VersionVector without requiring it to understand the engine's
// internal representation (spec: "supports encode()->bytes,
// decode(bytes)").
func EncodeVersion(v VersionVector) ([]byte, error) { return encodeVector(v) }
func DecodeVersion(b []byte) (VersionVector, error) { return decodeVector(b) }

// ExportMode selects what Engine.Export returns. A zero value (Since
// == nil) requests a full snapshot.
type ExportMode struct {
	Since VersionVector
}

// Unsubscribe detaches a previously registered change subscriber.
type Unsubscribe func()

// Engine is the full surface the synchronizer consumes from a CRDT
// document handle. It is intentionally small: everything about how
// operations are represented, merged, or persisted is engine-private.
type Engine interface {
	// Version returns the engine's current logical clock.
	Version() VersionVector

	// Import merges remote bytes (a snapshot or a delta) into this
	// document. The engine is authoritative for merge semantics; the
	// synchronizer treats the result opaquely and only inspects the
	// error to decide whether to drop the message.
	Import(data []byte) error

	// Export serializes this document per mode: a full snapshot when
	// mode.Since is nil, or the ops/changes not yet reflected in
	// mode.Since otherwise.
	Export(mode ExportMode) ([]byte, error)

	// Subscribe registers a callback fired after every committed
	// mutation (local or imported).
	Subscribe(cb func()) Unsubscribe

	// OpCount reports the number of committed operations, used by
	// tests asserting "nothing was applied" (spec §8 scenario 3).
	OpCount() int

	// IsDetached reports whether the handle is viewing a historical
	// checkout rather than the live tip.
	IsDetached() bool

	// CheckoutToLatest re-attaches a detached handle to the live tip.
	CheckoutToLatest()

	// DecideTransmission chooses how to answer a sync-request given the
	// requester's version vector (nil/empty means "requester has
	// nothing"). The exact far-ahead-vs-update threshold is
	// engine-defined (spec §9 Open Question 3); callers only need the
	// resulting classification and, when applicable, the payload to
	// send.
	DecideTransmission(requesterVersion VersionVector) (Transmission, error)
}

// TransmissionKind mirrors wire.TransmissionKind without importing the
// wire package, keeping this package's dependency surface minimal.
type TransmissionKind int

const (
	TransmissionUpToDate TransmissionKind = iota
	TransmissionSnapshot
	TransmissionUpdate
)

// Transmission is what DecideTransmission hands back to the caller:
// a classification plus, for Snapshot/Update, the bytes to send.
type Transmission struct {
	Kind    TransmissionKind
	Data    []byte
	Version VersionVector
}
