// Package executor carries out the Command values handlers produce:
// sending frames, applying CRDT imports, touching the ephemeral
// store, and updating awareness/ready state. Handlers decide *what*
// should happen by inspecting the Model; Executor is the only place
// that performs the resulting side effects (spec §3: "a handler
// inspects the Model and produces a Command list; the Executor
// performs side effects").
package executor

import (
	"github.com/knirvcorp/syncore/internal/crdt"
	"github.com/knirvcorp/syncore/internal/wire"
)

// Command is the sum type of every side effect a handler can request.
type Command interface {
	isCommand()
	// Kind names the command for metrics labeling.
	Kind() string
}

// SendMessage asks the owning adapter to frame and send msg on
// channelID.
type SendMessage struct {
	ChannelID wire.ChannelID
	Msg       wire.Message
}

// BroadcastToSubscribers sends msg on every Established channel
// subscribed to docID except Exclude (0 to exclude none) — used for
// ephemeral relay (spec §4.4.3) and update fan-out.
type BroadcastToSubscribers struct {
	DocID   wire.DocID
	Exclude wire.ChannelID
	Msg     wire.Message
}

// ImportDoc feeds data to docID's CRDT engine. A decode/merge failure
// is logged and dropped; the channel survives (spec §4.4.5).
type ImportDoc struct {
	DocID wire.DocID
	Data  []byte
}

// CreateDocument ensures docID exists, backed by a freshly constructed
// engine, before further commands (e.g. ImportDoc) reference it.
type CreateDocument struct {
	DocID wire.DocID
}

// SetAwareness records what a peer is now known to believe about a
// document.
type SetAwareness struct {
	PeerID  wire.PeerID
	DocID   wire.DocID
	Status  wire.Awareness
	Version crdt.VersionVector
}

// SetReady transitions (DocID, PeerID)'s aggregated ready state.
type SetReady struct {
	DocID  wire.DocID
	PeerID wire.PeerID
	State  wire.ReadyState
}

// ApplyEphemeral writes one entry into the local ephemeral store.
type ApplyEphemeral struct {
	DocID     wire.DocID
	Namespace string
	PeerID    wire.PeerID
	Data      []byte
}

// RemovePeerEphemeral tombstones every ephemeral entry for PeerID and
// broadcasts the resulting deletions (spec §4.4.3 "Presence
// eviction").
type RemovePeerEphemeral struct {
	PeerID wire.PeerID
}

// SubscribeDoc records that ChannelID's peer is now interested in
// DocID, so future ephemeral relay and update fan-out reach it.
type SubscribeDoc struct {
	DocID     wire.DocID
	ChannelID wire.ChannelID
}

// EstablishChannel upgrades a Connected channel to Established with
// the given remote identity.
type EstablishChannel struct {
	ChannelID wire.ChannelID
	PeerID    wire.PeerID
	PeerName  string
}

// DeleteDocument drops a Document State entirely, honoring a granted
// canDelete.
type DeleteDocument struct {
	DocID wire.DocID
}

func (SendMessage) isCommand()            {}
func (BroadcastToSubscribers) isCommand() {}
func (ImportDoc) isCommand()              {}
func (CreateDocument) isCommand()         {}
func (SetAwareness) isCommand()           {}
func (SetReady) isCommand()               {}
func (ApplyEphemeral) isCommand()         {}
func (RemovePeerEphemeral) isCommand()    {}
func (SubscribeDoc) isCommand()           {}
func (EstablishChannel) isCommand()       {}
func (DeleteDocument) isCommand()         {}

func (SendMessage) Kind() string            { return "send_message" }
func (BroadcastToSubscribers) Kind() string { return "broadcast_to_subscribers" }
func (ImportDoc) Kind() string              { return "import_doc" }
func (CreateDocument) Kind() string         { return "create_document" }
func (SetAwareness) Kind() string           { return "set_awareness" }
func (SetReady) Kind() string               { return "set_ready" }
func (ApplyEphemeral) Kind() string         { return "apply_ephemeral" }
func (RemovePeerEphemeral) Kind() string    { return "remove_peer_ephemeral" }
func (SubscribeDoc) Kind() string           { return "subscribe_doc" }
func (EstablishChannel) Kind() string       { return "establish_channel" }
func (DeleteDocument) Kind() string         { return "delete_document" }
