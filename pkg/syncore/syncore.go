// Package syncore is the embedding point for an application that wants
// peer-to-peer document sync without reaching into internal/. It mirrors
// the shape of the teacher's pkg/knirvbase wrapper (an Options-driven
// constructor, a thin struct delegating to the real implementation, and
// a Raw escape hatch) recast around documents and sync handles instead
// of a database and its collections.
package syncore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/knirvcorp/syncore/internal/bridgeadapter"
	"github.com/knirvcorp/syncore/internal/crdt"
	"github.com/knirvcorp/syncore/internal/ephemeral"
	"github.com/knirvcorp/syncore/internal/metrics"
	"github.com/knirvcorp/syncore/internal/network"
	"github.com/knirvcorp/syncore/internal/repo"
	"github.com/knirvcorp/syncore/internal/rules"
	"github.com/knirvcorp/syncore/internal/synchronizer"
	"github.com/knirvcorp/syncore/internal/wire"
)

// Options configures a Replica.
type Options struct {
	// PeerID uniquely identifies this replica to the peers it talks to.
	// Required.
	PeerID string
	// Name is a human-readable label sent alongside PeerID on handshake.
	Name string

	// Rules gates handshake, reveal, update, delete and create against
	// a peer's request. The zero value allows everything.
	Rules rules.Rules

	// EstablishAuth is the opaque auth payload attached to outgoing
	// handshake messages (e.g. a bearer token for rules.AuthGate, or a
	// rules.SignEstablish proof). Nil when the deployment runs open.
	EstablishAuth []byte

	AwarenessTTL      time.Duration
	EphemeralTTL      time.Duration
	Ephemeral         ephemeral.EncryptionConfig
	HeartbeatInterval time.Duration

	// EngineFactory constructs a fresh CRDT engine for a newly created
	// document. Defaults to a *crdt.TextEngine attributed to PeerID.
	EngineFactory func() crdt.Engine

	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Replica is the public handle an application holds: one embedded
// synchronizer plus whatever transports it has been told to use.
type Replica struct {
	repo   *repo.Repo
	tcp    *network.TCPAdapter
	bridge *bridgeadapter.Bridge
}

// New validates opts and constructs a Replica around them.
func New(opts Options) (*Replica, error) {
	if opts.PeerID == "" {
		return nil, fmt.Errorf("syncore: PeerID cannot be empty")
	}

	r := repo.New(synchronizer.Config{
		Identity:          wire.Identity{PeerID: wire.PeerID(opts.PeerID), Name: opts.Name},
		EstablishAuth:     opts.EstablishAuth,
		Rules:             opts.Rules,
		AwarenessTTL:      opts.AwarenessTTL,
		EphemeralTTL:      opts.EphemeralTTL,
		Ephemeral:         opts.Ephemeral,
		HeartbeatInterval: opts.HeartbeatInterval,
		EngineFactory:     opts.EngineFactory,
		Metrics:           opts.Metrics,
		Log:               opts.Log,
	})
	return &Replica{repo: r}, nil
}

// Identity returns this replica's own identity.
func (rep *Replica) Identity() wire.Identity { return rep.repo.Identity() }

// ListenTCP starts accepting inbound connections on addr (":0" for an
// ephemeral port), lazily creating this replica's TCP adapter on first
// call, and returns the bound address.
func (rep *Replica) ListenTCP(ctx context.Context, addr string) (string, error) {
	return rep.ensureTCP(ctx).Listen(addr)
}

// DialTCP connects to a remote replica listening at addr, lazily
// creating this replica's TCP adapter on first call.
func (rep *Replica) DialTCP(ctx context.Context, addr string) error {
	_, err := rep.ensureTCP(ctx).Dial(addr)
	return err
}

func (rep *Replica) ensureTCP(ctx context.Context) *network.TCPAdapter {
	if rep.tcp == nil {
		rep.tcp = network.NewTCPAdapter(ctx, rep.repo.OnInbound)
		rep.repo.RegisterAdapter(rep.tcp.Base)
	}
	return rep.tcp
}

// LinkInProcess connects two replicas living in the same process
// directly, with no socket and no fragmentation. Useful for tests and
// for embedding multiple replicas (e.g. multiple browser tabs sharing a
// worker) in one binary.
func LinkInProcess(a, b *Replica) error {
	if _, _, err := bridgeadapter.Link(a.ensureBridge(), b.ensureBridge()); err != nil {
		return fmt.Errorf("syncore: link in-process: %w", err)
	}
	return nil
}

func (rep *Replica) ensureBridge() *bridgeadapter.Bridge {
	if rep.bridge == nil {
		rep.bridge = bridgeadapter.New(rep.repo.OnInbound)
		rep.repo.RegisterAdapter(rep.bridge.Base)
	}
	return rep.bridge
}

// StartHeartbeat starts periodic ephemeral rebroadcast for every
// document with subscribers.
func (rep *Replica) StartHeartbeat(ctx context.Context) { rep.repo.StartHeartbeat(ctx) }

// StopHeartbeat halts a heartbeat started by StartHeartbeat.
func (rep *Replica) StopHeartbeat() { rep.repo.StopHeartbeat() }

// Get returns a Doc handle for docID, creating its backing document on
// first reference and announcing it to connected peers.
func (rep *Replica) Get(docID string) *Doc {
	return &Doc{inner: rep.repo.Get(wire.DocID(docID))}
}

// Delete removes docID locally and asks every subscribed peer to do
// the same.
func (rep *Replica) Delete(docID string) { rep.repo.Delete(wire.DocID(docID)) }

// Raw returns the underlying repo.Repo for callers that need facilities
// pkg/syncore does not expose directly.
func (rep *Replica) Raw() *repo.Repo { return rep.repo }

// Doc is an explicit handle naming one document.
type Doc struct {
	inner *repo.Doc
}

// ID returns the document id this handle names.
func (d *Doc) ID() wire.DocID { return d.inner.ID() }

// Engine returns the underlying CRDT engine. Applications mutate the
// document through engine-specific methods (e.g. *crdt.TextEngine's
// InsertAt/DeleteAt); the replica learns of the change automatically.
func (d *Doc) Engine() crdt.Engine { return d.inner.Engine() }

// WaitOpts configures SyncHandle.WaitForSync.
type WaitOpts = repo.WaitOpts

// NoTimeout disables WaitForSync's deadline entirely.
const NoTimeout = repo.NoTimeout

// ErrNoAdapters is returned by WaitForSync when the owning Replica has
// no channel of the requested kinds currently registered.
var ErrNoAdapters = repo.ErrNoAdapters

// SyncHandle is the live view onto a document's per-peer readiness and
// presence.
type SyncHandle struct {
	inner *repo.SyncHandle
}

// Sync binds doc to its live SyncHandle. It is a free function, not a
// Doc method, so a caller holding just a Doc is never tempted to treat
// it as also owning sync machinery.
func Sync(doc *Doc) *SyncHandle {
	return &SyncHandle{inner: repo.Sync(doc.inner)}
}

// ReadyStates returns a snapshot of every known peer's ready state for
// this document.
func (h *SyncHandle) ReadyStates() map[wire.PeerID]wire.ReadyState { return h.inner.ReadyStates() }

// OnReadyStateChange subscribes to ready-state transitions for this
// document. The returned func unsubscribes.
func (h *SyncHandle) OnReadyStateChange(fn func(peerID wire.PeerID, state wire.ReadyState)) func() {
	return h.inner.OnReadyStateChange(fn)
}

// WaitForSync blocks until every currently known peer has settled into
// a terminal ready state for this document, ctx is done, or the timeout
// elapses, whichever comes first.
func (h *SyncHandle) WaitForSync(ctx context.Context, opts WaitOpts) error {
	return h.inner.WaitForSync(ctx, opts)
}

// Subscribe registers cb to fire after every committed change to the
// document, local edits and imported remote updates alike. The returned
// func unsubscribes.
func (h *SyncHandle) Subscribe(cb func()) func() { return h.inner.Subscribe(cb) }

// Presence returns the presence accessor for this document.
func (h *SyncHandle) Presence() *Presence { return &Presence{inner: h.inner.Presence()} }

// Presence exposes ephemeral per-peer state scoped to one document.
type Presence struct {
	inner *repo.Presence
}

// SetSelf publishes data under this replica's own identity in
// namespace, broadcasting it to every subscribed peer. Empty data
// deletes it.
func (p *Presence) SetSelf(namespace string, data []byte) { p.inner.SetSelf(namespace, data) }

// Get returns peerID's live value in namespace, if any.
func (p *Presence) Get(namespace string, peerID wire.PeerID) ([]byte, bool) {
	return p.inner.Get(namespace, peerID)
}

// Peers returns every live entry in namespace, excluding tombstones.
func (p *Presence) Peers(namespace string) map[wire.PeerID][]byte { return p.inner.Peers(namespace) }

// Subscribe registers cb to fire whenever namespace changes for this
// document. The returned func unsubscribes.
func (p *Presence) Subscribe(namespace string, cb func()) func() { return p.inner.Subscribe(namespace, cb) }
