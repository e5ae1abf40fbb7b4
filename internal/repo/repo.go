// Package repo implements the facade API an application embeds (spec
// §6): a Repo owning one Synchronizer, an explicit Doc handle naming a
// document, and the free function Sync binding a Doc to its live
// SyncHandle (ready states, waitForSync, presence). This recasts the
// teacher's DB-plus-Collection-proxy shape (spec §9 Open Question 2)
// into explicit values the caller holds, rather than a global cache the
// caller re-resolves a name against on every access.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knirvcorp/syncore/internal/adapter"
	"github.com/knirvcorp/syncore/internal/crdt"
	"github.com/knirvcorp/syncore/internal/synchronizer"
	"github.com/knirvcorp/syncore/internal/syncmodel"
	"github.com/knirvcorp/syncore/internal/wire"
)

// DefaultTimeout bounds WaitForSync when WaitOpts.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ErrNoAdapters is returned by WaitForSync when no channel of the
// requested kinds (network or in-process by default) is currently
// registered, since there would be nothing to wait on (spec §6.4:
// "fails fast rather than hanging forever"). A registered adapter with
// no open channel does not count.
var ErrNoAdapters = errors.New("repo: no peer adapters registered")

// SyncTimeoutError reports that WaitForSync's deadline elapsed before
// every matching peer settled into a terminal ready state for the
// document. It carries a snapshot of the ready states observed at
// expiry so callers can see exactly which peer was still pending.
type SyncTimeoutError struct {
	DocID   wire.DocID
	Kinds   []wire.ChannelKind
	Timeout time.Duration
	States  map[wire.PeerID]wire.ReadyState
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("repo: timed out after %s waiting for doc %q to sync (states: %v)", e.Timeout, e.DocID, e.States)
}

// Repo is the top-level handle an application holds: one Synchronizer
// plus every adapter registered against it.
type Repo struct {
	sync *synchronizer.Synchronizer
}

// New constructs a Repo around a fresh Synchronizer.
func New(cfg synchronizer.Config) *Repo {
	return &Repo{sync: synchronizer.New(cfg)}
}

// RegisterAdapter wires a transport's adapter.Base into this repo.
func (r *Repo) RegisterAdapter(base *adapter.Base) { r.sync.RegisterAdapter(base) }

// StartHeartbeat starts periodic ephemeral rebroadcast for every
// document with subscribers.
func (r *Repo) StartHeartbeat(ctx context.Context) { r.sync.StartHeartbeat(ctx) }

// StopHeartbeat halts a heartbeat started by StartHeartbeat.
func (r *Repo) StopHeartbeat() { r.sync.StopHeartbeat() }

// Identity returns this replica's own identity.
func (r *Repo) Identity() wire.Identity { return r.sync.Identity() }

// OnInbound decodes and dispatches a raw frame received on channelID.
// Exposed so pkg/syncore can hand it to a concrete adapter
// (internal/network.TCPAdapter, internal/bridgeadapter.Bridge, ...) as
// its inbound callback without reaching past Repo into the
// Synchronizer directly.
func (r *Repo) OnInbound(channelID wire.ChannelID, data []byte) { r.sync.OnInbound(channelID, data) }

// Get returns a Doc handle for docID, creating its backing Document
// State (and announcing it to connected peers) on first reference
// (spec §6.1 "get(docId) -> Doc").
func (r *Repo) Get(docID wire.DocID) *Doc {
	doc := r.sync.GetOrCreateDocument(docID)
	return &Doc{repo: r, id: docID, doc: doc}
}

// Delete removes docID locally and asks every subscribed peer to do
// the same, honoring canDelete on their side.
func (r *Repo) Delete(docID wire.DocID) { r.sync.DeleteDocument(docID) }

// Doc is an explicit handle naming one document.
type Doc struct {
	repo *Repo
	id   wire.DocID
	doc  *syncmodel.Document
}

// ID returns the document id this handle names.
func (d *Doc) ID() wire.DocID { return d.id }

// Engine returns the underlying CRDT engine handle. Applications
// mutate the document by calling engine-specific methods on it (e.g.
// *crdt.TextEngine's InsertAt/DeleteAt); the synchronizer learns of the
// change through the engine's own change subscription, wired once at
// document-creation time, and propagates it without further action
// from the caller.
func (d *Doc) Engine() crdt.Engine { return d.doc.Engine }

// NoTimeout disables WaitForSync's deadline entirely; the wait then
// ends only on settlement or context cancellation.
const NoTimeout = time.Duration(-1)

// WaitOpts configures WaitForSync.
type WaitOpts struct {
	// Kinds restricts the wait to peers reachable over channels of the
	// given kinds. Empty means any peer-capable kind (network or other;
	// storage channels are local and never waited on).
	Kinds []wire.ChannelKind

	// Timeout bounds how long to wait. Zero selects DefaultTimeout;
	// NoTimeout (or any negative value) disables the deadline.
	Timeout time.Duration
}

// SyncHandle is what Sync(doc) returns: the live view onto a
// document's per-peer readiness and presence. It holds no goroutine or
// background state of its own — dropping it has no cleanup cost beyond
// whatever subscriptions the caller explicitly registered and must
// explicitly unsubscribe.
type SyncHandle struct {
	repo *Repo
	id   wire.DocID
}

// Sync binds doc to its live SyncHandle (spec §6.2 "sync(doc) ->
// SyncHandle"). It is a free function, not a Doc method, so the facade
// mirrors the teacher's top-level-function shape rather than growing
// Doc into an object that does everything.
func Sync(doc *Doc) *SyncHandle {
	return &SyncHandle{repo: doc.repo, id: doc.id}
}

// ReadyStates returns a snapshot of every known peer's ready state for
// this document.
func (h *SyncHandle) ReadyStates() map[wire.PeerID]wire.ReadyState {
	var out map[wire.PeerID]wire.ReadyState
	h.repo.sync.Queue.Run(func() {
		out = h.repo.sync.Model.ReadyStates(h.id)
	})
	return out
}

// OnReadyStateChange subscribes to ready-state transitions for this
// document. The returned func unsubscribes.
func (h *SyncHandle) OnReadyStateChange(fn func(peerID wire.PeerID, state wire.ReadyState)) func() {
	var unsub func()
	h.repo.sync.Queue.Run(func() {
		unsub = h.repo.sync.Model.OnReadyStateChanged(func(docID wire.DocID, peerID wire.PeerID, state wire.ReadyState) {
			if docID == h.id {
				fn(peerID, state)
			}
		})
	})
	return func() { h.repo.sync.Queue.Enqueue(unsub) }
}

// waitKinds resolves opts.Kinds, defaulting to every peer-capable kind.
// Storage-kind channels are excluded from the default: they are
// always-trusted and local, never a peer waitForSync is waiting to hear
// back from.
func waitKinds(opts WaitOpts) []wire.ChannelKind {
	if len(opts.Kinds) > 0 {
		return opts.Kinds
	}
	return []wire.ChannelKind{wire.ChannelNetwork, wire.ChannelOther}
}

// hasPeerAdapter reports whether any channel of the requested kinds is
// currently registered (removed channels do not count), so the wait can
// fail fast rather than hang on a replica with nothing to wait on.
func (h *SyncHandle) hasPeerAdapter(kinds []wire.ChannelKind) bool {
	var has bool
	h.repo.sync.Queue.Run(func() {
		for _, kind := range kinds {
			if len(h.repo.sync.Model.ChannelsOfKind(kind)) > 0 {
				has = true
				return
			}
		}
	})
	return has
}

// peerMatchesKindsLocked reports whether peerID is reachable over any
// channel of the requested kinds. A peer with no channels left matches
// unconditionally: it can report nothing further, and its terminal
// Disconnected state must be allowed to settle the wait.
func (h *SyncHandle) peerMatchesKindsLocked(peerID wire.PeerID, kinds []wire.ChannelKind) bool {
	peer, ok := h.repo.sync.Model.Peers[peerID]
	if !ok || len(peer.ChannelIDs) == 0 {
		return true
	}
	for channelID := range peer.ChannelIDs {
		ci, ok := h.repo.sync.Model.Channels[channelID]
		if !ok {
			continue
		}
		for _, kind := range kinds {
			if ci.Kind == kind {
				return true
			}
		}
	}
	return false
}

func (h *SyncHandle) settled(kinds []wire.ChannelKind) bool {
	var done bool
	h.repo.sync.Queue.Run(func() {
		states := h.repo.sync.Model.ReadyStates(h.id)
		matched := 0
		for peerID, st := range states {
			if !h.peerMatchesKindsLocked(peerID, kinds) {
				continue
			}
			matched++
			if st != wire.ReadySynced && st != wire.ReadyAbsent && st != wire.ReadyDisconnected {
				return
			}
		}
		done = matched > 0
	})
	return done
}

// WaitForSync blocks until every matching peer's ready state for this
// document has settled into Synced, Absent or Disconnected (a
// disconnected peer cannot report further and must not block the
// wait), ctx is done, or opts.Timeout elapses — whichever comes first.
// Returns ErrNoAdapters immediately if no channel of the requested
// kinds is currently registered.
func (h *SyncHandle) WaitForSync(ctx context.Context, opts WaitOpts) error {
	kinds := waitKinds(opts)
	if !h.hasPeerAdapter(kinds) {
		return ErrNoAdapters
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	changed := make(chan struct{}, 1)
	unsub := h.OnReadyStateChange(func(wire.PeerID, wire.ReadyState) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsub()

	for {
		if h.settled(kinds) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return &SyncTimeoutError{DocID: h.id, Kinds: kinds, Timeout: timeout, States: h.ReadyStates()}
		case <-changed:
		}
	}
}

// Subscribe registers cb to fire after every committed change to the
// document, local edits and imported remote updates alike. The returned
// func unsubscribes.
func (h *SyncHandle) Subscribe(cb func()) func() {
	var unsub crdt.Unsubscribe
	h.repo.sync.Queue.Run(func() {
		if doc, ok := h.repo.sync.Model.Document(h.id); ok {
			unsub = doc.Engine.Subscribe(cb)
		}
	})
	if unsub == nil {
		return func() {}
	}
	return func() { unsub() }
}

// Presence exposes ephemeral per-peer state scoped to this document
// (spec §6.2 "sync(doc).presence...").
type Presence struct {
	handle *SyncHandle
}

// Presence returns the presence accessor for this document.
func (h *SyncHandle) Presence() *Presence { return &Presence{handle: h} }

// SetSelf publishes data under this replica's own identity in
// namespace, broadcasting it to every subscribed peer. Empty data
// deletes it.
func (p *Presence) SetSelf(namespace string, data []byte) {
	p.handle.repo.sync.SetPresence(p.handle.id, namespace, data)
}

// Get returns peerID's live value in namespace, if any.
func (p *Presence) Get(namespace string, peerID wire.PeerID) ([]byte, bool) {
	var data []byte
	var ok bool
	p.handle.repo.sync.Queue.Run(func() {
		data, ok = p.handle.repo.sync.Eph.Get(p.handle.id, namespace, peerID)
	})
	return data, ok
}

// Peers returns every live entry in namespace, excluding tombstones.
func (p *Presence) Peers(namespace string) map[wire.PeerID][]byte {
	var out map[wire.PeerID][]byte
	p.handle.repo.sync.Queue.Run(func() {
		out = p.handle.repo.sync.Eph.Peers(p.handle.id, namespace)
	})
	return out
}

// Subscribe registers cb to fire whenever namespace changes for this
// document, locally applied or relayed in from a peer. The returned
// func unsubscribes.
func (p *Presence) Subscribe(namespace string, cb func()) func() {
	var unsub func()
	p.handle.repo.sync.Queue.Run(func() {
		unsub = p.handle.repo.sync.Eph.Subscribe(p.handle.id, namespace, cb)
	})
	return func() { p.handle.repo.sync.Queue.Enqueue(unsub) }
}
