// Package syncmodel holds the synchronizer's in-memory state (spec
// §3 "Core entities"): Document State, Channel, Peer State (with its
// Document Awareness Cache), and the derived per-document Ready
// State. It is pure data plus the small amount of bookkeeping logic
// tied directly to that data's invariants; the handlers package reads
// and mutates it, the executor package carries out the resulting
// side effects.
package syncmodel

import (
	"time"

	"github.com/knirvcorp/syncore/internal/crdt"
	"github.com/knirvcorp/syncore/internal/wire"
)

// DefaultAwarenessTTL resolves spec §9 Open Question 1: how long a
// peer's cached awareness of one of our documents is trusted. Past it,
// the reconnection path treats the document as unknown to that peer
// and requests a sync for it.
const DefaultAwarenessTTL = 30 * time.Minute

// Document is one known document: its CRDT handle and the channels
// that have declared interest in it (spec: "if the document is
// reachable through any channel, exactly one Document State exists").
type Document struct {
	ID          wire.DocID
	Engine      crdt.Engine
	Subscribers map[wire.ChannelID]struct{}
}

// ChannelInfo is the synchronizer's view of one adapter-owned
// channel: its trust kind and, once established, the remote peer.
type ChannelInfo struct {
	ID     wire.ChannelID
	Kind   wire.ChannelKind
	State  wire.ReadyState // Connecting until Established, then tracked per-doc below
	PeerID wire.PeerID
}

// AwarenessEntry is one row of a peer's Document Awareness Cache.
type AwarenessEntry struct {
	Status    wire.Awareness
	Version   crdt.VersionVector
	UpdatedAt time.Time
}

// Peer is one known remote replica, persisting for the life of the
// process once first established (spec: "Never garbage-collected
// while the process lives").
type Peer struct {
	ID            wire.PeerID
	Name          string
	ChannelIDs    map[wire.ChannelID]struct{}
	Subscriptions map[wire.DocID]struct{}
	Awareness     map[wire.DocID]AwarenessEntry
}

// Model is the synchronizer's full mutable state. All access must go
// through the Work Queue's single-threaded dispatch; Model itself
// does not lock, matching the cooperative scheduling model (spec §5).
type Model struct {
	AwarenessTTL time.Duration

	Documents map[wire.DocID]*Document
	Channels  map[wire.ChannelID]*ChannelInfo
	Peers     map[wire.PeerID]*Peer

	// ready[docID][peerID] is the aggregated per-peer status feeding
	// ready-state-changed observers and waitForSync.
	ready map[wire.DocID]map[wire.PeerID]wire.ReadyState

	readyObservers []*readyObserver
}

type readyObserver struct {
	fn   func(docID wire.DocID, peerID wire.PeerID, state wire.ReadyState)
	dead bool
}

// New constructs an empty Model. ttl <= 0 selects DefaultAwarenessTTL.
func New(ttl time.Duration) *Model {
	if ttl <= 0 {
		ttl = DefaultAwarenessTTL
	}
	return &Model{
		AwarenessTTL: ttl,
		Documents:    make(map[wire.DocID]*Document),
		Channels:     make(map[wire.ChannelID]*ChannelInfo),
		Peers:        make(map[wire.PeerID]*Peer),
		ready:        make(map[wire.DocID]map[wire.PeerID]wire.ReadyState),
	}
}

// GetOrCreateDocument returns doc's Document State, creating it (with
// the supplied engine factory) on first reference.
func (m *Model) GetOrCreateDocument(docID wire.DocID, newEngine func() crdt.Engine) (*Document, bool) {
	if d, ok := m.Documents[docID]; ok {
		return d, false
	}
	d := &Document{ID: docID, Engine: newEngine(), Subscribers: make(map[wire.ChannelID]struct{})}
	m.Documents[docID] = d
	return d, true
}

// Document looks up a document without creating it.
func (m *Model) Document(docID wire.DocID) (*Document, bool) {
	d, ok := m.Documents[docID]
	return d, ok
}

// RegisterChannel records a newly connected channel.
func (m *Model) RegisterChannel(id wire.ChannelID, kind wire.ChannelKind) *ChannelInfo {
	ci := &ChannelInfo{ID: id, Kind: kind, State: wire.ReadyConnecting}
	m.Channels[id] = ci
	return ci
}

// EstablishChannel upgrades a channel to Established with the given
// peer, creating the Peer State on first contact, and reports whether
// this is a reconnection (the peer already existed) for the caller to
// branch on (spec §4.4.1).
func (m *Model) EstablishChannel(channelID wire.ChannelID, peerID wire.PeerID, peerName string) (peer *Peer, isReconnection bool) {
	ci, ok := m.Channels[channelID]
	if !ok {
		return nil, false
	}
	ci.PeerID = peerID

	p, existed := m.Peers[peerID]
	if !existed {
		p = &Peer{
			ID:            peerID,
			Name:          peerName,
			ChannelIDs:    make(map[wire.ChannelID]struct{}),
			Subscriptions: make(map[wire.DocID]struct{}),
			Awareness:     make(map[wire.DocID]AwarenessEntry),
		}
		m.Peers[peerID] = p
	}
	p.ChannelIDs[channelID] = struct{}{}
	return p, existed
}

// RemoveChannel deregisters a channel. The owning peer's ChannelIDs
// set is pruned but the Peer State itself is never removed.
func (m *Model) RemoveChannel(channelID wire.ChannelID) {
	ci, ok := m.Channels[channelID]
	if !ok {
		return
	}
	delete(m.Channels, channelID)
	for _, d := range m.Documents {
		delete(d.Subscribers, channelID)
	}
	if ci.PeerID == "" {
		return
	}
	if p, ok := m.Peers[ci.PeerID]; ok {
		delete(p.ChannelIDs, channelID)
		if len(p.ChannelIDs) > 0 {
			// Still reachable on another channel; not a disconnect.
			return
		}
	}
	for docID, peers := range m.ready {
		if _, ok := peers[ci.PeerID]; ok {
			m.setReadyLocked(docID, ci.PeerID, wire.ReadyDisconnected)
		}
	}
}

// UpdateAwareness records what peerID is now known to believe about
// docID, timestamped for TTL purposes.
func (m *Model) UpdateAwareness(peerID wire.PeerID, docID wire.DocID, status wire.Awareness, version crdt.VersionVector) {
	p, ok := m.Peers[peerID]
	if !ok {
		return
	}
	p.Awareness[docID] = AwarenessEntry{Status: status, Version: version, UpdatedAt: time.Now()}
}

// AwarenessFresh reports peerID's cached belief about docID, or false
// if the entry is absent or stale (older than AwarenessTTL) — a stale
// entry makes the reconnection path request a sync for that document
// rather than trusting outdated state.
func (m *Model) AwarenessFresh(peerID wire.PeerID, docID wire.DocID, now time.Time) (AwarenessEntry, bool) {
	p, ok := m.Peers[peerID]
	if !ok {
		return AwarenessEntry{}, false
	}
	entry, ok := p.Awareness[docID]
	if !ok {
		return AwarenessEntry{}, false
	}
	if now.Sub(entry.UpdatedAt) > m.AwarenessTTL {
		return AwarenessEntry{}, false
	}
	return entry, true
}

// OnReadyStateChanged registers an observer fired whenever a
// (doc, peer) ready state transitions. The returned func unregisters it.
func (m *Model) OnReadyStateChanged(fn func(docID wire.DocID, peerID wire.PeerID, state wire.ReadyState)) func() {
	obs := &readyObserver{fn: fn}
	m.readyObservers = append(m.readyObservers, obs)
	return func() { obs.dead = true }
}

// SetReadyState transitions (docID, peerID)'s status and notifies
// observers if it changed.
func (m *Model) SetReadyState(docID wire.DocID, peerID wire.PeerID, state wire.ReadyState) {
	m.setReadyLocked(docID, peerID, state)
}

func (m *Model) setReadyLocked(docID wire.DocID, peerID wire.PeerID, state wire.ReadyState) {
	peers, ok := m.ready[docID]
	if !ok {
		peers = make(map[wire.PeerID]wire.ReadyState)
		m.ready[docID] = peers
	}
	if peers[peerID] == state {
		return
	}
	peers[peerID] = state
	for _, obs := range m.readyObservers {
		if !obs.dead {
			obs.fn(docID, peerID, state)
		}
	}
}

// ReadyState returns the current status for (docID, peerID), defaulting
// to ReadyDisconnected if never observed.
func (m *Model) ReadyState(docID wire.DocID, peerID wire.PeerID) wire.ReadyState {
	peers, ok := m.ready[docID]
	if !ok {
		return wire.ReadyDisconnected
	}
	state, ok := peers[peerID]
	if !ok {
		return wire.ReadyDisconnected
	}
	return state
}

// ReadyStates returns a snapshot of every peer's status for docID.
func (m *Model) ReadyStates(docID wire.DocID) map[wire.PeerID]wire.ReadyState {
	out := make(map[wire.PeerID]wire.ReadyState)
	for peerID, state := range m.ready[docID] {
		out[peerID] = state
	}
	return out
}

// ChannelsOfKind returns every registered channel with the given kind,
// used to scope waitForSync's ErrNoAdapters check (spec §6.4).
func (m *Model) ChannelsOfKind(kind wire.ChannelKind) []*ChannelInfo {
	var out []*ChannelInfo
	for _, ci := range m.Channels {
		if ci.Kind == kind {
			out = append(out, ci)
		}
	}
	return out
}
