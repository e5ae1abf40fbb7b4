// Package ephemeral holds per-document, per-namespace, per-peer
// presence data with TTL (spec §3 "Ephemeral Store", §4.4.3).
package ephemeral

import (
	"sync"
	"time"

	"github.com/knirvcorp/syncore/internal/security"
	"github.com/knirvcorp/syncore/internal/wire"
)

// DefaultTTL bounds how long an entry (including a deletion tombstone)
// is retained without a refresh before being swept entirely.
const DefaultTTL = 5 * time.Minute

type entry struct {
	data      []byte
	deleted   bool
	touchedAt time.Time
}

type subscriber struct {
	docID     wire.DocID
	namespace string
	cb        func()
}

// EncryptionConfig optionally obfuscates ephemeral payloads at rest
// using the teacher's pbkdf2+AES-GCM scheme (internal/security),
// reused verbatim. Presence data is not sensitive by default; this
// exists for the private-document case where even cursor/selection
// state should not sit in memory in the clear.
type EncryptionConfig struct {
	Enabled      bool
	SharedSecret string
}

// Store is a per-document, per-namespace, per-peer presence cache.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	spaces  map[wire.DocID]map[string]map[wire.PeerID]*entry
	enc     *security.MemoryEncryption
	encKey  []byte
	encSalt []byte
	subs    []*subscriber
}

// New constructs an empty Store. A zero ttl selects DefaultTTL.
func New(ttl time.Duration, enc EncryptionConfig) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		ttl:    ttl,
		spaces: make(map[wire.DocID]map[string]map[wire.PeerID]*entry),
	}
	if enc.Enabled {
		me := security.NewMemoryEncryption()
		salt, err := me.GenerateSalt()
		if err == nil {
			s.enc = me
			s.encSalt = salt
			s.encKey = me.DeriveKey(enc.SharedSecret, salt)
		}
	}
	return s
}

// Apply stores peerID's value for (docID, namespace). Empty data marks
// an explicit deletion; the tombstone is retained (not removed
// outright) so it can be relayed and then swept by TTL like any other
// entry.
func (s *Store) Apply(docID wire.DocID, namespace string, peerID wire.PeerID, data []byte) {
	stored := data
	if s.enc != nil && len(data) > 0 {
		if ct, err := s.enc.EncryptMemory(data, s.encKey); err == nil {
			stored = ct
		}
	}

	s.mu.Lock()
	ns := s.namespaceLocked(docID, namespace)
	ns[peerID] = &entry{data: stored, deleted: len(data) == 0, touchedAt: time.Now()}
	cbs := s.subsForLocked(docID, namespace)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// Subscribe registers cb to fire whenever (docID, namespace) changes via
// Apply or RemovePeer. The returned func unregisters it (spec §6.2
// `sync(doc).presence.subscribe(cb) -> unsubscribe`).
func (s *Store) Subscribe(docID wire.DocID, namespace string, cb func()) func() {
	s.mu.Lock()
	sub := &subscriber{docID: docID, namespace: namespace, cb: cb}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, x := range s.subs {
			if x == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// subsForLocked returns the callbacks registered for (docID, namespace).
// Must be called while holding s.mu; callers invoke the result only after
// unlocking, so a subscriber calling back into the Store cannot deadlock.
func (s *Store) subsForLocked(docID wire.DocID, namespace string) []func() {
	var out []func()
	for _, sub := range s.subs {
		if sub.docID == docID && sub.namespace == namespace {
			out = append(out, sub.cb)
		}
	}
	return out
}

func (s *Store) namespaceLocked(docID wire.DocID, namespace string) map[wire.PeerID]*entry {
	byNS, ok := s.spaces[docID]
	if !ok {
		byNS = make(map[string]map[wire.PeerID]*entry)
		s.spaces[docID] = byNS
	}
	ns, ok := byNS[namespace]
	if !ok {
		ns = make(map[wire.PeerID]*entry)
		byNS[namespace] = ns
	}
	return ns
}

// Get returns peerID's live (non-deleted) value, if any.
func (s *Store) Get(docID wire.DocID, namespace string, peerID wire.PeerID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.spaces[docID][namespace]
	if ns == nil {
		return nil, false
	}
	e, ok := ns[peerID]
	if !ok || e.deleted {
		return nil, false
	}
	return s.decrypt(e.data), true
}

// Peers returns every live entry for (docID, namespace), excluding
// tombstones.
func (s *Store) Peers(docID wire.DocID, namespace string) map[wire.PeerID][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[wire.PeerID][]byte)
	for peer, e := range s.spaces[docID][namespace] {
		if !e.deleted {
			out[peer] = s.decrypt(e.data)
		}
	}
	return out
}

// Snapshot returns every entry (including tombstones) for (docID,
// namespace) as wire entries, suitable for a heartbeat broadcast.
func (s *Store) Snapshot(docID wire.DocID, namespace string) []wire.EphemeralEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.spaces[docID][namespace]
	out := make([]wire.EphemeralEntry, 0, len(ns))
	for peer, e := range ns {
		data := s.decrypt(e.data)
		if e.deleted {
			data = nil
		}
		out = append(out, wire.EphemeralEntry{PeerID: peer, Namespace: namespace, Data: data})
	}
	return out
}

// SnapshotDoc returns every entry across every namespace for docID,
// used by the heartbeat manager when broadcasting per-document.
func (s *Store) SnapshotDoc(docID wire.DocID) []wire.EphemeralEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.EphemeralEntry
	for namespace, ns := range s.spaces[docID] {
		for peer, e := range ns {
			data := s.decrypt(e.data)
			if e.deleted {
				data = nil
			}
			out = append(out, wire.EphemeralEntry{PeerID: peer, Namespace: namespace, Data: data})
		}
	}
	return out
}

// RemovePeer tombstones peerID across every document/namespace,
// returning the per-document deletion entries to broadcast (spec
// §4.4.3 "Presence eviction").
func (s *Store) RemovePeer(peerID wire.PeerID) map[wire.DocID][]wire.EphemeralEntry {
	s.mu.Lock()

	out := make(map[wire.DocID][]wire.EphemeralEntry)
	var cbs []func()
	now := time.Now()
	for docID, byNS := range s.spaces {
		for namespace, ns := range byNS {
			if e, ok := ns[peerID]; ok && e.deleted {
				continue
			}
			ns[peerID] = &entry{deleted: true, touchedAt: now}
			out[docID] = append(out[docID], wire.EphemeralEntry{PeerID: peerID, Namespace: namespace})
			cbs = append(cbs, s.subsForLocked(docID, namespace)...)
		}
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	return out
}

// Sweep removes entries untouched for longer than the store's TTL,
// bounding memory for long-running processes. Returns the number of
// entries removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for docID, byNS := range s.spaces {
		for namespace, ns := range byNS {
			for peer, e := range ns {
				if now.Sub(e.touchedAt) > s.ttl {
					delete(ns, peer)
					removed++
				}
			}
			if len(ns) == 0 {
				delete(byNS, namespace)
			}
		}
		if len(byNS) == 0 {
			delete(s.spaces, docID)
		}
	}
	return removed
}

// Count returns the total number of live entries, for metrics.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, byNS := range s.spaces {
		for _, ns := range byNS {
			for _, e := range ns {
				if !e.deleted {
					n++
				}
			}
		}
	}
	return n
}

func (s *Store) decrypt(data []byte) []byte {
	if s.enc == nil || len(data) == 0 {
		return data
	}
	pt, err := s.enc.DecryptMemory(data, s.encKey)
	if err != nil {
		return nil
	}
	return pt
}
