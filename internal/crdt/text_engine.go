package crdt

import (
	"errors"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/knirvcorp/syncore/internal/clock"
)

// elementID names one inserted character by its origin peer and that
// peer's local sequence number at the time of insertion.
type elementID struct {
	Peer string `cbor:"p"`
	Seq  int64  `cbor:"s"`
}

var headID = elementID{}

type element struct {
	ID      elementID `cbor:"id"`
	After   elementID `cbor:"after"`
	Char    rune      `cbor:"ch"`
	Deleted bool      `cbor:"del,omitempty"`
}

// TextEngine is a reference RGA-style sequence CRDT: every character is
// anchored to the element it was inserted after, so merging the same
// set of elements in any order produces the same rendered text. It
// exists to make the synchronizer's convergence properties (spec §8)
// genuinely testable end to end; production deployments substitute a
// real engine (e.g. a Loro or Automerge binding) behind the Engine
// interface.
type TextEngine struct {
	mu       sync.RWMutex
	peerID   string
	elements map[elementID]*element
	children map[elementID][]elementID // After -> ordered insertion list
	seq      int64
	subs     []func()
}

// NewTextEngine constructs an empty document attributed to peerID for
// any local edits.
func NewTextEngine(peerID string) *TextEngine {
	return &TextEngine{
		peerID:   peerID,
		elements: make(map[elementID]*element),
		children: make(map[elementID][]elementID),
	}
}

// InsertAt inserts ch at the given visible rune index (0 == start of
// document) and returns the new local version.
func (e *TextEngine) InsertAt(index int, ch rune) VersionVector {
	e.mu.Lock()
	after := e.visibleAfterLocked(index)
	e.seq++
	id := elementID{Peer: e.peerID, Seq: e.seq}
	el := &element{ID: id, After: after, Char: ch}
	e.insertElementLocked(el)
	v := e.versionLocked()
	subs := append([]func(){}, e.subs...)
	e.mu.Unlock()
	notify(subs)
	return v
}

// notify fires every live callback; entries nilled by an unsubscribe
// are skipped.
func notify(subs []func()) {
	for _, cb := range subs {
		if cb != nil {
			cb()
		}
	}
}

// DeleteAt marks the element at visible index as a tombstone.
func (e *TextEngine) DeleteAt(index int) {
	e.mu.Lock()
	ids := e.visibleOrderLocked()
	if index < 0 || index >= len(ids) {
		e.mu.Unlock()
		return
	}
	e.elements[ids[index]].Deleted = true
	subs := append([]func(){}, e.subs...)
	e.mu.Unlock()
	notify(subs)
}

// Text renders the current visible (non-tombstoned) text.
func (e *TextEngine) Text() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []rune
	for _, id := range e.visibleOrderLocked() {
		out = append(out, e.elements[id].Char)
	}
	return string(out)
}

func (e *TextEngine) visibleAfterLocked(index int) elementID {
	order := e.orderLocked()
	visible := 0
	var last elementID = headID
	for _, id := range order {
		el := e.elements[id]
		if !el.Deleted {
			if visible == index {
				return last
			}
			visible++
		}
		last = id
	}
	return last
}

func (e *TextEngine) visibleOrderLocked() []elementID {
	order := e.orderLocked()
	out := make([]elementID, 0, len(order))
	for _, id := range order {
		if !e.elements[id].Deleted {
			out = append(out, id)
		}
	}
	return out
}

// orderLocked produces the total order over all elements (including
// tombstones) by depth-first traversal from the head, visiting each
// node's children sorted by descending (Seq, Peer) so concurrent
// inserts at the same position converge deterministically regardless
// of merge order.
func (e *TextEngine) orderLocked() []elementID {
	var out []elementID
	var walk func(parent elementID)
	walk = func(parent elementID) {
		kids := append([]elementID(nil), e.children[parent]...)
		sort.Slice(kids, func(i, j int) bool {
			if kids[i].Seq != kids[j].Seq {
				return kids[i].Seq > kids[j].Seq
			}
			return kids[i].Peer > kids[j].Peer
		})
		for _, k := range kids {
			out = append(out, k)
			walk(k)
		}
	}
	walk(headID)
	return out
}

func (e *TextEngine) insertElementLocked(el *element) bool {
	if _, exists := e.elements[el.ID]; exists {
		return false
	}
	e.elements[el.ID] = el
	e.children[el.After] = append(e.children[el.After], el.ID)
	return true
}

func (e *TextEngine) versionLocked() VersionVector {
	v := clock.NewVectorClock()
	for id := range e.elements {
		if id.Seq > v[id.Peer] {
			v[id.Peer] = id.Seq
		}
	}
	return v
}

// Version implements Engine.
func (e *TextEngine) Version() VersionVector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.versionLocked()
}

// wireDoc is the CBOR payload Import/Export exchange, encoded with the
// same fxamacker/cbor dependency the wire codec uses. Kept internal;
// the opaque []byte contract is what crosses the wire.
type wireDoc struct {
	Elements []*element `cbor:"elements"`
}

// Import implements Engine. Elements already known (by id) are
// skipped, making delta application idempotent under duplicate
// delivery (spec §4.4.2 "concurrent sync-requests... never harm").
func (e *TextEngine) Import(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var doc wireDoc
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return errors.New("crdt: malformed text engine payload")
	}

	e.mu.Lock()
	changed := false
	for _, el := range doc.Elements {
		if el.ID == headID {
			continue
		}
		if e.insertElementLocked(el) {
			changed = true
		}
		if el.ID.Peer == e.peerID && el.ID.Seq > e.seq {
			e.seq = el.ID.Seq
		}
	}
	subs := append([]func(){}, e.subs...)
	e.mu.Unlock()

	if changed {
		notify(subs)
	}
	return nil
}

// Export implements Engine. mode.Since == nil exports every element;
// otherwise only elements whose (peer, seq) is not yet reflected in
// Since are exported, i.e. a delta.
func (e *TextEngine) Export(mode ExportMode) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var els []*element
	for id, el := range e.elements {
		if mode.Since != nil {
			if known, ok := mode.Since[id.Peer]; ok && id.Seq <= known {
				continue
			}
		}
		els = append(els, el)
	}
	return cbor.Marshal(wireDoc{Elements: els})
}

// Subscribe implements Engine.
func (e *TextEngine) Subscribe(cb func()) Unsubscribe {
	e.mu.Lock()
	e.subs = append(e.subs, cb)
	idx := len(e.subs) - 1
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if idx < len(e.subs) {
			e.subs[idx] = nil
		}
	}
}

// OpCount implements Engine.
func (e *TextEngine) OpCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.elements)
}

// IsDetached implements Engine. The reference engine has no branch
// checkout concept, so it is always attached to its own tip.
func (e *TextEngine) IsDetached() bool { return false }

// CheckoutToLatest implements Engine as a no-op for the same reason.
func (e *TextEngine) CheckoutToLatest() {}

// DecideTransmission implements Engine. The reference threshold for
// "far ahead" is: more than half of the local op log, or more than
// 256 ops, are unknown to the requester.
func (e *TextEngine) DecideTransmission(requesterVersion VersionVector) (Transmission, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(requesterVersion) == 0 {
		data, err := e.exportAllLocked()
		if err != nil {
			return Transmission{}, err
		}
		return Transmission{Kind: TransmissionSnapshot, Data: data, Version: e.versionLocked()}, nil
	}

	local := e.versionLocked()
	cmp := clock.Compare(local, requesterVersion)
	if cmp == clock.Before || cmp == clock.Equal {
		return Transmission{Kind: TransmissionUpToDate, Version: local}, nil
	}

	missing := 0
	for id := range e.elements {
		if known, ok := requesterVersion[id.Peer]; !ok || id.Seq > known {
			missing++
		}
	}
	farAhead := missing > 256 || (len(e.elements) > 0 && missing*2 > len(e.elements))
	if farAhead {
		data, err := e.exportAllLocked()
		if err != nil {
			return Transmission{}, err
		}
		return Transmission{Kind: TransmissionSnapshot, Data: data, Version: local}, nil
	}

	data, err := e.exportSinceLocked(requesterVersion)
	if err != nil {
		return Transmission{}, err
	}
	return Transmission{Kind: TransmissionUpdate, Data: data, Version: local}, nil
}

func (e *TextEngine) exportAllLocked() ([]byte, error) {
	var els []*element
	for _, el := range e.elements {
		els = append(els, el)
	}
	return cbor.Marshal(wireDoc{Elements: els})
}

func (e *TextEngine) exportSinceLocked(since VersionVector) ([]byte, error) {
	var els []*element
	for id, el := range e.elements {
		if known, ok := since[id.Peer]; ok && id.Seq <= known {
			continue
		}
		els = append(els, el)
	}
	return cbor.Marshal(wireDoc{Elements: els})
}
