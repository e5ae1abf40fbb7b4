// Package rules evaluates the five permission predicates the
// synchronizer consults at decision points (spec §4.5). All five
// default to allow; a predicate returning false must be observably
// indistinguishable from the document being absent, never an error
// surfaced to the remote peer (peers are untrusted, spec §4.4.5).
package rules

import "github.com/knirvcorp/syncore/internal/wire"

// Context carries everything a predicate may need. DocHandle is an
// opaque CRDT engine handle (nil for canCreate, which by definition
// runs before any handle exists). PeerID and Auth are populated only
// for CanBeginSync, where the establish-request's claimed identity and
// opaque auth payload are what is being judged.
type Context struct {
	DocHandle   interface{}
	DocID       wire.DocID
	PeerID      wire.PeerID
	PeerName    string
	ChannelID   wire.ChannelID
	ChannelKind wire.ChannelKind
	Auth        []byte
}

// Predicate is a single synchronous, I/O-free policy check.
type Predicate func(Context) bool

// Rules bundles the five predicates. A nil field behaves as
// allow-everything, matching the default-allow contract.
type Rules struct {
	CanBeginSync Predicate
	CanReveal    Predicate
	CanUpdate    Predicate
	CanDelete    Predicate
	CanCreate    Predicate
}

func allow(Context) bool { return true }

// Default returns a Rules value where every predicate allows
// unconditionally.
func Default() Rules {
	return Rules{
		CanBeginSync: allow,
		CanReveal:    allow,
		CanUpdate:    allow,
		CanDelete:    allow,
		CanCreate:    allow,
	}
}

func (r Rules) begin(p Predicate) Predicate {
	if p == nil {
		return allow
	}
	return p
}

// BeginSync evaluates CanBeginSync, defaulting to allow.
func (r Rules) BeginSync(ctx Context) bool { return r.begin(r.CanBeginSync)(ctx) }

// Reveal evaluates CanReveal, defaulting to allow.
func (r Rules) Reveal(ctx Context) bool { return r.begin(r.CanReveal)(ctx) }

// Update evaluates CanUpdate, defaulting to allow.
func (r Rules) Update(ctx Context) bool { return r.begin(r.CanUpdate)(ctx) }

// Delete evaluates CanDelete, defaulting to allow.
func (r Rules) Delete(ctx Context) bool { return r.begin(r.CanDelete)(ctx) }

// Create evaluates CanCreate, defaulting to allow.
func (r Rules) Create(ctx Context) bool { return r.begin(r.CanCreate)(ctx) }
