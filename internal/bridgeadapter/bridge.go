// Package bridgeadapter implements an in-process adapter.Generator that
// pairs two same-process peers directly, without a socket (spec §1 and
// §6.4 both name "in-process bridges" as a transport class alongside
// network sockets and storage). Grounded on internal/network.TCPAdapter's
// channel lifecycle, with the wire stripped down to a direct function
// call instead of a socket round trip -- the natural transport for
// same-process synchronizer tests.
package bridgeadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/knirvcorp/syncore/internal/adapter"
	"github.com/knirvcorp/syncore/internal/wire"
)

// Bridge is one side of an in-process channel pair. Connect two Bridges
// with Link to let their owning synchronizers exchange codec frames
// directly, with no fragmentation (there is no transport MTU to respect
// in-process) and no byte copy beyond what Go's slice semantics already
// require at the call boundary.
type Bridge struct {
	Base *adapter.Base

	mu        sync.Mutex
	peer      *Bridge
	channelID wire.ChannelID
	onInbound func(wire.ChannelID, []byte)
	stopped   bool

	// Frames sent before Link has wired both sides (the synchronizer
	// fires its establish-request from the channel-added hook, which runs
	// mid-Link). They are flushed to the peer once the pair is complete.
	queued [][]byte
}

// New constructs a bridge adapter instance. onInbound is called with
// each raw codec frame the linked peer sends, exactly as a socket
// adapter would after reassembly; the caller (synchronizer glue) is
// responsible for pushing it onto its own Work Queue.
func New(onInbound func(wire.ChannelID, []byte)) *Bridge {
	b := &Bridge{onInbound: onInbound}
	b.Base = adapter.New(wire.AdapterType("bridge"), wire.AdapterID(uuid.NewString()), adapter.KindOther, b.generate)
	return b
}

// Link connects a and b: each gets a single Connected channel wired to
// deliver directly to the other's onInbound. Call once per pair.
func Link(a, b *Bridge) (chA, chB wire.ChannelID, err error) {
	cA, err := a.Base.AddChannel(context.Background())
	if err != nil {
		return 0, 0, fmt.Errorf("bridgeadapter: add channel on a: %w", err)
	}
	cB, err := b.Base.AddChannel(context.Background())
	if err != nil {
		return 0, 0, fmt.Errorf("bridgeadapter: add channel on b: %w", err)
	}

	a.mu.Lock()
	a.peer, a.channelID = b, cA.ID
	a.mu.Unlock()

	b.mu.Lock()
	b.peer, b.channelID = a, cB.ID
	b.mu.Unlock()

	a.flush()
	b.flush()

	return cA.ID, cB.ID, nil
}

// flush delivers frames queued before the pair was fully linked.
func (b *Bridge) flush() {
	b.mu.Lock()
	pending := b.queued
	b.queued = nil
	b.mu.Unlock()
	for _, data := range pending {
		b.deliverToPeer(data)
	}
}

func (b *Bridge) deliverToPeer(data []byte) {
	b.mu.Lock()
	peer := b.peer
	b.mu.Unlock()
	if peer == nil {
		return
	}
	peer.mu.Lock()
	peerChannelID := peer.channelID
	deliver := peer.onInbound
	peer.mu.Unlock()
	if deliver == nil || peerChannelID == 0 {
		return
	}
	deliver(peerChannelID, append([]byte(nil), data...))
}

// Unlink tears down both sides of a linked pair, as if each side's
// transport had disconnected.
func Unlink(a, b *Bridge) {
	a.Base.RemoveChannel(a.localChannelID())
	b.Base.RemoveChannel(b.localChannelID())
}

func (b *Bridge) localChannelID() wire.ChannelID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelID
}

// generate implements adapter.Generator: Send hands data directly to the
// linked peer's onInbound, queueing it if the pair is not yet fully
// wired; Stop unlinks so a subsequent Send returns an error rather than
// reaching a torn-down peer.
func (b *Bridge) generate(ctx context.Context, channelID wire.ChannelID) (adapter.ChannelActions, error) {
	return adapter.ChannelActions{
		Send: func(ctx context.Context, data []byte) error {
			b.mu.Lock()
			if b.stopped {
				b.mu.Unlock()
				return fmt.Errorf("bridgeadapter: channel %d unlinked", channelID)
			}
			peer := b.peer
			if peer == nil {
				// Mid-Link: the channel exists but the pair is not wired
				// yet. Hold the frame; Link flushes it.
				b.queued = append(b.queued, append([]byte(nil), data...))
				b.mu.Unlock()
				return nil
			}
			b.mu.Unlock()
			b.deliverToPeer(data)
			return nil
		},
		Stop: func() {
			b.mu.Lock()
			b.peer = nil
			b.stopped = true
			b.queued = nil
			b.mu.Unlock()
		},
	}, nil
}
