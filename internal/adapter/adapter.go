// Package adapter provides the transport-agnostic channel lifecycle
// every concrete adapter (TCP, bridge, ...) builds on (spec §4.3): a
// uniform Connected/Established progression, a send interceptor
// chain, and the three lifecycle operations the synchronizer drives
// (addChannel, removeChannel, establishChannel).
package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/knirvcorp/syncore/internal/wire"
)

// Kind classifies a channel's trust posture (spec: "the synchronizer
// treats storage as always-trusted").
type Kind = wire.ChannelKind

const (
	KindNetwork = wire.ChannelNetwork
	KindStorage = wire.ChannelStorage
	KindOther   = wire.ChannelOther
)

// Envelope is one outbound frame offered to the interceptor chain
// before it reaches the transport.
type Envelope struct {
	AdapterType wire.AdapterType
	AdapterID   wire.AdapterID
	Data        []byte
}

// Interceptor observes or suppresses an outbound envelope. Calling
// next(envelope) forwards it (optionally mutated); not calling next
// drops the message. Wrapping next in a timer is the sanctioned way
// to simulate latency or rate-limit sends.
type Interceptor func(ctx context.Context, env Envelope, next func(Envelope))

// ChannelActions is what a transport-specific factory hands back for
// one channel: a function to send raw bytes, and a function to tear
// the channel down from the transport side.
type ChannelActions struct {
	Send func(ctx context.Context, data []byte) error
	Stop func()
}

// Generator is the transport-specific factory an adapter supplies:
// given a channel context, it produces the channel's send/stop pair.
type Generator func(ctx context.Context, channelID wire.ChannelID) (ChannelActions, error)

// State is a channel's lifecycle stage.
type State int

const (
	StateConnected State = iota
	StateEstablished
)

// Channel is a tagged Connected/Established channel (spec §3 "Channel
// — tagged variant with two states").
type Channel struct {
	ID      wire.ChannelID
	Kind    Kind
	State   State
	PeerID  wire.PeerID // set only once Established
	actions ChannelActions
}

// Events the Base emits for the synchronizer to observe.
type ChannelAddedEvent struct {
	Channel *Channel
}

type ChannelRemovedEvent struct {
	ChannelID wire.ChannelID
	Kind      Kind
}

type ChannelEstablishedEvent struct {
	ChannelID wire.ChannelID
	PeerID    wire.PeerID
}

// Base is the adapter-agnostic channel registry and send pipeline one
// concrete adapter instance owns.
type Base struct {
	AdapterType wire.AdapterType
	AdapterID   wire.AdapterID
	Kind        Kind

	generate Generator

	mu           sync.Mutex
	channels     map[wire.ChannelID]*Channel
	nextID       atomic.Uint64
	interceptors []Interceptor

	onChannelAdded       func(ChannelAddedEvent)
	onChannelRemoved     func(ChannelRemovedEvent)
	onChannelEstablished func(ChannelEstablishedEvent)

	// establish builds the outbound establish-request frame for a
	// newly connected channel; supplied by the synchronizer so Base
	// stays ignorant of wire message shapes beyond raw bytes.
	establish func(channelID wire.ChannelID) ([]byte, error)
}

// New constructs a Base bound to one adapter instance.
func New(adapterType wire.AdapterType, adapterID wire.AdapterID, kind Kind, generate Generator) *Base {
	return &Base{
		AdapterType: adapterType,
		AdapterID:   adapterID,
		Kind:        kind,
		generate:    generate,
		channels:    make(map[wire.ChannelID]*Channel),
	}
}

// Use appends an interceptor to the send chain. Interceptors run in
// the order added; the last one's next() reaches the transport.
func (b *Base) Use(i Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptors = append(b.interceptors, i)
}

// OnChannelAdded registers the callback fired after addChannel.
func (b *Base) OnChannelAdded(fn func(ChannelAddedEvent)) { b.onChannelAdded = fn }

// OnChannelRemoved registers the callback fired after removeChannel.
func (b *Base) OnChannelRemoved(fn func(ChannelRemovedEvent)) { b.onChannelRemoved = fn }

// OnChannelEstablished registers the callback fired once a channel
// upgrades to Established.
func (b *Base) OnChannelEstablished(fn func(ChannelEstablishedEvent)) { b.onChannelEstablished = fn }

// SetEstablishBuilder supplies the function used by EstablishChannel
// to build the outbound establish-request frame.
func (b *Base) SetEstablishBuilder(fn func(channelID wire.ChannelID) ([]byte, error)) {
	b.establish = fn
}

// AddChannel creates and registers a new Connected channel, emitting
// channel-added.
func (b *Base) AddChannel(ctx context.Context) (*Channel, error) {
	id := wire.ChannelID(b.nextID.Add(1))
	actions, err := b.generate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("adapter: generate channel %d: %w", id, err)
	}

	ch := &Channel{ID: id, Kind: b.Kind, State: StateConnected, actions: actions}

	b.mu.Lock()
	b.channels[id] = ch
	b.mu.Unlock()

	if b.onChannelAdded != nil {
		b.onChannelAdded(ChannelAddedEvent{Channel: ch})
	}
	return ch, nil
}

// RemoveChannel tears a channel down: calls its stop function, emits
// channel-removed, and deregisters it. Safe to call more than once.
func (b *Base) RemoveChannel(channelID wire.ChannelID) {
	b.mu.Lock()
	ch, ok := b.channels[channelID]
	if ok {
		delete(b.channels, channelID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	if ch.actions.Stop != nil {
		ch.actions.Stop()
	}
	if b.onChannelRemoved != nil {
		b.onChannelRemoved(ChannelRemovedEvent{ChannelID: channelID, Kind: ch.Kind})
	}
}

// EstablishChannel sends the initial establish-request on channelID,
// starting the handshake. The channel remains Connected until the
// synchronizer calls MarkEstablished upon receiving the peer's
// establish-response.
func (b *Base) EstablishChannel(ctx context.Context, channelID wire.ChannelID) error {
	if b.establish == nil {
		return fmt.Errorf("adapter: no establish builder configured")
	}
	data, err := b.establish(channelID)
	if err != nil {
		return fmt.Errorf("adapter: build establish-request: %w", err)
	}
	return b.Send(ctx, channelID, data)
}

// MarkEstablished upgrades a Connected channel to Established with
// the now-known remote PeerID, emitting channel-established.
func (b *Base) MarkEstablished(channelID wire.ChannelID, peerID wire.PeerID) {
	b.mu.Lock()
	ch, ok := b.channels[channelID]
	if ok {
		ch.State = StateEstablished
		ch.PeerID = peerID
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.onChannelEstablished != nil {
		b.onChannelEstablished(ChannelEstablishedEvent{ChannelID: channelID, PeerID: peerID})
	}
}

// Channel looks up a registered channel by id.
func (b *Base) Channel(channelID wire.ChannelID) (*Channel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channelID]
	return ch, ok
}

// Channels returns a snapshot of every currently registered channel.
func (b *Base) Channels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ch)
	}
	return out
}

// Send pushes data through the interceptor chain and, if not dropped,
// to the channel's transport. Returns an error only for unknown
// channels or transport failures; a dropped-by-interceptor send is
// not an error (spec: "not calling next() drops the message").
func (b *Base) Send(ctx context.Context, channelID wire.ChannelID, data []byte) error {
	b.mu.Lock()
	ch, ok := b.channels[channelID]
	chain := append([]Interceptor(nil), b.interceptors...)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("adapter: unknown channel %d", channelID)
	}

	env := Envelope{AdapterType: b.AdapterType, AdapterID: b.AdapterID, Data: data}

	var sendErr error
	var run func(idx int, e Envelope)
	run = func(idx int, e Envelope) {
		if idx >= len(chain) {
			sendErr = ch.actions.Send(ctx, e.Data)
			return
		}
		chain[idx](ctx, e, func(next Envelope) { run(idx+1, next) })
	}
	run(0, env)
	return sendErr
}
