// Package heartbeat periodically rebroadcasts the local ephemeral
// snapshot for every document with subscribers, compensating for
// connection churn: a peer that missed an explicit update picks it up
// on the next tick (spec §4.4.3 "Heartbeat").
package heartbeat

import (
	"context"
	"time"

	"github.com/knirvcorp/syncore/internal/ephemeral"
	"github.com/knirvcorp/syncore/internal/wire"
)

// DefaultInterval matches the spec's "a few seconds" guidance.
const DefaultInterval = 5 * time.Second

// Enqueue pushes a task onto the synchronizer's Work Queue; heartbeat
// never touches the Model directly, only through the same dispatch
// every other event source uses (spec §5).
type Enqueue func(task func())

// DocSubscribers enumerates every document id that currently has at
// least one subscribed channel.
type DocSubscribers func() []wire.DocID

// Ticker drives periodic ephemeral rebroadcast.
type Ticker struct {
	interval    time.Duration
	enqueue     Enqueue
	docs        DocSubscribers
	store       *ephemeral.Store
	broadcast   func(docID wire.DocID, msg wire.Message)
	stop        chan struct{}
	stoppedOnce chan struct{}
}

// New constructs a heartbeat ticker. A zero interval selects
// DefaultInterval. broadcast is expected to fan the message out to
// every Established channel subscribed to docID (the same path
// executor.BroadcastToSubscribers uses for explicit ephemeral relay).
func New(interval time.Duration, enqueue Enqueue, docs DocSubscribers, store *ephemeral.Store, broadcast func(docID wire.DocID, msg wire.Message)) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ticker{
		interval:    interval,
		enqueue:     enqueue,
		docs:        docs,
		store:       store,
		broadcast:   broadcast,
		stop:        make(chan struct{}),
		stoppedOnce: make(chan struct{}),
	}
}

// Start runs the ticker until ctx is done or Stop is called.
func (t *Ticker) Start(ctx context.Context) {
	go t.run(ctx)
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.stoppedOnce)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Ticker) tick() {
	t.enqueue(func() {
		for _, docID := range t.docs() {
			entries := t.store.SnapshotDoc(docID)
			if len(entries) == 0 {
				continue
			}
			t.broadcast(docID, wire.Message{
				Type: wire.TypeEphemeral,
				Ephemeral: &wire.Ephemeral{
					DocID:         docID,
					HopsRemaining: 1,
					Stores:        entries,
				},
			})
		}
	})
}

// Stop halts the ticker goroutine and waits for it to exit.
func (t *Ticker) Stop() {
	select {
	case <-t.stop:
		return // already stopped
	default:
		close(t.stop)
	}
	<-t.stoppedOnce
}
