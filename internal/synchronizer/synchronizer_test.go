package synchronizer

import (
	"context"
	"testing"
	"time"

	"github.com/knirvcorp/syncore/internal/bridgeadapter"
	"github.com/knirvcorp/syncore/internal/crdt"
	"github.com/knirvcorp/syncore/internal/wire"
)

func newTestPair(t *testing.T) (*Synchronizer, *Synchronizer) {
	t.Helper()

	a := New(Config{Identity: wire.Identity{PeerID: "peerA", Name: "a"}})
	b := New(Config{Identity: wire.Identity{PeerID: "peerB", Name: "b"}})

	var bridgeA, bridgeB *bridgeadapter.Bridge
	bridgeA = bridgeadapter.New(func(channelID wire.ChannelID, data []byte) { a.OnInbound(channelID, data) })
	bridgeB = bridgeadapter.New(func(channelID wire.ChannelID, data []byte) { b.OnInbound(channelID, data) })

	a.RegisterAdapter(bridgeA.Base)
	b.RegisterAdapter(bridgeB.Base)

	if _, _, err := bridgeadapter.Link(bridgeA, bridgeB); err != nil {
		t.Fatalf("link: %v", err)
	}
	return a, b
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition never became true")
	}
}

func TestHandshakeEstablishesBothPeers(t *testing.T) {
	a, b := newTestPair(t)

	waitUntil(t, time.Second, func() bool {
		_, okA := a.Model.Peers["peerB"]
		_, okB := b.Model.Peers["peerA"]
		return okA && okB
	})
}

func TestDocumentCreatedOnOneSideSyncsToOther(t *testing.T) {
	a, b := newTestPair(t)
	waitUntil(t, time.Second, func() bool {
		_, ok := a.Model.Peers["peerB"]
		return ok
	})

	doc := a.GetOrCreateDocument("doc1")
	doc.Engine.(*crdt.TextEngine).InsertAt(0, 'h')
	doc.Engine.(*crdt.TextEngine).InsertAt(1, 'i')

	waitUntil(t, 2*time.Second, func() bool {
		bDoc, ok := b.Model.Document("doc1")
		if !ok {
			return false
		}
		return bDoc.Engine.(*crdt.TextEngine).Text() == "hi"
	})
}

func TestPresenceRelayed(t *testing.T) {
	a, b := newTestPair(t)
	waitUntil(t, time.Second, func() bool {
		_, ok := a.Model.Peers["peerB"]
		return ok
	})

	a.GetOrCreateDocument("doc1")
	b.GetOrCreateDocument("doc1")

	a.SetPresence("doc1", "cursor", []byte(`{"x":1}`))

	waitUntil(t, 2*time.Second, func() bool {
		data, ok := b.Eph.Get("doc1", "cursor", "peerA")
		return ok && string(data) == `{"x":1}`
	})
}

func TestDeleteDocumentRemovesLocalState(t *testing.T) {
	a, b := newTestPair(t)
	waitUntil(t, time.Second, func() bool {
		_, ok := a.Model.Peers["peerB"]
		return ok
	})

	a.GetOrCreateDocument("doc1")
	waitUntil(t, time.Second, func() bool {
		_, ok := b.Model.Document("doc1")
		return ok
	})

	a.DeleteDocument("doc1")

	waitUntil(t, time.Second, func() bool {
		_, ok := a.Model.Document("doc1")
		return !ok
	})
}

func TestHeartbeatRebroadcastsPresence(t *testing.T) {
	a, b := newTestPair(t)
	waitUntil(t, time.Second, func() bool {
		_, ok := a.Model.Peers["peerB"]
		return ok
	})
	a.GetOrCreateDocument("doc1")
	b.GetOrCreateDocument("doc1")
	a.SetPresence("doc1", "cursor", []byte("v1"))
	waitUntil(t, time.Second, func() bool {
		_, ok := b.Eph.Get("doc1", "cursor", "peerA")
		return ok
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.cfg.HeartbeatInterval = 10 * time.Millisecond
	a.StartHeartbeat(ctx)
	defer a.StopHeartbeat()

	b.Eph.RemovePeer("peerA") // simulate loss; heartbeat should restore it
	waitUntil(t, time.Second, func() bool {
		data, ok := b.Eph.Get("doc1", "cursor", "peerA")
		return ok && string(data) == "v1"
	})
}
