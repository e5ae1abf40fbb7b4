package syncore

import (
	"context"
	"testing"
	"time"

	"github.com/knirvcorp/syncore/internal/crdt"
)

func TestNewRejectsEmptyPeerID(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New() should fail with empty PeerID")
	}
}

func TestNewReturnsUsableReplica(t *testing.T) {
	rep, err := New(Options{PeerID: "peerA"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if rep == nil {
		t.Fatal("New() returned nil Replica")
	}
	if rep.Identity().PeerID != "peerA" {
		t.Fatalf("expected identity peerA, got %v", rep.Identity().PeerID)
	}
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

func TestLinkInProcessSyncsADocument(t *testing.T) {
	a, err := New(Options{PeerID: "peerA"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	b, err := New(Options{PeerID: "peerB"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := LinkInProcess(a, b); err != nil {
		t.Fatalf("LinkInProcess() failed: %v", err)
	}

	doc := a.Get("doc1")
	doc.Engine().(*crdt.TextEngine).InsertAt(0, 'h')
	doc.Engine().(*crdt.TextEngine).InsertAt(1, 'i')

	handle := Sync(doc)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := handle.WaitForSync(ctx, WaitOpts{}); err != nil {
		t.Fatalf("WaitForSync: %v", err)
	}

	bDoc := b.Get("doc1")
	waitUntil(t, 2*time.Second, func() bool {
		return bDoc.Engine().(*crdt.TextEngine).Text() == "hi"
	})
}

func TestWaitForSyncNoAdaptersError(t *testing.T) {
	rep, err := New(Options{PeerID: "solo"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	doc := rep.Get("doc1")
	handle := Sync(doc)
	if err := handle.WaitForSync(context.Background(), WaitOpts{}); err != ErrNoAdapters {
		t.Fatalf("expected ErrNoAdapters, got %v", err)
	}
}

func TestPresenceRelayedAcrossInProcessLink(t *testing.T) {
	a, err := New(Options{PeerID: "peerA"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	b, err := New(Options{PeerID: "peerB"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := LinkInProcess(a, b); err != nil {
		t.Fatalf("LinkInProcess() failed: %v", err)
	}

	docA := a.Get("doc1")
	docB := b.Get("doc1")

	Sync(docA).Presence().SetSelf("cursor", []byte("42"))

	handleB := Sync(docB)
	waitUntil(t, 2*time.Second, func() bool {
		data, ok := handleB.Presence().Get("cursor", "peerA")
		return ok && string(data) == "42"
	})
}
