package crdt

import "testing"

func TestTextEngineLocalInsertRenders(t *testing.T) {
	e := NewTextEngine("peerA")
	e.InsertAt(0, 'a')
	e.InsertAt(1, 'b')
	e.InsertAt(2, 'c')
	if got := e.Text(); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	if e.OpCount() != 3 {
		t.Fatalf("expected 3 ops, got %d", e.OpCount())
	}
}

func TestTextEngineSnapshotImportConverges(t *testing.T) {
	a := NewTextEngine("peerA")
	a.InsertAt(0, 'a')
	a.InsertAt(1, 'b')
	a.InsertAt(2, 'c')

	b := NewTextEngine("peerB")
	if b.OpCount() != 0 {
		t.Fatalf("expected empty doc before import")
	}

	data, err := a.Export(ExportMode{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := b.Import(data); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := b.Text(); got != "abc" {
		t.Fatalf("expected abc after snapshot import, got %q", got)
	}
}

func TestTextEngineDeltaImportIsIdempotent(t *testing.T) {
	a := NewTextEngine("peerA")
	a.InsertAt(0, 'a')
	b := NewTextEngine("peerB")

	delta, _ := a.Export(ExportMode{Since: b.Version()})
	if err := b.Import(delta); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := b.Import(delta); err != nil { // duplicate delivery
		t.Fatalf("re-import: %v", err)
	}
	if b.OpCount() != 1 {
		t.Fatalf("expected idempotent import to leave 1 op, got %d", b.OpCount())
	}
}

func TestDecideTransmissionUpToDateWhenRequesterAhead(t *testing.T) {
	a := NewTextEngine("peerA")
	a.InsertAt(0, 'a')

	ahead := a.Version()
	ahead["peerA"]++ // pretend requester has seen more than we have

	tx, err := a.DecideTransmission(ahead)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if tx.Kind != TransmissionUpToDate {
		t.Fatalf("expected up-to-date, got %v", tx.Kind)
	}
}

func TestDecideTransmissionSnapshotWhenRequesterEmpty(t *testing.T) {
	a := NewTextEngine("peerA")
	a.InsertAt(0, 'a')

	tx, err := a.DecideTransmission(nil)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if tx.Kind != TransmissionSnapshot {
		t.Fatalf("expected snapshot for empty requester version, got %v", tx.Kind)
	}
}

func TestDecideTransmissionUpdateWhenPartiallyBehind(t *testing.T) {
	a := NewTextEngine("peerA")
	a.InsertAt(0, 'a')
	requesterKnew := a.Version()
	a.InsertAt(1, 'b')

	tx, err := a.DecideTransmission(requesterKnew)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if tx.Kind != TransmissionUpdate {
		t.Fatalf("expected update, got %v", tx.Kind)
	}
}

func TestVersionRoundTrip(t *testing.T) {
	a := NewTextEngine("peerA")
	a.InsertAt(0, 'x')
	encoded, err := EncodeVersion(a.Version())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeVersion(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["peerA"] != 1 {
		t.Fatalf("expected peerA seq 1, got %d", decoded["peerA"])
	}
}

func TestConcurrentInsertsConvergeRegardlessOfMergeOrder(t *testing.T) {
	a := NewTextEngine("peerA")
	a.InsertAt(0, 'a')

	// Two peers both insert after the same element, concurrently.
	b := NewTextEngine("peerB")
	snap, _ := a.Export(ExportMode{})
	b.Import(snap)
	b.InsertAt(1, 'X')

	c := NewTextEngine("peerC")
	c.Import(snap)
	c.InsertAt(1, 'Y')

	// Merge b into c and c into b, in opposite orders.
	bSnap, _ := b.Export(ExportMode{})
	cSnap, _ := c.Export(ExportMode{})
	c.Import(bSnap)
	b.Import(cSnap)

	if b.Text() != c.Text() {
		t.Fatalf("expected convergence, got b=%q c=%q", b.Text(), c.Text())
	}
}
