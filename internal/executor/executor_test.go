package executor

import (
	"errors"
	"testing"

	"github.com/knirvcorp/syncore/internal/crdt"
	"github.com/knirvcorp/syncore/internal/ephemeral"
	"github.com/knirvcorp/syncore/internal/syncmodel"
	"github.com/knirvcorp/syncore/internal/wire"
)

func newEnv() Env {
	return Env{
		Model:         syncmodel.New(0),
		Ephemeral:     ephemeral.New(0, ephemeral.EncryptionConfig{}),
		EngineFactory: func() crdt.Engine { return crdt.NewTextEngine("peerA") },
		Send:          func(wire.ChannelID, wire.Message) error { return nil },
	}
}

func TestCreateDocumentThenImportDoc(t *testing.T) {
	env := newEnv()
	Execute(env, []Command{CreateDocument{DocID: "doc1"}})

	doc, ok := env.Model.Document("doc1")
	if !ok {
		t.Fatal("expected document created")
	}

	src := crdt.NewTextEngine("peerB")
	src.InsertAt(0, 'x')
	data, _ := src.Export(crdt.ExportMode{})

	Execute(env, []Command{ImportDoc{DocID: "doc1", Data: data}})
	if doc.Engine.OpCount() != 1 {
		t.Fatalf("expected import to land, got opcount %d", doc.Engine.OpCount())
	}
}

func TestImportDocUnknownDocumentIsNoOp(t *testing.T) {
	env := newEnv()
	Execute(env, []Command{ImportDoc{DocID: "missing", Data: []byte("x")}})
}

func TestSendMessageFailureIsDropped(t *testing.T) {
	env := newEnv()
	called := false
	env.Send = func(wire.ChannelID, wire.Message) error {
		called = true
		return errors.New("boom")
	}
	Execute(env, []Command{SendMessage{ChannelID: 1, Msg: wire.Message{Type: wire.TypeEphemeral}}})
	if !called {
		t.Fatal("expected send to be invoked")
	}
}

func TestSubscribeDocThenBroadcastExcludesSender(t *testing.T) {
	env := newEnv()
	env.Model.RegisterChannel(1, wire.ChannelNetwork)
	env.Model.RegisterChannel(2, wire.ChannelNetwork)
	env.Model.EstablishChannel(1, "peerA", "Alice")
	env.Model.EstablishChannel(2, "peerB", "Bob")

	Execute(env, []Command{
		SubscribeDoc{DocID: "doc1", ChannelID: 1},
		SubscribeDoc{DocID: "doc1", ChannelID: 2},
	})

	var sentTo []wire.ChannelID
	env.Send = func(ch wire.ChannelID, msg wire.Message) error {
		sentTo = append(sentTo, ch)
		return nil
	}

	Execute(env, []Command{BroadcastToSubscribers{DocID: "doc1", Exclude: 1, Msg: wire.Message{Type: wire.TypeEphemeral}}})
	if len(sentTo) != 1 || sentTo[0] != 2 {
		t.Fatalf("expected broadcast only to channel 2, got %v", sentTo)
	}
}

func TestApplyEphemeralWritesToStore(t *testing.T) {
	env := newEnv()
	Execute(env, []Command{ApplyEphemeral{DocID: "doc1", Namespace: "cursor", PeerID: "peerA", Data: []byte("x")}})

	data, ok := env.Ephemeral.Get("doc1", "cursor", "peerA")
	if !ok || string(data) != "x" {
		t.Fatalf("expected ephemeral entry applied, got %v %v", data, ok)
	}
}

func TestDeleteDocumentRemovesFromModel(t *testing.T) {
	env := newEnv()
	Execute(env, []Command{CreateDocument{DocID: "doc1"}})
	if _, ok := env.Model.Document("doc1"); !ok {
		t.Fatal("expected document present before delete")
	}
	Execute(env, []Command{DeleteDocument{DocID: "doc1"}})
	if _, ok := env.Model.Document("doc1"); ok {
		t.Fatal("expected document removed")
	}
}

func TestEstablishChannelUpgradesModel(t *testing.T) {
	env := newEnv()
	env.Model.RegisterChannel(1, wire.ChannelNetwork)
	Execute(env, []Command{EstablishChannel{ChannelID: 1, PeerID: "peerA", PeerName: "Alice"}})

	if _, ok := env.Model.Peers["peerA"]; !ok {
		t.Fatal("expected peer registered")
	}
}
