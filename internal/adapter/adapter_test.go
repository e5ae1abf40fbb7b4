package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/knirvcorp/syncore/internal/wire"
)

func newTestBase(t *testing.T, sent *[][]byte) *Base {
	t.Helper()
	gen := func(ctx context.Context, channelID wire.ChannelID) (ChannelActions, error) {
		return ChannelActions{
			Send: func(ctx context.Context, data []byte) error {
				*sent = append(*sent, data)
				return nil
			},
			Stop: func() {},
		}, nil
	}
	return New("test", "instance-1", KindNetwork, gen)
}

func TestAddChannelEmitsEvent(t *testing.T) {
	var sent [][]byte
	b := newTestBase(t, &sent)

	var added *Channel
	b.OnChannelAdded(func(ev ChannelAddedEvent) { added = ev.Channel })

	ch, err := b.AddChannel(context.Background())
	if err != nil {
		t.Fatalf("add channel: %v", err)
	}
	if ch.State != StateConnected {
		t.Fatalf("expected Connected state, got %v", ch.State)
	}
	if added == nil || added.ID != ch.ID {
		t.Fatal("expected channel-added event with matching channel")
	}
}

func TestEstablishChannelSendsRequestAndUpgrades(t *testing.T) {
	var sent [][]byte
	b := newTestBase(t, &sent)
	b.SetEstablishBuilder(func(channelID wire.ChannelID) ([]byte, error) {
		return []byte("establish-request"), nil
	})

	var established *ChannelEstablishedEvent
	b.OnChannelEstablished(func(ev ChannelEstablishedEvent) { established = &ev })

	ch, _ := b.AddChannel(context.Background())
	if err := b.EstablishChannel(context.Background(), ch.ID); err != nil {
		t.Fatalf("establish channel: %v", err)
	}
	if len(sent) != 1 || string(sent[0]) != "establish-request" {
		t.Fatalf("expected establish-request sent, got %v", sent)
	}

	b.MarkEstablished(ch.ID, "peerA")
	got, ok := b.Channel(ch.ID)
	if !ok || got.State != StateEstablished || got.PeerID != "peerA" {
		t.Fatalf("expected channel upgraded to Established with peerA, got %+v", got)
	}
	if established == nil || established.PeerID != "peerA" {
		t.Fatal("expected channel-established event")
	}
}

func TestRemoveChannelStopsAndEmitsEvent(t *testing.T) {
	var sent [][]byte
	b := newTestBase(t, &sent)
	stopped := false
	b.generate = func(ctx context.Context, channelID wire.ChannelID) (ChannelActions, error) {
		return ChannelActions{
			Send: func(ctx context.Context, data []byte) error { return nil },
			Stop: func() { stopped = true },
		}, nil
	}

	var removed *ChannelRemovedEvent
	b.OnChannelRemoved(func(ev ChannelRemovedEvent) { removed = &ev })

	ch, _ := b.AddChannel(context.Background())
	b.RemoveChannel(ch.ID)

	if !stopped {
		t.Fatal("expected stop to be called")
	}
	if removed == nil || removed.ChannelID != ch.ID {
		t.Fatal("expected channel-removed event")
	}
	if _, ok := b.Channel(ch.ID); ok {
		t.Fatal("expected channel deregistered")
	}

	// removing again is a no-op, not an error
	b.RemoveChannel(ch.ID)
}

func TestSendDroppedByInterceptorNeverReachesTransport(t *testing.T) {
	var sent [][]byte
	b := newTestBase(t, &sent)
	b.Use(func(ctx context.Context, env Envelope, next func(Envelope)) {
		// never call next: simulates total loss
	})

	ch, _ := b.AddChannel(context.Background())
	if err := b.Send(context.Background(), ch.ID, []byte("hello")); err != nil {
		t.Fatalf("expected drop to not be an error, got %v", err)
	}
	if len(sent) != 0 {
		t.Fatalf("expected no bytes reaching transport, got %v", sent)
	}
}

func TestSendInterceptorChainOrdering(t *testing.T) {
	var sent [][]byte
	b := newTestBase(t, &sent)

	var order []string
	b.Use(func(ctx context.Context, env Envelope, next func(Envelope)) {
		order = append(order, "first")
		next(env)
	})
	b.Use(func(ctx context.Context, env Envelope, next func(Envelope)) {
		order = append(order, "second")
		next(env)
	})

	ch, _ := b.AddChannel(context.Background())
	if err := b.Send(context.Background(), ch.ID, []byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected interceptors in registration order, got %v", order)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one send reaching transport, got %d", len(sent))
	}
}

func TestSendUnknownChannelErrors(t *testing.T) {
	var sent [][]byte
	b := newTestBase(t, &sent)
	if err := b.Send(context.Background(), 999, []byte("x")); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestSendPropagatesTransportError(t *testing.T) {
	var sent [][]byte
	b := newTestBase(t, &sent)
	wantErr := errors.New("boom")
	b.generate = func(ctx context.Context, channelID wire.ChannelID) (ChannelActions, error) {
		return ChannelActions{
			Send: func(ctx context.Context, data []byte) error { return wantErr },
			Stop: func() {},
		}, nil
	}

	ch, _ := b.AddChannel(context.Background())
	if err := b.Send(context.Background(), ch.ID, []byte("x")); !errors.Is(err, wantErr) {
		t.Fatalf("expected transport error propagated, got %v", err)
	}
}
