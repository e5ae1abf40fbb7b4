package executor

import (
	"go.uber.org/zap"

	"github.com/knirvcorp/syncore/internal/crdt"
	"github.com/knirvcorp/syncore/internal/ephemeral"
	"github.com/knirvcorp/syncore/internal/metrics"
	"github.com/knirvcorp/syncore/internal/syncmodel"
	"github.com/knirvcorp/syncore/internal/wire"
)

// Sender delivers an already-framed message on channelID. Supplied by
// the synchronizer glue, which knows which adapter owns each channel.
type Sender func(channelID wire.ChannelID, msg wire.Message) error

// Env bundles everything Execute needs to carry out a command batch.
type Env struct {
	Model         *syncmodel.Model
	Ephemeral     *ephemeral.Store
	EngineFactory func() crdt.Engine
	Send          Sender
	Metrics       *metrics.Metrics
	Log           *zap.Logger

	// OnEstablish, if set, is called after EstablishChannel mutates the
	// Model, so glue code (the synchronizer) can mirror the upgrade onto
	// the owning adapter.Base's own Connected/Established channel state.
	OnEstablish func(channelID wire.ChannelID, peerID wire.PeerID)
}

// Execute carries out cmds in order. A failure executing one command
// is logged and does not prevent the rest from running — individual
// side effects are independent (spec §4.4.5: failures are isolated to
// the channel/document they concern, never to the whole batch).
func Execute(env Env, cmds []Command) {
	for _, cmd := range cmds {
		execOne(env, cmd)
	}
}

func execOne(env Env, cmd Command) {
	if env.Metrics != nil {
		env.Metrics.CommandsApplied.WithLabelValues(cmd.Kind()).Inc()
	}
	switch c := cmd.(type) {
	case SendMessage:
		if err := env.Send(c.ChannelID, c.Msg); err != nil {
			logDrop(env, "send failed, removing channel upstream", c.ChannelID, err)
		}

	case BroadcastToSubscribers:
		doc, ok := env.Model.Document(c.DocID)
		if !ok {
			return
		}
		for channelID := range doc.Subscribers {
			if channelID == c.Exclude {
				continue
			}
			if ci, ok := env.Model.Channels[channelID]; !ok || ci.State == wire.ReadyDisconnected {
				continue
			}
			if err := env.Send(channelID, c.Msg); err != nil {
				logDrop(env, "broadcast send failed", channelID, err)
			}
		}

	case ImportDoc:
		doc, ok := env.Model.Document(c.DocID)
		if !ok {
			return
		}
		if err := doc.Engine.Import(c.Data); err != nil {
			if env.Log != nil {
				env.Log.Warn("crdt import failed, dropping update", zap.String("doc", string(c.DocID)), zap.Error(err))
			}
			if env.Metrics != nil {
				env.Metrics.ErrorCount.Inc()
			}
			return
		}

	case CreateDocument:
		env.Model.GetOrCreateDocument(c.DocID, env.EngineFactory)

	case SetAwareness:
		env.Model.UpdateAwareness(c.PeerID, c.DocID, c.Status, c.Version)

	case SetReady:
		env.Model.SetReadyState(c.DocID, c.PeerID, c.State)
		if env.Metrics != nil {
			env.Metrics.SyncRoundTrips.WithLabelValues(c.State.String()).Inc()
		}

	case ApplyEphemeral:
		if env.Ephemeral != nil {
			env.Ephemeral.Apply(c.DocID, c.Namespace, c.PeerID, c.Data)
			if env.Metrics != nil {
				env.Metrics.EphemeralEntries.Set(float64(env.Ephemeral.Count()))
			}
		}

	case RemovePeerEphemeral:
		if env.Ephemeral == nil {
			return
		}
		removed := env.Ephemeral.RemovePeer(c.PeerID)
		if env.Metrics != nil {
			env.Metrics.EphemeralEntries.Set(float64(env.Ephemeral.Count()))
		}
		for docID, entries := range removed {
			msg := wire.Message{Type: wire.TypeEphemeral, Ephemeral: &wire.Ephemeral{
				DocID:         docID,
				HopsRemaining: 1,
				Stores:        entries,
			}}
			Execute(env, []Command{BroadcastToSubscribers{DocID: docID, Msg: msg}})
		}

	case SubscribeDoc:
		doc, created := env.Model.GetOrCreateDocument(c.DocID, env.EngineFactory)
		_ = created
		doc.Subscribers[c.ChannelID] = struct{}{}

	case EstablishChannel:
		env.Model.EstablishChannel(c.ChannelID, c.PeerID, c.PeerName)
		if env.OnEstablish != nil {
			env.OnEstablish(c.ChannelID, c.PeerID)
		}

	case DeleteDocument:
		delete(env.Model.Documents, c.DocID)
	}
}

func logDrop(env Env, msg string, channelID wire.ChannelID, err error) {
	if env.Log != nil {
		env.Log.Warn(msg, zap.Uint64("channel", uint64(channelID)), zap.Error(err))
	}
	if env.Metrics != nil {
		env.Metrics.ErrorCount.Inc()
	}
}
