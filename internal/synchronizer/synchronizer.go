// Package synchronizer binds the Model, the pure handlers, the
// Executor, the Work Queue and any number of registered transport
// adapters into one running replica (spec §4.4). It owns the only copy
// of the single-threaded dispatch loop: every externally sourced event
// — an inbound frame, an adapter lifecycle transition, a local
// document edit, a heartbeat tick, a facade call — is enqueued onto
// the Work Queue and runs a handler-then-execute pass to completion
// before the next one starts.
package synchronizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/knirvcorp/syncore/internal/adapter"
	"github.com/knirvcorp/syncore/internal/codec"
	"github.com/knirvcorp/syncore/internal/crdt"
	"github.com/knirvcorp/syncore/internal/ephemeral"
	"github.com/knirvcorp/syncore/internal/executor"
	"github.com/knirvcorp/syncore/internal/handlers"
	"github.com/knirvcorp/syncore/internal/heartbeat"
	"github.com/knirvcorp/syncore/internal/metrics"
	"github.com/knirvcorp/syncore/internal/rules"
	"github.com/knirvcorp/syncore/internal/syncmodel"
	"github.com/knirvcorp/syncore/internal/tracing"
	"github.com/knirvcorp/syncore/internal/wire"
	"github.com/knirvcorp/syncore/internal/workqueue"
)

// Config configures one Synchronizer instance.
type Config struct {
	// Identity is this replica's own identity, sent on every
	// establish-request/response this process originates.
	Identity wire.Identity

	// EstablishAuth is the opaque auth payload attached to outgoing
	// establish-request/response messages (a bearer token, a signed
	// identity proof, or nil when the deployment runs open).
	EstablishAuth []byte

	// Rules gates handshake, reveal, update, delete and create
	// decisions. The zero value allows everything (spec §4.5).
	Rules rules.Rules

	AwarenessTTL      time.Duration
	EphemeralTTL      time.Duration
	Ephemeral         ephemeral.EncryptionConfig
	HeartbeatInterval time.Duration

	// EngineFactory constructs a fresh CRDT engine for a newly
	// referenced document. A nil factory selects the reference
	// crdt.TextEngine, attributed to Identity.PeerID.
	EngineFactory func() crdt.Engine

	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Synchronizer is one running replica: the state every handler reads,
// the dispatch loop that serializes access to it, and the plumbing
// that routes inbound/outbound bytes through whatever adapters have
// been registered.
type Synchronizer struct {
	cfg     Config
	Model   *syncmodel.Model
	Queue   *workqueue.Queue
	Eph     *ephemeral.Store
	metrics *metrics.Metrics
	log     *zap.Logger

	mu             sync.Mutex
	channelAdapter map[wire.ChannelID]*adapter.Base

	heartbeat *heartbeat.Ticker
}

// New constructs a Synchronizer. The returned instance does not listen
// on anything by itself; call RegisterAdapter for each transport and
// StartHeartbeat if periodic presence rebroadcast is wanted.
func New(cfg Config) *Synchronizer {
	if cfg.AwarenessTTL <= 0 {
		cfg.AwarenessTTL = syncmodel.DefaultAwarenessTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = heartbeat.DefaultInterval
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	s := &Synchronizer{
		cfg:            cfg,
		Model:          syncmodel.New(cfg.AwarenessTTL),
		Queue:          workqueue.New(),
		Eph:            ephemeral.New(cfg.EphemeralTTL, cfg.Ephemeral),
		metrics:        cfg.Metrics,
		log:            cfg.Log,
		channelAdapter: make(map[wire.ChannelID]*adapter.Base),
	}
	if cfg.Metrics != nil {
		s.Queue.OnQuiescent(func() { cfg.Metrics.QueueDepth.Set(0) })
	}
	return s
}

// Identity returns this replica's own identity.
func (s *Synchronizer) Identity() wire.Identity { return s.cfg.Identity }

func (s *Synchronizer) newEngine() crdt.Engine {
	if s.cfg.EngineFactory != nil {
		return s.cfg.EngineFactory()
	}
	return crdt.NewTextEngine(string(s.cfg.Identity.PeerID))
}

func (s *Synchronizer) env() executor.Env {
	return executor.Env{
		Model:         s.Model,
		Ephemeral:     s.Eph,
		EngineFactory: s.newEngine,
		Send:          s.send,
		Metrics:       s.metrics,
		Log:           s.log,
		OnEstablish:   s.onEstablish,
	}
}

// send frames msg and hands it to whichever adapter owns channelID. A
// failed adapter send removes the channel from that adapter.
func (s *Synchronizer) send(channelID wire.ChannelID, msg wire.Message) error {
	data, err := codec.EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("synchronizer: encode frame: %w", err)
	}
	s.mu.Lock()
	base, ok := s.channelAdapter[channelID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("synchronizer: no adapter owns channel %d", channelID)
	}
	if err := base.Send(context.Background(), channelID, data); err != nil {
		base.RemoveChannel(channelID)
		return err
	}
	if s.metrics != nil {
		s.metrics.MessagesSent.WithLabelValues(msgTypeLabel(msg.Type)).Inc()
		s.metrics.BytesSent.Add(float64(len(data)))
	}
	return nil
}

// onEstablish mirrors a Model-level EstablishChannel onto the owning
// adapter.Base's own channel state, so the adapter's Connected ->
// Established transition and the Model's agree.
func (s *Synchronizer) onEstablish(channelID wire.ChannelID, peerID wire.PeerID) {
	s.mu.Lock()
	base, ok := s.channelAdapter[channelID]
	s.mu.Unlock()
	if ok {
		base.MarkEstablished(channelID, peerID)
	}
	if s.metrics != nil {
		s.metrics.PeersKnown.Set(float64(len(s.Model.Peers)))
	}
}

// RegisterAdapter wires base into this synchronizer: every channel it
// adds or removes is reflected into the Model, and every newly
// connected channel immediately sends an establish-request.
//
// Both sides of a channel send establish-request as soon as it
// connects, rather than only the dialing side. HandleEstablishRequest
// unconditionally upgrades the receiving side to Established on
// arrival regardless of whether it also gets its own response, so this
// symmetric send converges without needing to special-case which side
// initiated the connection.
func (s *Synchronizer) RegisterAdapter(base *adapter.Base) {
	base.SetEstablishBuilder(func(channelID wire.ChannelID) ([]byte, error) {
		return codec.EncodeFrame(wire.Message{
			Type:             wire.TypeEstablishRequest,
			EstablishRequest: &wire.EstablishRequest{Identity: s.cfg.Identity, Auth: s.cfg.EstablishAuth},
		})
	})

	base.OnChannelAdded(func(ev adapter.ChannelAddedEvent) {
		s.mu.Lock()
		s.channelAdapter[ev.Channel.ID] = base
		s.mu.Unlock()

		s.Queue.Enqueue(func() {
			s.Model.RegisterChannel(ev.Channel.ID, ev.Channel.Kind)
			if s.metrics != nil {
				s.metrics.ChannelsActive.Set(float64(len(s.Model.Channels)))
			}
		})

		if err := base.EstablishChannel(context.Background(), ev.Channel.ID); err != nil && s.log != nil {
			s.log.Warn("establish-request send failed",
				zap.Uint64("channel", uint64(ev.Channel.ID)), zap.Error(err))
		}
	})

	base.OnChannelRemoved(func(ev adapter.ChannelRemovedEvent) {
		s.mu.Lock()
		delete(s.channelAdapter, ev.ChannelID)
		s.mu.Unlock()

		s.Queue.Enqueue(func() {
			ci, ok := s.Model.Channels[ev.ChannelID]
			var peerID wire.PeerID
			if ok {
				peerID = ci.PeerID
			}
			s.Model.RemoveChannel(ev.ChannelID)
			if s.metrics != nil {
				s.metrics.ChannelsActive.Set(float64(len(s.Model.Channels)))
			}
			if peerID == "" {
				return
			}
			if p, ok := s.Model.Peers[peerID]; ok && len(p.ChannelIDs) == 0 {
				executor.Execute(s.env(), []executor.Command{executor.RemovePeerEphemeral{PeerID: peerID}})
			}
		})
	})
}

// OnInbound decodes a raw frame received on channelID and dispatches
// each message it carries. Registered as the onInbound callback for
// every concrete adapter (internal/network.TCPAdapter,
// internal/bridgeadapter.Bridge, ...). Decoding happens outside the
// Work Queue since it touches no shared state; dispatch itself is
// always enqueued.
func (s *Synchronizer) OnInbound(channelID wire.ChannelID, raw []byte) {
	msgs, err := codec.DecodeFrame(raw)
	if err != nil {
		if s.metrics != nil {
			s.metrics.FramesDecodeErrors.Inc()
		}
		if s.log != nil {
			s.log.Warn("frame decode failed", zap.Uint64("channel", uint64(channelID)), zap.Error(err))
		}
		return
	}
	if s.metrics != nil {
		s.metrics.BytesReceived.Add(float64(len(raw)))
		s.metrics.QueueDepth.Set(float64(s.Queue.Depth() + 1))
	}
	s.Queue.Enqueue(func() {
		for _, msg := range msgs {
			s.dispatchLocked(channelID, msg)
		}
	})
}

// dispatchLocked runs one message through the matching handler and
// executes the resulting commands. Must only be called from a task
// already running on the Work Queue.
func (s *Synchronizer) dispatchLocked(channelID wire.ChannelID, msg wire.Message) {
	_, span := tracing.StartSpan(context.Background(), "synchronizer.dispatch",
		attribute.String("message.type", msgTypeLabel(msg.Type)),
		attribute.Int64("channel.id", int64(channelID)),
	)
	defer span.End()

	start := time.Now()
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(msgTypeLabel(msg.Type)).Inc()
		defer func() { s.metrics.HandlerDuration.Observe(time.Since(start).Seconds()) }()
	}

	var peerID wire.PeerID
	if ci, ok := s.Model.Channels[channelID]; ok {
		peerID = ci.PeerID
	}

	var cmds []executor.Command
	switch msg.Type {
	case wire.TypeEstablishRequest:
		if msg.EstablishRequest != nil {
			cmds = handlers.HandleEstablishRequest(s.Model, s.cfg.Rules, s.channelLookup, channelID, *msg.EstablishRequest, s.cfg.Identity, s.cfg.EstablishAuth)
		}
	case wire.TypeEstablishResponse:
		if msg.EstablishResponse != nil {
			cmds = handlers.HandleEstablishResponse(s.Model, channelID, *msg.EstablishResponse, s.localDocs, time.Now())
		}
	case wire.TypeSyncRequest:
		if msg.SyncRequest != nil {
			cmds = handlers.HandleSyncRequest(s.Model, s.cfg.Rules, s.channelLookup, channelID, peerID, *msg.SyncRequest, s.newEngine)
		}
	case wire.TypeSyncResponse:
		if msg.SyncResponse != nil {
			cmds = handlers.HandleSyncResponse(s.Model, s.cfg.Rules, s.channelLookup, channelID, peerID, msg.SyncResponse.DocID, msg.SyncResponse.Transmission, msg.SyncResponse.Ephemeral)
		}
	case wire.TypeUpdate:
		if msg.Update != nil {
			cmds = handlers.HandleSyncResponse(s.Model, s.cfg.Rules, s.channelLookup, channelID, peerID, msg.Update.DocID, msg.Update.Transmission, nil)
		}
	case wire.TypeDirectoryRequest:
		if msg.DirectoryRequest != nil {
			cmds = handlers.HandleDirectoryRequest(s.Model, channelID, *msg.DirectoryRequest)
		}
	case wire.TypeDirectoryResponse:
		if msg.DirectoryResponse != nil {
			cmds = handlers.HandleDirectoryResponse(s.Model, channelID, msg.DirectoryResponse.DocIDs)
		}
	case wire.TypeNewDoc:
		if msg.NewDoc != nil {
			cmds = handlers.HandleNewDoc(s.Model, channelID, msg.NewDoc.DocIDs)
		}
	case wire.TypeDeleteRequest:
		if msg.DeleteRequest != nil {
			cmds = handlers.HandleDeleteRequest(s.Model, s.cfg.Rules, s.channelLookup, channelID, *msg.DeleteRequest)
		}
	case wire.TypeDeleteResponse:
		// Purely informational; nothing local currently reacts to the
		// other side's delete outcome.
	case wire.TypeEphemeral:
		if msg.Ephemeral != nil {
			cmds = handlers.HandleEphemeral(channelID, *msg.Ephemeral)
		}
	case wire.TypeBatch:
		// codec.DecodeFrame already flattens batches before OnInbound
		// sees them; a Batch-typed message here would mean a nested
		// batch slipped through decode, which validate() rejects.
	}

	executor.Execute(s.env(), cmds)
}

func (s *Synchronizer) channelLookup(channelID wire.ChannelID) (wire.ChannelKind, wire.PeerID, string) {
	ci, ok := s.Model.Channels[channelID]
	if !ok {
		return wire.ChannelOther, "", ""
	}
	name := ""
	if p, ok := s.Model.Peers[ci.PeerID]; ok {
		name = p.Name
	}
	return ci.Kind, ci.PeerID, name
}

func (s *Synchronizer) localDocs() []*syncmodel.Document {
	out := make([]*syncmodel.Document, 0, len(s.Model.Documents))
	for _, d := range s.Model.Documents {
		out = append(out, d)
	}
	return out
}

// GetOrCreateDocument returns docID's Document State, creating it (and
// announcing it to every established peer) on first reference. A
// facade-side entry point: it runs the mutation on the Work Queue and
// waits for it, so the result is populated even when another goroutine
// (a transport read loop) is mid-drain. Must not be called from inside
// a running handler.
func (s *Synchronizer) GetOrCreateDocument(docID wire.DocID) *syncmodel.Document {
	var doc *syncmodel.Document
	s.Queue.Run(func() {
		d, created := s.Model.GetOrCreateDocument(docID, s.newEngine)
		doc = d
		if created {
			d.Engine.Subscribe(func() { s.NotifyLocalChange(docID) })
			s.broadcastNewDocLocked(docID)
		}
	})
	return doc
}

func (s *Synchronizer) broadcastNewDocLocked(docID wire.DocID) {
	msg := wire.Message{Type: wire.TypeNewDoc, NewDoc: &wire.NewDoc{DocIDs: []wire.DocID{docID}}}
	for channelID, ci := range s.Model.Channels {
		if ci.PeerID == "" {
			continue // not yet established
		}
		if err := s.send(channelID, msg); err != nil && s.log != nil {
			s.log.Warn("new-doc announce failed", zap.Uint64("channel", uint64(channelID)), zap.Error(err))
		}
	}
}

// DeleteDocument asks every subscribed channel to forget docID and
// drops the local Document State. Local deletion is unconditional: the
// five rule predicates gate what a remote peer may do to our state,
// never what the owning process does to its own (spec §4.5).
func (s *Synchronizer) DeleteDocument(docID wire.DocID) {
	s.Queue.Enqueue(func() {
		doc, ok := s.Model.Documents[docID]
		if !ok {
			return
		}
		msg := wire.Message{Type: wire.TypeDeleteRequest, DeleteRequest: &wire.DeleteRequest{DocID: docID}}
		for channelID := range doc.Subscribers {
			if err := s.send(channelID, msg); err != nil && s.log != nil {
				s.log.Warn("delete-request send failed", zap.Uint64("channel", uint64(channelID)), zap.Error(err))
			}
		}
		delete(s.Model.Documents, docID)
	})
}

// NotifyLocalChange exports docID's current state and broadcasts it to
// every subscribed channel. Wired as the CRDT engine's change
// subscriber at document-creation time, so it fires for both local
// edits and imported remote updates alike; the engine's Import being
// idempotent per element bounds the cost of the resulting echo back to
// the peer a remote update arrived from.
func (s *Synchronizer) NotifyLocalChange(docID wire.DocID) {
	s.Queue.Enqueue(func() {
		doc, ok := s.Model.Document(docID)
		if !ok {
			return
		}
		data, err := doc.Engine.Export(crdt.ExportMode{})
		if err != nil {
			if s.log != nil {
				s.log.Warn("export for change broadcast failed", zap.String("doc", string(docID)), zap.Error(err))
			}
			return
		}
		version, _ := crdt.EncodeVersion(doc.Engine.Version())
		msg := wire.Message{
			Type: wire.TypeUpdate,
			Update: &wire.Update{DocID: docID, Transmission: wire.Transmission{
				Kind: wire.TransmissionUpdate, Data: data, Version: version,
			}},
		}
		executor.Execute(s.env(), []executor.Command{executor.BroadcastToSubscribers{DocID: docID, Msg: msg}})
	})
}

// StartHeartbeat starts periodic ephemeral-snapshot rebroadcast. A
// second call while one is already running is a no-op.
func (s *Synchronizer) StartHeartbeat(ctx context.Context) {
	if s.heartbeat != nil {
		return
	}
	s.heartbeat = heartbeat.New(s.cfg.HeartbeatInterval, func(t func()) { s.Queue.Enqueue(t) }, s.docsWithSubscribers, s.Eph, s.broadcastMessage)
	s.heartbeat.Start(ctx)
}

// StopHeartbeat halts the heartbeat ticker started by StartHeartbeat.
func (s *Synchronizer) StopHeartbeat() {
	if s.heartbeat == nil {
		return
	}
	s.heartbeat.Stop()
	s.heartbeat = nil
}

func (s *Synchronizer) docsWithSubscribers() []wire.DocID {
	out := make([]wire.DocID, 0, len(s.Model.Documents))
	for id, d := range s.Model.Documents {
		if len(d.Subscribers) > 0 {
			out = append(out, id)
		}
	}
	return out
}

func (s *Synchronizer) broadcastMessage(docID wire.DocID, msg wire.Message) {
	executor.Execute(s.env(), []executor.Command{executor.BroadcastToSubscribers{DocID: docID, Msg: msg}})
}

// SetPresence applies and broadcasts a local ephemeral value under the
// synchronizer's own identity (spec §4.4.3). Empty data deletes it.
func (s *Synchronizer) SetPresence(docID wire.DocID, namespace string, data []byte) {
	s.Queue.Enqueue(func() {
		executor.Execute(s.env(), []executor.Command{
			executor.ApplyEphemeral{DocID: docID, Namespace: namespace, PeerID: s.cfg.Identity.PeerID, Data: data},
			executor.BroadcastToSubscribers{DocID: docID, Msg: wire.Message{
				Type: wire.TypeEphemeral,
				Ephemeral: &wire.Ephemeral{
					DocID:         docID,
					HopsRemaining: 1,
					Stores:        []wire.EphemeralEntry{{PeerID: s.cfg.Identity.PeerID, Namespace: namespace, Data: data}},
				},
			}},
		})
	})
}

func msgTypeLabel(t wire.Type) string {
	switch t {
	case wire.TypeEstablishRequest:
		return "establish_request"
	case wire.TypeEstablishResponse:
		return "establish_response"
	case wire.TypeSyncRequest:
		return "sync_request"
	case wire.TypeSyncResponse:
		return "sync_response"
	case wire.TypeUpdate:
		return "update"
	case wire.TypeDirectoryRequest:
		return "directory_request"
	case wire.TypeDirectoryResponse:
		return "directory_response"
	case wire.TypeNewDoc:
		return "new_doc"
	case wire.TypeDeleteRequest:
		return "delete_request"
	case wire.TypeDeleteResponse:
		return "delete_response"
	case wire.TypeEphemeral:
		return "ephemeral"
	case wire.TypeBatch:
		return "batch"
	default:
		return "unknown"
	}
}
