// Package handlers implements the synchronizer's decision logic: pure
// functions from (inbound message, current Model) to a list of
// executor.Command. No handler performs I/O or mutates the Model
// directly; that separation is what lets the Work Queue run a handler
// to completion, execute its commands, and drain any commands those
// executions trigger, all before the next externally-sourced event is
// considered (spec §5).
package handlers

import (
	"time"

	"github.com/knirvcorp/syncore/internal/crdt"
	"github.com/knirvcorp/syncore/internal/executor"
	"github.com/knirvcorp/syncore/internal/rules"
	"github.com/knirvcorp/syncore/internal/syncmodel"
	"github.com/knirvcorp/syncore/internal/wire"
)

// ChannelLookup resolves the kind/peer of the channel a message
// arrived on, needed to build a rules.Context.
type ChannelLookup func(channelID wire.ChannelID) (kind wire.ChannelKind, peerID wire.PeerID, peerName string)

func ruleContext(model *syncmodel.Model, lookup ChannelLookup, channelID wire.ChannelID, docID wire.DocID, docHandle interface{}) rules.Context {
	kind, _, peerName := lookup(channelID)
	return rules.Context{DocHandle: docHandle, DocID: docID, PeerName: peerName, ChannelID: channelID, ChannelKind: kind}
}

// HandleEstablishRequest answers an inbound establish-request. A
// canBeginSync denial silently drops the handshake (spec §4.4.5:
// rule rejection never errors back to an untrusted peer). The rule
// context carries the request's claimed identity and opaque auth
// payload so token- or signature-backed gates can judge them.
func HandleEstablishRequest(model *syncmodel.Model, r rules.Rules, lookup ChannelLookup, channelID wire.ChannelID, req wire.EstablishRequest, myIdentity wire.Identity, myAuth []byte) []executor.Command {
	ctx := ruleContext(model, lookup, channelID, "", nil)
	ctx.PeerID = req.Identity.PeerID
	ctx.PeerName = req.Identity.Name
	ctx.Auth = req.Auth
	if !r.BeginSync(ctx) {
		return nil
	}
	return []executor.Command{
		executor.EstablishChannel{ChannelID: channelID, PeerID: req.Identity.PeerID, PeerName: req.Identity.Name},
		executor.SendMessage{ChannelID: channelID, Msg: wire.Message{
			Type:              wire.TypeEstablishResponse,
			EstablishResponse: &wire.EstablishResponse{Identity: myIdentity, Auth: myAuth},
		}},
	}
}

// HandleEstablishResponse completes the handshake from the initiator
// side and branches on whether this is a reconnection (spec §4.4.1).
// localDocs enumerates every Document State currently known locally.
func HandleEstablishResponse(model *syncmodel.Model, channelID wire.ChannelID, resp wire.EstablishResponse, localDocs func() []*syncmodel.Document, now time.Time) []executor.Command {
	peerID := resp.Identity.PeerID
	_, isReconnection := model.Peers[peerID]

	cmds := []executor.Command{
		executor.EstablishChannel{ChannelID: channelID, PeerID: peerID, PeerName: resp.Identity.Name},
	}

	docs := localDocs()
	if isReconnection {
		for _, doc := range docs {
			entry, fresh := model.AwarenessFresh(peerID, doc.ID, now)
			needsSync := !fresh || entry.Status != wire.AwarenessHasDoc
			if fresh && entry.Status == wire.AwarenessHasDoc {
				local := doc.Engine.Version()
				if isStrictlyAfter(local, entry.Version) {
					needsSync = true
				}
			}
			if !needsSync {
				continue
			}
			version, _ := crdt.EncodeVersion(doc.Engine.Version())
			cmds = append(cmds,
				executor.SetReady{DocID: doc.ID, PeerID: peerID, State: wire.ReadySyncing},
				executor.SendMessage{ChannelID: channelID, Msg: wire.Message{
					Type: wire.TypeSyncRequest,
					SyncRequest: &wire.SyncRequest{
						DocID:            doc.ID,
						RequesterVersion: version,
						Bidirectional:    true,
					},
				}},
			)
		}
		return cmds
	}

	cmds = append(cmds, executor.SendMessage{ChannelID: channelID, Msg: wire.Message{
		Type:             wire.TypeDirectoryRequest,
		DirectoryRequest: &wire.DirectoryRequest{},
	}})
	for _, doc := range docs {
		version, _ := crdt.EncodeVersion(doc.Engine.Version())
		cmds = append(cmds,
			executor.SetReady{DocID: doc.ID, PeerID: peerID, State: wire.ReadySyncing},
			executor.SendMessage{ChannelID: channelID, Msg: wire.Message{
				Type: wire.TypeSyncRequest,
				SyncRequest: &wire.SyncRequest{
					DocID:            doc.ID,
					RequesterVersion: version,
					Bidirectional:    true,
				},
			}},
		)
	}
	return cmds
}

// isStrictlyAfter reports whether local is strictly ahead of known.
func isStrictlyAfter(local, known crdt.VersionVector) bool {
	cmp := compareVersions(local, known)
	return cmp == versionAfter
}

type versionComparison int

const (
	versionEqual versionComparison = iota
	versionBefore
	versionAfter
	versionConcurrent
)

func compareVersions(a, b crdt.VersionVector) versionComparison {
	hasGreater, hasLess := false, false
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	for k := range seen {
		av, bv := a[k], b[k]
		if av > bv {
			hasGreater = true
		}
		if av < bv {
			hasLess = true
		}
	}
	switch {
	case !hasGreater && !hasLess:
		return versionEqual
	case hasGreater && !hasLess:
		return versionAfter
	case hasLess && !hasGreater:
		return versionBefore
	default:
		return versionConcurrent
	}
}

// HandleSyncRequest answers an inbound sync-request (spec §4.4.2).
// newEngine backs a not-yet-known document when canCreate permits
// creating one on demand.
func HandleSyncRequest(model *syncmodel.Model, r rules.Rules, lookup ChannelLookup, channelID wire.ChannelID, peerID wire.PeerID, req wire.SyncRequest, newEngine func() crdt.Engine) []executor.Command {
	doc, exists := model.Document(req.DocID)

	var cmds []executor.Command
	for _, e := range req.Ephemeral {
		cmds = append(cmds, executor.ApplyEphemeral{DocID: req.DocID, Namespace: e.Namespace, PeerID: e.PeerID, Data: e.Data})
	}
	cmds = append(cmds, executor.SubscribeDoc{DocID: req.DocID, ChannelID: channelID})

	if !exists {
		ctx := ruleContext(model, lookup, channelID, req.DocID, nil)
		if !r.Create(ctx) {
			cmds = append(cmds, respondUnavailable(channelID, req.DocID)...)
			return cmds
		}
		cmds = append(cmds, executor.CreateDocument{DocID: req.DocID})
		// A freshly created document is empty; decide transmission
		// against a throwaway engine of the same kind so the response is
		// consistent with the document CreateDocument is about to build.
		requesterVersion, _ := crdt.DecodeVersion(req.RequesterVersion)
		transmission, err := newEngine().DecideTransmission(requesterVersion)
		if err != nil {
			cmds = append(cmds, respondUnavailable(channelID, req.DocID)...)
			return cmds
		}
		cmds = append(cmds, sendSyncResponse(channelID, req.DocID, transmission)...)
		if req.Bidirectional {
			cmds = append(cmds, requestSync(channelID, req.DocID, nil, false))
		}
		return cmds
	}

	ctx := ruleContext(model, lookup, channelID, req.DocID, doc.Engine)
	if !r.Reveal(ctx) {
		cmds = append(cmds, respondUnavailable(channelID, req.DocID)...)
		return cmds
	}

	requesterVersion, _ := crdt.DecodeVersion(req.RequesterVersion)
	transmission, err := doc.Engine.DecideTransmission(requesterVersion)
	if err != nil {
		cmds = append(cmds, respondUnavailable(channelID, req.DocID)...)
		return cmds
	}
	cmds = append(cmds, sendSyncResponse(channelID, req.DocID, transmission)...)

	if req.Bidirectional {
		localVersion, _ := crdt.EncodeVersion(doc.Engine.Version())
		cmds = append(cmds, requestSync(channelID, req.DocID, localVersion, false))
	}
	return cmds
}

func respondUnavailable(channelID wire.ChannelID, docID wire.DocID) []executor.Command {
	return []executor.Command{
		executor.SendMessage{ChannelID: channelID, Msg: wire.Message{
			Type: wire.TypeSyncResponse,
			SyncResponse: &wire.SyncResponse{
				DocID:        docID,
				Transmission: wire.Transmission{Kind: wire.TransmissionUnavailable},
			},
		}},
	}
}

func sendSyncResponse(channelID wire.ChannelID, docID wire.DocID, t crdt.Transmission) []executor.Command {
	version, _ := crdt.EncodeVersion(t.Version)
	return []executor.Command{
		executor.SendMessage{ChannelID: channelID, Msg: wire.Message{
			Type: wire.TypeSyncResponse,
			SyncResponse: &wire.SyncResponse{
				DocID: docID,
				Transmission: wire.Transmission{
					Kind:    wireTransmissionKind(t.Kind),
					Data:    t.Data,
					Version: version,
				},
			},
		}},
	}
}

func requestSync(channelID wire.ChannelID, docID wire.DocID, requesterVersion []byte, bidirectional bool) executor.Command {
	return executor.SendMessage{ChannelID: channelID, Msg: wire.Message{
		Type: wire.TypeSyncRequest,
		SyncRequest: &wire.SyncRequest{
			DocID:            docID,
			RequesterVersion: requesterVersion,
			Bidirectional:    bidirectional,
		},
	}}
}

func wireTransmissionKind(k crdt.TransmissionKind) wire.TransmissionKind {
	switch k {
	case crdt.TransmissionSnapshot:
		return wire.TransmissionSnapshot
	case crdt.TransmissionUpdate:
		return wire.TransmissionUpdate
	default:
		return wire.TransmissionUpToDate
	}
}

// HandleSyncResponse applies an inbound sync-response or unsolicited
// update (spec: "sync-response and update messages feed bytes to the
// CRDT engine"). A canUpdate denial silently drops the whole message.
func HandleSyncResponse(model *syncmodel.Model, r rules.Rules, lookup ChannelLookup, channelID wire.ChannelID, peerID wire.PeerID, docID wire.DocID, t wire.Transmission, ephemeral []wire.EphemeralEntry) []executor.Command {
	if t.Kind == wire.TransmissionSnapshot || t.Kind == wire.TransmissionUpdate {
		var handle interface{}
		if doc, ok := model.Document(docID); ok {
			handle = doc.Engine
		}
		if !r.Update(ruleContext(model, lookup, channelID, docID, handle)) {
			return nil
		}
	}

	var cmds []executor.Command
	switch t.Kind {
	case wire.TransmissionSnapshot, wire.TransmissionUpdate:
		cmds = append(cmds, executor.ImportDoc{DocID: docID, Data: t.Data})
		version, _ := crdt.DecodeVersion(t.Version)
		cmds = append(cmds,
			executor.SetAwareness{PeerID: peerID, DocID: docID, Status: wire.AwarenessHasDoc, Version: version},
			executor.SetReady{DocID: docID, PeerID: peerID, State: wire.ReadySynced},
		)
	case wire.TransmissionUpToDate:
		version, _ := crdt.DecodeVersion(t.Version)
		cmds = append(cmds,
			executor.SetAwareness{PeerID: peerID, DocID: docID, Status: wire.AwarenessHasDoc, Version: version},
			executor.SetReady{DocID: docID, PeerID: peerID, State: wire.ReadySynced},
		)
	default: // unavailable
		cmds = append(cmds,
			executor.SetAwareness{PeerID: peerID, DocID: docID, Status: wire.AwarenessNoDoc},
			executor.SetReady{DocID: docID, PeerID: peerID, State: wire.ReadyAbsent},
		)
	}
	for _, e := range ephemeral {
		cmds = append(cmds, executor.ApplyEphemeral{DocID: docID, Namespace: e.Namespace, PeerID: e.PeerID, Data: e.Data})
	}
	return cmds
}

// HandleEphemeral applies incoming presence entries and relays them
// onward while HopsRemaining > 0 (spec §4.4.3).
func HandleEphemeral(channelID wire.ChannelID, msg wire.Ephemeral) []executor.Command {
	cmds := make([]executor.Command, 0, len(msg.Stores)+1)
	for _, e := range msg.Stores {
		cmds = append(cmds, executor.ApplyEphemeral{DocID: msg.DocID, Namespace: e.Namespace, PeerID: e.PeerID, Data: e.Data})
	}
	if msg.HopsRemaining > 0 {
		cmds = append(cmds, executor.BroadcastToSubscribers{
			DocID:   msg.DocID,
			Exclude: channelID,
			Msg: wire.Message{
				Type: wire.TypeEphemeral,
				Ephemeral: &wire.Ephemeral{
					DocID:         msg.DocID,
					HopsRemaining: msg.HopsRemaining - 1,
					Stores:        msg.Stores,
				},
			},
		})
	}
	return cmds
}

// HandleDirectoryRequest answers with every locally known document id
// (spec: "to learn what they have"). A non-empty req.DocIDs narrows
// the answer to the intersection with what we actually hold.
func HandleDirectoryRequest(model *syncmodel.Model, channelID wire.ChannelID, req wire.DirectoryRequest) []executor.Command {
	docIDs := make([]wire.DocID, 0, len(model.Documents))
	if len(req.DocIDs) > 0 {
		for _, id := range req.DocIDs {
			if _, ok := model.Documents[id]; ok {
				docIDs = append(docIDs, id)
			}
		}
	} else {
		for id := range model.Documents {
			docIDs = append(docIDs, id)
		}
	}
	return []executor.Command{
		executor.SendMessage{ChannelID: channelID, Msg: wire.Message{
			Type:              wire.TypeDirectoryResponse,
			DirectoryResponse: &wire.DirectoryResponse{DocIDs: docIDs},
		}},
	}
}

// HandleDirectoryResponse and HandleNewDoc share the same reaction:
// pull any document we don't already know about.
func HandleDirectoryResponse(model *syncmodel.Model, channelID wire.ChannelID, docIDs []wire.DocID) []executor.Command {
	return pullUnknownDocs(model, channelID, docIDs)
}

func HandleNewDoc(model *syncmodel.Model, channelID wire.ChannelID, docIDs []wire.DocID) []executor.Command {
	return pullUnknownDocs(model, channelID, docIDs)
}

// pullUnknownDocs requests every docID not already locally tracked.
// The placeholder Document State is created immediately, ahead of any
// reply, so the eventual sync-response has somewhere to land: ImportDoc
// is a no-op against an unknown document, and there is no other point
// in the protocol where the pulling side would otherwise create it.
// This is local bookkeeping, not a grant of anything to the remote
// peer, so it is not gated by canCreate (that gate governs what a
// *responder* creates on a stranger's say-so, spec §4.4.5).
func pullUnknownDocs(model *syncmodel.Model, channelID wire.ChannelID, docIDs []wire.DocID) []executor.Command {
	var cmds []executor.Command
	for _, id := range docIDs {
		if _, known := model.Document(id); known {
			continue
		}
		cmds = append(cmds,
			executor.CreateDocument{DocID: id},
			requestSync(channelID, id, nil, true),
		)
	}
	return cmds
}

// HandleDeleteRequest answers a delete-request honoring canDelete.
func HandleDeleteRequest(model *syncmodel.Model, r rules.Rules, lookup ChannelLookup, channelID wire.ChannelID, req wire.DeleteRequest) []executor.Command {
	doc, exists := model.Document(req.DocID)
	if !exists {
		return []executor.Command{deleteResponse(channelID, req.DocID, wire.DeleteStatusIgnored)}
	}
	ctx := ruleContext(model, lookup, channelID, req.DocID, doc.Engine)
	if !r.Delete(ctx) {
		return []executor.Command{deleteResponse(channelID, req.DocID, wire.DeleteStatusIgnored)}
	}
	return []executor.Command{
		executor.DeleteDocument{DocID: req.DocID},
		deleteResponse(channelID, req.DocID, wire.DeleteStatusDeleted),
	}
}

func deleteResponse(channelID wire.ChannelID, docID wire.DocID, status wire.DeleteStatus) executor.Command {
	return executor.SendMessage{ChannelID: channelID, Msg: wire.Message{
		Type:           wire.TypeDeleteResponse,
		DeleteResponse: &wire.DeleteResponse{DocID: docID, Status: status},
	}}
}
