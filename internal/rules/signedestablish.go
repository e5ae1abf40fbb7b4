package rules

import (
	"encoding/json"
	"sync"

	"github.com/cloudflare/circl/sign"

	"github.com/knirvcorp/syncore/internal/crypto/pqc"
	"github.com/knirvcorp/syncore/internal/wire"
)

// SignedIdentity is the JSON payload an establish-request's Auth field
// carries when RequireSignedEstablish is in effect: a Dilithium-3
// signature over PeerID+Nonce, proving the sender controls the
// private key associated with their claimed identity. This gives the
// distilled spec's "auth payload is opaque bytes" a concrete shape
// without requiring every deployment to use it.
type SignedIdentity struct {
	PeerID    wire.PeerID `json:"peer_id"`
	Nonce     []byte      `json:"nonce"`
	Signature []byte      `json:"signature"`
}

// TrustStore maps a known peer identity to its Dilithium-3 public key.
// Unknown peers always fail verification; there is no default-trust
// fallback for a signature-backed gate, unlike the predicate layer
// above it.
type TrustStore struct {
	mu   sync.RWMutex
	keys map[wire.PeerID]sign.PublicKey
}

// NewTrustStore builds an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{keys: make(map[wire.PeerID]sign.PublicKey)}
}

// Add registers peerID's public key.
func (t *TrustStore) Add(peerID wire.PeerID, key sign.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[peerID] = key
}

func (t *TrustStore) lookup(peerID wire.PeerID) (sign.PublicKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	k, ok := t.keys[peerID]
	return k, ok
}

// RequireSignedEstablish verifies a SignedIdentity payload against a
// TrustStore and reports whether it is valid for peerID.
func RequireSignedEstablish(trust *TrustStore, peerID wire.PeerID, authPayload []byte) bool {
	if trust == nil {
		return false
	}
	var sig SignedIdentity
	if err := json.Unmarshal(authPayload, &sig); err != nil {
		return false
	}
	if sig.PeerID != peerID {
		return false
	}
	pub, ok := trust.lookup(peerID)
	if !ok {
		return false
	}
	return pqc.DilithiumVerify(pub, signedMessage(peerID, sig.Nonce), sig.Signature)
}

// SignEstablish produces the Auth payload bytes for an
// establish-request asserting peerID's identity, signed with the
// holder's Dilithium-3 private key.
func SignEstablish(kp *pqc.DilithiumKeyPair, peerID wire.PeerID, nonce []byte) ([]byte, error) {
	signature, err := pqc.DilithiumSign(kp.PrivateKey, signedMessage(peerID, nonce))
	if err != nil {
		return nil, err
	}
	return json.Marshal(SignedIdentity{PeerID: peerID, Nonce: nonce, Signature: signature})
}

func signedMessage(peerID wire.PeerID, nonce []byte) []byte {
	return append([]byte(peerID+"|"), nonce...)
}

// CanBeginSyncWithSignature adapts RequireSignedEstablish into a
// CanBeginSync predicate bound to one establish-request's payload.
func CanBeginSyncWithSignature(trust *TrustStore, peerID wire.PeerID, authPayload []byte) Predicate {
	return func(Context) bool {
		return RequireSignedEstablish(trust, peerID, authPayload)
	}
}

// SignedEstablishPredicate verifies the claimed identity and auth
// payload carried in the rule context against trust. Assign it to
// Rules.CanBeginSync to require a signed establish on every handshake.
func SignedEstablishPredicate(trust *TrustStore) Predicate {
	return func(ctx Context) bool {
		return RequireSignedEstablish(trust, ctx.PeerID, ctx.Auth)
	}
}
