package rules

import (
	"testing"

	"github.com/knirvcorp/syncore/internal/crypto/pqc"
)

func TestSignAndVerifyEstablish(t *testing.T) {
	kp, err := pqc.GenerateDilithiumKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	trust := NewTrustStore()
	trust.Add("peerA", kp.PublicKey)

	payload, err := SignEstablish(kp, "peerA", []byte("nonce-123"))
	if err != nil {
		t.Fatalf("sign establish: %v", err)
	}

	if !RequireSignedEstablish(trust, "peerA", payload) {
		t.Fatal("expected valid signature to verify")
	}
}

func TestRequireSignedEstablishRejectsUnknownPeer(t *testing.T) {
	kp, _ := pqc.GenerateDilithiumKeyPair()
	trust := NewTrustStore() // peerA never registered

	payload, _ := SignEstablish(kp, "peerA", []byte("nonce-123"))
	if RequireSignedEstablish(trust, "peerA", payload) {
		t.Fatal("expected unregistered peer to fail verification")
	}
}

func TestRequireSignedEstablishRejectsPeerIDMismatch(t *testing.T) {
	kp, _ := pqc.GenerateDilithiumKeyPair()
	trust := NewTrustStore()
	trust.Add("peerA", kp.PublicKey)

	payload, _ := SignEstablish(kp, "peerA", []byte("nonce-123"))
	if RequireSignedEstablish(trust, "peerB", payload) {
		t.Fatal("expected peerID mismatch to fail verification")
	}
}

func TestRequireSignedEstablishRejectsMalformedPayload(t *testing.T) {
	trust := NewTrustStore()
	if RequireSignedEstablish(trust, "peerA", []byte("not json")) {
		t.Fatal("expected malformed payload to fail verification")
	}
}

func TestCanBeginSyncWithSignaturePredicate(t *testing.T) {
	kp, _ := pqc.GenerateDilithiumKeyPair()
	trust := NewTrustStore()
	trust.Add("peerA", kp.PublicKey)
	payload, _ := SignEstablish(kp, "peerA", []byte("nonce-123"))

	pred := CanBeginSyncWithSignature(trust, "peerA", payload)
	if !pred(Context{}) {
		t.Fatal("expected predicate to allow valid signature")
	}
}

func TestSignedEstablishPredicateReadsContext(t *testing.T) {
	kp, _ := pqc.GenerateDilithiumKeyPair()
	trust := NewTrustStore()
	trust.Add("peerA", kp.PublicKey)
	payload, _ := SignEstablish(kp, "peerA", []byte("nonce-123"))

	pred := SignedEstablishPredicate(trust)
	if !pred(Context{PeerID: "peerA", Auth: payload}) {
		t.Fatal("expected context-carried signed identity to verify")
	}
	if pred(Context{PeerID: "peerB", Auth: payload}) {
		t.Fatal("expected mismatched context peer id to fail")
	}
}
