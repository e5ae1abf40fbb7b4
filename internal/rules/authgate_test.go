package rules

import (
	"testing"

	"github.com/knirvcorp/syncore/internal/auth"
)

func TestAuthGateVerify(t *testing.T) {
	tm := auth.NewTokenManager("test-secret")
	token, err := tm.GenerateToken("peerB", []auth.Permission{auth.PermissionReadWrite})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	gate := NewAuthGate(tm, auth.PermissionReadWrite)
	if !gate.Verify(token) {
		t.Fatal("expected token with matching permission to verify")
	}

	readOnlyGate := NewAuthGate(tm, auth.PermissionAdmin)
	if readOnlyGate.Verify(token) {
		t.Fatal("expected token without admin permission to fail admin gate")
	}

	if gate.Verify("not-a-real-token") {
		t.Fatal("expected malformed token to fail verification")
	}
}

func TestAuthGateNilTokenManagerAllowsByDefault(t *testing.T) {
	var gate *AuthGate
	if !gate.Verify("anything") {
		t.Fatal("expected nil gate to default-allow")
	}
}

func TestCanBeginSyncWithToken(t *testing.T) {
	tm := auth.NewTokenManager("test-secret")
	token, _ := tm.GenerateToken("peerB", []auth.Permission{auth.PermissionReadWrite})
	gate := NewAuthGate(tm, auth.PermissionReadWrite)

	pred := gate.CanBeginSyncWithToken(token)
	if !pred(Context{}) {
		t.Fatal("expected predicate to allow valid token")
	}

	badPred := gate.CanBeginSyncWithToken("garbage")
	if badPred(Context{}) {
		t.Fatal("expected predicate to deny invalid token")
	}
}

func TestAuthGateCanBeginSyncReadsContextAuth(t *testing.T) {
	tm := auth.NewTokenManager("test-secret")
	token, _ := tm.GenerateToken("peerB", []auth.Permission{auth.PermissionReadWrite})
	gate := NewAuthGate(tm, auth.PermissionReadWrite)

	if !gate.CanBeginSync(Context{Auth: []byte(token)}) {
		t.Fatal("expected context-carried token to pass the gate")
	}
	if gate.CanBeginSync(Context{Auth: []byte("garbage")}) {
		t.Fatal("expected bad context auth to fail the gate")
	}
}
