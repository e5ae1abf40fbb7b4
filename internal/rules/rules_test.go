package rules

import "testing"

func TestDefaultAllowsEverything(t *testing.T) {
	r := Default()
	ctx := Context{DocID: "doc1"}
	if !r.BeginSync(ctx) || !r.Reveal(ctx) || !r.Update(ctx) || !r.Delete(ctx) || !r.Create(ctx) {
		t.Fatal("expected default rules to allow all predicates")
	}
}

func TestZeroValueRulesAllowsEverything(t *testing.T) {
	var r Rules
	ctx := Context{DocID: "doc1"}
	if !r.Reveal(ctx) {
		t.Fatal("expected zero-value Rules to default to allow")
	}
}

func TestCustomPredicateOverridesDefault(t *testing.T) {
	r := Default()
	r.CanReveal = func(ctx Context) bool { return ctx.PeerName != "blocked" }

	if r.Reveal(Context{PeerName: "blocked"}) {
		t.Fatal("expected reveal denial for blocked peer")
	}
	if !r.Reveal(Context{PeerName: "ok"}) {
		t.Fatal("expected reveal allowed for other peers")
	}
}
