package server

import (
	"testing"

	"crashcore/internal/eventbus"
)

func TestTranslateEventRoundOpenedComputesDeadline(t *testing.T) {
	ev := eventbus.Event{
		ID:   1,
		Type: "round_opened",
		Payload: map[string]any{
			"round_id":    "R1",
			"commit_hash": "abc",
			"time_left_s": 6.0,
		},
	}
	typ, payload, ok := translateEvent(ev)
	if !ok || typ != "round_opened" {
		t.Fatalf("expected round_opened to translate, got %q/%v", typ, ok)
	}
	if payload["bet_deadline_ms"] != int64(6000) {
		t.Fatalf("expected bet_deadline_ms=6000, got %v", payload["bet_deadline_ms"])
	}
}

func TestTranslateEventMultiplierTickRenamesField(t *testing.T) {
	ev := eventbus.Event{
		ID:   2,
		Type: "multiplier_tick",
		Payload: map[string]any{
			"round_id":   "R1",
			"multiplier": 1.23,
		},
	}
	_, payload, ok := translateEvent(ev)
	if !ok || payload["m"] != 1.23 {
		t.Fatalf("expected m=1.23, got %v (ok=%v)", payload["m"], ok)
	}
}

func TestTranslateEventFiltersUnlistedTypes(t *testing.T) {
	ev := eventbus.Event{ID: 3, Type: "bet_placed", Payload: map[string]any{"round_id": "R1"}}
	if _, _, ok := translateEvent(ev); ok {
		t.Fatal("expected bet_placed to be filtered out, it is not part of the outbound wire protocol")
	}
}

func TestLoginMessageIsStablePerWallet(t *testing.T) {
	a := loginMessage("0xAbCdEf0000000000000000000000000000000001")
	b := loginMessage("0xabcdef0000000000000000000000000000000001")
	if a != b {
		t.Fatalf("expected case-insensitive wallet to produce the same login message, got %q vs %q", a, b)
	}
}

func TestVerifyWalletAuthRejectsMalformedSignature(t *testing.T) {
	if _, err := verifyWalletAuth("0x0000000000000000000000000000000000aaaa", "not-hex"); err == nil {
		t.Fatal("expected an error for a non-hex signature")
	}
	if _, err := verifyWalletAuth("not-an-address", "0x00"); err == nil {
		t.Fatal("expected an error for an invalid wallet address")
	}
}
