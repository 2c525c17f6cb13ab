// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/niochat/nio/lib/ref"
)

func TestDeterministicMapEncoding(t *testing.T) {
	// Two maps with the same entries inserted in different orders
	// must encode to identical bytes — signing transcripts depend
	// on it.
	first := map[string]int{"alpha": 1, "beta": 2, "gamma": 3}
	second := map[string]int{"gamma": 3, "alpha": 1, "beta": 2}

	encodedFirst, err := Marshal(first)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	encodedSecond, err := Marshal(second)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !bytes.Equal(encodedFirst, encodedSecond) {
		t.Error("same logical map produced different encodings")
	}
}

func TestRefTypesRoundTrip(t *testing.T) {
	type pickle struct {
		Room    ref.RoomID    `cbor:"room"`
		Session ref.SessionID `cbor:"session"`
		Sender  ref.Curve25519 `cbor:"sender_key"`
	}

	original := pickle{
		Room:    ref.MustParseRoomID("!room:example.org"),
		Session: ref.MustParseSessionID("sess-1"),
		Sender:  ref.Curve25519("sender-key-base64"),
	}

	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded pickle
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip changed value: %+v", decoded)
	}
}

func TestAnyTargetDecodesToStringKeyedMap(t *testing.T) {
	encoded, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	top, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", decoded)
	}
	if _, ok := top["nested"].(map[string]any); !ok {
		t.Fatalf("expected nested map[string]any, got %T", top["nested"])
	}
}
