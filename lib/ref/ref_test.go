// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestParseUserID(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		u, err := ParseUserID("@alice:example.org")
		if err != nil {
			t.Fatalf("ParseUserID failed: %v", err)
		}
		if u.Localpart() != "alice" {
			t.Errorf("unexpected localpart: %s", u.Localpart())
		}
		if u.Server() != "example.org" {
			t.Errorf("unexpected server: %s", u.Server())
		}
	})

	t.Run("invalid", func(t *testing.T) {
		invalid := []string{"", "alice", "@alice", "@:example.org", "@alice:"}
		for _, raw := range invalid {
			if _, err := ParseUserID(raw); err == nil {
				t.Errorf("ParseUserID(%q) should have failed", raw)
			}
		}
	})
}

func TestParseRoomID(t *testing.T) {
	if _, err := ParseRoomID("!abc:example.org"); err != nil {
		t.Fatalf("ParseRoomID failed: %v", err)
	}
	for _, raw := range []string{"", "abc", "#alias:example.org", "!abc"} {
		if _, err := ParseRoomID(raw); err == nil {
			t.Errorf("ParseRoomID(%q) should have failed", raw)
		}
	}
}

func TestParseEventID(t *testing.T) {
	// Room version 4+ event IDs have no server suffix.
	if _, err := ParseEventID("$0123abc"); err != nil {
		t.Fatalf("ParseEventID failed: %v", err)
	}
	// Older room versions include one; still valid.
	if _, err := ParseEventID("$abc:example.org"); err != nil {
		t.Fatalf("ParseEventID failed: %v", err)
	}
	for _, raw := range []string{"", "$", "abc"} {
		if _, err := ParseEventID(raw); err == nil {
			t.Errorf("ParseEventID(%q) should have failed", raw)
		}
	}
}

func TestUserIDJSONRoundTrip(t *testing.T) {
	type payload struct {
		Sender UserID `json:"sender"`
	}

	encoded, err := json.Marshal(payload{Sender: MustParseUserID("@bob:example.org")})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded payload
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Sender.String() != "@bob:example.org" {
		t.Errorf("round trip changed value: %s", decoded.Sender)
	}

	// Invalid user IDs are rejected at deserialization.
	if err := json.Unmarshal([]byte(`{"sender":"not-a-user-id"}`), &decoded); err == nil {
		t.Error("expected unmarshal of invalid user ID to fail")
	}
}

func TestDeviceIDMarshalZero(t *testing.T) {
	var zero DeviceID
	if _, err := zero.MarshalText(); err == nil {
		t.Error("marshaling a zero DeviceID should fail")
	}
}

func TestSessionIDMapKey(t *testing.T) {
	raw := `{"session-a": 1, "session-b": 2}`
	var m map[SessionID]int
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if m[MustParseSessionID("session-a")] != 1 {
		t.Errorf("unexpected map contents: %v", m)
	}
}
