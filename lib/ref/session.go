// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// SessionID identifies an encryption session. For pairwise (olm)
// sessions this is a digest of the session's establishment transcript;
// for group (megolm) sessions it is the base64 public half of the
// session's signing key. Either way the value is opaque to everything
// except the session that minted it.
//
// SessionID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type SessionID struct {
	id string
}

// ParseSessionID constructs a SessionID from a raw string. Returns an
// error if the string is empty.
func ParseSessionID(raw string) (SessionID, error) {
	if raw == "" {
		return SessionID{}, fmt.Errorf("session ID is empty")
	}
	return SessionID{id: raw}, nil
}

// MustParseSessionID is like ParseSessionID but panics on error. Use
// in tests and static initialization where the input is known-valid.
func MustParseSessionID(raw string) SessionID {
	s, err := ParseSessionID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseSessionID(%q): %v", raw, err))
	}
	return s
}

// String returns the raw session ID string.
func (s SessionID) String() string { return s.id }

// IsZero reports whether the SessionID is the zero value (empty).
func (s SessionID) IsZero() bool { return s.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (s SessionID) MarshalText() ([]byte, error) {
	if s.id == "" {
		return []byte{}, nil
	}
	return []byte(s.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (s *SessionID) UnmarshalText(data []byte) error {
	*s = SessionID{id: string(data)}
	return nil
}
