// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// Curve25519 is an unpadded-base64 curve25519 public key string. These
// are device identity keys and one-time keys published in device key
// payloads. The type is a named string, not a struct wrapper: keys are
// opaque material that needs no parsing, only compile-time protection
// against mixing with ed25519 keys or session IDs.
type Curve25519 string

// String returns the base64 key string.
func (k Curve25519) String() string { return string(k) }

// IsZero reports whether the key is empty.
func (k Curve25519) IsZero() bool { return k == "" }

// Ed25519 is an unpadded-base64 ed25519 public key string — a device's
// signing (fingerprint) key, or a cross-signing key.
type Ed25519 string

// String returns the base64 key string.
func (k Ed25519) String() string { return string(k) }

// IsZero reports whether the key is empty.
func (k Ed25519) IsZero() bool { return k == "" }

// EventType identifies a Matrix state, timeline, or to-device event
// type (e.g., "m.room.encrypted", "m.room_key_request").
//
// EventType is a named string type, not a struct wrapper: event types
// are opaque identifiers that need no parsing or validation. The type
// exists purely for compile-time safety — preventing accidental use of
// a state key where an event type is expected (or vice versa).
type EventType string

// String returns the event type string (e.g., "m.room.encrypted").
func (t EventType) String() string { return string(t) }
