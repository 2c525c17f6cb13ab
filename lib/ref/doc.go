// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for Matrix protocol
// identifiers: user IDs, room IDs, event IDs, device IDs, session IDs,
// and the base64 key strings used by the end-to-end encryption layer.
//
// Each identifier is parsed once at the boundary (API response, sync
// payload, storage read) and carried as an immutable value type from
// then on. The wrappers exist for compile-time safety — a DeviceID can
// never be passed where a SessionID is expected, and a zero value is
// detectable with IsZero before use.
//
// Key strings (Curve25519, Ed25519) are named string types rather than
// struct wrappers: they are opaque base64 material that needs no
// structural validation, only protection against cross-assignment.
//
// JSON and CBOR marshaling go through encoding.TextMarshaler, so maps
// keyed by these types serialize as plain strings and deserialize with
// automatic validation.
package ref
