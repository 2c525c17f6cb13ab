// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypto implements the end-to-end encryption engine for a
// logged-in device: the olm/megolm session manager, the device-list
// tracker, the room key sharing protocol, server-side key backup, and
// interactive device verification (SAS and QR).
//
// The Engine owns all managers and all mutable crypto state. Every
// operation runs under a single serialized crypto context (one mutex
// per engine), so ratchet advances and store mutations are never
// interleaved for the same key material. Network calls go through the
// Transport interface and their completions re-enter the serialized
// context before touching state.
//
// Consumers feed each sync response into ProcessSyncResponse and use
// EncryptRoomEvent/DecryptRoomEvent for room traffic. State-change
// notifications (trust changes, incoming verification, received room
// keys) are delivered through registered Listeners after the
// triggering mutation has been applied to the store.
package crypto
