// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

// Package olm implements the cryptographic core of end-to-end
// encryption: the device account (long-term identity keys plus
// one-time key bookkeeping), pairwise double-ratchet sessions
// established over a triple-DH handshake, and group sessions built on
// a hash-advanced chain with per-sender signing keys.
//
// The package is purely computational — no I/O, no storage, no
// transport. State survives restarts as pickles: deterministic CBOR
// snapshots produced by the Pickle methods and restored by the
// Unpickle functions. Pickles contain raw private key material;
// encrypting them at rest is the caller's job.
//
// All public keys cross the wire as unpadded standard base64.
package olm
