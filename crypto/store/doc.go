// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists encryption engine state: the account pickle,
// pairwise and group session pickles, device records and trust,
// cross-signing keys, key-share requests, backup bookkeeping, and the
// per-user device tracking map.
//
// Two implementations exist. Memory keeps everything in maps and is
// used by tests and ephemeral logins. SQLite persists to a single
// database file with session pickles encrypted at rest under a key
// derived from the caller's pickle key.
//
// A Store is opened before any crypto operation runs and is accessed
// only from the engine's serialized context, so implementations do
// their own locking purely to stay safe under incidental concurrent
// reads (listeners, CLI tooling).
package store
