// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the Matrix client-server API endpoints the
// encryption engine needs.
//
// The package provides two core types. [Client] is an unauthenticated
// Matrix client handling login; it holds the homeserver URL and HTTP
// transport, shared across all Sessions derived from it. [Session]
// wraps a Client with an access token for authenticated operations:
// incremental sync with long-polling (including to-device messages,
// device-list deltas, and one-time-key counts), sending room and
// to-device events, and the key-management endpoints — device key
// upload (/keys/upload), device key query (/keys/query), one-time key
// claiming (/keys/claim), and the server-side room key backup API
// (/room_keys).
//
// Sessions are lightweight (a pointer to the parent Client plus an
// access token in mmap-backed secret.Buffer memory). The access token
// is locked against swap and excluded from core dumps; callers must
// call Session.Close to release the protected memory.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, etc.) and HTTP status
// code. Request URLs are built by string concatenation rather than
// url.URL to avoid double-encoding of path segments containing
// URL-encoded characters.
//
// The engine treats every method here as fire-and-retry: request
// bodies are idempotent (to-device sends carry transaction IDs,
// backup uploads are keyed by session) so a retried call after an
// ambiguous failure is safe.
package messaging
