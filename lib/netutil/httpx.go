// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O utilities shared by the transport
// layer.
//
// The response helpers (ReadResponse, DecodeResponse) bound all body
// reads at MaxResponseSize to prevent unbounded memory allocation
// from a misbehaving or malicious homeserver. They are for JSON API
// responses, not for streaming or large binary downloads.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize is the bound on JSON API response body reads: 256
// MB. This exists solely to prevent a pathological response from
// exhausting memory. Legitimate responses (even a full initial /sync)
// are orders of magnitude smaller; the limit is intentionally generous
// so it never interferes with normal operation.
const MaxResponseSize int64 = 256 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON API response body (up to
// MaxResponseSize bytes) and JSON-decodes it into v. Replaces the
// common io.ReadAll + json.Unmarshal pattern.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}
