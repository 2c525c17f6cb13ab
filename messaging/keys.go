// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/niochat/nio/lib/ref"
)

// SendToDevice delivers an event directly to specific devices,
// bypassing room timelines. This is the transport for olm-encrypted
// payloads, room key requests/forwards, and verification messages.
//
// messages maps user ID -> device ID -> event content. The special
// device ID "*" addresses all of a user's devices. Uses Matrix's
// idempotent PUT with a transaction ID, so a retried call after an
// ambiguous failure delivers at most once.
func (s *Session) SendToDevice(ctx context.Context, eventType ref.EventType, messages ToDeviceMessages) error {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s",
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	requestBody := struct {
		Messages ToDeviceMessages `json:"messages"`
	}{Messages: messages}

	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, requestBody); err != nil {
		return fmt.Errorf("messaging: send to-device %s failed: %w", eventType, err)
	}
	return nil
}

// UploadKeys publishes this device's identity keys and/or a batch of
// one-time keys. Either field of the request may be empty; the server
// merges what is present. Returns the per-algorithm count of unclaimed
// one-time keys remaining on the server.
func (s *Session) UploadKeys(ctx context.Context, request UploadKeysRequest) (*UploadKeysResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: upload keys failed: %w", err)
	}

	var response UploadKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse upload keys response: %w", err)
	}
	return &response, nil
}

// QueryKeys downloads device identity keys and cross-signing keys for
// the given users. Pass an empty device list to fetch all devices of a
// user. Per-user failures (federation timeouts, unknown servers) come
// back in the Failures map without failing the whole call.
func (s *Session) QueryKeys(ctx context.Context, request QueryKeysRequest) (*QueryKeysResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: query keys failed: %w", err)
	}

	var response QueryKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse query keys response: %w", err)
	}
	return &response, nil
}

// ClaimKeys claims one one-time key per requested device. A claimed
// key is removed from the server — the same key is never handed out
// twice. Devices with no remaining one-time keys are absent from the
// response rather than failing the call.
func (s *Session) ClaimKeys(ctx context.Context, request ClaimKeysRequest) (*ClaimKeysResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: claim keys failed: %w", err)
	}

	var response ClaimKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse claim keys response: %w", err)
	}
	return &response, nil
}

// GetKeyBackupVersion fetches the current (most recent) room key
// backup version. Returns a *MatrixError with code M_NOT_FOUND when
// no backup exists.
func (s *Session) GetKeyBackupVersion(ctx context.Context) (*KeyBackupVersion, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/version", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get key backup version failed: %w", err)
	}

	var response KeyBackupVersion
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse backup version response: %w", err)
	}
	return &response, nil
}

// CreateKeyBackupVersion creates a new room key backup version on the
// server, superseding any previous one. Returns the new version
// identifier.
func (s *Session) CreateKeyBackupVersion(ctx context.Context, request CreateKeyBackupRequest) (string, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/room_keys/version", s.accessToken, request)
	if err != nil {
		return "", fmt.Errorf("messaging: create key backup version failed: %w", err)
	}

	var response struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse create backup response: %w", err)
	}
	return response.Version, nil
}

// PutRoomKeys uploads a batch of encrypted session keys to the given
// backup version. The server rejects the call with
// M_WRONG_ROOM_KEYS_VERSION when version is no longer current —
// callers must then re-check the active version before retrying.
func (s *Session) PutRoomKeys(ctx context.Context, version string, rooms RoomKeysBackup) (*PutRoomKeysResponse, error) {
	query := url.Values{}
	query.Set("version", version)

	requestBody := struct {
		Rooms RoomKeysBackup `json:"rooms"`
	}{Rooms: rooms}

	body, err := s.client.doRequest(ctx, http.MethodPut, "/_matrix/client/v3/room_keys/keys", s.accessToken, requestBody, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: put room keys failed: %w", err)
	}

	var response PutRoomKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse put room keys response: %w", err)
	}
	return &response, nil
}

// GetRoomKeys downloads all backed-up session keys from the given
// backup version, for restore after login or key loss.
func (s *Session) GetRoomKeys(ctx context.Context, version string) (RoomKeysBackup, error) {
	query := url.Values{}
	query.Set("version", version)

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/keys", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: get room keys failed: %w", err)
	}

	var response struct {
		Rooms RoomKeysBackup `json:"rooms"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse get room keys response: %w", err)
	}
	return response.Rooms, nil
}
