// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/niochat/nio/lib/ref"
)

// LoginRequest is the body of POST /login for password authentication.
type LoginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

// AuthResponse is returned by a successful login.
type AuthResponse struct {
	UserID      ref.UserID   `json:"user_id"`
	DeviceID    ref.DeviceID `json:"device_id"`
	AccessToken string       `json:"access_token"`
}

// WhoAmIResponse is returned by GET /account/whoami.
type WhoAmIResponse struct {
	UserID   ref.UserID   `json:"user_id"`
	DeviceID ref.DeviceID `json:"device_id"`
}

// SendEventResponse is returned by event and state event sends.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// SyncOptions controls a single /sync request.
type SyncOptions struct {
	// Since is the batch token from the previous sync. Empty for an
	// initial sync.
	Since string
	// Timeout is the long-poll wait in milliseconds. Only sent when
	// SetTimeout is true, so that an explicit zero (return
	// immediately) is distinguishable from "use the default".
	Timeout    int
	SetTimeout bool
	// Filter is an optional server-side filter ID or inline filter
	// JSON.
	Filter string
}

// SyncResponse is the subset of the /sync response the encryption
// engine consumes: to-device events, device-list change
// notifications, one-time-key counts, and joined-room timelines.
type SyncResponse struct {
	NextBatch   string             `json:"next_batch"`
	ToDevice    ToDeviceSection    `json:"to_device"`
	DeviceLists DeviceListsSection `json:"device_lists"`
	Rooms       RoomsSection       `json:"rooms"`

	// DeviceOneTimeKeysCount maps algorithm name (e.g.
	// "signed_curve25519") to the number of unclaimed one-time keys
	// the server still holds for this device.
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count"`

	// DeviceUnusedFallbackKeyTypes lists algorithms for which the
	// server holds an unused fallback key. An algorithm absent from
	// the list needs a fresh fallback key uploaded.
	DeviceUnusedFallbackKeyTypes []string `json:"device_unused_fallback_key_types"`
}

// ToDeviceSection carries direct device-to-device events.
type ToDeviceSection struct {
	Events []ToDeviceEvent `json:"events"`
}

// ToDeviceEvent is a single to-device event. Content stays raw —
// olm-encrypted payloads are decrypted by the engine before their
// inner type is known.
type ToDeviceEvent struct {
	Type    ref.EventType   `json:"type"`
	Sender  ref.UserID      `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// DeviceListsSection notifies of users whose device lists changed
// since the last sync, and users this device no longer shares an
// encrypted room with.
type DeviceListsSection struct {
	Changed []ref.UserID `json:"changed"`
	Left    []ref.UserID `json:"left"`
}

// RoomsSection holds per-room sync data for joined rooms.
type RoomsSection struct {
	Join map[ref.RoomID]JoinedRoom `json:"join"`
}

// JoinedRoom carries the timeline slice for one joined room.
type JoinedRoom struct {
	Timeline Timeline `json:"timeline"`
}

// Timeline is an ordered batch of room events.
type Timeline struct {
	Events    []RoomEvent `json:"events"`
	Limited   bool        `json:"limited"`
	PrevBatch string      `json:"prev_batch"`
}

// RoomEvent is a single room timeline event with raw content.
type RoomEvent struct {
	Type     ref.EventType   `json:"type"`
	EventID  ref.EventID     `json:"event_id"`
	Sender   ref.UserID      `json:"sender"`
	StateKey *string         `json:"state_key,omitempty"`
	Content  json.RawMessage `json:"content"`
	// OriginServerTS is milliseconds since the epoch as stamped by
	// the origin server.
	OriginServerTS int64 `json:"origin_server_ts"`
}

// RoomMembersResponse is returned by GET /rooms/{roomId}/members.
type RoomMembersResponse struct {
	Chunk []MemberEvent `json:"chunk"`
}

// MemberEvent is an m.room.member state event.
type MemberEvent struct {
	StateKey ref.UserID    `json:"state_key"`
	Content  MemberContent `json:"content"`
}

// MemberContent is the content of an m.room.member event.
type MemberContent struct {
	Membership string `json:"membership"`
}

// RoomMember is a flattened room membership entry.
type RoomMember struct {
	UserID     ref.UserID
	Membership string
}

// ToDeviceMessages maps user ID -> device ID -> event content for a
// to-device send. The device ID "*" addresses all devices of a user.
type ToDeviceMessages map[ref.UserID]map[ref.DeviceID]any

// DeviceKeys is a device's published identity key bundle, signed by
// the device's ed25519 key. The Keys map uses "<algorithm>:<deviceId>"
// identifiers (e.g. "curve25519:CBDEF", "ed25519:CBDEF").
type DeviceKeys struct {
	UserID     ref.UserID                       `json:"user_id"`
	DeviceID   ref.DeviceID                     `json:"device_id"`
	Algorithms []string                         `json:"algorithms"`
	Keys       map[string]string                `json:"keys"`
	Signatures map[ref.UserID]map[string]string `json:"signatures"`
	Unsigned   DeviceKeysUnsigned               `json:"unsigned,omitempty"`
}

// DeviceKeysUnsigned carries server-added metadata not covered by the
// device signature.
type DeviceKeysUnsigned struct {
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}

// CrossSigningKey is one of a user's cross-signing keys (master,
// self-signing, or user-signing, per the Usage field).
type CrossSigningKey struct {
	UserID     ref.UserID                       `json:"user_id"`
	Usage      []string                         `json:"usage"`
	Keys       map[string]string                `json:"keys"`
	Signatures map[ref.UserID]map[string]string `json:"signatures,omitempty"`
}

// SignedOneTimeKey is an uploaded one-time (or fallback) curve25519
// key, signed by the owning device.
type SignedOneTimeKey struct {
	Key        string                           `json:"key"`
	Fallback   bool                             `json:"fallback,omitempty"`
	Signatures map[ref.UserID]map[string]string `json:"signatures"`
}

// UploadKeysRequest is the body of POST /keys/upload. Either field
// may be empty. OneTimeKeys maps "signed_curve25519:<keyId>" to the
// signed key.
type UploadKeysRequest struct {
	DeviceKeys  *DeviceKeys                 `json:"device_keys,omitempty"`
	OneTimeKeys map[string]SignedOneTimeKey `json:"one_time_keys,omitempty"`
}

// UploadKeysResponse reports the server's remaining unclaimed
// one-time key counts per algorithm.
type UploadKeysResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// QueryKeysRequest is the body of POST /keys/query. An empty device
// list for a user requests all of that user's devices.
type QueryKeysRequest struct {
	DeviceKeys map[ref.UserID][]ref.DeviceID `json:"device_keys"`
	// Timeout is the federation wait in milliseconds. Zero uses the
	// server default.
	Timeout int64 `json:"timeout,omitempty"`
}

// QueryKeysResponse carries downloaded device and cross-signing keys.
// Failures maps server names to opaque error details for homeservers
// that could not be reached — their users' data is simply absent.
type QueryKeysResponse struct {
	DeviceKeys      map[ref.UserID]map[ref.DeviceID]DeviceKeys `json:"device_keys"`
	MasterKeys      map[ref.UserID]CrossSigningKey             `json:"master_keys"`
	SelfSigningKeys map[ref.UserID]CrossSigningKey             `json:"self_signing_keys"`
	UserSigningKeys map[ref.UserID]CrossSigningKey             `json:"user_signing_keys"`
	Failures        map[string]json.RawMessage                 `json:"failures"`
}

// ClaimKeysRequest is the body of POST /keys/claim. OneTimeKeys maps
// user ID -> device ID -> requested algorithm ("signed_curve25519").
type ClaimKeysRequest struct {
	OneTimeKeys map[ref.UserID]map[ref.DeviceID]string `json:"one_time_keys"`
	Timeout     int64                                  `json:"timeout,omitempty"`
}

// ClaimKeysResponse carries claimed one-time keys. The inner map is
// keyed by "<algorithm>:<keyId>" and holds at most one entry per
// device. Devices out of one-time keys are absent.
type ClaimKeysResponse struct {
	OneTimeKeys map[ref.UserID]map[ref.DeviceID]map[string]SignedOneTimeKey `json:"one_time_keys"`
	Failures    map[string]json.RawMessage                                  `json:"failures"`
}

// KeyBackupVersion describes a server-side room key backup version.
type KeyBackupVersion struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	ETag      string          `json:"etag"`
	Version   string          `json:"version"`
}

// CreateKeyBackupRequest is the body of POST /room_keys/version.
type CreateKeyBackupRequest struct {
	Algorithm string `json:"algorithm"`
	AuthData  any    `json:"auth_data"`
}

// RoomKeysBackup maps room ID -> backed-up sessions for that room.
type RoomKeysBackup map[ref.RoomID]RoomKeyBackup

// RoomKeyBackup holds one room's backed-up sessions keyed by session
// ID.
type RoomKeyBackup struct {
	Sessions map[ref.SessionID]KeyBackupData `json:"sessions"`
}

// KeyBackupData is one backed-up session key. SessionData is the
// sealed session payload — opaque to the server.
type KeyBackupData struct {
	FirstMessageIndex uint32          `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// PutRoomKeysResponse reports the backup's new key count and etag
// after an upload.
type PutRoomKeysResponse struct {
	Count int    `json:"count"`
	ETag  string `json:"etag"`
}
