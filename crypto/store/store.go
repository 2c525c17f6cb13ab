// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"

	"github.com/niochat/nio/lib/ref"
)

// ErrNotFound reports a lookup for a record the store does not hold.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract for the encryption engine. All
// methods are synchronous; a storage failure is returned to the
// caller and must never silently drop key material.
type Store interface {
	// Account state. The account pickle is the device's identity —
	// losing it unrecoverably orphans every session.
	PutAccount(pickle []byte) error
	GetAccount() ([]byte, error)

	// Sync bookkeeping.
	PutSyncToken(token string) error
	GetSyncToken() (string, error)

	// Pairwise sessions, grouped by the remote device's curve25519
	// key. SessionsForSender returns most-recently-active first.
	PutOlmSession(record OlmSessionRecord) error
	GetOlmSession(senderKey ref.Curve25519, sessionID ref.SessionID) (OlmSessionRecord, error)
	SessionsForSender(senderKey ref.Curve25519) ([]OlmSessionRecord, error)

	// Inbound group sessions, keyed by (room, sender key, session).
	PutInboundGroupSession(record InboundGroupSessionRecord) error
	GetInboundGroupSession(roomID ref.RoomID, senderKey ref.Curve25519, sessionID ref.SessionID) (InboundGroupSessionRecord, error)
	// SessionsNotBackedUp returns up to limit sessions with a clear
	// backed-up flag, in no particular order.
	SessionsNotBackedUp(limit int) ([]InboundGroupSessionRecord, error)
	// MarkSessionsBackedUp sets the flag for the named sessions.
	// Called only after the server acknowledged the upload.
	MarkSessionsBackedUp(keys []InboundGroupSessionKey) error
	// ResetBackupFlags clears every backed-up flag. Called when the
	// active backup version changes.
	ResetBackupFlags() error
	// AllInboundGroupSessions streams every stored session, for key
	// export.
	AllInboundGroupSessions() ([]InboundGroupSessionRecord, error)

	// The active outbound group session per room.
	PutOutboundGroupSession(record OutboundGroupSessionRecord) error
	GetOutboundGroupSession(roomID ref.RoomID) (OutboundGroupSessionRecord, error)
	DeleteOutboundGroupSession(roomID ref.RoomID) error

	// Replay protection: one digest per (session, timeline, index).
	PutMessageIndex(record MessageIndexRecord) error
	GetMessageIndex(sessionID ref.SessionID, timelineID string, index uint32) (MessageIndexRecord, error)

	// Device records, replaced wholesale per user on each download.
	PutDevices(userID ref.UserID, devices []DeviceRecord) error
	GetDevice(userID ref.UserID, deviceID ref.DeviceID) (DeviceRecord, error)
	DevicesForUser(userID ref.UserID) ([]DeviceRecord, error)
	// UpdateDevice persists a mutated verification/trust state for
	// one existing device.
	UpdateDevice(device DeviceRecord) error
	DeleteDevicesForUser(userID ref.UserID) error

	// Device-list tracking status per user. GetTracking returns
	// TrackingNotTracked for unknown users.
	PutTracking(userID ref.UserID, status TrackingStatus) error
	GetTracking(userID ref.UserID) (TrackingStatus, error)
	// TrackedUsers returns every user whose status is not
	// TrackingNotTracked.
	TrackedUsers() (map[ref.UserID]TrackingStatus, error)

	// Cross-signing keys, keyed by (user, usage).
	PutCrossSigningKey(record CrossSigningKeyRecord) error
	GetCrossSigningKey(userID ref.UserID, usage string) (CrossSigningKeyRecord, error)

	// Outgoing room key requests. GetOutgoingKeyRequestByBody
	// matches on deep body equality, which is how duplicate
	// requests are suppressed.
	PutOutgoingKeyRequest(request OutgoingKeyRequest) error
	GetOutgoingKeyRequest(requestID string) (OutgoingKeyRequest, error)
	GetOutgoingKeyRequestByBody(body RoomKeyRequestBody) (OutgoingKeyRequest, error)
	ListOutgoingKeyRequests() ([]OutgoingKeyRequest, error)
	DeleteOutgoingKeyRequest(requestID string) error

	// Incoming room key requests, grouped by requesting device.
	PutIncomingKeyRequest(request IncomingKeyRequest) error
	IncomingKeyRequestsForDevice(userID ref.UserID, deviceID ref.DeviceID) ([]IncomingKeyRequest, error)
	ListIncomingKeyRequests() ([]IncomingKeyRequest, error)
	DeleteIncomingKeyRequestsForDevice(userID ref.UserID, deviceID ref.DeviceID) error

	// The active backup version.
	PutBackupVersion(record BackupVersionRecord) error
	GetBackupVersion() (BackupVersionRecord, error)

	// Close releases the store's resources. The store is unusable
	// afterwards.
	Close() error
}

// InboundGroupSessionKey identifies one inbound group session.
type InboundGroupSessionKey struct {
	RoomID    ref.RoomID
	SenderKey ref.Curve25519
	SessionID ref.SessionID
}
