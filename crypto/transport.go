// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"

	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/messaging"
)

// Transport is the slice of the homeserver session the engine needs.
// messaging.Session satisfies it; tests substitute a fake. Calls are
// fire-and-retry: request bodies are idempotent and the managers
// deduplicate, so a retried delivery is harmless.
type Transport interface {
	UserID() ref.UserID
	DeviceID() ref.DeviceID

	SendToDevice(ctx context.Context, eventType ref.EventType, messages messaging.ToDeviceMessages) error
	SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error)
	GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error)
	GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]messaging.RoomMember, error)

	UploadKeys(ctx context.Context, request messaging.UploadKeysRequest) (*messaging.UploadKeysResponse, error)
	QueryKeys(ctx context.Context, request messaging.QueryKeysRequest) (*messaging.QueryKeysResponse, error)
	ClaimKeys(ctx context.Context, request messaging.ClaimKeysRequest) (*messaging.ClaimKeysResponse, error)

	GetKeyBackupVersion(ctx context.Context) (*messaging.KeyBackupVersion, error)
	CreateKeyBackupVersion(ctx context.Context, request messaging.CreateKeyBackupRequest) (string, error)
	PutRoomKeys(ctx context.Context, version string, rooms messaging.RoomKeysBackup) (*messaging.PutRoomKeysResponse, error)
	GetRoomKeys(ctx context.Context, version string) (messaging.RoomKeysBackup, error)
}

var _ Transport = (*messaging.Session)(nil)
