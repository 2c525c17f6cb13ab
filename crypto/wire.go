// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"encoding/json"

	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/crypto/store"
)

// Encryption algorithm identifiers. The registry of supported
// algorithms is this closed set; an event carrying anything else is
// rejected up front.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
	AlgorithmBackup = "m.megolm_backup.v1.curve25519-aes-sha2"
)

// Event types the engine produces or consumes.
const (
	EventEncrypted        ref.EventType = "m.room.encrypted"
	EventRoomKey          ref.EventType = "m.room_key"
	EventForwardedRoomKey ref.EventType = "m.forwarded_room_key"
	EventRoomKeyRequest   ref.EventType = "m.room_key_request"
	EventDummy            ref.EventType = "m.dummy"
	EventRoomEncryption   ref.EventType = "m.room.encryption"

	EventVerificationRequest ref.EventType = "m.key.verification.request"
	EventVerificationReady   ref.EventType = "m.key.verification.ready"
	EventVerificationStart   ref.EventType = "m.key.verification.start"
	EventVerificationAccept  ref.EventType = "m.key.verification.accept"
	EventVerificationKey     ref.EventType = "m.key.verification.key"
	EventVerificationMAC     ref.EventType = "m.key.verification.mac"
	EventVerificationDone    ref.EventType = "m.key.verification.done"
	EventVerificationCancel  ref.EventType = "m.key.verification.cancel"
)

// OlmCiphertext is one recipient's slot in an olm envelope.
type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// OlmEventContent is the content of an m.room.encrypted to-device
// event: one ciphertext per recipient identity key.
type OlmEventContent struct {
	Algorithm  string                           `json:"algorithm"`
	SenderKey  ref.Curve25519                   `json:"sender_key"`
	Ciphertext map[ref.Curve25519]OlmCiphertext `json:"ciphertext"`
}

// olmPayload is the plaintext carried inside an olm envelope. The
// sender/recipient bindings stop a malicious server replaying a
// ciphertext to a different device or claiming a different author.
type olmPayload struct {
	Type           ref.EventType   `json:"type"`
	Content        json.RawMessage `json:"content"`
	Sender         ref.UserID      `json:"sender"`
	Recipient      ref.UserID      `json:"recipient"`
	RecipientKeys  payloadKeys     `json:"recipient_keys"`
	Keys           payloadKeys     `json:"keys"`
	SenderDeviceID ref.DeviceID    `json:"sender_device,omitempty"`
}

type payloadKeys struct {
	Ed25519 ref.Ed25519 `json:"ed25519"`
}

// DecryptedToDevice is a to-device event after olm decryption, with
// the verified sender bindings attached.
type DecryptedToDevice struct {
	Type           ref.EventType
	Content        json.RawMessage
	Sender         ref.UserID
	SenderDeviceID ref.DeviceID
	SenderKey      ref.Curve25519
	SenderEd25519  ref.Ed25519
}

// MegolmEventContent is the content of an encrypted room event.
type MegolmEventContent struct {
	Algorithm  string         `json:"algorithm"`
	SenderKey  ref.Curve25519 `json:"sender_key"`
	SessionID  ref.SessionID  `json:"session_id"`
	DeviceID   ref.DeviceID   `json:"device_id,omitempty"`
	Ciphertext string         `json:"ciphertext"`
}

// RoomKeyContent is the m.room_key payload delivered over olm when
// sharing an outbound group session.
type RoomKeyContent struct {
	Algorithm  string        `json:"algorithm"`
	RoomID     ref.RoomID    `json:"room_id"`
	SessionID  ref.SessionID `json:"session_id"`
	SessionKey string        `json:"session_key"`
}

// ForwardedRoomKeyContent re-shares an inbound group session in
// response to a key request. The forwarding chain records every
// device the key passed through.
type ForwardedRoomKeyContent struct {
	Algorithm            string           `json:"algorithm"`
	RoomID               ref.RoomID       `json:"room_id"`
	SessionID            ref.SessionID    `json:"session_id"`
	SessionKey           string           `json:"session_key"`
	SenderKey            ref.Curve25519   `json:"sender_key"`
	SenderClaimedEd25519 ref.Ed25519      `json:"sender_claimed_ed25519_key"`
	ForwardingChain      []ref.Curve25519 `json:"forwarding_curve25519_key_chain"`
}

// Room key request actions.
const (
	KeyRequestActionRequest = "request"
	KeyRequestActionCancel  = "request_cancellation"
)

// RoomKeyRequestContent is the m.room_key_request to-device payload,
// sent in the clear between a user's own devices.
type RoomKeyRequestContent struct {
	Action             string                    `json:"action"`
	Body               *store.RoomKeyRequestBody `json:"body,omitempty"`
	RequestingDeviceID ref.DeviceID              `json:"requesting_device_id"`
	RequestID          string                    `json:"request_id"`
}

// EncryptionSettings is the content of a room's m.room.encryption
// state event.
type EncryptionSettings struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMs   int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs uint32 `json:"rotation_period_msgs,omitempty"`
	BlockUnverified    bool   `json:"io.nio.block_unverified,omitempty"`
}

// backupSessionData is the plaintext sealed into a backup's
// session_data field, and the per-session body of a key export file.
type backupSessionData struct {
	Algorithm       string           `json:"algorithm"`
	RoomID          ref.RoomID       `json:"room_id"`
	SessionID       ref.SessionID    `json:"session_id"`
	SessionKey      string           `json:"session_key"`
	SenderKey       ref.Curve25519   `json:"sender_key"`
	SenderClaimed   ref.Ed25519      `json:"sender_claimed_ed25519_key"`
	ForwardingChain []ref.Curve25519 `json:"forwarding_curve25519_key_chain"`
}
