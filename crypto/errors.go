// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/crypto/store"
)

// Cryptographic validation failures. Local and per-event: callers
// report them against the affected event and keep running.
var (
	// ErrUnknownSession means no inbound group session is stored for
	// the event's (room, sender key, session id). The engine issues a
	// room key request as a side effect of returning this.
	ErrUnknownSession = errors.New("crypto: unknown inbound group session")

	// ErrDuplicateMessageIndex means a megolm message index was
	// already decrypted in this timeline with different ciphertext, a
	// replay indicator.
	ErrDuplicateMessageIndex = errors.New("crypto: duplicate megolm message index")

	// ErrSenderKeyMismatch means a to-device envelope's embedded keys
	// do not match the claimed sender or this device.
	ErrSenderKeyMismatch = errors.New("crypto: sender key mismatch")

	// ErrNotEncrypted means a room has no encryption state event and
	// EncryptRoomEvent was called for it.
	ErrNotEncrypted = errors.New("crypto: room is not encrypted")

	// ErrUnknownTransaction means a verification operation referenced
	// a transaction id the manager does not hold.
	ErrUnknownTransaction = errors.New("crypto: unknown verification transaction")

	// ErrTransactionExpired means the verification request or
	// transaction passed its deadline before the operation.
	ErrTransactionExpired = errors.New("crypto: verification transaction expired")

	// ErrInvalidStateTransition means a verification message arrived
	// for a transaction in a state that does not accept it.
	ErrInvalidStateTransition = errors.New("crypto: invalid verification state transition")

	// ErrBackupUntrusted means a restore was attempted from a backup
	// version whose auth data is not signed by a verified device.
	ErrBackupUntrusted = errors.New("crypto: backup version is not trusted")
)

// UnverifiedDevicesError is returned by EncryptRoomEvent when the
// room's policy blocks unverified devices and some recipients are
// unverified. The caller decides whether to verify, block, or resend
// with the policy overridden.
type UnverifiedDevicesError struct {
	Devices []store.DeviceRecord
}

func (e *UnverifiedDevicesError) Error() string {
	names := make([]string, 0, len(e.Devices))
	for _, device := range e.Devices {
		names = append(names, fmt.Sprintf("%s/%s", device.UserID, device.DeviceID))
	}
	return "crypto: room blocks unverified devices: " + strings.Join(names, ", ")
}

// SessionNotSharedError reports devices a room key could not be
// delivered to (no claimable one-time key, or delivery failed). The
// event is still sent; affected devices will recover via key requests.
type SessionNotSharedError struct {
	Devices []ref.DeviceID
}

func (e *SessionNotSharedError) Error() string {
	return fmt.Sprintf("crypto: room key not shared with %d devices", len(e.Devices))
}
