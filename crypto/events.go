// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/crypto/store"
)

// Listeners receives engine notifications. Every field is optional.
// Callbacks fire on the serialized crypto context after the
// triggering mutation is durably applied, in mutation order; they
// must not call back into the engine synchronously.
type Listeners struct {
	// TrustChanged fires when a device's verification or
	// cross-signing trust changes.
	TrustChanged func(device store.DeviceRecord)

	// RoomKeyReceived fires when a new inbound group session becomes
	// available (via m.room_key, key sharing, backup restore, or
	// import). Consumers retry decryption of queued events.
	RoomKeyReceived func(roomID ref.RoomID, sessionID ref.SessionID)

	// VerificationRequested fires when another device asks to verify.
	VerificationRequested func(request VerificationRequest)

	// VerificationTransactionUpdated fires on every transaction state
	// change, including terminal Cancelled/Verified.
	VerificationTransactionUpdated func(transaction Transaction)

	// KeyRequestReceived fires when another of the user's devices
	// asks for a room key, pending an accept or ignore decision.
	KeyRequestReceived func(request store.IncomingKeyRequest)
}

// notifier fans one event out to all registered listener sets.
type notifier struct {
	listeners []Listeners
}

func (n *notifier) add(l Listeners) {
	n.listeners = append(n.listeners, l)
}

func (n *notifier) trustChanged(device store.DeviceRecord) {
	for _, l := range n.listeners {
		if l.TrustChanged != nil {
			l.TrustChanged(device)
		}
	}
}

func (n *notifier) roomKeyReceived(roomID ref.RoomID, sessionID ref.SessionID) {
	for _, l := range n.listeners {
		if l.RoomKeyReceived != nil {
			l.RoomKeyReceived(roomID, sessionID)
		}
	}
}

func (n *notifier) verificationRequested(request VerificationRequest) {
	for _, l := range n.listeners {
		if l.VerificationRequested != nil {
			l.VerificationRequested(request)
		}
	}
}

func (n *notifier) transactionUpdated(transaction Transaction) {
	for _, l := range n.listeners {
		if l.VerificationTransactionUpdated != nil {
			l.VerificationTransactionUpdated(transaction)
		}
	}
}

func (n *notifier) keyRequestReceived(request store.IncomingKeyRequest) {
	for _, l := range n.listeners {
		if l.KeyRequestReceived != nil {
			l.KeyRequestReceived(request)
		}
	}
}
