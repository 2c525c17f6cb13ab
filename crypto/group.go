// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/crypto/olm"
	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/messaging"
)

func millisDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// roomSettingsFor returns a room's encryption settings, fetching the
// m.room.encryption state event on first use. A room without one is
// not encrypted.
func (e *Engine) roomSettingsFor(ctx context.Context, roomID ref.RoomID) (EncryptionSettings, error) {
	e.mu.Lock()
	settings, ok := e.roomSettings[roomID]
	e.mu.Unlock()
	if ok {
		return settings, nil
	}

	raw, err := e.transport.GetStateEvent(ctx, roomID, EventRoomEncryption, "")
	if err != nil {
		if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
			return EncryptionSettings{}, ErrNotEncrypted
		}
		return EncryptionSettings{}, fmt.Errorf("crypto: fetching room encryption state: %w", err)
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return EncryptionSettings{}, fmt.Errorf("crypto: parsing room encryption state: %w", err)
	}
	if settings.Algorithm != AlgorithmMegolm {
		return EncryptionSettings{}, fmt.Errorf("crypto: unsupported room algorithm %q", settings.Algorithm)
	}

	e.mu.Lock()
	e.roomSettings[roomID] = settings
	e.mu.Unlock()
	return settings, nil
}

// SetRoomEncryption records a room's encryption settings from its
// state event, replacing any cached value. Feed this from room state
// updates in the sync loop.
func (e *Engine) SetRoomEncryption(roomID ref.RoomID, settings EncryptionSettings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roomSettings[roomID] = settings
}

// InvalidateOutboundSession discards a room's outbound group session
// so the next send establishes and shares a fresh one. Call on
// membership changes and when a recipient device is blocked.
func (e *Engine) InvalidateOutboundSession(roomID ref.RoomID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.DeleteOutboundGroupSession(roomID); err != nil {
		return fmt.Errorf("crypto: invalidating outbound session: %w", err)
	}
	return nil
}

// EncryptRoomEvent encrypts an event for a room: ensures a fresh
// outbound group session (rotating on the configured thresholds),
// shares the session key with every eligible member device, and
// returns the m.room.encrypted content to send.
//
// If the room blocks unverified devices and some recipients are
// unverified, the error is *UnverifiedDevicesError and nothing is
// sent; encrypt again after verifying or blocking them, or with the
// devices explicitly blocked.
func (e *Engine) EncryptRoomEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (*MegolmEventContent, error) {
	settings, err := e.roomSettingsFor(ctx, roomID)
	if err != nil {
		return nil, err
	}

	devices, err := e.roomRecipients(ctx, roomID, settings)
	if err != nil {
		return nil, err
	}

	session, record, err := e.ensureOutboundSession(roomID, settings)
	if err != nil {
		return nil, err
	}

	if err := e.shareGroupSession(ctx, session, record, devices); err != nil {
		var notShared *SessionNotSharedError
		if !errors.As(err, &notShared) {
			return nil, err
		}
		e.log.Warn("room key not shared with all devices",
			"room_id", roomID,
			"missing", len(notShared.Devices),
		)
	}

	payload := struct {
		Type    ref.EventType `json:"type"`
		Content any           `json:"content"`
		RoomID  ref.RoomID    `json:"room_id"`
	}{eventType, content, roomID}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding room event: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("crypto: megolm encrypt: %w", err)
	}
	if err := e.saveOutboundSessionLocked(session, record); err != nil {
		return nil, err
	}
	return &MegolmEventContent{
		Algorithm: AlgorithmMegolm,
		SenderKey: e.account.IdentityKey(),
		SessionID: session.ID(),
		DeviceID:  e.deviceID,
		Ciphertext: ciphertext,
	}, nil
}

// roomRecipients resolves the devices an event's room key goes to:
// every joined member's devices except this one, minus blocked
// devices. Enforces the room's unverified-device policy.
func (e *Engine) roomRecipients(ctx context.Context, roomID ref.RoomID, settings EncryptionSettings) ([]store.DeviceRecord, error) {
	members, err := e.transport.GetRoomMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("crypto: listing room members: %w", err)
	}
	userIDs := make([]ref.UserID, 0, len(members))
	for _, member := range members {
		if member.Membership == "join" || member.Membership == "invite" {
			userIDs = append(userIDs, member.UserID)
		}
	}
	if err := e.tracker.EnsureTracked(ctx, userIDs); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var devices []store.DeviceRecord
	var unverified []store.DeviceRecord
	for _, userID := range userIDs {
		records, err := e.store.DevicesForUser(userID)
		if err != nil {
			return nil, fmt.Errorf("crypto: listing devices: %w", err)
		}
		for _, device := range records {
			if device.UserID == e.userID && device.DeviceID == e.deviceID {
				continue
			}
			if device.Verification == store.VerificationBlocked {
				continue
			}
			if settings.BlockUnverified && !device.Trust().Trusted() {
				unverified = append(unverified, device)
				continue
			}
			devices = append(devices, device)
		}
	}
	if len(unverified) > 0 {
		return nil, &UnverifiedDevicesError{Devices: unverified}
	}
	return devices, nil
}

// ensureOutboundSession loads the room's outbound group session,
// rotating it when it crosses the message-count or age threshold, and
// creating one (plus our own inbound copy) when absent.
func (e *Engine) ensureOutboundSession(roomID ref.RoomID, settings EncryptionSettings) (*olm.OutboundGroupSession, store.OutboundGroupSessionRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rotationMessages := settings.RotationPeriodMsgs
	if rotationMessages == 0 {
		rotationMessages = e.tunables.RotationMessages
	}
	rotationPeriod := e.tunables.RotationPeriod
	if settings.RotationPeriodMs > 0 {
		rotationPeriod = millisDuration(settings.RotationPeriodMs)
	}

	record, err := e.store.GetOutboundGroupSession(roomID)
	if err == nil {
		session, err := olm.UnpickleOutboundGroupSession(record.Pickle)
		if err != nil {
			return nil, store.OutboundGroupSessionRecord{}, fmt.Errorf("crypto: loading outbound session: %w", err)
		}
		fresh := session.MessageIndex() < rotationMessages &&
			e.clock.Now().Sub(record.CreatedAt) < rotationPeriod
		if fresh {
			return session, record, nil
		}
		if err := e.store.DeleteOutboundGroupSession(roomID); err != nil {
			return nil, store.OutboundGroupSessionRecord{}, fmt.Errorf("crypto: rotating outbound session: %w", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, store.OutboundGroupSessionRecord{}, fmt.Errorf("crypto: loading outbound session: %w", err)
	}

	session, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, store.OutboundGroupSessionRecord{}, fmt.Errorf("crypto: creating outbound session: %w", err)
	}
	record = store.OutboundGroupSessionRecord{
		RoomID:     roomID,
		SessionID:  session.ID(),
		CreatedAt:  e.clock.Now(),
		SharedWith: make(map[ref.Curve25519]uint32),
	}
	if err := e.saveOutboundSessionLocked(session, record); err != nil {
		return nil, store.OutboundGroupSessionRecord{}, err
	}

	// Keep our own inbound copy so this device can decrypt its own
	// history and contribute the session to backup.
	sessionKey, err := session.SessionKey()
	if err != nil {
		return nil, store.OutboundGroupSessionRecord{}, fmt.Errorf("crypto: exporting session key: %w", err)
	}
	err = e.addInboundGroupSessionLocked(inboundSessionSource{
		roomID:         roomID,
		senderKey:      e.account.IdentityKey(),
		sessionID:      session.ID(),
		sessionKey:     sessionKey,
		claimedEd25519: e.account.SigningKey(),
	}, false)
	if err != nil {
		return nil, store.OutboundGroupSessionRecord{}, err
	}
	return session, record, nil
}

func (e *Engine) saveOutboundSessionLocked(session *olm.OutboundGroupSession, record store.OutboundGroupSessionRecord) error {
	pickle, err := session.Pickle()
	if err != nil {
		return fmt.Errorf("crypto: pickling outbound session: %w", err)
	}
	record.Pickle = pickle
	if err := e.store.PutOutboundGroupSession(record); err != nil {
		return fmt.Errorf("crypto: persisting outbound session: %w", err)
	}
	return nil
}

// shareGroupSession delivers the session key to devices that have not
// received this session yet, and records the ratchet index each one
// received it at.
func (e *Engine) shareGroupSession(ctx context.Context, session *olm.OutboundGroupSession, record store.OutboundGroupSessionRecord, devices []store.DeviceRecord) error {
	e.mu.Lock()
	var pending []store.DeviceRecord
	for _, device := range devices {
		if _, shared := record.SharedWith[device.Curve25519]; !shared {
			pending = append(pending, device)
		}
	}
	e.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	sessionKey, err := session.SessionKey()
	if err != nil {
		return fmt.Errorf("crypto: exporting session key: %w", err)
	}
	content := RoomKeyContent{
		Algorithm:  AlgorithmMegolm,
		RoomID:     record.RoomID,
		SessionID:  session.ID(),
		SessionKey: sessionKey,
	}

	sendErr := e.encryptToDevice(ctx, pending, EventRoomKey, content)
	var notShared *SessionNotSharedError
	if sendErr != nil && !errors.As(sendErr, &notShared) {
		return sendErr
	}
	missed := make(map[ref.DeviceID]bool)
	if notShared != nil {
		for _, deviceID := range notShared.Devices {
			missed[deviceID] = true
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	index := session.MessageIndex()
	for _, device := range pending {
		if missed[device.DeviceID] {
			continue
		}
		record.SharedWith[device.Curve25519] = index
	}
	if err := e.saveOutboundSessionLocked(session, record); err != nil {
		return err
	}
	return sendErr
}

// inboundSessionSource is everything needed to store an inbound group
// session.
type inboundSessionSource struct {
	roomID          ref.RoomID
	senderKey       ref.Curve25519
	sessionID       ref.SessionID
	sessionKey      string
	forwardingChain []ref.Curve25519
	claimedEd25519  ref.Ed25519
}

// addInboundGroupSessionLocked stores an inbound group session. An
// incoming session never regresses a stored one: if the stored
// session already decrypts from an equal-or-earlier index it is kept
// unchanged, and a session starting earlier than the stored one is
// only accepted on the explicit import path (key export files,
// backup restore). Called with mu held.
func (e *Engine) addInboundGroupSessionLocked(source inboundSessionSource, viaImport bool) error {
	session, err := olm.NewInboundGroupSession(source.sessionKey)
	if err != nil {
		return fmt.Errorf("crypto: parsing session key: %w", err)
	}
	if session.ID() != source.sessionID {
		return fmt.Errorf("crypto: session key id mismatch: got %s, want %s", session.ID(), source.sessionID)
	}

	existing, err := e.store.GetInboundGroupSession(source.roomID, source.senderKey, source.sessionID)
	switch {
	case err == nil:
		if session.FirstKnownIndex() >= existing.FirstKnownIndex {
			return nil
		}
		if !viaImport {
			return fmt.Errorf("crypto: refusing to extend session %s history outside import", source.sessionID)
		}
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("crypto: loading inbound session: %w", err)
	}

	pickle, err := session.Pickle()
	if err != nil {
		return fmt.Errorf("crypto: pickling inbound session: %w", err)
	}
	record := store.InboundGroupSessionRecord{
		RoomID:          source.roomID,
		SenderKey:       source.senderKey,
		SessionID:       source.sessionID,
		Pickle:          pickle,
		FirstKnownIndex: session.FirstKnownIndex(),
		ForwardingChain: source.forwardingChain,
		ClaimedEd25519:  source.claimedEd25519,
	}
	if err := e.store.PutInboundGroupSession(record); err != nil {
		return fmt.Errorf("crypto: persisting inbound session: %w", err)
	}
	e.notifier.roomKeyReceived(source.roomID, source.sessionID)
	return nil
}

// DecryptRoomEvent decrypts an m.room.encrypted room event and
// returns the inner event payload.
//
// Replay protection: each (session, timeline, index) slot is bound to
// the ciphertext digest seen first. Re-decrypting the identical
// ciphertext (pagination re-fetch) succeeds; a different ciphertext
// at a taken slot fails with ErrDuplicateMessageIndex. An event whose
// session is unknown fails with ErrUnknownSession after a room key
// request has been queued for it.
func (e *Engine) DecryptRoomEvent(ctx context.Context, roomID ref.RoomID, timelineID string, content *MegolmEventContent) (json.RawMessage, error) {
	if content.Algorithm != AlgorithmMegolm {
		return nil, fmt.Errorf("crypto: unsupported room event algorithm %q", content.Algorithm)
	}

	e.mu.Lock()
	record, err := e.store.GetInboundGroupSession(roomID, content.SenderKey, content.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		e.mu.Unlock()
		if reqErr := e.keyShare.RequestKey(ctx, store.RoomKeyRequestBody{
			Algorithm: AlgorithmMegolm,
			RoomID:    roomID,
			SenderKey: content.SenderKey,
			SessionID: content.SessionID,
		}); reqErr != nil {
			e.log.Warn("room key request failed", "session_id", content.SessionID, "error", reqErr)
		}
		return nil, ErrUnknownSession
	}
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("crypto: loading inbound session: %w", err)
	}
	defer e.mu.Unlock()

	session, err := olm.UnpickleInboundGroupSession(record.Pickle)
	if err != nil {
		return nil, fmt.Errorf("crypto: loading inbound session: %w", err)
	}
	plaintext, index, err := session.Decrypt(content.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: megolm decrypt: %w", err)
	}

	digest := blake3.Sum256([]byte(content.Ciphertext))
	seen, err := e.store.GetMessageIndex(content.SessionID, timelineID, index)
	switch {
	case err == nil:
		if seen.Digest != digest {
			return nil, ErrDuplicateMessageIndex
		}
	case errors.Is(err, store.ErrNotFound):
		err = e.store.PutMessageIndex(store.MessageIndexRecord{
			SessionID:  content.SessionID,
			TimelineID: timelineID,
			Index:      index,
			Digest:     digest,
		})
		if err != nil {
			return nil, fmt.Errorf("crypto: persisting message index: %w", err)
		}
	default:
		return nil, fmt.Errorf("crypto: checking message index: %w", err)
	}

	var payload struct {
		Type    ref.EventType   `json:"type"`
		Content json.RawMessage `json:"content"`
		RoomID  ref.RoomID      `json:"room_id"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("crypto: parsing room event payload: %w", err)
	}
	// The room binding stops a key shared for one room from
	// authenticating an event injected into another.
	if payload.RoomID != roomID {
		return nil, fmt.Errorf("crypto: event room binding mismatch: %s", payload.RoomID)
	}
	return plaintext, nil
}
