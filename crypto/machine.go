// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/crypto/olm"
	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/messaging"
)

// saveOlmSessionLocked pickles and persists a pairwise session,
// updating its activity timestamp. Called with mu held.
func (e *Engine) saveOlmSessionLocked(senderKey ref.Curve25519, session *olm.Session) error {
	pickle, err := session.Pickle()
	if err != nil {
		return fmt.Errorf("crypto: pickling session: %w", err)
	}
	record := store.OlmSessionRecord{
		SenderKey:    senderKey,
		SessionID:    session.ID(),
		Pickle:       pickle,
		LastActivity: e.clock.Now(),
	}
	if err := e.store.PutOlmSession(record); err != nil {
		return fmt.Errorf("crypto: persisting session: %w", err)
	}
	return nil
}

// mostRecentSessionLocked returns the preferred sending session for a
// remote identity key: most recently used first, ties broken by
// descending session id so both stores agree.
func (e *Engine) mostRecentSessionLocked(senderKey ref.Curve25519) (*olm.Session, error) {
	records, err := e.store.SessionsForSender(senderKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: listing sessions: %w", err)
	}
	if len(records) == 0 {
		return nil, store.ErrNotFound
	}
	session, err := olm.UnpickleSession(records[0].Pickle)
	if err != nil {
		return nil, fmt.Errorf("crypto: loading session %s: %w", records[0].SessionID, err)
	}
	return session, nil
}

// ensureOlmSessions guarantees a pairwise session exists for each
// given device, claiming one-time keys for the rest in a single
// transport call. Devices whose claim fails are returned; the caller
// proceeds without them.
func (e *Engine) ensureOlmSessions(ctx context.Context, devices []store.DeviceRecord) ([]store.DeviceRecord, error) {
	e.mu.Lock()
	missing := make([]store.DeviceRecord, 0)
	for _, device := range devices {
		records, err := e.store.SessionsForSender(device.Curve25519)
		if err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("crypto: listing sessions: %w", err)
		}
		if len(records) == 0 {
			missing = append(missing, device)
		}
	}
	e.mu.Unlock()
	if len(missing) == 0 {
		return nil, nil
	}

	claim := messaging.ClaimKeysRequest{OneTimeKeys: make(map[ref.UserID]map[ref.DeviceID]string)}
	for _, device := range missing {
		if claim.OneTimeKeys[device.UserID] == nil {
			claim.OneTimeKeys[device.UserID] = make(map[ref.DeviceID]string)
		}
		claim.OneTimeKeys[device.UserID][device.DeviceID] = "signed_curve25519"
	}
	response, err := e.transport.ClaimKeys(ctx, claim)
	if err != nil {
		return missing, fmt.Errorf("crypto: claiming one-time keys: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var failed []store.DeviceRecord
	for _, device := range missing {
		oneTime, ok := claimedKeyFor(response, device)
		if !ok {
			failed = append(failed, device)
			continue
		}
		session, err := olm.NewOutboundSession(e.account, device.Curve25519, oneTime)
		if err != nil {
			e.log.Warn("outbound session establishment failed",
				"user_id", device.UserID,
				"device_id", device.DeviceID,
				"error", err,
			)
			failed = append(failed, device)
			continue
		}
		if err := e.saveOlmSessionLocked(device.Curve25519, session); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// claimedKeyFor extracts and verifies a device's claimed one-time key
// from a claim response. An unsigned or badly signed key is treated
// as absent.
func claimedKeyFor(response *messaging.ClaimKeysResponse, device store.DeviceRecord) (ref.Curve25519, bool) {
	keys := response.OneTimeKeys[device.UserID][device.DeviceID]
	for _, signed := range keys {
		transcript := struct {
			Key      ref.Curve25519 `cbor:"key"`
			Fallback bool           `cbor:"fallback,omitempty"`
		}{ref.Curve25519(signed.Key), signed.Fallback}
		signature := signed.Signatures[device.UserID]["ed25519:"+device.DeviceID.String()]
		if signature == "" {
			continue
		}
		if err := verifyPayload(device.Ed25519, transcript, signature); err != nil {
			continue
		}
		return ref.Curve25519(signed.Key), true
	}
	return "", false
}

// encryptToDevice wraps an event in olm envelopes for a set of
// devices and delivers them in one to-device call. Devices without a
// session (no claimable one-time key) are reported back via
// SessionNotSharedError alongside normal delivery to the rest.
func (e *Engine) encryptToDevice(ctx context.Context, devices []store.DeviceRecord, eventType ref.EventType, content any) error {
	failed, err := e.ensureOlmSessions(ctx, devices)
	if err != nil {
		return err
	}
	unreachable := make(map[ref.DeviceID]bool, len(failed))
	for _, device := range failed {
		unreachable[device.DeviceID] = true
	}

	rawContent, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("crypto: encoding to-device content: %w", err)
	}

	e.mu.Lock()
	messages := make(messaging.ToDeviceMessages)
	for _, device := range devices {
		if unreachable[device.DeviceID] {
			continue
		}
		envelope, err := e.encryptForDeviceLocked(device, eventType, rawContent)
		if err != nil {
			e.log.Warn("to-device encryption failed",
				"user_id", device.UserID,
				"device_id", device.DeviceID,
				"error", err,
			)
			unreachable[device.DeviceID] = true
			continue
		}
		if messages[device.UserID] == nil {
			messages[device.UserID] = make(map[ref.DeviceID]any)
		}
		messages[device.UserID][device.DeviceID] = envelope
	}
	e.mu.Unlock()

	if len(messages) > 0 {
		if err := e.transport.SendToDevice(ctx, EventEncrypted, messages); err != nil {
			return fmt.Errorf("crypto: sending to-device: %w", err)
		}
	}
	if len(unreachable) > 0 {
		notShared := &SessionNotSharedError{}
		for deviceID := range unreachable {
			notShared.Devices = append(notShared.Devices, deviceID)
		}
		return notShared
	}
	return nil
}

// encryptForDeviceLocked produces one device's olm envelope. Called
// with mu held.
func (e *Engine) encryptForDeviceLocked(device store.DeviceRecord, eventType ref.EventType, content json.RawMessage) (*OlmEventContent, error) {
	session, err := e.mostRecentSessionLocked(device.Curve25519)
	if err != nil {
		return nil, err
	}
	payload := olmPayload{
		Type:           eventType,
		Content:        content,
		Sender:         e.userID,
		Recipient:      device.UserID,
		RecipientKeys:  payloadKeys{Ed25519: device.Ed25519},
		Keys:           payloadKeys{Ed25519: e.account.SigningKey()},
		SenderDeviceID: e.deviceID,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding olm payload: %w", err)
	}
	message, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("crypto: olm encrypt: %w", err)
	}
	if err := e.saveOlmSessionLocked(device.Curve25519, session); err != nil {
		return nil, err
	}
	return &OlmEventContent{
		Algorithm: AlgorithmOlm,
		SenderKey: e.account.IdentityKey(),
		Ciphertext: map[ref.Curve25519]OlmCiphertext{
			device.Curve25519: {Type: int(message.Type), Body: message.Body},
		},
	}, nil
}

// decryptToDevice opens an m.room.encrypted to-device event: selects
// or establishes the session, opens the ratchet message, and checks
// the payload's sender/recipient bindings before trusting anything in
// it.
func (e *Engine) decryptToDevice(ctx context.Context, event messaging.ToDeviceEvent) (*DecryptedToDevice, error) {
	var content OlmEventContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return nil, fmt.Errorf("crypto: parsing olm envelope: %w", err)
	}
	if content.Algorithm != AlgorithmOlm {
		return nil, fmt.Errorf("crypto: unsupported to-device algorithm %q", content.Algorithm)
	}
	ciphertext, ok := content.Ciphertext[e.account.IdentityKey()]
	if !ok {
		return nil, ErrSenderKeyMismatch
	}
	message := olm.Message{Type: olm.MessageType(ciphertext.Type), Body: ciphertext.Body}

	e.mu.Lock()
	plaintext, err := e.decryptOlmMessageLocked(content.SenderKey, message)
	e.mu.Unlock()
	if err != nil {
		// The sender may believe it has a working session that we
		// cannot use. Establish a fresh one and ping it so the sender
		// ratchets over, then report the failure for this event.
		if recoverErr := e.recoverWedgedSession(ctx, event.Sender, content.SenderKey); recoverErr != nil {
			e.log.Warn("wedged session recovery failed",
				"sender", event.Sender,
				"sender_key", content.SenderKey,
				"error", recoverErr,
			)
		}
		return nil, err
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("crypto: parsing olm payload: %w", err)
	}
	if payload.Recipient != e.userID || payload.RecipientKeys.Ed25519 != e.account.SigningKey() {
		return nil, ErrSenderKeyMismatch
	}
	if payload.Sender != event.Sender {
		return nil, ErrSenderKeyMismatch
	}
	return &DecryptedToDevice{
		Type:           payload.Type,
		Content:        payload.Content,
		Sender:         payload.Sender,
		SenderDeviceID: payload.SenderDeviceID,
		SenderKey:      content.SenderKey,
		SenderEd25519:  payload.Keys.Ed25519,
	}, nil
}

// decryptOlmMessageLocked tries stored sessions for the sender key,
// then falls back to creating an inbound session if the message is a
// pre-key message. Called with mu held.
func (e *Engine) decryptOlmMessageLocked(senderKey ref.Curve25519, message olm.Message) ([]byte, error) {
	records, err := e.store.SessionsForSender(senderKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: listing sessions: %w", err)
	}

	if message.Type == olm.MessageTypePreKey {
		// A pre-key message names its session; only that session (or
		// a new inbound one) can open it.
		sessionID, err := olm.SessionIDForPreKeyMessage(message)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if record.SessionID != sessionID {
				continue
			}
			return e.decryptWithRecordLocked(senderKey, record, message)
		}
		session, err := olm.NewInboundSession(e.account, message)
		if err != nil {
			return nil, err
		}
		plaintext, err := session.Decrypt(message)
		if err != nil {
			return nil, err
		}
		// The consumed one-time key is gone from the account; both
		// mutations must land.
		if err := e.saveAccount(); err != nil {
			return nil, err
		}
		if err := e.saveOlmSessionLocked(senderKey, session); err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	var lastErr error = store.ErrNotFound
	for _, record := range records {
		plaintext, err := e.decryptWithRecordLocked(senderKey, record, message)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("crypto: olm decrypt: %w", lastErr)
}

func (e *Engine) decryptWithRecordLocked(senderKey ref.Curve25519, record store.OlmSessionRecord, message olm.Message) ([]byte, error) {
	session, err := olm.UnpickleSession(record.Pickle)
	if err != nil {
		return nil, fmt.Errorf("crypto: loading session %s: %w", record.SessionID, err)
	}
	plaintext, err := session.Decrypt(message)
	if err != nil {
		return nil, err
	}
	if err := e.saveOlmSessionLocked(senderKey, session); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// recoverWedgedSession establishes a fresh outbound session to a
// device whose messages we cannot decrypt and sends m.dummy over it,
// prompting the peer to ratchet onto the new session. Rate limited
// per device.
func (e *Engine) recoverWedgedSession(ctx context.Context, userID ref.UserID, senderKey ref.Curve25519) error {
	e.mu.Lock()
	if last, ok := e.lastDummy[senderKey]; ok && e.clock.Now().Sub(last) < e.tunables.DummyInterval {
		e.mu.Unlock()
		return nil
	}
	e.lastDummy[senderKey] = e.clock.Now()

	device, err := e.deviceByIdentityKeyLocked(userID, senderKey)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	claim := messaging.ClaimKeysRequest{OneTimeKeys: map[ref.UserID]map[ref.DeviceID]string{
		userID: {device.DeviceID: "signed_curve25519"},
	}}
	response, err := e.transport.ClaimKeys(ctx, claim)
	if err != nil {
		return fmt.Errorf("crypto: claiming one-time key: %w", err)
	}
	oneTime, ok := claimedKeyFor(response, device)
	if !ok {
		return fmt.Errorf("crypto: no one-time key for %s/%s", userID, device.DeviceID)
	}

	e.mu.Lock()
	session, err := olm.NewOutboundSession(e.account, senderKey, oneTime)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.saveOlmSessionLocked(senderKey, session); err != nil {
		e.mu.Unlock()
		return err
	}
	envelope, err := e.encryptForDeviceLocked(device, EventDummy, json.RawMessage("{}"))
	e.mu.Unlock()
	if err != nil {
		return err
	}

	messages := messaging.ToDeviceMessages{userID: {device.DeviceID: envelope}}
	if err := e.transport.SendToDevice(ctx, EventEncrypted, messages); err != nil {
		return fmt.Errorf("crypto: sending dummy: %w", err)
	}
	return nil
}

// deviceByIdentityKeyLocked finds a user's device record by its
// curve25519 identity key. Called with mu held.
func (e *Engine) deviceByIdentityKeyLocked(userID ref.UserID, senderKey ref.Curve25519) (store.DeviceRecord, error) {
	devices, err := e.store.DevicesForUser(userID)
	if err != nil {
		return store.DeviceRecord{}, fmt.Errorf("crypto: listing devices: %w", err)
	}
	for _, device := range devices {
		if device.Curve25519 == senderKey {
			return device, nil
		}
	}
	return store.DeviceRecord{}, fmt.Errorf("crypto: no device of %s with key %s: %w", userID, senderKey, store.ErrNotFound)
}
