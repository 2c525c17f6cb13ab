// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/lib/sealed"
	"github.com/niochat/nio/lib/secret"
	"github.com/niochat/nio/crypto/olm"
	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/messaging"
)

// backupManager escrows inbound group sessions to the server, sealed
// to the backup version's public key. Sessions are marked backed up
// only after the server acknowledges the upload, so a failed batch
// stays eligible for retry.
type backupManager struct {
	engine *Engine
}

func newBackupManager(e *Engine) *backupManager {
	return &backupManager{engine: e}
}

// backupAuthData is the auth_data of a backup version: the sealing
// public key plus device signatures over it.
type backupAuthData struct {
	PublicKey  string                           `json:"public_key"`
	Signatures map[ref.UserID]map[string]string `json:"signatures,omitempty"`
}

// CreateBackup creates a fresh server-side backup version and returns
// its recovery key. The recovery key is shown to the user once and
// never stored; losing it makes the backup undecryptable.
func (m *backupManager) CreateBackup(ctx context.Context) (*sealed.Keypair, string, error) {
	e := m.engine
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return nil, "", fmt.Errorf("crypto: generating backup key: %w", err)
	}

	authData := backupAuthData{PublicKey: keypair.PublicKey}
	signature, err := e.signPayload(backupTranscript(authData.PublicKey))
	if err != nil {
		keypair.Close()
		return nil, "", err
	}
	authData.Signatures = map[ref.UserID]map[string]string{
		e.userID: {"ed25519:" + e.deviceID.String(): signature},
	}
	rawAuthData, err := json.Marshal(authData)
	if err != nil {
		keypair.Close()
		return nil, "", fmt.Errorf("crypto: encoding backup auth data: %w", err)
	}

	version, err := e.transport.CreateKeyBackupVersion(ctx, messaging.CreateKeyBackupRequest{
		Algorithm: AlgorithmBackup,
		AuthData:  json.RawMessage(rawAuthData),
	})
	if err != nil {
		keypair.Close()
		return nil, "", fmt.Errorf("crypto: creating backup version: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	record := store.BackupVersionRecord{
		Version:      version,
		Algorithm:    AlgorithmBackup,
		RecipientKey: keypair.PublicKey,
		Trusted:      true,
	}
	if err := e.store.PutBackupVersion(record); err != nil {
		keypair.Close()
		return nil, "", fmt.Errorf("crypto: storing backup version: %w", err)
	}
	// Everything already held locally needs uploading under the new
	// version.
	if err := e.store.ResetBackupFlags(); err != nil {
		keypair.Close()
		return nil, "", fmt.Errorf("crypto: resetting backup flags: %w", err)
	}
	return keypair, version, nil
}

// backupTranscript is the signed portion of backup auth data.
func backupTranscript(publicKey string) any {
	return struct {
		PublicKey string `cbor:"public_key"`
	}{publicKey}
}

// EnableBackup adopts the server's current backup version. Trust is
// derived from a valid signature by one of the user's locally
// verified devices (or this device); an unsigned or badly signed
// version is stored untrusted — uploaded to, never restored from.
func (m *backupManager) EnableBackup(ctx context.Context) error {
	e := m.engine
	version, err := e.transport.GetKeyBackupVersion(ctx)
	if err != nil {
		if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
			return store.ErrNotFound
		}
		return fmt.Errorf("crypto: fetching backup version: %w", err)
	}
	if version.Algorithm != AlgorithmBackup {
		return fmt.Errorf("crypto: unsupported backup algorithm %q", version.Algorithm)
	}
	var authData backupAuthData
	if err := json.Unmarshal(version.AuthData, &authData); err != nil {
		return fmt.Errorf("crypto: parsing backup auth data: %w", err)
	}
	if err := sealed.ParsePublicKey(authData.PublicKey); err != nil {
		return fmt.Errorf("crypto: invalid backup public key: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	record := store.BackupVersionRecord{
		Version:      version.Version,
		Algorithm:    version.Algorithm,
		RecipientKey: authData.PublicKey,
		Trusted:      m.authDataTrustedLocked(authData),
	}
	if err := e.store.PutBackupVersion(record); err != nil {
		return fmt.Errorf("crypto: storing backup version: %w", err)
	}
	if err := e.store.ResetBackupFlags(); err != nil {
		return fmt.Errorf("crypto: resetting backup flags: %w", err)
	}
	return nil
}

// authDataTrustedLocked checks backup auth data signatures against
// this device and the user's locally verified devices. Called with mu
// held.
func (m *backupManager) authDataTrustedLocked(authData backupAuthData) bool {
	e := m.engine
	signatures := authData.Signatures[e.userID]
	if len(signatures) == 0 {
		return false
	}
	transcript := backupTranscript(authData.PublicKey)

	if signature, ok := signatures["ed25519:"+e.deviceID.String()]; ok {
		if verifyPayload(e.account.SigningKey(), transcript, signature) == nil {
			return true
		}
	}
	devices, err := e.store.DevicesForUser(e.userID)
	if err != nil {
		return false
	}
	for _, device := range devices {
		if !device.Trust().Trusted() {
			continue
		}
		signature, ok := signatures["ed25519:"+device.DeviceID.String()]
		if !ok {
			continue
		}
		if verifyPayload(device.Ed25519, transcript, signature) == nil {
			return true
		}
	}
	return false
}

// MaybeSend uploads one batch of sessions not yet backed up. No-op
// without an adopted backup version. On M_WRONG_ROOM_KEYS_VERSION the
// stored version is stale: it is re-fetched and the batch stays
// pending for the next pass.
func (m *backupManager) MaybeSend(ctx context.Context) error {
	e := m.engine
	e.mu.Lock()
	version, err := e.store.GetBackupVersion()
	if err != nil {
		e.mu.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("crypto: loading backup version: %w", err)
	}
	pending, err := e.store.SessionsNotBackedUp(e.tunables.BackupBatchSize)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("crypto: listing sessions for backup: %w", err)
	}
	if len(pending) == 0 {
		e.mu.Unlock()
		return nil
	}

	rooms := make(messaging.RoomKeysBackup)
	uploaded := make([]store.InboundGroupSessionKey, 0, len(pending))
	for _, record := range pending {
		data, err := m.sealSessionLocked(version.RecipientKey, record)
		if err != nil {
			e.log.Warn("session excluded from backup",
				"session_id", record.SessionID,
				"error", err,
			)
			continue
		}
		if rooms[record.RoomID].Sessions == nil {
			rooms[record.RoomID] = messaging.RoomKeyBackup{
				Sessions: make(map[ref.SessionID]messaging.KeyBackupData),
			}
		}
		rooms[record.RoomID].Sessions[record.SessionID] = data
		uploaded = append(uploaded, store.InboundGroupSessionKey{
			RoomID:    record.RoomID,
			SenderKey: record.SenderKey,
			SessionID: record.SessionID,
		})
	}
	e.mu.Unlock()
	if len(uploaded) == 0 {
		return nil
	}

	if _, err := e.transport.PutRoomKeys(ctx, version.Version, rooms); err != nil {
		if messaging.IsMatrixError(err, messaging.ErrCodeWrongRoomKeysVersion) {
			if enableErr := m.EnableBackup(ctx); enableErr != nil {
				e.log.Warn("backup version refresh failed", "error", enableErr)
			}
			return fmt.Errorf("crypto: backup version changed: %w", err)
		}
		return fmt.Errorf("crypto: uploading backup: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.MarkSessionsBackedUp(uploaded); err != nil {
		return fmt.Errorf("crypto: marking sessions backed up: %w", err)
	}
	return nil
}

// sealSessionLocked builds one session's backup entry: the exported
// session key and sender metadata, sealed to the backup's public key.
// Called with mu held.
func (m *backupManager) sealSessionLocked(recipientKey string, record store.InboundGroupSessionRecord) (messaging.KeyBackupData, error) {
	session, err := olm.UnpickleInboundGroupSession(record.Pickle)
	if err != nil {
		return messaging.KeyBackupData{}, fmt.Errorf("crypto: loading inbound session: %w", err)
	}
	sessionKey, err := session.Export(session.FirstKnownIndex())
	if err != nil {
		return messaging.KeyBackupData{}, fmt.Errorf("crypto: exporting session: %w", err)
	}
	payload := backupSessionData{
		Algorithm:       AlgorithmMegolm,
		RoomID:          record.RoomID,
		SessionID:       record.SessionID,
		SessionKey:      sessionKey,
		SenderKey:       record.SenderKey,
		SenderClaimed:   record.ClaimedEd25519,
		ForwardingChain: record.ForwardingChain,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return messaging.KeyBackupData{}, fmt.Errorf("crypto: encoding backup session: %w", err)
	}
	ciphertext, err := sealed.Encrypt(plaintext, []string{recipientKey})
	if err != nil {
		return messaging.KeyBackupData{}, fmt.Errorf("crypto: sealing backup session: %w", err)
	}
	sessionData, err := json.Marshal(ciphertext)
	if err != nil {
		return messaging.KeyBackupData{}, fmt.Errorf("crypto: encoding backup entry: %w", err)
	}
	return messaging.KeyBackupData{
		FirstMessageIndex: session.FirstKnownIndex(),
		ForwardedCount:    len(record.ForwardingChain),
		SessionData:       sessionData,
	}, nil
}

// RestoreBackup downloads and imports every session in the backup.
// Only a trusted version is restored; an untrusted backup must never
// silently replace local key material. Import goes through the
// explicit import path, which still refuses to regress a local
// session that already decrypts from an equal-or-earlier index.
func (m *backupManager) RestoreBackup(ctx context.Context, recoveryKey *secret.Buffer) (int, error) {
	e := m.engine
	e.mu.Lock()
	version, err := e.store.GetBackupVersion()
	e.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("crypto: loading backup version: %w", err)
	}
	if !version.Trusted {
		return 0, ErrBackupUntrusted
	}

	rooms, err := e.transport.GetRoomKeys(ctx, version.Version)
	if err != nil {
		return 0, fmt.Errorf("crypto: downloading backup: %w", err)
	}

	restored := 0
	for roomID, room := range rooms {
		for sessionID, data := range room.Sessions {
			payload, err := m.openSessionData(data, recoveryKey)
			if err != nil {
				e.log.Warn("backup entry skipped",
					"room_id", roomID,
					"session_id", sessionID,
					"error", err,
				)
				continue
			}
			if payload.RoomID != roomID || payload.SessionID != sessionID {
				e.log.Warn("backup entry binding mismatch",
					"room_id", roomID,
					"session_id", sessionID,
				)
				continue
			}
			e.mu.Lock()
			err = e.addInboundGroupSessionLocked(inboundSessionSource{
				roomID:          payload.RoomID,
				senderKey:       payload.SenderKey,
				sessionID:       payload.SessionID,
				sessionKey:      payload.SessionKey,
				forwardingChain: payload.ForwardingChain,
				claimedEd25519:  payload.SenderClaimed,
			}, true)
			e.mu.Unlock()
			if err != nil {
				e.log.Warn("backup entry not imported",
					"session_id", sessionID,
					"error", err,
				)
				continue
			}
			restored++
		}
	}
	return restored, nil
}

func (m *backupManager) openSessionData(data messaging.KeyBackupData, recoveryKey *secret.Buffer) (backupSessionData, error) {
	var ciphertext string
	if err := json.Unmarshal(data.SessionData, &ciphertext); err != nil {
		return backupSessionData{}, fmt.Errorf("crypto: parsing backup entry: %w", err)
	}
	plaintext, err := sealed.Decrypt(ciphertext, recoveryKey)
	if err != nil {
		return backupSessionData{}, fmt.Errorf("crypto: unsealing backup entry: %w", err)
	}
	defer plaintext.Close()
	var payload backupSessionData
	if err := json.Unmarshal(plaintext.Bytes(), &payload); err != nil {
		return backupSessionData{}, fmt.Errorf("crypto: parsing backup session: %w", err)
	}
	return payload, nil
}

// Engine-level wrappers.

// CreateKeyBackup creates a new backup version and returns the
// recovery keypair and version string.
func (e *Engine) CreateKeyBackup(ctx context.Context) (*sealed.Keypair, string, error) {
	return e.backup.CreateBackup(ctx)
}

// EnableKeyBackup adopts the server's current backup version.
func (e *Engine) EnableKeyBackup(ctx context.Context) error {
	return e.backup.EnableBackup(ctx)
}

// RestoreKeyBackup imports the backup's sessions using the recovery
// key. Returns the number of sessions restored.
func (e *Engine) RestoreKeyBackup(ctx context.Context, recoveryKey *secret.Buffer) (int, error) {
	return e.backup.RestoreBackup(ctx, recoveryKey)
}
