// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/niochat/nio/lib/clock"
	"github.com/niochat/nio/lib/codec"
	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/crypto/olm"
	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/messaging"
)

// Config holds the collaborators and knobs for an Engine.
type Config struct {
	// Store is the persistent crypto store. Required. The engine does
	// not close it.
	Store store.Store

	// Transport is the homeserver session. Required.
	Transport Transport

	// Tunables are the protocol knobs; zero values get defaults.
	Tunables Tunables

	// Logger receives operational messages. Defaults to a no-op
	// logger.
	Logger *slog.Logger

	// Clock drives session selection timestamps, rotation, and
	// verification expiry. Defaults to the real clock.
	Clock clock.Clock
}

// Engine is the crypto facade. It owns the olm account, all managers,
// and all mutable crypto state for one logged-in device.
//
// All state is confined to a single serialized crypto context: mu is
// held for every state mutation, and network calls release it so a
// slow server never blocks local crypto work. Completion paths
// re-acquire mu before touching state, so a cancellation racing an
// in-flight completion resolves to one winner and one no-op.
type Engine struct {
	mu sync.Mutex

	log      *slog.Logger
	clock    clock.Clock
	tunables Tunables

	store     store.Store
	transport Transport
	userID    ref.UserID
	deviceID  ref.DeviceID

	account  *olm.Account
	notifier notifier

	tracker      *deviceTracker
	keyShare     *keyShareManager
	backup       *backupManager
	verification *verificationManager

	roomSettings       map[ref.RoomID]EncryptionSettings
	lastDummy          map[ref.Curve25519]time.Time
	deviceKeysUploaded bool
}

// NewEngine opens the engine: the account is loaded from the store
// (or created and persisted on first run) before any other operation
// can proceed.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("crypto: Store is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("crypto: Transport is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	engineClock := cfg.Clock
	if engineClock == nil {
		engineClock = clock.Real()
	}
	tunables := cfg.Tunables
	tunables.normalize()

	e := &Engine{
		log:          logger,
		clock:        engineClock,
		tunables:     tunables,
		store:        cfg.Store,
		transport:    cfg.Transport,
		userID:       cfg.Transport.UserID(),
		deviceID:     cfg.Transport.DeviceID(),
		roomSettings: make(map[ref.RoomID]EncryptionSettings),
		lastDummy:    make(map[ref.Curve25519]time.Time),
	}

	pickle, err := cfg.Store.GetAccount()
	switch {
	case err == nil:
		account, err := olm.UnpickleAccount(pickle)
		if err != nil {
			return nil, fmt.Errorf("crypto: loading account: %w", err)
		}
		e.account = account
		e.deviceKeysUploaded = true
	case errors.Is(err, store.ErrNotFound):
		account, err := olm.NewAccount()
		if err != nil {
			return nil, fmt.Errorf("crypto: creating account: %w", err)
		}
		e.account = account
		if err := e.saveAccount(); err != nil {
			return nil, err
		}
		logger.Info("created device identity",
			"user_id", e.userID,
			"device_id", e.deviceID,
			"identity_key", account.IdentityKey(),
		)
	default:
		return nil, fmt.Errorf("crypto: loading account: %w", err)
	}

	e.tracker = newDeviceTracker(e)
	e.keyShare = newKeyShareManager(e)
	e.backup = newBackupManager(e)
	e.verification = newVerificationManager(e)
	return e, nil
}

// AddListener registers a listener set. Not safe to call concurrently
// with event processing; register before the sync loop starts.
func (e *Engine) AddListener(l Listeners) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier.add(l)
}

// IdentityKey returns the device's curve25519 identity key.
func (e *Engine) IdentityKey() ref.Curve25519 {
	return e.account.IdentityKey()
}

// SigningKey returns the device's ed25519 signing key.
func (e *Engine) SigningKey() ref.Ed25519 {
	return e.account.SigningKey()
}

// saveAccount persists the account pickle. Called with mu held (or
// during construction). Storage failure is fatal to the calling
// operation: key material must never be silently lost.
func (e *Engine) saveAccount() error {
	pickle, err := e.account.Pickle()
	if err != nil {
		return fmt.Errorf("crypto: pickling account: %w", err)
	}
	if err := e.store.PutAccount(pickle); err != nil {
		return fmt.Errorf("crypto: persisting account: %w", err)
	}
	return nil
}

// signPayload signs the deterministic CBOR encoding of v with the
// device's ed25519 key. Both ends of every signed exchange are this
// implementation, so the transcript encoding only has to be
// deterministic, not canonical JSON.
func (e *Engine) signPayload(v any) (string, error) {
	transcript, err := codec.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("crypto: encoding signing transcript: %w", err)
	}
	return e.account.Sign(transcript), nil
}

// verifyPayload checks a detached payload signature produced by
// signPayload.
func verifyPayload(key ref.Ed25519, v any, signature string) error {
	transcript, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("crypto: encoding signing transcript: %w", err)
	}
	return olm.VerifySignature(key, transcript, signature)
}

// ProcessSyncResponse feeds one sync response through the engine:
// device-list deltas, to-device events, one-time key maintenance,
// then the outbound flushes (device downloads, key requests, backup).
// Per-event failures are logged and skipped; only storage failures
// abort.
func (e *Engine) ProcessSyncResponse(ctx context.Context, response *messaging.SyncResponse) error {
	e.mu.Lock()
	for _, userID := range response.DeviceLists.Changed {
		if err := e.tracker.invalidateLocked(userID); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	for _, userID := range response.DeviceLists.Left {
		if err := e.tracker.stopTrackingLocked(userID); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	for _, event := range response.ToDevice.Events {
		if err := e.handleToDevice(ctx, event); err != nil {
			e.log.Warn("to-device event dropped",
				"type", event.Type,
				"sender", event.Sender,
				"error", err,
			)
		}
	}

	if err := e.maintainKeys(ctx, response); err != nil {
		return err
	}
	if err := e.tracker.RefreshOutdated(ctx); err != nil {
		e.log.Warn("device list refresh failed", "error", err)
	}
	if err := e.keyShare.Flush(ctx); err != nil {
		e.log.Warn("key request flush failed", "error", err)
	}
	if err := e.backup.MaybeSend(ctx); err != nil {
		e.log.Warn("key backup upload failed", "error", err)
	}

	if response.NextBatch != "" {
		if err := e.store.PutSyncToken(response.NextBatch); err != nil {
			return fmt.Errorf("crypto: persisting sync token: %w", err)
		}
	}
	return nil
}

// handleToDevice routes one to-device event. Encrypted envelopes are
// opened first; the inner event routes like a cleartext one, with the
// verified sender bindings attached.
func (e *Engine) handleToDevice(ctx context.Context, event messaging.ToDeviceEvent) error {
	switch event.Type {
	case EventEncrypted:
		decrypted, err := e.decryptToDevice(ctx, event)
		if err != nil {
			return err
		}
		return e.routeDecrypted(ctx, decrypted)

	case EventRoomKeyRequest:
		return e.keyShare.HandleRequest(event)

	case EventVerificationRequest, EventVerificationReady, EventVerificationStart,
		EventVerificationAccept, EventVerificationKey, EventVerificationMAC,
		EventVerificationDone, EventVerificationCancel:
		return e.verification.HandleEvent(ctx, event.Type, event.Sender, event.Content)

	default:
		// Unknown cleartext to-device traffic is not ours to judge.
		return nil
	}
}

// routeDecrypted dispatches the inner event of an opened olm
// envelope.
func (e *Engine) routeDecrypted(ctx context.Context, decrypted *DecryptedToDevice) error {
	switch decrypted.Type {
	case EventRoomKey:
		var content RoomKeyContent
		if err := json.Unmarshal(decrypted.Content, &content); err != nil {
			return fmt.Errorf("crypto: parsing room key: %w", err)
		}
		if content.Algorithm != AlgorithmMegolm {
			return fmt.Errorf("crypto: unsupported room key algorithm %q", content.Algorithm)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.addInboundGroupSessionLocked(inboundSessionSource{
			roomID:         content.RoomID,
			senderKey:      decrypted.SenderKey,
			sessionID:      content.SessionID,
			sessionKey:     content.SessionKey,
			claimedEd25519: decrypted.SenderEd25519,
		}, false)

	case EventForwardedRoomKey:
		return e.keyShare.HandleForwardedKey(decrypted)

	case EventDummy:
		// Session-establishment ping from a device that considered
		// its sessions wedged. Decrypting it already did the work.
		return nil

	case EventVerificationRequest, EventVerificationReady, EventVerificationStart,
		EventVerificationAccept, EventVerificationKey, EventVerificationMAC,
		EventVerificationDone, EventVerificationCancel:
		return e.verification.HandleEvent(ctx, decrypted.Type, decrypted.Sender, decrypted.Content)

	default:
		return nil
	}
}

// maintainKeys keeps the published key material topped up: uploads
// device keys once, replenishes one-time keys when the server count
// drops, and rotates in a fallback key when the server reports none
// unused.
func (e *Engine) maintainKeys(ctx context.Context, response *messaging.SyncResponse) error {
	e.mu.Lock()

	request := messaging.UploadKeysRequest{}
	if !e.deviceKeysUploaded {
		deviceKeys, err := e.buildDeviceKeys()
		if err != nil {
			e.mu.Unlock()
			return err
		}
		request.DeviceKeys = deviceKeys
	}

	target := e.tunables.OneTimeKeyTarget
	if target <= 0 {
		target = e.account.MaxOneTimeKeys() / 2
	}
	held, reported := 0, false
	if response.DeviceOneTimeKeysCount != nil {
		held, reported = response.DeviceOneTimeKeysCount["signed_curve25519"], true
	}
	if reported && held < target {
		if _, err := e.account.GenerateOneTimeKeys(target - held); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("crypto: generating one-time keys: %w", err)
		}
	}

	needFallback := response.DeviceUnusedFallbackKeyTypes != nil
	for _, keyType := range response.DeviceUnusedFallbackKeyTypes {
		if keyType == "signed_curve25519" {
			needFallback = false
		}
	}
	if needFallback {
		if _, err := e.account.GenerateFallbackKey(); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("crypto: generating fallback key: %w", err)
		}
	}

	oneTimeKeys, err := e.signedOneTimeKeysLocked()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	request.OneTimeKeys = oneTimeKeys
	e.mu.Unlock()

	if request.DeviceKeys == nil && len(request.OneTimeKeys) == 0 {
		return nil
	}

	if _, err := e.transport.UploadKeys(ctx, request); err != nil {
		return fmt.Errorf("crypto: uploading keys: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.account.MarkKeysPublished()
	if request.DeviceKeys != nil {
		e.deviceKeysUploaded = true
	}
	return e.saveAccount()
}

// buildDeviceKeys assembles and signs this device's published key
// record. Called with mu held.
func (e *Engine) buildDeviceKeys() (*messaging.DeviceKeys, error) {
	deviceKeys := &messaging.DeviceKeys{
		UserID:     e.userID,
		DeviceID:   e.deviceID,
		Algorithms: []string{AlgorithmOlm, AlgorithmMegolm},
		Keys: map[string]string{
			"curve25519:" + e.deviceID.String(): e.account.IdentityKey().String(),
			"ed25519:" + e.deviceID.String():    e.account.SigningKey().String(),
		},
	}
	signature, err := e.signPayload(deviceKeysTranscript(deviceKeys))
	if err != nil {
		return nil, err
	}
	deviceKeys.Signatures = map[ref.UserID]map[string]string{
		e.userID: {"ed25519:" + e.deviceID.String(): signature},
	}
	return deviceKeys, nil
}

// deviceKeysTranscript is the signed portion of a device keys record:
// everything except signatures and unsigned metadata.
func deviceKeysTranscript(deviceKeys *messaging.DeviceKeys) any {
	return struct {
		UserID     ref.UserID        `cbor:"user_id"`
		DeviceID   ref.DeviceID      `cbor:"device_id"`
		Algorithms []string          `cbor:"algorithms"`
		Keys       map[string]string `cbor:"keys"`
	}{deviceKeys.UserID, deviceKeys.DeviceID, deviceKeys.Algorithms, deviceKeys.Keys}
}

// verifyDeviceKeys checks a device keys record's self-signature.
func verifyDeviceKeys(deviceKeys *messaging.DeviceKeys) error {
	signingKey, ok := deviceKeys.Keys["ed25519:"+deviceKeys.DeviceID.String()]
	if !ok {
		return fmt.Errorf("crypto: device %s/%s has no ed25519 key", deviceKeys.UserID, deviceKeys.DeviceID)
	}
	signature, ok := deviceKeys.Signatures[deviceKeys.UserID]["ed25519:"+deviceKeys.DeviceID.String()]
	if !ok {
		return fmt.Errorf("crypto: device %s/%s is not self-signed", deviceKeys.UserID, deviceKeys.DeviceID)
	}
	return verifyPayload(ref.Ed25519(signingKey), deviceKeysTranscript(deviceKeys), signature)
}

// signedOneTimeKeysLocked signs every unpublished one-time and
// fallback key for upload. Called with mu held.
func (e *Engine) signedOneTimeKeysLocked() (map[string]messaging.SignedOneTimeKey, error) {
	signed := make(map[string]messaging.SignedOneTimeKey)
	for keyID, key := range e.account.UnpublishedOneTimeKeys() {
		entry, err := e.signOneTimeKey(key, false)
		if err != nil {
			return nil, err
		}
		signed["signed_curve25519:"+keyID] = entry
	}
	if keyID, key, ok := e.account.UnpublishedFallbackKey(); ok {
		entry, err := e.signOneTimeKey(key, true)
		if err != nil {
			return nil, err
		}
		signed["signed_curve25519:"+keyID] = entry
	}
	return signed, nil
}

func (e *Engine) signOneTimeKey(key ref.Curve25519, fallback bool) (messaging.SignedOneTimeKey, error) {
	transcript := struct {
		Key      ref.Curve25519 `cbor:"key"`
		Fallback bool           `cbor:"fallback,omitempty"`
	}{key, fallback}
	signature, err := e.signPayload(transcript)
	if err != nil {
		return messaging.SignedOneTimeKey{}, err
	}
	return messaging.SignedOneTimeKey{
		Key:      key.String(),
		Fallback: fallback,
		Signatures: map[ref.UserID]map[string]string{
			e.userID: {"ed25519:" + e.deviceID.String(): signature},
		},
	}, nil
}
