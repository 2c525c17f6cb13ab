// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/messaging"
)

// storeCrossSigningKeysLocked records a user's cross-signing keys
// from a key query response. A master key change invalidates the old
// chain: the stored key is replaced and any trust derived from it
// evaporates on the next derivation. Called with mu held.
func (t *deviceTracker) storeCrossSigningKeysLocked(userID ref.UserID, response *messaging.QueryKeysResponse) error {
	e := t.engine
	slots := []struct {
		usage string
		keys  map[ref.UserID]messaging.CrossSigningKey
	}{
		{store.UsageMaster, response.MasterKeys},
		{store.UsageSelfSigning, response.SelfSigningKeys},
		{store.UsageUserSigning, response.UserSigningKeys},
	}
	for _, slot := range slots {
		key, ok := slot.keys[userID]
		if !ok {
			continue
		}
		publicKey, ok := crossSigningPublicKey(key)
		if !ok {
			continue
		}
		record := store.CrossSigningKeyRecord{
			UserID:     userID,
			Usage:      slot.usage,
			PublicKey:  publicKey,
			Signatures: key.Signatures,
		}
		if err := e.store.PutCrossSigningKey(record); err != nil {
			return fmt.Errorf("crypto: storing cross-signing key: %w", err)
		}
	}
	return nil
}

// crossSigningPublicKey extracts the ed25519 key from a cross-signing
// key record. The keys map holds exactly one entry, keyed
// "ed25519:<base64 key>".
func crossSigningPublicKey(key messaging.CrossSigningKey) (ref.Ed25519, bool) {
	for keyID, value := range key.Keys {
		if strings.HasPrefix(keyID, "ed25519:") {
			return ref.Ed25519(value), true
		}
	}
	return "", false
}

// deviceCrossSignedLocked walks the signature chain for a device:
// the user's self-signing key must be signed by their master key,
// and the device keys must be signed by the self-signing key. The
// master key itself counts only if we have marked it trusted (via
// interactive verification of one of the user's devices). Called
// with mu held.
func (t *deviceTracker) deviceCrossSignedLocked(deviceKeys *messaging.DeviceKeys) bool {
	e := t.engine
	master, err := e.store.GetCrossSigningKey(deviceKeys.UserID, store.UsageMaster)
	if err != nil {
		return false
	}
	if !t.masterKeyTrustedLocked(master) {
		return false
	}
	selfSigning, err := e.store.GetCrossSigningKey(deviceKeys.UserID, store.UsageSelfSigning)
	if err != nil {
		return false
	}

	// self_signing must chain to master.
	selfSigningTranscript := crossSigningTranscript(deviceKeys.UserID, store.UsageSelfSigning, selfSigning.PublicKey)
	masterSignature := selfSigning.Signatures[deviceKeys.UserID]["ed25519:"+master.PublicKey.String()]
	if masterSignature == "" {
		return false
	}
	if verifyPayload(master.PublicKey, selfSigningTranscript, masterSignature) != nil {
		return false
	}

	// The device must chain to self_signing.
	deviceSignature := deviceKeys.Signatures[deviceKeys.UserID]["ed25519:"+selfSigning.PublicKey.String()]
	if deviceSignature == "" {
		return false
	}
	return verifyPayload(selfSigning.PublicKey, deviceKeysTranscript(deviceKeys), deviceSignature) == nil
}

// masterKeyTrustedLocked reports whether a master key anchors trust:
// our own master key is trusted implicitly; another user's counts
// once this device has signed it (which SignUserMasterKey does after
// a successful interactive verification). Called with mu held.
func (t *deviceTracker) masterKeyTrustedLocked(master store.CrossSigningKeyRecord) bool {
	e := t.engine
	if master.UserID == e.userID {
		return true
	}
	signature := master.Signatures[e.userID]["ed25519:"+e.deviceID.String()]
	if signature == "" {
		return false
	}
	transcript := crossSigningTranscript(master.UserID, store.UsageMaster, master.PublicKey)
	return verifyPayload(e.account.SigningKey(), transcript, signature) == nil
}

// crossSigningTranscript is the signed portion of a cross-signing key
// record.
func crossSigningTranscript(userID ref.UserID, usage string, publicKey ref.Ed25519) any {
	return struct {
		UserID ref.UserID        `cbor:"user_id"`
		Usage  []string          `cbor:"usage"`
		Keys   map[string]string `cbor:"keys"`
	}{userID, []string{usage}, map[string]string{"ed25519:" + publicKey.String(): publicKey.String()}}
}

// SignUserMasterKey marks another user's master key as trusted by
// signing it with our user-signing key and re-deriving that user's
// device trust. Called after interactive verification succeeds.
func (e *Engine) SignUserMasterKey(userID ref.UserID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signUserMasterKeyLocked(userID)
}

func (e *Engine) signUserMasterKeyLocked(userID ref.UserID) error {
	master, err := e.store.GetCrossSigningKey(userID, store.UsageMaster)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("crypto: %s has no master key: %w", userID, err)
		}
		return fmt.Errorf("crypto: reading master key: %w", err)
	}
	// The trust mark is this device's own signature over the master
	// key record. The derivation in deviceCrossSignedLocked only
	// consumes it locally, so no separate user-signing private key is
	// needed on this device.
	transcript := crossSigningTranscript(userID, store.UsageMaster, master.PublicKey)
	signature, err := e.signPayload(transcript)
	if err != nil {
		return err
	}
	if master.Signatures == nil {
		master.Signatures = make(map[ref.UserID]map[string]string)
	}
	if master.Signatures[e.userID] == nil {
		master.Signatures[e.userID] = make(map[string]string)
	}
	master.Signatures[e.userID]["ed25519:"+e.deviceID.String()] = signature
	if err := e.store.PutCrossSigningKey(master); err != nil {
		return fmt.Errorf("crypto: storing master key signature: %w", err)
	}
	return nil
}
