// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/niochat/nio/lib/codec"
	"github.com/niochat/nio/lib/ref"
)

// maxOneTimeKeys caps the number of unclaimed one-time keys an
// account holds at once, published or not.
const maxOneTimeKeys = 100

// Account holds a device's long-term cryptographic identity: a
// curve25519 key for ratchet handshakes, an ed25519 key for
// signatures, and the pool of one-time keys offered for inbound
// session establishment.
//
// Account is not safe for concurrent use.
type Account struct {
	identity curveKeyPair
	signing  ed25519.PrivateKey

	// oneTimeKeys is keyed by key ID. A key leaves the map the
	// moment a pre-key message consumes it — one handshake per key.
	oneTimeKeys map[string]oneTimeKey
	fallbackKey *oneTimeKey
	nextKeyID   uint64
}

type oneTimeKey struct {
	id        string
	pair      curveKeyPair
	published bool
}

// NewAccount generates a fresh account with new identity and signing
// keys and no one-time keys.
func NewAccount() (*Account, error) {
	identity, err := generateCurveKeyPair()
	if err != nil {
		return nil, err
	}
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: generating ed25519 key: %w", err)
	}
	return &Account{
		identity:    identity,
		signing:     signing,
		oneTimeKeys: make(map[string]oneTimeKey),
	}, nil
}

// IdentityKey returns the account's public curve25519 identity key.
func (a *Account) IdentityKey() ref.Curve25519 {
	return a.identity.PublicKey()
}

// SigningKey returns the account's public ed25519 signing key.
func (a *Account) SigningKey() ref.Ed25519 {
	public := a.signing.Public().(ed25519.PublicKey)
	return ref.Ed25519(keyEncoding.EncodeToString(public))
}

// Sign signs message with the account's ed25519 key, returning the
// unpadded-base64 signature.
func (a *Account) Sign(message []byte) string {
	return keyEncoding.EncodeToString(ed25519.Sign(a.signing, message))
}

// MaxOneTimeKeys returns the account's one-time key pool capacity.
func (a *Account) MaxOneTimeKeys() int {
	return maxOneTimeKeys
}

// GenerateOneTimeKeys adds up to count new one-time keys, stopping at
// the pool capacity. Returns the number actually generated.
func (a *Account) GenerateOneTimeKeys(count int) (int, error) {
	generated := 0
	for generated < count && len(a.oneTimeKeys) < maxOneTimeKeys {
		pair, err := generateCurveKeyPair()
		if err != nil {
			return generated, err
		}
		id := a.newKeyID()
		a.oneTimeKeys[id] = oneTimeKey{id: id, pair: pair}
		generated++
	}
	return generated, nil
}

// UnpublishedOneTimeKeys returns the public halves of one-time keys
// not yet marked published, keyed by key ID. These are what a fresh
// /keys/upload batch carries.
func (a *Account) UnpublishedOneTimeKeys() map[string]ref.Curve25519 {
	keys := make(map[string]ref.Curve25519)
	for id, key := range a.oneTimeKeys {
		if !key.published {
			keys[id] = key.pair.PublicKey()
		}
	}
	return keys
}

// MarkKeysPublished records that all current one-time keys (and the
// fallback key) have been uploaded. Call after a successful upload —
// a key must never be uploaded twice.
func (a *Account) MarkKeysPublished() {
	for id, key := range a.oneTimeKeys {
		key.published = true
		a.oneTimeKeys[id] = key
	}
	if a.fallbackKey != nil {
		a.fallbackKey.published = true
	}
}

// GenerateFallbackKey replaces the account's fallback key with a
// fresh one. Unlike one-time keys the fallback key survives being
// claimed, so sessions can still be established when the one-time
// key pool runs dry.
func (a *Account) GenerateFallbackKey() (ref.Curve25519, error) {
	pair, err := generateCurveKeyPair()
	if err != nil {
		return "", err
	}
	a.fallbackKey = &oneTimeKey{id: a.newKeyID(), pair: pair}
	return pair.PublicKey(), nil
}

// UnpublishedFallbackKey returns the fallback key if it has not been
// uploaded yet. The second return is false when there is nothing to
// upload.
func (a *Account) UnpublishedFallbackKey() (string, ref.Curve25519, bool) {
	if a.fallbackKey == nil || a.fallbackKey.published {
		return "", "", false
	}
	return a.fallbackKey.id, a.fallbackKey.pair.PublicKey(), true
}

// takeOneTimeKey finds the key pair for a public key referenced by an
// inbound pre-key message, removing it from the pool. The fallback
// key matches without being removed.
func (a *Account) takeOneTimeKey(public [32]byte) (curveKeyPair, bool) {
	for id, key := range a.oneTimeKeys {
		if key.pair.public == public {
			delete(a.oneTimeKeys, id)
			return key.pair, true
		}
	}
	if a.fallbackKey != nil && a.fallbackKey.pair.public == public {
		return a.fallbackKey.pair, true
	}
	return curveKeyPair{}, false
}

func (a *Account) newKeyID() string {
	a.nextKeyID++
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], a.nextKeyID)
	return keyEncoding.EncodeToString(raw[:])
}

// accountPickle is the CBOR snapshot of an Account.
type accountPickle struct {
	IdentityPrivate []byte             `cbor:"identity_private"`
	SigningSeed     []byte             `cbor:"signing_seed"`
	OneTimeKeys     []oneTimeKeyPickle `cbor:"one_time_keys"`
	FallbackKey     *oneTimeKeyPickle  `cbor:"fallback_key,omitempty"`
	NextKeyID       uint64             `cbor:"next_key_id"`
}

type oneTimeKeyPickle struct {
	ID        string `cbor:"id"`
	Private   []byte `cbor:"private"`
	Published bool   `cbor:"published"`
}

// Pickle serializes the account, private keys included.
func (a *Account) Pickle() ([]byte, error) {
	pickle := accountPickle{
		IdentityPrivate: a.identity.private[:],
		SigningSeed:     a.signing.Seed(),
		NextKeyID:       a.nextKeyID,
	}
	for _, key := range a.oneTimeKeys {
		pickle.OneTimeKeys = append(pickle.OneTimeKeys, oneTimeKeyPickle{
			ID:        key.id,
			Private:   key.pair.private[:],
			Published: key.published,
		})
	}
	if a.fallbackKey != nil {
		pickle.FallbackKey = &oneTimeKeyPickle{
			ID:        a.fallbackKey.id,
			Private:   a.fallbackKey.pair.private[:],
			Published: a.fallbackKey.published,
		}
	}
	return codec.Marshal(pickle)
}

// UnpickleAccount restores an Account from its Pickle output.
func UnpickleAccount(data []byte) (*Account, error) {
	var pickle accountPickle
	if err := codec.Unmarshal(data, &pickle); err != nil {
		return nil, fmt.Errorf("olm: parsing account pickle: %w", err)
	}

	identity, err := rebuildCurvePair(pickle.IdentityPrivate)
	if err != nil {
		return nil, fmt.Errorf("olm: account pickle identity key: %w", err)
	}
	if len(pickle.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("olm: account pickle signing seed has %d bytes, want %d",
			len(pickle.SigningSeed), ed25519.SeedSize)
	}

	account := &Account{
		identity:    identity,
		signing:     ed25519.NewKeyFromSeed(pickle.SigningSeed),
		oneTimeKeys: make(map[string]oneTimeKey, len(pickle.OneTimeKeys)),
		nextKeyID:   pickle.NextKeyID,
	}
	for _, keyPickle := range pickle.OneTimeKeys {
		pair, err := rebuildCurvePair(keyPickle.Private)
		if err != nil {
			return nil, fmt.Errorf("olm: account pickle one-time key %s: %w", keyPickle.ID, err)
		}
		account.oneTimeKeys[keyPickle.ID] = oneTimeKey{
			id:        keyPickle.ID,
			pair:      pair,
			published: keyPickle.Published,
		}
	}
	if pickle.FallbackKey != nil {
		pair, err := rebuildCurvePair(pickle.FallbackKey.Private)
		if err != nil {
			return nil, fmt.Errorf("olm: account pickle fallback key: %w", err)
		}
		account.fallbackKey = &oneTimeKey{
			id:        pickle.FallbackKey.ID,
			pair:      pair,
			published: pickle.FallbackKey.Published,
		}
	}
	return account, nil
}

// rebuildCurvePair reconstructs a key pair from its pickled private
// half.
func rebuildCurvePair(private []byte) (curveKeyPair, error) {
	if len(private) != 32 {
		return curveKeyPair{}, fmt.Errorf("private key has %d bytes, want 32", len(private))
	}
	var pair curveKeyPair
	copy(pair.private[:], private)
	public, err := derivePublic(pair.private)
	if err != nil {
		return curveKeyPair{}, err
	}
	pair.public = public
	return pair, nil
}
