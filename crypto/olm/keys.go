// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/niochat/nio/lib/ref"
)

// keyEncoding is the unpadded standard base64 used for all key
// material on the wire.
var keyEncoding = base64.RawStdEncoding

// curveKeyPair is an X25519 key pair held as raw 32-byte values.
type curveKeyPair struct {
	private [32]byte
	public  [32]byte
}

// generateCurveKeyPair creates a fresh clamped X25519 key pair.
func generateCurveKeyPair() (curveKeyPair, error) {
	var pair curveKeyPair
	if _, err := rand.Read(pair.private[:]); err != nil {
		return curveKeyPair{}, fmt.Errorf("olm: generating curve25519 key: %w", err)
	}
	clampCurveKey(&pair.private)

	public, err := curve25519.X25519(pair.private[:], curve25519.Basepoint)
	if err != nil {
		return curveKeyPair{}, fmt.Errorf("olm: deriving curve25519 public key: %w", err)
	}
	copy(pair.public[:], public)
	return pair, nil
}

// derivePublic computes the X25519 public key for a private key.
func derivePublic(private [32]byte) ([32]byte, error) {
	var out [32]byte
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return out, fmt.Errorf("olm: deriving curve25519 public key: %w", err)
	}
	copy(out[:], public)
	return out, nil
}

func clampCurveKey(private *[32]byte) {
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64
}

// sharedSecret computes the X25519 shared secret between our private
// key and a peer public key.
func sharedSecret(private [32]byte, public [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return out, fmt.Errorf("olm: x25519: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}

// PublicKey returns the wire form of the pair's public key.
func (p curveKeyPair) PublicKey() ref.Curve25519 {
	return ref.Curve25519(keyEncoding.EncodeToString(p.public[:]))
}

// decodeCurveKey parses a wire-format curve25519 public key into its
// raw 32-byte form.
func decodeCurveKey(key ref.Curve25519) ([32]byte, error) {
	var out [32]byte
	raw, err := keyEncoding.DecodeString(key.String())
	if err != nil {
		return out, fmt.Errorf("olm: invalid curve25519 key %q: %w", key, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("olm: curve25519 key has %d bytes, want 32", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// VerifySignature checks an unpadded-base64 ed25519 signature over
// message against the given signing key.
func VerifySignature(key ref.Ed25519, message []byte, signature string) error {
	rawKey, err := keyEncoding.DecodeString(key.String())
	if err != nil {
		return fmt.Errorf("olm: invalid ed25519 key %q: %w", key, err)
	}
	if len(rawKey) != ed25519.PublicKeySize {
		return fmt.Errorf("olm: ed25519 key has %d bytes, want %d", len(rawKey), ed25519.PublicKeySize)
	}
	rawSignature, err := keyEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("olm: invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(rawKey), message, rawSignature) {
		return ErrBadSignature
	}
	return nil
}
