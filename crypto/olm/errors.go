// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import "errors"

var (
	// ErrBadSignature reports a signature that does not verify
	// against its claimed key.
	ErrBadSignature = errors.New("olm: bad signature")

	// ErrBadMessageFormat reports a message that cannot be parsed.
	ErrBadMessageFormat = errors.New("olm: bad message format")

	// ErrBadMessageType reports a message whose type field is not
	// one a session can process.
	ErrBadMessageType = errors.New("olm: bad message type")

	// ErrNoOneTimeKey reports a pre-key message referencing a
	// one-time key this account no longer holds. The key was either
	// already consumed or never ours.
	ErrNoOneTimeKey = errors.New("olm: no matching one-time key")

	// ErrWrongSession reports a pre-key message whose handshake keys
	// do not match the session it was offered to.
	ErrWrongSession = errors.New("olm: message does not match session")

	// ErrDecryptFailed reports an AEAD open failure: the ciphertext
	// was tampered with or the ratchet states have diverged.
	ErrDecryptFailed = errors.New("olm: decryption failed")

	// ErrUnknownMessageIndex reports a group message with a ratchet
	// index earlier than the session's first known index. The key
	// material to decrypt it was never shared with us.
	ErrUnknownMessageIndex = errors.New("olm: unknown message index")
)
