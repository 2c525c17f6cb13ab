// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// maxSkippedMessageKeys bounds the stash of message keys derived for
// out-of-order delivery. Past the cap the oldest stashed key is
// evicted, sacrificing that message rather than growing without
// bound.
const maxSkippedMessageKeys = 256

// KDF labels. Each derivation step gets its own domain so keys from
// different steps can never collide.
const (
	labelRootKDF    = "nio.olm.v1.root"
	labelChainKDF   = "nio.olm.v1.chain"
	labelInitialKDF = "nio.olm.v1.shared"
)

// ratchetState is the mutable double-ratchet state for one pairwise
// session. Field names follow the Signal double ratchet description:
// sendCount/recvCount are positions in the current chains,
// prevSendCount is the length of the previous sending chain.
type ratchetState struct {
	rootKey [32]byte

	ratchetKey    curveKeyPair
	peerRatcheted bool
	peerRatchet   [32]byte

	sendChain     []byte
	recvChain     []byte
	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32

	// skipped holds message keys for messages that arrived out of
	// order, keyed by ratchet pub + counter.
	skipped map[skippedKeyID][]byte
}

type skippedKeyID struct {
	ratchetKey [32]byte
	counter    uint32
}

// ratchetMessage is the inner wire form of one ratchet message.
type ratchetMessage struct {
	RatchetKey      []byte `cbor:"ratchet_key"`
	PreviousCounter uint32 `cbor:"previous_counter"`
	Counter         uint32 `cbor:"counter"`
	Ciphertext      []byte `cbor:"ciphertext"`
}

// deriveInitialKeys expands the triple-DH shared secret into the
// initial root key.
func deriveInitialKeys(secret []byte) ([32]byte, error) {
	var root [32]byte
	reader := hkdf.New(sha256.New, secret, nil, []byte(labelInitialKDF))
	if _, err := io.ReadFull(reader, root[:]); err != nil {
		return root, fmt.Errorf("olm: deriving initial root key: %w", err)
	}
	return root, nil
}

// kdfRoot advances the root key with a fresh DH output, yielding the
// new root key and a chain key.
func kdfRoot(root [32]byte, dh [32]byte) ([32]byte, []byte, error) {
	var newRoot [32]byte
	chain := make([]byte, 32)
	reader := hkdf.New(sha256.New, dh[:], root[:], []byte(labelRootKDF))
	if _, err := io.ReadFull(reader, newRoot[:]); err != nil {
		return newRoot, nil, fmt.Errorf("olm: root KDF: %w", err)
	}
	if _, err := io.ReadFull(reader, chain); err != nil {
		return newRoot, nil, fmt.Errorf("olm: root KDF: %w", err)
	}
	return newRoot, chain, nil
}

// kdfChain advances a chain key one step, yielding the next chain key
// and the message key for the current position.
func kdfChain(chain []byte) (nextChain, messageKey []byte, err error) {
	nextChain = make([]byte, 32)
	messageKey = make([]byte, 32)
	reader := hkdf.New(sha256.New, chain, nil, []byte(labelChainKDF))
	if _, err := io.ReadFull(reader, nextChain); err != nil {
		return nil, nil, fmt.Errorf("olm: chain KDF: %w", err)
	}
	if _, err := io.ReadFull(reader, messageKey); err != nil {
		return nil, nil, fmt.Errorf("olm: chain KDF: %w", err)
	}
	return nextChain, messageKey, nil
}

// encrypt produces the next ratchet message for plaintext. The first
// send after a peer ratchet step performs a DH ratchet step of our
// own.
func (r *ratchetState) encrypt(plaintext, associatedData []byte) (ratchetMessage, error) {
	if r.sendChain == nil {
		if err := r.stepSendingRatchet(); err != nil {
			return ratchetMessage{}, err
		}
	}

	nextChain, messageKey, err := kdfChain(r.sendChain)
	if err != nil {
		return ratchetMessage{}, err
	}
	r.sendChain = nextChain

	message := ratchetMessage{
		RatchetKey:      r.ratchetKey.public[:],
		PreviousCounter: r.prevSendCount,
		Counter:         r.sendCount,
	}
	message.Ciphertext = sealMessage(messageKey, message, associatedData, plaintext)
	zeroBytes(messageKey)
	r.sendCount++
	return message, nil
}

// stepSendingRatchet rotates our ratchet key pair and derives a fresh
// sending chain against the peer's current ratchet key.
func (r *ratchetState) stepSendingRatchet() error {
	r.prevSendCount = r.sendCount
	r.sendCount = 0

	pair, err := generateCurveKeyPair()
	if err != nil {
		return err
	}
	dh, err := sharedSecret(pair.private, r.peerRatchet)
	if err != nil {
		return err
	}
	newRoot, chain, err := kdfRoot(r.rootKey, dh)
	zeroBytes(dh[:])
	if err != nil {
		return err
	}
	r.rootKey = newRoot
	r.ratchetKey = pair
	r.sendChain = chain
	return nil
}

// decrypt opens a ratchet message, handling out-of-order delivery and
// peer DH ratchet steps. State advances only when decryption
// succeeds — a forged or corrupted message leaves the ratchet intact.
func (r *ratchetState) decrypt(message ratchetMessage, associatedData []byte) ([]byte, error) {
	work := r.clone()
	plaintext, err := work.decryptInPlace(message, associatedData)
	if err != nil {
		return nil, err
	}
	*r = *work
	return plaintext, nil
}

// clone deep-copies the state, including the skipped-key stash.
func (r *ratchetState) clone() *ratchetState {
	work := *r
	work.sendChain = append([]byte(nil), r.sendChain...)
	work.recvChain = append([]byte(nil), r.recvChain...)
	work.skipped = make(map[skippedKeyID][]byte, len(r.skipped))
	for id, key := range r.skipped {
		work.skipped[id] = append([]byte(nil), key...)
	}
	return &work
}

func (r *ratchetState) decryptInPlace(message ratchetMessage, associatedData []byte) ([]byte, error) {
	if len(message.RatchetKey) != 32 {
		return nil, ErrBadMessageFormat
	}
	var messageRatchet [32]byte
	copy(messageRatchet[:], message.RatchetKey)

	// Out-of-order delivery: a stashed message key takes priority,
	// including keys stashed for chains we have already rotated past.
	if _, ok := r.skipped[skippedKeyID{ratchetKey: messageRatchet, counter: message.Counter}]; ok {
		return r.openSkipped(message, messageRatchet, associatedData)
	}

	if r.peerRatcheted && messageRatchet == r.peerRatchet {
		// Current receiving chain. An earlier counter without a
		// stashed key means the key was already consumed.
		if message.Counter < r.recvCount {
			return nil, ErrDecryptFailed
		}
		if err := r.skipReceivingTo(message.Counter); err != nil {
			return nil, err
		}
	} else {
		// New peer ratchet key: finish the old receiving chain, then
		// step the root.
		if r.peerRatcheted {
			if err := r.skipReceivingTo(message.PreviousCounter); err != nil {
				return nil, err
			}
		}
		dh, err := sharedSecret(r.ratchetKey.private, messageRatchet)
		if err != nil {
			return nil, err
		}
		newRoot, chain, err := kdfRoot(r.rootKey, dh)
		zeroBytes(dh[:])
		if err != nil {
			return nil, err
		}
		r.rootKey = newRoot
		r.recvChain = chain
		r.recvCount = 0
		r.peerRatchet = messageRatchet
		r.peerRatcheted = true
		// Our sending chain is now stale; the next encrypt will
		// perform its own ratchet step against the new peer key.
		r.sendChain = nil

		if err := r.skipReceivingTo(message.Counter); err != nil {
			return nil, err
		}
	}

	nextChain, messageKey, err := kdfChain(r.recvChain)
	if err != nil {
		return nil, err
	}
	plaintext, err := openMessage(messageKey, message, associatedData)
	zeroBytes(messageKey)
	if err != nil {
		return nil, err
	}
	r.recvChain = nextChain
	r.recvCount = message.Counter + 1
	return plaintext, nil
}

// openSkipped decrypts with a stashed message key, consuming it.
func (r *ratchetState) openSkipped(message ratchetMessage, ratchetKey [32]byte, associatedData []byte) ([]byte, error) {
	id := skippedKeyID{ratchetKey: ratchetKey, counter: message.Counter}
	messageKey, ok := r.skipped[id]
	if !ok {
		return nil, ErrDecryptFailed
	}
	plaintext, err := openMessage(messageKey, message, associatedData)
	if err != nil {
		return nil, err
	}
	delete(r.skipped, id)
	zeroBytes(messageKey)
	return plaintext, nil
}

// skipReceivingTo derives and stashes message keys for positions the
// incoming message jumped over.
func (r *ratchetState) skipReceivingTo(counter uint32) error {
	if r.recvChain == nil {
		return nil
	}
	for r.recvCount < counter {
		nextChain, messageKey, err := kdfChain(r.recvChain)
		if err != nil {
			return err
		}
		if len(r.skipped) >= maxSkippedMessageKeys {
			r.evictOldestSkipped()
		}
		if r.skipped == nil {
			r.skipped = make(map[skippedKeyID][]byte)
		}
		r.skipped[skippedKeyID{ratchetKey: r.peerRatchet, counter: r.recvCount}] = messageKey
		r.recvChain = nextChain
		r.recvCount++
	}
	return nil
}

func (r *ratchetState) evictOldestSkipped() {
	var oldest skippedKeyID
	first := true
	for id := range r.skipped {
		if first || id.counter < oldest.counter {
			oldest = id
			first = false
		}
	}
	if !first {
		zeroBytes(r.skipped[oldest])
		delete(r.skipped, oldest)
	}
}

// sealMessage encrypts plaintext under the message key. The nonce is
// the message counter; each message key encrypts exactly one message,
// so counter nonces never repeat under a key. The header fields are
// bound as associated data.
func sealMessage(messageKey []byte, message ratchetMessage, associatedData, plaintext []byte) []byte {
	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		// Key is always 32 bytes from the KDF.
		panic(fmt.Sprintf("olm: chacha20poly1305: %v", err))
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], message.Counter)
	return aead.Seal(nil, nonce, plaintext, messageAD(message, associatedData))
}

func openMessage(messageKey []byte, message ratchetMessage, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		panic(fmt.Sprintf("olm: chacha20poly1305: %v", err))
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], message.Counter)
	plaintext, err := aead.Open(nil, nonce, message.Ciphertext, messageAD(message, associatedData))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// messageAD binds the ratchet header and session associated data to
// the ciphertext.
func messageAD(message ratchetMessage, associatedData []byte) []byte {
	out := make([]byte, 0, len(associatedData)+len(message.RatchetKey)+8)
	out = append(out, associatedData...)
	out = append(out, message.RatchetKey...)
	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], message.PreviousCounter)
	out = append(out, counter[:]...)
	binary.BigEndian.PutUint32(counter[:], message.Counter)
	out = append(out, counter[:]...)
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
