// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/niochat/nio/lib/codec"
	"github.com/niochat/nio/lib/ref"
)

// Group KDF labels.
const (
	labelGroupRatchet = "nio.megolm.v1.ratchet"
	labelGroupMessage = "nio.megolm.v1.message"
)

// OutboundGroupSession encrypts room messages for fan-out to many
// devices. The chain key advances one hash step per message; the
// session key shared with recipients lets them decrypt from the index
// at which it was exported, and nothing earlier.
//
// OutboundGroupSession is not safe for concurrent use.
type OutboundGroupSession struct {
	id           ref.SessionID
	chainKey     [32]byte
	messageIndex uint32
	signingKey   ed25519.PrivateKey
}

// InboundGroupSession decrypts room messages from one sender device.
// It holds the chain at the earliest index it was given; messages
// before that index are cryptographically out of reach.
//
// InboundGroupSession is not safe for concurrent use.
type InboundGroupSession struct {
	id              ref.SessionID
	chainKey        [32]byte
	chainIndex      uint32
	firstKnownIndex uint32
	signingPublic   ed25519.PublicKey
}

// groupMessage is the wire form of one group message.
type groupMessage struct {
	Index      uint32 `cbor:"index"`
	Ciphertext []byte `cbor:"ciphertext"`
	Signature  []byte `cbor:"signature"`
}

// groupSessionExport is the shareable session key: everything a
// recipient needs to decrypt from Index onward.
type groupSessionExport struct {
	Index         uint32 `cbor:"index"`
	ChainKey      []byte `cbor:"chain_key"`
	SigningPublic []byte `cbor:"signing_public"`
}

// NewOutboundGroupSession creates a group session with a random chain
// key and a fresh signing key. The session ID is the signing public
// key.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	session := &OutboundGroupSession{}
	if _, err := rand.Read(session.chainKey[:]); err != nil {
		return nil, fmt.Errorf("olm: generating group chain key: %w", err)
	}
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: generating group signing key: %w", err)
	}
	session.signingKey = private
	session.id = ref.MustParseSessionID(keyEncoding.EncodeToString(public))
	return session, nil
}

// ID returns the session identifier.
func (s *OutboundGroupSession) ID() ref.SessionID {
	return s.id
}

// MessageIndex returns the index the next encrypted message will
// carry.
func (s *OutboundGroupSession) MessageIndex() uint32 {
	return s.messageIndex
}

// Encrypt encrypts plaintext at the current index, advances the
// chain, and returns the unpadded-base64 message.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	messageKey := groupMessageKey(s.chainKey, s.messageIndex)
	ciphertext := groupSeal(messageKey, s.messageIndex, plaintext)
	zeroBytes(messageKey)

	message := groupMessage{
		Index:      s.messageIndex,
		Ciphertext: ciphertext,
	}
	message.Signature = ed25519.Sign(s.signingKey, groupSigningPayload(message))

	body, err := codec.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("olm: encoding group message: %w", err)
	}

	s.chainKey = advanceGroupChain(s.chainKey)
	s.messageIndex++
	return keyEncoding.EncodeToString(body), nil
}

// SessionKey exports the current session state for sharing with a
// recipient device. The recipient can decrypt messages from the
// current index onward.
func (s *OutboundGroupSession) SessionKey() (string, error) {
	export := groupSessionExport{
		Index:         s.messageIndex,
		ChainKey:      s.chainKey[:],
		SigningPublic: s.signingKey.Public().(ed25519.PublicKey),
	}
	body, err := codec.Marshal(export)
	if err != nil {
		return "", fmt.Errorf("olm: encoding group session key: %w", err)
	}
	return keyEncoding.EncodeToString(body), nil
}

// NewInboundGroupSession builds the receiving side from a shared
// session key.
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	export, err := decodeGroupExport(sessionKey)
	if err != nil {
		return nil, err
	}
	session := &InboundGroupSession{
		chainIndex:      export.Index,
		firstKnownIndex: export.Index,
		signingPublic:   ed25519.PublicKey(export.SigningPublic),
		id:              ref.MustParseSessionID(keyEncoding.EncodeToString(export.SigningPublic)),
	}
	copy(session.chainKey[:], export.ChainKey)
	return session, nil
}

// ID returns the session identifier, derived from the sender's group
// signing key.
func (s *InboundGroupSession) ID() ref.SessionID {
	return s.id
}

// FirstKnownIndex returns the earliest message index this session can
// decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.firstKnownIndex
}

// Decrypt opens a group message, returning the plaintext and the
// message index. The index is the caller's handle for replay
// detection — the session itself will happily decrypt the same
// message twice.
func (s *InboundGroupSession) Decrypt(body string) ([]byte, uint32, error) {
	raw, err := keyEncoding.DecodeString(body)
	if err != nil {
		return nil, 0, ErrBadMessageFormat
	}
	var message groupMessage
	if err := codec.Unmarshal(raw, &message); err != nil {
		return nil, 0, ErrBadMessageFormat
	}

	if !ed25519.Verify(s.signingPublic, groupSigningPayload(message), message.Signature) {
		return nil, 0, ErrBadSignature
	}
	if message.Index < s.firstKnownIndex {
		return nil, 0, ErrUnknownMessageIndex
	}

	messageKey, err := s.keyAt(message.Index)
	if err != nil {
		return nil, 0, err
	}
	plaintext, err := groupOpen(messageKey, message.Index, message.Ciphertext)
	zeroBytes(messageKey)
	if err != nil {
		return nil, 0, err
	}
	return plaintext, message.Index, nil
}

// Export produces a session key valid from the given index onward.
// Sharing an export can never grant access to messages before the
// requested index.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.firstKnownIndex {
		return "", ErrUnknownMessageIndex
	}
	chain := s.chainKey
	for position := s.chainIndex; position < index; position++ {
		chain = advanceGroupChain(chain)
	}
	export := groupSessionExport{
		Index:         index,
		ChainKey:      chain[:],
		SigningPublic: s.signingPublic,
	}
	body, err := codec.Marshal(export)
	if err != nil {
		return "", fmt.Errorf("olm: encoding group session export: %w", err)
	}
	return keyEncoding.EncodeToString(body), nil
}

// keyAt derives the message key for an index at or after the stored
// chain position. The stored chain stays at firstKnownIndex so the
// session's reach never shrinks.
func (s *InboundGroupSession) keyAt(index uint32) ([]byte, error) {
	if index < s.chainIndex {
		return nil, ErrUnknownMessageIndex
	}
	chain := s.chainKey
	for position := s.chainIndex; position < index; position++ {
		chain = advanceGroupChain(chain)
	}
	return groupMessageKey(chain, index), nil
}

func decodeGroupExport(sessionKey string) (groupSessionExport, error) {
	raw, err := keyEncoding.DecodeString(sessionKey)
	if err != nil {
		return groupSessionExport{}, ErrBadMessageFormat
	}
	var export groupSessionExport
	if err := codec.Unmarshal(raw, &export); err != nil {
		return groupSessionExport{}, ErrBadMessageFormat
	}
	if len(export.ChainKey) != 32 || len(export.SigningPublic) != ed25519.PublicKeySize {
		return groupSessionExport{}, ErrBadMessageFormat
	}
	return export, nil
}

// advanceGroupChain is the one-way ratchet step. Inverting it would
// require inverting HKDF-SHA256.
func advanceGroupChain(chain [32]byte) [32]byte {
	var next [32]byte
	reader := hkdf.New(sha256.New, chain[:], nil, []byte(labelGroupRatchet))
	if _, err := io.ReadFull(reader, next[:]); err != nil {
		panic(fmt.Sprintf("olm: group ratchet: %v", err))
	}
	return next
}

// groupMessageKey derives the AEAD key for one index from the chain
// key at that index.
func groupMessageKey(chain [32]byte, index uint32) []byte {
	info := make([]byte, len(labelGroupMessage)+4)
	copy(info, labelGroupMessage)
	binary.BigEndian.PutUint32(info[len(labelGroupMessage):], index)
	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, chain[:], nil, info)
	if _, err := io.ReadFull(reader, key); err != nil {
		panic(fmt.Sprintf("olm: group message KDF: %v", err))
	}
	return key
}

func groupSeal(messageKey []byte, index uint32, plaintext []byte) []byte {
	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		panic(fmt.Sprintf("olm: chacha20poly1305: %v", err))
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], index)
	return aead.Seal(nil, nonce, plaintext, nil)
}

func groupOpen(messageKey []byte, index uint32, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		panic(fmt.Sprintf("olm: chacha20poly1305: %v", err))
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], index)
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// groupSigningPayload is the byte string the group signature covers:
// the index and ciphertext, not the signature itself.
func groupSigningPayload(message groupMessage) []byte {
	out := make([]byte, 4+len(message.Ciphertext))
	binary.BigEndian.PutUint32(out, message.Index)
	copy(out[4:], message.Ciphertext)
	return out
}

// outboundGroupPickle is the CBOR snapshot of an OutboundGroupSession.
type outboundGroupPickle struct {
	ChainKey     []byte `cbor:"chain_key"`
	MessageIndex uint32 `cbor:"message_index"`
	SigningSeed  []byte `cbor:"signing_seed"`
}

// Pickle serializes the outbound group session.
func (s *OutboundGroupSession) Pickle() ([]byte, error) {
	return codec.Marshal(outboundGroupPickle{
		ChainKey:     s.chainKey[:],
		MessageIndex: s.messageIndex,
		SigningSeed:  s.signingKey.Seed(),
	})
}

// UnpickleOutboundGroupSession restores an OutboundGroupSession.
func UnpickleOutboundGroupSession(data []byte) (*OutboundGroupSession, error) {
	var pickle outboundGroupPickle
	if err := codec.Unmarshal(data, &pickle); err != nil {
		return nil, fmt.Errorf("olm: parsing outbound group pickle: %w", err)
	}
	if len(pickle.ChainKey) != 32 || len(pickle.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("olm: outbound group pickle has malformed key material")
	}
	session := &OutboundGroupSession{
		messageIndex: pickle.MessageIndex,
		signingKey:   ed25519.NewKeyFromSeed(pickle.SigningSeed),
	}
	copy(session.chainKey[:], pickle.ChainKey)
	public := session.signingKey.Public().(ed25519.PublicKey)
	session.id = ref.MustParseSessionID(keyEncoding.EncodeToString(public))
	return session, nil
}

// inboundGroupPickle is the CBOR snapshot of an InboundGroupSession.
type inboundGroupPickle struct {
	ChainKey        []byte `cbor:"chain_key"`
	ChainIndex      uint32 `cbor:"chain_index"`
	FirstKnownIndex uint32 `cbor:"first_known_index"`
	SigningPublic   []byte `cbor:"signing_public"`
}

// Pickle serializes the inbound group session.
func (s *InboundGroupSession) Pickle() ([]byte, error) {
	return codec.Marshal(inboundGroupPickle{
		ChainKey:        s.chainKey[:],
		ChainIndex:      s.chainIndex,
		FirstKnownIndex: s.firstKnownIndex,
		SigningPublic:   s.signingPublic,
	})
}

// UnpickleInboundGroupSession restores an InboundGroupSession.
func UnpickleInboundGroupSession(data []byte) (*InboundGroupSession, error) {
	var pickle inboundGroupPickle
	if err := codec.Unmarshal(data, &pickle); err != nil {
		return nil, fmt.Errorf("olm: parsing inbound group pickle: %w", err)
	}
	if len(pickle.ChainKey) != 32 || len(pickle.SigningPublic) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("olm: inbound group pickle has malformed key material")
	}
	session := &InboundGroupSession{
		chainIndex:      pickle.ChainIndex,
		firstKnownIndex: pickle.FirstKnownIndex,
		signingPublic:   ed25519.PublicKey(pickle.SigningPublic),
	}
	copy(session.chainKey[:], pickle.ChainKey)
	session.id = ref.MustParseSessionID(keyEncoding.EncodeToString(pickle.SigningPublic))
	return session, nil
}
