// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/niochat/nio/lib/codec"
	"github.com/niochat/nio/lib/ref"
)

// MessageType distinguishes the two pairwise message kinds on the
// wire.
type MessageType int

const (
	// MessageTypePreKey carries the handshake keys alongside the
	// ciphertext. Sent until the peer's first reply proves the
	// session is established on both ends.
	MessageTypePreKey MessageType = 0
	// MessageTypeNormal is a plain ratchet message.
	MessageTypeNormal MessageType = 1
)

// Message is one encrypted pairwise message: a type tag and an opaque
// unpadded-base64 body.
type Message struct {
	Type MessageType
	Body string
}

// preKeyEnvelope is the wire form of a pre-key message body.
type preKeyEnvelope struct {
	IdentityKey  []byte         `cbor:"identity_key"`
	EphemeralKey []byte         `cbor:"ephemeral_key"`
	OneTimeKey   []byte         `cbor:"one_time_key"`
	Message      ratchetMessage `cbor:"message"`
}

// handshakeKeys pins the three public keys of the triple-DH exchange
// for the session's lifetime. They determine the session ID and are
// replayed in every pre-key message.
type handshakeKeys struct {
	identity  [32]byte
	ephemeral [32]byte
	oneTime   [32]byte
}

// Session is an established pairwise channel with one remote device.
//
// Session is not safe for concurrent use.
type Session struct {
	id        ref.SessionID
	state     ratchetState
	handshake handshakeKeys

	// associatedData binds both identity keys to every ciphertext.
	associatedData []byte

	// received flips once the peer has sent us anything — from then
	// on we emit normal messages instead of pre-key messages, and
	// the session is known to be live on both ends.
	received bool
}

// NewOutboundSession establishes a session toward a remote device
// using its identity key and a claimed one-time key. Messages encrypt
// immediately; the handshake completes when the peer processes the
// first pre-key message.
func NewOutboundSession(account *Account, theirIdentity, theirOneTime ref.Curve25519) (*Session, error) {
	identityPub, err := decodeCurveKey(theirIdentity)
	if err != nil {
		return nil, err
	}
	oneTimePub, err := decodeCurveKey(theirOneTime)
	if err != nil {
		return nil, err
	}

	ephemeral, err := generateCurveKeyPair()
	if err != nil {
		return nil, err
	}

	// Triple DH: identity->one-time, ephemeral->identity,
	// ephemeral->one-time.
	first, err := sharedSecret(account.identity.private, oneTimePub)
	if err != nil {
		return nil, err
	}
	second, err := sharedSecret(ephemeral.private, identityPub)
	if err != nil {
		return nil, err
	}
	third, err := sharedSecret(ephemeral.private, oneTimePub)
	if err != nil {
		return nil, err
	}

	secret := make([]byte, 0, 96)
	secret = append(secret, first[:]...)
	secret = append(secret, second[:]...)
	secret = append(secret, third[:]...)
	root, err := deriveInitialKeys(secret)
	zeroBytes(secret)
	if err != nil {
		return nil, err
	}

	handshake := handshakeKeys{
		identity:  account.identity.public,
		ephemeral: ephemeral.public,
		oneTime:   oneTimePub,
	}
	session := &Session{
		id:             sessionIDFor(handshake),
		handshake:      handshake,
		associatedData: buildAssociatedData(account.identity.public, identityPub),
		state: ratchetState{
			rootKey: root,
			// The peer has no ratchet key yet; the first sending
			// chain is derived against its identity key.
			peerRatchet: identityPub,
			skipped:     make(map[skippedKeyID][]byte),
		},
	}
	return session, nil
}

// NewInboundSession establishes a session from a received pre-key
// message, consuming the referenced one-time key from the account.
// The message itself is then decrypted with Decrypt as usual.
func NewInboundSession(account *Account, message Message) (*Session, error) {
	if message.Type != MessageTypePreKey {
		return nil, ErrBadMessageType
	}
	envelope, err := decodePreKeyEnvelope(message.Body)
	if err != nil {
		return nil, err
	}

	var theirIdentity, theirEphemeral, ourOneTimePub [32]byte
	copy(theirIdentity[:], envelope.IdentityKey)
	copy(theirEphemeral[:], envelope.EphemeralKey)
	copy(ourOneTimePub[:], envelope.OneTimeKey)

	oneTime, ok := account.takeOneTimeKey(ourOneTimePub)
	if !ok {
		return nil, ErrNoOneTimeKey
	}

	// Mirror of the initiator's triple DH.
	first, err := sharedSecret(oneTime.private, theirIdentity)
	if err != nil {
		return nil, err
	}
	second, err := sharedSecret(account.identity.private, theirEphemeral)
	if err != nil {
		return nil, err
	}
	third, err := sharedSecret(oneTime.private, theirEphemeral)
	if err != nil {
		return nil, err
	}

	secret := make([]byte, 0, 96)
	secret = append(secret, first[:]...)
	secret = append(secret, second[:]...)
	secret = append(secret, third[:]...)
	root, err := deriveInitialKeys(secret)
	zeroBytes(secret)
	if err != nil {
		return nil, err
	}

	handshake := handshakeKeys{
		identity:  theirIdentity,
		ephemeral: theirEphemeral,
		oneTime:   ourOneTimePub,
	}
	session := &Session{
		id:             sessionIDFor(handshake),
		handshake:      handshake,
		associatedData: buildAssociatedData(theirIdentity, account.identity.public),
		state: ratchetState{
			rootKey: root,
			// The initiator's first chain was derived against our
			// identity key, so it unrolls with our identity private.
			ratchetKey: account.identity,
			skipped:    make(map[skippedKeyID][]byte),
		},
	}
	return session, nil
}

// ID returns the session identifier, derived from the handshake keys
// so both ends compute the same value.
func (s *Session) ID() ref.SessionID {
	return s.id
}

// HasReceivedMessage reports whether the peer has ever sent us a
// message on this session. A session that only ever sends may be
// wedged — the peer might have failed to process the handshake.
func (s *Session) HasReceivedMessage() bool {
	return s.received
}

// Encrypt encrypts plaintext for the peer. Until the peer's first
// reply arrives the result is a pre-key message carrying the
// handshake keys.
func (s *Session) Encrypt(plaintext []byte) (Message, error) {
	inner, err := s.state.encrypt(plaintext, s.associatedData)
	if err != nil {
		return Message{}, err
	}

	if s.received {
		body, err := codec.Marshal(inner)
		if err != nil {
			return Message{}, fmt.Errorf("olm: encoding message: %w", err)
		}
		return Message{Type: MessageTypeNormal, Body: keyEncoding.EncodeToString(body)}, nil
	}

	envelope := preKeyEnvelope{
		IdentityKey:  s.handshake.identity[:],
		EphemeralKey: s.handshake.ephemeral[:],
		OneTimeKey:   s.handshake.oneTime[:],
		Message:      inner,
	}
	body, err := codec.Marshal(envelope)
	if err != nil {
		return Message{}, fmt.Errorf("olm: encoding pre-key message: %w", err)
	}
	return Message{Type: MessageTypePreKey, Body: keyEncoding.EncodeToString(body)}, nil
}

// Decrypt decrypts a message from the peer. Pre-key messages are
// accepted only when their handshake keys match this session —
// a mismatch means the message belongs to a different session and
// must be handled by creating one.
func (s *Session) Decrypt(message Message) ([]byte, error) {
	var inner ratchetMessage
	switch message.Type {
	case MessageTypePreKey:
		envelope, err := decodePreKeyEnvelope(message.Body)
		if err != nil {
			return nil, err
		}
		if !s.matchesHandshake(envelope) {
			return nil, ErrWrongSession
		}
		inner = envelope.Message
	case MessageTypeNormal:
		raw, err := keyEncoding.DecodeString(message.Body)
		if err != nil {
			return nil, ErrBadMessageFormat
		}
		if err := codec.Unmarshal(raw, &inner); err != nil {
			return nil, ErrBadMessageFormat
		}
	default:
		return nil, ErrBadMessageType
	}

	plaintext, err := s.state.decrypt(inner, s.associatedData)
	if err != nil {
		return nil, err
	}
	s.received = true
	return plaintext, nil
}

func (s *Session) matchesHandshake(envelope preKeyEnvelope) bool {
	var identity, ephemeral, oneTime [32]byte
	copy(identity[:], envelope.IdentityKey)
	copy(ephemeral[:], envelope.EphemeralKey)
	copy(oneTime[:], envelope.OneTimeKey)
	return identity == s.handshake.identity &&
		ephemeral == s.handshake.ephemeral &&
		oneTime == s.handshake.oneTime
}

func decodePreKeyEnvelope(body string) (preKeyEnvelope, error) {
	raw, err := keyEncoding.DecodeString(body)
	if err != nil {
		return preKeyEnvelope{}, ErrBadMessageFormat
	}
	var envelope preKeyEnvelope
	if err := codec.Unmarshal(raw, &envelope); err != nil {
		return preKeyEnvelope{}, ErrBadMessageFormat
	}
	if len(envelope.IdentityKey) != 32 || len(envelope.EphemeralKey) != 32 || len(envelope.OneTimeKey) != 32 {
		return preKeyEnvelope{}, ErrBadMessageFormat
	}
	return envelope, nil
}

// SessionIDForPreKeyMessage derives the session ID a pre-key message
// belongs to without constructing the session. Lets a receiver check
// whether the handshake was already processed.
func SessionIDForPreKeyMessage(message Message) (ref.SessionID, error) {
	if message.Type != MessageTypePreKey {
		return ref.SessionID{}, ErrBadMessageType
	}
	envelope, err := decodePreKeyEnvelope(message.Body)
	if err != nil {
		return ref.SessionID{}, err
	}
	var handshake handshakeKeys
	copy(handshake.identity[:], envelope.IdentityKey)
	copy(handshake.ephemeral[:], envelope.EphemeralKey)
	copy(handshake.oneTime[:], envelope.OneTimeKey)
	return sessionIDFor(handshake), nil
}

// sessionIDFor hashes the handshake keys into a stable session
// identifier.
func sessionIDFor(handshake handshakeKeys) ref.SessionID {
	hasher := blake3.New()
	hasher.Write(handshake.identity[:])
	hasher.Write(handshake.ephemeral[:])
	hasher.Write(handshake.oneTime[:])
	digest := hasher.Sum(nil)
	return ref.MustParseSessionID(keyEncoding.EncodeToString(digest))
}

// buildAssociatedData binds the initiator and recipient identity keys
// in a fixed order so both ends authenticate the same pairing.
func buildAssociatedData(initiator, recipient [32]byte) []byte {
	out := make([]byte, 0, 64)
	out = append(out, initiator[:]...)
	out = append(out, recipient[:]...)
	return out
}

// sessionPickle is the CBOR snapshot of a Session.
type sessionPickle struct {
	RootKey            []byte              `cbor:"root_key"`
	RatchetPrivate     []byte              `cbor:"ratchet_private"`
	PeerRatcheted      bool                `cbor:"peer_ratcheted"`
	PeerRatchet        []byte              `cbor:"peer_ratchet"`
	SendChain          []byte              `cbor:"send_chain"`
	RecvChain          []byte              `cbor:"recv_chain"`
	SendCount          uint32              `cbor:"send_count"`
	RecvCount          uint32              `cbor:"recv_count"`
	PrevSendCount      uint32              `cbor:"prev_send_count"`
	Skipped            []skippedKeyPickle  `cbor:"skipped"`
	HandshakeIdentity  []byte              `cbor:"handshake_identity"`
	HandshakeEphemeral []byte              `cbor:"handshake_ephemeral"`
	HandshakeOneTime   []byte              `cbor:"handshake_one_time"`
	AssociatedData     []byte              `cbor:"associated_data"`
	Received           bool                `cbor:"received"`
}

type skippedKeyPickle struct {
	RatchetKey []byte `cbor:"ratchet_key"`
	Counter    uint32 `cbor:"counter"`
	MessageKey []byte `cbor:"message_key"`
}

// Pickle serializes the session, ratchet secrets included.
func (s *Session) Pickle() ([]byte, error) {
	pickle := sessionPickle{
		RootKey:            s.state.rootKey[:],
		RatchetPrivate:     s.state.ratchetKey.private[:],
		PeerRatcheted:      s.state.peerRatcheted,
		PeerRatchet:        s.state.peerRatchet[:],
		SendChain:          s.state.sendChain,
		RecvChain:          s.state.recvChain,
		SendCount:          s.state.sendCount,
		RecvCount:          s.state.recvCount,
		PrevSendCount:      s.state.prevSendCount,
		HandshakeIdentity:  s.handshake.identity[:],
		HandshakeEphemeral: s.handshake.ephemeral[:],
		HandshakeOneTime:   s.handshake.oneTime[:],
		AssociatedData:     s.associatedData,
		Received:           s.received,
	}
	for id, key := range s.state.skipped {
		pickle.Skipped = append(pickle.Skipped, skippedKeyPickle{
			RatchetKey: id.ratchetKey[:],
			Counter:    id.counter,
			MessageKey: key,
		})
	}
	return codec.Marshal(pickle)
}

// UnpickleSession restores a Session from its Pickle output.
func UnpickleSession(data []byte) (*Session, error) {
	var pickle sessionPickle
	if err := codec.Unmarshal(data, &pickle); err != nil {
		return nil, fmt.Errorf("olm: parsing session pickle: %w", err)
	}
	if len(pickle.RootKey) != 32 || len(pickle.PeerRatchet) != 32 {
		return nil, fmt.Errorf("olm: session pickle has malformed key material")
	}

	ratchetKey, err := rebuildCurvePair(pickle.RatchetPrivate)
	if err != nil {
		return nil, fmt.Errorf("olm: session pickle ratchet key: %w", err)
	}

	session := &Session{
		associatedData: pickle.AssociatedData,
		received:       pickle.Received,
		state: ratchetState{
			ratchetKey:    ratchetKey,
			peerRatcheted: pickle.PeerRatcheted,
			sendChain:     pickle.SendChain,
			recvChain:     pickle.RecvChain,
			sendCount:     pickle.SendCount,
			recvCount:     pickle.RecvCount,
			prevSendCount: pickle.PrevSendCount,
			skipped:       make(map[skippedKeyID][]byte, len(pickle.Skipped)),
		},
	}
	copy(session.state.rootKey[:], pickle.RootKey)
	copy(session.state.peerRatchet[:], pickle.PeerRatchet)
	copy(session.handshake.identity[:], pickle.HandshakeIdentity)
	copy(session.handshake.ephemeral[:], pickle.HandshakeEphemeral)
	copy(session.handshake.oneTime[:], pickle.HandshakeOneTime)
	for _, skipped := range pickle.Skipped {
		var id skippedKeyID
		copy(id.ratchetKey[:], skipped.RatchetKey)
		id.counter = skipped.Counter
		session.state.skipped[id] = skipped.MessageKey
	}
	session.id = sessionIDFor(session.handshake)
	return session, nil
}
