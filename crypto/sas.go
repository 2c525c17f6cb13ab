// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/lib/codec"
	"github.com/niochat/nio/lib/ref"
)

// Emoji is one entry of the short authentication string emoji
// rendering.
type Emoji struct {
	Emoji       string
	Description string
}

// sasEmojiTable has 64 entries; each 6-bit group of the derived SAS
// bytes indexes one.
var sasEmojiTable = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Aeroplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}

var sasEncoding = base64.RawStdEncoding

// Wire payloads for the SAS flow.

type sasStartContent struct {
	FromDevice                ref.DeviceID `json:"from_device"`
	Method                    string       `json:"method"`
	TransactionID             string       `json:"transaction_id"`
	KeyAgreementProtocols     []string     `json:"key_agreement_protocols"`
	Hashes                    []string     `json:"hashes"`
	MessageAuthenticationCode []string     `json:"message_authentication_codes"`
	ShortAuthenticationString []string     `json:"short_authentication_string"`
}

type sasAcceptContent struct {
	TransactionID             string   `json:"transaction_id"`
	Method                    string   `json:"method"`
	Commitment                string   `json:"commitment"`
	KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
	Hash                      string   `json:"hash"`
	MessageAuthenticationCode string   `json:"message_authentication_code"`
	ShortAuthenticationString []string `json:"short_authentication_string"`
}

type sasKeyContent struct {
	TransactionID string `json:"transaction_id"`
	Key           string `json:"key"`
}

type sasMACContent struct {
	TransactionID string            `json:"transaction_id"`
	MAC           map[string]string `json:"mac"`
	Keys          string            `json:"keys"`
}

const (
	sasKeyAgreement = "curve25519-hkdf-sha256"
	sasHash         = "sha256"
	sasMACAlgorithm = "hkdf-hmac-sha256"
)

// sasTransaction drives one short-authentication-string exchange. The
// initiator reveals its ephemeral key only after the accepter has
// committed to its own, so neither side can grind the SAS.
type sasTransaction struct {
	engine  *Engine
	manager *verificationManager

	id          string
	otherUser   ref.UserID
	otherDevice ref.DeviceID
	incoming    bool
	state       TransactionState
	cancelCode  string
	expiresAt   time.Time

	ephemeralPrivate [32]byte
	ephemeralPublic  [32]byte
	theirPublic      []byte
	// commitment is the accepter's pledge, held by the initiator
	// until the accepter's key arrives.
	commitment   string
	sharedSecret []byte

	decimal [3]uint16
	emoji   []Emoji

	weConfirmed      bool
	theirMACVerified bool
}

func newSASKeypair() (private, public [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, private[:]); err != nil {
		return private, public, fmt.Errorf("crypto: generating verification key: %w", err)
	}
	curve25519.ScalarBaseMult(&public, &private)
	return private, public, nil
}

// StartSAS begins a SAS exchange on an accepted (or ready) request.
func (m *verificationManager) StartSAS(ctx context.Context, requestID string) (Transaction, error) {
	e := m.engine
	e.mu.Lock()
	m.expireLocked()
	request, ok := m.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return Transaction{}, ErrUnknownTransaction
	}
	if request.State != RequestReady {
		e.mu.Unlock()
		return Transaction{}, ErrInvalidStateTransition
	}
	private, public, err := newSASKeypair()
	if err != nil {
		e.mu.Unlock()
		return Transaction{}, err
	}
	request.State = RequestAccepted
	transaction := &sasTransaction{
		engine:           e,
		manager:          m,
		id:               requestID,
		otherUser:        request.OtherUserID,
		otherDevice:      request.OtherDeviceID,
		state:            SASOutgoingWaitForPartnerToAccept,
		expiresAt:        e.clock.Now().Add(e.tunables.VerificationTimeout),
		ephemeralPrivate: private,
		ephemeralPublic:  public,
	}
	m.transactions[requestID] = transaction
	content := sasStartContent{
		FromDevice:                e.deviceID,
		Method:                    MethodSAS,
		TransactionID:             requestID,
		KeyAgreementProtocols:     []string{sasKeyAgreement},
		Hashes:                    []string{sasHash},
		MessageAuthenticationCode: []string{sasMACAlgorithm},
		ShortAuthenticationString: []string{"decimal", "emoji"},
	}
	snapshot := transaction.snapshot()
	e.mu.Unlock()

	if err := m.sendVerification(ctx, snapshot.OtherUserID, snapshot.OtherDeviceID, EventVerificationStart, content); err != nil {
		e.mu.Lock()
		delete(m.transactions, requestID)
		e.mu.Unlock()
		return Transaction{}, err
	}
	e.notifier.transactionUpdated(snapshot)
	return snapshot, nil
}

// newIncomingSAS builds the accepter-side transaction from a start
// event. Called with the engine mutex held.
func newIncomingSAS(e *Engine, m *verificationManager, sender ref.UserID, senderDevice ref.DeviceID, transactionID string, content json.RawMessage) (*sasTransaction, error) {
	var body sasStartContent
	if err := json.Unmarshal(content, &body); err != nil {
		return nil, fmt.Errorf("crypto: parsing sas start: %w", err)
	}
	if !containsString(body.KeyAgreementProtocols, sasKeyAgreement) ||
		!containsString(body.Hashes, sasHash) ||
		!containsString(body.MessageAuthenticationCode, sasMACAlgorithm) {
		return nil, errors.New("crypto: no common sas parameters")
	}
	private, public, err := newSASKeypair()
	if err != nil {
		return nil, err
	}
	return &sasTransaction{
		engine:           e,
		manager:          m,
		id:               transactionID,
		otherUser:        sender,
		otherDevice:      senderDevice,
		incoming:         true,
		state:            SASIncomingShowAccept,
		expiresAt:        e.clock.Now().Add(e.tunables.VerificationTimeout),
		ephemeralPrivate: private,
		ephemeralPublic:  public,
	}, nil
}

// AcceptSAS accepts an incoming SAS start, sending our commitment.
func (m *verificationManager) AcceptSAS(ctx context.Context, transactionID string) error {
	e := m.engine
	e.mu.Lock()
	m.expireLocked()
	handler, ok := m.transactions[transactionID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransaction
	}
	transaction, ok := handler.(*sasTransaction)
	if !ok || transaction.state != SASIncomingShowAccept {
		e.mu.Unlock()
		return ErrInvalidStateTransition
	}
	transaction.state = SASWaitForPartnerKey
	content := sasAcceptContent{
		TransactionID:             transactionID,
		Method:                    MethodSAS,
		Commitment:                sasCommitment(transactionID, transaction.ephemeralPublic),
		KeyAgreementProtocol:      sasKeyAgreement,
		Hash:                      sasHash,
		MessageAuthenticationCode: sasMACAlgorithm,
		ShortAuthenticationString: []string{"decimal", "emoji"},
	}
	snapshot := transaction.snapshot()
	e.mu.Unlock()

	if err := m.sendVerification(ctx, snapshot.OtherUserID, snapshot.OtherDeviceID, EventVerificationAccept, content); err != nil {
		return err
	}
	e.notifier.transactionUpdated(snapshot)
	return nil
}

// ConfirmSAS records that the user compared the short strings and
// they matched, and sends our MACs.
func (m *verificationManager) ConfirmSAS(ctx context.Context, transactionID string) error {
	e := m.engine
	e.mu.Lock()
	m.expireLocked()
	handler, ok := m.transactions[transactionID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransaction
	}
	transaction, ok := handler.(*sasTransaction)
	if !ok || transaction.state != SASShowSAS {
		e.mu.Unlock()
		return ErrInvalidStateTransition
	}
	content, err := transaction.buildMACLocked()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	transaction.weConfirmed = true
	transaction.state = SASWaitForPartnerToConfirm
	var outbound []outboundVerification
	if transaction.theirMACVerified {
		outbound = transaction.finalizeLocked()
	}
	snapshot := transaction.snapshot()
	if snapshot.State.terminal() {
		delete(m.transactions, transactionID)
	}
	e.mu.Unlock()

	if err := m.sendVerification(ctx, snapshot.OtherUserID, snapshot.OtherDeviceID, EventVerificationMAC, content); err != nil {
		return err
	}
	for _, message := range outbound {
		if err := m.sendVerification(ctx, snapshot.OtherUserID, snapshot.OtherDeviceID, message.eventType, message.content); err != nil {
			return err
		}
	}
	e.notifier.transactionUpdated(snapshot)
	return nil
}

func (t *sasTransaction) snapshot() Transaction {
	return Transaction{
		TransactionID: t.id,
		OtherUserID:   t.otherUser,
		OtherDeviceID: t.otherDevice,
		Method:        MethodSAS,
		State:         t.state,
		Incoming:      t.incoming,
		CancelCode:    t.cancelCode,
		SASDecimal:    t.decimal,
		SASEmoji:      t.emoji,
	}
}

func (t *sasTransaction) deadline() time.Time { return t.expiresAt }

func (t *sasTransaction) cancel(code string, byMe bool) {
	t.cancelCode = code
	if byMe {
		t.state = TransactionCancelledByMe
	} else {
		t.state = TransactionCancelled
	}
}

func (t *sasTransaction) handle(eventType ref.EventType, content json.RawMessage) ([]outboundVerification, error) {
	switch eventType {
	case EventVerificationAccept:
		return t.handleAccept(content)
	case EventVerificationKey:
		return t.handleKey(content)
	case EventVerificationMAC:
		return t.handleMAC(content)
	case EventVerificationDone:
		// Informational; by this point we have either finalized or
		// will once the user confirms.
		return nil, nil
	default:
		t.cancel(CancelUnexpectedMessage, true)
		return nil, fmt.Errorf("crypto: unexpected %s during sas", eventType)
	}
}

func (t *sasTransaction) handleAccept(content json.RawMessage) ([]outboundVerification, error) {
	if t.state != SASOutgoingWaitForPartnerToAccept {
		t.cancel(CancelUnexpectedMessage, true)
		return nil, errors.New("crypto: accept out of order")
	}
	var body sasAcceptContent
	if err := json.Unmarshal(content, &body); err != nil {
		t.cancel(CancelInvalidMessage, true)
		return nil, fmt.Errorf("crypto: parsing sas accept: %w", err)
	}
	if body.KeyAgreementProtocol != sasKeyAgreement || body.Hash != sasHash || body.MessageAuthenticationCode != sasMACAlgorithm {
		t.cancel(CancelUnknownMethod, true)
		return nil, errors.New("crypto: accepter chose unsupported sas parameters")
	}
	t.commitment = body.Commitment
	t.state = SASWaitForPartnerKey
	// Commitment received; reveal our key.
	key := sasKeyContent{TransactionID: t.id, Key: sasEncoding.EncodeToString(t.ephemeralPublic[:])}
	return []outboundVerification{{EventVerificationKey, key}}, nil
}

func (t *sasTransaction) handleKey(content json.RawMessage) ([]outboundVerification, error) {
	if t.state != SASWaitForPartnerKey {
		t.cancel(CancelUnexpectedMessage, true)
		return nil, errors.New("crypto: key out of order")
	}
	var body sasKeyContent
	if err := json.Unmarshal(content, &body); err != nil {
		t.cancel(CancelInvalidMessage, true)
		return nil, fmt.Errorf("crypto: parsing sas key: %w", err)
	}
	theirPublic, err := sasEncoding.DecodeString(body.Key)
	if err != nil || len(theirPublic) != 32 {
		t.cancel(CancelInvalidMessage, true)
		return nil, errors.New("crypto: malformed sas public key")
	}

	var outbound []outboundVerification
	if t.incoming {
		// Accepter: the initiator revealed first, now we reveal.
		key := sasKeyContent{TransactionID: t.id, Key: sasEncoding.EncodeToString(t.ephemeralPublic[:])}
		outbound = append(outbound, outboundVerification{EventVerificationKey, key})
	} else {
		// Initiator: check the accepter's key against its earlier
		// commitment before trusting it.
		var committed [32]byte
		copy(committed[:], theirPublic)
		if sasCommitment(t.id, committed) != t.commitment {
			t.cancel(CancelMismatchedCommitment, true)
			return nil, errors.New("crypto: sas commitment mismatch")
		}
	}

	t.theirPublic = theirPublic
	if err := t.deriveSASLocked(); err != nil {
		t.cancel(CancelInvalidMessage, true)
		return nil, err
	}
	t.state = SASShowSAS
	return outbound, nil
}

func (t *sasTransaction) handleMAC(content json.RawMessage) ([]outboundVerification, error) {
	if t.state != SASShowSAS && t.state != SASWaitForPartnerToConfirm {
		t.cancel(CancelUnexpectedMessage, true)
		return nil, errors.New("crypto: mac out of order")
	}
	var body sasMACContent
	if err := json.Unmarshal(content, &body); err != nil {
		t.cancel(CancelInvalidMessage, true)
		return nil, fmt.Errorf("crypto: parsing sas mac: %w", err)
	}
	if err := t.verifyMACLocked(body); err != nil {
		t.cancel(CancelKeyMismatch, true)
		return nil, err
	}
	t.theirMACVerified = true
	if t.weConfirmed {
		return t.finalizeLocked(), nil
	}
	return nil, nil
}

// finalizeLocked runs once both sides confirmed and the partner's
// MACs checked out.
func (t *sasTransaction) finalizeLocked() []outboundVerification {
	t.state = TransactionVerified
	t.manager.markDeviceVerifiedLocked(t.otherUser, t.otherDevice)
	return []outboundVerification{{EventVerificationDone, verificationDoneContent{TransactionID: t.id}}}
}

// sasCommitment hashes the accepter's ephemeral key bound to the
// transaction, over a deterministic transcript.
func sasCommitment(transactionID string, publicKey [32]byte) string {
	transcript, err := codec.Marshal(struct {
		TransactionID string `cbor:"transaction_id"`
		Key           string `cbor:"key"`
	}{transactionID, sasEncoding.EncodeToString(publicKey[:])})
	if err != nil {
		panic("crypto: sas commitment transcript: " + err.Error())
	}
	digest := sha256.Sum256(transcript)
	return sasEncoding.EncodeToString(digest[:])
}

// sasInfo builds the role-ordered context string both sides derive
// the SAS from. Roles are fixed by who initiated, so both compute the
// same bytes.
func (t *sasTransaction) sasInfo() string {
	e := t.engine
	ourKey := sasEncoding.EncodeToString(t.ephemeralPublic[:])
	theirKey := sasEncoding.EncodeToString(t.theirPublic)
	initiator := fmt.Sprintf("%s|%s|%s", e.userID, e.deviceID, ourKey)
	accepter := fmt.Sprintf("%s|%s|%s", t.otherUser, t.otherDevice, theirKey)
	if t.incoming {
		initiator = fmt.Sprintf("%s|%s|%s", t.otherUser, t.otherDevice, theirKey)
		accepter = fmt.Sprintf("%s|%s|%s", e.userID, e.deviceID, ourKey)
	}
	return "NIO_VERIFICATION_SAS|" + initiator + "|" + accepter + "|" + t.id
}

func (t *sasTransaction) deriveSASLocked() error {
	shared, err := curve25519.X25519(t.ephemeralPrivate[:], t.theirPublic)
	if err != nil {
		return fmt.Errorf("crypto: sas key agreement: %w", err)
	}
	t.sharedSecret = shared

	var sas [6]byte
	reader := hkdf.New(sha256.New, shared, nil, []byte(t.sasInfo()))
	if _, err := io.ReadFull(reader, sas[:]); err != nil {
		return fmt.Errorf("crypto: deriving sas bytes: %w", err)
	}

	// Decimal: 5 bytes split into three 13-bit groups, offset so
	// every value has four digits.
	t.decimal[0] = (uint16(sas[0])<<5 | uint16(sas[1])>>3) + 1000
	t.decimal[1] = (uint16(sas[1]&0x07)<<10 | uint16(sas[2])<<2 | uint16(sas[3])>>6) + 1000
	t.decimal[2] = (uint16(sas[3]&0x3F)<<7 | uint16(sas[4])>>1) + 1000

	// Emoji: 42 bits split into seven 6-bit groups.
	bits := uint64(sas[0])<<40 | uint64(sas[1])<<32 | uint64(sas[2])<<24 |
		uint64(sas[3])<<16 | uint64(sas[4])<<8 | uint64(sas[5])
	t.emoji = make([]Emoji, 7)
	for i := range t.emoji {
		t.emoji[i] = sasEmojiTable[(bits>>(42-6*(i+1)))&0x3F]
	}
	return nil
}

// macKey derives the per-message HMAC key for one direction and key
// id.
func (t *sasTransaction) macKey(senderUser ref.UserID, senderDevice ref.DeviceID, recipientUser ref.UserID, recipientDevice ref.DeviceID, keyID string) []byte {
	info := fmt.Sprintf("NIO_VERIFICATION_MAC|%s|%s|%s|%s|%s|%s",
		senderUser, senderDevice, recipientUser, recipientDevice, t.id, keyID)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, t.sharedSecret, nil, []byte(info)), key); err != nil {
		panic("crypto: deriving mac key: " + err.Error())
	}
	return key
}

func (t *sasTransaction) computeMAC(senderUser ref.UserID, senderDevice ref.DeviceID, recipientUser ref.UserID, recipientDevice ref.DeviceID, keyID, message string) string {
	mac := hmac.New(sha256.New, t.macKey(senderUser, senderDevice, recipientUser, recipientDevice, keyID))
	mac.Write([]byte(message))
	return sasEncoding.EncodeToString(mac.Sum(nil))
}

// buildMACLocked MACs our device signing key (and our master key when
// we have one) for the partner.
func (t *sasTransaction) buildMACLocked() (sasMACContent, error) {
	e := t.engine
	macs := make(map[string]string)
	deviceKeyID := "ed25519:" + e.deviceID.String()
	macs[deviceKeyID] = t.computeMAC(e.userID, e.deviceID, t.otherUser, t.otherDevice, deviceKeyID, e.account.SigningKey().String())

	if master, err := e.store.GetCrossSigningKey(e.userID, store.UsageMaster); err == nil {
		masterKeyID := "ed25519:" + master.PublicKey.String()
		macs[masterKeyID] = t.computeMAC(e.userID, e.deviceID, t.otherUser, t.otherDevice, masterKeyID, master.PublicKey.String())
	}

	keyIDs := make([]string, 0, len(macs))
	for id := range macs {
		keyIDs = append(keyIDs, id)
	}
	sort.Strings(keyIDs)
	keysMAC := t.computeMAC(e.userID, e.deviceID, t.otherUser, t.otherDevice, "KEY_IDS", strings.Join(keyIDs, ","))

	return sasMACContent{TransactionID: t.id, MAC: macs, Keys: keysMAC}, nil
}

// verifyMACLocked checks every MAC the partner sent against the keys
// we hold for them.
func (t *sasTransaction) verifyMACLocked(body sasMACContent) error {
	e := t.engine

	keyIDs := make([]string, 0, len(body.MAC))
	for id := range body.MAC {
		keyIDs = append(keyIDs, id)
	}
	sort.Strings(keyIDs)
	expectedKeys := t.computeMAC(t.otherUser, t.otherDevice, e.userID, e.deviceID, "KEY_IDS", strings.Join(keyIDs, ","))
	if !hmac.Equal([]byte(expectedKeys), []byte(body.Keys)) {
		return errors.New("crypto: sas key list mac mismatch")
	}

	device, err := e.store.GetDevice(t.otherUser, t.otherDevice)
	if err != nil {
		return fmt.Errorf("crypto: partner device unknown: %w", err)
	}
	deviceKeyID := "ed25519:" + t.otherDevice.String()
	deviceMAC, ok := body.MAC[deviceKeyID]
	if !ok {
		return errors.New("crypto: partner mac missing device key")
	}
	expected := t.computeMAC(t.otherUser, t.otherDevice, e.userID, e.deviceID, deviceKeyID, device.Ed25519.String())
	if !hmac.Equal([]byte(expected), []byte(deviceMAC)) {
		return errors.New("crypto: device key mac mismatch")
	}

	// If they also MAC their master key and we hold a copy, it must
	// match what we hold.
	if master, err := e.store.GetCrossSigningKey(t.otherUser, store.UsageMaster); err == nil {
		masterKeyID := "ed25519:" + master.PublicKey.String()
		if masterMAC, ok := body.MAC[masterKeyID]; ok {
			expected := t.computeMAC(t.otherUser, t.otherDevice, e.userID, e.deviceID, masterKeyID, master.PublicKey.String())
			if !hmac.Equal([]byte(expected), []byte(masterMAC)) {
				return errors.New("crypto: master key mac mismatch")
			}
		}
	}
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, candidate := range haystack {
		if candidate == needle {
			return true
		}
	}
	return false
}

// Engine-level wrappers.

// StartSAS begins short-string verification on a ready request.
func (e *Engine) StartSAS(ctx context.Context, requestID string) (Transaction, error) {
	return e.verification.StartSAS(ctx, requestID)
}

// AcceptSAS accepts an incoming short-string verification.
func (e *Engine) AcceptSAS(ctx context.Context, transactionID string) error {
	return e.verification.AcceptSAS(ctx, transactionID)
}

// ConfirmSAS confirms that the displayed strings matched.
func (e *Engine) ConfirmSAS(ctx context.Context, transactionID string) error {
	return e.verification.ConfirmSAS(ctx, transactionID)
}

// MismatchSAS reports that the strings did not match, cancelling with
// the dedicated code.
func (e *Engine) MismatchSAS(ctx context.Context, transactionID string) error {
	return e.verification.CancelVerification(ctx, transactionID, CancelMismatchedSAS, "short authentication string mismatch")
}
