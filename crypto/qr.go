// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/lib/codec"
	"github.com/niochat/nio/lib/ref"
)

// QR verification modes. The mode decides which key each side is
// attesting by scanning.
const (
	// QRModeCrossUser binds both users' master keys.
	QRModeCrossUser = 0
	// QRModeSelfTrusted is self-verification shown by a device that
	// already trusts the master key.
	QRModeSelfTrusted = 1
	// QRModeSelfUntrusted is self-verification shown by a device that
	// does not trust the master key yet.
	QRModeSelfUntrusted = 2
)

const qrPayloadVersion = 2

// qrPayload is the binary content of a verification QR code.
type qrPayload struct {
	Version       uint8  `cbor:"version"`
	Mode          uint8  `cbor:"mode"`
	TransactionID string `cbor:"transaction_id"`
	// Key1 is the key the shower attests; Key2 is the shower's belief
	// of the scanner's corresponding key.
	Key1         string `cbor:"key1"`
	Key2         string `cbor:"key2"`
	SharedSecret []byte `cbor:"shared_secret"`
}

type qrStartContent struct {
	FromDevice    ref.DeviceID `json:"from_device"`
	Method        string       `json:"method"`
	TransactionID string       `json:"transaction_id"`
	Secret        string       `json:"secret"`
}

// qrTransaction tracks one QR exchange. The shower holds the secret
// from code generation until the scanner echoes it back; the scanner
// holds it from the scan until the shower confirms.
type qrTransaction struct {
	engine  *Engine
	manager *verificationManager

	id          string
	otherUser   ref.UserID
	otherDevice ref.DeviceID
	mode        uint8
	showed      bool
	state       TransactionState
	cancelCode  string
	expiresAt   time.Time
	secret      []byte
}

func (t *qrTransaction) snapshot() Transaction {
	method := MethodQRScan
	if t.showed {
		method = MethodQRShow
	}
	return Transaction{
		TransactionID: t.id,
		OtherUserID:   t.otherUser,
		OtherDeviceID: t.otherDevice,
		Method:        method,
		State:         t.state,
		Incoming:      t.showed,
		CancelCode:    t.cancelCode,
	}
}

func (t *qrTransaction) deadline() time.Time { return t.expiresAt }

func (t *qrTransaction) cancel(code string, byMe bool) {
	t.cancelCode = code
	if byMe {
		t.state = TransactionCancelledByMe
	} else {
		t.state = TransactionCancelled
	}
}

func (t *qrTransaction) handle(eventType ref.EventType, content json.RawMessage) ([]outboundVerification, error) {
	switch eventType {
	case EventVerificationDone:
		if t.state != QRWaitingOtherConfirm {
			// Late done after we already finished; harmless.
			return nil, nil
		}
		t.state = TransactionVerified
		t.manager.markDeviceVerifiedLocked(t.otherUser, t.otherDevice)
		return []outboundVerification{{EventVerificationDone, verificationDoneContent{TransactionID: t.id}}}, nil
	default:
		t.cancel(CancelUnexpectedMessage, true)
		return nil, fmt.Errorf("crypto: unexpected %s during qr verification", eventType)
	}
}

// handleReciprocate processes the scanner's start on the shower side.
// Called with the engine mutex held.
func (t *qrTransaction) handleReciprocate(content json.RawMessage) error {
	var body qrStartContent
	if err := json.Unmarshal(content, &body); err != nil {
		return fmt.Errorf("crypto: parsing reciprocate start: %w", err)
	}
	secret, err := base64.RawStdEncoding.DecodeString(body.Secret)
	if err != nil {
		return errors.New("crypto: malformed reciprocate secret")
	}
	if subtle.ConstantTimeCompare(secret, t.secret) != 1 {
		return errors.New("crypto: reciprocate secret does not match generated code")
	}
	t.otherDevice = body.FromDevice
	t.state = QRScannedByOther
	return nil
}

// GenerateQRCode produces the payload to render as a QR code for a
// verification request. A pending request is accepted too: the
// requester may display the code before the partner sends ready,
// since scanning carries its own key exchange. The transaction
// completes when the partner scans it and this user confirms with
// ConfirmQRScan.
func (m *verificationManager) GenerateQRCode(requestID string) ([]byte, error) {
	e := m.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	m.expireLocked()

	request, ok := m.requests[requestID]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	if request.State != RequestReady && request.State != RequestPending {
		return nil, ErrInvalidStateTransition
	}

	mode, key1, key2, err := m.qrKeysLocked(request.OtherUserID, request.OtherDeviceID)
	if err != nil {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("crypto: generating qr secret: %w", err)
	}

	transaction := &qrTransaction{
		engine:      e,
		manager:     m,
		id:          requestID,
		otherUser:   request.OtherUserID,
		otherDevice: request.OtherDeviceID,
		mode:        mode,
		showed:      true,
		state:       QRUnknown,
		expiresAt:   e.clock.Now().Add(e.tunables.VerificationTimeout),
		secret:      secret,
	}
	m.qrPending[requestID] = transaction

	payload, err := codec.Marshal(qrPayload{
		Version:       qrPayloadVersion,
		Mode:          mode,
		TransactionID: requestID,
		Key1:          key1,
		Key2:          key2,
		SharedSecret:  secret,
	})
	if err != nil {
		delete(m.qrPending, requestID)
		return nil, fmt.Errorf("crypto: encoding qr payload: %w", err)
	}
	return payload, nil
}

// qrKeysLocked picks the mode and key pair this device can attest.
func (m *verificationManager) qrKeysLocked(otherUser ref.UserID, otherDevice ref.DeviceID) (mode uint8, key1, key2 string, err error) {
	e := m.engine

	if otherUser != e.userID {
		ourMaster, err := e.store.GetCrossSigningKey(e.userID, store.UsageMaster)
		if err != nil {
			return 0, "", "", fmt.Errorf("crypto: own master key unavailable for qr: %w", err)
		}
		theirMaster, err := e.store.GetCrossSigningKey(otherUser, store.UsageMaster)
		if err != nil {
			return 0, "", "", fmt.Errorf("crypto: partner master key unavailable for qr: %w", err)
		}
		return QRModeCrossUser, ourMaster.PublicKey.String(), theirMaster.PublicKey.String(), nil
	}

	master, err := e.store.GetCrossSigningKey(e.userID, store.UsageMaster)
	if err != nil {
		return 0, "", "", fmt.Errorf("crypto: master key unavailable for qr: %w", err)
	}

	ownDevice, err := e.store.GetDevice(e.userID, e.deviceID)
	if err == nil && ownDevice.CrossSigningVerified {
		// We are part of the cross-signing web; attest the master key
		// and name the other device's key.
		other, err := e.store.GetDevice(e.userID, otherDevice)
		if err != nil {
			return 0, "", "", fmt.Errorf("crypto: partner device unknown for qr: %w", err)
		}
		return QRModeSelfTrusted, master.PublicKey.String(), other.Ed25519.String(), nil
	}

	// Fresh device: attest our own device key and ask the partner to
	// vouch for the master key.
	return QRModeSelfUntrusted, e.account.SigningKey().String(), master.PublicKey.String(), nil
}

// ScanQRCode consumes a scanned QR payload, validates the keys it
// binds against what we hold, and tells the shower by reciprocating
// its secret.
func (m *verificationManager) ScanQRCode(ctx context.Context, payload []byte) (Transaction, error) {
	e := m.engine

	var code qrPayload
	if err := codec.Unmarshal(payload, &code); err != nil {
		return Transaction{}, fmt.Errorf("crypto: decoding qr payload: %w", err)
	}
	if code.Version != qrPayloadVersion {
		return Transaction{}, fmt.Errorf("crypto: unsupported qr payload version %d", code.Version)
	}

	e.mu.Lock()
	m.expireLocked()
	request, ok := m.requests[code.TransactionID]
	if !ok {
		e.mu.Unlock()
		return Transaction{}, ErrUnknownTransaction
	}
	if err := m.checkScannedKeysLocked(request.OtherUserID, request.OtherDeviceID, code); err != nil {
		e.mu.Unlock()
		return Transaction{}, err
	}
	request.State = RequestAccepted

	transaction := &qrTransaction{
		engine:      e,
		manager:     m,
		id:          code.TransactionID,
		otherUser:   request.OtherUserID,
		otherDevice: request.OtherDeviceID,
		mode:        code.Mode,
		state:       QRScannedOtherQR,
		expiresAt:   e.clock.Now().Add(e.tunables.VerificationTimeout),
		secret:      code.SharedSecret,
	}
	m.transactions[code.TransactionID] = transaction
	content := qrStartContent{
		FromDevice:    e.deviceID,
		Method:        MethodReciprocate,
		TransactionID: code.TransactionID,
		Secret:        base64.RawStdEncoding.EncodeToString(code.SharedSecret),
	}
	snapshot := transaction.snapshot()
	e.mu.Unlock()

	if err := m.sendVerification(ctx, snapshot.OtherUserID, snapshot.OtherDeviceID, EventVerificationStart, content); err != nil {
		e.mu.Lock()
		delete(m.transactions, code.TransactionID)
		e.mu.Unlock()
		return Transaction{}, err
	}

	e.mu.Lock()
	if current, ok := m.transactions[code.TransactionID]; ok && current == transactionHandler(transaction) {
		transaction.state = QRWaitingOtherConfirm
		snapshot = transaction.snapshot()
	}
	e.mu.Unlock()
	e.notifier.transactionUpdated(snapshot)
	return snapshot, nil
}

// checkScannedKeysLocked rejects a QR code whose key slots do not
// match the keys we hold for the claimed mode.
func (m *verificationManager) checkScannedKeysLocked(otherUser ref.UserID, otherDevice ref.DeviceID, code qrPayload) error {
	e := m.engine

	switch code.Mode {
	case QRModeCrossUser:
		if otherUser == e.userID {
			return errors.New("crypto: cross-user qr code for own user")
		}
		theirMaster, err := e.store.GetCrossSigningKey(otherUser, store.UsageMaster)
		if err != nil {
			return fmt.Errorf("crypto: partner master key unknown: %w", err)
		}
		ourMaster, err := e.store.GetCrossSigningKey(e.userID, store.UsageMaster)
		if err != nil {
			return fmt.Errorf("crypto: own master key unknown: %w", err)
		}
		if code.Key1 != theirMaster.PublicKey.String() || code.Key2 != ourMaster.PublicKey.String() {
			return errors.New("crypto: qr code binds unexpected master keys")
		}
		return nil

	case QRModeSelfTrusted:
		if otherUser != e.userID {
			return errors.New("crypto: self-verification qr code for another user")
		}
		master, err := e.store.GetCrossSigningKey(e.userID, store.UsageMaster)
		if err != nil {
			return fmt.Errorf("crypto: master key unknown: %w", err)
		}
		if code.Key1 != master.PublicKey.String() || code.Key2 != e.account.SigningKey().String() {
			return errors.New("crypto: qr code binds unexpected keys")
		}
		return nil

	case QRModeSelfUntrusted:
		if otherUser != e.userID {
			return errors.New("crypto: self-verification qr code for another user")
		}
		other, err := e.store.GetDevice(e.userID, otherDevice)
		if err != nil {
			return fmt.Errorf("crypto: partner device unknown: %w", err)
		}
		master, err := e.store.GetCrossSigningKey(e.userID, store.UsageMaster)
		if err != nil {
			return fmt.Errorf("crypto: master key unknown: %w", err)
		}
		if code.Key1 != other.Ed25519.String() || code.Key2 != master.PublicKey.String() {
			return errors.New("crypto: qr code binds unexpected keys")
		}
		return nil

	default:
		return fmt.Errorf("crypto: unknown qr mode %d", code.Mode)
	}
}

// ConfirmQRScan is the shower confirming that the scanner's device
// showed the success indication.
func (m *verificationManager) ConfirmQRScan(ctx context.Context, transactionID string) error {
	e := m.engine
	e.mu.Lock()
	m.expireLocked()
	handler, ok := m.transactions[transactionID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransaction
	}
	transaction, ok := handler.(*qrTransaction)
	if !ok || transaction.state != QRScannedByOther {
		e.mu.Unlock()
		return ErrInvalidStateTransition
	}
	transaction.state = TransactionVerified
	m.markDeviceVerifiedLocked(transaction.otherUser, transaction.otherDevice)
	delete(m.transactions, transactionID)
	snapshot := transaction.snapshot()
	e.mu.Unlock()

	err := m.sendVerification(ctx, snapshot.OtherUserID, snapshot.OtherDeviceID, EventVerificationDone, verificationDoneContent{TransactionID: transactionID})
	e.notifier.transactionUpdated(snapshot)
	return err
}

// Engine-level wrappers.

// GenerateQRCode returns the payload to render as a QR code for the
// given verification request.
func (e *Engine) GenerateQRCode(requestID string) ([]byte, error) {
	return e.verification.GenerateQRCode(requestID)
}

// ScanQRCode processes a QR payload scanned from the partner device.
func (e *Engine) ScanQRCode(ctx context.Context, payload []byte) (Transaction, error) {
	return e.verification.ScanQRCode(ctx, payload)
}

// ConfirmQRScan confirms that the scanning device reported success.
func (e *Engine) ConfirmQRScan(ctx context.Context, transactionID string) error {
	return e.verification.ConfirmQRScan(ctx, transactionID)
}
