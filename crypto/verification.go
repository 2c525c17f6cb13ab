// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/messaging"
)

// Verification methods.
const (
	MethodSAS         = "m.sas.v1"
	MethodReciprocate = "m.reciprocate.v1"
	MethodQRShow      = "m.qr_code.show.v1"
	MethodQRScan      = "m.qr_code.scan.v1"
)

// Machine-readable cancellation codes.
const (
	CancelUser                 = "m.user"
	CancelTimeout              = "m.timeout"
	CancelUnknownTransaction   = "m.unknown_transaction"
	CancelUnknownMethod        = "m.unknown_method"
	CancelUnexpectedMessage    = "m.unexpected_message"
	CancelInvalidMessage       = "m.invalid_message"
	CancelKeyMismatch          = "m.key_mismatch"
	CancelMismatchedCommitment = "m.mismatched_commitment"
	CancelMismatchedSAS        = "m.mismatched_sas"
	CancelQRInvalid            = "m.qr_code.invalid"
)

// RequestState is a verification request's lifecycle state.
type RequestState int

const (
	RequestPending RequestState = iota
	RequestReady
	RequestAccepted
	RequestCancelled
	RequestCancelledByMe
	RequestExpired
)

func (s RequestState) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestReady:
		return "ready"
	case RequestAccepted:
		return "accepted"
	case RequestCancelled:
		return "cancelled"
	case RequestCancelledByMe:
		return "cancelled_by_me"
	case RequestExpired:
		return "expired"
	default:
		return fmt.Sprintf("RequestState(%d)", int(s))
	}
}

// TransactionState is a verification transaction's state.
type TransactionState int

const (
	// SAS states.
	SASIncomingShowAccept TransactionState = iota
	SASOutgoingWaitForPartnerToAccept
	SASWaitForPartnerKey
	SASShowSAS
	SASWaitForPartnerToConfirm

	// QR states.
	QRUnknown
	QRScannedOtherQR
	QRScannedByOther
	QRWaitingOtherConfirm

	// Terminal states shared by both methods.
	TransactionVerified
	TransactionCancelled
	TransactionCancelledByMe
	TransactionError
)

func (s TransactionState) terminal() bool {
	switch s {
	case TransactionVerified, TransactionCancelled, TransactionCancelledByMe, TransactionError:
		return true
	}
	return false
}

// VerificationRequest is the public view of a verification request.
type VerificationRequest struct {
	RequestID     string
	OtherUserID   ref.UserID
	OtherDeviceID ref.DeviceID
	Methods       []string
	State         RequestState
	Incoming      bool
}

// Transaction is the public view of a verification transaction. The
// SAS fields are populated once the transaction reaches SASShowSAS.
type Transaction struct {
	TransactionID string
	OtherUserID   ref.UserID
	OtherDeviceID ref.DeviceID
	Method        string
	State         TransactionState
	Incoming      bool
	CancelCode    string

	SASDecimal [3]uint16
	SASEmoji   []Emoji
}

// verificationManager owns in-flight requests and transactions. All
// access happens under the engine mutex; expiry is evaluated
// opportunistically on every entry point rather than by a timer, and
// always before any security-relevant action.
type verificationManager struct {
	engine       *Engine
	requests     map[string]*verificationRequest
	transactions map[string]transactionHandler
	// qrPending holds QR transactions where we showed a code and are
	// waiting for the partner's reciprocate start.
	qrPending map[string]*qrTransaction
}

type verificationRequest struct {
	VerificationRequest
	deadline time.Time
}

// transactionHandler is one in-flight transaction's state machine.
// Implemented by sasTransaction and qrTransaction. handle runs under
// the engine mutex and must not touch the network directly; anything
// it wants sent comes back as outbound messages, delivered by the
// manager after the lock is released.
type transactionHandler interface {
	snapshot() Transaction
	deadline() time.Time
	handle(eventType ref.EventType, content json.RawMessage) ([]outboundVerification, error)
	// cancel moves to a terminal state without sending anything.
	cancel(code string, byMe bool)
}

type outboundVerification struct {
	eventType ref.EventType
	content   any
}

func newVerificationManager(e *Engine) *verificationManager {
	return &verificationManager{
		engine:       e,
		requests:     make(map[string]*verificationRequest),
		transactions: make(map[string]transactionHandler),
		qrPending:    make(map[string]*qrTransaction),
	}
}

// Wire payloads shared by the verification flows.

type verificationRequestContent struct {
	FromDevice    ref.DeviceID `json:"from_device"`
	Methods       []string     `json:"methods"`
	TransactionID string       `json:"transaction_id"`
	Timestamp     int64        `json:"timestamp,omitempty"`
}

type verificationCancelContent struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
	Reason        string `json:"reason,omitempty"`
}

type verificationDoneContent struct {
	TransactionID string `json:"transaction_id"`
}

// sendVerification delivers one verification event to a specific
// device in the clear (verification payloads carry no key material
// that needs olm protection; the MACs bind everything that matters).
func (m *verificationManager) sendVerification(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID, eventType ref.EventType, content any) error {
	messages := messaging.ToDeviceMessages{userID: {deviceID: content}}
	if err := m.engine.transport.SendToDevice(ctx, eventType, messages); err != nil {
		return fmt.Errorf("crypto: sending verification event: %w", err)
	}
	return nil
}

// expireLocked sweeps expired requests and transactions. Called with
// the engine mutex held on every manager entry point.
func (m *verificationManager) expireLocked() {
	e := m.engine
	now := e.clock.Now()
	for id, request := range m.requests {
		if request.State == RequestPending || request.State == RequestReady {
			if now.After(request.deadline) {
				request.State = RequestExpired
				delete(m.requests, id)
			}
		}
	}
	for id, transaction := range m.transactions {
		snap := transaction.snapshot()
		if snap.State.terminal() {
			continue
		}
		if now.After(transaction.deadline()) {
			transaction.cancel(CancelTimeout, true)
			delete(m.transactions, id)
			e.notifier.transactionUpdated(transaction.snapshot())
		}
	}
}

// RequestVerification starts a verification request toward all of
// another user's (or our own other) devices.
func (m *verificationManager) RequestVerification(ctx context.Context, userID ref.UserID) (VerificationRequest, error) {
	e := m.engine
	e.mu.Lock()
	m.expireLocked()
	request := &verificationRequest{
		VerificationRequest: VerificationRequest{
			RequestID:   uuid.NewString(),
			OtherUserID: userID,
			Methods:     []string{MethodSAS, MethodQRShow, MethodQRScan, MethodReciprocate},
			State:       RequestPending,
		},
		deadline: e.clock.Now().Add(e.tunables.VerificationTimeout),
	}
	m.requests[request.RequestID] = request
	content := verificationRequestContent{
		FromDevice:    e.deviceID,
		Methods:       request.Methods,
		TransactionID: request.RequestID,
		Timestamp:     e.clock.Now().UnixMilli(),
	}
	e.mu.Unlock()

	err := m.sendVerification(ctx, userID, ref.AllDevices, EventVerificationRequest, content)
	if err != nil {
		e.mu.Lock()
		delete(m.requests, request.RequestID)
		e.mu.Unlock()
		return VerificationRequest{}, err
	}
	return request.VerificationRequest, nil
}

// ReadyVerification answers an incoming request with the methods this
// device supports, moving it to Ready.
func (m *verificationManager) ReadyVerification(ctx context.Context, requestID string) error {
	e := m.engine
	e.mu.Lock()
	m.expireLocked()
	request, ok := m.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransaction
	}
	if !request.Incoming || request.State != RequestPending {
		e.mu.Unlock()
		return ErrInvalidStateTransition
	}
	request.State = RequestReady
	content := verificationRequestContent{
		FromDevice:    e.deviceID,
		Methods:       []string{MethodSAS, MethodQRShow, MethodQRScan, MethodReciprocate},
		TransactionID: requestID,
	}
	otherUser, otherDevice := request.OtherUserID, request.OtherDeviceID
	e.mu.Unlock()
	return m.sendVerification(ctx, otherUser, otherDevice, EventVerificationReady, content)
}

// CancelVerification cancels a request or transaction with a reason
// code. Cancelling something already finished (or unknown) is a
// no-op: the loser of a cancel/completion race must not crash or
// double-send.
func (m *verificationManager) CancelVerification(ctx context.Context, transactionID, code, reason string) error {
	e := m.engine
	e.mu.Lock()
	m.expireLocked()

	var otherUser ref.UserID
	var otherDevice ref.DeviceID
	found := false

	if request, ok := m.requests[transactionID]; ok {
		request.State = RequestCancelledByMe
		otherUser, otherDevice = request.OtherUserID, request.OtherDeviceID
		if otherDevice.IsZero() {
			otherDevice = ref.AllDevices
		}
		delete(m.requests, transactionID)
		found = true
	}
	if transaction, ok := m.transactions[transactionID]; ok {
		snap := transaction.snapshot()
		if !snap.State.terminal() {
			transaction.cancel(code, true)
			otherUser, otherDevice = snap.OtherUserID, snap.OtherDeviceID
			found = true
			e.notifier.transactionUpdated(transaction.snapshot())
		}
		delete(m.transactions, transactionID)
	}
	e.mu.Unlock()

	if !found {
		return nil
	}
	content := verificationCancelContent{TransactionID: transactionID, Code: code, Reason: reason}
	return m.sendVerification(ctx, otherUser, otherDevice, EventVerificationCancel, content)
}

// HandleEvent routes one verification to-device event.
func (m *verificationManager) HandleEvent(ctx context.Context, eventType ref.EventType, sender ref.UserID, content json.RawMessage) error {
	switch eventType {
	case EventVerificationRequest:
		return m.handleRequest(sender, content)
	case EventVerificationReady:
		return m.handleReady(sender, content)
	case EventVerificationCancel:
		return m.handleCancel(content)
	case EventVerificationStart:
		return m.handleStart(ctx, sender, content)
	default:
		return m.handleTransactionEvent(ctx, eventType, content)
	}
}

func (m *verificationManager) handleRequest(sender ref.UserID, content json.RawMessage) error {
	e := m.engine
	var body verificationRequestContent
	if err := json.Unmarshal(content, &body); err != nil {
		return fmt.Errorf("crypto: parsing verification request: %w", err)
	}
	// A request to all of our user's devices echoes back to the
	// device that sent it.
	if sender == e.userID && body.FromDevice == e.deviceID {
		return nil
	}
	e.mu.Lock()
	m.expireLocked()
	request := &verificationRequest{
		VerificationRequest: VerificationRequest{
			RequestID:     body.TransactionID,
			OtherUserID:   sender,
			OtherDeviceID: body.FromDevice,
			Methods:       body.Methods,
			State:         RequestPending,
			Incoming:      true,
		},
		deadline: e.clock.Now().Add(e.tunables.VerificationTimeout),
	}
	m.requests[body.TransactionID] = request
	snapshot := request.VerificationRequest
	e.mu.Unlock()
	e.notifier.verificationRequested(snapshot)
	return nil
}

func (m *verificationManager) handleReady(sender ref.UserID, content json.RawMessage) error {
	e := m.engine
	var body verificationRequestContent
	if err := json.Unmarshal(content, &body); err != nil {
		return fmt.Errorf("crypto: parsing verification ready: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.expireLocked()
	request, ok := m.requests[body.TransactionID]
	if !ok {
		return nil
	}
	if request.Incoming || request.State != RequestPending || request.OtherUserID != sender {
		return ErrInvalidStateTransition
	}
	request.State = RequestReady
	request.OtherDeviceID = body.FromDevice
	request.Methods = body.Methods
	return nil
}

// handleCancel applies a remote cancellation. A cancel for an unknown
// transaction id is ignored by design — stray in-flight messages for
// a finished transaction must not resurrect it.
func (m *verificationManager) handleCancel(content json.RawMessage) error {
	e := m.engine
	var body verificationCancelContent
	if err := json.Unmarshal(content, &body); err != nil {
		return fmt.Errorf("crypto: parsing verification cancel: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if request, ok := m.requests[body.TransactionID]; ok {
		request.State = RequestCancelled
		delete(m.requests, body.TransactionID)
	}
	if transaction, ok := m.transactions[body.TransactionID]; ok {
		if !transaction.snapshot().State.terminal() {
			transaction.cancel(body.Code, false)
			e.notifier.transactionUpdated(transaction.snapshot())
		}
		delete(m.transactions, body.TransactionID)
	}
	return nil
}

// handleStart creates the incoming transaction for a start event.
func (m *verificationManager) handleStart(ctx context.Context, sender ref.UserID, content json.RawMessage) error {
	e := m.engine
	var header struct {
		FromDevice    ref.DeviceID `json:"from_device"`
		Method        string       `json:"method"`
		TransactionID string       `json:"transaction_id"`
	}
	if err := json.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("crypto: parsing verification start: %w", err)
	}

	e.mu.Lock()
	m.expireLocked()
	if request, ok := m.requests[header.TransactionID]; ok {
		request.State = RequestAccepted
	}
	if _, exists := m.transactions[header.TransactionID]; exists {
		e.mu.Unlock()
		return m.CancelVerification(ctx, header.TransactionID, CancelUnexpectedMessage, "transaction already started")
	}

	switch header.Method {
	case MethodSAS:
		transaction, err := newIncomingSAS(e, m, sender, header.FromDevice, header.TransactionID, content)
		if err != nil {
			e.mu.Unlock()
			return m.CancelVerification(ctx, header.TransactionID, CancelInvalidMessage, err.Error())
		}
		m.transactions[header.TransactionID] = transaction
		snapshot := transaction.snapshot()
		e.mu.Unlock()
		e.notifier.transactionUpdated(snapshot)
		return nil

	case MethodReciprocate:
		transaction, ok := m.qrPending[header.TransactionID]
		if !ok {
			e.mu.Unlock()
			return m.CancelVerification(ctx, header.TransactionID, CancelUnknownTransaction, "no QR code generated for transaction")
		}
		err := transaction.handleReciprocate(content)
		if err != nil {
			e.mu.Unlock()
			return m.CancelVerification(ctx, header.TransactionID, CancelQRInvalid, err.Error())
		}
		delete(m.qrPending, header.TransactionID)
		m.transactions[header.TransactionID] = transaction
		snapshot := transaction.snapshot()
		e.mu.Unlock()
		e.notifier.transactionUpdated(snapshot)
		return nil

	default:
		e.mu.Unlock()
		return m.CancelVerification(ctx, header.TransactionID, CancelUnknownMethod, "unsupported method "+header.Method)
	}
}

// handleTransactionEvent forwards accept/key/mac/done events to the
// owning transaction.
func (m *verificationManager) handleTransactionEvent(ctx context.Context, eventType ref.EventType, content json.RawMessage) error {
	e := m.engine
	var header struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("crypto: parsing verification event: %w", err)
	}

	e.mu.Lock()
	m.expireLocked()
	transaction, ok := m.transactions[header.TransactionID]
	if !ok {
		e.mu.Unlock()
		// Stray message for a finished or unknown transaction.
		return nil
	}
	outbound, err := transaction.handle(eventType, content)
	snapshot := transaction.snapshot()
	if snapshot.State.terminal() {
		delete(m.transactions, header.TransactionID)
	}
	e.mu.Unlock()
	e.notifier.transactionUpdated(snapshot)

	for _, message := range outbound {
		if sendErr := m.sendVerification(ctx, snapshot.OtherUserID, snapshot.OtherDeviceID, message.eventType, message.content); sendErr != nil {
			e.log.Warn("verification send failed",
				"transaction_id", header.TransactionID,
				"type", message.eventType,
				"error", sendErr,
			)
		}
	}

	if err != nil {
		code := CancelUnexpectedMessage
		if snapshot.CancelCode != "" {
			code = snapshot.CancelCode
		}
		cancelContent := verificationCancelContent{TransactionID: header.TransactionID, Code: code, Reason: err.Error()}
		if sendErr := m.sendVerification(ctx, snapshot.OtherUserID, snapshot.OtherDeviceID, EventVerificationCancel, cancelContent); sendErr != nil {
			e.log.Warn("verification cancel send failed", "error", sendErr)
		}
	}
	return err
}

// markDeviceVerifiedLocked records the outcome of a successful
// verification: the device becomes locally verified and, for another
// user, their master key gets our trust mark. Called with mu held.
func (m *verificationManager) markDeviceVerifiedLocked(userID ref.UserID, deviceID ref.DeviceID) {
	e := m.engine
	if err := e.setDeviceVerificationLocked(userID, deviceID, store.VerificationVerified); err != nil {
		e.log.Warn("could not mark device verified",
			"user_id", userID,
			"device_id", deviceID,
			"error", err,
		)
	}
	if userID != e.userID {
		if err := e.signUserMasterKeyLocked(userID); err != nil {
			e.log.Info("master key trust mark skipped", "user_id", userID, "error", err)
		}
	}
}

// Engine-level wrappers.

// RequestVerification asks another user (or our own devices) to
// verify.
func (e *Engine) RequestVerification(ctx context.Context, userID ref.UserID) (VerificationRequest, error) {
	return e.verification.RequestVerification(ctx, userID)
}

// ReadyVerification accepts an incoming verification request.
func (e *Engine) ReadyVerification(ctx context.Context, requestID string) error {
	return e.verification.ReadyVerification(ctx, requestID)
}

// CancelVerification cancels a verification request or transaction.
func (e *Engine) CancelVerification(ctx context.Context, transactionID, code, reason string) error {
	return e.verification.CancelVerification(ctx, transactionID, code, reason)
}
