// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/crypto/olm"
	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/messaging"
)

// keyShareManager implements room key re-distribution between a
// user's own devices: the outgoing request state machine with
// deduplication and cancel/resend, and the incoming side with
// per-device batch accept.
type keyShareManager struct {
	engine *Engine
}

func newKeyShareManager(e *Engine) *keyShareManager {
	return &keyShareManager{engine: e}
}

// RequestKey queues a room key request to all of the user's other
// devices. A request with an identical body already Unsent or Sent is
// left alone — exactly one stored request per body.
func (m *keyShareManager) RequestKey(ctx context.Context, body store.RoomKeyRequestBody) error {
	e := m.engine
	e.mu.Lock()
	_, err := e.store.GetOutgoingKeyRequestByBody(body)
	if err == nil {
		e.mu.Unlock()
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		e.mu.Unlock()
		return fmt.Errorf("crypto: checking for existing request: %w", err)
	}
	request := store.OutgoingKeyRequest{
		RequestID: uuid.NewString(),
		Body:      body,
		Recipients: []store.KeyRequestRecipient{
			{UserID: e.userID, DeviceID: ref.AllDevices},
		},
		State: store.KeyRequestUnsent,
	}
	if err := e.store.PutOutgoingKeyRequest(request); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("crypto: queueing key request: %w", err)
	}
	e.mu.Unlock()
	return m.Flush(ctx)
}

// CancelRequest cancels an outgoing request. With resend set, a fresh
// request with the same body is spawned once the cancellation has
// been dispatched.
func (m *keyShareManager) CancelRequest(ctx context.Context, requestID string, resend bool) error {
	e := m.engine
	e.mu.Lock()
	request, err := e.store.GetOutgoingKeyRequest(requestID)
	if err != nil {
		e.mu.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			// Already completed or cancelled; the race loser no-ops.
			return nil
		}
		return fmt.Errorf("crypto: loading key request: %w", err)
	}
	switch request.State {
	case store.KeyRequestUnsent:
		// Never went out: cancelling is a pure store operation, with
		// an optional immediate requeue.
		if err := e.store.DeleteOutgoingKeyRequest(requestID); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("crypto: deleting key request: %w", err)
		}
		e.mu.Unlock()
		if resend {
			return m.RequestKey(ctx, request.Body)
		}
		return nil
	case store.KeyRequestSent:
		request.State = store.KeyRequestCancellationPending
		if resend {
			request.State = store.KeyRequestCancellationPendingAndWillResend
		}
	case store.KeyRequestCancellationPending:
		if resend {
			request.State = store.KeyRequestCancellationPendingAndWillResend
		}
	case store.KeyRequestCancellationPendingAndWillResend:
		// Nothing stronger to record.
	}
	if err := e.store.PutOutgoingKeyRequest(request); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("crypto: updating key request: %w", err)
	}
	e.mu.Unlock()
	return m.Flush(ctx)
}

// Flush dispatches every Unsent request and every pending
// cancellation. Transport failure leaves the state untouched for the
// next flush.
func (m *keyShareManager) Flush(ctx context.Context) error {
	e := m.engine
	e.mu.Lock()
	requests, err := e.store.ListOutgoingKeyRequests()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("crypto: listing key requests: %w", err)
	}
	e.mu.Unlock()

	for _, request := range requests {
		switch request.State {
		case store.KeyRequestUnsent:
			if err := m.dispatch(ctx, request, KeyRequestActionRequest); err != nil {
				return err
			}
			request.State = store.KeyRequestSent
			e.mu.Lock()
			err := e.store.PutOutgoingKeyRequest(request)
			e.mu.Unlock()
			if err != nil {
				return fmt.Errorf("crypto: updating key request: %w", err)
			}

		case store.KeyRequestCancellationPending, store.KeyRequestCancellationPendingAndWillResend:
			if err := m.dispatch(ctx, request, KeyRequestActionCancel); err != nil {
				return err
			}
			resend := request.State == store.KeyRequestCancellationPendingAndWillResend
			e.mu.Lock()
			err := e.store.DeleteOutgoingKeyRequest(request.RequestID)
			if err == nil && resend {
				fresh := store.OutgoingKeyRequest{
					RequestID:  uuid.NewString(),
					Body:       request.Body,
					Recipients: request.Recipients,
					State:      store.KeyRequestUnsent,
				}
				err = e.store.PutOutgoingKeyRequest(fresh)
			}
			e.mu.Unlock()
			if err != nil {
				return fmt.Errorf("crypto: completing cancellation: %w", err)
			}
			if resend {
				// Send the respawned request in this same flush.
				return m.Flush(ctx)
			}
		}
	}
	return nil
}

// dispatch sends one request or cancellation to its recipients in the
// clear (m.room_key_request carries no key material).
func (m *keyShareManager) dispatch(ctx context.Context, request store.OutgoingKeyRequest, action string) error {
	e := m.engine
	content := RoomKeyRequestContent{
		Action:             action,
		RequestingDeviceID: e.deviceID,
		RequestID:          request.RequestID,
	}
	if action == KeyRequestActionRequest {
		body := request.Body
		content.Body = &body
	}
	messages := make(messaging.ToDeviceMessages)
	for _, recipient := range request.Recipients {
		if messages[recipient.UserID] == nil {
			messages[recipient.UserID] = make(map[ref.DeviceID]any)
		}
		messages[recipient.UserID][recipient.DeviceID] = content
	}
	if err := e.transport.SendToDevice(ctx, EventRoomKeyRequest, messages); err != nil {
		return fmt.Errorf("crypto: sending key request: %w", err)
	}
	return nil
}

// HandleRequest processes an incoming m.room_key_request to-device
// event. Only requests from the user's own devices are considered;
// key release still waits for an explicit AcceptKeyRequests call.
func (m *keyShareManager) HandleRequest(event messaging.ToDeviceEvent) error {
	e := m.engine
	if event.Sender != e.userID {
		return nil
	}
	var content RoomKeyRequestContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return fmt.Errorf("crypto: parsing key request: %w", err)
	}
	if content.RequestingDeviceID == e.deviceID {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch content.Action {
	case KeyRequestActionRequest:
		if content.Body == nil {
			return fmt.Errorf("crypto: key request without body")
		}
		request := store.IncomingKeyRequest{
			UserID:    event.Sender,
			DeviceID:  content.RequestingDeviceID,
			RequestID: content.RequestID,
			Body:      *content.Body,
		}
		if err := e.store.PutIncomingKeyRequest(request); err != nil {
			return fmt.Errorf("crypto: storing key request: %w", err)
		}
		e.notifier.keyRequestReceived(request)
		return nil

	case KeyRequestActionCancel:
		pending, err := e.store.IncomingKeyRequestsForDevice(event.Sender, content.RequestingDeviceID)
		if err != nil {
			return fmt.Errorf("crypto: listing key requests: %w", err)
		}
		remaining := pending[:0]
		for _, request := range pending {
			if request.RequestID != content.RequestID {
				remaining = append(remaining, request)
			}
		}
		if len(remaining) == len(pending) {
			// Cancellation for a request we never saw; ignore.
			return nil
		}
		if err := e.store.DeleteIncomingKeyRequestsForDevice(event.Sender, content.RequestingDeviceID); err != nil {
			return fmt.Errorf("crypto: clearing key requests: %w", err)
		}
		for _, request := range remaining {
			if err := e.store.PutIncomingKeyRequest(request); err != nil {
				return fmt.Errorf("crypto: restoring key request: %w", err)
			}
		}
		return nil

	default:
		return fmt.Errorf("crypto: unknown key request action %q", content.Action)
	}
}

// HasKeysForRequest reports whether this device actually holds the
// session a request asks for.
func (m *keyShareManager) HasKeysForRequest(body store.RoomKeyRequestBody) bool {
	e := m.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.store.GetInboundGroupSession(body.RoomID, body.SenderKey, body.SessionID)
	return err == nil
}

// AcceptKeyRequests shares keys with one of the user's devices.
// Accepting satisfies every pending request from that device in one
// batch. Keys are re-exported at our earliest known index — the
// requester receives exactly the history this device can decrypt, no
// synthetic extension.
func (m *keyShareManager) AcceptKeyRequests(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID) error {
	e := m.engine
	if userID != e.userID {
		return fmt.Errorf("crypto: refusing key share with another user's device %s/%s", userID, deviceID)
	}

	e.mu.Lock()
	pending, err := e.store.IncomingKeyRequestsForDevice(userID, deviceID)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("crypto: listing key requests: %w", err)
	}
	if len(pending) == 0 {
		e.mu.Unlock()
		return nil
	}
	device, err := e.store.GetDevice(userID, deviceID)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("crypto: loading requesting device: %w", err)
	}

	var shares []ForwardedRoomKeyContent
	for _, request := range pending {
		share, err := m.buildForwardedKeyLocked(request.Body)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				e.log.Info("key request for session we do not hold",
					"session_id", request.Body.SessionID,
					"device_id", deviceID,
				)
				continue
			}
			e.mu.Unlock()
			return err
		}
		shares = append(shares, share)
	}
	e.mu.Unlock()

	for _, share := range shares {
		if err := e.encryptToDevice(ctx, []store.DeviceRecord{device}, EventForwardedRoomKey, share); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.DeleteIncomingKeyRequestsForDevice(userID, deviceID); err != nil {
		return fmt.Errorf("crypto: clearing key requests: %w", err)
	}
	return nil
}

// IgnoreKeyRequests drops all pending requests from a device without
// sharing anything.
func (m *keyShareManager) IgnoreKeyRequests(userID ref.UserID, deviceID ref.DeviceID) error {
	e := m.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.DeleteIncomingKeyRequestsForDevice(userID, deviceID); err != nil {
		return fmt.Errorf("crypto: clearing key requests: %w", err)
	}
	return nil
}

// buildForwardedKeyLocked re-exports a held session for forwarding,
// appending ourselves to the forwarding chain. Called with mu held.
func (m *keyShareManager) buildForwardedKeyLocked(body store.RoomKeyRequestBody) (ForwardedRoomKeyContent, error) {
	e := m.engine
	record, err := e.store.GetInboundGroupSession(body.RoomID, body.SenderKey, body.SessionID)
	if err != nil {
		return ForwardedRoomKeyContent{}, err
	}
	session, err := olm.UnpickleInboundGroupSession(record.Pickle)
	if err != nil {
		return ForwardedRoomKeyContent{}, fmt.Errorf("crypto: loading inbound session: %w", err)
	}
	sessionKey, err := session.Export(session.FirstKnownIndex())
	if err != nil {
		return ForwardedRoomKeyContent{}, fmt.Errorf("crypto: exporting session: %w", err)
	}
	chain := append([]ref.Curve25519{}, record.ForwardingChain...)
	chain = append(chain, e.account.IdentityKey())
	return ForwardedRoomKeyContent{
		Algorithm:            AlgorithmMegolm,
		RoomID:               body.RoomID,
		SessionID:            body.SessionID,
		SessionKey:           sessionKey,
		SenderKey:            body.SenderKey,
		SenderClaimedEd25519: record.ClaimedEd25519,
		ForwardingChain:      chain,
	}, nil
}

// HandleForwardedKey processes an m.forwarded_room_key delivered over
// olm: only accepted from the user's own devices in response to a
// request we actually made, then stored through the ordinary add path
// and the satisfied request completed.
func (m *keyShareManager) HandleForwardedKey(decrypted *DecryptedToDevice) error {
	e := m.engine
	if decrypted.Sender != e.userID {
		return nil
	}
	var content ForwardedRoomKeyContent
	if err := json.Unmarshal(decrypted.Content, &content); err != nil {
		return fmt.Errorf("crypto: parsing forwarded key: %w", err)
	}
	if content.Algorithm != AlgorithmMegolm {
		return fmt.Errorf("crypto: unsupported forwarded key algorithm %q", content.Algorithm)
	}
	body := store.RoomKeyRequestBody{
		Algorithm: content.Algorithm,
		RoomID:    content.RoomID,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	request, err := e.store.GetOutgoingKeyRequestByBody(body)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Unsolicited key; do not import it.
			return nil
		}
		return fmt.Errorf("crypto: matching forwarded key: %w", err)
	}

	err = e.addInboundGroupSessionLocked(inboundSessionSource{
		roomID:          content.RoomID,
		senderKey:       content.SenderKey,
		sessionID:       content.SessionID,
		sessionKey:      content.SessionKey,
		forwardingChain: content.ForwardingChain,
		claimedEd25519:  content.SenderClaimedEd25519,
	}, false)
	if err != nil {
		return err
	}
	if err := e.store.DeleteOutgoingKeyRequest(request.RequestID); err != nil {
		return fmt.Errorf("crypto: completing key request: %w", err)
	}
	return nil
}

// Engine-level wrappers.

// RequestRoomKey queues a key request for a session this device
// cannot decrypt.
func (e *Engine) RequestRoomKey(ctx context.Context, body store.RoomKeyRequestBody) error {
	return e.keyShare.RequestKey(ctx, body)
}

// CancelRoomKeyRequest cancels an outgoing key request; with resend
// set, a fresh request follows the cancellation.
func (e *Engine) CancelRoomKeyRequest(ctx context.Context, requestID string, resend bool) error {
	return e.keyShare.CancelRequest(ctx, requestID, resend)
}

// HasKeysForKeyRequest reports whether this device holds the
// requested session.
func (e *Engine) HasKeysForKeyRequest(body store.RoomKeyRequestBody) bool {
	return e.keyShare.HasKeysForRequest(body)
}

// AcceptKeyRequests releases keys to one of the user's own devices,
// satisfying all its pending requests.
func (e *Engine) AcceptKeyRequests(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID) error {
	return e.keyShare.AcceptKeyRequests(ctx, userID, deviceID)
}

// IgnoreKeyRequests drops a device's pending key requests.
func (e *Engine) IgnoreKeyRequests(userID ref.UserID, deviceID ref.DeviceID) error {
	return e.keyShare.IgnoreKeyRequests(userID, deviceID)
}
