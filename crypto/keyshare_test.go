// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"errors"
	"testing"

	"github.com/niochat/nio/crypto/olm"
	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/lib/ref"
)

// newOwnDevicePair wires two devices of the same user into the test
// room, both initial-synced and aware of each other.
func newOwnDevicePair(t *testing.T) (*fakeServer, *testEngine, *testEngine) {
	t.Helper()
	server := newFakeServer()
	fakeClock := testClock()
	first := newTestEngine(t, server, fakeClock, aliceUser, aliceFirst, Tunables{})
	second := newTestEngine(t, server, fakeClock, aliceUser, aliceOther, Tunables{})
	server.setRoom(testRoom, EncryptionSettings{Algorithm: AlgorithmMegolm}, ref.MustParseUserID(aliceUser))
	first.initialSync(t)
	second.initialSync(t)

	ctx := context.Background()
	aliceID := ref.MustParseUserID(aliceUser)
	if err := first.DownloadKeys(ctx, []ref.UserID{aliceID}, true); err != nil {
		t.Fatalf("first DownloadKeys: %v", err)
	}
	if err := second.DownloadKeys(ctx, []ref.UserID{aliceID}, true); err != nil {
		t.Fatalf("second DownloadKeys: %v", err)
	}
	return server, first, second
}

func TestRequestRoomKeyDeduplicates(t *testing.T) {
	_, _, second := newOwnDevicePair(t)

	ctx := context.Background()
	body := store.RoomKeyRequestBody{
		Algorithm: AlgorithmMegolm,
		RoomID:    testRoom,
		SenderKey: ref.Curve25519("c2VuZGVyIGtleQ"),
		SessionID: ref.MustParseSessionID("sessionAAAA"),
	}
	if err := second.RequestRoomKey(ctx, body); err != nil {
		t.Fatalf("RequestRoomKey: %v", err)
	}
	first, err := second.store.GetOutgoingKeyRequestByBody(body)
	if err != nil {
		t.Fatalf("GetOutgoingKeyRequestByBody: %v", err)
	}

	// A second request for the same session reuses the outstanding
	// one instead of spawning a duplicate.
	if err := second.RequestRoomKey(ctx, body); err != nil {
		t.Fatalf("RequestRoomKey again: %v", err)
	}
	again, err := second.store.GetOutgoingKeyRequestByBody(body)
	if err != nil {
		t.Fatalf("GetOutgoingKeyRequestByBody again: %v", err)
	}
	if again.RequestID != first.RequestID {
		t.Errorf("request id changed: %s != %s", again.RequestID, first.RequestID)
	}
}

func TestKeyShareBetweenOwnDevices(t *testing.T) {
	_, first, second := newOwnDevicePair(t)
	ctx := context.Background()

	// The first device encrypts while the second has no key material
	// for the session.
	content, err := first.EncryptRoomEvent(ctx, testRoom, "m.room.message", testMessage{Body: "history"})
	if err != nil {
		t.Fatalf("EncryptRoomEvent: %v", err)
	}
	// Drop the legitimate room key share so the second device never
	// holds the session.
	second.transport.server.takeInbox(ref.MustParseUserID(aliceUser), ref.MustParseDeviceID(aliceOther))
	second.deliver(t)
	if _, err := second.DecryptRoomEvent(ctx, testRoom, "$event1", content); err == nil {
		t.Fatal("second device decrypted without the session key")
	}

	// The failed decrypt queued the key request; a fresh sync on the
	// first device surfaces it.
	var received []store.IncomingKeyRequest
	first.AddListener(Listeners{
		KeyRequestReceived: func(request store.IncomingKeyRequest) {
			received = append(received, request)
		},
	})
	first.deliver(t)
	if len(received) != 1 {
		t.Fatalf("first device saw %d key requests, want 1", len(received))
	}
	if !first.HasKeysForKeyRequest(received[0].Body) {
		t.Fatal("first device does not hold the requested session")
	}

	if err := first.AcceptKeyRequests(ctx, ref.MustParseUserID(aliceUser), ref.MustParseDeviceID(aliceOther)); err != nil {
		t.Fatalf("AcceptKeyRequests: %v", err)
	}
	second.deliver(t)

	plaintext, err := second.DecryptRoomEvent(ctx, testRoom, "$event1", content)
	if err != nil {
		t.Fatalf("DecryptRoomEvent after key share: %v", err)
	}
	if len(plaintext) == 0 {
		t.Fatal("empty plaintext after key share")
	}

	// The satisfied request is gone; the forwarded key is recorded
	// with the sharing device in its forwarding chain.
	body := store.RoomKeyRequestBody{
		Algorithm: AlgorithmMegolm,
		RoomID:    testRoom,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
	}
	if _, err := second.store.GetOutgoingKeyRequestByBody(body); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("outgoing request still present, err = %v", err)
	}
	record, err := second.store.GetInboundGroupSession(testRoom, content.SenderKey, content.SessionID)
	if err != nil {
		t.Fatalf("GetInboundGroupSession: %v", err)
	}
	if len(record.ForwardingChain) != 1 || record.ForwardingChain[0] != first.IdentityKey() {
		t.Errorf("forwarding chain = %v, want [first device identity]", record.ForwardingChain)
	}
}

func TestUnsolicitedForwardedKeyIgnored(t *testing.T) {
	_, first, second := newOwnDevicePair(t)
	ctx := context.Background()

	content, err := first.EncryptRoomEvent(ctx, testRoom, "m.room.message", testMessage{Body: "x"})
	if err != nil {
		t.Fatalf("EncryptRoomEvent: %v", err)
	}
	// Drop the legitimate room key share so the second device never
	// holds the session.
	second.transport.server.takeInbox(ref.MustParseUserID(aliceUser), ref.MustParseDeviceID(aliceOther))

	// Forward the key without any request from the second device
	// having been made.
	device, err := first.store.GetDevice(ref.MustParseUserID(aliceUser), ref.MustParseDeviceID(aliceOther))
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	record, err := first.store.GetInboundGroupSession(testRoom, content.SenderKey, content.SessionID)
	if err != nil {
		t.Fatalf("GetInboundGroupSession: %v", err)
	}
	session, err := olm.UnpickleInboundGroupSession(record.Pickle)
	if err != nil {
		t.Fatalf("unpickle: %v", err)
	}
	sessionKey, err := session.Export(session.FirstKnownIndex())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	share := ForwardedRoomKeyContent{
		Algorithm:  AlgorithmMegolm,
		RoomID:     testRoom,
		SessionID:  content.SessionID,
		SenderKey:  content.SenderKey,
		SessionKey: sessionKey,
	}
	if err := first.encryptToDevice(ctx, []store.DeviceRecord{device}, EventForwardedRoomKey, share); err != nil {
		t.Fatalf("encryptToDevice: %v", err)
	}

	second.deliver(t)
	if _, err := second.store.GetInboundGroupSession(testRoom, content.SenderKey, content.SessionID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unsolicited key imported, err = %v", err)
	}
}

func TestCancelRoomKeyRequest(t *testing.T) {
	server, _, second := newOwnDevicePair(t)
	ctx := context.Background()

	body := store.RoomKeyRequestBody{
		Algorithm: AlgorithmMegolm,
		RoomID:    testRoom,
		SenderKey: ref.Curve25519("c2VuZGVyIGtleQ"),
		SessionID: ref.MustParseSessionID("sessionBBBB"),
	}
	if err := second.RequestRoomKey(ctx, body); err != nil {
		t.Fatalf("RequestRoomKey: %v", err)
	}
	request, err := second.store.GetOutgoingKeyRequestByBody(body)
	if err != nil {
		t.Fatalf("GetOutgoingKeyRequestByBody: %v", err)
	}

	if err := second.CancelRoomKeyRequest(ctx, request.RequestID, false); err != nil {
		t.Fatalf("CancelRoomKeyRequest: %v", err)
	}
	if _, err := second.store.GetOutgoingKeyRequest(request.RequestID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cancelled request still stored, err = %v", err)
	}

	// Cancelling an unknown request is the race loser's no-op.
	if err := second.CancelRoomKeyRequest(ctx, "no-such-request", false); err != nil {
		t.Errorf("cancel of unknown request: %v", err)
	}
	_ = server
}

func TestCancelAndResendMintsNewRequest(t *testing.T) {
	_, _, second := newOwnDevicePair(t)
	ctx := context.Background()

	body := store.RoomKeyRequestBody{
		Algorithm: AlgorithmMegolm,
		RoomID:    testRoom,
		SenderKey: ref.Curve25519("c2VuZGVyIGtleQ"),
		SessionID: ref.MustParseSessionID("sessionCCCC"),
	}
	if err := second.RequestRoomKey(ctx, body); err != nil {
		t.Fatalf("RequestRoomKey: %v", err)
	}
	before, err := second.store.GetOutgoingKeyRequestByBody(body)
	if err != nil {
		t.Fatalf("GetOutgoingKeyRequestByBody: %v", err)
	}

	if err := second.CancelRoomKeyRequest(ctx, before.RequestID, true); err != nil {
		t.Fatalf("CancelRoomKeyRequest resend: %v", err)
	}
	after, err := second.store.GetOutgoingKeyRequestByBody(body)
	if err != nil {
		t.Fatalf("GetOutgoingKeyRequestByBody after resend: %v", err)
	}
	if after.RequestID == before.RequestID {
		t.Error("resend reused the cancelled request id")
	}
	if after.State != store.KeyRequestSent {
		t.Errorf("resent request state = %v, want KeyRequestSent", after.State)
	}
}

func TestIgnoreKeyRequests(t *testing.T) {
	_, first, second := newOwnDevicePair(t)
	ctx := context.Background()

	content, err := first.EncryptRoomEvent(ctx, testRoom, "m.room.message", testMessage{Body: "kept"})
	if err != nil {
		t.Fatalf("EncryptRoomEvent: %v", err)
	}
	second.transport.server.takeInbox(ref.MustParseUserID(aliceUser), ref.MustParseDeviceID(aliceOther))
	if _, err := second.DecryptRoomEvent(ctx, testRoom, "$event1", content); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("DecryptRoomEvent error = %v, want ErrUnknownSession", err)
	}
	first.deliver(t)

	aliceID := ref.MustParseUserID(aliceUser)
	otherDevice := ref.MustParseDeviceID(aliceOther)
	if err := first.IgnoreKeyRequests(aliceID, otherDevice); err != nil {
		t.Fatalf("IgnoreKeyRequests: %v", err)
	}
	pending, err := first.store.IncomingKeyRequestsForDevice(aliceID, otherDevice)
	if err != nil {
		t.Fatalf("IncomingKeyRequestsForDevice: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d requests remain after ignore, want 0", len(pending))
	}
}
