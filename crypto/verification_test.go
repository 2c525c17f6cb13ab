// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/lib/codec"
	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/messaging"
)

// verificationCapture records listener callbacks for assertions.
type verificationCapture struct {
	requests     []VerificationRequest
	transactions []Transaction
}

func captureVerification(e *testEngine) *verificationCapture {
	capture := &verificationCapture{}
	e.AddListener(Listeners{
		VerificationRequested: func(request VerificationRequest) {
			capture.requests = append(capture.requests, request)
		},
		VerificationTransactionUpdated: func(transaction Transaction) {
			capture.transactions = append(capture.transactions, transaction)
		},
	})
	return capture
}

func (c *verificationCapture) lastTransaction(t *testing.T) Transaction {
	t.Helper()
	if len(c.transactions) == 0 {
		t.Fatal("no transaction updates observed")
	}
	return c.transactions[len(c.transactions)-1]
}

// driveSASToShowSAS runs a request/ready/start/accept/key exchange
// between two devices of the same user until both display the short
// strings. second is the initiator.
func driveSASToShowSAS(t *testing.T, first, second *testEngine) string {
	t.Helper()
	ctx := context.Background()

	request, err := second.RequestVerification(ctx, ref.MustParseUserID(aliceUser))
	if err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	first.deliver(t)
	// The request fanned out to all devices, including the sender.
	// The echo must not shadow the outgoing request.
	second.deliver(t)

	if err := first.ReadyVerification(ctx, request.RequestID); err != nil {
		t.Fatalf("ReadyVerification: %v", err)
	}
	second.deliver(t)

	if _, err := second.StartSAS(ctx, request.RequestID); err != nil {
		t.Fatalf("StartSAS: %v", err)
	}
	first.deliver(t)
	if err := first.AcceptSAS(ctx, request.RequestID); err != nil {
		t.Fatalf("AcceptSAS: %v", err)
	}
	second.deliver(t) // accept: initiator reveals its key
	first.deliver(t)  // key: accepter reveals and derives
	second.deliver(t) // key: initiator checks commitment and derives
	return request.RequestID
}

func TestSASVerificationBetweenOwnDevices(t *testing.T) {
	_, first, second := newOwnDevicePair(t)
	firstCapture := captureVerification(first)
	secondCapture := captureVerification(second)
	ctx := context.Background()

	transactionID := driveSASToShowSAS(t, first, second)

	if len(firstCapture.requests) != 1 {
		t.Fatalf("first saw %d verification requests, want 1", len(firstCapture.requests))
	}
	incoming := firstCapture.requests[0]
	if incoming.RequestID != transactionID || !incoming.Incoming {
		t.Errorf("incoming request = %+v, want incoming id %s", incoming, transactionID)
	}

	firstSAS := firstCapture.lastTransaction(t)
	secondSAS := secondCapture.lastTransaction(t)
	if firstSAS.State != SASShowSAS || secondSAS.State != SASShowSAS {
		t.Fatalf("states = %v / %v, want both SASShowSAS", firstSAS.State, secondSAS.State)
	}
	if firstSAS.SASDecimal != secondSAS.SASDecimal {
		t.Errorf("decimal sas differs: %v vs %v", firstSAS.SASDecimal, secondSAS.SASDecimal)
	}
	for _, group := range firstSAS.SASDecimal {
		if group < 1000 || group > 9191 {
			t.Errorf("decimal group %d outside displayable range", group)
		}
	}
	if len(firstSAS.SASEmoji) != 7 || len(secondSAS.SASEmoji) != 7 {
		t.Fatalf("emoji counts = %d / %d, want 7", len(firstSAS.SASEmoji), len(secondSAS.SASEmoji))
	}
	for i := range firstSAS.SASEmoji {
		if firstSAS.SASEmoji[i] != secondSAS.SASEmoji[i] {
			t.Errorf("emoji %d differs: %v vs %v", i, firstSAS.SASEmoji[i], secondSAS.SASEmoji[i])
		}
	}

	// Both users confirm; MACs cross, then done.
	if err := first.ConfirmSAS(ctx, transactionID); err != nil {
		t.Fatalf("first ConfirmSAS: %v", err)
	}
	second.deliver(t)
	if err := second.ConfirmSAS(ctx, transactionID); err != nil {
		t.Fatalf("second ConfirmSAS: %v", err)
	}
	first.deliver(t)
	second.deliver(t)

	if state := firstCapture.lastTransaction(t).State; state != TransactionVerified {
		t.Errorf("first final state = %v, want TransactionVerified", state)
	}
	if state := secondCapture.lastTransaction(t).State; state != TransactionVerified {
		t.Errorf("second final state = %v, want TransactionVerified", state)
	}

	aliceID := ref.MustParseUserID(aliceUser)
	other, err := first.store.GetDevice(aliceID, ref.MustParseDeviceID(aliceOther))
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if other.Verification != store.VerificationVerified {
		t.Errorf("first did not mark partner device verified")
	}
	partner, err := second.store.GetDevice(aliceID, ref.MustParseDeviceID(aliceFirst))
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if partner.Verification != store.VerificationVerified {
		t.Errorf("second did not mark partner device verified")
	}
}

func TestMismatchedSASCancelsBothSides(t *testing.T) {
	_, first, second := newOwnDevicePair(t)
	secondCapture := captureVerification(second)
	ctx := context.Background()

	transactionID := driveSASToShowSAS(t, first, second)
	if err := first.MismatchSAS(ctx, transactionID); err != nil {
		t.Fatalf("MismatchSAS: %v", err)
	}
	second.deliver(t)

	final := secondCapture.lastTransaction(t)
	if final.State != TransactionCancelled {
		t.Errorf("partner state = %v, want TransactionCancelled", final.State)
	}
	if final.CancelCode != CancelMismatchedSAS {
		t.Errorf("cancel code = %q, want %q", final.CancelCode, CancelMismatchedSAS)
	}

	device, err := second.store.GetDevice(ref.MustParseUserID(aliceUser), ref.MustParseDeviceID(aliceFirst))
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if device.Verification == store.VerificationVerified {
		t.Error("device verified despite sas mismatch")
	}
}

func TestVerificationRequestExpires(t *testing.T) {
	_, first, second := newOwnDevicePair(t)
	ctx := context.Background()

	request, err := second.RequestVerification(ctx, ref.MustParseUserID(aliceUser))
	if err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	first.deliver(t)
	if err := first.ReadyVerification(ctx, request.RequestID); err != nil {
		t.Fatalf("ReadyVerification: %v", err)
	}
	second.deliver(t)

	second.clock.Advance(10 * time.Minute)
	if _, err := second.StartSAS(ctx, request.RequestID); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("StartSAS on expired request = %v, want ErrUnknownTransaction", err)
	}
}

func TestSASTransactionTimesOut(t *testing.T) {
	_, first, second := newOwnDevicePair(t)
	secondCapture := captureVerification(second)
	ctx := context.Background()

	transactionID := driveSASToShowSAS(t, first, second)
	second.clock.Advance(10 * time.Minute)

	if err := second.ConfirmSAS(ctx, transactionID); !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("ConfirmSAS after timeout = %v, want ErrUnknownTransaction", err)
	}
	final := secondCapture.lastTransaction(t)
	if final.State != TransactionCancelledByMe || final.CancelCode != CancelTimeout {
		t.Errorf("final = %v/%q, want TransactionCancelledByMe/%q", final.State, final.CancelCode, CancelTimeout)
	}
}

func TestCancelledTransactionIgnoresStrayEvents(t *testing.T) {
	_, first, second := newOwnDevicePair(t)
	secondCapture := captureVerification(second)
	ctx := context.Background()

	transactionID := driveSASToShowSAS(t, first, second)
	if err := first.CancelVerification(ctx, transactionID, CancelUser, "changed my mind"); err != nil {
		t.Fatalf("CancelVerification: %v", err)
	}
	second.deliver(t)
	if state := secondCapture.lastTransaction(t).State; state != TransactionCancelled {
		t.Fatalf("state after cancel = %v, want TransactionCancelled", state)
	}
	updates := len(secondCapture.transactions)

	// A stale key message arriving after the cancel must not revive
	// the transaction.
	stray := json.RawMessage(`{"transaction_id":"` + transactionID + `","key":"AAAA"}`)
	err := second.ProcessSyncResponse(ctx, &messaging.SyncResponse{
		NextBatch: "s9",
		ToDevice: messaging.ToDeviceSection{Events: []messaging.ToDeviceEvent{{
			Type:    EventVerificationKey,
			Sender:  ref.MustParseUserID(aliceUser),
			Content: stray,
		}}},
	})
	if err != nil {
		t.Fatalf("delivering stray event: %v", err)
	}
	if len(secondCapture.transactions) != updates {
		t.Error("stray event resurrected a cancelled transaction")
	}
	if err := second.ConfirmSAS(ctx, transactionID); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("ConfirmSAS after cancel = %v, want ErrUnknownTransaction", err)
	}
}

func TestCancelUnknownVerificationIsNoOp(t *testing.T) {
	_, first, second := newOwnDevicePair(t)
	first.transport.server.takeInbox(first.transport.userID, first.transport.deviceID)

	if err := second.CancelVerification(context.Background(), "no-such-id", CancelUser, ""); err != nil {
		t.Fatalf("CancelVerification: %v", err)
	}
	pending := first.transport.server.takeInbox(first.transport.userID, first.transport.deviceID)
	if len(pending) != 0 {
		t.Errorf("cancel of unknown transaction sent %d events, want none", len(pending))
	}
}

// seedMasterKey plants the same master cross-signing key in both
// devices' stores, as if fetched from the server.
func seedMasterKey(t *testing.T, engines ...*testEngine) ref.Ed25519 {
	t.Helper()
	master := ref.Ed25519("bWFzdGVyLWtleS1wdWJsaWMtcGFydA")
	for _, e := range engines {
		err := e.store.PutCrossSigningKey(store.CrossSigningKeyRecord{
			UserID:    ref.MustParseUserID(aliceUser),
			Usage:     store.UsageMaster,
			PublicKey: master,
		})
		if err != nil {
			t.Fatalf("PutCrossSigningKey: %v", err)
		}
	}
	return master
}

func TestQRSelfVerification(t *testing.T) {
	_, first, second := newOwnDevicePair(t)
	firstCapture := captureVerification(first)
	secondCapture := captureVerification(second)
	seedMasterKey(t, first, second)
	ctx := context.Background()

	// second is a fresh device: the code it shows attests its own
	// device key and names the master key for the scanner to vouch.
	request, err := second.RequestVerification(ctx, ref.MustParseUserID(aliceUser))
	if err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	first.deliver(t)
	second.deliver(t)

	payload, err := second.GenerateQRCode(request.RequestID)
	if err != nil {
		t.Fatalf("GenerateQRCode: %v", err)
	}
	scanned, err := first.ScanQRCode(ctx, payload)
	if err != nil {
		t.Fatalf("ScanQRCode: %v", err)
	}
	if scanned.State != QRWaitingOtherConfirm {
		t.Fatalf("scanner state = %v, want QRWaitingOtherConfirm", scanned.State)
	}

	second.deliver(t) // reciprocate: shower checks the echoed secret
	if state := secondCapture.lastTransaction(t).State; state != QRScannedByOther {
		t.Fatalf("shower state = %v, want QRScannedByOther", state)
	}
	if err := second.ConfirmQRScan(ctx, request.RequestID); err != nil {
		t.Fatalf("ConfirmQRScan: %v", err)
	}
	first.deliver(t)
	second.deliver(t)

	if state := firstCapture.lastTransaction(t).State; state != TransactionVerified {
		t.Errorf("scanner final state = %v, want TransactionVerified", state)
	}
	if state := secondCapture.lastTransaction(t).State; state != TransactionVerified {
		t.Errorf("shower final state = %v, want TransactionVerified", state)
	}

	aliceID := ref.MustParseUserID(aliceUser)
	shown, err := second.store.GetDevice(aliceID, ref.MustParseDeviceID(aliceFirst))
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if shown.Verification != store.VerificationVerified {
		t.Error("shower did not mark scanner device verified")
	}
	scannedDevice, err := first.store.GetDevice(aliceID, ref.MustParseDeviceID(aliceOther))
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if scannedDevice.Verification != store.VerificationVerified {
		t.Error("scanner did not mark shower device verified")
	}
}

func TestScanRejectsTamperedQRCode(t *testing.T) {
	_, first, second := newOwnDevicePair(t)
	seedMasterKey(t, first, second)
	ctx := context.Background()

	request, err := second.RequestVerification(ctx, ref.MustParseUserID(aliceUser))
	if err != nil {
		t.Fatalf("RequestVerification: %v", err)
	}
	first.deliver(t)

	payload, err := second.GenerateQRCode(request.RequestID)
	if err != nil {
		t.Fatalf("GenerateQRCode: %v", err)
	}
	var code qrPayload
	if err := codec.Unmarshal(payload, &code); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	code.Key1 = "ZXZpbC1zdWJzdGl0dXRlZC1rZXk"
	tampered, err := codec.Marshal(code)
	if err != nil {
		t.Fatalf("re-encoding payload: %v", err)
	}

	if _, err := first.ScanQRCode(ctx, tampered); err == nil {
		t.Fatal("ScanQRCode accepted a code binding a foreign key")
	}
}
