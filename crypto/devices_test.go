// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"errors"
	"testing"

	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/messaging"
)

func trackingStatus(t *testing.T, e *testEngine, userID ref.UserID) store.TrackingStatus {
	t.Helper()
	status, err := e.store.GetTracking(userID)
	if err != nil {
		t.Fatalf("GetTracking: %v", err)
	}
	return status
}

func TestStartTrackingMarksPending(t *testing.T) {
	server := newFakeServer()
	alice := newTestEngine(t, server, testClock(), aliceUser, aliceFirst, Tunables{})

	bobID := ref.MustParseUserID(bobUser)
	if err := alice.StartTrackingDeviceList(bobID); err != nil {
		t.Fatalf("StartTrackingDeviceList: %v", err)
	}
	if got := trackingStatus(t, alice, bobID); got != store.TrackingPendingDownload {
		t.Errorf("tracking = %v, want PendingDownload", got)
	}

	// Starting again is idempotent and does not regress the status.
	if err := alice.StartTrackingDeviceList(bobID); err != nil {
		t.Fatalf("StartTrackingDeviceList again: %v", err)
	}
}

func TestRefreshOutdatedDownloadsDevices(t *testing.T) {
	server := newFakeServer()
	fakeClock := testClock()
	alice := newTestEngine(t, server, fakeClock, aliceUser, aliceFirst, Tunables{})
	bob := newTestEngine(t, server, fakeClock, bobUser, bobFirst, Tunables{})
	bob.initialSync(t)

	bobID := ref.MustParseUserID(bobUser)
	if err := alice.StartTrackingDeviceList(bobID); err != nil {
		t.Fatalf("StartTrackingDeviceList: %v", err)
	}
	if err := alice.RefreshOutdatedDeviceLists(context.Background()); err != nil {
		t.Fatalf("RefreshOutdatedDeviceLists: %v", err)
	}

	if got := trackingStatus(t, alice, bobID); got != store.TrackingUpToDate {
		t.Errorf("tracking = %v, want UpToDate", got)
	}
	devices, err := alice.store.DevicesForUser(bobID)
	if err != nil {
		t.Fatalf("DevicesForUser: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("stored %d devices, want 1", len(devices))
	}
	device := devices[0]
	if device.Ed25519 != bob.SigningKey() || device.Curve25519 != bob.IdentityKey() {
		t.Errorf("stored keys do not match bob's account")
	}
	if device.Verification != store.VerificationUnverified {
		t.Errorf("fresh device verification = %v, want Unverified", device.Verification)
	}
}

func TestTransportErrorMarksUnreachable(t *testing.T) {
	server := newFakeServer()
	fakeClock := testClock()
	alice := newTestEngine(t, server, fakeClock, aliceUser, aliceFirst, Tunables{})

	bobID := ref.MustParseUserID(bobUser)
	if err := alice.StartTrackingDeviceList(bobID); err != nil {
		t.Fatalf("StartTrackingDeviceList: %v", err)
	}

	server.mu.Lock()
	server.queryKeysErr = errors.New("connection refused")
	server.mu.Unlock()
	if err := alice.RefreshOutdatedDeviceLists(context.Background()); err == nil {
		t.Fatal("RefreshOutdatedDeviceLists succeeded despite transport failure")
	}
	if got := trackingStatus(t, alice, bobID); got != store.TrackingUnreachableServer {
		t.Errorf("tracking = %v, want UnreachableServer", got)
	}

	// An HTTP-level failure is a retryable download problem, not an
	// unreachable server.
	server.mu.Lock()
	server.queryKeysErr = &messaging.MatrixError{Code: messaging.ErrCodeLimitExceeded, StatusCode: 429}
	server.mu.Unlock()
	if err := alice.RefreshOutdatedDeviceLists(context.Background()); err == nil {
		t.Fatal("RefreshOutdatedDeviceLists succeeded despite server error")
	}
	if got := trackingStatus(t, alice, bobID); got != store.TrackingPendingDownload {
		t.Errorf("tracking = %v, want PendingDownload", got)
	}

	// Once the server recovers the refresh completes.
	server.mu.Lock()
	server.queryKeysErr = nil
	server.mu.Unlock()
	if err := alice.RefreshOutdatedDeviceLists(context.Background()); err != nil {
		t.Fatalf("RefreshOutdatedDeviceLists: %v", err)
	}
	if got := trackingStatus(t, alice, bobID); got != store.TrackingUpToDate {
		t.Errorf("tracking = %v, want UpToDate", got)
	}
}

func TestInvalidateRequiresTracking(t *testing.T) {
	server := newFakeServer()
	alice := newTestEngine(t, server, testClock(), aliceUser, aliceFirst, Tunables{})

	bobID := ref.MustParseUserID(bobUser)
	// Invalidating an untracked user is a no-op.
	if err := alice.InvalidateUserDeviceList(bobID); err != nil {
		t.Fatalf("InvalidateUserDeviceList: %v", err)
	}
	if got := trackingStatus(t, alice, bobID); got != store.TrackingNotTracked {
		t.Errorf("tracking = %v, want NotTracked", got)
	}
}

func TestSyncDeviceListChangesInvalidate(t *testing.T) {
	server := newFakeServer()
	fakeClock := testClock()
	alice := newTestEngine(t, server, fakeClock, aliceUser, aliceFirst, Tunables{})
	bob := newTestEngine(t, server, fakeClock, bobUser, bobFirst, Tunables{})
	bob.initialSync(t)

	bobID := ref.MustParseUserID(bobUser)
	if err := alice.DownloadKeys(context.Background(), []ref.UserID{bobID}, true); err != nil {
		t.Fatalf("DownloadKeys: %v", err)
	}
	if got := trackingStatus(t, alice, bobID); got != store.TrackingUpToDate {
		t.Fatalf("tracking = %v, want UpToDate", got)
	}

	// A sync naming bob in device_lists.changed triggers an immediate
	// re-download (the refresh runs within the same sync pass).
	err := alice.ProcessSyncResponse(context.Background(), &messaging.SyncResponse{
		NextBatch:   "s9",
		DeviceLists: messaging.DeviceListsSection{Changed: []ref.UserID{bobID}},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := trackingStatus(t, alice, bobID); got != store.TrackingUpToDate {
		t.Errorf("tracking = %v, want UpToDate after refresh", got)
	}

	// device_lists.left stops tracking and drops the cached devices.
	err = alice.ProcessSyncResponse(context.Background(), &messaging.SyncResponse{
		NextBatch:   "s10",
		DeviceLists: messaging.DeviceListsSection{Left: []ref.UserID{bobID}},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := trackingStatus(t, alice, bobID); got != store.TrackingNotTracked {
		t.Errorf("tracking = %v, want NotTracked after leave", got)
	}
	devices, err := alice.store.DevicesForUser(bobID)
	if err != nil {
		t.Fatalf("DevicesForUser: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("%d devices remain after leave, want 0", len(devices))
	}
}

func TestVerificationSurvivesRedownload(t *testing.T) {
	server := newFakeServer()
	fakeClock := testClock()
	alice := newTestEngine(t, server, fakeClock, aliceUser, aliceFirst, Tunables{})
	bob := newTestEngine(t, server, fakeClock, bobUser, bobFirst, Tunables{})
	bob.initialSync(t)

	ctx := context.Background()
	bobID := ref.MustParseUserID(bobUser)
	bobDevice := ref.MustParseDeviceID(bobFirst)
	if err := alice.DownloadKeys(ctx, []ref.UserID{bobID}, true); err != nil {
		t.Fatalf("DownloadKeys: %v", err)
	}
	if err := alice.SetDeviceVerification(bobID, bobDevice, store.VerificationVerified); err != nil {
		t.Fatalf("SetDeviceVerification: %v", err)
	}

	// A re-download with unchanged keys must not reset the local
	// verification decision.
	if err := alice.DownloadKeys(ctx, []ref.UserID{bobID}, true); err != nil {
		t.Fatalf("DownloadKeys again: %v", err)
	}
	level, err := alice.TrustLevel(bobID, bobDevice)
	if err != nil {
		t.Fatalf("TrustLevel: %v", err)
	}
	if !level.Trusted() {
		t.Error("verification lost across re-download")
	}
}

func TestForgedDeviceKeysRejected(t *testing.T) {
	server := newFakeServer()
	fakeClock := testClock()
	alice := newTestEngine(t, server, fakeClock, aliceUser, aliceFirst, Tunables{})
	bob := newTestEngine(t, server, fakeClock, bobUser, bobFirst, Tunables{})
	bob.initialSync(t)

	bobID := ref.MustParseUserID(bobUser)
	bobDevice := ref.MustParseDeviceID(bobFirst)

	// The server swaps bob's ed25519 key, invalidating the
	// self-signature.
	server.mu.Lock()
	forged := server.deviceKeys[bobID][bobDevice]
	keys := make(map[string]string, len(forged.Keys))
	for id, key := range forged.Keys {
		keys[id] = key
	}
	keys["ed25519:"+bobFirst] = "bm90IGEgcmVhbCBrZXkgYXQgYWxsISEhISEhISEhISE"
	forged.Keys = keys
	server.deviceKeys[bobID][bobDevice] = forged
	server.mu.Unlock()

	if err := alice.DownloadKeys(context.Background(), []ref.UserID{bobID}, true); err != nil {
		t.Fatalf("DownloadKeys: %v", err)
	}
	if _, err := alice.store.GetDevice(bobID, bobDevice); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("forged device stored, err = %v", err)
	}
}
