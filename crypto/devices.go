// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/messaging"
)

// deviceTracker keeps remote users' device lists fresh. Per-user
// state lives in the store (TrackingStatus); the tracker batches
// downloads and coalesces overlapping refreshes into one transport
// call per user set.
type deviceTracker struct {
	engine *Engine

	// inflight is the set of users covered by the download currently
	// on the wire. Refreshes for those users join the in-flight
	// result instead of issuing a second call.
	inflight map[ref.UserID]bool
}

func newDeviceTracker(e *Engine) *deviceTracker {
	return &deviceTracker{engine: e, inflight: make(map[ref.UserID]bool)}
}

// StartTracking begins tracking a user's device list. Idempotent: a
// user already tracked keeps their current status.
func (t *deviceTracker) StartTracking(userID ref.UserID) error {
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.startTrackingLocked(userID)
}

func (t *deviceTracker) startTrackingLocked(userID ref.UserID) error {
	e := t.engine
	status, err := e.store.GetTracking(userID)
	if err != nil {
		return fmt.Errorf("crypto: reading tracking status: %w", err)
	}
	if status != store.TrackingNotTracked {
		return nil
	}
	if err := e.store.PutTracking(userID, store.TrackingPendingDownload); err != nil {
		return fmt.Errorf("crypto: tracking %s: %w", userID, err)
	}
	return nil
}

// StopTracking drops a user entirely: status back to NotTracked and
// their cached devices removed.
func (t *deviceTracker) StopTracking(userID ref.UserID) error {
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.stopTrackingLocked(userID)
}

func (t *deviceTracker) stopTrackingLocked(userID ref.UserID) error {
	e := t.engine
	if err := e.store.PutTracking(userID, store.TrackingNotTracked); err != nil {
		return fmt.Errorf("crypto: untracking %s: %w", userID, err)
	}
	if err := e.store.DeleteDevicesForUser(userID); err != nil {
		return fmt.Errorf("crypto: removing devices of %s: %w", userID, err)
	}
	return nil
}

// Invalidate marks a tracked user's device list outdated. It never
// triggers network activity itself; the next RefreshOutdated batch
// picks the user up.
func (t *deviceTracker) Invalidate(userID ref.UserID) error {
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.invalidateLocked(userID)
}

func (t *deviceTracker) invalidateLocked(userID ref.UserID) error {
	e := t.engine
	status, err := e.store.GetTracking(userID)
	if err != nil {
		return fmt.Errorf("crypto: reading tracking status: %w", err)
	}
	if status == store.TrackingNotTracked {
		return nil
	}
	if err := e.store.PutTracking(userID, store.TrackingPendingDownload); err != nil {
		return fmt.Errorf("crypto: invalidating %s: %w", userID, err)
	}
	return nil
}

// EnsureTracked makes sure every given user is tracked and has an
// up-to-date device list, downloading where needed.
func (t *deviceTracker) EnsureTracked(ctx context.Context, userIDs []ref.UserID) error {
	e := t.engine
	e.mu.Lock()
	for _, userID := range userIDs {
		if err := t.startTrackingLocked(userID); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()
	return t.RefreshOutdated(ctx)
}

// RefreshOutdated downloads device lists for every user pending a
// download or retry, in one batched transport call. Users covered by
// an already in-flight download are skipped (the in-flight completion
// will settle them); per-user server failures do not block the rest.
func (t *deviceTracker) RefreshOutdated(ctx context.Context) error {
	e := t.engine
	e.mu.Lock()
	tracked, err := e.store.TrackedUsers()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("crypto: listing tracked users: %w", err)
	}
	var batch []ref.UserID
	for userID, status := range tracked {
		if t.inflight[userID] {
			continue
		}
		if status == store.TrackingPendingDownload || status == store.TrackingUnreachableServer {
			batch = append(batch, userID)
		}
	}
	for _, userID := range batch {
		if err := e.store.PutTracking(userID, store.TrackingDownloadInProgress); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("crypto: marking download: %w", err)
		}
		t.inflight[userID] = true
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return t.download(ctx, batch)
}

// DownloadKeys forces a device list download for the given users,
// regardless of tracking status.
func (t *deviceTracker) DownloadKeys(ctx context.Context, userIDs []ref.UserID, force bool) error {
	if !force {
		return t.EnsureTracked(ctx, userIDs)
	}
	e := t.engine
	e.mu.Lock()
	for _, userID := range userIDs {
		if err := t.startTrackingLocked(userID); err != nil {
			e.mu.Unlock()
			return err
		}
		if err := e.store.PutTracking(userID, store.TrackingDownloadInProgress); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("crypto: marking download: %w", err)
		}
		t.inflight[userID] = true
	}
	e.mu.Unlock()
	return t.download(ctx, userIDs)
}

func (t *deviceTracker) download(ctx context.Context, userIDs []ref.UserID) error {
	e := t.engine
	request := messaging.QueryKeysRequest{DeviceKeys: make(map[ref.UserID][]ref.DeviceID, len(userIDs))}
	for _, userID := range userIDs {
		request.DeviceKeys[userID] = []ref.DeviceID{}
	}

	response, err := e.transport.QueryKeys(ctx, request)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, userID := range userIDs {
		delete(t.inflight, userID)
	}

	if err != nil {
		// No HTTP response at all: the server is unreachable, retry
		// on an explicit trigger. An HTTP-level error goes back to
		// the pending pool for the next batch.
		next := store.TrackingPendingDownload
		if messaging.IsTransportError(err) {
			next = store.TrackingUnreachableServer
		}
		for _, userID := range userIDs {
			if putErr := e.store.PutTracking(userID, next); putErr != nil {
				return fmt.Errorf("crypto: recording download failure: %w", putErr)
			}
		}
		return fmt.Errorf("crypto: querying device keys: %w", err)
	}

	for _, userID := range userIDs {
		if _, failed := response.Failures[userID.Server()]; failed {
			if err := e.store.PutTracking(userID, store.TrackingUnreachableServer); err != nil {
				return fmt.Errorf("crypto: recording download failure: %w", err)
			}
			continue
		}
		if err := t.applyUserDevicesLocked(userID, response); err != nil {
			return err
		}
		if err := e.store.PutTracking(userID, store.TrackingUpToDate); err != nil {
			return fmt.Errorf("crypto: recording download: %w", err)
		}
	}
	return nil
}

// applyUserDevicesLocked merges one user's server response into the
// store. Devices absent from the response are deleted; changed keys
// replace the record with verification reset to Unknown unless the
// cross-signing chain still re-establishes trust. Called with mu
// held.
func (t *deviceTracker) applyUserDevicesLocked(userID ref.UserID, response *messaging.QueryKeysResponse) error {
	e := t.engine

	if err := t.storeCrossSigningKeysLocked(userID, response); err != nil {
		return err
	}

	previous := make(map[ref.DeviceID]store.DeviceRecord)
	existing, err := e.store.DevicesForUser(userID)
	if err != nil {
		return fmt.Errorf("crypto: listing devices: %w", err)
	}
	for _, device := range existing {
		previous[device.DeviceID] = device
	}

	var records []store.DeviceRecord
	var changed []store.DeviceRecord
	for deviceID, deviceKeys := range response.DeviceKeys[userID] {
		keys := deviceKeys
		keys.UserID, keys.DeviceID = userID, deviceID
		if err := verifyDeviceKeys(&keys); err != nil {
			e.log.Warn("rejecting device with bad self-signature",
				"user_id", userID,
				"device_id", deviceID,
				"error", err,
			)
			continue
		}
		record := store.DeviceRecord{
			UserID:       userID,
			DeviceID:     deviceID,
			Algorithms:   keys.Algorithms,
			Curve25519:   ref.Curve25519(keys.Keys["curve25519:"+deviceID.String()]),
			Ed25519:      ref.Ed25519(keys.Keys["ed25519:"+deviceID.String()]),
			DisplayName:  keys.Unsigned.DeviceDisplayName,
			Verification: store.VerificationUnverified,
		}

		old, known := previous[deviceID]
		if known && old.Curve25519 == record.Curve25519 && old.Ed25519 == record.Ed25519 {
			// Same keys: local verification judgment survives.
			record.Verification = old.Verification
		}
		record.CrossSigningVerified = t.deviceCrossSignedLocked(&keys)

		if !known || old.Verification != record.Verification || old.CrossSigningVerified != record.CrossSigningVerified {
			changed = append(changed, record)
		}
		records = append(records, record)
	}

	if err := e.store.PutDevices(userID, records); err != nil {
		return fmt.Errorf("crypto: storing devices: %w", err)
	}
	for _, device := range changed {
		e.notifier.trustChanged(device)
	}
	return nil
}

// TrustLevel reports the derived trust of a remote device.
func (e *Engine) TrustLevel(userID ref.UserID, deviceID ref.DeviceID) (store.TrustLevel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	device, err := e.store.GetDevice(userID, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.TrustLevel{}, err
		}
		return store.TrustLevel{}, fmt.Errorf("crypto: reading device: %w", err)
	}
	return device.Trust(), nil
}

// SetDeviceVerification records a local verification judgment for a
// device and notifies listeners.
func (e *Engine) SetDeviceVerification(userID ref.UserID, deviceID ref.DeviceID, state store.VerificationState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setDeviceVerificationLocked(userID, deviceID, state)
}

func (e *Engine) setDeviceVerificationLocked(userID ref.UserID, deviceID ref.DeviceID, state store.VerificationState) error {
	device, err := e.store.GetDevice(userID, deviceID)
	if err != nil {
		return fmt.Errorf("crypto: reading device: %w", err)
	}
	if device.Verification == state {
		return nil
	}
	device.Verification = state
	if err := e.store.UpdateDevice(device); err != nil {
		return fmt.Errorf("crypto: updating device: %w", err)
	}
	e.notifier.trustChanged(device)
	return nil
}

// StartTrackingDeviceList begins tracking a user's devices; the next
// sync-driven refresh downloads them.
func (e *Engine) StartTrackingDeviceList(userID ref.UserID) error {
	return e.tracker.StartTracking(userID)
}

// InvalidateUserDeviceList marks a user's device list outdated
// without network activity.
func (e *Engine) InvalidateUserDeviceList(userID ref.UserID) error {
	return e.tracker.Invalidate(userID)
}

// RefreshOutdatedDeviceLists performs the batched download of every
// outdated device list.
func (e *Engine) RefreshOutdatedDeviceLists(ctx context.Context) error {
	return e.tracker.RefreshOutdated(ctx)
}

// DownloadKeys fetches device lists for the given users, bypassing
// freshness when force is set.
func (e *Engine) DownloadKeys(ctx context.Context, userIDs []ref.UserID, force bool) error {
	return e.tracker.DownloadKeys(ctx, userIDs, force)
}
