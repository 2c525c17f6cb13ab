// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"errors"
	"testing"

	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/lib/ref"
)

func TestBackupUploadsReceivedSessions(t *testing.T) {
	server, alice, bob := newEncryptedRoomPair(t, Tunables{})
	ctx := context.Background()

	keypair, version, err := bob.CreateKeyBackup(ctx)
	if err != nil {
		t.Fatalf("CreateKeyBackup: %v", err)
	}
	defer keypair.Close()
	if version != "1" {
		t.Errorf("backup version = %q, want \"1\"", version)
	}

	// The room key arrives and the same sync pass escrows it.
	encryptAndDeliver(t, alice, bob, "escrowed")

	backup := server.backupKeys[testRoom]
	if len(backup.Sessions) != 1 {
		t.Fatalf("server holds %d backed up sessions, want 1", len(backup.Sessions))
	}
	for _, data := range backup.Sessions {
		if data.FirstMessageIndex != 0 {
			t.Errorf("first message index = %d, want 0", data.FirstMessageIndex)
		}
	}
	pending, err := bob.store.SessionsNotBackedUp(100)
	if err != nil {
		t.Fatalf("SessionsNotBackedUp: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d sessions still pending after upload", len(pending))
	}
}

func TestRestoreBackupOnNewDevice(t *testing.T) {
	server, alice, bob := newEncryptedRoomPair(t, Tunables{})
	ctx := context.Background()

	keypair, _, err := bob.CreateKeyBackup(ctx)
	if err != nil {
		t.Fatalf("CreateKeyBackup: %v", err)
	}
	defer keypair.Close()
	content := encryptAndDeliver(t, alice, bob, "recoverable")

	restored := newTestEngine(t, server, bob.clock, bobUser, "RSTOR", Tunables{})
	restored.initialSync(t)
	bobID := ref.MustParseUserID(bobUser)
	if err := restored.DownloadKeys(ctx, []ref.UserID{bobID}, true); err != nil {
		t.Fatalf("DownloadKeys: %v", err)
	}
	// The backup was created by BRAVO; trusting that device makes its
	// signature on the backup count.
	err = restored.SetDeviceVerification(bobID, ref.MustParseDeviceID(bobFirst), store.VerificationVerified)
	if err != nil {
		t.Fatalf("SetDeviceVerification: %v", err)
	}
	if err := restored.EnableKeyBackup(ctx); err != nil {
		t.Fatalf("EnableKeyBackup: %v", err)
	}

	count, err := restored.RestoreKeyBackup(ctx, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("RestoreKeyBackup: %v", err)
	}
	if count != 1 {
		t.Fatalf("restored %d sessions, want 1", count)
	}
	if got := decryptBody(t, restored, content, "$event1"); got != "recoverable" {
		t.Errorf("restored device decrypted %q", got)
	}
}

func TestRestoreRefusesUntrustedBackup(t *testing.T) {
	server, alice, bob := newEncryptedRoomPair(t, Tunables{})
	ctx := context.Background()

	keypair, _, err := bob.CreateKeyBackup(ctx)
	if err != nil {
		t.Fatalf("CreateKeyBackup: %v", err)
	}
	defer keypair.Close()
	encryptAndDeliver(t, alice, bob, "withheld")

	// The new device adopts the backup without verifying the device
	// that signed it, so the version stays untrusted.
	restored := newTestEngine(t, server, bob.clock, bobUser, "RSTOR", Tunables{})
	restored.initialSync(t)
	if err := restored.EnableKeyBackup(ctx); err != nil {
		t.Fatalf("EnableKeyBackup: %v", err)
	}
	if _, err := restored.RestoreKeyBackup(ctx, keypair.PrivateKey); !errors.Is(err, ErrBackupUntrusted) {
		t.Fatalf("RestoreKeyBackup = %v, want ErrBackupUntrusted", err)
	}
}

func TestBackupVersionChangeKeepsSessionsPending(t *testing.T) {
	server, alice, bob := newEncryptedRoomPair(t, Tunables{})
	ctx := context.Background()

	keypair, _, err := bob.CreateKeyBackup(ctx)
	if err != nil {
		t.Fatalf("CreateKeyBackup: %v", err)
	}
	defer keypair.Close()

	// Another client rotates the backup version between our version
	// fetch and the upload.
	server.backupVersion = "2"

	encryptAndDeliver(t, alice, bob, "deferred")
	pending, err := bob.store.SessionsNotBackedUp(100)
	if err != nil {
		t.Fatalf("SessionsNotBackedUp: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("%d sessions pending after version conflict, want 1", len(pending))
	}

	// The failed upload re-fetched the current version; the next sync
	// pass retries under it.
	bob.deliver(t)
	pending, err = bob.store.SessionsNotBackedUp(100)
	if err != nil {
		t.Fatalf("SessionsNotBackedUp: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d sessions still pending after retry", len(pending))
	}
	if backup := server.backupKeys[testRoom]; len(backup.Sessions) != 1 {
		t.Errorf("server holds %d sessions, want 1", len(backup.Sessions))
	}
}
