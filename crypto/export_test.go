// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"testing"

	"github.com/niochat/nio/crypto/olm"
	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/lib/secret"
)

func testPassphrase(t *testing.T, phrase string) *secret.Buffer {
	t.Helper()
	passphrase, err := secret.NewFromBytes([]byte(phrase))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { passphrase.Close() })
	return passphrase
}

func TestExportImportRoundTrip(t *testing.T) {
	server, alice, bob := newEncryptedRoomPair(t, Tunables{})
	content := encryptAndDeliver(t, alice, bob, "worth keeping")
	if got := decryptBody(t, bob, content, "$event1"); got != "worth keeping" {
		t.Fatalf("bob decrypted %q", got)
	}

	passphrase := testPassphrase(t, "correct horse battery staple")
	container, err := bob.ExportRoomKeys(passphrase, nil)
	if err != nil {
		t.Fatalf("ExportRoomKeys: %v", err)
	}

	// A brand-new device of bob's never received the room key.
	restored := newTestEngine(t, server, bob.clock, bobUser, "RSTOR", Tunables{})
	restored.initialSync(t)
	imported, err := restored.ImportRoomKeys(passphrase, container)
	if err != nil {
		t.Fatalf("ImportRoomKeys: %v", err)
	}
	if imported != 1 {
		t.Fatalf("imported %d sessions, want 1", imported)
	}
	if got := decryptBody(t, restored, content, "$event1"); got != "worth keeping" {
		t.Errorf("restored device decrypted %q", got)
	}
}

func TestExportHonorsRoomFilter(t *testing.T) {
	server, alice, bob := newEncryptedRoomPair(t, Tunables{})
	content := encryptAndDeliver(t, alice, bob, "filtered")
	passphrase := testPassphrase(t, "hunter2 but longer")

	elsewhere := ref.MustParseRoomID("!other:example.org")
	container, err := bob.ExportRoomKeys(passphrase, []ref.RoomID{elsewhere})
	if err != nil {
		t.Fatalf("ExportRoomKeys: %v", err)
	}
	restored := newTestEngine(t, server, bob.clock, bobUser, "RSTOR", Tunables{})
	restored.initialSync(t)
	imported, err := restored.ImportRoomKeys(passphrase, container)
	if err != nil {
		t.Fatalf("ImportRoomKeys: %v", err)
	}
	if imported != 0 {
		t.Errorf("imported %d sessions from a filtered-out room, want 0", imported)
	}

	container, err = bob.ExportRoomKeys(passphrase, []ref.RoomID{testRoom})
	if err != nil {
		t.Fatalf("ExportRoomKeys: %v", err)
	}
	imported, err = restored.ImportRoomKeys(passphrase, container)
	if err != nil {
		t.Fatalf("ImportRoomKeys: %v", err)
	}
	if imported != 1 {
		t.Errorf("imported %d sessions with a matching filter, want 1", imported)
	}
	if got := decryptBody(t, restored, content, "$event1"); got != "filtered" {
		t.Errorf("restored device decrypted %q", got)
	}
}

func TestImportRejectsWrongPassphrase(t *testing.T) {
	_, alice, bob := newEncryptedRoomPair(t, Tunables{})
	encryptAndDeliver(t, alice, bob, "sealed away")

	container, err := bob.ExportRoomKeys(testPassphrase(t, "the right one"), nil)
	if err != nil {
		t.Fatalf("ExportRoomKeys: %v", err)
	}
	if _, err := bob.ImportRoomKeys(testPassphrase(t, "the wrong one"), container); err == nil {
		t.Fatal("import succeeded with the wrong passphrase")
	}
}

func TestOfflineImportIntoEmptyStore(t *testing.T) {
	_, alice, bob := newEncryptedRoomPair(t, Tunables{})
	encryptAndDeliver(t, alice, bob, "offline")
	passphrase := testPassphrase(t, "keytool passphrase")

	container, err := ExportStoredRoomKeys(bob.store, passphrase, nil)
	if err != nil {
		t.Fatalf("ExportStoredRoomKeys: %v", err)
	}

	target := store.NewMemory()
	imported, err := ImportStoredRoomKeys(target, passphrase, container)
	if err != nil {
		t.Fatalf("ImportStoredRoomKeys: %v", err)
	}
	if imported != 1 {
		t.Fatalf("imported %d sessions, want 1", imported)
	}

	// Importing the same container again is a no-op: the stored copy
	// already reaches the same first known index.
	imported, err = ImportStoredRoomKeys(target, passphrase, container)
	if err != nil {
		t.Fatalf("ImportStoredRoomKeys again: %v", err)
	}
	if imported != 0 {
		t.Errorf("re-import brought in %d sessions, want 0", imported)
	}
}

func TestOfflineImportOnlyLowersFirstKnownIndex(t *testing.T) {
	_, alice, bob := newEncryptedRoomPair(t, Tunables{})
	encryptAndDeliver(t, alice, bob, "ratchet origin")
	passphrase := testPassphrase(t, "keytool passphrase")

	container, err := ExportStoredRoomKeys(bob.store, passphrase, nil)
	if err != nil {
		t.Fatalf("ExportStoredRoomKeys: %v", err)
	}
	records, err := bob.store.AllInboundGroupSessions()
	if err != nil {
		t.Fatalf("AllInboundGroupSessions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("bob holds %d sessions, want 1", len(records))
	}
	original := records[0]

	// Seed the target store with a degraded copy of the same session
	// that only reaches messages from index 1 onward.
	session, err := olm.UnpickleInboundGroupSession(original.Pickle)
	if err != nil {
		t.Fatalf("UnpickleInboundGroupSession: %v", err)
	}
	lateKey, err := session.Export(session.FirstKnownIndex() + 1)
	if err != nil {
		t.Fatalf("Export at later index: %v", err)
	}
	late, err := olm.NewInboundGroupSession(lateKey)
	if err != nil {
		t.Fatalf("NewInboundGroupSession: %v", err)
	}
	latePickle, err := late.Pickle()
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	target := store.NewMemory()
	err = target.PutInboundGroupSession(store.InboundGroupSessionRecord{
		RoomID:          original.RoomID,
		SenderKey:       original.SenderKey,
		SessionID:       original.SessionID,
		Pickle:          latePickle,
		FirstKnownIndex: late.FirstKnownIndex(),
	})
	if err != nil {
		t.Fatalf("PutInboundGroupSession: %v", err)
	}
	lateContainer, err := ExportStoredRoomKeys(target, passphrase, nil)
	if err != nil {
		t.Fatalf("ExportStoredRoomKeys of degraded copy: %v", err)
	}

	// The exported copy starts earlier, so it replaces the degraded
	// one.
	imported, err := ImportStoredRoomKeys(target, passphrase, container)
	if err != nil {
		t.Fatalf("ImportStoredRoomKeys: %v", err)
	}
	if imported != 1 {
		t.Fatalf("imported %d sessions, want 1", imported)
	}
	stored, err := target.GetInboundGroupSession(original.RoomID, original.SenderKey, original.SessionID)
	if err != nil {
		t.Fatalf("GetInboundGroupSession: %v", err)
	}
	if stored.FirstKnownIndex != original.FirstKnownIndex {
		t.Errorf("first known index = %d, want %d", stored.FirstKnownIndex, original.FirstKnownIndex)
	}

	// The reverse direction never happens: a later-starting copy does
	// not displace an earlier one.
	fuller := store.NewMemory()
	if _, err := ImportStoredRoomKeys(fuller, passphrase, container); err != nil {
		t.Fatalf("seeding fuller store: %v", err)
	}
	imported, err = ImportStoredRoomKeys(fuller, passphrase, lateContainer)
	if err != nil {
		t.Fatalf("ImportStoredRoomKeys: %v", err)
	}
	if imported != 0 {
		t.Errorf("later-starting copy imported %d sessions, want 0", imported)
	}
}
