// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/niochat/nio/lib/ref"
)

// establishPair creates two accounts and an outbound/inbound session
// pair with the first pre-key message already delivered.
func establishPair(t *testing.T) (alice, bob *Session) {
	t.Helper()
	aliceAccount, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	bobAccount, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if _, err := bobAccount.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	var oneTime ref.Curve25519
	for _, key := range bobAccount.UnpublishedOneTimeKeys() {
		oneTime = key
	}

	alice, err = NewOutboundSession(aliceAccount, bobAccount.IdentityKey(), oneTime)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}

	first, err := alice.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if first.Type != MessageTypePreKey {
		t.Fatalf("first message type = %d, want pre-key", first.Type)
	}

	bob, err = NewInboundSession(bobAccount, first)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	plaintext, err := bob.Decrypt(first)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("plaintext = %q", plaintext)
	}
	return alice, bob
}

func TestSessionHandshake(t *testing.T) {
	alice, bob := establishPair(t)

	if alice.ID() != bob.ID() {
		t.Errorf("session IDs differ: %s vs %s", alice.ID(), bob.ID())
	}
	if alice.HasReceivedMessage() {
		t.Error("alice has received nothing yet")
	}
	if !bob.HasReceivedMessage() {
		t.Error("bob decrypted a message")
	}
}

func TestSessionTwoWayConversation(t *testing.T) {
	alice, bob := establishPair(t)

	// Bob replies; alice's next message becomes a normal message.
	reply, err := bob.Encrypt([]byte("hello alice"))
	if err != nil {
		t.Fatalf("bob Encrypt: %v", err)
	}
	plaintext, err := alice.Decrypt(reply)
	if err != nil {
		t.Fatalf("alice Decrypt: %v", err)
	}
	if string(plaintext) != "hello alice" {
		t.Fatalf("plaintext = %q", plaintext)
	}

	for round := 0; round < 5; round++ {
		fromAlice, err := alice.Encrypt([]byte(fmt.Sprintf("ping %d", round)))
		if err != nil {
			t.Fatalf("round %d alice Encrypt: %v", round, err)
		}
		if fromAlice.Type != MessageTypeNormal {
			t.Fatalf("round %d: alice still sending pre-key messages", round)
		}
		if _, err := bob.Decrypt(fromAlice); err != nil {
			t.Fatalf("round %d bob Decrypt: %v", round, err)
		}

		fromBob, err := bob.Encrypt([]byte(fmt.Sprintf("pong %d", round)))
		if err != nil {
			t.Fatalf("round %d bob Encrypt: %v", round, err)
		}
		if _, err := alice.Decrypt(fromBob); err != nil {
			t.Fatalf("round %d alice Decrypt: %v", round, err)
		}
	}
}

func TestSessionOutOfOrderDelivery(t *testing.T) {
	alice, bob := establishPair(t)

	var messages []Message
	for i := 0; i < 4; i++ {
		message, err := alice.Encrypt([]byte(fmt.Sprintf("message %d", i)))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		messages = append(messages, message)
	}

	// Deliver in reverse.
	for i := len(messages) - 1; i >= 0; i-- {
		plaintext, err := bob.Decrypt(messages[i])
		if err != nil {
			t.Fatalf("Decrypt message %d: %v", i, err)
		}
		want := fmt.Sprintf("message %d", i)
		if string(plaintext) != want {
			t.Errorf("message %d = %q, want %q", i, plaintext, want)
		}
	}
}

func TestSessionRejectsReplay(t *testing.T) {
	alice, bob := establishPair(t)

	message, err := alice.Encrypt([]byte("only once"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := bob.Decrypt(message); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}
	if _, err := bob.Decrypt(message); err == nil {
		t.Fatal("replayed ratchet message decrypted twice")
	}
}

func TestSessionRejectsTampering(t *testing.T) {
	alice, bob := establishPair(t)

	message, err := alice.Encrypt([]byte("integrity"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := message
	raw := []byte(tampered.Body)
	raw[len(raw)/2] ^= 1
	tampered.Body = string(raw)

	if _, err := bob.Decrypt(tampered); err == nil {
		t.Fatal("tampered message decrypted")
	}

	// The failed decrypt must not corrupt the session.
	if _, err := bob.Decrypt(message); err != nil {
		t.Fatalf("original message after tamper attempt: %v", err)
	}
}

func TestInboundSessionConsumesOneTimeKey(t *testing.T) {
	aliceAccount, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	bobAccount, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if _, err := bobAccount.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	var oneTime ref.Curve25519
	for _, key := range bobAccount.UnpublishedOneTimeKeys() {
		oneTime = key
	}

	alice, err := NewOutboundSession(aliceAccount, bobAccount.IdentityKey(), oneTime)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	message, err := alice.Encrypt([]byte("claim"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := NewInboundSession(bobAccount, message); err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if _, err := NewInboundSession(bobAccount, message); !errors.Is(err, ErrNoOneTimeKey) {
		t.Fatalf("second NewInboundSession err = %v, want ErrNoOneTimeKey", err)
	}
}

func TestSessionIDForPreKeyMessage(t *testing.T) {
	aliceAccount, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	bobAccount, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if _, err := bobAccount.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	var oneTime ref.Curve25519
	for _, key := range bobAccount.UnpublishedOneTimeKeys() {
		oneTime = key
	}

	alice, err := NewOutboundSession(aliceAccount, bobAccount.IdentityKey(), oneTime)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	message, err := alice.Encrypt([]byte("id check"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	id, err := SessionIDForPreKeyMessage(message)
	if err != nil {
		t.Fatalf("SessionIDForPreKeyMessage: %v", err)
	}
	if id != alice.ID() {
		t.Errorf("derived ID %s != session ID %s", id, alice.ID())
	}
}

func TestSessionPickleRoundTrip(t *testing.T) {
	alice, bob := establishPair(t)

	// Exchange a few messages so the ratchets have real state.
	reply, err := bob.Encrypt([]byte("state"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := alice.Decrypt(reply); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	pickle, err := alice.Pickle()
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := UnpickleSession(pickle)
	if err != nil {
		t.Fatalf("UnpickleSession: %v", err)
	}
	if restored.ID() != alice.ID() {
		t.Fatalf("session ID changed across pickle")
	}

	// The restored session continues the conversation.
	message, err := restored.Encrypt([]byte("after restart"))
	if err != nil {
		t.Fatalf("restored Encrypt: %v", err)
	}
	plaintext, err := bob.Decrypt(message)
	if err != nil {
		t.Fatalf("bob Decrypt after pickle: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("after restart")) {
		t.Errorf("plaintext = %q", plaintext)
	}
}
