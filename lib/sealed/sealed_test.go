// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	defer keypair.Close()

	plaintext := []byte("megolm session key material")
	ciphertext, err := Encrypt(append([]byte(nil), plaintext...), []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	decrypted, err := Decrypt(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	defer decrypted.Close()

	if !bytes.Equal(decrypted.Bytes(), plaintext) {
		t.Error("round trip changed plaintext")
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	rightKey, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	defer rightKey.Close()

	wrongKey, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	defer wrongKey.Close()

	ciphertext, err := Encrypt([]byte("session key"), []string{rightKey.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(ciphertext, wrongKey.PrivateKey); err == nil {
		t.Error("Decrypt with wrong key should fail")
	}
}

func TestEncryptToMultipleRecipients(t *testing.T) {
	first, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	defer first.Close()

	second, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	defer second.Close()

	ciphertext, err := Encrypt([]byte("shared"), []string{first.PublicKey, second.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	for _, keypair := range []*Keypair{first, second} {
		decrypted, err := Decrypt(ciphertext, keypair.PrivateKey)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		decrypted.Close()
	}
}

func TestEncryptRequiresRecipient(t *testing.T) {
	if _, err := Encrypt([]byte("data"), nil); err == nil {
		t.Error("Encrypt with no recipients should fail")
	}
}

func TestParsePublicKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	defer keypair.Close()

	if err := ParsePublicKey(keypair.PublicKey); err != nil {
		t.Errorf("valid public key rejected: %v", err)
	}
	if err := ParsePublicKey("not-an-age-key"); err == nil {
		t.Error("invalid public key accepted")
	}
}
