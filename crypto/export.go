// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/niochat/nio/crypto/olm"
	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/lib/sealed"
	"github.com/niochat/nio/lib/secret"
)

// Key export container. The session list is JSON, zstd-compressed,
// then sealed under a passphrase with age scrypt. The outer envelope
// stays plaintext JSON so tooling can identify the format without the
// passphrase.

const (
	exportFormatVersion = 1
	exportCipher        = "age-scrypt"
	exportCompression   = "zstd"
)

type exportEnvelope struct {
	Version     int    `json:"version"`
	Cipher      string `json:"cipher"`
	Compression string `json:"compression"`
	Ciphertext  string `json:"ciphertext"`
}

type exportedSession struct {
	Algorithm       string           `json:"algorithm"`
	RoomID          ref.RoomID       `json:"room_id"`
	SenderKey       ref.Curve25519   `json:"sender_key"`
	SessionID       ref.SessionID    `json:"session_id"`
	SessionKey      string           `json:"session_key"`
	SenderClaimed   ref.Ed25519      `json:"sender_claimed_ed25519_key,omitempty"`
	ForwardingChain []ref.Curve25519 `json:"forwarding_curve25519_key_chain,omitempty"`
}

// buildExportContainer serializes session records into a sealed
// export container. A nil room filter exports everything.
func buildExportContainer(records []store.InboundGroupSessionRecord, rooms []ref.RoomID, passphrase *secret.Buffer) ([]byte, error) {
	wanted := make(map[ref.RoomID]bool, len(rooms))
	for _, roomID := range rooms {
		wanted[roomID] = true
	}

	sessions := make([]exportedSession, 0, len(records))
	for _, record := range records {
		if len(wanted) > 0 && !wanted[record.RoomID] {
			continue
		}
		session, err := olm.UnpickleInboundGroupSession(record.Pickle)
		if err != nil {
			return nil, fmt.Errorf("crypto: unpickling session %s for export: %w", record.SessionID, err)
		}
		// Export at the earliest index we can decrypt, so the
		// importer gains our full reach.
		sessionKey, err := session.Export(session.FirstKnownIndex())
		if err != nil {
			return nil, fmt.Errorf("crypto: exporting session %s: %w", record.SessionID, err)
		}
		sessions = append(sessions, exportedSession{
			Algorithm:       AlgorithmMegolm,
			RoomID:          record.RoomID,
			SenderKey:       record.SenderKey,
			SessionID:       record.SessionID,
			SessionKey:      sessionKey,
			SenderClaimed:   record.ClaimedEd25519,
			ForwardingChain: record.ForwardingChain,
		})
	}

	plaintext, err := json.Marshal(sessions)
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding export sessions: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating zstd encoder: %w", err)
	}
	compressed := encoder.EncodeAll(plaintext, nil)
	encoder.Close()

	ciphertext, err := sealed.EncryptWithPassphrase(compressed, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: sealing export: %w", err)
	}

	envelope, err := json.Marshal(exportEnvelope{
		Version:     exportFormatVersion,
		Cipher:      exportCipher,
		Compression: exportCompression,
		Ciphertext:  ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding export envelope: %w", err)
	}
	return envelope, nil
}

// openExportContainer unseals and decompresses an export container.
func openExportContainer(data []byte, passphrase *secret.Buffer) ([]exportedSession, error) {
	var envelope exportEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("crypto: parsing export envelope: %w", err)
	}
	if envelope.Version != exportFormatVersion {
		return nil, fmt.Errorf("crypto: unsupported export version %d", envelope.Version)
	}
	if envelope.Cipher != exportCipher || envelope.Compression != exportCompression {
		return nil, fmt.Errorf("crypto: unsupported export container %s/%s", envelope.Cipher, envelope.Compression)
	}

	compressed, err := sealed.DecryptWithPassphrase(envelope.Ciphertext, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: opening export: %w", err)
	}
	defer compressed.Close()

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating zstd decoder: %w", err)
	}
	defer decoder.Close()
	plaintext, err := decoder.DecodeAll(compressed.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decompressing export: %w", err)
	}

	var sessions []exportedSession
	if err := json.Unmarshal(plaintext, &sessions); err != nil {
		return nil, fmt.Errorf("crypto: parsing export sessions: %w", err)
	}
	return sessions, nil
}

// ExportRoomKeys serializes inbound group sessions into a
// passphrase-protected export container. A nil room filter exports
// everything. The passphrase is borrowed and not closed.
func (e *Engine) ExportRoomKeys(passphrase *secret.Buffer, rooms []ref.RoomID) ([]byte, error) {
	e.mu.Lock()
	records, err := e.store.AllInboundGroupSessions()
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("crypto: listing sessions for export: %w", err)
	}
	return buildExportContainer(records, rooms, passphrase)
}

// ImportRoomKeys restores sessions from an export container produced
// by ExportRoomKeys. Sessions that fail validation individually are
// skipped; the count of imported sessions is returned. Imported
// sessions may replace stored ones with a higher first known index,
// since the user explicitly chose to restore them.
func (e *Engine) ImportRoomKeys(passphrase *secret.Buffer, data []byte) (int, error) {
	sessions, err := openExportContainer(data, passphrase)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	imported := 0
	for _, session := range sessions {
		if session.Algorithm != AlgorithmMegolm {
			e.log.Warn("skipping export entry with unknown algorithm",
				"algorithm", session.Algorithm,
				"session_id", session.SessionID,
			)
			continue
		}
		err := e.addInboundGroupSessionLocked(inboundSessionSource{
			roomID:          session.RoomID,
			senderKey:       session.SenderKey,
			sessionID:       session.SessionID,
			sessionKey:      session.SessionKey,
			forwardingChain: session.ForwardingChain,
			claimedEd25519:  session.SenderClaimed,
		}, true)
		if err != nil {
			e.log.Warn("skipping unimportable session",
				"session_id", session.SessionID,
				"error", err,
			)
			continue
		}
		imported++
	}
	return imported, nil
}

// ExportStoredRoomKeys reads sessions straight from a store, for
// offline tooling that has no engine or transport.
func ExportStoredRoomKeys(st store.Store, passphrase *secret.Buffer, rooms []ref.RoomID) ([]byte, error) {
	records, err := st.AllInboundGroupSessions()
	if err != nil {
		return nil, fmt.Errorf("crypto: listing sessions for export: %w", err)
	}
	return buildExportContainer(records, rooms, passphrase)
}

// ImportStoredRoomKeys writes sessions from an export container
// straight into a store, honoring the same ratchet-regression rules
// as the engine's import path.
func ImportStoredRoomKeys(st store.Store, passphrase *secret.Buffer, data []byte) (int, error) {
	sessions, err := openExportContainer(data, passphrase)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, entry := range sessions {
		if entry.Algorithm != AlgorithmMegolm {
			continue
		}
		session, err := olm.NewInboundGroupSession(entry.SessionKey)
		if err != nil {
			continue
		}
		if session.ID() != entry.SessionID {
			continue
		}
		existing, err := st.GetInboundGroupSession(entry.RoomID, entry.SenderKey, entry.SessionID)
		switch {
		case err == nil:
			// Only a more capable copy replaces a stored session.
			if session.FirstKnownIndex() >= existing.FirstKnownIndex {
				continue
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return imported, fmt.Errorf("crypto: reading stored session: %w", err)
		}
		pickle, err := session.Pickle()
		if err != nil {
			return imported, fmt.Errorf("crypto: pickling imported session: %w", err)
		}
		record := store.InboundGroupSessionRecord{
			RoomID:          entry.RoomID,
			SenderKey:       entry.SenderKey,
			SessionID:       entry.SessionID,
			Pickle:          pickle,
			FirstKnownIndex: session.FirstKnownIndex(),
			ForwardingChain: entry.ForwardingChain,
			ClaimedEd25519:  entry.SenderClaimed,
		}
		if err := st.PutInboundGroupSession(record); err != nil {
			return imported, fmt.Errorf("crypto: storing imported session: %w", err)
		}
		imported++
	}
	return imported, nil
}
