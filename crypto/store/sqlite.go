// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/niochat/nio/lib/codec"
	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/lib/secret"
	"github.com/niochat/nio/lib/sqlitepool"
)

// pickleBlobVersion is prepended to every encrypted pickle and bound
// as AEAD additional data, so a tampered version byte fails
// authentication.
const pickleBlobVersion byte = 0x01

// hkdfInfoPickle is the HKDF-SHA256 domain for deriving the pickle
// encryption key from the caller's pickle key. Changing it
// invalidates every stored pickle.
var hkdfInfoPickle = []byte("nio.store.pickle.v1")

// SQLiteConfig holds the parameters for opening a SQLite store.
type SQLiteConfig struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist.
	Path string

	// PoolSize is the connection pool size. Defaults to 4 if zero or
	// negative.
	PoolSize int

	// PickleKey encrypts session pickles at rest. Borrowed, not
	// closed. Required.
	PickleKey *secret.Buffer

	// Logger receives operational messages.
	Logger *slog.Logger
}

// SQLite is the durable Store implementation. Session and account
// pickles are encrypted with XChaCha20-Poly1305 under a key derived
// from the configured pickle key; everything else is stored in the
// clear (device records and request metadata are not secret).
type SQLite struct {
	pool      *sqlitepool.Pool
	logger    *slog.Logger
	pickleKey [32]byte
}

// OpenSQLite opens (creating if needed) the database and applies the
// schema. The returned store is fully loaded: every method operates
// directly against the database, so a successful open is the "atomic
// open" the engine requires.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.PickleKey == nil {
		return nil, fmt.Errorf("store: PickleKey is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &SQLite{pool: pool, logger: logger}
	reader := hkdf.New(sha256.New, cfg.PickleKey.Bytes(), nil, hkdfInfoPickle)
	if _, err := io.ReadFull(reader, s.pickleKey[:]); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: deriving pickle key: %w", err)
	}

	if err := s.applySchema(); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) applySchema() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS crypto_account (
    id      INTEGER PRIMARY KEY CHECK (id = 0),
    pickle  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
    id     INTEGER PRIMARY KEY CHECK (id = 0),
    token  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS olm_sessions (
    sender_key     TEXT NOT NULL,
    session_id     TEXT NOT NULL,
    pickle         BLOB NOT NULL,
    last_activity  INTEGER NOT NULL,
    PRIMARY KEY (sender_key, session_id)
);

CREATE TABLE IF NOT EXISTS inbound_group_sessions (
    room_id           TEXT NOT NULL,
    sender_key        TEXT NOT NULL,
    session_id        TEXT NOT NULL,
    pickle            BLOB NOT NULL,
    first_known_index INTEGER NOT NULL,
    forwarding_chain  BLOB NOT NULL,
    claimed_ed25519   TEXT NOT NULL,
    backed_up         INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (room_id, sender_key, session_id)
);

CREATE INDEX IF NOT EXISTS inbound_group_backup
    ON inbound_group_sessions (backed_up);

CREATE TABLE IF NOT EXISTS outbound_group_sessions (
    room_id     TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    pickle      BLOB NOT NULL,
    created_at  INTEGER NOT NULL,
    shared_with BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS message_indexes (
    session_id   TEXT NOT NULL,
    timeline_id  TEXT NOT NULL,
    message_idx  INTEGER NOT NULL,
    digest       BLOB NOT NULL,
    PRIMARY KEY (session_id, timeline_id, message_idx)
);

CREATE TABLE IF NOT EXISTS devices (
    user_id                TEXT NOT NULL,
    device_id              TEXT NOT NULL,
    algorithms             BLOB NOT NULL,
    curve25519             TEXT NOT NULL,
    ed25519                TEXT NOT NULL,
    display_name           TEXT NOT NULL,
    verification           INTEGER NOT NULL,
    cross_signing_verified INTEGER NOT NULL,
    PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS tracking (
    user_id TEXT PRIMARY KEY,
    status  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cross_signing_keys (
    user_id    TEXT NOT NULL,
    usage      TEXT NOT NULL,
    public_key TEXT NOT NULL,
    signatures BLOB NOT NULL,
    PRIMARY KEY (user_id, usage)
);

CREATE TABLE IF NOT EXISTS outgoing_key_requests (
    request_id TEXT PRIMARY KEY,
    algorithm  TEXT NOT NULL,
    room_id    TEXT NOT NULL,
    sender_key TEXT NOT NULL,
    session_id TEXT NOT NULL,
    recipients BLOB NOT NULL,
    state      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS incoming_key_requests (
    user_id    TEXT NOT NULL,
    device_id  TEXT NOT NULL,
    request_id TEXT NOT NULL,
    body       BLOB NOT NULL,
    PRIMARY KEY (user_id, device_id, request_id)
);

CREATE TABLE IF NOT EXISTS backup_version (
    id            INTEGER PRIMARY KEY CHECK (id = 0),
    version       TEXT NOT NULL,
    algorithm     TEXT NOT NULL,
    recipient_key TEXT NOT NULL,
    trusted       INTEGER NOT NULL
);
`

// sealPickle encrypts a pickle for storage:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
func (s *SQLite) sealPickle(pickle []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.pickleKey[:])
	if err != nil {
		return nil, fmt.Errorf("store: sealing pickle: %w", err)
	}
	blob := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(pickle)+chacha20poly1305.Overhead)
	blob[0] = pickleBlobVersion
	if _, err := rand.Read(blob[1 : 1+chacha20poly1305.NonceSizeX]); err != nil {
		return nil, fmt.Errorf("store: sealing pickle: %w", err)
	}
	return aead.Seal(blob, blob[1:1+chacha20poly1305.NonceSizeX], pickle, blob[:1]), nil
}

func (s *SQLite) openPickle(blob []byte) ([]byte, error) {
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("store: pickle blob too short")
	}
	if blob[0] != pickleBlobVersion {
		return nil, fmt.Errorf("store: unsupported pickle blob version %d", blob[0])
	}
	aead, err := chacha20poly1305.NewX(s.pickleKey[:])
	if err != nil {
		return nil, fmt.Errorf("store: opening pickle: %w", err)
	}
	pickle, err := aead.Open(nil, blob[1:1+chacha20poly1305.NonceSizeX], blob[1+chacha20poly1305.NonceSizeX:], blob[:1])
	if err != nil {
		return nil, fmt.Errorf("store: opening pickle: %w", err)
	}
	return pickle, nil
}

func (s *SQLite) withConn(operation string, work func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("store: %s: %w", operation, err)
	}
	defer s.pool.Put(conn)
	return work(conn)
}

func (s *SQLite) PutAccount(pickle []byte) error {
	sealed, err := s.sealPickle(pickle)
	if err != nil {
		return err
	}
	return s.withConn("put account", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO crypto_account (id, pickle) VALUES (0, ?)
			 ON CONFLICT (id) DO UPDATE SET pickle = excluded.pickle`,
			&sqlitex.ExecOptions{Args: []any{sealed}})
	})
}

func (s *SQLite) GetAccount() ([]byte, error) {
	var blob []byte
	err := s.withConn("get account", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT pickle FROM crypto_account WHERE id = 0`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrNotFound
	}
	return s.openPickle(blob)
}

func (s *SQLite) PutSyncToken(token string) error {
	return s.withConn("put sync token", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO sync_state (id, token) VALUES (0, ?)
			 ON CONFLICT (id) DO UPDATE SET token = excluded.token`,
			&sqlitex.ExecOptions{Args: []any{token}})
	})
}

func (s *SQLite) GetSyncToken() (string, error) {
	var token string
	err := s.withConn("get sync token", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT token FROM sync_state WHERE id = 0`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				token = stmt.ColumnText(0)
				return nil
			},
		})
	})
	return token, err
}

func (s *SQLite) PutOlmSession(record OlmSessionRecord) error {
	sealed, err := s.sealPickle(record.Pickle)
	if err != nil {
		return err
	}
	return s.withConn("put olm session", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO olm_sessions (sender_key, session_id, pickle, last_activity)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (sender_key, session_id) DO UPDATE SET
			     pickle = excluded.pickle, last_activity = excluded.last_activity`,
			&sqlitex.ExecOptions{Args: []any{
				record.SenderKey.String(),
				record.SessionID.String(),
				sealed,
				record.LastActivity.UnixNano(),
			}})
	})
}

func (s *SQLite) GetOlmSession(senderKey ref.Curve25519, sessionID ref.SessionID) (OlmSessionRecord, error) {
	var record OlmSessionRecord
	found := false
	err := s.withConn("get olm session", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT pickle, last_activity FROM olm_sessions WHERE sender_key = ? AND session_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{senderKey.String(), sessionID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					blob := make([]byte, stmt.ColumnLen(0))
					stmt.ColumnBytes(0, blob)
					pickle, err := s.openPickle(blob)
					if err != nil {
						return err
					}
					record = OlmSessionRecord{
						SenderKey:    senderKey,
						SessionID:    sessionID,
						Pickle:       pickle,
						LastActivity: time.Unix(0, stmt.ColumnInt64(1)),
					}
					return nil
				},
			})
	})
	if err != nil {
		return OlmSessionRecord{}, err
	}
	if !found {
		return OlmSessionRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *SQLite) SessionsForSender(senderKey ref.Curve25519) ([]OlmSessionRecord, error) {
	var records []OlmSessionRecord
	err := s.withConn("sessions for sender", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT session_id, pickle, last_activity FROM olm_sessions
			 WHERE sender_key = ?
			 ORDER BY last_activity DESC, session_id DESC`,
			&sqlitex.ExecOptions{
				Args: []any{senderKey.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					blob := make([]byte, stmt.ColumnLen(1))
					stmt.ColumnBytes(1, blob)
					pickle, err := s.openPickle(blob)
					if err != nil {
						return err
					}
					sessionID, err := ref.ParseSessionID(stmt.ColumnText(0))
					if err != nil {
						return err
					}
					records = append(records, OlmSessionRecord{
						SenderKey:    senderKey,
						SessionID:    sessionID,
						Pickle:       pickle,
						LastActivity: time.Unix(0, stmt.ColumnInt64(2)),
					})
					return nil
				},
			})
	})
	return records, err
}

func (s *SQLite) PutInboundGroupSession(record InboundGroupSessionRecord) error {
	sealed, err := s.sealPickle(record.Pickle)
	if err != nil {
		return err
	}
	chain, err := codec.Marshal(record.ForwardingChain)
	if err != nil {
		return fmt.Errorf("store: encoding forwarding chain: %w", err)
	}
	return s.withConn("put inbound group session", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO inbound_group_sessions
			     (room_id, sender_key, session_id, pickle, first_known_index, forwarding_chain, claimed_ed25519, backed_up)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (room_id, sender_key, session_id) DO UPDATE SET
			     pickle = excluded.pickle,
			     first_known_index = excluded.first_known_index,
			     forwarding_chain = excluded.forwarding_chain,
			     claimed_ed25519 = excluded.claimed_ed25519,
			     backed_up = excluded.backed_up`,
			&sqlitex.ExecOptions{Args: []any{
				record.RoomID.String(),
				record.SenderKey.String(),
				record.SessionID.String(),
				sealed,
				int64(record.FirstKnownIndex),
				chain,
				record.ClaimedEd25519.String(),
				boolToInt(record.BackedUp),
			}})
	})
}

func (s *SQLite) scanInboundGroupSession(stmt *sqlite.Stmt) (InboundGroupSessionRecord, error) {
	roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
	if err != nil {
		return InboundGroupSessionRecord{}, err
	}
	sessionID, err := ref.ParseSessionID(stmt.ColumnText(2))
	if err != nil {
		return InboundGroupSessionRecord{}, err
	}
	blob := make([]byte, stmt.ColumnLen(3))
	stmt.ColumnBytes(3, blob)
	pickle, err := s.openPickle(blob)
	if err != nil {
		return InboundGroupSessionRecord{}, err
	}
	chainBlob := make([]byte, stmt.ColumnLen(5))
	stmt.ColumnBytes(5, chainBlob)
	var chain []ref.Curve25519
	if err := codec.Unmarshal(chainBlob, &chain); err != nil {
		return InboundGroupSessionRecord{}, fmt.Errorf("store: parsing forwarding chain: %w", err)
	}
	return InboundGroupSessionRecord{
		RoomID:          roomID,
		SenderKey:       ref.Curve25519(stmt.ColumnText(1)),
		SessionID:       sessionID,
		Pickle:          pickle,
		FirstKnownIndex: uint32(stmt.ColumnInt64(4)),
		ForwardingChain: chain,
		ClaimedEd25519:  ref.Ed25519(stmt.ColumnText(6)),
		BackedUp:        stmt.ColumnInt64(7) != 0,
	}, nil
}

const inboundGroupColumns = `room_id, sender_key, session_id, pickle, first_known_index, forwarding_chain, claimed_ed25519, backed_up`

func (s *SQLite) GetInboundGroupSession(roomID ref.RoomID, senderKey ref.Curve25519, sessionID ref.SessionID) (InboundGroupSessionRecord, error) {
	var record InboundGroupSessionRecord
	found := false
	err := s.withConn("get inbound group session", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+inboundGroupColumns+` FROM inbound_group_sessions
			 WHERE room_id = ? AND sender_key = ? AND session_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String(), senderKey.String(), sessionID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					record, err = s.scanInboundGroupSession(stmt)
					found = err == nil
					return err
				},
			})
	})
	if err != nil {
		return InboundGroupSessionRecord{}, err
	}
	if !found {
		return InboundGroupSessionRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *SQLite) SessionsNotBackedUp(limit int) ([]InboundGroupSessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	var records []InboundGroupSessionRecord
	err := s.withConn("sessions not backed up", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+inboundGroupColumns+` FROM inbound_group_sessions
			 WHERE backed_up = 0 LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record, err := s.scanInboundGroupSession(stmt)
					if err != nil {
						return err
					}
					records = append(records, record)
					return nil
				},
			})
	})
	return records, err
}

func (s *SQLite) MarkSessionsBackedUp(keys []InboundGroupSessionKey) error {
	return s.withConn("mark sessions backed up", func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("store: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		for _, key := range keys {
			err = sqlitex.Execute(conn,
				`UPDATE inbound_group_sessions SET backed_up = 1
				 WHERE room_id = ? AND sender_key = ? AND session_id = ?`,
				&sqlitex.ExecOptions{Args: []any{
					key.RoomID.String(), key.SenderKey.String(), key.SessionID.String(),
				}})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) ResetBackupFlags() error {
	return s.withConn("reset backup flags", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE inbound_group_sessions SET backed_up = 0`, nil)
	})
}

func (s *SQLite) AllInboundGroupSessions() ([]InboundGroupSessionRecord, error) {
	var records []InboundGroupSessionRecord
	err := s.withConn("all inbound group sessions", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+inboundGroupColumns+` FROM inbound_group_sessions`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record, err := s.scanInboundGroupSession(stmt)
					if err != nil {
						return err
					}
					records = append(records, record)
					return nil
				},
			})
	})
	return records, err
}

func (s *SQLite) PutOutboundGroupSession(record OutboundGroupSessionRecord) error {
	sealed, err := s.sealPickle(record.Pickle)
	if err != nil {
		return err
	}
	shared, err := codec.Marshal(record.SharedWith)
	if err != nil {
		return fmt.Errorf("store: encoding shared-with set: %w", err)
	}
	return s.withConn("put outbound group session", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO outbound_group_sessions (room_id, session_id, pickle, created_at, shared_with)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (room_id) DO UPDATE SET
			     session_id = excluded.session_id,
			     pickle = excluded.pickle,
			     created_at = excluded.created_at,
			     shared_with = excluded.shared_with`,
			&sqlitex.ExecOptions{Args: []any{
				record.RoomID.String(),
				record.SessionID.String(),
				sealed,
				record.CreatedAt.UnixNano(),
				shared,
			}})
	})
}

func (s *SQLite) GetOutboundGroupSession(roomID ref.RoomID) (OutboundGroupSessionRecord, error) {
	var record OutboundGroupSessionRecord
	found := false
	err := s.withConn("get outbound group session", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT session_id, pickle, created_at, shared_with FROM outbound_group_sessions WHERE room_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					sessionID, err := ref.ParseSessionID(stmt.ColumnText(0))
					if err != nil {
						return err
					}
					blob := make([]byte, stmt.ColumnLen(1))
					stmt.ColumnBytes(1, blob)
					pickle, err := s.openPickle(blob)
					if err != nil {
						return err
					}
					sharedBlob := make([]byte, stmt.ColumnLen(3))
					stmt.ColumnBytes(3, sharedBlob)
					shared := make(map[ref.Curve25519]uint32)
					if err := codec.Unmarshal(sharedBlob, &shared); err != nil {
						return fmt.Errorf("store: parsing shared-with set: %w", err)
					}
					record = OutboundGroupSessionRecord{
						RoomID:     roomID,
						SessionID:  sessionID,
						Pickle:     pickle,
						CreatedAt:  time.Unix(0, stmt.ColumnInt64(2)),
						SharedWith: shared,
					}
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return OutboundGroupSessionRecord{}, err
	}
	if !found {
		return OutboundGroupSessionRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *SQLite) DeleteOutboundGroupSession(roomID ref.RoomID) error {
	return s.withConn("delete outbound group session", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`DELETE FROM outbound_group_sessions WHERE room_id = ?`,
			&sqlitex.ExecOptions{Args: []any{roomID.String()}})
	})
}

func (s *SQLite) PutMessageIndex(record MessageIndexRecord) error {
	return s.withConn("put message index", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO message_indexes (session_id, timeline_id, message_idx, digest)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (session_id, timeline_id, message_idx) DO UPDATE SET digest = excluded.digest`,
			&sqlitex.ExecOptions{Args: []any{
				record.SessionID.String(),
				record.TimelineID,
				int64(record.Index),
				record.Digest[:],
			}})
	})
}

func (s *SQLite) GetMessageIndex(sessionID ref.SessionID, timelineID string, index uint32) (MessageIndexRecord, error) {
	var record MessageIndexRecord
	found := false
	err := s.withConn("get message index", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT digest FROM message_indexes WHERE session_id = ? AND timeline_id = ? AND message_idx = ?`,
			&sqlitex.ExecOptions{
				Args: []any{sessionID.String(), timelineID, int64(index)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record = MessageIndexRecord{SessionID: sessionID, TimelineID: timelineID, Index: index}
					stmt.ColumnBytes(0, record.Digest[:])
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return MessageIndexRecord{}, err
	}
	if !found {
		return MessageIndexRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *SQLite) PutDevices(userID ref.UserID, devices []DeviceRecord) error {
	return s.withConn("put devices", func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("store: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		err = sqlitex.Execute(conn, `DELETE FROM devices WHERE user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{userID.String()}})
		if err != nil {
			return err
		}
		for _, device := range devices {
			if err = s.insertDevice(conn, device); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) insertDevice(conn *sqlite.Conn, device DeviceRecord) error {
	algorithms, err := codec.Marshal(device.Algorithms)
	if err != nil {
		return fmt.Errorf("store: encoding algorithms: %w", err)
	}
	return sqlitex.Execute(conn,
		`INSERT INTO devices
		     (user_id, device_id, algorithms, curve25519, ed25519, display_name, verification, cross_signing_verified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, device_id) DO UPDATE SET
		     algorithms = excluded.algorithms,
		     curve25519 = excluded.curve25519,
		     ed25519 = excluded.ed25519,
		     display_name = excluded.display_name,
		     verification = excluded.verification,
		     cross_signing_verified = excluded.cross_signing_verified`,
		&sqlitex.ExecOptions{Args: []any{
			device.UserID.String(),
			device.DeviceID.String(),
			algorithms,
			device.Curve25519.String(),
			device.Ed25519.String(),
			device.DisplayName,
			int64(device.Verification),
			boolToInt(device.CrossSigningVerified),
		}})
}

func scanDevice(stmt *sqlite.Stmt) (DeviceRecord, error) {
	userID, err := ref.ParseUserID(stmt.ColumnText(0))
	if err != nil {
		return DeviceRecord{}, err
	}
	deviceID, err := ref.ParseDeviceID(stmt.ColumnText(1))
	if err != nil {
		return DeviceRecord{}, err
	}
	algorithmsBlob := make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, algorithmsBlob)
	var algorithms []string
	if err := codec.Unmarshal(algorithmsBlob, &algorithms); err != nil {
		return DeviceRecord{}, fmt.Errorf("store: parsing algorithms: %w", err)
	}
	return DeviceRecord{
		UserID:               userID,
		DeviceID:             deviceID,
		Algorithms:           algorithms,
		Curve25519:           ref.Curve25519(stmt.ColumnText(3)),
		Ed25519:              ref.Ed25519(stmt.ColumnText(4)),
		DisplayName:          stmt.ColumnText(5),
		Verification:         VerificationState(stmt.ColumnInt64(6)),
		CrossSigningVerified: stmt.ColumnInt64(7) != 0,
	}, nil
}

const deviceColumns = `user_id, device_id, algorithms, curve25519, ed25519, display_name, verification, cross_signing_verified`

func (s *SQLite) GetDevice(userID ref.UserID, deviceID ref.DeviceID) (DeviceRecord, error) {
	var record DeviceRecord
	found := false
	err := s.withConn("get device", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+deviceColumns+` FROM devices WHERE user_id = ? AND device_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{userID.String(), deviceID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					record, err = scanDevice(stmt)
					found = err == nil
					return err
				},
			})
	})
	if err != nil {
		return DeviceRecord{}, err
	}
	if !found {
		return DeviceRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *SQLite) DevicesForUser(userID ref.UserID) ([]DeviceRecord, error) {
	var records []DeviceRecord
	err := s.withConn("devices for user", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+deviceColumns+` FROM devices WHERE user_id = ? ORDER BY device_id`,
			&sqlitex.ExecOptions{
				Args: []any{userID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record, err := scanDevice(stmt)
					if err != nil {
						return err
					}
					records = append(records, record)
					return nil
				},
			})
	})
	return records, err
}

func (s *SQLite) UpdateDevice(device DeviceRecord) error {
	updated := false
	err := s.withConn("update device", func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE devices SET verification = ?, cross_signing_verified = ?
			 WHERE user_id = ? AND device_id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				int64(device.Verification),
				boolToInt(device.CrossSigningVerified),
				device.UserID.String(),
				device.DeviceID.String(),
			}})
		updated = conn.Changes() > 0
		return err
	})
	if err != nil {
		return err
	}
	if !updated {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) DeleteDevicesForUser(userID ref.UserID) error {
	return s.withConn("delete devices", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM devices WHERE user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{userID.String()}})
	})
}

func (s *SQLite) PutTracking(userID ref.UserID, status TrackingStatus) error {
	return s.withConn("put tracking", func(conn *sqlite.Conn) error {
		if status == TrackingNotTracked {
			return sqlitex.Execute(conn, `DELETE FROM tracking WHERE user_id = ?`,
				&sqlitex.ExecOptions{Args: []any{userID.String()}})
		}
		return sqlitex.Execute(conn,
			`INSERT INTO tracking (user_id, status) VALUES (?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET status = excluded.status`,
			&sqlitex.ExecOptions{Args: []any{userID.String(), int64(status)}})
	})
}

func (s *SQLite) GetTracking(userID ref.UserID) (TrackingStatus, error) {
	status := TrackingNotTracked
	err := s.withConn("get tracking", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT status FROM tracking WHERE user_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{userID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					status = TrackingStatus(stmt.ColumnInt64(0))
					return nil
				},
			})
	})
	return status, err
}

func (s *SQLite) TrackedUsers() (map[ref.UserID]TrackingStatus, error) {
	tracked := make(map[ref.UserID]TrackingStatus)
	err := s.withConn("tracked users", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT user_id, status FROM tracking`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				userID, err := ref.ParseUserID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				tracked[userID] = TrackingStatus(stmt.ColumnInt64(1))
				return nil
			},
		})
	})
	return tracked, err
}

func (s *SQLite) PutCrossSigningKey(record CrossSigningKeyRecord) error {
	signatures, err := codec.Marshal(record.Signatures)
	if err != nil {
		return fmt.Errorf("store: encoding signatures: %w", err)
	}
	return s.withConn("put cross-signing key", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO cross_signing_keys (user_id, usage, public_key, signatures)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (user_id, usage) DO UPDATE SET
			     public_key = excluded.public_key, signatures = excluded.signatures`,
			&sqlitex.ExecOptions{Args: []any{
				record.UserID.String(), record.Usage, record.PublicKey.String(), signatures,
			}})
	})
}

func (s *SQLite) GetCrossSigningKey(userID ref.UserID, usage string) (CrossSigningKeyRecord, error) {
	var record CrossSigningKeyRecord
	found := false
	err := s.withConn("get cross-signing key", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT public_key, signatures FROM cross_signing_keys WHERE user_id = ? AND usage = ?`,
			&sqlitex.ExecOptions{
				Args: []any{userID.String(), usage},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record = CrossSigningKeyRecord{
						UserID:    userID,
						Usage:     usage,
						PublicKey: ref.Ed25519(stmt.ColumnText(0)),
					}
					blob := make([]byte, stmt.ColumnLen(1))
					stmt.ColumnBytes(1, blob)
					if err := codec.Unmarshal(blob, &record.Signatures); err != nil {
						return fmt.Errorf("store: parsing signatures: %w", err)
					}
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return CrossSigningKeyRecord{}, err
	}
	if !found {
		return CrossSigningKeyRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *SQLite) PutOutgoingKeyRequest(request OutgoingKeyRequest) error {
	recipients, err := codec.Marshal(request.Recipients)
	if err != nil {
		return fmt.Errorf("store: encoding recipients: %w", err)
	}
	return s.withConn("put outgoing key request", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO outgoing_key_requests
			     (request_id, algorithm, room_id, sender_key, session_id, recipients, state)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (request_id) DO UPDATE SET
			     recipients = excluded.recipients, state = excluded.state`,
			&sqlitex.ExecOptions{Args: []any{
				request.RequestID,
				request.Body.Algorithm,
				request.Body.RoomID.String(),
				request.Body.SenderKey.String(),
				request.Body.SessionID.String(),
				recipients,
				int64(request.State),
			}})
	})
}

func scanOutgoingKeyRequest(stmt *sqlite.Stmt) (OutgoingKeyRequest, error) {
	roomID, err := ref.ParseRoomID(stmt.ColumnText(2))
	if err != nil {
		return OutgoingKeyRequest{}, err
	}
	sessionID, err := ref.ParseSessionID(stmt.ColumnText(4))
	if err != nil {
		return OutgoingKeyRequest{}, err
	}
	request := OutgoingKeyRequest{
		RequestID: stmt.ColumnText(0),
		Body: RoomKeyRequestBody{
			Algorithm: stmt.ColumnText(1),
			RoomID:    roomID,
			SenderKey: ref.Curve25519(stmt.ColumnText(3)),
			SessionID: sessionID,
		},
		State: KeyRequestState(stmt.ColumnInt64(6)),
	}
	blob := make([]byte, stmt.ColumnLen(5))
	stmt.ColumnBytes(5, blob)
	if err := codec.Unmarshal(blob, &request.Recipients); err != nil {
		return OutgoingKeyRequest{}, fmt.Errorf("store: parsing recipients: %w", err)
	}
	return request, nil
}

const outgoingRequestColumns = `request_id, algorithm, room_id, sender_key, session_id, recipients, state`

func (s *SQLite) GetOutgoingKeyRequest(requestID string) (OutgoingKeyRequest, error) {
	var request OutgoingKeyRequest
	found := false
	err := s.withConn("get outgoing key request", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+outgoingRequestColumns+` FROM outgoing_key_requests WHERE request_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{requestID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					request, err = scanOutgoingKeyRequest(stmt)
					found = err == nil
					return err
				},
			})
	})
	if err != nil {
		return OutgoingKeyRequest{}, err
	}
	if !found {
		return OutgoingKeyRequest{}, ErrNotFound
	}
	return request, nil
}

func (s *SQLite) GetOutgoingKeyRequestByBody(body RoomKeyRequestBody) (OutgoingKeyRequest, error) {
	var request OutgoingKeyRequest
	found := false
	err := s.withConn("get outgoing key request by body", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+outgoingRequestColumns+` FROM outgoing_key_requests
			 WHERE algorithm = ? AND room_id = ? AND sender_key = ? AND session_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{body.Algorithm, body.RoomID.String(), body.SenderKey.String(), body.SessionID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					request, err = scanOutgoingKeyRequest(stmt)
					found = err == nil
					return err
				},
			})
	})
	if err != nil {
		return OutgoingKeyRequest{}, err
	}
	if !found {
		return OutgoingKeyRequest{}, ErrNotFound
	}
	return request, nil
}

func (s *SQLite) ListOutgoingKeyRequests() ([]OutgoingKeyRequest, error) {
	var requests []OutgoingKeyRequest
	err := s.withConn("list outgoing key requests", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+outgoingRequestColumns+` FROM outgoing_key_requests ORDER BY request_id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					request, err := scanOutgoingKeyRequest(stmt)
					if err != nil {
						return err
					}
					requests = append(requests, request)
					return nil
				},
			})
	})
	return requests, err
}

func (s *SQLite) DeleteOutgoingKeyRequest(requestID string) error {
	return s.withConn("delete outgoing key request", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM outgoing_key_requests WHERE request_id = ?`,
			&sqlitex.ExecOptions{Args: []any{requestID}})
	})
}

func (s *SQLite) PutIncomingKeyRequest(request IncomingKeyRequest) error {
	body, err := codec.Marshal(request.Body)
	if err != nil {
		return fmt.Errorf("store: encoding request body: %w", err)
	}
	return s.withConn("put incoming key request", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO incoming_key_requests (user_id, device_id, request_id, body)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (user_id, device_id, request_id) DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{
				request.UserID.String(), request.DeviceID.String(), request.RequestID, body,
			}})
	})
}

func scanIncomingKeyRequest(stmt *sqlite.Stmt) (IncomingKeyRequest, error) {
	userID, err := ref.ParseUserID(stmt.ColumnText(0))
	if err != nil {
		return IncomingKeyRequest{}, err
	}
	deviceID, err := ref.ParseDeviceID(stmt.ColumnText(1))
	if err != nil {
		return IncomingKeyRequest{}, err
	}
	request := IncomingKeyRequest{
		UserID:    userID,
		DeviceID:  deviceID,
		RequestID: stmt.ColumnText(2),
	}
	blob := make([]byte, stmt.ColumnLen(3))
	stmt.ColumnBytes(3, blob)
	if err := codec.Unmarshal(blob, &request.Body); err != nil {
		return IncomingKeyRequest{}, fmt.Errorf("store: parsing request body: %w", err)
	}
	return request, nil
}

func (s *SQLite) IncomingKeyRequestsForDevice(userID ref.UserID, deviceID ref.DeviceID) ([]IncomingKeyRequest, error) {
	var requests []IncomingKeyRequest
	err := s.withConn("incoming key requests for device", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT user_id, device_id, request_id, body FROM incoming_key_requests
			 WHERE user_id = ? AND device_id = ? ORDER BY request_id`,
			&sqlitex.ExecOptions{
				Args: []any{userID.String(), deviceID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					request, err := scanIncomingKeyRequest(stmt)
					if err != nil {
						return err
					}
					requests = append(requests, request)
					return nil
				},
			})
	})
	return requests, err
}

func (s *SQLite) ListIncomingKeyRequests() ([]IncomingKeyRequest, error) {
	var requests []IncomingKeyRequest
	err := s.withConn("list incoming key requests", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT user_id, device_id, request_id, body FROM incoming_key_requests ORDER BY request_id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					request, err := scanIncomingKeyRequest(stmt)
					if err != nil {
						return err
					}
					requests = append(requests, request)
					return nil
				},
			})
	})
	return requests, err
}

func (s *SQLite) DeleteIncomingKeyRequestsForDevice(userID ref.UserID, deviceID ref.DeviceID) error {
	return s.withConn("delete incoming key requests", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`DELETE FROM incoming_key_requests WHERE user_id = ? AND device_id = ?`,
			&sqlitex.ExecOptions{Args: []any{userID.String(), deviceID.String()}})
	})
}

func (s *SQLite) PutBackupVersion(record BackupVersionRecord) error {
	return s.withConn("put backup version", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO backup_version (id, version, algorithm, recipient_key, trusted)
			 VALUES (0, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			     version = excluded.version,
			     algorithm = excluded.algorithm,
			     recipient_key = excluded.recipient_key,
			     trusted = excluded.trusted`,
			&sqlitex.ExecOptions{Args: []any{
				record.Version, record.Algorithm, record.RecipientKey, boolToInt(record.Trusted),
			}})
	})
}

func (s *SQLite) GetBackupVersion() (BackupVersionRecord, error) {
	var record BackupVersionRecord
	found := false
	err := s.withConn("get backup version", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT version, algorithm, recipient_key, trusted FROM backup_version WHERE id = 0`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record = BackupVersionRecord{
						Version:      stmt.ColumnText(0),
						Algorithm:    stmt.ColumnText(1),
						RecipientKey: stmt.ColumnText(2),
						Trusted:      stmt.ColumnInt64(3) != 0,
					}
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return BackupVersionRecord{}, err
	}
	if !found {
		return BackupVersionRecord{}, ErrNotFound
	}
	return record, nil
}

// Close closes the connection pool. Blocks until borrowed connections
// are returned.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
