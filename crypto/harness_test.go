// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/niochat/nio/crypto/store"
	"github.com/niochat/nio/lib/clock"
	"github.com/niochat/nio/lib/ref"
	"github.com/niochat/nio/messaging"
)

// fakeServer is an in-memory homeserver shared by the fake transports
// of several test engines. It stores uploaded keys, routes to-device
// messages between devices, and serves a key backup.
type fakeServer struct {
	mu sync.Mutex

	devices      map[ref.UserID][]ref.DeviceID
	deviceKeys   map[ref.UserID]map[ref.DeviceID]messaging.DeviceKeys
	oneTimeKeys  map[ref.UserID]map[ref.DeviceID]map[string]messaging.SignedOneTimeKey
	fallbackKeys map[ref.UserID]map[ref.DeviceID]map[string]messaging.SignedOneTimeKey

	masterKeys      map[ref.UserID]messaging.CrossSigningKey
	selfSigningKeys map[ref.UserID]messaging.CrossSigningKey

	inbox map[ref.UserID]map[ref.DeviceID][]messaging.ToDeviceEvent

	state   map[ref.RoomID]map[string]json.RawMessage
	members map[ref.RoomID][]messaging.RoomMember

	roomEvents []sentRoomEvent

	backupVersion   string
	backupVersions  int
	backupAlgorithm string
	backupAuthData  json.RawMessage
	backupKeys      messaging.RoomKeysBackup

	// Injectable failures.
	queryKeysErr error
	claimKeysErr error
	putKeysErr   error
}

type sentRoomEvent struct {
	RoomID    ref.RoomID
	EventType ref.EventType
	Content   any
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		devices:         make(map[ref.UserID][]ref.DeviceID),
		deviceKeys:      make(map[ref.UserID]map[ref.DeviceID]messaging.DeviceKeys),
		oneTimeKeys:     make(map[ref.UserID]map[ref.DeviceID]map[string]messaging.SignedOneTimeKey),
		fallbackKeys:    make(map[ref.UserID]map[ref.DeviceID]map[string]messaging.SignedOneTimeKey),
		masterKeys:      make(map[ref.UserID]messaging.CrossSigningKey),
		selfSigningKeys: make(map[ref.UserID]messaging.CrossSigningKey),
		inbox:           make(map[ref.UserID]map[ref.DeviceID][]messaging.ToDeviceEvent),
		state:           make(map[ref.RoomID]map[string]json.RawMessage),
		members:         make(map[ref.RoomID][]messaging.RoomMember),
		backupKeys:      make(messaging.RoomKeysBackup),
	}
}

func (s *fakeServer) connect(userID ref.UserID, deviceID ref.DeviceID) *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[userID] = append(s.devices[userID], deviceID)
	return &fakeTransport{server: s, userID: userID, deviceID: deviceID}
}

func (s *fakeServer) setRoom(roomID ref.RoomID, settings EncryptionSettings, members ...ref.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, err := json.Marshal(settings)
	if err != nil {
		panic(err)
	}
	if s.state[roomID] == nil {
		s.state[roomID] = make(map[string]json.RawMessage)
	}
	s.state[roomID][EventRoomEncryption.String()] = content
	s.members[roomID] = s.members[roomID][:0]
	for _, member := range members {
		s.members[roomID] = append(s.members[roomID], messaging.RoomMember{UserID: member, Membership: "join"})
	}
}

// takeInbox drains the pending to-device events for one device.
func (s *fakeServer) takeInbox(userID ref.UserID, deviceID ref.DeviceID) []messaging.ToDeviceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := s.inbox[userID]
	if devices == nil {
		return nil
	}
	events := devices[deviceID]
	delete(devices, deviceID)
	return events
}

func (s *fakeServer) oneTimeKeyCount(userID ref.UserID, deviceID ref.DeviceID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.oneTimeKeys[userID][deviceID])
}

// fakeTransport is one device's view of the fake server.
type fakeTransport struct {
	server   *fakeServer
	userID   ref.UserID
	deviceID ref.DeviceID
}

func (t *fakeTransport) UserID() ref.UserID     { return t.userID }
func (t *fakeTransport) DeviceID() ref.DeviceID { return t.deviceID }

func (t *fakeTransport) SendToDevice(ctx context.Context, eventType ref.EventType, messages messaging.ToDeviceMessages) error {
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, devices := range messages {
		for deviceID, content := range devices {
			raw, err := json.Marshal(content)
			if err != nil {
				return err
			}
			event := messaging.ToDeviceEvent{Type: eventType, Sender: t.userID, Content: raw}
			targets := []ref.DeviceID{deviceID}
			if deviceID == ref.AllDevices {
				targets = s.devices[userID]
			}
			for _, target := range targets {
				if s.inbox[userID] == nil {
					s.inbox[userID] = make(map[ref.DeviceID][]messaging.ToDeviceEvent)
				}
				s.inbox[userID][target] = append(s.inbox[userID][target], event)
			}
		}
	}
	return nil
}

func (t *fakeTransport) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomEvents = append(s.roomEvents, sentRoomEvent{RoomID: roomID, EventType: eventType, Content: content})
	return ref.MustParseEventID(fmt.Sprintf("$event%d", len(s.roomEvents))), nil
}

func (t *fakeTransport) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if content, ok := s.state[roomID][eventType.String()]; ok {
		return content, nil
	}
	return nil, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, Message: "event not found", StatusCode: 404}
}

func (t *fakeTransport) GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]messaging.RoomMember, error) {
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messaging.RoomMember(nil), s.members[roomID]...), nil
}

func (t *fakeTransport) UploadKeys(ctx context.Context, request messaging.UploadKeysRequest) (*messaging.UploadKeysResponse, error) {
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if request.DeviceKeys != nil {
		if s.deviceKeys[t.userID] == nil {
			s.deviceKeys[t.userID] = make(map[ref.DeviceID]messaging.DeviceKeys)
		}
		s.deviceKeys[t.userID][t.deviceID] = *request.DeviceKeys
	}
	for keyID, key := range request.OneTimeKeys {
		bucket := s.oneTimeKeys
		if key.Fallback {
			bucket = s.fallbackKeys
		}
		if bucket[t.userID] == nil {
			bucket[t.userID] = make(map[ref.DeviceID]map[string]messaging.SignedOneTimeKey)
		}
		if bucket[t.userID][t.deviceID] == nil {
			bucket[t.userID][t.deviceID] = make(map[string]messaging.SignedOneTimeKey)
		}
		bucket[t.userID][t.deviceID][keyID] = key
	}
	return &messaging.UploadKeysResponse{
		OneTimeKeyCounts: map[string]int{"signed_curve25519": len(s.oneTimeKeys[t.userID][t.deviceID])},
	}, nil
}

func (t *fakeTransport) QueryKeys(ctx context.Context, request messaging.QueryKeysRequest) (*messaging.QueryKeysResponse, error) {
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryKeysErr != nil {
		return nil, s.queryKeysErr
	}
	response := &messaging.QueryKeysResponse{
		DeviceKeys:      make(map[ref.UserID]map[ref.DeviceID]messaging.DeviceKeys),
		MasterKeys:      make(map[ref.UserID]messaging.CrossSigningKey),
		SelfSigningKeys: make(map[ref.UserID]messaging.CrossSigningKey),
	}
	for userID := range request.DeviceKeys {
		if devices, ok := s.deviceKeys[userID]; ok {
			copied := make(map[ref.DeviceID]messaging.DeviceKeys, len(devices))
			for deviceID, keys := range devices {
				copied[deviceID] = keys
			}
			response.DeviceKeys[userID] = copied
		}
		if master, ok := s.masterKeys[userID]; ok {
			response.MasterKeys[userID] = master
		}
		if selfSigning, ok := s.selfSigningKeys[userID]; ok {
			response.SelfSigningKeys[userID] = selfSigning
		}
	}
	return response, nil
}

func (t *fakeTransport) ClaimKeys(ctx context.Context, request messaging.ClaimKeysRequest) (*messaging.ClaimKeysResponse, error) {
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimKeysErr != nil {
		return nil, s.claimKeysErr
	}
	response := &messaging.ClaimKeysResponse{
		OneTimeKeys: make(map[ref.UserID]map[ref.DeviceID]map[string]messaging.SignedOneTimeKey),
	}
	for userID, devices := range request.OneTimeKeys {
		for deviceID := range devices {
			var keyID string
			var key messaging.SignedOneTimeKey
			found := false
			if pool := s.oneTimeKeys[userID][deviceID]; len(pool) > 0 {
				for id, candidate := range pool {
					keyID, key, found = id, candidate, true
					break
				}
				delete(pool, keyID)
			} else if pool := s.fallbackKeys[userID][deviceID]; len(pool) > 0 {
				// Fallback keys are served repeatedly without being
				// consumed.
				for id, candidate := range pool {
					keyID, key, found = id, candidate, true
					break
				}
			}
			if !found {
				continue
			}
			if response.OneTimeKeys[userID] == nil {
				response.OneTimeKeys[userID] = make(map[ref.DeviceID]map[string]messaging.SignedOneTimeKey)
			}
			response.OneTimeKeys[userID][deviceID] = map[string]messaging.SignedOneTimeKey{keyID: key}
		}
	}
	return response, nil
}

func (t *fakeTransport) GetKeyBackupVersion(ctx context.Context) (*messaging.KeyBackupVersion, error) {
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backupVersion == "" {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, Message: "no backup", StatusCode: 404}
	}
	return &messaging.KeyBackupVersion{
		Algorithm: s.backupAlgorithm,
		AuthData:  s.backupAuthData,
		Version:   s.backupVersion,
	}, nil
}

func (t *fakeTransport) CreateKeyBackupVersion(ctx context.Context, request messaging.CreateKeyBackupRequest) (string, error) {
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(request.AuthData)
	if err != nil {
		return "", err
	}
	s.backupVersions++
	s.backupVersion = fmt.Sprintf("%d", s.backupVersions)
	s.backupAlgorithm = request.Algorithm
	s.backupAuthData = raw
	s.backupKeys = make(messaging.RoomKeysBackup)
	return s.backupVersion, nil
}

func (t *fakeTransport) PutRoomKeys(ctx context.Context, version string, rooms messaging.RoomKeysBackup) (*messaging.PutRoomKeysResponse, error) {
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putKeysErr != nil {
		return nil, s.putKeysErr
	}
	if version != s.backupVersion {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeWrongRoomKeysVersion, Message: "wrong version", StatusCode: 403}
	}
	count := 0
	for roomID, backup := range rooms {
		existing := s.backupKeys[roomID]
		if existing.Sessions == nil {
			existing.Sessions = make(map[ref.SessionID]messaging.KeyBackupData)
		}
		for sessionID, data := range backup.Sessions {
			existing.Sessions[sessionID] = data
		}
		s.backupKeys[roomID] = existing
		count += len(existing.Sessions)
	}
	return &messaging.PutRoomKeysResponse{Count: count, ETag: "etag"}, nil
}

func (t *fakeTransport) GetRoomKeys(ctx context.Context, version string) (messaging.RoomKeysBackup, error) {
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if version != s.backupVersion {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeWrongRoomKeysVersion, Message: "wrong version", StatusCode: 403}
	}
	copied := make(messaging.RoomKeysBackup, len(s.backupKeys))
	for roomID, backup := range s.backupKeys {
		sessions := make(map[ref.SessionID]messaging.KeyBackupData, len(backup.Sessions))
		for sessionID, data := range backup.Sessions {
			sessions[sessionID] = data
		}
		copied[roomID] = messaging.RoomKeyBackup{Sessions: sessions}
	}
	return copied, nil
}

var _ Transport = (*fakeTransport)(nil)

// testEngine bundles an engine with its test collaborators.
type testEngine struct {
	*Engine
	transport *fakeTransport
	store     *store.Memory
	clock     *clock.FakeClock
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.DiscardHandler)
}

func newTestEngine(t *testing.T, server *fakeServer, fakeClock *clock.FakeClock, user, device string, tunables Tunables) *testEngine {
	t.Helper()
	transport := server.connect(ref.MustParseUserID(user), ref.MustParseDeviceID(device))
	memory := store.NewMemory()
	engine, err := NewEngine(Config{
		Store:     memory,
		Transport: transport,
		Tunables:  tunables,
		Logger:    testLogger(t),
		Clock:     fakeClock,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &testEngine{Engine: engine, transport: transport, store: memory, clock: fakeClock}
}

func testClock() *clock.FakeClock {
	return clock.Fake(time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC))
}

// initialSync runs the first sync: an empty one-time key count makes
// the engine upload its device keys, one-time keys, and fallback key.
func (e *testEngine) initialSync(t *testing.T) {
	t.Helper()
	err := e.ProcessSyncResponse(context.Background(), &messaging.SyncResponse{
		NextBatch:                    "s1",
		DeviceOneTimeKeysCount:       map[string]int{"signed_curve25519": 0},
		DeviceUnusedFallbackKeyTypes: []string{},
	})
	if err != nil {
		t.Fatalf("initial sync: %v", err)
	}
}

// deliver feeds this device's pending to-device events through a
// sync.
func (e *testEngine) deliver(t *testing.T) []messaging.ToDeviceEvent {
	t.Helper()
	events := e.transport.server.takeInbox(e.transport.userID, e.transport.deviceID)
	err := e.ProcessSyncResponse(context.Background(), &messaging.SyncResponse{
		NextBatch: "s2",
		ToDevice:  messaging.ToDeviceSection{Events: events},
	})
	if err != nil {
		t.Fatalf("delivering %d events: %v", len(events), err)
	}
	return events
}

var (
	testRoom   = ref.MustParseRoomID("!lounge:example.org")
	aliceUser  = "@alice:example.org"
	bobUser    = "@bob:example.org"
	aliceFirst = "ALPHA"
	aliceOther = "AUXIL"
	bobFirst   = "BRAVO"
)

// newEncryptedRoomPair wires two engines sharing one encrypted room,
// both initial-synced.
func newEncryptedRoomPair(t *testing.T, tunables Tunables) (*fakeServer, *testEngine, *testEngine) {
	t.Helper()
	server := newFakeServer()
	fakeClock := testClock()
	alice := newTestEngine(t, server, fakeClock, aliceUser, aliceFirst, tunables)
	bob := newTestEngine(t, server, fakeClock, bobUser, bobFirst, tunables)
	server.setRoom(testRoom, EncryptionSettings{Algorithm: AlgorithmMegolm},
		ref.MustParseUserID(aliceUser), ref.MustParseUserID(bobUser))
	alice.initialSync(t)
	bob.initialSync(t)
	return server, alice, bob
}
