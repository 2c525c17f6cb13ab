// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"sort"
	"sync"

	"github.com/niochat/nio/lib/ref"
)

// Memory is an in-process Store. State is lost on Close; tests and
// ephemeral logins use it.
type Memory struct {
	mu sync.Mutex

	account   []byte
	syncToken string

	olmSessions     map[ref.Curve25519]map[ref.SessionID]OlmSessionRecord
	inboundGroup    map[InboundGroupSessionKey]InboundGroupSessionRecord
	outboundGroup   map[ref.RoomID]OutboundGroupSessionRecord
	messageIndexes  map[messageIndexKey]MessageIndexRecord
	devices         map[ref.UserID]map[ref.DeviceID]DeviceRecord
	tracking        map[ref.UserID]TrackingStatus
	crossSigning    map[crossSigningKey]CrossSigningKeyRecord
	outgoing        map[string]OutgoingKeyRequest
	incoming        map[incomingRequestKey][]IncomingKeyRequest
	backupVersion   *BackupVersionRecord
}

type messageIndexKey struct {
	sessionID  ref.SessionID
	timelineID string
	index      uint32
}

type crossSigningKey struct {
	userID ref.UserID
	usage  string
}

type incomingRequestKey struct {
	userID   ref.UserID
	deviceID ref.DeviceID
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		olmSessions:    make(map[ref.Curve25519]map[ref.SessionID]OlmSessionRecord),
		inboundGroup:   make(map[InboundGroupSessionKey]InboundGroupSessionRecord),
		outboundGroup:  make(map[ref.RoomID]OutboundGroupSessionRecord),
		messageIndexes: make(map[messageIndexKey]MessageIndexRecord),
		devices:        make(map[ref.UserID]map[ref.DeviceID]DeviceRecord),
		tracking:       make(map[ref.UserID]TrackingStatus),
		crossSigning:   make(map[crossSigningKey]CrossSigningKeyRecord),
		outgoing:       make(map[string]OutgoingKeyRequest),
		incoming:       make(map[incomingRequestKey][]IncomingKeyRequest),
	}
}

func (m *Memory) PutAccount(pickle []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = append([]byte(nil), pickle...)
	return nil
}

func (m *Memory) GetAccount() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.account...), nil
}

func (m *Memory) PutSyncToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncToken = token
	return nil
}

func (m *Memory) GetSyncToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncToken, nil
}

func (m *Memory) PutOlmSession(record OlmSessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := m.olmSessions[record.SenderKey]
	if sessions == nil {
		sessions = make(map[ref.SessionID]OlmSessionRecord)
		m.olmSessions[record.SenderKey] = sessions
	}
	sessions[record.SessionID] = record
	return nil
}

func (m *Memory) GetOlmSession(senderKey ref.Curve25519, sessionID ref.SessionID) (OlmSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.olmSessions[senderKey][sessionID]
	if !ok {
		return OlmSessionRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *Memory) SessionsForSender(senderKey ref.Curve25519) ([]OlmSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []OlmSessionRecord
	for _, record := range m.olmSessions[senderKey] {
		records = append(records, record)
	}
	sortSessionsByActivity(records)
	return records, nil
}

func (m *Memory) PutInboundGroupSession(record InboundGroupSessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := InboundGroupSessionKey{RoomID: record.RoomID, SenderKey: record.SenderKey, SessionID: record.SessionID}
	m.inboundGroup[key] = record
	return nil
}

func (m *Memory) GetInboundGroupSession(roomID ref.RoomID, senderKey ref.Curve25519, sessionID ref.SessionID) (InboundGroupSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.inboundGroup[InboundGroupSessionKey{RoomID: roomID, SenderKey: senderKey, SessionID: sessionID}]
	if !ok {
		return InboundGroupSessionRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *Memory) SessionsNotBackedUp(limit int) ([]InboundGroupSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []InboundGroupSessionRecord
	for _, record := range m.inboundGroup {
		if record.BackedUp {
			continue
		}
		records = append(records, record)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

func (m *Memory) MarkSessionsBackedUp(keys []InboundGroupSessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if record, ok := m.inboundGroup[key]; ok {
			record.BackedUp = true
			m.inboundGroup[key] = record
		}
	}
	return nil
}

func (m *Memory) ResetBackupFlags() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, record := range m.inboundGroup {
		record.BackedUp = false
		m.inboundGroup[key] = record
	}
	return nil
}

func (m *Memory) AllInboundGroupSessions() ([]InboundGroupSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]InboundGroupSessionRecord, 0, len(m.inboundGroup))
	for _, record := range m.inboundGroup {
		records = append(records, record)
	}
	return records, nil
}

func (m *Memory) PutOutboundGroupSession(record OutboundGroupSessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outboundGroup[record.RoomID] = record
	return nil
}

func (m *Memory) GetOutboundGroupSession(roomID ref.RoomID) (OutboundGroupSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.outboundGroup[roomID]
	if !ok {
		return OutboundGroupSessionRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *Memory) DeleteOutboundGroupSession(roomID ref.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outboundGroup, roomID)
	return nil
}

func (m *Memory) PutMessageIndex(record MessageIndexRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := messageIndexKey{sessionID: record.SessionID, timelineID: record.TimelineID, index: record.Index}
	m.messageIndexes[key] = record
	return nil
}

func (m *Memory) GetMessageIndex(sessionID ref.SessionID, timelineID string, index uint32) (MessageIndexRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.messageIndexes[messageIndexKey{sessionID: sessionID, timelineID: timelineID, index: index}]
	if !ok {
		return MessageIndexRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *Memory) PutDevices(userID ref.UserID, devices []DeviceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := make(map[ref.DeviceID]DeviceRecord, len(devices))
	for _, device := range devices {
		byID[device.DeviceID] = device
	}
	m.devices[userID] = byID
	return nil
}

func (m *Memory) GetDevice(userID ref.UserID, deviceID ref.DeviceID) (DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.devices[userID][deviceID]
	if !ok {
		return DeviceRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *Memory) DevicesForUser(userID ref.UserID) ([]DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []DeviceRecord
	for _, record := range m.devices[userID] {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].DeviceID.String() < records[j].DeviceID.String()
	})
	return records, nil
}

func (m *Memory) UpdateDevice(device DeviceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.devices[device.UserID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byID[device.DeviceID]; !ok {
		return ErrNotFound
	}
	byID[device.DeviceID] = device
	return nil
}

func (m *Memory) DeleteDevicesForUser(userID ref.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, userID)
	return nil
}

func (m *Memory) PutTracking(userID ref.UserID, status TrackingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == TrackingNotTracked {
		delete(m.tracking, userID)
		return nil
	}
	m.tracking[userID] = status
	return nil
}

func (m *Memory) GetTracking(userID ref.UserID) (TrackingStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracking[userID], nil
}

func (m *Memory) TrackedUsers() (map[ref.UserID]TrackingStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked := make(map[ref.UserID]TrackingStatus, len(m.tracking))
	for userID, status := range m.tracking {
		tracked[userID] = status
	}
	return tracked, nil
}

func (m *Memory) PutCrossSigningKey(record CrossSigningKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crossSigning[crossSigningKey{userID: record.UserID, usage: record.Usage}] = record
	return nil
}

func (m *Memory) GetCrossSigningKey(userID ref.UserID, usage string) (CrossSigningKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.crossSigning[crossSigningKey{userID: userID, usage: usage}]
	if !ok {
		return CrossSigningKeyRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *Memory) PutOutgoingKeyRequest(request OutgoingKeyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outgoing[request.RequestID] = request
	return nil
}

func (m *Memory) GetOutgoingKeyRequest(requestID string) (OutgoingKeyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, ok := m.outgoing[requestID]
	if !ok {
		return OutgoingKeyRequest{}, ErrNotFound
	}
	return request, nil
}

func (m *Memory) GetOutgoingKeyRequestByBody(body RoomKeyRequestBody) (OutgoingKeyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, request := range m.outgoing {
		if request.Body == body {
			return request, nil
		}
	}
	return OutgoingKeyRequest{}, ErrNotFound
}

func (m *Memory) ListOutgoingKeyRequests() ([]OutgoingKeyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	requests := make([]OutgoingKeyRequest, 0, len(m.outgoing))
	for _, request := range m.outgoing {
		requests = append(requests, request)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestID < requests[j].RequestID
	})
	return requests, nil
}

func (m *Memory) DeleteOutgoingKeyRequest(requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outgoing, requestID)
	return nil
}

func (m *Memory) PutIncomingKeyRequest(request IncomingKeyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := incomingRequestKey{userID: request.UserID, deviceID: request.DeviceID}
	for _, existing := range m.incoming[key] {
		if existing.RequestID == request.RequestID {
			return nil
		}
	}
	m.incoming[key] = append(m.incoming[key], request)
	return nil
}

func (m *Memory) IncomingKeyRequestsForDevice(userID ref.UserID, deviceID ref.DeviceID) ([]IncomingKeyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	requests := m.incoming[incomingRequestKey{userID: userID, deviceID: deviceID}]
	return append([]IncomingKeyRequest(nil), requests...), nil
}

func (m *Memory) ListIncomingKeyRequests() ([]IncomingKeyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var requests []IncomingKeyRequest
	for _, group := range m.incoming {
		requests = append(requests, group...)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestID < requests[j].RequestID
	})
	return requests, nil
}

func (m *Memory) DeleteIncomingKeyRequestsForDevice(userID ref.UserID, deviceID ref.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.incoming, incomingRequestKey{userID: userID, deviceID: deviceID})
	return nil
}

func (m *Memory) PutBackupVersion(record BackupVersionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backupVersion = &record
	return nil
}

func (m *Memory) GetBackupVersion() (BackupVersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backupVersion == nil {
		return BackupVersionRecord{}, ErrNotFound
	}
	return *m.backupVersion, nil
}

func (m *Memory) Close() error {
	return nil
}

// sortSessionsByActivity orders most-recently-active first, with the
// session ID as a stable tie-break (descending, so both readers pick
// the same winner regardless of map order).
func sortSessionsByActivity(records []OlmSessionRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].LastActivity.Equal(records[j].LastActivity) {
			return records[i].LastActivity.After(records[j].LastActivity)
		}
		return records[i].SessionID.String() > records[j].SessionID.String()
	})
}
