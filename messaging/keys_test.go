// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/niochat/nio/lib/ref"
)

func TestSendToDevice(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Messages map[string]map[string]map[string]any `json:"messages"`
	}
	session, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.Write([]byte(`{}`))
	}))

	bob := ref.MustParseUserID("@bob:example.org")
	messages := ToDeviceMessages{
		bob: {
			ref.MustParseDeviceID("BOBDEV"): map[string]any{
				"algorithm": "m.olm.v1.curve25519-aes-sha2",
			},
		},
	}
	if err := session.SendToDevice(context.Background(), "m.room.encrypted", messages); err != nil {
		t.Fatalf("SendToDevice: %v", err)
	}

	if !strings.HasPrefix(gotPath, "/_matrix/client/v3/sendToDevice/m.room.encrypted/") {
		t.Errorf("path = %q", gotPath)
	}
	content := gotBody.Messages["@bob:example.org"]["BOBDEV"]
	if content["algorithm"] != "m.olm.v1.curve25519-aes-sha2" {
		t.Errorf("delivered content = %v", content)
	}
}

func TestUploadKeys(t *testing.T) {
	var gotRequest UploadKeysRequest
	session, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/keys/upload" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.Write([]byte(`{"one_time_key_counts": {"signed_curve25519": 50}}`))
	}))

	response, err := session.UploadKeys(context.Background(), UploadKeysRequest{
		OneTimeKeys: map[string]SignedOneTimeKey{
			"signed_curve25519:AAAAAQ": {Key: "curve+key"},
		},
	})
	if err != nil {
		t.Fatalf("UploadKeys: %v", err)
	}

	if response.OneTimeKeyCounts["signed_curve25519"] != 50 {
		t.Errorf("counts = %v", response.OneTimeKeyCounts)
	}
	if _, ok := gotRequest.OneTimeKeys["signed_curve25519:AAAAAQ"]; !ok {
		t.Errorf("request missing one-time key: %+v", gotRequest)
	}
	if gotRequest.DeviceKeys != nil {
		t.Error("DeviceKeys should be omitted when nil")
	}
}

func TestQueryKeys(t *testing.T) {
	session, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/keys/query" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"device_keys": {
				"@bob:example.org": {
					"BOBDEV": {
						"user_id": "@bob:example.org",
						"device_id": "BOBDEV",
						"algorithms": ["m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"],
						"keys": {
							"curve25519:BOBDEV": "bobcurvekey",
							"ed25519:BOBDEV": "bobedkey"
						},
						"signatures": {
							"@bob:example.org": {"ed25519:BOBDEV": "sig"}
						}
					}
				}
			},
			"master_keys": {
				"@bob:example.org": {
					"user_id": "@bob:example.org",
					"usage": ["master"],
					"keys": {"ed25519:masterkey": "masterkey"}
				}
			},
			"failures": {"unreachable.example": {"status": 503}}
		}`))
	}))

	bob := ref.MustParseUserID("@bob:example.org")
	response, err := session.QueryKeys(context.Background(), QueryKeysRequest{
		DeviceKeys: map[ref.UserID][]ref.DeviceID{bob: nil},
	})
	if err != nil {
		t.Fatalf("QueryKeys: %v", err)
	}

	device := response.DeviceKeys[bob][ref.MustParseDeviceID("BOBDEV")]
	if device.Keys["curve25519:BOBDEV"] != "bobcurvekey" {
		t.Errorf("device keys = %v", device.Keys)
	}
	if device.Signatures[bob]["ed25519:BOBDEV"] != "sig" {
		t.Errorf("device signatures = %v", device.Signatures)
	}
	master := response.MasterKeys[bob]
	if len(master.Usage) != 1 || master.Usage[0] != "master" {
		t.Errorf("master key usage = %v", master.Usage)
	}
	if _, ok := response.Failures["unreachable.example"]; !ok {
		t.Errorf("failures = %v", response.Failures)
	}
}

func TestClaimKeys(t *testing.T) {
	session, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/keys/claim" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"one_time_keys": {
				"@bob:example.org": {
					"BOBDEV": {
						"signed_curve25519:AAAAHg": {
							"key": "onetimekey",
							"signatures": {"@bob:example.org": {"ed25519:BOBDEV": "sig"}}
						}
					}
				}
			}
		}`))
	}))

	bob := ref.MustParseUserID("@bob:example.org")
	response, err := session.ClaimKeys(context.Background(), ClaimKeysRequest{
		OneTimeKeys: map[ref.UserID]map[ref.DeviceID]string{
			bob: {ref.MustParseDeviceID("BOBDEV"): "signed_curve25519"},
		},
	})
	if err != nil {
		t.Fatalf("ClaimKeys: %v", err)
	}

	claimed := response.OneTimeKeys[bob][ref.MustParseDeviceID("BOBDEV")]
	key, ok := claimed["signed_curve25519:AAAAHg"]
	if !ok {
		t.Fatalf("claimed keys = %v", claimed)
	}
	if key.Key != "onetimekey" {
		t.Errorf("key = %q", key.Key)
	}
}

func TestKeyBackupVersionNotFound(t *testing.T) {
	session, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"No backup found"}`))
	}))

	_, err := session.GetKeyBackupVersion(context.Background())
	if !IsMatrixError(err, ErrCodeNotFound) {
		t.Fatalf("err = %v, want M_NOT_FOUND", err)
	}
}

func TestKeyBackupRoundTrip(t *testing.T) {
	roomID := ref.MustParseRoomID("!room:example.org")
	sessionID := ref.MustParseSessionID("megolm-session-1")

	var stored RoomKeysBackup
	session, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/_matrix/client/v3/room_keys/version":
			w.Write([]byte(`{"version": "3"}`))
		case r.Method == http.MethodPut && r.URL.Path == "/_matrix/client/v3/room_keys/keys":
			if got := r.URL.Query().Get("version"); got != "3" {
				t.Errorf("version query = %q, want 3", got)
			}
			var body struct {
				Rooms RoomKeysBackup `json:"rooms"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decoding put body: %v", err)
			}
			stored = body.Rooms
			w.Write([]byte(`{"count": 1, "etag": "abc"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/_matrix/client/v3/room_keys/keys":
			json.NewEncoder(w).Encode(map[string]any{"rooms": stored})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))

	version, err := session.CreateKeyBackupVersion(context.Background(), CreateKeyBackupRequest{
		Algorithm: "m.megolm_backup.v1.curve25519-aes-sha2",
		AuthData:  map[string]string{"public_key": "backupkey"},
	})
	if err != nil {
		t.Fatalf("CreateKeyBackupVersion: %v", err)
	}
	if version != "3" {
		t.Fatalf("version = %q", version)
	}

	upload := RoomKeysBackup{
		roomID: {Sessions: map[ref.SessionID]KeyBackupData{
			sessionID: {
				FirstMessageIndex: 7,
				SessionData:       json.RawMessage(`{"ciphertext":"sealed"}`),
			},
		}},
	}
	putResponse, err := session.PutRoomKeys(context.Background(), version, upload)
	if err != nil {
		t.Fatalf("PutRoomKeys: %v", err)
	}
	if putResponse.Count != 1 || putResponse.ETag != "abc" {
		t.Errorf("put response = %+v", putResponse)
	}

	restored, err := session.GetRoomKeys(context.Background(), version)
	if err != nil {
		t.Fatalf("GetRoomKeys: %v", err)
	}
	data, ok := restored[roomID].Sessions[sessionID]
	if !ok {
		t.Fatalf("restored backup = %v", restored)
	}
	if data.FirstMessageIndex != 7 {
		t.Errorf("FirstMessageIndex = %d", data.FirstMessageIndex)
	}
}

func TestWrongBackupVersionError(t *testing.T) {
	session, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errcode":"M_WRONG_ROOM_KEYS_VERSION","error":"Wrong backup version","current_version":"4"}`))
	}))

	_, err := session.PutRoomKeys(context.Background(), "3", RoomKeysBackup{})
	if !IsMatrixError(err, ErrCodeWrongRoomKeysVersion) {
		t.Fatalf("err = %v, want M_WRONG_ROOM_KEYS_VERSION", err)
	}
}
