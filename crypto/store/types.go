// Copyright 2026 The Nio Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"time"

	"github.com/niochat/nio/lib/ref"
)

// VerificationState is the local verification judgment for a device.
type VerificationState int

const (
	VerificationUnknown VerificationState = iota
	VerificationUnverified
	VerificationVerified
	VerificationBlocked
)

func (v VerificationState) String() string {
	switch v {
	case VerificationUnknown:
		return "unknown"
	case VerificationUnverified:
		return "unverified"
	case VerificationVerified:
		return "verified"
	case VerificationBlocked:
		return "blocked"
	default:
		return "invalid"
	}
}

// TrustLevel is the derived trust for a device: the local judgment
// plus whether a cross-signing signature chain vouches for it.
type TrustLevel struct {
	LocallyVerified      bool
	CrossSigningVerified bool
}

// Trusted reports whether either trust path holds.
func (t TrustLevel) Trusted() bool {
	return t.LocallyVerified || t.CrossSigningVerified
}

// DeviceRecord is one remote (or own) device's identity as downloaded
// from key queries. Identity keys never change for a device ID; a
// changed key is a different device wearing the same name and must be
// rejected upstream.
type DeviceRecord struct {
	UserID      ref.UserID
	DeviceID    ref.DeviceID
	Algorithms  []string
	Curve25519  ref.Curve25519
	Ed25519     ref.Ed25519
	DisplayName string

	Verification         VerificationState
	CrossSigningVerified bool
}

// Trust returns the device's derived trust level.
func (d DeviceRecord) Trust() TrustLevel {
	return TrustLevel{
		LocallyVerified:      d.Verification == VerificationVerified,
		CrossSigningVerified: d.CrossSigningVerified,
	}
}

// TrackingStatus is the device-list tracking state for one user.
type TrackingStatus int

const (
	TrackingNotTracked TrackingStatus = iota
	TrackingPendingDownload
	TrackingDownloadInProgress
	TrackingUnreachableServer
	TrackingUpToDate
)

func (s TrackingStatus) String() string {
	switch s {
	case TrackingNotTracked:
		return "not_tracked"
	case TrackingPendingDownload:
		return "pending_download"
	case TrackingDownloadInProgress:
		return "download_in_progress"
	case TrackingUnreachableServer:
		return "unreachable_server"
	case TrackingUpToDate:
		return "up_to_date"
	default:
		return "invalid"
	}
}

// CrossSigningKeyRecord is one of a user's published cross-signing
// keys.
type CrossSigningKeyRecord struct {
	UserID    ref.UserID
	Usage     string // "master", "self_signing", or "user_signing"
	PublicKey ref.Ed25519
	// Signatures maps signing user -> key identifier -> signature,
	// as downloaded.
	Signatures map[ref.UserID]map[string]string
}

// Cross-signing key usages.
const (
	UsageMaster      = "master"
	UsageSelfSigning = "self_signing"
	UsageUserSigning = "user_signing"
)

// OlmSessionRecord is a pickled pairwise session plus the metadata
// the sending policy needs.
type OlmSessionRecord struct {
	SenderKey ref.Curve25519
	SessionID ref.SessionID
	Pickle    []byte
	// LastActivity orders a device's sessions most-recently-used
	// first. Updated on every successful decrypt and on creation.
	LastActivity time.Time
}

// InboundGroupSessionRecord is a pickled inbound group session.
type InboundGroupSessionRecord struct {
	RoomID    ref.RoomID
	SenderKey ref.Curve25519
	SessionID ref.SessionID
	Pickle    []byte
	// FirstKnownIndex mirrors the session's earliest decryptable
	// index so ratchet-regression checks don't need to unpickle.
	FirstKnownIndex uint32
	// ForwardingChain lists the curve25519 keys the session key
	// passed through before reaching us. Empty for directly shared
	// sessions.
	ForwardingChain []ref.Curve25519
	// ClaimedEd25519 is the sender's claimed signing key, carried
	// with the room key but only as trustworthy as its olm channel.
	ClaimedEd25519 ref.Ed25519
	BackedUp       bool
}

// OutboundGroupSessionRecord is the room's active outbound session
// plus rotation bookkeeping.
type OutboundGroupSessionRecord struct {
	RoomID    ref.RoomID
	SessionID ref.SessionID
	Pickle    []byte
	CreatedAt time.Time
	// SharedWith records the devices that already hold this
	// session's key, keyed by curve25519 identity key.
	SharedWith map[ref.Curve25519]uint32
}

// KeyRequestState tracks an outgoing room key request's lifecycle.
type KeyRequestState int

const (
	KeyRequestUnsent KeyRequestState = iota
	KeyRequestSent
	KeyRequestCancellationPending
	KeyRequestCancellationPendingAndWillResend
)

func (s KeyRequestState) String() string {
	switch s {
	case KeyRequestUnsent:
		return "unsent"
	case KeyRequestSent:
		return "sent"
	case KeyRequestCancellationPending:
		return "cancellation_pending"
	case KeyRequestCancellationPendingAndWillResend:
		return "cancellation_pending_will_resend"
	default:
		return "invalid"
	}
}

// RoomKeyRequestBody identifies the session a key request asks for.
// Deep equality on this struct is the deduplication key for outgoing
// requests.
type RoomKeyRequestBody struct {
	Algorithm string         `json:"algorithm"`
	RoomID    ref.RoomID     `json:"room_id"`
	SenderKey ref.Curve25519 `json:"sender_key"`
	SessionID ref.SessionID  `json:"session_id"`
}

// KeyRequestRecipient is one device a key request is addressed to.
type KeyRequestRecipient struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID
}

// OutgoingKeyRequest is a room key request this device has issued.
type OutgoingKeyRequest struct {
	RequestID  string
	Body       RoomKeyRequestBody
	Recipients []KeyRequestRecipient
	State      KeyRequestState
}

// IncomingKeyRequest is a room key request received from another
// device, pending an accept or ignore decision.
type IncomingKeyRequest struct {
	UserID    ref.UserID
	DeviceID  ref.DeviceID
	RequestID string
	Body      RoomKeyRequestBody
}

// BackupVersionRecord is the active server-side key backup this
// device uploads to.
type BackupVersionRecord struct {
	Version   string
	Algorithm string
	// RecipientKey is the backup's public sealing key; session keys
	// are sealed to it before upload.
	RecipientKey string
	// Trusted records whether the version's auth data carried a
	// valid signature from a verified device. Untrusted backups are
	// uploaded to but never restored from.
	Trusted bool
}

// MessageIndexRecord binds one successfully decrypted group message
// index to a digest of its ciphertext, for replay detection.
type MessageIndexRecord struct {
	SessionID  ref.SessionID
	TimelineID string
	Index      uint32
	Digest     [32]byte
}
