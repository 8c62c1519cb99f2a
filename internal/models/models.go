// Package models defines the shared data types for a fedi3 node: delivery
// jobs, inbox/outbox records, objects, follow relations, feed items, chat
// bundles and envelopes, and P2P discovery records. Types carry JSON tags
// for wire serialization and match the store's schema exactly.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a delivery job or object-fetch job.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobDelivered   JobStatus = "delivered"
	JobDead        JobStatus = "dead"
	JobAwaitingAck JobStatus = "awaiting_ack"
)

// DeliveryJob is one outbound delivery attempt record. The same
// (ActivityID, Target) pair may exist at most once.
type DeliveryJob struct {
	ID             string          `json:"id"`
	CreatedAtMs    int64           `json:"created_at_ms"`
	NextAttemptMs  int64           `json:"next_attempt_at_ms"`
	Attempt        int             `json:"attempt"`
	Status         JobStatus       `json:"status"`
	Target         string          `json:"target"`
	ActivityJSON   json.RawMessage `json:"activity_json"`
	KeyID          *string         `json:"key_id,omitempty"`
	ActivityID     *string         `json:"activity_id,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	AwaitAckSince  *int64          `json:"await_ack_since_ms,omitempty"`
}

// InboxRecord is a persisted inbound activity, keyed by its dedup id.
type InboxRecord struct {
	ActivityID   string          `json:"activity_id"`
	CreatedAtMs  int64           `json:"created_at_ms"`
	ActorID      *string         `json:"actor_id,omitempty"`
	Type         *string         `json:"type,omitempty"`
	ActivityJSON json.RawMessage `json:"activity_json"`
}

// OutboxRecord is a locally authored activity, retrievable in insertion order.
type OutboxRecord struct {
	ID           string          `json:"id"`
	CreatedAtMs  int64           `json:"created_at_ms"`
	ActivityJSON json.RawMessage `json:"activity_json"`
}

// Object is a stored ActivityStreams object (Note, Article, Tombstone, ...).
type Object struct {
	ObjectID      string          `json:"object_id"`
	CreatedAtMs   int64           `json:"created_at_ms"`
	UpdatedAtMs   int64           `json:"updated_at_ms"`
	Deleted       bool            `json:"deleted"`
	ObjectJSON    json.RawMessage `json:"object_json"`
	ActorID       *string         `json:"actor_id,omitempty"`
	Pinned        bool            `json:"pinned"`
	SizeBytes     int64           `json:"size_bytes"`
	LastAccessMs  int64           `json:"last_access_ms"`
}

// FollowState is the approval state of an outbound follow relation.
type FollowState string

const (
	FollowPending  FollowState = "pending"
	FollowAccepted FollowState = "accepted"
)

// Following is a row in the following(actor_id) table: relations this node
// has requested, keyed by the remote actor URL.
type Following struct {
	ActorID     string      `json:"actor_id"`
	State       FollowState `json:"state"`
	CreatedAtMs int64       `json:"created_at_ms"`
}

// Follower is a row in the followers(actor_id) table.
type Follower struct {
	ActorID     string `json:"actor_id"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// FeedItem is one entry in global_feed or federated_feed.
type FeedItem struct {
	ActivityID   string          `json:"activity_id"`
	CreatedAtMs  int64           `json:"created_at_ms"`
	ActorID      *string         `json:"actor_id,omitempty"`
	SizeBytes    int64           `json:"size_bytes"`
	LastAccessMs int64           `json:"last_access_ms"`
	ActivityJSON json.RawMessage `json:"activity_json"`
}

// ActorMeta records whether a remote actor exposes native fedi3 P2P
// endpoints, and when it was last observed.
type ActorMeta struct {
	ActorID     string `json:"actor_id"`
	IsFedi3     bool   `json:"is_fedi3"`
	LastSeenMs  int64  `json:"last_seen_ms"`
}

// AuditKind enumerates audit_events.kind values.
type AuditKind string

const (
	AuditAuthFailure     AuditKind = "auth_failure"
	AuditRateLimited     AuditKind = "rate_limited"
	AuditBlocked         AuditKind = "blocked"
	AuditProtocolViolate AuditKind = "protocol_violation"
	AuditActorKeyRotated AuditKind = "actor_key_rotated"
	AuditSignatureStale  AuditKind = "signature_stale"
)

// AuditEvent is one append-only row in audit_events.
type AuditEvent struct {
	Kind       AuditKind `json:"kind"`
	TsMs       int64     `json:"ts_ms"`
	ActorID    *string   `json:"actor_id,omitempty"`
	KeyID      *string   `json:"key_id,omitempty"`
	ActivityID *string   `json:"activity_id,omitempty"`
	OK         bool      `json:"ok"`
	Status     *int      `json:"status,omitempty"`
	Detail     *string   `json:"detail,omitempty"`
}

// InboxQuotaWindow is a sliding rate-limit window keyed by hashed actor id.
type InboxQuotaWindow struct {
	QuotaKey     string `json:"quota_key"`
	WindowStarts int64  `json:"window_start_ms"`
	Reqs         int64  `json:"reqs"`
	Bytes        int64  `json:"bytes"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

// AbuseStrike tracks escalating abuse penalties for a quota key.
type AbuseStrike struct {
	Key          string `json:"key"`
	Strikes      int    `json:"strikes"`
	LastStrikeMs int64  `json:"last_strike_ms"`
	BlockUntilMs int64  `json:"block_until_ms"`
}

// ChatPrekey is a single one-time KEM prekey within a bundle.
type ChatPrekey struct {
	ID        string `json:"id"`
	KEMPublic string `json:"kem_public"`
	Consumed  bool   `json:"consumed"`
}

// ChatBundle is a signed, published set of chat keys for one device.
type ChatBundle struct {
	V           int          `json:"v"`
	Actor       string       `json:"actor"`
	PeerID      *string      `json:"peer_id,omitempty"`
	DID         *string      `json:"did,omitempty"`
	DeviceID    string       `json:"device_id"`
	KEMPublic   string       `json:"kem_public"`
	Prekeys     []ChatPrekey `json:"prekeys"`
	CreatedAtMs int64        `json:"created_at_ms"`
	Signature   string       `json:"signature"`
}

// ChatOp enumerates chat envelope payload operations.
type ChatOp string

const (
	ChatOpMessage ChatOp = "message"
	ChatOpEdit    ChatOp = "edit"
	ChatOpDelete  ChatOp = "delete"
	ChatOpSystem  ChatOp = "system"
	ChatOpReceipt ChatOp = "receipt"
	ChatOpReact   ChatOp = "react"
)

// ChatEnvelope is a signed, encrypted chat message unit.
type ChatEnvelope struct {
	V             int    `json:"v"`
	ThreadID      string `json:"thread_id"`
	MessageID     string `json:"message_id"`
	SenderActor   string `json:"sender_actor"`
	SenderDevice  string `json:"sender_device"`
	SenderPeerID  string `json:"sender_peer_id,omitempty"`
	CreatedAtMs   int64  `json:"created_at_ms"`
	KEMAlg        string `json:"kem_alg"`
	KEMCiphertext string `json:"kem_ciphertext"`
	KEMKeyID      string `json:"kem_key_id"`
	Nonce         string `json:"nonce"`
	Ciphertext    string `json:"ciphertext"`
	Signature     string `json:"signature"`
}

// ChatSystemAction enumerates ChatOpSystem's inner actions.
type ChatSystemAction string

const (
	ChatSystemCreateThread ChatSystemAction = "create_thread"
	ChatSystemDeleteThread ChatSystemAction = "delete_thread"
	ChatSystemAddMember    ChatSystemAction = "add_member"
	ChatSystemRemoveMember ChatSystemAction = "remove_member"
	ChatSystemRename       ChatSystemAction = "rename"
)

// PeerRecord is the DHT value stored at /fedi3/peer/<peer_id>.
type PeerRecord struct {
	V           int      `json:"v"`
	PeerID      string   `json:"peer_id"`
	ActorURL    string   `json:"actor_url"`
	Addrs       []string `json:"addrs"`
	UpdatedAtMs int64    `json:"updated_at_ms"`
}

// DIDPeerEntry is one member of a DIDRecord.Peers vector.
type DIDPeerEntry struct {
	PeerID     string `json:"peer_id"`
	LastSeenMs int64  `json:"last_seen_ms"`
}

// DIDRecord is the DHT value stored at /fedi3/did/<did>.
type DIDRecord struct {
	V           int            `json:"v"`
	DID         string         `json:"did"`
	Actor       string         `json:"actor,omitempty"`
	Peers       []DIDPeerEntry `json:"peers"`
	UpdatedAtMs int64          `json:"updated_at_ms"`
}

// MailboxTarget is one relay peer used for store-and-forward fallback.
type MailboxTarget struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
	Base   string   `json:"base"`
}

// NowMs returns the current time in epoch milliseconds. Declared as a
// package-level var so tests can substitute it.
var NowMs = func() int64 {
	return time.Now().UnixMilli()
}
