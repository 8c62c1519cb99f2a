// Package audit records security- and protocol-relevant events (auth
// failures, rate-limit trips, blocked peers, protocol violations, key
// rotations) to the durable audit_events table and mirrors them to the
// structured logger.
package audit

import (
	"context"
	"log/slog"

	"github.com/fedi3/node/internal/models"
	"github.com/fedi3/node/internal/store"
)

// Recorder writes AuditEvents to the store and logs them.
type Recorder struct {
	DB     *store.DB
	Logger *slog.Logger
}

// NewRecorder builds a Recorder.
func NewRecorder(db *store.DB, logger *slog.Logger) *Recorder {
	return &Recorder{DB: db, Logger: logger}
}

// Record persists ev and emits a matching structured log line; a storage
// failure is logged but never propagated, since audit recording must not
// block the request path it observes.
func (r *Recorder) Record(ctx context.Context, ev models.AuditEvent) {
	r.Logger.Info("audit event", "kind", ev.Kind, "ok", ev.OK, "actor_id", derefStr(ev.ActorID), "activity_id", derefStr(ev.ActivityID))
	if r.DB == nil {
		return
	}
	if err := r.DB.InsertAuditEvent(ctx, ev); err != nil {
		r.Logger.Error("failed to persist audit event", "kind", ev.Kind, "error", err)
	}
}

// AuthFailure records a failed signature verification.
func (r *Recorder) AuthFailure(ctx context.Context, actorID, detail string, nowMs int64) {
	r.Record(ctx, models.AuditEvent{Kind: models.AuditAuthFailure, TsMs: nowMs, ActorID: ptr(actorID), OK: false, Detail: ptr(detail)})
}

// RateLimited records a rate-limit trip.
func (r *Recorder) RateLimited(ctx context.Context, actorID, detail string, nowMs int64) {
	r.Record(ctx, models.AuditEvent{Kind: models.AuditRateLimited, TsMs: nowMs, ActorID: ptr(actorID), OK: false, Detail: ptr(detail)})
}

// Blocked records a request rejected by the domain/actor blocklist.
func (r *Recorder) Blocked(ctx context.Context, actorID, detail string, nowMs int64) {
	r.Record(ctx, models.AuditEvent{Kind: models.AuditBlocked, TsMs: nowMs, ActorID: ptr(actorID), OK: false, Detail: ptr(detail)})
}

// ProtocolViolation records a malformed or oversize inbound payload.
func (r *Recorder) ProtocolViolation(ctx context.Context, actorID, detail string, nowMs int64) {
	r.Record(ctx, models.AuditEvent{Kind: models.AuditProtocolViolate, TsMs: nowMs, ActorID: ptr(actorID), OK: false, Detail: ptr(detail)})
}

// ActorKeyRotated records a key-resolver-observed public key change for an
// actor, the supplemented federation key-rotation audit trail.
func (r *Recorder) ActorKeyRotated(ctx context.Context, actorID, detail string, nowMs int64) {
	r.Record(ctx, models.AuditEvent{Kind: models.AuditActorKeyRotated, TsMs: nowMs, ActorID: ptr(actorID), OK: true, Detail: ptr(detail)})
}

func ptr(s string) *string { return &s }

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
