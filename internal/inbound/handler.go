package inbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/fedi3/node/internal/activitypub"
	"github.com/fedi3/node/internal/audit"
	"github.com/fedi3/node/internal/blocklist"
	"github.com/fedi3/node/internal/httpsig"
	"github.com/fedi3/node/internal/models"
	"github.com/fedi3/node/internal/ratelimit"
	"github.com/fedi3/node/internal/store"
)

// Config wires a Handler's dependencies.
type Config struct {
	DB       *store.DB
	Logger   *slog.Logger
	Resolver *httpsig.KeyResolver
	Limiter  *ratelimit.Limiter
	Guard    *blocklist.Guard
	Audit    *audit.Recorder
	LocalURL func(actor string) string // builds this node's canonical actor IRI for a local username
}

// Handler implements spec.md §4.3: rate limit, verify, dedup, dispatch,
// project, respond — the single entry point local HTTP, the relay tunnel,
// and the P2P swarm all funnel normalized requests through.
type Handler struct {
	cfg Config
}

// NewHandler builds a Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// Handle processes one normalized inbound request addressed to an inbox
// endpoint (personal or shared).
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	nowMs := models.NowMs()

	sig := req.Header("Signature")
	parsed, perr := httpsig.ParseSignatureHeader(sig)
	if perr != nil {
		h.cfg.Audit.AuthFailure(ctx, "", "missing or malformed signature", nowMs)
		return textResponse(http.StatusUnauthorized, `{"error":"auth"}`)
	}

	actorKey := hashKey(parsed.KeyID)
	if h.cfg.Guard.DomainBlocked(parsed.KeyID) {
		h.cfg.Audit.Blocked(ctx, parsed.KeyID, "domain blocklisted", nowMs)
		return textResponse(http.StatusForbidden, `{"error":"blocked"}`)
	}
	if blocked, err := h.cfg.Guard.Blocked(ctx, actorKey, nowMs); err == nil && blocked {
		h.cfg.Audit.Blocked(ctx, parsed.KeyID, "abuse-strike blocked", nowMs)
		return textResponse(http.StatusForbidden, `{"error":"blocked"}`)
	}

	decision, err := h.cfg.Limiter.Allow(ctx, actorKey, len(req.Body), nowMs)
	if err != nil {
		h.cfg.Logger.Error("rate limit check failed", "error", err)
	} else if !decision.Allowed {
		if blocked, serr := h.cfg.Guard.Strike(ctx, actorKey, nowMs); serr == nil && blocked {
			h.cfg.Audit.Blocked(ctx, parsed.KeyID, "strike threshold reached", nowMs)
		}
		h.cfg.Audit.RateLimited(ctx, parsed.KeyID, decision.Reason, nowMs)
		return textResponse(http.StatusTooManyRequests, `{"error":"rate_limit"}`)
	}

	actorURL := actorIRIFromKeyID(parsed.KeyID)
	keyInfo, err := h.cfg.Resolver.Resolve(ctx, actorURL, func(old, new httpsig.KeyInfo) {
		h.cfg.Audit.ActorKeyRotated(ctx, actorURL, "public key changed since last resolve", nowMs)
	})
	if err != nil {
		h.cfg.Audit.AuthFailure(ctx, actorURL, fmt.Sprintf("key resolution failed: %v", err), nowMs)
		return textResponse(http.StatusUnauthorized, `{"error":"auth"}`)
	}

	httpReq, err := toHTTPRequest(req)
	if err != nil {
		h.cfg.Audit.ProtocolViolation(ctx, actorURL, "malformed request", nowMs)
		return textResponse(http.StatusBadRequest, `{"error":"protocol_violation"}`)
	}
	if verr := httpsig.Verify(httpReq, req.Body, keyInfo.PublicKeyPEM, httpsig.MaxDateSkew); verr != nil {
		h.cfg.Audit.AuthFailure(ctx, actorURL, verr.Error(), nowMs)
		return textResponse(http.StatusUnauthorized, `{"error":"auth"}`)
	}

	var act activitypub.Activity
	if err := json.Unmarshal(req.Body, &act); err != nil {
		h.cfg.Audit.ProtocolViolation(ctx, actorURL, "malformed activity JSON", nowMs)
		return textResponse(http.StatusBadRequest, `{"error":"protocol_violation"}`)
	}
	if act.Actor == "" {
		act.Actor = actorURL
	}

	dedupID := dedupIDOf(act.ID, req.Body)
	isNew, err := h.cfg.DB.MarkInboxSeen(ctx, dedupID, nowMs)
	if err != nil {
		h.cfg.Logger.Error("mark inbox seen failed", "error", err)
		return textResponse(http.StatusInternalServerError, `{"error":"transient"}`)
	}
	if !isNew {
		return textResponse(http.StatusAccepted, "")
	}

	if err := h.cfg.DB.InsertInboxItem(ctx, models.InboxRecord{
		ActivityID:   dedupID,
		CreatedAtMs:  nowMs,
		ActorID:      strPtr(act.Actor),
		Type:         strPtr(act.Type),
		ActivityJSON: req.Body,
	}); err != nil {
		h.cfg.Logger.Error("insert inbox item failed", "error", err)
	}
	if err := h.cfg.DB.UpsertActorMeta(ctx, models.ActorMeta{ActorID: act.Actor, IsFedi3: keyInfo.IsFedi3Peer, LastSeenMs: nowMs}); err != nil {
		h.cfg.Logger.Error("upsert actor meta failed", "error", err)
	}

	if derr := h.dispatch(ctx, act, nowMs); derr != nil {
		h.cfg.Logger.Warn("activity dispatch error", "type", act.Type, "error", derr)
	}

	return textResponse(http.StatusAccepted, "")
}

// ProcessPulledActivity stores and dispatches an activity a sync worker
// already fetched out-of-band (a legacy AP outbox page, a native peer's
// sync/outbox response, a device's inbox/outbox page): it runs the same
// dedup-insert-dispatch pipeline Handle uses from "isNew" on, but skips
// signature verification and rate limiting since the activity didn't
// arrive as a signed push to this node's inbox.
func (h *Handler) ProcessPulledActivity(ctx context.Context, raw json.RawMessage) error {
	nowMs := models.NowMs()

	var act activitypub.Activity
	if err := json.Unmarshal(raw, &act); err != nil {
		return fmt.Errorf("parsing pulled activity: %w", err)
	}

	dedupID := dedupIDOf(act.ID, raw)
	isNew, err := h.cfg.DB.MarkInboxSeen(ctx, dedupID, nowMs)
	if err != nil {
		return fmt.Errorf("mark inbox seen: %w", err)
	}
	if !isNew {
		return nil
	}

	if err := h.cfg.DB.InsertInboxItem(ctx, models.InboxRecord{
		ActivityID:   dedupID,
		CreatedAtMs:  nowMs,
		ActorID:      strPtr(act.Actor),
		Type:         strPtr(act.Type),
		ActivityJSON: raw,
	}); err != nil {
		h.cfg.Logger.Error("insert pulled inbox item failed", "error", err)
	}
	if act.Actor != "" {
		if err := h.cfg.DB.UpsertActorMeta(ctx, models.ActorMeta{ActorID: act.Actor, IsFedi3: false, LastSeenMs: nowMs}); err != nil {
			h.cfg.Logger.Error("upsert actor meta failed", "error", err)
		}
	}

	if derr := h.dispatch(ctx, act, nowMs); derr != nil {
		h.cfg.Logger.Warn("pulled activity dispatch error", "type", act.Type, "error", derr)
	}
	return nil
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// actorIRIFromKeyID strips the "#main-key"-style fragment from a Signature
// keyId to recover the owning actor's IRI.
func actorIRIFromKeyID(keyID string) string {
	if i := strings.IndexByte(keyID, '#'); i >= 0 {
		return keyID[:i]
	}
	return keyID
}

func dedupIDOf(activityID string, body []byte) string {
	if activityID != "" {
		return activityID
	}
	sum := sha256.Sum256(body)
	return "urn:fedi3:sha256:" + hex.EncodeToString(sum[:])
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toHTTPRequest(req Request) (*http.Request, error) {
	target := req.Path
	if req.Query != "" {
		target += "?" + req.Query
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequest(req.Method, u.String(), io.NopCloser(strings.NewReader(string(req.Body))))
	if err != nil {
		return nil, err
	}
	for name, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Host = req.Header("Host")
	return httpReq, nil
}
