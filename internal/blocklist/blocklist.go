// Package blocklist enforces the node's domain and actor blocklists, and
// drives the abuse-strike counter that escalates repeated protocol
// violations into a temporary block.
package blocklist

import (
	"context"
	"net/url"
	"strings"

	"github.com/fedi3/node/internal/store"
)

// Config configures a Guard.
type Config struct {
	DB            *store.DB
	BlockedDomain []string
	StrikeDecayMs int64
}

// Guard checks inbound actors/domains against the configured blocklist and
// the persistent abuse-strikes table.
type Guard struct {
	cfg     Config
	domains map[string]struct{}
}

// NewGuard builds a Guard from static config plus persistent DB state.
func NewGuard(cfg Config) *Guard {
	if cfg.StrikeDecayMs <= 0 {
		cfg.StrikeDecayMs = 24 * 60 * 60 * 1000
	}
	domains := make(map[string]struct{}, len(cfg.BlockedDomain))
	for _, d := range cfg.BlockedDomain {
		domains[strings.ToLower(d)] = struct{}{}
	}
	return &Guard{cfg: cfg, domains: domains}
}

// DomainBlocked reports whether actorURL's host is on the static domain
// blocklist.
func (g *Guard) DomainBlocked(actorURL string) bool {
	u, err := url.Parse(actorURL)
	if err != nil {
		return true
	}
	_, blocked := g.domains[strings.ToLower(u.Hostname())]
	return blocked
}

// ActorBlocked reports whether actorID is on the persistent per-actor
// blocklist (distinct from the static domain list; an admin operation per
// spec.md's supplemented admin peer controls).
func (g *Guard) ActorBlocked(ctx context.Context, actorID string) (bool, error) {
	if g.cfg.DB == nil {
		return false, nil
	}
	return g.cfg.DB.IsActorBlocked(ctx, actorID)
}

// Strike increments the abuse-strike counter for key (typically a hashed
// actor id or IP) and reports whether the actor is now temporarily blocked.
func (g *Guard) Strike(ctx context.Context, key string, nowMs int64) (blocked bool, err error) {
	if g.cfg.DB == nil {
		return false, nil
	}
	strikes, err := g.cfg.DB.BumpAbuseStrike(ctx, key, nowMs, g.cfg.StrikeDecayMs)
	if err != nil {
		return false, err
	}
	return strikes >= 10, nil
}

// Blocked reports whether key is currently within an active strike-induced
// block window.
func (g *Guard) Blocked(ctx context.Context, key string, nowMs int64) (bool, error) {
	if g.cfg.DB == nil {
		return false, nil
	}
	return g.cfg.DB.IsAbuseBlocked(ctx, key, nowMs)
}
