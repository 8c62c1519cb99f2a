package syncworkers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fedi3/node/internal/inbound"
	"github.com/fedi3/node/internal/models"
	"github.com/fedi3/node/internal/store"
)

// LegacyConfig configures the legacy-actor outbox poller.
type LegacyConfig struct {
	DB              *store.DB
	Logger          *slog.Logger
	Client          *http.Client
	Handler         *inbound.Handler
	Interval        time.Duration
	MaxPages        int
	MaxItemsPerPage int
}

func (c *LegacyConfig) setDefaults() {
	c.Logger = logOrNil(c.Logger)
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 20 * time.Second}
	}
	if c.Interval <= 0 {
		c.Interval = 300 * time.Second
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 2
	}
	if c.MaxItemsPerPage <= 0 {
		c.MaxItemsPerPage = 200
	}
}

// LegacyWorker periodically pulls the AP outbox of every accepted
// following relation that isn't a native fedi3 peer (those recover via
// NativeWorker and direct push delivery instead), recovering activity
// this node's inbox push missed while offline. Grounded on
// legacy_sync.rs's start_legacy_sync_worker/run_once.
type LegacyWorker struct {
	*worker
	cfg LegacyConfig
}

// NewLegacyWorker builds a LegacyWorker, applying default tunables for
// anything unset.
func NewLegacyWorker(cfg LegacyConfig) *LegacyWorker {
	cfg.setDefaults()
	lw := &LegacyWorker{cfg: cfg}
	lw.worker = newWorker(cfg.Interval, lw.runOnce)
	return lw
}

func (lw *LegacyWorker) runOnce(ctx context.Context) {
	following, err := lw.cfg.DB.ListFollowing(ctx)
	if err != nil {
		lw.cfg.Logger.Warn("legacy sync: listing following failed", "error", err)
		return
	}
	for _, f := range following {
		if f.State != models.FollowAccepted {
			continue
		}
		if isFedi3, err := lw.cfg.DB.IsActorFedi3Peer(ctx, f.ActorID); err == nil && isFedi3 {
			continue
		}
		if err := lw.pollActorOutbox(ctx, f.ActorID); err != nil {
			lw.cfg.Logger.Debug("legacy sync: poll failed", "actor", f.ActorID, "error", err)
		}
	}
}

type legacyActorDoc struct {
	Outbox string `json:"outbox"`
}

type legacyCollection struct {
	First        string          `json:"first"`
	OrderedItems json.RawMessage `json:"orderedItems"`
}

type legacyPage struct {
	Next         string          `json:"next"`
	OrderedItems json.RawMessage `json:"orderedItems"`
}

func (lw *LegacyWorker) pollActorOutbox(ctx context.Context, actorURL string) error {
	actorURL = strings.TrimSpace(actorURL)
	if actorURL == "" {
		return nil
	}

	var actorDoc legacyActorDoc
	if err := httpGetJSON(ctx, lw.cfg.Client, actorURL, &actorDoc); err != nil {
		return err
	}
	if actorDoc.Outbox == "" {
		return nil
	}

	var col legacyCollection
	if err := httpGetJSON(ctx, lw.cfg.Client, actorDoc.Outbox, &col); err != nil {
		return err
	}
	pageURL := col.First
	if pageURL == "" {
		pageURL = actorDoc.Outbox
	}

	dupStreak := 0
	ingested := 0
	for page := 0; page < lw.cfg.MaxPages && pageURL != ""; page++ {
		var pg legacyPage
		if err := httpGetJSON(ctx, lw.cfg.Client, pageURL, &pg); err != nil {
			return err
		}
		items := pg.OrderedItems
		if len(items) == 0 {
			items = col.OrderedItems
		}
		var activities []json.RawMessage
		if err := json.Unmarshal(items, &activities); err != nil || len(activities) == 0 {
			break
		}
		nextURL := pg.Next

		for _, raw := range activities {
			if ingested >= lw.cfg.MaxItemsPerPage {
				break
			}
			id := dedupID(raw)
			isNew, err := lw.cfg.DB.MarkInboxSeen(ctx, id, models.NowMs())
			if err != nil {
				continue
			}
			if !isNew {
				dupStreak++
				if dupStreak >= 25 {
					nextURL = ""
					break
				}
				continue
			}
			dupStreak = 0
			if err := lw.cfg.Handler.ProcessPulledActivity(ctx, raw); err != nil {
				lw.cfg.Logger.Debug("legacy sync: processing pulled activity failed", "id", id, "error", err)
				continue
			}
			ingested++
		}
		pageURL = nextURL
	}
	return nil
}
