// Package gc implements the garbage-collection worker from spec.md §4.8:
// bounded inbox history, TTL-expired dedup/audit/quota rows, capped feed
// tables, per-actor object quotas with LRU eviction, and media-file quota
// and cache-size enforcement.
package gc

import (
	"context"
	"log/slog"
	"time"

	"github.com/fedi3/node/internal/media"
	"github.com/fedi3/node/internal/models"
	"github.com/fedi3/node/internal/store"
)

// Config tunes the GC worker's pass. Zero values fall back to spec.md's
// stated defaults.
type Config struct {
	DB     *store.DB
	Media  media.Backend
	Logger *slog.Logger

	Interval time.Duration

	InboxMaxItems    int
	InboxSeenTTLDays int
	QuotaTTLDays     int
	AuditTTLDays     int

	FeedMaxItems int
	FeedTTLDays  int

	FollowedMaxObjectsPerActor int
	OtherMaxObjectsPerActor    int
	FollowedMaxBytesPerActor   int64
	OtherMaxBytesPerActor      int64

	GlobalMediaCacheBudgetBytes int64
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 300 * time.Second
	}
	if c.Interval < 30*time.Second {
		c.Interval = 30 * time.Second
	}
	if c.InboxMaxItems <= 0 {
		c.InboxMaxItems = 2000
	}
	if c.InboxSeenTTLDays <= 0 {
		c.InboxSeenTTLDays = 30
	}
	if c.QuotaTTLDays <= 0 {
		c.QuotaTTLDays = 3
	}
	if c.AuditTTLDays <= 0 {
		c.AuditTTLDays = 30
	}
	if c.FeedMaxItems <= 0 {
		c.FeedMaxItems = 5000
	}
	if c.FeedTTLDays <= 0 {
		c.FeedTTLDays = 14
	}
	if c.FollowedMaxObjectsPerActor <= 0 {
		c.FollowedMaxObjectsPerActor = 200
	}
	if c.OtherMaxObjectsPerActor <= 0 {
		c.OtherMaxObjectsPerActor = 10
	}
	if c.FollowedMaxBytesPerActor <= 0 {
		c.FollowedMaxBytesPerActor = 200 << 20
	}
	if c.OtherMaxBytesPerActor <= 0 {
		c.OtherMaxBytesPerActor = 20 << 20
	}
	if c.GlobalMediaCacheBudgetBytes <= 0 {
		c.GlobalMediaCacheBudgetBytes = 10 << 30
	}
}

// Worker runs the GC pass on Config.Interval.
type Worker struct {
	cfg    Config
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker builds a Worker, applying default tunables for anything unset.
func NewWorker(cfg Config) *Worker {
	cfg.setDefaults()
	return &Worker{cfg: cfg, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Process runs RunOnce on Config.Interval until ctx is cancelled or Stop is
// called.
func (w *Worker) Process(ctx context.Context) error {
	defer close(w.doneCh)
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case <-t.C:
			if err := w.RunOnce(ctx); err != nil {
				w.cfg.Logger.Error("gc pass failed", "error", err)
			}
		}
	}
}

// Stop signals Process to return; it satisfies core.Stoppable.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// RunOnce executes one full GC pass, in the order spec.md §4.8 specifies.
// A failure in one stage is logged and does not prevent later stages from
// running.
func (w *Worker) RunOnce(ctx context.Context) error {
	nowMs := models.NowMs()

	if n, err := w.cfg.DB.TruncateInboxItems(ctx, w.cfg.InboxMaxItems); err != nil {
		w.cfg.Logger.Error("gc: truncating inbox_items failed", "error", err)
	} else if n > 0 {
		w.cfg.Logger.Info("gc: truncated inbox_items", "rows", n)
	}

	seenCutoff := nowMs - int64(w.cfg.InboxSeenTTLDays)*86400_000
	if n, err := w.cfg.DB.PruneInboxSeen(ctx, seenCutoff); err != nil {
		w.cfg.Logger.Error("gc: pruning inbox_seen failed", "error", err)
	} else if n > 0 {
		w.cfg.Logger.Info("gc: pruned inbox_seen", "rows", n)
	}

	quotaCutoff := nowMs - int64(w.cfg.QuotaTTLDays)*86400_000
	if n, err := w.cfg.DB.PruneQuotaWindows(ctx, quotaCutoff); err != nil {
		w.cfg.Logger.Error("gc: pruning inbox_quota failed", "error", err)
	} else if n > 0 {
		w.cfg.Logger.Info("gc: pruned inbox_quota", "rows", n)
	}

	auditCutoff := nowMs - int64(w.cfg.AuditTTLDays)*86400_000
	if n, err := w.cfg.DB.PruneAuditEvents(ctx, auditCutoff); err != nil {
		w.cfg.Logger.Error("gc: pruning audit_events failed", "error", err)
	} else if n > 0 {
		w.cfg.Logger.Info("gc: pruned audit_events", "rows", n)
	}

	feedCutoff := nowMs - int64(w.cfg.FeedTTLDays)*86400_000
	for _, table := range []string{"global_feed", "federated_feed"} {
		if n, err := w.cfg.DB.PruneFeedTable(ctx, table, feedCutoff, w.cfg.FeedMaxItems); err != nil {
			w.cfg.Logger.Error("gc: pruning feed table failed", "table", table, "error", err)
		} else if n > 0 {
			w.cfg.Logger.Info("gc: pruned feed table", "table", table, "rows", n)
		}
	}

	if err := w.pruneObjectQuotas(ctx); err != nil {
		w.cfg.Logger.Error("gc: object quota pass failed", "error", err)
	}

	if err := w.pruneMediaQuotas(ctx); err != nil {
		w.cfg.Logger.Error("gc: media quota pass failed", "error", err)
	}

	if err := w.enforceGlobalMediaCache(ctx); err != nil {
		w.cfg.Logger.Error("gc: global media cache eviction failed", "error", err)
	}

	return nil
}

// pruneObjectQuotas enforces per-actor object-count and byte quotas with
// LRU eviction on (last_access_ms, updated_at_ms), using a higher budget
// for actors this node follows as a native peer than for everyone else.
// Pinned objects are never considered.
func (w *Worker) pruneObjectQuotas(ctx context.Context) error {
	actors, err := w.cfg.DB.ListActorsWithObjects(ctx)
	if err != nil {
		return err
	}
	for _, actorID := range actors {
		candidates, err := w.cfg.DB.ObjectsForActorOrderedForEviction(ctx, actorID)
		if err != nil {
			w.cfg.Logger.Error("gc: listing objects for actor failed", "actor_id", actorID, "error", err)
			continue
		}

		isFedi3Peer, err := w.cfg.DB.IsActorFedi3Peer(ctx, actorID)
		if err != nil {
			isFedi3Peer = false
		}
		followed, _ := w.cfg.DB.IsFollowing(ctx, actorID)
		maxItems, maxBytes := w.cfg.OtherMaxObjectsPerActor, w.cfg.OtherMaxBytesPerActor
		if isFedi3Peer && followed {
			maxItems, maxBytes = w.cfg.FollowedMaxObjectsPerActor, w.cfg.FollowedMaxBytesPerActor
		}

		surviveFromIdx := evictionBoundary(candidates, maxItems, maxBytes)

		for i := 0; i < surviveFromIdx; i++ {
			if err := w.cfg.DB.DeleteObjectCascade(ctx, candidates[i].ObjectID, models.NowMs()); err != nil {
				w.cfg.Logger.Error("gc: evicting object failed", "object_id", candidates[i].ObjectID, "error", err)
			}
		}
	}
	return nil
}

// evictionBoundary walks candidates (oldest-first) from the newest end
// backward, accumulating count and bytes, and returns the index of the
// first entry that survives. Everything before that index in
// candidates is stale enough, or pushes the actor over budget, and gets
// deleted; everything from it onward survives.
func evictionBoundary(candidates []store.ObjectQuotaCandidate, maxItems int, maxBytes int64) int {
	surviveFromIdx := len(candidates)
	runningBytes := int64(0)
	runningCount := 0
	for i := len(candidates) - 1; i >= 0; i-- {
		runningCount++
		runningBytes += candidates[i].SizeBytes
		if runningCount > maxItems || runningBytes > maxBytes {
			break
		}
		surviveFromIdx = i
	}
	return surviveFromIdx
}

// pruneMediaQuotas deletes media rows (and underlying files) for
// non-followed actors beyond OtherMaxBytesPerActor, oldest-accessed first.
func (w *Worker) pruneMediaQuotas(ctx context.Context) error {
	actors, err := w.cfg.DB.ListActorsWithObjects(ctx)
	if err != nil {
		return err
	}
	for _, actorID := range actors {
		isFedi3Peer, _ := w.cfg.DB.IsActorFedi3Peer(ctx, actorID)
		followed, _ := w.cfg.DB.IsFollowing(ctx, actorID)
		if isFedi3Peer && followed {
			continue
		}
		files, err := w.cfg.DB.MediaFilesForActor(ctx, actorID)
		if err != nil {
			w.cfg.Logger.Error("gc: listing media for actor failed", "actor_id", actorID, "error", err)
			continue
		}
		var total int64
		for _, f := range files {
			total += f.SizeBytes
		}
		for _, f := range files {
			if total <= w.cfg.OtherMaxBytesPerActor {
				break
			}
			w.deleteMediaFile(ctx, f)
			total -= f.SizeBytes
		}
	}
	return nil
}

// enforceGlobalMediaCache evicts media oldest-access-first until the total
// cached size is back under GlobalMediaCacheBudgetBytes.
func (w *Worker) enforceGlobalMediaCache(ctx context.Context) error {
	total, err := w.cfg.DB.TotalMediaBytes(ctx)
	if err != nil {
		return err
	}
	if total <= w.cfg.GlobalMediaCacheBudgetBytes {
		return nil
	}
	files, err := w.cfg.DB.MediaOldestFirst(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if total <= w.cfg.GlobalMediaCacheBudgetBytes {
			break
		}
		w.deleteMediaFile(ctx, f)
		total -= f.SizeBytes
	}
	return nil
}

func (w *Worker) deleteMediaFile(ctx context.Context, f store.MediaFile) {
	if w.cfg.Media != nil {
		if err := w.cfg.Media.Delete(ctx, f.Filename); err != nil {
			w.cfg.Logger.Error("gc: deleting media file failed", "filename", f.Filename, "error", err)
		}
	}
	if err := w.cfg.DB.DeleteMediaFile(ctx, f.Filename); err != nil {
		w.cfg.Logger.Error("gc: deleting media_files row failed", "filename", f.Filename, "error", err)
	}
}
