package syncworkers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fedi3/node/internal/httpsig"
	"github.com/fedi3/node/internal/inbound"
	"github.com/fedi3/node/internal/models"
	overlay "github.com/fedi3/node/internal/p2p"
	"github.com/fedi3/node/internal/store"
	"github.com/libp2p/go-libp2p/core/peer"
)

// NativeConfig configures the native fedi3 peer sync/outbox poller.
type NativeConfig struct {
	DB         *store.DB
	Logger     *slog.Logger
	Handler    *inbound.Handler
	Manager    *overlay.Manager
	Resolver   *httpsig.KeyResolver
	Interval   time.Duration
	BatchLimit int
}

func (c *NativeConfig) setDefaults() {
	c.Logger = logOrNil(c.Logger)
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Interval < 5*time.Second {
		c.Interval = 5 * time.Second
	}
	if c.Interval > time.Hour {
		c.Interval = time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.BatchLimit > 200 {
		c.BatchLimit = 200
	}
}

// NativeWorker periodically pulls GET /.fedi3/sync/outbox from every
// followed fedi3 peer over the P2P overlay, recovering activity a
// missed gossip/push delivery would otherwise drop. Grounded on
// p2p_sync.rs's start_p2p_sync_worker.
type NativeWorker struct {
	*worker
	cfg NativeConfig
}

// NewNativeWorker builds a NativeWorker. Returns nil if mgr is nil (no
// overlay is running, so there is nothing to sync over).
func NewNativeWorker(cfg NativeConfig) *NativeWorker {
	if cfg.Manager == nil {
		return nil
	}
	cfg.setDefaults()
	nw := &NativeWorker{cfg: cfg}
	nw.worker = newWorker(cfg.Interval, nw.runOnce)
	return nw
}

func (nw *NativeWorker) runOnce(ctx context.Context) {
	following, err := nw.cfg.DB.ListFollowing(ctx)
	if err != nil {
		nw.cfg.Logger.Warn("native sync: listing following failed", "error", err)
		return
	}
	for _, f := range following {
		if f.State != models.FollowAccepted {
			continue
		}
		nw.syncActor(ctx, f.ActorID)
	}
}

func (nw *NativeWorker) syncActor(ctx context.Context, actorURL string) {
	info, err := nw.cfg.Resolver.Resolve(ctx, actorURL, nil)
	if err != nil || info.Fedi3Endpoint == "" {
		return
	}
	pid, err := peerIDFromFedi3Endpoint(info.Fedi3Endpoint)
	if err != nil {
		return
	}

	key := sinceKey("native", actorURL)
	since := nw.getSince(ctx, key)

	resp, err := nw.cfg.Manager.DialRelayHTTP(ctx, pid, overlay.RelayHTTPRequest{
		ID:      "sync-" + pid.String() + "-" + itoa64(nowMs()),
		Method:  http.MethodGet,
		Path:    "/.fedi3/sync/outbox",
		Query:   "since=" + itoa64(since) + "&limit=" + itoa64(int64(nw.cfg.BatchLimit)),
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil || resp.Status < 200 || resp.Status >= 300 {
		return
	}

	body, err := base64.StdEncoding.DecodeString(resp.BodyB64)
	if err != nil {
		return
	}
	var page syncPageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return
	}

	stored := 0
	for _, raw := range page.Items {
		id := dedupID(raw)
		isNew, err := nw.cfg.DB.MarkInboxSeen(ctx, id, models.NowMs())
		if err != nil || !isNew {
			continue
		}
		if err := nw.cfg.Handler.ProcessPulledActivity(ctx, raw); err != nil {
			nw.cfg.Logger.Debug("native sync: processing pulled activity failed", "id", id, "error", err)
			continue
		}
		stored++
	}
	if page.LatestMs > since {
		nw.setSince(ctx, key, page.LatestMs)
	}
	if stored > 0 {
		nw.cfg.Logger.Info("native sync stored", "peer", pid.String(), "actor", actorURL, "stored", stored)
	}
}

func (nw *NativeWorker) getSince(ctx context.Context, key string) int64 {
	v, ok, err := nw.cfg.DB.GetLocalMeta(ctx, key)
	if err != nil || !ok {
		return 0
	}
	return parseInt64(v)
}

func (nw *NativeWorker) setSince(ctx context.Context, key string, value int64) {
	if err := nw.cfg.DB.SetLocalMeta(ctx, key, itoa64(value), models.NowMs()); err != nil {
		nw.cfg.Logger.Warn("native sync: saving cursor failed", "key", key, "error", err)
	}
}

// peerIDFromFedi3Endpoint extracts the trailing /p2p/<peer-id> component
// of a fedi3 endpoint multiaddr, the same convention
// delivery.P2PTransport resolves against.
func peerIDFromFedi3Endpoint(endpoint string) (peer.ID, error) {
	return peerIDFromMultiaddrString(endpoint)
}
