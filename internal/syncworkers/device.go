package syncworkers

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/fedi3/node/internal/httpsig"
	"github.com/fedi3/node/internal/inbound"
	"github.com/fedi3/node/internal/models"
	overlay "github.com/fedi3/node/internal/p2p"
	"github.com/fedi3/node/internal/store"
)

// DeviceConfig configures the multi-device sync poller. It is inert
// unless Enable is true and DID is set, matching device_sync.rs's own
// device_sync_enable gate.
type DeviceConfig struct {
	DB         *store.DB
	Logger     *slog.Logger
	Handler    *inbound.Handler
	Manager    *overlay.Manager
	SigningKey *rsa.PrivateKey
	KeyID      string
	DID        string
	Enable     bool
	Interval   time.Duration
	BatchLimit int
}

func (c *DeviceConfig) setDefaults() {
	c.Logger = logOrNil(c.Logger)
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Interval < 10*time.Second {
		c.Interval = 10 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.BatchLimit > 500 {
		c.BatchLimit = 500
	}
}

// DeviceWorker syncs this identity's other devices by resolving the
// shared DID peer record and pulling each sibling device's outbox and
// inbox pages in turn. Grounded on device_sync.rs's
// start_device_sync_worker/run_once.
type DeviceWorker struct {
	*worker
	cfg DeviceConfig
}

// NewDeviceWorker builds a DeviceWorker. Returns nil when device sync
// isn't enabled or the overlay/DID aren't configured, so main can wire
// it unconditionally and let the gate decide.
func NewDeviceWorker(cfg DeviceConfig) *DeviceWorker {
	if !cfg.Enable || cfg.Manager == nil || cfg.DID == "" {
		return nil
	}
	cfg.setDefaults()
	dw := &DeviceWorker{cfg: cfg}
	dw.worker = newWorker(cfg.Interval, dw.runOnce)
	return dw
}

func (dw *DeviceWorker) runOnce(ctx context.Context) {
	record, ok, err := dw.cfg.Manager.ResolveDIDRecord(ctx, dw.cfg.DID)
	if err != nil {
		dw.cfg.Logger.Warn("device sync: resolving DID record failed", "did", dw.cfg.DID, "error", err)
		return
	}
	if !ok {
		return
	}
	for _, p := range record.Peers {
		pid, err := peer.Decode(p.PeerID)
		if err != nil {
			continue
		}
		dw.syncPeer(ctx, pid)
	}
}

func (dw *DeviceWorker) syncPeer(ctx context.Context, pid peer.ID) {
	dw.pullPage(ctx, pid, "/.fedi3/device/outbox", sinceKey("device-outbox", pid.String()), dw.storeOutboxItem)
	dw.pullPage(ctx, pid, "/.fedi3/device/inbox", sinceKey("device-inbox", pid.String()), dw.storeInboxItem)
}

func (dw *DeviceWorker) pullPage(ctx context.Context, pid peer.ID, path, cursorKey string, store func(ctx context.Context, raw json.RawMessage) error) {
	since := dw.getSince(ctx, cursorKey)

	resp, err := dw.signedDial(ctx, pid, path, since)
	if err != nil {
		dw.cfg.Logger.Debug("device sync: pull failed", "peer", pid.String(), "path", path, "error", err)
		return
	}
	if resp.Status < 200 || resp.Status >= 300 {
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

	for _, raw := range page.Items {
		if err := store(ctx, raw); err != nil {
			dw.cfg.Logger.Debug("device sync: storing item failed", "peer", pid.String(), "path", path, "error", err)
		}
	}
	if page.LatestMs > since {
		dw.setSince(ctx, cursorKey, page.LatestMs)
	}
}

func (dw *DeviceWorker) signedDial(ctx context.Context, pid peer.ID, path string, since int64) (overlay.RelayHTTPResponse, error) {
	query := fmt.Sprintf("since=%d&limit=%d", since, dw.cfg.BatchLimit)
	target := "https://" + pid.String() + path + "?" + query

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return overlay.RelayHTTPResponse{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Fedi3-Did", dw.cfg.DID)
	if dw.cfg.SigningKey != nil {
		if err := httpsig.Sign(httpReq, dw.cfg.SigningKey, dw.cfg.KeyID, nil, httpsig.DefaultSignedHeaders); err != nil {
			return overlay.RelayHTTPResponse{}, fmt.Errorf("signing device sync request: %w", err)
		}
	}

	headers := map[string]string{
		"Accept":      httpReq.Header.Get("Accept"),
		"Host":        httpReq.Host,
		"Date":        httpReq.Header.Get("Date"),
		"Digest":      httpReq.Header.Get("Digest"),
		"Signature":   httpReq.Header.Get("Signature"),
		"X-Fedi3-Did": dw.cfg.DID,
	}

	return dw.cfg.Manager.DialRelayHTTP(ctx, pid, overlay.RelayHTTPRequest{
		ID:      "device-" + pid.String() + "-" + itoa64(nowMs()),
		Method:  http.MethodGet,
		Path:    path,
		Query:   query,
		Headers: headers,
	})
}

func (dw *DeviceWorker) storeOutboxItem(ctx context.Context, raw json.RawMessage) error {
	id := dedupID(raw)
	return dw.cfg.DB.InsertOutboxItem(ctx, id, raw, models.NowMs())
}

func (dw *DeviceWorker) storeInboxItem(ctx context.Context, raw json.RawMessage) error {
	id := dedupID(raw)
	isNew, err := dw.cfg.DB.MarkInboxSeen(ctx, id, models.NowMs())
	if err != nil || !isNew {
		return err
	}
	return dw.cfg.Handler.ProcessPulledActivity(ctx, raw)
}

func (dw *DeviceWorker) getSince(ctx context.Context, key string) int64 {
	v, ok, err := dw.cfg.DB.GetLocalMeta(ctx, key)
	if err != nil || !ok {
		return 0
	}
	return parseInt64(v)
}

func (dw *DeviceWorker) setSince(ctx context.Context, key string, value int64) {
	if err := dw.cfg.DB.SetLocalMeta(ctx, key, itoa64(value), models.NowMs()); err != nil {
		dw.cfg.Logger.Warn("device sync: saving cursor failed", "key", key, "error", err)
	}
}
