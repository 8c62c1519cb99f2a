package syncworkers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fedi3/node/internal/models"
	"github.com/fedi3/node/internal/store"
)

// RelayConfig configures the relay registry refresh worker.
type RelayConfig struct {
	DB           *store.DB
	Logger       *slog.Logger
	Client       *http.Client
	RelayBaseURL string
	RelayToken   string
	Interval     time.Duration
}

func (c *RelayConfig) setDefaults() {
	c.Logger = logOrNil(c.Logger)
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if c.Interval <= 0 {
		c.Interval = 300 * time.Second
	}
}

// RelayWorker registers this node with its configured relay and
// exchanges the relay registry (other relays known to us or to it),
// giving delivery's relay-mailbox transport more fallback routes over
// time. Grounded on relay_sync.rs's start_relay_sync_worker/run_once.
// Inert when RelayBaseURL is unset.
type RelayWorker struct {
	*worker
	cfg RelayConfig
}

// NewRelayWorker builds a RelayWorker. Returns nil when no relay base
// URL is configured.
func NewRelayWorker(cfg RelayConfig) *RelayWorker {
	if strings.TrimSpace(cfg.RelayBaseURL) == "" {
		return nil
	}
	cfg.setDefaults()
	rw := &RelayWorker{cfg: cfg}
	rw.worker = newWorker(cfg.Interval, rw.runOnce)
	return rw
}

const relayRegistryMetaKey = "relay_registry"

// relayRegistryEntry mirrors one row of the local relay registry, kept
// as a JSON blob in local_meta rather than a dedicated table.
type relayRegistryEntry struct {
	BaseURL string `json:"relay_base_url"`
	WSURL   string `json:"relay_ws_url,omitempty"`
	Source  string `json:"source"`
}

func (rw *RelayWorker) runOnce(ctx context.Context) {
	registry := rw.loadRegistry(ctx)
	registry = upsertRelayEntry(registry, relayRegistryEntry{BaseURL: rw.cfg.RelayBaseURL, Source: "self"})

	if pulled, err := rw.pullRelays(ctx); err != nil {
		rw.cfg.Logger.Debug("relay sync: pulling relay list failed", "error", err)
	} else {
		for _, e := range pulled {
			registry = upsertRelayEntry(registry, e)
		}
	}

	rw.saveRegistry(ctx, registry)

	if err := rw.pushRelays(ctx, registry); err != nil {
		rw.cfg.Logger.Debug("relay sync: pushing relay list failed", "error", err)
	}
}

type relayListResponse struct {
	Relays []relayListItem `json:"relays"`
	Items  []relayListItem `json:"items"`
}

type relayListItem struct {
	RelayURL     string `json:"relay_url"`
	RelayBaseURL string `json:"relay_base_url"`
	Base         string `json:"base"`
	RelayWS      string `json:"relay_ws"`
	RelayWSURL   string `json:"relay_ws_url"`
	WS           string `json:"ws"`
}

func (item relayListItem) base() string {
	for _, v := range []string{item.RelayURL, item.RelayBaseURL, item.Base} {
		if v != "" {
			return v
		}
	}
	return ""
}

func (item relayListItem) ws() string {
	for _, v := range []string{item.RelayWS, item.RelayWSURL, item.WS} {
		if v != "" {
			return v
		}
	}
	return ""
}

func (rw *RelayWorker) pullRelays(ctx context.Context) ([]relayRegistryEntry, error) {
	url := strings.TrimSuffix(rw.cfg.RelayBaseURL, "/") + "/_fedi3/relay/relays"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if rw.cfg.RelayToken != "" {
		req.Header.Set("Authorization", "Bearer "+rw.cfg.RelayToken)
	}
	resp, err := rw.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	var out relayListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	items := out.Relays
	if len(items) == 0 {
		items = out.Items
	}
	entries := make([]relayRegistryEntry, 0, len(items))
	for _, item := range items {
		base := item.base()
		if base == "" {
			continue
		}
		ws := item.ws()
		if ws == "" {
			ws = inferWSURL(base)
		}
		entries = append(entries, relayRegistryEntry{BaseURL: base, WSURL: ws, Source: "relay"})
	}
	return entries, nil
}

func (rw *RelayWorker) pushRelays(ctx context.Context, registry []relayRegistryEntry) error {
	payload, err := json.Marshal(relayListResponse{Relays: toRelayListItems(registry)})
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(rw.cfg.RelayBaseURL, "/") + "/_fedi3/relay/relays"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if rw.cfg.RelayToken != "" {
		req.Header.Set("Authorization", "Bearer "+rw.cfg.RelayToken)
	}
	resp, err := rw.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func toRelayListItems(registry []relayRegistryEntry) []relayListItem {
	items := make([]relayListItem, 0, len(registry))
	for _, e := range registry {
		items = append(items, relayListItem{RelayBaseURL: e.BaseURL, RelayWSURL: e.WSURL})
	}
	return items
}

// inferWSURL derives a wss:// or ws:// signaling URL from an http(s)
// relay base URL when the relay didn't advertise one explicitly.
func inferWSURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return ""
	}
}

func upsertRelayEntry(registry []relayRegistryEntry, e relayRegistryEntry) []relayRegistryEntry {
	for i, existing := range registry {
		if existing.BaseURL == e.BaseURL {
			if e.WSURL == "" {
				e.WSURL = existing.WSURL
			}
			registry[i] = e
			return registry
		}
	}
	return append(registry, e)
}

func (rw *RelayWorker) loadRegistry(ctx context.Context) []relayRegistryEntry {
	v, ok, err := rw.cfg.DB.GetLocalMeta(ctx, relayRegistryMetaKey)
	if err != nil || !ok {
		return nil
	}
	var registry []relayRegistryEntry
	if err := json.Unmarshal([]byte(v), &registry); err != nil {
		return nil
	}
	return registry
}

func (rw *RelayWorker) saveRegistry(ctx context.Context, registry []relayRegistryEntry) {
	data, err := json.Marshal(registry)
	if err != nil {
		return
	}
	if err := rw.cfg.DB.SetLocalMeta(ctx, relayRegistryMetaKey, string(data), models.NowMs()); err != nil {
		rw.cfg.Logger.Warn("relay sync: saving registry failed", "error", err)
	}
}
