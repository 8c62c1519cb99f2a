// Package delivery implements the durable outbound delivery queue: a
// worker that polls due delivery jobs, signs and sends them across a
// transport preference chain, and reschedules or retires them according
// to the node's error taxonomy.
package delivery

import (
	"context"
	"crypto/rsa"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fedi3/node/internal/core"
	"github.com/fedi3/node/internal/httpsig"
	"github.com/fedi3/node/internal/models"
	"github.com/fedi3/node/internal/store"
)

// Transport attempts to deliver one job's activity to its target and
// reports an HTTP-equivalent status code, or an error if the attempt could
// not even complete (dial failure, timeout, ...). Worker.attempt looks
// implementations up by Name in a fixed order: P2P, WebRTC, direct HTTPS,
// and relay mailbox store-and-forward, all Transports sharing this interface.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, job models.DeliveryJob) (status int, err error)
}

// TransportMode selects how the delivery worker is allowed to fall off
// the P2P overlay onto direct HTTPS and relay mailbox transports, per
// spec.md §4.2's transport selection policy.
type TransportMode string

const (
	// ModeP2POnly never falls back past the overlay: a P2P/WebRTC
	// failure goes straight to reschedule.
	ModeP2POnly TransportMode = "p2p_only"
	// ModeP2PRelay waits P2PRelayFallbackSecs after an overlay failure,
	// then tries direct HTTPS and finally relay mailbox store-and-forward.
	ModeP2PRelay TransportMode = "p2p_relay"
)

// Config configures a delivery Worker.
type Config struct {
	DB                   *store.DB
	Logger               *slog.Logger
	Transports           []Transport
	PollInterval         time.Duration
	BatchSize            int
	Workers              int
	WorkerBuffer         int
	MaxAttempts          int
	BaseBackoffSecs      int
	MaxBackoffSecs       int
	Mode                 TransportMode
	P2PRelayFallbackSecs int
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 40
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.WorkerBuffer <= 0 {
		c.WorkerBuffer = 16
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoffSecs <= 0 {
		c.BaseBackoffSecs = 5
	}
	if c.MaxBackoffSecs <= 0 {
		c.MaxBackoffSecs = 3600
	}
	if c.Mode != ModeP2POnly {
		c.Mode = ModeP2PRelay
	}
	if c.P2PRelayFallbackSecs <= 0 {
		c.P2PRelayFallbackSecs = 5
	}
	if c.P2PRelayFallbackSecs > 600 {
		c.P2PRelayFallbackSecs = 600
	}
}

// Worker runs the delivery queue's poll loop.
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

// Process polls the queue until ctx is cancelled or Stop is called.
func (w *Worker) Process(ctx context.Context) error {
	defer close(w.doneCh)
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case <-t.C:
			if _, err := w.ProcessBatch(ctx); err != nil {
				w.cfg.Logger.Error("delivery batch failed", "error", err)
			}
		}
	}
}

// Stop signals Process to return; it satisfies core.Stoppable.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

type task struct {
	job models.DeliveryJob
}

// ProcessBatch fetches and attempts delivery for one batch of due jobs,
// routing each job to a worker keyed by crc32(target) so all attempts
// against the same inbox serialize through one goroutine (matching the
// spec's per-target FIFO ordering requirement) while different inboxes
// proceed concurrently.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	nowMs := models.NowMs()
	jobs, err := w.cfg.DB.DueDeliveryJobs(ctx, nowMs, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetching due delivery jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	channels := make([]chan task, w.cfg.Workers)
	var wg sync.WaitGroup
	wg.Add(w.cfg.Workers)
	for i := range channels {
		channels[i] = make(chan task, w.cfg.WorkerBuffer)
		ch := channels[i]
		go func() {
			defer wg.Done()
			for t := range ch {
				w.attempt(ctx, t.job)
			}
		}()
	}

	for _, job := range jobs {
		idx := crc32.ChecksumIEEE([]byte(job.Target)) % uint32(len(channels))
		channels[idx] <- task{job: job}
	}
	for _, ch := range channels {
		close(ch)
	}
	wg.Wait()

	return len(jobs), nil
}

// transportByName returns the configured Transport with the given name,
// or nil if none is wired.
func (w *Worker) transportByName(name string) Transport {
	for _, tr := range w.cfg.Transports {
		if tr.Name() == name {
			return tr
		}
	}
	return nil
}

// attempt drives one delivery try through spec.md §4.2's transport
// selection policy: P2P (and its WebRTC fallback) first, then — only in
// P2pRelay mode, and only after waiting p2p_relay_fallback_secs — direct
// HTTPS, then relay mailbox store-and-forward as the last resort.
func (w *Worker) attempt(ctx context.Context, job models.DeliveryJob) {
	var lastErr error
	var status int
	var transportName string

	overlayTried := false
	for _, name := range []string{"p2p", "webrtc"} {
		tr := w.transportByName(name)
		if tr == nil {
			continue
		}
		overlayTried = true
		s, err := tr.Deliver(ctx, job)
		if err == nil {
			status, transportName = s, tr.Name()
			break
		}
		lastErr = err
	}

	if transportName == "" && overlayTried && w.cfg.Mode == ModeP2POnly {
		w.reschedule(ctx, job, core.NewError(core.KindTransient, "all transports failed", lastErr))
		return
	}

	if transportName == "" {
		if overlayTried && w.cfg.Mode == ModeP2PRelay {
			w.waitFallback(ctx)
		}
		if tr := w.transportByName("direct-https"); tr != nil {
			s, err := tr.Deliver(ctx, job)
			if err == nil {
				status, transportName = s, tr.Name()
			} else {
				lastErr = err
			}
		}
	}

	if transportName == "" {
		if tr := w.transportByName("relay-mailbox"); tr != nil {
			s, err := tr.Deliver(ctx, job)
			if err == nil {
				status, transportName = s, tr.Name()
			} else {
				lastErr = err
			}
		}
	}

	if transportName == "" {
		w.reschedule(ctx, job, core.NewError(core.KindTransient, "all transports failed", lastErr))
		return
	}

	if cerr := ClassifyStatus(status); cerr != nil {
		w.cfg.Logger.Warn("delivery attempt failed", "job_id", job.ID, "target", job.Target, "transport", transportName, "status", status, "kind", cerr.Kind)
		if cerr.Terminal() {
			if err := w.cfg.DB.MarkDeliveryDead(ctx, job.ID, cerr.Error()); err != nil {
				w.cfg.Logger.Error("failed marking job dead", "job_id", job.ID, "error", err)
			}
			return
		}
		w.reschedule(ctx, job, cerr)
		return
	}

	if status == http.StatusAccepted {
		if err := w.cfg.DB.MarkDeliveryAwaitingAck(ctx, job.ID, models.NowMs()); err != nil {
			w.cfg.Logger.Error("failed marking job awaiting-ack", "job_id", job.ID, "error", err)
		}
		return
	}
	if err := w.cfg.DB.MarkDeliveryDelivered(ctx, job.ID); err != nil {
		w.cfg.Logger.Error("failed marking job delivered", "job_id", job.ID, "error", err)
	}
}

// waitFallback pauses up to P2PRelayFallbackSecs before the worker tries
// direct HTTPS, giving a slow overlay hole-punch a window to still land
// before falling off the P2P path, per spec.md §4.2. It returns early if
// ctx is cancelled.
func (w *Worker) waitFallback(ctx context.Context) {
	t := time.NewTimer(time.Duration(w.cfg.P2PRelayFallbackSecs) * time.Second)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) reschedule(ctx context.Context, job models.DeliveryJob, cerr *core.CoreError) {
	if job.Attempt+1 >= w.cfg.MaxAttempts {
		if err := w.cfg.DB.MarkDeliveryDead(ctx, job.ID, cerr.Error()); err != nil {
			w.cfg.Logger.Error("failed marking job dead after max attempts", "job_id", job.ID, "error", err)
		}
		return
	}
	next := models.NowMs() + backoffMs(job.Attempt+1, w.cfg.BaseBackoffSecs, w.cfg.MaxBackoffSecs)
	if err := w.cfg.DB.RescheduleDelivery(ctx, job.ID, next, cerr.Error()); err != nil {
		w.cfg.Logger.Error("failed rescheduling job", "job_id", job.ID, "error", err)
	}
}

// backoffMs computes base*2^(attempt-1) capped at maxSecs, plus 0..1000ms jitter.
func backoffMs(attempt, baseSecs, maxSecs int) int64 {
	backoff := baseSecs
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxSecs {
			backoff = maxSecs
			break
		}
	}
	jitter := rand.Intn(1000)
	return int64(backoff)*1000 + int64(jitter)
}

// ClassifyStatus maps an HTTP-equivalent response status to the node's
// error taxonomy; it returns nil for any status counted as success.
func ClassifyStatus(status int) *core.CoreError {
	switch {
	case status == http.StatusAccepted, status >= 200 && status < 300:
		return nil
	case status == 404 || status == 410:
		return core.NewError(core.KindPeerGone, fmt.Sprintf("remote responded %d", status), nil)
	case status == 429:
		return core.NewError(core.KindRateLimit, "remote rate-limited this delivery", nil)
	case status >= 500:
		return core.NewError(core.KindTransient, fmt.Sprintf("remote responded %d", status), nil)
	case status >= 400:
		return core.NewError(core.KindProtocolViolation, fmt.Sprintf("remote responded %d", status), nil)
	default:
		return core.NewError(core.KindTransient, fmt.Sprintf("unexpected status %d", status), nil)
	}
}

// HTTPTransport delivers over direct HTTPS using signed requests, the
// transport every node supports unconditionally.
type HTTPTransport struct {
	Client       *http.Client
	PrivateKey   *rsa.PrivateKey
	KeyID        string
	SignHeaders  []string
	AcceptHeader string
}

// NewHTTPTransport builds the direct-HTTPS transport with sane defaults.
func NewHTTPTransport(client *http.Client, key *rsa.PrivateKey, keyID string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		Client:       client,
		PrivateKey:   key,
		KeyID:        keyID,
		SignHeaders:  httpsig.DefaultSignedHeaders,
		AcceptHeader: `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`,
	}
}

func (t *HTTPTransport) Name() string { return "direct-https" }

func (t *HTTPTransport) Deliver(ctx context.Context, job models.DeliveryJob) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Target, strings.NewReader(string(job.ActivityJSON)))
	if err != nil {
		return 0, fmt.Errorf("building delivery request: %w", err)
	}
	req.Header.Set("Accept", t.AcceptHeader)
	req.Header.Set("Content-Type", "application/activity+json")

	keyID := t.KeyID
	if job.KeyID != nil && *job.KeyID != "" {
		keyID = *job.KeyID
	}
	if err := httpsig.Sign(req, t.PrivateKey, keyID, job.ActivityJSON, t.SignHeaders); err != nil {
		return 0, fmt.Errorf("signing delivery request: %w", err)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
