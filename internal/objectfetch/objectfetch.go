// Package objectfetch implements the out-of-band object-fetch worker: it
// pulls referenced ActivityPub objects (e.g. the original post behind an
// Announce) on demand, fetching them with a signed request and persisting
// the result, per spec.md §4.6.
package objectfetch

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/fedi3/node/internal/httpsig"
	"github.com/fedi3/node/internal/models"
	"github.com/fedi3/node/internal/store"
)

// Config configures a Worker.
type Config struct {
	DB              *store.DB
	Logger          *slog.Logger
	Client          *http.Client
	SigningKey      *rsa.PrivateKey
	KeyID           string
	PollInterval    time.Duration
	BatchSize       int
	MaxAttempts     int
	BaseBackoffSecs int
	MaxBackoffSecs  int
}

func (c *Config) setDefaults() {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
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
}

// Worker polls object_fetch_jobs and resolves them one at a time; unlike
// the delivery queue there is no per-target ordering requirement to honor,
// so jobs within a batch are fetched sequentially.
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
				w.cfg.Logger.Error("object-fetch batch failed", "error", err)
			}
		}
	}
}

// Stop signals Process to return; it satisfies core.Stoppable.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// ProcessBatch fetches and resolves one batch of due object-fetch jobs.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	nowMs := models.NowMs()
	jobs, err := w.cfg.DB.DueObjectFetchJobs(ctx, nowMs, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetching due object-fetch jobs: %w", err)
	}
	for _, job := range jobs {
		w.resolve(ctx, job)
	}
	return len(jobs), nil
}

// fetchedObject is the shape this worker needs out of an arbitrary
// ActivityStreams object response.
type fetchedObject struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	AttributedTo json.RawMessage `json:"attributedTo"`
	Actor        json.RawMessage `json:"actor"`
}

func (w *Worker) resolve(ctx context.Context, job store.ObjectFetchJob) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.ObjectURL, nil)
	if err != nil {
		w.reschedule(ctx, job, fmt.Errorf("building fetch request: %w", err))
		return
	}
	req.Header.Set("Accept", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	if w.cfg.SigningKey != nil {
		if err := httpsig.Sign(req, w.cfg.SigningKey, w.cfg.KeyID, nil, nil); err != nil {
			w.reschedule(ctx, job, fmt.Errorf("signing fetch request: %w", err))
			return
		}
	}

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		w.reschedule(ctx, job, err)
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		w.reschedule(ctx, job, fmt.Errorf("reading fetch response: %w", err))
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.reschedule(ctx, job, fmt.Errorf("remote responded %d", resp.StatusCode))
		return
	}

	var parsed fetchedObject
	if err := json.Unmarshal(body, &parsed); err != nil {
		w.reschedule(ctx, job, fmt.Errorf("parsing object JSON: %w", err))
		return
	}

	objectID := parsed.ID
	if objectID == "" {
		objectID = job.ObjectURL
	}

	var actorID *string
	if id := extractIRI(parsed.AttributedTo); id != "" {
		actorID = &id
	} else if id := extractIRI(parsed.Actor); id != "" {
		actorID = &id
	}

	nowMs := models.NowMs()
	obj := models.Object{
		ObjectID:     objectID,
		CreatedAtMs:  nowMs,
		UpdatedAtMs:  nowMs,
		Deleted:      parsed.Type == "Tombstone",
		ObjectJSON:   json.RawMessage(body),
		ActorID:      actorID,
		SizeBytes:    int64(len(body)),
		LastAccessMs: nowMs,
	}
	if err := w.cfg.DB.UpsertObjectWithActor(ctx, obj, nil, nil, nowMs); err != nil {
		w.reschedule(ctx, job, fmt.Errorf("persisting fetched object: %w", err))
		return
	}
	if err := w.cfg.DB.MarkObjectFetchDone(ctx, job.ObjectURL); err != nil {
		w.cfg.Logger.Error("failed marking object-fetch job done", "object_url", job.ObjectURL, "error", err)
	}
}

// extractIRI reads either a bare-string IRI or an embedded object's "id"
// field, mirroring activitypub.Activity.ObjectActorOrID's tolerance for
// both ActivityStreams shapes.
func extractIRI(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func (w *Worker) reschedule(ctx context.Context, job store.ObjectFetchJob, fetchErr error) {
	w.cfg.Logger.Warn("object fetch failed", "object_url", job.ObjectURL, "attempt", job.Attempt, "error", fetchErr)
	next := models.NowMs() + backoffMs(job.Attempt+1, w.cfg.BaseBackoffSecs, w.cfg.MaxBackoffSecs)
	if err := w.cfg.DB.RescheduleObjectFetch(ctx, job.ObjectURL, next, fetchErr.Error(), job.Attempt, w.cfg.MaxAttempts); err != nil {
		w.cfg.Logger.Error("failed rescheduling object-fetch job", "object_url", job.ObjectURL, "error", err)
	}
}

// backoffMs computes base*2^(attempt-1) capped at maxSecs, plus 0..1000ms
// jitter, matching the delivery queue's backoff schedule.
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
