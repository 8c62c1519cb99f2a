package delivery

import (
	"net/http"
	"testing"
)

func TestClassifyStatusSuccess(t *testing.T) {
	for _, s := range []int{200, 201, 204, http.StatusAccepted} {
		if err := ClassifyStatus(s); err != nil {
			t.Fatalf("status %d expected success, got %v", s, err)
		}
	}
}

func TestClassifyStatusPeerGoneIsTerminal(t *testing.T) {
	err := ClassifyStatus(404)
	if err == nil || !err.Terminal() {
		t.Fatalf("expected terminal PeerGone for 404, got %v", err)
	}
	err = ClassifyStatus(410)
	if err == nil || !err.Terminal() {
		t.Fatalf("expected terminal PeerGone for 410, got %v", err)
	}
}

func TestClassifyStatusServerErrorIsRetryable(t *testing.T) {
	err := ClassifyStatus(503)
	if err == nil || !err.Retryable() {
		t.Fatalf("expected retryable Transient for 503, got %v", err)
	}
}

func TestClassifyStatusRateLimit(t *testing.T) {
	err := ClassifyStatus(429)
	if err == nil || !err.Retryable() {
		t.Fatalf("expected retryable RateLimit for 429, got %v", err)
	}
}

func TestBackoffMsGrowsAndCaps(t *testing.T) {
	first := backoffMs(1, 5, 3600)
	second := backoffMs(2, 5, 3600)
	if first < 5000 || first >= 6000 {
		t.Fatalf("expected ~5s backoff for attempt 1, got %dms", first)
	}
	if second < 10000 || second >= 11000 {
		t.Fatalf("expected ~10s backoff for attempt 2, got %dms", second)
	}
	capped := backoffMs(30, 5, 3600)
	if capped >= 3601000 {
		t.Fatalf("expected backoff capped near 3600s, got %dms", capped)
	}
}
