package delivery

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/fedi3/node/internal/httpsig"
	"github.com/fedi3/node/internal/models"
	overlay "github.com/fedi3/node/internal/p2p"
	webrtctransport "github.com/fedi3/node/internal/webrtc"
)

// actorFromKeyID recovers the actor URL from a keyId of the
// "<actorURL>#main-key" shape NewActor mints, the same convention every
// inbound signature carries.
func actorFromKeyID(keyID string) string {
	if i := strings.IndexByte(keyID, '#'); i >= 0 {
		return keyID[:i]
	}
	return keyID
}

// peerIDFromMultiaddr extracts the trailing /p2p/<peer-id> component of a
// fedi3 overlay endpoint multiaddr.
func peerIDFromMultiaddr(s string) (peer.ID, error) {
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return "", fmt.Errorf("parsing fedi3 endpoint %q: %w", s, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return "", fmt.Errorf("recovering peer id from %q: %w", s, err)
	}
	return info.ID, nil
}

// P2PTransport delivers activities over the libp2p overlay's
// /fedi3/relay-http/1 protocol, resolving the target's peer id from its
// actor document's fedi3 endpoint.
type P2PTransport struct {
	Manager    *overlay.Manager
	Resolver   *httpsig.KeyResolver
	PrivateKey *rsa.PrivateKey
	KeyID      string
}

// NewP2PTransport builds the overlay transport around an already-running
// swarm manager.
func NewP2PTransport(mgr *overlay.Manager, resolver *httpsig.KeyResolver, key *rsa.PrivateKey, keyID string) *P2PTransport {
	return &P2PTransport{Manager: mgr, Resolver: resolver, PrivateKey: key, KeyID: keyID}
}

func (t *P2PTransport) Name() string { return "p2p" }

func (t *P2PTransport) Deliver(ctx context.Context, job models.DeliveryJob) (int, error) {
	actorURL := actorFromKeyID(jobActor(job))
	if actorURL == "" {
		return 0, fmt.Errorf("p2p transport: no actor to resolve")
	}
	info, err := t.Resolver.Resolve(ctx, actorURL, nil)
	if err != nil {
		return 0, err
	}
	if info.Fedi3Endpoint == "" {
		return 0, fmt.Errorf("p2p transport: actor %s advertises no fedi3 endpoint", actorURL)
	}
	pid, err := peerIDFromMultiaddr(info.Fedi3Endpoint)
	if err != nil {
		return 0, err
	}

	u, err := url.Parse(job.Target)
	if err != nil {
		return 0, fmt.Errorf("p2p transport: parsing target: %w", err)
	}
	path := u.Path
	if info.SharedInbox != "" {
		if su, err := url.Parse(info.SharedInbox); err == nil {
			path = su.Path
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Target, bytes.NewReader(job.ActivityJSON))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/activity+json")
	keyID := t.KeyID
	if job.KeyID != nil && *job.KeyID != "" {
		keyID = *job.KeyID
	}
	if err := httpsig.Sign(req, t.PrivateKey, keyID, job.ActivityJSON, httpsig.DefaultSignedHeaders); err != nil {
		return 0, fmt.Errorf("p2p transport: signing request: %w", err)
	}

	headers := map[string]string{
		"Content-Type": req.Header.Get("Content-Type"),
		"Date":         req.Header.Get("Date"),
		"Host":         req.Header.Get("Host"),
		"Signature":    req.Header.Get("Signature"),
	}
	if d := req.Header.Get("Digest"); d != "" {
		headers["Digest"] = d
	}

	resp, err := t.Manager.DialRelayHTTP(ctx, pid, overlay.RelayHTTPRequest{
		ID:      job.ID,
		Method:  http.MethodPost,
		Path:    path,
		Headers: headers,
		BodyB64: base64.StdEncoding.EncodeToString(job.ActivityJSON),
	})
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}

// jobActor recovers the owning actor's keyId for a delivery job, preferring
// the per-job override over the transport's own identity.
func jobActor(job models.DeliveryJob) string {
	if job.KeyID != nil && *job.KeyID != "" {
		return *job.KeyID
	}
	return job.Target
}

// WebRTCTransport falls back to a signaled data-channel connection when
// direct transports can't reach a peer behind a NAT that P2P's hole
// punching couldn't traverse.
type WebRTCTransport struct {
	Manager  *webrtctransport.Manager
	Resolver *httpsig.KeyResolver
}

// NewWebRTCTransport builds the data-channel fallback transport.
func NewWebRTCTransport(mgr *webrtctransport.Manager, resolver *httpsig.KeyResolver) *WebRTCTransport {
	return &WebRTCTransport{Manager: mgr, Resolver: resolver}
}

func (t *WebRTCTransport) Name() string { return "webrtc" }

func (t *WebRTCTransport) Deliver(ctx context.Context, job models.DeliveryJob) (int, error) {
	actorURL := actorFromKeyID(jobActor(job))
	if actorURL == "" {
		return 0, fmt.Errorf("webrtc transport: no actor to resolve")
	}
	info, err := t.Resolver.Resolve(ctx, actorURL, nil)
	if err != nil {
		return 0, err
	}
	if info.Fedi3Endpoint == "" {
		return 0, fmt.Errorf("webrtc transport: actor %s advertises no fedi3 endpoint", actorURL)
	}
	pid, err := peerIDFromMultiaddr(info.Fedi3Endpoint)
	if err != nil {
		return 0, err
	}

	u, err := url.Parse(actorURL)
	if err != nil {
		return 0, fmt.Errorf("webrtc transport: parsing actor url: %w", err)
	}
	relayBase := u.Scheme + "://" + u.Host

	connectCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	sess, err := t.Manager.Connect(connectCtx, actorURL, pid.String(), relayBase)
	if err != nil {
		return 0, fmt.Errorf("webrtc transport: connecting: %w", err)
	}

	path := "/inbox"
	if u2, err := url.Parse(job.Target); err == nil && u2.Path != "" {
		path = u2.Path
	}

	resp, err := t.Manager.Request(ctx, sess, http.MethodPost, path, json.RawMessage(job.ActivityJSON))
	if err != nil {
		return 0, fmt.Errorf("webrtc transport: request: %w", err)
	}
	return resp.Status, nil
}

// RelayMailboxTransport stores an activity on a configured relay peer's
// mailbox for later pickup, the last resort in the transport preference
// chain when a recipient is unreachable by every live transport.
type RelayMailboxTransport struct {
	Client      *http.Client
	PrivateKey  *rsa.PrivateKey
	KeyID       string
	Targets     []models.MailboxTarget
	CacheTTLSec int64
}

// NewRelayMailboxTransport builds the store-and-forward transport. ttlSec
// is clamped to spec.md's 60s..90d window.
func NewRelayMailboxTransport(client *http.Client, key *rsa.PrivateKey, keyID string, targets []models.MailboxTarget, ttlSec int64) *RelayMailboxTransport {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if ttlSec <= 0 {
		ttlSec = 7 * 86400
	}
	if ttlSec < 60 {
		ttlSec = 60
	}
	if ttlSec > 90*86400 {
		ttlSec = 90 * 86400
	}
	return &RelayMailboxTransport{Client: client, PrivateKey: key, KeyID: keyID, Targets: targets, CacheTTLSec: ttlSec}
}

func (t *RelayMailboxTransport) Name() string { return "relay-mailbox" }

type mailboxPutRequest struct {
	Target     string          `json:"target"`
	ActivityID string          `json:"activity_id,omitempty"`
	Body       json.RawMessage `json:"body"`
	TTLSecs    int64           `json:"ttl_secs"`
}

func (t *RelayMailboxTransport) Deliver(ctx context.Context, job models.DeliveryJob) (int, error) {
	if len(t.Targets) == 0 {
		return 0, fmt.Errorf("relay mailbox transport: no mailbox targets configured")
	}

	var activityID string
	if job.ActivityID != nil {
		activityID = *job.ActivityID
	}
	payload, err := json.Marshal(mailboxPutRequest{
		Target:     job.Target,
		ActivityID: activityID,
		Body:       job.ActivityJSON,
		TTLSecs:    t.CacheTTLSec,
	})
	if err != nil {
		return 0, err
	}

	var lastErr error
	for _, mt := range t.Targets {
		status, err := t.putOne(ctx, mt, payload)
		if err == nil {
			return status, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

func (t *RelayMailboxTransport) putOne(ctx context.Context, mt models.MailboxTarget, payload []byte) (int, error) {
	endpoint := strings.TrimSuffix(mt.Base, "/") + "/.fedi3/mailbox/put"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := httpsig.Sign(req, t.PrivateKey, t.KeyID, payload, httpsig.DefaultSignedHeaders); err != nil {
		return 0, fmt.Errorf("relay mailbox transport: signing request: %w", err)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
