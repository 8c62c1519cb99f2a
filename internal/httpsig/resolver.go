package httpsig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ResolverTTL is the cache lifetime for resolved actor keys.
const ResolverTTL = 300 * time.Second

// apDocument is the subset of an actor document the resolver needs.
type apDocument struct {
	ID        string `json:"id"`
	PublicKey struct {
		ID           string `json:"id"`
		PublicKeyPEM string `json:"publicKeyPem"`
	} `json:"publicKey"`
	Endpoints struct {
		SharedInbox string `json:"sharedInbox"`
		Fedi3       string `json:"fedi3"`
	} `json:"endpoints"`
}

// KeyResolver fetches and caches actor public keys for signature
// verification, keyed by actor URL.
type KeyResolver struct {
	cache  *TTLCache[KeyInfo]
	client *http.Client
	logger *slog.Logger
}

// NewKeyResolver constructs a resolver with the given HTTP client (nil uses
// a client with a 15s timeout) and logger.
func NewKeyResolver(client *http.Client, logger *slog.Logger) *KeyResolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &KeyResolver{
		cache:  NewTTLCache[KeyInfo](ResolverTTL, 4096),
		client: client,
		logger: logger,
	}
}

// Resolve returns cached key info for actorURL, fetching it on a cache miss.
// onRotation, if non-nil, is invoked when a freshly fetched key differs from
// the previously cached one for the same actor.
func (r *KeyResolver) Resolve(ctx context.Context, actorURL string, onRotation func(old, new KeyInfo)) (KeyInfo, error) {
	if cached, ok := r.cache.Get(actorURL); ok {
		return cached, nil
	}

	u, err := url.Parse(actorURL)
	if err != nil {
		return KeyInfo{}, fail(FailActorFetch, err)
	}
	if err := ValidateFederationDomain(u.Hostname()); err != nil {
		return KeyInfo{}, fail(FailActorFetch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURL, nil)
	if err != nil {
		return KeyInfo{}, fail(FailActorFetch, err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)

	resp, err := r.client.Do(req)
	if err != nil {
		return KeyInfo{}, fail(FailActorFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return KeyInfo{}, fail(FailActorFetch, fmt.Errorf("actor fetch %s: status %d", actorURL, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return KeyInfo{}, fail(FailActorFetch, err)
	}

	var doc apDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return KeyInfo{}, fail(FailActorFetch, fmt.Errorf("parsing actor document: %w", err))
	}
	if doc.PublicKey.PublicKeyPEM == "" {
		return KeyInfo{}, fail(FailUnknownKey, fmt.Errorf("actor %s has no publicKey.publicKeyPem", actorURL))
	}

	info := KeyInfo{
		PublicKeyPEM:  doc.PublicKey.PublicKeyPEM,
		KeyID:         doc.PublicKey.ID,
		IsFedi3Peer:   doc.Endpoints.Fedi3 != "",
		SharedInbox:   doc.Endpoints.SharedInbox,
		Fedi3Endpoint: doc.Endpoints.Fedi3,
	}

	if prev, ok := r.cache.Get(actorURL); ok && prev.PublicKeyPEM != info.PublicKeyPEM && onRotation != nil {
		onRotation(prev, info)
	}

	r.cache.Set(actorURL, info)
	if r.logger != nil {
		r.logger.Debug("resolved actor key", slog.String("actor", actorURL), slog.Bool("is_fedi3", info.IsFedi3Peer))
	}
	return info, nil
}

// Invalidate evicts a cached actor key, forcing a refetch on next Resolve.
func (r *KeyResolver) Invalidate(actorURL string) {
	r.cache.Invalidate(actorURL)
}
