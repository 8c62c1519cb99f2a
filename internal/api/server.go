// Package api implements the fedi3 node's HTTP surface: ActivityPub actor
// and collection endpoints, the shared and personal inboxes, media upload,
// and the native fedi3 endpoints (global ingest, WebRTC signaling, device
// sync) alongside health and metrics.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/fedi3/node/internal/activitypub"
	"github.com/fedi3/node/internal/audit"
	"github.com/fedi3/node/internal/blocklist"
	"github.com/fedi3/node/internal/chat"
	"github.com/fedi3/node/internal/config"
	"github.com/fedi3/node/internal/delivery"
	"github.com/fedi3/node/internal/eventbus"
	"github.com/fedi3/node/internal/httpsig"
	"github.com/fedi3/node/internal/identity"
	"github.com/fedi3/node/internal/inbound"
	"github.com/fedi3/node/internal/media"
	"github.com/fedi3/node/internal/middleware"
	"github.com/fedi3/node/internal/models"
	overlay "github.com/fedi3/node/internal/p2p"
	"github.com/fedi3/node/internal/ratelimit"
	"github.com/fedi3/node/internal/store"
	webrtctransport "github.com/fedi3/node/internal/webrtc"
)

// Version is the build version reported on /health/deep. Overridden at
// build time via -ldflags when a release pipeline wants a real value.
var Version = "dev"

// Server wires the node's stores, services, and workers to the chi router
// that actually serves requests.
type Server struct {
	DB            *store.DB
	Config        *config.Config
	Identity      *identity.Identity
	Resolver      *httpsig.KeyResolver
	Limiter       *ratelimit.Limiter
	Guard         *blocklist.Guard
	Audit         *audit.Recorder
	Inbound       *inbound.Handler
	Delivery      *delivery.Worker
	Chat          *chat.Service
	Media         *media.Service
	EventBus      *eventbus.Bus
	P2P           *overlay.Manager
	WebRTC        *webrtctransport.Manager
	WebRTCMailbox *webrtctransport.Mailbox
	Logger        *slog.Logger
	Version       string

	router    chi.Router
	startedAt time.Time
}

// NewServer builds a Server and registers every route. Workers (Delivery,
// EventBus, P2P, WebRTC) may be nil in tests that exercise a subset of the
// surface; route handlers treat a nil dependency as "disabled" rather than
// panicking.
func NewServer(
	db *store.DB,
	cfg *config.Config,
	id *identity.Identity,
	resolver *httpsig.KeyResolver,
	limiter *ratelimit.Limiter,
	guard *blocklist.Guard,
	rec *audit.Recorder,
	inboundHandler *inbound.Handler,
	deliveryWorker *delivery.Worker,
	chatSvc *chat.Service,
	mediaSvc *media.Service,
	bus *eventbus.Bus,
	p2pMgr *overlay.Manager,
	webrtcMgr *webrtctransport.Manager,
	webrtcMailbox *webrtctransport.Mailbox,
	logger *slog.Logger,
) *Server {
	s := &Server{
		DB:            db,
		Config:        cfg,
		Identity:      id,
		Resolver:      resolver,
		Limiter:       limiter,
		Guard:         guard,
		Audit:         rec,
		Inbound:       inboundHandler,
		Delivery:      deliveryWorker,
		Chat:          chatSvc,
		Media:         mediaSvc,
		EventBus:      bus,
		P2P:           p2pMgr,
		WebRTC:        webrtcMgr,
		WebRTCMailbox: webrtcMailbox,
		Logger:        logger,
		Version:       Version,
		startedAt:     time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the Server's chi router for use with http.Server.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.TracingLogger(s.Logger))
	r.Use(s.countRequest)

	r.Get("/health", s.handleHealth)
	r.Get("/health/deep", s.handleDeepHealthCheck)
	r.Get("/metrics", s.handleMetrics)

	r.Get("/.well-known/webfinger", s.handleWebfinger)

	r.Route("/users/{username}", func(r chi.Router) {
		r.Get("/", s.handleGetActor)
		r.Get("/outbox", s.handleGetOutbox)
		r.Post("/inbox", s.handleInbox)
		r.Get("/followers", s.handleGetFollowers)
		r.Get("/following", s.handleGetFollowing)
		r.Post("/media", s.handleUploadMedia)
		r.Get("/objects/{id}", s.handleGetObject)
		r.Get("/chat/bundle", s.handleGetChatBundle)
	})

	r.Post("/inbox", s.handleInbox)

	r.Route("/_fedi3", func(r chi.Router) {
		r.Post("/global/ingest", s.handleGlobalIngest)
		r.Post("/webrtc/send", s.handleWebRTCSend)
		r.Get("/webrtc/poll", s.handleWebRTCPoll)
		r.Post("/webrtc/ack", s.handleWebRTCAck)
	})

	r.Route("/.fedi3", func(r chi.Router) {
		r.Get("/device/inbox", s.handleDeviceInbox)
		r.Get("/device/outbox", s.handleDeviceOutbox)
		r.Get("/sync/outbox", s.handleSyncOutbox)
	})

	return r
}

func (s *Server) countRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		GlobalMetrics.HTTPRequestsTotal.Add(1)
		GlobalMetrics.HTTPRequestDuration.Add(time.Since(start).Microseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// localUsername reports whether username matches this node's single
// configured local actor.
func (s *Server) localUsername(username string) bool {
	return username != "" && username == s.Config.Instance.Username
}

func (s *Server) actorURL(username string) string {
	return fmt.Sprintf("https://%s/users/%s", s.Config.Instance.Domain, username)
}

func (s *Server) sharedInboxURL() string {
	return fmt.Sprintf("https://%s/inbox", s.Config.Instance.Domain)
}

// overlayEndpoint returns this node's dialable fedi3 multiaddr suffix
// ("/p2p/<peer-id>"), or "" if the P2P swarm isn't running.
func (s *Server) overlayEndpoint() string {
	if s.P2P == nil {
		return ""
	}
	return "/p2p/" + s.P2P.HostID().String()
}

func (s *Server) localActor(username string) activitypub.Actor {
	return activitypub.NewActor(s.actorURL(username), username, s.Identity.PublicPEM, s.sharedInboxURL(), s.overlayEndpoint())
}

func (s *Server) handleWebfinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	user, domain, err := activitypub.ParseAcct(resource)
	if err != nil || !strings.EqualFold(domain, s.Config.Instance.Domain) || !s.localUsername(user) {
		WriteError(w, http.StatusNotFound, "not_found", "no such actor")
		return
	}
	resp := activitypub.NewWebfingerResponse("acct:"+user+"@"+domain, s.actorURL(user), s.actorURL(user))
	w.Header().Set("Content-Type", "application/jrd+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleGetActor(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !s.localUsername(username) {
		WriteError(w, http.StatusNotFound, "not_found", "no such actor")
		return
	}
	writeActivityJSON(w, http.StatusOK, s.localActor(username))
}

func (s *Server) handleGetOutbox(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !s.localUsername(username) {
		WriteError(w, http.StatusNotFound, "not_found", "no such actor")
		return
	}
	limit := parseLimit(r, 50, 200)
	items, err := s.DB.ListOutboxItems(r.Context(), limit)
	if err != nil {
		InternalError(w, s.Logger, "listing outbox", err)
		return
	}
	raw := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		raw = append(raw, it.ActivityJSON)
	}
	writeActivityJSON(w, http.StatusOK, map[string]interface{}{
		"@context":     activitypub.Context,
		"id":           s.actorURL(username) + "/outbox",
		"type":         "OrderedCollection",
		"totalItems":   len(raw),
		"orderedItems": raw,
	})
}

func (s *Server) handleGetFollowers(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !s.localUsername(username) {
		WriteError(w, http.StatusNotFound, "not_found", "no such actor")
		return
	}
	followers, err := s.DB.ListFollowers(r.Context())
	if err != nil {
		InternalError(w, s.Logger, "listing followers", err)
		return
	}
	writeActivityJSON(w, http.StatusOK, map[string]interface{}{
		"@context":     activitypub.Context,
		"id":           s.actorURL(username) + "/followers",
		"type":         "OrderedCollection",
		"totalItems":   len(followers),
		"orderedItems": followers,
	})
}

func (s *Server) handleGetFollowing(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !s.localUsername(username) {
		WriteError(w, http.StatusNotFound, "not_found", "no such actor")
		return
	}
	following, err := s.DB.ListFollowing(r.Context())
	if err != nil {
		InternalError(w, s.Logger, "listing following", err)
		return
	}
	ids := make([]string, 0, len(following))
	for _, f := range following {
		if f.State == models.FollowAccepted {
			ids = append(ids, f.ActorID)
		}
	}
	writeActivityJSON(w, http.StatusOK, map[string]interface{}{
		"@context":     activitypub.Context,
		"id":           s.actorURL(username) + "/following",
		"type":         "OrderedCollection",
		"totalItems":   len(ids),
		"orderedItems": ids,
	})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	obj, err := s.DB.GetObject(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "not_found", "no such object")
		return
	}
	if obj.Deleted {
		WriteError(w, http.StatusGone, "gone", "object deleted")
		return
	}
	_ = s.DB.TouchObjectAccess(r.Context(), id, models.NowMs())
	w.Header().Set("Content-Type", "application/activity+json")
	w.WriteHeader(http.StatusOK)
	w.Write(obj.ObjectJSON)
}

// handleGetChatBundle publishes (and hands back) this actor's current signed
// chat bundle so a peer can establish a fresh E2E session, topping up the
// one-time prekey pool first: a batch of PrekeyBatchSize prekeys (default 25)
// is minted when fewer than PrekeyLowWaterMark (default 10) remain unused,
// and the bundle carries at most low-water mark plus batch size prekeys.
func (s *Server) handleGetChatBundle(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !s.localUsername(username) {
		WriteError(w, http.StatusNotFound, "not_found", "no such actor")
		return
	}
	if s.Chat == nil {
		WriteError(w, http.StatusServiceUnavailable, "chat_disabled", "chat not configured")
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = "default"
	}
	var peerID *string
	if s.P2P != nil {
		id := s.P2P.HostID().String()
		peerID = &id
	}
	bundle, err := s.Chat.PublishBundle(r.Context(), s.actorURL(username), deviceID, peerID, nil, models.NowMs())
	if err != nil {
		InternalError(w, s.Logger, "publishing chat bundle", err)
		return
	}
	WriteJSON(w, http.StatusOK, bundle)
}

// handleInbox serves both the personal inbox (POST /users/{u}/inbox) and
// the shared inbox (POST /inbox); both funnel through the same Handler.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if username := chi.URLParam(r, "username"); username != "" && !s.localUsername(username) {
		WriteError(w, http.StatusNotFound, "not_found", "no such actor")
		return
	}
	req, err := requestFromHTTP(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "could not read request body")
		return
	}
	resp := s.Inbound.Handle(r.Context(), req)
	writeInboundResponse(w, resp)
}

func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !s.localUsername(username) {
		WriteError(w, http.StatusNotFound, "not_found", "no such actor")
		return
	}
	if s.Media == nil {
		WriteError(w, http.StatusServiceUnavailable, "media_disabled", "media storage not configured")
		return
	}
	maxBytes, err := s.Config.Media.MaxUploadSizeBytes()
	if err != nil {
		InternalError(w, s.Logger, "parsing max upload size", err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, "file_too_large", "upload exceeds configured limit")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "missing_file", `multipart field "file" is required`)
		return
	}
	defer file.Close()

	data := make([]byte, 0, header.Size)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := file.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	nowMs := models.NowMs()
	key := fmt.Sprintf("attachments/%s/%s", time.Now().UTC().Format("2006/01/02"), models.NewULID().String())

	res, err := s.Media.Store(r.Context(), key, data, contentType)
	if err != nil {
		InternalError(w, s.Logger, "storing media", err)
		return
	}
	actor := s.actorURL(username)
	if err := s.DB.RecordMediaFile(r.Context(), store.MediaFile{
		Filename:    res.Key,
		ActorID:     &actor,
		SizeBytes:   res.SizeBytes,
		CreatedAtMs: nowMs,
	}); err != nil {
		s.Logger.Error("recording media file failed", "error", err)
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"url":        s.Media.URL(res.Key, fmt.Sprintf("https://%s/media", s.Config.Instance.Domain)),
		"media_type": contentType,
		"size_bytes": res.SizeBytes,
		"width":      res.Width,
		"height":     res.Height,
		"blurhash":   res.Blurhash,
	})
}

// handleGlobalIngest accepts a peer's broadcast to this node's slice of the
// gossipsub global topic, arriving over HTTP from a caller that can't reach
// the P2P swarm directly. It requires the same HTTP-signature authentication
// as any other inbox delivery.
func (s *Server) handleGlobalIngest(w http.ResponseWriter, r *http.Request) {
	req, err := requestFromHTTP(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "could not read request body")
		return
	}
	resp := s.Inbound.Handle(r.Context(), req)
	writeInboundResponse(w, resp)
}

func (s *Server) handleWebRTCSend(w http.ResponseWriter, r *http.Request) {
	if s.WebRTC == nil {
		WriteError(w, http.StatusServiceUnavailable, "webrtc_disabled", "webrtc transport not configured")
		return
	}
	var sig webrtctransport.Signal
	if !DecodeJSON(w, r, &sig) {
		return
	}
	answer, err := s.WebRTC.HandleSend(sig)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "webrtc_signal_rejected", err.Error())
		return
	}
	if answer != nil {
		WriteJSONRaw(w, http.StatusOK, answer)
		return
	}
	WriteNoContent(w)
}

func (s *Server) handleWebRTCPoll(w http.ResponseWriter, r *http.Request) {
	if s.WebRTCMailbox == nil {
		WriteError(w, http.StatusServiceUnavailable, "webrtc_disabled", "webrtc transport not configured")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		WriteError(w, http.StatusBadRequest, "missing_session_id", "session_id query parameter is required")
		return
	}
	WriteJSONRaw(w, http.StatusOK, s.WebRTCMailbox.Poll(sessionID))
}

func (s *Server) handleWebRTCAck(w http.ResponseWriter, r *http.Request) {
	if s.WebRTCMailbox == nil {
		WriteError(w, http.StatusServiceUnavailable, "webrtc_disabled", "webrtc transport not configured")
		return
	}
	var req struct {
		SessionID string   `json:"session_id"`
		IDs       []string `json:"ids"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}
	s.WebRTCMailbox.Ack(req.SessionID, req.IDs)
	WriteNoContent(w)
}

// syncPage envelopes a cursor-based sync response: the remote side's
// device/p2p sync worker records latest_ms as its next since value.
type syncPage struct {
	Items    interface{} `json:"items"`
	LatestMs int64       `json:"latest_ms"`
}

// handleDeviceInbox and handleDeviceOutbox serve a remote device-sync or
// native-sync worker's periodic `?since=<ms>&limit=<n>` pull over this
// node's own federated-feed and outbox tables, per spec.md §2's sync
// workers component.
func (s *Server) handleDeviceInbox(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 500)
	since := parseSince(r)
	items, err := s.DB.ListFeedItemsSince(r.Context(), "federated_feed", since, limit)
	if err != nil {
		InternalError(w, s.Logger, "listing device inbox", err)
		return
	}
	WriteJSON(w, http.StatusOK, syncPage{Items: items, LatestMs: latestFeedMs(items, since)})
}

func (s *Server) handleDeviceOutbox(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 500)
	since := parseSince(r)
	items, err := s.DB.ListOutboxItemsSince(r.Context(), since, limit)
	if err != nil {
		InternalError(w, s.Logger, "listing device outbox", err)
		return
	}
	WriteJSON(w, http.StatusOK, syncPage{Items: items, LatestMs: latestOutboxMs(items, since)})
}

func (s *Server) handleSyncOutbox(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 500)
	since := parseSince(r)
	items, err := s.DB.ListOutboxItemsSince(r.Context(), since, limit)
	if err != nil {
		InternalError(w, s.Logger, "listing sync outbox", err)
		return
	}
	WriteJSON(w, http.StatusOK, syncPage{Items: items, LatestMs: latestOutboxMs(items, since)})
}

func parseSince(r *http.Request) int64 {
	v := r.URL.Query().Get("since")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func latestOutboxMs(items []models.OutboxRecord, fallback int64) int64 {
	latest := fallback
	for _, it := range items {
		if it.CreatedAtMs > latest {
			latest = it.CreatedAtMs
		}
	}
	return latest
}

func latestFeedMs(items []models.FeedItem, fallback int64) int64 {
	latest := fallback
	for _, it := range items {
		if it.CreatedAtMs > latest {
			latest = it.CreatedAtMs
		}
	}
	return latest
}

func parseLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeActivityJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/activity+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeInboundResponse(w http.ResponseWriter, resp inbound.Response) {
	if resp.Status == 0 {
		resp.Status = http.StatusInternalServerError
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// requestFromHTTP normalizes an inbound *http.Request into the
// transport-agnostic shape Handler.Handle expects.
func requestFromHTTP(r *http.Request) (inbound.Request, error) {
	body, err := readAll(r)
	if err != nil {
		return inbound.Request{}, err
	}
	headers := make(map[string][]string, len(r.Header)+1)
	for k, v := range r.Header {
		headers[k] = v
	}
	headers["Host"] = []string{r.Host}
	q := ""
	if r.URL != nil {
		q = r.URL.RawQuery
	}
	path := r.URL.Path
	if u, perr := url.Parse(r.RequestURI); perr == nil && u.Path != "" {
		path = u.Path
	}
	return inbound.Request{
		Method:     r.Method,
		Path:       path,
		Query:      q,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
	}, nil
}

func readAll(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

// -- Response helpers, kept local to package api (health.go and metrics.go
// call them unqualified) rather than threaded through apiutil. --

// ErrorResponse is the standard error envelope returned by the API.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error code and human-readable message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse is the standard success envelope returned by the API.
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// WriteJSON writes a JSON response wrapped in the standard success envelope.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(SuccessResponse{Data: data})
}

// WriteJSONRaw writes a JSON response without the success envelope, for
// responses (ActivityStreams documents, WebRTC signals) that define their
// own shape.
func WriteJSONRaw(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes the standard error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// WriteNoContent writes a 204 No Content response.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// DecodeJSON reads JSON from the request body into dst, writing a 400 on
// failure and reporting false so the caller can return early.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return false
	}
	return true
}

// InternalError logs err and writes a generic 500 response.
func InternalError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	WriteError(w, http.StatusInternalServerError, "internal_error", msg)
}
