// Command fedi3node wires up and runs a single federated node: it loads
// configuration, opens the store, brings up the delivery/inbound/chat/P2P/
// WebRTC/object-fetch/GC subsystems described in spec.md, and serves the
// HTTP surface until it receives a shutdown signal. Per spec.md §1, the
// CLI shell itself — flag parsing, config hot-reload, log-level wiring — is
// an external collaborator, not part of the core; this file is the minimal
// glue a deployment needs, not a feature of the core it starts.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/redis/go-redis/v9"

	"github.com/fedi3/node/internal/activitypub"
	"github.com/fedi3/node/internal/api"
	"github.com/fedi3/node/internal/audit"
	"github.com/fedi3/node/internal/blocklist"
	"github.com/fedi3/node/internal/chat"
	"github.com/fedi3/node/internal/config"
	"github.com/fedi3/node/internal/core"
	"github.com/fedi3/node/internal/delivery"
	"github.com/fedi3/node/internal/eventbus"
	"github.com/fedi3/node/internal/gc"
	"github.com/fedi3/node/internal/httpsig"
	"github.com/fedi3/node/internal/identity"
	"github.com/fedi3/node/internal/inbound"
	"github.com/fedi3/node/internal/media"
	"github.com/fedi3/node/internal/objectfetch"
	overlay "github.com/fedi3/node/internal/p2p"
	"github.com/fedi3/node/internal/ratelimit"
	"github.com/fedi3/node/internal/store"
	"github.com/fedi3/node/internal/syncworkers"
	webrtctransport "github.com/fedi3/node/internal/webrtc"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("fedi3node %s (%s)\n", version, commit)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("fedi3node — federated delivery/overlay node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  fedi3node <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the node (HTTP surface + background workers)")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  version   Print version information")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  fedi3.toml (or set FEDI3_CONFIG_PATH)")
	fmt.Println("  Env prefix:   FEDI3_ (e.g. FEDI3_DATABASE_URL)")
}

func configPath() string {
	if p := os.Getenv("FEDI3_CONFIG_PATH"); p != "" {
		return p
	}
	return "fedi3.toml"
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func runMigrate() error {
	logger := setupLogger("info", "text")
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}
	switch action {
	case "up":
		return store.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return store.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := store.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("migration version: %d (dirty=%v)\n", v, dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runServe loads configuration, brings up every subsystem spec.md §2
// describes, mounts the HTTP surface, and blocks until SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("loaded configuration", slog.String("path", cfgPath), slog.String("domain", cfg.Instance.Domain))

	id, err := identity.LoadOrGenerate(cfg.Instance.KeyFile)
	if err != nil {
		return fmt.Errorf("loading node identity: %w", err)
	}
	logger.Info("node identity ready", slog.String("did", id.DID), slog.String("actor", localActorDocument(cfg, id).ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()
	if err := store.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	registry := core.NewRegistry()

	actorURL := fmt.Sprintf("https://%s/users/%s", cfg.Instance.Domain, cfg.Instance.Username)
	keyID := actorURL + "#main-key"
	localURLFn := func(u string) string { return fmt.Sprintf("https://%s/users/%s", cfg.Instance.Domain, u) }

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resolver := httpsig.NewKeyResolver(httpClient, logger)

	var redisClient *redis.Client
	if cfg.Cache.URL != "" {
		opts, err := redis.ParseURL(cfg.Cache.URL)
		if err != nil {
			return fmt.Errorf("parsing cache.url: %w", err)
		}
		redisClient = redis.NewClient(opts)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		DB:             db,
		Redis:          redisClient,
		ReqsPerMinute:  cfg.RateLimit.ReqsPerMinute,
		BytesPerMinute: cfg.RateLimit.BytesPerMinute,
		DailyReqCap:    cfg.RateLimit.DailyReqCap,
		DailyByteCap:   cfg.RateLimit.DailyByteCap,
	})
	guard := blocklist.NewGuard(blocklist.Config{
		DB:            db,
		BlockedDomain: cfg.Blocklist.BlockedDomains,
		StrikeDecayMs: cfg.Blocklist.StrikeDecayMs,
	})
	rec := audit.NewRecorder(db, logger)

	inboundHandler := inbound.NewHandler(inbound.Config{
		DB:       db,
		Logger:   logger,
		Resolver: resolver,
		Limiter:  limiter,
		Guard:    guard,
		Audit:    rec,
		LocalURL: localURLFn,
	})

	bus, err := eventbus.New(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to event bus: %w", err)
	}
	defer bus.Close()
	if err := bus.EnsureStreams(); err != nil {
		return fmt.Errorf("ensuring event bus streams: %w", err)
	}

	// Media backend: local filesystem unless object storage is configured.
	var mediaBackend media.Backend
	if cfg.Storage.Type == "s3" && cfg.Storage.Endpoint != "" {
		s3, err := media.NewS3Backend(media.Config{
			Endpoint:  cfg.Storage.Endpoint,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("configuring S3 media backend: %w", err)
		}
		mediaBackend = s3
	} else {
		localDir := cfg.Storage.LocalPath
		if localDir == "" {
			localDir = "./data/media"
		}
		if err := os.MkdirAll(localDir, 0o755); err != nil {
			return fmt.Errorf("creating media directory: %w", err)
		}
		mediaBackend = &media.LocalBackend{BaseDir: filepath.Clean(localDir)}
	}
	if _, err := cfg.Media.MaxUploadSizeBytes(); err != nil {
		return fmt.Errorf("parsing media.max_upload_size: %w", err)
	}
	mediaSvc := media.NewService(mediaBackend, logger, cfg.Media.StripExif, cfg.Media.ThumbnailSizes, cfg.Media.CDNBaseURL)

	chatSvc := chat.NewService(db, resolver, id.PrivateKey, keyID, cfg.Chat.PrekeyLowWaterMark, cfg.Chat.PrekeyBatchSize)

	// P2P overlay manager. RelayHTTPHandler bridges the libp2p
	// request-response protocol back into the same inbound.Handler local
	// HTTP traffic uses, per spec.md §4.3's "uniformly normalized into a
	// single request record" requirement.
	p2pCfg := overlay.Config{
		Logger:             logger,
		KeyFile:            cfg.Instance.KeyFile + ".p2p",
		ListenAddrs:        cfg.P2P.ListenAddrs,
		RelayAddrs:         cfg.P2P.RelayAddrs,
		ForceRelayOnly:     cfg.P2P.ForceRelayOnly,
		AutoForceRelayOnly: cfg.P2P.AutoForceRelayOnly,
		IPv4Only:           cfg.P2P.IPv4Only,
		SelfActorURL:       actorURL,
		RelayHTTPHandler: func(ctx context.Context, req overlay.RelayHTTPRequest) overlay.RelayHTTPResponse {
			return handleRelayHTTP(ctx, inboundHandler, req)
		},
		GossipHandler: func(ctx context.Context, data []byte, from peer.ID) {
			_ = bus.Publish(ctx, eventbus.SubjectGossipObjectSeen, eventbus.Event{
				Type:   "gossip_object_seen",
				PeerID: from.String(),
				Data:   json.RawMessage(data),
			})
		},
		MailboxTargets: db.ListMailboxTargets,
		MailboxDedup:   db.MarkInboxSeen,
		MailboxDispatch: func(ctx context.Context, body []byte) int {
			if err := inboundHandler.ProcessPulledActivity(ctx, json.RawMessage(body)); err != nil {
				logger.Warn("mailbox message processing failed", slog.String("error", err.Error()))
				return http.StatusInternalServerError
			}
			return http.StatusAccepted
		},
		MailboxPrivateKey: id.PrivateKey,
		MailboxKeyID:      keyID,
	}
	if mpi, err := cfg.P2P.MailboxPollIntervalParsed(); err == nil {
		p2pCfg.MailboxPollInterval = mpi
	}
	p2pMgr, err := overlay.New(ctx, p2pCfg)
	if err != nil {
		logger.Warn("p2p overlay unavailable, continuing in HTTP-only mode", slog.String("error", err.Error()))
	}

	// WebRTC fallback transport, signaling over the relay's signed HTTP
	// endpoints.
	webrtcMailbox := webrtctransport.NewMailbox()
	webrtcSignals := webrtctransport.NewHTTPSignalTransport(httpClient, id.PrivateKey, keyID)
	webrtcIdleTTL, _ := cfg.WebRTC.IdleTTLParsed()
	webrtcConnectTimeout, _ := cfg.WebRTC.ConnectTimeoutParsed()
	webrtcMgr := webrtctransport.NewManager(webrtctransport.Config{
		Logger:         logger,
		IdleTTL:        webrtcIdleTTL,
		ConnectTimeout: webrtcConnectTimeout,
		Signals:        webrtcSignals,
		Mailbox:        webrtcMailbox,
		RequestHandler: func(ctx context.Context, method, path string, body json.RawMessage) (int, json.RawMessage) {
			resp := inboundHandler.Handle(ctx, inbound.Request{
				Method:  method,
				Path:    path,
				Headers: map[string][]string{"Content-Type": {"application/activity+json"}},
				Body:    body,
			})
			return resp.Status, resp.Body
		},
	})

	// Outbound delivery: transport preference is P2P, then WebRTC, then
	// direct HTTPS, then relay mailbox store-and-forward, per spec.md §4.2.
	transports := []delivery.Transport{}
	if p2pMgr != nil {
		transports = append(transports, delivery.NewP2PTransport(p2pMgr, resolver, id.PrivateKey, keyID))
	}
	transports = append(transports, delivery.NewWebRTCTransport(webrtcMgr, resolver))
	transports = append(transports, delivery.NewHTTPTransport(httpClient, id.PrivateKey, keyID))
	if mailboxTargets, err := db.ListMailboxTargets(ctx); err == nil && len(mailboxTargets) > 0 {
		transports = append(transports, delivery.NewRelayMailboxTransport(httpClient, id.PrivateKey, keyID, mailboxTargets, 7*24*3600))
	}

	deliveryPollInterval, _ := cfg.Delivery.PollIntervalParsed()
	deliveryWorker := delivery.NewWorker(delivery.Config{
		DB:                   db,
		Logger:               logger,
		Transports:           transports,
		PollInterval:         deliveryPollInterval,
		BatchSize:            cfg.Delivery.BatchSize,
		Workers:              cfg.Delivery.Workers,
		WorkerBuffer:         cfg.Delivery.WorkerBuffer,
		MaxAttempts:          cfg.Delivery.MaxAttempts,
		BaseBackoffSecs:      cfg.Delivery.BaseBackoffSecs,
		MaxBackoffSecs:       cfg.Delivery.MaxBackoffSecs,
		Mode:                 delivery.TransportMode(cfg.Delivery.TransportMode),
		P2PRelayFallbackSecs: cfg.Delivery.P2PRelayFallbackSecs,
	})

	gcInterval, _ := cfg.GC.IntervalParsed()
	gcWorker := gc.NewWorker(gc.Config{
		DB:                          db,
		Media:                       mediaBackend,
		Logger:                      logger,
		Interval:                    gcInterval,
		InboxMaxItems:               cfg.GC.InboxMaxItems,
		InboxSeenTTLDays:            cfg.GC.InboxSeenTTLDays,
		QuotaTTLDays:                cfg.GC.QuotaTTLDays,
		AuditTTLDays:                cfg.GC.AuditTTLDays,
		FeedMaxItems:                cfg.GC.FeedMaxItems,
		FeedTTLDays:                 cfg.GC.FeedTTLDays,
		FollowedMaxObjectsPerActor:  cfg.GC.FollowedMaxObjectsPerActor,
		OtherMaxObjectsPerActor:     cfg.GC.OtherMaxObjectsPerActor,
		FollowedMaxBytesPerActor:    cfg.GC.FollowedMaxBytesPerActor,
		OtherMaxBytesPerActor:       cfg.GC.OtherMaxBytesPerActor,
		GlobalMediaCacheBudgetBytes: cfg.GC.GlobalMediaCacheBudgetMB * 1024 * 1024,
	})

	srv := api.NewServer(db, cfg, id, resolver, limiter, guard, rec, inboundHandler, deliveryWorker, chatSvc, mediaSvc, bus, p2pMgr, webrtcMgr, webrtcMailbox, logger)
	srv.Version = version

	httpAddr := cfg.HTTP.Listen
	if httpAddr == "" {
		httpAddr = ":8443"
	}
	httpSrv := &http.Server{Addr: httpAddr, Handler: srv.Router()}

	registry.Start("delivery", deliveryWorker)
	registry.Start("gc", gcWorker)
	if p2pMgr != nil {
		registry.Start("p2p", p2pMgr)
	}
	registry.Start("webrtc", webrtcMgr)

	go runLoop(ctx, logger, "delivery", deliveryWorker.Process)
	go runLoop(ctx, logger, "gc", gcWorker.Process)
	if p2pMgr != nil {
		go runLoop(ctx, logger, "p2p", p2pMgr.Process)
	}
	go runLoop(ctx, logger, "webrtc", webrtcMgr.Process)

	objectFetchWorker := objectfetch.NewWorker(objectfetch.Config{
		DB:         db,
		Logger:     logger,
		Client:     httpClient,
		SigningKey: id.PrivateKey,
		KeyID:      keyID,
	})
	registry.Start("objectfetch", objectFetchWorker)
	go runLoop(ctx, logger, "objectfetch", objectFetchWorker.Process)

	// Sync workers: periodic background pulls that recover activity a
	// missed push-based inbox delivery dropped, per spec.md §2.
	legacyPollInterval, _ := cfg.Sync.LegacyPollIntervalParsed()
	legacyWorker := syncworkers.NewLegacyWorker(syncworkers.LegacyConfig{
		DB:       db,
		Logger:   logger,
		Client:   httpClient,
		Handler:  inboundHandler,
		Interval: legacyPollInterval,
		MaxPages: cfg.Sync.LegacyMaxPages,
	})
	registry.Start("sync-legacy", legacyWorker)
	go runLoop(ctx, logger, "sync-legacy", legacyWorker.Process)

	nativePollInterval, _ := cfg.Sync.NativePollIntervalParsed()
	nativeWorker := syncworkers.NewNativeWorker(syncworkers.NativeConfig{
		DB:         db,
		Logger:     logger,
		Handler:    inboundHandler,
		Manager:    p2pMgr,
		Resolver:   resolver,
		Interval:   nativePollInterval,
		BatchLimit: cfg.Sync.NativeBatchLimit,
	})
	if nativeWorker != nil {
		registry.Start("sync-native", nativeWorker)
		go runLoop(ctx, logger, "sync-native", nativeWorker.Process)
	}

	devicePollInterval, _ := cfg.Sync.DevicePollIntervalParsed()
	deviceWorker := syncworkers.NewDeviceWorker(syncworkers.DeviceConfig{
		DB:         db,
		Logger:     logger,
		Handler:    inboundHandler,
		Manager:    p2pMgr,
		SigningKey: id.PrivateKey,
		KeyID:      keyID,
		DID:        id.DID,
		Enable:     cfg.Sync.DeviceSyncEnable,
		Interval:   devicePollInterval,
		BatchLimit: cfg.Sync.DeviceBatchLimit,
	})
	if deviceWorker != nil {
		registry.Start("sync-device", deviceWorker)
		go runLoop(ctx, logger, "sync-device", deviceWorker.Process)
	}

	relayPollInterval, _ := cfg.Sync.RelayPollIntervalParsed()
	relayWorker := syncworkers.NewRelayWorker(syncworkers.RelayConfig{
		DB:           db,
		Logger:       logger,
		Client:       httpClient,
		RelayBaseURL: cfg.Sync.RelayBaseURL,
		RelayToken:   cfg.Sync.RelayToken,
		Interval:     relayPollInterval,
	})
	if relayWorker != nil {
		registry.Start("sync-relay", relayWorker)
		go runLoop(ctx, logger, "sync-relay", relayWorker.Process)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}
	registry.StopAll()
	logger.Info("fedi3node stopped")
	return nil
}

// runLoop runs a worker's Process loop until ctx is cancelled, logging a
// non-context-cancellation error and retrying after a short delay rather
// than crashing the whole node over one bad batch.
func runLoop(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) {
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("worker loop error", slog.String("worker", name), slog.String("error", err.Error()))
			time.Sleep(time.Second)
		}
	}
}

// handleRelayHTTP adapts a libp2p /fedi3/relay-http/1 request into the same
// normalized inbound.Request the local HTTP server and relay tunnel use.
func handleRelayHTTP(ctx context.Context, h *inbound.Handler, req overlay.RelayHTTPRequest) overlay.RelayHTTPResponse {
	body, err := base64.StdEncoding.DecodeString(req.BodyB64)
	if err != nil {
		return overlay.RelayHTTPResponse{ID: req.ID, Status: 400}
	}
	headers := make(map[string][]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = []string{v}
	}
	resp := h.Handle(ctx, inbound.Request{
		Method:  req.Method,
		Path:    req.Path,
		Query:   req.Query,
		Headers: headers,
		Body:    body,
	})
	return overlay.RelayHTTPResponse{
		ID:      req.ID,
		Status:  resp.Status,
		BodyB64: base64.StdEncoding.EncodeToString(resp.Body),
	}
}

// localActorDocument builds this node's own ActivityStreams actor document,
// used by runServe's bootstrap log line only; the HTTP-facing copy lives in
// internal/api.
func localActorDocument(cfg *config.Config, id *identity.Identity) activitypub.Actor {
	actorURL := fmt.Sprintf("https://%s/users/%s", cfg.Instance.Domain, cfg.Instance.Username)
	sharedInbox := fmt.Sprintf("https://%s/inbox", cfg.Instance.Domain)
	return activitypub.NewActor(actorURL, cfg.Instance.Username, id.PublicPEM, sharedInbox, "")
}
