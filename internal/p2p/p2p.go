// Package p2p runs the overlay swarm from spec.md §4.4: a single
// event-loop goroutine owning the libp2p host, DHT, and gossipsub state,
// with gossip publication and DID-record updates arriving over a bounded
// command channel. mDNS handles LAN discovery, Kademlia DHT handles peer/DID
// record storage, gossipsub carries the global feed topic, and a
// request-response protocol relays signed HTTP over the overlay for
// peers that have no public address.
package p2p

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/fedi3/node/internal/httpsig"
	"github.com/fedi3/node/internal/models"
)

const (
	// IdentifyProtocol names this node's identify-wire extension.
	IdentifyProtocol = protocol.ID("/fedi3/identify/1")
	// RelayHTTPProtocol carries length-prefixed JSON request/response
	// frames for peers relaying an HTTP call through this swarm.
	RelayHTTPProtocol = protocol.ID("/fedi3/relay-http/1")
	// GlobalTopic is the gossipsub topic the global feed is published on.
	GlobalTopic = "/fedi3/global/1"

	maxRelayFrameBytes = 2 << 20 // 2 MiB
	maxGossipBytes     = 256 << 10
	mdnsServiceTag      = "fedi3-mdns"
	peerRecordTTL       = 7 * 24 * time.Hour
	peerRecordMaxPeers  = 16
	maxObservedExternal = 8
	maxAddrsTotal       = 32
)

// PeerRecord is published at /fedi3/peer/<peer_id> every 600s and on
// startup, per spec.md §4.4.
type PeerRecord struct {
	PeerID      string   `json:"peer_id"`
	ActorURL    string   `json:"actor_url"`
	Addrs       []string `json:"addrs"`
	UpdatedAtMs int64    `json:"updated_at_ms"`
	V           int      `json:"v"`
}

// DIDPeerEntry is one entry in a DID record's peers vector.
type DIDPeerEntry struct {
	PeerID    string `json:"peer_id"`
	ActorURL  string `json:"actor_url"`
	AddedAtMs int64  `json:"added_at_ms"`
}

// DIDRecord is the value stored at /fedi3/did/<did>.
type DIDRecord struct {
	DID   string         `json:"did"`
	Actor string         `json:"actor,omitempty"`
	Peers []DIDPeerEntry `json:"peers"`
}

// MailboxDispatchFunc hands a decoded mailbox message body to the
// internal activity handler, returning the HTTP-equivalent status the
// handler produced so the poll loop knows whether to ack the message.
type MailboxDispatchFunc func(ctx context.Context, body []byte) int

// MailboxDedupFunc performs the transactional compare-and-set
// `mark_inbox_seen` check for a mailbox message's dedup key, returning
// true when the key was not previously seen (i.e. the message is new).
type MailboxDedupFunc func(ctx context.Context, dedupKey string, nowMs int64) (bool, error)

// MailboxTargetsFunc returns the current set of relay peers to poll,
// re-read each cycle so newly learned mailbox targets are picked up
// without restarting the swarm.
type MailboxTargetsFunc func(ctx context.Context) ([]models.MailboxTarget, error)

// Config configures the swarm.
type Config struct {
	Logger         *slog.Logger
	KeyFile        string
	ListenAddrs    []string
	RelayAddrs     []string
	ForceRelayOnly bool
	AutoForceRelayOnly bool
	IPv4Only       bool
	SelfActorURL   string
	MailboxPollInterval time.Duration
	MailboxTargets      MailboxTargetsFunc
	MailboxDedup        MailboxDedupFunc
	MailboxDispatch     MailboxDispatchFunc
	MailboxClient       *http.Client
	MailboxPrivateKey   *rsa.PrivateKey
	MailboxKeyID        string
	RelayHTTPHandler    func(ctx context.Context, req RelayHTTPRequest) RelayHTTPResponse
	GossipHandler       func(ctx context.Context, data []byte, from peer.ID)
}

func (c *Config) setDefaults() {
	if c.MailboxPollInterval <= 0 {
		c.MailboxPollInterval = 15 * time.Second
	}
	if c.MailboxPollInterval < 5*time.Second {
		c.MailboxPollInterval = 5 * time.Second
	}
	if c.MailboxPollInterval > 300*time.Second {
		c.MailboxPollInterval = 300 * time.Second
	}
	if c.MailboxClient == nil {
		c.MailboxClient = &http.Client{Timeout: 20 * time.Second}
	}
}

// command is a unit of work submitted to the swarm's owning goroutine.
type command struct {
	run  func(ctx context.Context)
	done chan struct{}
}

// Manager owns the libp2p host, DHT, and gossipsub state behind a single
// event-loop goroutine; PublishGlobal and UpsertDIDRecord hand their work
// to that goroutine over cmdCh, while HostID, ResolveDIDRecord,
// AddPeerAddrs and DialRelayHTTP use the host and DHT directly from the
// caller's goroutine.
type Manager struct {
	cfg    Config
	host   host.Host
	dht    *dht.IpfsDHT
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	cmdCh  chan command
	stopCh chan struct{}
	doneCh chan struct{}

	mu               sync.RWMutex
	reachablePrivate bool
	observedExternal []string
}

// New constructs a Manager and its libp2p host but does not start the
// event loop; call Process to run it.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	cfg.setDefaults()

	priv, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading node identity: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
		libp2p.EnableNATService(),
	}
	for _, a := range cfg.ListenAddrs {
		opts = append(opts, libp2p.ListenAddrStrings(a))
	}
	for _, r := range cfg.RelayAddrs {
		addr, err := ma.NewMultiaddr(r + "/p2p-circuit")
		if err != nil {
			cfg.Logger.Warn("skipping malformed relay reservation address", "addr", r, "error", err)
			continue
		}
		opts = append(opts, libp2p.ListenAddrs(addr))
	}
	if cfg.ForceRelayOnly {
		opts = append(opts, libp2p.ForceReachabilityPrivate())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("constructing libp2p host: %w", err)
	}

	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto), dht.NamespacedValidator("fedi3", fedi3Validator{}))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("constructing kademlia DHT: %w", err)
	}
	if err := kadDHT.Bootstrap(ctx); err != nil {
		cfg.Logger.Warn("dht bootstrap returned an error, continuing", "error", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMaxMessageSize(maxGossipBytes),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("constructing gossipsub: %w", err)
	}
	topic, err := ps.Join(GlobalTopic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("joining global topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("subscribing to global topic: %w", err)
	}

	m := &Manager{
		cfg:    cfg,
		host:   h,
		dht:    kadDHT,
		ps:     ps,
		topic:  topic,
		sub:    sub,
		cmdCh:  make(chan command, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	h.SetStreamHandler(RelayHTTPProtocol, m.handleRelayHTTPStream)

	mdnsSvc := mdns.NewMdnsService(h, mdnsServiceTag, mdnsNotifee{host: h, logger: cfg.Logger})
	if err := mdnsSvc.Start(); err != nil {
		cfg.Logger.Warn("mdns discovery failed to start", "error", err)
	}

	return m, nil
}

// loadOrCreateKey loads a persistent Ed25519 identity from keyFile,
// generating and saving a new one on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, fmt.Errorf("saving identity key: %w", err)
	}
	return priv, nil
}

type mdnsNotifee struct {
	host   host.Host
	logger *slog.Logger
}

func (n mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		n.logger.Debug("mdns peer connect failed", "peer", pi.ID.String(), "error", err)
	}
}

// Process runs the swarm's event loop: periodic peer-record publication,
// DHT peer discovery advertisement, gossip ingestion, and draining the
// command channel. It returns when ctx is cancelled or Stop is called.
func (m *Manager) Process(ctx context.Context) error {
	defer close(m.doneCh)

	m.publishPeerRecord(ctx)

	routingDiscovery := drouting.NewRoutingDiscovery(m.dht)
	dutil.Advertise(ctx, routingDiscovery, "fedi3-global")

	recordTicker := time.NewTicker(600 * time.Second)
	defer recordTicker.Stop()

	mailboxTicker := time.NewTicker(m.cfg.MailboxPollInterval)
	defer mailboxTicker.Stop()

	go m.gossipLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case cmd := <-m.cmdCh:
			cmd.run(ctx)
			close(cmd.done)
		case <-recordTicker.C:
			m.publishPeerRecord(ctx)
		case <-mailboxTicker.C:
			m.pollMailboxes(ctx)
		}
	}
}

// Stop signals Process to return; it satisfies core.Stoppable.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.sub.Cancel()
	m.dht.Close()
	m.host.Close()
}

// submit hands fn to the owning goroutine and blocks until it runs.
func (m *Manager) submit(ctx context.Context, fn func(ctx context.Context)) {
	cmd := command{run: fn, done: make(chan struct{})}
	select {
	case m.cmdCh <- cmd:
	case <-ctx.Done():
		return
	}
	select {
	case <-cmd.done:
	case <-ctx.Done():
	}
}

// HostID returns this node's peer ID.
func (m *Manager) HostID() peer.ID {
	return m.host.ID()
}

func (m *Manager) gossipLoop(ctx context.Context) {
	for {
		msg, err := m.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == m.host.ID() {
			continue
		}
		if m.cfg.GossipHandler != nil {
			m.cfg.GossipHandler(ctx, msg.Data, msg.ReceivedFrom)
		}
	}
}

// mailboxMessage is one stored envelope a relay peer returns from
// /.fedi3/mailbox/poll.
type mailboxMessage struct {
	MsgID string          `json:"msg_id"`
	Body  json.RawMessage `json:"body"`
}

type mailboxPollResponse struct {
	Messages []mailboxMessage `json:"messages"`
}

type mailboxAckRequest struct {
	IDs []string `json:"ids"`
}

// pollMailboxes runs one store-and-forward pickup pass over every
// configured mailbox target, per spec.md §4.4: poll, dedup by
// urn:fedi3:mbx:<msg_id>, dispatch new messages to the internal handler,
// and ack whichever ones the handler accepted (2xx/202).
func (m *Manager) pollMailboxes(ctx context.Context) {
	if m.cfg.MailboxTargets == nil || m.cfg.MailboxDispatch == nil {
		return
	}
	targets, err := m.cfg.MailboxTargets(ctx)
	if err != nil {
		m.cfg.Logger.Warn("listing mailbox targets failed", "error", err)
		return
	}
	for _, t := range targets {
		m.pollOneMailbox(ctx, t)
	}
}

func (m *Manager) pollOneMailbox(ctx context.Context, target models.MailboxTarget) {
	resp, err := m.mailboxPoll(ctx, target)
	if err != nil {
		m.cfg.Logger.Debug("mailbox poll failed", "target", target.Base, "error", err)
		return
	}

	var acked []string
	for _, msg := range resp.Messages {
		if msg.MsgID == "" {
			continue
		}
		dedupKey := "urn:fedi3:mbx:" + msg.MsgID
		if m.cfg.MailboxDedup != nil {
			isNew, err := m.cfg.MailboxDedup(ctx, dedupKey, time.Now().UnixMilli())
			if err != nil {
				m.cfg.Logger.Warn("mailbox dedup check failed", "msg_id", msg.MsgID, "error", err)
				continue
			}
			if !isNew {
				acked = append(acked, msg.MsgID)
				continue
			}
		}
		status := m.cfg.MailboxDispatch(ctx, msg.Body)
		if status == 202 || (status >= 200 && status < 300) {
			acked = append(acked, msg.MsgID)
		}
	}
	if len(acked) == 0 {
		return
	}
	if err := m.mailboxAck(ctx, target, acked); err != nil {
		m.cfg.Logger.Warn("mailbox ack failed", "target", target.Base, "error", err)
	}
}

func (m *Manager) mailboxPoll(ctx context.Context, target models.MailboxTarget) (mailboxPollResponse, error) {
	endpoint := strings.TrimSuffix(target.Base, "/") + "/.fedi3/mailbox/poll"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(nil))
	if err != nil {
		return mailboxPollResponse{}, err
	}
	if err := m.signMailboxRequest(req, nil); err != nil {
		return mailboxPollResponse{}, err
	}
	httpResp, err := m.cfg.MailboxClient.Do(req)
	if err != nil {
		return mailboxPollResponse{}, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return mailboxPollResponse{}, fmt.Errorf("mailbox poll returned status %d", httpResp.StatusCode)
	}
	var out mailboxPollResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return mailboxPollResponse{}, fmt.Errorf("decoding mailbox poll response: %w", err)
	}
	return out, nil
}

func (m *Manager) mailboxAck(ctx context.Context, target models.MailboxTarget, ids []string) error {
	payload, err := json.Marshal(mailboxAckRequest{IDs: ids})
	if err != nil {
		return err
	}
	endpoint := strings.TrimSuffix(target.Base, "/") + "/.fedi3/mailbox/ack"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := m.signMailboxRequest(req, payload); err != nil {
		return err
	}
	httpResp, err := m.cfg.MailboxClient.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	return nil
}

// signMailboxRequest HTTP-signs a request to a mailbox target, mirroring
// delivery.RelayMailboxTransport's own signed-put request.
func (m *Manager) signMailboxRequest(req *http.Request, body []byte) error {
	if m.cfg.MailboxPrivateKey == nil {
		return nil
	}
	return httpsig.Sign(req, m.cfg.MailboxPrivateKey, m.cfg.MailboxKeyID, body, httpsig.DefaultSignedHeaders)
}

// PublishGlobal publishes data to the global gossipsub topic, handing
// the call to the swarm's owning goroutine so topic state is only ever
// touched from one place.
func (m *Manager) PublishGlobal(ctx context.Context, data []byte) error {
	if len(data) > maxGossipBytes {
		return fmt.Errorf("gossip payload %d bytes exceeds %d byte limit", len(data), maxGossipBytes)
	}
	var publishErr error
	m.submit(ctx, func(ctx context.Context) {
		publishErr = m.topic.Publish(ctx, data)
	})
	return publishErr
}

// publishPeerRecord writes this node's PeerRecord to
// /fedi3/peer/<peer_id>, using relay-circuit-only addresses in
// relay-only mode and otherwise relay-circuit plus up to
// maxObservedExternal AutoNAT-observed externals, capped at
// maxAddrsTotal total, sorted and deduplicated.
func (m *Manager) publishPeerRecord(ctx context.Context) {
	addrs := m.advertisedAddrs()
	rec := PeerRecord{
		PeerID:      m.host.ID().String(),
		ActorURL:    m.cfg.SelfActorURL,
		Addrs:       addrs,
		UpdatedAtMs: time.Now().UnixMilli(),
		V:           1,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		m.cfg.Logger.Error("marshaling peer record failed", "error", err)
		return
	}
	key := "/fedi3/peer/" + m.host.ID().String()
	if err := m.dht.PutValue(ctx, key, data); err != nil {
		m.cfg.Logger.Warn("publishing peer record failed", "error", err)
	}
}

func (m *Manager) advertisedAddrs() []string {
	var out []string
	relayOnly := m.cfg.ForceRelayOnly || m.isRelayPreferred()

	for _, a := range m.host.Addrs() {
		if relayOnly && !isCircuitAddr(a) {
			continue
		}
		out = append(out, a.String())
	}
	if !relayOnly {
		m.mu.RLock()
		extras := append([]string(nil), m.observedExternal...)
		m.mu.RUnlock()
		if len(extras) > maxObservedExternal {
			extras = extras[:maxObservedExternal]
		}
		out = append(out, extras...)
	}

	sort.Strings(out)
	out = dedup(out)
	if len(out) > maxAddrsTotal {
		out = out[:maxAddrsTotal]
	}
	return out
}

func (m *Manager) isRelayPreferred() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.AutoForceRelayOnly && m.reachablePrivate
}

// SetReachability records the swarm's latest AutoNAT-observed
// reachability; when auto_force_relay_only is configured, non-public
// reachability switches peer-record publication to relay-preferred mode
// until status returns to public.
func (m *Manager) SetReachability(private bool) {
	m.mu.Lock()
	m.reachablePrivate = private
	if private {
		m.observedExternal = nil
	}
	m.mu.Unlock()
}

// AddObservedExternal records an AutoNAT-observed external address for
// inclusion in future peer records.
func (m *Manager) AddObservedExternal(addr string) {
	m.mu.Lock()
	m.observedExternal = append(m.observedExternal, addr)
	m.mu.Unlock()
}

func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

func dedup(in []string) []string {
	out := in[:0]
	var last string
	for i, s := range in {
		if i == 0 || s != last {
			out = append(out, s)
		}
		last = s
	}
	return out
}

// UpsertDIDRecord performs the read-modify-write update from spec.md
// §4.4: fetch /fedi3/did/<did>, merge-upsert self into the peers
// vector (expiring entries older than peerRecordTTL, sorting,
// deduplicating, and truncating to peerRecordMaxPeers), preserve
// actor unless the existing record is stale with no peers, and write
// back with Quorum=One.
func (m *Manager) UpsertDIDRecord(ctx context.Context, did, selfActorURL string) error {
	var upsertErr error
	m.submit(ctx, func(ctx context.Context) {
		upsertErr = m.upsertDIDRecordLocked(ctx, did, selfActorURL)
	})
	return upsertErr
}

// upsertDIDRecordLocked runs on the swarm's owning goroutine, submitted
// via UpsertDIDRecord, so it never runs concurrently with
// publishPeerRecord; ResolveDIDRecord reads the same DHT key from its
// caller's goroutine.
func (m *Manager) upsertDIDRecordLocked(ctx context.Context, did, selfActorURL string) error {
	key := "/fedi3/did/" + did
	var rec DIDRecord
	raw, err := m.dht.GetValue(ctx, key)
	if err == nil {
		if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil {
			rec.DID = did
		}
	} else {
		rec = DIDRecord{DID: did}
	}

	nowMs := time.Now().UnixMilli()
	cutoff := nowMs - peerRecordTTL.Milliseconds()

	fresh := rec.Peers[:0]
	selfFound := false
	for _, p := range rec.Peers {
		if p.AddedAtMs < cutoff {
			continue
		}
		if p.PeerID == m.host.ID().String() {
			p.ActorURL = selfActorURL
			p.AddedAtMs = nowMs
			selfFound = true
		}
		fresh = append(fresh, p)
	}
	if !selfFound {
		fresh = append(fresh, DIDPeerEntry{
			PeerID:    m.host.ID().String(),
			ActorURL:  selfActorURL,
			AddedAtMs: nowMs,
		})
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].PeerID < fresh[j].PeerID })
	uniq := fresh[:0]
	for _, p := range fresh {
		if len(uniq) > 0 && uniq[len(uniq)-1].PeerID == p.PeerID {
			continue
		}
		uniq = append(uniq, p)
	}
	fresh = uniq
	if len(fresh) > peerRecordMaxPeers {
		fresh = fresh[len(fresh)-peerRecordMaxPeers:]
	}
	rec.Peers = fresh

	if rec.Actor == "" || len(rec.Peers) == 0 {
		rec.Actor = selfActorURL
	}

	out, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling DID record: %w", err)
	}
	if err := m.dht.PutValue(ctx, key, out, routing.Quorum(1)); err != nil {
		return fmt.Errorf("writing DID record: %w", err)
	}
	return nil
}

// ResolveDIDRecord reads /fedi3/did/<did> without modifying it, for the
// device sync worker's periodic discovery of this DID's other devices.
func (m *Manager) ResolveDIDRecord(ctx context.Context, did string) (DIDRecord, bool, error) {
	raw, err := m.dht.GetValue(ctx, "/fedi3/did/"+did)
	if err != nil {
		return DIDRecord{}, false, nil
	}
	var rec DIDRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return DIDRecord{}, false, fmt.Errorf("parsing DID record: %w", err)
	}
	return rec, true, nil
}

// AddPeerAddrs teaches the host's peerstore about addrs for peerID so a
// later DialRelayHTTP can reach it without first round-tripping through
// mDNS or the DHT's own provider records.
func (m *Manager) AddPeerAddrs(peerID peer.ID, addrs []string) {
	var parsed []ma.Multiaddr
	for _, a := range addrs {
		if addr, err := ma.NewMultiaddr(a); err == nil {
			parsed = append(parsed, addr)
		}
	}
	if len(parsed) == 0 {
		return
	}
	m.host.Peerstore().AddAddrs(peerID, parsed, peerRecordTTL)
}

// RelayHTTPRequest mirrors spec.md §6's wire shape for the relay-http
// protocol.
type RelayHTTPRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   string            `json:"query"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body_b64"`
}

// RelayHTTPResponse mirrors spec.md §6's wire shape for the relay-http
// protocol.
type RelayHTTPResponse struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body_b64"`
}

// handleRelayHTTPStream serves one /fedi3/relay-http/1 stream: read a
// single length-prefixed JSON request frame, dispatch to
// Config.RelayHTTPHandler, write back the response frame.
func (m *Manager) handleRelayHTTPStream(s network.Stream) {
	defer s.Close()
	req, err := readRelayFrame[RelayHTTPRequest](s)
	if err != nil {
		m.cfg.Logger.Debug("relay-http stream read failed", "error", err)
		return
	}
	if m.cfg.RelayHTTPHandler == nil {
		return
	}
	resp := m.cfg.RelayHTTPHandler(context.Background(), req)
	if err := writeRelayFrame(s, resp); err != nil {
		m.cfg.Logger.Debug("relay-http stream write failed", "error", err)
	}
}

// DialRelayHTTP opens a /fedi3/relay-http/1 stream to target and
// exchanges a single request/response frame pair.
func (m *Manager) DialRelayHTTP(ctx context.Context, target peer.ID, req RelayHTTPRequest) (RelayHTTPResponse, error) {
	s, err := m.host.NewStream(ctx, target, RelayHTTPProtocol)
	if err != nil {
		return RelayHTTPResponse{}, fmt.Errorf("opening relay-http stream to %s: %w", target, err)
	}
	defer s.Close()

	if err := writeRelayFrame(s, req); err != nil {
		return RelayHTTPResponse{}, fmt.Errorf("writing relay-http request: %w", err)
	}
	resp, err := readRelayFrame[RelayHTTPResponse](s)
	if err != nil {
		return RelayHTTPResponse{}, fmt.Errorf("reading relay-http response: %w", err)
	}
	return resp, nil
}

// writeRelayFrame writes v as a big-endian-u32-length-prefixed JSON
// frame, per spec.md §6.
func writeRelayFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > maxRelayFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds %d byte limit", len(data), maxRelayFrameBytes)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// readRelayFrame reads a single length-prefixed JSON frame into a T.
func readRelayFrame[T any](r io.Reader) (T, error) {
	var zero T
	br := bufio.NewReader(r)
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return zero, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxRelayFrameBytes {
		return zero, fmt.Errorf("frame of %d bytes exceeds %d byte limit", n, maxRelayFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(buf, &v); err != nil {
		return zero, err
	}
	return v, nil
}

// fedi3Validator accepts any record under the "fedi3" DHT namespace;
// both /fedi3/peer/<id> and /fedi3/did/<did> keys validate and select
// by last-write (the DHT's default Select behavior when none is
// registered would reject records entirely, so an explicit
// always-valid, always-select-newest validator is required).
type fedi3Validator struct{}

func (fedi3Validator) Validate(key string, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("empty record value for key %q", key)
	}
	return nil
}

func (fedi3Validator) Select(key string, values [][]byte) (int, error) {
	best := 0
	var bestUpdated int64
	for i, v := range values {
		var withTime struct {
			UpdatedAtMs int64 `json:"updated_at_ms"`
		}
		if err := json.Unmarshal(v, &withTime); err == nil && withTime.UpdatedAtMs > bestUpdated {
			bestUpdated = withTime.UpdatedAtMs
			best = i
		}
	}
	return best, nil
}
