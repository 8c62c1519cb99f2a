// Package webrtc implements the WebRTC fallback transport from
// spec.md §4.5: peer connections signaled over the relay using signed
// HTTP (/_fedi3/webrtc/{send,poll,ack}), carrying chunked WireMsg
// request/response frames over a single data channel once established.
package webrtc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// DataChannelLabel is the single data channel every session opens.
	DataChannelLabel = "fedi3"

	frameVersion      = 1
	msgIDLen          = 16
	frameHeaderLen    = 1 + msgIDLen + 4 + 4
	maxChunkPayload   = 12 << 10
	maxDCMessageBytes = 16 << 10

	defaultIdleTTL         = 300 * time.Second
	defaultConnectTimeout  = 20 * time.Second
	assemblyTTL            = 60 * time.Second
	maxInFlightAssemblies  = 64
)

func clampDuration(d, lo, hi, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Signal is the JSON payload exchanged over /_fedi3/webrtc/{send,poll,ack}.
// ID identifies this specific queued signal for Ack, distinct from
// SessionID which identifies the WebRTC session it belongs to.
type Signal struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"` // offer | answer | candidate
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// SignalTransport abstracts the relay-HTTP signaling calls so Manager
// doesn't depend directly on an HTTP client or the p2p relay protocol.
type SignalTransport interface {
	Send(ctx context.Context, remoteRelayBase string, sig Signal) error
	Poll(ctx context.Context, remoteRelayBase, sessionID string) ([]Signal, error)
	Ack(ctx context.Context, remoteRelayBase, sessionID string, signalIDs []string) error
}

// WireMsg is the logical message exchanged over the data channel once
// open: a request awaiting a correlated response, or the response
// itself.
type WireMsg struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"` // req | resp
	Method string          `json:"method,omitempty"`
	Path   string          `json:"path,omitempty"`
	Status int             `json:"status,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Session tracks one WebRTC peer connection and its pending
// request/response correlation state.
type Session struct {
	SessionID       string
	RemoteActor     string
	RemotePeerID    string
	RemoteRelayBase string
	PC              *webrtc.PeerConnection
	DC              *webrtc.DataChannel

	lastUsedMs int64

	mu        sync.Mutex
	pending   map[string]chan WireMsg
	assembler *assembler
	readyCh   chan struct{}
	readyOnce sync.Once
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitReady blocks until the session's data channel reports open, or ctx
// is done.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) touch() {
	s.lastUsedMs = time.Now().UnixMilli()
}

// Config configures a Manager.
type Config struct {
	Logger         *slog.Logger
	ICEServers     []webrtc.ICEServer
	IdleTTL        time.Duration
	ConnectTimeout time.Duration
	Signals        SignalTransport
	// Mailbox queues signals addressed to a session this manager doesn't
	// know about yet (candidates that raced the offer/answer exchange),
	// for a remote peer's own poll against this node's HandleSend route.
	Mailbox *Mailbox
	// RequestHandler serves inbound WireMsg requests arriving over a
	// data channel, returning the response body and status.
	RequestHandler func(ctx context.Context, method, path string, body json.RawMessage) (status int, respBody json.RawMessage)
}

func (c *Config) setDefaults() {
	c.IdleTTL = clampDuration(c.IdleTTL, 30*time.Second, 3600*time.Second, defaultIdleTTL)
	c.ConnectTimeout = clampDuration(c.ConnectTimeout, 5*time.Second, 120*time.Second, defaultConnectTimeout)
}

// Manager owns all active WebRTC sessions.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	// pendingCandidates buffers ICE candidates that arrived for a
	// session not yet known locally (e.g. raced with the offer/answer
	// exchange).
	pendingCandidates map[string][]string

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager builds a Manager, applying default tunables for anything unset.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:               cfg,
		sessions:          make(map[string]*Session),
		pendingCandidates: make(map[string][]string),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// Process runs the idle-session reaper until ctx is cancelled or Stop
// is called.
func (m *Manager) Process(ctx context.Context) error {
	defer close(m.doneCh)
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case <-t.C:
			m.reapIdleSessions()
		}
	}
}

// Stop signals Process to return; it satisfies core.Stoppable.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.PC.Close()
	}
	m.sessions = make(map[string]*Session)
}

func (m *Manager) reapIdleSessions() {
	cutoff := time.Now().Add(-m.cfg.IdleTTL).UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.lastUsedMs < cutoff {
			s.PC.Close()
			delete(m.sessions, id)
			m.cfg.Logger.Debug("webrtc session reaped for idleness", "session_id", id)
		}
	}
}

func newSessionID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// Connect opens a new outbound session to a remote actor: creates the
// peer connection and data channel, creates an offer, and sends it over
// the relay, then waits up to ConnectTimeout for the data channel to
// report open. The returned Session is ready for Request; on timeout the
// peer connection is closed and an error is returned.
func (m *Manager) Connect(ctx context.Context, remoteActor, remotePeerID, remoteRelayBase string) (*Session, error) {
	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	sessionID := newSessionID()
	sess := &Session{
		SessionID:       sessionID,
		RemoteActor:     remoteActor,
		RemotePeerID:    remotePeerID,
		RemoteRelayBase: remoteRelayBase,
		PC:              pc,
		pending:         make(map[string]chan WireMsg),
		assembler:       newAssembler(),
		readyCh:         make(chan struct{}),
	}
	sess.touch()

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	sess.DC = dc
	m.wireDataChannel(sess, dc)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.sendSignal(context.Background(), sess, Signal{SessionID: sessionID, Kind: "candidate", Candidate: c.ToJSON().Candidate})
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("setting local description: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	for _, cand := range m.pendingCandidates[sessionID] {
		_ = pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: cand})
	}
	delete(m.pendingCandidates, sessionID)
	m.mu.Unlock()

	if err := m.cfg.Signals.Send(connectCtx, remoteRelayBase, Signal{SessionID: sessionID, Kind: "offer", SDP: offer.SDP}); err != nil {
		pc.Close()
		m.removeSession(sessionID)
		return nil, fmt.Errorf("sending offer: %w", err)
	}

	if err := sess.WaitReady(connectCtx); err != nil {
		pc.Close()
		m.removeSession(sessionID)
		return nil, fmt.Errorf("waiting for data channel to open: %w", err)
	}

	return sess, nil
}

// PollSignals polls the remote relay for signals addressed to
// sess.SessionID on a fixed interval, applying each via HandleSignal and
// acking it so it isn't redelivered. It runs until ctx is done.
func (m *Manager) PollSignals(ctx context.Context, sess *Session, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sigs, err := m.cfg.Signals.Poll(ctx, sess.RemoteRelayBase, sess.SessionID)
			if err != nil {
				m.cfg.Logger.Warn("polling webrtc signals failed", "session_id", sess.SessionID, "error", err)
				continue
			}
			if len(sigs) == 0 {
				continue
			}
			acked := make([]string, 0, len(sigs))
			for _, sig := range sigs {
				if err := m.HandleSignal(sig); err != nil {
					m.cfg.Logger.Warn("applying webrtc signal failed", "session_id", sess.SessionID, "kind", sig.Kind, "error", err)
					continue
				}
				if sig.ID != "" {
					acked = append(acked, sig.ID)
				}
			}
			if len(acked) > 0 {
				if err := m.cfg.Signals.Ack(ctx, sess.RemoteRelayBase, sess.SessionID, acked); err != nil {
					m.cfg.Logger.Warn("acking webrtc signals failed", "session_id", sess.SessionID, "error", err)
				}
			}
		}
	}
}

// Session looks up an active session by ID.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) sendSignal(ctx context.Context, sess *Session, sig Signal) {
	if err := m.cfg.Signals.Send(ctx, sess.RemoteRelayBase, sig); err != nil {
		m.cfg.Logger.Warn("sending webrtc signal failed", "session_id", sess.SessionID, "kind", sig.Kind, "error", err)
	}
}

// HandleSignal applies an inbound answer or candidate signal to its
// session, buffering candidates whose session isn't known yet.
func (m *Manager) HandleSignal(sig Signal) error {
	m.mu.Lock()
	sess, ok := m.sessions[sig.SessionID]
	m.mu.Unlock()

	switch sig.Kind {
	case "answer":
		if !ok {
			return fmt.Errorf("answer for unknown session %s", sig.SessionID)
		}
		return sess.PC.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP})
	case "candidate":
		if !ok {
			m.mu.Lock()
			m.pendingCandidates[sig.SessionID] = append(m.pendingCandidates[sig.SessionID], sig.Candidate)
			m.mu.Unlock()
			return nil
		}
		return sess.PC.AddICECandidate(webrtc.ICECandidateInit{Candidate: sig.Candidate})
	default:
		return fmt.Errorf("unexpected signal kind %q", sig.Kind)
	}
}

// HandleOffer accepts an inbound offer, creating a new inbound Session
// and returning the answer signal to send back.
func (m *Manager) HandleOffer(sessionID, remoteActor, remotePeerID, remoteRelayBase, sdp string) (Signal, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return Signal{}, fmt.Errorf("creating peer connection: %w", err)
	}

	sess := &Session{
		SessionID:       sessionID,
		RemoteActor:     remoteActor,
		RemotePeerID:    remotePeerID,
		RemoteRelayBase: remoteRelayBase,
		PC:              pc,
		pending:         make(map[string]chan WireMsg),
		assembler:       newAssembler(),
		readyCh:         make(chan struct{}),
	}
	sess.touch()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		sess.DC = dc
		m.wireDataChannel(sess, dc)
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.sendSignal(context.Background(), sess, Signal{SessionID: sessionID, Kind: "candidate", Candidate: c.ToJSON().Candidate})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		pc.Close()
		return Signal{}, fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return Signal{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return Signal{}, fmt.Errorf("setting local description: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	for _, cand := range m.pendingCandidates[sessionID] {
		_ = pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: cand})
	}
	delete(m.pendingCandidates, sessionID)
	m.mu.Unlock()

	return Signal{SessionID: sessionID, Kind: "answer", SDP: answer.SDP}, nil
}

func (m *Manager) wireDataChannel(sess *Session, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		sess.touch()
		sess.markReady()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		sess.touch()
		complete, err := sess.assembler.Add(msg.Data)
		if err != nil {
			m.cfg.Logger.Warn("discarding malformed webrtc frame", "session_id", sess.SessionID, "error", err)
			return
		}
		if complete == nil {
			return
		}
		var wm WireMsg
		if err := json.Unmarshal(complete, &wm); err != nil {
			m.cfg.Logger.Warn("discarding malformed webrtc wire message", "session_id", sess.SessionID, "error", err)
			return
		}
		m.dispatch(sess, wm)
	})
}

func (m *Manager) dispatch(sess *Session, wm WireMsg) {
	switch wm.Kind {
	case "resp":
		sess.mu.Lock()
		ch, ok := sess.pending[wm.ID]
		if ok {
			delete(sess.pending, wm.ID)
		}
		sess.mu.Unlock()
		if ok {
			ch <- wm
		}
	case "req":
		if m.cfg.RequestHandler == nil {
			return
		}
		status, body := m.cfg.RequestHandler(context.Background(), wm.Method, wm.Path, wm.Body)
		resp := WireMsg{ID: wm.ID, Kind: "resp", Status: status, Body: body}
		if err := sendWireMsg(sess.DC, resp); err != nil {
			m.cfg.Logger.Warn("sending webrtc response failed", "session_id", sess.SessionID, "error", err)
		}
	}
}

// Request sends method/path/body as a WireMsg request over sess's data
// channel and blocks until the correlated response arrives or ctx is
// done.
func (m *Manager) Request(ctx context.Context, sess *Session, method, path string, body json.RawMessage) (WireMsg, error) {
	id := newSessionID()
	ch := make(chan WireMsg, 1)
	sess.mu.Lock()
	sess.pending[id] = ch
	sess.mu.Unlock()

	req := WireMsg{ID: id, Kind: "req", Method: method, Path: path, Body: body}
	if err := sendWireMsg(sess.DC, req); err != nil {
		sess.mu.Lock()
		delete(sess.pending, id)
		sess.mu.Unlock()
		return WireMsg{}, fmt.Errorf("sending request: %w", err)
	}

	select {
	case resp := <-ch:
		sess.touch()
		return resp, nil
	case <-ctx.Done():
		sess.mu.Lock()
		delete(sess.pending, id)
		sess.mu.Unlock()
		return WireMsg{}, ctx.Err()
	}
}

// sendWireMsg marshals wm to JSON, chunks it per spec.md §4.5's framing,
// and writes each frame to dc in order.
func sendWireMsg(dc *webrtc.DataChannel, wm WireMsg) error {
	data, err := json.Marshal(wm)
	if err != nil {
		return err
	}
	var msgID [msgIDLen]byte
	_, _ = rand.Read(msgID[:])

	totalLen := uint32(len(data))
	for offset := uint32(0); offset < totalLen || totalLen == 0; offset += maxChunkPayload {
		end := offset + maxChunkPayload
		if end > totalLen {
			end = totalLen
		}
		frame := encodeFrame(msgID, totalLen, offset, data[offset:end])
		if err := dc.Send(frame); err != nil {
			return err
		}
		if totalLen == 0 {
			break
		}
	}
	return nil
}

// encodeFrame builds [version=1][msg_id(16)][total_len LE u32][offset LE
// u32][payload].
func encodeFrame(msgID [msgIDLen]byte, totalLen, offset uint32, payload []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = frameVersion
	copy(buf[1:1+msgIDLen], msgID[:])
	binary.LittleEndian.PutUint32(buf[1+msgIDLen:], totalLen)
	binary.LittleEndian.PutUint32(buf[1+msgIDLen+4:], offset)
	copy(buf[frameHeaderLen:], payload)
	return buf
}

// pendingAssembly accumulates chunks for one in-flight msg_id.
type pendingAssembly struct {
	total      uint32
	received   map[uint32][]byte
	receivedSz uint32
	startedAt  time.Time
}

// assembler reassembles chunked WireMsg frames by msg_id, evicting
// assemblies older than assemblyTTL and capping in-flight assemblies at
// maxInFlightAssemblies (evicting the oldest on overflow).
type assembler struct {
	mu      sync.Mutex
	pending map[string]*pendingAssembly
	order   []string
}

func newAssembler() *assembler {
	return &assembler{pending: make(map[string]*pendingAssembly)}
}

// Add ingests one frame and returns the fully reassembled payload once
// every chunk for its msg_id has arrived, or nil if more chunks are
// still expected.
func (a *assembler) Add(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderLen {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if frame[0] != frameVersion {
		return nil, fmt.Errorf("unsupported frame version %d", frame[0])
	}
	msgID := string(frame[1 : 1+msgIDLen])
	totalLen := binary.LittleEndian.Uint32(frame[1+msgIDLen:])
	offset := binary.LittleEndian.Uint32(frame[1+msgIDLen+4:])
	payload := frame[frameHeaderLen:]

	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictExpiredLocked()

	pa, ok := a.pending[msgID]
	if !ok {
		if len(a.order) >= maxInFlightAssemblies {
			a.evictOldestLocked()
		}
		pa = &pendingAssembly{total: totalLen, received: make(map[uint32][]byte), startedAt: time.Now()}
		a.pending[msgID] = pa
		a.order = append(a.order, msgID)
	}
	if _, dup := pa.received[offset]; !dup {
		pa.received[offset] = payload
		pa.receivedSz += uint32(len(payload))
	}

	if pa.total == 0 || pa.receivedSz >= pa.total {
		out := reassemble(pa)
		delete(a.pending, msgID)
		a.order = removeFromOrder(a.order, msgID)
		return out, nil
	}
	return nil, nil
}

func reassemble(pa *pendingAssembly) []byte {
	var buf bytes.Buffer
	offsets := make([]uint32, 0, len(pa.received))
	for off := range pa.received {
		offsets = append(offsets, off)
	}
	for i := 0; i < len(offsets); i++ {
		for j := i + 1; j < len(offsets); j++ {
			if offsets[j] < offsets[i] {
				offsets[i], offsets[j] = offsets[j], offsets[i]
			}
		}
	}
	for _, off := range offsets {
		buf.Write(pa.received[off])
	}
	return buf.Bytes()
}

func (a *assembler) evictExpiredLocked() {
	cutoff := time.Now().Add(-assemblyTTL)
	var kept []string
	for _, id := range a.order {
		if pa, ok := a.pending[id]; ok && pa.startedAt.Before(cutoff) {
			delete(a.pending, id)
			continue
		}
		kept = append(kept, id)
	}
	a.order = kept
}

func (a *assembler) evictOldestLocked() {
	if len(a.order) == 0 {
		return
	}
	oldest := a.order[0]
	delete(a.pending, oldest)
	a.order = a.order[1:]
}

func removeFromOrder(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
