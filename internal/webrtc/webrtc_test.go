package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfigSetDefaults(t *testing.T) {
	var c Config
	c.setDefaults()
	if c.IdleTTL != defaultIdleTTL {
		t.Errorf("IdleTTL = %v, want %v", c.IdleTTL, defaultIdleTTL)
	}
	if c.ConnectTimeout != defaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", c.ConnectTimeout, defaultConnectTimeout)
	}
}

func TestConfigSetDefaultsClampsOutOfRangeValues(t *testing.T) {
	c := Config{IdleTTL: time.Second, ConnectTimeout: time.Hour}
	c.setDefaults()
	if c.IdleTTL != 30*time.Second {
		t.Errorf("IdleTTL = %v, want clamped to 30s", c.IdleTTL)
	}
	if c.ConnectTimeout != 120*time.Second {
		t.Errorf("ConnectTimeout = %v, want clamped to 120s", c.ConnectTimeout)
	}
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	var msgID [msgIDLen]byte
	for i := range msgID {
		msgID[i] = byte(i)
	}
	payload := []byte("hello world")
	frame := encodeFrame(msgID, 100, 5, payload)

	if frame[0] != frameVersion {
		t.Fatalf("version = %d, want %d", frame[0], frameVersion)
	}
	if !bytes.Equal(frame[1:1+msgIDLen], msgID[:]) {
		t.Fatal("msg_id mismatch")
	}
	gotPayload := frame[frameHeaderLen:]
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestAssemblerReassemblesOutOfOrderChunks(t *testing.T) {
	a := newAssembler()
	var msgID [msgIDLen]byte
	msgID[0] = 7

	full := []byte("the quick brown fox jumps over the lazy dog")
	chunk1 := full[:10]
	chunk2 := full[10:20]
	chunk3 := full[20:]

	f2 := encodeFrame(msgID, uint32(len(full)), 10, chunk2)
	f1 := encodeFrame(msgID, uint32(len(full)), 0, chunk1)
	f3 := encodeFrame(msgID, uint32(len(full)), 20, chunk3)

	if out, err := a.Add(f2); err != nil || out != nil {
		t.Fatalf("first chunk should not complete: out=%v err=%v", out, err)
	}
	if out, err := a.Add(f1); err != nil || out != nil {
		t.Fatalf("second chunk should not complete: out=%v err=%v", out, err)
	}
	out, err := a.Add(f3)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !bytes.Equal(out, full) {
		t.Fatalf("reassembled = %q, want %q", out, full)
	}
}

func TestAssemblerRejectsShortFrame(t *testing.T) {
	a := newAssembler()
	if _, err := a.Add([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a too-short frame")
	}
}

func TestAssemblerRejectsUnknownVersion(t *testing.T) {
	a := newAssembler()
	var msgID [msgIDLen]byte
	frame := encodeFrame(msgID, 5, 0, []byte("hi"))
	frame[0] = 99
	if _, err := a.Add(frame); err == nil {
		t.Fatal("expected an error for an unsupported frame version")
	}
}

func TestAssemblerEvictsOldestWhenOverCapacity(t *testing.T) {
	a := newAssembler()
	// Fill to capacity with incomplete (multi-chunk) assemblies so none
	// reassemble and free a slot on their own.
	for i := 0; i < maxInFlightAssemblies; i++ {
		var msgID [msgIDLen]byte
		msgID[0] = byte(i)
		msgID[1] = byte(i >> 8)
		frame := encodeFrame(msgID, 100, 0, []byte("partial"))
		if _, err := a.Add(frame); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if len(a.order) != maxInFlightAssemblies {
		t.Fatalf("pending count = %d, want %d", len(a.order), maxInFlightAssemblies)
	}

	var overflowID [msgIDLen]byte
	overflowID[0] = 0xff
	overflowID[1] = 0xff
	frame := encodeFrame(overflowID, 100, 0, []byte("partial"))
	if _, err := a.Add(frame); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(a.order) != maxInFlightAssemblies {
		t.Fatalf("pending count after overflow = %d, want %d (oldest should be evicted)", len(a.order), maxInFlightAssemblies)
	}
}

func TestAssemblerHandlesZeroLengthMessage(t *testing.T) {
	a := newAssembler()
	var msgID [msgIDLen]byte
	frame := encodeFrame(msgID, 0, 0, nil)
	out, err := a.Add(frame)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %q", out)
	}
}

// fakeSignalTransport delivers Send calls directly to a paired transport's
// inbox for in-process loopback testing, without a real relay HTTP round trip.
type fakeSignalTransport struct {
	inbox chan Signal
}

func newFakeSignalTransport() *fakeSignalTransport {
	return &fakeSignalTransport{inbox: make(chan Signal, 16)}
}

func (f *fakeSignalTransport) Send(_ context.Context, _ string, sig Signal) error {
	f.inbox <- sig
	return nil
}

func (f *fakeSignalTransport) Poll(_ context.Context, _, _ string) ([]Signal, error) {
	return nil, nil
}

func (f *fakeSignalTransport) Ack(_ context.Context, _, _ string, _ []string) error {
	return nil
}

// TestLoopbackSessionExchangesRequest drives a full offer/answer/candidate
// exchange between two Managers over a local pair of PeerConnections, then
// exercises a WireMsg request/response round trip.
func TestLoopbackSessionExchangesRequest(t *testing.T) {
	clientSignals := newFakeSignalTransport()
	serverSignals := newFakeSignalTransport()

	var serverSession *Session
	server := NewManager(Config{
		Logger:  discardLogger(),
		Signals: serverSignals,
		RequestHandler: func(_ context.Context, method, path string, body json.RawMessage) (int, json.RawMessage) {
			if method != "GET" || path != "/ping" {
				return 400, json.RawMessage(`{"error":"unexpected"}`)
			}
			return 200, json.RawMessage(`{"pong":true}`)
		},
	})
	defer server.Stop()

	client := NewManager(Config{Logger: discardLogger(), Signals: clientSignals})
	defer client.Stop()

	// Pump offer/candidate signals from client -> server, and
	// answer/candidate signals from server -> client, until the test ends.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-clientSignals.inbox:
				if sig.Kind == "offer" {
					ans, err := server.HandleOffer(sig.SessionID, "client-actor", "client-peer", "", sig.SDP)
					if err != nil {
						t.Errorf("HandleOffer: %v", err)
						continue
					}
					serverSession, _ = server.Session(sig.SessionID)
					_ = serverSignals.Send(context.Background(), "", ans)
				} else {
					_ = server.HandleSignal(sig)
				}
			}
		}
	}()
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-serverSignals.inbox:
				_ = client.HandleSignal(sig)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientSession, err := client.Connect(ctx, "server-actor", "server-peer", "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := clientSession.WaitReady(ctx); err != nil {
		t.Fatalf("client session never became ready: %v", err)
	}
	if serverSession == nil {
		t.Fatal("server never recorded an inbound session")
	}
	if err := serverSession.WaitReady(ctx); err != nil {
		t.Fatalf("server session never became ready: %v", err)
	}

	resp, err := client.Request(ctx, clientSession, "GET", "/ping", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	var body struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("unmarshal response body: %v", err)
	}
	if !body.Pong {
		t.Fatal("expected pong=true in response body")
	}
}
