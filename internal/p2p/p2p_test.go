package p2p

import (
	"bytes"
	"testing"
)

func TestDedupRemovesAdjacentDuplicatesFromSortedInput(t *testing.T) {
	in := []string{"a", "a", "b", "c", "c", "c"}
	got := dedup(in)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDedupEmptyInput(t *testing.T) {
	if got := dedup(nil); len(got) != 0 {
		t.Fatalf("expected empty output, got %v", got)
	}
}

func TestRelayFrameRoundTrip(t *testing.T) {
	req := RelayHTTPRequest{
		ID:      "abc123",
		Method:  "GET",
		Path:    "/users/alice",
		Headers: map[string]string{"Accept": "application/activity+json"},
	}
	var buf bytes.Buffer
	if err := writeRelayFrame(&buf, req); err != nil {
		t.Fatalf("writeRelayFrame: %v", err)
	}
	got, err := readRelayFrame[RelayHTTPRequest](&buf)
	if err != nil {
		t.Fatalf("readRelayFrame: %v", err)
	}
	if got.ID != req.ID || got.Method != req.Method || got.Path != req.Path {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestRelayFrameRejectsOversizePayload(t *testing.T) {
	huge := make([]byte, maxRelayFrameBytes+1)
	var buf bytes.Buffer
	err := writeRelayFrame(&buf, struct {
		Blob []byte `json:"blob"`
	}{Blob: huge})
	if err == nil {
		t.Fatal("expected an error for an oversize frame")
	}
}

func TestFedi3ValidatorSelectsMostRecentlyUpdated(t *testing.T) {
	v := fedi3Validator{}
	older := []byte(`{"updated_at_ms":100}`)
	newer := []byte(`{"updated_at_ms":200}`)
	idx, err := v.Select("/fedi3/peer/abc", [][]byte{older, newer})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if idx != 1 {
		t.Fatalf("expected index 1 (newer record), got %d", idx)
	}
}

func TestFedi3ValidatorRejectsEmptyValue(t *testing.T) {
	v := fedi3Validator{}
	if err := v.Validate("/fedi3/peer/abc", nil); err == nil {
		t.Fatal("expected an error for an empty record value")
	}
}
