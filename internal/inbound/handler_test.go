package inbound

import "testing"

func TestActorIRIFromKeyID(t *testing.T) {
	got := actorIRIFromKeyID("https://remote.example/users/bob#main-key")
	if got != "https://remote.example/users/bob" {
		t.Fatalf("got %q", got)
	}
}

func TestActorIRIFromKeyIDNoFragment(t *testing.T) {
	got := actorIRIFromKeyID("https://remote.example/users/bob")
	if got != "https://remote.example/users/bob" {
		t.Fatalf("got %q", got)
	}
}

func TestDedupIDOfPrefersActivityID(t *testing.T) {
	got := dedupIDOf("https://remote.example/acts/1", []byte(`{"type":"Create"}`))
	if got != "https://remote.example/acts/1" {
		t.Fatalf("got %q", got)
	}
}

func TestDedupIDOfFallsBackToHash(t *testing.T) {
	a := dedupIDOf("", []byte(`{"type":"Create"}`))
	b := dedupIDOf("", []byte(`{"type":"Create"}`))
	if a != b {
		t.Fatal("expected stable hash for identical bodies")
	}
	if a == "" {
		t.Fatal("expected non-empty fallback dedup id")
	}
}

func TestToHTTPRequestBuildsWithHeaders(t *testing.T) {
	req := Request{
		Method:  "POST",
		Path:    "/users/bob/inbox",
		Headers: map[string][]string{"Host": {"fedi3.example"}, "Date": {"Tue, 01 Jan 2026 00:00:00 GMT"}},
		Body:    []byte(`{"type":"Follow"}`),
	}
	httpReq, err := toHTTPRequest(req)
	if err != nil {
		t.Fatalf("toHTTPRequest: %v", err)
	}
	if httpReq.Header.Get("Date") == "" {
		t.Fatal("expected Date header preserved")
	}
	if httpReq.URL.Path != "/users/bob/inbox" {
		t.Fatalf("unexpected path: %s", httpReq.URL.Path)
	}
}
