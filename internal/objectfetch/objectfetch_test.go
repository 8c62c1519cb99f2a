package objectfetch

import (
	"encoding/json"
	"testing"
)

func TestExtractIRIBareString(t *testing.T) {
	got := extractIRI(json.RawMessage(`"https://remote.example/users/bob"`))
	if got != "https://remote.example/users/bob" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractIRIEmbeddedObject(t *testing.T) {
	got := extractIRI(json.RawMessage(`{"id":"https://remote.example/users/bob","type":"Person"}`))
	if got != "https://remote.example/users/bob" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractIRIEmpty(t *testing.T) {
	if got := extractIRI(nil); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestBackoffMsGrowsAndCaps(t *testing.T) {
	first := backoffMs(1, 5, 3600)
	if first < 5000 || first >= 6000 {
		t.Fatalf("expected ~5s backoff with jitter, got %dms", first)
	}
	capped := backoffMs(20, 5, 3600)
	if capped < 3600000 || capped >= 3601000 {
		t.Fatalf("expected backoff capped at 3600s, got %dms", capped)
	}
}
