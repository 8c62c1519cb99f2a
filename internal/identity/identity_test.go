package identity

import (
	"path/filepath"
	"testing"
)

func TestGenerateDerivesStableDID(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if id.DID == "" || len(id.DID) < len("did:fedi3:") {
		t.Fatalf("unexpected DID: %q", id.DID)
	}
	again := DeriveDID(id.PublicPEM)
	if again != id.DID {
		t.Fatalf("DeriveDID not stable: %q != %q", again, id.DID)
	}
}

func TestLoadOrGenerateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.pem")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (generate): %v", err)
	}

	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (load): %v", err)
	}

	if first.DID != second.DID {
		t.Fatalf("DID changed across reload: %q != %q", first.DID, second.DID)
	}
}
