package httpsig

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
)

func testKeyPEM(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshaling public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pemBytes)
}

func newSignedRequest(t *testing.T, key *rsa.PrivateKey, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://b.example/users/bob/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.URL.Host = "b.example"
	if err := Sign(req, key, "https://a.example/users/alice#main-key", body, nil); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return req
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key, pubPEM := testKeyPEM(t)
	body := []byte(`{"type":"Follow"}`)
	req := newSignedRequest(t, key, body)

	if err := Verify(req, body, pubPEM, 0); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsBodyTamper(t *testing.T) {
	key, pubPEM := testKeyPEM(t)
	body := []byte(`{"type":"Follow"}`)
	req := newSignedRequest(t, key, body)

	tampered := []byte(`{"type":"Undo"}`)
	if err := Verify(req, tampered, pubPEM, 0); err == nil {
		t.Fatal("expected verification failure on tampered body")
	} else if ve, ok := err.(*VerifyError); !ok || ve.Kind != FailDigestMismatch {
		t.Fatalf("expected digest_mismatch, got %v", err)
	}
}

func TestVerifyRejectsPathTamper(t *testing.T) {
	key, pubPEM := testKeyPEM(t)
	body := []byte(`{"type":"Follow"}`)
	req := newSignedRequest(t, key, body)
	req.URL.Path = "/users/bob/outbox"

	if err := Verify(req, body, pubPEM, 0); err == nil {
		t.Fatal("expected verification failure on tampered path")
	}
}

func TestVerifyRejectsStaleDate(t *testing.T) {
	key, pubPEM := testKeyPEM(t)
	body := []byte(`{"type":"Follow"}`)
	req := newSignedRequest(t, key, body)
	req.Header.Set("Date", "Mon, 02 Jan 2006 15:04:05 GMT")

	err := Verify(req, body, pubPEM, 0)
	if err == nil {
		t.Fatal("expected stale date failure")
	}
	ve, ok := err.(*VerifyError)
	if !ok || ve.Kind != FailStaleDate {
		t.Fatalf("expected stale_date, got %v", err)
	}
}

func TestParseSignatureHeaderMissing(t *testing.T) {
	_, err := ParseSignatureHeader("")
	if err == nil {
		t.Fatal("expected missing_signature error")
	}
	ve, ok := err.(*VerifyError)
	if !ok || ve.Kind != FailMissingSignature {
		t.Fatalf("expected missing_signature, got %v", err)
	}
}

func TestValidateFederationDomainRejectsPrivate(t *testing.T) {
	cases := []string{"localhost", "10.0.0.5", "192.168.1.1", "foo.local", "169.254.1.1"}
	for _, c := range cases {
		if err := ValidateFederationDomain(c); err == nil {
			t.Errorf("expected %q to be rejected", c)
		}
	}
	if err := ValidateFederationDomain("b.example"); err != nil {
		t.Errorf("expected b.example to be accepted, got %v", err)
	}
}
