package chat

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/cloudflare/circl/kem/kyber/kyber768"

	"github.com/fedi3/node/internal/models"
)

func TestAEADSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	nonce := bytes.Repeat([]byte{0x01}, 12)
	plaintext := []byte("hello fedi3")

	ct, err := aeadSeal(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("aeadSeal: %v", err)
	}
	got, err := aeadOpen(key, nonce, ct)
	if err != nil {
		t.Fatalf("aeadOpen: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestAEADOpenRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	nonce := bytes.Repeat([]byte{0x01}, 12)
	ct, err := aeadSeal(key, nonce, []byte("hello fedi3"))
	if err != nil {
		t.Fatalf("aeadSeal: %v", err)
	}
	ct[0] ^= 0xff
	if _, err := aeadOpen(key, nonce, ct); err == nil {
		t.Fatal("expected tampered ciphertext to fail to decrypt")
	}
}

func TestDeriveAEADKeyIsDeterministicAndThreadBound(t *testing.T) {
	shared := bytes.Repeat([]byte{0x07}, 32)

	k1, err := deriveAEADKey(shared, []byte("thread-a"), []byte("msg-1"))
	if err != nil {
		t.Fatalf("deriveAEADKey: %v", err)
	}
	k2, err := deriveAEADKey(shared, []byte("thread-a"), []byte("msg-1"))
	if err != nil {
		t.Fatalf("deriveAEADKey: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("expected deterministic derivation for identical inputs")
	}

	k3, err := deriveAEADKey(shared, []byte("thread-b"), []byte("msg-1"))
	if err != nil {
		t.Fatalf("deriveAEADKey: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("expected distinct keys for distinct threads")
	}
}

func TestKyberEncapsulateDecapsulateDeriveMatchingKeys(t *testing.T) {
	scheme := kyber768.Scheme()
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	ct, sharedSender, err := scheme.Encapsulate(pub)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	sharedReceiver, err := scheme.Decapsulate(priv, ct)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}

	keySender, err := deriveAEADKey(sharedSender, []byte("thread-1"), []byte("msg-1"))
	if err != nil {
		t.Fatalf("deriveAEADKey(sender): %v", err)
	}
	keyReceiver, err := deriveAEADKey(sharedReceiver, []byte("thread-1"), []byte("msg-1"))
	if err != nil {
		t.Fatalf("deriveAEADKey(receiver): %v", err)
	}
	if !bytes.Equal(keySender, keyReceiver) {
		t.Fatal("expected sender and receiver to derive identical AEAD keys")
	}
}

func TestSignCanonicalAndVerifyRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	bundle := &models.ChatBundle{Actor: "https://fedi3.example/users/alice", DeviceID: "dev-1", KEMPublic: "ab"}
	sig, err := signCanonical(key, bundle, func(b *models.ChatBundle) { b.Signature = "" })
	if err != nil {
		t.Fatalf("signCanonical: %v", err)
	}
	bundle.Signature = sig

	if err := verifyCanonicalPEM(string(pubPEM), bundle, bundle.Signature, func(b *models.ChatBundle) { b.Signature = "" }); err != nil {
		t.Fatalf("verifyCanonicalPEM: %v", err)
	}
}

func TestSignCanonicalVerifyRejectsTamperedField(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	bundle := &models.ChatBundle{Actor: "https://fedi3.example/users/alice", DeviceID: "dev-1", KEMPublic: "ab"}
	sig, err := signCanonical(key, bundle, func(b *models.ChatBundle) { b.Signature = "" })
	if err != nil {
		t.Fatalf("signCanonical: %v", err)
	}
	bundle.Signature = sig
	bundle.KEMPublic = "tampered"

	if err := verifyCanonicalPEM(string(pubPEM), bundle, bundle.Signature, func(b *models.ChatBundle) { b.Signature = "" }); err == nil {
		t.Fatal("expected verification to fail after tampering")
	}
}
