// Package identity manages a node's long-term RSA keypair and derived DID.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
)

// KeyBits is the RSA key size used for the node's long-term signing key.
const KeyBits = 2048

// Identity holds a node's long-term asymmetric keypair and its derived DID.
type Identity struct {
	PrivateKey *rsa.PrivateKey
	PublicPEM  string
	DID        string
}

// Generate creates a fresh RSA-2048 keypair and derives the node DID as a
// truncated hex SHA-256 digest of the PKIX-encoded public key PEM.
func Generate() (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	return fromKey(key)
}

func fromKey(key *rsa.PrivateKey) (*Identity, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return &Identity{
		PrivateKey: key,
		PublicPEM:  pubPEM,
		DID:        DeriveDID(pubPEM),
	}, nil
}

// DeriveDID computes the stable DID for a public-key PEM: "did:fedi3:" followed
// by the first 32 hex characters of the SHA-256 digest of the PEM bytes.
func DeriveDID(publicKeyPEM string) string {
	sum := sha256.Sum256([]byte(publicKeyPEM))
	return "did:fedi3:" + hex.EncodeToString(sum[:])[:32]
}

// LoadOrGenerate reads a PKCS#8 PEM private key from path, generating and
// persisting a new one if the file does not exist.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := id.Save(path); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity key %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM in %s", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity key is not RSA")
	}
	return fromKey(key)
}

// Save persists the private key to path as a PKCS#8 PEM file with 0600 perms.
func (id *Identity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}
