package chat

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"

	"github.com/fedi3/node/internal/models"
)

// EncryptForBundle encrypts plaintext for the given recipient bundle,
// selecting the first available one-time prekey (falling back to the
// identity key), and signs the resulting envelope with the sender's RSA key.
func (s *Service) EncryptForBundle(ctx context.Context, threadID, messageID, senderActor, senderDevice, senderPeerID string, bundle models.ChatBundle, op models.ChatOp, plaintext []byte, nowMs int64) (models.ChatEnvelope, error) {
	kemKeyID := "identity"
	kemPublicHex := bundle.KEMPublic
	if len(bundle.Prekeys) > 0 {
		kemKeyID = bundle.Prekeys[0].ID
		kemPublicHex = bundle.Prekeys[0].KEMPublic
	}

	pubBytes, err := hex.DecodeString(kemPublicHex)
	if err != nil {
		return models.ChatEnvelope{}, fmt.Errorf("decoding recipient KEM public key: %w", err)
	}
	scheme := kyber768.Scheme()
	pub, err := scheme.UnmarshalBinaryPublicKey(pubBytes)
	if err != nil {
		return models.ChatEnvelope{}, fmt.Errorf("parsing recipient KEM public key: %w", err)
	}

	ct, shared, err := scheme.Encapsulate(pub)
	if err != nil {
		return models.ChatEnvelope{}, fmt.Errorf("encapsulating: %w", err)
	}

	key, err := deriveAEADKey(shared, []byte(threadID), []byte(messageID))
	if err != nil {
		return models.ChatEnvelope{}, err
	}

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return models.ChatEnvelope{}, err
	}
	ciphertext, err := aeadSeal(key, nonce, plaintext)
	if err != nil {
		return models.ChatEnvelope{}, err
	}

	env := models.ChatEnvelope{
		V:             1,
		ThreadID:      threadID,
		MessageID:     messageID,
		SenderActor:   senderActor,
		SenderDevice:  senderDevice,
		SenderPeerID:  senderPeerID,
		CreatedAtMs:   nowMs,
		KEMAlg:        "kyber768",
		KEMCiphertext: hex.EncodeToString(ct),
		KEMKeyID:      kemKeyID,
		Nonce:         hex.EncodeToString(nonce),
		Ciphertext:    hex.EncodeToString(ciphertext),
	}

	sig, err := signCanonical(s.SigningKey, &env, func(e *models.ChatEnvelope) { e.Signature = "" })
	if err != nil {
		return models.ChatEnvelope{}, fmt.Errorf("signing envelope: %w", err)
	}
	env.Signature = sig

	if err := s.DB.InsertChatEnvelope(ctx, env, op); err != nil {
		return models.ChatEnvelope{}, fmt.Errorf("persisting envelope: %w", err)
	}
	return env, nil
}

// VerifyEnvelope checks env's signature against the sender's resolved RSA key.
func (s *Service) VerifyEnvelope(ctx context.Context, env models.ChatEnvelope) error {
	keyInfo, err := s.Resolver.Resolve(ctx, env.SenderActor, nil)
	if err != nil {
		return fmt.Errorf("resolving envelope sender key: %w", err)
	}
	return verifyCanonicalPEM(keyInfo.PublicKeyPEM, &env, env.Signature, func(e *models.ChatEnvelope) { e.Signature = "" })
}

// Decrypt decrypts env for (recipientActor, recipientDevice), consuming the
// referenced prekey if one was used.
func (s *Service) Decrypt(ctx context.Context, env models.ChatEnvelope, recipientActor, recipientDevice string) ([]byte, error) {
	var secret []byte
	var err error
	if strings.HasPrefix(env.KEMKeyID, "prekey-") {
		secret, err = s.DB.ConsumeChatPrekey(ctx, env.KEMKeyID)
	} else {
		secret, err = s.DB.GetIdentityChatSecret(ctx, recipientActor, recipientDevice)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up KEM secret for %s: %w", env.KEMKeyID, err)
	}

	scheme := kyber768.Scheme()
	priv, err := scheme.UnmarshalBinaryPrivateKey(secret)
	if err != nil {
		return nil, fmt.Errorf("parsing KEM secret: %w", err)
	}
	ct, err := hex.DecodeString(env.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding KEM ciphertext: %w", err)
	}
	shared, err := scheme.Decapsulate(priv, ct)
	if err != nil {
		return nil, fmt.Errorf("decapsulating: %w", err)
	}

	key, err := deriveAEADKey(shared, []byte(env.ThreadID), []byte(env.MessageID))
	if err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	return aeadOpen(key, nonce, ciphertext)
}

// SystemPayload is the plaintext carried by a ChatOpSystem envelope once
// decrypted: a thread-membership or metadata action plus its arguments.
type SystemPayload struct {
	Action  models.ChatSystemAction `json:"action"`
	Members []string                `json:"members,omitempty"`
	Name    *string                 `json:"name,omitempty"`
}

// EncryptSystemAction encrypts a SystemPayload as a ChatOpSystem envelope.
func (s *Service) EncryptSystemAction(ctx context.Context, threadID, messageID, senderActor, senderDevice, senderPeerID string, bundle models.ChatBundle, payload SystemPayload, nowMs int64) (models.ChatEnvelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return models.ChatEnvelope{}, fmt.Errorf("marshaling system payload: %w", err)
	}
	return s.EncryptForBundle(ctx, threadID, messageID, senderActor, senderDevice, senderPeerID, bundle, models.ChatOpSystem, plaintext, nowMs)
}

// DecryptSystemAction decrypts and parses env as a ChatOpSystem payload.
func (s *Service) DecryptSystemAction(ctx context.Context, env models.ChatEnvelope, recipientActor, recipientDevice string) (SystemPayload, error) {
	plaintext, err := s.Decrypt(ctx, env, recipientActor, recipientDevice)
	if err != nil {
		return SystemPayload{}, err
	}
	var payload SystemPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return SystemPayload{}, fmt.Errorf("parsing system payload: %w", err)
	}
	return payload, nil
}

// deriveAEADKey derives a 32-byte AES-256-GCM key via
// HKDF-SHA256(salt=threadID, ikm=shared, info=messageID), giving distinct
// keys for every (thread, message) pair sharing the same KEM shared secret.
func deriveAEADKey(shared, threadID, messageID []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, threadID, messageID)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving AEAD key: %w", err)
	}
	return key, nil
}

func aeadSeal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func aeadOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
