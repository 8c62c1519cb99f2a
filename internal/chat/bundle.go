// Package chat implements the end-to-end encrypted chat envelope: signed
// key bundles backed by a post-quantum KEM, one-time prekeys, and
// HKDF-derived per-message AEAD keys, per spec.md §4.7.
package chat

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cloudflare/circl/kem/kyber/kyber768"

	"github.com/fedi3/node/internal/httpsig"
	"github.com/fedi3/node/internal/models"
	"github.com/fedi3/node/internal/store"
)

// defaultPrekeyLowWaterMark triggers minting a fresh prekey batch once the
// unused count falls below it, absent caller configuration.
const defaultPrekeyLowWaterMark = 10

// defaultPrekeyBatchSize is how many fresh prekeys a replenish pass mints,
// absent caller configuration.
const defaultPrekeyBatchSize = 25

// Service manages this node's chat identity, prekey pool, and bundle
// publication/verification.
type Service struct {
	DB                 *store.DB
	Resolver           *httpsig.KeyResolver
	SigningKey         *rsa.PrivateKey
	KeyID              string
	prekeyLowWaterMark int
	prekeyBatchSize    int
}

// NewService builds a chat Service. lowWaterMark is the unused-prekey count
// that triggers replenishment; batchSize is how many fresh prekeys a
// replenish pass mints. Either left at zero falls back to a sane default.
func NewService(db *store.DB, resolver *httpsig.KeyResolver, signingKey *rsa.PrivateKey, keyID string, lowWaterMark, batchSize int) *Service {
	if lowWaterMark <= 0 {
		lowWaterMark = defaultPrekeyLowWaterMark
	}
	if batchSize <= 0 {
		batchSize = defaultPrekeyBatchSize
	}
	return &Service{
		DB:                 db,
		Resolver:           resolver,
		SigningKey:         signingKey,
		KeyID:              keyID,
		prekeyLowWaterMark: lowWaterMark,
		prekeyBatchSize:    batchSize,
	}
}

// EnsureIdentity generates and persists a KEM identity keypair for
// (actor, deviceID) if one is not already stored, returning its public key.
func (s *Service) EnsureIdentity(ctx context.Context, actor, deviceID string) (string, error) {
	scheme := kyber768.Scheme()
	if secret, err := s.DB.GetIdentityChatSecret(ctx, actor, deviceID); err == nil && len(secret) > 0 {
		priv, uerr := scheme.UnmarshalBinaryPrivateKey(secret)
		if uerr != nil {
			return "", fmt.Errorf("unmarshaling stored identity secret: %w", uerr)
		}
		pubBytes, merr := priv.Public().(interface {
			MarshalBinary() ([]byte, error)
		}).MarshalBinary()
		if merr != nil {
			return "", fmt.Errorf("marshaling identity public key: %w", merr)
		}
		return hex.EncodeToString(pubBytes), nil
	}

	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return "", fmt.Errorf("generating KEM identity: %w", err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return "", err
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return "", err
	}
	if err := s.DB.InsertChatPrekeys(ctx, actor, deviceID, []store.ChatPrekeyInsert{
		{ID: "identity", KEMPublic: hex.EncodeToString(pubBytes), KEMSecret: privBytes},
	}); err != nil {
		return "", fmt.Errorf("persisting identity keypair: %w", err)
	}
	return hex.EncodeToString(pubBytes), nil
}

// ReplenishPrekeys mints a fresh batch of prekeys once the unused count has
// fallen below the configured low-water mark.
func (s *Service) ReplenishPrekeys(ctx context.Context, actor, deviceID string) error {
	n, err := s.DB.CountUnusedChatPrekeys(ctx, actor, deviceID)
	if err != nil {
		return fmt.Errorf("counting unused prekeys: %w", err)
	}
	if n >= s.prekeyLowWaterMark {
		return nil
	}
	scheme := kyber768.Scheme()
	fresh := make([]store.ChatPrekeyInsert, 0, s.prekeyBatchSize)
	for i := 0; i < s.prekeyBatchSize; i++ {
		pub, priv, err := scheme.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generating prekey: %w", err)
		}
		pubBytes, err := pub.MarshalBinary()
		if err != nil {
			return err
		}
		privBytes, err := priv.MarshalBinary()
		if err != nil {
			return err
		}
		var idRand [16]byte
		if _, err := rand.Read(idRand[:]); err != nil {
			return err
		}
		fresh = append(fresh, store.ChatPrekeyInsert{
			ID:        "prekey-" + hex.EncodeToString(idRand[:]),
			KEMPublic: hex.EncodeToString(pubBytes),
			KEMSecret: privBytes,
		})
	}
	return s.DB.InsertChatPrekeys(ctx, actor, deviceID, fresh)
}

// PublishBundle assembles, signs, and upserts the published chat bundle for
// (actor, deviceID), replenishing the prekey pool first.
func (s *Service) PublishBundle(ctx context.Context, actor, deviceID string, peerID, did *string, nowMs int64) (models.ChatBundle, error) {
	identityPub, err := s.EnsureIdentity(ctx, actor, deviceID)
	if err != nil {
		return models.ChatBundle{}, err
	}
	if err := s.ReplenishPrekeys(ctx, actor, deviceID); err != nil {
		return models.ChatBundle{}, err
	}
	prekeys, err := s.DB.ListUnusedChatPrekeyPublics(ctx, actor, deviceID)
	if err != nil {
		return models.ChatBundle{}, err
	}
	if maxPrekeys := s.prekeyLowWaterMark + s.prekeyBatchSize; len(prekeys) > maxPrekeys {
		prekeys = prekeys[:maxPrekeys]
	}

	bundle := models.ChatBundle{
		V:           1,
		Actor:       actor,
		PeerID:      peerID,
		DID:         did,
		DeviceID:    deviceID,
		KEMPublic:   identityPub,
		Prekeys:     prekeys,
		CreatedAtMs: nowMs,
	}
	sig, err := signCanonical(s.SigningKey, &bundle, func(b *models.ChatBundle) { b.Signature = "" })
	if err != nil {
		return models.ChatBundle{}, fmt.Errorf("signing bundle: %w", err)
	}
	bundle.Signature = sig

	if err := s.DB.UpsertChatBundle(ctx, bundle); err != nil {
		return models.ChatBundle{}, fmt.Errorf("persisting bundle: %w", err)
	}
	return bundle, nil
}

// VerifyBundle fetches the issuing actor's RSA public key via the resolver
// and checks the bundle's signature over its canonical zero-signature form.
func (s *Service) VerifyBundle(ctx context.Context, bundle models.ChatBundle) error {
	keyInfo, err := s.Resolver.Resolve(ctx, bundle.Actor, nil)
	if err != nil {
		return fmt.Errorf("resolving bundle issuer key: %w", err)
	}
	return verifyCanonicalPEM(keyInfo.PublicKeyPEM, &bundle, bundle.Signature, func(b *models.ChatBundle) { b.Signature = "" })
}

// signCanonical marshals v (after zero mutates a copy's signature field) and
// RSA-SHA256 signs the resulting bytes, returning the hex-encoded signature.
func signCanonical[T any](key *rsa.PrivateKey, v *T, zero func(*T)) (string, error) {
	clone := *v
	zero(&clone)
	b, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(b)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

func verifyCanonicalPEM[T any](publicKeyPEM string, v *T, sigHex string, zero func(*T)) error {
	pub, err := httpsig.ParseRSAPublicKeyPEM(publicKeyPEM)
	if err != nil {
		return err
	}
	clone := *v
	zero(&clone)
	b, err := json.Marshal(clone)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decoding signature hex: %w", err)
	}
	digest := sha256.Sum256(b)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}
