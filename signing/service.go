// Package signing implements detached signatures over canonicalized
// payloads, produced by a remote KMS/HSM proxy in production and by a
// deterministic ephemeral
// Ed25519 fallback in development, plus verification against a cached
// registry of known signer public keys.
package signing

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"sentinelcore/store"
)

// Config configures the Service. RequireKMS mirrors the REQUIRE_KMS
// environment variable: when true, a reachable KMS is mandatory and the
// ephemeral fallback is never used, so the process exits rather than
// silently signing with a weaker key.
type Config struct {
	KMS             KMSConfig
	RequireKMS      bool
	DevSeed         string
	SignerKID       string
	SignerCachePath string
}

// Service is the signing/verification entrypoint used by every other
// package (audit, ledger, upgrade) that needs a detached signature.
type Service struct {
	kms       *kmsClient
	ephemeral *ephemeralSigner
	registry  *registry
	activeKID string
	log       *slog.Logger
}

// New constructs a Service. When cfg.RequireKMS is true, the KMS endpoint
// is pinged immediately and New fails fast if it is unreachable;
// otherwise an unreachable or unset endpoint silently falls back to the
// ephemeral dev signer.
func New(ctx context.Context, db *gorm.DB, cfg Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	reg, err := newRegistry(db, cfg.SignerCachePath)
	if err != nil {
		return nil, err
	}

	svc := &Service{registry: reg, log: log}

	var kmsErr error
	if cfg.KMS.Endpoint != "" {
		client, err := newKMSClient(cfg.KMS)
		if err != nil {
			kmsErr = err
		} else if pingErr := client.ping(ctx); pingErr != nil {
			kmsErr = pingErr
		} else {
			svc.kms = client
		}
	} else {
		kmsErr = errors.New("signing: no kms endpoint configured")
	}

	if svc.kms == nil {
		if cfg.RequireKMS {
			return nil, fmt.Errorf("signing: REQUIRE_KMS is set but kms is unavailable: %w", kmsErr)
		}
		log.Warn("signing: kms unavailable, falling back to ephemeral dev signer", "error", kmsErr)
		ephemeral, err := newEphemeralSigner(cfg.DevSeed)
		if err != nil {
			return nil, err
		}
		svc.ephemeral = ephemeral
		svc.activeKID = ephemeral.kid
		if db != nil {
			_ = reg.register(store.SignerRecord{
				KID:         ephemeral.kid,
				Algorithm:   store.AlgorithmEd25519,
				PublicKey:   []byte(ephemeral.pub),
				Description: "ephemeral dev signer (derived from SIGNER_DEV_SEED)",
			})
		}
	} else {
		svc.activeKID = cfg.SignerKID
	}

	return svc, nil
}

// ActiveKID returns the signer identity new signatures are produced
// under.
func (s *Service) ActiveKID() string {
	return s.activeKID
}

// Sign produces a base64-encoded detached signature over payload using
// the active signer, returning the signer KID alongside it so callers
// can persist both on the record they sign.
func (s *Service) Sign(ctx context.Context, payload []byte) (signatureB64, kid string, err error) {
	if s.ephemeral != nil {
		sig := s.ephemeral.sign(payload)
		return base64.StdEncoding.EncodeToString(sig), s.activeKID, nil
	}
	if s.kms == nil {
		return "", "", ErrSigningFailure
	}
	sigB64, signerID, err := s.kms.sign(ctx, payload)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	return sigB64, signerID, nil
}

// Verify checks that signatureB64 is a valid signature over payload
// under the public key registered for kid. It never trusts the KMS
// blindly for verification when a registry entry is cached locally:
// Ed25519 and RSA verification happen in-process against the cached
// public key, which keeps audit-chain replay verification independent
// of the KMS's availability.
func (s *Service) Verify(ctx context.Context, payload []byte, signatureB64, kid string) error {
	entry, err := s.registry.lookup(kid)
	if err != nil {
		if s.kms != nil {
			ok, kmsErr := s.kms.verify(ctx, payload, signatureB64, kid)
			if kmsErr == nil && ok {
				return nil
			}
		}
		return ErrSignerUnknown
	}
	if entry.Revoked {
		return fmt.Errorf("%w: signer %s revoked", ErrSignatureInvalid, kid)
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", ErrSignatureInvalid)
	}

	switch entry.Algorithm {
	case store.AlgorithmEd25519:
		if len(entry.Ed25519) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: malformed ed25519 key for %s", ErrSignatureInvalid, kid)
		}
		if !ed25519.Verify(ed25519.PublicKey(entry.Ed25519), payload, sig) {
			return ErrSignatureInvalid
		}
		return nil
	case store.AlgorithmRSA:
		if entry.RSA == nil {
			return fmt.Errorf("%w: missing rsa key for %s", ErrSignatureInvalid, kid)
		}
		digest := sha256.Sum256(payload)
		if err := rsa.VerifyPKCS1v15(entry.RSA, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrSignatureInvalid, entry.Algorithm)
	}
}

// Register adds or replaces a known signer's verification key, used by
// the upgrade workflow when a key rotation is applied.
func (s *Service) Register(rec store.SignerRecord) error {
	return s.registry.register(rec)
}

// Close releases the on-disk signer cache.
func (s *Service) Close() error {
	return s.registry.close()
}
