package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ephemeralSigner derives a deterministic Ed25519 keypair from a configured
// seed (dev/test fallback only). Its KID is derived from a short hash of
// the public key so restarting the process with the same seed
// reproduces the same KID and previously-signed events keep
// verifying.
type ephemeralSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	kid  string
}

func newEphemeralSigner(seed string) (*ephemeralSigner, error) {
	if seed == "" {
		seed = "sentinelcore-dev-seed"
	}
	hkdfReader := hkdf.New(sha256.New, []byte(seed), nil, []byte("sentinelcore-ephemeral-ed25519"))
	material := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdfReader, material); err != nil {
		return nil, fmt.Errorf("signing: derive ephemeral seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(material)
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	kid := "local-ed25519:" + hex.EncodeToString(sum[:8])
	return &ephemeralSigner{priv: priv, pub: pub, kid: kid}, nil
}

func (e *ephemeralSigner) sign(payload []byte) []byte {
	return ed25519.Sign(e.priv, payload)
}
