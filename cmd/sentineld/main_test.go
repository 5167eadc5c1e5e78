package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"sentinelcore/signing"
	"sentinelcore/store"
)

func newTestSigner(t *testing.T) *signing.Service {
	t.Helper()
	db, err := store.Open("")
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	signer, err := signing.New(context.Background(), db, signing.Config{DevSeed: "sentineld-test"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { signer.Close() })
	return signer
}

func TestRegisterApproverKeysMakesApprovalSignaturesVerifiable(t *testing.T) {
	signer := newTestSigner(t)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	require.NoError(t, registerApproverKeys(signer, map[string]string{
		"approver-1": base64.StdEncoding.EncodeToString(pub),
	}))

	manifestHash := "deadbeefdeadbeef"
	sig := ed25519.Sign(priv, []byte(manifestHash))
	sigB64 := base64.StdEncoding.EncodeToString(sig)
	require.NoError(t, signer.Verify(context.Background(), []byte(manifestHash), sigB64, "approver-1"))
}

func TestRegisterApproverKeysRejectsMalformedKey(t *testing.T) {
	signer := newTestSigner(t)

	err := registerApproverKeys(signer, map[string]string{"approver-1": "not-base64!!"})
	require.Error(t, err)

	err = registerApproverKeys(signer, map[string]string{"approver-1": base64.StdEncoding.EncodeToString([]byte("short"))})
	require.Error(t, err)
}
