package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"

	"sentinelcore/store"
)

func TestRegistryRoundTripsRSASignerRecord(t *testing.T) {
	db := openTestDB(t)
	reg, err := newRegistry(db, "")
	require.NoError(t, err)
	defer reg.close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	rec := store.SignerRecord{
		KID:       "rsa-test-kid",
		Algorithm: store.AlgorithmRSA,
		PublicKey: der,
	}
	require.NoError(t, reg.register(rec))

	entry, err := reg.lookup("rsa-test-kid")
	require.NoError(t, err)
	require.NotNil(t, entry.RSA)
	require.Equal(t, key.PublicKey.N, entry.RSA.N)
}

func TestRegistryLookupMissesFallThroughToDatabase(t *testing.T) {
	db := openTestDB(t)
	seed, err := newEphemeralSigner("registry-seed")
	require.NoError(t, err)
	require.NoError(t, db.Create(&store.SignerRecord{
		KID:       seed.kid,
		Algorithm: store.AlgorithmEd25519,
		PublicKey: []byte(seed.pub),
	}).Error)

	reg, err := newRegistry(db, "")
	require.NoError(t, err)
	defer reg.close()

	entry, err := reg.lookup(seed.kid)
	require.NoError(t, err)
	require.Equal(t, []byte(seed.pub), entry.Ed25519)
}
