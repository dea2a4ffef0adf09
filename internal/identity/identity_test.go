package identity

import (
	"testing"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/primitives"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/protoerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesValidBundle(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	assert.True(t, id.VerifyIntegrity())

	bundle, err := id.PublicBundle()
	require.NoError(t, err)
	assert.Len(t, bundle.OneTimePreKeys, 10)
	assert.True(t, primitives.Verify(bundle.SignedPreKey.Public[:], bundle.SignedPreKey.Signature, bundle.SigningKey))
}

func TestGenerateFromCredentialsIsDeterministic(t *testing.T) {
	a, err := GenerateFromCredentials("alice", "correct horse battery staple")
	require.NoError(t, err)
	b, err := GenerateFromCredentials("alice", "correct horse battery staple")
	require.NoError(t, err)

	aKP, err := a.IdentityKeyPair()
	require.NoError(t, err)
	bKP, err := b.IdentityKeyPair()
	require.NoError(t, err)
	assert.Equal(t, aKP.Public, bKP.Public)
	assert.Equal(t, aKP.Secret, bKP.Secret)
	assert.Equal(t, a.ID(), b.ID())

	aSign, err := a.SigningKeyPair()
	require.NoError(t, err)
	bSign, err := b.SigningKeyPair()
	require.NoError(t, err)
	assert.Equal(t, []byte(aSign.Public), []byte(bSign.Public))
}

func TestGenerateFromCredentialsDiffersByInput(t *testing.T) {
	a, err := GenerateFromCredentials("alice", "password1")
	require.NoError(t, err)
	b, err := GenerateFromCredentials("bob", "password1")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	c, err := GenerateFromCredentials("alice", "password2")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestGenerateFromCredentialsRejectsEmpty(t *testing.T) {
	_, err := GenerateFromCredentials("", "x")
	assert.ErrorIs(t, err, protoerr.ErrBadCredentials)
	_, err = GenerateFromCredentials("x", "")
	assert.ErrorIs(t, err, protoerr.ErrBadCredentials)
}

func TestConsumeOneTimePreKeyIsSingleUse(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	seen := map[uint32]bool{}
	for i := 0; i < 100; i++ {
		pk, err := id.ConsumeOneTimePreKey()
		require.NoError(t, err)
		require.NotNil(t, pk)
		assert.False(t, seen[pk.ID])
		seen[pk.ID] = true
	}

	pk, err := id.ConsumeOneTimePreKey()
	require.NoError(t, err)
	assert.Nil(t, pk)
}

func TestRotateSignedPreKeyPrependsAndCaps(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	bundleBefore, err := id.PublicBundle()
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		_, err := id.RotateSignedPreKey()
		require.NoError(t, err)
	}

	bundleAfter, err := id.PublicBundle()
	require.NoError(t, err)
	assert.NotEqual(t, bundleBefore.SignedPreKey.ID, bundleAfter.SignedPreKey.ID)
	assert.LessOrEqual(t, len(id.signedPreKeys), 2*numSignedPreKeys)
}

func TestReplenishOneTimePreKeysIncreasesIDs(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, _ = id.ConsumeOneTimePreKey()
	}
	assert.True(t, id.NeedsReplenishment(10))

	require.NoError(t, id.ReplenishOneTimePreKeys(20))
	assert.False(t, id.NeedsReplenishment(10))

	pk, err := id.ConsumeOneTimePreKey()
	require.NoError(t, err)
	require.NotNil(t, pk)
	assert.Equal(t, uint32(oneTimePreKeyStartID+numOneTimePreKeys), pk.ID)
}

func TestDestroyInvalidatesIdentity(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	id.Destroy()

	assert.False(t, id.VerifyIntegrity())
	_, err = id.PublicBundle()
	assert.ErrorIs(t, err, protoerr.ErrIdentityDestroyed)
	_, err = id.IdentityKeyPair()
	assert.ErrorIs(t, err, protoerr.ErrIdentityDestroyed)
	_, err = id.ConsumeOneTimePreKey()
	assert.ErrorIs(t, err, protoerr.ErrIdentityDestroyed)
	err = id.ReplenishOneTimePreKeys(1)
	assert.ErrorIs(t, err, protoerr.ErrIdentityDestroyed)

	// Destroy is idempotent.
	assert.NotPanics(t, func() { id.Destroy() })
}

func TestExportImportRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	data, err := id.Export()
	require.NoError(t, err)

	restored, err := Import(data)
	require.NoError(t, err)

	origKP, err := id.IdentityKeyPair()
	require.NoError(t, err)
	restoredKP, err := restored.IdentityKeyPair()
	require.NoError(t, err)
	assert.Equal(t, origKP, restoredKP)
	assert.Equal(t, id.ID(), restored.ID())
	assert.True(t, restored.VerifyIntegrity())
}

func TestImportRejectsBadVersion(t *testing.T) {
	_, err := Import(`{"version":99}`)
	assert.ErrorIs(t, err, protoerr.ErrVersionUnsupported)
}

func TestImportRejectsGarbage(t *testing.T) {
	_, err := Import("not json")
	assert.ErrorIs(t, err, protoerr.ErrBadFormat)
}
