package session

import (
	"testing"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/identity"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/protoerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func establishSession(t *testing.T) (alice, bob *identity.Identity, aliceKeys, bobKeys SessionKeys) {
	t.Helper()

	alice, err := identity.Generate()
	require.NoError(t, err)
	bob, err = identity.Generate()
	require.NoError(t, err)

	bobBundle, err := bob.PublicBundle()
	require.NoError(t, err)

	masterSecret, ephemeralPublic, otpID, err := InitiateX3DH(alice, bobBundle)
	require.NoError(t, err)

	aliceIK, err := alice.IdentityKeyPair()
	require.NoError(t, err)
	bobIK, err := bob.IdentityKeyPair()
	require.NoError(t, err)

	var usedOTK *identity.PreKey
	if otpID != 0 {
		for _, pk := range bobBundle.OneTimePreKeys {
			if pk.ID == otpID {
				full, err := bob.ConsumeOneTimePreKey()
				require.NoError(t, err)
				usedOTK = full
				break
			}
		}
	}

	bobSecret, err := RespondX3DH(bob, aliceIK.Public, ephemeralPublic, usedOTK)
	require.NoError(t, err)
	assert.Equal(t, masterSecret, bobSecret)

	aliceKeys, err = DeriveSessionKeys(masterSecret, aliceIK.Public, bobIK.Public)
	require.NoError(t, err)
	bobKeys, err = DeriveSessionKeys(bobSecret, bobIK.Public, aliceIK.Public)
	require.NoError(t, err)

	return alice, bob, aliceKeys, bobKeys
}

func TestX3DHProducesSymmetricSessionKeys(t *testing.T) {
	_, _, aliceKeys, bobKeys := establishSession(t)
	assert.Equal(t, aliceKeys.SendKey, bobKeys.ReceiveKey)
	assert.Equal(t, aliceKeys.ReceiveKey, bobKeys.SendKey)
	assert.Equal(t, aliceKeys.Chain, bobKeys.Chain)
}

func TestInitiateX3DHRejectsBadSignature(t *testing.T) {
	alice, err := identity.Generate()
	require.NoError(t, err)
	bob, err := identity.Generate()
	require.NoError(t, err)

	bundle, err := bob.PublicBundle()
	require.NoError(t, err)
	bundle.SignedPreKey.Signature[0] ^= 0xFF

	_, _, _, err = InitiateX3DH(alice, bundle)
	assert.ErrorIs(t, err, protoerr.ErrAuthFail)
}

func TestEncryptDecryptMessageRoundTrip(t *testing.T) {
	alice, bob, aliceKeys, bobKeys := establishSession(t)

	aliceIK, err := alice.IdentityKeyPair()
	require.NoError(t, err)
	bobIK, err := bob.IdentityKeyPair()
	require.NoError(t, err)

	msg, err := EncryptMessage([]byte("hello bob"), &aliceKeys, bobIK.Public)
	require.NoError(t, err)

	content, _, _, err := DecryptMessage(msg, &bobKeys, bobIK.Secret, bobIK.Public)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(content))
	_ = aliceIK
}

func TestDecryptMessageRejectsTamperedMAC(t *testing.T) {
	alice, bob, aliceKeys, bobKeys := establishSession(t)
	bobIK, err := bob.IdentityKeyPair()
	require.NoError(t, err)

	msg, err := EncryptMessage([]byte("hello"), &aliceKeys, bobIK.Public)
	require.NoError(t, err)
	msg.MAC[0] ^= 0xFF

	_, _, _, err = DecryptMessage(msg, &bobKeys, bobIK.Secret, bobIK.Public)
	assert.ErrorIs(t, err, protoerr.ErrAuthFail)
	_ = alice
}

func TestDecryptMessageRejectsTamperedCiphertext(t *testing.T) {
	alice, bob, aliceKeys, bobKeys := establishSession(t)
	bobIK, err := bob.IdentityKeyPair()
	require.NoError(t, err)

	msg, err := EncryptMessage([]byte("hello"), &aliceKeys, bobIK.Public)
	require.NoError(t, err)
	// MAC covers ciphertext||nonce, so this is caught by the MAC check,
	// never reaching AEAD — still surfaces as ErrAuthFail.
	msg.Ciphertext[0] ^= 0xFF

	_, _, _, err = DecryptMessage(msg, &bobKeys, bobIK.Secret, bobIK.Public)
	assert.ErrorIs(t, err, protoerr.ErrAuthFail)
	_ = alice
}

func TestRatchetAdvancesKeysAndCounter(t *testing.T) {
	_, _, aliceKeys, _ := establishSession(t)
	before := aliceKeys

	require.NoError(t, Ratchet(&aliceKeys))

	assert.NotEqual(t, before.SendKey, aliceKeys.SendKey)
	assert.NotEqual(t, before.Chain, aliceKeys.Chain)
	assert.Equal(t, before.MessageNumber+1, aliceKeys.MessageNumber)
}

func TestRatchetIsDeterministicGivenSameChain(t *testing.T) {
	a := SessionKeys{Chain: [32]byte{1, 2, 3}}
	b := SessionKeys{Chain: [32]byte{1, 2, 3}}

	require.NoError(t, Ratchet(&a))
	require.NoError(t, Ratchet(&b))

	assert.Equal(t, a.SendKey, b.SendKey)
	assert.Equal(t, a.ReceiveKey, b.ReceiveKey)
	assert.Equal(t, a.Chain, b.Chain)
}

func TestCreateBurnMessageRoundTrips(t *testing.T) {
	alice, bob, aliceKeys, bobKeys := establishSession(t)
	bobIK, err := bob.IdentityKeyPair()
	require.NoError(t, err)

	msg, err := CreateBurnMessage("self-destructing", &aliceKeys, bobIK.Public)
	require.NoError(t, err)

	content, _, _, err := DecryptMessage(msg, &bobKeys, bobIK.Secret, bobIK.Public)
	require.NoError(t, err)
	assert.Contains(t, string(content), "self-destructing")
	assert.Contains(t, string(content), `"burnAfterRead":true`)
	_ = alice
}
