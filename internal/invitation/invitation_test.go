package invitation

import (
	"strings"
	"testing"
	"time"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/primitives"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/protoerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCreator(t *testing.T) CreatorIdentity {
	t.Helper()
	kp, err := primitives.X25519KeyPair()
	require.NoError(t, err)
	signKP, err := primitives.Ed25519KeyPair()
	require.NoError(t, err)
	return CreatorIdentity{Public: kp.Public, SigningPublic: signKP.Public, SigningSecret: signKP.Secret}
}

func TestGenerateThenValidateSucceeds(t *testing.T) {
	creator := testCreator(t)
	inv, code, _, err := Generate(creator, Options{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "PHM-"))

	data, err := Validate(code, inv, creator.SigningPublic)
	require.NoError(t, err)
	assert.Equal(t, creator.Public, data.CreatorPublic)
	assert.Equal(t, 1, data.MaxUses)
	assert.Equal(t, 1, data.UsesRemaining)
}

func TestValidateRejectsExpired(t *testing.T) {
	creator := testCreator(t)
	inv, code, _, err := Generate(creator, Options{ExpiresIn: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = Validate(code, inv, creator.SigningPublic)
	assert.ErrorIs(t, err, protoerr.ErrExpired)
}

func TestRevokeInvalidatesInvitation(t *testing.T) {
	creator := testCreator(t)
	inv, code, _, err := Generate(creator, Options{})
	require.NoError(t, err)
	assert.True(t, inv.IsValid())

	inv.Revoke()
	assert.False(t, inv.IsValid())

	_, err = Validate(code, inv, creator.SigningPublic)
	assert.ErrorIs(t, err, protoerr.ErrRevoked)
}

func TestValidateRejectsWrongSigningKey(t *testing.T) {
	creator := testCreator(t)
	other := testCreator(t)
	inv, code, _, err := Generate(creator, Options{})
	require.NoError(t, err)

	_, err = Validate(code, inv, other.SigningPublic)
	assert.ErrorIs(t, err, protoerr.ErrAuthFail)
}

func TestValidateRejectsGarbageCode(t *testing.T) {
	creator := testCreator(t)
	inv, _, _, err := Generate(creator, Options{})
	require.NoError(t, err)

	_, err = Validate("not-a-code", inv, creator.SigningPublic)
	assert.ErrorIs(t, err, protoerr.ErrBadFormat)
}

func TestMaxUsesDefaultsAndSingleUse(t *testing.T) {
	creator := testCreator(t)
	inv, code, _, err := Generate(creator, Options{SingleUse: true, MaxUses: 50})
	require.NoError(t, err)

	data, err := Validate(code, inv, creator.SigningPublic)
	require.NoError(t, err)
	assert.Equal(t, 1, data.MaxUses)
}
