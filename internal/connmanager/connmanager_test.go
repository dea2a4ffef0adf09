package connmanager

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/primitives"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/wire"
)

type fakeSocket struct {
	sent   []wire.Frame
	closed bool
	code   int
}

func (f *fakeSocket) Send(frame wire.Frame) error {
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.closed = true
	f.code = code
	return nil
}

func mustAuthenticate(t *testing.T, m *Manager, conn *ClientConnection) primitives.SigningKeyPair {
	t.Helper()
	kp, err := primitives.Ed25519KeyPair()
	require.NoError(t, err)

	challenge, err := m.GenerateChallenge(conn.ID)
	require.NoError(t, err)

	sig := primitives.Sign(challenge.Nonce, kp.Secret)
	ok, err := m.Authenticate(conn.ID, base64.StdEncoding.EncodeToString(kp.Public), base64.StdEncoding.EncodeToString(sig))
	require.NoError(t, err)
	require.True(t, ok)
	return kp
}

func TestAddConnectionStartsUnauth(t *testing.T) {
	m := New()
	defer m.Stop()

	conn := m.AddConnection(&fakeSocket{}, "iphash")
	assert.Equal(t, StateUnauth, conn.State)
	assert.NotEmpty(t, conn.ID)
}

func TestGenerateChallengeMovesToAwaitingResponse(t *testing.T) {
	m := New()
	defer m.Stop()

	conn := m.AddConnection(&fakeSocket{}, "iphash")
	challenge, err := m.GenerateChallenge(conn.ID)
	require.NoError(t, err)
	assert.Len(t, challenge.Nonce, 32)

	got, _ := m.Get(conn.ID)
	assert.Equal(t, StateAwaitingResponse, got.State)
}

func TestAuthenticateWithValidSignatureSucceeds(t *testing.T) {
	m := New()
	defer m.Stop()

	conn := m.AddConnection(&fakeSocket{}, "iphash")
	kp := mustAuthenticate(t, m, conn)

	got, _ := m.Get(conn.ID)
	assert.Equal(t, StateAuthenticated, got.State)
	assert.Equal(t, base64.StdEncoding.EncodeToString(kp.Public), got.PublicKey)
}

func TestAuthenticateWithBadSignatureFails(t *testing.T) {
	m := New()
	defer m.Stop()

	conn := m.AddConnection(&fakeSocket{}, "iphash")
	kp, err := primitives.Ed25519KeyPair()
	require.NoError(t, err)

	_, err = m.GenerateChallenge(conn.ID)
	require.NoError(t, err)

	ok, err := m.Authenticate(conn.ID, base64.StdEncoding.EncodeToString(kp.Public), base64.StdEncoding.EncodeToString([]byte("not-a-signature-not-a-signature")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthenticateWithoutChallengeFails(t *testing.T) {
	m := New()
	defer m.Stop()

	conn := m.AddConnection(&fakeSocket{}, "iphash")
	kp, err := primitives.Ed25519KeyPair()
	require.NoError(t, err)
	sig := primitives.Sign([]byte("whatever"), kp.Secret)

	_, err = m.Authenticate(conn.ID, base64.StdEncoding.EncodeToString(kp.Public), base64.StdEncoding.EncodeToString(sig))
	assert.Error(t, err)
}

func TestRouteMessageFansOutAcrossDevices(t *testing.T) {
	m := New()
	defer m.Stop()

	sock1 := &fakeSocket{}
	sock2 := &fakeSocket{}
	c1 := m.AddConnection(sock1, "iphash")
	c2 := m.AddConnection(sock2, "iphash")
	kp, err := primitives.Ed25519KeyPair()
	require.NoError(t, err)

	for _, c := range []*ClientConnection{c1, c2} {
		ch, err := m.GenerateChallenge(c.ID)
		require.NoError(t, err)
		sig := primitives.Sign(ch.Nonce, kp.Secret)
		ok, err := m.Authenticate(c.ID, base64.StdEncoding.EncodeToString(kp.Public), base64.StdEncoding.EncodeToString(sig))
		require.NoError(t, err)
		require.True(t, ok)
	}

	frame := wire.Frame{Type: wire.TypeMessage, RequestID: "req-1"}
	delivered := m.RouteMessage(base64.StdEncoding.EncodeToString(kp.Public), frame)
	assert.True(t, delivered)
	assert.Len(t, sock1.sent, 1)
	assert.Len(t, sock2.sent, 1)
}

func TestRouteToOtherDevicesExcludesSender(t *testing.T) {
	m := New()
	defer m.Stop()

	sockA := &fakeSocket{}
	sockB := &fakeSocket{}
	connA := m.AddConnection(sockA, "iphash")
	connB := m.AddConnection(sockB, "iphash")
	kp, err := primitives.Ed25519KeyPair()
	require.NoError(t, err)

	for _, c := range []*ClientConnection{connA, connB} {
		ch, err := m.GenerateChallenge(c.ID)
		require.NoError(t, err)
		sig := primitives.Sign(ch.Nonce, kp.Secret)
		ok, err := m.Authenticate(c.ID, base64.StdEncoding.EncodeToString(kp.Public), base64.StdEncoding.EncodeToString(sig))
		require.NoError(t, err)
		require.True(t, ok)
	}

	frame := wire.Frame{Type: wire.TypePresence, RequestID: "req-2"}
	delivered := m.RouteToOtherDevices(base64.StdEncoding.EncodeToString(kp.Public), connA.ID, frame)
	assert.True(t, delivered)
	assert.Empty(t, sockA.sent)
	assert.Len(t, sockB.sent, 1)
}

func TestPendingKeyExchangeStoreAndConsume(t *testing.T) {
	m := New()
	defer m.Stop()

	bundle := wire.KeyBundlePayload{IdentityKey: "id", SignedPreKey: "spk", SignedPreKeySignature: "sig"}
	m.StorePendingKeyExchange("initiator", "recipient", bundle)

	got, ok := m.ConsumePendingKeyExchange("initiator", "recipient")
	require.True(t, ok)
	assert.Equal(t, bundle, got.Bundle)

	_, ok = m.ConsumePendingKeyExchange("initiator", "recipient")
	assert.False(t, ok)
}

func TestPendingKeyExchangeMissingReturnsFalse(t *testing.T) {
	m := New()
	defer m.Stop()

	_, ok := m.ConsumePendingKeyExchange("nobody", "nobody")
	assert.False(t, ok)
}

func TestRemoveConnectionClearsPublicKeyIndex(t *testing.T) {
	m := New()
	defer m.Stop()

	conn := m.AddConnection(&fakeSocket{}, "iphash")
	kp := mustAuthenticate(t, m, conn)

	m.RemoveConnection(conn.ID)
	frame := wire.Frame{Type: wire.TypePing}
	delivered := m.RouteMessage(base64.StdEncoding.EncodeToString(kp.Public), frame)
	assert.False(t, delivered)

	_, ok := m.Get(conn.ID)
	assert.False(t, ok)
}

func TestStopClosesAllSocketsWithGoingAwayCode(t *testing.T) {
	m := New()
	sock := &fakeSocket{}
	m.AddConnection(sock, "iphash")

	m.Stop()
	assert.True(t, sock.closed)
	assert.Equal(t, 1001, sock.code)
}

func TestExpireChallengesRevertsStateAfterTTL(t *testing.T) {
	m := New()
	defer m.Stop()

	conn := m.AddConnection(&fakeSocket{}, "iphash")
	_, err := m.GenerateChallenge(conn.ID)
	require.NoError(t, err)

	got, _ := m.Get(conn.ID)
	got.mu.Lock()
	got.pendingChallenge.ExpiresAt = time.Now().Add(-time.Second).Unix()
	got.mu.Unlock()

	m.expireChallenges()
	got, _ = m.Get(conn.ID)
	assert.Equal(t, StateUnauth, got.State)
}
