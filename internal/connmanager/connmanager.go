// Package connmanager implements the server-side per-client connection
// state machine: challenge-response authentication, multi-device
// fan-out keyed by public key, and pending key-exchange rendezvous. See
// spec.md §4.G.
package connmanager

import (
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/metrics"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/primitives"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/protoerr"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/wire"
)

// State is one node of the per-client state machine in spec.md §4.G.
type State int

const (
	StateNew State = iota
	StateUnauth
	StateAwaitingResponse
	StateAuthenticated
	StateClosed
)

const (
	challengeTTL      = 60 * time.Second
	pendingExchangeTTL = 5 * time.Minute
	housekeepingTick   = 5 * time.Minute
)

// Socket is the minimal transport surface the manager needs; cmd/server
// wires this to a *websocket.Conn.
type Socket interface {
	Send(frame wire.Frame) error
	Close(code int, reason string) error
}

// Challenge is the server nonce a client must sign to authenticate.
type Challenge struct {
	Nonce     []byte
	Timestamp int64
	ExpiresAt int64
}

// ClientConnection is one socket's server-side state.
type ClientConnection struct {
	ID        string
	Socket    Socket
	IPHash    string
	State     State
	PublicKey string // base64 identity key, set once authenticated

	mu               sync.Mutex
	pendingChallenge *Challenge

	ConnectedAt  time.Time
	LastActivity time.Time
}

func (c *ClientConnection) touch() {
	c.mu.Lock()
	c.LastActivity = time.Now().UTC()
	c.mu.Unlock()
}

// PendingKeyExchange is a key bundle parked at the server awaiting
// pickup by the recipient.
type PendingKeyExchange struct {
	InitiatorKey string
	RecipientKey string
	Bundle       wire.KeyBundlePayload
	Timestamp    time.Time
}

// Manager owns every live connection and the public-key index over them.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*ClientConnection
	byPublicKey map[string]map[string]bool // public key -> set of client ids

	pendingMu       sync.Mutex
	pendingExchange map[string]PendingKeyExchange // key = initiatorKey + ":" + recipientKey

	stopCh chan struct{}
	logger *log.Logger

	serverID string
}

// New constructs a Manager and starts its 5-minute housekeeping tick.
func New() *Manager {
	return NewWithServerID("local")
}

// NewWithServerID is New with an explicit server_id label for the
// phantom_websocket_connections gauge, for multi-node deployments.
func NewWithServerID(serverID string) *Manager {
	m := &Manager{
		connections:     make(map[string]*ClientConnection),
		byPublicKey:     make(map[string]map[string]bool),
		pendingExchange: make(map[string]PendingKeyExchange),
		stopCh:          make(chan struct{}),
		logger:          log.New(log.Writer(), "[CONNMANAGER] ", log.Ldate|log.Ltime|log.LUTC),
		serverID:        serverID,
	}
	go m.housekeepingLoop()
	return m
}

func (m *Manager) housekeepingLoop() {
	ticker := time.NewTicker(housekeepingTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.expireChallenges()
			m.expirePendingExchanges()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) expireChallenges() {
	now := time.Now().UTC().Unix()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.connections {
		c.mu.Lock()
		if c.pendingChallenge != nil && now > c.pendingChallenge.ExpiresAt {
			c.pendingChallenge = nil
			if c.State == StateAwaitingResponse {
				c.State = StateUnauth
			}
		}
		c.mu.Unlock()
	}
}

func (m *Manager) expirePendingExchanges() {
	cutoff := time.Now().Add(-pendingExchangeTTL)
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for key, pke := range m.pendingExchange {
		if pke.Timestamp.Before(cutoff) {
			delete(m.pendingExchange, key)
		}
	}
}

// CountByIPHash returns the number of currently-open connections from
// ipHash, for enforcing spec.md §6's MAX_CONNECTIONS_PER_IP at accept
// time.
func (m *Manager) CountByIPHash(ipHash string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.connections {
		if c.IPHash == ipHash {
			n++
		}
	}
	return n
}

// AddConnection registers a freshly accepted socket and allocates its
// client id.
func (m *Manager) AddConnection(socket Socket, ipHash string) *ClientConnection {
	conn := &ClientConnection{
		ID:           uuid.NewString(),
		Socket:       socket,
		IPHash:       ipHash,
		State:        StateUnauth,
		ConnectedAt:  time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID] = conn
	metrics.WebSocketConnections.WithLabelValues(m.serverID).Set(float64(len(m.connections)))
	return conn
}

// GenerateChallenge issues a fresh 60-second challenge for clientID.
func (m *Manager) GenerateChallenge(clientID string) (Challenge, error) {
	conn, ok := m.get(clientID)
	if !ok {
		return Challenge{}, fmt.Errorf("connmanager: generate_challenge: %w", protoerr.ErrNotFound)
	}

	nonce, err := primitives.RandomBytes(32)
	if err != nil {
		return Challenge{}, fmt.Errorf("connmanager: generate_challenge: %w", err)
	}
	now := time.Now().UTC()
	challenge := Challenge{Nonce: nonce, Timestamp: now.Unix(), ExpiresAt: now.Add(challengeTTL).Unix()}

	conn.mu.Lock()
	conn.pendingChallenge = &challenge
	conn.State = StateAwaitingResponse
	conn.mu.Unlock()

	return challenge, nil
}

// Authenticate verifies signedChallengeB64 is a valid Ed25519 signature
// over the pending challenge's nonce under publicKeyB64, per the
// mandated resolution in spec.md §9 (verification is NOT optional). On
// success the connection transitions to AUTHENTICATED and is added to
// the public-key index for multi-device fan-out.
func (m *Manager) Authenticate(clientID, publicKeyB64, signedChallengeB64 string) (bool, error) {
	conn, ok := m.get(clientID)
	if !ok {
		return false, fmt.Errorf("connmanager: authenticate: %w", protoerr.ErrNotFound)
	}

	conn.mu.Lock()
	challenge := conn.pendingChallenge
	conn.mu.Unlock()
	if challenge == nil {
		return false, fmt.Errorf("connmanager: authenticate: %w", protoerr.ErrAuthFail)
	}
	if time.Now().UTC().Unix() > challenge.ExpiresAt {
		return false, fmt.Errorf("connmanager: authenticate: %w", protoerr.ErrExpired)
	}

	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return false, fmt.Errorf("connmanager: authenticate: %w", protoerr.ErrBadFormat)
	}
	signed, err := base64.StdEncoding.DecodeString(signedChallengeB64)
	if err != nil {
		return false, fmt.Errorf("connmanager: authenticate: %w", protoerr.ErrBadFormat)
	}

	if !primitives.Verify(challenge.Nonce, signed, publicKey) {
		return false, nil
	}

	conn.mu.Lock()
	conn.State = StateAuthenticated
	conn.PublicKey = publicKeyB64
	conn.pendingChallenge = nil
	conn.mu.Unlock()

	m.mu.Lock()
	if m.byPublicKey[publicKeyB64] == nil {
		m.byPublicKey[publicKeyB64] = make(map[string]bool)
	}
	m.byPublicKey[publicKeyB64][clientID] = true
	m.mu.Unlock()

	return true, nil
}

// RouteMessage best-effort delivers frame to every live device registered
// under recipientKey. A failed send on one device never aborts fan-out
// to the others. Returns true iff at least one send succeeded.
func (m *Manager) RouteMessage(recipientKey string, frame wire.Frame) bool {
	return m.routeExcluding(recipientKey, "", frame)
}

// RouteToOtherDevices mirrors RouteMessage but skips excludeClientID,
// used to echo a user's own sent messages to their other sessions.
func (m *Manager) RouteToOtherDevices(publicKey, excludeClientID string, frame wire.Frame) bool {
	return m.routeExcluding(publicKey, excludeClientID, frame)
}

func (m *Manager) routeExcluding(publicKey, excludeClientID string, frame wire.Frame) bool {
	m.mu.RLock()
	clientIDs := make([]string, 0, len(m.byPublicKey[publicKey]))
	for id := range m.byPublicKey[publicKey] {
		if id != excludeClientID {
			clientIDs = append(clientIDs, id)
		}
	}
	conns := make([]*ClientConnection, 0, len(clientIDs))
	for _, id := range clientIDs {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	delivered := false
	for _, c := range conns {
		if c.Socket == nil {
			continue
		}
		if err := c.Socket.Send(frame); err != nil {
			m.logger.Printf("send to client %s failed: %v", c.ID, err)
			continue
		}
		delivered = true
	}
	return delivered
}

// StorePendingKeyExchange parks a key bundle for pickup by the recipient.
func (m *Manager) StorePendingKeyExchange(initiatorKey, recipientKey string, bundle wire.KeyBundlePayload) {
	key := initiatorKey + ":" + recipientKey
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.pendingExchange[key] = PendingKeyExchange{
		InitiatorKey: initiatorKey,
		RecipientKey: recipientKey,
		Bundle:       bundle,
		Timestamp:    time.Now().UTC(),
	}
}

// ConsumePendingKeyExchange deletes and returns the parked bundle for
// (initiatorKey, recipientKey), treating entries older than 5 minutes as
// absent.
func (m *Manager) ConsumePendingKeyExchange(initiatorKey, recipientKey string) (PendingKeyExchange, bool) {
	key := initiatorKey + ":" + recipientKey
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	pke, ok := m.pendingExchange[key]
	if !ok {
		return PendingKeyExchange{}, false
	}
	delete(m.pendingExchange, key)
	if time.Since(pke.Timestamp) > pendingExchangeTTL {
		return PendingKeyExchange{}, false
	}
	return pke, true
}

// Touch records activity on clientID, called by the dispatcher on every
// inbound frame.
func (m *Manager) Touch(clientID string) {
	if conn, ok := m.get(clientID); ok {
		conn.touch()
	}
}

// Get returns the connection for clientID, if live.
func (m *Manager) Get(clientID string) (*ClientConnection, bool) {
	return m.get(clientID)
}

func (m *Manager) get(clientID string) (*ClientConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[clientID]
	return c, ok
}

// RemoveConnection drops clientID from both indexes, e.g. on socket
// close.
func (m *Manager) RemoveConnection(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[clientID]
	if !ok {
		return
	}
	conn.State = StateClosed
	delete(m.connections, clientID)
	if conn.PublicKey != "" {
		if set, ok := m.byPublicKey[conn.PublicKey]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(m.byPublicKey, conn.PublicKey)
			}
		}
	}
	metrics.WebSocketConnections.WithLabelValues(m.serverID).Set(float64(len(m.connections)))
}

// Stop closes every socket with WebSocket close code 1001 ("going
// away"), clears all state, and halts the housekeeping goroutine.
func (m *Manager) Stop() {
	m.mu.Lock()
	conns := make([]*ClientConnection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[string]*ClientConnection)
	m.byPublicKey = make(map[string]map[string]bool)
	m.mu.Unlock()
	metrics.WebSocketConnections.WithLabelValues(m.serverID).Set(0)

	for _, c := range conns {
		if c.Socket != nil {
			_ = c.Socket.Close(1001, "server shutting down")
		}
	}

	close(m.stopCh)
}
