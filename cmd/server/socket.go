package main

import (
	"log"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/wire"
)

// WebSocket pump constants, grounded on internal/websocket/client.go's
// ReadPump/WritePump timings, generalized from the teacher's raw
// []byte channel to wire.Frame and from a models.WebSocketMessage
// decode loop to dispatcher.Dispatch. pingPeriod/pongWait are not
// constants: they come from cfg.WSPingInterval/WSPingTimeout (spec.md
// §6) via newWSSocket, so WS_PING_INTERVAL/WS_PING_TIMEOUT actually
// govern the keepalive this pump runs.
const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 * 1024 * 1024 // ciphertext + base64 media overhead, not the raw 10MB the teacher allowed over a chattier protocol
)

// wsSocket adapts a *gorilla/websocket.Conn to connmanager.Socket. One
// per accepted connection; Send enqueues onto a buffered channel drained
// by writePump so a slow client never blocks the dispatcher goroutine
// that called RouteMessage.
type wsSocket struct {
	conn *gws.Conn
	send chan wire.Frame
	done chan struct{}

	pingPeriod time.Duration
	pongWait   time.Duration
}

// newWSSocket builds a socket whose keepalive timing is driven by the
// configured ping interval/timeout: a ping goes out every pingInterval,
// and the read deadline gives the peer pingInterval+pingTimeout to
// either send a frame or answer with a pong before the connection is
// considered dead.
func newWSSocket(conn *gws.Conn, pingInterval, pingTimeout time.Duration) *wsSocket {
	return &wsSocket{
		conn:       conn,
		send:       make(chan wire.Frame, 100),
		done:       make(chan struct{}),
		pingPeriod: pingInterval,
		pongWait:   pingInterval + pingTimeout,
	}
}

func (s *wsSocket) Send(frame wire.Frame) error {
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return gws.ErrCloseSent
	default:
		// Buffer full: drop rather than block the caller, matching
		// spec.md §5's per-device backpressure rule.
		log.Printf("[WS] send buffer full, dropping frame type=%s", frame.Type)
		return nil
	}
}

func (s *wsSocket) Close(code int, reason string) error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(code, reason), deadline)
	return s.conn.Close()
}

// readPump decodes inbound frames and hands them to handle, until the
// connection errors or closes.
func (s *wsSocket) readPump(handle func(raw []byte)) {
	defer func() { _ = s.Close(gws.CloseNormalClosure, "read pump exiting") }()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseAbnormalClosure) {
				log.Printf("[WS] read error: %v", err)
			}
			return
		}
		handle(raw)
	}
}

// writePump drains the send channel onto the wire and keeps the
// connection alive with periodic pings.
func (s *wsSocket) writePump() {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(gws.CloseMessage, []byte{})
				return
			}
			raw, err := wire.Marshal(frame)
			if err != nil {
				log.Printf("[WS] marshal outbound frame: %v", err)
				continue
			}
			if err := s.conn.WriteMessage(gws.TextMessage, raw); err != nil {
				log.Printf("[WS] write error: %v", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(gws.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
