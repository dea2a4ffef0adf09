// Package dispatcher implements the server's per-frame authorization
// matrix and handler semantics: it is the only place that knows how
// each wire.FrameType maps to a ConnectionManager/MessageStore/
// RateLimiter call. See spec.md §4.J.
package dispatcher

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/connmanager"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/media"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/metrics"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/ratelimit"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/store"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/wire"
)

// AuditLogger records security-relevant dispatcher events. internal/audit
// implements this; tests may supply a no-op.
type AuditLogger interface {
	LogEvent(eventType, clientID, detail string)
}

type noopAudit struct{}

func (noopAudit) LogEvent(string, string, string) {}

// Dispatcher wires the connection manager, message store, rate limiter,
// and optional media backend together behind the per-type authorization
// matrix in spec.md §4.J.
type Dispatcher struct {
	conns       *connmanager.Manager
	store       *store.Store
	limiter     *ratelimit.Limiter
	media       *media.MediaService // nil if no backend configured
	mediaLimits *media.MediaLimitConfig // nil falls back to media.MaxFileSize
	audit       AuditLogger
	logger      *log.Logger

	rateLimitSalt string

	requireInvitation bool
	invitedMu         sync.Mutex
	invitedKeys       map[string]bool // accepterKey -> relayed a valid invitation-accept
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithMediaService attaches the optional media storage backend. Without
// it, media-upload/media-download always reply NOT_SUPPORTED.
func WithMediaService(m *media.MediaService) Option {
	return func(d *Dispatcher) { d.media = m }
}

// WithAuditLogger attaches a security-event sink.
func WithAuditLogger(a AuditLogger) Option {
	return func(d *Dispatcher) { d.audit = a }
}

// WithMediaLimits configures per-mime-class upload size caps (spec.md
// §4.D); media-upload falls back to the flat media.MaxFileSize when
// this option is never applied.
func WithMediaLimits(limits *media.MediaLimitConfig) Option {
	return func(d *Dispatcher) { d.mediaLimits = limits }
}

// WithRequireInvitation enforces spec.md §6's REQUIRE_INVITATION: a
// public key must have been named as an accepterKey in an
// already-authenticated member's invitation frame (or completed an
// invitation-accept itself) before its own authenticate can succeed.
// The server never decrypts or verifies the SecureInvitation itself —
// that crypto lives entirely in internal/invitation on the client side
// of the zero-knowledge boundary (spec.md §2's component table assigns
// Invitations to the client engine, not the server core) — so this is
// a presence check on the relay, not a validity check on the bundle.
// Gating on the invitation frame rather than invitation-accept matters:
// both require an authenticated sender (spec.md §4.J), so gating solely
// on invitation-accept would leave a brand-new invitee unable to ever
// authenticate in order to send it.
func WithRequireInvitation(require bool) Option {
	return func(d *Dispatcher) { d.requireInvitation = require }
}

// New builds a Dispatcher over the given collaborators.
func New(conns *connmanager.Manager, st *store.Store, limiter *ratelimit.Limiter, rateLimitSalt string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conns:         conns,
		store:         st,
		limiter:       limiter,
		audit:         noopAudit{},
		rateLimitSalt: rateLimitSalt,
		logger:        log.New(log.Writer(), "[DISPATCHER] ", log.Ldate|log.Ltime|log.LUTC),
		invitedKeys:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) markInvited(accepterKey string) {
	if accepterKey == "" {
		return
	}
	d.invitedMu.Lock()
	d.invitedKeys[accepterKey] = true
	d.invitedMu.Unlock()
}

func (d *Dispatcher) isInvited(publicKey string) bool {
	d.invitedMu.Lock()
	defer d.invitedMu.Unlock()
	return d.invitedKeys[publicKey]
}

// Dispatch routes one inbound frame for conn, returning the frame(s) to
// send back to the caller directly (fan-out to other parties happens as
// a side effect via the connection manager, not through the return
// value).
func (d *Dispatcher) Dispatch(conn *connmanager.ClientConnection, raw []byte) []wire.Frame {
	d.conns.Touch(conn.ID)

	frame, err := wire.ParseFrame(raw)
	if err != nil {
		return []wire.Frame{wire.NewErrorFrame("", wire.CodeInvalidRequest, "malformed frame", nowUnix())}
	}
	metrics.RecordFrame(string(frame.Type), "inbound")

	if !d.authorize(conn, frame) {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeUnauthorized, "not authenticated", nowUnix())}
	}
	if d.rateLimited(conn, frame) {
		metrics.RecordRateLimitHit(string(frame.Type))
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeRateLimited, "rate limit exceeded", nowUnix())}
	}

	var out []wire.Frame
	switch frame.Type {
	case wire.TypePing:
		out = []wire.Frame{mustFrame(wire.NewFrame(wire.TypePong, frame.RequestID, struct{}{}, nowUnix()))}
	case wire.TypeAuthenticate:
		out = d.handleAuthenticate(conn, frame)
	case wire.TypeMessage:
		out = d.handleMessage(conn, frame)
	case wire.TypeKeyExchange:
		out = d.handleKeyExchange(conn, frame)
	case wire.TypeKeyExchangeResponse:
		out = d.handleKeyExchangeResponse(conn, frame)
	case wire.TypePresence:
		out = forwardOnly(d, conn, frame, wire.TypePresence, func(p wire.PresencePayload) string { return p.RecipientKey })
	case wire.TypeTyping:
		out = forwardOnly(d, conn, frame, wire.TypeTyping, func(p wire.TypingPayload) string { return p.RecipientKey })
	case wire.TypeBurnRequest:
		out = forwardOnly(d, conn, frame, wire.TypeBurnRequest, func(p wire.BurnRequestPayload) string { return p.RecipientKey })
	case wire.TypeInvitation:
		out = d.handleInvitation(conn, frame)
	case wire.TypeInvitationAccept:
		out = d.handleInvitationAccept(conn, frame)
	case wire.TypeSyncRequest:
		out = d.handleSyncRequest(conn, frame)
	case wire.TypeMediaUpload:
		out = d.handleMediaUpload(conn, frame)
	case wire.TypeMediaDownload:
		out = d.handleMediaDownload(conn, frame)
	default:
		out = []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeNotSupported, "unsupported frame type", nowUnix())}
	}

	for _, f := range out {
		metrics.RecordFrame(string(f.Type), "outbound")
	}
	return out
}

// authorize implements the "requires authenticated?" column of spec.md
// §4.J's matrix. presence/typing/burn-request are "silent drop if not
// authenticated" rather than an error frame; Dispatch's caller treats a
// nil-ish result the same as any other reply.
func (d *Dispatcher) authorize(conn *connmanager.ClientConnection, frame wire.Frame) bool {
	switch frame.Type {
	case wire.TypePing, wire.TypeAuthenticate:
		return true
	case wire.TypePresence, wire.TypeTyping, wire.TypeBurnRequest:
		return true // checked again, silently, inside the handler
	default:
		return conn.State == connmanager.StateAuthenticated
	}
}

func (d *Dispatcher) rateLimited(conn *connmanager.ClientConnection, frame wire.Frame) bool {
	if d.limiter == nil {
		return false
	}
	ipHash := ratelimit.HashIP(conn.IPHash, d.rateLimitSalt)
	switch frame.Type {
	case wire.TypeAuthenticate:
		return d.limiter.IsRateLimited(ipHash, ratelimit.ActionAuth, ratelimit.Defaults[ratelimit.ActionAuth])
	case wire.TypeMessage:
		return d.limiter.IsRateLimited(ipHash, ratelimit.ActionMessage, ratelimit.Defaults[ratelimit.ActionMessage])
	default:
		return false
	}
}

func (d *Dispatcher) handleAuthenticate(conn *connmanager.ClientConnection, frame wire.Frame) []wire.Frame {
	if conn.State != connmanager.StateAwaitingResponse {
		challenge, err := d.conns.GenerateChallenge(conn.ID)
		if err != nil {
			return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeInvalidRequest, "could not issue challenge", nowUnix())}
		}
		payload := wire.AuthenticateChallengePayload{
			Challenge: base64.StdEncoding.EncodeToString(challenge.Nonce),
			Timestamp: challenge.Timestamp,
		}
		return []wire.Frame{mustFrame(wire.NewFrame(wire.TypeAuthenticate, frame.RequestID, payload, nowUnix()))}
	}

	var resp wire.AuthenticateResponsePayload
	if err := wire.DecodePayload(frame, &resp); err != nil {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeInvalidRequest, "bad authenticate payload", nowUnix())}
	}

	ok, err := d.conns.Authenticate(conn.ID, resp.PublicKey, resp.SignedChallenge)
	if err != nil || !ok {
		metrics.RecordAuthAttempt(false)
		d.audit.LogEvent("auth_failure", conn.ID, resp.PublicKey)
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeUnauthorized, "authentication failed", nowUnix())}
	}

	if d.requireInvitation && !d.isInvited(resp.PublicKey) {
		metrics.RecordAuthAttempt(false)
		d.audit.LogEvent("auth_uninvited", conn.ID, resp.PublicKey)
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeForbidden, "invitation required", nowUnix())}
	}

	ipHash := ratelimit.HashIP(conn.IPHash, d.rateLimitSalt)
	if d.limiter != nil {
		d.limiter.ResetForIP(ipHash, ratelimit.ActionAuth)
	}
	metrics.RecordAuthAttempt(true)
	d.audit.LogEvent("auth_success", conn.ID, resp.PublicKey)

	return []wire.Frame{mustFrame(wire.NewFrame(wire.TypeAuthenticate, frame.RequestID, wire.AuthenticateSuccessPayload{Success: true}, nowUnix()))}
}

func (d *Dispatcher) handleMessage(conn *connmanager.ClientConnection, frame wire.Frame) []wire.Frame {
	var payload wire.MessagePayload
	if err := wire.DecodePayload(frame, &payload); err != nil || payload.RecipientKey == "" || payload.EncryptedContent == nil {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeInvalidRequest, "message requires recipientKey and encryptedContent", nowUnix())}
	}

	blob, err := json.Marshal(payload.EncryptedContent)
	if err != nil {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeInvalidRequest, "bad message payload", nowUnix())}
	}

	start := time.Now()
	id := d.store.Store(conn.PublicKey, payload.RecipientKey, blob)

	outbound := wire.MessagePayload{
		RecipientKey:     payload.RecipientKey,
		EncryptedContent: payload.EncryptedContent,
		MediaID:          payload.MediaID,
		SenderKey:        conn.PublicKey,
	}
	recipientFrame := mustFrame(wire.NewFrame(wire.TypeMessage, frame.RequestID, outbound, nowUnix()))
	delivered := d.conns.RouteMessage(payload.RecipientKey, recipientFrame)
	if delivered {
		d.store.MarkDelivered(id, payload.RecipientKey)
	}
	metrics.RecordMessage(delivered)
	metrics.RecordDeliveryLatency(time.Since(start))

	echo := outbound
	echo.IsSentByMe = true
	echoFrame := mustFrame(wire.NewFrame(wire.TypeMessage, frame.RequestID, echo, nowUnix()))
	d.conns.RouteToOtherDevices(conn.PublicKey, conn.ID, echoFrame)

	ack := wire.MessageAckPayload{MessageID: id, Delivered: delivered, Timestamp: nowUnix()}
	return []wire.Frame{mustFrame(wire.NewFrame(wire.TypeMessageAck, frame.RequestID, ack, nowUnix()))}
}

func (d *Dispatcher) handleKeyExchange(conn *connmanager.ClientConnection, frame wire.Frame) []wire.Frame {
	var payload wire.KeyExchangePayload
	if err := wire.DecodePayload(frame, &payload); err != nil || payload.RecipientKey == "" {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeInvalidRequest, "key-exchange requires recipientKey", nowUnix())}
	}

	d.conns.StorePendingKeyExchange(conn.PublicKey, payload.RecipientKey, payload.KeyBundle)
	metrics.RecordKeyExchange("initiate")

	forward := wire.KeyExchangePayload{InitiatorKey: conn.PublicKey, KeyBundle: payload.KeyBundle}
	forwardFrame := mustFrame(wire.NewFrame(wire.TypeKeyExchange, frame.RequestID, forward, nowUnix()))
	delivered := d.conns.RouteMessage(payload.RecipientKey, forwardFrame)

	ack := wire.MessageAckPayload{Delivered: delivered, Timestamp: nowUnix()}
	return []wire.Frame{mustFrame(wire.NewFrame(wire.TypeMessageAck, frame.RequestID, ack, nowUnix()))}
}

func (d *Dispatcher) handleKeyExchangeResponse(conn *connmanager.ClientConnection, frame wire.Frame) []wire.Frame {
	var payload wire.KeyExchangePayload
	if err := wire.DecodePayload(frame, &payload); err != nil || payload.InitiatorKey == "" {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeInvalidRequest, "key-exchange-response requires initiatorKey", nowUnix())}
	}

	d.conns.ConsumePendingKeyExchange(payload.InitiatorKey, conn.PublicKey)
	metrics.RecordKeyExchange("response")

	forward := wire.KeyExchangePayload{RecipientKey: conn.PublicKey, KeyBundle: payload.KeyBundle}
	forwardFrame := mustFrame(wire.NewFrame(wire.TypeKeyExchangeResponse, frame.RequestID, forward, nowUnix()))
	d.conns.RouteMessage(payload.InitiatorKey, forwardFrame)

	return nil
}

// handleInvitation is the inviter's half of spec.md §6's invitation /
// invitation-accept pair: an already-authenticated member names the
// public key they're inviting in accepterKey and the frame is forwarded
// to that key if it happens to already be online. Critically, this is
// also where REQUIRE_INVITATION's relay gate gets populated — the named
// key is marked invited here, before the invitee has ever connected, so
// their first authenticate isn't blocked waiting on an invitation-accept
// they could only send by authenticating first.
func (d *Dispatcher) handleInvitation(conn *connmanager.ClientConnection, frame wire.Frame) []wire.Frame {
	if conn.State != connmanager.StateAuthenticated {
		return nil
	}
	var payload wire.InvitationAcceptPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return nil
	}
	d.markInvited(payload.AccepterKey)

	forwardFrame := mustFrame(wire.NewFrame(wire.TypeInvitation, frame.RequestID, payload, nowUnix()))
	if payload.AccepterKey != "" {
		d.conns.RouteMessage(payload.AccepterKey, forwardFrame)
	}
	return nil
}

// handleInvitationAccept forwards the accept to the inviter like any
// other presence-class frame. It also marks conn.PublicKey invited, the
// same flag handleInvitation sets — a belt-and-suspenders record for
// deployments where REQUIRE_INVITATION was turned on after this accepter
// already held an open connection from before the inviter's frame ran.
func (d *Dispatcher) handleInvitationAccept(conn *connmanager.ClientConnection, frame wire.Frame) []wire.Frame {
	if conn.State != connmanager.StateAuthenticated {
		return nil
	}
	var payload wire.InvitationAcceptPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return nil
	}
	if payload.InviterKey == "" {
		return nil
	}
	// conn.PublicKey, not the client-supplied payload.AccepterKey, is the
	// authoritative identity here — it was established by Ed25519
	// verification during authenticate.
	d.markInvited(conn.PublicKey)

	forwardFrame := mustFrame(wire.NewFrame(wire.TypeInvitationAccept, frame.RequestID, payload, nowUnix()))
	d.conns.RouteMessage(payload.InviterKey, forwardFrame)
	return nil
}

// forwardOnly implements the presence/typing/burn-request
// "forward only; no storage" semantics, silently dropping the frame if
// the connection isn't authenticated or the recipient can't be
// resolved. Go methods cannot carry their own type parameters, so this
// is a package-level function taking the dispatcher explicitly.
func forwardOnly[T any](d *Dispatcher, conn *connmanager.ClientConnection, frame wire.Frame, typ wire.FrameType, recipientOf func(T) string) []wire.Frame {
	if conn.State != connmanager.StateAuthenticated {
		return nil
	}
	var payload T
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return nil
	}
	recipient := recipientOf(payload)
	if recipient == "" {
		return nil
	}
	forwardFrame := mustFrame(wire.NewFrame(typ, frame.RequestID, payload, nowUnix()))
	d.conns.RouteMessage(recipient, forwardFrame)
	return nil
}

func (d *Dispatcher) handleSyncRequest(conn *connmanager.ClientConnection, frame wire.Frame) []wire.Frame {
	var payload wire.SyncRequestPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeInvalidRequest, "bad sync-request payload", nowUnix())}
	}

	var since int64
	if payload.SinceTimestamp != nil {
		since = *payload.SinceTimestamp
	}
	limit := 0
	if payload.Limit != nil {
		limit = *payload.Limit
	}

	var msgs []*store.Message
	if payload.ConversationWith != nil {
		msgs = d.store.GetConversation(conn.PublicKey, *payload.ConversationWith, since, limit)
	} else {
		msgs = d.store.GetForUser(conn.PublicKey, since, limit)
	}

	out := make([]wire.SyncMessage, 0, len(msgs))
	for _, m := range msgs {
		var content any
		if err := json.Unmarshal(m.EncryptedBlob, &content); err != nil {
			continue
		}
		out = append(out, wire.SyncMessage{
			ID:               m.ID,
			SenderKey:        m.SenderKey,
			RecipientKey:     m.RecipientKey,
			EncryptedContent: content,
			Timestamp:        m.Timestamp,
			Delivered:        m.Delivered,
		})
	}

	hasMore := limit > 0 && len(out) == limit
	resp := wire.SyncResponsePayload{Messages: out, HasMore: hasMore}
	return []wire.Frame{mustFrame(wire.NewFrame(wire.TypeSyncResponse, frame.RequestID, resp, nowUnix()))}
}

func (d *Dispatcher) handleMediaUpload(conn *connmanager.ClientConnection, frame wire.Frame) []wire.Frame {
	if d.media == nil {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeNotSupported, "no media backend configured", nowUnix())}
	}

	var payload wire.MediaUploadPayload
	if err := wire.DecodePayload(frame, &payload); err != nil || payload.EncryptedData == "" {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeInvalidRequest, "media-upload requires encryptedData", nowUnix())}
	}

	data, err := base64.StdEncoding.DecodeString(payload.EncryptedData)
	if err != nil {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeInvalidRequest, "encryptedData must be base64", nowUnix())}
	}
	if err := media.ValidateUpload(int64(len(data)), payload.MimeType, d.mediaLimits); err != nil {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeFileTooLarge, err.Error(), nowUnix())}
	}

	mediaID, err := d.media.UploadCiphertext(data, payload.MimeType)
	if err != nil {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeUploadFailed, "upload failed", nowUnix())}
	}
	metrics.RecordMediaUpload(int64(len(data)))

	ack := wire.MediaUploadAckPayload{
		MediaID:   mediaID.String(),
		ExpiresAt: time.Now().Add(1 * time.Hour).Unix(),
	}
	return []wire.Frame{mustFrame(wire.NewFrame(wire.TypeMediaUploadAck, frame.RequestID, ack, nowUnix()))}
}

func (d *Dispatcher) handleMediaDownload(conn *connmanager.ClientConnection, frame wire.Frame) []wire.Frame {
	if d.media == nil {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeNotSupported, "no media backend configured", nowUnix())}
	}

	var payload wire.MediaDownloadPayload
	if err := wire.DecodePayload(frame, &payload); err != nil || payload.MediaID == "" {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeInvalidRequest, "media-download requires mediaId", nowUnix())}
	}

	mediaID, err := uuid.Parse(payload.MediaID)
	if err != nil {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeInvalidRequest, "mediaId must be a UUID", nowUnix())}
	}

	data, err := d.media.DownloadCiphertext(mediaID)
	if err != nil {
		return []wire.Frame{wire.NewErrorFrame(frame.RequestID, wire.CodeDownloadFailed, "download failed", nowUnix())}
	}

	resp := wire.MediaDownloadResponsePayload{
		MediaID:       payload.MediaID,
		EncryptedData: base64.StdEncoding.EncodeToString(data),
		FileSize:      int64(len(data)),
	}
	return []wire.Frame{mustFrame(wire.NewFrame(wire.TypeMediaDownloadResponse, frame.RequestID, resp, nowUnix()))}
}

func mustFrame(f wire.Frame, err error) wire.Frame {
	if err != nil {
		panic(fmt.Sprintf("dispatcher: building a known-good payload failed: %v", err))
	}
	return f
}

func nowUnix() int64 {
	return time.Now().UTC().Unix()
}
