// Package wire defines the JSON frame envelope exchanged over the
// WebSocket connection: a closed set of frame types, the
// type/requestId/payload/timestamp shape, and the wire error codes. See
// spec.md §4.F and §6.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/protoerr"
)

// FrameType is the closed set of frame `type` values, both directions.
type FrameType string

const (
	TypeAuthenticate          FrameType = "authenticate"
	TypeMessage               FrameType = "message"
	TypeMessageAck            FrameType = "message-ack"
	TypeKeyExchange           FrameType = "key-exchange"
	TypeKeyExchangeResponse   FrameType = "key-exchange-response"
	TypePresence              FrameType = "presence"
	TypeTyping                FrameType = "typing"
	TypeInvitation            FrameType = "invitation"
	TypeInvitationAccept      FrameType = "invitation-accept"
	TypeBurnRequest           FrameType = "burn-request"
	TypeSyncRequest           FrameType = "sync-request"
	TypeSyncResponse          FrameType = "sync-response"
	TypeMediaUpload           FrameType = "media-upload"
	TypeMediaUploadAck        FrameType = "media-upload-ack"
	TypeMediaDownload         FrameType = "media-download"
	TypeMediaDownloadResponse FrameType = "media-download-response"
	TypePing                  FrameType = "ping"
	TypePong                  FrameType = "pong"
	TypeError                 FrameType = "error"
)

// validTypes is consulted by ParseFrame to reject anything outside the
// closed set.
var validTypes = map[FrameType]bool{
	TypeAuthenticate: true, TypeMessage: true, TypeMessageAck: true,
	TypeKeyExchange: true, TypeKeyExchangeResponse: true,
	TypePresence: true, TypeTyping: true,
	TypeInvitation: true, TypeInvitationAccept: true,
	TypeBurnRequest: true,
	TypeSyncRequest: true, TypeSyncResponse: true,
	TypeMediaUpload: true, TypeMediaUploadAck: true,
	TypeMediaDownload: true, TypeMediaDownloadResponse: true,
	TypePing: true, TypePong: true, TypeError: true,
}

// ErrorCode is one of the exact strings spec.md §6 lists.
type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeForbidden       ErrorCode = "FORBIDDEN"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeRateLimited     ErrorCode = "RATE_LIMITED"
	CodeNotSupported    ErrorCode = "NOT_SUPPORTED"
	CodeFileTooLarge    ErrorCode = "FILE_TOO_LARGE"
	CodeUploadFailed    ErrorCode = "UPLOAD_FAILED"
	CodeDownloadFailed  ErrorCode = "DOWNLOAD_FAILED"
)

// Frame is the envelope every WebSocket text message carries, in both
// directions.
type Frame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// ErrorPayload is the payload shape for Type == TypeError.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ParseFrame decodes raw bytes into a Frame, rejecting anything missing
// type/requestId/payload or outside the closed type set.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: parse_frame: %w", protoerr.ErrBadFormat)
	}
	if f.Type == "" || f.RequestID == "" || f.Payload == nil {
		return Frame{}, fmt.Errorf("wire: parse_frame: %w", protoerr.ErrBadFormat)
	}
	if !validTypes[f.Type] {
		return Frame{}, fmt.Errorf("wire: parse_frame: %w", protoerr.ErrBadFormat)
	}
	return f, nil
}

// NewFrame builds an outbound Frame, marshaling payload to JSON.
func NewFrame(typ FrameType, requestID string, payload interface{}, timestamp int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: new_frame: %w", err)
	}
	return Frame{Type: typ, RequestID: requestID, Payload: raw, Timestamp: timestamp}, nil
}

// NewErrorFrame builds a `type: error` frame for the given code/message.
func NewErrorFrame(requestID string, code ErrorCode, message string, timestamp int64) Frame {
	f, _ := NewFrame(TypeError, requestID, ErrorPayload{Code: code, Message: message}, timestamp)
	return f
}

// Marshal serializes a Frame back to wire bytes.
func Marshal(f Frame) ([]byte, error) {
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return out, nil
}

// DecodePayload unmarshals a Frame's payload into dst.
func DecodePayload(f Frame, dst interface{}) error {
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("wire: decode_payload: %w", protoerr.ErrBadFormat)
	}
	return nil
}

// --- Payload shapes, per spec.md §6 ---

type AuthenticateChallengePayload struct {
	Challenge string `json:"challenge"`
	Timestamp int64  `json:"timestamp"`
}

type KeyBundlePayload struct {
	IdentityKey          string   `json:"identityKey"`
	SignedPreKey         string   `json:"signedPreKey"`
	SignedPreKeySignature string  `json:"signedPreKeySignature"`
	OneTimePreKeys       []string `json:"oneTimePreKeys"`
}

type AuthenticateResponsePayload struct {
	PublicKey      string           `json:"publicKey"`
	SignedChallenge string          `json:"signedChallenge"`
	KeyBundle      KeyBundlePayload `json:"keyBundle"`
}

type AuthenticateSuccessPayload struct {
	Success bool `json:"success"`
}

type MessagePayload struct {
	RecipientKey     string `json:"recipientKey"`
	EncryptedContent any    `json:"encryptedContent"`
	MediaID          string `json:"mediaId,omitempty"`
	SenderKey        string `json:"senderKey,omitempty"`
	IsSentByMe       bool   `json:"isSentByMe,omitempty"`
}

type MessageAckPayload struct {
	MessageID string `json:"messageId"`
	Delivered bool   `json:"delivered"`
	Timestamp int64  `json:"timestamp"`
}

type KeyExchangePayload struct {
	RecipientKey string           `json:"recipientKey,omitempty"`
	InitiatorKey string           `json:"initiatorKey,omitempty"`
	KeyBundle    KeyBundlePayload `json:"keyBundle"`
}

type DeliveredPayload struct {
	Delivered bool `json:"delivered"`
}

type PresencePayload struct {
	RecipientKey string `json:"recipientKey,omitempty"`
	Status       string `json:"status"`
}

type TypingPayload struct {
	RecipientKey string `json:"recipientKey"`
	IsTyping     bool   `json:"isTyping"`
}

type InvitationAcceptPayload struct {
	InviterKey  string `json:"inviterKey"`
	AccepterKey string `json:"accepterKey"`
}

type BurnRequestPayload struct {
	RecipientKey string `json:"recipientKey"`
	MessageID    string `json:"messageId"`
}

type SyncRequestPayload struct {
	SinceTimestamp   *int64  `json:"sinceTimestamp,omitempty"`
	Limit            *int    `json:"limit,omitempty"`
	ConversationWith *string `json:"conversationWith,omitempty"`
}

type SyncMessage struct {
	ID               string `json:"id"`
	SenderKey        string `json:"senderKey"`
	RecipientKey     string `json:"recipientKey"`
	EncryptedContent any    `json:"encryptedContent"`
	Timestamp        int64  `json:"timestamp"`
	Delivered        bool   `json:"delivered"`
}

type SyncResponsePayload struct {
	Messages []SyncMessage `json:"messages"`
	HasMore  bool           `json:"hasMore"`
}

type MediaUploadPayload struct {
	RecipientKey string `json:"recipientKey"`
	EncryptedData string `json:"encryptedData"`
	EncryptedKey  string `json:"encryptedKey"`
	MimeType      string `json:"mimeType,omitempty"`
	FileSize      int64  `json:"fileSize"`
}

type MediaUploadAckPayload struct {
	MediaID   string `json:"mediaId"`
	ExpiresAt int64  `json:"expiresAt"`
}

type MediaDownloadPayload struct {
	MediaID string `json:"mediaId"`
}

type MediaDownloadResponsePayload struct {
	MediaID       string `json:"mediaId"`
	EncryptedData string `json:"encryptedData"`
	EncryptedKey  string `json:"encryptedKey"`
	MimeType      string `json:"mimeType"`
	FileSize      int64  `json:"fileSize"`
}
