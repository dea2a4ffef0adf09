// Package protoerr defines the abstract error kinds shared by every core
// component, independent of how each gets surfaced on the wire (see
// spec.md §7). Components return these sentinels (or wrap them) instead of
// ad-hoc strings so callers can branch on kind without parsing messages.
package protoerr

import "errors"

var (
	// ErrBadSize is returned when a fixed-length field (key, nonce, tag,
	// id, ...) does not match the size required by §3.
	ErrBadSize = errors.New("protoerr: bad size")

	// ErrBadFormat covers malformed base64, JSON, or wire framing.
	ErrBadFormat = errors.New("protoerr: bad format")

	// ErrAuthFail is the single sentinel for every cryptographic failure:
	// AEAD tag mismatch, MAC mismatch, Ed25519 verify failure, bad
	// challenge response. Never disclose which check failed.
	ErrAuthFail = errors.New("protoerr: authentication failed")

	// ErrIdentityDestroyed is returned by any public Identity operation
	// once Destroy has run.
	ErrIdentityDestroyed = errors.New("protoerr: identity destroyed")

	// ErrKeyExchangeFailed covers invalid curve points and missing
	// pre-key material during X3DH.
	ErrKeyExchangeFailed = errors.New("protoerr: key exchange failed")

	// ErrBadCredentials is returned by deterministic identity derivation
	// when username or password is empty.
	ErrBadCredentials = errors.New("protoerr: bad credentials")

	// ErrVersionUnsupported is returned by export/import on a version
	// mismatch.
	ErrVersionUnsupported = errors.New("protoerr: unsupported version")

	// ErrExpired, ErrExhausted, ErrRevoked are invitation states.
	ErrExpired   = errors.New("protoerr: expired")
	ErrExhausted = errors.New("protoerr: exhausted")
	ErrRevoked   = errors.New("protoerr: revoked")

	// ErrRateLimited is returned by rate-limited operations once a
	// bucket is exhausted.
	ErrRateLimited = errors.New("protoerr: rate limited")

	// ErrNotSupported covers missing optional backends (media storage).
	ErrNotSupported = errors.New("protoerr: not supported")

	// ErrInvalidCurvePoint is the specific DH failure: the all-zero
	// point was produced (small-subgroup attack).
	ErrInvalidCurvePoint = errors.New("protoerr: invalid curve point")

	// ErrNotFound covers lookups (pending key exchange, stored message,
	// media object) that came up empty.
	ErrNotFound = errors.New("protoerr: not found")
)
