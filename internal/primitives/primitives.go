// Package primitives implements the cryptographic building blocks used by
// every other core component: AEAD (AES-256-GCM), X25519 ECDH, Ed25519
// sign/verify, HKDF-SHA256, HMAC-SHA256, a CSPRNG wrapper, constant-time
// compare, and zeroization helpers. See spec.md §4.A.
//
// All functions here are infallible on correctly-sized inputs. Callers pass
// already-validated fixed-size byte slices; a size violation returns
// protoerr.ErrBadSize rather than panicking.
package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/protoerr"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	X25519KeySize    = 32
	Ed25519PublicSize = ed25519.PublicKeySize
	Ed25519SecretSize = ed25519.PrivateKeySize
	Ed25519SigSize    = ed25519.SignatureSize
	AEADKeySize       = 32
	GCMNonceSize      = 12
	GCMTagSize        = 16
	HMACSize          = sha256.Size
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("primitives: random_bytes: %w", err)
	}
	return b, nil
}

// AEADEncrypt seals plaintext under key (must be 32 bytes) with AES-256-GCM,
// generating a fresh 12-byte nonce internally. aad may be nil.
// Returns ciphertext (without nonce/tag appended), the nonce, and the tag
// split out separately so callers can lay them out per the wire format in
// spec.md §3.
func AEADEncrypt(key, plaintext, aad []byte) (ciphertext, nonce, tag []byte, err error) {
	if len(key) != AEADKeySize {
		return nil, nil, nil, fmt.Errorf("primitives: aead_encrypt: %w", protoerr.ErrBadSize)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, err = RandomBytes(GCMNonceSize)
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	ctLen := len(sealed) - GCMTagSize
	ciphertext = sealed[:ctLen]
	tag = sealed[ctLen:]
	return ciphertext, nonce, tag, nil
}

// AEADDecrypt reverses AEADEncrypt. Returns protoerr.ErrAuthFail on any tag
// mismatch; the cause is never distinguished (spec.md §7).
func AEADDecrypt(key, ciphertext, nonce, tag, aad []byte) ([]byte, error) {
	if len(key) != AEADKeySize {
		return nil, fmt.Errorf("primitives: aead_decrypt: %w", protoerr.ErrBadSize)
	}
	if len(nonce) != GCMNonceSize || len(tag) != GCMTagSize {
		return nil, fmt.Errorf("primitives: aead_decrypt: %w", protoerr.ErrBadSize)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, protoerr.ErrAuthFail
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("primitives: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("primitives: gcm wrap: %w", err)
	}
	return gcm, nil
}

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public [X25519KeySize]byte
	Secret [X25519KeySize]byte
}

// X25519KeyPair generates a fresh X25519 key pair from the CSPRNG.
func X25519KeyPair() (KeyPair, error) {
	var seed [X25519KeySize]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return KeyPair{}, fmt.Errorf("primitives: x25519_keypair: %w", err)
	}
	return X25519KeyPairFromSeed(seed[:])
}

// X25519KeyPairFromSeed derives a deterministic X25519 key pair from a
// 32-byte seed, with standard Curve25519 clamping applied to the secret.
func X25519KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != X25519KeySize {
		return KeyPair{}, fmt.Errorf("primitives: x25519_keypair_from_seed: %w", protoerr.ErrBadSize)
	}
	var kp KeyPair
	copy(kp.Secret[:], seed)
	kp.Secret[0] &= 248
	kp.Secret[31] &= 127
	kp.Secret[31] |= 64

	pub, err := curve25519.X25519(kp.Secret[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("primitives: x25519 scalar base mult: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SigningKeyPair is an Ed25519 key pair.
type SigningKeyPair struct {
	Public ed25519.PublicKey
	Secret ed25519.PrivateKey
}

// Ed25519KeyPair generates a fresh Ed25519 key pair.
func Ed25519KeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, fmt.Errorf("primitives: ed25519_keypair: %w", err)
	}
	return SigningKeyPair{Public: pub, Secret: priv}, nil
}

// Ed25519KeyPairFromSeed derives a deterministic Ed25519 key pair from a
// 32-byte seed.
func Ed25519KeyPairFromSeed(seed []byte) (SigningKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return SigningKeyPair{}, fmt.Errorf("primitives: ed25519_keypair_from_seed: %w", protoerr.ErrBadSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return SigningKeyPair{Public: priv.Public().(ed25519.PublicKey), Secret: priv}, nil
}

// Sign signs msg with an Ed25519 secret key.
func Sign(msg []byte, secret ed25519.PrivateKey) []byte {
	return ed25519.Sign(secret, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under
// public. Never errors — returns false for any malformed input.
func Verify(msg, sig, public []byte) bool {
	if len(public) != Ed25519PublicSize || len(sig) != Ed25519SigSize {
		return false
	}
	return ed25519.Verify(public, msg, sig)
}

// DH performs an X25519 Diffie-Hellman exchange. Fails with
// protoerr.ErrInvalidCurvePoint iff the all-zero point is produced, per the
// small-subgroup check spec.md §4.A mandates.
func DH(secret, public []byte) ([32]byte, error) {
	var out [32]byte
	if len(secret) != X25519KeySize || len(public) != X25519KeySize {
		return out, fmt.Errorf("primitives: dh: %w", protoerr.ErrBadSize)
	}
	shared, err := curve25519.X25519(secret, public)
	if err != nil {
		return out, protoerr.ErrInvalidCurvePoint
	}
	copy(out[:], shared)
	var zero [32]byte
	if subtle.ConstantTimeCompare(out[:], zero[:]) == 1 {
		Zeroize(out[:])
		return out, protoerr.ErrInvalidCurvePoint
	}
	return out, nil
}

// HKDF derives `length` bytes via HKDF-SHA256 (RFC 5869).
func HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("primitives: hkdf: %w", err)
	}
	return out, nil
}

// HMACSHA256 computes an HMAC-SHA256 tag.
func HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// ConstantTimeEq reports whether a and b are equal, in time independent of
// where they first differ.
func ConstantTimeEq(a, b []byte) bool {
	if len(a) != len(b) {
		// Still perform a comparison of equal-length dummy buffers so the
		// call takes comparable time whether or not lengths match.
		_ = subtle.ConstantTimeCompare(a, a)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites b with zeros in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// PBKDF2SHA256 derives `length` bytes via PBKDF2-HMAC-SHA256.
func PBKDF2SHA256(password, salt []byte, iterations, length int) []byte {
	return pbkdf2.Key(password, salt, iterations, length, sha256.New)
}
