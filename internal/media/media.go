// Package media implements per-file authenticated encryption with
// per-recipient key wrapping, so the zero-knowledge server can store
// encrypted blobs without ever seeing a file key. See spec.md §4.D.
package media

import (
	"fmt"
	"strings"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/primitives"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/protoerr"
)

// MaxFileSize is the hard cap on an uploaded file, per spec.md §6. It is
// the fallback ValidateUpload uses for a MIME type outside the
// image/video/audio classes, or when no MediaLimitConfig is supplied.
const MaxFileSize = 50 * 1024 * 1024

// MediaLimitConfig bounds per-mime-class media upload size (spec.md
// §4.D), loaded from MAX_{IMAGE,VIDEO,AUDIO,FILE}_SIZE_MB by
// internal/config and threaded into ValidateUpload.
type MediaLimitConfig struct {
	MaxImageSize int64
	MaxVideoSize int64
	MaxAudioSize int64
	MaxFileSize  int64
}

// limitFor resolves the size cap for mimeType: the class-specific bound
// from limits if one applies and limits is non-nil, else MaxFileSize.
func (limits *MediaLimitConfig) limitFor(mimeType string) int64 {
	if limits == nil {
		return MaxFileSize
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return limits.MaxImageSize
	case strings.HasPrefix(mimeType, "video/"):
		return limits.MaxVideoSize
	case strings.HasPrefix(mimeType, "audio/"):
		return limits.MaxAudioSize
	default:
		return limits.MaxFileSize
	}
}

// AllowedMIMETypes is the closed set of MIME types a deployment accepts,
// configured above the cryptographic core.
var AllowedMIMETypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"video/mp4":       true,
	"video/webm":      true,
	"audio/mpeg":      true,
	"audio/ogg":       true,
	"application/pdf": true,
	"application/zip": true,
	"text/plain":      true,
}

// EncryptedMedia is the wire-visible result of EncryptMedia.
type EncryptedMedia struct {
	EncryptedData       []byte
	EncryptedKey        []byte // nonce(12) || ciphertext || tag(16), the wrapped file key
	EphemeralPublicKey  [32]byte
	Nonce               []byte
	Tag                 []byte
}

// EncryptMedia encrypts fileBytes under a fresh random file key, then
// wraps that file key for recipientPublic via a one-shot X25519 exchange.
func EncryptMedia(fileBytes []byte, recipientPublic [32]byte) (EncryptedMedia, error) {
	fk, err := primitives.RandomBytes(32)
	if err != nil {
		return EncryptedMedia{}, fmt.Errorf("media: encrypt_media: %w", err)
	}
	defer primitives.Zeroize(fk)

	cipher, nonce, tag, err := primitives.AEADEncrypt(fk, fileBytes, nil)
	if err != nil {
		return EncryptedMedia{}, fmt.Errorf("media: encrypt_media: %w", err)
	}

	ek, err := primitives.X25519KeyPair()
	if err != nil {
		return EncryptedMedia{}, fmt.Errorf("media: encrypt_media: %w", err)
	}
	defer primitives.Zeroize(ek.Secret[:])

	ss, err := primitives.DH(ek.Secret[:], recipientPublic[:])
	if err != nil {
		return EncryptedMedia{}, fmt.Errorf("media: encrypt_media: %w", protoerr.ErrKeyExchangeFailed)
	}
	defer primitives.Zeroize(ss[:])

	kCipher, kNonce, kTag, err := primitives.AEADEncrypt(ss[:], fk, nil)
	if err != nil {
		return EncryptedMedia{}, fmt.Errorf("media: encrypt_media: %w", err)
	}

	keyBundle := make([]byte, 0, len(kNonce)+len(kCipher)+len(kTag))
	keyBundle = append(keyBundle, kNonce...)
	keyBundle = append(keyBundle, kCipher...)
	keyBundle = append(keyBundle, kTag...)

	return EncryptedMedia{
		EncryptedData:      cipher,
		EncryptedKey:       keyBundle,
		EphemeralPublicKey: ek.Public,
		Nonce:              nonce,
		Tag:                tag,
	}, nil
}

// DecryptMedia reverses EncryptMedia, unwrapping the file key with
// ourSecret before decrypting the payload.
func DecryptMedia(media EncryptedMedia, ourSecret [32]byte) ([]byte, error) {
	if len(media.EncryptedKey) < primitives.GCMNonceSize+primitives.GCMTagSize {
		return nil, fmt.Errorf("media: decrypt_media: %w", protoerr.ErrBadSize)
	}
	kNonce := media.EncryptedKey[:primitives.GCMNonceSize]
	kTag := media.EncryptedKey[len(media.EncryptedKey)-primitives.GCMTagSize:]
	kCipher := media.EncryptedKey[primitives.GCMNonceSize : len(media.EncryptedKey)-primitives.GCMTagSize]

	ss, err := primitives.DH(ourSecret[:], media.EphemeralPublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("media: decrypt_media: %w", protoerr.ErrKeyExchangeFailed)
	}
	defer primitives.Zeroize(ss[:])

	fk, err := primitives.AEADDecrypt(ss[:], kCipher, kNonce, kTag, nil)
	if err != nil {
		return nil, fmt.Errorf("media: decrypt_media: %w", err)
	}
	defer primitives.Zeroize(fk)

	plaintext, err := primitives.AEADDecrypt(fk, media.EncryptedData, media.Nonce, media.Tag, nil)
	if err != nil {
		return nil, fmt.Errorf("media: decrypt_media: %w", err)
	}
	return plaintext, nil
}

// EncryptMediaForMultiple re-wraps one file key once per recipient, each
// with its own fresh ephemeral key pair, without re-encrypting the file
// payload.
func EncryptMediaForMultiple(fileBytes []byte, recipients []([32]byte)) (cipher, nonce, tag []byte, perRecipient map[[32]byte]EncryptedMedia, err error) {
	fk, err := primitives.RandomBytes(32)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("media: encrypt_media_for_multiple: %w", err)
	}
	defer primitives.Zeroize(fk)

	cipher, nonce, tag, err = primitives.AEADEncrypt(fk, fileBytes, nil)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("media: encrypt_media_for_multiple: %w", err)
	}

	perRecipient = make(map[[32]byte]EncryptedMedia, len(recipients))
	for _, recipientPublic := range recipients {
		ek, err := primitives.X25519KeyPair()
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("media: encrypt_media_for_multiple: %w", err)
		}
		ss, err := primitives.DH(ek.Secret[:], recipientPublic[:])
		primitives.Zeroize(ek.Secret[:])
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("media: encrypt_media_for_multiple: %w", protoerr.ErrKeyExchangeFailed)
		}

		kCipher, kNonce, kTag, err := primitives.AEADEncrypt(ss[:], fk, nil)
		primitives.Zeroize(ss[:])
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("media: encrypt_media_for_multiple: %w", err)
		}

		keyBundle := make([]byte, 0, len(kNonce)+len(kCipher)+len(kTag))
		keyBundle = append(keyBundle, kNonce...)
		keyBundle = append(keyBundle, kCipher...)
		keyBundle = append(keyBundle, kTag...)

		perRecipient[recipientPublic] = EncryptedMedia{
			EncryptedData:      cipher,
			EncryptedKey:       keyBundle,
			EphemeralPublicKey: ek.Public,
			Nonce:              nonce,
			Tag:                tag,
		}
	}
	return cipher, nonce, tag, perRecipient, nil
}

// ValidateUpload enforces the policy layer above the cryptographic core:
// a per-mime-class size cap and an optional MIME allow-list check.
// limits may be nil, in which case every upload is checked against the
// flat MaxFileSize cap regardless of mimeType.
func ValidateUpload(fileSize int64, mimeType string, limits *MediaLimitConfig) error {
	if fileSize > limits.limitFor(mimeType) {
		return fmt.Errorf("media: validate_upload: %w", protoerr.ErrBadSize)
	}
	if mimeType != "" && !AllowedMIMETypes[mimeType] {
		return fmt.Errorf("media: validate_upload: %w", protoerr.ErrNotSupported)
	}
	return nil
}
