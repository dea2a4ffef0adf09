package media

import (
	"testing"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/primitives"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/protoerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptMediaRoundTrip(t *testing.T) {
	recipient, err := primitives.X25519KeyPair()
	require.NoError(t, err)

	fileBytes := []byte("pretend this is a JPEG")
	enc, err := EncryptMedia(fileBytes, recipient.Public)
	require.NoError(t, err)

	out, err := DecryptMedia(enc, recipient.Secret)
	require.NoError(t, err)
	assert.Equal(t, fileBytes, out)
}

func TestDecryptMediaWrongKeyFails(t *testing.T) {
	recipient, err := primitives.X25519KeyPair()
	require.NoError(t, err)
	other, err := primitives.X25519KeyPair()
	require.NoError(t, err)

	enc, err := EncryptMedia([]byte("data"), recipient.Public)
	require.NoError(t, err)

	_, err = DecryptMedia(enc, other.Secret)
	assert.Error(t, err)
}

func TestEncryptMediaForMultipleRecipientsShareCiphertext(t *testing.T) {
	a, err := primitives.X25519KeyPair()
	require.NoError(t, err)
	b, err := primitives.X25519KeyPair()
	require.NoError(t, err)

	fileBytes := []byte("shared file contents")
	cipher, nonce, tag, perRecipient, err := EncryptMediaForMultiple(fileBytes, [][32]byte{a.Public, b.Public})
	require.NoError(t, err)
	require.Len(t, perRecipient, 2)

	for _, kp := range []primitives.KeyPair{a, b} {
		enc := perRecipient[kp.Public]
		assert.Equal(t, cipher, enc.EncryptedData)
		assert.Equal(t, nonce, enc.Nonce)
		assert.Equal(t, tag, enc.Tag)

		out, err := DecryptMedia(enc, kp.Secret)
		require.NoError(t, err)
		assert.Equal(t, fileBytes, out)
	}
}

func TestValidateUploadRejectsOversizeAndBadMIME(t *testing.T) {
	assert.NoError(t, ValidateUpload(MaxFileSize, "image/png", nil))

	err := ValidateUpload(MaxFileSize+1, "image/png", nil)
	assert.ErrorIs(t, err, protoerr.ErrBadSize)

	err = ValidateUpload(100, "application/x-executable", nil)
	assert.ErrorIs(t, err, protoerr.ErrNotSupported)
}

func TestValidateUploadAppliesPerMIMEClassLimits(t *testing.T) {
	limits := &MediaLimitConfig{
		MaxImageSize: 1024,
		MaxVideoSize: 10 * 1024,
		MaxAudioSize: 2048,
		MaxFileSize:  512,
	}

	assert.NoError(t, ValidateUpload(1024, "image/png", limits))
	assert.ErrorIs(t, ValidateUpload(1025, "image/png", limits), protoerr.ErrBadSize)

	assert.NoError(t, ValidateUpload(10*1024, "video/mp4", limits))
	assert.ErrorIs(t, ValidateUpload(10*1024+1, "video/mp4", limits), protoerr.ErrBadSize)

	// A class with no explicit MIME prefix match falls back to MaxFileSize.
	assert.NoError(t, ValidateUpload(512, "application/pdf", limits))
	assert.ErrorIs(t, ValidateUpload(513, "application/pdf", limits), protoerr.ErrBadSize)
}
