package media

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MediaService is the optional storage backend behind the dispatcher's
// media-upload/media-download handlers. It only ever sees ciphertext:
// EncryptMedia/DecryptMedia run client-side, the server stores and
// serves opaque bytes plus the wrapped file key. When no MediaService is
// configured, media-upload/media-download return NOT_SUPPORTED.
type MediaService struct {
	client *minio.Client
	bucket string
}

// NewMediaService creates a new media service
func NewMediaService(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MediaService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}

	// Ensure bucket exists
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	return &MediaService{
		client: client,
		bucket: bucket,
	}, nil
}

// UploadCiphertext stores an encrypted blob received inline over a
// media-upload frame (spec.md §6 MediaUploadPayload ships bytes
// directly rather than routing the client through a presigned PUT) and
// returns its generated media id.
func (m *MediaService) UploadCiphertext(data []byte, contentType string) (uuid.UUID, error) {
	mediaID := uuid.New()
	objectName := fmt.Sprintf("media/%s", mediaID.String())

	_, err := m.client.PutObject(
		context.Background(),
		m.bucket,
		objectName,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return uuid.Nil, err
	}
	return mediaID, nil
}

// DownloadCiphertext reads back a previously uploaded blob in full, for
// inline return over a media-download-response frame.
func (m *MediaService) DownloadCiphertext(mediaID uuid.UUID) ([]byte, error) {
	objectName := fmt.Sprintf("media/%s", mediaID.String())

	obj, err := m.client.GetObject(context.Background(), m.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	return data, nil
}
