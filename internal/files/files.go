// Package files uploads and downloads encrypted attachments. Files are
// sealed client-side with internal/payload before they ever reach blob
// storage: the server only ever stores ciphertext and never learns the
// per-file key, which is delivered to the recipient out of band (e.g.
// inside the message payload itself, encrypted under the session).
package files

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/payload"
)

// Client uploads and downloads encrypted attachment blobs.
type Client struct {
	minio  *minio.Client
	bucket string
}

// New creates a files client against a MinIO-compatible object store.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Client, error) {
	c, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating object store client: %v", haverr.Network, err)
	}

	ctx := context.Background()
	exists, err := c.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: checking bucket: %v", haverr.Network, err)
	}
	if !exists {
		if err := c.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("%w: creating bucket: %v", haverr.Network, err)
		}
	}
	return &Client{minio: c, bucket: bucket}, nil
}

// Attachment is a reference to an uploaded encrypted blob plus the key
// and nonce the recipient needs to decrypt it, meant to travel inside
// the message payload's Attachments field.
type Attachment struct {
	ObjectID string   `json:"object_id"`
	Key      [32]byte `json:"key"`
	Nonce    [24]byte `json:"nonce"`
	Size     int64    `json:"size"`
}

// Upload encrypts plaintext and stores the ciphertext under a fresh
// object id, returning the reference the recipient needs.
func (c *Client) Upload(ctx context.Context, plaintext []byte) (*Attachment, error) {
	enc, err := payload.EncryptFile(plaintext)
	if err != nil {
		return nil, err
	}

	objectID := uuid.NewString()
	_, err = c.minio.PutObject(ctx, c.bucket, objectID, bytes.NewReader(enc.Ciphertext), int64(len(enc.Ciphertext)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: uploading attachment: %v", haverr.Network, err)
	}

	return &Attachment{
		ObjectID: objectID,
		Key:      enc.Key,
		Nonce:    enc.Nonce,
		Size:     int64(len(plaintext)),
	}, nil
}

// Download fetches and decrypts an attachment.
func (c *Client) Download(ctx context.Context, a Attachment) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, a.ObjectID, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: fetching attachment: %v", haverr.Network, err)
	}
	defer obj.Close()

	ciphertext, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: reading attachment: %v", haverr.Network, err)
	}

	return payload.DecryptFile(ciphertext, a.Key, a.Nonce)
}
