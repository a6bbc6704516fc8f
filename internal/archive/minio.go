// Package archive stores CRDT snapshots as objects in a MinIO bucket.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const snapshotPrefix = "snapshots/"

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Archive struct {
	client *minio.Client
	bucket string
}

func New(opts Options) (*Archive, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("archive: endpoint is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("archive: bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Archive{client: client, bucket: opts.Bucket}, nil
}

// EnsureBucket creates the bucket on first use.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		if isAlreadyOwned(err) {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Load returns the stored snapshot, or nil when the document has none.
func (a *Archive) Load(ctx context.Context, docID string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, ObjectName(docID), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot %s: %w", docID, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot %s: %w", docID, err)
	}
	return data, nil
}

func (a *Archive) Save(ctx context.Context, docID string, snapshot []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, ObjectName(docID), bytes.NewReader(snapshot), int64(len(snapshot)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", docID, err)
	}
	return nil
}

// Delete removes a document's snapshot. Missing objects are not an error.
func (a *Archive) Delete(ctx context.Context, docID string) error {
	if err := a.client.RemoveObject(ctx, a.bucket, ObjectName(docID), minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("remove snapshot %s: %w", docID, err)
	}
	return nil
}

// ObjectName maps a document id to its object key.
func ObjectName(docID string) string {
	return snapshotPrefix + docID + ".bin"
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func isAlreadyOwned(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists"
}
