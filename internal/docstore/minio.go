// Package docstore reads document version blobs out of object storage for
// the analysis bridge.
package docstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// objectKey is the layout the document service writes versions under.
func objectKey(documentID int64, version int) string {
	return fmt.Sprintf("documents/%d/v%d", documentID, version)
}

// FetchVersion returns the stored content of one document version.
func (s *Store) FetchVersion(ctx context.Context, documentID int64, version int) ([]byte, error) {
	key := objectKey(documentID, version)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	content, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return content, nil
}
