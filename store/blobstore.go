package store

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// Drivers registered for URL-based opening.  Cloud buckets can be added
	// by importing the matching driver in the binary that needs them.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/voxelio/voxstream/vox"
)

// BlobStore is an ObjectStore backed by a gocloud blob bucket, e.g.,
// "mem://", "file:///data/volumes", or "gs://bucket".
type BlobStore struct {
	url    string
	bucket *blob.Bucket
}

// OpenBlobStore opens the bucket named by a gocloud URL.
func OpenBlobStore(ctx context.Context, url string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("can't open bucket %q: %v", url, err)
	}
	vox.Infof("Opened object store @ %q\n", url)
	return &BlobStore{url: url, bucket: bucket}, nil
}

// NewBlobStore wraps an already-open bucket, e.g., one created directly by a
// driver for testing.
func NewBlobStore(url string, bucket *blob.Bucket) *BlobStore {
	return &BlobStore{url: url, bucket: bucket}
}

func (s *BlobStore) String() string {
	return fmt.Sprintf("blob object store @ %s", s.url)
}

// Read returns nil/nil if key does not exist.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *BlobStore) Write(ctx context.Context, key string, value []byte) error {
	return s.bucket.WriteAll(ctx, key, value, nil)
}

func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
