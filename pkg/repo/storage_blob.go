package repo

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/foomo/packageserver/packages"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// Import cloud drivers for production use
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// BlobStorage implements Storage using gocloud.dev/blob.
// This supports GCS, S3, Azure, and other cloud storage providers.
type BlobStorage struct {
	bucket *blob.Bucket
	prefix string
}

// NewBlobStorage creates a new blob-backed storage.
// bucketURL should be in the format "gs://bucket-name" for GCS.
// prefix is an optional path prefix for all keys.
func NewBlobStorage(ctx context.Context, bucketURL, prefix string) (*BlobStorage, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return NewBlobStorageFromBucket(bucket, prefix), nil
}

// NewBlobStorageFromBucket creates a new blob-backed storage from an existing bucket.
// This is useful for testing with memblob.
func NewBlobStorageFromBucket(bucket *blob.Bucket, prefix string) *BlobStorage {
	// Normalize prefix: ensure trailing slash if non-empty
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	return &BlobStorage{
		bucket: bucket,
		prefix: prefix,
	}
}

func (b *BlobStorage) GetMetadata(ctx context.Context, namespace packages.Namespace, name string) (*packages.Package, error) {
	data, err := b.read(ctx, metadataKey(namespace, name))
	if err != nil {
		return nil, err
	}
	return unmarshalMetadata(data)
}

func (b *BlobStorage) PutMetadata(ctx context.Context, namespace packages.Namespace, name string, pkg *packages.Package) error {
	data, err := marshalMetadata(pkg)
	if err != nil {
		return err
	}
	return b.bucket.WriteAll(ctx, b.fullKey(metadataKey(namespace, name)), data, nil)
}

func (b *BlobStorage) GetArchive(ctx context.Context, namespace packages.Namespace, name, version string) ([]byte, error) {
	return b.read(ctx, archiveKey(namespace, name, version))
}

func (b *BlobStorage) PutArchive(ctx context.Context, namespace packages.Namespace, name, version string, data []byte) error {
	return b.bucket.WriteAll(ctx, b.fullKey(archiveKey(namespace, name, version)), data, nil)
}

func (b *BlobStorage) Exists(ctx context.Context, namespace packages.Namespace, name, version string) (bool, error) {
	return b.bucket.Exists(ctx, b.fullKey(archiveKey(namespace, name, version)))
}

// ListNames returns the names that have a metadata record, sorted ascending.
func (b *BlobStorage) ListNames(ctx context.Context, namespace packages.Namespace) ([]string, error) {
	iter := b.bucket.List(&blob.ListOptions{
		Prefix: b.fullKey(string(namespace) + "/"),
	})

	var names []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		key := strings.TrimPrefix(obj.Key, b.prefix)
		rest := strings.TrimPrefix(key, string(namespace)+"/")
		if name, ok := strings.CutSuffix(rest, "/"+metadataFilename); ok && !strings.Contains(name, "/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *BlobStorage) Close() error {
	return b.bucket.Close()
}

// ------------------------------------------------------------------------------------------------
// ~ Private methods
// ------------------------------------------------------------------------------------------------

func (b *BlobStorage) fullKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + key
}

// read maps gcerrors.NotFound to os.ErrNotExist so callers can treat both
// backends alike, including reads racing an in-flight write.
func (b *BlobStorage) read(ctx context.Context, key string) ([]byte, error) {
	data, err := b.bucket.ReadAll(ctx, b.fullKey(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return data, nil
}
