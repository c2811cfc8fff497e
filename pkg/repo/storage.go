package repo

import (
	"context"
	"path"

	"github.com/foomo/packageserver/packages"
	"github.com/pkg/errors"
)

const (
	metadataFilename = "metadata.json"
	archiveFilename  = "archive.tar.gz"
)

// Storage defines the contract for package persistence backends.
// Implementations must be safe for concurrent use.
type Storage interface {
	// GetMetadata retrieves the metadata record for a package name.
	// Returns os.ErrNotExist if the package does not exist.
	GetMetadata(ctx context.Context, namespace packages.Namespace, name string) (*packages.Package, error)

	// PutMetadata stores the metadata record for a package name,
	// replacing any previous record.
	PutMetadata(ctx context.Context, namespace packages.Namespace, name string, pkg *packages.Package) error

	// GetArchive retrieves the archive bytes for a package version.
	// Returns os.ErrNotExist if the archive does not exist.
	GetArchive(ctx context.Context, namespace packages.Namespace, name, version string) ([]byte, error)

	// PutArchive stores the archive bytes for a package version.
	// Concurrent readers never observe partial writes.
	PutArchive(ctx context.Context, namespace packages.Namespace, name, version string, data []byte) error

	// Exists reports whether the archive for a package version exists.
	Exists(ctx context.Context, namespace packages.Namespace, name, version string) (bool, error)

	// ListNames returns all package names in a namespace, sorted ascending.
	ListNames(ctx context.Context, namespace packages.Namespace) ([]string, error)

	// Close releases any resources held by the storage backend.
	Close() error
}

// metadataKey returns the storage key of a package metadata record.
func metadataKey(namespace packages.Namespace, name string) string {
	return path.Join(string(namespace), name, metadataFilename)
}

// archiveKey returns the storage key of a package version archive.
func archiveKey(namespace packages.Namespace, name, version string) string {
	return path.Join(string(namespace), name, version, archiveFilename)
}

func marshalMetadata(pkg *packages.Package) ([]byte, error) {
	data, err := json.Marshal(pkg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal package metadata")
	}
	return data, nil
}

func unmarshalMetadata(data []byte) (*packages.Package, error) {
	pkg := &packages.Package{}
	if err := json.Unmarshal(data, pkg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal package metadata")
	}
	return pkg, nil
}
