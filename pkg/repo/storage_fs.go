package repo

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/foomo/packageserver/packages"
)

// FilesystemStorage implements Storage using the local filesystem.
// Writes go through a temp file and an atomic rename so concurrent
// readers never observe partial content.
type FilesystemStorage struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFilesystemStorage creates a new filesystem-backed storage.
func NewFilesystemStorage(baseDir string) (*FilesystemStorage, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}
	return &FilesystemStorage{baseDir: baseDir}, nil
}

func (f *FilesystemStorage) GetMetadata(_ context.Context, namespace packages.Namespace, name string) (*packages.Package, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path(metadataKey(namespace, name)))
	if err != nil {
		return nil, err
	}
	return unmarshalMetadata(data)
}

func (f *FilesystemStorage) PutMetadata(_ context.Context, namespace packages.Namespace, name string, pkg *packages.Package) error {
	data, err := marshalMetadata(pkg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writeFileAtomic(f.path(metadataKey(namespace, name)), data)
}

func (f *FilesystemStorage) GetArchive(_ context.Context, namespace packages.Namespace, name, version string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return os.ReadFile(f.path(archiveKey(namespace, name, version)))
}

func (f *FilesystemStorage) PutArchive(_ context.Context, namespace packages.Namespace, name, version string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writeFileAtomic(f.path(archiveKey(namespace, name, version)), data)
}

func (f *FilesystemStorage) Exists(_ context.Context, namespace packages.Namespace, name, version string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, err := os.Stat(f.path(archiveKey(namespace, name, version)))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListNames returns the names that have a metadata record, sorted ascending.
// Directories left behind by interrupted writes are skipped.
func (f *FilesystemStorage) ListNames(_ context.Context, namespace packages.Namespace) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(f.baseDir, string(namespace)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(f.path(metadataKey(namespace, entry.Name()))); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (f *FilesystemStorage) Close() error {
	return nil
}

// ------------------------------------------------------------------------------------------------
// ~ Private methods
// ------------------------------------------------------------------------------------------------

func (f *FilesystemStorage) path(key string) string {
	return filepath.Join(f.baseDir, filepath.FromSlash(key))
}

func (f *FilesystemStorage) writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}
