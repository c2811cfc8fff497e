package mock

import (
	"archive/tar"
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foomo/packageserver/packages"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Index is a fake upstream pub index to run a repo against.
type Index struct {
	mu               sync.RWMutex
	server           *httptest.Server
	packages         map[string]*packages.Package
	archives         map[string][]byte
	failing          bool
	delay            time.Duration
	metadataRequests atomic.Int64
	archiveRequests  atomic.Int64
}

// NewIndex spins up a fake upstream index for tests.
func NewIndex(tb testing.TB) *Index {
	tb.Helper()

	inst := &Index{
		packages: map[string]*packages.Package{},
		archives: map[string][]byte{},
	}
	inst.server = httptest.NewServer(http.HandlerFunc(inst.serveHTTP))
	tb.Cleanup(inst.server.Close)

	return inst
}

// URL returns the base URL of the fake index.
func (i *Index) URL() string {
	return i.server.URL
}

// Close shuts the fake index down, simulating an unreachable upstream.
func (i *Index) Close() {
	i.server.Close()
}

// AddPackage registers a package with generated archives for the given versions.
func (i *Index) AddPackage(tb testing.TB, name string, versions ...string) {
	tb.Helper()

	i.mu.Lock()
	defer i.mu.Unlock()

	pkg, ok := i.packages[name]
	if !ok {
		pkg = packages.NewPackage(name)
		i.packages[name] = pkg
	}
	for _, version := range versions {
		archive := BuildArchive(tb, name, version)
		i.archives[name+"/"+version] = archive
		pkg.AddVersion(packages.Version{
			Version:       version,
			ArchiveURL:    i.server.URL + "/packages/" + name + "/versions/" + version + ".tar.gz",
			ArchiveSHA256: packages.SHA256Hex(archive),
			Published:     time.Now().UTC(),
			Pubspec: packages.Pubspec{
				"name":        name,
				"version":     version,
				"description": name + " test fixture",
			},
		})
	}
}

// RemovePackage drops a package from the index, archives included.
func (i *Index) RemovePackage(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.packages, name)
	for key := range i.archives {
		if strings.HasPrefix(key, name+"/") {
			delete(i.archives, key)
		}
	}
}

// CorruptArchive replaces stored archive bytes without updating the
// advertised checksum.
func (i *Index) CorruptArchive(name, version string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.archives[name+"/"+version] = []byte("corrupted bytes")
}

// SetFailing makes every request fail with a 500 until reset.
func (i *Index) SetFailing(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failing = v
}

// SetDelay delays every response, useful to pile up concurrent requests.
func (i *Index) SetDelay(v time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.delay = v
}

// MetadataRequests returns the number of metadata requests served so far.
func (i *Index) MetadataRequests() int64 {
	return i.metadataRequests.Load()
}

// ArchiveRequests returns the number of archive requests served so far.
func (i *Index) ArchiveRequests() int64 {
	return i.archiveRequests.Load()
}

// ------------------------------------------------------------------------------------------------
// ~ Private methods
// ------------------------------------------------------------------------------------------------

func (i *Index) serveHTTP(w http.ResponseWriter, r *http.Request) {
	i.mu.RLock()
	failing, delay := i.failing, i.delay
	i.mu.RUnlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failing {
		http.Error(w, "index unavailable", http.StatusInternalServerError)
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/api/packages/"):
		i.metadataRequests.Add(1)
		i.serveMetadata(w, r, strings.TrimPrefix(r.URL.Path, "/api/packages/"))
	case strings.HasPrefix(r.URL.Path, "/packages/"):
		i.archiveRequests.Add(1)
		i.serveArchive(w, r, strings.TrimPrefix(r.URL.Path, "/packages/"))
	default:
		http.NotFound(w, r)
	}
}

func (i *Index) serveMetadata(w http.ResponseWriter, r *http.Request, name string) {
	i.mu.RLock()
	pkg := i.packages[name]
	i.mu.RUnlock()

	if pkg == nil {
		http.NotFound(w, r)
		return
	}
	data, err := json.Marshal(pkg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (i *Index) serveArchive(w http.ResponseWriter, r *http.Request, rest string) {
	name, versionFile, ok := strings.Cut(rest, "/versions/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	version := strings.TrimSuffix(versionFile, ".tar.gz")

	i.mu.RLock()
	archive, found := i.archives[name+"/"+version]
	i.mu.RUnlock()

	if !found {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(archive)
}

// BuildArchive creates a minimal gzipped tar package archive with a
// matching pubspec.yaml.
func BuildArchive(tb testing.TB, name, version string) []byte {
	tb.Helper()

	files := []struct {
		name    string
		content string
	}{
		{
			name:    "pubspec.yaml",
			content: fmt.Sprintf("name: %s\nversion: %s\ndescription: %s test fixture\n", name, version, name),
		},
		{
			name:    "lib/" + name + ".dart",
			content: "// " + name + " " + version + "\n",
		},
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, file := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name:     file.name,
			Typeflag: tar.TypeReg,
			Mode:     0600,
			Size:     int64(len(file.content)),
		}); err != nil {
			tb.Fatal(err)
		}
		if _, err := tw.Write([]byte(file.content)); err != nil {
			tb.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		tb.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}
