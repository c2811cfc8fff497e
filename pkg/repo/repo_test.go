package repo

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/foomo/packageserver/packages"
	"github.com/foomo/packageserver/pkg/auth"
	"github.com/foomo/packageserver/pkg/repo/mock"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

const testToken = "t3st-t0ken"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRepo(t *testing.T, opts ...Option) (*Repo, *mock.Index, Storage) {
	t.Helper()

	index := mock.NewIndex(t)
	storage, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)

	l := zaptest.NewLogger(t)
	opts = append([]Option{WithAuth(auth.New(testToken))}, opts...)
	r := New(l, storage, NewUpstream(l, index.URL()), opts...)
	return r, index, storage
}

// buildArchive creates an archive with distinguishable content, for tests
// that need two different byte streams for the same coordinates.
func buildArchive(t *testing.T, name, version, description string) []byte {
	t.Helper()

	pubspec := fmt.Sprintf("name: %s\nversion: %s\ndescription: %s\n", name, version, description)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "pubspec.yaml",
		Typeflag: tar.TypeReg,
		Mode:     0600,
		Size:     int64(len(pubspec)),
	}))
	_, err := tw.Write([]byte(pubspec))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// ------------------------------------------------------------------------------------------------
// ~ Metadata resolution
// ------------------------------------------------------------------------------------------------

func TestRepo_ResolveMetadata_FetchesAndCaches(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)
	index.AddPackage(t, "retry", "1.0.0")

	pkg, source, err := r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, source)
	assert.Equal(t, "retry", pkg.Name)
	require.NotNil(t, pkg.FetchedAt)

	pkg, source, err = r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, source)
	assert.Equal(t, "retry", pkg.Name)

	assert.EqualValues(t, 1, index.MetadataRequests())
}

func TestRepo_ResolveMetadata_NotFound(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)

	_, source, err := r.ResolveMetadata(ctx, "unknown")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, SourceNone, source)
	assert.EqualValues(t, 1, index.MetadataRequests())
}

func TestRepo_ResolveMetadata_InvalidName(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)

	_, _, err := r.ResolveMetadata(ctx, "../../../etc/passwd")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 0, index.MetadataRequests())
}

func TestRepo_ResolveMetadata_PrivateShadowsPublic(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)
	index.AddPackage(t, "retry", "2.0.0")

	archive := mock.BuildArchive(t, "retry", "0.9.0")
	_, err := r.Publish(ctx, testToken, "retry", "0.9.0", archive)
	require.NoError(t, err)

	pkg, source, err := r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, SourcePrivate, source)
	require.NotNil(t, pkg.Latest)
	assert.Equal(t, "0.9.0", pkg.Latest.Version)
	assert.EqualValues(t, 0, index.MetadataRequests())
}

func TestRepo_ResolveMetadata_RefreshAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	r, index, _ := newTestRepo(t, WithCacheTTL(time.Hour), WithNow(clock.Now))
	index.AddPackage(t, "retry", "1.0.0")

	_, source, err := r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, source)

	clock.Advance(30 * time.Minute)
	_, source, err = r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, source)

	clock.Advance(time.Hour)
	index.AddPackage(t, "retry", "1.1.0")
	pkg, source, err := r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, source)
	require.NotNil(t, pkg.Latest)
	assert.Equal(t, "1.1.0", pkg.Latest.Version)

	assert.EqualValues(t, 2, index.MetadataRequests())
}

func TestRepo_ResolveMetadata_ZeroTTLNeverRefreshes(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	r, index, _ := newTestRepo(t, WithCacheTTL(0), WithNow(clock.Now))
	index.AddPackage(t, "retry", "1.0.0")

	_, _, err := r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)

	clock.Advance(365 * 24 * time.Hour)
	_, source, err := r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, source)
	assert.EqualValues(t, 1, index.MetadataRequests())
}

func TestRepo_ResolveMetadata_StaleFallback(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	r, index, _ := newTestRepo(t, WithCacheTTL(time.Hour), WithNow(clock.Now))
	index.AddPackage(t, "retry", "1.0.0")

	_, _, err := r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	index.SetFailing(true)

	pkg, source, err := r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, SourceStale, source)
	assert.Equal(t, "retry", pkg.Name)
}

func TestRepo_ResolveMetadata_UpstreamErrorWithoutCache(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)
	index.SetFailing(true)

	_, source, err := r.ResolveMetadata(ctx, "retry")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, SourceNone, source)
}

func TestRepo_ResolveMetadata_UpstreamGoneIsTerminal(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	r, index, _ := newTestRepo(t, WithCacheTTL(time.Hour), WithNow(clock.Now))
	index.AddPackage(t, "retry", "1.0.0")

	_, _, err := r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)

	// a 404 is a definitive answer, the stale copy is not served
	clock.Advance(2 * time.Hour)
	index.RemovePackage("retry")

	_, _, err = r.ResolveMetadata(ctx, "retry")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepo_ResolveMetadata_SingleFlight(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)
	index.AddPackage(t, "retry", "1.0.0")
	index.SetDelay(100 * time.Millisecond)

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			pkg, _, err := r.ResolveMetadata(gCtx, "retry")
			if err != nil {
				return err
			}
			if pkg.Name != "retry" {
				return errors.Errorf("unexpected package %q", pkg.Name)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, index.MetadataRequests())
}

func TestRepo_ResolveMetadata_AbortedCallerDoesNotCancelFill(t *testing.T) {
	r, index, _ := newTestRepo(t)
	index.AddPackage(t, "retry", "1.0.0")
	index.SetDelay(150 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := r.ResolveMetadata(ctx, "retry")
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// the fill keeps running and populates the cache
	assert.Eventually(t, func() bool {
		_, source, err := r.ResolveMetadata(context.Background(), "retry")
		return err == nil && source == SourceCache
	}, 2*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 1, index.MetadataRequests())
}

// ------------------------------------------------------------------------------------------------
// ~ Archive resolution
// ------------------------------------------------------------------------------------------------

func TestRepo_ResolveArchive_FillsOnce(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)
	index.AddPackage(t, "retry", "1.0.0")

	data, source, err := r.ResolveArchive(ctx, "retry", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, source)
	assert.Equal(t, mock.BuildArchive(t, "retry", "1.0.0"), data)

	again, source, err := r.ResolveArchive(ctx, "retry", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, source)
	assert.Equal(t, data, again)

	assert.EqualValues(t, 1, index.ArchiveRequests())
}

func TestRepo_ResolveArchive_CachedArchiveNeverExpires(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	r, index, _ := newTestRepo(t, WithCacheTTL(time.Hour), WithNow(clock.Now))
	index.AddPackage(t, "retry", "1.0.0")

	_, _, err := r.ResolveArchive(ctx, "retry", "1.0.0")
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	index.SetFailing(true)

	_, source, err := r.ResolveArchive(ctx, "retry", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, source)
}

func TestRepo_ResolveArchive_UnknownVersion(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)
	index.AddPackage(t, "retry", "1.0.0")

	_, _, err := r.ResolveArchive(ctx, "retry", "2.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepo_ResolveArchive_InvalidVersion(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)

	_, _, err := r.ResolveArchive(ctx, "retry", "../../secrets")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 0, index.MetadataRequests())
}

func TestRepo_ResolveArchive_ChecksumMismatchNotCached(t *testing.T) {
	ctx := context.Background()
	r, index, storage := newTestRepo(t)
	index.AddPackage(t, "retry", "1.0.0")
	index.CorruptArchive("retry", "1.0.0")

	_, _, err := r.ResolveArchive(ctx, "retry", "1.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)

	exists, err := storage.Exists(ctx, packages.NamespacePublicCache, "retry", "1.0.0")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRepo_ResolveArchive_PrivateHasNoPublicFallthrough(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)
	index.AddPackage(t, "retry", "2.0.0")

	archive := mock.BuildArchive(t, "retry", "1.0.0")
	_, err := r.Publish(ctx, testToken, "retry", "1.0.0", archive)
	require.NoError(t, err)

	// the private name owns all versions, 2.0.0 only exists upstream
	_, _, err = r.ResolveArchive(ctx, "retry", "2.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 0, index.ArchiveRequests())
}

func TestRepo_ResolveArchive_SingleFlight(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)
	index.AddPackage(t, "retry", "1.0.0")
	index.SetDelay(100 * time.Millisecond)

	expected := mock.BuildArchive(t, "retry", "1.0.0")

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			data, _, err := r.ResolveArchive(gCtx, "retry", "1.0.0")
			if err != nil {
				return err
			}
			if !bytes.Equal(data, expected) {
				return errors.New("unexpected archive content")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, index.ArchiveRequests())
	assert.EqualValues(t, 1, index.MetadataRequests())
}

// ------------------------------------------------------------------------------------------------
// ~ Publish
// ------------------------------------------------------------------------------------------------

func TestRepo_Publish(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t)

	archive := mock.BuildArchive(t, "internal_tool", "1.0.0")
	ver, err := r.Publish(ctx, testToken, "internal_tool", "1.0.0", archive)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", ver.Version)
	assert.Equal(t, packages.SHA256Hex(archive), ver.ArchiveSHA256)

	pkg, source, err := r.ResolveMetadata(ctx, "internal_tool")
	require.NoError(t, err)
	assert.Equal(t, SourcePrivate, source)
	require.NotNil(t, pkg.Latest)
	assert.Equal(t, "1.0.0", pkg.Latest.Version)

	data, source, err := r.ResolveArchive(ctx, "internal_tool", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, SourcePrivate, source)
	assert.Equal(t, archive, data)
}

func TestRepo_Publish_Unauthorized(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t)

	archive := mock.BuildArchive(t, "internal_tool", "1.0.0")

	_, err := r.Publish(ctx, "wrong-token", "internal_tool", "1.0.0", archive)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = r.Publish(ctx, "", "internal_tool", "1.0.0", archive)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRepo_Publish_NoTokenConfiguredDeniesAll(t *testing.T) {
	ctx := context.Background()
	index := mock.NewIndex(t)
	storage, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	l := zaptest.NewLogger(t)
	r := New(l, storage, NewUpstream(l, index.URL()))

	_, err = r.Publish(ctx, "anything", "internal_tool", "1.0.0", mock.BuildArchive(t, "internal_tool", "1.0.0"))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRepo_Publish_Conflict(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t)

	first := buildArchive(t, "internal_tool", "1.0.0", "first upload")
	_, err := r.Publish(ctx, testToken, "internal_tool", "1.0.0", first)
	require.NoError(t, err)

	second := buildArchive(t, "internal_tool", "1.0.0", "second upload")
	_, err = r.Publish(ctx, testToken, "internal_tool", "1.0.0", second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	// the first upload stays untouched
	data, _, err := r.ResolveArchive(ctx, "internal_tool", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, first, data)

	pkg, _, err := r.ResolveMetadata(ctx, "internal_tool")
	require.NoError(t, err)
	assert.Len(t, pkg.Versions, 1)
}

func TestRepo_Publish_Validation(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t)

	archive := mock.BuildArchive(t, "internal_tool", "1.0.0")

	_, err := r.Publish(ctx, testToken, "Internal-Tool", "1.0.0", archive)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = r.Publish(ctx, testToken, "internal_tool", "latest", archive)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = r.Publish(ctx, testToken, "internal_tool", "1.0.0", nil)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = r.Publish(ctx, testToken, "internal_tool", "1.0.0", []byte("not a tarball"))
	assert.ErrorIs(t, err, ErrInvalid)

	// pubspec coordinates must match the publish coordinates
	_, err = r.Publish(ctx, testToken, "internal_tool", "1.0.0", mock.BuildArchive(t, "other_tool", "1.0.0"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRepo_Publish_ShadowsCachedPublic(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)
	index.AddPackage(t, "retry", "1.0.0")

	publicData, source, err := r.ResolveArchive(ctx, "retry", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, source)

	// same coordinates as the cached public copy, still no conflict
	private := buildArchive(t, "retry", "1.0.0", "private fork")
	require.NotEqual(t, publicData, private)
	_, err = r.Publish(ctx, testToken, "retry", "1.0.0", private)
	require.NoError(t, err)

	data, source, err := r.ResolveArchive(ctx, "retry", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, SourcePrivate, source)
	assert.Equal(t, private, data)

	_, source, err = r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, SourcePrivate, source)
}

func TestRepo_Publish_Concurrent(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t)

	archive := mock.BuildArchive(t, "internal_tool", "1.0.0")

	var mu sync.Mutex
	var conflicts, successes int
	g := errgroup.Group{}
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			_, err := r.Publish(ctx, testToken, "internal_tool", "1.0.0", archive)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, successes)
	assert.Equal(t, 4, conflicts)
}

// ------------------------------------------------------------------------------------------------
// ~ Listing
// ------------------------------------------------------------------------------------------------

func TestRepo_List(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)
	index.AddPackage(t, "retry", "1.0.0")

	_, _, err := r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)

	_, err = r.Publish(ctx, testToken, "internal_tool", "1.0.0", mock.BuildArchive(t, "internal_tool", "1.0.0"))
	require.NoError(t, err)
	_, err = r.Publish(ctx, testToken, "auth_client", "2.0.0", mock.BuildArchive(t, "auth_client", "2.0.0"))
	require.NoError(t, err)

	list, err := r.List(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, list.Total)
	assert.Equal(t, 1, list.Pages)
	require.Len(t, list.Packages, 3)
	assert.Equal(t, "auth_client", list.Packages[0].Name)
	assert.Equal(t, "internal_tool", list.Packages[1].Name)
	assert.Equal(t, "retry", list.Packages[2].Name)
	assert.True(t, list.Packages[0].Private)
	assert.False(t, list.Packages[2].Private)
	assert.Equal(t, "2.0.0", list.Packages[0].Latest)
}

func TestRepo_List_PrivateShadowsPublic(t *testing.T) {
	ctx := context.Background()
	r, index, _ := newTestRepo(t)
	index.AddPackage(t, "retry", "2.0.0")

	_, _, err := r.ResolveMetadata(ctx, "retry")
	require.NoError(t, err)

	_, err = r.Publish(ctx, testToken, "retry", "0.9.0", mock.BuildArchive(t, "retry", "0.9.0"))
	require.NoError(t, err)

	list, err := r.List(ctx, "", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, list.Total)
	assert.True(t, list.Packages[0].Private)
	assert.Equal(t, "0.9.0", list.Packages[0].Latest)
}

func TestRepo_List_QueryAndPagination(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t)

	for _, name := range []string{"http_client", "http_server", "grpc_client"} {
		_, err := r.Publish(ctx, testToken, name, "1.0.0", mock.BuildArchive(t, name, "1.0.0"))
		require.NoError(t, err)
	}

	list, err := r.List(ctx, "http", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)

	list, err = r.List(ctx, "", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, list.Total)
	assert.Equal(t, 2, list.Pages)
	assert.Len(t, list.Packages, 2)

	list, err = r.List(ctx, "", 2, 2)
	require.NoError(t, err)
	assert.Len(t, list.Packages, 1)
	assert.Equal(t, "http_server", list.Packages[0].Name)

	list, err = r.List(ctx, "", 7, 2)
	require.NoError(t, err)
	assert.Empty(t, list.Packages)
}

func TestRepo_Ping(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRepo(t)
	require.NoError(t, r.Ping(ctx))
}
