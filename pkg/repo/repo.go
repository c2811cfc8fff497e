package repo

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foomo/packageserver/packages"
	"github.com/foomo/packageserver/pkg/auth"
	"github.com/foomo/packageserver/pkg/metrics"
	"github.com/foomo/packageserver/responses"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Source tags where a resolution result was served from.
type Source string

const (
	// SourcePrivate served from the private namespace
	SourcePrivate Source = "private"
	// SourceCache served from a fresh public cache entry
	SourceCache Source = "cache"
	// SourceUpstream fetched from the upstream index and cached
	SourceUpstream Source = "upstream"
	// SourceStale served from a stale cache entry after an upstream failure
	SourceStale Source = "stale"
	// SourceNone nothing was served
	SourceNone Source = "none"
)

const (
	// DefaultCacheTTL is how long cached public metadata is served without
	// consulting the upstream index again.
	DefaultCacheTTL = time.Hour

	defaultListPageSize = 10
	maxListPageSize     = 100
	listConcurrency     = 8
)

// Repo resolves package metadata and archives across the private namespace,
// the public cache and the upstream index
type (
	Repo struct {
		l         *zap.Logger
		storage   Storage
		upstream  *Upstream
		gate      *auth.Gate
		cacheTTL  time.Duration
		now       func() time.Time
		inflight  singleflight.Group
		publishMu sync.Mutex
	}
	Option func(*Repo)
)

// ------------------------------------------------------------------------------------------------
// ~ Constructor
// ------------------------------------------------------------------------------------------------

func New(l *zap.Logger, storage Storage, upstream *Upstream, opts ...Option) *Repo {
	inst := &Repo{
		l:        l.Named("repo"),
		storage:  storage,
		upstream: upstream,
		gate:     auth.New(""),
		cacheTTL: DefaultCacheTTL,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(inst)
	}

	return inst
}

// ------------------------------------------------------------------------------------------------
// ~ Options
// ------------------------------------------------------------------------------------------------

func WithAuth(v *auth.Gate) Option {
	return func(o *Repo) {
		o.gate = v
	}
}

// WithCacheTTL sets how long cached public metadata stays fresh.
// Zero disables refreshing, cached records are then served forever.
func WithCacheTTL(v time.Duration) Option {
	return func(o *Repo) {
		o.cacheTTL = v
	}
}

func WithNow(v func() time.Time) Option {
	return func(o *Repo) {
		o.now = v
	}
}

// ------------------------------------------------------------------------------------------------
// ~ Public methods
// ------------------------------------------------------------------------------------------------

// ResolveMetadata returns the metadata record for a package name.
// Private packages shadow public ones. Public records are served from the
// cache while fresh, refreshed from the upstream index otherwise, and a
// stale copy is served when the index fails.
func (r *Repo) ResolveMetadata(ctx context.Context, name string) (*packages.Package, Source, error) {
	if err := packages.ValidateName(name); err != nil {
		return nil, SourceNone, errors.Wrap(ErrNotFound, name)
	}

	private, err := r.storage.GetMetadata(ctx, packages.NamespacePrivate, name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, SourceNone, errors.Wrap(err, "failed to read private metadata")
	}
	if private != nil {
		return private, SourcePrivate, nil
	}

	cached, err := r.storage.GetMetadata(ctx, packages.NamespacePublicCache, name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, SourceNone, errors.Wrap(err, "failed to read cached metadata")
	}
	if cached != nil && r.fresh(cached) {
		return cached, SourceCache, nil
	}

	pkg, err := r.fetchMetadataShared(ctx, name)
	switch {
	case err == nil:
		return pkg, SourceUpstream, nil
	case errors.Is(err, ErrUpstreamNotFound):
		return nil, SourceNone, errors.Wrap(ErrNotFound, name)
	case errors.Is(err, ErrUpstream) && cached != nil:
		r.l.Warn("serving stale metadata after upstream failure",
			zap.String("name", name),
			zap.Error(err),
		)
		metrics.StaleFallbackCounter.WithLabelValues().Inc()
		return cached, SourceStale, nil
	default:
		return nil, SourceNone, err
	}
}

// ResolveArchive returns the archive bytes for a package version.
// Cached archives are immutable and never refreshed, a version is fetched
// from the upstream index at most once.
func (r *Repo) ResolveArchive(ctx context.Context, name, version string) ([]byte, Source, error) {
	if err := packages.ValidateName(name); err != nil {
		return nil, SourceNone, errors.Wrap(ErrNotFound, name)
	}
	if err := packages.ValidateVersion(version); err != nil {
		return nil, SourceNone, errors.Wrap(ErrNotFound, version)
	}

	// a private name owns all of its versions, there is no public fallthrough
	private, err := r.storage.GetMetadata(ctx, packages.NamespacePrivate, name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, SourceNone, errors.Wrap(err, "failed to read private metadata")
	}
	if private != nil {
		if _, ok := private.FindVersion(version); !ok {
			return nil, SourceNone, errors.Wrapf(ErrNotFound, "%s %s", name, version)
		}
		data, err := r.storage.GetArchive(ctx, packages.NamespacePrivate, name, version)
		if err != nil {
			return nil, SourceNone, errors.Wrap(err, "failed to read private archive")
		}
		return data, SourcePrivate, nil
	}

	data, err := r.storage.GetArchive(ctx, packages.NamespacePublicCache, name, version)
	if err == nil {
		return data, SourceCache, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, SourceNone, errors.Wrap(err, "failed to read cached archive")
	}

	filled, err := r.fetchArchiveShared(ctx, name, version)
	switch {
	case err == nil:
		return filled, SourceUpstream, nil
	case errors.Is(err, ErrUpstreamNotFound):
		return nil, SourceNone, errors.Wrapf(ErrNotFound, "%s %s", name, version)
	default:
		return nil, SourceNone, err
	}
}

// Publish validates, authorizes and stores a private package version.
// The archive is written before the metadata record so a version never
// becomes visible without its bytes.
func (r *Repo) Publish(ctx context.Context, credential, name, version string, archive []byte) (*packages.Version, error) {
	v, err := r.publish(ctx, credential, name, version, archive)
	metrics.PublishCounter.WithLabelValues(publishStatus(err)).Inc()
	return v, err
}

// List returns one page of the merged package listing, filtered by an
// optional case-insensitive substring query on name and description.
// Private packages shadow cached public ones of the same name.
func (r *Repo) List(ctx context.Context, query string, page, pageSize int) (*responses.PackageList, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultListPageSize
	}
	if pageSize > maxListPageSize {
		pageSize = maxListPageSize
	}

	entries, err := r.listEntries(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]*responses.PackageSummary, len(entries))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, e := range entries {
		g.Go(func() error {
			pkg, err := r.storage.GetMetadata(gCtx, e.namespace, e.name)
			if errors.Is(err, os.ErrNotExist) {
				// removed between listing and reading
				return nil
			}
			if err != nil {
				return errors.Wrapf(err, "failed to read metadata for %q", e.name)
			}
			summary := &responses.PackageSummary{
				Name:        e.name,
				Description: pkg.Description(),
				Private:     e.namespace == packages.NamespacePrivate,
			}
			if pkg.Latest != nil {
				summary.Latest = pkg.Latest.Version
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	filtered := filterSummaries(summaries, query)
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Name < filtered[j].Name
	})

	total := len(filtered)
	pages := 0
	if total > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	start := min((page-1)*pageSize, total)
	end := min(start+pageSize, total)

	return &responses.PackageList{
		Packages: filtered[start:end],
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages,
	}, nil
}

// Ping verifies that the storage backend is reachable.
func (r *Repo) Ping(ctx context.Context) error {
	_, err := r.storage.ListNames(ctx, packages.NamespacePrivate)
	return errors.Wrap(err, "storage not reachable")
}

// ------------------------------------------------------------------------------------------------
// ~ Private methods
// ------------------------------------------------------------------------------------------------

func (r *Repo) publish(ctx context.Context, credential, name, version string, archive []byte) (*packages.Version, error) {
	if !r.gate.Authorize(credential) {
		return nil, ErrUnauthorized
	}

	var verr error
	if err := packages.ValidateName(name); err != nil {
		verr = multierr.Append(verr, err)
	}
	if err := packages.ValidateVersion(version); err != nil {
		verr = multierr.Append(verr, err)
	}
	pubspec, err := packages.ValidateArchive(name, version, archive)
	if err != nil {
		verr = multierr.Append(verr, err)
	}
	if verr != nil {
		return nil, errors.Wrap(ErrInvalid, verr.Error())
	}

	// serializes the read-check-write below against concurrent publishes
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	// conflicts are judged against the private namespace only, a cached
	// public version of the same coordinates does not block a publish
	meta, err := r.storage.GetMetadata(ctx, packages.NamespacePrivate, name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "failed to read private metadata")
	}
	if meta == nil {
		meta = packages.NewPackage(name)
	}
	if _, ok := meta.FindVersion(version); ok {
		return nil, errors.Wrapf(ErrConflict, "%s %s", name, version)
	}

	ver := packages.Version{
		Version:       version,
		ArchiveSHA256: packages.SHA256Hex(archive),
		Published:     r.now(),
		Pubspec:       pubspec,
	}

	if err := r.storage.PutArchive(ctx, packages.NamespacePrivate, name, version, archive); err != nil {
		return nil, errors.Wrap(err, "failed to store archive")
	}
	meta.AddVersion(ver)
	if err := r.storage.PutMetadata(ctx, packages.NamespacePrivate, name, meta); err != nil {
		return nil, errors.Wrap(err, "failed to store metadata")
	}

	r.l.Info("published package",
		zap.String("name", name),
		zap.String("version", version),
		zap.String("sha256", ver.ArchiveSHA256),
	)
	return &ver, nil
}

// fresh reports whether a cached record may be served without a refresh.
func (r *Repo) fresh(pkg *packages.Package) bool {
	if r.cacheTTL <= 0 {
		return true
	}
	if pkg.FetchedAt == nil {
		return false
	}
	return r.now().Sub(*pkg.FetchedAt) < r.cacheTTL
}

func (r *Repo) fetchMetadataShared(ctx context.Context, name string) (*packages.Package, error) {
	v, err := r.single(ctx, "metadata/"+name, func(ctx context.Context) (interface{}, error) {
		return r.fillMetadata(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*packages.Package), nil
}

func (r *Repo) fetchArchiveShared(ctx context.Context, name, version string) ([]byte, error) {
	v, err := r.single(ctx, "archive/"+name+"/"+version, func(ctx context.Context) (interface{}, error) {
		return r.fillArchive(ctx, name, version)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// single deduplicates fills per key. The fill runs detached from the
// caller's cancellation so an aborted requester cannot kill a fill other
// callers are waiting on, while each caller still honors its own context.
func (r *Repo) single(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ch := r.inflight.DoChan(key, func() (interface{}, error) {
		defer r.inflight.Forget(key)
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (r *Repo) fillMetadata(ctx context.Context, name string) (*packages.Package, error) {
	l := r.l.With(
		zap.String("fill_id", uuid.New().String()),
		zap.String("name", name),
	)

	pkg, err := r.upstream.FetchMetadata(ctx, name)
	if err != nil {
		metrics.CacheFillCounter.WithLabelValues("metadata", fillStatus(err)).Inc()
		return nil, err
	}

	fetchedAt := r.now()
	pkg.FetchedAt = &fetchedAt
	if err := r.storage.PutMetadata(ctx, packages.NamespacePublicCache, name, pkg); err != nil {
		metrics.CacheFillCounter.WithLabelValues("metadata", "error").Inc()
		return nil, errors.Wrap(err, "failed to cache metadata")
	}

	metrics.CacheFillCounter.WithLabelValues("metadata", "success").Inc()
	l.Debug("cached metadata from upstream")
	return pkg, nil
}

func (r *Repo) fillArchive(ctx context.Context, name, version string) ([]byte, error) {
	l := r.l.With(
		zap.String("fill_id", uuid.New().String()),
		zap.String("name", name),
		zap.String("version", version),
	)

	meta, err := r.archiveSourceMetadata(ctx, name)
	if err != nil {
		return nil, err
	}
	ver, ok := meta.FindVersion(version)
	if !ok {
		return nil, errors.Wrapf(ErrUpstreamNotFound, "%s %s", name, version)
	}

	archiveURL := ver.ArchiveURL
	if archiveURL == "" {
		archiveURL = r.upstream.ArchiveURL(name, version)
	}
	data, err := r.upstream.FetchArchive(ctx, archiveURL)
	if err != nil {
		metrics.CacheFillCounter.WithLabelValues("archive", fillStatus(err)).Inc()
		return nil, err
	}
	if ver.ArchiveSHA256 != "" && packages.SHA256Hex(data) != ver.ArchiveSHA256 {
		metrics.CacheFillCounter.WithLabelValues("archive", "error").Inc()
		return nil, errors.Wrapf(ErrUpstream, "archive checksum mismatch for %s %s", name, version)
	}

	if err := r.storage.PutArchive(ctx, packages.NamespacePublicCache, name, version, data); err != nil {
		metrics.CacheFillCounter.WithLabelValues("archive", "error").Inc()
		return nil, errors.Wrap(err, "failed to cache archive")
	}

	metrics.CacheFillCounter.WithLabelValues("archive", "success").Inc()
	l.Debug("cached archive from upstream", zap.Int("size", len(data)))
	return data, nil
}

// archiveSourceMetadata returns the metadata record an archive fill reads
// its download URL and checksum from. A stale cached record is acceptable
// here when the index is down, the archive bytes are verified either way.
func (r *Repo) archiveSourceMetadata(ctx context.Context, name string) (*packages.Package, error) {
	cached, err := r.storage.GetMetadata(ctx, packages.NamespacePublicCache, name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "failed to read cached metadata")
	}
	if cached != nil && r.fresh(cached) {
		return cached, nil
	}

	pkg, err := r.fetchMetadataShared(ctx, name)
	if err == nil {
		return pkg, nil
	}
	if errors.Is(err, ErrUpstream) && cached != nil {
		return cached, nil
	}
	return nil, err
}

type listEntry struct {
	name      string
	namespace packages.Namespace
}

func (r *Repo) listEntries(ctx context.Context) ([]listEntry, error) {
	privateNames, err := r.storage.ListNames(ctx, packages.NamespacePrivate)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list private packages")
	}
	publicNames, err := r.storage.ListNames(ctx, packages.NamespacePublicCache)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cached packages")
	}

	seen := make(map[string]bool, len(privateNames))
	entries := make([]listEntry, 0, len(privateNames)+len(publicNames))
	for _, name := range privateNames {
		seen[name] = true
		entries = append(entries, listEntry{name: name, namespace: packages.NamespacePrivate})
	}
	for _, name := range publicNames {
		if seen[name] {
			continue
		}
		entries = append(entries, listEntry{name: name, namespace: packages.NamespacePublicCache})
	}
	return entries, nil
}

func filterSummaries(summaries []*responses.PackageSummary, query string) []responses.PackageSummary {
	q := strings.ToLower(strings.TrimSpace(query))
	filtered := make([]responses.PackageSummary, 0, len(summaries))
	for _, s := range summaries {
		if s == nil {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(s.Name), q) &&
			!strings.Contains(strings.ToLower(s.Description), q) {
			continue
		}
		filtered = append(filtered, *s)
	}
	return filtered
}

func fillStatus(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamNotFound):
		return "not_found"
	case err != nil:
		return "error"
	default:
		return "success"
	}
}

func publishStatus(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case err != nil:
		return "error"
	default:
		return "success"
	}
}
