package repo

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foomo/packageserver/packages"
	"github.com/foomo/packageserver/pkg/metrics"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// pub repository API content type
const acceptHeader = "application/vnd.pub.v2+json"

type (
	// Upstream fetches package metadata and archives from a public pub index.
	// Failures are never retried here, callers decide how to degrade.
	Upstream struct {
		l          *zap.Logger
		baseURL    string
		httpClient *http.Client
	}
	UpstreamOption func(*Upstream)
)

// ------------------------------------------------------------------------------------------------
// ~ Constructor
// ------------------------------------------------------------------------------------------------

func NewUpstream(l *zap.Logger, baseURL string, opts ...UpstreamOption) *Upstream {
	inst := &Upstream{
		l:          l.Named("upstream"),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
	}

	for _, opt := range opts {
		opt(inst)
	}

	return inst
}

// ------------------------------------------------------------------------------------------------
// ~ Options
// ------------------------------------------------------------------------------------------------

func UpstreamWithHTTPClient(v *http.Client) UpstreamOption {
	return func(o *Upstream) {
		o.httpClient = v
	}
}

// ------------------------------------------------------------------------------------------------
// ~ Public methods
// ------------------------------------------------------------------------------------------------

// FetchMetadata retrieves the metadata record for a package name.
// Returns ErrUpstreamNotFound if the index does not know the name.
func (u *Upstream) FetchMetadata(ctx context.Context, name string) (*packages.Package, error) {
	start := time.Now()
	pkg, err := u.fetchMetadata(ctx, name)
	observeUpstreamRequest("metadata", start, err)
	return pkg, err
}

// FetchArchive retrieves archive bytes from the given URL.
// Returns ErrUpstreamNotFound if the index does not know the archive.
func (u *Upstream) FetchArchive(ctx context.Context, archiveURL string) ([]byte, error) {
	start := time.Now()
	data, err := u.fetchArchive(ctx, archiveURL)
	observeUpstreamRequest("archive", start, err)
	return data, err
}

// ArchiveURL returns the canonical upstream archive URL for a version.
// Used when a metadata record does not carry an archive URL of its own.
func (u *Upstream) ArchiveURL(name, version string) string {
	return u.baseURL + "/packages/" + url.PathEscape(name) + "/versions/" + url.PathEscape(version) + ".tar.gz"
}

// ------------------------------------------------------------------------------------------------
// ~ Private methods
// ------------------------------------------------------------------------------------------------

func (u *Upstream) fetchMetadata(ctx context.Context, name string) (*packages.Package, error) {
	body, err := u.get(ctx, u.baseURL+"/api/packages/"+url.PathEscape(name))
	if err != nil {
		return nil, err
	}

	pkg := &packages.Package{}
	if err := json.Unmarshal(body, pkg); err != nil {
		return nil, errors.Wrapf(ErrUpstream, "malformed metadata for %q: %s", name, err.Error())
	}
	if pkg.Name != name {
		return nil, errors.Wrapf(ErrUpstream, "metadata name %q does not match requested %q", pkg.Name, name)
	}
	return pkg, nil
}

func (u *Upstream) fetchArchive(ctx context.Context, archiveURL string) ([]byte, error) {
	return u.get(ctx, archiveURL)
}

func (u *Upstream) get(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create upstream request")
	}
	req.Header.Set("Accept", acceptHeader)

	u.l.Debug("fetching from upstream", zap.String("url", requestURL))
	response, err := u.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUpstream, "request to %q failed: %s", requestURL, err.Error())
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(ErrUpstreamNotFound, "%q", requestURL)
	case response.StatusCode != http.StatusOK:
		return nil, errors.Wrapf(ErrUpstream, "unexpected status %q from %q", response.Status, requestURL)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrUpstream, "failed to read response from %q: %s", requestURL, err.Error())
	}
	return body, nil
}

func observeUpstreamRequest(operation string, start time.Time, err error) {
	status := "success"
	switch {
	case errors.Is(err, ErrUpstreamNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	metrics.UpstreamRequestCounter.WithLabelValues(operation, status).Inc()
	metrics.UpstreamRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
