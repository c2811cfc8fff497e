package handler

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/foomo/packageserver/packages"
	"github.com/foomo/packageserver/pkg/auth"
	"github.com/foomo/packageserver/pkg/metrics"
	"github.com/foomo/packageserver/pkg/repo"
	"github.com/foomo/packageserver/responses"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// content type of the pub repository API
	contentType = "application/vnd.pub.v2+json"
	// headerPackageSource reports where a response was served from
	headerPackageSource = "X-Package-Source"

	defaultMaxUploadSize = 100 << 20
	multipartMemory      = 32 << 20
)

type (
	HTTP struct {
		l             *zap.Logger
		repo          *repo.Repo
		gate          *auth.Gate
		mux           *http.ServeMux
		basePath      string
		publicURL     string
		privateAuth   bool
		maxUploadSize int64
	}
	HTTPOption func(*HTTP)
)

// ------------------------------------------------------------------------------------------------
// ~ Constructor
// ------------------------------------------------------------------------------------------------

// NewHTTP returns the pub repository API handler
func NewHTTP(l *zap.Logger, repo *repo.Repo, opts ...HTTPOption) http.Handler {
	inst := &HTTP{
		l:             l.Named("http"),
		repo:          repo,
		gate:          auth.New(""),
		maxUploadSize: defaultMaxUploadSize,
	}

	for _, opt := range opts {
		opt(inst)
	}

	inst.mux = http.NewServeMux()
	inst.routes()

	return inst
}

// ------------------------------------------------------------------------------------------------
// ~ Options
// ------------------------------------------------------------------------------------------------

// WithBasePath mounts all routes below the given path prefix.
func WithBasePath(v string) HTTPOption {
	return func(o *HTTP) {
		o.basePath = strings.TrimSuffix(v, "/")
	}
}

// WithPublicURL sets the external base URL used when rewriting archive URLs.
// When unset the URL is derived from the incoming request.
func WithPublicURL(v string) HTTPOption {
	return func(o *HTTP) {
		o.publicURL = strings.TrimSuffix(v, "/")
	}
}

func WithAuth(v *auth.Gate) HTTPOption {
	return func(o *HTTP) {
		o.gate = v
	}
}

// WithPrivateAuth requires a valid bearer token for responses served from
// the private namespace. Failures read as not found so probing cannot tell
// private names apart from missing ones.
func WithPrivateAuth(v bool) HTTPOption {
	return func(o *HTTP) {
		o.privateAuth = v
	}
}

func WithMaxUploadSize(v int64) HTTPOption {
	return func(o *HTTP) {
		o.maxUploadSize = v
	}
}

// ------------------------------------------------------------------------------------------------
// ~ Public methods
// ------------------------------------------------------------------------------------------------

func (h *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// ------------------------------------------------------------------------------------------------
// ~ Private methods
// ------------------------------------------------------------------------------------------------

func (h *HTTP) routes() {
	h.mux.HandleFunc("GET "+h.basePath+"/api/packages", h.handle(RouteList, h.list))
	h.mux.HandleFunc("GET "+h.basePath+"/api/packages/{name}", h.handle(RouteMetadata, h.metadata))
	h.mux.HandleFunc("GET "+h.basePath+"/api/packages/{name}/versions/{version}", h.handle(RouteVersion, h.version))
	h.mux.HandleFunc("GET "+h.basePath+"/api/packages/{name}/versions/{version}/archive.tar.gz", h.handle(RouteArchive, h.archive))
	h.mux.HandleFunc("POST "+h.basePath+"/api/packages", h.handle(RoutePublish, h.publish))
	h.mux.HandleFunc("/", h.notFound)
}

type routeFunc func(w http.ResponseWriter, r *http.Request) (repo.Source, error)

// handle wraps a route with error rendering and request metrics.
// Routes write their own success response and only return pre-write errors.
func (h *HTTP) handle(route Route, fn routeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		source, err := fn(w, r)
		status := "success"
		if err != nil {
			status = "error"
			h.writeError(w, r, err)
		}

		metrics.ResolveRequestCounter.WithLabelValues(string(route), string(source), status).Inc()
		metrics.ResolveRequestDuration.WithLabelValues(string(route), status).Observe(time.Since(start).Seconds())
	}
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) (repo.Source, error) {
	query := r.URL.Query()
	list, err := h.repo.List(r.Context(),
		query.Get("q"),
		intParam(query.Get("page"), 1),
		intParam(query.Get("page_size"), 0),
	)
	if err != nil {
		return repo.SourceNone, err
	}

	h.writeJSON(w, http.StatusOK, list)
	return repo.SourceNone, nil
}

func (h *HTTP) metadata(w http.ResponseWriter, r *http.Request) (repo.Source, error) {
	name := r.PathValue("name")

	pkg, source, err := h.repo.ResolveMetadata(r.Context(), name)
	if err != nil {
		return source, err
	}
	if !h.authorizePrivate(r, source) {
		return source, errors.Wrap(repo.ErrNotFound, name)
	}

	w.Header().Set(headerPackageSource, string(source))
	h.writeJSON(w, http.StatusOK, h.rewritePackage(r, pkg))
	return source, nil
}

func (h *HTTP) version(w http.ResponseWriter, r *http.Request) (repo.Source, error) {
	name := r.PathValue("name")
	version := r.PathValue("version")

	pkg, source, err := h.repo.ResolveMetadata(r.Context(), name)
	if err != nil {
		return source, err
	}
	if !h.authorizePrivate(r, source) {
		return source, errors.Wrap(repo.ErrNotFound, name)
	}
	ver, ok := pkg.FindVersion(version)
	if !ok {
		return source, errors.Wrapf(repo.ErrNotFound, "%s %s", name, version)
	}

	rewritten := *ver
	rewritten.ArchiveURL = h.archiveURL(r, name, version)

	w.Header().Set(headerPackageSource, string(source))
	h.writeJSON(w, http.StatusOK, rewritten)
	return source, nil
}

func (h *HTTP) archive(w http.ResponseWriter, r *http.Request) (repo.Source, error) {
	name := r.PathValue("name")
	version := r.PathValue("version")

	data, source, err := h.repo.ResolveArchive(r.Context(), name, version)
	if err != nil {
		return source, err
	}
	if !h.authorizePrivate(r, source) {
		return source, errors.Wrapf(repo.ErrNotFound, "%s %s", name, version)
	}

	w.Header().Set(headerPackageSource, string(source))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		h.l.Debug("failed to write archive response", zap.Error(err))
	}
	return source, nil
}

func (h *HTTP) publish(w http.ResponseWriter, r *http.Request) (repo.Source, error) {
	credential := auth.BearerToken(r)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return repo.SourceNone, errors.Wrapf(repo.ErrInvalid, "malformed multipart form: %s", err.Error())
	}
	name := r.FormValue("package_name")
	version := r.FormValue("version")

	file, _, err := r.FormFile("file")
	if err != nil {
		return repo.SourceNone, errors.Wrap(repo.ErrInvalid, "missing archive file part")
	}
	defer file.Close()
	archive, err := io.ReadAll(file)
	if err != nil {
		return repo.SourceNone, errors.Wrap(repo.ErrInvalid, "failed to read archive file part")
	}

	ver, err := h.repo.Publish(r.Context(), credential, name, version, archive)
	if err != nil {
		return repo.SourceNone, err
	}

	w.Header().Set(headerPackageSource, string(repo.SourcePrivate))
	h.writeJSON(w, http.StatusCreated, responses.Publish{
		Name:          name,
		Version:       ver.Version,
		ArchiveSHA256: ver.ArchiveSHA256,
		Message:       "successfully published " + name + " " + ver.Version,
	})
	return repo.SourcePrivate, nil
}

func (h *HTTP) notFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, errors.Wrap(repo.ErrNotFound, r.URL.Path))
}

// authorizePrivate reports whether a response from the given source may be
// served to this request under the private download policy.
func (h *HTTP) authorizePrivate(r *http.Request, source repo.Source) bool {
	if !h.privateAuth || source != repo.SourcePrivate {
		return true
	}
	return h.gate.Authorize(auth.BearerToken(r))
}

// rewritePackage returns a serving copy whose archive URLs point at this
// server. Stored records keep the upstream URLs the cache fills from.
func (h *HTTP) rewritePackage(r *http.Request, pkg *packages.Package) *packages.Package {
	out := pkg.Clone()
	for i := range out.Versions {
		out.Versions[i].ArchiveURL = h.archiveURL(r, out.Name, out.Versions[i].Version)
	}
	if out.Latest != nil {
		out.Latest.ArchiveURL = h.archiveURL(r, out.Name, out.Latest.Version)
	}
	out.FetchedAt = nil
	return out
}

func (h *HTTP) archiveURL(r *http.Request, name, version string) string {
	return h.externalBase(r) + h.basePath +
		"/api/packages/" + url.PathEscape(name) +
		"/versions/" + url.PathEscape(version) +
		"/archive.tar.gz"
}

// externalBase returns the configured public URL, falling back to the
// incoming request's host.
func (h *HTTP) externalBase(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (h *HTTP) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var code string

	switch {
	case errors.Is(err, repo.ErrNotFound):
		status, code = http.StatusNotFound, responses.ErrorCodeNotFound
	case errors.Is(err, repo.ErrUnauthorized):
		status, code = http.StatusUnauthorized, responses.ErrorCodeUnauthorized
	case errors.Is(err, repo.ErrConflict):
		status, code = http.StatusConflict, responses.ErrorCodeConflict
	case errors.Is(err, repo.ErrInvalid):
		status, code = http.StatusBadRequest, responses.ErrorCodeInvalid
	case errors.Is(err, repo.ErrUpstream):
		status, code = http.StatusBadGateway, responses.ErrorCodeUpstream
	default:
		status, code = http.StatusInternalServerError, responses.ErrorCodeInternal
		h.l.Error("internal error",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		err = errors.New("internal server error")
	}

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="pub", message="`+err.Error()+`"`)
	}
	h.writeJSON(w, status, responses.ErrorEnvelope{
		Error: responses.Error{Code: code, Message: err.Error()},
	})
}

func (h *HTTP) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.l.Error("failed to encode response", zap.Error(err))
	}
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
