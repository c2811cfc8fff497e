package client

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/foomo/packageserver/packages"
	"github.com/foomo/packageserver/pkg/repo"
	"github.com/foomo/packageserver/responses"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const acceptHeader = "application/vnd.pub.v2+json"

type (
	// Client talks to a package server over its HTTP API
	Client struct {
		endpoint   string
		token      string
		httpClient *http.Client
	}
	Option func(*Client)
)

// ------------------------------------------------------------------------------------------------
// ~ Constructor
// ------------------------------------------------------------------------------------------------

// New returns a client for the server at the given endpoint.
// Caution: the provided endpoint is not validated!
func New(endpoint string, opts ...Option) *Client {
	inst := &Client{
		endpoint:   endpoint,
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

func WithHTTPClient(v *http.Client) Option {
	return func(o *Client) {
		o.httpClient = v
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(v string) Option {
	return func(o *Client) {
		o.token = v
	}
}

// ------------------------------------------------------------------------------------------------
// ~ Public methods
// ------------------------------------------------------------------------------------------------

// GetPackage retrieves the metadata record for a package name.
func (c *Client) GetPackage(ctx context.Context, name string) (*packages.Package, error) {
	body, err := c.get(ctx, "/api/packages/"+url.PathEscape(name))
	if err != nil {
		return nil, err
	}

	pkg := &packages.Package{}
	if err := json.Unmarshal(body, pkg); err != nil {
		return nil, errors.Wrap(err, "failed to decode package metadata")
	}
	return pkg, nil
}

// GetVersion retrieves the metadata record for a single package version.
func (c *Client) GetVersion(ctx context.Context, name, version string) (*packages.Version, error) {
	body, err := c.get(ctx, "/api/packages/"+url.PathEscape(name)+"/versions/"+url.PathEscape(version))
	if err != nil {
		return nil, err
	}

	ver := &packages.Version{}
	if err := json.Unmarshal(body, ver); err != nil {
		return nil, errors.Wrap(err, "failed to decode version metadata")
	}
	return ver, nil
}

// DownloadArchive retrieves the archive bytes for a package version.
func (c *Client) DownloadArchive(ctx context.Context, name, version string) ([]byte, error) {
	return c.get(ctx, "/api/packages/"+url.PathEscape(name)+"/versions/"+url.PathEscape(version)+"/archive.tar.gz")
}

// Publish uploads a private package version.
func (c *Client) Publish(ctx context.Context, name, version string, archive []byte) (*responses.Publish, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("package_name", name); err != nil {
		return nil, errors.Wrap(err, "failed to build publish form")
	}
	if err := form.WriteField("version", version); err != nil {
		return nil, errors.Wrap(err, "failed to build publish form")
	}
	part, err := form.CreateFormFile("file", "archive.tar.gz")
	if err != nil {
		return nil, errors.Wrap(err, "failed to build publish form")
	}
	if _, err := part.Write(archive); err != nil {
		return nil, errors.Wrap(err, "failed to build publish form")
	}
	if err := form.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to build publish form")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/packages", &buf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create publish request")
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	body, err := c.do(req, http.StatusCreated)
	if err != nil {
		return nil, err
	}

	result := &responses.Publish{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, errors.Wrap(err, "failed to decode publish response")
	}
	return result, nil
}

// List retrieves one page of the package listing.
func (c *Client) List(ctx context.Context, query string, page, pageSize int) (*responses.PackageList, error) {
	values := url.Values{}
	if query != "" {
		values.Set("q", query)
	}
	if page > 0 {
		values.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		values.Set("page_size", strconv.Itoa(pageSize))
	}
	path := "/api/packages"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}

	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	list := &responses.PackageList{}
	if err := json.Unmarshal(body, list); err != nil {
		return nil, errors.Wrap(err, "failed to decode package list")
	}
	return list, nil
}

// ------------------------------------------------------------------------------------------------
// ~ Private methods
// ------------------------------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	return c.do(req, http.StatusOK)
}

func (c *Client) do(req *http.Request, expectedStatus int) ([]byte, error) {
	req.Header.Set("Accept", acceptHeader)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}
	if response.StatusCode != expectedStatus {
		return nil, errorFromResponse(response, body)
	}
	return body, nil
}

// errorFromResponse maps the server's error envelope back onto the
// sentinel errors, so callers can use errors.Is on both sides of the wire.
func errorFromResponse(response *http.Response, body []byte) error {
	envelope := responses.ErrorEnvelope{}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
		return errors.Errorf("unexpected status %q", response.Status)
	}

	var sentinel error
	switch envelope.Error.Code {
	case responses.ErrorCodeNotFound:
		sentinel = repo.ErrNotFound
	case responses.ErrorCodeUnauthorized:
		sentinel = repo.ErrUnauthorized
	case responses.ErrorCodeConflict:
		sentinel = repo.ErrConflict
	case responses.ErrorCodeInvalid:
		sentinel = repo.ErrInvalid
	case responses.ErrorCodeUpstream:
		sentinel = repo.ErrUpstream
	default:
		return errors.Errorf("server error %q: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return errors.Wrap(sentinel, envelope.Error.Message)
}
