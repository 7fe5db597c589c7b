package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/wolfeidau/content-loader/telemetry"
)

const (
	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// MaxBodySize caps how much of a response body is read.
	MaxBodySize = 10 * 1024 * 1024 // 10MB
)

// ErrBodyTooLarge is returned when a response body exceeds MaxBodySize.
var ErrBodyTooLarge = errors.New("response body exceeds maximum size")

// Response is the result of a transport fetch.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Text returns the body decoded as UTF-8 text. Invalid byte sequences become
// U+FFFD, the same form the value takes after a round trip through the
// persistent tier.
func (r *Response) Text() string {
	return strings.ToValidUTF8(string(r.Body), "\uFFFD")
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Transport fetches the content addressed by a resource key.
// A non-2xx response is reported through Response.StatusCode, not an error;
// errors mean the fetch itself failed.
type Transport interface {
	Fetch(ctx context.Context, key string) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, key string) (*Response, error)

// Fetch calls f.
func (f TransportFunc) Fetch(ctx context.Context, key string) (*Response, error) {
	return f(ctx, key)
}

// HTTPTransport fetches resources with HTTP GET. Relative keys are resolved against
// the base URL; absolute URLs are fetched as-is.
type HTTPTransport struct {
	baseURL   string
	client    *http.Client
	userAgent string
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithBaseURL sets the origin relative keys are resolved against.
func WithBaseURL(baseURL string) HTTPOption {
	return func(t *HTTPTransport) {
		t.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithUserAgent sets the User-Agent header sent upstream.
func WithUserAgent(ua string) HTTPOption {
	return func(t *HTTPTransport) {
		t.userAgent = ua
	}
}

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "origin"),
		},
		userAgent: "content-loader",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Fetch performs an HTTP GET for key and reads the whole body.
func (t *HTTPTransport) Fetch(ctx context.Context, key string) (*Response, error) {
	target, err := t.resolve(key)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(body) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

func (t *HTTPTransport) resolve(key string) (string, error) {
	ref, err := url.Parse(key)
	if err != nil {
		return "", fmt.Errorf("parsing key %q: %w", key, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if t.baseURL == "" {
		return "", fmt.Errorf("relative key %q with no base URL", key)
	}

	base, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	// Without the trailing slash the last base path segment would be replaced.
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(ref).String(), nil
}

// FSTransport serves resources from a file system, such as a local checkout of the
// site's content directory. Missing files produce a 404 response.
type FSTransport struct {
	fsys fs.FS
}

// NewFSTransport creates a transport reading from fsys.
func NewFSTransport(fsys fs.FS) *FSTransport {
	return &FSTransport{fsys: fsys}
}

// Fetch reads the file named by key.
func (t *FSTransport) Fetch(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := path.Clean(strings.TrimPrefix(key, "/"))
	if !fs.ValidPath(name) {
		return &Response{StatusCode: http.StatusBadRequest}, nil
	}

	data, err := fs.ReadFile(t.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Response{StatusCode: http.StatusNotFound}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if len(data) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	return &Response{StatusCode: http.StatusOK, Body: data}, nil
}

var (
	_ Transport = (*HTTPTransport)(nil)
	_ Transport = (*FSTransport)(nil)
	_ Transport = TransportFunc(nil)
)
