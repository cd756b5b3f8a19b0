package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	rerrors "github.com/mirkobrombin/go-rcache/v1/errors"
	"github.com/mirkobrombin/go-rcache/v1/metrics"
)

// HTTP is a Transport backed by net/http.
type HTTP struct {
	client  *http.Client
	baseURL *url.URL
	log     *slog.Logger
	now     func() time.Time
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithClient sets the client used for requests. The default is
// http.DefaultClient.
func WithClient(c *http.Client) HTTPOption {
	return func(t *HTTP) {
		t.client = c
	}
}

// WithBaseURL resolves relative request URLs, such as "/items/5" taken from
// a Location header, against base.
func WithBaseURL(base *url.URL) HTTPOption {
	return func(t *HTTP) {
		t.baseURL = base
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) HTTPOption {
	return func(t *HTTP) {
		t.log = l
	}
}

// NewHTTP returns a new HTTP transport.
func NewHTTP(opts ...HTTPOption) *HTTP {
	t := &HTTP{
		client: http.DefaultClient,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do implements Transport.Do.
func (t *HTTP) Do(ctx context.Context, req Request) *Call {
	call := NewCall(req)
	go t.run(ctx, call)
	return call
}

func (t *HTTP) run(ctx context.Context, call *Call) {
	req := call.Request()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	start := t.now()
	resp, err := t.roundTrip(ctx, req)
	metrics.RequestLatency.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.RequestCounter.WithLabelValues(req.Method, "error").Inc()
		t.log.Warn("rcache: request failed", "id", call.ID(), "method", req.Method, "url", req.URL, "error", err)
		call.Reject(nil, fmt.Errorf("%w: %v", rerrors.ErrNoResponse, err))
	case isSuccess(resp.StatusCode):
		metrics.RequestCounter.WithLabelValues(req.Method, "success").Inc()
		t.log.Debug("rcache: response", "id", call.ID(), "method", req.Method, "url", req.URL, "status", resp.StatusCode)
		call.Resolve(resp)
	default:
		metrics.RequestCounter.WithLabelValues(req.Method, "failure").Inc()
		t.log.Debug("rcache: response", "id", call.ID(), "method", req.Method, "url", req.URL, "status", resp.StatusCode)
		call.Reject(resp, &StatusError{Code: resp.StatusCode})
	}
}

func (t *HTTP) roundTrip(ctx context.Context, req Request) (*Response, error) {
	target, err := t.resolve(req)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	// Assigned directly so empty values survive.
	for k, v := range req.Header {
		hr.Header[textproto.CanonicalMIMEHeaderKey(k)] = []string{v}
	}
	res, err := t.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: b}, nil
}

// resolve builds the final URL: relative URLs are resolved against the base
// URL and bypassing requests get a unique "_" query parameter.
func (t *HTTP) resolve(req Request) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", err
	}
	if t.baseURL != nil {
		u = t.baseURL.ResolveReference(u)
	}
	if req.Cache == CacheBypass && (req.Method == "" || req.Method == http.MethodGet || req.Method == http.MethodHead) {
		q := u.Query()
		q.Set("_", strconv.FormatInt(t.now().UnixNano(), 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func isSuccess(code int) bool {
	return (code >= 200 && code < 300) || code == http.StatusNotModified
}
