package hostfuncs

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
)

// HTTPRequest is the http_request payload.
type HTTPRequest struct {
	// Headers contains request headers.
	Headers map[string]string `json:"headers,omitempty"`

	// FollowRedirects controls whether to follow redirects. Default is true.
	FollowRedirects *bool `json:"follow_redirects,omitempty"`

	// Method is the HTTP method (GET, POST, PUT, DELETE, etc.).
	Method string `json:"method"`

	// URL is the target URL.
	URL string `json:"url"`

	// Body is the request body (for POST, PUT, etc.).
	Body []byte `json:"body,omitempty"`

	// Timeout is the request timeout in milliseconds. Default is 30000 (30s).
	Timeout int `json:"timeout_ms,omitempty"`

	// MaxRedirects is the maximum number of redirects to follow. Default is 10.
	MaxRedirects int `json:"max_redirects,omitempty"`
}

// HTTPResponse is the http_request result. Transport failures are
// reported in Error rather than failing the host call.
type HTTPResponse struct {
	// Headers contains response headers.
	Headers map[string][]string `json:"headers,omitempty"`

	// Error contains error information if the request failed.
	Error *HTTPError `json:"error,omitempty"`

	// Proto is the protocol version (e.g. "HTTP/1.1").
	Proto string `json:"proto,omitempty"`

	// Body is the response body.
	Body []byte `json:"body,omitempty"`

	// LatencyMs is the request latency in milliseconds.
	LatencyMs int64 `json:"latency_ms,omitempty"`

	// StatusCode is the HTTP status code.
	StatusCode int `json:"status_code"`

	// BodyTruncated indicates if the body was truncated due to size limits.
	BodyTruncated bool `json:"body_truncated,omitempty"`
}

// HTTPError represents an HTTP request error.
type HTTPError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

// HTTPOption is a functional option for configuring HTTP request behavior.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	dialer          ports.Dialer
	checkURL        func(*url.URL) error
	tlsConfig       *tls.Config
	timeout         time.Duration
	maxRedirects    int
	maxBodySize     int64
	followRedirects bool
}

func defaultHTTPConfig() httpConfig {
	return httpConfig{
		timeout:         30 * time.Second,
		maxRedirects:    10,
		followRedirects: true,
		maxBodySize:     10 * 1024 * 1024, // 10MB
	}
}

// WithHTTPRequestTimeout sets the HTTP request timeout.
func WithHTTPRequestTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPMaxRedirects sets the maximum number of redirects to follow.
func WithHTTPMaxRedirects(n int) HTTPOption {
	return func(c *httpConfig) {
		if n >= 0 {
			c.maxRedirects = n
		}
	}
}

// WithHTTPFollowRedirects controls whether to follow redirects.
func WithHTTPFollowRedirects(follow bool) HTTPOption {
	return func(c *httpConfig) {
		c.followRedirects = follow
	}
}

// WithHTTPMaxBodySize sets the maximum response body size.
func WithHTTPMaxBodySize(size int64) HTTPOption {
	return func(c *httpConfig) {
		if size > 0 {
			c.maxBodySize = size
		}
	}
}

// WithHTTPDialer routes every connection through d, typically a
// SafeDialer.
func WithHTTPDialer(d ports.Dialer) HTTPOption {
	return func(c *httpConfig) {
		c.dialer = d
	}
}

// WithHTTPURLCheck runs check on the request URL and on every redirect
// target. A non-nil error stops the request.
func WithHTTPURLCheck(check func(*url.URL) error) HTTPOption {
	return func(c *httpConfig) {
		c.checkURL = check
	}
}

// WithHTTPTLSConfig sets the client TLS configuration.
func WithHTTPTLSConfig(cfg *tls.Config) HTTPOption {
	return func(c *httpConfig) {
		c.tlsConfig = cfg
	}
}

// PerformHTTPRequest performs an HTTP request on behalf of a guest.
func PerformHTTPRequest(ctx context.Context, req HTTPRequest, opts ...HTTPOption) HTTPResponse {
	cfg := defaultHTTPConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	// Override config from request if specified
	applyRequestConfig(&req, &cfg)

	target, herr := validateHTTPRequest(&req)
	if herr != nil {
		return HTTPResponse{Error: herr}
	}
	if cfg.checkURL != nil {
		if err := cfg.checkURL(target); err != nil {
			return HTTPResponse{Error: &HTTPError{Code: "CAPABILITY_DENIED", Message: err.Error()}}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	return executeHTTPRequest(ctx, req, cfg)
}

// applyRequestConfig overrides default config with request-specific values.
func applyRequestConfig(req *HTTPRequest, cfg *httpConfig) {
	if req.Timeout > 0 {
		cfg.timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	if req.MaxRedirects > 0 {
		cfg.maxRedirects = min(req.MaxRedirects, cfg.maxRedirects)
	}
	if req.FollowRedirects != nil {
		cfg.followRedirects = *req.FollowRedirects
	}
}

// validateHTTPRequest validates the HTTP request parameters.
func validateHTTPRequest(req *HTTPRequest) (*url.URL, *HTTPError) {
	if req.URL == "" {
		return nil, &HTTPError{
			Code:    "INVALID_REQUEST",
			Message: "URL is required",
		}
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &HTTPError{Code: "INVALID_REQUEST", Message: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &HTTPError{Code: "INVALID_REQUEST", Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Hostname() == "" {
		return nil, &HTTPError{Code: "INVALID_REQUEST", Message: "URL has no host"}
	}
	return u, nil
}

// urlPort returns the explicit port of u or the scheme default.
func urlPort(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// executeHTTPRequest creates the HTTP client, performs the request, and reads the response.
func executeHTTPRequest(ctx context.Context, req HTTPRequest, cfg httpConfig) HTTPResponse {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL, body)
	if err != nil {
		return HTTPResponse{
			Error: &HTTPError{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		}
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := createHTTPClient(cfg)
	defer client.CloseIdleConnections()

	start := time.Now()
	resp, err := client.Do(httpReq)
	latency := time.Since(start)

	if err != nil {
		return handleHTTPError(ctx, err, latency)
	}
	defer func() { _ = resp.Body.Close() }()

	return readHTTPResponse(resp, latency, cfg.maxBodySize)
}

// createHTTPClient creates a client that dials through cfg.dialer and
// checks every redirect hop.
func createHTTPClient(cfg httpConfig) *http.Client {
	transport := &http.Transport{
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       cfg.tlsConfig,
	}
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.dialer != nil {
		transport.DialContext = cfg.dialer.DialContext
	} else {
		transport.DialContext = (&net.Dialer{Timeout: cfg.timeout}).DialContext
	}

	client := &http.Client{
		Timeout:   cfg.timeout,
		Transport: transport,
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if !cfg.followRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= cfg.maxRedirects {
			return fmt.Errorf("stopped after %d redirects", cfg.maxRedirects)
		}
		if cfg.checkURL != nil {
			return cfg.checkURL(req.URL)
		}
		return nil
	}

	return client
}

// handleHTTPError classifies and returns an error response.
func handleHTTPError(ctx context.Context, err error, latency time.Duration) HTTPResponse {
	code := "REQUEST_FAILED"
	switch {
	case errors.Is(err, entities.ErrSecurityViolation):
		code = "CAPABILITY_DENIED"
	case strings.Contains(err.Error(), "timeout"), errors.Is(ctx.Err(), context.DeadlineExceeded):
		code = "TIMEOUT"
	case strings.Contains(err.Error(), "redirect"):
		code = "TOO_MANY_REDIRECTS"
	case strings.Contains(err.Error(), "no such host"):
		code = "HOST_NOT_FOUND"
	case strings.Contains(err.Error(), "connection refused"):
		code = "CONNECTION_REFUSED"
	case strings.Contains(err.Error(), "SSRF protection"):
		code = "SSRF_BLOCKED"
	}

	return HTTPResponse{
		LatencyMs: latency.Milliseconds(),
		Error: &HTTPError{
			Code:    code,
			Message: err.Error(),
		},
	}
}

// readHTTPResponse reads and returns the HTTP response body with size limiting.
func readHTTPResponse(resp *http.Response, latency time.Duration, maxBodySize int64) HTTPResponse {
	bodyReader := io.LimitReader(resp.Body, maxBodySize+1)
	respBody, err := io.ReadAll(bodyReader)
	if err != nil {
		return HTTPResponse{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			LatencyMs:  latency.Milliseconds(),
			Error: &HTTPError{
				Code:    "READ_BODY_FAILED",
				Message: err.Error(),
			},
		}
	}

	truncated := false
	if int64(len(respBody)) > maxBodySize {
		respBody = respBody[:maxBodySize]
		truncated = true
	}

	return HTTPResponse{
		StatusCode:    resp.StatusCode,
		Headers:       resp.Header,
		Body:          respBody,
		BodyTruncated: truncated,
		LatencyMs:     latency.Milliseconds(),
		Proto:         resp.Proto,
	}
}

// httpRequest gates the request URL and every redirect target on a
// network connect permission. A denial fails the host call with the
// SecurityViolation.
func (h *Host) httpRequest(ctx context.Context, call *Call) (any, error) {
	var req HTTPRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	release, err := call.Acquire(ctx, entities.ResourceConnections)
	if err != nil {
		return nil, err
	}
	defer release()

	var denied error
	check := func(u *url.URL) error {
		host := strings.ToLower(u.Hostname())
		if err := call.Require(ctx, entities.NetworkRequest(entities.OpConnect, host, urlPort(u))); err != nil {
			denied = err
			return err
		}
		return nil
	}
	opts := append([]HTTPOption{WithHTTPDialer(h.dialer)}, h.httpOpts...)
	opts = append(opts, WithHTTPURLCheck(check))
	resp := PerformHTTPRequest(ctx, req, opts...)
	if denied != nil {
		return nil, denied
	}
	return resp, nil
}
