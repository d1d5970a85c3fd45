// Package fetch provides the HTTP client used for every upstream call: per-host rate limiting,
// bounded retries with exponential backoff, and explicit handling of 429 responses.
package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"ncmparse/internal/ratelimit"
	"ncmparse/pkg/ncmerr"
)

const (
	// DefaultUserAgent is sent when a request carries no User-Agent of its own.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	// maxDrainBytes bounds how much of a discarded body is read to reuse the connection.
	maxDrainBytes = 4096
)

// ErrTooManyRedirects is returned when a redirect chain exceeds Config.MaxRedirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// Config holds timeouts and retry settings.
type Config struct {
	ConnectTimeout    time.Duration
	Timeout           time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	DefaultRetryAfter time.Duration
	MaxRedirects      int
	UserAgent         string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		Timeout:           30 * time.Second,
		MaxAttempts:       3,
		BaseBackoff:       time.Second,
		MaxBackoff:        60 * time.Second,
		DefaultRetryAfter: 5 * time.Second,
		MaxRedirects:      10,
		UserAgent:         DefaultUserAgent,
	}
}

// Request describes one logical call. Retries reuse it unchanged.
type Request struct {
	Method string
	URL    string
	// Form is sent as an application/x-www-form-urlencoded body.
	Form   url.Values
	Header http.Header
	// MaxAttempts overrides Config.MaxAttempts when positive.
	MaxAttempts   int
	SkipRateLimit bool
}

// Recorder receives per-request telemetry. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordRequest(host, outcome string)
	RecordRetry(host string)
	RecordRateLimitWait(host string, wait time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string, string)              {}
func (nopRecorder) RecordRetry(string)                        {}
func (nopRecorder) RecordRateLimitWait(string, time.Duration) {}

// Request outcomes reported to the Recorder.
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Client sends requests through the rate limiter with retries. It is safe for concurrent use.
type Client struct {
	config   Config
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
	recorder Recorder
	jitter   func() float64
	now      func() time.Time

	mutex   sync.Mutex
	session *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithRecorder attaches a telemetry recorder.
func WithRecorder(recorder Recorder) Option {
	return func(c *Client) {
		if recorder != nil {
			c.recorder = recorder
		}
	}
}

// New creates a client. A nil limiter disables rate limiting.
func New(config Config, limiter *ratelimit.Limiter, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = defaults.BaseBackoff
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}
	if config.DefaultRetryAfter <= 0 {
		config.DefaultRetryAfter = defaults.DefaultRetryAfter
	}
	if config.MaxRedirects <= 0 {
		config.MaxRedirects = defaults.MaxRedirects
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}

	c := &Client{
		config:   config,
		limiter:  limiter,
		logger:   logger,
		recorder: nopRecorder{},
		jitter:   randomFraction,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req, retrying transport failures and 429 responses. Any other response, including
// error statuses, is returned as-is and the caller must close its body.
//
// Failures are *ncmerr.Error values of kind ErrRequest or ErrRateLimit.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.config.MaxAttempts
	}

	attempts := 0
	failure := func(kind error, message string, cause error) *ncmerr.Error {
		return ncmerr.Wrap(kind, message, cause).WithContext(
			"url", req.URL,
			"method", method,
			"attempt", strconv.Itoa(attempts),
			"max_attempts", strconv.Itoa(maxAttempts),
		)
	}

	var body interface{}
	if req.Form != nil {
		body = []byte(req.Form.Encode())
	}

	if req.SkipRateLimit {
		ctx = withoutRateLimit(ctx)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, failure(ncmerr.ErrRequest, "invalid request", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if req.Form != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}

	host := httpReq.URL.Hostname()

	retryClient := &retryablehttp.Client{
		HTTPClient:   c.callClient(),
		Logger:       leveledLogger{logger: c.logger},
		RetryWaitMin: c.config.BaseBackoff,
		RetryWaitMax: c.config.MaxBackoff,
		RetryMax:     maxAttempts - 1,
		RequestLogHook: func(_ retryablehttp.Logger, _ *http.Request, retry int) {
			attempts = retry + 1
			if retry > 0 {
				c.recorder.RecordRetry(host)
			}
		},
		CheckRetry: c.checkRetry,
		Backoff:    c.backoff,
		ErrorHandler: func(resp *http.Response, err error, _ int) (*http.Response, error) {
			if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
				limited := failure(ncmerr.ErrRateLimit, "rate limited by upstream", nil)
				limited.RetryAfter = c.retryAfter(resp)
				drainBody(resp.Body)
				return nil, limited
			}
			if resp != nil {
				drainBody(resp.Body)
			}
			return nil, failure(ncmerr.ErrRequest, "request failed", err)
		},
	}

	resp, err := retryClient.Do(httpReq)
	if err != nil {
		var typed *ncmerr.Error
		if !errors.As(err, &typed) {
			// Cancellation during a backoff wait bypasses the error handler.
			typed = failure(ncmerr.ErrRequest, "request failed", err)
		}

		outcome := OutcomeError
		if typed.Kind == ncmerr.ErrRateLimit {
			outcome = OutcomeRateLimited
		}
		c.recorder.RecordRequest(host, outcome)

		c.logger.Debug("Request failed",
			zap.String("method", method),
			zap.String("url", req.URL),
			zap.Int("attempts", attempts),
			zap.Error(typed))
		return nil, typed
	}

	c.recorder.RecordRequest(host, OutcomeOK)
	return resp, nil
}

// Close drops idle connections and forgets the session; the next call creates a new one.
func (c *Client) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.session != nil {
		c.session.CloseIdleConnections()
		c.session = nil
	}
}

// client returns the shared session, creating it on first use.
func (c *Client) client() *http.Client {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.session == nil {
		c.session = c.newSession()
		c.logger.Debug("Created HTTP session",
			zap.Duration("timeout", c.config.Timeout),
			zap.Int("maxRedirects", c.config.MaxRedirects))
	}
	return c.session
}

// callClient shares the session's pooled transport for one call. retryablehttp closes idle
// connections after every failed call, so the transport is wrapped to keep that from
// reaching the shared pool.
func (c *Client) callClient() *http.Client {
	session := c.client()
	return &http.Client{
		Transport:     keepIdle{RoundTripper: session.Transport},
		Timeout:       session.Timeout,
		CheckRedirect: session.CheckRedirect,
	}
}

// keepIdle exposes only RoundTrip, hiding CloseIdleConnections from http.Client.
type keepIdle struct {
	http.RoundTripper
}

func (c *Client) newSession() *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   c.config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   c.config.ConnectTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	maxRedirects := c.config.MaxRedirects
	return &http.Client{
		Transport: &limitedTransport{
			base:     base,
			limiter:  c.limiter,
			recorder: c.recorder,
		},
		Timeout: c.config.Timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

// checkRetry retries 429 responses and transport failures. Cancellation and redirect
// overflow end the call immediately.
func (c *Client) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		if errors.Is(err, ErrTooManyRedirects) || errors.Is(err, context.Canceled) {
			return false, nil
		}
		return true, nil
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// backoff waits out Retry-After on 429 responses and backs off exponentially otherwise.
// attemptNum counts completed attempts from zero.
func (c *Client) backoff(base, limit time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return c.retryAfter(resp)
	}
	return Jitter(Backoff(base, limit, attemptNum+1), base, c.jitter())
}

func (c *Client) retryAfter(resp *http.Response) time.Duration {
	return ParseRetryAfter(resp.Header.Get("Retry-After"), c.now(), c.config.DefaultRetryAfter)
}

func drainBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	_ = body.Close()
}

// HostOf returns the lower-cased host of rawURL, or "" if it cannot be parsed.
func HostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
