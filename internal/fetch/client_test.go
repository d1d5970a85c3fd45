package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"ncmparse/internal/ratelimit"
	"ncmparse/pkg/ncmerr"
)

// fastConfig keeps retry waits short enough for unit tests.
func fastConfig() Config {
	config := DefaultConfig()
	config.BaseBackoff = time.Millisecond
	config.MaxBackoff = 5 * time.Millisecond
	config.Timeout = 5 * time.Second
	return config
}

type recordingClock struct {
	mutex  sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *recordingClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *recordingClock) Sleep(_ context.Context, d time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *recordingClock) Sleeps() []time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type countingRecorder struct {
	mutex    sync.Mutex
	outcomes map[string]int
	retries  int
	waits    int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: make(map[string]int)}
}

func (r *countingRecorder) RecordRequest(_, outcome string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) RecordRetry(string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.retries++
}

func (r *countingRecorder) RecordRateLimitWait(string, time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.waits++
}

func hangUp(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		t.Error("response writer cannot be hijacked")
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		t.Errorf("Hijack() error = %v", err)
		return
	}
	_ = conn.Close()
}

func TestClient_PostsFormWithHeaders(t *testing.T) {
	var (
		gotMethod      string
		gotContentType string
		gotUserAgent   string
		gotRealIP      string
		gotForm        url.Values
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotUserAgent = r.Header.Get("User-Agent")
		gotRealIP = r.Header.Get("X-Real-IP")
		_ = r.ParseForm()
		gotForm = r.PostForm
		_, _ = w.Write([]byte(`{"code":200}`))
	}))
	defer server.Close()

	client := New(fastConfig(), nil, zap.NewNop())
	defer client.Close()

	header := http.Header{}
	header.Set("X-Real-IP", "211.161.244.70")

	resp, err := client.Do(context.Background(), Request{
		Method: http.MethodPost,
		URL:    server.URL + "/api/v3/song/detail",
		Form:   url.Values{"c": {`[{"id":"1"}]`}},
		Header: header,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotUserAgent != DefaultUserAgent {
		t.Errorf("User-Agent = %q, want default", gotUserAgent)
	}
	if gotRealIP != "211.161.244.70" {
		t.Errorf("X-Real-IP = %q", gotRealIP)
	}
	if gotForm.Get("c") != `[{"id":"1"}]` {
		t.Errorf("form c = %q", gotForm.Get("c"))
	}
}

func TestClient_ReplaysFormAfterTransportFailure(t *testing.T) {
	var (
		hits  atomic.Int32
		forms = make(chan url.Values, 2)
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			hangUp(t, w)
			return
		}
		_ = r.ParseForm()
		forms <- r.PostForm
		_, _ = w.Write([]byte(`{"code":200}`))
	}))
	defer server.Close()

	client := New(fastConfig(), nil, zap.NewNop())
	defer client.Close()

	resp, err := client.Do(context.Background(), Request{
		Method: http.MethodPost,
		URL:    server.URL + "/api/v1/mv/detail",
		Form:   url.Values{"id": {"1"}, "composeliked": {"true"}},
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if got := hits.Load(); got != 2 {
		t.Fatalf("server saw %d requests, want 2", got)
	}
	form := <-forms
	if form.Get("id") != "1" || form.Get("composeliked") != "true" {
		t.Errorf("retried form = %v", form)
	}
}

type idleCountingTransport struct {
	closes atomic.Int32
}

func (t *idleCountingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func (t *idleCountingTransport) CloseIdleConnections() {
	t.closes.Add(1)
}

func TestClient_FailedCallKeepsPooledConnections(t *testing.T) {
	base := &idleCountingTransport{}
	client := New(fastConfig(), nil, zap.NewNop())
	client.session = &http.Client{Transport: &limitedTransport{base: base, recorder: nopRecorder{}}}

	_, err := client.Do(context.Background(), Request{
		URL:         "http://music.163.com/api/v1/user/detail/1",
		MaxAttempts: 1,
	})
	if !errors.Is(err, ncmerr.ErrRequest) {
		t.Fatalf("Do() error = %v, want ErrRequest", err)
	}
	if got := base.closes.Load(); got != 0 {
		t.Errorf("failed call closed idle connections %d times, want 0", got)
	}

	client.Close()
	if got := base.closes.Load(); got != 1 {
		t.Errorf("Close() closed idle connections %d times, want 1", got)
	}
}

func TestClient_ReturnsOtherStatusesAsIs(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.WriteHeader(status)
			}))
			defer server.Close()

			client := New(fastConfig(), nil, nil)
			resp, err := client.Do(context.Background(), Request{URL: server.URL})
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			_ = resp.Body.Close()

			if resp.StatusCode != status {
				t.Errorf("status = %d, want %d", resp.StatusCode, status)
			}
			if hits.Load() != 1 {
				t.Errorf("server saw %d requests, want 1", hits.Load())
			}
		})
	}
}

func TestClient_RetriesRateLimitedResponse(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	recorder := newCountingRecorder()
	client := New(fastConfig(), nil, nil, WithRecorder(recorder))

	resp, err := client.Do(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if hits.Load() != 2 {
		t.Errorf("server saw %d requests, want 2", hits.Load())
	}
	if recorder.retries != 1 || recorder.outcomes[OutcomeOK] != 1 {
		t.Errorf("recorder retries=%d outcomes=%v", recorder.retries, recorder.outcomes)
	}
}

func TestClient_RateLimitExhausted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	recorder := newCountingRecorder()
	client := New(fastConfig(), nil, nil, WithRecorder(recorder))

	_, err := client.Do(context.Background(), Request{URL: server.URL})
	if !errors.Is(err, ncmerr.ErrRateLimit) {
		t.Fatalf("Do() error = %v, want ErrRateLimit", err)
	}
	if !errors.Is(err, ncmerr.ErrNetwork) {
		t.Error("rate limit error should belong to the network category")
	}
	if hits.Load() != 3 {
		t.Errorf("server saw %d requests, want 3", hits.Load())
	}

	var typed *ncmerr.Error
	if !errors.As(err, &typed) {
		t.Fatalf("Do() error has type %T", err)
	}
	if typed.Context["attempt"] != "3" || typed.Context["max_attempts"] != "3" {
		t.Errorf("context = %v, want attempt=3 max_attempts=3", typed.Context)
	}
	if typed.Context["method"] != http.MethodGet || typed.Context["url"] != server.URL {
		t.Errorf("context = %v, want method and url", typed.Context)
	}
	if retryAfter, ok := ncmerr.RetryAfter(err); !ok || retryAfter != 0 {
		t.Errorf("RetryAfter() = %v, %v; want 0, true", retryAfter, ok)
	}
	if recorder.outcomes[OutcomeRateLimited] != 1 {
		t.Errorf("recorder outcomes = %v", recorder.outcomes)
	}
}

func TestClient_RateLimitHonoursRetryAfter(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out real Retry-After delays")
	}

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := New(fastConfig(), nil, nil)

	start := time.Now()
	_, err := client.Do(context.Background(), Request{URL: server.URL, MaxAttempts: 3})
	elapsed := time.Since(start)

	if !errors.Is(err, ncmerr.ErrRateLimit) {
		t.Fatalf("Do() error = %v, want ErrRateLimit", err)
	}
	if retryAfter, _ := ncmerr.RetryAfter(err); retryAfter != 3*time.Second {
		t.Errorf("RetryAfter() = %v, want 3s", retryAfter)
	}
	if hits.Load() != 3 {
		t.Errorf("server saw %d requests, want 3", hits.Load())
	}
	if elapsed < 6*time.Second {
		t.Errorf("Do() returned after %v, want at least 6s of Retry-After waits", elapsed)
	}
}

func TestClient_RetriesTransportFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			hangUp(t, w)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New(fastConfig(), nil, nil)
	resp, err := client.Do(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if hits.Load() != 3 {
		t.Errorf("server saw %d requests, want 3", hits.Load())
	}
}

func TestClient_TransportFailureExhausted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		hangUp(t, w)
	}))
	defer server.Close()

	client := New(fastConfig(), nil, nil)
	_, err := client.Do(context.Background(), Request{URL: server.URL, MaxAttempts: 2})

	if !errors.Is(err, ncmerr.ErrRequest) {
		t.Fatalf("Do() error = %v, want ErrRequest", err)
	}
	if errors.Is(err, ncmerr.ErrRateLimit) {
		t.Error("transport failure must not be reported as rate limiting")
	}
	if hits.Load() != 2 {
		t.Errorf("server saw %d requests, want 2", hits.Load())
	}
}

func TestClient_RedirectCapIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer server.Close()

	config := fastConfig()
	config.MaxRedirects = 3
	client := New(config, nil, nil)

	_, err := client.Do(context.Background(), Request{URL: server.URL})
	if !errors.Is(err, ncmerr.ErrRequest) {
		t.Fatalf("Do() error = %v, want ErrRequest", err)
	}
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Errorf("Do() error = %v, want ErrTooManyRedirects in the chain", err)
	}
	if hits.Load() != 3 {
		t.Errorf("server saw %d requests, want 3", hits.Load())
	}
}

func TestClient_CancelledContext(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := New(fastConfig(), nil, nil)
	_, err := client.Do(ctx, Request{URL: server.URL})

	if !errors.Is(err, ncmerr.ErrRequest) {
		t.Fatalf("Do() error = %v, want ErrRequest", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled in the chain", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server saw %d requests, want 0", hits.Load())
	}
}

func TestClient_AcquiresRateLimiterPerRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	clock := &recordingClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := ratelimit.New(100*time.Millisecond, ratelimit.WithClock(clock))
	recorder := newCountingRecorder()
	client := New(fastConfig(), limiter, nil, WithRecorder(recorder))

	for i := 0; i < 2; i++ {
		resp, err := client.Do(context.Background(), Request{URL: server.URL})
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		_ = resp.Body.Close()
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 100*time.Millisecond {
		t.Fatalf("limiter sleeps = %v, want [100ms]", sleeps)
	}

	resp, err := client.Do(context.Background(), Request{URL: server.URL, SkipRateLimit: true})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if got := clock.Sleeps(); len(got) != 1 {
		t.Errorf("limiter sleeps = %v after a request that skips rate limiting", got)
	}
	if recorder.waits != 1 {
		t.Errorf("recorded %d rate limit waits, want 1", recorder.waits)
	}
}

func TestClient_CloseRecreatesSession(t *testing.T) {
	client := New(fastConfig(), nil, nil)
	client.Close()

	first := client.client()
	if again := client.client(); again != first {
		t.Error("client() should reuse the session until Close")
	}

	client.Close()
	if after := client.client(); after == first {
		t.Error("client() should create a new session after Close")
	}
}

func TestHostOf(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "https://Music.163.com/song?id=1", want: "music.163.com"},
		{in: "http://163cn.tv:8080/abc", want: "163cn.tv"},
		{in: "::not a url", want: ""},
	}

	for _, tt := range tests {
		if got := HostOf(tt.in); got != tt.want {
			t.Errorf("HostOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
