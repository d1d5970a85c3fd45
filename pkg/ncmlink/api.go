package ncmlink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"ncmparse/internal/fetch"
	"ncmparse/pkg/ncmerr"
)

const (
	// DefaultBaseURL is the upstream API origin.
	DefaultBaseURL = "https://music.163.com"
	// DefaultRealIP is presented to the upstream as the client address.
	DefaultRealIP = "58.100.87.193"
	// maxResponseSize bounds a single upstream body; full playlists are large.
	maxResponseSize = 32 << 20
	// upstreamOK is the application level success code in upstream bodies.
	upstreamOK = 200
)

// API issues form-encoded POST calls against the upstream and returns JSON objects.
type API struct {
	client  *fetch.Client
	baseURL string
	realIP  string
	logger  *zap.Logger
}

// NewAPI creates an API client. Empty baseURL and realIP use the defaults.
func NewAPI(client *fetch.Client, baseURL, realIP string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if realIP == "" {
		realIP = DefaultRealIP
	}
	return &API{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		realIP:  realIP,
		logger:  logger,
	}
}

// Post calls path with form and returns the decoded JSON object. Non-2xx statuses, bodies that
// are not JSON objects, and bodies whose "code" is not 200 are ErrResponse errors.
func (a *API) Post(ctx context.Context, path string, form url.Values) (gjson.Result, error) {
	endpoint := a.baseURL + path

	header := http.Header{}
	header.Set("X-Real-IP", a.realIP)
	header.Set("X-Forwarded-For", a.realIP)
	header.Set("Referer", a.baseURL+"/")
	header.Set("Accept", "application/json, text/plain, */*")

	if form == nil {
		form = url.Values{}
	}

	resp, err := a.client.Do(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Form:   form,
		Header: header,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	responseError := func(message string) *ncmerr.Error {
		return ncmerr.New(ncmerr.ErrResponse, message).WithContext(
			"url", endpoint,
			"status", strconv.Itoa(resp.StatusCode),
		)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return gjson.Result{}, responseError(fmt.Sprintf("upstream returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return gjson.Result{}, ncmerr.Wrap(ncmerr.ErrRequest, "failed to read response body", err).
			WithContext("url", endpoint)
	}

	if !gjson.ValidBytes(body) {
		return gjson.Result{}, responseError("response body is not valid JSON")
	}
	result := gjson.ParseBytes(body)
	if !result.IsObject() {
		return gjson.Result{}, responseError("response body is not a JSON object")
	}

	if code := result.Get("code"); code.Exists() && code.Int() != upstreamOK {
		return gjson.Result{}, responseError("upstream reported failure").
			WithContext("code", code.String(), "message", result.Get("message").String())
	}

	a.logger.Debug("Upstream call succeeded",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)))

	return result, nil
}
