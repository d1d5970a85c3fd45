package ncmlink

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"ncmparse/internal/fetch"
)

const (
	// maxShortLinkPageSize caps how much of a landing page is inspected for a canonical URL.
	maxShortLinkPageSize = 512 * 1024
	acceptHTML           = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// ShortLinkResolver follows short link redirects to their destination. It never fails:
// any problem leaves the input unchanged.
type ShortLinkResolver struct {
	client     *fetch.Client
	shortHosts []string
	logger     *zap.Logger
}

// NewShortLinkResolver creates a resolver for the given short link hosts.
func NewShortLinkResolver(client *fetch.Client, shortHosts []string, logger *zap.Logger) *ShortLinkResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(shortHosts) == 0 {
		shortHosts = []string{DefaultShortHost}
	}
	hosts := make([]string, 0, len(shortHosts))
	for _, host := range shortHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			hosts = append(hosts, host)
		}
	}
	return &ShortLinkResolver{client: client, shortHosts: hosts, logger: logger}
}

// IsShortLink reports whether rawURL points at a short link host.
func (r *ShortLinkResolver) IsShortLink(rawURL string) bool {
	return r.isShortHost(fetch.HostOf(withScheme(rawURL)))
}

// Resolve returns the final URL after following redirects from rawURL. Links that are not
// short links are returned as-is without any network traffic.
func (r *ShortLinkResolver) Resolve(ctx context.Context, rawURL string) string {
	if !r.IsShortLink(rawURL) {
		return rawURL
	}

	target := withScheme(rawURL)
	header := http.Header{}
	header.Set("Accept", acceptHTML)

	resp, err := r.client.Do(ctx, fetch.Request{
		Method: http.MethodGet,
		URL:    target,
		Header: header,
	})
	if err != nil {
		r.logger.Warn("Failed to resolve short link",
			zap.String("url", rawURL),
			zap.Error(err))
		return rawURL
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		r.logger.Warn("Short link returned error status",
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode))
		return rawURL
	}

	final := resp.Request.URL.String()

	// Some short links land on an HTML page instead of redirecting.
	if r.isShortHost(resp.Request.URL.Hostname()) && isHTML(resp) {
		if canonical := canonicalURL(resp.Body, resp.Request.URL); canonical != "" {
			final = canonical
		}
	}

	r.logger.Debug("Resolved short link",
		zap.String("url", rawURL),
		zap.String("resolved", final))

	return final
}

func (r *ShortLinkResolver) isShortHost(host string) bool {
	host = strings.ToLower(host)
	for _, short := range r.shortHosts {
		if host == short {
			return true
		}
	}
	return false
}

// canonicalURL reads the page's declared destination from link/meta tags.
func canonicalURL(body io.Reader, base *url.URL) string {
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(body, maxShortLinkPageSize))
	if err != nil {
		return ""
	}

	candidates := []string{
		attr(doc, `link[rel="canonical"]`, "href"),
		attr(doc, `meta[property="og:url"]`, "content"),
		refreshTarget(attr(doc, `meta[http-equiv="refresh"], meta[http-equiv="Refresh"]`, "content")),
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		ref, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme == "http" || resolved.Scheme == "https" {
			return resolved.String()
		}
	}
	return ""
}

func attr(doc *goquery.Document, selector, name string) string {
	value, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(value)
}

// refreshTarget extracts the URL from a refresh directive such as "0; url=https://…".
func refreshTarget(content string) string {
	_, target, found := strings.Cut(content, ";")
	if !found {
		return ""
	}
	target = strings.TrimSpace(target)
	if len(target) < 4 || !strings.EqualFold(target[:4], "url=") {
		return ""
	}
	return strings.Trim(strings.TrimSpace(target[4:]), `'"`)
}

func isHTML(resp *http.Response) bool {
	return strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html")
}

func withScheme(rawURL string) string {
	lower := strings.ToLower(rawURL)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return rawURL
	}
	return "https://" + rawURL
}
