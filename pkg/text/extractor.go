// Package text finds music links in free-form chat text.
package text

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

var (
	urlRegex        = regexp.MustCompile(`https?://[^\s"'<>]+`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
	qqDocURLRegex   = regexp.MustCompile(`"qqdocurl"\s*:\s*"([^"]+)"`)

	defaultMusicHosts = []string{"music.163.com"}
	defaultShortHosts = []string{"163cn.tv"}

	// excludedApps are card apps that never carry music links.
	excludedApps = map[string]bool{
		"com.tencent.qun.invite":       true,
		"com.tencent.qqav.groupvideo":  true,
		"com.tencent.mobileqq.reading": true,
		"com.tencent.weather":          true,
	}

	trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "si"}
)

// Extractor extracts the first supported link from a message.
type Extractor struct {
	musicHosts []string
	shortHosts []string
	shorthand  *regexp.Regexp
}

// NewExtractor creates an extractor for the given hosts. Empty lists use the public NetEase hosts.
func NewExtractor(musicHosts, shortHosts []string) *Extractor {
	if len(musicHosts) == 0 {
		musicHosts = defaultMusicHosts
	}
	if len(shortHosts) == 0 {
		shortHosts = defaultShortHosts
	}

	quoted := make([]string, 0, len(shortHosts))
	for _, host := range shortHosts {
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(host)))
	}

	return &Extractor{
		musicHosts: lowerAll(musicHosts),
		shortHosts: lowerAll(shortHosts),
		shorthand:  regexp.MustCompile(`(?i)(?:^|[^\w.])((?:` + strings.Join(quoted, "|") + `)/[A-Za-z0-9]+)`),
	}
}

// Extract returns the first supported link in text. Mini-program cards are checked before
// plain URLs, and plain URLs before scheme-less short links.
func (e *Extractor) Extract(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}

	if link, isCard := e.fromCard(text); isCard {
		return link, link != ""
	}

	text = e.normalizeText(text)

	for _, match := range urlRegex.FindAllString(text, -1) {
		cleaned := e.cleanURL(match)
		if cleaned != "" && e.IsSupportedURL(cleaned) {
			return cleaned, true
		}
	}

	if groups := e.shorthand.FindStringSubmatch(text); groups != nil {
		return groups[1], true
	}

	return "", false
}

// IsSupportedURL reports whether rawURL is on a music or short link host.
func (e *Extractor) IsSupportedURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return matchesHost(host, e.musicHosts) || matchesHost(host, e.shortHosts)
}

// fromCard reads a link out of a mini-program JSON card. isCard reports whether text was a
// card at all; a card without a supported link yields no link.
func (e *Extractor) fromCard(text string) (link string, isCard bool) {
	if !strings.HasPrefix(text, "{") || !gjson.Valid(text) {
		return "", false
	}
	card := gjson.Parse(text)

	app := card.Get("app").String()
	if app == "" {
		app = card.Get("meta.detail_1.appid").String()
	}
	if excludedApps[app] {
		return "", true
	}

	if view := card.Get("view").String(); view != "" {
		detail := card.Get("meta").Get(view)
		for _, key := range []string{"jumpUrl", "musicUrl"} {
			if link := detail.Get(key).String(); link != "" && e.mentionsHost(link) {
				return link, true
			}
		}
	}

	if groups := qqDocURLRegex.FindStringSubmatch(text); groups != nil {
		if link := strings.ReplaceAll(groups[1], `\`, ""); e.mentionsHost(link) {
			return link, true
		}
	}

	return "", true
}

func (e *Extractor) mentionsHost(link string) bool {
	lower := strings.ToLower(link)
	for _, hosts := range [][]string{e.musicHosts, e.shortHosts} {
		for _, host := range hosts {
			if strings.Contains(lower, host) {
				return true
			}
		}
	}
	return false
}

func (e *Extractor) normalizeText(text string) string {
	text = strings.TrimSpace(text)
	text = norm.NFKC.String(text)

	// Replace runs of whitespace, including newlines, with a single space.
	return whitespaceRegex.ReplaceAllString(text, " ")
}

func (e *Extractor) cleanURL(rawURL string) string {
	rawURL = strings.TrimRight(rawURL, ".,!?;)]}，。！？")

	// Check if this looks like a valid URL
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	// Additional validation - ensure it has a valid host
	if u.Host == "" {
		return ""
	}

	u.RawQuery = stripTrackingParams(u.RawQuery)

	return u.String()
}

// stripTrackingParams drops tracking parameters but keeps the remaining order, since link
// patterns expect the id right after the path.
func stripTrackingParams(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	kept := make([]string, 0, strings.Count(rawQuery, "&")+1)
	for _, pair := range strings.Split(rawQuery, "&") {
		key, _, _ := strings.Cut(pair, "=")
		if pair == "" || isTrackingParam(key) {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

func isTrackingParam(key string) bool {
	for _, param := range trackingParams {
		if key == param {
			return true
		}
	}
	return false
}

func matchesHost(host string, hosts []string) bool {
	for _, candidate := range hosts {
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
