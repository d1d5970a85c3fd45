package ncmlink

import (
	"regexp"
	"sort"
	"strings"

	"ncmparse/pkg/ncmerr"
)

const (
	// DefaultPriority is the priority of every built-in matcher.
	DefaultPriority = 10
	// DefaultMusicHost is the main NetEase Cloud Music web host.
	DefaultMusicHost = "music.163.com"
	// DefaultShortHost is the NetEase short link host.
	DefaultShortHost = "163cn.tv"
)

// Matcher recognizes one URL shape for one kind. Lower Priority values are tried first.
type Matcher struct {
	Priority int
	Pattern  *regexp.Regexp
	Kind     Kind
	// Group is the capture group holding the id.
	Group int
}

// CanMatch reports whether the pattern occurs anywhere in url.
func (m Matcher) CanMatch(url string) bool {
	return m.Pattern.MatchString(url)
}

// Match extracts the reference from url.
func (m Matcher) Match(url string) (Reference, error) {
	groups := m.Pattern.FindStringSubmatch(url)
	if groups == nil {
		return Reference{}, ncmerr.New(ncmerr.ErrURLParse, "url does not match pattern").
			WithContext("url", url, "kind", m.Kind.String())
	}

	var id string
	if m.Group < len(groups) {
		id = groups[m.Group]
	}
	if id == "" {
		return Reference{}, ncmerr.New(ncmerr.ErrURLParse, "no resource id in url").
			WithContext("url", url, "kind", m.Kind.String())
	}

	return Reference{Kind: m.Kind, ID: id}, nil
}

// Classifier is an ordered, read-only registry of matchers.
type Classifier struct {
	matchers []Matcher
}

// NewClassifier orders matchers by priority. Ties keep the given order.
func NewClassifier(matchers ...Matcher) *Classifier {
	ordered := make([]Matcher, len(matchers))
	copy(ordered, matchers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return &Classifier{matchers: ordered}
}

// NewDefaultClassifier builds the built-in matchers for the given hosts. Empty host lists
// fall back to the public NetEase hosts.
func NewDefaultClassifier(musicHosts, shortHosts []string) *Classifier {
	return NewClassifier(DefaultMatchers(musicHosts, shortHosts)...)
}

// DefaultMatchers returns the built-in matchers in registration order.
func DefaultMatchers(musicHosts, shortHosts []string) []Matcher {
	if len(musicHosts) == 0 {
		musicHosts = []string{DefaultMusicHost}
	}
	if len(shortHosts) == 0 {
		shortHosts = []string{DefaultShortHost}
	}
	music := hostAlternation(musicHosts)
	short := hostAlternation(shortHosts)

	matcher := func(kind Kind, pattern string) Matcher {
		return Matcher{
			Priority: DefaultPriority,
			Pattern:  regexp.MustCompile(`(?i)` + pattern),
			Kind:     kind,
			Group:    1,
		}
	}

	return []Matcher{
		matcher(KindSong, music+`.*/song(?:\?id=|/)(\d+)`),
		matcher(KindAlbum, music+`.*/album(?:\?id=|/)(\d+)`),
		matcher(KindUser, music+`.*/user(?:/home|)\?id=(\d+)`),
		matcher(KindPlaylist, music+`.*/playlist(?:\?id=|/)(\d+)`),
		matcher(KindArtist, music+`.*/artist\?id=(\d+)`),
		matcher(KindMV, music+`.*/mv(?:\?id=|/)(\d+)`),
		matcher(KindShortLink, short+`/([A-Za-z0-9]+)`),
	}
}

// Classify returns the reference of the first matcher that recognizes url.
func (c *Classifier) Classify(url string) (Reference, error) {
	for _, m := range c.matchers {
		if m.CanMatch(url) {
			return m.Match(url)
		}
	}
	return Reference{}, ncmerr.New(ncmerr.ErrUnsupportedURL, "unsupported url").WithContext("url", url)
}

// Matchers returns a copy of the registry in evaluation order.
func (c *Classifier) Matchers() []Matcher {
	out := make([]Matcher, len(c.matchers))
	copy(out, c.matchers)
	return out
}

func hostAlternation(hosts []string) string {
	quoted := make([]string, 0, len(hosts))
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host != "" {
			quoted = append(quoted, regexp.QuoteMeta(host))
		}
	}
	return `(?:` + strings.Join(quoted, `|`) + `)`
}
