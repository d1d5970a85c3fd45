// Package core holds the process configuration and its defaults.
package core

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Defaults shared by the CLI flags and DefaultConfig.
const (
	DefaultBaseURL           = "https://music.163.com"
	DefaultRealIP            = "58.100.87.193"
	DefaultMusicHost         = "music.163.com"
	DefaultShortHost         = "163cn.tv"
	DefaultServerHost        = "0.0.0.0"
	DefaultServerPort        = 8080
	DefaultMaxAttempts       = 3
	DefaultMaxDepth          = 5
	DefaultCommentLimit      = 60
	DefaultCacheSize         = 1000
	DefaultCacheTTL          = 10 * time.Minute
	DefaultFloodLimitPerMin  = 30
	DefaultRateLimitInterval = 200 * time.Millisecond
)

type Config struct {
	Upstream  UpstreamConfig  `yaml:"upstream"`
	HTTP      HTTPConfig      `yaml:"http"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Parser    ParserConfig    `yaml:"parser"`
	Cache     CacheConfig     `yaml:"cache"`
	Server    ServerConfig    `yaml:"server"`
	Flood     FloodConfig     `yaml:"flood"`
	Log       LogConfig       `yaml:"log"`
}

// UpstreamConfig describes the music service being parsed.
type UpstreamConfig struct {
	BaseURL    string   `yaml:"baseURL"`
	MusicHosts []string `yaml:"musicHosts"`
	ShortHosts []string `yaml:"shortHosts"`
	RealIP     string   `yaml:"realIP"`
	UserAgent  string   `yaml:"userAgent"`
}

// HTTPConfig controls the outbound client.
type HTTPConfig struct {
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	BaseBackoff       time.Duration `yaml:"baseBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	DefaultRetryAfter time.Duration `yaml:"defaultRetryAfter"`
	MaxRedirects      int           `yaml:"maxRedirects"`
}

// RateLimitConfig sets the minimum spacing between requests to one host.
type RateLimitConfig struct {
	DefaultInterval time.Duration            `yaml:"defaultInterval"`
	HostIntervals   map[string]time.Duration `yaml:"hostIntervals,omitempty"`
}

type ParserConfig struct {
	MaxDepth     int `yaml:"maxDepth"`
	CommentLimit int `yaml:"commentLimit"`
}

type CacheConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Size                   int           `yaml:"size"`
	TTL                    time.Duration `yaml:"ttl"`
	BloomFalsePositiveRate float64       `yaml:"bloomFalsePositiveRate"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// FloodConfig limits parse requests per client. Zero disables the limit.
type FloodConfig struct {
	LimitPerMinute int `yaml:"limitPerMinute"`
}

// LogConfig selects the level and encoding. When File is set, logs are also written to a
// rotating file.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			BaseURL:    DefaultBaseURL,
			MusicHosts: []string{DefaultMusicHost},
			ShortHosts: []string{DefaultShortHost},
			RealIP:     DefaultRealIP,
		},
		HTTP: HTTPConfig{
			ConnectTimeout:    10 * time.Second,
			Timeout:           30 * time.Second,
			MaxAttempts:       DefaultMaxAttempts,
			BaseBackoff:       time.Second,
			MaxBackoff:        60 * time.Second,
			DefaultRetryAfter: 5 * time.Second,
			MaxRedirects:      10,
		},
		RateLimit: RateLimitConfig{
			DefaultInterval: DefaultRateLimitInterval,
			HostIntervals:   map[string]time.Duration{},
		},
		Parser: ParserConfig{
			MaxDepth:     DefaultMaxDepth,
			CommentLimit: DefaultCommentLimit,
		},
		Cache: CacheConfig{
			Enabled:                true,
			Size:                   DefaultCacheSize,
			TTL:                    DefaultCacheTTL,
			BloomFalsePositiveRate: 0.001,
		},
		Server: ServerConfig{
			Host:         DefaultServerHost,
			Port:         DefaultServerPort,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Flood: FloodConfig{
			LimitPerMinute: DefaultFloodLimitPerMin,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream base URL %q must be an absolute http(s) URL", c.Upstream.BaseURL))
	}
	if len(nonEmpty(c.Upstream.MusicHosts)) == 0 {
		errs = append(errs, errors.New("at least one music host is required"))
	}
	if len(nonEmpty(c.Upstream.ShortHosts)) == 0 {
		errs = append(errs, errors.New("at least one short link host is required"))
	}
	if c.HTTP.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.HTTP.MaxAttempts))
	}
	if c.HTTP.BaseBackoff <= 0 || c.HTTP.MaxBackoff < c.HTTP.BaseBackoff {
		errs = append(errs, fmt.Errorf("backoff range %v..%v is invalid", c.HTTP.BaseBackoff, c.HTTP.MaxBackoff))
	}
	if c.RateLimit.DefaultInterval < 0 {
		errs = append(errs, fmt.Errorf("rate limit interval must not be negative, got %v", c.RateLimit.DefaultInterval))
	}
	if c.Parser.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("parser max depth must be at least 1, got %d", c.Parser.MaxDepth))
	}
	if c.Cache.Enabled && c.Cache.Size < 1 {
		errs = append(errs, fmt.Errorf("cache size must be positive when the cache is enabled, got %d", c.Cache.Size))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d is out of range", c.Server.Port))
	}
	if c.Flood.LimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("flood limit must not be negative, got %d", c.Flood.LimitPerMinute))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ParseHostIntervals reads "host=duration" pairs.
func ParseHostIntervals(pairs []string) (map[string]time.Duration, error) {
	intervals := make(map[string]time.Duration, len(pairs))
	for _, pair := range pairs {
		host, value, ok := strings.Cut(pair, "=")
		host = strings.TrimSpace(host)
		if !ok || host == "" {
			return nil, fmt.Errorf("invalid host interval %q, want host=duration", pair)
		}
		interval, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid interval for host %s: %w", host, err)
		}
		intervals[strings.ToLower(host)] = interval
	}
	return intervals, nil
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
