// Package main provides the ncmparse CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"ncmparse/internal/core"
	"ncmparse/internal/fetch"
	"ncmparse/internal/flood"
	httpserver "ncmparse/internal/http"
	applogger "ncmparse/internal/logger"
	"ncmparse/internal/ratelimit"
	"ncmparse/internal/store"
	"ncmparse/pkg/ncmlink"
	"ncmparse/pkg/text"
)

const envPrefix = "NCMPARSE"

var (
	cfgFile     string
	config      *core.Config
	logger      *zap.Logger
	closeLogger = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "ncmparse",
	Short: "ncmparse - NetEase Cloud Music link parser",
	Long: `ncmparse turns NetEase Cloud Music links (songs, albums, playlists, users, artists,
music videos and 163cn.tv short links) into structured resource data.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return setup()
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		closeLogger()
	},
	SilenceUsage: true,
}

var parseCmd = &cobra.Command{
	Use:   "parse <url or shared text>...",
	Short: "Parse a link and print the resource as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runParse,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the parser over HTTP",
	RunE:  runServe,
}

var generateEnvCmd = &cobra.Command{
	Use:   "generate-env-example",
	Short: "Write .env.example from the flag defaults",
	RunE:  generateEnvExample,
	// Skip config loading so the example can be generated without a valid environment.
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error { return nil },
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE:  runConfig,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	defaults := core.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "config file (default is .env)")

	flags.String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Log.Format, "log format (json, console)")
	flags.String("log-file", "", "also write logs to this rotating file")
	flags.Int("log-max-size-mb", defaults.Log.MaxSizeMB, "maximum log file size before rotation")
	flags.Int("log-max-backups", defaults.Log.MaxBackups, "number of rotated log files to keep")
	flags.Int("log-max-age-days", defaults.Log.MaxAgeDays, "days to keep rotated log files")

	flags.String("upstream-base-url", defaults.Upstream.BaseURL, "upstream API origin")
	flags.StringSlice("music-hosts", defaults.Upstream.MusicHosts, "hosts recognized as music pages")
	flags.StringSlice("short-hosts", defaults.Upstream.ShortHosts, "hosts recognized as short links")
	flags.String("real-ip", defaults.Upstream.RealIP, "client address presented to the upstream")
	flags.String("user-agent", "", "User-Agent for upstream requests (default is a desktop browser)")

	flags.Duration("http-connect-timeout", defaults.HTTP.ConnectTimeout, "upstream connect timeout")
	flags.Duration("http-timeout", defaults.HTTP.Timeout, "upstream request timeout")
	flags.Int("http-max-attempts", defaults.HTTP.MaxAttempts, "attempts per upstream request")
	flags.Duration("http-base-backoff", defaults.HTTP.BaseBackoff, "first retry delay")
	flags.Duration("http-max-backoff", defaults.HTTP.MaxBackoff, "longest retry delay")
	flags.Duration("http-default-retry-after", defaults.HTTP.DefaultRetryAfter,
		"wait after a 429 without a usable Retry-After header")
	flags.Int("http-max-redirects", defaults.HTTP.MaxRedirects, "redirects followed per request")

	flags.Duration("rate-limit-interval", defaults.RateLimit.DefaultInterval, "minimum spacing between requests to one host")
	flags.StringSlice("rate-limit-hosts", nil, "per-host intervals as host=duration")

	flags.Int("parser-max-depth", defaults.Parser.MaxDepth, "short link hops followed per parse")
	flags.Int("parser-comment-limit", defaults.Parser.CommentLimit, "hot comments requested per resource")

	flags.Bool("cache-enabled", defaults.Cache.Enabled, "cache parsed resources in memory")
	flags.Int("cache-size", defaults.Cache.Size, "maximum cached resources")
	flags.Duration("cache-ttl", defaults.Cache.TTL, "how long a cached resource stays fresh")

	flags.String("server-host", defaults.Server.Host, "HTTP server host")
	flags.Int("server-port", defaults.Server.Port, "HTTP server port")
	flags.Int("flood-limit-per-minute", defaults.Flood.LimitPerMinute, "parse requests per client per minute (0 disables)")

	configCmd.Flags().Bool("env", false, "print the configuration as environment variables")
	parseCmd.Flags().Bool("raw", false, "treat the argument as a URL and skip text extraction")

	rootCmd.AddCommand(parseCmd, serveCmd, configCmd, generateEnvCmd)

	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func setup() error {
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) || cfgFile != "" {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	log, closeFn, err := applogger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	config = cfg
	logger = log
	closeLogger = closeFn
	return nil
}

func buildConfig() (*core.Config, error) {
	cfg := core.DefaultConfig()

	configureLog(cfg)
	configureUpstream(cfg)
	configureHTTP(cfg)
	if err := configureRateLimit(cfg); err != nil {
		return nil, err
	}
	configureParser(cfg)
	configureServer(cfg)

	return cfg, nil
}

func configureLog(cfg *core.Config) {
	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.Format = viper.GetString("log-format")
	cfg.Log.File = viper.GetString("log-file")
	cfg.Log.MaxSizeMB = viper.GetInt("log-max-size-mb")
	cfg.Log.MaxBackups = viper.GetInt("log-max-backups")
	cfg.Log.MaxAgeDays = viper.GetInt("log-max-age-days")
}

func configureUpstream(cfg *core.Config) {
	cfg.Upstream.BaseURL = viper.GetString("upstream-base-url")
	cfg.Upstream.MusicHosts = stringList("music-hosts")
	cfg.Upstream.ShortHosts = stringList("short-hosts")
	cfg.Upstream.RealIP = viper.GetString("real-ip")
	cfg.Upstream.UserAgent = viper.GetString("user-agent")
}

func configureHTTP(cfg *core.Config) {
	cfg.HTTP.ConnectTimeout = viper.GetDuration("http-connect-timeout")
	cfg.HTTP.Timeout = viper.GetDuration("http-timeout")
	cfg.HTTP.MaxAttempts = viper.GetInt("http-max-attempts")
	cfg.HTTP.BaseBackoff = viper.GetDuration("http-base-backoff")
	cfg.HTTP.MaxBackoff = viper.GetDuration("http-max-backoff")
	cfg.HTTP.DefaultRetryAfter = viper.GetDuration("http-default-retry-after")
	cfg.HTTP.MaxRedirects = viper.GetInt("http-max-redirects")
}

func configureRateLimit(cfg *core.Config) error {
	cfg.RateLimit.DefaultInterval = viper.GetDuration("rate-limit-interval")

	intervals, err := core.ParseHostIntervals(stringList("rate-limit-hosts"))
	if err != nil {
		return err
	}
	cfg.RateLimit.HostIntervals = intervals
	return nil
}

func configureParser(cfg *core.Config) {
	cfg.Parser.MaxDepth = viper.GetInt("parser-max-depth")
	cfg.Parser.CommentLimit = viper.GetInt("parser-comment-limit")

	cfg.Cache.Enabled = viper.GetBool("cache-enabled")
	cfg.Cache.Size = viper.GetInt("cache-size")
	cfg.Cache.TTL = viper.GetDuration("cache-ttl")
}

func configureServer(cfg *core.Config) {
	cfg.Server.Host = viper.GetString("server-host")
	if cfg.Server.Host == "" {
		cfg.Server.Host = core.DefaultServerHost
	}
	cfg.Server.Port = viper.GetInt("server-port")
	cfg.Flood.LimitPerMinute = viper.GetInt("flood-limit-per-minute")
}

// stringList reads a list that may come from repeated flags or a comma separated variable.
func stringList(key string) []string {
	var out []string
	for _, item := range viper.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

type pipeline struct {
	parser  *ncmlink.Parser
	client  *fetch.Client
	metrics *httpserver.Metrics
}

func buildPipeline(cfg *core.Config, log *zap.Logger) *pipeline {
	metrics := httpserver.NewMetrics()

	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(log.Named("ratelimit"))}
	for host, interval := range cfg.RateLimit.HostIntervals {
		limiterOpts = append(limiterOpts, ratelimit.WithHostInterval(host, interval))
	}
	limiter := ratelimit.New(cfg.RateLimit.DefaultInterval, limiterOpts...)

	client := fetch.New(fetchConfig(cfg), limiter, log.Named("fetch"), fetch.WithRecorder(metrics))

	api := ncmlink.NewAPI(client, cfg.Upstream.BaseURL, cfg.Upstream.RealIP, log.Named("api"))
	resolver := ncmlink.NewShortLinkResolver(client, cfg.Upstream.ShortHosts, log.Named("shortlink"))
	classifier := ncmlink.NewDefaultClassifier(cfg.Upstream.MusicHosts, cfg.Upstream.ShortHosts)
	aggregator := ncmlink.NewAggregator(api, cfg.Parser.CommentLimit, log.Named("aggregator"))

	opts := []ncmlink.ParserOption{
		ncmlink.WithMaxDepth(cfg.Parser.MaxDepth),
		ncmlink.WithExtractor(text.NewExtractor(cfg.Upstream.MusicHosts, cfg.Upstream.ShortHosts)),
		ncmlink.WithParseRecorder(metrics),
	}
	if cfg.Cache.Enabled {
		cache := store.NewResultCache(cfg.Cache.Size, cfg.Cache.TTL, cfg.Cache.BloomFalsePositiveRate,
			store.WithRecorder(metrics))
		opts = append(opts, ncmlink.WithCache(cache))
	}

	return &pipeline{
		parser:  ncmlink.NewParser(resolver, classifier, aggregator, log.Named("parser"), opts...),
		client:  client,
		metrics: metrics,
	}
}

func fetchConfig(cfg *core.Config) fetch.Config {
	fc := fetch.DefaultConfig()
	fc.ConnectTimeout = cfg.HTTP.ConnectTimeout
	fc.Timeout = cfg.HTTP.Timeout
	fc.MaxAttempts = cfg.HTTP.MaxAttempts
	fc.BaseBackoff = cfg.HTTP.BaseBackoff
	fc.MaxBackoff = cfg.HTTP.MaxBackoff
	fc.DefaultRetryAfter = cfg.HTTP.DefaultRetryAfter
	fc.MaxRedirects = cfg.HTTP.MaxRedirects
	if cfg.Upstream.UserAgent != "" {
		fc.UserAgent = cfg.Upstream.UserAgent
	}
	return fc
}

func runParse(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p := buildPipeline(config, logger)
	defer p.client.Close()

	input := strings.Join(args, " ")

	var (
		model ncmlink.Model
		err   error
	)
	if raw, _ := cmd.Flags().GetBool("raw"); raw {
		model, err = p.parser.Parse(ctx, input)
	} else {
		model, err = p.parser.ParseText(ctx, input)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(struct {
		Kind ncmlink.Kind  `json:"kind"`
		Data ncmlink.Model `json:"data"`
	}{Kind: model.Kind(), Data: model}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting ncmparse",
		zap.String("upstream", config.Upstream.BaseURL),
		zap.Strings("musicHosts", config.Upstream.MusicHosts),
		zap.Strings("shortHosts", config.Upstream.ShortHosts),
		zap.Bool("cacheEnabled", config.Cache.Enabled),
		zap.Int("floodLimitPerMinute", config.Flood.LimitPerMinute))

	p := buildPipeline(config, logger)

	var gate *flood.Floodgate
	if config.Flood.LimitPerMinute > 0 {
		gate = flood.New(config.Flood.LimitPerMinute)
	}

	server := httpserver.NewServer(&config.Server, p.parser, p.metrics, gate, logger.Named("http"))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		if gate != nil {
			gate.Stop()
		}
		p.client.Close()
		return nil
	})

	logger.Info("ncmparse started successfully",
		zap.String("http_addr", config.Server.Addr()))

	if err := g.Wait(); err != nil {
		logger.Error("ncmparse stopped with error", zap.Error(err))
		return err
	}

	logger.Info("ncmparse stopped gracefully")
	return nil
}

func runConfig(cmd *cobra.Command, _ []string) error {
	if asEnv, _ := cmd.Flags().GetBool("env"); asEnv {
		_, err := fmt.Fprint(cmd.OutOrStdout(), generateEnvExampleContent(rootCmd))
		return err
	}

	out, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
