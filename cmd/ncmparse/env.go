package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type envSection struct {
	title string
	flags []envFlag
}

type envFlag struct {
	name    string
	comment string
	// example replaces an empty default in the generated file.
	example string
}

var envSections = []envSection{
	{
		title: "Upstream",
		flags: []envFlag{
			{name: "upstream-base-url", comment: "API origin all resource calls go to"},
			{name: "music-hosts", comment: "Comma separated hosts treated as music pages"},
			{name: "short-hosts", comment: "Comma separated hosts treated as short links"},
			{name: "real-ip", comment: "Sent as X-Real-IP and X-Forwarded-For"},
			{name: "user-agent", comment: "Empty uses a desktop browser User-Agent"},
		},
	},
	{
		title: "HTTP Client",
		flags: []envFlag{
			{name: "http-connect-timeout", comment: "Dial timeout"},
			{name: "http-timeout", comment: "Whole request timeout, per attempt"},
			{name: "http-max-attempts", comment: "Attempts per request including the first"},
			{name: "http-base-backoff", comment: "First retry delay, doubled per attempt"},
			{name: "http-max-backoff", comment: "Cap on the retry delay"},
			{name: "http-default-retry-after", comment: "Wait after a 429 without Retry-After"},
			{name: "http-max-redirects", comment: "Redirects followed per request"},
		},
	},
	{
		title: "Rate Limiting",
		flags: []envFlag{
			{name: "rate-limit-interval", comment: "Minimum spacing between requests to one host"},
			{name: "rate-limit-hosts", comment: "Per host overrides as host=duration", example: "music.163.com=500ms"},
		},
	},
	{
		title: "Parser",
		flags: []envFlag{
			{name: "parser-max-depth", comment: "Short link hops followed per parse"},
			{name: "parser-comment-limit", comment: "Hot comments requested per resource"},
			{name: "cache-enabled", comment: "Cache parsed resources in memory"},
			{name: "cache-size", comment: "Maximum cached resources"},
			{name: "cache-ttl", comment: "Freshness of a cached resource"},
		},
	},
	{
		title: "Server",
		flags: []envFlag{
			{name: "server-host", comment: "HTTP listen host"},
			{name: "server-port", comment: "HTTP listen port"},
			{name: "flood-limit-per-minute", comment: "Parse requests per client per minute, 0 disables"},
		},
	},
	{
		title: "Logging",
		flags: []envFlag{
			{name: "log-level", comment: "debug, info, warn or error"},
			{name: "log-format", comment: "json or console"},
			{name: "log-file", comment: "Also write JSON logs to this rotating file", example: "logs/ncmparse.log"},
			{name: "log-max-size-mb", comment: "Rotate after this many megabytes"},
			{name: "log-max-backups", comment: "Rotated files to keep"},
			{name: "log-max-age-days", comment: "Days to keep rotated files"},
		},
	},
}

func generateEnvExample(cmd *cobra.Command, _ []string) error {
	fmt.Fprintln(cmd.OutOrStdout(), "Generating .env.example file from current configuration...")

	content := generateEnvExampleContent(rootCmd)

	if err := os.WriteFile(".env.example", []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write .env.example: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Successfully generated .env.example file")
	return nil
}

func generateEnvExampleContent(cmd *cobra.Command) string {
	var content strings.Builder

	content.WriteString("# =============================================================================\n")
	content.WriteString("# ncmparse Configuration\n")
	content.WriteString("# =============================================================================\n")
	content.WriteString("#\n")
	content.WriteString("# Copy this file to .env and update with your values\n")
	content.WriteString("# All environment variables have CLI flag equivalents (use --help to see them)\n")
	content.WriteString("#\n")
	content.WriteString("# Format: " + envPrefix + "_<SECTION>_<SETTING>=value\n")
	content.WriteString("# CLI equivalent: --<section>-<setting>\n")
	content.WriteString("#\n")

	for _, section := range envSections {
		writeEnvSection(&content, cmd, section)
	}

	return content.String()
}

func writeEnvSection(content *strings.Builder, cmd *cobra.Command, section envSection) {
	content.WriteString("\n# -----------------------------------------------------------------------------\n")
	fmt.Fprintf(content, "# %s\n", section.title)
	content.WriteString("# -----------------------------------------------------------------------------\n")

	for _, flag := range section.flags {
		value := getDefaultValueString(cmd, flag.name)
		if value == "" || value == "[]" {
			value = flag.example
		}
		value = strings.Trim(value, "[]")
		fmt.Fprintf(content, "# %s (--%s)\n", flag.comment, flag.name)
		fmt.Fprintf(content, "%s=%s\n", flagToEnvVar(flag.name), value)
	}
}

func flagToEnvVar(flagName string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func getDefaultValueString(cmd *cobra.Command, flagName string) string {
	if f := cmd.PersistentFlags().Lookup(flagName); f != nil {
		return f.DefValue
	}
	return ""
}
