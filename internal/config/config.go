// Package config loads the conductor's immutable runtime configuration
// from environment variables. A single Config value is built once at
// startup and passed explicitly to every component constructor — no
// package holds process-wide state of its own.
package config

import (
	"os"
	"strconv"
	"time"
)

const envPrefix = "CONDUCTOR_"

// Config bundles every tunable named in the external interface contract.
// Values are immutable once constructed by Load.
type Config struct {
	DatabaseURL   string
	WorkspaceRoot string
	StatusDBPath  string

	TmuxBin              string
	WebTerminalBin       string
	WebTerminalHost      string
	WebTerminalPortStart int

	SentinelStart string
	SentinelEnd   string

	MonitorInterval         time.Duration
	CriticMinScore          int
	WatcherInterval         time.Duration
	WatcherDefaultStability int

	ClassifierPacksDir string
	DefaultCLIType     string

	OpenRouterAPIKey string
	OpenRouterModel  string

	SlackWebhookURL  string
	AdminTOTPSecret  string
}

// Load builds a Config from environment variables, falling back to the
// reference implementation's defaults for anything unset.
func Load() Config {
	home, _ := os.UserHomeDir()
	cfg := Config{
		DatabaseURL:             envOr("DATABASE_URL", "sqlite://"+home+"/.config/conductor/conductor.db"),
		WorkspaceRoot:           envOr("WORKSPACE_ROOT", home+"/.conductor/workspaces"),
		StatusDBPath:            envOr("STATUS_DB_PATH", home+"/.config/conductor/status.db"),
		TmuxBin:                 envOr("TMUX_BIN", "tmux"),
		WebTerminalBin:          envOr("WEB_TERMINAL_BIN", "ttyd"),
		WebTerminalHost:         envOr("WEB_TERMINAL_HOST", "127.0.0.1"),
		WebTerminalPortStart:    envOrInt("WEB_TERMINAL_PORT_START", 7700),
		SentinelStart:           envOr("SENTINEL_START", "<<<AGENT_RESULT_START>>>"),
		SentinelEnd:             envOr("SENTINEL_END", "<<<AGENT_RESULT_END>>>"),
		MonitorInterval:         envOrDuration("MONITOR_INTERVAL", time.Second),
		CriticMinScore:          envOrInt("CRITIC_MIN_SCORE", 9),
		WatcherInterval:         envOrDuration("WATCHER_INTERVAL", 5*time.Second),
		WatcherDefaultStability: envOrInt("WATCHER_DEFAULT_STABILITY", 2),
		ClassifierPacksDir:      envOr("CLASSIFIER_PACKS_DIR", home+"/.config/conductor/packs"),
		DefaultCLIType:          envOr("DEFAULT_CLI_TYPE", "codex"),
		OpenRouterAPIKey:        envOr("OPENROUTER_API_KEY", ""),
		OpenRouterModel:         envOr("OPENROUTER_MODEL", "openrouter/auto"),
		SlackWebhookURL:         envOr("SLACK_WEBHOOK_URL", ""),
		AdminTOTPSecret:         envOr("ADMIN_TOTP_SECRET", ""),
	}
	return cfg
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
		return v
	}
	return def
}

func envOrInt(name string, def int) int {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDuration(name string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return def
}
