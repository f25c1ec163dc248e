// Package config handles configuration loading and validation for pulse.
//
// Configuration is read from pulse.yaml (searched in the project root and
// the current directory) and may be overridden with PULSE_* environment
// variables, e.g. PULSE_TRACKER_TOKEN.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Tracker holds credentials and identity for the remote issue tracker.
type Tracker struct {
	// Token is the API token used for both REST and GraphQL calls.
	Token string `mapstructure:"token"`
	// Owner is the repository owner (user or organization).
	Owner string `mapstructure:"owner"`
	// Repo is the repository name.
	Repo string `mapstructure:"repo"`
	// BaseURL overrides the REST endpoint (for tests and enterprise hosts).
	BaseURL string `mapstructure:"base_url"`
	// GraphQLURL overrides the GraphQL endpoint.
	GraphQLURL string `mapstructure:"graphql_url"`
}

// Sync holds remote reconciliation settings.
type Sync struct {
	// Enabled gates all outbound remote calls.
	Enabled bool `mapstructure:"enabled"`
	// AutoCloseIssues closes open issues under a milestone when the mapped
	// package transitions to complete.
	AutoCloseIssues bool `mapstructure:"auto_close_issues"`
	// TodoIssueCap limits how many unmapped todos are pushed per sweep.
	TodoIssueCap int `mapstructure:"todo_issue_cap"`
	// Pacing is the fixed delay between mutating remote calls.
	Pacing time.Duration `mapstructure:"pacing"`
	// ResyncInterval triggers a periodic full cycle even without file
	// changes. Zero disables the ticker.
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
}

// Watch holds file watcher settings.
type Watch struct {
	// Paths are the directories observed for changes.
	Paths []string `mapstructure:"paths"`
	// Ignore are doublestar globs excluded from triggering analysis.
	Ignore []string `mapstructure:"ignore"`
	// Debounce is how long filesystem activity must quiesce before a
	// change signal is emitted.
	Debounce time.Duration `mapstructure:"debounce"`
	// Stability is the interval used to confirm a file has stopped
	// changing (size and mtime stable across the interval).
	Stability time.Duration `mapstructure:"stability"`
}

// Analyze holds project analyzer settings.
type Analyze struct {
	// Root is the project root to analyze. Defaults to the working directory.
	Root string `mapstructure:"root"`
	// PackagesGlob locates package manifests relative to Root.
	PackagesGlob string `mapstructure:"packages_glob"`
	// PlansDir holds PLAN_*.md task lists relative to Root.
	PlansDir string `mapstructure:"plans_dir"`
	// CommitLimit is how many recent commits to record.
	CommitLimit int `mapstructure:"commit_limit"`
}

// Server holds query API, websocket, and webhook listener settings.
type Server struct {
	// Port is the combined HTTP API + websocket port.
	Port int `mapstructure:"port"`
	// WebhookPort is the inbound webhook listener port. Zero disables it.
	WebhookPort int `mapstructure:"webhook_port"`
	// WebhookSecret is the shared secret for signature verification.
	WebhookSecret string `mapstructure:"webhook_secret"`
	// WebhookPath is the webhook endpoint path.
	WebhookPath string `mapstructure:"webhook_path"`
}

// Config is the root configuration for the pulse engine.
type Config struct {
	// DBPath is the SQLite state store location.
	DBPath string `mapstructure:"db_path"`
	// ProjectTitle prefixes remote board names.
	ProjectTitle string `mapstructure:"project_title"`
	// CommitRetention is how many commits the store keeps.
	CommitRetention int `mapstructure:"commit_retention"`
	// LogFile, when set, tees engine logs to a rotating file.
	LogFile string `mapstructure:"log_file"`

	Tracker Tracker `mapstructure:"tracker"`
	Sync    Sync    `mapstructure:"sync"`
	Watch   Watch   `mapstructure:"watch"`
	Analyze Analyze `mapstructure:"analyze"`
	Server  Server  `mapstructure:"server"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:          ".pulse/state.db",
		ProjectTitle:    "Project",
		CommitRetention: 20,
		Sync: Sync{
			TodoIssueCap: 10,
			Pacing:       500 * time.Millisecond,
		},
		Watch: Watch{
			Paths: []string{"packages"},
			Ignore: []string{
				"**/node_modules/**",
				"**/dist/**",
				"**/.git/**",
				"**/coverage/**",
			},
			Debounce:  500 * time.Millisecond,
			Stability: 300 * time.Millisecond,
		},
		Analyze: Analyze{
			Root:         ".",
			PackagesGlob: "packages/*/package.json",
			PlansDir:     "implementation/plans",
			CommitLimit:  10,
		},
		Server: Server{
			Port:        3001,
			WebhookPath: "/webhooks/tracker",
		},
	}
}

// Load reads configuration from the given file (or the default search
// locations when path is empty), applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pulse")
		v.AddConfigPath(".")
		v.AddConfigPath(".pulse")
	}

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env apply.
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers defaults with viper so env-only values still
// unmarshal against a complete key set.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("project_title", cfg.ProjectTitle)
	v.SetDefault("commit_retention", cfg.CommitRetention)
	v.SetDefault("sync.todo_issue_cap", cfg.Sync.TodoIssueCap)
	v.SetDefault("sync.pacing", cfg.Sync.Pacing)
	v.SetDefault("watch.paths", cfg.Watch.Paths)
	v.SetDefault("watch.ignore", cfg.Watch.Ignore)
	v.SetDefault("watch.debounce", cfg.Watch.Debounce)
	v.SetDefault("watch.stability", cfg.Watch.Stability)
	v.SetDefault("analyze.root", cfg.Analyze.Root)
	v.SetDefault("analyze.packages_glob", cfg.Analyze.PackagesGlob)
	v.SetDefault("analyze.plans_dir", cfg.Analyze.PlansDir)
	v.SetDefault("analyze.commit_limit", cfg.Analyze.CommitLimit)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.webhook_path", cfg.Server.WebhookPath)
}

// Validate checks for fatal configuration errors.
//
// Sync without credentials and a webhook listener without a secret are
// startup failures: running in either state would silently do nothing or
// accept unauthenticated deliveries.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Sync.Enabled {
		if c.Tracker.Token == "" {
			return fmt.Errorf("sync is enabled but tracker.token is not set")
		}
		if c.Tracker.Owner == "" || c.Tracker.Repo == "" {
			return fmt.Errorf("sync is enabled but tracker.owner/tracker.repo are not set")
		}
	}
	if c.Server.WebhookPort != 0 && c.Server.WebhookSecret == "" {
		return fmt.Errorf("webhook listener is enabled but server.webhook_secret is not set")
	}
	if c.Watch.Debounce < 0 || c.Watch.Stability < 0 {
		return fmt.Errorf("watch durations must not be negative")
	}
	if c.Analyze.CommitLimit <= 0 {
		return fmt.Errorf("analyze.commit_limit must be positive")
	}
	if c.CommitRetention < c.Analyze.CommitLimit {
		return fmt.Errorf("commit_retention (%d) must be at least analyze.commit_limit (%d)",
			c.CommitRetention, c.Analyze.CommitLimit)
	}
	return nil
}
