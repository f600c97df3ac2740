package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultConfigName = "packsync"
)

// Default allow-lists. Entries are case-insensitive globs matched against the
// base name of each top-level entry in mods/ and config/.
var (
	DefaultKeepMods = []string{
		"BlueMap*", "bmm*", "Chunky*", "dcintegration*", "HuskHomes*", "InvView*",
		"ledger*", "LuckPerms*", "minimotd*", "tabtps*", "worldedit*",
	}
	DefaultKeepConfig = []string{
		"BlueMap*", "Chunky*", "dcintegration*", "HuskHomes*", "Discord*",
		"ledger*", "LuckPerms*", "minimotd*", "tabtps*", "worldedit*",
		"do_a_barrel_roll-server*",
	}
)

type Config struct {
	ListenAddr string
	AuthKey    string

	Provider Provider

	// ServerRoot holds mods/ and config/.
	ServerRoot string
	// DataDir holds downloads, scratch space, staging and state.json.
	// It must live on the same filesystem as ServerRoot so renames stay atomic.
	DataDir string

	KeepMods        []string
	KeepConfig      []string
	MaxArchiveBytes int64

	NotifyKind string
	NotifyURL  string

	UpdateTimeout time.Duration

	// EventsPath enables the NDJSON event log when set.
	EventsPath string

	LogLevel slog.Level
}

type Provider struct {
	BaseURL   string
	APIKey    string
	ProjectID int
	Timeout   time.Duration
}

// DownloadsDir is where fetched archives are written as {file_id}.zip.
func (c Config) DownloadsDir() string { return filepath.Join(c.DataDir, "downloads") }

// WorkDir is the parent of the scratch and staging areas used during install.
func (c Config) WorkDir() string { return filepath.Join(c.DataDir, "work") }

// StatePath is the persisted install state.
func (c Config) StatePath() string { return filepath.Join(c.DataDir, "state.json") }

// Load reads configuration from path (when non-empty), otherwise from an
// optional packsync.yaml in . or config/, then applies PACKSYNC_* overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	v.SetEnvPrefix("PACKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen.addr", ":8080")
	v.SetDefault("auth.key", "")

	v.SetDefault("provider.base_url", "https://api.curseforge.com/v1")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.project_id", 0)
	v.SetDefault("provider.timeout", 30*time.Second)

	v.SetDefault("server.root", ".")
	v.SetDefault("server.data_dir", "")

	v.SetDefault("install.keep.mods", DefaultKeepMods)
	v.SetDefault("install.keep.config", DefaultKeepConfig)
	v.SetDefault("install.max_archive_bytes", int64(4<<30))

	v.SetDefault("notify.kind", "")
	v.SetDefault("notify.url", "")

	v.SetDefault("update.timeout", 15*time.Minute)
	v.SetDefault("telemetry.events_path", "")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		// An explicit path must exist; the search-path file is optional.
		if path != "" {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		ListenAddr: strings.TrimSpace(v.GetString("listen.addr")),
		AuthKey:    v.GetString("auth.key"),
		Provider: Provider{
			BaseURL:   strings.TrimRight(strings.TrimSpace(v.GetString("provider.base_url")), "/"),
			APIKey:    strings.TrimSpace(v.GetString("provider.api_key")),
			ProjectID: v.GetInt("provider.project_id"),
			Timeout:   v.GetDuration("provider.timeout"),
		},
		ServerRoot:      strings.TrimSpace(v.GetString("server.root")),
		DataDir:         strings.TrimSpace(v.GetString("server.data_dir")),
		KeepMods:        cleanPatterns(v.GetStringSlice("install.keep.mods")),
		KeepConfig:      cleanPatterns(v.GetStringSlice("install.keep.config")),
		MaxArchiveBytes: v.GetInt64("install.max_archive_bytes"),
		NotifyKind:      strings.ToLower(strings.TrimSpace(v.GetString("notify.kind"))),
		NotifyURL:       strings.TrimSpace(v.GetString("notify.url")),
		UpdateTimeout:   v.GetDuration("update.timeout"),
		EventsPath:      strings.TrimSpace(v.GetString("telemetry.events_path")),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return Config{}, fmt.Errorf("invalid log.level %q", v.GetString("log.level"))
	}

	if cfg.Provider.BaseURL == "" {
		return Config{}, fmt.Errorf("provider.base_url must not be empty")
	}
	if u, err := url.Parse(cfg.Provider.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("invalid provider.base_url %q", cfg.Provider.BaseURL)
	}
	if cfg.Provider.APIKey == "" {
		return Config{}, fmt.Errorf("provider.api_key must not be empty")
	}
	if cfg.Provider.ProjectID <= 0 {
		return Config{}, fmt.Errorf("invalid provider.project_id %d", cfg.Provider.ProjectID)
	}
	if cfg.Provider.Timeout <= 0 {
		return Config{}, fmt.Errorf("invalid provider.timeout %s", cfg.Provider.Timeout)
	}
	if cfg.UpdateTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid update.timeout %s", cfg.UpdateTimeout)
	}
	if cfg.MaxArchiveBytes <= 0 {
		return Config{}, fmt.Errorf("invalid install.max_archive_bytes %d", cfg.MaxArchiveBytes)
	}
	switch cfg.NotifyKind {
	case "", "none":
		cfg.NotifyKind = ""
	case "webhook", "ntfy":
		if cfg.NotifyURL == "" {
			return Config{}, fmt.Errorf("notify.url must be set for notify.kind %q", cfg.NotifyKind)
		}
	default:
		return Config{}, fmt.Errorf("unknown notify.kind %q", cfg.NotifyKind)
	}

	if cfg.ServerRoot == "" {
		cfg.ServerRoot = "."
	}
	root, err := filepath.Abs(cfg.ServerRoot)
	if err != nil {
		return Config{}, fmt.Errorf("resolve server.root: %w", err)
	}
	cfg.ServerRoot = root
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(root, ".packsync")
	}
	if cfg.DataDir, err = filepath.Abs(cfg.DataDir); err != nil {
		return Config{}, fmt.Errorf("resolve server.data_dir: %w", err)
	}

	if cfg.EventsPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.EventsPath), 0o755); err != nil {
			return Config{}, fmt.Errorf("create telemetry dir: %w", err)
		}
	}
	return cfg, nil
}

// ValidateServe checks the settings only the HTTP listener needs.
func (c Config) ValidateServe() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen.addr must not be empty")
	}
	if strings.TrimSpace(c.AuthKey) == "" {
		return fmt.Errorf("auth.key must not be empty")
	}
	return nil
}

func cleanPatterns(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
