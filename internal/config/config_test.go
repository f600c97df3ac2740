package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "packsync.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_FileAndDefaults(t *testing.T) {
	root := t.TempDir()
	p := writeConfig(t, `
auth:
  key: s3cret
provider:
  api_key: abc
  project_id: 466901
server:
  root: `+root+`
notify:
  kind: webhook
  url: https://hooks.example.test/x
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.ProjectID != 466901 || cfg.Provider.APIKey != "abc" {
		t.Fatalf("provider=%+v", cfg.Provider)
	}
	if cfg.Provider.BaseURL != "https://api.curseforge.com/v1" {
		t.Fatalf("base_url=%q", cfg.Provider.BaseURL)
	}
	if cfg.Provider.Timeout != 30*time.Second || cfg.UpdateTimeout != 15*time.Minute {
		t.Fatalf("timeouts provider=%s update=%s", cfg.Provider.Timeout, cfg.UpdateTimeout)
	}
	if cfg.ServerRoot != root {
		t.Fatalf("root=%q want %q", cfg.ServerRoot, root)
	}
	if cfg.DataDir != filepath.Join(root, ".packsync") {
		t.Fatalf("data_dir=%q", cfg.DataDir)
	}
	if cfg.DownloadsDir() != filepath.Join(root, ".packsync", "downloads") {
		t.Fatalf("downloads=%q", cfg.DownloadsDir())
	}
	if diff := cmp.Diff(DefaultKeepMods, cfg.KeepMods); diff != "" {
		t.Fatalf("keep mods (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(DefaultKeepConfig, cfg.KeepConfig); diff != "" {
		t.Fatalf("keep config (-want +got):\n%s", diff)
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("ValidateServe: %v", err)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeConfig(t, `
provider:
  api_key: from-file
  project_id: 1
install:
  keep:
    mods: ["custom*"]
`)
	t.Setenv("PACKSYNC_PROVIDER_API_KEY", "from-env")
	t.Setenv("PACKSYNC_PROVIDER_BASE_URL", "http://127.0.0.1:9999/v1/")
	t.Setenv("PACKSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "from-env" {
		t.Fatalf("api_key=%q", cfg.Provider.APIKey)
	}
	if cfg.Provider.BaseURL != "http://127.0.0.1:9999/v1" {
		t.Fatalf("base_url=%q", cfg.Provider.BaseURL)
	}
	if cfg.LogLevel.String() != "DEBUG" {
		t.Fatalf("level=%s", cfg.LogLevel)
	}
	if diff := cmp.Diff([]string{"custom*"}, cfg.KeepMods); diff != "" {
		t.Fatalf("keep mods (-want +got):\n%s", diff)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing api key", "provider:\n  project_id: 1\n", "provider.api_key"},
		{"missing project", "provider:\n  api_key: k\n", "provider.project_id"},
		{"bad base url", "provider:\n  api_key: k\n  project_id: 1\n  base_url: not-a-url\n", "provider.base_url"},
		{"notify without url", "provider:\n  api_key: k\n  project_id: 1\nnotify:\n  kind: ntfy\n", "notify.url"},
		{"unknown notify", "provider:\n  api_key: k\n  project_id: 1\nnotify:\n  kind: carrier-pigeon\n", "notify.kind"},
		{"bad level", "provider:\n  api_key: k\n  project_id: 1\nlog:\n  level: loud\n", "log.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want substring %q", err, tc.want)
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestValidateServe_RequiresKey(t *testing.T) {
	cfg := Config{ListenAddr: ":8080"}
	if err := cfg.ValidateServe(); err == nil {
		t.Fatalf("expected auth.key error")
	}
}
