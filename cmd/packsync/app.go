package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"packsync/internal/config"
	"packsync/internal/fetch"
	"packsync/internal/install"
	"packsync/internal/notify"
	"packsync/internal/provider"
	"packsync/internal/runlog"
	"packsync/internal/state"
	"packsync/internal/update"
)

// configError marks failures caused by configuration rather than by a run.
type configError struct{ err error }

func (e *configError) Error() string { return "config: " + e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// app is the wired component graph shared by every subcommand.
type app struct {
	cfg      config.Config
	provider *provider.Client
	state    *state.Store
	notifier notify.Notifier
	events   *runlog.Logger
	service  *update.Service
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, &configError{err: err}
	}
	levelVar.Set(cfg.LogLevel)
	return cfg, nil
}

func newProvider(cfg config.Config) *provider.Client {
	return provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey,
		provider.WithTimeout(cfg.Provider.Timeout),
		provider.WithUserAgent("packsync/"+Version),
	)
}

// newApp builds every component. The caller must call close.
func newApp(cfg config.Config) (*app, error) {
	log := slog.Default()

	st, err := state.Open(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	n, err := notify.New(cfg.NotifyKind, cfg.NotifyURL, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, &configError{err: err}
	}

	var events *runlog.Logger
	if cfg.EventsPath != "" {
		events, err = runlog.New(cfg.EventsPath)
		if err != nil {
			return nil, fmt.Errorf("open ndjson event log %s: %w", cfg.EventsPath, err)
		}
		log.Info("ndjson event log enabled", "path", cfg.EventsPath)
	}

	inst, err := install.New(install.Options{
		ServerRoot:      cfg.ServerRoot,
		WorkDir:         cfg.WorkDir(),
		KeepMods:        cfg.KeepMods,
		KeepConfig:      cfg.KeepConfig,
		MaxArchiveBytes: cfg.MaxArchiveBytes,
	}, log.With("component", "install"))
	if err != nil {
		_ = events.Close()
		return nil, &configError{err: err}
	}

	pc := newProvider(cfg)
	a := &app{
		cfg:      cfg,
		provider: pc,
		state:    st,
		notifier: n,
		events:   events,
	}
	a.service = update.NewService(update.Deps{
		ProjectID: cfg.Provider.ProjectID,
		Resolver:  pc,
		Fetcher:   fetch.New(pc, cfg.Provider.ProjectID, cfg.DownloadsDir(), log.With("component", "fetch")),
		Installer: inst,
		State:     st,
		Notifier:  n,
		Events:    events,
		Log:       log.With("component", "update"),
	})
	return a, nil
}

func (a *app) close() {
	if err := a.events.Close(); err != nil {
		slog.Warn("close event log failed", "err", err)
	}
}
