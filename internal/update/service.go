package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"packsync/internal/fetch"
	"packsync/internal/install"
	"packsync/internal/notify"
	"packsync/internal/runlog"
	"packsync/internal/state"
)

// ErrBusy is returned when another update is already in flight.
var ErrBusy = errors.New("update already in progress")

const notifyTimeout = 10 * time.Second

type (
	Resolver interface {
		LatestServerPackFileID(ctx context.Context, projectID int) (int, error)
	}

	Fetcher interface {
		Fetch(ctx context.Context, fileID int) (*fetch.Artifact, error)
	}

	Installer interface {
		Install(ctx context.Context, archivePath string) (*install.Report, error)
	}

	// Deps wires a Service. State, Notifier, Events and Log are optional.
	Deps struct {
		ProjectID int
		Resolver  Resolver
		Fetcher   Fetcher
		Installer Installer
		State     *state.Store
		Notifier  notify.Notifier
		Events    *runlog.Logger
		Log       *slog.Logger
	}

	Options struct {
		// Force reinstalls even when the newest pack is already installed.
		Force bool
		// Trigger names what started the run ("http", "cli").
		Trigger string
	}

	Result struct {
		RunID    string
		FileID   int
		FileName string
		Outcome  state.Outcome
		Report   *install.Report
		Duration time.Duration
	}

	// Service runs resolve, fetch and install as one all-or-nothing update.
	// At most one update runs at a time.
	Service struct {
		projectID int
		resolver  Resolver
		fetcher   Fetcher
		installer Installer
		state     *state.Store
		notifier  notify.Notifier
		events    *runlog.Logger
		log       *slog.Logger

		sem *semaphore.Weighted
		now func() time.Time
	}
)

func NewService(d Deps) *Service {
	s := &Service{
		projectID: d.ProjectID,
		resolver:  d.Resolver,
		fetcher:   d.Fetcher,
		installer: d.Installer,
		state:     d.State,
		notifier:  d.Notifier,
		events:    d.Events,
		log:       d.Log,
		sem:       semaphore.NewWeighted(1),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if s.state == nil {
		s.state = state.NewMemory()
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// State exposes the install state the service records into.
func (s *Service) State() *state.Store { return s.state }

// Run performs one update. It returns ErrBusy immediately when another run
// holds the lock. Errors from any stage abort the run and are returned as-is
// (wrapped with the stage name) so callers can classify them.
func (s *Service) Run(ctx context.Context, opts Options) (*Result, error) {
	if !s.sem.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer s.sem.Release(1)

	start := s.now()
	res := &Result{RunID: runlog.MakeRunID()}
	log := s.log.With("update_id", res.RunID)

	if err := s.state.BeginRun(res.RunID, opts.Trigger, start); err != nil {
		log.Warn("persist run start failed", "err", err)
	}
	s.events.Log(runlog.Record{RunID: res.RunID, Type: "start", Trigger: opts.Trigger})
	log.Info("update started", "trigger", opts.Trigger, "force", opts.Force)

	err := s.run(ctx, res, opts, log)
	res.Duration = s.now().Sub(start)

	var inst *state.Installed
	if err != nil {
		res.Outcome = state.OutcomeFailed
	} else if res.Outcome == state.OutcomeInstalled {
		inst = &state.Installed{FileID: res.FileID, FileName: res.FileName}
	}
	if serr := s.state.FinishRun(res.RunID, res.FileID, res.Outcome, err, inst, s.now()); serr != nil {
		log.Warn("persist run result failed", "err", serr)
	}

	rec := runlog.Record{
		RunID:      res.RunID,
		Type:       "result",
		FileID:     res.FileID,
		FileName:   res.FileName,
		DurationMS: res.Duration.Milliseconds(),
		Message:    string(res.Outcome),
	}
	if err != nil {
		rec.Error = err.Error()
		log.Error("update failed", "kind", Classify(err), "file_id", res.FileID, "err", err)
	} else {
		log.Info("update finished", "outcome", res.Outcome, "file_id", res.FileID, "file", res.FileName, "took", res.Duration)
	}
	s.events.Log(rec)

	s.notify(ctx, log, resultMessage(res, err))
	return res, err
}

func (s *Service) run(ctx context.Context, res *Result, opts Options, log *slog.Logger) error {
	st := s.events.Start(res.RunID, "resolve", 0)
	fileID, err := s.resolver.LatestServerPackFileID(ctx, s.projectID)
	st.FileID = fileID
	st.Done(err)
	if err != nil {
		return fmt.Errorf("resolve latest server pack: %w", err)
	}
	res.FileID = fileID
	log.Info("resolved latest server pack", "file_id", fileID)

	if installed := s.state.InstalledFileID(); !opts.Force && installed == fileID {
		res.Outcome = state.OutcomeUpToDate
		if snap := s.state.Snapshot(); snap.Installed != nil {
			res.FileName = snap.Installed.FileName
		}
		return nil
	}

	st = s.events.Start(res.RunID, "fetch", fileID)
	art, err := s.fetcher.Fetch(ctx, fileID)
	if art != nil {
		st.FileName, st.Bytes = art.FileName, art.Size
	}
	st.Done(err)
	if err != nil {
		return fmt.Errorf("fetch file %d: %w", fileID, err)
	}
	res.FileName = art.FileName

	st = s.events.Start(res.RunID, "install", fileID)
	st.FileName = art.FileName
	rep, err := s.installer.Install(ctx, art.Path)
	st.Done(err)
	res.Report = rep
	if err != nil {
		return fmt.Errorf("install %s: %w", art.FileName, err)
	}
	res.Outcome = state.OutcomeInstalled
	return nil
}

func (s *Service) notify(ctx context.Context, log *slog.Logger, msg notify.Message) {
	// The run's context may already be canceled; delivery gets its own budget.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(nctx, msg); err != nil {
		log.Warn("notification failed", "err", err)
	}
}

func resultMessage(res *Result, err error) notify.Message {
	if err != nil {
		return notify.Message{
			Title: "Server pack update failed",
			Body:  fmt.Sprintf("%s error: %v", Classify(err), err),
			Level: notify.LevelError,
		}
	}
	if res.Outcome == state.OutcomeUpToDate {
		return notify.Message{
			Title: "Server pack already up to date",
			Body:  fmt.Sprintf("%s (file %d) is installed.", res.FileName, res.FileID),
			Level: notify.LevelInfo,
		}
	}
	body := fmt.Sprintf("Installed %s (file %d) in %s.", res.FileName, res.FileID, res.Duration.Round(time.Millisecond))
	if res.Report != nil {
		body += fmt.Sprintf(" Kept %d mods and %d config entries from the allow-list.",
			len(res.Report.Preserved[install.DirMods]), len(res.Report.Preserved[install.DirConfig]))
	}
	body += " Restart the server to load it."
	return notify.Message{Title: "Server pack updated", Body: body, Level: notify.LevelInfo}
}
