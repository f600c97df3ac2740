// Command packsync keeps a modded Minecraft server on the newest server pack.
//
// It can run:
//   - as a listener (`packsync serve`) exposing an authenticated GET /update,
//   - as a one-shot update (`packsync update`) for cron or manual use, and
//   - as a lookup (`packsync latest`) printing the newest server-pack file.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"packsync/internal/runlog"
	"packsync/internal/update"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var levelVar = new(slog.LevelVar)

func main() {
	// Set up logging first so early failures are captured consistently.
	runID := runlog.MakeRunID()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelVar,
	})).With("run_id", runID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("packsync failed", "err", err, "kind", update.Classify(err))
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures onto distinct codes so cron wrappers can tell a
// busy lock apart from a broken upstream.
func exitCode(err error) int {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return 2
	}
	switch update.Classify(err) {
	case update.KindBusy:
		return 3
	case update.KindUpstream:
		return 4
	case update.KindIntegrity:
		return 5
	case update.KindFilesystem:
		return 6
	default:
		return 1
	}
}
