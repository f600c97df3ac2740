package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"packsync/internal/fsops"
)

// Managed directory names under the server root.
const (
	DirMods   = "mods"
	DirConfig = "config"
)

type (
	Options struct {
		// ServerRoot contains mods/ and config/.
		ServerRoot string
		// WorkDir hosts per-run staging and scratch areas. It must be on the
		// same filesystem as ServerRoot.
		WorkDir string

		KeepMods   []string
		KeepConfig []string

		// MaxArchiveBytes bounds the total uncompressed size extracted.
		MaxArchiveBytes int64
	}

	// Report summarises a completed install.
	Report struct {
		Preserved map[string][]string // managed dir -> allow-listed entries carried over
		Discarded map[string]int      // managed dir -> local entries dropped
		Extracted int                 // files written from the archive
		Merged    []string            // other top-level archive entries merged into the root
	}

	Installer struct {
		root     string
		work     string
		dirs     []managedDir
		maxBytes int64
		log      *slog.Logger
	}

	managedDir struct {
		name string
		keep AllowList
	}
)

func New(opts Options, log *slog.Logger) (*Installer, error) {
	if opts.ServerRoot == "" {
		return nil, errors.New("install: server root must not be empty")
	}
	if opts.WorkDir == "" {
		return nil, errors.New("install: work dir must not be empty")
	}
	if opts.MaxArchiveBytes <= 0 {
		opts.MaxArchiveBytes = 4 << 30
	}
	if log == nil {
		log = slog.Default()
	}

	mods, err := NewAllowList(opts.KeepMods)
	if err != nil {
		return nil, fmt.Errorf("mods allow-list: %w", err)
	}
	cfg, err := NewAllowList(opts.KeepConfig)
	if err != nil {
		return nil, fmt.Errorf("config allow-list: %w", err)
	}

	return &Installer{
		root:     opts.ServerRoot,
		work:     opts.WorkDir,
		dirs:     []managedDir{{name: DirMods, keep: mods}, {name: DirConfig, keep: cfg}},
		maxBytes: opts.MaxArchiveBytes,
		log:      log,
	}, nil
}

// Install replaces mods/ and config/ with the contents of the zip at
// archivePath, carrying over allow-listed local entries. Allow-listed entries
// win over shipped entries of the same name.
//
// The archive is extracted into a staging area first and the managed
// directories are swapped in with journaled renames; a failure during the swap
// restores the previous directories. The archive and all scratch space are
// removed before Install returns, whatever the outcome.
func (in *Installer) Install(ctx context.Context, archivePath string) (_ *Report, err error) {
	runDir := filepath.Join(in.work, "run-"+uuid.NewString())
	defer func() {
		if rmErr := os.RemoveAll(runDir); rmErr != nil {
			in.log.Warn("remove install work dir failed", "path", runDir, "err", rmErr)
		}
		if rmErr := os.Remove(archivePath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			in.log.Warn("remove archive failed", "path", archivePath, "err", rmErr)
		}
	}()

	stage := filepath.Join(runDir, "stage")
	scratch := filepath.Join(runDir, "scratch")
	shadow := filepath.Join(runDir, "shadowed")
	if err := fsops.MkdirAll(stage); err != nil {
		return nil, err
	}

	rep := &Report{Preserved: map[string][]string{}, Discarded: map[string]int{}}

	rep.Extracted, err = extract(ctx, archivePath, stage, in.maxBytes)
	if err != nil {
		return nil, err
	}
	in.log.Info("archive extracted", "files", rep.Extracted)

	src, err := contentRoot(stage, in.managedNames())
	if err != nil {
		return nil, err
	}
	if src != stage {
		in.log.Info("unwrapped archive root", "dir", filepath.Base(src))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var j fsops.Journal
	for _, d := range in.dirs {
		if err := in.swap(&j, d, src, scratch, shadow, rep); err != nil {
			if rbErr := j.Rollback(); rbErr != nil {
				in.log.Error("rollback incomplete", "err", rbErr)
				return nil, errors.Join(err, rbErr)
			}
			in.log.Warn("install rolled back", "dir", d.name, "err", err)
			return nil, err
		}
	}
	j.Commit()

	// The managed directories are in place; what remains are extra files the
	// pack ships at its root. They overwrite like a plain extraction would.
	merged, err := in.mergeRest(src)
	rep.Merged = merged
	if err != nil {
		return rep, err
	}

	for _, d := range in.dirs {
		in.log.Info("directory replaced",
			"dir", d.name,
			"preserved", len(rep.Preserved[d.name]),
			"discarded", rep.Discarded[d.name],
		)
	}
	return rep, nil
}

// swap moves the live directory into scratch, carries allow-listed entries
// into the staged copy and renames the staged copy into place.
func (in *Installer) swap(j *fsops.Journal, d managedDir, src, scratch, shadow string, rep *Report) error {
	live := filepath.Join(in.root, d.name)
	held := filepath.Join(scratch, d.name)
	staged := filepath.Join(src, d.name)

	if err := fsops.MkdirAll(staged); err != nil {
		return err
	}

	exists, err := fsops.Exists(live)
	if err != nil {
		return err
	}
	if exists {
		if err := j.Rename(live, held); err != nil {
			return err
		}
		entries, err := os.ReadDir(held)
		if err != nil {
			return fsops.Wrap("read", held, err)
		}
		for _, e := range entries {
			name := e.Name()
			if !d.keep.Match(name) {
				rep.Discarded[d.name]++
				continue
			}
			dst := filepath.Join(staged, name)
			shipped, err := fsops.Exists(dst)
			if err != nil {
				return err
			}
			if shipped {
				if err := j.Rename(dst, filepath.Join(shadow, d.name, name)); err != nil {
					return err
				}
			}
			if err := j.Rename(filepath.Join(held, name), dst); err != nil {
				return err
			}
			rep.Preserved[d.name] = append(rep.Preserved[d.name], name)
		}
	}
	sort.Strings(rep.Preserved[d.name])

	return j.Rename(staged, live)
}

// mergeRest moves every remaining top-level entry of src into the server
// root, merging directories and replacing files.
func (in *Installer) mergeRest(src string) ([]string, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, fsops.Wrap("read", src, err)
	}
	var merged []string
	for _, e := range entries {
		if in.isManaged(e.Name()) {
			continue
		}
		if err := mergeInto(filepath.Join(src, e.Name()), filepath.Join(in.root, e.Name())); err != nil {
			return merged, err
		}
		merged = append(merged, e.Name())
	}
	return merged, nil
}

func mergeInto(from, to string) error {
	fi, err := os.Lstat(from)
	if err != nil {
		return fsops.Wrap("stat", from, err)
	}
	ti, err := os.Lstat(to)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fsops.Wrap("rename", from, os.Rename(from, to))
	case err != nil:
		return fsops.Wrap("stat", to, err)
	}

	if fi.IsDir() && ti.IsDir() {
		entries, err := os.ReadDir(from)
		if err != nil {
			return fsops.Wrap("read", from, err)
		}
		for _, e := range entries {
			if err := mergeInto(filepath.Join(from, e.Name()), filepath.Join(to, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if err := os.RemoveAll(to); err != nil {
		return fsops.Wrap("remove", to, err)
	}
	return fsops.Wrap("rename", from, os.Rename(from, to))
}

func (in *Installer) managedNames() []string {
	out := make([]string, 0, len(in.dirs))
	for _, d := range in.dirs {
		out = append(out, d.name)
	}
	return out
}

func (in *Installer) isManaged(name string) bool {
	for _, d := range in.dirs {
		if d.name == name {
			return true
		}
	}
	return false
}
