package fetch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"packsync/internal/fsops"
	"packsync/internal/provider"
)

type (
	// Source is the subset of the provider client the Fetcher needs.
	Source interface {
		GetFile(ctx context.Context, projectID, fileID int) (*provider.File, error)
		Download(ctx context.Context, rawURL string) (io.ReadCloser, error)
	}

	// Artifact is a verified archive on local disk.
	Artifact struct {
		FileID   int
		FileName string
		Path     string
		Size     int64
		Digest   provider.Digest
		Reused   bool // served from an earlier, re-verified download
	}

	// Fetcher downloads server packs into dir as {file_id}.zip.
	Fetcher struct {
		src       Source
		projectID int
		dir       string
		log       *slog.Logger
	}
)

func New(src Source, projectID int, dir string, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{src: src, projectID: projectID, dir: dir, log: log}
}

// PathFor is the deterministic local path of fileID.
func (f *Fetcher) PathFor(fileID int) string {
	return filepath.Join(f.dir, fmt.Sprintf("%d.zip", fileID))
}

// Fetch resolves fileID's descriptor, downloads it (or reuses an existing
// copy) and verifies it. A digest mismatch removes the file and returns an
// *IntegrityError.
func (f *Fetcher) Fetch(ctx context.Context, fileID int) (*Artifact, error) {
	desc, err := f.src.GetFile(ctx, f.projectID, fileID)
	if err != nil {
		return nil, err
	}

	path := f.PathFor(fileID)
	digest, ok := desc.Digest()
	if !ok {
		return nil, &IntegrityError{Path: path, Reason: fmt.Sprintf("file %d has no published digest", fileID)}
	}
	if _, err := newHash(digest.Algorithm); err != nil {
		return nil, &IntegrityError{Path: path, Algorithm: digest.Algorithm, Reason: err.Error()}
	}

	art := &Artifact{FileID: fileID, FileName: desc.FileName, Path: path, Digest: digest}

	if reused, err := f.reuse(path, digest); err != nil {
		return nil, err
	} else if reused >= 0 {
		art.Size = reused
		art.Reused = true
		return art, nil
	}

	if desc.DownloadURL == "" {
		return nil, &provider.UpstreamError{Op: "fetch", Err: fmt.Errorf("file %d has no download url", fileID)}
	}
	if err := fsops.MkdirAll(f.dir); err != nil {
		return nil, err
	}

	f.log.Info("downloading server pack", "file_id", fileID, "file", desc.FileName)
	n, err := f.download(ctx, desc.DownloadURL, path, digest)
	if err != nil {
		return nil, err
	}
	art.Size = n
	f.log.Info("server pack verified", "file_id", fileID, "bytes", n, "algorithm", digest.Algorithm)
	return art, nil
}

// reuse returns the size of an existing verified file at path, or -1 when
// there is nothing reusable. A cached file that fails verification is removed.
func (f *Fetcher) reuse(path string, digest provider.Digest) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return -1, nil
	}
	if err != nil {
		return -1, fsops.Wrap("stat", path, err)
	}
	if !info.Mode().IsRegular() {
		return -1, &fsops.FilesystemError{Op: "reuse", Path: path, Err: errors.New("not a regular file")}
	}

	err = VerifyFile(path, digest)
	if err == nil {
		f.log.Info("reusing verified download", "path", path, "bytes", info.Size())
		return info.Size(), nil
	}
	if !errors.Is(err, ErrIntegrity) {
		return -1, err
	}
	f.log.Warn("cached download failed verification, downloading again", "path", path, "err", err)
	if err := os.Remove(path); err != nil {
		return -1, fsops.Wrap("remove", path, err)
	}
	return -1, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, path string, digest provider.Digest) (_ int64, err error) {
	body, err := f.src.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	h, err := newHash(digest.Algorithm)
	if err != nil {
		return 0, err
	}

	part := path + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fsops.Wrap("create", part, err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(part)
		}
	}()

	n, copyErr := io.Copy(io.MultiWriter(out, h), body)
	closeErr := out.Close()
	if copyErr != nil {
		// A read failure mid-stream is the provider's fault; a write failure is ours.
		var pe *os.PathError
		if errors.As(copyErr, &pe) {
			return 0, fsops.Wrap("write", part, copyErr)
		}
		return 0, &provider.UpstreamError{Op: "download", Err: copyErr}
	}
	if closeErr != nil {
		return 0, fsops.Wrap("close", part, closeErr)
	}

	if err := compare(path, digest, hex.EncodeToString(h.Sum(nil))); err != nil {
		return 0, err
	}
	if err := os.Rename(part, path); err != nil {
		return 0, fsops.Wrap("rename", part, err)
	}
	keep = true
	return n, nil
}
