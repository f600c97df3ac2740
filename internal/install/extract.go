package install

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"packsync/internal/fsops"
)

var (
	errArchiveTooLarge   = errors.New("archive exceeds extraction limit")
	errNoPackRoot        = errors.New("archive has no managed directory")
	errAmbiguousPackRoot = errors.New("archive has several candidate pack roots")
)

// extract unpacks the zip at archivePath into dst and returns the number of
// files written. Entries that would land outside dst, symlinks and archives
// expanding beyond maxBytes are rejected.
func extract(ctx context.Context, archivePath, dst string, maxBytes int64) (int, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fsops.Wrap("open archive", archivePath, err)
	}
	defer func() { _ = zr.Close() }()

	var (
		files     int
		remaining = maxBytes
	)
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		rel, skip, err := entryPath(f.Name)
		if err != nil {
			return files, fsops.Wrap("extract", f.Name, err)
		}
		if skip {
			continue
		}
		target := filepath.Join(dst, rel)

		mode := f.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			return files, fsops.Wrap("extract", f.Name, errors.New("symlinks are not allowed"))
		case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
			if err := fsops.MkdirAll(target); err != nil {
				return files, err
			}
			continue
		case !mode.IsRegular():
			return files, fsops.Wrap("extract", f.Name, fmt.Errorf("unsupported entry mode %s", mode))
		}

		if uint64(remaining) < f.UncompressedSize64 {
			return files, fsops.Wrap("extract", f.Name, errArchiveTooLarge)
		}
		n, err := extractFile(f, target, remaining)
		if err != nil {
			return files, err
		}
		remaining -= n
		files++
	}
	return files, nil
}

func extractFile(f *zip.File, target string, limit int64) (int64, error) {
	if err := fsops.MkdirAll(filepath.Dir(target)); err != nil {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fsops.Wrap("extract", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	perm := f.Mode().Perm() | 0o600
	if perm&0o077 == 0 {
		perm |= 0o044
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, fsops.Wrap("create", target, err)
	}

	// The header size can lie; the copy limit is what actually bounds the write.
	n, copyErr := io.Copy(out, io.LimitReader(rc, limit+1))
	closeErr := out.Close()
	switch {
	case copyErr != nil:
		return n, fsops.Wrap("extract", f.Name, copyErr)
	case n > limit:
		return n, fsops.Wrap("extract", f.Name, errArchiveTooLarge)
	case closeErr != nil:
		return n, fsops.Wrap("close", target, closeErr)
	}
	return n, nil
}

// entryPath converts a zip entry name into a local relative path. skip is
// true for entries that carry no server content (macOS resource forks, the
// archive root itself).
func entryPath(name string) (rel string, skip bool, err error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(name, "/") || hasDrivePrefix(name) {
		return "", false, fmt.Errorf("entry path %q is not relative", name)
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", true, nil
	}
	if clean == "__MACOSX" || strings.HasPrefix(clean, "__MACOSX/") {
		return "", true, nil
	}
	local := filepath.FromSlash(clean)
	if !filepath.IsLocal(local) {
		return "", false, fmt.Errorf("entry path %q escapes the extraction root", name)
	}
	return local, false, nil
}

// hasDrivePrefix reports a Windows volume such as "C:" at the start of name.
func hasDrivePrefix(name string) bool {
	if len(name) < 2 || name[1] != ':' {
		return false
	}
	c := name[0] | 0x20
	return c >= 'a' && c <= 'z'
}

// contentRoot returns the directory inside stage that holds the pack's
// managed directories: stage itself, or the one wrapper directory below it
// (for example Pack-Server-1.4/mods/...). Stray files beside a wrapper are
// ignored. A pack with no managed directory at either level is rejected
// before anything live is touched.
func contentRoot(stage string, managed []string) (string, error) {
	ok, err := holdsManaged(stage, managed)
	if err != nil {
		return "", err
	}
	if ok {
		return stage, nil
	}

	entries, err := os.ReadDir(stage)
	if err != nil {
		return "", fsops.Wrap("read", stage, err)
	}
	var found []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(stage, e.Name())
		ok, err := holdsManaged(dir, managed)
		if err != nil {
			return "", err
		}
		if ok {
			found = append(found, e.Name())
		}
	}
	switch len(found) {
	case 1:
		return filepath.Join(stage, found[0]), nil
	case 0:
		return "", fsops.Wrap("locate pack root", stage, fmt.Errorf("%w: none of %s found", errNoPackRoot, strings.Join(managed, ", ")))
	default:
		return "", fsops.Wrap("locate pack root", stage, fmt.Errorf("%w: candidates %s", errAmbiguousPackRoot, strings.Join(found, ", ")))
	}
}

func holdsManaged(dir string, managed []string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fsops.Wrap("read", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, m := range managed {
			if e.Name() == m {
				return true, nil
			}
		}
	}
	return false, nil
}
