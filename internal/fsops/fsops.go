package fsops

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrFilesystem classifies local filesystem failures (move, extract, write).
var ErrFilesystem = errors.New("filesystem error")

// FilesystemError records the operation and path of a failed filesystem call.
// It wraps ErrFilesystem.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s", e.Op, e.Path)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFilesystem}
	}
	return []error{ErrFilesystem, e.Err}
}

// Wrap returns nil for a nil err, otherwise a *FilesystemError.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FilesystemError{Op: op, Path: path, Err: err}
}

// MkdirAll is os.MkdirAll with 0o755 and a *FilesystemError on failure.
func MkdirAll(dir string) error {
	return Wrap("mkdir", dir, os.MkdirAll(dir, 0o755))
}

// RemoveAll is os.RemoveAll returning a *FilesystemError on failure.
func RemoveAll(path string) error {
	return Wrap("remove", path, os.RemoveAll(path))
}

// Exists reports whether path exists. Errors other than "not exist" are
// returned as *FilesystemError.
func Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, Wrap("stat", path, err)
}

// Journal performs renames and remembers them so they can be replayed in
// reverse. It is not safe for concurrent use.
type Journal struct {
	done []rename
}

type rename struct{ from, to string }

// Rename moves from to to, creating to's parent directory first.
func (j *Journal) Rename(from, to string) error {
	if err := MkdirAll(filepath.Dir(to)); err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return Wrap("rename", from+" -> "+to, err)
	}
	j.done = append(j.done, rename{from: from, to: to})
	return nil
}

// Len is the number of recorded renames.
func (j *Journal) Len() int { return len(j.done) }

// Rollback undoes every recorded rename, newest first, and clears the
// journal. It keeps going after a failed step and returns the joined errors.
func (j *Journal) Rollback() error {
	var errs []error
	for i := len(j.done) - 1; i >= 0; i-- {
		r := j.done[i]
		if err := os.Rename(r.to, r.from); err != nil {
			errs = append(errs, Wrap("rollback rename", r.to+" -> "+r.from, err))
		}
	}
	j.done = nil
	return errors.Join(errs...)
}

// Commit forgets the recorded renames.
func (j *Journal) Commit() { j.done = nil }
