package fetch

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"packsync/internal/fsops"
	"packsync/internal/provider"
)

// ErrIntegrity indicates downloaded bytes do not match the published digest.
var ErrIntegrity = errors.New("integrity check failed")

// IntegrityError describes a failed digest check. It wraps ErrIntegrity.
type IntegrityError struct {
	Path      string
	Algorithm string
	Expected  string
	Got       string
	Reason    string // set when no comparison was possible
}

func (e *IntegrityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("%s mismatch for %s: expected %s, got %s", e.Algorithm, e.Path, e.Expected, e.Got)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha1":
		return sha1.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
}

// ComputeFileDigest streams the file at path through algorithm and returns
// the lowercase hex digest.
func ComputeFileDigest(path, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", &IntegrityError{Path: path, Algorithm: algorithm, Reason: err.Error()}
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fsops.Wrap("open", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(h, f); err != nil {
		return "", fsops.Wrap("hash", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile returns nil when the file at path matches want (compared
// case-insensitively), otherwise an *IntegrityError.
func VerifyFile(path string, want provider.Digest) error {
	got, err := ComputeFileDigest(path, want.Algorithm)
	if err != nil {
		return err
	}
	return compare(path, want, got)
}

func compare(path string, want provider.Digest, got string) error {
	if !strings.EqualFold(got, want.Value) {
		return &IntegrityError{
			Path:      path,
			Algorithm: want.Algorithm,
			Expected:  strings.ToLower(want.Value),
			Got:       got,
		}
	}
	return nil
}
