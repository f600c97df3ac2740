package provider

import (
	"strings"
	"time"
)

// HashAlgo is the provider's numeric hash algorithm code.
type HashAlgo int

const (
	HashSHA1 HashAlgo = 1
	HashMD5  HashAlgo = 2
)

// String returns the algorithm name used in digests ("sha1", "md5").
func (a HashAlgo) String() string {
	switch a {
	case HashSHA1:
		return "sha1"
	case HashMD5:
		return "md5"
	default:
		return "unknown"
	}
}

type (
	// File is a remote file descriptor. Values are immutable once built.
	File struct {
		ID               int
		FileName         string
		FileDate         time.Time
		DownloadURL      string
		Hashes           []Hash
		ServerPackFileID int
		IsServerPack     bool
	}

	// Hash is one checksum the provider publishes for a file.
	Hash struct {
		Algo  HashAlgo
		Value string
	}

	// Digest is the expected checksum of a download.
	Digest struct {
		Algorithm string // "sha1" or "md5"
		Value     string // lowercase hex
	}

	modResponse struct {
		Data struct {
			ID          int        `json:"id"`
			Name        string     `json:"name"`
			LatestFiles []wireFile `json:"latestFiles"`
		} `json:"data"`
	}

	fileResponse struct {
		Data wireFile `json:"data"`
	}

	wireFile struct {
		ID               int        `json:"id"`
		FileName         string     `json:"fileName"`
		FileDate         time.Time  `json:"fileDate"`
		DownloadURL      *string    `json:"downloadUrl"`
		Hashes           []wireHash `json:"hashes"`
		ServerPackFileID *int       `json:"serverPackFileId"`
		IsServerPack     *bool      `json:"isServerPack"`
	}

	wireHash struct {
		Value string `json:"value"`
		Algo  int    `json:"algo"`
	}
)

// Digest picks the expected digest, preferring SHA-1 over MD5. ok is false
// when the provider published no usable hash.
func (f File) Digest() (Digest, bool) {
	var md5 string
	for _, h := range f.Hashes {
		v := strings.ToLower(strings.TrimSpace(h.Value))
		if v == "" {
			continue
		}
		switch h.Algo {
		case HashSHA1:
			return Digest{Algorithm: HashSHA1.String(), Value: v}, true
		case HashMD5:
			if md5 == "" {
				md5 = v
			}
		}
	}
	if md5 != "" {
		return Digest{Algorithm: HashMD5.String(), Value: md5}, true
	}
	return Digest{}, false
}

// SelectLatest returns the file with the greatest FileDate. Equal dates are
// broken by the highest ID so the result never depends on input order.
func SelectLatest(files []File) (File, bool) {
	if len(files) == 0 {
		return File{}, false
	}
	best := files[0]
	for _, f := range files[1:] {
		if f.FileDate.After(best.FileDate) || (f.FileDate.Equal(best.FileDate) && f.ID > best.ID) {
			best = f
		}
	}
	return best, true
}

func toFile(w wireFile) File {
	f := File{
		ID:       w.ID,
		FileName: w.FileName,
		FileDate: w.FileDate,
	}
	if w.DownloadURL != nil {
		f.DownloadURL = *w.DownloadURL
	}
	if w.ServerPackFileID != nil {
		f.ServerPackFileID = *w.ServerPackFileID
	}
	if w.IsServerPack != nil {
		f.IsServerPack = *w.IsServerPack
	}
	f.Hashes = make([]Hash, 0, len(w.Hashes))
	for _, h := range w.Hashes {
		f.Hashes = append(f.Hashes, Hash{Algo: HashAlgo(h.Algo), Value: h.Value})
	}
	return f
}
