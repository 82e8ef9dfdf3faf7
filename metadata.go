package bucket

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	sha256 "github.com/minio/sha256-simd"
)

// HashType names a digest algorithm recorded in FileMetadata.
type HashType string

const (
	HashMD5    HashType = "MD5"
	HashSHA256 HashType = "SHA256"
)

func (h HashType) new() (hash.Hash, error) {
	switch h {
	case HashMD5:
		return md5.New(), nil
	case HashSHA256:
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("unsupported hash type %q", string(h))
}

// FileMetadata describes a file on disk.
type FileMetadata struct {
	Filename  string              `json:"filename"`
	SizeBytes int64               `json:"size_bytes"`
	ModTime   time.Time           `json:"modified_time"`
	FileType  FileType            `json:"file_type"`
	Hash      map[HashType]string `json:"hash"`
}

func (md FileMetadata) clone() FileMetadata {
	if md.Hash != nil {
		h := make(map[HashType]string, len(md.Hash))
		for k, v := range md.Hash {
			h[k] = v
		}
		md.Hash = h
	}
	return md
}

// ReadFileMetadata stats path, sniffs its type and computes the requested
// digests in a single pass over the content.
func ReadFileMetadata(path string, hashTypes ...HashType) (*FileMetadata, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	ft, err := FileTypeFromFormat(path)
	if err != nil {
		return nil, err
	}

	md := &FileMetadata{
		Filename:  filepath.Base(path),
		SizeBytes: fi.Size(),
		ModTime:   fi.ModTime().UTC(),
		FileType:  ft,
		Hash:      make(map[HashType]string, len(hashTypes)),
	}
	if len(hashTypes) == 0 {
		return md, nil
	}

	hashers := make(map[HashType]hash.Hash, len(hashTypes))
	writers := make([]io.Writer, 0, len(hashTypes))
	for _, ht := range hashTypes {
		if _, ok := hashers[ht]; ok {
			continue
		}
		h, err := ht.new()
		if err != nil {
			return nil, err
		}
		hashers[ht] = h
		writers = append(writers, h)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(io.MultiWriter(writers...), f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", md.Filename, err)
	}
	for ht, h := range hashers {
		md.Hash[ht] = hex.EncodeToString(h.Sum(nil))
	}
	return md, nil
}
