package bucket

import (
	"fmt"
	"time"
)

// BulkArchiveEntry is a registry entry for one bulk archive file. Key is the
// SHA256 of the tar. Hashes of the contained submissions live in the
// submission registry, not here.
type BulkArchiveEntry struct {
	Key      string       `json:"key"`
	Metadata FileMetadata `json:"metadata"`
	Origin   Origin       `json:"origin"`
	// ManifestTimestamp is the timestamp of the manifest the archive was
	// verified against, zero when none was available.
	ManifestTimestamp time.Time `json:"manifest_timestamp,omitempty"`
	Diagnostics       []string  `json:"diagnostics,omitempty"`
}

// Valid reports whether the entry carries no diagnostics.
func (e *BulkArchiveEntry) Valid() bool { return len(e.Diagnostics) == 0 }

// NewBulkArchiveEntry builds the registry entry for a bulk archive file. When
// me is non-nil the file size and MD5 are verified against the manifest.
func NewBulkArchiveEntry(path string, me *ManifestEntry, manifestTS time.Time) (*BulkArchiveEntry, error) {
	if !isRegularFile(path) {
		return nil, fmt.Errorf("%w: file %q", ErrNotFound, path)
	}

	problems := CheckBulkArchive(path)
	md, err := ReadFileMetadata(path, HashMD5, HashSHA256)
	if err != nil {
		return nil, err
	}

	e := &BulkArchiveEntry{
		Key:      md.Hash[HashSHA256],
		Metadata: *md,
	}
	if uri, err := BulkArchiveURI(path); err == nil {
		e.Origin.URI = uri
	}

	if me != nil {
		e.ManifestTimestamp = manifestTS
		problems = append(problems, verifyAgainstManifest(md, me)...)
	}
	e.Diagnostics = problems
	return e, nil
}

func verifyAgainstManifest(md *FileMetadata, me *ManifestEntry) []string {
	var problems []string
	if md.Filename != me.Key() {
		problems = append(problems, fmt.Sprintf("Filename %s does not match manifest entry %s", md.Filename, me.Key()))
	}
	if md.SizeBytes != me.SizeBytes {
		problems = append(problems, fmt.Sprintf("Size %d does not match manifest size %d", md.SizeBytes, me.SizeBytes))
	}
	if got := md.Hash[HashMD5]; got != me.MD5 {
		problems = append(problems, fmt.Sprintf("MD5 %s does not match manifest MD5 %s", got, me.MD5))
	}
	return problems
}
