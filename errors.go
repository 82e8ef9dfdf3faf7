package bucket

import "errors"

var (
	ErrNotFound             = errors.New("bucket: not found")
	ErrExists               = errors.New("bucket: entry already registered")
	ErrInvalidFilename      = errors.New("bucket: invalid filename")
	ErrInvalidManifest      = errors.New("bucket: invalid manifest")
	ErrInconsistentEntry    = errors.New("bucket: inconsistent manifest entry")
	ErrDuplicateEntry       = errors.New("bucket: duplicate manifest entry")
	ErrInconsistentManifest = errors.New("bucket: inconsistent manifest metadata")
	ErrNotNewer             = errors.New("bucket: reference manifest must be older than the current manifest")
	ErrUnsafeArchive        = errors.New("bucket: archive cannot be extracted safely")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
