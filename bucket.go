package bucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const (
	// SourceBucket is the requester-pays bucket holding the arXiv sources.
	SourceBucket = "arxiv"
	// SourcePrefix is the key prefix of manifest and bulk archives.
	SourcePrefix = "src/"
	// DefaultRegion is where the arXiv bucket lives.
	DefaultRegion = "us-east-1"
)

// ObjectGetter fetches a single object from S3. *s3.Client implements it.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Bucket downloads the manifest and bulk archives from the arXiv S3 bucket.
// Transfer costs are billed to the caller's AWS account.
type Bucket struct {
	client  ObjectGetter
	name    string
	timeout time.Duration
	log     *zap.Logger
}

// BucketOptions configures NewBucket.
type BucketOptions struct {
	// Region defaults to DefaultRegion.
	Region string
	// Endpoint overrides the S3 endpoint (for mirrors or local testing).
	Endpoint string
	// Timeout bounds a single object download (default 30m).
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewBucket creates a Bucket using the default AWS credential chain.
func NewBucket(ctx context.Context, opts BucketOptions) (*Bucket, error) {
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewBucketWithClient(client, opts), nil
}

// NewBucketWithClient creates a Bucket around an existing client.
func NewBucketWithClient(client ObjectGetter, opts BucketOptions) *Bucket {
	b := &Bucket{client: client, name: SourceBucket, timeout: opts.Timeout, log: opts.Logger}
	if b.timeout <= 0 {
		b.timeout = 30 * time.Minute
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	return b
}

// FetchManifest downloads arXiv_src_manifest.xml to dest.
func (b *Bucket) FetchManifest(ctx context.Context, dest string) (int64, error) {
	return b.fetch(ctx, SourcePrefix+ManifestFilename, dest)
}

// FetchBulkArchive downloads the bulk archive filename to dest. filename must
// be a bare base name such as arXiv_src_2301_001.tar.
func (b *Bucket) FetchBulkArchive(ctx context.Context, filename, dest string) (int64, error) {
	if filename != filepath.Base(filename) {
		return 0, fmt.Errorf("%w: filename %q should be identical to the basename %q", ErrInvalidFilename, filename, filepath.Base(filename))
	}
	if !IsBulkArchiveFilename(filename) {
		return 0, fmt.Errorf("%w: Invalid bulk archive filename %q", ErrInvalidFilename, filename)
	}
	return b.fetch(ctx, SourcePrefix+filename, dest)
}

// fetch streams an object into a temporary file next to dest and renames it
// into place once complete.
func (b *Bucket) fetch(ctx context.Context, key, dest string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:       aws.String(b.name),
		Key:          aws.String(key),
		RequestPayer: types.RequestPayerRequester,
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return 0, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, b.name, key)
		}
		return 0, fmt.Errorf("get s3://%s/%s: %w", b.name, key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && out.ContentLength != nil && *out.ContentLength >= 0 && n != *out.ContentLength {
		err = fmt.Errorf("short read: got %d of %d bytes", n, *out.ContentLength)
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("download s3://%s/%s: %w", b.name, key, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	b.log.Info("object downloaded",
		zap.String("key", key),
		zap.String("dest", dest),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)))
	return n, nil
}
