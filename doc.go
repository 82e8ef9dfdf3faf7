// Package bucket maintains a local, verified mirror of the arXiv bulk source
// archives published in the requester-pays S3 bucket s3://arxiv/src/.
//
// This package implements:
//   - Parsing and diffing of arXiv_src_manifest.xml
//   - Filename patterns for bulk archives and submissions
//   - File type detection by extension and content
//   - Safe inspection and extraction of tar and gzip archives
//   - SQLite registries of bulk archives and submissions, keyed by SHA256
//   - Incremental sync from S3 with bounded concurrency
//
// The full source mirror is large: a few thousand bulk archives of up to
// 500MB each, several TB in total. Downloads are billed to the requester.
//
// Basic usage:
//
//	store, err := bucket.Open("/path/to/mirror")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	b, err := bucket.NewBucket(ctx, bucket.BucketOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Mirror everything from 2023 on
//	res, err := bucket.NewSyncer(store, b).Sync(ctx, &bucket.SyncOptions{
//		Since:   bucket.YearMonth{Year: 2023, Month: 1},
//		Extract: true,
//	})
package bucket
