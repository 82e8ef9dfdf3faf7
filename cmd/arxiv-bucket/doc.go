/*
arxiv-bucket mirrors the arXiv bulk source archives from the requester-pays
S3 bucket s3://arxiv/src/ and keeps registries of the archives and the
submissions they contain.

# Usage

	arxiv-bucket <command> [flags]

# Commands

	config init      Write the default config.yaml
	config show      Print the effective configuration
	manifest fetch   Download arXiv_src_manifest.xml
	manifest info    Summarize a manifest (-months for per-month totals)
	manifest diff    List archives added or changed between two manifests
	fetch            Download bulk archives without registering them
	check            Check bulk archives or submission files
	ingest           Register local bulk archives
	sync             Download and register new or changed archives
	runs             Show recent sync runs
	stats            Show mirror statistics
	list             List archive or submission registry entries
	export           Write a registry as JSON lines
	import           Add entries from a JSON lines export

# Environment

	ARXIV_BUCKET_ROOT      Mirror directory (default: ~/.cache/arxiv-bucket)
	ARXIV_BUCKET_ENDPOINT  S3 endpoint override
	AWS_*                  Standard AWS SDK credentials and profile settings

# Configuration

Settings are read from <root>/config.yaml (or --config) when present.
"arxiv-bucket config init" writes the defaults:

	driver: sqlite          # or sqlite3 (cgo)
	lru_size: 50000
	s3:
	  region: us-east-1
	  endpoint: ""
	  timeout: 30m
	sync:
	  concurrency: 4
	  extract: false
	  discard_archives: false

# Syncing

A sync fetches the manifest, compares it with the stored snapshot and
downloads every archive not yet registered with the manifest's MD5:

	arxiv-bucket sync --since 2023-01             # Everything from January 2023
	arxiv-bucket sync --since 2301 --until 2303   # One quarter
	arxiv-bucket sync --limit 5 --extract         # Five archives, with submissions

Each archive is checked against the manifest size and MD5, its entries
are checked for unsafe paths, and it is registered under its SHA256.
Archives that fail verification are recorded with their problems and
downloaded again on the next run.

# Layout

	<root>/index.db                      SQLite registries
	<root>/manifests/                    Fetched manifests
	<root>/archives/<yymm>/              Bulk archives
	<root>/submissions/<yymm>/           Extracted submissions
*/
package main
