package bucket

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source provides the manifest and bulk archives. *Bucket implements it.
type Source interface {
	FetchManifest(ctx context.Context, dest string) (int64, error)
	FetchBulkArchive(ctx context.Context, filename, dest string) (int64, error)
}

// SyncOptions configures a mirror synchronization.
type SyncOptions struct {
	// Since and Until restrict the archives to a month range (inclusive).
	Since YearMonth
	Until YearMonth

	// Limit caps the number of archives processed in this run (0 = all)
	Limit int

	// Concurrency is the number of parallel downloads (default 4)
	Concurrency int

	// Extract registers the submissions inside each archive
	Extract bool

	// DiscardArchives deletes each archive once it has been registered
	DiscardArchives bool

	// ManifestPath uses a local manifest instead of fetching one
	ManifestPath string

	// Progress callback for reporting processed archives
	Progress func(done, total int)
}

// SyncResult summarizes a synchronization.
type SyncResult struct {
	RunID             string
	ManifestTimestamp time.Time
	// New and Updated count manifest keys relative to the stored snapshot.
	New         int
	Updated     int
	Selected    int
	Archives    int
	Submissions int
	Failed      []string
}

// Syncer mirrors bulk archives from a Source into a Store.
type Syncer struct {
	store  *Store
	source Source
	log    *zap.Logger
}

// NewSyncer creates a Syncer. source may be nil when only Ingest is used.
func NewSyncer(store *Store, source Source) *Syncer {
	return &Syncer{store: store, source: source, log: store.log}
}

// Sync brings the store up to date with the current manifest. Archives
// already registered with the manifest's MD5 are skipped, so a run that
// failed part way is resumed by running it again. With Extract set, an
// archive counts as synced only once its submissions are registered. Per-archive failures do
// not stop the run; they are reported in the result and the returned error.
func (s *Syncer) Sync(ctx context.Context, opts *SyncOptions) (*SyncResult, error) {
	if opts == nil {
		opts = &SyncOptions{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	run := &SyncRun{ID: uuid.NewString(), Started: time.Now().UTC()}
	if err := s.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	res := &SyncResult{RunID: run.ID}
	log := s.log.With(zap.String("run", run.ID))

	err := s.sync(ctx, opts, res, log)

	finished := time.Now().UTC()
	run.Finished = &finished
	if !res.ManifestTimestamp.IsZero() {
		ts := res.ManifestTimestamp
		run.ManifestTimestamp = &ts
	}
	run.Selected, run.Archives, run.Submissions, run.Failures = res.Selected, res.Archives, res.Submissions, len(res.Failed)
	if err != nil {
		run.Error = err.Error()
	}
	// the run context may already be cancelled
	if serr := s.store.SaveRun(context.WithoutCancel(ctx), run); serr != nil {
		log.Warn("save run", zap.Error(serr))
	}

	log.Info("sync finished",
		zap.Int("selected", res.Selected),
		zap.Int("archives", res.Archives),
		zap.Int("submissions", res.Submissions),
		zap.Int("failed", len(res.Failed)),
		zap.Duration("elapsed", finished.Sub(run.Started)))
	return res, err
}

func (s *Syncer) sync(ctx context.Context, opts *SyncOptions, res *SyncResult, log *zap.Logger) error {
	m, err := s.currentManifest(ctx, opts.ManifestPath)
	if err != nil {
		return err
	}
	res.ManifestTimestamp = m.Timestamp

	prev, err := s.store.StoredManifest(ctx)
	switch {
	case IsNotFound(err):
		res.New = m.Len()
	case err != nil:
		return fmt.Errorf("load stored manifest: %w", err)
	default:
		newer, err := m.IsNewerThan(prev)
		if err != nil {
			return err
		}
		if newer {
			added, _ := m.NewEntries(prev)
			updated, _ := m.UpdatedEntries(prev)
			res.New, res.Updated = len(added), len(updated)
		} else if prev.Timestamp.After(m.Timestamp) {
			return fmt.Errorf("%w: manifest %s is older than stored snapshot %s",
				ErrNotNewer, m.Timestamp.Format(time.RFC3339), prev.Timestamp.Format(time.RFC3339))
		}
	}
	log.Info("manifest loaded",
		zap.Time("timestamp", m.Timestamp),
		zap.Int("archives", m.Len()),
		zap.Int("new", res.New),
		zap.Int("updated", res.Updated))

	keys, err := s.pending(ctx, m, m.Filter(m.Keys(), opts.Since, opts.Until), opts.Extract)
	if err != nil {
		return err
	}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}
	res.Selected = len(keys)

	var (
		mu       sync.Mutex
		done     int
		failures []error
	)
	g := new(errgroup.Group)
	g.SetLimit(opts.Concurrency)
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		key := key
		entry, _ := m.Entry(key)
		g.Go(func() error {
			n, err := s.syncArchive(ctx, entry, m.Timestamp, opts)

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				res.Failed = append(res.Failed, key)
				failures = append(failures, fmt.Errorf("%s: %w", key, err))
				log.Warn("archive failed", zap.String("archive", key), zap.Error(err))
			} else {
				res.Archives++
				res.Submissions += n
			}
			if opts.Progress != nil {
				opts.Progress(done, len(keys))
			}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.store.SaveManifest(ctx, m); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return errors.Join(failures...)
}

func (s *Syncer) currentManifest(ctx context.Context, path string) (*Manifest, error) {
	if path == "" {
		if s.source == nil {
			return nil, errors.New("no manifest source configured")
		}
		path = filepath.Join(s.store.ManifestDir(), ManifestFilename)
		if _, err := s.source.FetchManifest(ctx, path); err != nil {
			return nil, fmt.Errorf("fetch manifest: %w", err)
		}
	}
	return LoadManifest(path)
}

// pending returns the keys that have no valid registered archive matching
// the manifest MD5. With extract set, archives whose submissions were never
// registered are pending too.
func (s *Syncer) pending(ctx context.Context, m *Manifest, keys []string, extract bool) ([]string, error) {
	var out []string
	for _, k := range keys {
		e, _ := m.Entry(k)
		registered, err := s.store.Archives.ByFilename(ctx, k)
		if err != nil {
			return nil, err
		}
		current := false
		for _, r := range registered {
			if !r.Valid() || r.Metadata.Hash[HashMD5] != e.MD5 {
				continue
			}
			if !extract {
				current = true
				break
			}
			done, err := s.store.Archives.Extracted(ctx, r.Key)
			if err != nil {
				return nil, err
			}
			if done {
				current = true
				break
			}
		}
		if !current {
			out = append(out, k)
		}
	}
	return out, nil
}

// syncArchive downloads, verifies and registers one archive and returns the
// number of submissions registered.
func (s *Syncer) syncArchive(ctx context.Context, e ManifestEntry, manifestTS time.Time, opts *SyncOptions) (int, error) {
	if s.source == nil {
		return 0, errors.New("no archive source configured")
	}
	key := e.Key()
	dest := s.store.ArchivePath(key)

	if !s.localCopyMatches(dest, e) {
		if _, err := s.source.FetchBulkArchive(ctx, key, dest); err != nil {
			return 0, err
		}
	}

	ba, n, err := s.ingest(ctx, dest, &e, manifestTS, opts.Extract)
	if err != nil {
		return n, err
	}
	if !ba.Valid() {
		// force a fresh download next run
		os.Remove(dest)
		return n, fmt.Errorf("verification failed: %v", ba.Diagnostics)
	}
	if opts.DiscardArchives {
		if err := os.Remove(dest); err != nil {
			s.log.Warn("discard archive", zap.String("path", dest), zap.Error(err))
		}
	}
	return n, nil
}

func (s *Syncer) localCopyMatches(path string, e ManifestEntry) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.Size() != e.SizeBytes {
		return false
	}
	md, err := ReadFileMetadata(path, HashMD5)
	return err == nil && md.Hash[HashMD5] == e.MD5
}

// IngestResult reports what Ingest registered.
type IngestResult struct {
	Archive     *BulkArchiveEntry
	Submissions int
}

// Ingest registers a bulk archive that is already on disk, verifying it
// against the stored manifest snapshot when one exists. When extract is set
// and the archive is valid its submissions are registered too.
func (s *Syncer) Ingest(ctx context.Context, path string, extract bool) (*IngestResult, error) {
	var (
		me *ManifestEntry
		ts time.Time
	)
	m, err := s.store.StoredManifest(ctx)
	switch {
	case err == nil:
		if e, ok := m.Entry(filepath.Base(path)); ok {
			me, ts = &e, m.Timestamp
		}
	case !IsNotFound(err):
		return nil, err
	}

	ba, n, err := s.ingest(ctx, path, me, ts, extract)
	if err != nil {
		return nil, err
	}
	return &IngestResult{Archive: ba, Submissions: n}, nil
}

func (s *Syncer) ingest(ctx context.Context, path string, me *ManifestEntry, ts time.Time, extract bool) (*BulkArchiveEntry, int, error) {
	ba, err := NewBulkArchiveEntry(path, me, ts)
	if err != nil {
		return nil, 0, err
	}
	switch err := s.store.Archives.Add(ctx, ba); {
	case errors.Is(err, ErrExists):
		s.log.Debug("bulk archive already registered", zap.String("key", ba.Key))
	case err != nil:
		return ba, 0, fmt.Errorf("register bulk archive: %w", err)
	}
	if !ba.Valid() || !extract {
		return ba, 0, nil
	}
	n, err := s.registerSubmissions(ctx, path, ba.Key)
	if err != nil {
		return ba, n, err
	}
	if err := s.store.Archives.MarkExtracted(ctx, ba.Key); err != nil {
		return ba, n, fmt.Errorf("mark extracted: %w", err)
	}
	return ba, n, nil
}

// registerSubmissions extracts the archive into a scratch directory,
// registers every submission, then moves the files into the store.
func (s *Syncer) registerSubmissions(ctx context.Context, archivePath, archiveKey string) (int, error) {
	dir := s.store.SubmissionDir(archivePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	scratch, err := os.MkdirTemp(dir, ".extract-*")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(scratch)

	files, err := ExtractArchive(archivePath, scratch)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return registered, err
		}
		se, err := NewSubmissionEntry(f, archiveKey)
		if err != nil {
			return registered, err
		}
		switch err := s.store.Submissions.Add(ctx, se); {
		case errors.Is(err, ErrExists):
		case err != nil:
			return registered, fmt.Errorf("register %s: %w", filepath.Base(f), err)
		default:
			registered++
		}
		if !se.Valid() {
			s.log.Warn("submission has diagnostics",
				zap.String("file", filepath.Base(f)),
				zap.Strings("diagnostics", se.Diagnostics))
		}
		if err := os.Rename(f, filepath.Join(dir, filepath.Base(f))); err != nil {
			return registered, err
		}
	}
	s.log.Info("submissions registered",
		zap.String("archive", filepath.Base(archivePath)),
		zap.Int("files", len(files)),
		zap.Int("registered", registered))
	return registered, nil
}
