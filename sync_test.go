package bucket

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeSource serves a manifest and bulk archives from memory.
type fakeSource struct {
	mu       sync.Mutex
	manifest []byte
	archives map[string][]byte
	fail     map[string]error
	fetched  map[string]int
	// onFetch runs before every archive download
	onFetch func(name string)
}

func (f *fakeSource) FetchManifest(ctx context.Context, dest string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.manifest)), writeDest(dest, f.manifest)
}

func (f *fakeSource) FetchBulkArchive(ctx context.Context, name, dest string) (int64, error) {
	if f.onFetch != nil {
		f.onFetch(name)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[name]; err != nil {
		return 0, err
	}
	data, ok := f.archives[name]
	if !ok {
		return 0, ErrNotFound
	}
	f.fetched[name]++
	return int64(len(data)), writeDest(dest, data)
}

func (f *fakeSource) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched[name]
}

func writeDest(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0644)
}

// monthArchive is a bulk archive whose submissions differ between months.
func monthArchive(t *testing.T, yymm string) []byte {
	t.Helper()
	tex := gzipBytes(t, "main.tex", []byte(texSource+"% "+yymm+"\n"))
	return tarBytes(t,
		tarEntry{Name: yymm + "/", Typeflag: tar.TypeDir},
		tarEntry{Name: yymm + "/" + yymm + ".00001.gz", Body: string(tex)},
		tarEntry{Name: yymm + "/" + yymm + ".00002.pdf", Body: pdfSource + "% " + yymm + "\n"},
	)
}

// newFakeSource serves one archive per month under a manifest stamped ts.
func newFakeSource(t *testing.T, ts string, months ...string) *fakeSource {
	t.Helper()
	src := &fakeSource{archives: map[string][]byte{}, fail: map[string]error{}, fetched: map[string]int{}}
	var files []string
	for _, yymm := range months {
		data := monthArchive(t, yymm)
		src.archives["arXiv_src_"+yymm+"_001.tar"] = data
		files = append(files, manifestFile(yymm, 1, int64(len(data)), md5Hex(data), 2))
	}
	src.manifest = []byte(manifestXML(ts, files...))
	return src
}

func newTestSyncer(t *testing.T, src Source) (*Syncer, *Store) {
	t.Helper()
	// registered first so it runs after the store is closed
	t.Cleanup(func() { goleak.VerifyNone(t) })
	s := openTestStore(t)
	return NewSyncer(s, src), s
}

func TestSyncRegistersArchivesAndSubmissions(t *testing.T) {
	src := newFakeSource(t, manifestTS, "2301", "2302")
	syncer, store := newTestSyncer(t, src)
	ctx := context.Background()

	var progress [][2]int
	res, err := syncer.Sync(ctx, &SyncOptions{
		Extract:  true,
		Progress: func(done, total int) { progress = append(progress, [2]int{done, total}) },
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, time.Date(2025, 4, 7, 8, 58, 3, 0, time.UTC), res.ManifestTimestamp)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 2, res.Selected)
	assert.Equal(t, 2, res.Archives)
	assert.Equal(t, 4, res.Submissions)
	assert.Empty(t, res.Failed)
	assert.Equal(t, [][2]int{{1, 2}, {2, 2}}, progress)

	n, err := store.Archives.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = store.Submissions.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	assert.FileExists(t, store.ArchivePath("arXiv_src_2301_001.tar"))
	assert.FileExists(t, filepath.Join(store.SubmissionDir("arXiv_src_2301_001.tar"), "2301.00001.gz"))
	assert.FileExists(t, filepath.Join(store.SubmissionDir("arXiv_src_2302_001.tar"), "2302.00002.pdf"))
	assert.FileExists(t, filepath.Join(store.ManifestDir(), ManifestFilename))

	tex, err := store.Submissions.ByArxivID(ctx, "2301.00001")
	require.NoError(t, err)
	require.Len(t, tex, 1)
	assert.Equal(t, SubmissionTeX, tex[0].SubmissionType)

	m, err := store.StoredManifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	runs, err := store.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, 2, runs[0].Archives)
	assert.Equal(t, 4, runs[0].Submissions)
	assert.NotNil(t, runs[0].Finished)
	assert.Empty(t, runs[0].Error)

	t.Run("second run is a no-op", func(t *testing.T) {
		res, err := syncer.Sync(ctx, &SyncOptions{Extract: true})
		require.NoError(t, err)
		assert.Zero(t, res.New)
		assert.Zero(t, res.Selected)
		assert.Zero(t, res.Archives)
		assert.Equal(t, 1, src.count("arXiv_src_2301_001.tar"))
		assert.Equal(t, 1, src.count("arXiv_src_2302_001.tar"))
	})
}

func TestSyncResumesAfterFailure(t *testing.T) {
	src := newFakeSource(t, manifestTS, "2301", "2302")
	src.fail["arXiv_src_2302_001.tar"] = errors.New("connection reset")
	syncer, store := newTestSyncer(t, src)
	ctx := context.Background()

	res, err := syncer.Sync(ctx, nil)
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, []string{"arXiv_src_2302_001.tar"}, res.Failed)
	assert.Equal(t, 1, res.Archives)

	// the snapshot is saved even when some archives failed
	_, err = store.StoredManifest(ctx)
	require.NoError(t, err)

	delete(src.fail, "arXiv_src_2302_001.tar")
	res, err = syncer.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Selected)
	assert.Equal(t, 1, res.Archives)
	assert.Equal(t, 1, src.count("arXiv_src_2301_001.tar"))
	assert.Equal(t, 1, src.count("arXiv_src_2302_001.tar"))

	runs, err := store.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Empty(t, runs[0].Error)
	assert.Equal(t, 1, runs[1].Failures)
	assert.Contains(t, runs[1].Error, "connection reset")
}

func TestSyncResumesExtraction(t *testing.T) {
	ctx := context.Background()

	t.Run("failure after registration", func(t *testing.T) {
		src := newFakeSource(t, manifestTS, "2301")
		syncer, store := newTestSyncer(t, src)

		// a plain file where the submission directory belongs
		blocker := store.SubmissionDir("arXiv_src_2301_001.tar")
		writeFile(t, blocker, []byte("in the way"))

		res, err := syncer.Sync(ctx, &SyncOptions{Extract: true})
		assert.Error(t, err)
		assert.Equal(t, []string{"arXiv_src_2301_001.tar"}, res.Failed)

		entries, err := store.Archives.ByFilename(ctx, "arXiv_src_2301_001.tar")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].Valid())

		require.NoError(t, os.Remove(blocker))
		res, err = syncer.Sync(ctx, &SyncOptions{Extract: true})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Selected)
		assert.Equal(t, 2, res.Submissions)
		// the local copy is reused
		assert.Equal(t, 1, src.count("arXiv_src_2301_001.tar"))

		n, err := store.Submissions.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		done, err := store.Archives.Extracted(ctx, entries[0].Key)
		require.NoError(t, err)
		assert.True(t, done)

		res, err = syncer.Sync(ctx, &SyncOptions{Extract: true})
		require.NoError(t, err)
		assert.Zero(t, res.Selected)
	})

	t.Run("extract after plain sync", func(t *testing.T) {
		src := newFakeSource(t, manifestTS, "2301", "2302")
		syncer, store := newTestSyncer(t, src)

		res, err := syncer.Sync(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Archives)
		assert.Zero(t, res.Submissions)

		// plain runs do not care about extraction
		res, err = syncer.Sync(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, res.Selected)

		res, err = syncer.Sync(ctx, &SyncOptions{Extract: true})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Selected)
		assert.Equal(t, 4, res.Submissions)
		assert.Equal(t, 1, src.count("arXiv_src_2301_001.tar"))
		assert.Equal(t, 1, src.count("arXiv_src_2302_001.tar"))

		n, err := store.Submissions.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		res, err = syncer.Sync(ctx, &SyncOptions{Extract: true})
		require.NoError(t, err)
		assert.Zero(t, res.Selected)
	})

	t.Run("discarded archive is fetched again", func(t *testing.T) {
		src := newFakeSource(t, manifestTS, "2301")
		syncer, _ := newTestSyncer(t, src)

		_, err := syncer.Sync(ctx, &SyncOptions{DiscardArchives: true})
		require.NoError(t, err)

		res, err := syncer.Sync(ctx, &SyncOptions{Extract: true})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Submissions)
		assert.Equal(t, 2, src.count("arXiv_src_2301_001.tar"))
	})
}

func TestSyncChecksumMismatch(t *testing.T) {
	src := newFakeSource(t, manifestTS, "2301")
	data := src.archives["arXiv_src_2301_001.tar"]
	src.manifest = []byte(manifestXML(manifestTS, manifestFile("2301", 1, int64(len(data)), "0123456789abcdef0123456789abcdef", 2)))
	syncer, store := newTestSyncer(t, src)
	ctx := context.Background()

	res, err := syncer.Sync(ctx, &SyncOptions{Extract: true})
	assert.ErrorContains(t, err, "verification failed")
	assert.Equal(t, []string{"arXiv_src_2301_001.tar"}, res.Failed)
	assert.Zero(t, res.Submissions)
	assert.NoFileExists(t, store.ArchivePath("arXiv_src_2301_001.tar"))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.BulkArchives)
	assert.Equal(t, int64(1), stats.InvalidBulkArchives)
	assert.Zero(t, stats.Submissions)

	// an invalid registration does not count as synced
	_, err = syncer.Sync(ctx, nil)
	assert.Error(t, err)
	assert.Equal(t, 2, src.count("arXiv_src_2301_001.tar"))
}

func TestSyncSelection(t *testing.T) {
	months := []string{"2212", "2301", "2302", "2303"}
	ctx := context.Background()

	t.Run("month range", func(t *testing.T) {
		syncer, store := newTestSyncer(t, newFakeSource(t, manifestTS, months...))
		res, err := syncer.Sync(ctx, &SyncOptions{Since: YearMonth{2023, 1}, Until: YearMonth{2023, 2}})
		require.NoError(t, err)
		assert.Equal(t, 4, res.New)
		assert.Equal(t, 2, res.Selected)

		keys := archiveFilenames(t, store)
		assert.ElementsMatch(t, []string{"arXiv_src_2301_001.tar", "arXiv_src_2302_001.tar"}, keys)
	})

	t.Run("limit", func(t *testing.T) {
		syncer, store := newTestSyncer(t, newFakeSource(t, manifestTS, months...))
		res, err := syncer.Sync(ctx, &SyncOptions{Limit: 1, Concurrency: 1})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Selected)
		assert.Equal(t, []string{"arXiv_src_2212_001.tar"}, archiveFilenames(t, store))

		res, err = syncer.Sync(ctx, &SyncOptions{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Selected)
		assert.Len(t, archiveFilenames(t, store), 3)
	})

	t.Run("discard archives", func(t *testing.T) {
		syncer, store := newTestSyncer(t, newFakeSource(t, manifestTS, "2301"))
		res, err := syncer.Sync(ctx, &SyncOptions{Extract: true, DiscardArchives: true})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Submissions)
		assert.NoFileExists(t, store.ArchivePath("arXiv_src_2301_001.tar"))
		assert.Equal(t, []string{"arXiv_src_2301_001.tar"}, archiveFilenames(t, store))
	})
}

func archiveFilenames(t *testing.T, s *Store) []string {
	t.Helper()
	entries, err := s.Archives.List(context.Background(), 0)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Metadata.Filename)
	}
	return names
}

func TestSyncManifestOrdering(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource(t, manifestTS, "2301", "2302")
	syncer, store := newTestSyncer(t, src)
	ctx := context.Background()

	older := writeFile(t, filepath.Join(dir, "older.xml"), []byte(manifestXML("Mon Jan  2 10:00:00 2023",
		manifestFile("2301", 1, int64(len(src.archives["arXiv_src_2301_001.tar"])), md5Hex(src.archives["arXiv_src_2301_001.tar"]), 2),
	)))

	res, err := syncer.Sync(ctx, &SyncOptions{ManifestPath: older})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archives)

	res, err = syncer.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Zero(t, res.Updated)
	assert.Equal(t, 1, res.Selected)

	_, err = syncer.Sync(ctx, &SyncOptions{ManifestPath: older})
	assert.ErrorIs(t, err, ErrNotNewer)

	runs, err := store.Runs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Error, "older than stored snapshot")
}

func TestSyncCancelled(t *testing.T) {
	src := newFakeSource(t, manifestTS, "2301", "2302", "2303")
	syncer, store := newTestSyncer(t, src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onFetch = func(string) { cancel() }

	res, err := syncer.Sync(ctx, &SyncOptions{Concurrency: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Archives)

	// an interrupted run leaves no snapshot so the next run starts over
	_, err = store.StoredManifest(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	runs, err := store.Runs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NotNil(t, runs[0].Finished)
	assert.Contains(t, runs[0].Error, "context canceled")
}

func TestSyncWithoutSource(t *testing.T) {
	syncer, _ := newTestSyncer(t, nil)
	_, err := syncer.Sync(context.Background(), nil)
	assert.ErrorContains(t, err, "no manifest source")
}

func TestIngest(t *testing.T) {
	syncer, store := newTestSyncer(t, nil)
	ctx := context.Background()
	data := monthArchive(t, "2301")
	path := writeFile(t, filepath.Join(t.TempDir(), "arXiv_src_2301_001.tar"), data)

	res, err := syncer.Ingest(ctx, path, true)
	require.NoError(t, err)
	assert.True(t, res.Archive.Valid())
	assert.True(t, res.Archive.ManifestTimestamp.IsZero())
	assert.Equal(t, 2, res.Submissions)
	assert.FileExists(t, filepath.Join(store.SubmissionDir(path), "2301.00001.gz"))

	// already registered
	done, err := store.Archives.Extracted(ctx, res.Archive.Key)
	require.NoError(t, err)
	assert.True(t, done)

	res, err = syncer.Ingest(ctx, path, true)
	require.NoError(t, err)
	assert.Zero(t, res.Submissions)
	n, err := store.Submissions.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestIngestVerifiesAgainstStoredManifest(t *testing.T) {
	syncer, store := newTestSyncer(t, nil)
	ctx := context.Background()
	data := monthArchive(t, "2302")
	path := writeFile(t, filepath.Join(t.TempDir(), "arXiv_src_2302_001.tar"), data)

	m := mustParseManifest(t, manifestXML(manifestTS, manifestFile("2302", 1, int64(len(data)), "ffff", 2)))
	require.NoError(t, store.SaveManifest(ctx, m))

	res, err := syncer.Ingest(ctx, path, true)
	require.NoError(t, err)
	assert.False(t, res.Archive.Valid())
	assert.True(t, m.Timestamp.Equal(res.Archive.ManifestTimestamp))
	assert.Equal(t, []string{"MD5 " + md5Hex(data) + " does not match manifest MD5 ffff"}, res.Archive.Diagnostics)
	assert.Zero(t, res.Submissions)

	_, err = syncer.Ingest(ctx, filepath.Join(t.TempDir(), "arXiv_src_2302_002.tar"), false)
	assert.ErrorIs(t, err, ErrNotFound)
}
