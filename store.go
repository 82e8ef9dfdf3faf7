package bucket

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

const (
	// DriverPureGo selects modernc.org/sqlite.
	DriverPureGo = "sqlite"
	// DriverCGo selects github.com/mattn/go-sqlite3.
	DriverCGo = "sqlite3"
)

const stateManifestTimestamp = "manifest_timestamp"

// Store manages the on-disk mirror: downloaded archives, extracted
// submissions, and the SQLite index holding both registries.
type Store struct {
	root string
	db   *gorm.DB
	log  *zap.Logger

	// Archives registers bulk archive files.
	Archives *BulkArchiveRegistry
	// Submissions registers the submissions extracted from them.
	Submissions *SubmissionRegistry
}

type storeOptions struct {
	logger  *zap.Logger
	driver  string
	lruSize int
}

// Option configures Open.
type Option func(*storeOptions)

// WithLogger sets the logger used by the store and its registries.
func WithLogger(l *zap.Logger) Option {
	return func(o *storeOptions) { o.logger = l }
}

// WithDriver selects the database/sql driver name, DriverPureGo or DriverCGo.
func WithDriver(name string) Option {
	return func(o *storeOptions) { o.driver = name }
}

// WithLRUSize sets how many submission entries are kept in memory.
func WithLRUSize(n int) Option {
	return func(o *storeOptions) { o.lruSize = n }
}

// Open opens or creates a store rooted at root.
func Open(root string, opts ...Option) (*Store, error) {
	o := storeOptions{logger: zap.NewNop(), driver: DriverPureGo}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	for _, dir := range []string{"archives", "submissions", "manifests"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}

	dsn := filepath.Join(root, "index.db")
	switch o.driver {
	case DriverPureGo:
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	case DriverCGo:
		dsn += "?_foreign_keys=1&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("unknown sql driver %q", o.driver)
	}
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: o.driver,
		DSN:        dsn,
	}, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; serialize instead of failing with SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	s := &Store{root: root, db: db, log: o.logger}
	s.Archives = &BulkArchiveRegistry{t: table[BulkArchiveRecord]{db: db}, log: o.logger}
	s.Submissions = &SubmissionRegistry{
		t:     table[SubmissionRecord]{db: db},
		log:   o.logger,
		cache: NewLRUCache[string, *SubmissionEntry](o.lruSize),
	}

	if err := s.initSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	o.logger.Debug("store opened", zap.String("root", root), zap.String("driver", o.driver))
	return s, nil
}

// Close closes the store database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) initSchema() error {
	return s.db.AutoMigrate(&BulkArchiveRecord{}, &SubmissionRecord{}, &ManifestRecord{}, &SyncState{}, &SyncRun{})
}

// ArchivePath returns where a bulk archive is kept, grouped by month:
// arXiv_src_2301_001.tar -> archives/2301/arXiv_src_2301_001.tar.
func (s *Store) ArchivePath(name string) string {
	base := filepath.Base(name)
	if p, ok := ParseBulkArchiveFilename(base); ok {
		return filepath.Join(s.root, "archives", p.YY+p.MM, base)
	}
	return filepath.Join(s.root, "archives", base)
}

// SubmissionDir returns the directory extracted submissions of an archive
// are written to.
func (s *Store) SubmissionDir(archiveName string) string {
	base := filepath.Base(archiveName)
	if p, ok := ParseBulkArchiveFilename(base); ok {
		return filepath.Join(s.root, "submissions", p.YY+p.MM)
	}
	return filepath.Join(s.root, "submissions", "other")
}

// ManifestDir is where fetched manifests are kept.
func (s *Store) ManifestDir() string {
	return filepath.Join(s.root, "manifests")
}

// State returns a sync state value, ErrNotFound if unset.
func (s *Store) State(ctx context.Context, key string) (string, error) {
	var st SyncState
	err := s.db.WithContext(ctx).First(&st, "name = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: state %q", ErrNotFound, key)
	}
	return st.Value, err
}

// SetState stores a sync state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Save(&SyncState{Key: key, Value: value}).Error
}

// SaveManifest replaces the stored manifest snapshot with m.
func (s *Store) SaveManifest(ctx context.Context, m *Manifest) error {
	records := make([]ManifestRecord, 0, m.Len())
	for _, e := range m.Entries() {
		records = append(records, manifestRecord(e))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&ManifestRecord{}).Error; err != nil {
			return err
		}
		if len(records) > 0 {
			if err := tx.CreateInBatches(records, 500).Error; err != nil {
				return err
			}
		}
		return tx.Save(&SyncState{Key: stateManifestTimestamp, Value: m.Timestamp.UTC().Format(time.RFC3339)}).Error
	})
}

// StoredManifest returns the last saved manifest snapshot, ErrNotFound if
// none was saved.
func (s *Store) StoredManifest(ctx context.Context) (*Manifest, error) {
	v, err := s.State(ctx, stateManifestTimestamp)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("stored manifest timestamp: %w", err)
	}

	var records []ManifestRecord
	if err := s.db.WithContext(ctx).Order("name").Find(&records).Error; err != nil {
		return nil, err
	}
	entries := make([]ManifestEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, r.entry())
	}
	return NewManifest(ts, entries)
}

// SaveRun creates or updates a sync run record.
func (s *Store) SaveRun(ctx context.Context, run *SyncRun) error {
	return s.db.WithContext(ctx).Save(run).Error
}

// Runs returns the most recent sync runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []SyncRun
	err := s.db.WithContext(ctx).Order("started DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// Stats returns store statistics.
func (s *Store) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}
	db := s.db.WithContext(ctx)

	if err := db.Model(&BulkArchiveRecord{}).Count(&stats.BulkArchives).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&BulkArchiveRecord{}).Where("valid = ?", false).Count(&stats.InvalidBulkArchives).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&SubmissionRecord{}).Count(&stats.Submissions).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&SubmissionRecord{}).Where("valid = ?", false).Count(&stats.InvalidSubmissions).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&BulkArchiveRecord{}).Select("COALESCE(SUM(size_bytes), 0)").Scan(&stats.ArchiveBytes).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&ManifestRecord{}).Count(&stats.ManifestArchives).Error; err != nil {
		return nil, err
	}

	if v, err := s.State(ctx, stateManifestTimestamp); err == nil {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			stats.ManifestTimestamp = ts
		}
	}

	var byType []struct {
		SubmissionType string
		N              int64
	}
	if err := db.Model(&SubmissionRecord{}).Select("submission_type, COUNT(*) AS n").Group("submission_type").Scan(&byType).Error; err != nil {
		return nil, err
	}
	stats.SubmissionsByType = make(map[SubmissionType]int64, len(byType))
	for _, row := range byType {
		stats.SubmissionsByType[SubmissionType(row.SubmissionType)] = row.N
	}
	return stats, nil
}

// StoreStats contains statistics about the store.
type StoreStats struct {
	BulkArchives        int64
	InvalidBulkArchives int64
	ArchiveBytes        int64
	Submissions         int64
	InvalidSubmissions  int64
	SubmissionsByType   map[SubmissionType]int64
	ManifestArchives    int64
	ManifestTimestamp   time.Time
}
