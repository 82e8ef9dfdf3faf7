package bucket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// table implements the key-value operations shared by both registries on
// top of a gorm model whose primary key column is sha256.
type table[R any] struct {
	db *gorm.DB
}

func (t table[R]) create(ctx context.Context, key string, r *R) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(new(R)).Where("sha256 = ?", key).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrExists, key)
		}
		return tx.Create(r).Error
	})
}

func (t table[R]) get(ctx context.Context, key string) (*R, error) {
	r := new(R)
	err := t.db.WithContext(ctx).First(r, "sha256 = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (t table[R]) has(ctx context.Context, key string) (bool, error) {
	var n int64
	err := t.db.WithContext(ctx).Model(new(R)).Where("sha256 = ?", key).Count(&n).Error
	return n > 0, err
}

func (t table[R]) delete(ctx context.Context, key string) error {
	res := t.db.WithContext(ctx).Where("sha256 = ?", key).Delete(new(R))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

func (t table[R]) clear(ctx context.Context) error {
	return t.db.WithContext(ctx).Where("1 = 1").Delete(new(R)).Error
}

func (t table[R]) keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := t.db.WithContext(ctx).Model(new(R)).Order("sha256").Pluck("sha256", &keys).Error
	return keys, err
}

func (t table[R]) count(ctx context.Context) (int64, error) {
	var n int64
	err := t.db.WithContext(ctx).Model(new(R)).Count(&n).Error
	return n, err
}

func (t table[R]) find(ctx context.Context, limit int, query string, args ...any) ([]R, error) {
	q := t.db.WithContext(ctx).Order("registered DESC, sha256")
	if query != "" {
		q = q.Where(query, args...)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []R
	err := q.Find(&rows).Error
	return rows, err
}

// exportJSONLines writes one JSON document per entry.
func exportJSONLines[E any](w io.Writer, entries []E) error {
	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(entries[i]); err != nil {
			return err
		}
	}
	return nil
}

// importJSONLines decodes JSON documents from r and passes each to add.
// Entries that are already registered are skipped.
func importJSONLines[E any](r io.Reader, add func(*E) error) (added, skipped int, err error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	for {
		e := new(E)
		if err := dec.Decode(e); err == io.EOF {
			return added, skipped, nil
		} else if err != nil {
			return added, skipped, fmt.Errorf("decode entry %d: %w", added+skipped+1, err)
		}
		switch err := add(e); {
		case errors.Is(err, ErrExists):
			skipped++
		case err != nil:
			return added, skipped, err
		default:
			added++
		}
	}
}

// BulkArchiveRegistry tracks registered bulk archive files keyed by SHA256.
type BulkArchiveRegistry struct {
	t   table[BulkArchiveRecord]
	log *zap.Logger
}

func bulkArchiveRecord(e *BulkArchiveEntry) (*BulkArchiveRecord, error) {
	if e.Key == "" {
		return nil, errors.New("bulk archive entry has no key")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	r := &BulkArchiveRecord{
		Key:        e.Key,
		Filename:   e.Metadata.Filename,
		SizeBytes:  e.Metadata.SizeBytes,
		MD5:        e.Metadata.Hash[HashMD5],
		URI:        e.Origin.URI,
		Valid:      e.Valid(),
		Entry:      string(data),
		Registered: time.Now().UTC(),
	}
	if !e.ManifestTimestamp.IsZero() {
		ts := e.ManifestTimestamp
		r.ManifestTimestamp = &ts
	}
	return r, nil
}

func (r *BulkArchiveRecord) entry() (*BulkArchiveEntry, error) {
	var e BulkArchiveEntry
	if err := json.Unmarshal([]byte(r.Entry), &e); err != nil {
		return nil, fmt.Errorf("decode bulk archive %s: %w", r.Key, err)
	}
	return &e, nil
}

// Add registers e. It fails with ErrExists if the key is already present.
func (g *BulkArchiveRegistry) Add(ctx context.Context, e *BulkArchiveEntry) error {
	r, err := bulkArchiveRecord(e)
	if err != nil {
		return err
	}
	if err := g.t.create(ctx, e.Key, r); err != nil {
		return err
	}
	g.log.Debug("bulk archive registered", zap.String("key", e.Key), zap.String("filename", r.Filename), zap.Bool("valid", r.Valid))
	return nil
}

// Get returns the entry for key.
func (g *BulkArchiveRegistry) Get(ctx context.Context, key string) (*BulkArchiveEntry, error) {
	r, err := g.t.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return r.entry()
}

// Has reports whether key is registered.
func (g *BulkArchiveRegistry) Has(ctx context.Context, key string) (bool, error) {
	return g.t.has(ctx, key)
}

// Delete removes key, ErrNotFound if it is not registered.
func (g *BulkArchiveRegistry) Delete(ctx context.Context, key string) error {
	return g.t.delete(ctx, key)
}

// Clear removes every entry.
func (g *BulkArchiveRegistry) Clear(ctx context.Context) error {
	return g.t.clear(ctx)
}

// Keys returns all registered keys in sorted order.
func (g *BulkArchiveRegistry) Keys(ctx context.Context) ([]string, error) {
	return g.t.keys(ctx)
}

// Count returns the number of registered entries.
func (g *BulkArchiveRegistry) Count(ctx context.Context) (int64, error) {
	return g.t.count(ctx)
}

// MarkExtracted records that the submissions of key are registered.
func (g *BulkArchiveRegistry) MarkExtracted(ctx context.Context, key string) error {
	res := g.t.db.WithContext(ctx).Model(&BulkArchiveRecord{}).Where("sha256 = ?", key).Update("extracted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// Extracted reports whether the submissions of key are registered.
func (g *BulkArchiveRegistry) Extracted(ctx context.Context, key string) (bool, error) {
	r, err := g.t.get(ctx, key)
	if err != nil {
		return false, err
	}
	return r.Extracted, nil
}

func (g *BulkArchiveRegistry) entries(rows []BulkArchiveRecord) ([]*BulkArchiveEntry, error) {
	out := make([]*BulkArchiveEntry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ByFilename returns the entries registered for an archive base name. More
// than one exists when arXiv republished the archive with new content.
func (g *BulkArchiveRegistry) ByFilename(ctx context.Context, name string) ([]*BulkArchiveEntry, error) {
	rows, err := g.t.find(ctx, 0, "filename = ?", name)
	if err != nil {
		return nil, err
	}
	return g.entries(rows)
}

// List returns up to limit entries, most recently registered first.
func (g *BulkArchiveRegistry) List(ctx context.Context, limit int) ([]*BulkArchiveEntry, error) {
	rows, err := g.t.find(ctx, limit, "")
	if err != nil {
		return nil, err
	}
	return g.entries(rows)
}

// Export writes every entry to w as JSON lines.
func (g *BulkArchiveRegistry) Export(ctx context.Context, w io.Writer) error {
	all, err := g.List(ctx, 0)
	if err != nil {
		return err
	}
	return exportJSONLines(w, all)
}

// Import registers the JSON lines entries read from r, skipping keys that
// are already present.
func (g *BulkArchiveRegistry) Import(ctx context.Context, r io.Reader) (added, skipped int, err error) {
	return importJSONLines(r, func(e *BulkArchiveEntry) error { return g.Add(ctx, e) })
}

// SubmissionRegistry tracks individual submissions keyed by SHA256.
type SubmissionRegistry struct {
	t     table[SubmissionRecord]
	log   *zap.Logger
	cache *LRUCache[string, *SubmissionEntry]
}

func submissionRecord(e *SubmissionEntry) (*SubmissionRecord, error) {
	if e.Key == "" {
		return nil, errors.New("submission entry has no key")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &SubmissionRecord{
		Key:             e.Key,
		ArxivID:         e.ArxivID,
		BulkArchiveHash: e.Origin.BulkArchiveHash,
		SubmissionType:  string(e.SubmissionType),
		SizeBytes:       e.Metadata.SizeBytes,
		Valid:           e.Valid(),
		Entry:           string(data),
		Registered:      time.Now().UTC(),
	}, nil
}

func (r *SubmissionRecord) entry() (*SubmissionEntry, error) {
	var e SubmissionEntry
	if err := json.Unmarshal([]byte(r.Entry), &e); err != nil {
		return nil, fmt.Errorf("decode submission %s: %w", r.Key, err)
	}
	return &e, nil
}

// Add registers e. It fails with ErrExists if the key is already present.
func (g *SubmissionRegistry) Add(ctx context.Context, e *SubmissionEntry) error {
	r, err := submissionRecord(e)
	if err != nil {
		return err
	}
	if err := g.t.create(ctx, e.Key, r); err != nil {
		return err
	}
	// the cache owns its copy; callers may keep modifying e
	g.cache.Put(e.Key, e.Clone())
	return nil
}

// Get returns the entry for key. The result is a copy the caller may modify.
func (g *SubmissionRegistry) Get(ctx context.Context, key string) (*SubmissionEntry, error) {
	if e, ok := g.cache.Get(key); ok {
		return e.Clone(), nil
	}
	r, err := g.t.get(ctx, key)
	if err != nil {
		return nil, err
	}
	e, err := r.entry()
	if err != nil {
		return nil, err
	}
	g.cache.Put(key, e)
	return e.Clone(), nil
}

// Has reports whether key is registered.
func (g *SubmissionRegistry) Has(ctx context.Context, key string) (bool, error) {
	if _, ok := g.cache.Get(key); ok {
		return true, nil
	}
	return g.t.has(ctx, key)
}

// Delete removes key, ErrNotFound if it is not registered.
func (g *SubmissionRegistry) Delete(ctx context.Context, key string) error {
	g.cache.Delete(key)
	return g.t.delete(ctx, key)
}

// Clear removes every entry.
func (g *SubmissionRegistry) Clear(ctx context.Context) error {
	g.cache.Clear()
	return g.t.clear(ctx)
}

// Keys returns all registered keys in sorted order.
func (g *SubmissionRegistry) Keys(ctx context.Context) ([]string, error) {
	return g.t.keys(ctx)
}

// Count returns the number of registered entries.
func (g *SubmissionRegistry) Count(ctx context.Context) (int64, error) {
	return g.t.count(ctx)
}

func (g *SubmissionRegistry) entries(rows []SubmissionRecord) ([]*SubmissionEntry, error) {
	out := make([]*SubmissionEntry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ByBulkArchive returns the submissions extracted from the bulk archive with
// the given SHA256.
func (g *SubmissionRegistry) ByBulkArchive(ctx context.Context, archiveKey string, limit int) ([]*SubmissionEntry, error) {
	rows, err := g.t.find(ctx, limit, "bulk_archive_hash = ?", archiveKey)
	if err != nil {
		return nil, err
	}
	return g.entries(rows)
}

// ByArxivID returns every registered version of a submission. The version
// suffix of id is ignored.
func (g *SubmissionRegistry) ByArxivID(ctx context.Context, id string) ([]*SubmissionEntry, error) {
	rows, err := g.t.find(ctx, 0, "arxiv_id = ?", NormalizeID(id))
	if err != nil {
		return nil, err
	}
	return g.entries(rows)
}

// ByType returns submissions of the given type.
func (g *SubmissionRegistry) ByType(ctx context.Context, st SubmissionType, limit int) ([]*SubmissionEntry, error) {
	rows, err := g.t.find(ctx, limit, "submission_type = ?", string(st))
	if err != nil {
		return nil, err
	}
	return g.entries(rows)
}

// WithDiagnostics returns submissions that failed validation.
func (g *SubmissionRegistry) WithDiagnostics(ctx context.Context, limit int) ([]*SubmissionEntry, error) {
	rows, err := g.t.find(ctx, limit, "valid = ?", false)
	if err != nil {
		return nil, err
	}
	return g.entries(rows)
}

// List returns up to limit entries, most recently registered first.
func (g *SubmissionRegistry) List(ctx context.Context, limit int) ([]*SubmissionEntry, error) {
	rows, err := g.t.find(ctx, limit, "")
	if err != nil {
		return nil, err
	}
	return g.entries(rows)
}

// Export writes every entry to w as JSON lines.
func (g *SubmissionRegistry) Export(ctx context.Context, w io.Writer) error {
	all, err := g.List(ctx, 0)
	if err != nil {
		return err
	}
	return exportJSONLines(w, all)
}

// Import registers the JSON lines entries read from r, skipping keys that
// are already present.
func (g *SubmissionRegistry) Import(ctx context.Context, r io.Reader) (added, skipped int, err error) {
	return importJSONLines(r, func(e *SubmissionEntry) error { return g.Add(ctx, e) })
}
