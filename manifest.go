package bucket

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// ManifestFilename is the name of the index of bulk source archives
// published alongside them in the arXiv bucket.
const ManifestFilename = "arXiv_src_manifest.xml"

const (
	manifestTimestampLayout = "Mon Jan _2 15:04:05 2006"
	entryTimestampLayout    = "2006-01-02 15:04:05"
)

var manifestFileFields = []string{
	"content_md5sum", "filename", "first_item", "last_item", "md5sum",
	"num_items", "seq_num", "size", "timestamp", "yymm",
}

// arXiv writes manifest timestamps in New York local time.
var arxivLocation = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// YearMonth identifies a calendar month.
type YearMonth struct {
	Year  int
	Month int
}

// Before reports whether ym is earlier than other.
func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

// IsZero reports whether ym is unset.
func (ym YearMonth) IsZero() bool { return ym.Year == 0 && ym.Month == 0 }

func (ym YearMonth) String() string { return fmt.Sprintf("%04d-%02d", ym.Year, ym.Month) }

// ParseYearMonth parses "YYYY-MM" or the arXiv "yymm" form.
func ParseYearMonth(s string) (YearMonth, error) {
	if len(s) == 4 {
		ym := YearMonth{Year: expandYear(s[:2]), Month: atoiOrZero(s[2:])}
		if !isDigits(s, 4) || ym.Month < 1 || ym.Month > 12 {
			return YearMonth{}, fmt.Errorf("invalid yymm %q", s)
		}
		return ym, nil
	}
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return YearMonth{}, fmt.Errorf("invalid year-month %q: %w", s, err)
	}
	return YearMonth{Year: t.Year(), Month: int(t.Month())}, nil
}

// expandYear maps a two digit year onto 1991..2090.
func expandYear(yy string) int {
	n := atoiOrZero(yy)
	if n > 90 {
		return 1900 + n
	}
	return 2000 + n
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// ManifestEntry describes one bulk archive listed in the manifest.
type ManifestEntry struct {
	Filename       string    `json:"filename"`
	SizeBytes      int64     `json:"size_bytes"`
	Timestamp      time.Time `json:"timestamp"`
	Year           int       `json:"year"`
	Month          int       `json:"month"`
	SequenceNumber int       `json:"sequence_number"`
	NumSubmissions int       `json:"n_submissions"`
	FirstItem      string    `json:"first_item"`
	LastItem       string    `json:"last_item"`
	MD5            string    `json:"md5"`
	ContentMD5     string    `json:"content_md5"`
}

// Key returns the base filename used to index the entry.
func (e ManifestEntry) Key() string { return filepath.Base(e.Filename) }

// YearMonth returns the month the archive covers.
func (e ManifestEntry) YearMonth() YearMonth { return YearMonth{Year: e.Year, Month: e.Month} }

// Manifest is a parsed arXiv_src_manifest.xml keyed by bulk archive base
// filename.
type Manifest struct {
	Timestamp time.Time
	entries   map[string]ManifestEntry
}

// NewManifest builds a manifest from already parsed entries. Duplicate keys
// are rejected.
func NewManifest(ts time.Time, entries []ManifestEntry) (*Manifest, error) {
	m := &Manifest{Timestamp: ts.UTC(), entries: make(map[string]ManifestEntry, len(entries))}
	for _, e := range entries {
		if _, ok := m.entries[e.Key()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEntry, e.Key())
		}
		m.entries[e.Key()] = e
	}
	return m, nil
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	defer f.Close()
	return ParseManifest(f)
}

type xmlNode struct {
	XMLName xml.Name
	Content string    `xml:",chardata"`
	Nodes   []xmlNode `xml:",any"`
}

// ParseManifest parses the arXiv source manifest XML. The document must
// contain exactly a timestamp and one or more file elements, and each file
// exactly the ten fields arXiv publishes.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var root xmlNode
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: not in XML format: %v", ErrInvalidManifest, err)
	}
	if root.XMLName.Local != "arXivSRC" {
		return nil, fmt.Errorf("%w: unexpected root element %q", ErrInvalidManifest, root.XMLName.Local)
	}

	var (
		timestamp string
		nTS       int
		files     []map[string]string
	)
	for _, n := range root.Nodes {
		switch n.XMLName.Local {
		case "timestamp":
			if len(n.Nodes) > 0 {
				return nil, fmt.Errorf("%w: timestamp must be text", ErrInvalidManifest)
			}
			timestamp = strings.TrimSpace(n.Content)
			nTS++
		case "file":
			fields, err := fileFields(n)
			if err != nil {
				return nil, err
			}
			files = append(files, fields)
		default:
			return nil, fmt.Errorf("%w: unexpected element %q", ErrInvalidManifest, n.XMLName.Local)
		}
	}
	if nTS != 1 || len(files) == 0 {
		return nil, fmt.Errorf("%w: entries missing in arXiv XML file", ErrInvalidManifest)
	}

	ts, err := parseArxivTime(manifestTimestampLayout, timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest timestamp: %v", ErrInvalidManifest, err)
	}

	entries := make([]ManifestEntry, 0, len(files))
	for _, fields := range files {
		e, err := parseManifestEntry(fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return NewManifest(ts, entries)
}

func fileFields(n xmlNode) (map[string]string, error) {
	fields := make(map[string]string, len(manifestFileFields))
	for _, c := range n.Nodes {
		name := c.XMLName.Local
		if len(c.Nodes) > 0 {
			return nil, fmt.Errorf("%w: field %q must be text", ErrInvalidManifest, name)
		}
		if _, dup := fields[name]; dup {
			return nil, fmt.Errorf("%w: repeated field %q", ErrInvalidManifest, name)
		}
		v := strings.TrimSpace(c.Content)
		if v == "" {
			return nil, fmt.Errorf("%w: field %q is empty", ErrInvalidManifest, name)
		}
		fields[name] = v
	}
	if len(fields) != len(manifestFileFields) {
		return nil, fmt.Errorf("%w: file entry has %d fields, want %d", ErrInvalidManifest, len(fields), len(manifestFileFields))
	}
	for _, name := range manifestFileFields {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: file entry missing %q", ErrInvalidManifest, name)
		}
	}
	return fields, nil
}

func parseArxivTime(layout, value string) (time.Time, error) {
	t, err := time.ParseInLocation(layout, value, arxivLocation)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseManifestEntry(f map[string]string) (ManifestEntry, error) {
	ints := make(map[string]int64, 3)
	for _, name := range []string{"size", "seq_num", "num_items"} {
		v, err := strconv.ParseInt(f[name], 10, 64)
		if err != nil {
			return ManifestEntry{}, fmt.Errorf("%w: %s: %s=%q", ErrInconsistentEntry, f["filename"], name, f[name])
		}
		ints[name] = v
	}

	yymm := f["yymm"]
	if !isDigits(yymm, 4) {
		return ManifestEntry{}, fmt.Errorf("%w: %s: yymm=%q", ErrInconsistentEntry, f["filename"], yymm)
	}
	month := atoiOrZero(yymm[2:])
	want := fmt.Sprintf("src/arXiv_src_%s_%03d.tar", yymm, ints["seq_num"])
	if f["filename"] != want || month < 1 || month > 12 {
		return ManifestEntry{}, fmt.Errorf("%w: %s", ErrInconsistentEntry, f["filename"])
	}

	ts, err := parseArxivTime(entryTimestampLayout, f["timestamp"])
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("%w: %s: timestamp: %v", ErrInconsistentEntry, f["filename"], err)
	}

	return ManifestEntry{
		Filename:       f["filename"],
		SizeBytes:      ints["size"],
		Timestamp:      ts,
		Year:           expandYear(yymm[:2]),
		Month:          month,
		SequenceNumber: int(ints["seq_num"]),
		NumSubmissions: int(ints["num_items"]),
		FirstItem:      f["first_item"],
		LastItem:       f["last_item"],
		MD5:            f["md5sum"],
		ContentMD5:     f["content_md5sum"],
	}, nil
}

// Len returns the number of bulk archives listed.
func (m *Manifest) Len() int { return len(m.entries) }

// Keys returns the bulk archive base filenames in sorted order.
func (m *Manifest) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry returns the entry for a bulk archive base filename.
func (m *Manifest) Entry(key string) (ManifestEntry, bool) {
	e, ok := m.entries[key]
	return e, ok
}

// Entries returns all entries ordered by key.
func (m *Manifest) Entries() []ManifestEntry {
	out := make([]ManifestEntry, 0, len(m.entries))
	for _, k := range m.Keys() {
		out = append(out, m.entries[k])
	}
	return out
}

func keyDiff(a, b *Manifest) (onlyA, onlyB []string) {
	for k := range a.entries {
		if _, ok := b.entries[k]; !ok {
			onlyA = append(onlyA, k)
		}
	}
	for k := range b.entries {
		if _, ok := a.entries[k]; !ok {
			onlyB = append(onlyB, k)
		}
	}
	sort.Strings(onlyA)
	sort.Strings(onlyB)
	return onlyA, onlyB
}

// IsNewerThan reports whether m has a later timestamp than other. Manifests
// only grow: equal timestamps require identical keys, and the newer of the two
// must add at least one archive and remove none.
func (m *Manifest) IsNewerThan(other *Manifest) (bool, error) {
	onlyM, onlyOther := keyDiff(m, other)

	if m.Timestamp.Equal(other.Timestamp) {
		if len(onlyM) > 0 || len(onlyOther) > 0 {
			return false, fmt.Errorf("%w: manifests with identical times must have identical keys", ErrInconsistentManifest)
		}
		return false, nil
	}

	newer := m.Timestamp.After(other.Timestamp)
	added, removed := onlyM, onlyOther
	if !newer {
		added, removed = onlyOther, onlyM
	}
	if len(added) == 0 {
		return false, fmt.Errorf("%w: newer manifest must have at least one new entry", ErrInconsistentManifest)
	}
	if len(removed) > 0 {
		return false, fmt.Errorf("%w: newer manifest cannot have entries deleted", ErrInconsistentManifest)
	}
	return newer, nil
}

func (m *Manifest) requireNewer(ref *Manifest) error {
	newer, err := m.IsNewerThan(ref)
	if err != nil {
		return err
	}
	if !newer {
		return ErrNotNewer
	}
	return nil
}

// NewEntries returns the keys present in m but not in the older ref.
func (m *Manifest) NewEntries(ref *Manifest) ([]string, error) {
	if err := m.requireNewer(ref); err != nil {
		return nil, err
	}
	added, _ := keyDiff(m, ref)
	return added, nil
}

// UpdatedEntries returns the keys present in both manifests whose archive
// MD5 changed.
func (m *Manifest) UpdatedEntries(ref *Manifest) ([]string, error) {
	if err := m.requireNewer(ref); err != nil {
		return nil, err
	}
	var updated []string
	for k, e := range m.entries {
		if old, ok := ref.entries[k]; ok && old.MD5 != e.MD5 {
			updated = append(updated, k)
		}
	}
	sort.Strings(updated)
	return updated, nil
}

// MonthStatistics aggregates the archives of one month.
type MonthStatistics struct {
	YearMonth
	SizeBytes      int64
	NumSubmissions int
	NumArchives    int
}

// Statistics returns per-month totals in chronological order.
func (m *Manifest) Statistics() []MonthStatistics {
	byMonth := make(map[YearMonth]*MonthStatistics)
	for _, e := range m.entries {
		ym := e.YearMonth()
		s, ok := byMonth[ym]
		if !ok {
			s = &MonthStatistics{YearMonth: ym}
			byMonth[ym] = s
		}
		s.SizeBytes += e.SizeBytes
		s.NumSubmissions += e.NumSubmissions
		s.NumArchives++
	}

	out := make([]MonthStatistics, 0, len(byMonth))
	for _, s := range byMonth {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].YearMonth.Before(out[j].YearMonth) })
	return out
}

// ManifestSummary holds whole-manifest totals.
type ManifestSummary struct {
	Timestamp              time.Time
	NumArchives            int
	NumSubmissions         int
	TotalSizeBytes         int64
	AverageSubmissionBytes float64
}

// Summary returns totals across all archives.
func (m *Manifest) Summary() ManifestSummary {
	s := ManifestSummary{Timestamp: m.Timestamp, NumArchives: len(m.entries)}
	for _, e := range m.entries {
		s.NumSubmissions += e.NumSubmissions
		s.TotalSizeBytes += e.SizeBytes
	}
	if s.NumSubmissions > 0 {
		s.AverageSubmissionBytes = float64(s.TotalSizeBytes) / float64(s.NumSubmissions)
	}
	return s
}

// Filter returns the keys whose month lies within [since, until]. A zero
// bound is open.
func (m *Manifest) Filter(keys []string, since, until YearMonth) []string {
	var out []string
	for _, k := range keys {
		e, ok := m.entries[k]
		if !ok {
			continue
		}
		ym := e.YearMonth()
		if !since.IsZero() && ym.Before(since) {
			continue
		}
		if !until.IsZero() && until.Before(ym) {
			continue
		}
		out = append(out, k)
	}
	return out
}
