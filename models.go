package bucket

import (
	"time"
)

// BulkArchiveRecord is the stored form of a BulkArchiveEntry.
type BulkArchiveRecord struct {
	// Key is the SHA256 of the bulk archive file
	Key string `gorm:"primaryKey;column:sha256"`

	// Filename is the archive base name, e.g. arXiv_src_2301_001.tar
	Filename string `gorm:"index"`

	SizeBytes int64
	MD5       string `gorm:"column:md5"`
	URI       string `gorm:"column:uri"`

	// ManifestTimestamp of the manifest used for verification, if any
	ManifestTimestamp *time.Time

	Valid bool `gorm:"index"`

	// Extracted is set once every submission of the archive is registered
	Extracted bool

	// Entry is the JSON encoded BulkArchiveEntry
	Entry string `gorm:"type:text"`

	Registered time.Time
}

func (BulkArchiveRecord) TableName() string {
	return "bulk_archives"
}

// SubmissionRecord is the stored form of a SubmissionEntry.
type SubmissionRecord struct {
	// Key is the SHA256 of the submission file
	Key string `gorm:"primaryKey;column:sha256"`

	// ArxivID is e.g. "1202.3054" or "cond-mat/9602101"
	ArxivID string `gorm:"index;column:arxiv_id"`

	// BulkArchiveHash links back to bulk_archives.sha256
	BulkArchiveHash string `gorm:"index"`

	SubmissionType string `gorm:"index"`
	SizeBytes      int64
	Valid          bool `gorm:"index"`

	// Entry is the JSON encoded SubmissionEntry
	Entry string `gorm:"type:text"`

	Registered time.Time
}

func (SubmissionRecord) TableName() string {
	return "submissions"
}

// ManifestRecord is one row of the stored manifest snapshot.
type ManifestRecord struct {
	Key            string `gorm:"primaryKey;column:name"`
	Filename       string
	SizeBytes      int64
	Timestamp      time.Time
	Year           int `gorm:"index:idx_manifest_month"`
	Month          int `gorm:"index:idx_manifest_month"`
	SequenceNumber int
	NumSubmissions int
	FirstItem      string
	LastItem       string
	MD5            string `gorm:"column:md5"`
	ContentMD5     string `gorm:"column:content_md5"`
}

func (ManifestRecord) TableName() string {
	return "manifest_entries"
}

// SyncState stores sync metadata.
type SyncState struct {
	Key   string `gorm:"primaryKey;column:name"`
	Value string
}

func (SyncState) TableName() string {
	return "sync_state"
}

// SyncRun records one execution of Syncer.Sync.
type SyncRun struct {
	ID                string `gorm:"primaryKey"`
	Started           time.Time
	Finished          *time.Time
	ManifestTimestamp *time.Time
	Selected          int
	Archives          int
	Submissions       int
	Failures          int
	Error             string `gorm:"type:text"`
}

func (SyncRun) TableName() string {
	return "sync_runs"
}

func manifestRecord(e ManifestEntry) ManifestRecord {
	return ManifestRecord{
		Key:            e.Key(),
		Filename:       e.Filename,
		SizeBytes:      e.SizeBytes,
		Timestamp:      e.Timestamp,
		Year:           e.Year,
		Month:          e.Month,
		SequenceNumber: e.SequenceNumber,
		NumSubmissions: e.NumSubmissions,
		FirstItem:      e.FirstItem,
		LastItem:       e.LastItem,
		MD5:            e.MD5,
		ContentMD5:     e.ContentMD5,
	}
}

func (r ManifestRecord) entry() ManifestEntry {
	return ManifestEntry{
		Filename:       r.Filename,
		SizeBytes:      r.SizeBytes,
		Timestamp:      r.Timestamp.UTC(),
		Year:           r.Year,
		Month:          r.Month,
		SequenceNumber: r.SequenceNumber,
		NumSubmissions: r.NumSubmissions,
		FirstItem:      r.FirstItem,
		LastItem:       r.LastItem,
		MD5:            r.MD5,
		ContentMD5:     r.ContentMD5,
	}
}
