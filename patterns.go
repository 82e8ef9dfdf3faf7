package bucket

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	// SourceURI is the S3 location of the arXiv bulk source archives.
	SourceURI = "s3://arxiv/src/"

	abstractBaseURL = "https://arxiv.org/abs/"
)

var (
	bulkArchivePattern    = regexp.MustCompile(`^arXiv_src_(\d{2})(\d{2})_(\d{3})\.tar$`)
	oldSubmissionPattern  = regexp.MustCompile(`^([a-z\-]+)(\d{2})(\d{2})(\d{3})$`)
	newSubmissionPattern  = regexp.MustCompile(`^(\d{2})(\d{2})\.(\d{4,5})$`)
	submissionExtensions  = map[string]bool{".gz": true, ".pdf": true}
	submissionFormatTypes = []FileType{FileTypeGZ, FileTypeTGZ, FileTypePDF}
)

// BulkArchiveName holds the components of a bulk archive filename
// arXiv_src_{yymm}_{seq}.tar.
type BulkArchiveName struct {
	YY  string
	MM  string
	Seq string
}

// ParseBulkArchiveFilename extracts year, month and sequence number from a
// bulk archive filename. Only the base name is inspected, so paths are fine.
// The month is not range checked; use IsBulkArchiveFilename for that.
func ParseBulkArchiveFilename(name string) (BulkArchiveName, bool) {
	m := bulkArchivePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return BulkArchiveName{}, false
	}
	return BulkArchiveName{YY: m[1], MM: m[2], Seq: m[3]}, true
}

// IsBulkArchiveFilename reports whether name is a bulk archive filename with a
// month between 01 and 12.
func IsBulkArchiveFilename(name string) bool {
	parts, ok := ParseBulkArchiveFilename(name)
	return ok && validMonth(parts.MM)
}

// BulkArchiveURI returns the S3 URI of a bulk archive, e.g.
// local/arXiv_src_9902_005.tar -> s3://arxiv/src/arXiv_src_9902_005.tar.
func BulkArchiveURI(name string) (string, error) {
	if !IsBulkArchiveFilename(name) {
		return "", fmt.Errorf("%w: %q does not match arXiv bulk archive naming scheme", ErrInvalidFilename, name)
	}
	return SourceURI + filepath.Base(name), nil
}

// OldStyleSubmission is a pre-2008 submission filename such as
// cond-mat9602101.gz (arXiv ID cond-mat/9602101).
type OldStyleSubmission struct {
	Category string
	YY       string
	MM       string
	Number   string
}

// NewStyleSubmission is a submission filename such as 1202.3054.gz
// (arXiv ID 1202.3054).
type NewStyleSubmission struct {
	YY     string
	MM     string
	Number string
}

func submissionStem(name string) (string, bool) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	if !submissionExtensions[ext] {
		return "", false
	}
	return strings.TrimSuffix(base, ext), true
}

// ParseOldStyleSubmissionFilename parses {category}{yy}{mm}{number}.{gz,pdf}.
func ParseOldStyleSubmissionFilename(name string) (OldStyleSubmission, bool) {
	stem, ok := submissionStem(name)
	if !ok {
		return OldStyleSubmission{}, false
	}
	m := oldSubmissionPattern.FindStringSubmatch(stem)
	if m == nil {
		return OldStyleSubmission{}, false
	}
	return OldStyleSubmission{Category: m[1], YY: m[2], MM: m[3], Number: m[4]}, true
}

// ParseCurrentStyleSubmissionFilename parses {yymm}.{number}.{gz,pdf}.
func ParseCurrentStyleSubmissionFilename(name string) (NewStyleSubmission, bool) {
	stem, ok := submissionStem(name)
	if !ok {
		return NewStyleSubmission{}, false
	}
	m := newSubmissionPattern.FindStringSubmatch(stem)
	if m == nil {
		return NewStyleSubmission{}, false
	}
	return NewStyleSubmission{YY: m[1], MM: m[2], Number: m[3]}, true
}

// SubmissionID returns the arXiv identifier for a submission filename.
// Old style names are tried first.
func SubmissionID(name string) (string, error) {
	if old, ok := ParseOldStyleSubmissionFilename(name); ok {
		return old.Category + "/" + old.YY + old.MM + old.Number, nil
	}
	if cur, ok := ParseCurrentStyleSubmissionFilename(name); ok {
		return cur.YY + cur.MM + "." + cur.Number, nil
	}
	return "", fmt.Errorf("%w: invalid arXiv submission filename %q", ErrInvalidFilename, name)
}

// IsSubmissionFilename reports whether name follows either submission naming
// scheme with a month between 01 and 12.
func IsSubmissionFilename(name string) bool {
	if old, ok := ParseOldStyleSubmissionFilename(name); ok {
		return validMonth(old.MM)
	}
	if cur, ok := ParseCurrentStyleSubmissionFilename(name); ok {
		return validMonth(cur.MM)
	}
	return false
}

// SubmissionURL returns the abstract page URL for a submission filename,
// e.g. cond-mat9602101.gz -> https://arxiv.org/abs/cond-mat/9602101.
func SubmissionURL(name string) (string, error) {
	id, err := SubmissionID(name)
	if err != nil {
		return "", err
	}
	return abstractBaseURL + id, nil
}

// NormalizeID strips a version suffix (e.g., "2301.00001v2" -> "2301.00001").
func NormalizeID(id string) string {
	idx := strings.LastIndex(id, "v")
	if idx <= 0 || idx == len(id)-1 {
		return id
	}
	for _, c := range id[idx+1:] {
		if c < '0' || c > '9' {
			return id
		}
	}
	return id[:idx]
}

func validMonth(mm string) bool {
	n, err := strconv.Atoi(mm)
	return err == nil && n >= 1 && n <= 12
}

func isRegularFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// CheckBulkArchive validates a bulk archive file and returns the problems
// found. It does not compare against a manifest. Checks stop at the first
// failing stage; an empty result means the archive can be extracted.
func CheckBulkArchive(path string) []string {
	if !IsBulkArchiveFilename(path) {
		return []string{fmt.Sprintf("Filename %s does not match bulk archive pattern", path)}
	}
	if !isRegularFile(path) {
		return []string{fmt.Sprintf("File %s not found", path)}
	}

	if !containsType(FileTypesFromExtension(path), FileTypeTAR) {
		return []string{"File extension is not tar"}
	}
	if ft, err := FileTypeFromFormat(path); err != nil || ft != FileTypeTAR {
		return []string{"File format is not tar"}
	}

	if errs := CheckExtract(path, ""); len(errs) > 0 {
		return errs
	}

	names, err := ListArchive(path)
	if err != nil {
		return []string{fmt.Sprintf("Cannot list archive: %v", err)}
	}
	var invalid []string
	for _, n := range names {
		if !IsSubmissionFilename(n) {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return []string{"Archive entries do not match submission filename pattern: " + strings.Join(invalid, ", ")}
	}
	return nil
}

// IsBulkArchiveValid reports whether CheckBulkArchive finds no problems.
func IsBulkArchiveValid(path string) bool {
	return len(CheckBulkArchive(path)) == 0
}

// CheckSubmission validates a single submission file (gzip, tar.gz or PDF).
func CheckSubmission(path string) []string {
	if !IsSubmissionFilename(path) {
		return []string{fmt.Sprintf("Filename %s does not match submission pattern", path)}
	}
	if !isRegularFile(path) {
		return []string{fmt.Sprintf("File %s not found", path)}
	}

	byExt := FileTypesFromExtension(path)
	byFormat, err := FileTypeFromFormat(path)
	if err != nil {
		return []string{fmt.Sprintf("Cannot read file: %v", err)}
	}

	allowed := false
	for _, t := range byExt {
		if containsType(submissionFormatTypes, t) {
			allowed = true
			break
		}
	}
	switch {
	case !allowed:
		return []string{"File extension type is not allowed"}
	case !containsType(submissionFormatTypes, byFormat):
		return []string{fmt.Sprintf("File type %s not allowed", byFormat)}
	case !containsType(byExt, byFormat):
		return []string{"File format does not match file extension"}
	}

	if byFormat == FileTypeGZ || byFormat == FileTypeTGZ {
		return CheckExtract(path, "")
	}
	return nil
}

// IsSubmissionValid reports whether CheckSubmission finds no problems.
func IsSubmissionValid(path string) bool {
	return len(CheckSubmission(path)) == 0
}
