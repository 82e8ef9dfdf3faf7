package bucket

import (
	"fmt"
)

// SubmissionType is the overall kind of a submission, judged from the
// extensions of the files it contains.
type SubmissionType string

const (
	SubmissionTeX        SubmissionType = "TEX"
	SubmissionPDF        SubmissionType = "PDF"
	SubmissionPostScript SubmissionType = "POSTSCRIPT"
	SubmissionUnknown    SubmissionType = "UNKNOWN"
)

var texMainTypes = []FileType{FileTypeTeX, FileTypeLaTeX209Main, FileTypeLaTeX2eMain}

var texSupportingTypes = map[FileType]bool{
	FileTypeTeXLog: true, FileTypeTeXFig: true, FileTypeGIF: true, FileTypePNG: true,
	FileTypeJPG: true, FileTypeTeXBib: true, FileTypeTeXClo: true, FileTypeTeXBst: true,
	FileTypeTeXToc: true, FileTypeTeXCls: true, FileTypeTeXBbl: true, FileTypeEPSF: true,
	FileTypeTeXPSTeXT: true, FileTypeTeXPSTeX: true, FileTypeTeXSty: true,
	FileTypeLaTeX209Main: true, FileTypeLaTeX2eMain: true, FileTypeTeX: true,
	FileTypePDF: true, FileTypePS: true, FileTypeEPSI: true, FileTypeEPS: true,
}

// SubmissionTypeFromFiles classifies a submission from its file names:
// only PostScript or only PDF files give those types; at least one TeX main
// file with nothing outside the TeX supporting set gives TEX.
func SubmissionTypeFromFiles(names []string) SubmissionType {
	types := make(map[FileType]bool)
	for _, n := range names {
		ts := FileTypesFromExtension(n)
		if len(ts) == 0 {
			types[FileTypeUnknown] = true
			continue
		}
		for _, t := range ts {
			types[t] = true
		}
	}

	if len(types) == 1 {
		switch {
		case types[FileTypePS]:
			return SubmissionPostScript
		case types[FileTypePDF]:
			return SubmissionPDF
		}
	}

	hasMain := false
	for _, t := range texMainTypes {
		if types[t] {
			hasMain = true
			break
		}
	}
	if !hasMain {
		return SubmissionUnknown
	}
	for t := range types {
		if !texSupportingTypes[t] {
			return SubmissionUnknown
		}
	}
	return SubmissionTeX
}

// Origin records where a registry entry came from.
type Origin struct {
	// URL is the arXiv abstract page for a submission.
	URL string `json:"url,omitempty"`
	// URI is the S3 location of a bulk archive.
	URI string `json:"uri,omitempty"`
	// BulkArchiveHash is the SHA256 of the bulk archive that contained a submission.
	BulkArchiveHash string `json:"bulk_archive_hash,omitempty"`
}

// SubmissionEntry is a registry entry for one submission file. Key is the
// SHA256 of the file. The submission content itself is not stored.
type SubmissionEntry struct {
	Key            string         `json:"key"`
	ArxivID        string         `json:"arxiv_id"`
	Metadata       FileMetadata   `json:"metadata"`
	SubmissionType SubmissionType `json:"submission_type_by_extension"`
	Origin         Origin         `json:"origin"`
	Diagnostics    []string       `json:"diagnostics,omitempty"`
}

// Valid reports whether the entry carries no diagnostics.
func (e *SubmissionEntry) Valid() bool { return len(e.Diagnostics) == 0 }

// Clone returns a deep copy of e.
func (e *SubmissionEntry) Clone() *SubmissionEntry {
	c := *e
	c.Metadata = e.Metadata.clone()
	if e.Diagnostics != nil {
		c.Diagnostics = append([]string(nil), e.Diagnostics...)
	}
	return &c
}

// these indirections are replaced in tests
var (
	checkSubmission = CheckSubmission
	readMetadata    = ReadFileMetadata
	listArchive     = ListArchive
)

// NewSubmissionEntry builds the registry entry for a submission file taken
// from the bulk archive with the given SHA256.
func NewSubmissionEntry(path, bulkArchiveHash string) (*SubmissionEntry, error) {
	if !isRegularFile(path) {
		return nil, fmt.Errorf("%w: file %q", ErrNotFound, path)
	}

	problems := checkSubmission(path)
	id, err := SubmissionID(path)
	if err != nil {
		problems = append(problems, err.Error())
	}
	md, err := readMetadata(path, HashMD5, HashSHA256)
	if err != nil {
		return nil, err
	}

	st := SubmissionUnknown
	if len(problems) == 0 {
		switch md.FileType {
		case FileTypePDF:
			st = SubmissionPDF
		case FileTypeGZ, FileTypeTGZ:
			names, err := listArchive(path)
			if err != nil {
				problems = append(problems, err.Error())
			} else {
				st = SubmissionTypeFromFiles(names)
			}
		}
		if len(problems) == 0 && st == SubmissionUnknown {
			problems = append(problems, "Unknown submission type")
		}
	}

	e := &SubmissionEntry{
		Key:            md.Hash[HashSHA256],
		ArxivID:        id,
		Metadata:       *md,
		SubmissionType: st,
		Origin:         Origin{BulkArchiveHash: bulkArchiveHash},
		Diagnostics:    problems,
	}
	if id != "" {
		e.Origin.URL = abstractBaseURL + id
	}
	return e, nil
}
