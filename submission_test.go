package bucket

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionTypeFromFiles(t *testing.T) {
	tests := []struct {
		names []string
		want  SubmissionType
	}{
		{[]string{"paper.ps"}, SubmissionPostScript},
		{[]string{"a.ps", "b.ps"}, SubmissionPostScript},
		{[]string{"paper.pdf"}, SubmissionPDF},
		{[]string{"main.tex"}, SubmissionTeX},
		{[]string{"main.tex", "refs.bib", "refs.bbl", "fig1.eps", "fig2.png", "style.sty"}, SubmissionTeX},
		{[]string{"paper.ltx", "plot.pdf"}, SubmissionTeX},
		{[]string{"main.tex", "data.csv"}, SubmissionUnknown},
		{[]string{"main.tex", "README"}, SubmissionUnknown},
		{[]string{"fig1.eps", "refs.bib"}, SubmissionUnknown},
		{[]string{"a.ps", "b.pdf"}, SubmissionUnknown},
		{nil, SubmissionUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SubmissionTypeFromFiles(tt.names), "%v", tt.names)
	}
}

func TestNewSubmissionEntry(t *testing.T) {
	dir := t.TempDir()
	const archiveKey = "0123456789abcdef"

	t.Run("tex", func(t *testing.T) {
		data := texSubmission(t)
		path := writeFile(t, filepath.Join(dir, "1202.3054.gz"), data)

		e, err := NewSubmissionEntry(path, archiveKey)
		require.NoError(t, err)
		assert.Empty(t, e.Diagnostics)
		assert.True(t, e.Valid())
		assert.Equal(t, "1202.3054", e.ArxivID)
		assert.Equal(t, SubmissionTeX, e.SubmissionType)
		assert.Equal(t, FileTypeGZ, e.Metadata.FileType)
		assert.Equal(t, md5Hex(data), e.Metadata.Hash[HashMD5])
		assert.Equal(t, e.Metadata.Hash[HashSHA256], e.Key)
		assert.Len(t, e.Key, 64)
		assert.Equal(t, Origin{URL: "https://arxiv.org/abs/1202.3054", BulkArchiveHash: archiveKey}, e.Origin)
	})

	t.Run("pdf", func(t *testing.T) {
		path := writeFile(t, filepath.Join(dir, "hep-th9901001.pdf"), []byte(pdfSource))
		e, err := NewSubmissionEntry(path, archiveKey)
		require.NoError(t, err)
		assert.True(t, e.Valid())
		assert.Equal(t, "hep-th/9901001", e.ArxivID)
		assert.Equal(t, SubmissionPDF, e.SubmissionType)
	})

	t.Run("postscript tarball", func(t *testing.T) {
		data := gzipBytes(t, "", tarBytes(t, tarEntry{Name: "paper.ps", Body: "%!PS-Adobe-3.0\n"}))
		path := writeFile(t, filepath.Join(dir, "1202.3056.gz"), data)
		e, err := NewSubmissionEntry(path, archiveKey)
		require.NoError(t, err)
		assert.True(t, e.Valid())
		assert.Equal(t, SubmissionPostScript, e.SubmissionType)
		assert.Equal(t, FileTypeTGZ, e.Metadata.FileType)
	})

	t.Run("unknown contents", func(t *testing.T) {
		path := writeFile(t, filepath.Join(dir, "1202.3057.gz"), gzipBytes(t, "notes.txt", []byte("text")))
		e, err := NewSubmissionEntry(path, archiveKey)
		require.NoError(t, err)
		assert.Equal(t, SubmissionUnknown, e.SubmissionType)
		assert.Equal(t, []string{"Unknown submission type"}, e.Diagnostics)
		assert.False(t, e.Valid())
	})

	t.Run("invalid file", func(t *testing.T) {
		path := writeFile(t, filepath.Join(dir, "1202.3058.pdf"), texSubmission(t))
		e, err := NewSubmissionEntry(path, archiveKey)
		require.NoError(t, err)
		assert.Equal(t, SubmissionUnknown, e.SubmissionType)
		assert.Equal(t, []string{"File format does not match file extension"}, e.Diagnostics)
		assert.NotEmpty(t, e.Key)
	})

	t.Run("bad name", func(t *testing.T) {
		path := writeFile(t, filepath.Join(dir, "paper.gz"), texSubmission(t))
		e, err := NewSubmissionEntry(path, archiveKey)
		require.NoError(t, err)
		assert.Empty(t, e.ArxivID)
		assert.Empty(t, e.Origin.URL)
		assert.Len(t, e.Diagnostics, 2)
		assert.False(t, e.Valid())
	})

	t.Run("missing", func(t *testing.T) {
		_, err := NewSubmissionEntry(filepath.Join(dir, "1202.9999.gz"), archiveKey)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestNewSubmissionEntryListError(t *testing.T) {
	orig := listArchive
	t.Cleanup(func() { listArchive = orig })
	listArchive = func(string) ([]string, error) { return nil, errors.New("list failed") }

	path := writeFile(t, filepath.Join(t.TempDir(), "1202.3054.gz"), texSubmission(t))
	e, err := NewSubmissionEntry(path, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"list failed"}, e.Diagnostics)
	assert.Equal(t, SubmissionUnknown, e.SubmissionType)
}

func TestNewSubmissionEntryMetadataError(t *testing.T) {
	orig := readMetadata
	t.Cleanup(func() { readMetadata = orig })
	readMetadata = func(string, ...HashType) (*FileMetadata, error) { return nil, errors.New("disk error") }

	path := writeFile(t, filepath.Join(t.TempDir(), "1202.3054.gz"), texSubmission(t))
	_, err := NewSubmissionEntry(path, "")
	assert.EqualError(t, err, "disk error")
}
