package bucket

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	Name     string
	Body     string
	Typeflag byte
	Linkname string
}

func tarBytes(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.Name, Mode: 0644, Typeflag: e.Typeflag, Linkname: e.Linkname}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.Body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// gzipBytes compresses body; name goes into the gzip header when set.
func gzipBytes(t *testing.T, name string, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = name
	_, err := zw.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

const (
	texSource = "\\documentclass{article}\n\\begin{document}\nHello\n\\end{document}\n"
	pdfSource = "%PDF-1.4\n1 0 obj\n<< >>\nendobj\n%%EOF\n"
)

// texSubmission is a single gzipped TeX file as arXiv stores them.
func texSubmission(t *testing.T) []byte {
	return gzipBytes(t, "main.tex", []byte(texSource))
}

// bulkArchive builds a valid bulk archive for yymm holding one TeX and one
// PDF submission.
func bulkArchive(t *testing.T, yymm string) []byte {
	t.Helper()
	return tarBytes(t,
		tarEntry{Name: yymm + "/", Typeflag: tar.TypeDir},
		tarEntry{Name: yymm + "/" + yymm + ".00001.gz", Body: string(texSubmission(t))},
		tarEntry{Name: yymm + "/" + yymm + ".00002.pdf", Body: pdfSource},
	)
}

// manifestFile renders one <file> element.
func manifestFile(yymm string, seq int, size int64, md5sum string, items int) string {
	return fmt.Sprintf(`<file>
<content_md5sum>c%s</content_md5sum>
<filename>src/arXiv_src_%s_%03d.tar</filename>
<first_item>%s.00001</first_item>
<last_item>%s.%05d</last_item>
<md5sum>%s</md5sum>
<num_items>%d</num_items>
<seq_num>%d</seq_num>
<size>%d</size>
<timestamp>2010-12-23 00:13:59</timestamp>
<yymm>%s</yymm>
</file>`, md5sum, yymm, seq, yymm, yymm, items, md5sum, items, seq, size, yymm)
}

func manifestXML(timestamp string, files ...string) string {
	return "<?xml version='1.0' standalone='yes'?>\n<arXivSRC>\n<timestamp>" + timestamp + "</timestamp>\n" +
		strings.Join(files, "\n") + "\n</arXivSRC>\n"
}

func mustParseManifest(t *testing.T, doc string) *Manifest {
	t.Helper()
	m, err := ParseManifest(strings.NewReader(doc))
	require.NoError(t, err)
	return m
}
