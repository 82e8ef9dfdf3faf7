package bucket

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileType classifies a file by extension or content.
type FileType string

const (
	FileTypeUnknown      FileType = "UNKNOWN"
	FileTypePDF          FileType = "PDF"
	FileTypeGZ           FileType = "GZ"
	FileTypeTGZ          FileType = "TGZ"
	FileTypeTAR          FileType = "TAR"
	FileTypeXML          FileType = "XML"
	FileTypePS           FileType = "POSTSCRIPT_PS"
	FileTypeEPS          FileType = "POSTSCRIPT_EPS"
	FileTypeEPSI         FileType = "POSTSCRIPT_EPSI"
	FileTypeEPSF         FileType = "POSTSCRIPT_EPSF"
	FileTypeTeX          FileType = "TEX_TEX"
	FileTypeLaTeX209Main FileType = "TEX_LATEX_209_MAIN"
	FileTypeLaTeX2eMain  FileType = "TEX_LATEX_2E_MAIN"
	FileTypeTeXLog       FileType = "TEX_LOG"
	FileTypeTeXFig       FileType = "TEX_FIG"
	FileTypeTeXBib       FileType = "TEX_BIB"
	FileTypeTeXBbl       FileType = "TEX_BBL"
	FileTypeTeXBst       FileType = "TEX_BST"
	FileTypeTeXCls       FileType = "TEX_CLS"
	FileTypeTeXClo       FileType = "TEX_CLO"
	FileTypeTeXSty       FileType = "TEX_STY"
	FileTypeTeXToc       FileType = "TEX_TOC"
	FileTypeTeXPSTeX     FileType = "TEX_PSTEX"
	FileTypeTeXPSTeXT    FileType = "TEX_PSTEX_T"
	FileTypeGIF          FileType = "IMAGE_GIF"
	FileTypePNG          FileType = "IMAGE_PNG"
	FileTypeJPG          FileType = "IMAGE_JPG"
)

var extensionTypes = map[string][]FileType{
	".pdf":     {FileTypePDF},
	".gz":      {FileTypeGZ, FileTypeTGZ},
	".tgz":     {FileTypeTGZ},
	".tar":     {FileTypeTAR},
	".xml":     {FileTypeXML},
	".ps":      {FileTypePS},
	".eps":     {FileTypeEPS},
	".epsi":    {FileTypeEPSI},
	".epsf":    {FileTypeEPSF},
	".tex":     {FileTypeTeX},
	".ltx":     {FileTypeLaTeX2eMain},
	".latex":   {FileTypeLaTeX2eMain, FileTypeLaTeX209Main},
	".log":     {FileTypeTeXLog},
	".fig":     {FileTypeTeXFig},
	".bib":     {FileTypeTeXBib},
	".bbl":     {FileTypeTeXBbl},
	".bst":     {FileTypeTeXBst},
	".cls":     {FileTypeTeXCls},
	".clo":     {FileTypeTeXClo},
	".sty":     {FileTypeTeXSty},
	".toc":     {FileTypeTeXToc},
	".pstex":   {FileTypeTeXPSTeX},
	".pstex_t": {FileTypeTeXPSTeXT},
	".gif":     {FileTypeGIF},
	".png":     {FileTypePNG},
	".jpg":     {FileTypeJPG},
	".jpeg":    {FileTypeJPG},
}

// FileTypesFromExtension returns the candidate types for a filename's
// extension. Matching is case-insensitive; "x.tar.gz" is treated as TGZ.
// Unknown extensions return nil.
func FileTypesFromExtension(name string) []FileType {
	lower := strings.ToLower(filepath.Base(name))
	if strings.HasSuffix(lower, ".tar.gz") {
		return []FileType{FileTypeTGZ}
	}
	types := extensionTypes[filepath.Ext(lower)]
	if types == nil {
		return nil
	}
	return append([]FileType(nil), types...)
}

func containsType(types []FileType, t FileType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

const (
	tarBlockSize   = 512
	tarMagicOffset = 257
)

func isTarHeader(block []byte) bool {
	return len(block) >= tarMagicOffset+5 && string(block[tarMagicOffset:tarMagicOffset+5]) == "ustar"
}

// FileTypeFromFormat sniffs the content of path and returns its type.
func FileTypeFromFormat(path string) (FileType, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FileTypeUnknown, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return FileTypeUnknown, err
	}
	defer f.Close()

	head := make([]byte, tarBlockSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FileTypeUnknown, err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("%PDF-")):
		return FileTypePDF, nil
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return sniffGzip(f)
	case isTarHeader(head):
		return FileTypeTAR, nil
	case bytes.HasPrefix(head, []byte("%!PS")):
		firstLine, _, _ := bytes.Cut(head, []byte("\n"))
		if bytes.Contains(firstLine, []byte("EPSF")) {
			return FileTypeEPS, nil
		}
		return FileTypePS, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return FileTypeUnknown, err
	}
	if wellFormedXML(f) {
		return FileTypeXML, nil
	}
	return FileTypeUnknown, nil
}

// sniffGzip distinguishes a gzipped tar stream from a single gzipped file.
func sniffGzip(f *os.File) (FileType, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return FileTypeUnknown, err
	}
	gzr, err := gzip.NewReader(f)
	if err != nil {
		return FileTypeUnknown, nil
	}
	defer gzr.Close()

	block := make([]byte, tarBlockSize)
	n, _ := io.ReadFull(gzr, block)
	if isTarHeader(block[:n]) {
		return FileTypeTGZ, nil
	}
	return FileTypeGZ, nil
}

// IsXMLFormat reports whether path holds a well-formed XML document.
func IsXMLFormat(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return false, err
	}
	defer f.Close()
	return wellFormedXML(f), nil
}

func wellFormedXML(r io.Reader) bool {
	dec := xml.NewDecoder(bufio.NewReader(r))
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return roots == 1 && depth == 0
		}
		if err != nil {
			return false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return false
			}
		}
	}
}
