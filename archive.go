package bucket

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxEntrySize bounds a single extracted file.
const maxEntrySize = 1 << 30

// walkArchive calls fn for every entry of a tar, tar.gz or single-file gzip
// archive. For a plain gzip stream fn receives a synthesized regular-file header.
func walkArchive(path string, fn func(hdr *tar.Header, r io.Reader) error) error {
	ft, err := FileTypeFromFormat(path)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	switch ft {
	case FileTypeTAR:
	case FileTypeTGZ, FileTypeGZ:
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gzr.Close()
		if ft == FileTypeGZ {
			name := gzr.Name
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			return fn(&tar.Header{Name: name, Typeflag: tar.TypeReg, Size: -1}, gzr)
		}
		r = gzr
	default:
		return fmt.Errorf("unsupported archive format %s", ft)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// ListArchive returns the names of the regular files in an archive.
func ListArchive(path string) ([]string, error) {
	var names []string
	err := walkArchive(path, func(hdr *tar.Header, _ io.Reader) error {
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", filepath.Base(path), err)
	}
	return names, nil
}

// CheckExtract reports why the archive could not be safely extracted into
// dest. An empty result means extraction is possible. With an empty dest only
// the archive itself is checked.
func CheckExtract(path, dest string) []string {
	var problems []string
	seen := make(map[string]bool)
	folded := make(map[string]string)

	err := walkArchive(path, func(hdr *tar.Header, r io.Reader) error {
		name := hdr.Name
		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			problems = append(problems, fmt.Sprintf("Link entry not allowed: %s", name))
			return nil
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			problems = append(problems, fmt.Sprintf("Special file entry not allowed: %s", name))
			return nil
		}

		if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
			problems = append(problems, fmt.Sprintf("Absolute path entry: %s", name))
			return nil
		}
		clean := filepath.Clean(name)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			problems = append(problems, fmt.Sprintf("Path traversal entry: %s", name))
			return nil
		}
		if hdr.Typeflag == tar.TypeDir {
			return nil
		}

		if seen[clean] {
			problems = append(problems, fmt.Sprintf("Duplicate entry: %s", name))
			return nil
		}
		seen[clean] = true
		lower := strings.ToLower(clean)
		if prev, ok := folded[lower]; ok {
			problems = append(problems, fmt.Sprintf("Case-insensitive name collision: %s and %s", prev, name))
			return nil
		}
		folded[lower] = name

		size := hdr.Size
		if size < 0 {
			// plain gzip: the size is only known after decompressing
			n, err := io.Copy(io.Discard, io.LimitReader(r, maxEntrySize+1))
			if err != nil {
				return err
			}
			size = n
		}
		if size > maxEntrySize {
			problems = append(problems, fmt.Sprintf("Entry too large: %s", name))
		}
		if dest != "" {
			if _, err := os.Lstat(filepath.Join(dest, clean)); err == nil {
				problems = append(problems, fmt.Sprintf("Entry would overwrite existing file: %s", name))
			}
		}
		return nil
	})
	if err != nil {
		problems = append(problems, fmt.Sprintf("Cannot read archive: %v", err))
	}
	return problems
}

// ExtractArchive extracts the regular files of an archive into dest and
// returns the written paths. Nothing is written when CheckExtract reports a
// problem.
func ExtractArchive(path, dest string) ([]string, error) {
	if problems := CheckExtract(path, dest); len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsafeArchive, strings.Join(problems, "; "))
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, err
	}

	var written []string
	err := walkArchive(path, func(hdr *tar.Header, r io.Reader) error {
		target := filepath.Join(dest, filepath.Clean(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, 0755)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := writeLimited(target, r); err != nil {
				return err
			}
			written = append(written, target)
		}
		return nil
	})
	if err != nil {
		return written, fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}
	return written, nil
}

func writeLimited(target string, r io.Reader) error {
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, maxEntrySize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxEntrySize {
		err = fmt.Errorf("%s exceeds %d bytes", filepath.Base(target), int64(maxEntrySize))
	}
	if err != nil {
		os.Remove(target)
	}
	return err
}
