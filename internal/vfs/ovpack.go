package vfs

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/axiomorient/axiomme/internal/axerr"
)

// dotEscape and dotUnescape implement the ovpack leading-dot rewrite so a
// zip archive (whose tooling often mishandles dotfiles) can carry them:
// a leading "." in a path component becomes "_._".
func dotEscape(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, ".") {
			parts[i] = "_._" + p[1:]
		}
	}
	return strings.Join(parts, "/")
}

func dotUnescape(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "_._") {
			parts[i] = "." + p[3:]
		}
	}
	return strings.Join(parts, "/")
}

// ExportOvpack writes a zip archive of the subtree rooted at srcDir under a
// single root folder named rootName, with dot-escaping applied to every
// path component.
func ExportOvpack(srcDir, rootName, destZip string) error {
	out, err := os.Create(destZip)
	if err != nil {
		return axerr.Wrap(axerr.Io, destZip, "create archive", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	return filepath.Walk(srcDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		entryName := path.Join(rootName, filepath.ToSlash(rel))
		if rel == "." {
			entryName = rootName
		}
		entryName = dotEscape(entryName)

		if info.IsDir() {
			if rel == "." {
				return nil
			}
			_, err := zw.Create(entryName + "/")
			return err
		}

		w, err := zw.Create(entryName)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
}

// ImportOvpack extracts a zip archive into destDir, reversing the
// dot-escape rewrite. Rejects absolute paths, backslashes, ".." segments,
// zip-slip escapes, and archives with more than one top-level folder.
func ImportOvpack(srcZip, destDir string) error {
	r, err := zip.OpenReader(srcZip)
	if err != nil {
		return axerr.Wrap(axerr.InvalidArchive, srcZip, "open archive", err)
	}
	defer r.Close()

	destAbs, err := filepath.Abs(destDir)
	if err != nil {
		return axerr.Wrap(axerr.Io, destDir, "resolve destination", err)
	}

	var root string
	for _, f := range r.File {
		name := dotUnescape(f.Name)
		if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
			return axerr.New(axerr.SecurityViolation, f.Name, "absolute path in archive")
		}
		if strings.Contains(name, "\\") {
			return axerr.New(axerr.SecurityViolation, f.Name, "backslash in archive path")
		}
		for _, seg := range strings.Split(name, "/") {
			if seg == ".." {
				return axerr.New(axerr.SecurityViolation, f.Name, "path traversal segment in archive")
			}
		}
		top := strings.SplitN(name, "/", 2)[0]
		if root == "" {
			root = top
		} else if top != root {
			return axerr.New(axerr.InvalidArchive, f.Name, "mixed top-level folders in archive")
		}
	}
	if root == "" {
		return axerr.New(axerr.InvalidArchive, srcZip, "empty archive")
	}

	for _, f := range r.File {
		name := dotUnescape(f.Name)
		rel := strings.TrimPrefix(strings.TrimPrefix(name, root), "/")
		if rel == "" {
			continue
		}
		target := filepath.Join(destAbs, filepath.FromSlash(rel))
		targetRel, err := filepath.Rel(destAbs, target)
		if err != nil || strings.HasPrefix(targetRel, "..") {
			return axerr.New(axerr.SecurityViolation, f.Name, "zip-slip escape")
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return axerr.Wrap(axerr.Io, f.Name, "create directory", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return axerr.Wrap(axerr.Io, f.Name, "create parent directory", err)
		}
		rc, err := f.Open()
		if err != nil {
			return axerr.Wrap(axerr.InvalidArchive, f.Name, "open entry", err)
		}
		out, err := os.Create(target)
		if err != nil {
			rc.Close()
			return axerr.Wrap(axerr.Io, f.Name, "create file", err)
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return axerr.Wrap(axerr.Io, f.Name, "write file", copyErr)
		}
	}
	return nil
}
