// Package vfs implements the scoped virtual filesystem: URI<->path
// resolution, atomic writes, symlink-safe traversal, and tier-file access.
package vfs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/axiomorient/axiomme/internal/axerr"
	"github.com/axiomorient/axiomme/internal/uri"
)

// AbstractFile and OverviewFile are the generated tier filenames rewritten
// inside every directory by the tier-synthesis engine.
const (
	AbstractFile  = ".abstract.md"
	OverviewFile  = ".overview.md"
	RelationsFile = ".relations.json"
)

// SkipNames are files never treated as indexable content.
var SkipNames = map[string]bool{
	AbstractFile:  true,
	OverviewFile:  true,
	RelationsFile: true,
	"messages.jsonl": true,
	".meta.json":     true,
}

// FS is a workspace-rooted virtual filesystem.
type FS struct {
	root string
}

// New opens a virtual filesystem rooted at root, creating the per-scope
// subdirectories if absent.
func New(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, axerr.Wrap(axerr.Io, root, "resolve workspace root", err)
	}
	fsys := &FS{root: abs}
	for s := uri.Resources; s <= uri.Trash; s++ {
		if err := os.MkdirAll(filepath.Join(abs, s.String()), 0o755); err != nil {
			return nil, axerr.Wrap(axerr.Io, s.String(), "create scope directory", err)
		}
	}
	return fsys, nil
}

// Root returns the workspace root path.
func (f *FS) Root() string { return f.root }

// ResolveUri composes the filesystem path for a URI: <root>/<scope>/<segs...>.
func (f *FS) ResolveUri(u uri.AxiomUri) string {
	parts := append([]string{f.root, u.Scope().String()}, u.Segments()...)
	return filepath.Join(parts...)
}

// UriFromPath is the inverse of ResolveUri; fails for paths outside the
// workspace or outside any known scope.
func (f *FS) UriFromPath(path string) (uri.AxiomUri, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return uri.AxiomUri{}, axerr.Wrap(axerr.InvalidUri, path, "resolve path", err)
	}
	rel, err := filepath.Rel(f.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return uri.AxiomUri{}, axerr.New(axerr.InvalidUri, path, "path outside workspace")
	}
	if rel == "." {
		return uri.AxiomUri{}, axerr.New(axerr.InvalidUri, path, "path names the workspace root, not a scope")
	}
	segs := strings.Split(filepath.ToSlash(rel), "/")
	scope, ok := uri.ParseScope(segs[0])
	if !ok {
		return uri.AxiomUri{}, axerr.New(axerr.InvalidUri, path, "unknown scope "+segs[0])
	}
	u := uri.Root(scope)
	for _, seg := range segs[1:] {
		var err error
		u, err = u.Join(seg)
		if err != nil {
			return uri.AxiomUri{}, err
		}
	}
	return u, nil
}

// Entry is a directory listing item.
type Entry struct {
	Uri   uri.AxiomUri
	IsDir bool
}

// List enumerates a directory's children, optionally recursively. Symlinks
// are never followed. Entries are ordered by name.
func (f *FS) List(u uri.AxiomUri, recursive bool) ([]Entry, error) {
	path := f.ResolveUri(u)
	return f.listDir(u, path, recursive)
}

func (f *FS) listDir(u uri.AxiomUri, path string, recursive bool) ([]Entry, error) {
	dirents, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, axerr.New(axerr.NotFound, u.String(), "directory does not exist")
		}
		return nil, axerr.Wrap(axerr.Io, u.String(), "read directory", err)
	}
	sort.Slice(dirents, func(i, j int) bool { return dirents[i].Name() < dirents[j].Name() })

	var out []Entry
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		child, err := u.Join(d.Name())
		if err != nil {
			continue
		}
		out = append(out, Entry{Uri: child, IsDir: d.IsDir()})
		if recursive && d.IsDir() {
			sub, err := f.listDir(child, filepath.Join(path, d.Name()), true)
			if err == nil {
				out = append(out, sub...)
			}
		}
	}
	return out, nil
}

// Exists reports whether the URI resolves to an existing path.
func (f *FS) Exists(u uri.AxiomUri) bool {
	_, err := os.Lstat(f.ResolveUri(u))
	return err == nil
}

// IsDir reports whether the URI resolves to a directory.
func (f *FS) IsDir(u uri.AxiomUri) bool {
	info, err := os.Stat(f.ResolveUri(u))
	return err == nil && info.IsDir()
}

// Read returns the raw bytes at the URI.
func (f *FS) Read(u uri.AxiomUri) ([]byte, error) {
	b, err := os.ReadFile(f.ResolveUri(u))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, axerr.New(axerr.NotFound, u.String(), "file does not exist")
		}
		return nil, axerr.Wrap(axerr.Io, u.String(), "read file", err)
	}
	return b, nil
}

// ReadAbstract returns the directory's .abstract.md content, if present.
func (f *FS) ReadAbstract(u uri.AxiomUri) (string, bool) {
	return f.readTier(u, AbstractFile)
}

// ReadOverview returns the directory's .overview.md content, if present.
func (f *FS) ReadOverview(u uri.AxiomUri) (string, bool) {
	return f.readTier(u, OverviewFile)
}

func (f *FS) readTier(u uri.AxiomUri, name string) (string, bool) {
	b, err := os.ReadFile(filepath.Join(f.ResolveUri(u), name))
	if err != nil {
		return "", false
	}
	return string(b), true
}

// WriteAtomic writes content to a sibling temp file and renames it into
// place. Fails with NotFound if parent directories are missing and
// createParents is false.
func (f *FS) WriteAtomic(u uri.AxiomUri, content []byte, createParents bool) error {
	path := f.ResolveUri(u)
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		if !createParents {
			return axerr.New(axerr.NotFound, u.String(), "parent directory does not exist")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return axerr.Wrap(axerr.Io, u.String(), "create parent directories", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".axiomme-tmp-*")
	if err != nil {
		return axerr.Wrap(axerr.Io, u.String(), "create temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return axerr.Wrap(axerr.Io, u.String(), "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return axerr.Wrap(axerr.Io, u.String(), "close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return axerr.Wrap(axerr.Io, u.String(), "rename temp file into place", err)
	}
	return nil
}

// Rm removes a URI's file or directory tree. Rejects internal scopes
// unless allowInternal is true (reserved for cleanup paths).
func (f *FS) Rm(u uri.AxiomUri, recursive, allowInternal bool) error {
	if u.Scope().IsInternal() && !allowInternal {
		return axerr.New(axerr.PermissionDenied, u.String(), "refusing to remove from internal scope")
	}
	path := f.ResolveUri(u)
	var err error
	if recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil && !os.IsNotExist(err) {
		return axerr.Wrap(axerr.Io, u.String(), "remove", err)
	}
	return nil
}

// IsSkipName reports whether a filesystem entry name should never be
// treated as indexable content.
func IsSkipName(name string) bool {
	return SkipNames[name]
}
