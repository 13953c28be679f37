// Package paths resolves the library directories and lists documents on disk.
//
// Every location handed to the rest of the system is a slash-separated path
// relative to the documents root; absolute paths only exist at the edges
// (watcher, file server, disk listing).
package paths

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultDocumentsDir = "Documents"
	defaultCachesDir    = "Caches"

	stagingPrefix = ".shari-"
	stagingSuffix = ".part"
)

// ErrOutsideRoot is returned for locations that escape the documents root.
var ErrOutsideRoot = errors.New("location is outside the documents root")

// Config selects the roots and listing behavior.
type Config struct {
	DataRoot     string
	DocumentsDir string
	CachesDir    string

	// Recursive lists documents in subdirectories too.
	Recursive bool
	// Extensions restricts listing to these extensions (".cbz", "pdf"...).
	// Empty lists every regular file.
	Extensions []string
}

// FileInfo is the subset of file metadata the catalog records.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// Provider answers directory questions. It holds no mutable state.
type Provider struct {
	docs       string
	caches     string
	recursive  bool
	extensions map[string]struct{}
}

// New resolves the configured roots to absolute paths.
func New(cfg Config) (*Provider, error) {
	if cfg.DataRoot == "" {
		return nil, fmt.Errorf("data root is required")
	}
	root, err := filepath.Abs(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}

	docs := cfg.DocumentsDir
	if docs == "" {
		docs = defaultDocumentsDir
	}
	caches := cfg.CachesDir
	if caches == "" {
		caches = defaultCachesDir
	}
	if !filepath.IsAbs(docs) {
		docs = filepath.Join(root, docs)
	}
	if !filepath.IsAbs(caches) {
		caches = filepath.Join(root, caches)
	}

	p := &Provider{
		docs:      filepath.Clean(docs),
		caches:    filepath.Clean(caches),
		recursive: cfg.Recursive,
	}
	if len(cfg.Extensions) > 0 {
		p.extensions = make(map[string]struct{}, len(cfg.Extensions))
		for _, ext := range cfg.Extensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			p.extensions[ext] = struct{}{}
		}
	}
	return p, nil
}

// Ensure creates both roots if missing.
func (p *Provider) Ensure() error {
	for _, dir := range []string{p.docs, p.caches} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// DocumentsRoot is the user-visible library directory.
func (p *Provider) DocumentsRoot() string { return p.docs }

// CacheRoot is ephemeral storage, safe to purge.
func (p *Provider) CacheRoot() string { return p.caches }

// Recursive reports whether listings descend into subdirectories.
func (p *Provider) Recursive() bool { return p.recursive }

// ListDocuments returns absolute paths of every document under the root,
// ordered by relative location.
func (p *Provider) ListDocuments() ([]string, error) {
	var out []string
	err := filepath.WalkDir(p.docs, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			if abs == p.docs {
				return err
			}
			// Entries vanishing mid-walk are normal while the library is in flux.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if abs == p.docs {
			return nil
		}
		if isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !p.recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !p.Accepts(d.Name()) {
			return nil
		}
		out = append(out, abs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return filepath.ToSlash(out[i]) < filepath.ToSlash(out[j])
	})
	return out, nil
}

// Accepts reports whether a file name qualifies as a document.
func (p *Provider) Accepts(name string) bool {
	if isHidden(name) {
		return false
	}
	if p.extensions == nil {
		return true
	}
	_, ok := p.extensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Relativize maps an absolute path to its location. ok is false when abs is
// not strictly under the documents root.
func (p *Provider) Relativize(abs string) (string, bool) {
	rel, err := filepath.Rel(p.docs, filepath.Clean(abs))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Absolute maps a location back to a path on disk.
func (p *Provider) Absolute(location string) (string, error) {
	clean, err := CleanLocation(location)
	if err != nil {
		return "", err
	}
	return filepath.Join(p.docs, filepath.FromSlash(clean)), nil
}

// CleanLocation normalizes a location, rejecting anything that escapes the
// root or names the root itself.
func CleanLocation(location string) (string, error) {
	loc := strings.ReplaceAll(location, "\\", "/")
	loc = path.Clean("/" + loc)
	loc = strings.TrimPrefix(loc, "/")
	if loc == "" || loc == "." {
		return "", ErrOutsideRoot
	}
	for _, part := range strings.Split(loc, "/") {
		if part == ".." {
			return "", ErrOutsideRoot
		}
	}
	return loc, nil
}

// Stat reads the metadata recorded for a location.
func (p *Provider) Stat(location string) (FileInfo, error) {
	abs, err := p.Absolute(location)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// IsEmptyDirectory reports whether dir has no entries at all.
func IsEmptyDirectory(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return true, nil
	}
	return false, err
}

// PruneEmptyDirectories removes directories under the root that contain no
// files, deepest first. The root itself is never removed.
func (p *Provider) PruneEmptyDirectories() (int, error) {
	removed := 0
	var prune func(dir string) (bool, error)
	prune = func(dir string) (bool, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, err
		}
		empty := true
		for _, e := range entries {
			if !e.IsDir() || isHidden(e.Name()) {
				empty = false
				continue
			}
			childEmpty, err := prune(filepath.Join(dir, e.Name()))
			if err != nil {
				return false, err
			}
			if !childEmpty {
				empty = false
			}
		}
		if !empty || dir == p.docs {
			return empty, nil
		}
		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			// Something appeared in the meantime; leave it.
			return false, nil
		}
		removed++
		return true, nil
	}

	if _, err := prune(p.docs); err != nil {
		return removed, fmt.Errorf("prune empty directories: %w", err)
	}
	return removed, nil
}

// PurgeCache empties the cache root.
func (p *Provider) PurgeCache() error {
	entries, err := os.ReadDir(p.caches)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(p.caches, e.Name())); err != nil {
			return fmt.Errorf("purge %s: %w", e.Name(), err)
		}
	}
	return nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// IsStagingName reports whether name is an in-flight upload file.
func IsStagingName(name string) bool {
	return strings.HasPrefix(name, stagingPrefix) && strings.HasSuffix(name, stagingSuffix)
}
