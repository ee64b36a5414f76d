package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/yuya-takeyama/s3-replica-sync/internal/checksum"
)

// InternalDir holds replica-sync bookkeeping and is never synchronized.
const InternalDir = ".replica-sync"

// tempPrefix names in-flight downloads next to their target.
const tempPrefix = ".replica-sync-"

// FSHost serves a directory tree as the local replica.
type FSHost struct {
	fs       afero.Fs
	root     string
	excludes []string
	manifest []string
	skipDirs []string
	skipKeys []string
}

// Option configures an FSHost.
type Option func(*FSHost)

// WithExcludes skips keys matching any of the doublestar patterns. A pattern ending
// with "/" excludes a directory and everything below it.
func WithExcludes(patterns []string) Option {
	return func(h *FSHost) {
		h.excludes = append(h.excludes, patterns...)
	}
}

// WithManifest adds keys that must be part of the local set even when their files
// are missing, in which case they are reported with ContentAvailable=false.
func WithManifest(keys []string) Option {
	return func(h *FSHost) {
		h.manifest = append(h.manifest, keys...)
	}
}

// WithSkipDirs keeps the given directories out of the replica, for example a state
// dir placed inside the root. Directories outside the root are ignored.
func WithSkipDirs(dirs ...string) Option {
	return func(h *FSHost) {
		h.skipDirs = append(h.skipDirs, dirs...)
	}
}

// NewFSHost creates a host rooted at root on fsys.
func NewFSHost(fsys afero.Fs, root string, opts ...Option) (*FSHost, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("get absolute path: %w", err)
	}

	info, err := fsys.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", absRoot)
	}

	h := &FSHost{fs: fsys, root: absRoot}
	for _, opt := range opts {
		opt(h)
	}
	for _, dir := range h.skipDirs {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("get absolute path of %s: %w", dir, err)
		}
		rel, err := filepath.Rel(absRoot, abs)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		h.skipKeys = append(h.skipKeys, filepath.ToSlash(rel))
	}
	for _, pattern := range h.excludes {
		if !doublestar.ValidatePattern(strings.TrimSuffix(pattern, "/")) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	return h, nil
}

// Root returns the absolute root directory.
func (h *FSHost) Root() string {
	return h.root
}

// ListCandidateObjects walks the tree and merges in the manifest keys.
func (h *FSHost) ListCandidateObjects(ctx context.Context) ([]Candidate, error) {
	seen := make(map[string]struct{})
	var candidates []Candidate

	err := afero.Walk(h.fs, h.root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		relPath, err := filepath.Rel(h.root, path)
		if err != nil {
			return fmt.Errorf("get relative path: %w", err)
		}
		key := filepath.ToSlash(relPath)

		if info.IsDir() {
			if key != "." && h.skippedDir(key) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || h.isExcluded(key) {
			return nil
		}

		seen[key] = struct{}{}
		candidates = append(candidates, Candidate{Key: key, Path: path, ContentAvailable: true})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}

	for _, key := range h.manifest {
		key = strings.TrimPrefix(filepath.ToSlash(key), "/")
		if _, ok := seen[key]; ok || key == "" || h.isExcluded(key) {
			continue
		}
		seen[key] = struct{}{}
		path := h.PathFor(key)
		_, statErr := h.fs.Stat(path)
		candidates = append(candidates, Candidate{Key: key, Path: path, ContentAvailable: statErr == nil})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Key < candidates[j].Key
	})
	return candidates, nil
}

// PathFor maps a key to its location under the root.
func (h *FSHost) PathFor(key string) string {
	return filepath.Join(h.root, filepath.FromSlash(key))
}

func (h *FSHost) ReadBytes(path string) ([]byte, error) {
	data, err := afero.ReadFile(h.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

// HashFile streams path through the content hash.
func (h *FSHost) HashFile(path string) (string, int64, error) {
	info, err := h.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return "", 0, err
	}
	sum, err := checksum.CalculateFileSHA256(h.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return "", 0, err
	}
	return sum, info.Size(), nil
}

// WriteBytes replaces path atomically through a temporary file in the same directory.
func (h *FSHost) WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := h.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(h.fs, dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		h.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		h.fs.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := h.fs.Rename(tmpName, path); err != nil {
		h.fs.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

func (h *FSHost) StatModTime(path string) int64 {
	info, err := h.fs.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixMilli()
}

func (h *FSHost) StatSize(path string) int64 {
	info, err := h.fs.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// DeleteLocal removes path. A file that is already gone counts as deleted.
func (h *FSHost) DeleteLocal(path string) error {
	if err := h.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Excluded reports whether key is kept out of the replica.
func (h *FSHost) Excluded(key string) bool {
	return h.isExcluded(key)
}

// isExcluded checks if a key matches any exclude pattern
func (h *FSHost) isExcluded(key string) bool {
	if h.underSkippedDir(key) || strings.HasPrefix(key[strings.LastIndex(key, "/")+1:], tempPrefix) {
		return true
	}
	return MatchAny(h.excludes, key)
}

func (h *FSHost) skippedDir(key string) bool {
	if key == InternalDir {
		return true
	}
	for _, skip := range h.skipKeys {
		if key == skip {
			return true
		}
	}
	return false
}

func (h *FSHost) underSkippedDir(key string) bool {
	if h.skippedDir(key) || strings.HasPrefix(key, InternalDir+"/") {
		return true
	}
	for _, skip := range h.skipKeys {
		if strings.HasPrefix(key, skip+"/") {
			return true
		}
	}
	return false
}

// MatchAny reports whether key matches one of patterns. Directory patterns (ending
// with "/") match every key below a matching directory.
func MatchAny(patterns []string, key string) bool {
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/") {
			dirPattern := strings.TrimSuffix(pattern, "/")
			parts := strings.Split(key, "/")
			for i := 1; i < len(parts); i++ {
				if matched, _ := doublestar.Match(dirPattern, strings.Join(parts[:i], "/")); matched {
					return true
				}
			}
			continue
		}
		if matched, _ := doublestar.Match(pattern, key); matched {
			return true
		}
	}
	return false
}

// LoadManifest reads one key per line from path. Blank lines and lines starting with
// "#" are ignored.
func LoadManifest(fsys afero.Fs, path string) ([]string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return keys, nil
}
