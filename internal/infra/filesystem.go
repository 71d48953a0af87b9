package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileSystem resolves user-supplied paths and inspects log files on disk.
type FileSystem struct {
	homeDir string
}

// NewFileSystem creates a filesystem helper rooted at the user's home.
func NewFileSystem() *FileSystem {
	home, _ := os.UserHomeDir()
	return &FileSystem{homeDir: home}
}

// NewFileSystemWithHome creates a filesystem helper with custom home (for testing).
func NewFileSystemWithHome(home string) *FileSystem {
	return &FileSystem{homeDir: home}
}

// Exists checks if a path exists.
func (fs *FileSystem) Exists(path string) bool {
	_, err := os.Stat(fs.ExpandHome(path))
	return err == nil
}

// ExpandHome expands ~ to the user's home directory.
func (fs *FileSystem) ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(fs.homeDir, path[2:])
	}
	if path == "~" {
		return fs.homeDir
	}
	return path
}

// EnsureDir creates dir and its parents. An existing directory is success.
func (fs *FileSystem) EnsureDir(dir string) error {
	expanded := fs.ExpandHome(dir)
	if err := os.MkdirAll(expanded, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", expanded, err)
	}
	return nil
}

// RotatedFiles returns the rotated siblings of logPath (<logPath>.<stamp>),
// oldest first. The writer's lock file is not included.
func (fs *FileSystem) RotatedFiles(logPath string) ([]string, error) {
	expanded := fs.ExpandHome(logPath)
	matches, err := filepath.Glob(globEscape(expanded) + ".*")
	if err != nil {
		return nil, err
	}

	rotated := matches[:0]
	for _, m := range matches {
		if strings.HasSuffix(m, ".lock") {
			continue
		}
		rotated = append(rotated, m)
	}
	sort.Slice(rotated, func(i, j int) bool {
		si, ni := rotationKey(expanded, rotated[i])
		sj, nj := rotationKey(expanded, rotated[j])
		if si != sj {
			return si < sj
		}
		return ni < nj
	})
	return rotated, nil
}

// rotationKey splits a rotated name into its stamp and collision counter.
// Stamps are YYYYMMDD_HHMMSS, so lexical order is chronological; a name
// without a counter sorts before its .1, .2, ... siblings.
func rotationKey(logPath, name string) (string, int) {
	suffix := strings.TrimPrefix(name, logPath+".")
	stamp, counter, found := strings.Cut(suffix, ".")
	if !found {
		return stamp, 0
	}
	n, err := strconv.Atoi(counter)
	if err != nil {
		return suffix, 0
	}
	return stamp, n
}

// DirSize sums the sizes of path and its rotated siblings.
func (fs *FileSystem) DirSize(logPath string) (int64, error) {
	rotated, err := fs.RotatedFiles(logPath)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range append([]string{fs.ExpandHome(logPath)}, rotated...) {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

func globEscape(path string) string {
	r := strings.NewReplacer("*", `\*`, "?", `\?`, "[", `\[`)
	return r.Replace(path)
}
