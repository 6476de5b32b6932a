// Package scan discovers the input files of a conversion batch.
package scan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// ErrNoExtensions is returned when Scan is called without any extension to match.
var ErrNoExtensions = errors.New("at least one file extension is required")

// DefaultExtensions returns the GeoTIFF extensions matched when none are
// configured.
func DefaultExtensions() []string {
	return []string{".tif", ".tiff"}
}

// Matcher reports whether a file name carries one of a fixed set of
// extensions, compared with Unicode case folding. A Matcher is not safe for
// concurrent use.
type Matcher struct {
	folder cases.Caser
	exts   map[string]struct{}
}

// NewMatcher builds a Matcher for exts. Entries may be given with or without
// the leading dot; empty entries are ignored.
func NewMatcher(exts []string) (*Matcher, error) {
	m := &Matcher{
		folder: cases.Fold(),
		exts:   make(map[string]struct{}, len(exts)),
	}
	for _, ext := range exts {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		m.exts[m.folder.String(ext)] = struct{}{}
	}
	if len(m.exts) == 0 {
		return nil, ErrNoExtensions
	}
	return m, nil
}

// Match reports whether name has one of the matcher's extensions.
func (m *Matcher) Match(name string) bool {
	ext := filepath.Ext(name)
	if ext == "" {
		return false
	}
	_, ok := m.exts[m.folder.String(ext)]
	return ok
}

// Scan returns the regular files directly inside dir whose extension matches
// one of exts. Subdirectories are not descended. Paths are joined with dir
// and sorted by file name.
func Scan(dir string, exts []string) ([]string, error) {
	m, err := NewMatcher(exts)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !m.Match(entry.Name()) {
			continue
		}
		if !isRegular(dir, entry) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}

	sort.Strings(files)
	return files, nil
}

// isRegular reports whether entry is a regular file, following symlinks.
func isRegular(dir string, entry os.DirEntry) bool {
	if entry.Type().IsRegular() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, entry.Name()))
	return err == nil && info.Mode().IsRegular()
}
