package patterns

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/utils"
)

// sourceFileLine matches list entries written as a C/C++ source filename.
var sourceFileLine = regexp.MustCompile(`^([A-Za-z0-9_\-]+)\.(c|cc|cpp|cxx)$`)

// NewPattern builds a Pattern from a trimmed list line. Source filenames also try their
// base name, since test names usually carry the stem but not the extension.
func NewPattern(line string) models.Pattern {
	p := models.Pattern{Raw: line, Candidates: []string{line}}
	if m := sourceFileLine.FindStringSubmatch(line); m != nil {
		p.Candidates = append(p.Candidates, m[1])
	}
	return p
}

// Parse reads patterns from r, skipping blank and `#` comment lines.
func Parse(r io.Reader) ([]models.Pattern, error) {
	var out []models.Pattern
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, NewPattern(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FileStore is the flaky list on disk.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the list location.
func (s *FileStore) Path() string { return s.path }

// Exists reports whether the list file is present.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load parses the list. A missing file yields an error matching fs.ErrNotExist.
func (s *FileStore) Load() ([]models.Pattern, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, utils.NewAppError(utils.OpLoadPatterns, s.path, err)
	}
	defer f.Close()

	patterns, err := Parse(f)
	if err != nil {
		return nil, utils.NewAppError(utils.OpLoadPatterns, s.path, err)
	}
	return patterns, nil
}

// Remove rewrites the list without lines whose trimmed text equals a removed pattern.
// Comments, blank lines and every other entry are kept byte-for-byte.
func (s *FileStore) Remove(removed []string) error {
	if len(removed) == 0 {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return utils.NewAppError(utils.OpWritePatterns, s.path, err)
	}

	drop := make(map[string]struct{}, len(removed))
	for _, r := range removed {
		drop[r] = struct{}{}
	}

	content := string(data)
	trailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if _, ok := drop[trimmed]; ok && trimmed != "" {
			continue
		}
		kept = append(kept, line)
	}

	out := strings.Join(kept, "\n")
	if trailingNewline || len(kept) > 0 {
		out += "\n"
	}

	mode := fs.FileMode(0o644)
	if info, err := os.Stat(s.path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := utils.WriteFileAtomic(s.path, []byte(out), mode); err != nil {
		return utils.NewAppError(utils.OpWritePatterns, s.path, err)
	}
	return nil
}
