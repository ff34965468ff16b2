// Package inventory discovers the executable tests of a CMake build tree.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/miradorstack/flakeguard/internal/models"
)

// Source discovers the tests available for the current build.
type Source interface {
	Discover(ctx context.Context) (models.Inventory, error)
}

// CTestFileName is the per-directory test manifest CMake generates.
const CTestFileName = "CTestTestfile.cmake"

// notAvailable is the command CMake writes for tests whose target was not built.
const notAvailable = "NOT_AVAILABLE"

// addTestCall matches add_test/ADD_TEST calls with a quoted, bracketed or bare name and an
// optional command argument.
var addTestCall = regexp.MustCompile(`(?i)\badd_test\(\s*(?:"([^"\\]+)"|\[=*\[(.*?)\]=*\]|([^\s()"]+))(?:\s+(?:"([^"\\]+)"|\[=*\[(.*?)\]=*\]|([^\s()"]+)))?`)

// CTestSource reads every CTestTestfile.cmake below a build directory.
type CTestSource struct {
	buildDir string
	logger   *slog.Logger
}

// NewCTestSource constructs a CTestSource rooted at buildDir.
func NewCTestSource(buildDir string, logger *slog.Logger) *CTestSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CTestSource{buildDir: buildDir, logger: logger}
}

// Discover walks the build tree. A missing build directory yields an empty inventory.
func (s *CTestSource) Discover(ctx context.Context) (models.Inventory, error) {
	inv := make(models.Inventory)
	if _, err := os.Stat(s.buildDir); errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("build directory not found", slog.String("build_dir", s.buildDir))
		return inv, nil
	}

	files := 0
	err := filepath.WalkDir(s.buildDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("skipping unreadable path", slog.String("path", path), slog.Any("error", err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || d.Name() != CTestFileName {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			s.logger.Debug("skipping unreadable test file", slog.String("path", path), slog.Any("error", readErr))
			return nil
		}
		files++
		for _, tc := range Parse(string(data)) {
			merge(inv, tc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.buildDir, err)
	}

	s.logger.Debug("discovered tests", slog.Int("files", files), slog.Int("tests", len(inv)))
	return inv, nil
}

// Parse extracts the tests declared in one CTestTestfile.cmake body. A name may appear more
// than once (multi-config generators); callers merge duplicates.
func Parse(body string) []models.TestCase {
	var out []models.TestCase
	for _, m := range addTestCall.FindAllStringSubmatch(body, -1) {
		name := firstNonEmpty(m[1], m[2], m[3])
		if name == "" {
			continue
		}
		command := firstNonEmpty(m[4], m[5], m[6])
		if command == notAvailable {
			command = ""
		}
		out = append(out, models.TestCase{Name: name, Command: command})
	}
	return out
}

// merge keeps the first non-empty command seen for a test.
func merge(inv models.Inventory, tc models.TestCase) {
	existing, ok := inv[tc.Name]
	if !ok || existing.Command == "" {
		inv[tc.Name] = tc
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
