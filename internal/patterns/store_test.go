package patterns

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/flakeguard/internal/models"
)

func TestParseSkipsCommentsAndBlanks(t *testing.T) {
	input := "# quarantined tests\n\n  test_foo.cpp  \nnetwork_.*\n# trailing comment\nplain_name\n"
	got, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := []models.Pattern{
		{Raw: "test_foo.cpp", Candidates: []string{"test_foo.cpp", "test_foo"}},
		{Raw: "network_.*", Candidates: []string{"network_.*"}},
		{Raw: "plain_name", Candidates: []string{"plain_name"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("patterns mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "FLAKY_TESTS.txt"))
	if store.Exists() {
		t.Fatalf("expected store to report missing file")
	}
	_, err := store.Load()
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestFileStoreRemovePreservesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "FLAKY_TESTS.txt")
	original := "# header\n\ntest_foo.cpp\n  audio_.*  \n# keep me\nvideo_sync\n"
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := NewFileStore(path)
	if err := store.Remove([]string{"audio_.*", "video_sync"}); err != nil {
		t.Fatalf("remove: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "# header\n\ntest_foo.cpp\n# keep me\n"
	if diff := cmp.Diff(want, string(data)); diff != "" {
		t.Fatalf("rewritten file mismatch (-want +got):\n%s", diff)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected file mode preserved, got %v", info.Mode().Perm())
	}

	patterns, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if diff := cmp.Diff([]string{"test_foo.cpp"}, models.PatternNames(patterns)); diff != "" {
		t.Fatalf("reloaded patterns mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreRemoveNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "FLAKY_TESTS.txt")
	if err := os.WriteFile(path, []byte("a\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := NewFileStore(path).Remove(nil); err != nil {
		t.Fatalf("remove: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "a\n" {
		t.Fatalf("file changed without removals: %q", data)
	}
}
