package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	caseDir := filepath.Join(dir, "hydraulics", "pipe-flow")
	if err := os.MkdirAll(caseDir, 0o755); err != nil {
		t.Fatal(err)
	}

	manifest := "title: Pipe Flow\nentry: main.py\nfiles:\n  - main.py\n  - params.py\n"
	if err := os.WriteFile(filepath.Join(caseDir, "case.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(caseDir, "main.py"), []byte("print('flow')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(caseDir, "params.py"), []byte("D = 0.05\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return New(dir)
}

func TestLookup(t *testing.T) {
	c := testCatalog(t)

	cs, err := c.Lookup("hydraulics", "pipe-flow")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if cs.Title != "Pipe Flow" {
		t.Errorf("title = %q, want %q", cs.Title, "Pipe Flow")
	}
	if cs.Entry != "main.py" {
		t.Errorf("entry = %q, want main.py", cs.Entry)
	}
	if len(cs.Files) != 2 {
		t.Fatalf("got %d files, want 2", len(cs.Files))
	}
	if cs.Files[0].Path != "main.py" || cs.Files[0].Content != "print('flow')\n" {
		t.Errorf("unexpected first file: %+v", cs.Files[0])
	}
}

func TestLookupUnknownCase(t *testing.T) {
	c := testCatalog(t)

	if _, err := c.Lookup("hydraulics", "nope"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("unknown case: err = %v, want ErrCaseNotFound", err)
	}
	if _, err := c.Lookup("nope", "pipe-flow"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("unknown book: err = %v, want ErrCaseNotFound", err)
	}
}

func TestLookupRejectsTraversal(t *testing.T) {
	c := testCatalog(t)

	for _, slug := range []string{"..", "../etc", "a/b", "A-Upper", ""} {
		if _, err := c.Lookup(slug, "pipe-flow"); !errors.Is(err, ErrCaseNotFound) {
			t.Errorf("slug %q: err = %v, want ErrCaseNotFound", slug, err)
		}
	}
}
