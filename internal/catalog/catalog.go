// Package catalog resolves textbook cases to their code templates.
//
// The catalog is a directory tree of the form <dir>/<book_slug>/<case_slug>/
// where each case directory contains a case.yaml manifest describing the
// template files shipped to a new workspace.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrCaseNotFound is returned when a book/case slug pair is unknown.
var ErrCaseNotFound = errors.New("case not found")

const manifestName = "case.yaml"

// TemplateFile is one source file shipped with a case template.
type TemplateFile struct {
	Path    string `yaml:"path" json:"path"`
	Content string `json:"content"`
}

// Case is one textbook case and its code template.
type Case struct {
	BookSlug string         `json:"book_slug"`
	CaseSlug string         `json:"case_slug"`
	Title    string         `yaml:"title" json:"title"`
	Entry    string         `yaml:"entry" json:"entry"` // default script path
	Files    []TemplateFile `json:"files"`
}

type manifest struct {
	Title string   `yaml:"title"`
	Entry string   `yaml:"entry"`
	Files []string `yaml:"files"`
}

// Catalog looks up cases from a directory of YAML manifests.
type Catalog struct {
	dir string
}

// New creates a catalog rooted at dir.
func New(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// Lookup resolves a book/case pair to its template. Template file contents
// are read fresh on every call so catalog updates do not require a restart.
func (c *Catalog) Lookup(bookSlug, caseSlug string) (*Case, error) {
	if !validSlug(bookSlug) || !validSlug(caseSlug) {
		return nil, fmt.Errorf("%w: %s/%s", ErrCaseNotFound, bookSlug, caseSlug)
	}

	caseDir := filepath.Join(c.dir, bookSlug, caseSlug)
	data, err := os.ReadFile(filepath.Join(caseDir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrCaseNotFound, bookSlug, caseSlug)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest for %s/%s: %w", bookSlug, caseSlug, err)
	}

	cs := &Case{
		BookSlug: bookSlug,
		CaseSlug: caseSlug,
		Title:    m.Title,
		Entry:    m.Entry,
	}
	for _, rel := range m.Files {
		content, err := os.ReadFile(filepath.Join(caseDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("reading template file %s for %s/%s: %w", rel, bookSlug, caseSlug, err)
		}
		cs.Files = append(cs.Files, TemplateFile{Path: rel, Content: string(content)})
	}
	return cs, nil
}

// validSlug rejects path traversal in slugs taken from request bodies.
func validSlug(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
