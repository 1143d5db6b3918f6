package parser

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRegistryDispatchByExtension(t *testing.T) {
	r := NewRegistry()
	for _, format := range []string{"pdf", "docx", "pptx", "xlsx", "txt", "md", "markdown", "doc", "xls", "ppt"} {
		if _, err := r.Get(format); err != nil {
			t.Errorf("Get(%q): %v", format, err)
		}
	}
}

func TestRegistryUnsupportedFormat(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("exe"); err == nil {
		t.Fatal("expected an error for an unsupported format")
	}
}

func TestRegistryForFile(t *testing.T) {
	r := NewRegistry()
	p, err := r.ForFile("/tmp/report.PDF")
	if err != nil {
		t.Fatalf("ForFile: %v", err)
	}
	if _, ok := p.(*PDFParser); !ok {
		t.Fatalf("expected *PDFParser, got %T", p)
	}
}

func TestFlattenJoinsParagraphsAndHeadings(t *testing.T) {
	sections := []Section{
		{Heading: "Intro", Content: "line one\nline two"},
		{Content: "no heading here"},
	}
	got := Flatten(sections)
	want := "Intro\nline one\nline two\n\nno heading here"
	if got != want {
		t.Errorf("Flatten() = %q, want %q", got, want)
	}
}

func TestTextParserStripsUTF8BOM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "draft.txt")
	bom := []byte{0xEF, 0xBB, 0xBF}
	content := append(bom, []byte("hello world")...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	p := &TextParser{}
	res, err := p.Parse(t.Context(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Sections) != 1 || res.Sections[0].Content != "hello world" {
		t.Fatalf("got sections %+v, want a single section with BOM stripped", res.Sections)
	}
}

func TestTextParserEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	p := &TextParser{}
	res, err := p.Parse(t.Context(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Sections) != 0 {
		t.Fatalf("expected no sections for an empty file, got %+v", res.Sections)
	}
}
