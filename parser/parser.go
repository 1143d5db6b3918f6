// Package parser extracts plain text from heterogeneous document
// formats.
package parser

import (
	"context"
	"strings"
)

// Section is a logical, ordered piece of a parsed document: a heading
// plus its body text, or a table rendered as text. Format-specific
// parsers produce Sections; Flatten joins them into the single text
// string the rest of the pipeline (Chunker, CorpusIngestor) consumes.
type Section struct {
	Heading    string
	Content    string
	Level      int
	Type       string // "section", "table", "paragraph"; PDF also yields "definition", "requirement", "annex"
	PageNumber int    // 0 when the format has no page concept (DOCX, PPTX slide uses Heading instead)
}

// Result is what a parser produces from a document file.
type Result struct {
	Sections []Section
	Method   string // "native"
}

// Parser can parse a specific document format into ordered sections.
type Parser interface {
	Parse(ctx context.Context, path string) (*Result, error)
	SupportedFormats() []string
}

// Flatten joins sections into a single text string: paragraph
// boundaries become "\n\n", intra-paragraph line breaks stay "\n".
func Flatten(sections []Section) string {
	var b strings.Builder
	for i, sec := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if sec.Heading != "" {
			b.WriteString(sec.Heading)
			b.WriteString("\n")
		}
		b.WriteString(strings.TrimSpace(sec.Content))
	}
	return strings.TrimSpace(b.String())
}
