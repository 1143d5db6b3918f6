package parser

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/corpusvoice/anima/apierr"
)

// Registry dispatches a document to the Parser registered for its
// file extension.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds the default registry covering every format
// DocumentParser supports: PDF, DOCX/PPTX/XLSX, plain text/markdown,
// and legacy binary Office formats.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{
		&PDFParser{},
		&DOCXParser{},
		&XLSXParser{},
		&PPTXParser{},
		&TextParser{},
		&LegacyParser{},
	} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

// Register adds or overrides the parser used for a format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}

// Get returns the parser registered for a file extension (without the
// leading dot; case-insensitive).
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apierr.ErrUnsupportedFormat, format)
	}
	return p, nil
}

// ForFile returns the parser registered for path's extension.
func (r *Registry) ForFile(path string) (Parser, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return r.Get(ext)
}
