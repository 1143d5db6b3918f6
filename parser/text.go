package parser

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// TextParser handles plain text (.txt) and markdown (.md) files: passed
// through verbatim after stripping a UTF-8 byte-order mark.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt", "md", "markdown"} }

func (p *TextParser) Parse(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	content, err := stripBOM(data)
	if err != nil {
		return nil, fmt.Errorf("decoding text file: %w", err)
	}
	if content == "" {
		return &Result{Method: "native"}, nil
	}

	return &Result{
		Sections: []Section{{Content: content, Type: "paragraph"}},
		Method:   "native",
	}, nil
}

// stripBOM decodes data as UTF-8, removing a leading byte-order mark if
// present, via golang.org/x/text's BOM-aware decoder.
func stripBOM(data []byte) (string, error) {
	decoder := unicode.UTF8.NewDecoder()
	out, _, err := transform.Bytes(unicode.BOMOverride(decoder), data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
