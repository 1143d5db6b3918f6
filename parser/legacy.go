package parser

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/richardlehane/mscfb"
	"github.com/richardlehane/msoleps"
)

// LegacyParser extracts body text from pre-OOXML binary Office formats
// (.doc, .xls, .ppt) by walking their OLE2 compound-file streams.
//
// These formats have no simple body-text stream the way OOXML does:
// full extraction requires parsing the format's internal file
// information block and piece table (.doc), BIFF records (.xls), or
// the PowerPoint atom stream (.ppt). Short of that, this scans the
// main text stream for UTF-16LE runs of printable characters, which
// recovers the visible text of most documents without a full format
// parser.
type LegacyParser struct{}

func (p *LegacyParser) SupportedFormats() []string { return []string{"doc", "xls", "ppt"} }

var legacyMainStream = map[string]bool{
	"WordDocument":        true,
	"Workbook":            true,
	"PowerPoint Document": true,
}

func (p *LegacyParser) Parse(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening legacy document: %w", err)
	}
	defer f.Close()

	cdf, err := mscfb.New(f)
	if err != nil {
		return nil, fmt.Errorf("reading compound file: %w", err)
	}

	var title string
	var body string

	for entry, err := cdf.Next(); err == nil; entry, err = cdf.Next() {
		switch {
		case strings.Contains(entry.Name, "SummaryInformation"):
			title = readLegacyTitle(cdf)
		case legacyMainStream[entry.Name]:
			data, err := io.ReadAll(cdf)
			if err != nil {
				continue
			}
			body = scanUTF16Text(data)
		}
	}

	if body == "" {
		return nil, fmt.Errorf("no text recovered from legacy document")
	}

	return &Result{
		Sections: []Section{{Heading: title, Content: body, Type: "paragraph"}},
		Method:   "native",
	}, nil
}

// readLegacyTitle reads the document Title property from a
// \005SummaryInformation OLE property-set stream. Absence or a parse
// error yields an empty title; the title is cosmetic, not required.
func readLegacyTitle(r io.Reader) string {
	doc, err := msoleps.New(r)
	if err != nil {
		return ""
	}
	for _, prop := range doc.Property {
		if prop.Name == "Title" {
			return strings.TrimSpace(prop.String())
		}
	}
	return ""
}

// scanUTF16Text recovers visible text from a binary Office stream by
// scanning for runs of UTF-16LE code units in the range 0x20-0x23FF,
// joining them into paragraphs on legacy paragraph-mark and cell-mark
// control characters (0x0D, 0x07) and discarding short runs
// that are more likely binary noise than real text.
func scanUTF16Text(data []byte) string {
	const minRunLen = 20

	var paragraphs []string
	var run []rune

	flush := func() {
		if len(run) >= minRunLen {
			paragraphs = append(paragraphs, strings.TrimSpace(string(run)))
		}
		run = run[:0]
	}

	for i := 0; i+1 < len(data); i += 2 {
		unit := uint16(data[i]) | uint16(data[i+1])<<8
		switch {
		case unit == 0x0D || unit == 0x07:
			flush()
		case unit >= 0x20 && unit < 0x2400:
			run = append(run, rune(unit))
		default:
			flush()
		}
	}
	flush()

	var out []string
	for _, p := range paragraphs {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
