package parser

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser extracts body text page-by-page, grouping content-stream
// text elements into visual lines and splitting on heading-like lines.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*Result, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	sections := make([]Section, 0)

	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := extractPageTextOrdered(page)
		if err != nil {
			continue // skip pages that fail to extract
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		sections = append(sections, splitPageIntoSections(text, i)...)
	}

	// Post-process: detect running headers/footers and carry over real
	// headings across page boundaries.
	sections = fixRunningHeaders(sections, totalPages)

	if len(sections) == 0 {
		return &Result{
			Method:   "native",
			Sections: []Section{{Content: "Unable to extract text from PDF", Type: "paragraph"}},
		}, nil
	}
	return &Result{Sections: sections, Method: "native"}, nil
}

// extractPageTextOrdered groups a page's content-stream text elements
// into visual lines by Y proximity, then orders lines top-to-bottom.
// Elements within a line keep content-stream order (not X order): some
// PDFs use negative text matrices that would garble an X sort.
func extractPageTextOrdered(page pdf.Page) (string, error) {
	content := page.Content()
	if len(content.Text) == 0 {
		return page.GetPlainText(nil)
	}

	const lineTolerance = 3.0

	type visualLine struct {
		y   float64
		buf strings.Builder
	}

	var lines []*visualLine
	var cur *visualLine

	for _, t := range content.Text {
		if cur == nil || math.Abs(t.Y-cur.y) > lineTolerance {
			lines = append(lines, &visualLine{y: t.Y})
			cur = lines[len(lines)-1]
		}
		cur.buf.WriteString(t.S)
	}

	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].y > lines[j].y // higher Y = higher on the page (PDF origin is bottom-left)
	})

	var parts []string
	for _, l := range lines {
		if text := strings.TrimSpace(l.buf.String()); text != "" {
			parts = append(parts, text)
		}
	}

	result := strings.Join(parts, "\n")
	if strings.TrimSpace(result) == "" {
		return page.GetPlainText(nil)
	}
	return result, nil
}

// splitPageIntoSections breaks page text into logical sections by
// detecting heading-like lines (all caps, numbered, or a known
// multilingual heading prefix).
func splitPageIntoSections(text string, pageNum int) []Section {
	lines := strings.Split(text, "\n")
	var sections []Section
	var currentContent strings.Builder
	var currentHeading string
	currentLevel := 0

	flush := func() {
		if currentContent.Len() > 0 || currentHeading != "" {
			sections = append(sections, Section{
				Heading:    currentHeading,
				Content:    strings.TrimSpace(currentContent.String()),
				Level:      currentLevel,
				PageNumber: pageNum,
				Type:       classifySectionType(currentHeading, currentContent.String()),
			})
			currentContent.Reset()
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if currentContent.Len() > 0 {
				currentContent.WriteString("\n")
			}
			continue
		}

		if isLikelyHeading(trimmed) {
			flush()
			currentHeading = trimmed
			currentLevel = detectHeadingLevel(trimmed)
		} else {
			if currentContent.Len() > 0 {
				currentContent.WriteString("\n")
			}
			currentContent.WriteString(trimmed)
		}
	}
	flush()

	// Merge empty-content sections into the next section: when a parent
	// heading (e.g. "3.9.1 Model A") has no body because the next line is
	// a sub-heading, prepend the parent heading so context stays attached.
	for i := len(sections) - 2; i >= 0; i-- {
		if sections[i].Content == "" && sections[i].Heading != "" &&
			i+1 < len(sections) && sections[i+1].Level > sections[i].Level {
			if sections[i+1].Heading != "" {
				sections[i+1].Heading = sections[i].Heading + " — " + sections[i+1].Heading
			} else {
				sections[i+1].Heading = sections[i].Heading
			}
			sections[i+1].Level = sections[i].Level
			sections = append(sections[:i], sections[i+1:]...)
		}
	}

	if len(sections) == 0 && strings.TrimSpace(text) != "" {
		sections = append(sections, Section{Content: text, Type: "paragraph", PageNumber: pageNum})
	}
	return sections
}

func isLikelyHeading(line string) bool {
	if len(line) < 100 && line == strings.ToUpper(line) && len(line) > 2 {
		return true
	}
	if len(line) < 120 {
		if len(line) > 0 && line[0] >= '0' && line[0] <= '9' && strings.Contains(line[:min(10, len(line))], ".") {
			return true
		}
		lower := strings.ToLower(line)
		for _, prefix := range []string{
			"section ", "article ", "chapter ", "part ", // English
			"sección ", "seccion ", "capítulo ", "capitulo ", "anexo ", // Spanish
			"seção ", "secao ", "artigo ", // Portuguese
			"chapitre ", "partie ", "annexe ", // French
		} {
			if strings.HasPrefix(lower, prefix) {
				return true
			}
		}
		for _, prefix := range []string{"tabla ", "tabela ", "tableau ", "figura ", "figure ", "cuadro ", "quadro ", "gráfico ", "graphique "} {
			if strings.HasPrefix(lower, prefix) {
				after := len(prefix)
				if len(lower) > after && lower[after] >= '0' && lower[after] <= '9' {
					return true
				}
			}
		}
	}
	return false
}

func detectHeadingLevel(heading string) int {
	parts := strings.SplitN(heading, " ", 2)
	if len(parts) > 0 {
		if dots := strings.Count(parts[0], "."); dots > 0 {
			return dots
		}
	}
	if heading == strings.ToUpper(heading) {
		return 1
	}
	return 2
}

func classifySectionType(heading, content string) string {
	headingLower := strings.ToLower(heading)
	contentLower := strings.ToLower(content)

	if strings.Contains(headingLower, "definition") || strings.Contains(headingLower, "definición") ||
		strings.Contains(headingLower, "glosario") || strings.Contains(headingLower, "glossary") ||
		strings.Contains(contentLower, "definition") || strings.Contains(contentLower, "definición") {
		return "definition"
	}
	if strings.Contains(headingLower, "shall") || strings.Contains(headingLower, "must") || strings.Contains(headingLower, "requirement") ||
		strings.Contains(contentLower, "shall") || strings.Contains(contentLower, "must") {
		return "requirement"
	}
	if strings.Contains(headingLower, "table") || strings.Contains(headingLower, "tabla") ||
		strings.Count(content, "\t") > 3 || strings.Count(content, "|") > 3 {
		return "table"
	}
	if strings.Contains(headingLower, "anexo") || strings.Contains(headingLower, "annex") {
		return "annex"
	}
	return "section"
}

// fixRunningHeaders detects repeated headers/footers (e.g. document
// titles on every page) and replaces them with the last real heading
// seen, so content continuing onto the next page stays attached to its
// actual section rather than a running header.
func fixRunningHeaders(sections []Section, totalPages int) []Section {
	if len(sections) == 0 || totalPages == 0 {
		return sections
	}

	headingPages := make(map[string]map[int]bool)
	for _, s := range sections {
		h := normalizeHeading(s.Heading)
		if h == "" {
			continue
		}
		if headingPages[h] == nil {
			headingPages[h] = make(map[int]bool)
		}
		headingPages[h][s.PageNumber] = true
	}

	threshold := max(3, totalPages/4)
	runningHeaders := make(map[string]bool)
	for h, buckets := range headingPages {
		if len(buckets) >= threshold {
			runningHeaders[h] = true
		}
	}
	if len(runningHeaders) == 0 {
		return sections
	}

	var lastRealHeading string
	var lastRealLevel int
	for i := range sections {
		h := normalizeHeading(sections[i].Heading)
		if runningHeaders[h] {
			if lastRealHeading != "" {
				sections[i].Heading = lastRealHeading
				sections[i].Level = lastRealLevel
			}
		} else if sections[i].Heading != "" {
			lastRealHeading = sections[i].Heading
			lastRealLevel = sections[i].Level
		}
	}
	return sections
}

// normalizeHeading strips trailing whitespace and every trailing
// non-ASCII character, which removes the stray glyph artifacts PDF
// extraction sometimes leaves behind (and also a trailing accented
// letter), so the same heading text matches across pages. The comparison works one byte at a time: a byte above
// ASCII range is always part of a multi-byte UTF-8 sequence or one of
// the specific stray code points PDF extractors emit for glyphs with
// no text mapping.
func normalizeHeading(h string) string {
	const privateUseArtifact = 0xf0d2
	const replacementChar = 0xfffd
	h = strings.TrimSpace(h)
	for len(h) > 0 {
		b := h[len(h)-1]
		r := rune(b)
		if b > 127 || r == privateUseArtifact || r == replacementChar {
			h = h[:len(h)-1]
			h = strings.TrimSpace(h)
		} else {
			break
		}
	}
	return h
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
