package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrExtraction marks a buffer that is not a readable PDF or has no
// extractable text layer (scanned images without OCR are not supported).
var ErrExtraction = errors.New("pdf extraction failed")

type Result struct {
	Text      string
	PageCount int
	Info      map[string]string
}

// Extract parses a raw PDF buffer into plain text and a page count.
// It has no side effects and never mutates the input.
func Extract(data []byte) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	numPages := reader.NumPage()
	var sb strings.Builder
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", ErrExtraction, i, err)
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: no extractable text layer", ErrExtraction)
	}

	info := map[string]string{}
	if t := reader.Trailer(); !t.IsNull() {
		if i := t.Key("Info"); !i.IsNull() {
			for _, k := range []string{"Title", "Author", "Producer"} {
				if v := i.Key(k); v.Kind() == pdf.String {
					info[k] = v.Text()
				}
			}
		}
	}

	return &Result{Text: text, PageCount: numPages, Info: info}, nil
}

var (
	spacesRe   = regexp.MustCompile(`[ \t]+`)
	newlinesRe = regexp.MustCompile(`\n+`)
)

// CleanText collapses runs of whitespace so chunk boundaries are stable
// across extractor quirks.
func CleanText(text string) string {
	text = spacesRe.ReplaceAllString(text, " ")
	text = newlinesRe.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

type Page struct {
	Number int
	Text   string
}

// SplitPages partitions text into numPages approximately equal slices by
// character count. Page boundaries are an approximation, not the document's
// true layout. Slices that are empty after trimming are dropped, so the
// returned count may be smaller than numPages.
func SplitPages(text string, numPages int) []Page {
	if numPages <= 0 || text == "" {
		return nil
	}

	avg := (len(text) + numPages - 1) / numPages
	var pages []Page
	for i := 0; i < numPages; i++ {
		start := i * avg
		if start >= len(text) {
			break
		}
		end := start + avg
		if end > len(text) {
			end = len(text)
		}
		pageText := strings.TrimSpace(text[start:end])
		if pageText == "" {
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: pageText})
	}
	return pages
}
