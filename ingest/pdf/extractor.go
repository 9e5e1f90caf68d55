// Package pdf extracts text from PDF attachments so conversations can
// reference document content without shipping whole files to the model.
//
// It uses ledongthuc/pdf (BSD-3, pure Go, no CGO). This is a separate
// subpackage so that the dependency is only pulled in by users who need
// PDF support.
package pdf

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// MaxAttachmentSize is the largest PDF worth extracting; bigger files are
// skipped by callers.
const MaxAttachmentSize = 10 * 1024 * 1024

// DefaultExcerptChars bounds an excerpt destined for a transcript line.
const DefaultExcerptChars = 2000

// Extractor extracts plain text from PDF documents.
type Extractor struct{}

// NewExtractor creates a PDF extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract extracts plain text, page by page, pages separated by blank
// lines. Unreadable pages are skipped.
func (e *Extractor) Extract(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	if len(content) > MaxAttachmentSize {
		return "", fmt.Errorf("pdf exceeds %d bytes", MaxAttachmentSize)
	}

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := extractPageText(page)
		if err != nil || pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

// Excerpt extracts and truncates to at most maxChars runes, cutting at a
// word boundary where possible. maxChars <= 0 uses DefaultExcerptChars.
func (e *Extractor) Excerpt(content []byte, maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultExcerptChars
	}
	text, err := e.Extract(content)
	if err != nil {
		return "", err
	}
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text, nil
	}
	cut := string(runes[:maxChars])
	if i := strings.LastIndex(cut, " "); i > maxChars/2 {
		cut = cut[:i]
	}
	return cut + "…", nil
}

// extractPageText extracts readable text from a single PDF page.
func extractPageText(page pdf.Page) (string, error) {
	text, err := page.GetPlainText(nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
