package pdftext

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNoPages marks a structurally valid PDF with nothing to read.
var ErrNoPages = errors.New("pdf has no pages")

// TruncationMarker is appended when extracted text exceeds the cap.
const TruncationMarker = "... (text truncated due to length limit)"

// Extractor reads page-ordered plain text out of PDF files.
type Extractor struct{}

// Validate opens the document and reports its page count. The underlying
// parser panics on some malformed inputs, so recover folds those into the
// error return.
func (Extractor) Validate(path string) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	f, reader, err := pdf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	pages = reader.NumPage()
	if pages == 0 {
		return 0, ErrNoPages
	}
	return pages, nil
}

// Text extracts plain text from every page, in page order.
func (Extractor) Text(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract page %d: %w", i, err)
		}
		sb.WriteString(content)
	}
	return sb.String(), nil
}

// Truncate caps text at limit runes and appends the marker when it cut
// anything. Downstream length reporting includes the marker.
func Truncate(text string, limit int) (string, bool) {
	if limit <= 0 {
		return text, false
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text, false
	}
	return string(runes[:limit]) + TruncationMarker, true
}
