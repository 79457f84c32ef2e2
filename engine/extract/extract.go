// Package extract turns uploaded file bytes into plain text.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"

	"github.com/WessleyAI/filings-analyst/engine/domain"
)

// Result is the extracted text of one file.
type Result struct {
	Text  string
	Pages int
}

// Extractor reads text out of a file body.
type Extractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (Result, error)
}

// Detect sniffs the content type of data, ignoring any client-supplied value.
func Detect(data []byte) string {
	m := mimetype.Detect(data)
	for _, ct := range []string{"application/pdf", "text/plain"} {
		if m.Is(ct) {
			return ct
		}
	}
	return m.String()
}

// Default dispatches on content type to the PDF and plain-text readers.
type Default struct{}

// Extract implements Extractor.
func (Default) Extract(ctx context.Context, data []byte, contentType string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	switch contentType {
	case "application/pdf":
		return PDF(data)
	case "text/plain":
		return Text(data)
	default:
		return Result{}, domain.NewValidationError("content_type", contentType, domain.ErrUnsupportedFileType)
	}
}

// PDF extracts the plain text of every page, pages separated by a blank line.
func PDF(data []byte) (res Result, err error) {
	// The reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extract: pdf: malformed document: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("extract: pdf: open: %w", err)
	}
	n := r.NumPage()
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		txt, err := p.GetPlainText(nil)
		if err != nil {
			return Result{}, fmt.Errorf("extract: pdf: page %d: %w", i, err)
		}
		if txt = strings.TrimSpace(txt); txt != "" {
			pages = append(pages, txt)
		}
	}
	return Result{Text: strings.Join(pages, "\n\n"), Pages: n}, nil
}

// Text returns a UTF-8 body as a single page.
func Text(data []byte) (Result, error) {
	if !utf8.Valid(data) {
		return Result{}, fmt.Errorf("extract: text: body is not valid UTF-8")
	}
	return Result{Text: strings.TrimSpace(string(data)), Pages: 1}, nil
}
