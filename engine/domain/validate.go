package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Upload and query bounds.
const (
	DefaultTopK    = 6
	MaxTopK        = 20
	DefaultHorizon = 30
	MaxHorizon     = 365
)

// DefaultTickers is used when a forecast or strategy request names none.
var DefaultTickers = []string{"WMT", "MCD", "ADBE"}

// SupportedContentTypes enumerates upload types the extractor can read.
var SupportedContentTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
}

// Ticker format: letters, digits, dot, dash and caret (BRK.B, RDS-A, ^GSPC), 1 to 10 long.
var tickerRegex = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-^=]{0,9}$`)

// ValidateUpload checks an uploaded file before extraction.
func ValidateUpload(name, contentType string, size int64) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("file_name", name, ErrMissingField)
	}
	if size <= 0 {
		return NewValidationError("size", fmt.Sprintf("%d", size), ErrEmptyFile)
	}
	base := contentType
	if i := strings.IndexByte(base, ';'); i != -1 {
		base = base[:i]
	}
	if !SupportedContentTypes[strings.TrimSpace(base)] {
		return NewValidationError("content_type", contentType, ErrUnsupportedFileType)
	}
	return nil
}

// ValidateQuestion rejects blank questions.
func ValidateQuestion(q string) error {
	if strings.TrimSpace(q) == "" {
		return NewValidationError("question", q, ErrEmptyQuestion)
	}
	return nil
}

// ClampTopK applies the retrieval bounds: non-positive means the default,
// anything above MaxTopK is capped.
func ClampTopK(k int) int {
	if k <= 0 {
		return DefaultTopK
	}
	if k > MaxTopK {
		return MaxTopK
	}
	return k
}

// ValidateHorizon fills in the default horizon and rejects values outside 1..MaxHorizon.
func ValidateHorizon(days int) (int, error) {
	if days == 0 {
		return DefaultHorizon, nil
	}
	if days < 0 || days > MaxHorizon {
		return 0, NewValidationError("horizonDays", fmt.Sprintf("%d", days), ErrInvalidHorizon)
	}
	return days, nil
}

// NormalizeTickers trims, upper-cases and de-duplicates symbols, keeping
// first-seen order. Empty input yields DefaultTickers. Malformed symbols are
// kept so they surface as per-ticker failures downstream.
func NormalizeTickers(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, raw := range in {
		t := strings.ToUpper(strings.TrimSpace(raw))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		out = append(out, DefaultTickers...)
	}
	return out
}

// ValidateTicker checks a single normalized symbol.
func ValidateTicker(t string) error {
	if !tickerRegex.MatchString(t) {
		return NewValidationError("ticker", t, ErrInvalidTicker)
	}
	return nil
}
