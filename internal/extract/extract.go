// Package extract converts downloaded document bytes into plain text for the
// AI prompt. Conversion quality is an external concern; this package only
// guarantees that unsupported formats and empty documents fail loudly instead
// of silently producing an empty prompt.
package extract

import (
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrNoContent         = errors.New("document contains no usable text")
)

// Extractor converts raw bytes plus a MIME type into text.
type Extractor interface {
	Extract(data []byte, mimeType string) (string, error)
}

// TextExtractor handles text-based formats directly. Binary formats (scans,
// PDFs) are expected to arrive pre-converted by the upload path; anything
// else is rejected rather than guessed at.
type TextExtractor struct{}

func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

var textualTypes = map[string]bool{
	"text/plain":       true,
	"text/markdown":    true,
	"text/csv":         true,
	"text/html":        true,
	"application/json": true,
}

func (e *TextExtractor) Extract(data []byte, mimeType string) (string, error) {
	base := mimeType
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		base = parsed
	}
	base = strings.ToLower(base)

	if !textualTypes[base] && !strings.HasPrefix(base, "text/") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, mimeType)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s payload is not valid UTF-8", ErrUnsupportedFormat, mimeType)
	}

	text := Normalize(string(data))
	if text == "" {
		return "", ErrNoContent
	}
	return text, nil
}

var spaceRuns = regexp.MustCompile(`[ \t]+`)
var blankRuns = regexp.MustCompile(`\n{3,}`)

// Normalize collapses horizontal whitespace runs, normalizes line breaks to
// LF, squeezes excess blank lines, and trims the result.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spaceRuns.ReplaceAllString(s, " ")
	s = blankRuns.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var _ Extractor = (*TextExtractor)(nil)
