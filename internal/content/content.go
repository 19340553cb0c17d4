package content

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"parley/internal/models"
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 20

	// filetype needs at most 262 bytes to recognise a format; 352 base64
	// characters decode to 264 bytes.
	sniffPrefix = 352
)

var (
	policy   = bluemonday.UGCPolicy()
	markdown = goldmark.New()
)

// Sanitize removes unsafe HTML from the input string using the UGC policy.
// Message text is stored as sent; only rendered HTML goes through here.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts markdown text to sanitized HTML.
// Empty input and conversion failures yield an empty string.
func Render(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	return strings.TrimSpace(Sanitize(buf.String()))
}

// NormalizeUsername trims the raw name and checks its length.
// The returned error wraps models.ErrInvalidUsername.
func NormalizeUsername(raw string) (string, error) {
	username := strings.TrimSpace(raw)
	if username == "" {
		return "", fmt.Errorf("%w: username cannot be empty", models.ErrInvalidUsername)
	}
	n := utf8.RuneCountInString(username)
	if n < MinUsernameLength || n > MaxUsernameLength {
		return "", fmt.Errorf("%w: username must be %d-%d characters long",
			models.ErrInvalidUsername, MinUsernameLength, MaxUsernameLength)
	}
	return username, nil
}

// DetectMime guesses the MIME type of an inline payload. It understands
// data URLs ("data:image/png;base64,...") and bare base64. The declared type
// of a data URL is used when sniffing fails.
func DetectMime(data string) string {
	if data == "" {
		return ""
	}

	declared := ""
	payload := data
	if rest, ok := strings.CutPrefix(data, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found {
			return ""
		}
		declared, _, _ = strings.Cut(header, ";")
		if !strings.HasSuffix(header, ";base64") {
			return declared
		}
		payload = body
	}

	if len(payload) > sniffPrefix {
		payload = payload[:sniffPrefix]
	}
	head, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// A truncated prefix may still carry padding issues; fall back to the raw decoder.
		head, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return declared
		}
	}

	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return declared
	}
	return kind.MIME.Value
}
