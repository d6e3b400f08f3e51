package domain

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var unicodeEscapePattern = regexp.MustCompile(`\\u([0-9a-fA-F]{4})`)

// DecodeUnicodeEscapes turns literal \uXXXX sequences (as found in embedded
// script payloads) into the runes they denote.
func DecodeUnicodeEscapes(value string) string {
	if !strings.Contains(value, `\u`) {
		return value
	}

	return unicodeEscapePattern.ReplaceAllStringFunc(value, func(match string) string {
		code, err := strconv.ParseUint(match[2:], 16, 32)
		if err != nil {
			return match
		}
		return string(rune(code))
	})
}

// NormalizeIdentity reduces a record URL to its matching key: the decoded path,
// without scheme, host, query or fragment.
func NormalizeIdentity(raw string) string {
	decoded := strings.TrimSpace(DecodeUnicodeEscapes(raw))
	if decoded == "" {
		return ""
	}

	path := decoded
	if parsed, err := url.Parse(decoded); err == nil {
		path = parsed.Path
	} else if idx := strings.IndexAny(decoded, "?#"); idx >= 0 {
		path = decoded[:idx]
	}

	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	return path
}
