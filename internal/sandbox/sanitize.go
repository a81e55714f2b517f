package sandbox

import (
	"regexp"
	"strings"
)

// Output sanitization. Compiler and runtime output can leak host paths,
// addresses, and memory dumps; everything below runs inside the worker
// before a result is stored or broadcast.

var (
	absPathRe  = regexp.MustCompile(`(/(usr|home|root|var|opt|etc|tmp|workspace)(/[\w.\-]+)*)`)
	homePathRe = regexp.MustCompile(`~/[\w.\-/]*`)
	ipv4Re     = regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`)
	longHexRe  = regexp.MustCompile(`\b0?x?[0-9a-fA-F]{16,}\b`)
	controlRe  = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// SanitizeOutput strips control characters from a captured stream and
// bounds its length. Stdout keeps paths intact; programs legitimately
// print them.
func SanitizeOutput(s string) string {
	s = controlRe.ReplaceAllString(s, "")
	return truncate(s, maxOutputBytes)
}

// SanitizeError additionally redacts host paths, home-relative paths,
// IPv4-looking tokens, and long hex blobs from error output.
func SanitizeError(s string) string {
	s = controlRe.ReplaceAllString(s, "")
	s = absPathRe.ReplaceAllString(s, "<path>")
	s = homePathRe.ReplaceAllString(s, "<path>")
	s = ipv4Re.ReplaceAllString(s, "<addr>")
	s = longHexRe.ReplaceAllString(s, "<hex>")
	return truncate(s, maxOutputBytes)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	// Do not split a multi-byte rune at the boundary.
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut + "\n... [output truncated]"
}

// FirstTraceLine returns the first non-empty line of an error stream,
// used for interpreted-language compile-error promotion.
func FirstTraceLine(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
