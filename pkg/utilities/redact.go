package utilities

import (
	"regexp"
	"strings"
)

// jwtPattern matches three dot-separated base64url segments, the shape of a
// serialized JWT. Segment minimums keep ordinary dotted words from matching.
var jwtPattern = regexp.MustCompile(`[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`)

// MaskSecret hides the middle of a sensitive string, keeping a short prefix
// and suffix for correlation. Strings too short to keep both are fully hidden.
func MaskSecret(raw string) string {
	const (
		prefix = 6
		suffix = 4
		hidden = 8
	)
	if len(raw) >= prefix+suffix {
		return raw[:prefix] + strings.Repeat("#", hidden) + raw[len(raw)-suffix:]
	}
	return strings.Repeat("#", hidden)
}

// ScrubTokens replaces anything shaped like a serialized JWT in s with a
// masked form. Applied to free-text diagnostic details so provider error
// strings can never leak a bearer token into the log stream.
func ScrubTokens(s string) string {
	return jwtPattern.ReplaceAllStringFunc(s, MaskSecret)
}
