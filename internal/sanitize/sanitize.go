// Package sanitize normalizes identifiers that end up in NATS subjects and
// validates paths taken from configuration.
//
// A subject token must not contain '.', '*', '>' or whitespace. Tokens are
// kept to ^[a-z0-9_-]{1,64}$ so they also read well in logs.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxTokenLength is the maximum length of one subject token.
	MaxTokenLength = 64

	// HashSuffixLength is the length of the _<8-char-hash> suffix added to
	// truncated tokens.
	HashSuffixLength = 9

	// DefaultToken is used when sanitization produces an empty result.
	DefaultToken = "default"
)

// Token sanitizes s for use as a single subject token.
//
// Examples:
//
//	"Faultline"       -> "faultline"
//	"team a/dev"      -> "team_a_dev"
//	"" or "*>"        -> "default"
func Token(s string) string {
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")
	if out == "" {
		return DefaultToken
	}
	if len(out) > MaxTokenLength {
		out = truncateWithHash(out)
	}
	return out
}

// SubjectPrefix sanitizes a dotted prefix token by token, dropping empty
// tokens. "Faultline..Dev Box" becomes "faultline.dev_box".
func SubjectPrefix(prefix string) string {
	var tokens []string
	for _, part := range strings.Split(prefix, ".") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		tokens = append(tokens, Token(part))
	}
	if len(tokens) == 0 {
		return ""
	}
	return strings.Join(tokens, ".")
}

// truncateWithHash keeps distinct long inputs distinct after truncation.
func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(hash[:])[:8]
	base := strings.TrimRight(s[:MaxTokenLength-HashSuffixLength], "_")
	return base + suffix
}
