package document

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	// MaxSegmentLength bounds a single path segment.
	MaxSegmentLength = 128

	// MaxDepth bounds the number of segments in a path.
	MaxDepth = 32

	// Separator joins path segments.
	Separator = "."
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:|@#%+~$]+$`)

// ParsePath splits and validates a dotted path.
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, invalidPath(path, ErrEmptyPath)
	}
	segs := strings.Split(path, Separator)
	if len(segs) > MaxDepth {
		return nil, invalidPath(path, ErrPathTooDeep)
	}
	for _, seg := range segs {
		switch {
		case seg == "":
			return nil, invalidPath(path, ErrEmptySegment)
		case len(seg) > MaxSegmentLength:
			return nil, invalidPath(path, ErrSegmentTooLong)
		case !segmentPattern.MatchString(seg):
			return nil, invalidPath(path, ErrInvalidSegment)
		}
	}
	return segs, nil
}

// ValidatePath reports whether path is well formed.
func ValidatePath(path string) error {
	_, err := ParsePath(path)
	return err
}

// JoinPath joins segments with the separator.
func JoinPath(segs ...string) string {
	return strings.Join(segs, Separator)
}

// HasPathPrefix reports whether path equals prefix or lies beneath it.
// Matching is on whole segments: "a.bc" is not under "a.b".
func HasPathPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '.'
}

// EscapeSegment turns an arbitrary string into a valid path segment.
// Letters, digits, '_' and '-' pass through; every other byte becomes
// ~XX. The empty string maps to "~". Results longer than MaxSegmentLength
// are shortened and suffixed with a digest, so distinct inputs stay distinct.
func EscapeSegment(s string) string {
	if s == "" {
		return "~"
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isPlainByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('~')
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	out := b.String()
	if len(out) <= MaxSegmentLength {
		return out
	}
	sum := sha256.Sum256([]byte(s))
	digest := hex.EncodeToString(sum[:8])
	return out[:MaxSegmentLength-len(digest)-1] + "$" + digest
}

// UnescapeSegment reverses EscapeSegment. Shortened segments cannot be
// reversed and are returned unchanged with ok=false.
func UnescapeSegment(seg string) (string, bool) {
	if seg == "~" {
		return "", true
	}
	if strings.Contains(seg, "$") {
		return seg, false
	}
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		if seg[i] != '~' {
			b.WriteByte(seg[i])
			continue
		}
		if i+2 >= len(seg) {
			return seg, false
		}
		raw, err := hex.DecodeString(seg[i+1 : i+3])
		if err != nil {
			return seg, false
		}
		b.Write(raw)
		i += 2
	}
	return b.String(), true
}

func isPlainByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}
