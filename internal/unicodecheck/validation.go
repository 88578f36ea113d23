// Package unicodecheck detects and strips Unicode that can be used to spoof
// identifiers or display names shown to other collaborators: zero-width
// characters, bidirectional overrides, Hangul fillers, control characters
// and runs of combining marks.
package unicodecheck

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Zero-width characters commonly used in spoofing attacks.
var zeroWidthChars = []rune{
	'\u200B', // Zero Width Space
	'\u200C', // Zero Width Non-Joiner
	'\u200D', // Zero Width Joiner
	'\u200E', // Left-to-Right Mark
	'\u200F', // Right-to-Left Mark
	'\u2060', // Word Joiner
	'\uFEFF', // Byte Order Mark / Zero Width No-Break Space
}

// Bidirectional text override characters that can reorder displayed text.
var bidiOverrideChars = []rune{
	'\u202A', '\u202B', '\u202C', '\u202D', '\u202E',
	'\u2066', '\u2067', '\u2068', '\u2069',
}

func isZeroWidth(r rune) bool { return slices.Contains(zeroWidthChars, r) }

func isBidiOverride(r rune) bool { return slices.Contains(bidiOverrideChars, r) }

func isHangulFiller(r rune) bool { return r == '\u3164' || r == '\uFFA0' }

// ContainsZeroWidthChars checks for zero-width characters
func ContainsZeroWidthChars(s string) bool {
	return strings.ContainsFunc(s, isZeroWidth)
}

// ContainsBidiOverrides checks for bidirectional override characters
func ContainsBidiOverrides(s string) bool {
	return strings.ContainsFunc(s, isBidiOverride)
}

// ContainsControlChars checks for any control character, including newlines
func ContainsControlChars(s string) bool {
	return strings.ContainsFunc(s, unicode.IsControl)
}

// IsCombiningMark reports whether r is a nonspacing or enclosing mark
func IsCombiningMark(r rune) bool {
	return unicode.In(r, unicode.Mn, unicode.Me)
}

// HasExcessiveCombiningMarks detects "Zalgo text" by looking for more than
// maxConsecutive combining marks in a row.
func HasExcessiveCombiningMarks(s string, maxConsecutive int) bool {
	run := 0
	for _, r := range s {
		if IsCombiningMark(r) {
			run++
			if run > maxConsecutive {
				return true
			}
			continue
		}
		run = 0
	}
	return false
}

// IsSafeIdentifier reports whether s can be used verbatim as an opaque
// identifier: NFC-normalized and free of invisible or control runes.
func IsSafeIdentifier(s string) bool {
	return norm.NFC.IsNormalString(s) &&
		!ContainsControlChars(s) &&
		!ContainsZeroWidthChars(s) &&
		!ContainsBidiOverrides(s) &&
		!strings.ContainsFunc(s, isHangulFiller)
}

// StripInvisible NFC-normalizes s and removes control, zero-width, bidi
// override and Hangul filler runes. Combining mark runs are truncated to
// maxCombining marks.
func StripInvisible(s string, maxCombining int) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	run := 0
	for _, r := range s {
		switch {
		case unicode.IsControl(r), isZeroWidth(r), isBidiOverride(r), isHangulFiller(r):
			continue
		case IsCombiningMark(r):
			run++
			if run > maxCombining {
				continue
			}
		default:
			run = 0
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SanitizeForLogging replaces control characters with [CTRL] and zero-width
// characters with [ZW].
func SanitizeForLogging(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
			result.WriteString("[CTRL]")
		case isZeroWidth(r):
			result.WriteString("[ZW]")
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
