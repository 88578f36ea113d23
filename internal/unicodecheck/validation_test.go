package unicodecheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsZeroWidthChars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"empty string", "", false},
		{"normal text", "hello world", false},
		{"zero width space", "hello\u200Bworld", true},
		{"zero width joiner", "hello\u200Dworld", true},
		{"word joiner", "hello\u2060world", true},
		{"byte order mark", "hello\uFEFFworld", true},
		{"CJK characters", "\u4E16\u754C", false},
		{"emoji", "hello \U0001F600 world", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ContainsZeroWidthChars(tt.input))
		})
	}
}

func TestContainsBidiOverrides(t *testing.T) {
	assert.False(t, ContainsBidiOverrides("hello world"))
	assert.True(t, ContainsBidiOverrides("admin\u202Etxt.exe"))
	assert.True(t, ContainsBidiOverrides("a\u2067b"))
}

func TestHasExcessiveCombiningMarks(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected bool
	}{
		{"plain", "hello", 2, false},
		{"single accent", "e\u0301", 2, false},
		{"two accents at limit", "e\u0301\u0302", 2, false},
		{"zalgo", "e\u0301\u0302\u0303\u0304", 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HasExcessiveCombiningMarks(tt.input, tt.max))
		})
	}
}

func TestIsSafeIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"uuid", "3f1c2a9e-8b7d-4c6e-9f0a-1b2c3d4e5f60", true},
		{"accented NFC", "caf\u00E9", true},
		{"accented NFD", "cafe\u0301", false},
		{"newline", "room\n1", false},
		{"zero width", "room\u200B1", false},
		{"bidi", "room\u202E1", false},
		{"hangul filler", "room\u3164", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsSafeIdentifier(tt.input))
		})
	}
}

func TestStripInvisible(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"unchanged", "Alice Smith", "Alice Smith"},
		{"normalizes to NFC", "Jose\u0301", "Jos\u00E9"},
		{"drops zero width", "Al\u200Bice", "Alice"},
		{"drops bidi", "\u202EAlice", "Alice"},
		{"drops control", "Ali\x00ce\n", "Alice"},
		{"truncates zalgo", "a\u0300\u0301\u0302\u0303", "\u00E0\u0301\u0302"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StripInvisible(tt.input, 2))
		})
	}
}

func TestSanitizeForLogging(t *testing.T) {
	assert.Equal(t, "a[CTRL]b[ZW]c", SanitizeForLogging("a\x01b\u200Bc"))
}
