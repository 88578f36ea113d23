package rooms

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/ericfitz/tmi-collab/internal/unicodecheck"
)

// maxCombiningMarks caps combining mark runs in display names
const maxCombiningMarks = 2

// displayNamePolicy strips all markup. bluemonday policies are safe for
// concurrent use after creation.
var displayNamePolicy = bluemonday.StrictPolicy()

// SanitizeDisplayName removes markup and invisible characters from a display
// name and truncates it to maxRunes runes. An empty result falls back to
// userID.
func SanitizeDisplayName(name, userID string, maxRunes int) string {
	s := unicodecheck.StripInvisible(name, maxCombiningMarks)
	s = strings.TrimSpace(displayNamePolicy.Sanitize(s))
	if maxRunes > 0 && utf8.RuneCountInString(s) > maxRunes {
		runes := []rune(s)
		s = strings.TrimSpace(string(runes[:maxRunes]))
	}
	if s == "" {
		return userID
	}
	return s
}

// ValidateRoomID checks a caller-supplied room id
func ValidateRoomID(roomID string, maxLen int) error {
	switch {
	case roomID == "":
		return fmt.Errorf("%w: room id is required", ErrInvalidRequest)
	case maxLen > 0 && len(roomID) > maxLen:
		return fmt.Errorf("%w: room id exceeds %d bytes", ErrInvalidRequest, maxLen)
	case !utf8.ValidString(roomID), !unicodecheck.IsSafeIdentifier(roomID):
		return fmt.Errorf("%w: room id contains unsafe characters", ErrInvalidRequest)
	case strings.ContainsAny(roomID, " *?[]"):
		// room ids become bus channel names; glob characters would widen pattern subscriptions
		return fmt.Errorf("%w: room id contains reserved characters", ErrInvalidRequest)
	}
	return nil
}
