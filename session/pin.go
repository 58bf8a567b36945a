package session

import (
	"crypto/rand"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// PinAlphabet is the 32-symbol PIN alphabet. I, O, 0, and 1 are excluded
// so codes survive being read aloud or retyped.
const PinAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// PinLength is the number of code points in a PIN.
const PinLength = 6

var pinAlphabetSet = func() map[rune]struct{} {
	set := make(map[rune]struct{}, len(PinAlphabet))
	for _, r := range PinAlphabet {
		set[r] = struct{}{}
	}
	return set
}()

// GeneratePin returns a random 6-character PIN drawn uniformly from the
// alphabet using a cryptographically strong source. The alphabet size
// divides 256, so reducing each random byte modulo 32 introduces no bias.
func GeneratePin() (string, error) {
	buf := make([]byte, PinLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	var sb strings.Builder
	sb.Grow(PinLength)
	for _, b := range buf {
		sb.WriteByte(PinAlphabet[int(b)%len(PinAlphabet)])
	}
	return sb.String(), nil
}

// IsValidPin reports whether pin is structurally valid:
//
//   - normalises cleanly (NFKC) and trims to exactly PinLength code points
//   - contains no whitespace, control, or surrogate code points
//   - contains no lower-case letters (validation never case-folds)
//   - every code point is in the PIN alphabet
func IsValidPin(pin string) bool {
	if strings.TrimSpace(pin) == "" {
		return false
	}

	normalized := normalizePin(pin)

	runes := []rune(normalized)
	if len(runes) != PinLength {
		return false
	}

	for _, r := range runes {
		if unicode.IsSpace(r) {
			return false
		}
		if unicode.IsControl(r) || isSurrogate(r) {
			return false
		}
		if unicode.IsLetter(r) && unicode.IsLower(r) {
			return false
		}
		if _, ok := pinAlphabetSet[r]; !ok {
			return false
		}
	}

	return true
}

// Canonicalize normalises, trims, and upper-cases a typed PIN for display
// and comparison. Validation of client input never goes through this path.
func Canonicalize(pin string) string {
	return strings.ToUpper(normalizePin(pin))
}

// normalizePin limits normalisation to Unicode safety: compatibility
// decomposition plus trim, with no case mutation.
func normalizePin(pin string) string {
	return strings.TrimSpace(norm.NFKC.String(pin))
}

func isSurrogate(r rune) bool {
	return r >= 0xD800 && r <= 0xDFFF
}
