package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePinShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		pin, err := GeneratePin()
		require.NoError(t, err)
		assert.Len(t, pin, PinLength)
		for _, r := range pin {
			assert.Contains(t, PinAlphabet, string(r))
		}
	}
}

func TestGeneratePinCoversAlphabet(t *testing.T) {
	seen := make(map[rune]bool)
	for i := 0; i < 2000; i++ {
		pin, err := GeneratePin()
		require.NoError(t, err)
		for _, r := range pin {
			seen[r] = true
		}
	}
	// 12000 samples over 32 symbols: every symbol should appear.
	assert.Len(t, seen, len(PinAlphabet))
}

func TestIsValidPin(t *testing.T) {
	cases := []struct {
		name string
		pin  string
		want bool
	}{
		{"valid upper-case", "ABC234", true},
		{"valid all letters", "QWERTZ", true},
		{"empty", "", false},
		{"blank", "   ", false},
		{"too short", "ABC23", false},
		{"too long", "ABC2345", false},
		{"lower-case rejected, not folded", "abc234", false},
		{"mixed case rejected", "AbC234", false},
		{"excluded letter I", "ABCDEI", false},
		{"excluded letter O", "ABCDEO", false},
		{"excluded digit 0", "ABC230", false},
		{"excluded digit 1", "ABC231", false},
		{"interior whitespace", "ABC 34", false},
		{"tab inside", "ABC\t34", false},
		{"control character", "ABC2\x0034", false},
		{"zero-width space", "ABC​234", false},
		{"fullwidth compatibility forms normalise", "ＡＢＣ２３４", true},
		{"fullwidth lower-case still rejected", "ａｂｃ２３４", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsValidPin(tc.pin))
		})
	}
}

func TestIsValidPinTrimmedInputValid(t *testing.T) {
	// Normalisation trims surrounding whitespace before counting.
	assert.True(t, IsValidPin("  ABC234  "))
}

func TestCanonicalize(t *testing.T) {
	assert.Equal(t, "ABC234", Canonicalize("  abc234  "))
	assert.Equal(t, "ABC234", Canonicalize("ａｂｃ２３４"))
	assert.Equal(t, "QWERTZ", Canonicalize("qwertz"))
}

func TestCanonicalizedPinValidates(t *testing.T) {
	canonical := Canonicalize("abc234")
	assert.True(t, IsValidPin(canonical))
}

func TestGeneratedPinsValidate(t *testing.T) {
	for i := 0; i < 50; i++ {
		pin, err := GeneratePin()
		require.NoError(t, err)
		assert.True(t, IsValidPin(pin), "generated pin %q must validate", pin)
		assert.Equal(t, pin, Canonicalize(pin))
	}
}

func TestPinAlphabetExcludesConfusables(t *testing.T) {
	for _, excluded := range []string{"I", "O", "0", "1"} {
		assert.False(t, strings.Contains(PinAlphabet, excluded))
	}
	assert.Len(t, PinAlphabet, 32)
}
