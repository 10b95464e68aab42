// Package codegen produces formatted redemption codes. Uniqueness is
// enforced by the store on insert, not here.
package codegen

import (
	"crypto/rand"
	"strings"
)

const (
	// alphabet is the full uppercase alphanumeric set used for codes.
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// rawLength is the number of alphabet characters per code.
	rawLength = 16
	// groupSize is the number of characters per displayed group.
	groupSize = 4
	// Separator joins display groups.
	Separator = "-"
)

// DisplayLength is the length of a formatted code (16 chars in 4 groups).
const DisplayLength = rawLength + rawLength/groupSize - 1

// Generate returns a random code in canonical grouped form
// (XXXX-XXXX-XXXX-XXXX). Entropy comes from crypto/rand; collisions are
// improbable but the caller must still handle duplicate inserts.
func Generate() (string, error) {
	buf := make([]byte, rawLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, rawLength)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return Format(string(out)), nil
}

// Format groups a raw 16-character code as XXXX-XXXX-XXXX-XXXX.
func Format(raw string) string {
	var sb strings.Builder
	sb.Grow(DisplayLength)
	for i := 0; i < len(raw); i += groupSize {
		if i > 0 {
			sb.WriteString(Separator)
		}
		end := i + groupSize
		if end > len(raw) {
			end = len(raw)
		}
		sb.WriteString(raw[i:end])
	}
	return sb.String()
}

// Normalize strips separators and whitespace from user input, uppercases
// it, and re-derives the canonical grouped form. Input that does not
// contain exactly 16 alphanumeric characters is returned uppercased and
// stripped but ungrouped, so it can never collide with a stored code.
func Normalize(input string) string {
	var sb strings.Builder
	sb.Grow(rawLength)
	for _, r := range strings.ToUpper(strings.TrimSpace(input)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	raw := sb.String()
	if len(raw) != rawLength {
		return raw
	}
	return Format(raw)
}
