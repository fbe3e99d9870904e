package keys

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

const (
	valuePrefix = "KP"
	valueGroups = 4
	groupSize   = 4
)

var valueEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewValue returns a random key value such as KP-7QXA-M2LD-GF3K-PZ4T.
func NewValue() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	encoded := valueEncoding.EncodeToString(buf)
	parts := []string{valuePrefix}
	for i := 0; i < valueGroups; i++ {
		parts = append(parts, encoded[i*groupSize:(i+1)*groupSize])
	}
	return strings.Join(parts, "-"), nil
}

// NormalizeValue trims and uppercases user supplied key values.
func NormalizeValue(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// Mask hides all but the edges of a key value.
func Mask(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
