// Package keys owns redemption keys: validation rules, quota reservation and
// issuance.
package keys

import (
	"strings"
	"time"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/models"
)

// Evaluate checks whether key may place an order in category at now.
// A category mismatch is reported before any quota or expiry problem. An
// empty category skips the category check.
func Evaluate(key models.Key, category string, now time.Time) error {
	if category != "" && !MatchCategory(key.Category, category) {
		return fault.ErrKeyCategoryMismatch
	}
	return CheckUsable(key, now)
}

// CheckUsable reports expiry and quota problems, ignoring category.
func CheckUsable(key models.Key, now time.Time) error {
	if IsExpired(key, now) {
		return fault.ErrKeyExpired
	}
	if key.Status == models.KeyStatusExhausted || key.Remaining() <= 0 {
		return fault.ErrKeyExhausted
	}
	return nil
}

// IsExpired reports whether key is past its expiry or already marked expired.
func IsExpired(key models.Key, now time.Time) bool {
	if key.Status == models.KeyStatusExpired {
		return true
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return key.ExpiresAt != nil && now.After(key.ExpiresAt.UTC())
}

// MatchCategory reports whether a key issued for keyCategory may be used for a
// service in serviceCategory. A bare platform ("instagram") covers every type
// on that platform; "instagram.followers" covers only that type.
func MatchCategory(keyCategory, serviceCategory string) bool {
	k := NormalizeCategory(keyCategory)
	s := NormalizeCategory(serviceCategory)
	if k == "" || s == "" {
		return false
	}
	if k == s {
		return true
	}
	if !strings.Contains(k, ".") {
		return strings.HasPrefix(s, k+".")
	}
	return false
}

// NormalizeCategory lowercases and trims a category.
func NormalizeCategory(category string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(category), "."))
}
