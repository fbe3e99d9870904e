package keys

import (
	"errors"
	"strings"
	"testing"
	"time"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/models"
)

// TestEvaluateCategoryMismatchBeatsQuota verifies a wrong category is rejected even with quota left.
func TestEvaluateCategoryMismatchBeatsQuota(t *testing.T) {
	now := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	key := models.Key{Category: "instagram", TotalQuota: 10, Status: models.KeyStatusUnused}

	err := Evaluate(key, "youtube.views", now)
	if !errors.Is(err, fault.ErrKeyCategoryMismatch) {
		t.Fatalf("expected category mismatch, got %v", err)
	}

	expiredAt := now.Add(-time.Hour)
	key.ExpiresAt = &expiredAt
	key.UsedCount = 10
	err = Evaluate(key, "youtube.views", now)
	if !errors.Is(err, fault.ErrKeyCategoryMismatch) {
		t.Fatalf("expected category mismatch before expiry and quota, got %v", err)
	}
}

// TestEvaluateExpiredAndExhausted verifies expiry and quota checks.
func TestEvaluateExpiredAndExhausted(t *testing.T) {
	now := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	expiredAt := now.Add(-time.Minute)

	expired := models.Key{Category: "instagram", TotalQuota: 5, Status: models.KeyStatusActive, ExpiresAt: &expiredAt}
	if err := Evaluate(expired, "instagram.likes", now); !errors.Is(err, fault.ErrKeyExpired) {
		t.Fatalf("expected expired, got %v", err)
	}

	exhausted := models.Key{Category: "instagram", TotalQuota: 5, UsedCount: 5, Status: models.KeyStatusExhausted}
	if err := Evaluate(exhausted, "instagram.likes", now); !errors.Is(err, fault.ErrKeyExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	reservedOut := models.Key{Category: "instagram", TotalQuota: 2, UsedCount: 1, ReservedCount: 1, Status: models.KeyStatusActive}
	if err := Evaluate(reservedOut, "instagram.likes", now); !errors.Is(err, fault.ErrKeyExhausted) {
		t.Fatalf("expected exhausted while slots are reserved, got %v", err)
	}

	ok := models.Key{Category: "instagram", TotalQuota: 5, UsedCount: 1, Status: models.KeyStatusActive}
	if err := Evaluate(ok, "instagram.likes", now); err != nil {
		t.Fatalf("expected valid key, got %v", err)
	}
}

// TestMatchCategory verifies platform and platform.type scoping.
func TestMatchCategory(t *testing.T) {
	cases := []struct {
		key     string
		service string
		want    bool
	}{
		{"instagram", "instagram.followers", true},
		{"Instagram", "instagram.likes", true},
		{"instagram", "instagram", true},
		{"instagram.followers", "instagram.followers", true},
		{"instagram.followers", "instagram.likes", false},
		{"instagram", "youtube.views", false},
		{"insta", "instagram.followers", false},
		{"", "instagram.followers", false},
	}
	for _, tc := range cases {
		if got := MatchCategory(tc.key, tc.service); got != tc.want {
			t.Fatalf("MatchCategory(%q, %q) = %v, want %v", tc.key, tc.service, got, tc.want)
		}
	}
}

// TestNewValueFormat verifies generated key values.
func TestNewValueFormat(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		value, err := NewValue()
		if err != nil {
			t.Fatalf("new value: %v", err)
		}
		parts := strings.Split(value, "-")
		if len(parts) != 5 || parts[0] != "KP" {
			t.Fatalf("unexpected value format %q", value)
		}
		for _, part := range parts[1:] {
			if len(part) != 4 || strings.Trim(part, "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567") != "" {
				t.Fatalf("group %q of %q is outside the base32 alphabet", part, value)
			}
		}
		if NormalizeValue(value) != value {
			t.Fatalf("value should already be normalized: %q", value)
		}
		if _, dup := seen[value]; dup {
			t.Fatalf("duplicate value %q", value)
		}
		seen[value] = struct{}{}
	}
}

// TestMask verifies key values are masked.
func TestMask(t *testing.T) {
	if got := Mask("KP-AAAA-BBBB-CCCC-DDDD"); got != "KP-A**************DDDD" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := Mask("short"); got != "*****" {
		t.Fatalf("unexpected short mask %q", got)
	}
}
