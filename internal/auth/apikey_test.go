package auth

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey("prod")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(key, "pc-prod-") {
		t.Errorf("key should start with 'pc-prod-', got: %s", key)
	}

	// pc-prod- is 8 chars, plus 32 random = 40 total
	if len(key) != 40 {
		t.Errorf("expected key length 40, got %d: %s", len(key), key)
	}

	key2, _ := GenerateKey("prod")
	if key == key2 {
		t.Error("two generated keys should not be identical")
	}
}

func TestGenerateKey_DifferentEnv(t *testing.T) {
	key, err := GenerateKey("dev")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if !strings.HasPrefix(key, "pc-dev-") {
		t.Errorf("key should start with 'pc-dev-', got: %s", key)
	}
}

func TestHashKey(t *testing.T) {
	key := "pc-prod-abcdefghijklmnopqrstuvwxyz012345"
	hash := HashKey(key)

	if len(hash) != 64 {
		t.Errorf("expected hash length 64, got %d", len(hash))
	}
	if hash != HashKey(key) {
		t.Error("same key should produce same hash")
	}
	if hash == HashKey("pc-prod-different") {
		t.Error("different keys should produce different hashes")
	}
}

func TestKeyPrefix(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"pc-prod-abcdefghijklmnopqrstuvwxyz012345", "pc-prod-abcdefgh"},
		{"pc-dev-12345678901234567890123456789012", "pc-dev-12345678"},
		{"pc-dev-abc", "pc-dev-abc"},
		{"short", "short"},
	}

	for _, tt := range tests {
		got := KeyPrefix(tt.key)
		if got != tt.expected {
			t.Errorf("KeyPrefix(%q) = %q, want %q", tt.key, got, tt.expected)
		}
	}
}

func TestKeyMetadata_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"future", now.Add(time.Hour), false},
		{"past", now.Add(-time.Hour), true},
		{"exactly now", now, true},
		{"no expiry", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km := &KeyMetadata{ExpiresAt: tt.expiresAt}
			if got := km.Expired(now); got != tt.want {
				t.Errorf("expected Expired=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
		hours   float64
	}{
		{"365d", false, 365 * 24},
		{"30d", false, 30 * 24},
		{"24h", false, 24},
		{"1h", false, 1},
		{"", true, 0},
		{"xd", true, 0},
	}

	for _, tt := range tests {
		dur, err := ParseDuration(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDuration(%q) should have errored", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDuration(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if dur.Hours() != tt.hours {
			t.Errorf("ParseDuration(%q) = %v hours, want %v", tt.input, dur.Hours(), tt.hours)
		}
	}
}
