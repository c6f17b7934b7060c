package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

const keyPrefix = "pc"

// GenerateKey creates a new API key with the format: pc-{env}-{32 random alphanumeric chars}
func GenerateKey(env string) (string, error) {
	random, err := randomString(32)
	if err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return fmt.Sprintf("%s-%s-%s", keyPrefix, env, random), nil
}

// HashKey returns the SHA-256 hex digest of an API key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// KeyPrefix extracts a display-safe prefix from a key: pc-{env}-{first 8 chars}
func KeyPrefix(key string) string {
	parts := strings.SplitN(key, "-", 3)
	if len(parts) < 3 {
		if len(key) > 12 {
			return key[:12]
		}
		return key
	}
	random := parts[2]
	if len(random) > 8 {
		random = random[:8]
	}
	return parts[0] + "-" + parts[1] + "-" + random
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}

// KeyMetadata holds the cached metadata for an API key.
type KeyMetadata struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	QuotaTier string    `json:"quota_tier"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the key is past its expiry at now.
func (km *KeyMetadata) Expired(now time.Time) bool {
	return !km.ExpiresAt.IsZero() && !now.Before(km.ExpiresAt)
}

// ParseDuration parses a duration string like "365d", "30d", "24h".
func ParseDuration(s string) (time.Duration, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty duration")
	}
	if s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("parse days: %w", err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
