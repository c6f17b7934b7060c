package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "promptcraft:key:"

// KeyStore looks up API key metadata by hash. A nil result with a nil error
// means the key is unknown, revoked or expired.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error)
}

// CachedKeyStore implements KeyStore with PostgreSQL + Redis cache.
type CachedKeyStore struct {
	db       *pgxpool.Pool
	redis    *redis.Client
	cacheTTL time.Duration
}

func NewCachedKeyStore(db *pgxpool.Pool, rdb *redis.Client, cacheTTL time.Duration) *CachedKeyStore {
	return &CachedKeyStore{db: db, redis: rdb, cacheTTL: cacheTTL}
}

func (s *CachedKeyStore) Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, redisKeyPrefix+keyHash).Bytes()
		if err == nil {
			var meta KeyMetadata
			if err := json.Unmarshal(cached, &meta); err == nil && !meta.Expired(time.Now()) {
				return &meta, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			slog.Warn("api key cache read failed", "error", err)
		}
	}

	meta, err := s.lookupDB(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	if s.redis != nil && s.cacheTTL > 0 {
		if data, err := json.Marshal(meta); err == nil {
			ttl := s.cacheTTL
			if until := time.Until(meta.ExpiresAt); until > 0 && until < ttl {
				ttl = until
			}
			s.redis.Set(ctx, redisKeyPrefix+keyHash, data, ttl)
		}
	}

	return meta, nil
}

func (s *CachedKeyStore) lookupDB(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	if s.db == nil {
		return nil, errors.New("api key store has no database")
	}

	var meta KeyMetadata
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, quota_tier, name, expires_at
		FROM api_keys
		WHERE key_hash = $1
		  AND status = 'active'
		  AND expires_at > NOW()
	`, keyHash).Scan(
		&meta.ID,
		&meta.UserID,
		&meta.QuotaTier,
		&meta.Name,
		&meta.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query api_keys: %w", err)
	}

	// Update last_used_at asynchronously (fire-and-forget)
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.db.Exec(bgCtx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, meta.ID); err != nil {
			slog.Debug("update last_used_at failed", "key_id", meta.ID, "error", err)
		}
	}()

	return &meta, nil
}
