package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/promptcraft/chat-gateway/internal/auth"
	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/promptcraft/chat-gateway/internal/types"
)

func main() {
	user := flag.String("user", "", "user ID the credential belongs to (required)")
	tier := flag.String("tier", "free", "quota tier: free, pro, enterprise")
	name := flag.String("name", "", "human-friendly key name (required for api keys)")
	env := flag.String("env", "prod", "environment prefix")
	expires := flag.String("expires", "365d", "expiry duration (e.g., 365d, 720h)")
	dbURL := flag.String("db-url", "", "database URL (overrides PROMPTCRAFT_DATABASE_URL / PROMPTCRAFT_DB_*)")
	asJWT := flag.Bool("jwt", false, "mint a signed JWT instead of storing an api key")
	secret := flag.String("secret", os.Getenv("PROMPTCRAFT_JWT_SECRET"), "HS256 secret for -jwt")
	issuer := flag.String("issuer", "promptcraft", "issuer claim for -jwt")
	flag.Parse()

	if *user == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: -user is required")
		os.Exit(1)
	}
	if _, ok := types.ParseTier(*tier); !ok {
		log.Fatalf("unknown tier %q", *tier)
	}

	dur, err := auth.ParseDuration(*expires)
	if err != nil {
		log.Fatalf("invalid expires: %v", err)
	}

	if *asJWT {
		if *secret == "" {
			log.Fatal("-secret or PROMPTCRAFT_JWT_SECRET is required for -jwt")
		}
		token, err := auth.IssueToken(*secret, *issuer, "tier", *user, *tier, dur)
		if err != nil {
			log.Fatalf("failed to sign token: %v", err)
		}
		fmt.Println(token)
		return
	}

	if *name == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: -name is required")
		os.Exit(1)
	}

	rawKey, err := auth.GenerateKey(*env)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}
	keyHash := auth.HashKey(rawKey)
	keyPrefix := auth.KeyPrefix(rawKey)
	expiresAt := time.Now().Add(dur)

	dsn := *dbURL
	if dsn == "" {
		if dsn, err = config.DatabaseURLFromEnv(); err != nil {
			log.Fatalf("database settings: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	var keyID string
	err = conn.QueryRow(ctx, `
		INSERT INTO api_keys (key_hash, key_prefix, user_id, quota_tier, name, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, keyHash, keyPrefix, *user, *tier, *name, expiresAt).Scan(&keyID)
	if err != nil {
		log.Fatalf("failed to insert key: %v", err)
	}

	fmt.Println("=== PromptCraft API Key Generated ===")
	fmt.Println()
	fmt.Printf("  Key ID:      %s\n", keyID)
	fmt.Printf("  Key Prefix:  %s\n", keyPrefix)
	fmt.Printf("  User:        %s\n", *user)
	fmt.Printf("  Tier:        %s\n", *tier)
	fmt.Printf("  Expires:     %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("  API Key (save this, it will NOT be shown again):")
	fmt.Printf("  %s\n", rawKey)
	fmt.Println()
	fmt.Println("=====================================")
}
