package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/promptcraft/chat-gateway/internal/config"
)

// JWTVerifier validates HS256-signed bearer tokens. The subject becomes the
// user id and the tier claim selects the quota tier.
type JWTVerifier struct {
	secret      []byte
	issuer      string
	audience    string
	tierClaim   string
	leeway      time.Duration
	defaultTier string
}

func NewJWTVerifier(cfg config.JWTConfig, defaultTier string) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	tierClaim := cfg.TierClaim
	if tierClaim == "" {
		tierClaim = "tier"
	}
	return &JWTVerifier{
		secret:      []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		tierClaim:   tierClaim,
		leeway:      cfg.Leeway,
		defaultTier: defaultTier,
	}, nil
}

func (v *JWTVerifier) Authenticate(_ context.Context, token string) (*Identity, error) {
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256(), v.secret),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if _, ok := tok.Expiration(); !ok {
		return nil, fmt.Errorf("%w: token has no expiry", ErrUnauthorized)
	}
	sub, ok := tok.Subject()
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	var tier string
	if err := tok.Get(v.tierClaim, &tier); err != nil {
		tier = ""
	}
	id := &Identity{
		UserID:    sub,
		QuotaTier: tierOrDefault(tier, v.defaultTier),
		Method:    MethodJWT,
	}
	if jti, ok := tok.JwtID(); ok {
		id.KeyID = jti
	}
	return id, nil
}

// IssueToken mints an HS256 token for userID. It backs the keygen tool and tests.
func IssueToken(secret, issuer, tierClaim, userID, tier string, ttl time.Duration) (string, error) {
	if tierClaim == "" {
		tierClaim = "tier"
	}
	now := time.Now()
	b := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim(tierClaim, tier)
	if issuer != "" {
		b = b.Issuer(issuer)
	}
	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), []byte(secret)))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}
