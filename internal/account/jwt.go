package account

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/burrownet/burrow/internal/store/sqlite"
)

// JWTService verifies HS256 account tokens minted by the external billing
// system with a shared signing secret, and reads quotas and usage from the
// shared store.
type JWTService struct {
	secret []byte
	store  *sqlite.Store
}

type tokenClaims struct {
	Plan string `json:"plan"`
	jwt.RegisteredClaims
}

// NewJWTService builds the default account service.
func NewJWTService(signingSecret string, store *sqlite.Store) *JWTService {
	return &JWTService{secret: []byte(signingSecret), store: store}
}

func (s *JWTService) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrBadToken
	}
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrBadToken
	}
	if claims.Subject == "" {
		return Identity{}, ErrBadToken
	}
	plan := claims.Plan
	if plan == "" {
		plan = "free"
	}
	return Identity{UserID: claims.Subject, Plan: plan}, nil
}

func (s *JWTService) GetQuota(ctx context.Context, id Identity) (Quota, error) {
	return s.store.Quota(ctx, id.Plan)
}

func (s *JWTService) RecordUsage(ctx context.Context, userID string, bytes int64) error {
	return s.store.AddUsage(ctx, userID, bytes)
}

func (s *JWTService) Usage(ctx context.Context, userID string) (int64, error) {
	return s.store.UsageThisPeriod(ctx, userID)
}

// MintToken signs an account token; used by the token admin subcommand and
// tests. Production tokens come from the billing system.
func MintToken(signingSecret, userID, plan string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Plan: plan,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingSecret))
}
