// Package account is the engine's narrow view of the external account and
// billing system: token authentication, plan quotas, and usage reporting.
// Nothing here owns user records; tokens are minted elsewhere and verified
// locally, quotas and usage live in the shared store.
package account

import (
	"context"
	"errors"

	"github.com/burrownet/burrow/internal/store/sqlite"
)

// ErrBadToken indicates a missing, malformed, expired, or forged token.
var ErrBadToken = errors.New("invalid account token")

// Identity is the authenticated principal behind a tunnel connection.
type Identity struct {
	UserID string
	Plan   string
}

// Quota mirrors the per-plan limits from the shared store.
type Quota = sqlite.PlanQuota

// Service is consumed by the tunnel accept path and teardown metering.
type Service interface {
	// Authenticate validates a token and returns the identity it carries.
	Authenticate(ctx context.Context, token string) (Identity, error)

	// GetQuota returns the plan limits for an identity.
	GetQuota(ctx context.Context, id Identity) (Quota, error)

	// RecordUsage reports relayed bytes for billing.
	RecordUsage(ctx context.Context, userID string, bytes int64) error

	// Usage returns bytes already consumed in the current billing period.
	Usage(ctx context.Context, userID string) (int64, error)
}
