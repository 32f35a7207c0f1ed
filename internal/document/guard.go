package document

import (
	"context"
	"errors"
	"fmt"

	"tokenbroker.org/internal/broker"
	"tokenbroker.org/internal/resourcetoken"
)

// Verifier validates a resource token and returns its grant.
type Verifier interface {
	Verify(token string) (*resourcetoken.Claims, error)
}

// PermissionLookup returns the token currently attached to a permission, or an error
// wrapping broker.ErrNotFound once the permission is revoked.
type PermissionLookup interface {
	PermissionToken(ctx context.Context, userID, permissionID string) (string, error)
}

// Guard authorizes document access with resource tokens instead of the account key.
type Guard struct {
	verifier Verifier
	lookup   PermissionLookup
	resource string
}

// NewGuard returns a Guard for the collection identified by resource.
func NewGuard(verifier Verifier, lookup PermissionLookup, resource string) *Guard {
	return &Guard{verifier: verifier, lookup: lookup, resource: resource}
}

// Authorize checks that token grants access to partitionKey. Writes require mode All.
func (g *Guard) Authorize(ctx context.Context, token, partitionKey string, write bool) (*resourcetoken.Claims, error) {
	claims, err := g.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Resource != g.resource {
		return nil, fmt.Errorf("%w: token is for %s", ErrForbidden, claims.Resource)
	}
	if claims.PartitionKey != partitionKey {
		return nil, fmt.Errorf("%w: partition %q", ErrForbidden, partitionKey)
	}
	if write && !claims.CanWrite() {
		return nil, fmt.Errorf("%w: read-only grant", ErrForbidden)
	}

	current, err := g.lookup.PermissionToken(ctx, claims.UserID, claims.PermissionID)
	if errors.Is(err, broker.ErrNotFound) {
		return nil, fmt.Errorf("%w: permission revoked", ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup permission: %w", err)
	}
	if current != token {
		return nil, fmt.Errorf("%w: token superseded", ErrUnauthorized)
	}
	return claims, nil
}
