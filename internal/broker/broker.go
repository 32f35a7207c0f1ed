package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tokenbroker.org/internal/audit"
	"tokenbroker.org/internal/obs"
)

// TokenTTL is the lifetime advertised for every issued token. Store resource tokens
// are capped at five hours, so this is also the longest grant the store will mint.
const TokenTTL = 5 * time.Hour

// IdentityResolver exchanges a bearer token for a stable user identifier.
type IdentityResolver interface {
	Resolve(ctx context.Context, accessToken string) (string, error)
}

// IssuedToken is returned to callers. Expires is in epoch seconds.
type IssuedToken struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
	UserID  string `json:"userId"`
}

// Broker issues partition-scoped store tokens to authenticated users.
type Broker struct {
	resolver   IdentityResolver
	store      Store
	collection string
	mode       PermissionMode
	ttl        time.Duration
	now        func() time.Time
}

// Option configures Broker behavior.
type Option func(*Broker) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(b *Broker) error {
		if fn != nil {
			b.now = fn
		}
		return nil
	}
}

// WithMode sets the access mode of newly created permissions.
func WithMode(mode PermissionMode) Option {
	return func(b *Broker) error {
		switch mode {
		case PermissionModeAll, PermissionModeRead:
			b.mode = mode
			return nil
		default:
			return fmt.Errorf("broker: unknown permission mode %q", mode)
		}
	}
}

// WithTTL shortens the token lifetime. Values above TokenTTL are rejected.
func WithTTL(ttl time.Duration) Option {
	return func(b *Broker) error {
		if ttl <= 0 {
			return nil
		}
		if ttl > TokenTTL {
			return fmt.Errorf("broker: ttl %s exceeds maximum %s", ttl, TokenTTL)
		}
		if ttl%time.Second != 0 {
			return fmt.Errorf("broker: ttl %s must be whole seconds", ttl)
		}
		b.ttl = ttl
		return nil
	}
}

// New constructs a Broker for the named collection.
func New(resolver IdentityResolver, store Store, collection string, opts ...Option) (*Broker, error) {
	if resolver == nil {
		return nil, errors.New("broker: identity resolver is required")
	}
	if store == nil {
		return nil, errors.New("broker: store is required")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, errors.New("broker: collection name is required")
	}
	b := &Broker{
		resolver:   resolver,
		store:      store,
		collection: collection,
		mode:       PermissionModeAll,
		ttl:        TokenTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// PermissionID is the deterministic id of the permission a user holds on a collection.
func PermissionID(identity, collection string) string {
	return identity + "_" + collection + "Collection_PermissionId"
}

// IssueToken resolves the caller, ensures its user and permission exist, and wraps
// the permission token with a fresh expiry. Errors wrap ErrAuthFailure or
// ErrStoreFailure.
func (b *Broker) IssueToken(ctx context.Context, accessToken string) (IssuedToken, error) {
	tok, err := b.issue(ctx, accessToken)
	switch {
	case err == nil:
		obs.ObserveIssuance(obs.OutcomeIssued)
	case errors.Is(err, ErrAuthFailure):
		obs.ObserveIssuance(obs.OutcomeUnauthorized)
	default:
		obs.ObserveIssuance(obs.OutcomeStoreError)
	}
	return tok, err
}

func (b *Broker) issue(ctx context.Context, accessToken string) (IssuedToken, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return IssuedToken{}, fmt.Errorf("%w: missing bearer token", ErrAuthFailure)
	}
	identity, err := b.resolver.Resolve(ctx, accessToken)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return IssuedToken{}, fmt.Errorf("%w: empty identity", ErrAuthFailure)
	}

	ctx = audit.WithUserID(ctx, identity)

	user, err := b.ensureUser(ctx, identity)
	if err != nil {
		return IssuedToken{}, err
	}
	perm, err := b.ensurePermission(ctx, user)
	if err != nil {
		return IssuedToken{}, err
	}

	return IssuedToken{
		Token:   perm.Token,
		Expires: b.now().Add(b.ttl).Unix(),
		UserID:  identity,
	}, nil
}

func (b *Broker) ensureUser(ctx context.Context, identity string) (User, error) {
	user, err := b.store.GetUser(ctx, identity)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("%w: get user: %w", ErrStoreFailure, err)
	}
	user, err = b.store.CreateUser(ctx, identity)
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a race with a concurrent first request for the same user.
		user, err = b.store.GetUser(ctx, identity)
		if err != nil {
			return User{}, fmt.Errorf("%w: get user after conflict: %w", ErrStoreFailure, err)
		}
		return user, nil
	}
	if err != nil {
		return User{}, fmt.Errorf("%w: create user: %w", ErrStoreFailure, err)
	}
	_ = audit.LogEvent(ctx, "user.created", map[string]any{"user_id": user.ID})
	return user, nil
}

func (b *Broker) ensurePermission(ctx context.Context, user User) (Permission, error) {
	id := PermissionID(user.ID, b.collection)
	opts := RequestOptions{TokenExpirySeconds: int(b.ttl / time.Second)}

	perm, err := b.store.GetPermission(ctx, user, id, opts)
	if err == nil {
		return perm, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Permission{}, fmt.Errorf("%w: get permission: %w", ErrStoreFailure, err)
	}

	coll, err := b.store.GetCollection(ctx)
	if err != nil {
		return Permission{}, fmt.Errorf("%w: read collection: %w", ErrStoreFailure, err)
	}
	perm, err = b.store.CreatePermission(ctx, user, Permission{
		ID:           id,
		UserID:       user.ID,
		Mode:         b.mode,
		ResourceLink: coll.SelfLink,
		PartitionKey: user.ID,
	}, opts)
	if errors.Is(err, ErrAlreadyExists) {
		perm, err = b.store.GetPermission(ctx, user, id, opts)
		if err != nil {
			return Permission{}, fmt.Errorf("%w: get permission after conflict: %w", ErrStoreFailure, err)
		}
		return perm, nil
	}
	if err != nil {
		return Permission{}, fmt.Errorf("%w: create permission: %w", ErrStoreFailure, err)
	}
	obs.ObservePermissionCreated()
	_ = audit.LogEvent(ctx, "permission.created", map[string]any{
		"permission_id": perm.ID,
		"mode":          string(perm.Mode),
		"resource":      perm.ResourceLink,
	})
	return perm, nil
}
