package broker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"tokenbroker.org/internal/ids"
)

// DefaultTokenExpiry is used when a request does not specify a token lifetime.
const DefaultTokenExpiry = time.Hour

// Minter produces the opaque token value attached to a permission.
type Minter interface {
	MintPermission(perm Permission, ttl time.Duration) (token string, expiresAt time.Time, err error)
}

// InMemoryStore implements Store with in-process concurrency safety. Useful for
// development and tests; state is lost on restart.
type InMemoryStore struct {
	mu          sync.RWMutex
	database    string
	collection  Collection
	users       map[string]User
	permissions map[string]map[string]Permission // user id -> permission id -> permission
	minter      Minter
	now         func() time.Time
}

// InMemoryOption configures InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithMinter replaces the default random token minter.
func WithMinter(m Minter) InMemoryOption {
	return func(s *InMemoryStore) {
		if m != nil {
			s.minter = m
		}
	}
}

// WithStoreClock overrides the store's time source.
func WithStoreClock(fn func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemoryStore creates an empty store holding a single collection.
func NewInMemoryStore(database, collection string, opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		database:    database,
		users:       make(map[string]User),
		permissions: make(map[string]map[string]Permission),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.minter == nil {
		s.minter = randomMinter{now: s.now}
	}
	s.collection = Collection{
		ID:         collection,
		ResourceID: ids.New(),
		SelfLink:   CollectionLink(database, collection),
		CreatedAt:  s.now().UTC(),
	}
	return s
}

// CollectionLink is the resource reference of a collection.
func CollectionLink(database, collection string) string {
	return fmt.Sprintf("dbs/%s/colls/%s", database, collection)
}

func (s *InMemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return u, nil
}

func (s *InMemoryStore) CreateUser(ctx context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; ok {
		return User{}, fmt.Errorf("user %q: %w", id, ErrAlreadyExists)
	}
	u := User{ID: id, ResourceID: ids.New(), CreatedAt: s.now().UTC()}
	s.users[id] = u
	return u, nil
}

func (s *InMemoryStore) GetPermission(ctx context.Context, user User, permissionID string, opts RequestOptions) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perm, ok := s.permissions[user.ID][permissionID]
	if !ok {
		return Permission{}, fmt.Errorf("permission %q: %w", permissionID, ErrNotFound)
	}
	now := s.now()
	if perm.Token != "" && now.Before(perm.TokenExpiresAt) {
		return perm, nil
	}
	token, exp, err := s.minter.MintPermission(perm, tokenExpiry(opts))
	if err != nil {
		return Permission{}, err
	}
	perm.Token, perm.TokenExpiresAt, perm.UpdatedAt = token, exp, now.UTC()
	s.permissions[user.ID][permissionID] = perm
	return perm, nil
}

func (s *InMemoryStore) CreatePermission(ctx context.Context, user User, perm Permission, opts RequestOptions) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return Permission{}, fmt.Errorf("user %q: %w", user.ID, ErrNotFound)
	}
	perms := s.permissions[user.ID]
	if perms == nil {
		perms = make(map[string]Permission)
		s.permissions[user.ID] = perms
	}
	if _, ok := perms[perm.ID]; ok {
		return Permission{}, fmt.Errorf("permission %q: %w", perm.ID, ErrAlreadyExists)
	}
	perm.UserID = user.ID
	token, exp, err := s.minter.MintPermission(perm, tokenExpiry(opts))
	if err != nil {
		return Permission{}, err
	}
	now := s.now().UTC()
	perm.Token, perm.TokenExpiresAt = token, exp
	perm.CreatedAt, perm.UpdatedAt = now, now
	perms[perm.ID] = perm
	return perm, nil
}

func (s *InMemoryStore) GetCollection(ctx context.Context) (Collection, error) {
	return s.collection, nil
}

// RemovePermission deletes a permission. It reports ErrNotFound if there was none.
func (s *InMemoryStore) RemovePermission(ctx context.Context, userID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[userID][permissionID]; !ok {
		return fmt.Errorf("permission %q: %w", permissionID, ErrNotFound)
	}
	delete(s.permissions[userID], permissionID)
	return nil
}

// PermissionToken returns the token currently attached to a permission without
// refreshing it.
func (s *InMemoryStore) PermissionToken(ctx context.Context, userID, permissionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.permissions[userID][permissionID]
	if !ok {
		return "", fmt.Errorf("permission %q: %w", permissionID, ErrNotFound)
	}
	return perm.Token, nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

func tokenExpiry(opts RequestOptions) time.Duration {
	if opts.TokenExpirySeconds <= 0 {
		return DefaultTokenExpiry
	}
	return time.Duration(opts.TokenExpirySeconds) * time.Second
}

type randomMinter struct {
	now func() time.Time
}

func (m randomMinter) MintPermission(perm Permission, ttl time.Duration) (string, time.Time, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", time.Time{}, err
	}
	return base64.RawURLEncoding.EncodeToString(b), m.now().Add(ttl), nil
}
