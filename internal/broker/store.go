package broker

import (
	"context"
	"time"
)

// PermissionMode is the access level granted by a permission.
type PermissionMode string

const (
	PermissionModeAll  PermissionMode = "All"
	PermissionModeRead PermissionMode = "Read"
)

// User is a principal provisioned in the store.
type User struct {
	ID         string
	ResourceID string
	CreatedAt  time.Time
}

// Collection is the metadata of a store collection.
type Collection struct {
	ID         string
	ResourceID string
	// SelfLink is the stable resource reference permissions point at.
	SelfLink  string
	CreatedAt time.Time
}

// Permission grants a user access to one partition of one collection. Token is
// assigned by the store at creation or refresh time.
type Permission struct {
	ID             string
	UserID         string
	Mode           PermissionMode
	ResourceLink   string
	PartitionKey   string
	Token          string
	TokenExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RequestOptions are passed through to permission reads and writes.
type RequestOptions struct {
	// TokenExpirySeconds is the validity the store gives a token it mints.
	TokenExpirySeconds int
}

// Store is the narrow contract the broker needs from the document store. Get
// methods return an error wrapping ErrNotFound when the record does not exist;
// Create methods return one wrapping ErrAlreadyExists on an id conflict.
// Implementations must be safe for concurrent use.
type Store interface {
	GetUser(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, id string) (User, error)
	GetPermission(ctx context.Context, user User, permissionID string, opts RequestOptions) (Permission, error)
	CreatePermission(ctx context.Context, user User, perm Permission, opts RequestOptions) (Permission, error)
	GetCollection(ctx context.Context) (Collection, error)
}
