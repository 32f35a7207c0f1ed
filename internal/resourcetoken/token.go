// Package resourcetoken mints and verifies the partition-scoped tokens handed to
// clients. Tokens are HS256 JWTs signed with the store account key.
package resourcetoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tokenbroker.org/internal/broker"
)

const (
	// Issuer is stamped on every token.
	Issuer = "tokenbroker"
	// MaxTTL is the longest lifetime a token may carry.
	MaxTTL = 5 * time.Hour
	// DefaultTTL applies when Mint is called with a zero ttl.
	DefaultTTL = time.Hour
)

var (
	// ErrInvalidToken indicates the token failed signature or claim validation.
	ErrInvalidToken = errors.New("resourcetoken: invalid token")
	// ErrTTLTooLong is returned when a requested lifetime exceeds MaxTTL.
	ErrTTLTooLong = errors.New("resourcetoken: ttl exceeds maximum")
)

// Claims describes what a resource token grants.
type Claims struct {
	UserID       string                `json:"uid"`
	PermissionID string                `json:"pid"`
	Resource     string                `json:"res"`
	PartitionKey string                `json:"pk"`
	Mode         broker.PermissionMode `json:"mode"`
	jwt.RegisteredClaims
}

// CanWrite reports whether the grant allows document writes.
func (c *Claims) CanWrite() bool { return c.Mode == broker.PermissionModeAll }

// Signer mints and verifies tokens with a shared key.
type Signer struct {
	key []byte
	now func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerClock overrides the time source.
func WithSignerClock(fn func() time.Time) SignerOption {
	return func(s *Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSigner returns a Signer keyed by the account key.
func NewSigner(key string, opts ...SignerOption) (*Signer, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("resourcetoken: signing key is required")
	}
	s := &Signer{key: []byte(key), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Mint signs claims valid for ttl. The registered claims are filled in here.
func (s *Signer) Mint(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrTTLTooLong, ttl)
	}
	if strings.TrimSpace(claims.UserID) == "" || strings.TrimSpace(claims.Resource) == "" {
		return "", time.Time{}, errors.New("resourcetoken: user and resource are required")
	}

	now := s.now().UTC().Truncate(time.Second)
	expires := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   claims.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// MintPermission mints a token granting perm. It satisfies broker.Minter.
func (s *Signer) MintPermission(perm broker.Permission, ttl time.Duration) (string, time.Time, error) {
	return s.Mint(Claims{
		UserID:       perm.UserID,
		PermissionID: perm.ID,
		Resource:     perm.ResourceLink,
		PartitionKey: perm.PartitionKey,
		Mode:         perm.Mode,
	}, ttl)
}

// Verify checks the signature and time claims and returns the grant.
func (s *Signer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || claims.Resource == "" {
		return nil, fmt.Errorf("%w: grant claims missing", ErrInvalidToken)
	}
	return claims, nil
}

var _ broker.Minter = (*Signer)(nil)
