package resourcetoken

import (
	"errors"
	"testing"
	"time"

	"tokenbroker.org/internal/broker"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestSigner(t *testing.T, key string, c *clock) *Signer {
	t.Helper()
	s, err := NewSigner(key, WithSignerClock(c.Now))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func TestMintPermissionRoundTrip(t *testing.T) {
	c := &clock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	s := newTestSigner(t, "account-key", c)

	perm := broker.Permission{
		ID:           "alice_OrdersCollection_PermissionId",
		UserID:       "alice",
		Mode:         broker.PermissionModeAll,
		ResourceLink: "dbs/Tenants/colls/Orders",
		PartitionKey: "alice",
	}
	token, expires, err := s.MintPermission(perm, 2*time.Hour)
	if err != nil {
		t.Fatalf("MintPermission: %v", err)
	}
	if !expires.Equal(c.now.Add(2 * time.Hour)) {
		t.Fatalf("expires = %v", expires)
	}

	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "alice" || claims.PartitionKey != "alice" || claims.PermissionID != perm.ID {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Resource != perm.ResourceLink || !claims.CanWrite() {
		t.Fatalf("grant not preserved: %+v", claims)
	}
	if claims.Subject != "alice" || claims.ID == "" {
		t.Fatalf("registered claims missing: %+v", claims.RegisteredClaims)
	}
}

func TestMintTTLBounds(t *testing.T) {
	c := &clock{now: time.Unix(1_800_000_000, 0)}
	s := newTestSigner(t, "k", c)
	claims := Claims{UserID: "u", Resource: "dbs/d/colls/c"}

	if _, _, err := s.Mint(claims, 6*time.Hour); !errors.Is(err, ErrTTLTooLong) {
		t.Fatalf("expected ErrTTLTooLong, got %v", err)
	}
	_, expires, err := s.Mint(claims, 0)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !expires.Equal(c.now.Add(DefaultTTL)) {
		t.Fatalf("default ttl not applied: %v", expires)
	}
	if _, _, err := s.Mint(Claims{UserID: "u"}, time.Minute); err == nil {
		t.Fatal("expected error for missing resource")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	c := &clock{now: time.Unix(1_800_000_000, 0)}
	s := newTestSigner(t, "k", c)
	token, _, err := s.Mint(Claims{UserID: "u", Resource: "r"}, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	c.now = c.now.Add(2 * time.Minute)
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	c := &clock{now: time.Unix(1_800_000_000, 0)}
	token, _, err := newTestSigner(t, "key-a", c).Mint(Claims{UserID: "u", Resource: "r"}, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := newTestSigner(t, "key-b", c).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	for _, bad := range []string{"", "not-a-jwt"} {
		if _, err := newTestSigner(t, "key-a", c).Verify(bad); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q) = %v", bad, err)
		}
	}
}

func TestNewSignerRequiresKey(t *testing.T) {
	if _, err := NewSigner("  "); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestReadGrantCannotWrite(t *testing.T) {
	c := &Claims{Mode: broker.PermissionModeRead}
	if c.CanWrite() {
		t.Fatal("read grant reported write access")
	}
}
